// Package query extracts sub-views of a cached response value.
//
// All functions are pure: text search, regex search, and structured-path
// evaluation over a value, plus fixed-size chunk extraction from the value's
// canonical rendering. Nothing here touches the store or the transport.
package query
