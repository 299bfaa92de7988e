// Package errors defines error types for mcpstash.
//
// This package provides structured error types for the failure scenarios in
// the proxy pipeline: spawning and talking to the target server, querying
// cached responses, and resolving cache ids. All error types support error
// unwrapping and can be checked with errors.Is and errors.As.
package errors
