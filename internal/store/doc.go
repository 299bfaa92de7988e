// Package store persists parked responses with a TTL.
//
// Each cached id owns two JSON files in the cache directory: a payload file
// holding the value and a metadata file holding everything else. Expiry is
// enforced lazily on read and proactively by a periodic sweeper. The
// filesystem is abstracted behind afero so tests run against an in-memory
// filesystem.
package store
