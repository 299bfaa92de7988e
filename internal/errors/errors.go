package errors

import (
	"errors"
	"fmt"
)

// StashError is the base interface for all mcpstash errors.
type StashError interface {
	error
	IsStashError() bool
}

// Compile-time verification that all error types implement StashError.
var (
	_ StashError = (*SpawnError)(nil)
	_ StashError = (*RemoteError)(nil)
	_ StashError = (*QueryError)(nil)
	_ StashError = (*NotFoundError)(nil)
	_ StashError = (*ChunkRangeError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrNotConnected indicates the transport has not been started.
	ErrNotConnected = errors.New("transport not connected")

	// ErrRequestTimeout indicates no correlated response arrived in time.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrConnClosed indicates the target server process exited while
	// requests were still in flight.
	ErrConnClosed = errors.New("connection closed")

	// ErrStdinClosed indicates the target's stdin was closed during shutdown.
	ErrStdinClosed = errors.New("stdin closed")
)

// SpawnError indicates the target server process could not be launched.
// This is fatal to the whole session; there is no restart.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn target server %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsStashError implements StashError.
func (e *SpawnError) IsStashError() bool { return true }

// RemoteError indicates the target server returned a protocol-level error
// for a correlated request.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("target server error for %s: %s", e.Method, e.Message)
}

// IsStashError implements StashError.
func (e *RemoteError) IsStashError() bool { return true }

// QueryError indicates a malformed query expression (structured path or
// regular expression).
type QueryError struct {
	Expression string
	Err        error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("invalid query %q: %v", e.Expression, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// IsStashError implements StashError.
func (e *QueryError) IsStashError() bool { return true }

// NotFoundError indicates a cached response id that is unknown or expired.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("response %s not found or expired", e.ID)
}

// IsStashError implements StashError.
func (e *NotFoundError) IsStashError() bool { return true }

// ChunkRangeError indicates a chunk index outside [0, TotalChunks).
type ChunkRangeError struct {
	Chunk       int
	TotalChunks int
}

func (e *ChunkRangeError) Error() string {
	return fmt.Sprintf("chunk %d out of range (response has %d chunks)", e.Chunk, e.TotalChunks)
}

// IsStashError implements StashError.
func (e *ChunkRangeError) IsStashError() bool { return true }
