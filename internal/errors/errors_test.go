package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnErrorUnwraps(t *testing.T) {
	cause := stderrors.New("exec format error")
	err := &SpawnError{Command: "/usr/bin/server", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "/usr/bin/server")
	assert.Contains(t, err.Error(), "exec format error")
}

func TestQueryErrorUnwraps(t *testing.T) {
	cause := stderrors.New("missing closing ]")
	err := &QueryError{Expression: "/[unclosed/", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "/[unclosed/")
}

func TestRemoteErrorMessage(t *testing.T) {
	err := &RemoteError{Method: "tools/call", Message: "method not found"}

	assert.Contains(t, err.Error(), "tools/call")
	assert.Contains(t, err.Error(), "method not found")
}

func TestNotFoundErrorMessage(t *testing.T) {
	err := &NotFoundError{ID: "resp_abc123"}

	assert.Equal(t, "response resp_abc123 not found or expired", err.Error())
}

func TestChunkRangeErrorMessage(t *testing.T) {
	err := &ChunkRangeError{Chunk: 9, TotalChunks: 4}

	assert.Equal(t, "chunk 9 out of range (response has 4 chunks)", err.Error())
}

func TestTypedErrorsSurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("call tools/list: %w", &RemoteError{Method: "tools/list", Message: "boom"})

	var remoteErr *RemoteError
	require.ErrorAs(t, wrapped, &remoteErr)
	assert.Equal(t, "tools/list", remoteErr.Method)
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{ErrNotConnected, ErrRequestTimeout, ErrConnClosed, ErrStdinClosed}

	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}

			assert.NotErrorIs(t, a, b)
		}
	}
}
