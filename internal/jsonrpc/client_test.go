package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpstash/mcpstash/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipeClient wires a Client to in-memory pipes instead of a subprocess.
// Lines the client writes arrive on fromClient; lines written to toClient
// arrive on the client's read loop.
type pipeClient struct {
	client     *Client
	fromClient *bufio.Scanner
	toClient   *io.PipeWriter
}

func newPipeClient(t *testing.T) *pipeClient {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	c := NewClient(testLogger(), []string{"fake-server"}, false)
	c.stdin = stdinW
	c.stdout = stdoutR
	c.stderr = io.NopCloser(strings.NewReader(""))

	c.wg.Add(2)

	go c.readLoop()
	go c.stderrLoop()

	p := &pipeClient{
		client:     c,
		fromClient: bufio.NewScanner(stdinR),
		toClient:   stdoutW,
	}

	t.Cleanup(func() {
		_ = stdoutW.Close()
		_ = c.Close()
		_ = stdinR.Close()
	})

	return p
}

// readRequest consumes the next line the client wrote and decodes it.
func (p *pipeClient) readRequest(t *testing.T) map[string]any {
	t.Helper()

	require.True(t, p.fromClient.Scan(), "expected a line from the client")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(p.fromClient.Bytes(), &decoded))

	return decoded
}

// respond writes a raw line to the client's read loop.
func (p *pipeClient) respond(t *testing.T, line string) {
	t.Helper()

	_, err := io.WriteString(p.toClient, line+"\n")
	require.NoError(t, err)
}

func TestCallNotConnected(t *testing.T) {
	c := NewClient(testLogger(), []string{"fake-server"}, false)

	_, err := c.Call(context.Background(), "tools/list", nil)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestStartSpawnError(t *testing.T) {
	c := NewClient(testLogger(), []string{"/nonexistent/mcpstash-test-binary"}, false)

	err := c.Start(context.Background())
	require.Error(t, err)

	var spawnErr *errors.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "/nonexistent/mcpstash-test-binary", spawnErr.Command)
}

func TestStartEmptyCommand(t *testing.T) {
	c := NewClient(testLogger(), nil, false)

	err := c.Start(context.Background())

	var spawnErr *errors.SpawnError
	require.ErrorAs(t, err, &spawnErr)
}

func TestCallRoundTrip(t *testing.T) {
	p := newPipeClient(t)

	go func() {
		req := p.readRequest(t)
		id := int64(req["id"].(float64))
		p.respond(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, id))
	}()

	result, err := p.client.Call(context.Background(), "tools/list", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestCallOutOfOrderResponses(t *testing.T) {
	p := newPipeClient(t)

	type outcome struct {
		result json.RawMessage
		err    error
	}

	first := make(chan outcome, 1)
	second := make(chan outcome, 1)

	go func() {
		r, err := p.client.Call(context.Background(), "method/one", nil)
		first <- outcome{r, err}
	}()

	req1 := p.readRequest(t)

	go func() {
		r, err := p.client.Call(context.Background(), "method/two", nil)
		second <- outcome{r, err}
	}()

	req2 := p.readRequest(t)

	id1 := int64(req1["id"].(float64))
	id2 := int64(req2["id"].(float64))
	require.NotEqual(t, id1, id2)

	// Answer the second request before the first.
	p.respond(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"two"}`, id2))
	p.respond(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"one"}`, id1))

	out2 := <-second
	require.NoError(t, out2.err)
	assert.JSONEq(t, `"two"`, string(out2.result))

	out1 := <-first
	require.NoError(t, out1.err)
	assert.JSONEq(t, `"one"`, string(out1.result))
}

func TestCallRemoteError(t *testing.T) {
	p := newPipeClient(t)

	go func() {
		req := p.readRequest(t)
		id := int64(req["id"].(float64))
		p.respond(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, id))
	}()

	_, err := p.client.Call(context.Background(), "missing/method", nil)
	require.Error(t, err)

	var remoteErr *errors.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "missing/method", remoteErr.Method)
	assert.Equal(t, "method not found", remoteErr.Message)
}

func TestNotificationsDispatchInOrder(t *testing.T) {
	p := newPipeClient(t)

	received := make(chan Notification, 4)
	p.client.OnNotification(func(n Notification) {
		received <- n
	})

	p.respond(t, `{"jsonrpc":"2.0","method":"notifications/first","params":{"n":1}}`)
	p.respond(t, `{"jsonrpc":"2.0","method":"notifications/second","params":{"n":2}}`)

	n1 := <-received
	assert.Equal(t, "notifications/first", n1.Method)
	assert.JSONEq(t, `{"n":1}`, string(n1.Params))

	n2 := <-received
	assert.Equal(t, "notifications/second", n2.Method)
}

func TestUnparseableLineSkipped(t *testing.T) {
	p := newPipeClient(t)

	go func() {
		req := p.readRequest(t)
		id := int64(req["id"].(float64))

		// Garbage first, then the real response. The garbage must not
		// terminate the stream or fail the pending request.
		p.respond(t, `this is not json at all`)
		p.respond(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"fine"}`, id))
	}()

	result, err := p.client.Call(context.Background(), "tools/list", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"fine"`, string(result))
}

func TestLateResponseDropped(t *testing.T) {
	p := newPipeClient(t)

	// A response for an id that was never issued is silently dropped and
	// the transport keeps working.
	p.respond(t, `{"jsonrpc":"2.0","id":9999,"result":"nobody asked"}`)

	go func() {
		req := p.readRequest(t)
		id := int64(req["id"].(float64))
		p.respond(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"still alive"}`, id))
	}()

	result, err := p.client.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"still alive"`, string(result))
}

func TestCallFailsFastOnStreamClose(t *testing.T) {
	p := newPipeClient(t)

	errCh := make(chan error, 1)

	go func() {
		_, err := p.client.Call(context.Background(), "slow/method", nil)
		errCh <- err
	}()

	// Wait for the request to hit the wire, then end the stream.
	p.readRequest(t)
	require.NoError(t, p.toClient.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, errors.ErrConnClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail promptly after stream close")
	}
}

func TestResponseBeforeStreamClosePreferred(t *testing.T) {
	// A response dispatched right before the process exits leaves both the
	// response channel and the done channel ready; the call must return
	// the response, never ErrConnClosed. Repeated because the losing
	// interleaving depends on select ordering.
	for range 10 {
		p := newPipeClient(t)

		go func() {
			req := p.readRequest(t)
			id := int64(req["id"].(float64))
			p.respond(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"made it"}`, id))

			// End the stream immediately after the response.
			_ = p.toClient.Close()
		}()

		result, err := p.client.Call(context.Background(), "last/words", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `"made it"`, string(result))
	}
}

func TestCallTimeout(t *testing.T) {
	p := newPipeClient(t)
	p.client.timeout = 50 * time.Millisecond

	go func() {
		// Consume the request but never answer it.
		p.readRequest(t)
	}()

	_, err := p.client.Call(context.Background(), "never/answered", nil)
	assert.ErrorIs(t, err, errors.ErrRequestTimeout)
}

func TestCallContextCanceled(t *testing.T) {
	p := newPipeClient(t)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)

	go func() {
		_, err := p.client.Call(ctx, "never/answered", nil)
		errCh <- err
	}()

	p.readRequest(t)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not observe context cancellation")
	}
}

func TestNotifyOmitsID(t *testing.T) {
	p := newPipeClient(t)

	// Notify blocks on the unbuffered pipe until the line is consumed, so
	// it must run concurrently with readRequest.
	errCh := make(chan error, 1)

	go func() {
		errCh <- p.client.Notify(context.Background(), "notifications/initialized", nil)
	}()

	sent := p.readRequest(t)
	require.NoError(t, <-errCh)
	assert.Equal(t, "notifications/initialized", sent["method"])
	assert.NotContains(t, sent, "id")
}

func TestWriteAfterCloseRejected(t *testing.T) {
	p := newPipeClient(t)

	require.NoError(t, p.toClient.Close())
	require.NoError(t, p.client.Close())

	err := p.client.Notify(context.Background(), "notifications/ping", nil)
	assert.ErrorIs(t, err, errors.ErrStdinClosed)
}
