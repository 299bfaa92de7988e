package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpstash/mcpstash/internal/errors"
)

const (
	// maxScanTokenSize is the maximum buffer size for reading target output
	// lines. Parked responses routinely run into the megabytes, so this is
	// far larger than the usual scanner default.
	maxScanTokenSize = 32 * 1024 * 1024

	// maxStderrBufferSize caps the stderr buffer kept for exit reporting.
	// Stderr reading continues past the cap; the buffer just stops growing.
	maxStderrBufferSize = 1 * 1024 * 1024

	// requestTimeout bounds how long a correlated request waits for its
	// response before the pending record is discarded.
	requestTimeout = 30 * time.Second
)

// NotificationHandler is invoked for every inbound message lacking an id.
type NotificationHandler func(n Notification)

// Client owns a single target server subprocess and speaks newline-delimited
// JSON-RPC 2.0 over its stdin/stdout for the lifetime of that process.
//
// Requests are correlated to responses by a monotonically increasing integer
// id, so multiple requests may be pipelined. If the process exits, every
// in-flight request fails promptly with ErrConnClosed rather than riding out
// its timeout.
type Client struct {
	log     *slog.Logger
	command []string
	debug   bool

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeMu sync.Mutex // protects stdin writes
	nextID  atomic.Int64
	timeout time.Duration

	pendingMu sync.Mutex
	pending   map[int64]chan *message

	handlersMu sync.RWMutex
	handlers   []NotificationHandler

	// Fatal error handling - stores the error and broadcasts via done.
	errMu    sync.RWMutex
	fatalErr error

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewClient creates a transport for the given target server command line.
// The command is not launched until Start.
func NewClient(log *slog.Logger, command []string, debug bool) *Client {
	return &Client{
		log:     log.With("component", "jsonrpc"),
		command: command,
		debug:   debug,
		timeout: requestTimeout,
		pending: make(map[int64]chan *message, 8),
		done:    make(chan struct{}),
	}
}

// Start spawns the target server subprocess with stdin, stdout, and stderr
// pipes and begins reading its output.
//
// Returns a *SpawnError if the executable cannot be launched. Spawn failure
// is fatal to the whole session; there is no restart.
func (c *Client) Start(ctx context.Context) error {
	if len(c.command) == 0 {
		return &errors.SpawnError{Command: "", Err: fmt.Errorf("empty target command")}
	}

	c.log.Info("Starting target server subprocess", "command", c.command)

	//nolint:gosec // G204: launching a user-supplied server command is the whole point
	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &errors.SpawnError{Command: c.command[0], Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	c.stdin = stdin

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &errors.SpawnError{Command: c.command[0], Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	c.stdout = stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &errors.SpawnError{Command: c.command[0], Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	c.stderr = stderr

	if err := cmd.Start(); err != nil {
		c.log.Error("Failed to start target server", "error", err)

		return &errors.SpawnError{Command: c.command[0], Err: err}
	}

	c.cmd = cmd
	c.log.Info("Target server started", "pid", cmd.Process.Pid)

	c.wg.Add(2)

	go c.readLoop()
	go c.stderrLoop()

	return nil
}

// Call sends a correlated request and waits for the matching response.
//
// The result is the remote "result" field. A remote "error" field becomes a
// *RemoteError carrying the remote-supplied message. If no matching response
// arrives within the request timeout, the pending record is discarded and
// the call fails wrapping ErrRequestTimeout; a response arriving after that
// point is silently dropped.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.stdin == nil {
		return nil, errors.ErrNotConnected
	}

	id := c.nextID.Add(1)
	respChan := make(chan *message, 1)

	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	discard := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	c.log.Debug("Sending request", "id", id, "method", method)

	if err := c.writeMessage(ctx, &request{JSONRPC: version, ID: &id, Method: method, Params: params}); err != nil {
		discard()

		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			c.log.Warn("Request returned remote error", "id", id, "method", method, "error", resp.Error.Message)

			return nil, &errors.RemoteError{Method: method, Message: resp.Error.Message}
		}

		c.log.Debug("Received response", "id", id, "method", method)

		return resp.Result, nil

	case <-c.done:
		// Read loop stopped (usually process exit). The response may have
		// been dispatched just before the loop exited, in which case both
		// channels are ready; prefer the response over the shutdown.
		select {
		case resp := <-respChan:
			if resp.Error != nil {
				c.log.Warn("Request returned remote error", "id", id, "method", method, "error", resp.Error.Message)

				return nil, &errors.RemoteError{Method: method, Message: resp.Error.Message}
			}

			c.log.Debug("Received response", "id", id, "method", method)

			return resp.Result, nil
		default:
		}

		// Fail fast instead of letting the request ride out its timeout.
		discard()

		err := c.fatalError()
		if err == nil {
			err = errors.ErrConnClosed
		}

		c.log.Warn("Connection closed during request", "id", id, "method", method)

		return nil, fmt.Errorf("call %s: %w", method, err)

	case <-time.After(c.timeout):
		discard()

		c.log.Warn("Request timed out", "id", id, "method", method, "timeout", c.timeout)

		return nil, fmt.Errorf("call %s: %w after %s", method, errors.ErrRequestTimeout, c.timeout)

	case <-ctx.Done():
		discard()

		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification (no id, no awaited result).
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if c.stdin == nil {
		return errors.ErrNotConnected
	}

	c.log.Debug("Sending notification", "method", method)

	return c.writeMessage(ctx, &request{JSONRPC: version, Method: method, Params: params})
}

// OnNotification registers a handler invoked for every inbound message
// lacking an id. Handlers run on the read loop goroutine, in registration
// order, and must not block.
func (c *Client) OnNotification(handler NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.handlers = append(c.handlers, handler)
}

// Done returns a channel closed when the read loop stops, which happens on
// process exit or Close.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close terminates the target server process and fails any in-flight
// requests. Safe to call multiple times.
func (c *Client) Close() error {
	c.closing.Store(true)
	c.closeDone()

	if c.cmd != nil && c.cmd.Process != nil {
		c.log.Debug("Killing target server", "pid", c.cmd.Process.Pid)

		if err := c.cmd.Process.Kill(); err != nil && !strings.Contains(err.Error(), "already finished") {
			return fmt.Errorf("kill target server (pid %d): %w", c.cmd.Process.Pid, err)
		}
	}

	c.wg.Wait()

	return nil
}

// writeMessage marshals m and writes it as one newline-terminated line.
func (c *Client) writeMessage(ctx context.Context, m *request) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closing.Load() {
		return errors.ErrStdinClosed
	}

	data = append(data, '\n')

	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write to stdin: %w", err)
	}

	return nil
}

// readLoop consumes target stdout line by line, parsing each complete line
// as JSON and dispatching it. The bufio.Scanner retains any trailing
// incomplete fragment across reads, which gives the newline framing for
// free.
//
// A line that fails to parse is logged and discarded; it neither terminates
// the stream nor fails any pending request.
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.drainPending()
	defer c.closeDone()
	defer c.log.Debug("Read loop stopped")

	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxScanTokenSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg message

		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Warn("Discarding unparseable line from target", "error", err, "length", len(line))

			continue
		}

		c.dispatch(&msg)
	}

	if err := scanner.Err(); err != nil {
		c.log.Error("Scanner error while reading target output", "error", err)
		c.setFatalError(fmt.Errorf("read target output: %w", err))
	}

	c.waitProcess()
}

// dispatch routes one inbound message: responses to their pending request,
// everything without an id to the notification handlers.
func (c *Client) dispatch(msg *message) {
	if msg.ID == nil {
		c.handlersMu.RLock()
		handlers := c.handlers
		c.handlersMu.RUnlock()

		for _, h := range handlers {
			h(Notification{Method: msg.Method, Params: msg.Params})
		}

		return
	}

	c.pendingMu.Lock()

	respChan, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}

	c.pendingMu.Unlock()

	if !ok {
		// Late arrival after timeout, or an id we never issued.
		c.log.Debug("Dropping response with no pending request", "id", *msg.ID)

		return
	}

	// Buffered channel, and we own the record now: this cannot block.
	respChan <- msg
}

// drainPending removes every pending record so no waiter is left holding a
// correlation entry after the read loop exits. Waiters observe the closed
// done channel and fail with ErrConnClosed.
func (c *Client) drainPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if n := len(c.pending); n > 0 {
		c.log.Warn("Failing in-flight requests: connection closed", "count", n)
	}

	clear(c.pending)
}

// waitProcess reaps the target process and logs how it went. Process exit is
// not fatal to the host: pending requests are failed via done/drain and the
// orchestrator surfaces errors per call.
func (c *Client) waitProcess() {
	if c.cmd == nil {
		// Pipe-backed client (tests); nothing to reap.
		c.setFatalError(errors.ErrConnClosed)

		return
	}

	if err := c.cmd.Wait(); err != nil {
		if c.closing.Load() {
			c.log.Debug("Target server terminated during shutdown")

			return
		}

		c.log.Error("Target server exited with error", "error", err)
		c.setFatalError(errors.ErrConnClosed)

		return
	}

	c.log.Info("Target server exited")
	c.setFatalError(errors.ErrConnClosed)
}

// stderrLoop consumes target stderr. Lines are surfaced through the logger
// when debug is enabled and buffered (capped) either way so exits have some
// context.
func (c *Client) stderrLoop() {
	defer c.wg.Done()

	var buffer strings.Builder

	scanner := bufio.NewScanner(c.stderr)
	for scanner.Scan() {
		line := scanner.Text()

		if buffer.Len() < maxStderrBufferSize {
			if buffer.Len() > 0 {
				buffer.WriteString("\n")
			}

			buffer.WriteString(line)
		}

		if c.debug {
			c.log.Debug("Target stderr", "line", line)
		}
	}

	if err := scanner.Err(); err != nil {
		c.log.Debug("Stderr scanner error", "error", err)
	}

	if !c.closing.Load() && buffer.Len() > 0 && !c.debug {
		c.log.Debug("Target stderr buffered", "bytes", buffer.Len())
	}
}

func (c *Client) closeDone() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) setFatalError(err error) {
	c.errMu.Lock()

	if c.fatalErr == nil {
		c.fatalErr = err
	}

	c.errMu.Unlock()

	c.closeDone()
}

func (c *Client) fatalError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()

	return c.fatalErr
}
