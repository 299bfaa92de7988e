// Package jsonrpc provides the subprocess transport for the target server.
//
// The Client spawns the wrapped server as a child process and speaks
// newline-delimited JSON-RPC 2.0 over its stdin/stdout. It correlates
// responses to pending requests by integer id, enforces a per-request
// timeout, and delivers out-of-band notifications to registered listeners.
// When the child exits, every in-flight request fails immediately with a
// connection-closed error.
package jsonrpc
