package jsonrpc

import "encoding/json"

// version is the JSON-RPC protocol version stamped on every outbound message.
const version = "2.0"

// request is the wire form of an outbound JSON-RPC object. A nil ID makes it
// a notification.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// message is the wire form of an inbound JSON-RPC object. A populated ID is
// a correlated response; a Method without ID is a notification.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error member of a JSON-RPC response.
type ErrorObject struct {
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Notification is an inbound message lacking an id, delivered to registered
// notification handlers in arrival order.
type Notification struct {
	Method string
	Params json.RawMessage
}
