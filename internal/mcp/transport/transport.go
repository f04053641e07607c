// Package transport implements the three wire transports the MCP connection
// layer (C8) can be built on — stdio, HTTP and WebSocket — all framing the
// same newline-delimited JSON-RPC 2.0 message shape, behind one Transport
// interface.
package transport

import (
	"encoding/json"
	"errors"
)

// ErrClosed is returned by SendRequest/SendNotification once a transport has
// been disconnected or closed.
var ErrClosed = errors.New("transport: closed")

// ErrTimeout is returned when a pending request's timer fires before a
// correlated response arrives.
var ErrTimeout = errors.New("transport: request timed out")

// Request is one JSON-RPC 2.0 request object.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Notification is a JSON-RPC 2.0 request object with no id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// ResponseError is a JSON-RPC 2.0 error object.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ResponseError) Error() string { return e.Message }

// Response is one JSON-RPC 2.0 response or notification frame, as received
// off the wire. ID is omitted (zero) for notifications.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"` // set only for incoming notifications
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// IsNotification reports whether this frame carries no id and thus is not a
// correlated response (per §4.7's dispatch rule).
func (r *Response) IsNotification() bool { return r.ID == 0 && r.Method != "" }

// Transport is the capability set every MCP wire binding (stdio, HTTP,
// WebSocket) implements identically, so C8 can be built against it without
// caring which one is in play.
type Transport interface {
	// Connect establishes the underlying connection (spawns the process,
	// dials the socket, etc).
	Connect() error

	// SendRequest sends a JSON-RPC request and blocks for its correlated
	// response, or until ctx-independent internal timeout/disconnect fires.
	SendRequest(method string, params any) (*Response, error)

	// SendNotification sends a JSON-RPC notification; no response is
	// expected or awaited.
	SendNotification(method string, params any) error

	// OnMessage registers the handler invoked for every incoming
	// notification (frames with no id). Only one handler is kept; the last
	// registration wins.
	OnMessage(handler func(Notification))

	// IsConnected reports whether the transport believes it has a live
	// connection.
	IsConnected() bool

	// Disconnect tears down the connection but leaves the Transport value
	// reusable via a subsequent Connect.
	Disconnect() error

	// Close releases all resources permanently.
	Close() error
}
