package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// WebSocketConfig configures a full-duplex MCP server reached over a
// WebSocket, framing each JSON-RPC message as one text message.
type WebSocketConfig struct {
	URL            string
	RequestTimeout time.Duration
}

// WebSocketTransport implements Transport over a github.com/coder/websocket
// connection, with the same correlation-table/timer shape as StdioTransport
// since the framing problem (one request -> one eventually-correlated
// response, plus out-of-band notifications) is identical.
type WebSocketTransport struct {
	cfg  WebSocketConfig
	conn *websocket.Conn

	nextID atomic.Int64
	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[int64]chan *Response

	handlerMu sync.Mutex
	handler   func(Notification)

	connected atomic.Bool
}

// NewWebSocket builds a WebSocketTransport; Connect must be called before
// use.
func NewWebSocket(cfg WebSocketConfig) *WebSocketTransport {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &WebSocketTransport{cfg: cfg, pending: make(map[int64]chan *Response)}
}

func (t *WebSocketTransport) Connect() error {
	conn, _, err := websocket.Dial(context.Background(), t.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("transport: websocket dial: %w", err)
	}
	t.conn = conn
	t.connected.Store(true)
	go t.readLoop()
	return nil
}

func (t *WebSocketTransport) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			break
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			slog.Warn("mcp websocket: malformed frame, discarding", "err", err)
			continue
		}
		t.dispatch(&resp)
	}

	t.connected.Store(false)
	t.pendMu.Lock()
	for id, ch := range t.pending {
		ch <- &Response{ID: id, Error: &ResponseError{Code: -32000, Message: "mcp: transport closed"}}
	}
	t.pending = make(map[int64]chan *Response)
	t.pendMu.Unlock()
}

func (t *WebSocketTransport) dispatch(resp *Response) {
	if resp.IsNotification() {
		t.handlerMu.Lock()
		h := t.handler
		t.handlerMu.Unlock()
		if h != nil {
			var params any
			_ = json.Unmarshal(resp.Result, &params)
			h(Notification{JSONRPC: resp.JSONRPC, Method: resp.Method, Params: params})
		}
		return
	}
	t.pendMu.Lock()
	ch, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	t.pendMu.Unlock()
	if ok {
		ch <- resp
	}
}

func (t *WebSocketTransport) SendRequest(method string, params any) (*Response, error) {
	if !t.IsConnected() {
		return nil, ErrClosed
	}
	id := t.nextID.Add(1)
	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal request: %w", err)
	}

	ch := make(chan *Response, 1)
	t.pendMu.Lock()
	t.pending[id] = ch
	t.pendMu.Unlock()

	timer := time.AfterFunc(t.cfg.RequestTimeout, func() {
		t.pendMu.Lock()
		c, ok := t.pending[id]
		if ok {
			delete(t.pending, id)
		}
		t.pendMu.Unlock()
		if ok {
			c <- &Response{ID: id, Error: &ResponseError{Code: -32001, Message: ErrTimeout.Error()}}
		}
	})

	t.writeMu.Lock()
	err = t.conn.Write(context.Background(), websocket.MessageText, data)
	t.writeMu.Unlock()
	if err != nil {
		timer.Stop()
		t.pendMu.Lock()
		delete(t.pending, id)
		t.pendMu.Unlock()
		return nil, fmt.Errorf("transport: write request: %w", err)
	}

	resp := <-ch
	timer.Stop()
	return resp, nil
}

func (t *WebSocketTransport) SendNotification(method string, params any) error {
	if !t.IsConnected() {
		return ErrClosed
	}
	n := Notification{JSONRPC: "2.0", Method: method, Params: params}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("transport: marshal notification: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(context.Background(), websocket.MessageText, data)
}

func (t *WebSocketTransport) OnMessage(handler func(Notification)) {
	t.handlerMu.Lock()
	t.handler = handler
	t.handlerMu.Unlock()
}

func (t *WebSocketTransport) IsConnected() bool { return t.connected.Load() }

func (t *WebSocketTransport) Disconnect() error {
	t.connected.Store(false)
	if t.conn == nil {
		return nil
	}
	return t.conn.Close(websocket.StatusNormalClosure, "disconnect")
}

func (t *WebSocketTransport) Close() error { return t.Disconnect() }
