package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPConfig configures a unary request/response MCP server reached over
// plain HTTP POST.
type HTTPConfig struct {
	Endpoint string
	Headers  map[string]string
	Timeout  time.Duration
}

// HTTPTransport implements Transport over a single POST endpoint. The MCP
// spec defines no server-initiated notifications for this binding, so
// OnMessage's handler is never invoked.
type HTTPTransport struct {
	cfg    HTTPConfig
	client *http.Client
	nextID atomic.Int64
	live   atomic.Bool
}

// NewHTTP builds an HTTPTransport; Connect performs no I/O beyond marking
// the transport live since HTTP has no persistent connection to establish.
func NewHTTP(cfg HTTPConfig) *HTTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPTransport{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (t *HTTPTransport) Connect() error {
	t.live.Store(true)
	return nil
}

func (t *HTTPTransport) SendRequest(method string, params any) (*Response, error) {
	if !t.IsConnected() {
		return nil, ErrClosed
	}
	id := t.nextID.Add(1)
	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: build http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport: http post: %w", err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("transport: decode response: %w", err)
	}
	return &out, nil
}

// SendNotification is a best-effort fire-and-forget POST; HTTP has no
// server push, so this is only meaningful for client-to-server
// notifications like notifications/initialized.
func (t *HTTPTransport) SendNotification(method string, params any) error {
	if !t.IsConnected() {
		return ErrClosed
	}
	n := Notification{JSONRPC: "2.0", Method: method, Params: params}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("transport: marshal notification: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: build http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("transport: http post: %w", err)
	}
	return resp.Body.Close()
}

func (t *HTTPTransport) OnMessage(func(Notification)) {
	// no server-initiated notifications over plain HTTP.
}

func (t *HTTPTransport) IsConnected() bool { return t.live.Load() }

func (t *HTTPTransport) Disconnect() error {
	t.live.Store(false)
	return nil
}

func (t *HTTPTransport) Close() error { return t.Disconnect() }
