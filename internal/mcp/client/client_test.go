package client

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/inferd-run/inferd/internal/mcp/transport"
)

// fakeTransport is a scripted, in-memory transport.Transport used to drive
// the handshake/discovery logic deterministically without a real process or
// socket. calls is guarded by mu since Connect fans out catalog discovery
// across goroutines.
type fakeTransport struct {
	responses map[string]json.RawMessage
	connected bool

	mu    sync.Mutex
	calls []string
}

func (f *fakeTransport) Connect() error { f.connected = true; return nil }

func (f *fakeTransport) SendRequest(method string, _ any) (*transport.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()
	raw, ok := f.responses[method]
	if !ok {
		return &transport.Response{Error: &transport.ResponseError{Code: -32601, Message: "method not found: " + method}}, nil
	}
	return &transport.Response{Result: raw}, nil
}

func (f *fakeTransport) SendNotification(method string, _ any) error {
	f.mu.Lock()
	f.calls = append(f.calls, "notify:"+method)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnMessage(func(transport.Notification)) {}
func (f *fakeTransport) IsConnected() bool                      { return f.connected }
func (f *fakeTransport) Disconnect() error                      { f.connected = false; return nil }
func (f *fakeTransport) Close() error                            { return f.Disconnect() }

// TestConnect_DiscoversOnlyAdvertisedCatalogs grounds scenario S6: a server
// advertising only {tools:{}} must be probed with tools/list and must NOT
// be probed with resources/list or prompts/list.
func TestConnect_DiscoversOnlyAdvertisedCatalogs(t *testing.T) {
	ft := &fakeTransport{responses: map[string]json.RawMessage{
		"initialize": json.RawMessage(`{
			"protocolVersion": "2024-11-05",
			"capabilities": {"tools": {}},
			"serverInfo": {"name": "stub", "version": "0.1"}
		}`),
		"tools/list": json.RawMessage(`{"tools": [{"name": "echo", "description": "echoes input"}]}`),
	}}

	conn, err := Connect("conn-1", ft, ClientInfo{Name: "inferd", Version: "1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(conn.Tools) != 1 || conn.Tools[0].Name != "echo" {
		t.Fatalf("Tools = %+v, want one tool named echo", conn.Tools)
	}

	for _, call := range ft.calls {
		if call == "resources/list" || call == "prompts/list" {
			t.Fatalf("discovery issued %s but server did not advertise that capability", call)
		}
	}

	var sawToolsList, sawInitialized bool
	for _, call := range ft.calls {
		if call == "tools/list" {
			sawToolsList = true
		}
		if call == "notify:notifications/initialized" {
			sawInitialized = true
		}
	}
	if !sawToolsList {
		t.Fatal("expected a tools/list call")
	}
	if !sawInitialized {
		t.Fatal("expected notifications/initialized to be sent")
	}
}

func TestConnect_RejectsUnsupportedProtocolVersion(t *testing.T) {
	ft := &fakeTransport{responses: map[string]json.RawMessage{
		"initialize": json.RawMessage(`{
			"protocolVersion": "1999-01-01",
			"capabilities": {},
			"serverInfo": {"name": "stub", "version": "0.1"}
		}`),
	}}

	if _, err := Connect("conn-2", ft, ClientInfo{Name: "inferd", Version: "1"}); err == nil {
		t.Fatal("expected ErrProtocol for an unsupported protocol version")
	}
}

func TestCallTool(t *testing.T) {
	ft := &fakeTransport{responses: map[string]json.RawMessage{
		"initialize": json.RawMessage(`{
			"protocolVersion": "2024-11-05",
			"capabilities": {"tools": {}},
			"serverInfo": {"name": "stub", "version": "0.1"}
		}`),
		"tools/list": json.RawMessage(`{"tools": [{"name": "echo"}]}`),
		"tools/call": json.RawMessage(`{"content": [{"type": "text", "text": "hello"}]}`),
	}}
	conn, err := Connect("conn-3", ft, ClientInfo{Name: "inferd", Version: "1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	result, err := conn.CallTool("echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hello" {
		t.Fatalf("Content = %+v, want [{text hello}]", result.Content)
	}
}

func TestDisconnect_ClearsCatalogs(t *testing.T) {
	ft := &fakeTransport{responses: map[string]json.RawMessage{
		"initialize": json.RawMessage(`{
			"protocolVersion": "2024-11-05",
			"capabilities": {"tools": {}},
			"serverInfo": {"name": "stub", "version": "0.1"}
		}`),
		"tools/list": json.RawMessage(`{"tools": [{"name": "echo"}]}`),
	}}
	conn, err := Connect("conn-4", ft, ClientInfo{Name: "inferd", Version: "1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if conn.Tools != nil {
		t.Fatal("expected Tools cleared after Disconnect")
	}
	if ft.connected {
		t.Fatal("expected underlying transport disconnected")
	}
}
