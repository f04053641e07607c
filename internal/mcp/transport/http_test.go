package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPTransport_SendRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	tr := NewHTTP(HTTPConfig{Endpoint: srv.URL})
	if err := tr.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	resp, err := tr.SendRequest("tools/list", nil)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	var parsed struct{ OK bool `json:"ok"` }
	if err := json.Unmarshal(resp.Result, &parsed); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !parsed.OK {
		t.Fatal("expected ok=true")
	}
}

func TestHTTPTransport_RejectsAfterDisconnect(t *testing.T) {
	tr := NewHTTP(HTTPConfig{Endpoint: "http://127.0.0.1:0"})
	if err := tr.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, err := tr.SendRequest("x", nil); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
