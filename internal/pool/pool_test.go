package pool

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/inferd-run/inferd/internal/runtime"
)

// minimalGGUF returns a byte-valid (magic/version/counts, zero metadata
// entries) GGUF header, enough for gguf.Read to succeed with default derived
// fields.
func minimalGGUF() []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf[0:4], 0x46554747)
	binary.LittleEndian.PutUint32(buf[4:8], 3)
	binary.LittleEndian.PutUint64(buf[8:16], 0)
	binary.LittleEndian.PutUint64(buf[16:24], 0)
	return buf
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "M.gguf"), minimalGGUF(), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	b, err := runtime.NewBackend()
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	t.Cleanup(b.Close)
	return New(b, dir, cfg)
}

func TestGetSessionReusesSessionWithinCapacity(t *testing.T) {
	m := newTestManager(t, Config{MaxSize: 1})
	defer m.Shutdown()

	s1, err := m.GetSession("A", "M")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	m.ReturnSession(s1)

	s2, err := m.GetSession("A", "M")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if s1.ID != s2.ID {
		t.Fatalf("expected session reuse, got different ids %q vs %q", s1.ID, s2.ID)
	}
}

func TestGetSessionFailsFastWhenExhausted(t *testing.T) {
	m := newTestManager(t, Config{MaxSize: 1})
	defer m.Shutdown()

	s1, err := m.GetSession("A", "M")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	defer m.ReturnSession(s1)

	if _, err := m.GetSession("A", "M"); err == nil {
		t.Fatal("expected ErrResourceExhausted")
	}
}

func TestTenantIsolation(t *testing.T) {
	m := newTestManager(t, Config{MaxSize: 1})
	defer m.Shutdown()

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, tenant := range []string{"A", "B"} {
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			s, err := m.GetSession(tenant, "M")
			if err != nil {
				results <- err
				return
			}
			time.Sleep(5 * time.Millisecond)
			m.ReturnSession(s)
			results <- nil
		}(tenant)
	}
	wg.Wait()
	close(results)
	for err := range results {
		if err != nil {
			t.Fatalf("tenant isolation: %v", err)
		}
	}
}

func TestShutdownRejectsFurtherLeases(t *testing.T) {
	m := newTestManager(t, Config{MaxSize: 1})
	m.Shutdown()

	if _, err := m.GetSession("A", "M"); err == nil {
		t.Fatal("expected ErrLifecycle after shutdown")
	}
}

func TestHandleConservationAfterShutdown(t *testing.T) {
	m := newTestManager(t, Config{MaxSize: 2})

	s1, err := m.GetSession("A", "M")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	m.ReturnSession(s1)

	if got := m.ActiveSessions(); got != 1 {
		t.Fatalf("ActiveSessions() = %d, want 1", got)
	}

	m.Shutdown()
	if got := m.ActiveSessions(); got != 0 {
		t.Fatalf("ActiveSessions() after shutdown = %d, want 0", got)
	}
}

func TestWarmUpPreconstructsMinSize(t *testing.T) {
	m := newTestManager(t, Config{MinSize: 3, MaxSize: 4})
	defer m.Shutdown()

	if err := m.WarmUp(context.Background(), []WarmKey{{TenantID: "A", ModelID: "M"}}, 2); err != nil {
		t.Fatalf("WarmUp: %v", err)
	}
	if got := m.ActiveSessions(); got != 3 {
		t.Fatalf("ActiveSessions() after WarmUp = %d, want 3", got)
	}

	// The next GetSession should reuse one of the warmed, idle sessions
	// rather than constructing a fresh one, so the active count stays 3.
	s, err := m.GetSession("A", "M")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	m.ReturnSession(s)
	if got := m.ActiveSessions(); got != 3 {
		t.Fatalf("ActiveSessions() after reuse = %d, want 3", got)
	}
}

func TestWarmUpMultipleKeysRespectsConcurrencyBound(t *testing.T) {
	m := newTestManager(t, Config{MinSize: 2, MaxSize: 4})
	defer m.Shutdown()

	keys := []WarmKey{{TenantID: "A", ModelID: "M"}, {TenantID: "B", ModelID: "M"}}
	if err := m.WarmUp(context.Background(), keys, 1); err != nil {
		t.Fatalf("WarmUp: %v", err)
	}
	if got := m.ActiveSessions(); got != 4 {
		t.Fatalf("ActiveSessions() after WarmUp = %d, want 4", got)
	}
}
