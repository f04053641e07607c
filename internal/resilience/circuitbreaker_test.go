package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func alwaysRetryable(error) bool { return true }

func TestNew_Defaults(t *testing.T) {
	cb := New(Config{Name: "test"})
	if cb.failureThreshold != 5 {
		t.Errorf("failureThreshold = %d, want 5", cb.failureThreshold)
	}
	if cb.openDuration != 30*time.Second {
		t.Errorf("openDuration = %v, want 30s", cb.openDuration)
	}
	if cb.halfOpenPermits != 3 {
		t.Errorf("halfOpenPermits = %d, want 3", cb.halfOpenPermits)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedAllowsCalls(t *testing.T) {
	cb := New(Config{Name: "test", FailureThreshold: 3})
	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	}, alwaysRetryable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	cb := New(Config{
		Name:             "test",
		FailureThreshold: 3,
		OpenDuration:     time.Hour, // long so it stays open
	})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errTest }, alwaysRetryable)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", cb.State())
	}

	err := cb.Execute(func() error { return nil }, alwaysRetryable)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_NonRetryableDoesNotCountAgainstBreaker(t *testing.T) {
	cb := New(Config{Name: "test", FailureThreshold: 2})
	nonRetryable := func(error) bool { return false }

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return errTest }, nonRetryable)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed (non-retryable failures must not trip the breaker)", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "test", FailureThreshold: 3})

	_ = cb.Execute(func() error { return errTest }, alwaysRetryable)
	_ = cb.Execute(func() error { return errTest }, alwaysRetryable)
	_ = cb.Execute(func() error { return nil }, alwaysRetryable)

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success should reset counter)", cb.State())
	}

	_ = cb.Execute(func() error { return errTest }, alwaysRetryable)
	_ = cb.Execute(func() error { return errTest }, alwaysRetryable)
	if cb.State() != StateClosed {
		t.Fatal("should still be closed after 2 failures post-reset")
	}
}

func TestCircuitBreaker_OpenToHalfOpen(t *testing.T) {
	cb := New(Config{
		Name:             "test",
		FailureThreshold: 2,
		OpenDuration:     10 * time.Millisecond,
		HalfOpenPermits:  2,
	})

	_ = cb.Execute(func() error { return errTest }, alwaysRetryable)
	_ = cb.Execute(func() error { return errTest }, alwaysRetryable)
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)

	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenToClosed(t *testing.T) {
	cb := New(Config{
		Name:             "test",
		FailureThreshold: 2,
		OpenDuration:     10 * time.Millisecond,
		HalfOpenPermits:  2,
	})

	_ = cb.Execute(func() error { return errTest }, alwaysRetryable)
	_ = cb.Execute(func() error { return errTest }, alwaysRetryable)

	time.Sleep(15 * time.Millisecond)

	for i := 0; i < 2; i++ {
		err := cb.Execute(func() error { return nil }, alwaysRetryable)
		if err != nil {
			t.Fatalf("probe %d: unexpected error: %v", i, err)
		}
	}

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probes", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenToOpen(t *testing.T) {
	cb := New(Config{
		Name:             "test",
		FailureThreshold: 2,
		OpenDuration:     10 * time.Millisecond,
		HalfOpenPermits:  3,
	})

	_ = cb.Execute(func() error { return errTest }, alwaysRetryable)
	_ = cb.Execute(func() error { return errTest }, alwaysRetryable)

	time.Sleep(15 * time.Millisecond)

	err := cb.Execute(func() error { return errTest }, alwaysRetryable)
	if err == nil {
		t.Fatal("expected error from failing probe")
	}

	cb.mu.Lock()
	s := cb.state
	cb.mu.Unlock()
	if s != StateOpen {
		t.Fatalf("state = %v, want open after half-open failure", s)
	}
}

func TestCircuitBreaker_NeverTouchesFnDuringOpenDuration(t *testing.T) {
	cb := New(Config{
		Name:             "test",
		FailureThreshold: 1,
		OpenDuration:     50 * time.Millisecond,
	})
	_ = cb.Execute(func() error { return errTest }, alwaysRetryable)
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	deadline := time.Now().Add(40 * time.Millisecond)
	calls := 0
	for time.Now().Before(deadline) {
		_ = cb.Execute(func() error { calls++; return nil }, alwaysRetryable)
	}
	if calls != 0 {
		t.Fatalf("fn invoked %d times while breaker should have stayed open", calls)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(Config{Name: "test", FailureThreshold: 2, OpenDuration: time.Hour})

	_ = cb.Execute(func() error { return errTest }, alwaysRetryable)
	_ = cb.Execute(func() error { return errTest }, alwaysRetryable)
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}

	err := cb.Execute(func() error { return nil }, alwaysRetryable)
	if err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
