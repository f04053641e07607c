package executor

import (
	"context"
	"testing"
	"time"

	"github.com/inferd-run/inferd/internal/pool"
	"github.com/inferd-run/inferd/internal/runtime"
	"github.com/inferd-run/inferd/pkg/apitypes"
)

// newTestSession builds a pool.Session backed by a freshly loaded stub model,
// without going through the pool manager, for direct executor exercising.
func newTestSession(t *testing.T, engine runtime.Engine) *pool.Session {
	t.Helper()
	model, err := engine.LoadModel("/fake/model.gguf", runtime.ModelParams{})
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	ctx, err := engine.NewContext(model, runtime.ContextParams{ContextSize: 2048})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return pool.NewSessionForTest("sess-1", "tenant-a", "M", model, ctx)
}

func TestInfer_DeterministicStubCompletion(t *testing.T) {
	engine := runtime.NewTestEngine()
	sess := newTestSession(t, engine)

	runtime.QueueStubTokens(sess.Model, []runtime.TokenID{
		runtime.StubTokenForWord(sess.Model, "4"),
	})

	e := New(engine, nil)
	req := apitypes.ProviderRequest{
		RequestID: "req-1",
		Model:     "M",
		Messages:  []apitypes.Message{{Role: apitypes.RoleUser, Content: "2+2="}},
		Parameters: apitypes.Parameters{
			MaxTokens: 16,
		},
	}

	resp, err := e.Infer(context.Background(), sess, req)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if resp.Content != "4" {
		t.Fatalf("Content = %q, want %q", resp.Content, "4")
	}
	if resp.Metadata.FinishReason != apitypes.FinishStop {
		t.Fatalf("FinishReason = %v, want stop", resp.Metadata.FinishReason)
	}
	if resp.Metadata.CompletionTokens != 1 {
		t.Fatalf("CompletionTokens = %d, want 1", resp.Metadata.CompletionTokens)
	}
}

func TestInfer_RejectsOutOfRangeParameters(t *testing.T) {
	engine := runtime.NewTestEngine()
	sess := newTestSession(t, engine)
	e := New(engine, nil)

	req := apitypes.ProviderRequest{
		RequestID:  "req-2",
		Model:      "M",
		Messages:   []apitypes.Message{{Role: apitypes.RoleUser, Content: "hi"}},
		Parameters: apitypes.Parameters{Temperature: apitypes.Float64(5), MaxTokens: 8},
	}
	if _, err := e.Infer(context.Background(), sess, req); err == nil {
		t.Fatal("expected validation error for temperature out of range")
	}
}

func TestStream_EmitsChunksThenFinalAndCloses(t *testing.T) {
	engine := runtime.NewTestEngine()
	sess := newTestSession(t, engine)

	runtime.QueueStubTokens(sess.Model, []runtime.TokenID{
		runtime.StubTokenForWord(sess.Model, "hello"),
		runtime.StubTokenForWord(sess.Model, "world"),
	})

	e := New(engine, nil)
	req := apitypes.ProviderRequest{
		RequestID:  "req-3",
		Model:      "M",
		Messages:   []apitypes.Message{{Role: apitypes.RoleUser, Content: "say hi"}},
		Parameters: apitypes.Parameters{MaxTokens: 16},
	}

	ch := e.Stream(context.Background(), sess, req)
	var deltas []string
	var sawFinal bool
	for chunk := range ch {
		if chunk.IsFinal {
			sawFinal = true
			continue
		}
		deltas = append(deltas, chunk.Delta)
	}
	if !sawFinal {
		t.Fatal("stream closed without a final chunk")
	}
	if len(deltas) != 2 || deltas[0] != "hello" || deltas[1] != "world" {
		t.Fatalf("deltas = %v, want [hello world]", deltas)
	}
}

func TestStream_CancellationStopsGeneration(t *testing.T) {
	engine := runtime.NewTestEngine()
	sess := newTestSession(t, engine)

	e := New(engine, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled before the loop starts: the ctx.Done() check must fire on the first iteration

	req := apitypes.ProviderRequest{
		RequestID:  "req-4",
		Model:      "M",
		Messages:   []apitypes.Message{{Role: apitypes.RoleUser, Content: "go forever"}},
		Parameters: apitypes.Parameters{MaxTokens: 10000},
	}

	ch := e.Stream(ctx, sess, req)
	deadline := time.After(2 * time.Second)
	var final apitypes.StreamChunk
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				if final.Metadata.FinishReason != apitypes.FinishCancelled {
					t.Fatalf("FinishReason = %v, want cancelled", final.Metadata.FinishReason)
				}
				return
			}
			final = chunk
		case <-deadline:
			t.Fatal("stream did not terminate after cancellation")
		}
	}
}
