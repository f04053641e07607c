// Package runtime wraps the native LLM runtime library (a llama.cpp-class
// GGUF inference engine) behind a small, safe Go surface: load/free models,
// create/free contexts, tokenize/detokenize, decode a batch, build sampler
// chains, and sample the next token.
//
// The actual foreign-function calls live in a build-tag-gated file
// (native_cgo.go, built with `-tags llama_cgo`). Without that tag the module
// links against a deterministic in-process [Engine] (native_stub.go) so the
// rest of the codebase — and its tests — never need the native library
// present to compile or run.
package runtime

import (
	"errors"
	"fmt"
	"sync"
)

// TokenID is an opaque vocabulary entry identifier.
type TokenID int32

// ModelParams configures [Engine.LoadModel].
type ModelParams struct {
	GPULayers int
	UseMmap   bool
	UseMlock  bool
}

// ContextParams configures [Engine.NewContext].
type ContextParams struct {
	ContextSize int
	BatchSize   int
	Threads     int
	Seed        int64
}

// SamplerParams configures [Engine.BuildSampler]. Zero MinP/TypicalP/Mirostat
// mean "disabled".
type SamplerParams struct {
	Temperature   float64
	TopP          float64
	TopK          int
	RepeatPenalty float64
	Seed          int64
	MinP          float64
	TypicalP      float64
	Mirostat      int
	Grammar       string
}

// ModelHandle, ContextHandle and SamplerHandle are opaque handles owned by
// exactly one [Engine] implementation. Callers must not inspect their
// contents; they exist only to be passed back into the Engine that produced
// them and eventually released via FreeModel/FreeContext/FreeSampler.
type ModelHandle interface{ modelHandle() }
type ContextHandle interface{ contextHandle() }
type SamplerHandle interface{ samplerHandle() }

// Sentinel error kinds per the error taxonomy; wrapped with context via
// fmt.Errorf("%w: ...", ...).
var (
	ErrLoad    = errors.New("runtime: load error")
	ErrRuntime = errors.New("runtime: runtime error")
	ErrDecode  = errors.New("runtime: decode error")
	ErrSample  = errors.New("runtime: sample error")
)

// Engine is the contract every native backend (real CGO, or the in-process
// stub) implements. All methods must tolerate being called with handles
// produced by the same Engine instance only.
type Engine interface {
	// Init performs process-wide backend initialization. Called exactly once
	// by [NewBackend].
	Init() error
	// Free tears down process-wide backend state. Called exactly once by
	// [Backend.Close].
	Free()

	LoadModel(path string, params ModelParams) (ModelHandle, error)
	NewContext(model ModelHandle, params ContextParams) (ContextHandle, error)
	Tokenize(ctx ContextHandle, text string, addBOS bool) ([]TokenID, error)
	Detokenize(ctx ContextHandle, tok TokenID) string
	Decode(ctx ContextHandle, tokens []TokenID, nPast int) error
	BuildSampler(params SamplerParams) (SamplerHandle, error)
	Sample(ctx ContextHandle, chain SamplerHandle) (TokenID, error)
	EosToken(model ModelHandle) TokenID
	IsEndOfGeneration(model ModelHandle, tok TokenID) bool
	FreeContext(ContextHandle)
	FreeModel(ModelHandle)
	FreeSampler(SamplerHandle)
}

// samplerParamsRecorder is implemented by engines that remember the last
// SamplerParams they built, so tests can assert on what actually reached the
// sampler instead of only on whether a request passed validation.
type samplerParamsRecorder interface {
	lastSamplerParams() (SamplerParams, bool)
}

// LastSamplerParams returns the SamplerParams most recently passed to
// e.BuildSampler, and true, when e records them (the in-process stub
// engine). Returns (SamplerParams{}, false) for an engine that doesn't,
// such as the CGO-backed one.
func LastSamplerParams(e Engine) (SamplerParams, bool) {
	r, ok := e.(samplerParamsRecorder)
	if !ok {
		return SamplerParams{}, false
	}
	return r.lastSamplerParams()
}

// Backend owns process-wide native library initialization. Init is called
// exactly once per process lifetime, guarded by a one-shot latch; Close tears
// it down at process teardown and is also idempotent.
type Backend struct {
	Engine Engine

	initOnce sync.Once
	initErr  error

	closeMu sync.Mutex
	closed  bool
}

// NewBackend constructs a [Backend] wrapping the selected [Engine] (the real
// CGO engine when built with `-tags llama_cgo`, a deterministic in-process
// stub otherwise) and performs its one-shot initialization.
func NewBackend() (*Backend, error) {
	b := &Backend{Engine: newEngine()}
	b.initOnce.Do(func() { b.initErr = b.Engine.Init() })
	if b.initErr != nil {
		return nil, fmt.Errorf("%w: backend init: %v", ErrRuntime, b.initErr)
	}
	return b, nil
}

// Close frees the backend. Safe to call multiple times.
func (b *Backend) Close() {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.Engine.Free()
}

// NewTestEngine returns the Engine this build links (the CGO engine under
// `-tags llama_cgo`, the deterministic stub otherwise) without performing
// backend-wide Init. Exported for use by other packages' tests that need an
// Engine to drive directly, bypassing [NewBackend]'s one-shot semantics.
func NewTestEngine() Engine { return newEngine() }

// wrapLoadErr produces the LoadError kind described in §7.
func wrapLoadErr(path string, cause error) error {
	return fmt.Errorf("%w: load %q: %v", ErrLoad, path, cause)
}
