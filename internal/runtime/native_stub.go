//go:build !llama_cgo

package runtime

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// newEngine returns the deterministic in-process stub used whenever the
// module is built without `-tags llama_cgo`. It has no foreign-function
// dependency and is what the package's own tests (and callers that haven't
// linked a native library) exercise.
func newEngine() Engine { return &stubEngine{} }

// stubEngine is a tiny hand-rolled "language model": it tokenizes by
// whitespace, assigns each distinct word a stable id on first sight, and
// on Sample returns the tokens queued on the model handle via
// [QueueStubTokens], in order, then the EOS token once the queue is drained.
type stubEngine struct {
	initialized atomic.Bool

	mu   sync.Mutex
	last SamplerParams
}

func (e *stubEngine) Init() error { e.initialized.Store(true); return nil }
func (e *stubEngine) Free()       { e.initialized.Store(false) }

const stubEOS TokenID = -1

type stubModel struct {
	path string

	mu     sync.Mutex
	vocab  map[string]TokenID
	byID   map[TokenID]string
	nextID TokenID

	// Queue, if non-empty, supplies the exact sequence of tokens Sample
	// returns, in order, before falling back to stubEOS. Tests use this to
	// drive deterministic scenarios (e.g. spec S1: emit "4" then EOS).
	queue []TokenID
	qpos  int
}

func (*stubModel) modelHandle() {}

type stubContext struct {
	model   *stubModel
	mu      sync.Mutex
	nPast   int
	decoded []TokenID
}

func (*stubContext) contextHandle() {}

type stubSampler struct{ params SamplerParams }

func (*stubSampler) samplerHandle() {}

// QueueStubTokens primes a model handle's deterministic sample queue. It is a
// package-level function so callers outside this file (tests
// in other packages) can drive scenario-specific output without depending on
// unexported types.
func QueueStubTokens(h ModelHandle, tokens []TokenID) {
	if m, ok := h.(*stubModel); ok {
		m.mu.Lock()
		m.queue = append(m.queue, tokens...)
		m.mu.Unlock()
	}
}

// StubTokenForWord registers (or looks up) the token id for a literal word,
// so a test can both queue it via [QueueStubTokens] and assert on
// [Engine.Detokenize] producing it back.
func StubTokenForWord(h ModelHandle, word string) TokenID {
	m := h.(*stubModel)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.internLocked(word)
}

func (m *stubModel) internLocked(word string) TokenID {
	if id, ok := m.vocab[word]; ok {
		return id
	}
	id := m.nextID
	m.nextID++
	m.vocab[word] = id
	m.byID[id] = word
	return id
}

func (e *stubEngine) LoadModel(path string, _ ModelParams) (ModelHandle, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrLoad)
	}
	return &stubModel{
		path:  path,
		vocab: make(map[string]TokenID),
		byID:  make(map[TokenID]string),
	}, nil
}

func (e *stubEngine) NewContext(model ModelHandle, _ ContextParams) (ContextHandle, error) {
	m, ok := model.(*stubModel)
	if !ok || m == nil {
		return nil, fmt.Errorf("%w: nil model handle", ErrRuntime)
	}
	return &stubContext{model: m}, nil
}

func (e *stubEngine) Tokenize(ctx ContextHandle, text string, _ bool) ([]TokenID, error) {
	c, ok := ctx.(*stubContext)
	if !ok {
		return nil, fmt.Errorf("%w: invalid context handle", ErrRuntime)
	}
	c.model.mu.Lock()
	defer c.model.mu.Unlock()
	fields := strings.Fields(text)
	out := make([]TokenID, 0, len(fields))
	for _, w := range fields {
		out = append(out, c.model.internLocked(w))
	}
	return out, nil
}

func (e *stubEngine) Detokenize(ctx ContextHandle, tok TokenID) string {
	c, ok := ctx.(*stubContext)
	if !ok {
		return ""
	}
	c.model.mu.Lock()
	defer c.model.mu.Unlock()
	return c.model.byID[tok]
}

func (e *stubEngine) Decode(ctx ContextHandle, tokens []TokenID, nPast int) error {
	c, ok := ctx.(*stubContext)
	if !ok {
		return fmt.Errorf("%w: invalid context handle", ErrRuntime)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nPast = nPast + len(tokens)
	c.decoded = append(c.decoded, tokens...)
	return nil
}

func (e *stubEngine) BuildSampler(params SamplerParams) (SamplerHandle, error) {
	e.mu.Lock()
	e.last = params
	e.mu.Unlock()
	return &stubSampler{params: params}, nil
}

func (e *stubEngine) lastSamplerParams() (SamplerParams, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, true
}

func (e *stubEngine) Sample(ctx ContextHandle, _ SamplerHandle) (TokenID, error) {
	c, ok := ctx.(*stubContext)
	if !ok {
		return 0, fmt.Errorf("%w: invalid context handle", ErrSample)
	}
	c.model.mu.Lock()
	defer c.model.mu.Unlock()
	m := c.model
	if m.qpos < len(m.queue) {
		tok := m.queue[m.qpos]
		m.qpos++
		return tok, nil
	}
	return stubEOS, nil
}

func (e *stubEngine) EosToken(ModelHandle) TokenID { return stubEOS }

func (e *stubEngine) IsEndOfGeneration(_ ModelHandle, tok TokenID) bool { return tok == stubEOS }

func (e *stubEngine) FreeContext(ContextHandle) {}
func (e *stubEngine) FreeModel(ModelHandle)     {}
func (e *stubEngine) FreeSampler(SamplerHandle) {}
