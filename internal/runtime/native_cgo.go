//go:build llama_cgo

package runtime

/*
#cgo CFLAGS: -I${SRCDIR}/../../third_party/llama.cpp
#cgo LDFLAGS: -L${SRCDIR}/../../third_party/llama.cpp -lllama -lm -lstdc++
#cgo linux LDFLAGS: -lrt -ldl -lpthread
#cgo darwin LDFLAGS: -framework Foundation -framework Metal -framework MetalKit

#include <stdlib.h>
#include <string.h>
#include "llama.h"

static struct llama_model_params inferd_model_default_params(void) {
	return llama_model_default_params();
}

static struct llama_context_params inferd_context_default_params(void) {
	return llama_context_default_params();
}

static struct llama_sampler_chain_params inferd_sampler_default_params(void) {
	return llama_sampler_chain_default_params();
}
*/
import "C"

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

// newEngine returns the CGO-backed engine when the module is built with
// `-tags llama_cgo` and the native library is available at link time.
func newEngine() Engine { return &cgoEngine{} }

type cgoEngine struct {
	initialized atomic.Bool
}

func (e *cgoEngine) Init() error {
	e.initialized.Store(true)
	C.llama_backend_init()
	return nil
}

func (e *cgoEngine) Free() {
	if e.initialized.CompareAndSwap(true, false) {
		C.llama_backend_free()
	}
}

type cgoModel struct {
	mu     sync.Mutex
	cModel *C.struct_llama_model
	path   string
}

func (*cgoModel) modelHandle() {}

type cgoContext struct {
	mu       sync.Mutex
	cContext *C.struct_llama_context
	model    *cgoModel
}

func (*cgoContext) contextHandle() {}

type cgoSampler struct {
	cChain *C.struct_llama_sampler
}

func (*cgoSampler) samplerHandle() {}

func (e *cgoEngine) LoadModel(path string, params ModelParams) (ModelHandle, error) {
	cParams := C.inferd_model_default_params()
	cParams.use_mmap = C.bool(params.UseMmap)
	cParams.use_mlock = C.bool(params.UseMlock)
	cParams.n_gpu_layers = C.int32_t(params.GPULayers)

	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	cModel := C.llama_model_load_from_file(cPath, cParams)
	if cModel == nil {
		return nil, fmt.Errorf("%w: native loader returned null for %q", ErrLoad, path)
	}

	m := &cgoModel{cModel: cModel, path: path}
	runtime.SetFinalizer(m, (*cgoModel).free)
	return m, nil
}

func (m *cgoModel) free() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cModel != nil {
		C.llama_model_free(m.cModel)
		m.cModel = nil
	}
}

func (e *cgoEngine) NewContext(model ModelHandle, params ContextParams) (ContextHandle, error) {
	m, ok := model.(*cgoModel)
	if !ok || m == nil {
		return nil, fmt.Errorf("%w: nil model handle", ErrRuntime)
	}

	cParams := C.inferd_context_default_params()
	cParams.n_ctx = C.uint32_t(params.ContextSize)
	cParams.n_batch = C.uint32_t(params.BatchSize)
	cParams.n_threads = C.int32_t(params.Threads)
	cParams.n_threads_batch = C.int32_t(params.Threads)

	cContext := C.llama_init_from_model(m.cModel, cParams)
	if cContext == nil {
		return nil, fmt.Errorf("%w: native context creation returned null", ErrRuntime)
	}

	c := &cgoContext{cContext: cContext, model: m}
	runtime.SetFinalizer(c, (*cgoContext).free)
	return c, nil
}

func (c *cgoContext) free() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cContext != nil {
		C.llama_free(c.cContext)
		c.cContext = nil
	}
}

// Tokenize implements the two-step sizing protocol described in the contract:
// the first native call reports the required capacity (as a negative count
// when the supplied buffer is too small), the second fills it.
func (e *cgoEngine) Tokenize(ctxHandle ContextHandle, text string, addBOS bool) ([]TokenID, error) {
	c, ok := ctxHandle.(*cgoContext)
	if !ok {
		return nil, fmt.Errorf("%w: invalid context handle", ErrRuntime)
	}
	cText := C.CString(text)
	defer C.free(unsafe.Pointer(cText))

	vocab := C.llama_model_get_vocab(c.model.cModel)

	capacity := C.int32_t(len(text) + 8)
	buf := make([]C.llama_token, capacity)
	n := C.llama_tokenize(vocab, cText, C.int32_t(len(text)), &buf[0], capacity, C.bool(addBOS), C.bool(true))
	if n < 0 {
		// Negative return communicates the required capacity; retry once.
		capacity = -n
		buf = make([]C.llama_token, capacity)
		n = C.llama_tokenize(vocab, cText, C.int32_t(len(text)), &buf[0], capacity, C.bool(addBOS), C.bool(true))
		if n < 0 {
			return nil, fmt.Errorf("%w: tokenize buffer still too small after resize", ErrRuntime)
		}
	}

	out := make([]TokenID, n)
	for i := range out {
		out[i] = TokenID(buf[i])
	}
	return out, nil
}

func (e *cgoEngine) Detokenize(ctxHandle ContextHandle, tok TokenID) string {
	c, ok := ctxHandle.(*cgoContext)
	if !ok {
		return ""
	}
	vocab := C.llama_model_get_vocab(c.model.cModel)
	buf := make([]C.char, 64)
	n := C.llama_token_to_piece(vocab, C.llama_token(tok), &buf[0], C.int32_t(len(buf)), 0, C.bool(true))
	if n <= 0 {
		return ""
	}
	return C.GoStringN(&buf[0], n)
}

func (e *cgoEngine) Decode(ctxHandle ContextHandle, tokens []TokenID, nPast int) error {
	c, ok := ctxHandle.(*cgoContext)
	if !ok {
		return fmt.Errorf("%w: invalid context handle", ErrDecode)
	}
	if len(tokens) == 0 {
		return nil
	}
	cTokens := make([]C.llama_token, len(tokens))
	for i, t := range tokens {
		cTokens[i] = C.llama_token(t)
	}
	batch := C.llama_batch_get_one(&cTokens[0], C.int32_t(len(tokens)))
	if ret := C.llama_decode(c.cContext, batch); ret != 0 {
		return fmt.Errorf("%w: native decode returned %d", ErrDecode, int(ret))
	}
	return nil
}

func (e *cgoEngine) BuildSampler(params SamplerParams) (SamplerHandle, error) {
	chainParams := C.inferd_sampler_default_params()
	chain := C.llama_sampler_chain_init(chainParams)
	if chain == nil {
		return nil, fmt.Errorf("%w: sampler chain init returned null", ErrRuntime)
	}
	C.llama_sampler_chain_add(chain, C.llama_sampler_init_top_k(C.int32_t(params.TopK)))
	C.llama_sampler_chain_add(chain, C.llama_sampler_init_top_p(C.float(params.TopP), 1))
	C.llama_sampler_chain_add(chain, C.llama_sampler_init_temp(C.float(params.Temperature)))
	C.llama_sampler_chain_add(chain, C.llama_sampler_init_dist(C.uint32_t(params.Seed)))

	s := &cgoSampler{cChain: chain}
	runtime.SetFinalizer(s, (*cgoSampler).free)
	return s, nil
}

func (s *cgoSampler) free() {
	if s.cChain != nil {
		C.llama_sampler_free(s.cChain)
		s.cChain = nil
	}
}

func (e *cgoEngine) Sample(ctxHandle ContextHandle, chainHandle SamplerHandle) (TokenID, error) {
	c, ok := ctxHandle.(*cgoContext)
	if !ok {
		return 0, fmt.Errorf("%w: invalid context handle", ErrSample)
	}
	s, ok := chainHandle.(*cgoSampler)
	if !ok {
		return 0, fmt.Errorf("%w: invalid sampler handle", ErrSample)
	}
	tok := C.llama_sampler_sample(s.cChain, c.cContext, -1)
	return TokenID(tok), nil
}

func (e *cgoEngine) EosToken(model ModelHandle) TokenID {
	m, ok := model.(*cgoModel)
	if !ok {
		return -1
	}
	vocab := C.llama_model_get_vocab(m.cModel)
	return TokenID(C.llama_vocab_eos(vocab))
}

func (e *cgoEngine) IsEndOfGeneration(model ModelHandle, tok TokenID) bool {
	m, ok := model.(*cgoModel)
	if !ok {
		return true
	}
	vocab := C.llama_model_get_vocab(m.cModel)
	return bool(C.llama_vocab_is_eog(vocab, C.llama_token(tok)))
}

func (e *cgoEngine) FreeContext(h ContextHandle) {
	if c, ok := h.(*cgoContext); ok {
		c.free()
		runtime.SetFinalizer(c, nil)
	}
}

func (e *cgoEngine) FreeModel(h ModelHandle) {
	if m, ok := h.(*cgoModel); ok {
		m.free()
		runtime.SetFinalizer(m, nil)
	}
}

func (e *cgoEngine) FreeSampler(h SamplerHandle) {
	if s, ok := h.(*cgoSampler); ok {
		s.free()
		runtime.SetFinalizer(s, nil)
	}
}
