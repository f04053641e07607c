// Package pool manages per-(tenantId, modelId) pools of native inference
// sessions: bounded queues of model+context handle pairs leased to callers
// for the duration of one inference and returned afterward, with idle
// reaping and ordered shutdown.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/inferd-run/inferd/internal/gguf"
	"github.com/inferd-run/inferd/internal/runtime"
)

// ErrLifecycle is returned by GetSession after the manager has been shut
// down.
var ErrLifecycle = errors.New("pool: manager is shut down")

// ErrResourceExhausted is returned by GetSession when a pool has reached
// maxSize and has no idle, reusable session — the pool fails fast rather
// than queuing the caller.
var ErrResourceExhausted = errors.New("pool: resource exhausted")

// Config tunes a pool entry. Applies per (tenantId, modelId) key.
type Config struct {
	MinSize int
	MaxSize int
	IdleTTL time.Duration

	ContextSize int
	BatchSize   int
	Threads     int
	GPULayers   int
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 4
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 10 * time.Minute
	}
	if c.ContextSize <= 0 {
		c.ContextSize = 4096
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 512
	}
	if c.Threads <= 0 {
		c.Threads = 4
	}
	return c
}

// Session is a bound (model handle, context handle) pair exclusively owned
// while an inference runs. Lock/Unlock implement the mutual-exclusion latch:
// an inference holds it for its entire duration, making the session a
// single-threaded execution domain.
type Session struct {
	ID       string
	TenantID string
	ModelID  string

	Model   runtime.ModelHandle
	Context runtime.ContextHandle

	createdAt time.Time

	mu         sync.Mutex // the session latch
	lastUsed   time.Time
	usageCount int
	position   int // tokens decoded into the context (nPast)
	closed     bool
	unhealthy  bool // set by MarkUnhealthy; forces discard instead of recycle on return
}

// MarkUnhealthy flags the session so the next ReturnSession discards it
// instead of recycling it, even though it is not yet closed. The provider
// facade calls this after a DecodeError/SampleError, per the error
// taxonomy's "fail request, close session" policy.
func (s *Session) MarkUnhealthy() { s.unhealthy = true }

// Lock acquires the session latch for the duration of one inference.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session latch.
func (s *Session) Unlock() { s.mu.Unlock() }

// Position returns the current nPast counter.
func (s *Session) Position() int { return s.position }

// SetPosition updates the nPast counter. Called by the executor as it
// decodes tokens into this session's context.
func (s *Session) SetPosition(n int) { s.position = n }

func (s *Session) touch() {
	s.lastUsed = time.Now()
	s.usageCount++
}

func (s *Session) idleFor(now time.Time) time.Duration { return now.Sub(s.lastUsed) }

// NewSessionForTest builds a Session directly from already-constructed
// handles, bypassing the pool manager's lease/construct bookkeeping.
// Exported for executor package tests that need a session without a running
// Manager.
func NewSessionForTest(id, tenantID, modelID string, model runtime.ModelHandle, ctx runtime.ContextHandle) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		TenantID:  tenantID,
		ModelID:   modelID,
		Model:     model,
		Context:   ctx,
		createdAt: now,
		lastUsed:  now,
	}
}

type poolKey struct{ tenantID, modelID string }

type poolEntry struct {
	key Config

	mu           sync.Mutex
	idle         []*Session
	activeCount  int
	closed       bool // set by Shutdown; returned sessions are then closed, never recycled
}

// Manager owns all per-(tenantId, modelId) pools and the native backend they
// lease handles from.
type Manager struct {
	backend *runtime.Backend
	baseDir string
	cfg     Config

	mu       sync.Mutex
	pools    map[poolKey]*poolEntry
	closed   bool
	stopReap chan struct{}
	reapDone chan struct{}
}

// New creates a Manager bound to backend, resolving GGUF files under baseDir.
// cfg supplies the default pool sizing applied to every (tenantId, modelId)
// key; per-key overrides are not required by the spec and are therefore not
// exposed here.
func New(backend *runtime.Backend, baseDir string, cfg Config) *Manager {
	m := &Manager{
		backend:  backend,
		baseDir:  baseDir,
		cfg:      cfg.withDefaults(),
		pools:    make(map[poolKey]*poolEntry),
		stopReap: make(chan struct{}),
		reapDone: make(chan struct{}),
	}
	go m.reapLoop(time.Minute)
	return m
}

func (m *Manager) entryFor(key poolKey) *poolEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pools[key]
	if !ok {
		e = &poolEntry{key: m.cfg}
		m.pools[key] = e
	}
	return e
}

// GetSession leases a session for (tenantID, modelID), reusing an idle
// session when one is available, else constructing a new one via the native
// backend, else failing fast with [ErrResourceExhausted].
func (m *Manager) GetSession(tenantID, modelID string) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w", ErrLifecycle)
	}
	m.mu.Unlock()

	key := poolKey{tenantID, modelID}
	entry := m.entryFor(key)

	entry.mu.Lock()
	now := time.Now()
	for len(entry.idle) > 0 {
		s := entry.idle[len(entry.idle)-1]
		entry.idle = entry.idle[:len(entry.idle)-1]
		if s.closed || s.idleFor(now) >= entry.key.IdleTTL {
			entry.activeCount-- // accounted as active while idle-listed; undo on discard
			entry.mu.Unlock()
			m.closeSession(s)
			entry.mu.Lock()
			continue
		}
		s.SetPosition(0)
		s.touch()
		entry.mu.Unlock()
		return s, nil
	}
	if entry.activeCount >= entry.key.MaxSize {
		entry.mu.Unlock()
		return nil, fmt.Errorf("%w: tenant=%s model=%s maxSize=%d", ErrResourceExhausted, tenantID, modelID, entry.key.MaxSize)
	}
	entry.activeCount++
	entry.mu.Unlock()

	s, err := m.construct(tenantID, modelID)
	if err != nil {
		entry.mu.Lock()
		entry.activeCount--
		entry.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// construct builds a fresh session by calling the native runtime's
// LoadModel+NewContext with parameters derived from GGUF metadata. On any
// failure, partial handles are freed before the error propagates.
func (m *Manager) construct(tenantID, modelID string) (*Session, error) {
	meta, err := gguf.Load(m.baseDir, modelID)
	if err != nil {
		return nil, err
	}

	model, err := m.backend.Engine.LoadModel(meta.Path, runtime.ModelParams{GPULayers: m.cfg.GPULayers})
	if err != nil {
		return nil, err
	}

	ctxSize := m.cfg.ContextSize
	if meta.ContextSize > 0 && meta.ContextSize < ctxSize {
		ctxSize = meta.ContextSize
	}
	ctx, err := m.backend.Engine.NewContext(model, runtime.ContextParams{
		ContextSize: ctxSize,
		BatchSize:   m.cfg.BatchSize,
		Threads:     m.cfg.Threads,
	})
	if err != nil {
		m.backend.Engine.FreeModel(model)
		return nil, err
	}

	return &Session{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		ModelID:   modelID,
		Model:     model,
		Context:   ctx,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}, nil
}

// WarmKey names one (tenantID, modelID) pair to pre-populate during WarmUp.
type WarmKey struct {
	TenantID string
	ModelID  string
}

// WarmUp eagerly constructs each key's MinSize sessions so the first request
// against a warmed (tenantID, modelID) pair does not pay native model-load
// latency. Construction is bounded to maxConcurrent simultaneous native
// LoadModel calls — loading every configured model at once would spike
// memory and disk I/O. maxConcurrent <= 0 defaults to 2. WarmUp returns the
// first construction error, after which any already-warmed sessions remain
// in their pool's idle list.
func (m *Manager) WarmUp(ctx context.Context, keys []WarmKey, maxConcurrent int) error {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	g, gctx := errgroup.WithContext(ctx)

	for _, key := range keys {
		entry := m.entryFor(poolKey{key.TenantID, key.ModelID})
		n := entry.key.MinSize
		for i := 0; i < n; i++ {
			tenantID, modelID := key.TenantID, key.ModelID
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)

				s, err := m.construct(tenantID, modelID)
				if err != nil {
					return fmt.Errorf("pool: warm up tenant=%s model=%s: %w", tenantID, modelID, err)
				}
				entry.mu.Lock()
				entry.idle = append(entry.idle, s)
				entry.activeCount++
				entry.mu.Unlock()
				return nil
			})
		}
	}
	return g.Wait()
}

// ReturnSession returns s to its pool if it is recyclable and the pool has
// spare capacity; otherwise it is closed and its native handles released.
func (m *Manager) ReturnSession(s *Session) {
	key := poolKey{s.TenantID, s.ModelID}
	entry := m.entryFor(key)

	entry.mu.Lock()
	recyclable := !entry.closed && !s.closed && !s.unhealthy && s.idleFor(time.Now()) < entry.key.IdleTTL
	if recyclable && len(entry.idle) < entry.key.MaxSize {
		entry.idle = append(entry.idle, s)
		entry.mu.Unlock()
		return
	}
	entry.activeCount--
	entry.mu.Unlock()
	m.closeSession(s)
}

func (m *Manager) closeSession(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.Context != nil {
		m.backend.Engine.FreeContext(s.Context)
	}
	if s.Model != nil {
		m.backend.Engine.FreeModel(s.Model)
	}
}

// reapLoop periodically closes idle sessions whose idle time exceeds their
// pool's TTL. A metric named "cleaned" incrementing inside the per-session
// callback but measured outside it would under-report under races; this
// implementation instead counts synchronously under the entry lock, so the
// logged count is always exact.
func (m *Manager) reapLoop(interval time.Duration) {
	defer close(m.reapDone)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stopReap:
			return
		case <-t.C:
			m.reapOnce()
		}
	}
}

func (m *Manager) reapOnce() {
	m.mu.Lock()
	entries := make(map[poolKey]*poolEntry, len(m.pools))
	for k, v := range m.pools {
		entries[k] = v
	}
	m.mu.Unlock()

	for key, entry := range entries {
		now := time.Now()
		var expired []*Session
		entry.mu.Lock()
		kept := entry.idle[:0]
		for _, s := range entry.idle {
			if s.idleFor(now) > entry.key.IdleTTL {
				expired = append(expired, s)
				entry.activeCount--
			} else {
				kept = append(kept, s)
			}
		}
		entry.idle = kept
		entry.mu.Unlock()

		for _, s := range expired {
			m.closeSession(s)
		}
		if len(expired) > 0 {
			slog.Info("pool: reaped idle sessions", "tenant", key.tenantID, "model", key.modelID, "cleaned", len(expired))
		}
	}
}

// Shutdown closes every pooled (idle) session and marks each pool closed.
// Sessions leased at that moment are not interrupted; each is closed when it
// is returned instead of being recycled. Subsequent GetSession calls fail
// with [ErrLifecycle].
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := make([]*poolEntry, 0, len(m.pools))
	for _, e := range m.pools {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	close(m.stopReap)
	<-m.reapDone

	for _, entry := range entries {
		entry.mu.Lock()
		idle := entry.idle
		entry.idle = nil
		entry.activeCount -= len(idle)
		entry.closed = true
		entry.mu.Unlock()
		for _, s := range idle {
			m.closeSession(s)
		}
	}
}

// ActiveSessions returns the total number of leased-or-idle sessions across
// all pools, used by the provider facade's Health report.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, e := range m.pools {
		e.mu.Lock()
		total += e.activeCount
		e.mu.Unlock()
	}
	return total
}
