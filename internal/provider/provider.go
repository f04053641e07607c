// Package provider implements the facade other subsystems call to run
// inference: it wires the session pool, the decode executor and the circuit
// breaker together behind Infer/Stream/Health, classifying and enriching
// every failure into an [apitypes.ErrorPayload] before it leaves the
// package.
package provider

import (
	"context"
	"errors"

	"github.com/inferd-run/inferd/internal/executor"
	"github.com/inferd-run/inferd/internal/gguf"
	"github.com/inferd-run/inferd/internal/pool"
	"github.com/inferd-run/inferd/internal/resilience"
	"github.com/inferd-run/inferd/internal/runtime"
	"github.com/inferd-run/inferd/pkg/apitypes"
)

// Provider is the local native-runtime inference provider: one instance
// serves every tenant and model known to its session pool.
type Provider struct {
	id           string
	pool         *pool.Manager
	exec         *executor.Executor
	breaker      *resilience.CircuitBreaker
	capabilities apitypes.ModelCapabilities
}

// Config supplies the static identity and capability description reported
// by Id/Capabilities; the pool, executor and breaker are constructed by the
// caller (the composition root) and passed in already wired.
type Config struct {
	ID           string
	Pool         *pool.Manager
	Executor     *executor.Executor
	Breaker      *resilience.CircuitBreaker
	Capabilities apitypes.ModelCapabilities
}

// New builds a Provider from already-constructed collaborators.
func New(cfg Config) *Provider {
	return &Provider{
		id:           cfg.ID,
		pool:         cfg.Pool,
		exec:         cfg.Executor,
		breaker:      cfg.Breaker,
		capabilities: cfg.Capabilities,
	}
}

// Id returns the provider's stable identifier used by the calling registry.
func (p *Provider) Id() string { return p.id }

// Capabilities returns the static capability description passed in
// [Config]; it is not derived from any loaded model.
func (p *Provider) Capabilities() apitypes.ModelCapabilities { return p.capabilities }

// Health reports the provider's current operating condition.
func (p *Provider) Health() apitypes.HealthStatus {
	return apitypes.HealthStatus{
		Initialized:    true,
		CircuitState:   p.breaker.State().String(),
		ActiveSessions: p.pool.ActiveSessions(),
	}
}

// Infer runs one unary inference call, leasing a session, holding its latch
// for the call's duration, and returning it to the pool afterward.
func (p *Provider) Infer(ctx context.Context, req apitypes.ProviderRequest) (*apitypes.InferenceResponse, error) {
	session, err := p.lease(req)
	if err != nil {
		return nil, p.enrich(err, req, "")
	}
	defer p.release(session)

	session.Lock()
	defer session.Unlock()

	var resp *apitypes.InferenceResponse
	breakerErr := p.breaker.Execute(func() error {
		var runErr error
		resp, runErr = p.exec.Infer(ctx, session, req)
		return runErr
	}, retryable)

	if breakerErr != nil {
		if isSessionFatal(breakerErr) {
			session.MarkUnhealthy()
		}
		return nil, p.enrich(breakerErr, req, session.ID)
	}
	return resp, nil
}

// Stream runs one streaming inference call. A failure to lease a session is
// returned as an error and no channel is created. Once a channel is
// returned, every outcome is reported on it: the stream ends with exactly one
// final chunk (a circuit-breaker rejection yields a single final chunk with
// FinishReason error), after which the channel is closed.
func (p *Provider) Stream(ctx context.Context, req apitypes.ProviderRequest) (<-chan apitypes.StreamChunk, error) {
	session, err := p.lease(req)
	if err != nil {
		return nil, p.enrich(err, req, "")
	}

	out := make(chan apitypes.StreamChunk, 16)
	go func() {
		defer close(out)
		defer p.release(session)

		session.Lock()
		defer session.Unlock()

		breakerErr := p.breaker.Execute(func() error {
			for chunk := range p.exec.Stream(ctx, session, req) {
				out <- chunk
			}
			return nil
		}, retryable)
		if breakerErr != nil {
			if isSessionFatal(breakerErr) {
				session.MarkUnhealthy()
			}
			// breaker.Execute only returns non-nil here when it rejected the
			// call without running fn (fn above always returns nil), so
			// p.exec.Stream never ran and no chunk was ever sent on out.
			// Emit the terminal chunk ourselves so the stream still ends
			// with exactly one isFinal chunk even when generation never
			// started.
			out <- apitypes.StreamChunk{
				RequestID: req.RequestID,
				IsFinal:   true,
				Metadata: apitypes.ResponseMetadata{
					FinishReason: apitypes.FinishError,
				},
			}
		}
	}()
	return out, nil
}

func (p *Provider) lease(req apitypes.ProviderRequest) (*pool.Session, error) {
	return p.pool.GetSession(req.TenantID(), req.Model)
}

func (p *Provider) release(s *pool.Session) {
	p.pool.ReturnSession(s)
}

// retryable classifies whether an error from the executor/runtime counts
// against the circuit breaker, per the §7 error taxonomy: validation and
// load faults are configuration problems and never count; everything else
// that reaches the breaker does.
func retryable(err error) bool {
	switch {
	case errors.Is(err, executor.ErrValidation):
		return false
	case errors.Is(err, runtime.ErrLoad), errors.Is(err, gguf.ErrLoad), errors.Is(err, gguf.ErrFormat):
		return false
	case errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

// isSessionFatal reports whether err represents a native decode/sample
// fault that should force the session to be discarded rather than recycled.
func isSessionFatal(err error) bool {
	return errors.Is(err, runtime.ErrDecode) || errors.Is(err, runtime.ErrSample)
}

// enrich wraps err into the ErrorPayload envelope every failure crossing the
// provider boundary must carry, filling in the taxonomy kind, retryability
// and required detail fields.
func (p *Provider) enrich(err error, req apitypes.ProviderRequest, sessionID string) *apitypes.ErrorPayload {
	details := map[string]any{
		"model":     req.Model,
		"requestId": req.RequestID,
	}
	if sessionID != "" {
		details["sessionId"] = sessionID
	}

	kind, retry := classify(err)
	return &apitypes.ErrorPayload{
		Type:       kind,
		Message:    err.Error(),
		Retryable:  retry,
		OriginNode: p.id,
		Details:    details,
	}
}

// classify maps an internal error to the taxonomy kind name and its
// retryable flag, per §7's table.
func classify(err error) (kind string, retry bool) {
	switch {
	case errors.Is(err, executor.ErrValidation):
		return "ValidationError", false
	case errors.Is(err, runtime.ErrLoad), errors.Is(err, gguf.ErrLoad), errors.Is(err, gguf.ErrFormat):
		return "LoadError", false
	case errors.Is(err, runtime.ErrDecode):
		return "DecodeError", true
	case errors.Is(err, runtime.ErrSample):
		return "SampleError", true
	case errors.Is(err, executor.ErrTimeout):
		return "TimeoutError", true
	case errors.Is(err, context.Canceled):
		return "CancelledError", false
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "CircuitOpenError", true
	case errors.Is(err, pool.ErrResourceExhausted):
		return "ResourceExhausted", true
	case errors.Is(err, pool.ErrLifecycle):
		return "SessionLifecycleError", true
	default:
		return "RuntimeError", true
	}
}
