// Package executor drives the token-by-token decode loop: build a prompt
// from a conversation, tokenize it, decode it into a session's context, then
// repeatedly sample/detokenize/decode until a stop criterion fires, emitting
// either a single aggregated response or a sequence of streaming chunks.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inferd-run/inferd/internal/pool"
	"github.com/inferd-run/inferd/internal/runtime"
	"github.com/inferd-run/inferd/pkg/apitypes"
)

// ErrValidation is returned when sampling parameters are out of range.
var ErrValidation = errors.New("executor: validation error")

// ErrTimeout is returned when the call's deadline fires before generation
// reaches a stop criterion.
var ErrTimeout = errors.New("executor: timeout")

// repeatWindowSize is the length of the sliding window of recently emitted
// tokens kept for repeat-penalty bookkeeping.
const repeatWindowSize = 64

// phase names the decode loop's state machine positions, tracked on
// loopState; it is neither logged nor returned, so callers never observe it.
type phase int

const (
	phasePrepared phase = iota
	phasePromptEvaluated
	phaseDecoding
	phaseFinished
	phaseAborted
)

// PromptBuilder renders an ordered message list into the flat string handed
// to Tokenize. The policy is pluggable per spec's open question on
// chat-template-aware rendering; [DefaultPromptBuilder] implements the flat
// role-prefixed template, [ChatMLPromptBuilder] an alternate wire format.
type PromptBuilder interface {
	Build(messages []apitypes.Message) string
}

// DefaultPromptBuilder renders "Role: content" blocks separated by blank
// lines, ending with the generation anchor "Assistant: ".
type DefaultPromptBuilder struct{}

func (DefaultPromptBuilder) Build(messages []apitypes.Message) string {
	s := ""
	for _, m := range messages {
		role := string(m.Role)
		if len(role) > 0 {
			role = string(role[0]-32) + role[1:] // capitalize first letter
		}
		s += role + ": " + m.Content + "\n\n"
	}
	return s + "Assistant: "
}

// ChatMLPromptBuilder renders the ChatML-style <|im_start|>role / <|im_end|>
// framing some instruction-tuned GGUF models expect.
type ChatMLPromptBuilder struct{}

func (ChatMLPromptBuilder) Build(messages []apitypes.Message) string {
	s := ""
	for _, m := range messages {
		s += "<|im_start|>" + string(m.Role) + "\n" + m.Content + "<|im_end|>\n"
	}
	return s + "<|im_start|>assistant\n"
}

// Executor runs the decode loop against a runtime.Engine and a leased
// session. It holds no session-specific state itself, so a single Executor
// is reused across every session and tenant.
type Executor struct {
	Engine        runtime.Engine
	PromptBuilder PromptBuilder
}

// New creates an Executor. If builder is nil, [DefaultPromptBuilder] is used.
func New(engine runtime.Engine, builder PromptBuilder) *Executor {
	if builder == nil {
		builder = DefaultPromptBuilder{}
	}
	return &Executor{Engine: engine, PromptBuilder: builder}
}

func validate(p apitypes.Parameters) error {
	// p has already passed through WithDefaults, so Temperature and Seed
	// are guaranteed non-nil here.
	if *p.Temperature < 0 || *p.Temperature > 2 {
		return fmt.Errorf("%w: temperature %v out of [0,2]", ErrValidation, *p.Temperature)
	}
	if p.TopP < 0 || p.TopP > 1 {
		return fmt.Errorf("%w: top_p %v out of [0,1]", ErrValidation, p.TopP)
	}
	if p.TopK < 1 {
		return fmt.Errorf("%w: top_k %v must be >= 1", ErrValidation, p.TopK)
	}
	if p.MaxTokens < 1 {
		return fmt.Errorf("%w: max_tokens %v must be >= 1", ErrValidation, p.MaxTokens)
	}
	return nil
}

// loopState is the mutable state threaded through one decode loop execution.
type loopState struct {
	session      *pool.Session
	model        runtime.ModelHandle
	ctx          runtime.ContextHandle
	chain        runtime.SamplerHandle
	repeatWindow []runtime.TokenID
	phase        phase
}

// Infer runs the decode loop to completion (or to a stop criterion) and
// returns the aggregated response. The session latch must already be held by
// the caller for the duration of this call.
func (e *Executor) Infer(ctx context.Context, session *pool.Session, req apitypes.ProviderRequest) (*apitypes.InferenceResponse, error) {
	start := time.Now()
	var content string
	var promptTokenCount, completionTokens int
	var finish apitypes.FinishReason

	err := e.run(ctx, session, req, func(chunk apitypes.StreamChunk) {
		content += chunk.Delta
		if chunk.IsFinal {
			promptTokenCount = chunk.Metadata.PromptTokens
			completionTokens = chunk.Metadata.CompletionTokens
			finish = chunk.Metadata.FinishReason
		}
	})
	if err != nil {
		return nil, err
	}

	return &apitypes.InferenceResponse{
		RequestID:  req.RequestID,
		Content:    content,
		Model:      req.Model,
		TokensUsed: promptTokenCount + completionTokens,
		DurationMs: time.Since(start).Milliseconds(),
		Metadata: apitypes.ResponseMetadata{
			PromptTokens:     promptTokenCount,
			CompletionTokens: completionTokens,
			FinishReason:     finish,
		},
	}, nil
}

// Stream runs the decode loop, emitting one [apitypes.StreamChunk] per
// generated token on the returned channel, terminated by exactly one final
// chunk. When the loop fails before emitting its own terminal chunk, Stream
// sends a final chunk with FinishReason [apitypes.FinishError]. The channel
// is closed after the final chunk is sent. The session latch must already be
// held by the caller for the duration of the stream.
func (e *Executor) Stream(ctx context.Context, session *pool.Session, req apitypes.ProviderRequest) <-chan apitypes.StreamChunk {
	out := make(chan apitypes.StreamChunk, 16) // bounded internal buffer: high-water mark for backpressure
	go func() {
		defer close(out)
		sawFinal, next := false, 0
		err := e.run(ctx, session, req, func(chunk apitypes.StreamChunk) {
			sawFinal = sawFinal || chunk.IsFinal
			next = chunk.ChunkIndex + 1
			out <- chunk
		})
		if err != nil && !sawFinal {
			out <- apitypes.StreamChunk{
				RequestID:  req.RequestID,
				ChunkIndex: next,
				IsFinal:    true,
				Metadata:   apitypes.ResponseMetadata{FinishReason: apitypes.FinishError},
			}
		}
	}()
	return out
}

// run is the shared decode loop core. emit is called once per generated
// token and, when the loop ends on a stop criterion (EOS, length, timeout or
// cancellation), exactly once more for the terminal chunk; it is never
// called again afterward. An error return from validation, tokenize, build
// sampler, sample or decode happens without a terminal chunk.
func (e *Executor) run(ctx context.Context, session *pool.Session, req apitypes.ProviderRequest, emit func(apitypes.StreamChunk)) error {
	params := req.Parameters.WithDefaults()
	if err := validate(params); err != nil {
		return err
	}

	deadline, hasDeadline := deadlineFor(req, params)

	st := &loopState{session: session, model: session.Model, ctx: session.Context, phase: phasePrepared}

	prompt := e.PromptBuilder.Build(req.Messages)
	promptTokens, err := e.Engine.Tokenize(st.ctx, prompt, true)
	if err != nil {
		st.phase = phaseAborted
		return fmt.Errorf("%w: tokenize: %v", runtime.ErrRuntime, err)
	}

	if err := e.Engine.Decode(st.ctx, promptTokens, 0); err != nil {
		st.phase = phaseAborted
		return fmt.Errorf("%w: prompt decode: %v", runtime.ErrDecode, err)
	}
	st.phase = phasePromptEvaluated
	session.SetPosition(len(promptTokens))

	chain, err := e.Engine.BuildSampler(runtime.SamplerParams{
		Temperature:   *params.Temperature,
		TopP:          params.TopP,
		TopK:          params.TopK,
		RepeatPenalty: params.RepeatPenalty,
		Seed:          *params.Seed,
		Grammar:       params.Grammar,
		Mirostat:      params.Mirostat,
	})
	if err != nil {
		st.phase = phaseAborted
		return fmt.Errorf("%w: build sampler: %v", runtime.ErrRuntime, err)
	}
	defer e.Engine.FreeSampler(chain)
	st.chain = chain

	st.phase = phaseDecoding
	completion := 0
	finish := apitypes.FinishStop
	chunkIndex := 0

loop:
	for i := 0; i < params.MaxTokens; i++ {
		if hasDeadline && time.Now().After(deadline) {
			finish = apitypes.FinishTimeout
			break loop
		}
		select {
		case <-ctx.Done():
			finish = apitypes.FinishCancelled
			break loop
		default:
		}

		tok, err := e.Engine.Sample(st.ctx, chain)
		if err != nil {
			st.phase = phaseAborted
			return fmt.Errorf("%w: sample: %v", runtime.ErrSample, err)
		}

		if e.Engine.IsEndOfGeneration(st.model, tok) {
			finish = apitypes.FinishStop
			break loop
		}

		piece := e.Engine.Detokenize(st.ctx, tok)
		completion++
		emit(apitypes.StreamChunk{
			RequestID:  req.RequestID,
			ChunkIndex: chunkIndex,
			Delta:      piece,
			IsFinal:    false,
		})
		chunkIndex++

		st.repeatWindow = append(st.repeatWindow, tok)
		if len(st.repeatWindow) > repeatWindowSize {
			st.repeatWindow = st.repeatWindow[len(st.repeatWindow)-repeatWindowSize:]
		}

		nPast := len(promptTokens) + i
		if err := e.Engine.Decode(st.ctx, []runtime.TokenID{tok}, nPast); err != nil {
			st.phase = phaseAborted
			session.SetPosition(0) // ambiguous failure: discard partial KV state
			return fmt.Errorf("%w: decode: %v", runtime.ErrDecode, err)
		}
		session.SetPosition(nPast + 1)

		if i == params.MaxTokens-1 {
			finish = apitypes.FinishLength
		}
	}

	st.phase = phaseFinished
	emit(apitypes.StreamChunk{
		RequestID:  req.RequestID,
		ChunkIndex: chunkIndex,
		Delta:      "",
		IsFinal:    true,
		Metadata: apitypes.ResponseMetadata{
			PromptTokens:     len(promptTokens),
			CompletionTokens: completion,
			FinishReason:     finish,
		},
	})

	if finish == apitypes.FinishTimeout {
		return fmt.Errorf("%w: call deadline exceeded", ErrTimeout)
	}
	return nil
}

func deadlineFor(req apitypes.ProviderRequest, p apitypes.Parameters) (time.Time, bool) {
	if p.InferenceTimeoutMs > 0 {
		return time.Now().Add(time.Duration(p.InferenceTimeoutMs) * time.Millisecond), true
	}
	if req.Timeout > 0 {
		return time.Now().Add(req.Timeout), true
	}
	return time.Time{}, false
}
