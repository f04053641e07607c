// Package apitypes defines the wire-level request/response shapes that cross
// the provider boundary: conversation messages, inference requests and
// responses, streaming chunks, and the error envelope every failure is
// wrapped into before it reaches a caller.
package apitypes

import "time"

// Role identifies the speaker of a [Message] in an ordered conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one list-ordered entry of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolInvocation names a tool and its call arguments, as supplied in
// Parameters.Tools for an MCP-routed request.
type ToolInvocation struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Parameters holds sampling knobs and MCP routing hints for a single request.
// Zero values are replaced with the defaults noted per field when the request
// is validated, except Temperature and Seed: 0 is a meaningful value for
// both (greedy sampling; a valid deterministic seed), so they are pointers
// and only an absent (nil) field is replaced. Use [Float64] / [Int64] to
// build a literal, or WithDefaults on a zero Parameters for a request that
// wants every default.
type Parameters struct {
	Temperature   *float64 `json:"temperature,omitempty"` // default 0.7 when nil
	TopP          float64  `json:"top_p"`                 // default 0.9
	TopK          int      `json:"top_k"`                 // default 40
	RepeatPenalty float64  `json:"repeat_penalty"`         // default 1.1
	MaxTokens     int      `json:"max_tokens"`             // default 512
	Seed          *int64   `json:"seed,omitempty"`         // default -1 (random) when nil
	SessionID     string   `json:"session_id,omitempty"`
	ModelPath     string   `json:"model_path,omitempty"`
	Grammar       string   `json:"grammar,omitempty"`
	Mirostat      int      `json:"mirostat,omitempty"`
	JSONMode      bool     `json:"json_mode,omitempty"`
	InferenceTimeoutMs int64 `json:"inference_timeout_ms,omitempty"`

	// MCP routing, consulted by the inference adapter in decision order:
	// Tools, then Prompt, then Resources.
	Tools            []ToolInvocation `json:"tools,omitempty"`
	Prompt           string           `json:"prompt,omitempty"`
	PromptArguments  map[string]any   `json:"prompt_arguments,omitempty"`
	Resources        []string         `json:"resources,omitempty"`
}

// Float64 returns a pointer to v, for populating Parameters.Temperature.
func Float64(v float64) *float64 { return &v }

// Int64 returns a pointer to v, for populating Parameters.Seed.
func Int64(v int64) *int64 { return &v }

// WithDefaults returns a copy of p with unset sampling fields replaced by
// their documented defaults. Temperature and Seed are only defaulted when
// nil; an explicit 0 on either is preserved.
func (p Parameters) WithDefaults() Parameters {
	if p.Temperature == nil {
		p.Temperature = Float64(0.7)
	}
	if p.TopP == 0 {
		p.TopP = 0.9
	}
	if p.TopK == 0 {
		p.TopK = 40
	}
	if p.RepeatPenalty == 0 {
		p.RepeatPenalty = 1.1
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = 512
	}
	if p.Seed == nil {
		p.Seed = Int64(-1)
	}
	return p
}

// ProviderRequest is the boundary shape for both unary and streaming
// inference calls.
type ProviderRequest struct {
	RequestID string         `json:"requestId"`
	Model     string         `json:"model"`
	Messages  []Message      `json:"messages"`
	Parameters Parameters    `json:"parameters"`
	Streaming bool           `json:"streaming"`
	Timeout   time.Duration  `json:"timeout"`
	Metadata  map[string]any `json:"metadata"`
}

// TenantID returns metadata["tenantId"], defaulting to "default".
func (r ProviderRequest) TenantID() string {
	if r.Metadata != nil {
		if v, ok := r.Metadata["tenantId"].(string); ok && v != "" {
			return v
		}
	}
	return "default"
}

// FinishReason classifies why generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishTimeout   FinishReason = "timeout"
	FinishCancelled FinishReason = "cancelled"

	// FinishError marks a stream's terminal chunk when generation failed or
	// never started (e.g. an open circuit breaker, or a decode error), rather
	// than a decode-loop stop criterion.
	FinishError FinishReason = "error"
)

// ResponseMetadata carries token accounting alongside a response or the
// terminal chunk of a stream.
type ResponseMetadata struct {
	PromptTokens     int          `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
	FinishReason     FinishReason `json:"finish_reason"`
}

// InferenceResponse is the unary result of [Provider.Infer].
type InferenceResponse struct {
	RequestID  string           `json:"requestId"`
	Content    string           `json:"content"`
	Model      string           `json:"model"`
	TokensUsed int              `json:"tokensUsed"`
	DurationMs int64            `json:"durationMs"`
	Metadata   ResponseMetadata `json:"metadata"`
}

// StreamChunk is one element of the channel returned by [Provider.Stream].
// The final chunk (IsFinal == true) carries the aggregate counts in Metadata
// and is always the last value sent on the channel.
type StreamChunk struct {
	RequestID  string           `json:"requestId"`
	ChunkIndex int              `json:"chunkIndex"`
	Delta      string           `json:"delta"`
	IsFinal    bool             `json:"isFinal"`
	Metadata   ResponseMetadata `json:"metadata,omitempty"`
}

// ErrorPayload is the envelope every failure surfaced across the provider
// boundary is wrapped into.
type ErrorPayload struct {
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	OriginNode string        `json:"originNode"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *ErrorPayload) Error() string { return e.Type + ": " + e.Message }

// ModelCapabilities describes what a provider's currently loaded model
// supports.
type ModelCapabilities struct {
	Streaming        bool     `json:"streaming"`
	Tools            bool     `json:"tools"`
	Multimodal       bool     `json:"multimodal"`
	MaxContextTokens int      `json:"maxContextTokens"`
	Formats          []string `json:"formats"`
	GPUEnabled       bool     `json:"gpuEnabled"`
	GPULayers        int      `json:"gpuLayers"`
}

// HealthStatus is returned by [Provider.Health].
type HealthStatus struct {
	Initialized    bool     `json:"initialized"`
	CircuitState   string   `json:"circuitState"`
	LoadedModels   []string `json:"loadedModels"`
	ActiveSessions int      `json:"activeSessions"`
}
