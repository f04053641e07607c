// Package config provides the configuration schema, loader, and live-reload
// watcher for inferd's native inference runtime and MCP client core.
package config

import "time"

// Config is the root configuration structure for inferd.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pool     PoolConfig     `yaml:"pool"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Executor ExecutorConfig `yaml:"executor"`
	MCP      MCPConfig      `yaml:"mcp"`
}

// ServerConfig holds network and logging settings for the inferd server.
type ServerConfig struct {
	// ListenAddr is the fallback TCP address for the /metrics, /healthz and
	// /readyz server when MetricsAddr is empty; inferd runs no separate
	// inference HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the TCP address the /metrics, /healthz and /readyz
	// endpoints listen on. Defaults to ListenAddr when empty.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel is a validated logging verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// PoolConfig tunes the per-(tenantId, modelId) session pool (C3).
type PoolConfig struct {
	// MaxSessionsPerModel bounds how many concurrent sessions a single
	// (tenantId, modelId) pair may hold. Defaults to 4.
	MaxSessionsPerModel int `yaml:"max_sessions_per_model"`

	// IdleTTL is how long an idle session is kept before the reaper closes
	// it. Defaults to 10 minutes.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	// ReapInterval is loaded and validated but not passed to the pool:
	// pool.Manager's idle reaper sweeps once a minute whatever its value.
	// Defaults to 1 minute; values below 1 minute are rejected
	// (spec.md §4.3 requires a reap loop no tighter than once a minute).
	ReapInterval time.Duration `yaml:"reap_interval"`

	// MinSessionsPerModel, when greater than zero, is the number of
	// sessions pool.Manager.WarmUp constructs up front for the default
	// tenant/model pair at startup, so the first inference request does
	// not pay native model-load latency.
	MinSessionsPerModel int `yaml:"min_sessions_per_model"`

	// WarmupConcurrency bounds how many sessions WarmUp constructs at
	// once. Defaults to 2.
	WarmupConcurrency int `yaml:"warmup_concurrency"`
}

// RuntimeConfig points at the native model store (C1/C2).
type RuntimeConfig struct {
	// ModelDir is the base directory [gguf.Resolve] searches for model ids.
	ModelDir string `yaml:"model_dir"`

	// DefaultModel is the model id startup warm-up pre-loads for the
	// "default" tenant (see MinSessionsPerModel). Requests that leave Model
	// or Parameters.ModelPath empty are not routed to it.
	DefaultModel string `yaml:"default_model"`
}

// ExecutorConfig selects the decode loop's prompt-building policy (C4).
type ExecutorConfig struct {
	// PromptBuilder selects the template: "flat" (default) or "chatml".
	PromptBuilder string `yaml:"prompt_builder"`

	// DefaultMaxTokens is loaded and defaulted to 512 but not passed to the
	// executor; a request that leaves Parameters.MaxTokens at zero gets 512
	// from apitypes.Parameters.WithDefaults whatever this value is.
	DefaultMaxTokens int `yaml:"default_max_tokens"`
}

// IsValid reports whether e.PromptBuilder names a known builder.
func (e ExecutorConfig) IsValid() bool {
	switch e.PromptBuilder {
	case "", "flat", "chatml":
		return true
	}
	return false
}

// MCPConfig holds the list of Model Context Protocol servers inferd connects
// to, plus resource-cache tuning (C9).
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`

	// ResourceCacheSize bounds the LRU resource cache's entry count.
	// Defaults to 1000 (§4.9).
	ResourceCacheSize int `yaml:"resource_cache_size"`

	// ResourceCacheTTL bounds how long a cached resource read is served
	// before a fresh read is required. Defaults to 15 minutes.
	ResourceCacheTTL time.Duration `yaml:"resource_cache_ttl"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used as
	// its connection id and in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport MCPTransport `yaml:"transport"`

	// Command is the executable launched when Transport is "stdio".
	Command string `yaml:"command"`

	// Args are extra arguments passed to Command.
	Args []string `yaml:"args"`

	// URL is the endpoint address used when Transport is "http" or
	// "websocket". Ignored for stdio transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the
	// subprocess when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}

// MCPTransport names one of [internal/mcp/transport]'s implementations.
type MCPTransport string

const (
	MCPTransportStdio     MCPTransport = "stdio"
	MCPTransportHTTP      MCPTransport = "http"
	MCPTransportWebSocket MCPTransport = "websocket"
)

// IsValid reports whether t is a recognised MCP transport.
func (t MCPTransport) IsValid() bool {
	switch t {
	case MCPTransportStdio, MCPTransportHTTP, MCPTransportWebSocket:
		return true
	}
	return false
}
