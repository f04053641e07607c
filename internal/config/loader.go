package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued tunables with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Pool.MaxSessionsPerModel == 0 {
		cfg.Pool.MaxSessionsPerModel = 4
	}
	if cfg.Pool.IdleTTL == 0 {
		cfg.Pool.IdleTTL = 10 * time.Minute
	}
	if cfg.Pool.ReapInterval == 0 {
		cfg.Pool.ReapInterval = time.Minute
	}
	if cfg.Pool.WarmupConcurrency == 0 {
		cfg.Pool.WarmupConcurrency = 2
	}
	if cfg.Executor.DefaultMaxTokens == 0 {
		cfg.Executor.DefaultMaxTokens = 512
	}
	if cfg.Executor.PromptBuilder == "" {
		cfg.Executor.PromptBuilder = "flat"
	}
	if cfg.MCP.ResourceCacheSize == 0 {
		cfg.MCP.ResourceCacheSize = 1000
	}
	if cfg.MCP.ResourceCacheTTL == 0 {
		cfg.MCP.ResourceCacheTTL = 15 * time.Minute
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Pool.MaxSessionsPerModel < 0 {
		errs = append(errs, fmt.Errorf("pool.max_sessions_per_model must be >= 0, got %d", cfg.Pool.MaxSessionsPerModel))
	}
	if cfg.Pool.ReapInterval < time.Minute {
		errs = append(errs, fmt.Errorf("pool.reap_interval must be >= 1m, got %s", cfg.Pool.ReapInterval))
	}
	if cfg.Pool.MinSessionsPerModel < 0 {
		errs = append(errs, fmt.Errorf("pool.min_sessions_per_model must be >= 0, got %d", cfg.Pool.MinSessionsPerModel))
	}
	if cfg.Pool.MaxSessionsPerModel > 0 && cfg.Pool.MinSessionsPerModel > cfg.Pool.MaxSessionsPerModel {
		errs = append(errs, fmt.Errorf("pool.min_sessions_per_model (%d) must be <= pool.max_sessions_per_model (%d)", cfg.Pool.MinSessionsPerModel, cfg.Pool.MaxSessionsPerModel))
	}

	if !cfg.Executor.IsValid() {
		errs = append(errs, fmt.Errorf("executor.prompt_builder %q is invalid; valid values: flat, chatml", cfg.Executor.PromptBuilder))
	}

	if cfg.Runtime.ModelDir == "" {
		slog.Warn("runtime.model_dir is empty; model ids will resolve relative to the working directory")
	}

	errs = append(errs, ValidateMCPServers(cfg.MCP.Servers)...)

	return errors.Join(errs...)
}

// ValidateMCPServers checks an MCP server list for duplicate names and
// transport-specific required fields. Exported so the standalone MCP
// registry file watcher can validate a reload before swapping it in,
// without duplicating the rule set enforced on the main config's
// mcp.servers section.
func ValidateMCPServers(servers []MCPServerConfig) []error {
	var errs []error
	seen := make(map[string]int, len(servers))
	for i, srv := range servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if prev, ok := seen[srv.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
		} else {
			seen[srv.Name] = i
		}

		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, http, websocket", prefix, srv.Transport))
			continue
		}
		switch srv.Transport {
		case MCPTransportStdio:
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
			}
		case MCPTransportHTTP, MCPTransportWebSocket:
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when transport is %s", prefix, srv.Transport))
			}
		}
	}
	return errs
}
