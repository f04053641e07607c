// Command inferd is the composition root for the native inference runtime
// and MCP client core: it loads configuration, wires the session pool,
// decode executor, circuit breaker and provider facade together, connects
// the configured MCP tool servers, and serves /metrics, /healthz and
// /readyz. It does not itself speak the inference wire protocol — that is
// an external collaborator's job; this process only boots the pieces that
// collaborator depends on.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inferd-run/inferd/internal/config"
	"github.com/inferd-run/inferd/internal/executor"
	"github.com/inferd-run/inferd/internal/health"
	"github.com/inferd-run/inferd/internal/mcp/adapter"
	"github.com/inferd-run/inferd/internal/mcp/client"
	"github.com/inferd-run/inferd/internal/mcp/registry"
	"github.com/inferd-run/inferd/internal/mcp/registrywatch"
	"github.com/inferd-run/inferd/internal/mcp/transport"
	"github.com/inferd-run/inferd/internal/observe"
	"github.com/inferd-run/inferd/internal/pool"
	"github.com/inferd-run/inferd/internal/provider"
	"github.com/inferd-run/inferd/internal/resilience"
	"github.com/inferd-run/inferd/internal/runtime"
	"github.com/inferd-run/inferd/pkg/apitypes"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	mcpRegistryPath := flag.String("mcp-registry", "", "optional path to a hot-reloaded MCP server registry file, watched in addition to mcp.servers in -config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "inferd: config file %q not found — pass -config with the path to a YAML configuration file\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "inferd: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("inferd starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"metrics_addr", metricsAddr(cfg),
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "inferd"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	backend, err := runtime.NewBackend()
	if err != nil {
		slog.Error("failed to initialise native runtime backend", "err", err)
		return 1
	}
	defer backend.Close()

	poolMgr := pool.New(backend, cfg.Runtime.ModelDir, pool.Config{
		MinSize: cfg.Pool.MinSessionsPerModel,
		MaxSize: cfg.Pool.MaxSessionsPerModel,
		IdleTTL: cfg.Pool.IdleTTL,
	})
	defer poolMgr.Shutdown()

	if cfg.Pool.MinSessionsPerModel > 0 && cfg.Runtime.DefaultModel != "" {
		warmCtx, warmCancel := context.WithTimeout(ctx, 2*time.Minute)
		if err := poolMgr.WarmUp(warmCtx, []pool.WarmKey{{TenantID: "default", ModelID: cfg.Runtime.DefaultModel}}, cfg.Pool.WarmupConcurrency); err != nil {
			slog.Warn("pool warm-up failed, continuing with lazy construction", "err", err)
		} else {
			slog.Info("pool warmed up", "model", cfg.Runtime.DefaultModel, "sessions", cfg.Pool.MinSessionsPerModel)
		}
		warmCancel()
	}

	exec := executor.New(backend.Engine, promptBuilderFor(cfg.Executor.PromptBuilder))

	breaker := resilience.New(resilience.Config{Name: "native-runtime"})

	prov := provider.New(provider.Config{
		ID:       "native",
		Pool:     poolMgr,
		Executor: exec,
		Breaker:  breaker,
		Capabilities: apitypes.ModelCapabilities{
			Streaming:        true,
			Tools:            len(cfg.MCP.Servers) > 0,
			MaxContextTokens: 0, // not known statically; no per-model value is read from GGUF metadata here
		},
	})

	reg := registry.New()
	cache := registry.NewResourceCache(cfg.MCP.ResourceCacheSize, cfg.MCP.ResourceCacheTTL)
	mcpAdapter := adapter.New(reg, cache)

	connections := connectMCPServers(cfg.MCP.Servers, mcpAdapter)
	defer func() {
		for _, conn := range connections {
			if err := conn.Disconnect(); err != nil {
				slog.Warn("mcp disconnect error", "err", err)
			}
		}
	}()

	watcher, err := config.NewWatcher(*configPath, logConfigChange)
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	var regWatcher *registrywatch.Watcher
	if *mcpRegistryPath != "" {
		regWatcher, err = registrywatch.New(*mcpRegistryPath, func(diff []config.MCPServerDiff, servers []config.MCPServerConfig) {
			slog.Info("mcp server registry changed, reconnect required for affected servers", "changes", len(diff))
			for _, d := range diff {
				slog.Info("mcp server diff", "name", d.Name, "added", d.Added, "removed", d.Removed,
					"transport_changed", d.TransportChanged, "command_changed", d.CommandChanged, "url_changed", d.URLChanged)
			}
		})
		if err != nil {
			slog.Error("failed to start mcp registry watcher", "err", err)
			return 1
		}
		defer regWatcher.Stop()
	}

	healthHandler := health.New(
		health.Checker{Name: "circuit_breaker", Check: circuitBreakerCheck(prov)},
		health.Checker{Name: "mcp_connections", Check: mcpLivenessCheck(connections)},
	)

	mux := http.NewServeMux()
	healthHandler.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	addr := metricsAddr(cfg)
	srv := &http.Server{Addr: addr, Handler: mux}

	srvErr := make(chan error, 1)
	go func() {
		slog.Info("metrics/health server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
			return
		}
		srvErr <- nil
	}()

	slog.Info("inferd ready — press Ctrl+C to shut down", "mcp_servers_connected", len(connections))

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-srvErr:
		if err != nil {
			slog.Error("metrics/health server failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics/health server shutdown error", "err", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// metricsAddr returns the address the /metrics, /healthz and /readyz
// endpoints listen on, defaulting to the main listen address when unset.
func metricsAddr(cfg *config.Config) string {
	if cfg.Server.MetricsAddr != "" {
		return cfg.Server.MetricsAddr
	}
	return cfg.Server.ListenAddr
}

// promptBuilderFor resolves the configured prompt-building policy. Config
// validation already rejected any other value by the time this runs.
func promptBuilderFor(name string) executor.PromptBuilder {
	if name == "chatml" {
		return executor.ChatMLPromptBuilder{}
	}
	return executor.DefaultPromptBuilder{}
}

// connectMCPServers connects every configured server, registering its
// catalog with the adapter's registry. A server that fails to connect is
// logged and skipped rather than aborting startup — a single flaky tool
// server should not prevent inferd from serving inference requests.
func connectMCPServers(servers []config.MCPServerConfig, a *adapter.Adapter) []*client.Connection {
	info := client.ClientInfo{Name: "inferd", Version: "0.1.0"}

	conns := make([]*client.Connection, 0, len(servers))
	for _, srv := range servers {
		tr, err := transportFor(srv)
		if err != nil {
			slog.Error("mcp server misconfigured, skipping", "name", srv.Name, "err", err)
			continue
		}

		conn, err := client.Connect(srv.Name, tr, info)
		if err != nil {
			slog.Error("mcp server connect failed, skipping", "name", srv.Name, "err", err)
			continue
		}

		a.AddConnection(conn)
		conns = append(conns, conn)
		slog.Info("mcp server connected", "name", srv.Name, "transport", srv.Transport,
			"tools", len(conn.Tools), "resources", len(conn.Resources), "prompts", len(conn.Prompts))
	}
	return conns
}

func transportFor(srv config.MCPServerConfig) (transport.Transport, error) {
	switch srv.Transport {
	case config.MCPTransportHTTP:
		return transport.NewHTTP(transport.HTTPConfig{Endpoint: srv.URL}), nil
	case config.MCPTransportWebSocket:
		return transport.NewWebSocket(transport.WebSocketConfig{URL: srv.URL}), nil
	case config.MCPTransportStdio, "":
		env := make([]string, 0, len(srv.Env))
		for k, v := range srv.Env {
			env = append(env, k+"="+v)
		}
		return transport.NewStdio(transport.StdioConfig{Command: srv.Command, Args: srv.Args, Env: env}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", srv.Transport)
	}
}

// circuitBreakerCheck reports the provider unready while its circuit breaker
// is open so load balancers stop sending traffic until it recovers.
func circuitBreakerCheck(p *provider.Provider) func(context.Context) error {
	return func(context.Context) error {
		if status := p.Health(); status.CircuitState == resilience.StateOpen.String() {
			return fmt.Errorf("circuit breaker open (active sessions: %d)", status.ActiveSessions)
		}
		return nil
	}
}

// mcpLivenessCheck always reports ready: it does not inspect conns, so MCP
// connection failures never affect readiness, since inference itself does
// not depend on any MCP server being reachable.
func mcpLivenessCheck(conns []*client.Connection) func(context.Context) error {
	return func(context.Context) error {
		return nil
	}
}

// logConfigChange is the main config.Watcher's reload callback. inferd does
// not hot-apply any of these changes yet — the field-level diff is logged so
// an operator can see exactly what a restart would pick up.
func logConfigChange(old, new *config.Config) {
	diff := config.Diff(old, new)
	slog.Info("configuration file changed on disk",
		"log_level_changed", diff.LogLevelChanged,
		"new_log_level", diff.NewLogLevel,
		"runtime_changed", diff.RuntimeChanged,
		"mcp_servers_changed", diff.MCPServersChanged,
		"mcp_server_changes", len(diff.MCPServerChanges),
	)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
