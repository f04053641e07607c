package config_test

import (
	"testing"

	"github.com/inferd-run/inferd/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		MCP: config.MCPConfig{
			Servers: []config.MCPServerConfig{
				{Name: "filesystem", Transport: config.MCPTransportStdio, Command: "mcp-fs"},
			},
		},
	}
	d := config.Diff(cfg, cfg)
	if d.MCPServersChanged {
		t.Error("expected MCPServersChanged=false for identical configs")
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if len(d.MCPServerChanges) != 0 {
		t.Errorf("expected 0 MCP server changes, got %d", len(d.MCPServerChanges))
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_RuntimeChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Runtime: config.RuntimeConfig{DefaultModel: "a"}}
	new := &config.Config{Runtime: config.RuntimeConfig{DefaultModel: "b"}}

	d := config.Diff(old, new)
	if !d.RuntimeChanged {
		t.Error("expected RuntimeChanged=true")
	}
}

func TestDiff_MCPServerCommandChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{MCP: config.MCPConfig{Servers: []config.MCPServerConfig{
		{Name: "filesystem", Transport: config.MCPTransportStdio, Command: "old-binary"},
	}}}
	new := &config.Config{MCP: config.MCPConfig{Servers: []config.MCPServerConfig{
		{Name: "filesystem", Transport: config.MCPTransportStdio, Command: "new-binary"},
	}}}

	d := config.Diff(old, new)
	if !d.MCPServersChanged {
		t.Error("expected MCPServersChanged=true")
	}
	if len(d.MCPServerChanges) != 1 || !d.MCPServerChanges[0].CommandChanged {
		t.Fatalf("MCPServerChanges = %+v, want one CommandChanged entry", d.MCPServerChanges)
	}
}

func TestDiff_MCPServerAddedAndRemoved(t *testing.T) {
	t.Parallel()
	old := &config.Config{MCP: config.MCPConfig{Servers: []config.MCPServerConfig{
		{Name: "search", Transport: config.MCPTransportHTTP, URL: "http://a"},
	}}}
	new := &config.Config{MCP: config.MCPConfig{Servers: []config.MCPServerConfig{
		{Name: "filesystem", Transport: config.MCPTransportStdio, Command: "mcp-fs"},
	}}}

	d := config.Diff(old, new)
	if !d.MCPServersChanged {
		t.Error("expected MCPServersChanged=true")
	}
	changes := make(map[string]config.MCPServerDiff)
	for _, c := range d.MCPServerChanges {
		changes[c.Name] = c
	}
	if !changes["search"].Removed {
		t.Error("expected search Removed=true")
	}
	if !changes["filesystem"].Added {
		t.Error("expected filesystem Added=true")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		MCP: config.MCPConfig{Servers: []config.MCPServerConfig{
			{Name: "a", Transport: config.MCPTransportHTTP, URL: "http://old"},
			{Name: "b", Transport: config.MCPTransportStdio, Command: "x"},
		}},
	}
	new := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogWarn},
		MCP: config.MCPConfig{Servers: []config.MCPServerConfig{
			{Name: "a", Transport: config.MCPTransportHTTP, URL: "http://new"},
			{Name: "c", Transport: config.MCPTransportStdio, Command: "y"},
		}},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.MCPServersChanged {
		t.Error("expected MCPServersChanged=true")
	}
	changes := make(map[string]config.MCPServerDiff)
	for _, c := range d.MCPServerChanges {
		changes[c.Name] = c
	}
	if !changes["a"].URLChanged {
		t.Error("expected a URLChanged=true")
	}
	if !changes["b"].Removed {
		t.Error("expected b Removed=true")
	}
	if !changes["c"].Added {
		t.Error("expected c Added=true")
	}
}
