package config

// ConfigDiff describes what changed between two configs. Only fields that
// are safe to apply without a process restart are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MCPServersChanged bool
	MCPServerChanges  []MCPServerDiff

	RuntimeChanged bool
}

// MCPServerDiff describes what changed for a single MCP server entry
// between two configs.
type MCPServerDiff struct {
	Name            string
	TransportChanged bool
	CommandChanged  bool
	URLChanged      bool
	Added           bool
	Removed         bool
}

// Diff compares old and new configs and returns what changed. Used by the
// config watcher to log exactly what a reload is about to apply before any
// MCP reconnect or runtime reload action is taken.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Runtime != new.Runtime {
		d.RuntimeChanged = true
	}

	d.MCPServerChanges = DiffMCPServers(old.MCP.Servers, new.MCP.Servers)
	d.MCPServersChanged = len(d.MCPServerChanges) > 0

	return d
}

// DiffMCPServers compares two MCP server lists by name and reports which
// servers were added, removed, or had a connection-relevant field change.
// Shared by [Diff] and the standalone MCP registry file watcher, since both
// need the same name-keyed add/remove/modify comparison.
func DiffMCPServers(old, new []MCPServerConfig) []MCPServerDiff {
	oldServers := make(map[string]*MCPServerConfig, len(old))
	for i := range old {
		oldServers[old[i].Name] = &old[i]
	}
	newServers := make(map[string]*MCPServerConfig, len(new))
	for i := range new {
		newServers[new[i].Name] = &new[i]
	}

	var changes []MCPServerDiff
	for name, o := range oldServers {
		n, exists := newServers[name]
		if !exists {
			changes = append(changes, MCPServerDiff{Name: name, Removed: true})
			continue
		}
		sd := diffMCPServer(name, o, n)
		if sd.TransportChanged || sd.CommandChanged || sd.URLChanged {
			changes = append(changes, sd)
		}
	}
	for name := range newServers {
		if _, exists := oldServers[name]; !exists {
			changes = append(changes, MCPServerDiff{Name: name, Added: true})
		}
	}
	return changes
}

func diffMCPServer(name string, old, new *MCPServerConfig) MCPServerDiff {
	return MCPServerDiff{
		Name:             name,
		TransportChanged: old.Transport != new.Transport,
		CommandChanged:   old.Command != new.Command,
		URLChanged:       old.URL != new.URL,
	}
}
