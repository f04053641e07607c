// Package adapter implements the MCP inference adapter (C10): given a
// request whose preferred provider is MCP, it dispatches tool calls,
// prompt renders or resource reads per the decision order tools -> prompt
// -> resources -> passthrough, and folds the result into a plain
// conversational response.
package adapter

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/inferd-run/inferd/internal/mcp/client"
	"github.com/inferd-run/inferd/internal/mcp/registry"
	"github.com/inferd-run/inferd/pkg/apitypes"
)

// ErrPassthrough is returned when none of parameters.tools, .prompt or
// .resources apply — the caller should fall back to ordinary inference with
// the messages unchanged.
var ErrPassthrough = errors.New("mcp adapter: no MCP routing hint present")

// Adapter owns the live connection set alongside the shared registry and
// resource cache, so it can both look a name up and reach the connection
// that must actually serve the call.
type Adapter struct {
	registry *registry.Registry
	cache    *registry.ResourceCache

	mu          sync.RWMutex
	connections map[string]*client.Connection
}

// New builds an Adapter over reg/cache, which are expected to also be
// shared with whatever process registers/unregisters connections.
func New(reg *registry.Registry, cache *registry.ResourceCache) *Adapter {
	return &Adapter{
		registry:    reg,
		cache:       cache,
		connections: make(map[string]*client.Connection),
	}
}

// AddConnection registers conn's catalogs and makes it dispatchable.
func (a *Adapter) AddConnection(conn *client.Connection) {
	a.mu.Lock()
	a.connections[conn.ID] = conn
	a.mu.Unlock()
	a.registry.Register(conn)
}

// RemoveConnection unregisters a connection's catalogs and forgets it.
func (a *Adapter) RemoveConnection(id string) {
	a.mu.Lock()
	delete(a.connections, id)
	a.mu.Unlock()
	a.registry.Unregister(id)
}

func (a *Adapter) connection(id string) (*client.Connection, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.connections[id]
	return c, ok
}

// Dispatch implements the decision order: tools, then prompt, then
// resources, then [ErrPassthrough].
func (a *Adapter) Dispatch(req apitypes.ProviderRequest) (*apitypes.InferenceResponse, error) {
	params := req.Parameters

	switch {
	case len(params.Tools) > 0:
		return a.dispatchTools(req)
	case params.Prompt != "":
		return a.dispatchPrompt(req)
	case len(params.Resources) > 0:
		return a.dispatchResources(req)
	default:
		return nil, ErrPassthrough
	}
}

func (a *Adapter) dispatchTools(req apitypes.ProviderRequest) (*apitypes.InferenceResponse, error) {
	var lines []string
	for _, inv := range req.Parameters.Tools {
		entry, ok := a.registry.LookupTool(inv.Name)
		if !ok {
			lines = append(lines, fmt.Sprintf("Tool %s failed: not found", inv.Name))
			continue
		}
		conn, ok := a.connection(entry.ConnectionID)
		if !ok {
			lines = append(lines, fmt.Sprintf("Tool %s failed: owning connection not available", inv.Name))
			continue
		}
		start := time.Now()
		result, err := conn.CallTool(inv.Name, inv.Arguments)
		a.registry.RecordToolCall(inv.Name, time.Since(start).Milliseconds(), err != nil)
		if err != nil {
			lines = append(lines, fmt.Sprintf("Tool %s failed: %v", inv.Name, err))
			continue
		}
		lines = append(lines, fmt.Sprintf("Tool: %s\n%s", inv.Name, joinContent(result.Content)))
	}
	return a.respond(req, strings.Join(lines, "\n\n")), nil
}

func (a *Adapter) dispatchPrompt(req apitypes.ProviderRequest) (*apitypes.InferenceResponse, error) {
	name := req.Parameters.Prompt
	entry, ok := a.registry.LookupPrompt(name)
	if !ok {
		return nil, fmt.Errorf("mcp adapter: prompt %q not found", name)
	}
	conn, ok := a.connection(entry.ConnectionID)
	if !ok {
		return nil, fmt.Errorf("mcp adapter: prompt %q: owning connection not available", name)
	}
	result, err := conn.GetPrompt(name, req.Parameters.PromptArguments)
	if err != nil {
		return nil, fmt.Errorf("mcp adapter: get prompt %q: %w", name, err)
	}

	var parts []string
	for _, m := range result.Messages {
		parts = append(parts, m.Content.Text)
	}
	return a.respond(req, strings.Join(parts, "\n")), nil
}

func (a *Adapter) dispatchResources(req apitypes.ProviderRequest) (*apitypes.InferenceResponse, error) {
	var parts []string
	for _, uri := range req.Parameters.Resources {
		if cached, ok := a.cache.Get(uri); ok {
			parts = append(parts, joinResourceText(cached))
			continue
		}
		entry, ok := a.registry.LookupResource(uri)
		if !ok {
			return nil, fmt.Errorf("mcp adapter: resource %q not found", uri)
		}
		conn, ok := a.connection(entry.ConnectionID)
		if !ok {
			return nil, fmt.Errorf("mcp adapter: resource %q: owning connection not available", uri)
		}
		result, err := conn.ReadResource(uri)
		if err != nil {
			return nil, fmt.Errorf("mcp adapter: read resource %q: %w", uri, err)
		}
		a.cache.Put(uri, result)
		parts = append(parts, joinResourceText(result))
	}
	return a.respond(req, strings.Join(parts, "\n\n")), nil
}

func joinContent(blocks []client.ContentBlock) string {
	parts := make([]string, len(blocks))
	for i, b := range blocks {
		parts[i] = b.Text
	}
	return strings.Join(parts, "\n")
}

func joinResourceText(r *client.ReadResourceResult) string {
	parts := make([]string, len(r.Contents))
	for i, c := range r.Contents {
		parts[i] = c.Text
	}
	return strings.Join(parts, "\n")
}

func (a *Adapter) respond(req apitypes.ProviderRequest, content string) *apitypes.InferenceResponse {
	return &apitypes.InferenceResponse{
		RequestID:  req.RequestID,
		Content:    content,
		Model:      req.Model,
		DurationMs: 0,
		Metadata: apitypes.ResponseMetadata{
			FinishReason: apitypes.FinishStop,
		},
	}
}
