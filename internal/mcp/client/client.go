// Package client implements one MCP server connection (C8): the
// initialize/initialized handshake, capability-gated catalog discovery, and
// the CallTool/ReadResource/GetPrompt operations built on top of a
// transport.Transport.
package client

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/inferd-run/inferd/internal/mcp/transport"
)

// ErrProtocol is returned when the server's handshake response cannot be
// reconciled with a supported protocol version.
var ErrProtocol = errors.New("mcp: protocol error")

// SupportedProtocolVersions lists this client's accepted protocol versions,
// in preference order. The first entry is sent as the preferred version in
// every initialize request.
var SupportedProtocolVersions = []string{"2025-11-05", "2025-03-26", "2024-11-05"}

// ClientInfo identifies this client to the server during the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type rootsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type clientCapabilities struct {
	Roots    rootsCapability `json:"roots"`
	Sampling struct{}        `json:"sampling"`
}

// ServerInfo identifies the connected server, as reported in its initialize
// result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities records which optional catalogs a server advertises.
// A present-but-empty object still gates discovery on (non-nil pointer),
// matching how the MCP wire format advertises "supported, no sub-options".
type ServerCapabilities struct {
	Tools     *struct{} `json:"tools,omitempty"`
	Resources *struct{} `json:"resources,omitempty"`
	Prompts   *struct{} `json:"prompts,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    clientCapabilities  `json:"capabilities"`
	ClientInfo      ClientInfo          `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
}

// Tool is one entry of a server's tools/list catalog.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource is one entry of a server's resources/list catalog.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Prompt is one entry of a server's prompts/list catalog.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one named input a Prompt accepts.
type PromptArgument struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
}

// ContentBlock is one unit of textual content returned by a tool call,
// resource read or prompt render.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult is the response to CallTool.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ReadResourceResult is the response to ReadResource.
type ReadResourceResult struct {
	Contents []ResourceContent `json:"contents"`
}

// ResourceContent is one content block of a resource read.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// PromptMessage is one rendered message of a GetPrompt result.
type PromptMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// GetPromptResult is the response to GetPrompt.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// Connection is one established, handshaked MCP server connection with its
// discovered catalogs.
type Connection struct {
	ID        string
	transport transport.Transport

	ServerInfo         ServerInfo
	ServerCapabilities ServerCapabilities

	Tools     []Tool
	Resources []Resource
	Prompts   []Prompt
}

// Connect establishes tr, performs the initialize/initialized handshake and
// discovers every catalog the server's advertised capabilities permit.
func Connect(id string, tr transport.Transport, info ClientInfo) (*Connection, error) {
	if err := tr.Connect(); err != nil {
		return nil, fmt.Errorf("mcp: connect transport: %w", err)
	}

	resp, err := tr.SendRequest("initialize", initializeParams{
		ProtocolVersion: SupportedProtocolVersions[0],
		Capabilities:    clientCapabilities{Roots: rootsCapability{ListChanged: true}},
		ClientInfo:      info,
	})
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("mcp: initialize: %w", err)
	}
	if resp.Error != nil {
		tr.Close()
		return nil, fmt.Errorf("%w: initialize: %s", ErrProtocol, resp.Error.Message)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		tr.Close()
		return nil, fmt.Errorf("%w: malformed initialize result: %v", ErrProtocol, err)
	}
	if !supportedVersion(result.ProtocolVersion) {
		tr.Close()
		return nil, fmt.Errorf("%w: unsupported protocol version %q", ErrProtocol, result.ProtocolVersion)
	}

	if err := tr.SendNotification("notifications/initialized", nil); err != nil {
		tr.Close()
		return nil, fmt.Errorf("mcp: send initialized notification: %w", err)
	}

	c := &Connection{
		ID:                 id,
		transport:          tr,
		ServerInfo:         result.ServerInfo,
		ServerCapabilities: result.Capabilities,
	}

	var g errgroup.Group
	if result.Capabilities.Tools != nil {
		g.Go(c.refreshTools)
	}
	if result.Capabilities.Resources != nil {
		g.Go(c.refreshResources)
	}
	if result.Capabilities.Prompts != nil {
		g.Go(c.refreshPrompts)
	}
	if err := g.Wait(); err != nil {
		tr.Close()
		return nil, err
	}

	return c, nil
}

func supportedVersion(v string) bool {
	for _, sv := range SupportedProtocolVersions {
		if sv == v {
			return true
		}
	}
	return false
}

func (c *Connection) refreshTools() error {
	resp, err := c.transport.SendRequest("tools/list", nil)
	if err != nil {
		return fmt.Errorf("mcp: tools/list: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("mcp: tools/list: %s", resp.Error.Message)
	}
	var body struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &body); err != nil {
		return fmt.Errorf("mcp: malformed tools/list result: %w", err)
	}
	c.Tools = body.Tools
	return nil
}

func (c *Connection) refreshResources() error {
	resp, err := c.transport.SendRequest("resources/list", nil)
	if err != nil {
		return fmt.Errorf("mcp: resources/list: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("mcp: resources/list: %s", resp.Error.Message)
	}
	var body struct {
		Resources []Resource `json:"resources"`
	}
	if err := json.Unmarshal(resp.Result, &body); err != nil {
		return fmt.Errorf("mcp: malformed resources/list result: %w", err)
	}
	c.Resources = body.Resources
	return nil
}

func (c *Connection) refreshPrompts() error {
	resp, err := c.transport.SendRequest("prompts/list", nil)
	if err != nil {
		return fmt.Errorf("mcp: prompts/list: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("mcp: prompts/list: %s", resp.Error.Message)
	}
	var body struct {
		Prompts []Prompt `json:"prompts"`
	}
	if err := json.Unmarshal(resp.Result, &body); err != nil {
		return fmt.Errorf("mcp: malformed prompts/list result: %w", err)
	}
	c.Prompts = body.Prompts
	return nil
}

// CallTool invokes a named tool with the given arguments.
func (c *Connection) CallTool(name string, arguments map[string]any) (*CallToolResult, error) {
	resp, err := c.transport.SendRequest("tools/call", map[string]any{"name": name, "arguments": arguments})
	if err != nil {
		return nil, fmt.Errorf("mcp: tools/call %s: %w", name, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp: tools/call %s: %s", name, resp.Error.Message)
	}
	var result CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcp: malformed tools/call result: %w", err)
	}
	return &result, nil
}

// ReadResource reads a resource by URI.
func (c *Connection) ReadResource(uri string) (*ReadResourceResult, error) {
	resp, err := c.transport.SendRequest("resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, fmt.Errorf("mcp: resources/read %s: %w", uri, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp: resources/read %s: %s", uri, resp.Error.Message)
	}
	var result ReadResourceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcp: malformed resources/read result: %w", err)
	}
	return &result, nil
}

// GetPrompt renders a named prompt with the given arguments.
func (c *Connection) GetPrompt(name string, arguments map[string]any) (*GetPromptResult, error) {
	resp, err := c.transport.SendRequest("prompts/get", map[string]any{"name": name, "arguments": arguments})
	if err != nil {
		return nil, fmt.Errorf("mcp: prompts/get %s: %w", name, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp: prompts/get %s: %s", name, resp.Error.Message)
	}
	var result GetPromptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcp: malformed prompts/get result: %w", err)
	}
	return &result, nil
}

// Disconnect clears discovered catalogs and tears down the transport.
func (c *Connection) Disconnect() error {
	c.Tools = nil
	c.Resources = nil
	c.Prompts = nil
	return c.transport.Disconnect()
}
