package tools

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/sdpbridge/mcp-broker/internal/sdpapi"
	"github.com/sdpbridge/mcp-broker/internal/tenant"
)

// ToolContext is everything a Handler needs: the caller's resolved tenant
// (never taken from the JSON-RPC payload, only from the session), the
// UpstreamAdapter to compose operations against, and a logger pre-tagged
// with session/request identity.
type ToolContext struct {
	Tenant      *tenant.Tenant
	Client      *sdpapi.Client
	Logger      *zerolog.Logger
	NeedsReauth bool
}

// ToolDefinition describes an MCP tool: its name, description, argument
// schema, and the scopes a tenant must have been granted to invoke it.
type ToolDefinition struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	InputSchema    map[string]any `json:"inputSchema"`
	RequiredScopes []tenant.Scope `json:"-"`
}

// Handler processes one tool invocation.
type Handler func(context.Context, *ToolContext, json.RawMessage) (interface{}, error)

// ToolDescriptor is the tools/list wire shape (MCP specification format).
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// CallRequest is the tools/call params shape.
type CallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallResult wraps a tool's output in the MCP content envelope.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of tool output. Every tool in this broker
// returns a single "text" block carrying the JSON-encoded result, which is
// enough structure for an assistant to parse back out.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
