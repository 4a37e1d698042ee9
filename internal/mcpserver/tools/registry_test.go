package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sdpbridge/mcp-broker/internal/brokererr"
	"github.com/sdpbridge/mcp-broker/internal/tenant"
)

func grantedOnly(scopes ...tenant.Scope) map[tenant.Scope]struct{} {
	m := make(map[tenant.Scope]struct{}, len(scopes))
	for _, s := range scopes {
		m[s] = struct{}{}
	}
	return m
}

func echoHandler(_ context.Context, _ *ToolContext, raw json.RawMessage) (interface{}, error) {
	return map[string]string{"echo": string(raw)}, nil
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	def := ToolDefinition{Name: "dup"}
	require.NoError(t, r.Register(def, echoHandler))
	require.Error(t, r.Register(def, echoHandler))
}

func TestRegisterRejectsEmptyNameOrNilHandler(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(ToolDefinition{}, echoHandler))
	require.Error(t, r.Register(ToolDefinition{Name: "x"}, nil))
}

func TestListOmitsToolsMissingRequiredScopes(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(ToolDefinition{Name: "readonly", RequiredScopes: []tenant.Scope{tenant.ScopeRequestsRead}}, echoHandler)
	r.MustRegister(ToolDefinition{Name: "write", RequiredScopes: []tenant.Scope{tenant.ScopeRequestsWrite}}, echoHandler)
	r.MustRegister(ToolDefinition{Name: "open"}, echoHandler)

	descriptors := r.List(grantedOnly(tenant.ScopeRequestsRead))

	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.Name)
	}
	require.ElementsMatch(t, []string{"readonly", "open"}, names)
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(ToolDefinition{Name: "b"}, echoHandler)
	r.MustRegister(ToolDefinition{Name: "a"}, echoHandler)
	r.MustRegister(ToolDefinition{Name: "c"}, echoHandler)

	descriptors := r.List(nil)
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.Name)
	}
	require.Equal(t, []string{"b", "a", "c"}, names)
}

func TestCallRejectsUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Call(context.Background(), &ToolContext{Tenant: &tenant.Tenant{}}, CallRequest{Name: "missing"})
	require.Error(t, err)
	var be *brokererr.Error
	require.ErrorAs(t, err, &be)
	require.Equal(t, brokererr.KindMethodNotFound, be.Kind)
}

func TestCallRejectsMissingScope(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(ToolDefinition{Name: "guarded", RequiredScopes: []tenant.Scope{tenant.ScopeRequestsWrite}}, echoHandler)

	tc := &ToolContext{Tenant: &tenant.Tenant{Scopes: grantedOnly(tenant.ScopeRequestsRead)}}
	_, err := r.Call(context.Background(), tc, CallRequest{Name: "guarded"})
	require.Error(t, err)
	var be *brokererr.Error
	require.ErrorAs(t, err, &be)
	require.Equal(t, brokererr.KindForbiddenByScope, be.Kind)
}

func TestCallWrapsHandlerResultInContentBlock(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(ToolDefinition{Name: "echo"}, echoHandler)

	tc := &ToolContext{Tenant: &tenant.Tenant{}}
	result, err := r.Call(context.Background(), tc, CallRequest{Name: "echo", Arguments: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)

	cr, ok := result.(CallResult)
	require.True(t, ok)
	require.Len(t, cr.Content, 1)
	require.Equal(t, "text", cr.Content[0].Type)
	require.Contains(t, cr.Content[0].Text, "echo")
}

func TestCallPropagatesHandlerError(t *testing.T) {
	r := NewRegistry()
	wantErr := brokererr.New(brokererr.KindUpstreamNotFound, "not found")
	r.MustRegister(ToolDefinition{Name: "fails"}, func(context.Context, *ToolContext, json.RawMessage) (interface{}, error) {
		return nil, wantErr
	})

	tc := &ToolContext{Tenant: &tenant.Tenant{}}
	_, err := r.Call(context.Background(), tc, CallRequest{Name: "fails"})
	require.ErrorIs(t, err, wantErr)
}

func TestGetReturnsDefinitionByName(t *testing.T) {
	r := NewRegistry()
	def := ToolDefinition{Name: "x", Description: "desc"}
	r.MustRegister(def, echoHandler)

	got, ok := r.Get("x")
	require.True(t, ok)
	require.Equal(t, "desc", got.Description)

	_, ok = r.Get("missing")
	require.False(t, ok)
}
