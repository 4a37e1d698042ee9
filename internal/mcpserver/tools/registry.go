package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sdpbridge/mcp-broker/internal/brokererr"
	"github.com/sdpbridge/mcp-broker/internal/tenant"
)

// Registry is the static tool-name -> (schema, handler, required scopes)
// map §4.8 describes. One instance serves every tenant; per-call
// authorization is scope-based, not per-tenant state on the registry
// itself.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*toolEntry
	ordering []string // preserves registration order for tools/list
}

type toolEntry struct {
	def     ToolDefinition
	handler Handler
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*toolEntry)}
}

// Register adds a tool definition and handler to the registry.
func (r *Registry) Register(def ToolDefinition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}

	r.tools[def.Name] = &toolEntry{def: def, handler: handler}
	r.ordering = append(r.ordering, def.Name)
	return nil
}

// MustRegister registers a tool or panics (for init-time registration).
func (r *Registry) MustRegister(def ToolDefinition, handler Handler) {
	if err := r.Register(def, handler); err != nil {
		panic(err)
	}
}

// List returns the tool descriptors visible to a tenant holding the given
// granted scopes: tools/list is a pure function of the registry and the
// tenant's scopes (§4.8) — a tool whose required scopes are not all granted
// is omitted entirely, not just disabled.
func (r *Registry) List(granted map[tenant.Scope]struct{}) []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]ToolDescriptor, 0, len(r.ordering))
	for _, name := range r.ordering {
		entry := r.tools[name]
		if !scopesGranted(entry.def.RequiredScopes, granted) {
			continue
		}
		descriptors = append(descriptors, ToolDescriptor{
			Name:        entry.def.Name,
			Description: entry.def.Description,
			InputSchema: entry.def.InputSchema,
		})
	}
	return descriptors
}

// Call executes a tool by name, enforcing the §4.8 tools/call sequence:
// lookup, scope check, then handler invocation. Schema validation of
// Arguments is each handler's own responsibility (via decodeArgs), since
// only the handler knows which fields are actually required.
func (r *Registry) Call(ctx context.Context, toolCtx *ToolContext, req CallRequest) (interface{}, error) {
	r.mu.RLock()
	entry, exists := r.tools[req.Name]
	r.mu.RUnlock()

	if !exists {
		return nil, brokererr.New(brokererr.KindMethodNotFound, fmt.Sprintf("tool not found: %s", req.Name))
	}

	if !scopesGranted(entry.def.RequiredScopes, toolCtx.Tenant.Scopes) {
		return nil, brokererr.New(brokererr.KindForbiddenByScope, fmt.Sprintf("tool %s requires a scope this tenant has not granted", req.Name))
	}

	result, err := entry.handler(ctx, toolCtx, req.Arguments)
	if err != nil {
		return nil, err
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, brokererr.New(brokererr.KindInternal, "failed to serialize tool result")
	}

	return CallResult{
		Content: []ContentBlock{{Type: "text", Text: string(resultJSON)}},
	}, nil
}

// Get retrieves a tool definition by name (used by tests).
func (r *Registry) Get(name string) (*ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.tools[name]
	if !exists {
		return nil, false
	}
	return &entry.def, true
}

func scopesGranted(required []tenant.Scope, granted map[tenant.Scope]struct{}) bool {
	for _, s := range required {
		if _, ok := granted[s]; !ok {
			return false
		}
	}
	return true
}
