package tools

import (
	"context"
	"encoding/json"

	"github.com/sdpbridge/mcp-broker/internal/sdpapi"
	"github.com/sdpbridge/mcp-broker/internal/tenant"
)

// RegisterAllTools registers every SDP-domain tool the broker exposes.
func RegisterAllTools(r *Registry) {
	r.MustRegister(listRequestsDef, handleListRequests)
	r.MustRegister(getRequestDef, handleGetRequest)
	r.MustRegister(createRequestDef, handleCreateRequest)
	r.MustRegister(updateRequestDef, handleUpdateRequest)
	r.MustRegister(closeRequestDef, handleCloseRequest)
	r.MustRegister(addNoteDef, handleAddNote)
	r.MustRegister(listNotesDef, handleListNotes)
	r.MustRegister(searchRequestsDef, handleSearchRequests)
	r.MustRegister(replyToRequesterDef, handleReplyToRequester)
	r.MustRegister(getTechniciansDef, handleGetTechnicians)
	r.MustRegister(getMetadataDef, handleGetMetadata)
	r.MustRegister(whoamiDef, handleWhoami)
}

func refSchema(description string) map[string]any {
	schema := BuildSchema(map[string]any{
		"id":       StringSchema("Upstream id, preferred when known"),
		"name":     StringSchema("Display name, used when id is unknown"),
		"email_id": StringSchema("Email address (requester only)"),
	}, nil)
	schema["description"] = description
	return schema
}

// --- list_requests -----------------------------------------------------

var listRequestsDef = ToolDefinition{
	Name:        "list_requests",
	Description: "List service desk requests, optionally filtered and paginated.",
	InputSchema: BuildSchema(map[string]any{
		"row_count":       IntegerSchema("Max rows to return (1-100, default 100)", nil, nil),
		"start_index":     IntegerSchema("1-based start index (default 1)", nil, nil),
		"get_total_count": BooleanSchema("Include the total matching count"),
	}, nil),
	RequiredScopes: []tenant.Scope{tenant.ScopeRequestsRead},
}

type listRequestsArgs struct {
	RowCount      int  `json:"row_count"`
	StartIndex    int  `json:"start_index"`
	GetTotalCount bool `json:"get_total_count"`
}

func handleListRequests(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var args listRequestsArgs
	if len(raw) > 0 {
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
	}
	return tc.Client.ListRequests(ctx, tc.Tenant, sdpapi.ListFilter{
		RowCount:      args.RowCount,
		StartIndex:    args.StartIndex,
		GetTotalCount: args.GetTotalCount,
	})
}

// --- search_requests (supplemented) ------------------------------------

var searchRequestsDef = ToolDefinition{
	Name:        "search_requests",
	Description: "List requests matching a structured search-criteria tree (field/condition/value, optionally nested with AND/OR).",
	InputSchema: BuildSchema(map[string]any{
		"criteria": ObjectSchema("A search-criteria tree: {field, condition, value|values} or {logical_operator, children:[...]}"),
		"row_count": IntegerSchema("Max rows to return (1-100, default 100)", nil, nil),
	}, []string{"criteria"}),
	RequiredScopes: []tenant.Scope{tenant.ScopeRequestsRead},
}

type searchRequestsArgs struct {
	Criteria map[string]any `json:"criteria"`
	RowCount int            `json:"row_count"`
}

func handleSearchRequests(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var args searchRequestsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return tc.Client.ListRequests(ctx, tc.Tenant, sdpapi.ListFilter{
		RowCount:       args.RowCount,
		SearchCriteria: sdpapi.Parse(args.Criteria),
	})
}

// --- get_request ---------------------------------------------------------

var getRequestDef = ToolDefinition{
	Name:        "get_request",
	Description: "Fetch one service desk request by id.",
	InputSchema: BuildSchema(map[string]any{
		"id": StringSchema("Request id"),
	}, []string{"id"}),
	RequiredScopes: []tenant.Scope{tenant.ScopeRequestsRead},
}

type getRequestArgs struct {
	ID string `json:"id"`
}

func handleGetRequest(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var args getRequestArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireField("id", args.ID); err != nil {
		return nil, err
	}
	return tc.Client.GetRequest(ctx, tc.Tenant, args.ID)
}

// --- create_request ------------------------------------------------------

var createRequestDef = ToolDefinition{
	Name:        "create_request",
	Description: "Create a new service desk request.",
	InputSchema: BuildSchema(map[string]any{
		"subject":     StringSchema("Request subject line"),
		"description": StringSchema("Request body"),
		"requester":   refSchema("Requester reference"),
		"category":    refSchema("Category reference"),
		"subcategory": refSchema("Subcategory reference; resolved against its parent category"),
		"priority":    StringSchema("Priority name, applied via a follow-up update if the instance rejects it on create"),
	}, []string{"subject", "description"}),
	RequiredScopes: []tenant.Scope{tenant.ScopeRequestsWrite},
}

type refArgs struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	EmailID string `json:"email_id"`
}

func (r refArgs) toReference() sdpapi.Reference {
	return sdpapi.Reference{ID: r.ID, Name: r.Name, EmailID: r.EmailID}
}

type createRequestArgs struct {
	Subject     string  `json:"subject"`
	Description string  `json:"description"`
	Requester   refArgs `json:"requester"`
	Category    refArgs `json:"category"`
	Subcategory refArgs `json:"subcategory"`
	Priority    string  `json:"priority"`
}

func handleCreateRequest(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var args createRequestArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireField("subject", args.Subject); err != nil {
		return nil, err
	}
	return tc.Client.CreateRequest(ctx, tc.Tenant, sdpapi.CreateRequestInput{
		Subject:        args.Subject,
		Description:    args.Description,
		RequesterRef:   args.Requester.toReference(),
		CategoryRef:    args.Category.toReference(),
		SubcategoryRef: args.Subcategory.toReference(),
		PriorityName:   args.Priority,
	})
}

// --- update_request ------------------------------------------------------

var updateRequestDef = ToolDefinition{
	Name:        "update_request",
	Description: "Update fields on an existing request.",
	InputSchema: BuildSchema(map[string]any{
		"id":     StringSchema("Request id"),
		"fields": ObjectSchema("Partial set of request fields to update, e.g. {\"priority\": {\"name\": \"High\"}}"),
	}, []string{"id", "fields"}),
	RequiredScopes: []tenant.Scope{tenant.ScopeRequestsWrite},
}

type updateRequestArgs struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

func handleUpdateRequest(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var args updateRequestArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireField("id", args.ID); err != nil {
		return nil, err
	}
	return tc.Client.UpdateRequest(ctx, tc.Tenant, args.ID, args.Fields)
}

// --- close_request ---------------------------------------------------------

var closeRequestDef = ToolDefinition{
	Name:        "close_request",
	Description: "Close a request with a closure comment, retrying once with a default closure code if the instance requires one.",
	InputSchema: BuildSchema(map[string]any{
		"id":            StringSchema("Request id"),
		"comments":      StringSchema("Closure comments"),
		"closure_code":  StringSchema("Closure code name, optional"),
	}, []string{"id", "comments"}),
	RequiredScopes: []tenant.Scope{tenant.ScopeRequestsWrite},
}

type closeRequestArgs struct {
	ID          string `json:"id"`
	Comments    string `json:"comments"`
	ClosureCode string `json:"closure_code"`
}

func handleCloseRequest(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var args closeRequestArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireField("id", args.ID); err != nil {
		return nil, err
	}
	return tc.Client.CloseRequest(ctx, tc.Tenant, args.ID, sdpapi.ClosureInput{
		Comments:    args.Comments,
		ClosureCode: args.ClosureCode,
	})
}

// --- add_note ------------------------------------------------------------

var addNoteDef = ToolDefinition{
	Name:        "add_note",
	Description: "Add an internal note to a request. Use reply_to_requester instead to notify the requester by email.",
	InputSchema: BuildSchema(map[string]any{
		"id":                  StringSchema("Request id"),
		"body":                StringSchema("Note body"),
		"mark_first_response": BooleanSchema("Mark this note as the first response"),
	}, []string{"id", "body"}),
	RequiredScopes: []tenant.Scope{tenant.ScopeNotesWrite},
}

type addNoteArgs struct {
	ID                string `json:"id"`
	Body              string `json:"body"`
	MarkFirstResponse bool   `json:"mark_first_response"`
}

func handleAddNote(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var args addNoteArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireField("id", args.ID); err != nil {
		return nil, err
	}
	return tc.Client.AddNote(ctx, tc.Tenant, args.ID, sdpapi.AddNoteInput{
		Body:              args.Body,
		ShowToRequester:   false,
		MarkFirstResponse: args.MarkFirstResponse,
	})
}

// --- reply_to_requester (supplemented) ------------------------------------

var replyToRequesterDef = ToolDefinition{
	Name:        "reply_to_requester",
	Description: "Reply to the requester by email: adds a note with show_to_requester=true, distinct from an internal add_note.",
	InputSchema: BuildSchema(map[string]any{
		"id":                  StringSchema("Request id"),
		"body":                StringSchema("Reply body"),
		"mark_first_response": BooleanSchema("Mark this reply as the first response"),
	}, []string{"id", "body"}),
	RequiredScopes: []tenant.Scope{tenant.ScopeNotesWrite},
}

func handleReplyToRequester(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var args addNoteArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireField("id", args.ID); err != nil {
		return nil, err
	}
	return tc.Client.AddNote(ctx, tc.Tenant, args.ID, sdpapi.AddNoteInput{
		Body:              args.Body,
		ShowToRequester:   true,
		MarkFirstResponse: args.MarkFirstResponse,
	})
}

// --- list_notes ------------------------------------------------------------

var listNotesDef = ToolDefinition{
	Name:        "list_notes",
	Description: "List all notes on a request.",
	InputSchema: BuildSchema(map[string]any{
		"id": StringSchema("Request id"),
	}, []string{"id"}),
	RequiredScopes: []tenant.Scope{tenant.ScopeRequestsRead},
}

func handleListNotes(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var args getRequestArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireField("id", args.ID); err != nil {
		return nil, err
	}
	return tc.Client.ListNotes(ctx, tc.Tenant, args.ID)
}

// --- get_technicians (supplemented) ----------------------------------------

var getTechniciansDef = ToolDefinition{
	Name:        "get_technicians",
	Description: "List technicians, for populating assignee reference fields.",
	InputSchema: BuildSchema(map[string]any{
		"row_count": IntegerSchema("Max rows to return (1-100, default 100)", nil, nil),
	}, nil),
	RequiredScopes: []tenant.Scope{tenant.ScopeTechniciansRead},
}

func handleGetTechnicians(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var args listRequestsArgs
	if len(raw) > 0 {
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
	}
	return tc.Client.ListTechnicians(ctx, tc.Tenant, sdpapi.ListFilter{RowCount: args.RowCount})
}

// --- get_metadata (supplemented) -------------------------------------------

var getMetadataDef = ToolDefinition{
	Name:        "get_metadata",
	Description: "List one of the instance's enumerations (priority, status, category, mode, impact, urgency, level, request_type, closure_code) or, given a category_id, its subcategories.",
	InputSchema: BuildSchema(map[string]any{
		"kind":        EnumSchema("Enumeration kind", []string{"priority", "status", "category", "mode", "impact", "urgency", "level", "request_type", "closure_code", "subcategory"}),
		"category_id": StringSchema("Parent category id, required when kind=subcategory"),
	}, []string{"kind"}),
	RequiredScopes: []tenant.Scope{tenant.ScopeMetadataRead},
}

type getMetadataArgs struct {
	Kind       string `json:"kind"`
	CategoryID string `json:"category_id"`
}

func handleGetMetadata(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var args getMetadataArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireField("kind", args.Kind); err != nil {
		return nil, err
	}
	if args.Kind == "subcategory" {
		if err := requireField("category_id", args.CategoryID); err != nil {
			return nil, err
		}
		return tc.Client.ListSubcategories(ctx, tc.Tenant, args.CategoryID)
	}
	return tc.Client.ListMetadata(ctx, tc.Tenant, sdpapi.MetadataKindFromString(args.Kind))
}

// --- whoami (supplemented) --------------------------------------------------

var whoamiDef = ToolDefinition{
	Name:           "whoami",
	Description:    "Return the caller's tenant id, data center, granted scopes, and re-auth status.",
	InputSchema:    BuildSchema(nil, nil),
	RequiredScopes: nil,
}

type whoamiResult struct {
	TenantID    string   `json:"tenant_id"`
	DataCenter  string   `json:"data_center"`
	Instance    string   `json:"instance"`
	Scopes      []string `json:"scopes"`
	NeedsReauth bool     `json:"needs_reauth"`
}

func handleWhoami(_ context.Context, tc *ToolContext, _ json.RawMessage) (interface{}, error) {
	scopes := make([]string, 0, len(tc.Tenant.Scopes))
	for s := range tc.Tenant.Scopes {
		scopes = append(scopes, string(s))
	}
	return whoamiResult{
		TenantID:    tc.Tenant.ID,
		DataCenter:  string(tc.Tenant.DataCenter),
		Instance:    tc.Tenant.Instance,
		Scopes:      scopes,
		NeedsReauth: tc.NeedsReauth,
	}, nil
}
