package sdpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/sdpbridge/mcp-broker/internal/brokererr"
	"github.com/sdpbridge/mcp-broker/internal/tenant"
)

// Reference is a nested {id} / {name} / {email_id} object, the shape SDP
// uses for every relational field (requester, technician, category, ...).
// The adapter prefers id when the MetadataCache resolved one; otherwise it
// falls back to name (or email_id for requester), which the SaaS also
// accepts.
type Reference struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	EmailID string `json:"email_id,omitempty"`
}

// ListFilter carries the pagination and search parameters for
// list_requests / list_technicians.
type ListFilter struct {
	RowCount       int
	StartIndex     int
	GetTotalCount  bool
	SearchCriteria Criterion
}

// listInfo clamps and normalizes pagination per §4.7/§8 boundary rules:
// row_count <= 100, start_index is 1-based (0 normalizes to 1).
func (f ListFilter) listInfo() map[string]any {
	rowCount := f.RowCount
	if rowCount <= 0 {
		rowCount = 100
	}
	if rowCount > 100 {
		rowCount = 100
	}
	startIndex := f.StartIndex
	if startIndex <= 0 {
		startIndex = 1
	}

	li := map[string]any{
		"row_count":   rowCount,
		"start_index": startIndex,
	}
	if f.GetTotalCount {
		li["get_total_count"] = true
	}
	if sc := Serialize(f.SearchCriteria); sc != nil {
		li["search_criteria"] = sc
	}
	return li
}

// Request is the subset of SDP request fields the broker's tools expose.
type Request struct {
	ID          string `json:"id,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Description string `json:"description,omitempty"`
}

// ListRequests implements list_requests(filter, page).
func (c *Client) ListRequests(ctx context.Context, t *tenant.Tenant, filter ListFilter) (json.RawMessage, error) {
	query := url.Values{"input_data": {mustJSON(map[string]any{"list_info": filter.listInfo()})}}
	return c.call(ctx, t, http.MethodGet, "requests", query, nil)
}

// GetRequest implements get_request(id).
func (c *Client) GetRequest(ctx context.Context, t *tenant.Tenant, id string) (json.RawMessage, error) {
	return c.call(ctx, t, http.MethodGet, "requests/"+id, nil, nil)
}

// CreateRequestInput is the caller-supplied shape for create_request. Some
// instances reject priority on create (§4.7); when PriorityName is set the
// adapter omits it from the create call and issues a follow-up
// update_request instead.
type CreateRequestInput struct {
	Subject      string
	Description  string
	RequesterRef Reference
	CategoryRef  Reference
	SubcategoryRef Reference
	PriorityName string
}

// CreateRequest implements create_request(fields), including the
// subcategory-parent-resolution and deferred-priority rules.
func (c *Client) CreateRequest(ctx context.Context, t *tenant.Tenant, in CreateRequestInput) (json.RawMessage, error) {
	fields := map[string]any{
		"subject":     in.Subject,
		"description": in.Description,
	}
	if in.RequesterRef != (Reference{}) {
		fields["requester"] = in.RequesterRef
	}
	if in.CategoryRef != (Reference{}) {
		fields["category"] = c.resolveReference(t.ID, KindCategory, in.CategoryRef)
	}
	if in.SubcategoryRef != (Reference{}) {
		sub, err := c.resolveSubcategory(ctx, t, in.CategoryRef, in.SubcategoryRef)
		if err != nil {
			return nil, err
		}
		fields["subcategory"] = sub
	}

	body := map[string]any{"request": fields}
	raw, err := c.call(ctx, t, http.MethodPost, "requests", nil, body)
	if err != nil {
		var bErr *brokererr.Error
		if asBrokerErr(err, &bErr) && bErr.Kind == brokererr.KindUpstreamValidation {
			return nil, bErr
		}
		return nil, err
	}

	if in.PriorityName == "" {
		return raw, nil
	}

	id := extractRequestID(raw)
	if id == "" {
		return raw, nil
	}
	return c.UpdateRequest(ctx, t, id, map[string]any{"priority": Reference{Name: in.PriorityName}})
}

// UpdateRequest implements update_request(id, fields).
func (c *Client) UpdateRequest(ctx context.Context, t *tenant.Tenant, id string, fields map[string]any) (json.RawMessage, error) {
	body := map[string]any{"request": fields}
	return c.call(ctx, t, http.MethodPut, "requests/"+id, nil, body)
}

// ClosureInput carries the closure comment and (optionally, when the
// instance demands it) a closure code.
type ClosureInput struct {
	Comments     string
	ClosureCode  string
}

// CloseRequest implements close_request(id, closure), including the
// closure_code retry rule: if the instance rejects a missing closure_code,
// the adapter retries once with a code resolved from MetadataCache
// (default: first active code).
func (c *Client) CloseRequest(ctx context.Context, t *tenant.Tenant, id string, in ClosureInput) (json.RawMessage, error) {
	fields := map[string]any{
		"status":       Reference{Name: "Closed"},
		"closure_info": c.closureInfo(in),
	}
	body := map[string]any{"request": fields}

	raw, err := c.call(ctx, t, http.MethodPut, "requests/"+id, nil, body)
	if err == nil {
		return raw, nil
	}

	var bErr *brokererr.Error
	if !asBrokerErr(err, &bErr) || bErr.Kind != brokererr.KindUpstreamValidation || in.ClosureCode != "" {
		return nil, err
	}

	code := c.defaultClosureCode(ctx, t)
	if code == "" {
		return nil, err
	}
	in.ClosureCode = code
	fields["closure_info"] = c.closureInfo(in)
	body = map[string]any{"request": fields}
	return c.call(ctx, t, http.MethodPut, "requests/"+id, nil, body)
}

func (c *Client) closureInfo(in ClosureInput) map[string]any {
	info := map[string]any{"closure_comments": in.Comments}
	if in.ClosureCode != "" {
		info["closure_code"] = Reference{Name: in.ClosureCode}
	}
	return info
}

// defaultClosureCode returns the first active closure code's name for t,
// loading the MetadataCache on demand when it is cold (§4.7: "resolved from
// MetadataCache" must tolerate a cold cache, the same way resolveSubcategory
// falls back to ListSubcategories).
func (c *Client) defaultClosureCode(ctx context.Context, t *tenant.Tenant) string {
	entries, ok := c.cache.Get(t.ID, KindClosureCode)
	if !ok {
		if _, err := c.ListMetadata(ctx, t, KindClosureCode); err != nil {
			return ""
		}
		entries, _ = c.cache.Get(t.ID, KindClosureCode)
	}
	if len(entries) == 0 {
		return ""
	}
	return entries[0].Name
}

// AddNoteInput carries one note's visibility and notification flags.
// ShowToRequester=true causes the SaaS to send email to the requester;
// MarkFirstResponse is tracked separately from visibility.
type AddNoteInput struct {
	Body              string
	ShowToRequester   bool
	MarkFirstResponse bool
}

// AddNote implements add_note(id, body, visibility, notify_flags).
func (c *Client) AddNote(ctx context.Context, t *tenant.Tenant, requestID string, in AddNoteInput) (json.RawMessage, error) {
	body := map[string]any{
		"request_note": map[string]any{
			"description":         in.Body,
			"show_to_requester":   in.ShowToRequester,
			"mark_first_response": in.MarkFirstResponse,
		},
	}
	return c.call(ctx, t, http.MethodPost, "requests/"+requestID+"/notes", nil, body)
}

// ListNotes implements list_notes(id).
func (c *Client) ListNotes(ctx context.Context, t *tenant.Tenant, requestID string) (json.RawMessage, error) {
	return c.call(ctx, t, http.MethodGet, "requests/"+requestID+"/notes", nil, nil)
}

// ListMetadata implements list_metadata(kind), populating the
// MetadataCache as a side effect.
func (c *Client) ListMetadata(ctx context.Context, t *tenant.Tenant, kind metadataKind) (json.RawMessage, error) {
	resource := metadataResource(kind)
	raw, err := c.call(ctx, t, http.MethodGet, resource, nil, nil)
	if err != nil {
		return nil, err
	}
	entries := extractMetadataEntries(raw, resource)
	c.cache.Put(t.ID, kind, entries)
	return raw, nil
}

// ListSubcategories implements list_subcategories(category_id).
func (c *Client) ListSubcategories(ctx context.Context, t *tenant.Tenant, categoryID string) (json.RawMessage, error) {
	query := url.Values{"input_data": {mustJSON(map[string]any{
		"list_info": map[string]any{
			"search_criteria": Serialize(Criterion{Field: "category.id", Condition: ConditionIs, Value: categoryID}),
		},
	})}}
	raw, err := c.call(ctx, t, http.MethodGet, "subcategories", query, nil)
	if err != nil {
		return nil, err
	}
	c.cache.PutSubcategories(t.ID, categoryID, extractMetadataEntries(raw, "subcategories"))
	return raw, nil
}

// ListTechnicians implements list_technicians(filter).
func (c *Client) ListTechnicians(ctx context.Context, t *tenant.Tenant, filter ListFilter) (json.RawMessage, error) {
	query := url.Values{"input_data": {mustJSON(map[string]any{"list_info": filter.listInfo()})}}
	return c.call(ctx, t, http.MethodGet, "technicians", query, nil)
}

// resolveReference chooses {id} when the MetadataCache knows one for
// ref.Name, else passes ref through unchanged (by name, or by email_id for
// requesters).
func (c *Client) resolveReference(tenantID string, kind metadataKind, ref Reference) Reference {
	if ref.ID != "" || ref.Name == "" {
		return ref
	}
	if id, ok := c.cache.ResolveByName(tenantID, kind, ref.Name); ok {
		return Reference{ID: id}
	}
	return ref
}

// resolveSubcategory resolves a subcategory's parent category id before
// posting, as §4.7 requires: subcategory must belong to the chosen
// category, and the SaaS rejects ambiguous subcategory names otherwise.
func (c *Client) resolveSubcategory(ctx context.Context, t *tenant.Tenant, categoryRef, subcategoryRef Reference) (Reference, error) {
	if subcategoryRef.ID != "" {
		return subcategoryRef, nil
	}
	categoryID := categoryRef.ID
	if categoryID == "" && categoryRef.Name != "" {
		if id, ok := c.cache.ResolveByName(t.ID, KindCategory, categoryRef.Name); ok {
			categoryID = id
		}
	}
	if categoryID == "" {
		return subcategoryRef, nil
	}

	entries, ok := c.cache.GetSubcategories(t.ID, categoryID)
	if !ok {
		if _, err := c.ListSubcategories(ctx, t, categoryID); err != nil {
			return subcategoryRef, nil
		}
		entries, _ = c.cache.GetSubcategories(t.ID, categoryID)
	}
	for _, e := range entries {
		if e.Name == subcategoryRef.Name {
			return Reference{ID: e.ID}, nil
		}
	}
	return subcategoryRef, nil
}

func metadataResource(kind metadataKind) string {
	switch kind {
	case KindPriority:
		return "priorities"
	case KindStatus:
		return "statuses"
	case KindCategory:
		return "categories"
	case KindMode:
		return "modes"
	case KindImpact:
		return "impacts"
	case KindUrgency:
		return "urgencies"
	case KindLevel:
		return "levels"
	case KindRequestType:
		return "request_types"
	case KindClosureCode:
		return "closure_codes"
	default:
		return string(kind)
	}
}

func extractMetadataEntries(raw json.RawMessage, resource string) []MetadataEntry {
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil
	}
	listRaw, ok := decoded[resource]
	if !ok {
		return nil
	}
	var items []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(listRaw, &items); err != nil {
		return nil
	}
	entries := make([]MetadataEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, MetadataEntry{ID: item.ID, Name: item.Name})
	}
	return entries
}

func extractRequestID(raw json.RawMessage) string {
	var decoded struct {
		Request struct {
			ID string `json:"id"`
		} `json:"request"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ""
	}
	return decoded.Request.ID
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func asBrokerErr(err error, target **brokererr.Error) bool {
	be, ok := err.(*brokererr.Error)
	if !ok {
		return false
	}
	*target = be
	return true
}
