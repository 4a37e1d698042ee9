package sdpapi

import (
	"sync"
	"time"
)

// metadataKind names one of the SaaS's enumerations the cache snapshots.
type metadataKind string

const (
	KindPriority    metadataKind = "priority"
	KindStatus      metadataKind = "status"
	KindCategory    metadataKind = "category"
	KindMode        metadataKind = "mode"
	KindImpact      metadataKind = "impact"
	KindUrgency     metadataKind = "urgency"
	KindLevel       metadataKind = "level"
	KindRequestType metadataKind = "request_type"
	KindClosureCode metadataKind = "closure_code"
)

// MetadataKindFromString maps the MCP-facing enumeration name (as supplied
// by the get_metadata tool's "kind" argument) onto the internal
// metadataKind type. An unrecognized name passes through unchanged, which
// metadataResource renders as its own string — the upstream API then
// reports UpstreamNotFound rather than the broker silently coercing it.
func MetadataKindFromString(kind string) metadataKind {
	return metadataKind(kind)
}

// MetadataEntry is one named enumeration value with its upstream id.
type MetadataEntry struct {
	ID   string
	Name string
}

type tenantSnapshot struct {
	fetchedAt     time.Time
	entries       map[metadataKind][]MetadataEntry
	subcategories map[string][]MetadataEntry // keyed by parent category id
}

// MetadataCache is a per-tenant, short-TTL, read-copy-update snapshot of
// the SaaS's enumerations. Every dependent operation must tolerate a cold
// cache (a nil or expired snapshot), since this is purely an optimization:
// callers fall back to an on-demand lookup via Client.ListMetadata or
// Client.ListSubcategories.
type MetadataCache struct {
	ttl time.Duration

	mu        sync.RWMutex
	snapshots map[string]*tenantSnapshot
}

// NewMetadataCache builds an empty cache with the given TTL.
func NewMetadataCache(ttl time.Duration) *MetadataCache {
	return &MetadataCache{ttl: ttl, snapshots: make(map[string]*tenantSnapshot)}
}

// Get returns the cached entries for (tenantID, kind) if present and not
// expired. A miss (ok=false) is not an error — callers must fetch fresh.
func (c *MetadataCache) Get(tenantID string, kind metadataKind) ([]MetadataEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.snapshots[tenantID]
	if !ok || time.Since(snap.fetchedAt) > c.ttl {
		return nil, false
	}
	entries, ok := snap.entries[kind]
	return entries, ok
}

// GetSubcategories returns the cached subcategories of a parent category id.
func (c *MetadataCache) GetSubcategories(tenantID, categoryID string) ([]MetadataEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.snapshots[tenantID]
	if !ok || time.Since(snap.fetchedAt) > c.ttl {
		return nil, false
	}
	entries, ok := snap.subcategories[categoryID]
	return entries, ok
}

// Put replaces one kind's entries for a tenant. Swapping in the new slice
// under the write lock is the "atomic" half of read-copy-update: a concurrent Get
// observes either the old slice or the new one, never a half-built one.
func (c *MetadataCache) Put(tenantID string, kind metadataKind, entries []MetadataEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.snapshotFor(tenantID)
	snap.entries[kind] = entries
	snap.fetchedAt = time.Now()
}

// PutSubcategories replaces the cached subcategories of a parent category.
func (c *MetadataCache) PutSubcategories(tenantID, categoryID string, entries []MetadataEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.snapshotFor(tenantID)
	snap.subcategories[categoryID] = entries
	snap.fetchedAt = time.Now()
}

func (c *MetadataCache) snapshotFor(tenantID string) *tenantSnapshot {
	snap, ok := c.snapshots[tenantID]
	if !ok {
		snap = &tenantSnapshot{
			entries:       make(map[metadataKind][]MetadataEntry),
			subcategories: make(map[string][]MetadataEntry),
		}
		c.snapshots[tenantID] = snap
	}
	return snap
}

// Invalidate drops a tenant's whole snapshot, forcing the next read to
// refetch. Called after write operations that plausibly change
// enumerations.
func (c *MetadataCache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, tenantID)
}

// ResolveByName looks up an entry's id by name within a cached kind,
// returning "" and ok=false when the cache is cold or has no such name —
// the caller then posts {name: ...} instead of {id: ...}, which the SaaS
// also accepts.
func (c *MetadataCache) ResolveByName(tenantID string, kind metadataKind, name string) (id string, ok bool) {
	entries, present := c.Get(tenantID, kind)
	if !present {
		return "", false
	}
	for _, e := range entries {
		if e.Name == name {
			return e.ID, true
		}
	}
	return "", false
}
