// Package registry implements the process-wide cross-connection lookup
// tables (C9): tool/resource/prompt name to owning connection, plus an
// LRU+TTL cache for resource reads.
package registry

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/inferd-run/inferd/internal/mcp/client"
)

// ToolEntry binds a discovered tool to the connection that owns it.
type ToolEntry struct {
	ConnectionID string
	Tool         client.Tool
}

// ResourceEntry binds a discovered resource to the connection that owns it.
type ResourceEntry struct {
	ConnectionID string
	Resource     client.Resource
}

// PromptEntry binds a discovered prompt to the connection that owns it.
type PromptEntry struct {
	ConnectionID string
	Prompt       client.Prompt
}

// Registry is the process-wide name -> (connectionId, item) lookup table.
// Registering a connection overwrites any prior entries with colliding
// names; unregistering removes every entry that connection contributed.
type Registry struct {
	mu sync.RWMutex

	tools     map[string]ToolEntry
	resources map[string]ResourceEntry
	prompts   map[string]PromptEntry

	// byConnection tracks which names a connection contributed, so
	// Unregister can remove exactly those entries without scanning every map.
	byConnection map[string]ownedNames

	stats *ToolStats
}

type ownedNames struct {
	tools     []string
	resources []string
	prompts   []string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		tools:        make(map[string]ToolEntry),
		resources:    make(map[string]ResourceEntry),
		prompts:      make(map[string]PromptEntry),
		byConnection: make(map[string]ownedNames),
		stats:        NewToolStats(),
	}
}

// RecordToolCall records the outcome of a tool invocation for health
// classification. It is safe to call for tool names that are not (or are no
// longer) present in the registry.
func (r *Registry) RecordToolCall(name string, latencyMs int64, isError bool) {
	r.stats.Record(name, latencyMs, isError)
}

// ToolHealth returns the rolling-window latency and error-rate snapshot for
// name. ok is false if no calls have been recorded for that tool.
func (r *Registry) ToolHealth(name string) (ToolStat, bool) {
	return r.stats.Snapshot(name)
}

// ToolUnhealthy reports whether the recent error rate for name meets or
// exceeds threshold. Tools with no recorded calls are never unhealthy.
func (r *Registry) ToolUnhealthy(name string, threshold float64) bool {
	return r.stats.Unhealthy(name, threshold)
}

// Register adds every catalog entry conn discovered, displacing any prior
// entry with the same name (from this or another connection).
func (r *Registry) Register(conn *client.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owned := ownedNames{}
	for _, tool := range conn.Tools {
		r.tools[tool.Name] = ToolEntry{ConnectionID: conn.ID, Tool: tool}
		owned.tools = append(owned.tools, tool.Name)
	}
	for _, res := range conn.Resources {
		r.resources[res.URI] = ResourceEntry{ConnectionID: conn.ID, Resource: res}
		owned.resources = append(owned.resources, res.URI)
	}
	for _, p := range conn.Prompts {
		r.prompts[p.Name] = PromptEntry{ConnectionID: conn.ID, Prompt: p}
		owned.prompts = append(owned.prompts, p.Name)
	}
	r.byConnection[conn.ID] = owned
}

// Unregister removes every entry contributed by connectionID.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owned, ok := r.byConnection[connectionID]
	if !ok {
		return
	}
	for _, name := range owned.tools {
		if e, ok := r.tools[name]; ok && e.ConnectionID == connectionID {
			delete(r.tools, name)
		}
	}
	for _, uri := range owned.resources {
		if e, ok := r.resources[uri]; ok && e.ConnectionID == connectionID {
			delete(r.resources, uri)
		}
	}
	for _, name := range owned.prompts {
		if e, ok := r.prompts[name]; ok && e.ConnectionID == connectionID {
			delete(r.prompts, name)
		}
	}
	delete(r.byConnection, connectionID)
}

// LookupTool returns the entry registered under name, if any.
func (r *Registry) LookupTool(name string) (ToolEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e, ok
}

// LookupResource returns the entry registered under uri, if any.
func (r *Registry) LookupResource(uri string) (ResourceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.resources[uri]
	return e, ok
}

// LookupPrompt returns the entry registered under name, if any.
func (r *Registry) LookupPrompt(name string) (PromptEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.prompts[name]
	return e, ok
}

// SearchTools returns every tool whose name or description contains query
// as a case-insensitive substring.
func (r *Registry) SearchTools(query string) []ToolEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q := strings.ToLower(query)
	var out []ToolEntry
	for _, e := range r.tools {
		if strings.Contains(strings.ToLower(e.Tool.Name), q) || strings.Contains(strings.ToLower(e.Tool.Description), q) {
			out = append(out, e)
		}
	}
	return out
}

// Default resource cache tuning, per §4.9.
const (
	defaultCacheSize = 1000
	defaultCacheTTL  = 15 * time.Minute
)

// CacheStats reports the resource cache's cumulative counters.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

type cacheEntry struct {
	key       string
	value     *client.ReadResourceResult
	expiresAt time.Time
}

// ResourceCache is an LRU cache of resource reads with a per-entry TTL.
// Eviction happens both on TTL expiry (checked lazily on Get) and on
// capacity overflow (checked on Put).
type ResourceCache struct {
	maxSize int
	ttl     time.Duration

	mu      sync.Mutex
	ll      *list.List // front = most recently used
	entries map[string]*list.Element

	hits, misses, evictions int64
}

// NewResourceCache creates a cache. size<=0 and ttl<=0 fall back to the
// documented defaults (1000 entries, 15 minutes).
func NewResourceCache(size int, ttl time.Duration) *ResourceCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &ResourceCache{
		maxSize: size,
		ttl:     ttl,
		ll:      list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Get returns the cached result for key if present and not expired.
func (c *ResourceCache) Get(key string) (*client.ReadResourceResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.ll.Remove(el)
		delete(c.entries, key)
		c.misses++
		c.evictions++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return entry.value, true
}

// Put inserts or refreshes key's cached value, evicting the least-recently
// used entry if the cache is at capacity.
func (c *ResourceCache) Put(key string, value *client.ReadResourceResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).value = value
		el.Value.(*cacheEntry).expiresAt = time.Now().Add(c.ttl)
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&cacheEntry{key: key, value: value, expiresAt: time.Now().Add(c.ttl)})
	c.entries[key] = el

	if c.ll.Len() > c.maxSize {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
			c.evictions++
		}
	}
}

// Stats returns a snapshot of cumulative hit/miss/eviction counters.
func (c *ResourceCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
}
