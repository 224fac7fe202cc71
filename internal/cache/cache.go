// Package cache keeps the latest event per business key under a hard size
// bound. Terminal orders are the first eviction candidates; within a
// preference class the least recently updated entry goes first.
package cache

import (
	"container/list"
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tapewire/tapewire/errs"
	"github.com/tapewire/tapewire/internal/schema"
	"github.com/tapewire/tapewire/internal/telemetry"
)

type entry struct {
	key string
	evt *schema.Event
}

// Cache is a thread-safe latest-value-per-key map bounded at maxEntries.
// It backs point snapshots and the query-unavailable fallback; it is not on
// the hot per-event read path.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	// recency orders entries most-recently-updated first; eviction scans
	// from the back.
	recency *list.List
	max     int

	entriesGauge    metric.Int64UpDownCounter
	evictionCounter metric.Int64Counter
}

// New constructs a cache bounded at maxEntries. The bound is mandatory;
// callers validate it before construction.
func New(maxEntries int) (*Cache, error) {
	if maxEntries <= 0 {
		return nil, errs.New("cache/new", errs.CodeInvalid,
			errs.WithMessage("maxEntries must be positive; the cache has no unlimited mode"))
	}
	c := &Cache{
		entries: make(map[string]*list.Element, maxEntries),
		recency: list.New(),
		max:     maxEntries,
	}

	meter := otel.Meter("tapewire/cache")
	c.entriesGauge, _ = meter.Int64UpDownCounter("cache.entries",
		metric.WithDescription("Entries currently held in the key cache"),
		metric.WithUnit("{entry}"))
	c.evictionCounter, _ = meter.Int64Counter("cache.evictions",
		metric.WithDescription("Entries evicted from the key cache"),
		metric.WithUnit("{entry}"))
	return c, nil
}

// Put records evt as the latest value for its business key, evicting if the
// bound is reached. Never blocks beyond the internal mutex.
func (c *Cache) Put(ctx context.Context, evt *schema.Event) {
	if evt == nil || evt.Key() == "" {
		return
	}
	key := evt.Key()

	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		elem.Value.(*entry).evt = evt
		c.recency.MoveToFront(elem)
		c.mu.Unlock()
		return
	}
	var evictedClass string
	if c.recency.Len() >= c.max {
		evictedClass = c.evictOldest()
	}
	c.entries[key] = c.recency.PushFront(&entry{key: key, evt: evt})
	c.mu.Unlock()

	if c.entriesGauge != nil && evictedClass == "" {
		c.entriesGauge.Add(ctx, 1)
	}
	if c.evictionCounter != nil && evictedClass != "" {
		c.evictionCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EvictionAttributes(telemetry.Environment(), evictedClass)...))
	}
}

// evictOldest removes the least-recently-updated terminal entry, or the
// least-recently-updated entry overall when no terminal entry exists.
// Caller holds the mutex. Returns the eviction class for telemetry.
func (c *Cache) evictOldest() string {
	for elem := c.recency.Back(); elem != nil; elem = elem.Prev() {
		ent := elem.Value.(*entry)
		if state, ok := ent.evt.State(); ok && state.Terminal() {
			c.remove(elem, ent)
			return telemetry.EvictionTerminal
		}
	}
	elem := c.recency.Back()
	if elem == nil {
		return ""
	}
	c.remove(elem, elem.Value.(*entry))
	return telemetry.EvictionLRU
}

func (c *Cache) remove(elem *list.Element, ent *entry) {
	c.recency.Remove(elem)
	delete(c.entries, ent.key)
}

// Get returns the latest event recorded for the key. Reads do not refresh
// recency: eviction order follows updates, not lookups.
func (c *Cache) Get(key string) (*schema.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return elem.Value.(*entry).evt, true
}

// Snapshot returns every cached event, most recently updated first.
func (c *Cache) Snapshot() []*schema.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*schema.Event, 0, c.recency.Len())
	for elem := c.recency.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(*entry).evt)
	}
	return out
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len()
}

// Max reports the configured bound.
func (c *Cache) Max() int { return c.max }
