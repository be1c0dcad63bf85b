// Package cache provides the bounded session cache that persists reconciled
// runs across restarts.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/xiaot623/gogo/runsync/internal/apperr"
	"github.com/xiaot623/gogo/runsync/internal/domain"
	"github.com/xiaot623/gogo/runsync/internal/metrics"
)

// DefaultStorageKey is the namespaced entry holding all persisted runs.
const DefaultStorageKey = "runsync.session_cache"

// TruncationMarker is appended to content cut at the per-message limit.
const TruncationMarker = "... [truncated]"

const storageTimeout = 2 * time.Second

// Options configures a Cache. Zero values fall back to defaults.
type Options struct {
	Capacity        int // sessions held in memory
	PersistSessions int // most recent sessions written to storage
	MaxMessages     int
	MaxContent      int
	StorageKey      string

	Logger  logr.Logger
	Metrics *metrics.Metrics

	// OnDegraded is called once when persistence is abandoned. It runs with
	// the cache locked and must not call back into the cache.
	OnDegraded func(err error)
}

func (o *Options) applyDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = 5
	}
	if o.PersistSessions <= 0 {
		o.PersistSessions = 3
	}
	if o.PersistSessions > o.Capacity {
		o.PersistSessions = o.Capacity
	}
	if o.MaxMessages <= 0 {
		o.MaxMessages = 50
	}
	if o.MaxContent <= 0 {
		o.MaxContent = 1000
	}
	if o.StorageKey == "" {
		o.StorageKey = DefaultStorageKey
	}
	if o.Logger.GetSink() == nil {
		o.Logger = logr.Discard()
	}
}

// snapshot is the persisted layout.
type snapshot struct {
	SessionRuns map[string]*domain.Run `json:"sessionRuns"`
	Order       []string               `json:"order,omitempty"`
}

// Cache maps session IDs to the latest reconciled run, bounded in session
// count, message count and message size. Safe for concurrent use.
type Cache struct {
	mu   sync.Mutex
	kv   KV
	opts Options

	order []string
	runs  map[string]*domain.Run

	recovered bool
	degraded  bool
}

// New creates a cache and restores any persisted runs from kv. A nil kv keeps
// the cache in memory only.
func New(kv KV, opts Options) *Cache {
	opts.applyDefaults()
	c := &Cache{
		kv:   kv,
		opts: opts,
		runs: make(map[string]*domain.Run),
	}
	if kv == nil {
		c.degraded = true
		return c
	}
	c.load()
	return c
}

func (c *Cache) load() {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	data, err := c.kv.Get(ctx, c.opts.StorageKey)
	if err != nil {
		c.opts.Logger.Error(err, "failed to load session cache")
		return
	}
	if data == nil {
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.opts.Logger.Error(err, "discarding unreadable session cache")
		return
	}

	seen := make(map[string]bool, len(snap.SessionRuns))
	order := make([]string, 0, len(snap.SessionRuns))
	for _, id := range snap.Order {
		if _, ok := snap.SessionRuns[id]; ok && !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	var rest []string
	for id := range snap.SessionRuns {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	order = append(rest, order...)

	if len(order) > c.opts.Capacity {
		order = order[len(order)-c.opts.Capacity:]
	}
	for _, id := range order {
		if run := snap.SessionRuns[id]; run != nil {
			c.order = append(c.order, id)
			c.runs[id] = run
		}
	}
	c.opts.Logger.V(1).Info("session cache restored", "sessions", len(c.order))
}

// Get returns a copy of the cached run for the session, or nil.
func (c *Cache) Get(sessionID string) *domain.Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[sessionID].Clone()
}

// Set stores a bounded copy of run for the session. Storage failures are
// handled internally and never returned.
func (c *Cache) Set(sessionID string, run *domain.Run) {
	if run == nil {
		return
	}
	bounded := Bound(run, c.opts.MaxMessages, c.opts.MaxContent)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.runs[sessionID]; !exists {
		for len(c.order) >= c.opts.Capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.runs, oldest)
			c.opts.Metrics.Eviction()
			c.opts.Logger.V(1).Info("evicted session from cache", "session_id", oldest)
		}
		c.order = append(c.order, sessionID)
	}
	c.runs[sessionID] = bounded
	c.persistLocked()
}

// Clear removes one session.
func (c *Cache) Clear(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.runs[sessionID]; !ok {
		return
	}
	delete(c.runs, sessionID)
	for i, id := range c.order {
		if id == sessionID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.persistLocked()
}

// ClearAll removes every session from memory and storage.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.runs = make(map[string]*domain.Run)
	if c.degraded {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	if err := c.kv.Delete(ctx, c.opts.StorageKey); err != nil {
		c.opts.Logger.Error(err, "failed to clear persisted session cache")
	}
}

// SessionIDs returns cached session IDs, oldest first.
func (c *Cache) SessionIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Degraded reports whether the cache is operating in memory only.
func (c *Cache) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

func (c *Cache) encodeLocked(limit int) ([]byte, error) {
	ids := c.order
	if len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	snap := snapshot{
		SessionRuns: make(map[string]*domain.Run, len(ids)),
		Order:       append([]string(nil), ids...),
	}
	for _, id := range ids {
		snap.SessionRuns[id] = c.runs[id]
	}
	return json.Marshal(snap)
}

func (c *Cache) persistLocked() {
	if c.degraded {
		return
	}
	data, err := c.encodeLocked(c.opts.PersistSessions)
	if err != nil {
		c.degradeLocked(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	err = c.kv.Set(ctx, c.opts.StorageKey, data)
	if err == nil {
		return
	}
	if errors.Is(err, apperr.ErrStorageQuotaExceeded) && !c.recovered {
		// One recovery attempt: drop the stored entry and keep only the most
		// recent session.
		c.recovered = true
		c.opts.Logger.Info("session cache over quota, clearing storage once", "bytes", len(data))
		if derr := c.kv.Delete(ctx, c.opts.StorageKey); derr == nil {
			if data, err = c.encodeLocked(1); err == nil {
				if err = c.kv.Set(ctx, c.opts.StorageKey, data); err == nil {
					return
				}
			}
		}
	}
	c.degradeLocked(err)
}

func (c *Cache) degradeLocked(err error) {
	c.degraded = true
	c.opts.Metrics.SetDegraded(true)
	c.opts.Logger.Error(err, "session cache persistence disabled, continuing in memory")
	if c.opts.OnDegraded != nil {
		c.opts.OnDegraded(err)
	}
}
