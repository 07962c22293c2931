// Package cache fronts source adapters with a TTL cache and per-key request coalescing.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"LiteratureScanner/internal/clock"
	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/scanner"
)

// DefaultTTL applies when neither the request nor the manager specify one.
const DefaultTTL = 24 * time.Hour

// Request identifies one adapter call.
type Request struct {
	Source  string
	Query   scanner.Query
	Since   time.Time
	GroupID string
	// TTL overrides the manager default for this source.
	TTL time.Duration
}

// Key hashes source, query fingerprint and since into the cache key.
func (r Request) Key() string {
	since := ""
	if !r.Since.IsZero() {
		since = r.Since.UTC().Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(r.Source + "|" + r.Query.Fingerprint() + "|" + since))
	return hex.EncodeToString(sum[:])
}

// Result is what GetOrFetch hands back to a caller.
type Result struct {
	Records   []domain.RawRecord
	FromCache bool
	// Shared is set when the caller joined a fetch started by someone else.
	Shared bool
}

// FetchFunc performs the remote call on a miss.
type FetchFunc func(ctx context.Context) ([]domain.RawRecord, error)

// Stats are cumulative counters since the manager was created.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Coalesced   int64 `json:"coalesced"`
	Stored      int64 `json:"stored"`
	Invalidated int64 `json:"invalidated"`
}

type flight struct {
	records   []domain.RawRecord
	fromCache bool
}

// Manager implements GetOrFetch over a Store.
type Manager struct {
	store      Store
	clock      clock.Clock
	defaultTTL time.Duration
	logger     *slog.Logger
	flights    singleflight.Group

	mu          sync.Mutex
	groupKeys   map[string]map[string]struct{}
	generations map[string]uint64

	hits, misses, coalesced, stored, invalidated atomic.Int64
}

// NewManager builds a manager. A nil store uses a MemoryStore, a nil clock the wall clock.
func NewManager(store Store, clk clock.Clock, defaultTTL time.Duration, logger *slog.Logger) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Manager{
		store:       store,
		clock:       clk,
		defaultTTL:  defaultTTL,
		logger:      logger,
		groupKeys:   map[string]map[string]struct{}{},
		generations: map[string]uint64{},
	}
}

// GetOrFetch returns a fresh cached payload or runs fetch once for all concurrent callers
// of the same key. Fetch errors reach every waiting caller and are never stored. A caller
// whose ctx ends stops waiting; the shared fetch keeps running for the others.
func (m *Manager) GetOrFetch(ctx context.Context, req Request, fetch FetchFunc) (Result, error) {
	key := req.Key()
	gen := m.track(req.GroupID, key)

	if records, ok := m.lookup(ctx, key); ok {
		m.hits.Add(1)
		m.debug("cache hit", "source", req.Source, "key", key)
		return Result{Records: records, FromCache: true}, nil
	}
	m.misses.Add(1)

	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	detached := context.WithoutCancel(ctx)

	ch := m.flights.DoChan(key, func() (interface{}, error) {
		// A flight that finished between our lookup and DoChan has already stored its result.
		if records, ok := m.lookup(detached, key); ok {
			m.debug("cache filled while waiting", "source", req.Source, "key", key)
			return flight{records: records, fromCache: true}, nil
		}
		records, err := fetch(detached)
		if err != nil {
			return nil, err
		}
		if m.generation(req.GroupID) == gen {
			m.save(detached, key, records, ttl)
		} else {
			m.debug("skip store after invalidation", "source", req.Source, "key", key)
		}
		return flight{records: records}, nil
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			m.coalesced.Add(1)
		}
		if res.Err != nil {
			return Result{Shared: res.Shared}, res.Err
		}
		out, _ := res.Val.(flight)
		return Result{Records: slices.Clone(out.records), FromCache: out.fromCache, Shared: res.Shared}, nil
	}
}

// InvalidateGroup drops every entry recorded for groupID. Fetches already in flight for
// the group complete for their callers but are not stored.
func (m *Manager) InvalidateGroup(ctx context.Context, groupID string) error {
	m.mu.Lock()
	m.generations[groupID]++
	keys := make([]string, 0, len(m.groupKeys[groupID]))
	for k := range m.groupKeys[groupID] {
		keys = append(keys, k)
	}
	delete(m.groupKeys, groupID)
	m.mu.Unlock()

	for _, k := range keys {
		m.flights.Forget(k)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := m.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("invalidate group %s: %w", groupID, err)
	}
	m.invalidated.Add(int64(len(keys)))
	m.debug("cache invalidated", "group_id", groupID, "keys", len(keys))
	return nil
}

// Sweep removes expired entries when the store needs it.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	sweeper, ok := m.store.(Sweeper)
	if !ok {
		return 0, nil
	}
	return sweeper.Sweep(ctx, m.clock.Now())
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Hits:        m.hits.Load(),
		Misses:      m.misses.Load(),
		Coalesced:   m.coalesced.Load(),
		Stored:      m.stored.Load(),
		Invalidated: m.invalidated.Load(),
	}
}

func (m *Manager) lookup(ctx context.Context, key string) ([]domain.RawRecord, bool) {
	entry, ok, err := m.store.Get(ctx, key)
	if err != nil {
		m.warn("cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok || !m.clock.Now().Before(entry.ExpiresAt) {
		return nil, false
	}
	var records []domain.RawRecord
	if err := json.Unmarshal(entry.Payload, &records); err != nil {
		m.warn("cache payload unreadable", "key", key, "error", err)
		return nil, false
	}
	return records, true
}

func (m *Manager) save(ctx context.Context, key string, records []domain.RawRecord, ttl time.Duration) {
	payload, err := json.Marshal(records)
	if err != nil {
		m.warn("encode cache payload", "key", key, "error", err)
		return
	}
	entry := Entry{Key: key, Payload: payload, ExpiresAt: m.clock.Now().Add(ttl)}
	if err := m.store.Set(ctx, entry, ttl); err != nil {
		m.warn("cache write failed", "key", key, "error", err)
		return
	}
	m.stored.Add(1)
}

func (m *Manager) track(groupID, key string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if groupID != "" {
		keys, ok := m.groupKeys[groupID]
		if !ok {
			keys = map[string]struct{}{}
			m.groupKeys[groupID] = keys
		}
		keys[key] = struct{}{}
	}
	return m.generations[groupID]
}

func (m *Manager) generation(groupID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generations[groupID]
}

func (m *Manager) debug(msg string, args ...interface{}) {
	if m.logger != nil {
		m.logger.Debug(msg, args...)
	}
}

func (m *Manager) warn(msg string, args ...interface{}) {
	if m.logger != nil {
		m.logger.Warn(msg, args...)
	}
}
