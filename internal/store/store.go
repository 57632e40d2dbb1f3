// Package store provides the bounded, TTL-governed event store that holds
// in-flight and recent sensor events for correlation.
package store

import (
	"container/list"
	"sync"
	"time"

	"github.com/kestrelsense/kestrel/internal/observability"
	"github.com/kestrelsense/kestrel/pkg/types"
)

// entry is a single resident event. Entries past their TTL deadline are
// invisible to lookups even before physical removal.
type entry struct {
	key          types.EventKey
	event        types.SensorEvent
	size         int64
	deadline     time.Time
	lastAccess   time.Time
	pins         int
	consolidated bool
	lruElem      *list.Element
}

// Store is a namespaced bounded key-value store with per-key TTL and
// global-memory LRU eviction. Pinned entries are never evicted.
type Store struct {
	mu         sync.Mutex
	entries    map[types.EventKey]*entry
	byModality map[types.Modality]map[types.EventKey]*entry
	lru        *list.List // front = most recently used
	budget     int64
	used       int64
	metrics    *observability.Metrics

	// Injectable clock for deterministic tests.
	now func() time.Time
}

// New creates a store with the given memory budget in bytes.
func New(budgetBytes int64, metrics *observability.Metrics) *Store {
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Store{
		entries:    make(map[types.EventKey]*entry),
		byModality: make(map[types.Modality]map[types.EventKey]*entry),
		lru:        list.New(),
		budget:     budgetBytes,
		metrics:    metrics,
		now:        time.Now,
	}
}

// SetClock replaces the store's clock. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put inserts an event with the given TTL. Returns false when a live entry
// with the same key already exists (duplicate delivery, deduplicated by key).
// An insert that would exceed the budget evicts unpinned entries in LRU
// order; if nothing can be reclaimed the insert is still accepted and the
// backpressure counter is incremented.
func (s *Store) Put(ev types.SensorEvent, ttl time.Duration) bool {
	key := ev.Key()
	size := estimateSize(ev)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if existing, ok := s.entries[key]; ok {
		if now.Before(existing.deadline) {
			// Live duplicate: keep the first delivery.
			return false
		}
		// Expired under the same key: replace.
		s.removeLocked(existing)
	}

	e := &entry{
		key:        key,
		event:      ev,
		size:       size,
		deadline:   now.Add(ttl),
		lastAccess: now,
	}
	e.lruElem = s.lru.PushFront(e)
	s.entries[key] = e

	mod := s.byModality[key.Modality]
	if mod == nil {
		mod = make(map[types.EventKey]*entry)
		s.byModality[key.Modality] = mod
	}
	mod[key] = e

	s.used += size
	s.evictLocked(now)
	return true
}

// Get returns the live event for key. Expiry is checked at read time.
func (s *Store) Get(key types.EventKey) (types.SensorEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	now := s.now()
	if !now.Before(e.deadline) {
		s.metrics.IncStoreExpiredReads()
		return nil, false
	}

	e.lastAccess = now
	s.lru.MoveToFront(e.lruElem)
	return e.event, true
}

// ScanWindow returns the live events of one modality whose timestamps fall
// within w of t (inclusive on both sides).
func (s *Store) ScanWindow(modality types.Modality, t time.Time, w time.Duration) []types.SensorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []types.SensorEvent
	for _, e := range s.byModality[modality] {
		if !now.Before(e.deadline) {
			continue
		}
		delta := e.event.Timestamp().Sub(t)
		if delta < 0 {
			delta = -delta
		}
		if delta <= w {
			e.lastAccess = now
			s.lru.MoveToFront(e.lruElem)
			out = append(out, e.event)
		}
	}
	return out
}

// Latest returns the live event of one modality with the most recent
// timestamp. Used for "most recent known" environment joins.
func (s *Store) Latest(modality types.Modality) (types.SensorEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *entry
	for _, e := range s.byModality[modality] {
		if !now.Before(e.deadline) {
			continue
		}
		if best == nil || e.event.Timestamp().After(best.event.Timestamp()) {
			best = e
		}
	}
	if best == nil {
		return nil, false
	}
	best.lastAccess = now
	s.lru.MoveToFront(best.lruElem)
	return best.event, true
}

// Pin marks an entry as eviction-exempt for the duration of a correlation
// decision. Returns false when the entry no longer exists.
func (s *Store) Pin(key types.EventKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	e.pins++
	return true
}

// Unpin releases a pin taken with Pin.
func (s *Store) Unpin(key types.EventKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return
	}
	if e.pins > 0 {
		e.pins--
	}
}

// MarkConsolidated flags entries as having contributed to a persisted
// record. Entries are not deleted; TTL still governs their lifetime so the
// window remains replayable for audit.
func (s *Store) MarkConsolidated(keys []types.EventKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		if e, ok := s.entries[key]; ok {
			e.consolidated = true
		}
	}
}

// IsConsolidated reports whether a live entry has been consolidated.
func (s *Store) IsConsolidated(key types.EventKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	return ok && e.consolidated
}

// Sweep physically removes expired, unpinned entries. Returns the number
// removed. The sweep daemon calls this on a fixed period to bound worst-case
// memory between sweeps.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for _, e := range s.entries {
		if !now.Before(e.deadline) && e.pins == 0 {
			s.removeLocked(e)
			removed++
		}
	}
	return removed
}

// Stats is a point-in-time snapshot of store occupancy.
type Stats struct {
	Entries   int
	UsedBytes int64
	Budget    int64
}

// Stats returns current occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Entries:   len(s.entries),
		UsedBytes: s.used,
		Budget:    s.budget,
	}
}

// evictLocked reclaims space after an insert pushed usage over budget.
// Expired entries go first, then unpinned entries in LRU order. If the
// budget is still exceeded with only pinned entries left, the insert stands
// and backpressure is recorded: pinned or just-inserted data is never
// silently dropped. Caller must hold s.mu.
func (s *Store) evictLocked(now time.Time) {
	if s.used <= s.budget {
		return
	}

	// Reclaim expired entries first regardless of recency.
	for _, e := range s.entries {
		if s.used <= s.budget {
			return
		}
		if !now.Before(e.deadline) && e.pins == 0 {
			s.removeLocked(e)
		}
	}

	// Walk the LRU tail, skipping pinned entries and the freshly inserted
	// front element.
	for elem := s.lru.Back(); elem != nil && s.used > s.budget; {
		prev := elem.Prev()
		e := elem.Value.(*entry)
		if e.pins == 0 && elem != s.lru.Front() {
			s.removeLocked(e)
			s.metrics.IncStoreEvictions()
		}
		elem = prev
	}

	if s.used > s.budget {
		s.metrics.IncStoreBackpressure()
	}
}

// removeLocked removes an entry from all indexes. Caller must hold s.mu.
func (s *Store) removeLocked(e *entry) {
	delete(s.entries, e.key)
	if mod := s.byModality[e.key.Modality]; mod != nil {
		delete(mod, e.key)
	}
	s.lru.Remove(e.lruElem)
	s.used -= e.size
}

// estimateSize approximates the resident payload size of an event for
// budget accounting. Exactness is not required; consistency is.
func estimateSize(ev types.SensorEvent) int64 {
	const base = 128
	switch e := ev.(type) {
	case types.MotionEvent:
		return base + int64(len(e.SourceID)+len(e.EventID)+len(e.ZoneID))
	case types.VisionEvent:
		return base + int64(len(e.SourceID)+len(e.EventID)+len(e.ZoneID)) + int64(len(e.Detections))*64
	case types.EnvironmentSample:
		size := base + int64(len(e.SourceID)+len(e.EventID))
		for k := range e.Fields {
			size += int64(len(k)) + 32
		}
		return size
	default:
		return base
	}
}
