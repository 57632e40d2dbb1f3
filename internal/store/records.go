package store

import (
	"sort"
	"sync"
	"time"

	"github.com/kestrelsense/kestrel/pkg/types"
)

const defaultPendingTTL = 10 * time.Minute

// RecordIndex holds fused records whose durable write has not yet succeeded.
// A record stays queryable here until the pending TTL expires, so exhausted
// retries lose durability but not visibility and an operator can look the
// record up for reprocessing.
type RecordIndex struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]pendingEntry

	// Injectable clock for deterministic tests.
	now func() time.Time
}

type pendingEntry struct {
	rec      types.PersistedRecord
	deadline time.Time
}

// NewRecordIndex creates an index with the given pending TTL.
func NewRecordIndex(ttl time.Duration) *RecordIndex {
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	return &RecordIndex{
		ttl:     ttl,
		entries: make(map[string]pendingEntry),
		now:     time.Now,
	}
}

// SetClock replaces the index clock. Test hook.
func (ix *RecordIndex) SetClock(now func() time.Time) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.now = now
}

// Put registers a record awaiting its durable write. The index keeps a copy
// marked pending; the caller's record is not mutated.
func (ix *RecordIndex) Put(rec *types.PersistedRecord) {
	entry := *rec
	entry.State = types.StatePending

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries[entry.CorrelationID] = pendingEntry{
		rec:      entry,
		deadline: ix.now().Add(ix.ttl),
	}
}

// Complete drops a record once its durable write has landed.
func (ix *RecordIndex) Complete(correlationID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.entries, correlationID)
}

// Get returns a copy of a pending record. The TTL is checked at read time,
// so expired entries are invisible before the sweep removes them.
func (ix *RecordIndex) Get(correlationID string) (*types.PersistedRecord, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.entries[correlationID]
	if !ok || !ix.now().Before(e.deadline) {
		return nil, false
	}
	rec := e.rec
	return &rec, true
}

// ScanRange returns live pending records with timestamps in [from, to],
// newest first.
func (ix *RecordIndex) ScanRange(from, to time.Time) []*types.PersistedRecord {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	now := ix.now()
	var out []*types.PersistedRecord
	for _, e := range ix.entries {
		if !now.Before(e.deadline) {
			continue
		}
		if e.rec.Timestamp.Before(from) || e.rec.Timestamp.After(to) {
			continue
		}
		rec := e.rec
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// Len reports the number of live pending records.
func (ix *RecordIndex) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	now := ix.now()
	n := 0
	for _, e := range ix.entries {
		if now.Before(e.deadline) {
			n++
		}
	}
	return n
}

// Sweep physically removes expired entries and returns them marked expired,
// so the caller can log or archive what was given up on.
func (ix *RecordIndex) Sweep() []types.PersistedRecord {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	now := ix.now()
	var expired []types.PersistedRecord
	for id, e := range ix.entries {
		if now.Before(e.deadline) {
			continue
		}
		rec := e.rec
		rec.State = types.StateExpired
		expired = append(expired, rec)
		delete(ix.entries, id)
	}
	return expired
}
