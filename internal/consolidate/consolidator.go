// Package consolidate runs the persistence pipeline: fused records are
// joined with the latest environment sample, journaled, written to the
// durable catalog with supervised retry, and published to subscribers.
package consolidate

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kestrelsense/kestrel/internal/bloom"
	"github.com/kestrelsense/kestrel/internal/catalog"
	"github.com/kestrelsense/kestrel/internal/config"
	"github.com/kestrelsense/kestrel/internal/notify"
	"github.com/kestrelsense/kestrel/internal/observability"
	"github.com/kestrelsense/kestrel/internal/retry"
	"github.com/kestrelsense/kestrel/internal/store"
	"github.com/kestrelsense/kestrel/pkg/types"
)

// Consolidator decouples correlation from durable storage through a bounded
// queue. When the queue is full the oldest record is dropped so triggering
// never blocks on catalog latency.
type Consolidator struct {
	store    *store.Store
	catalog  catalog.Catalog
	journal  *Journal
	notifier *notify.Notifier
	pending  *store.RecordIndex
	filter   *bloom.KeyFilter
	metrics  *observability.Metrics
	policy   retry.Policy

	queue chan types.FusedRecord

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Injectable clock for deterministic tests.
	now func() time.Time
}

// New creates a consolidator. The journal, notifier, and pending index are
// optional; a nil journal disables crash recovery, a nil notifier disables
// the feed, a nil pending index disables the reprocessing window for records
// that exhaust their retries.
func New(cfg config.PersistenceConfig, st *store.Store, cat catalog.Catalog,
	journal *Journal, notifier *notify.Notifier, pending *store.RecordIndex,
	metrics *observability.Metrics) *Consolidator {

	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Consolidator{
		store:    st,
		catalog:  cat,
		journal:  journal,
		notifier: notifier,
		pending:  pending,
		filter:   bloom.NewWithEstimates(100000, 0.01),
		metrics:  metrics,
		policy: retry.Policy{
			Base:        cfg.RetryBase.Std(),
			Cap:         cfg.RetryCap.Std(),
			MaxAttempts: cfg.MaxAttempts,
		},
		queue: make(chan types.FusedRecord, cfg.QueueDepth),
		now:   time.Now,
	}
}

// SetClock replaces the consolidator's clock. Test hook.
func (c *Consolidator) SetClock(now func() time.Time) { c.now = now }

// SetSleeper replaces the retry backoff sleeper. Test hook.
func (c *Consolidator) SetSleeper(s retry.Sleeper) { c.policy.Sleeper = s }

// Start seeds the duplicate pre-check filter, requeues journaled records the
// catalog never received, and begins draining the queue.
func (c *Consolidator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consolidate: consolidator is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	if err := c.seedFilter(ctx); err != nil {
		log.Printf("consolidate: filter seed failed, falling back to catalog lookups: %v", err)
	}
	if err := c.recover(ctx); err != nil {
		log.Printf("consolidate: journal recovery failed: %v", err)
	}

	go c.run(ctx)
	return nil
}

// Stop drains nothing: in-flight records are abandoned, loss bounded by the
// queue depth plus the journal.
func (c *Consolidator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.cancel()
	<-c.done
	c.running = false
	return nil
}

// Enqueue accepts a fused record for persistence. A full queue drops the
// oldest queued record and counts it; Enqueue itself never blocks.
func (c *Consolidator) Enqueue(rec types.FusedRecord) {
	for {
		select {
		case c.queue <- rec:
			return
		default:
		}

		// Queue full: evict the oldest and retry the send. Another
		// producer may win the freed slot, so loop.
		select {
		case <-c.queue:
			c.metrics.IncQueueDrops()
		default:
		}
	}
}

// QueueDepth returns the number of records waiting for persistence.
func (c *Consolidator) QueueDepth() int { return len(c.queue) }

func (c *Consolidator) run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-c.queue:
			c.consolidate(ctx, rec)
		}
	}
}

// consolidate runs the pipeline for one record.
func (c *Consolidator) consolidate(ctx context.Context, fused types.FusedRecord) {
	rec := c.buildPersisted(fused)

	// The filter proves most ids were never persisted without touching the
	// catalog; a positive still defers to the idempotent insert.
	if c.filter.MaybeContains(rec.CorrelationID) {
		existing, err := c.catalog.GetByCorrelationID(ctx, rec.CorrelationID)
		if err == nil && existing != nil {
			c.metrics.IncDuplicateRecords()
			return
		}
	}

	// Register the record as pending before the durable write so exhausted
	// retries leave it queryable until its TTL.
	if c.pending != nil {
		c.pending.Put(rec)
	}

	if c.journal != nil {
		if err := c.journal.Append(rec); err != nil {
			// Journal loss weakens crash recovery but never blocks the
			// durable write.
			log.Printf("consolidate: journal append failed for %s: %v", rec.CorrelationID, err)
		}
	}

	if err := c.persist(ctx, rec); err != nil {
		c.metrics.IncPersistFailures()
		log.Printf("consolidate: record %s dropped from durable path, pending until TTL: %v",
			rec.CorrelationID, err)
		return
	}

	c.metrics.IncPersistSuccesses()
	if c.pending != nil {
		c.pending.Complete(rec.CorrelationID)
	}
	c.filter.Add(rec.CorrelationID)
	c.store.MarkConsolidated(rec.ContributingEventIDs)
	if c.notifier != nil {
		c.notifier.Publish(rec)
	}
}

// buildPersisted joins the fused record with the most recent known
// environment sample. No window restriction: latest wins.
func (c *Consolidator) buildPersisted(fused types.FusedRecord) *types.PersistedRecord {
	rec := &types.PersistedRecord{
		FusedRecord:    fused,
		IdempotencyKey: fused.CorrelationID,
		InsertedAt:     c.now(),
	}
	if ev, ok := c.store.Latest(types.ModalityEnvironment); ok {
		if sample, ok := ev.(types.EnvironmentSample); ok {
			rec.EnvironmentSnapshot = sample.Fields
		}
	}
	return rec
}

// persist writes the record with supervised backoff. Duplicate ids are
// no-op successes inside the catalog, so replays are harmless.
func (c *Consolidator) persist(ctx context.Context, rec *types.PersistedRecord) error {
	attempt := 0
	return c.policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		c.metrics.IncPersistAttempts()
		if attempt > 1 {
			c.metrics.IncPersistRetries()
		}

		inserted, err := c.catalog.InsertRecord(ctx, rec)
		if err != nil {
			return err
		}
		if !inserted {
			c.metrics.IncDuplicateRecords()
		}
		return nil
	})
}

// seedFilter loads every persisted correlation id into the pre-check filter.
func (c *Consolidator) seedFilter(ctx context.Context) error {
	return c.catalog.ListCorrelationIDs(ctx, func(id string) error {
		c.filter.Add(id)
		return nil
	})
}

// recover requeues journaled records the catalog never received, then drops
// completed segments.
func (c *Consolidator) recover(ctx context.Context) error {
	if c.journal == nil {
		return nil
	}

	records, err := ReadAll(c.journal.dir)
	if err != nil {
		return err
	}

	requeued := 0
	for _, rec := range records {
		existing, err := c.catalog.GetByCorrelationID(ctx, rec.CorrelationID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		c.Enqueue(rec.FusedRecord)
		requeued++
	}
	if requeued > 0 {
		log.Printf("consolidate: recovery requeued %d journaled records", requeued)
	}

	if err := c.journal.Rotate(); err != nil {
		return err
	}
	return c.journal.Purge()
}
