package consolidate

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kestrelsense/kestrel/internal/archive"
	"github.com/kestrelsense/kestrel/internal/catalog"
	"github.com/kestrelsense/kestrel/internal/observability"
)

// RetentionDaemon periodically purges persisted records older than the
// retention horizon, optionally archiving each batch first.
type RetentionDaemon struct {
	catalog    catalog.Catalog
	exporter   *archive.Exporter // nil disables archiving
	horizon    time.Duration
	interval   time.Duration
	batchLimit int
	metrics    *observability.Metrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Injectable clock for deterministic tests.
	now func() time.Time
}

// NewRetentionDaemon creates a retention daemon. Records older than horizon
// (by insertion time) are purged every interval, at most batchLimit per
// cycle.
func NewRetentionDaemon(cat catalog.Catalog, exporter *archive.Exporter,
	horizon, interval time.Duration, batchLimit int, metrics *observability.Metrics) *RetentionDaemon {

	if batchLimit <= 0 {
		batchLimit = 1000
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &RetentionDaemon{
		catalog:    cat,
		exporter:   exporter,
		horizon:    horizon,
		interval:   interval,
		batchLimit: batchLimit,
		metrics:    metrics,
		now:        time.Now,
	}
}

// SetClock replaces the daemon's clock. Test hook.
func (d *RetentionDaemon) SetClock(now func() time.Time) { d.now = now }

// Start begins the retention loop.
func (d *RetentionDaemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("consolidate: retention daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop gracefully stops the retention daemon.
func (d *RetentionDaemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}
	d.cancel()
	<-d.done
	d.running = false
	return nil
}

func (d *RetentionDaemon) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.RunOnce(ctx); err != nil {
				log.Printf("consolidate: retention sweep failed: %v", err)
			}
		}
	}
}

// RunOnce performs a single retention cycle: archive (when configured), then
// purge, capped at the batch limit. The archive write lands before the
// delete so a crash between the two duplicates rather than loses records.
func (d *RetentionDaemon) RunOnce(ctx context.Context) error {
	cutoff := d.now().Add(-d.horizon)

	if d.exporter != nil {
		expired, err := d.catalog.FindOlderThan(ctx, cutoff, d.batchLimit)
		if err != nil {
			return err
		}
		if len(expired) > 0 {
			path, err := d.exporter.ExportBatch(ctx, expired)
			if err != nil {
				// Never purge what could not be archived.
				return err
			}
			d.metrics.AddRecordsArchived(len(expired))
			log.Printf("consolidate: archived %d expired records to %s", len(expired), path)
		}
	}

	deleted, err := d.catalog.DeleteOlderThan(ctx, cutoff, d.batchLimit)
	if err != nil {
		return err
	}
	if deleted > 0 {
		d.metrics.AddRecordsPurged(int(deleted))
		log.Printf("consolidate: retention purged %d records older than %s", deleted, cutoff.Format(time.RFC3339))
	}
	return nil
}
