package store

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// SweepDaemon periodically removes TTL-expired entries so worst-case memory
// between sweeps stays bounded regardless of read traffic.
type SweepDaemon struct {
	store    *Store
	records  *RecordIndex // optional
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSweepDaemon creates a sweep daemon with the given period.
func NewSweepDaemon(store *Store, interval time.Duration) *SweepDaemon {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SweepDaemon{
		store:    store,
		interval: interval,
	}
}

// SetRecordIndex adds a pending-record index to the sweep cycle. Expired
// unpersisted records are removed on the same period as expired events.
func (d *SweepDaemon) SetRecordIndex(ix *RecordIndex) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = ix
}

// Start begins the sweep loop. It runs until the context is cancelled or
// Stop is called.
func (d *SweepDaemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("store: sweep daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop gracefully stops the sweep daemon.
func (d *SweepDaemon) Stop() error {
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

// run is the main sweep loop.
func (d *SweepDaemon) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce()
		}
	}
}

// RunOnce performs a single sweep cycle (useful for testing).
func (d *SweepDaemon) RunOnce() {
	removed := d.store.Sweep()
	if removed > 0 {
		stats := d.store.Stats()
		log.Printf("store: sweep removed %d expired entries, %d resident (%d bytes)",
			removed, stats.Entries, stats.UsedBytes)
	}

	d.mu.Lock()
	records := d.records
	d.mu.Unlock()
	if records != nil {
		if expired := records.Sweep(); len(expired) > 0 {
			log.Printf("store: sweep gave up on %d unpersisted records", len(expired))
		}
	}
}
