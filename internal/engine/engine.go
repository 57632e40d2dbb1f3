// Package engine owns event ingest and the per-zone correlation path.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/kestrelsense/kestrel/internal/config"
	"github.com/kestrelsense/kestrel/internal/correlate"
	kerrors "github.com/kestrelsense/kestrel/internal/errors"
	"github.com/kestrelsense/kestrel/internal/fusion"
	"github.com/kestrelsense/kestrel/internal/observability"
	"github.com/kestrelsense/kestrel/internal/store"
	"github.com/kestrelsense/kestrel/internal/trigger"
	"github.com/kestrelsense/kestrel/pkg/types"
)

// Sink receives fused records for persistence. Satisfied by the
// consolidator.
type Sink interface {
	Enqueue(rec types.FusedRecord)
}

// Engine validates and stores incoming events and runs the trigger,
// correlation, and scoring path for motion events. Motion events for the
// same zone are processed serially so the cooldown state machine is
// race-free; different zones run in parallel on separate workers.
type Engine struct {
	cfg        config.Config
	store      *store.Store
	filter     *trigger.Filter
	correlator *correlate.Correlator
	scorer     *fusion.Scorer
	sink       Sink
	metrics    *observability.Metrics

	workers []chan types.MotionEvent

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine over the shared store.
func New(cfg config.Config, st *store.Store, sink Sink, metrics *observability.Metrics) *Engine {
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Engine{
		cfg:        cfg,
		store:      st,
		filter:     trigger.NewFilter(cfg.Trigger),
		correlator: correlate.New(st, cfg.Correlation.Window.Std(), cfg.Correlation.Epsilon.Std()),
		scorer:     fusion.NewScorer(cfg.Fusion),
		sink:       sink,
		metrics:    metrics,
	}
}

// Start launches the zone workers.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("engine: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	n := e.cfg.Correlation.Workers
	e.workers = make([]chan types.MotionEvent, n)
	for i := range e.workers {
		ch := make(chan types.MotionEvent, e.cfg.Correlation.WorkerQueueDepth)
		e.workers[i] = ch
		e.wg.Add(1)
		go e.runWorker(ctx, i, ch)
	}

	log.Printf("engine: started %d zone workers (window=%v, cooldown=%v)",
		n, e.cfg.Correlation.Window, e.cfg.Trigger.Cooldown)
	return nil
}

// Stop cancels the workers and waits for them to drain.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	e.running = false
	return nil
}

// Ingest validates an event, stores it with its modality TTL, and routes
// motion events to a zone worker. Duplicate deliveries collapse on the store
// key and are not an error. Malformed events reject individually; the
// stream continues.
func (e *Engine) Ingest(ctx context.Context, ev types.SensorEvent) error {
	if err := types.ValidateEvent(ev); err != nil {
		e.metrics.IncRejectedEvents()
		return kerrors.Wrap(kerrors.ErrCategoryValidation, kerrors.CodeMalformedEvent,
			"engine: rejected event", err)
	}

	if !e.store.Put(ev, e.ttlFor(ev.Modality())) {
		e.metrics.IncDuplicateEvents()
		return nil
	}
	e.metrics.IncEventsIngested(ev.Modality())

	motion, ok := ev.(types.MotionEvent)
	if !ok {
		return nil
	}

	e.mu.Lock()
	running := e.running
	workers := e.workers
	e.mu.Unlock()
	if !running {
		return kerrors.New(kerrors.ErrCategoryInternal, kerrors.CodeUnexpected,
			"engine: not running")
	}

	shard := murmur3.Sum64([]byte(motion.ZoneID)) % uint64(len(workers))
	select {
	case workers[shard] <- motion:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) ttlFor(m types.Modality) (ttl time.Duration) {
	switch m {
	case types.ModalityMotion:
		return e.cfg.Store.MotionTTL.Std()
	case types.ModalityVision:
		return e.cfg.Store.VisionTTL.Std()
	default:
		return e.cfg.Store.EnvironmentTTL.Std()
	}
}

// runWorker drains one zone shard. Each motion event runs the full path:
// filter, correlate, score, enqueue.
func (e *Engine) runWorker(ctx context.Context, id int, ch chan types.MotionEvent) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case motion := <-ch:
			e.process(ctx, motion)
		}
	}
}

func (e *Engine) process(ctx context.Context, motion types.MotionEvent) {
	trg, reason := e.filter.Evaluate(motion)
	if reason != trigger.RejectNone {
		return
	}
	e.metrics.IncTriggersEmitted()

	set := e.correlator.Correlate(ctx, trg)
	rec := e.scorer.Score(set)

	switch rec.State {
	case types.StateFused:
		e.metrics.IncRecordsFused()
	case types.StatePartial:
		e.metrics.IncRecordsPartial()
	}

	if e.sink != nil {
		e.sink.Enqueue(rec)
	}
}
