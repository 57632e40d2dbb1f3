// Package integration provides end-to-end integration tests for Kestrel.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apihttp "github.com/kestrelsense/kestrel/internal/api/http"
	"github.com/kestrelsense/kestrel/internal/catalog"
	"github.com/kestrelsense/kestrel/internal/config"
	"github.com/kestrelsense/kestrel/internal/consolidate"
	"github.com/kestrelsense/kestrel/internal/engine"
	"github.com/kestrelsense/kestrel/internal/notify"
	"github.com/kestrelsense/kestrel/internal/observability"
	"github.com/kestrelsense/kestrel/internal/store"
	"github.com/kestrelsense/kestrel/pkg/types"
)

// pipeline wires the real components end to end on a temp directory.
type pipeline struct {
	cfg          *config.Config
	catalog      *catalog.SQLiteCatalog
	store        *store.Store
	pending      *store.RecordIndex
	notifier     *notify.Notifier
	consolidator *consolidate.Consolidator
	engine       *engine.Engine
	metrics      *observability.Metrics
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Resolve()

	cat, err := catalog.NewCatalog(cfg.CatalogPath())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	journal, err := consolidate.NewJournal(
		filepath.Join(dir, "journal"), cfg.Persistence.JournalMaxSegmentBytes)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	m := observability.NewMetrics()
	st := store.New(cfg.Store.MemoryBudgetBytes, m)
	pending := store.NewRecordIndex(cfg.Persistence.PendingTTL.Std())
	notifier := notify.NewNotifier(64)

	cons := consolidate.New(cfg.Persistence, st, cat, journal, notifier, pending, m)
	if err := cons.Start(context.Background()); err != nil {
		t.Fatalf("consolidator start: %v", err)
	}
	t.Cleanup(func() { cons.Stop() })

	eng := engine.New(*cfg, st, cons, m)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() { eng.Stop() })

	return &pipeline{
		cfg:          cfg,
		catalog:      cat,
		store:        st,
		pending:      pending,
		notifier:     notifier,
		consolidator: cons,
		engine:       eng,
		metrics:      m,
	}
}

func (p *pipeline) postEvents(t *testing.T, body string) apihttp.IngestResponse {
	t.Helper()
	handler := apihttp.DefaultMiddleware()(apihttp.NewIngestHandler(p.engine))

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("ingest status = %d, body %s", rr.Code, rr.Body.String())
	}

	var resp apihttp.IngestResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode ingest response: %v", err)
	}
	return resp
}

func (p *pipeline) waitForRecord(t *testing.T, correlationID string) *types.PersistedRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := p.catalog.GetByCorrelationID(context.Background(), correlationID)
		if err != nil {
			t.Fatalf("catalog lookup: %v", err)
		}
		if rec != nil {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("record %s never reached the catalog", correlationID)
	return nil
}

func eventBatch(nowMS int64) string {
	return fmt.Sprintf(`{"events": [
		{"modality":"environment","source_id":"env-1","event_id":"e-1",
		 "timestamp_ms":%d,"fields":{"temperature_c":21.5,"humidity":0.4}},
		{"modality":"vision","source_id":"cam-1","event_id":"v-1","zone_id":"gate-north",
		 "timestamp_ms":%d,"confidence":0.85,
		 "detections":[{"bbox":[0.1,0.2,0.5,0.8],"class":"car","confidence":0.91}]},
		{"modality":"motion","source_id":"radar-1","event_id":"m-1","zone_id":"gate-north",
		 "timestamp_ms":%d,"speed":15.2,"direction":"approaching","magnitude":3500}
	]}`, nowMS-5000, nowMS+2, nowMS)
}

// TestPipelineFlow drives the full path: HTTP ingest, trigger, correlation,
// fusion, consolidation, catalog, and the query API.
func TestPipelineFlow(t *testing.T) {
	p := newPipeline(t)

	sub := p.notifier.Subscribe()
	defer p.notifier.Unsubscribe(sub.ID)

	nowMS := time.Now().UnixMilli()
	resp := p.postEvents(t, eventBatch(nowMS))
	if resp.Accepted != 3 || resp.Rejected != 0 {
		t.Fatalf("ingest accepted=%d rejected=%d, want 3/0 (%v)",
			resp.Accepted, resp.Rejected, resp.Errors)
	}

	rec := p.waitForRecord(t, "m-1")
	if rec.State != types.StateFused {
		t.Errorf("state = %s, want fused", rec.State)
	}
	if !rec.VehicleDetected {
		t.Error("strong motion plus vision must report a vehicle")
	}
	if rec.VisualConfidence == nil || *rec.VisualConfidence != 0.85 {
		t.Errorf("visual confidence = %v", rec.VisualConfidence)
	}
	if rec.CorrelationDelayMS == nil || *rec.CorrelationDelayMS != 2 {
		t.Errorf("correlation delay = %v, want 2ms", rec.CorrelationDelayMS)
	}
	if rec.EnvironmentSnapshot["temperature_c"] != 21.5 {
		t.Errorf("environment snapshot = %v", rec.EnvironmentSnapshot)
	}
	if rec.IdempotencyKey != rec.CorrelationID {
		t.Error("idempotency key must equal the correlation id")
	}

	// The feed sees the record after the durable write.
	select {
	case published := <-sub.Ch:
		if published.CorrelationID != "m-1" {
			t.Errorf("feed delivered %s", published.CorrelationID)
		}
	case <-time.After(2 * time.Second):
		t.Error("feed never delivered the persisted record")
	}

	// Query API round-trip.
	queryHandler := apihttp.DefaultMiddleware()(apihttp.NewRecordsHandler(p.catalog, p.pending))
	req := httptest.NewRequest(http.MethodGet, "/v1/records?correlation_id=m-1", nil)
	rr := httptest.NewRecorder()
	queryHandler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("query status = %d, body %s", rr.Code, rr.Body.String())
	}
	var got apihttp.RecordJSON
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.CorrelationID != "m-1" || got.State != string(types.StateFused) {
		t.Errorf("query returned %+v", got)
	}
}

// TestPipelineDuplicateDelivery replays the same batch and checks that
// neither the store nor the catalog duplicates anything.
func TestPipelineDuplicateDelivery(t *testing.T) {
	p := newPipeline(t)

	nowMS := time.Now().UnixMilli()
	body := eventBatch(nowMS)
	p.postEvents(t, body)
	p.waitForRecord(t, "m-1")

	resp := p.postEvents(t, body)
	if resp.Rejected != 0 {
		t.Errorf("duplicate delivery rejected %d events, want 0", resp.Rejected)
	}

	time.Sleep(100 * time.Millisecond)
	count, err := p.catalog.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("catalog rows = %d, want 1", count)
	}
	if p.metrics.Snapshot().DuplicateEvents != 3 {
		t.Errorf("duplicate events = %d, want 3", p.metrics.Snapshot().DuplicateEvents)
	}
}

// TestPipelineMotionOnly checks that a trigger with no vision match persists
// as a partial record.
func TestPipelineMotionOnly(t *testing.T) {
	p := newPipeline(t)

	nowMS := time.Now().UnixMilli()
	body := fmt.Sprintf(`{"events": [
		{"modality":"motion","source_id":"radar-1","event_id":"m-solo","zone_id":"gate-south",
		 "timestamp_ms":%d,"speed":15.2,"direction":"approaching","magnitude":3500}
	]}`, nowMS)
	resp := p.postEvents(t, body)
	if resp.Accepted != 1 {
		t.Fatalf("accepted = %d (%v)", resp.Accepted, resp.Errors)
	}

	rec := p.waitForRecord(t, "m-solo")
	if rec.State != types.StatePartial {
		t.Errorf("state = %s, want partial", rec.State)
	}
	if rec.VisualConfidence != nil || rec.CorrelationDelayMS != nil {
		t.Error("partial record must not carry vision fields")
	}
	if rec.FusedConfidence != rec.MotionConfidence {
		t.Error("partial fused confidence must equal motion confidence")
	}
}

// TestPipelineJournalRecovery kills the consolidator after journaling and
// verifies a restart replays the record into the catalog.
func TestPipelineJournalRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Resolve()

	cat, err := catalog.NewCatalog(cfg.CatalogPath())
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	journalDir := filepath.Join(dir, "journal")
	journal, err := consolidate.NewJournal(journalDir, cfg.Persistence.JournalMaxSegmentBytes)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a crash after journaling: write the entry directly, as the
	// consolidator does before its catalog insert.
	lost := &types.PersistedRecord{
		FusedRecord: types.FusedRecord{
			CorrelationID:    "m-crashed",
			ZoneID:           "gate-north",
			Timestamp:        time.Now().UTC(),
			Speed:            15.2,
			Direction:        types.DirectionApproaching,
			MotionConfidence: 0.76,
			FusedConfidence:  0.76,
			State:            types.StatePartial,
		},
		IdempotencyKey: "m-crashed",
		InsertedAt:     time.Now().UTC(),
	}
	if err := journal.Append(lost); err != nil {
		t.Fatal(err)
	}
	journal.Close()

	journal2, err := consolidate.NewJournal(journalDir, cfg.Persistence.JournalMaxSegmentBytes)
	if err != nil {
		t.Fatal(err)
	}
	defer journal2.Close()

	m := observability.NewMetrics()
	st := store.New(cfg.Store.MemoryBudgetBytes, m)
	cons := consolidate.New(cfg.Persistence, st, cat, journal2, nil, nil, m)
	if err := cons.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer cons.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := cat.GetByCorrelationID(context.Background(), "m-crashed")
		if err != nil {
			t.Fatal(err)
		}
		if rec != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("journaled record never replayed into the catalog")
}
