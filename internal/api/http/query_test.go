package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/kestrelsense/kestrel/internal/observability"
	"github.com/kestrelsense/kestrel/internal/store"
	"github.com/kestrelsense/kestrel/pkg/types"
)

// memCatalog is an in-memory catalog for handler tests.
type memCatalog struct {
	records map[string]*types.PersistedRecord
}

func newMemCatalog() *memCatalog {
	return &memCatalog{records: make(map[string]*types.PersistedRecord)}
}

func (c *memCatalog) InsertRecord(_ context.Context, rec *types.PersistedRecord) (bool, error) {
	if _, ok := c.records[rec.CorrelationID]; ok {
		return false, nil
	}
	c.records[rec.CorrelationID] = rec
	return true, nil
}

func (c *memCatalog) GetByCorrelationID(_ context.Context, id string) (*types.PersistedRecord, error) {
	return c.records[id], nil
}

func (c *memCatalog) FindByTimeRange(_ context.Context, from, to time.Time, limit int) ([]*types.PersistedRecord, error) {
	var out []*types.PersistedRecord
	for _, rec := range c.records {
		if !rec.Timestamp.Before(from) && !rec.Timestamp.After(to) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *memCatalog) FindOlderThan(_ context.Context, cutoff time.Time, limit int) ([]*types.PersistedRecord, error) {
	var out []*types.PersistedRecord
	for _, rec := range c.records {
		if rec.InsertedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InsertedAt.Before(out[j].InsertedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *memCatalog) DeleteOlderThan(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	var n int64
	for id, rec := range c.records {
		if rec.InsertedAt.Before(cutoff) && n < int64(limit) {
			delete(c.records, id)
			n++
		}
	}
	return n, nil
}

func (c *memCatalog) ListCorrelationIDs(_ context.Context, fn func(string) error) error {
	for id := range c.records {
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func (c *memCatalog) Count(context.Context) (int64, error) {
	return int64(len(c.records)), nil
}

func (c *memCatalog) Close() error { return nil }

func persistedRecord(id string, ts time.Time) *types.PersistedRecord {
	conf := 0.85
	delay := int64(2)
	return &types.PersistedRecord{
		FusedRecord: types.FusedRecord{
			CorrelationID:      id,
			ZoneID:             "zone-a",
			Timestamp:          ts,
			VehicleDetected:    true,
			Speed:              15.2,
			Direction:          types.DirectionApproaching,
			VisualConfidence:   &conf,
			MotionConfidence:   0.76,
			FusedConfidence:    0.86,
			CorrelationDelayMS: &delay,
			ContributingEventIDs: []types.EventKey{
				{Modality: types.ModalityMotion, SourceID: "radar-1", EventID: id},
			},
			State: types.StateFused,
		},
		EnvironmentSnapshot: map[string]interface{}{"temperature_c": 21.5},
		IdempotencyKey:      id,
		InsertedAt:          ts.Add(time.Second),
	}
}

func getRecords(t *testing.T, h *RecordsHandler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRecordsByCorrelationID(t *testing.T) {
	cat := newMemCatalog()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cat.InsertRecord(context.Background(), persistedRecord("corr-1", ts))
	h := NewRecordsHandler(cat, nil)

	rr := getRecords(t, h, "/v1/records?correlation_id=corr-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	var rec RecordJSON
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.CorrelationID != "corr-1" || !rec.VehicleDetected {
		t.Errorf("record = %+v", rec)
	}
	if rec.VisualConfidence == nil || *rec.VisualConfidence != 0.85 {
		t.Errorf("visual_confidence = %v", rec.VisualConfidence)
	}
	if rec.TimestampMS != ts.UnixMilli() {
		t.Errorf("timestamp_ms = %d", rec.TimestampMS)
	}
	if len(rec.ContributingEventIDs) != 1 || rec.ContributingEventIDs[0] != "motion/radar-1/corr-1" {
		t.Errorf("contributing_event_ids = %v", rec.ContributingEventIDs)
	}
}

func TestRecordsNotFound(t *testing.T) {
	h := NewRecordsHandler(newMemCatalog(), nil)
	rr := getRecords(t, h, "/v1/records?correlation_id=missing")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestRecordsByTimeRange(t *testing.T) {
	cat := newMemCatalog()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		cat.InsertRecord(context.Background(),
			persistedRecord(fmt.Sprintf("corr-%d", i), base.Add(time.Duration(i)*time.Minute)))
	}
	h := NewRecordsHandler(cat, nil)

	target := fmt.Sprintf("/v1/records?from=%d&to=%d&limit=2",
		base.UnixMilli(), base.Add(10*time.Minute).UnixMilli())
	rr := getRecords(t, h, target)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	var resp RecordsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 {
		t.Fatalf("count = %d, want limit applied", resp.Count)
	}
	// Newest first.
	if resp.Records[0].CorrelationID != "corr-4" || resp.Records[1].CorrelationID != "corr-3" {
		t.Errorf("order = %s, %s", resp.Records[0].CorrelationID, resp.Records[1].CorrelationID)
	}
}

func TestRecordsAcceptsRFC3339(t *testing.T) {
	cat := newMemCatalog()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cat.InsertRecord(context.Background(), persistedRecord("corr-1", base))
	h := NewRecordsHandler(cat, nil)

	rr := getRecords(t, h,
		"/v1/records?from=2026-03-01T09:00:00Z&to=2026-03-01T11:00:00Z")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp RecordsResponse
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}
}

func TestRecordsBadParams(t *testing.T) {
	h := NewRecordsHandler(newMemCatalog(), nil)

	cases := []string{
		"/v1/records",
		"/v1/records?from=2026-03-01T10:00:00Z",
		"/v1/records?from=not-a-time&to=2026-03-01T10:00:00Z",
		"/v1/records?from=2026-03-01T11:00:00Z&to=2026-03-01T10:00:00Z",
		"/v1/records?from=2026-03-01T09:00:00Z&to=2026-03-01T10:00:00Z&limit=zero",
	}
	for _, target := range cases {
		if rr := getRecords(t, h, target); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rr.Code)
		}
	}
}

func TestRecordsServesPendingByID(t *testing.T) {
	pending := store.NewRecordIndex(10 * time.Minute)
	rec := persistedRecord("corr-stuck", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	pending.Put(rec)
	h := NewRecordsHandler(newMemCatalog(), pending)

	rr := getRecords(t, h, "/v1/records?correlation_id=corr-stuck")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	var got RecordJSON
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.CorrelationID != "corr-stuck" {
		t.Errorf("correlation_id = %s", got.CorrelationID)
	}
	if got.State != string(types.StatePending) {
		t.Errorf("state = %s, want pending", got.State)
	}
}

func TestRecordsMergePendingIntoRange(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cat := newMemCatalog()
	cat.InsertRecord(context.Background(), persistedRecord("corr-durable", base))

	pending := store.NewRecordIndex(10 * time.Minute)
	pending.Put(persistedRecord("corr-stuck", base.Add(time.Minute)))
	h := NewRecordsHandler(cat, pending)

	target := fmt.Sprintf("/v1/records?from=%d&to=%d",
		base.UnixMilli(), base.Add(5*time.Minute).UnixMilli())
	rr := getRecords(t, h, target)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	var resp RecordsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 {
		t.Fatalf("count = %d, want durable plus pending", resp.Count)
	}
	// Newest first across both sources.
	if resp.Records[0].CorrelationID != "corr-stuck" || resp.Records[1].CorrelationID != "corr-durable" {
		t.Errorf("order = %s, %s", resp.Records[0].CorrelationID, resp.Records[1].CorrelationID)
	}
	if resp.Records[0].State != string(types.StatePending) {
		t.Errorf("pending state = %s", resp.Records[0].State)
	}
}

func TestStatsHandler(t *testing.T) {
	cat := newMemCatalog()
	cat.InsertRecord(context.Background(), persistedRecord("corr-1", time.Now()))
	m := observability.NewMetrics()
	m.IncTriggersEmitted()
	m.IncRecordsFused()
	h := NewStatsHandler(m, cat)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var resp StatsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Counters.TriggersEmitted != 1 || resp.Counters.RecordsFused != 1 {
		t.Errorf("counters = %+v", resp.Counters)
	}
	if resp.PersistedRecords != 1 {
		t.Errorf("persisted_records = %d", resp.PersistedRecords)
	}
}
