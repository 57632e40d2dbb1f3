package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	kerrors "github.com/kestrelsense/kestrel/internal/errors"
	"github.com/kestrelsense/kestrel/pkg/types"
)

// fakeSink records ingested events and rejects malformed ones the way the
// engine does.
type fakeSink struct {
	events []types.SensorEvent
}

func (s *fakeSink) Ingest(ctx context.Context, ev types.SensorEvent) error {
	if err := types.ValidateEvent(ev); err != nil {
		return kerrors.Wrap(kerrors.ErrCategoryValidation, kerrors.CodeMalformedEvent,
			"rejected event", err)
	}
	s.events = append(s.events, ev)
	return nil
}

func postEvents(t *testing.T, h *IngestHandler, body string) (*httptest.ResponseRecorder, IngestResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp IngestResponse
	if rr.Code == http.StatusOK {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rr, resp
}

func TestIngestBatchAllVariants(t *testing.T) {
	sink := &fakeSink{}
	h := NewIngestHandler(sink)

	body := `{"events": [
		{"modality":"motion","source_id":"radar-1","event_id":"m-1","zone_id":"zone-a",
		 "timestamp_ms":1750000000000,"speed":15.2,"direction":"approaching","magnitude":3500},
		{"modality":"vision","source_id":"cam-1","event_id":"v-1","zone_id":"zone-a",
		 "timestamp_ms":1750000000002,"confidence":0.85,
		 "detections":[{"bbox":[0.1,0.2,0.5,0.8],"class":"car","confidence":0.91}]},
		{"modality":"environment","source_id":"env-1","event_id":"e-1",
		 "timestamp_ms":1750000000000,"fields":{"temperature_c":21.5}}
	]}`

	rr, resp := postEvents(t, h, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if resp.Accepted != 3 || resp.Rejected != 0 {
		t.Errorf("accepted=%d rejected=%d, want 3/0", resp.Accepted, resp.Rejected)
	}
	if len(sink.events) != 3 {
		t.Fatalf("sink got %d events", len(sink.events))
	}

	motion, ok := sink.events[0].(types.MotionEvent)
	if !ok {
		t.Fatalf("event 0 is %T, want MotionEvent", sink.events[0])
	}
	if motion.Speed != 15.2 || motion.Direction != types.DirectionApproaching {
		t.Errorf("motion fields lost: %+v", motion)
	}
	if motion.Time.UnixMilli() != 1750000000000 {
		t.Errorf("timestamp = %d", motion.Time.UnixMilli())
	}

	vision, ok := sink.events[1].(types.VisionEvent)
	if !ok || len(vision.Detections) != 1 || vision.Detections[0].Class != "car" {
		t.Errorf("vision detections lost: %+v", sink.events[1])
	}

	env, ok := sink.events[2].(types.EnvironmentSample)
	if !ok || env.Fields["temperature_c"] != 21.5 {
		t.Errorf("environment fields lost: %+v", sink.events[2])
	}
}

func TestIngestRejectsIndividually(t *testing.T) {
	sink := &fakeSink{}
	h := NewIngestHandler(sink)

	// Middle event has an unknown modality; the batch continues around it.
	body := `{"events": [
		{"modality":"motion","source_id":"radar-1","event_id":"m-1","zone_id":"zone-a",
		 "timestamp_ms":1750000000000,"speed":15.2,"direction":"approaching","magnitude":3500},
		{"modality":"thermal","source_id":"ir-1","event_id":"t-1","timestamp_ms":1750000000000},
		{"modality":"motion","source_id":"radar-1","event_id":"","zone_id":"zone-a",
		 "timestamp_ms":1750000000000,"speed":15.2,"direction":"approaching","magnitude":3500}
	]}`

	rr, resp := postEvents(t, h, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if resp.Accepted != 1 || resp.Rejected != 2 {
		t.Errorf("accepted=%d rejected=%d, want 1/2", resp.Accepted, resp.Rejected)
	}
	if len(resp.Errors) != 2 {
		t.Fatalf("errors = %d, want 2", len(resp.Errors))
	}
	if resp.Errors[0].Index != 1 || resp.Errors[1].Index != 2 {
		t.Errorf("error indexes = %d, %d", resp.Errors[0].Index, resp.Errors[1].Index)
	}
	if len(sink.events) != 1 {
		t.Errorf("sink got %d events, want only the valid one", len(sink.events))
	}
}

func TestIngestBadRequests(t *testing.T) {
	h := NewIngestHandler(&fakeSink{})

	rr, _ := postEvents(t, h, `{not json`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", rr.Code)
	}

	rr, _ = postEvents(t, h, `{"events": []}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty batch: status = %d, want 400", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: status = %d, want 405", rec.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	h := DefaultMiddleware()(NewIngestHandler(&fakeSink{}))

	req := httptest.NewRequest(http.MethodPost, "/v1/events",
		strings.NewReader(`{"events":[{"modality":"environment","source_id":"env-1","event_id":"e-1","timestamp_ms":1750000000000}]}`))
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q", got)
	}
	var resp IngestResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.RequestID != "req-42" {
		t.Errorf("body request_id = %q", resp.RequestID)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := DefaultMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}
