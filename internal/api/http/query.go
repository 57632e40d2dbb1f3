package http

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/kestrelsense/kestrel/internal/catalog"
	"github.com/kestrelsense/kestrel/internal/store"
	"github.com/kestrelsense/kestrel/pkg/types"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// RecordsResponse is the response for a time-range record query.
type RecordsResponse struct {
	Records   []RecordJSON `json:"records"`
	Count     int          `json:"count"`
	RequestID string       `json:"request_id"`
}

// RecordsHandler handles GET /v1/records requests. A correlation_id parameter
// looks up a single record; otherwise from/to select a time range. Records
// that exhausted their durable-write retries are served from the pending
// index until their TTL, state pending.
type RecordsHandler struct {
	catalog catalog.Catalog
	pending *store.RecordIndex // nil when the engine runs elsewhere
}

// NewRecordsHandler creates a new records query handler.
func NewRecordsHandler(cat catalog.Catalog, pending *store.RecordIndex) *RecordsHandler {
	return &RecordsHandler{catalog: cat, pending: pending}
}

// ServeHTTP handles the record query HTTP request.
func (h *RecordsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	q := r.URL.Query()

	if id := q.Get("correlation_id"); id != "" {
		rec, err := h.catalog.GetByCorrelationID(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("lookup failed: %v", err), requestID)
			return
		}
		if rec == nil && h.pending != nil {
			rec, _ = h.pending.Get(id)
		}
		if rec == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("record %s not found", id), requestID)
			return
		}
		writeJSON(w, http.StatusOK, RecordToJSON(rec))
		return
	}

	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid from: %v", err), requestID)
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid to: %v", err), requestID)
		return
	}
	if from.IsZero() || to.IsZero() {
		writeError(w, http.StatusBadRequest, "correlation_id or from/to is required", requestID)
		return
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must not precede from", requestID)
		return
	}

	limit := defaultQueryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %q", v), requestID)
			return
		}
		limit = n
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	records, err := h.catalog.FindByTimeRange(r.Context(), from, to, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err), requestID)
		return
	}
	if h.pending != nil {
		records = mergePending(records, h.pending.ScanRange(from, to), limit)
	}

	resp := RecordsResponse{
		Records:   make([]RecordJSON, 0, len(records)),
		RequestID: requestID,
	}
	for _, rec := range records {
		resp.Records = append(resp.Records, RecordToJSON(rec))
	}
	resp.Count = len(resp.Records)

	writeJSON(w, http.StatusOK, resp)
}

// mergePending folds pending records into a durable result set, keeping the
// newest-first order and the limit. A correlation id already durable wins
// over its pending copy.
func mergePending(durable, pending []*types.PersistedRecord, limit int) []*types.PersistedRecord {
	if len(pending) == 0 {
		return durable
	}

	seen := make(map[string]bool, len(durable))
	for _, rec := range durable {
		seen[rec.CorrelationID] = true
	}
	out := durable
	for _, rec := range pending {
		if !seen[rec.CorrelationID] {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// parseTimeParam accepts RFC 3339 timestamps or unix milliseconds. An empty
// value yields the zero time.
func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 or unix milliseconds: %q", v)
	}
	return t.UTC(), nil
}
