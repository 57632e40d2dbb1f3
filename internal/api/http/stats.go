package http

import (
	"fmt"
	"net/http"

	"github.com/kestrelsense/kestrel/internal/catalog"
	"github.com/kestrelsense/kestrel/internal/observability"
)

// StatsResponse reports engine counters and catalog size.
type StatsResponse struct {
	Counters         observability.Snapshot `json:"counters"`
	PersistedRecords int64                  `json:"persisted_records"`
	RequestID        string                 `json:"request_id"`
}

// StatsHandler handles GET /v1/stats requests.
type StatsHandler struct {
	metrics *observability.Metrics
	catalog catalog.Catalog // nil when this process has no catalog
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(metrics *observability.Metrics, cat catalog.Catalog) *StatsHandler {
	return &StatsHandler{metrics: metrics, catalog: cat}
}

// ServeHTTP handles the stats HTTP request.
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	resp := StatsResponse{
		Counters:  h.metrics.Snapshot(),
		RequestID: requestID,
	}
	if h.catalog != nil {
		count, err := h.catalog.Count(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("catalog count failed: %v", err), requestID)
			return
		}
		resp.PersistedRecords = count
	}

	writeJSON(w, http.StatusOK, resp)
}

// HealthHandler handles GET /healthz requests.
type HealthHandler struct{}

// ServeHTTP reports liveness.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
