package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kestrelsense/kestrel/pkg/types"
)

// EventSink accepts sensor events for correlation. Satisfied by the engine.
type EventSink interface {
	Ingest(ctx context.Context, ev types.SensorEvent) error
}

// IngestRequest is the batch ingest request body.
type IngestRequest struct {
	Events []EventEnvelope `json:"events"`
}

// IngestError reports one rejected event by its batch index.
type IngestError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// IngestResponse summarises one ingest batch. Duplicate deliveries count as
// accepted; only structural rejections appear in Errors.
type IngestResponse struct {
	Accepted  int           `json:"accepted"`
	Rejected  int           `json:"rejected"`
	Errors    []IngestError `json:"errors,omitempty"`
	RequestID string        `json:"request_id"`
}

// IngestHandler handles POST /v1/events requests.
type IngestHandler struct {
	sink EventSink
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(sink EventSink) *IngestHandler {
	return &IngestHandler{sink: sink}
}

// ServeHTTP handles the batch ingest HTTP request. Each event is accepted or
// rejected individually; a malformed event never fails the batch.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "events is required", requestID)
		return
	}

	resp := IngestResponse{RequestID: requestID}
	for i, env := range req.Events {
		ev, err := env.ToEvent()
		if err == nil {
			err = h.sink.Ingest(r.Context(), ev)
		}
		if err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, IngestError{Index: i, Error: err.Error()})
			continue
		}
		resp.Accepted++
	}

	writeJSON(w, http.StatusOK, resp)
}
