package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kestrelsense/kestrel/internal/notify"
)

// defaultHeartbeat keeps idle SSE connections alive through proxies.
const defaultHeartbeat = 15 * time.Second

// StreamHandler handles GET /v1/stream requests, serving persisted records
// as server-sent events. Repeated zone parameters filter the feed by zone
// prefix; no parameter streams every record.
type StreamHandler struct {
	notifier  *notify.Notifier
	heartbeat time.Duration
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(n *notify.Notifier) *StreamHandler {
	return &StreamHandler{notifier: n, heartbeat: defaultHeartbeat}
}

// ServeHTTP streams records until the client disconnects. A client that
// cannot keep up loses records; the feed never buffers unboundedly.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", requestID)
		return
	}

	// The server's write timeout would sever long-lived streams; lift it
	// for this connection and let the heartbeat detect dead clients.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		writeError(w, http.StatusInternalServerError, "streaming not supported", requestID)
		return
	}

	zones := r.URL.Query()["zone"]
	sub := h.notifier.Subscribe(zones...)
	defer h.notifier.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case rec, open := <-sub.Ch:
			if !open {
				return
			}
			data, err := json.Marshal(RecordToJSON(rec))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: record\ndata: %s\n\n", data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}
