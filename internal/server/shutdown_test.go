package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestShutdownClosesInLIFOOrder(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())

	var order []string
	sm.RegisterCloser(CloserFunc(func() error {
		order = append(order, "first")
		return nil
	}))
	sm.RegisterCloser(CloserFunc(func() error {
		order = append(order, "second")
		return nil
	}))

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("close order = %v, want LIFO", order)
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())

	calls := 0
	sm.RegisterCloser(CloserFunc(func() error {
		calls++
		return errors.New("close failed")
	}))

	if err := sm.Shutdown(context.Background(), "first"); err == nil {
		t.Error("closer error must propagate")
	}
	if err := sm.Shutdown(context.Background(), "second"); err != nil {
		t.Errorf("repeat shutdown must be a no-op, got %v", err)
	}
	if calls != 1 {
		t.Errorf("closer ran %d times, want 1", calls)
	}
}

func TestTrackRequestDuringShutdown(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())

	if !sm.TrackRequest() {
		t.Fatal("request before shutdown must be accepted")
	}
	sm.UntrackRequest()

	sm.Shutdown(context.Background(), "test")
	if sm.TrackRequest() {
		t.Error("request during shutdown must be rejected")
	}
	if !sm.IsShuttingDown() {
		t.Error("IsShuttingDown must report true")
	}
}

func TestDrainWaitsForInFlight(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{
		ShutdownTimeout: time.Second,
		DrainTimeout:    time.Second,
	})

	sm.TrackRequest()
	go func() {
		time.Sleep(150 * time.Millisecond)
		sm.UntrackRequest()
	}()

	start := time.Now()
	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Error("shutdown returned before the in-flight request finished")
	}
}

func TestDrainTimeout(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{
		ShutdownTimeout: time.Second,
		DrainTimeout:    50 * time.Millisecond,
	})

	sm.TrackRequest() // never untracked
	if err := sm.Shutdown(context.Background(), "test"); err == nil {
		t.Error("stuck in-flight request must surface a drain error")
	}
}

func TestShutdownMiddleware(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())
	h := ShutdownMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status before shutdown = %d", rr.Code)
	}

	sm.Shutdown(context.Background(), "test")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status during shutdown = %d, want 503", rr.Code)
	}
}
