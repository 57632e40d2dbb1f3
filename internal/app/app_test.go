package app

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelsense/kestrel/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.HTTP.IngestAddr = "127.0.0.1:0"
	cfg.HTTP.QueryAddr = "127.0.0.1:0"
	return cfg
}

func TestAppStopRunsShutdownManager(t *testing.T) {
	a, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.shutdown.IsShuttingDown() {
		t.Fatal("shutdown must not be flagged while running")
	}

	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !a.shutdown.IsShuttingDown() {
		t.Error("Stop must drain and close through the shutdown manager")
	}
	if got := a.shutdown.InFlightCount(); got != 0 {
		t.Errorf("in-flight after stop = %d, want 0", got)
	}
}

func TestWaitForShutdownReturnsOnCancel(t *testing.T) {
	a, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.WaitForShutdown(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForShutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForShutdown did not return after cancel")
	}
	if !a.shutdown.IsShuttingDown() {
		t.Error("cancellation must initiate shutdown")
	}
}

func TestAppStartTwiceFails(t *testing.T) {
	a, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background())

	if err := a.Start(context.Background()); err == nil {
		t.Error("second Start must fail while running")
	}
}
