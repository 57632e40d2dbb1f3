package archive

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kestrelsense/kestrel/pkg/types"
)

func archivedRecord(id string, insertedAt time.Time) *types.PersistedRecord {
	visual := 0.85
	return &types.PersistedRecord{
		FusedRecord: types.FusedRecord{
			CorrelationID:    id,
			ZoneID:           "zone-a",
			Timestamp:        insertedAt.Add(-time.Second),
			VehicleDetected:  true,
			Speed:            15.2,
			Direction:        types.DirectionApproaching,
			VisualConfidence: &visual,
			MotionConfidence: 0.76,
			FusedConfidence:  0.855,
			State:            types.StateFused,
		},
		EnvironmentSnapshot: map[string]interface{}{"temperature_c": 21.5},
		IdempotencyKey:      id,
		InsertedAt:          insertedAt,
	}
}

func TestExportAndReadBatch(t *testing.T) {
	st, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	exp := NewExporter(st, "archive")
	ctx := context.Background()

	insertedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var records []*types.PersistedRecord
	for i := 0; i < 10; i++ {
		records = append(records, archivedRecord(fmt.Sprintf("corr-%d", i), insertedAt))
	}

	path, err := exp.ExportBatch(ctx, records)
	if err != nil {
		t.Fatalf("ExportBatch: %v", err)
	}
	if !strings.HasPrefix(path, "archive/2026/03/01/batch-") || !strings.HasSuffix(path, ".jsonl.snappy") {
		t.Errorf("batch path = %s, want date-sharded jsonl.snappy", path)
	}

	got, err := exp.ReadBatch(ctx, path)
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("read %d records, want 10", len(got))
	}
	if got[0].CorrelationID != "corr-0" || got[9].CorrelationID != "corr-9" {
		t.Errorf("record order not preserved: %s..%s", got[0].CorrelationID, got[9].CorrelationID)
	}
	if got[3].VisualConfidence == nil || *got[3].VisualConfidence != 0.85 {
		t.Errorf("visual confidence lost in archive round trip")
	}
	if got[3].EnvironmentSnapshot["temperature_c"] != 21.5 {
		t.Errorf("environment snapshot lost in archive round trip")
	}
}

func TestExportEmptyBatch(t *testing.T) {
	st, _ := NewLocalStore(t.TempDir())
	exp := NewExporter(st, "archive")

	path, err := exp.ExportBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("empty batch must not error: %v", err)
	}
	if path != "" {
		t.Errorf("empty batch must write nothing, got %s", path)
	}
}

func TestListBatches(t *testing.T) {
	st, _ := NewLocalStore(t.TempDir())
	exp := NewExporter(st, "archive")
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := exp.ExportBatch(ctx, []*types.PersistedRecord{archivedRecord(fmt.Sprintf("corr-%d", i), at)}); err != nil {
			t.Fatal(err)
		}
	}

	batches, err := exp.ListBatches(ctx)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(batches) != 3 {
		t.Errorf("batches = %d, want 3", len(batches))
	}
}
