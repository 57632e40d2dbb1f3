package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/kestrelsense/kestrel/pkg/types"
)

// Exporter writes retention-expired record batches to an object store as
// snappy-compressed JSON lines. The retention sweep exports a batch before
// purging the rows it covers.
type Exporter struct {
	store  ObjectStore
	prefix string
}

// NewExporter creates an exporter writing under the given object prefix.
func NewExporter(store ObjectStore, prefix string) *Exporter {
	if prefix == "" {
		prefix = "archive"
	}
	return &Exporter{store: store, prefix: prefix}
}

// ExportBatch writes one batch and returns its object path. Batches are
// keyed by the insertion day of the oldest record so archives shard by date:
// <prefix>/YYYY/MM/DD/batch-<uuid>.jsonl.snappy
func (e *Exporter) ExportBatch(ctx context.Context, records []*types.PersistedRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return "", fmt.Errorf("archive: failed to encode record %s: %w", rec.CorrelationID, err)
		}
	}

	objectPath := e.batchPath(records[0].InsertedAt)
	compressed := snappy.Encode(nil, buf.Bytes())
	if err := e.store.Put(ctx, objectPath, compressed); err != nil {
		return "", fmt.Errorf("archive: failed to store batch %s: %w", objectPath, err)
	}
	return objectPath, nil
}

// ReadBatch decompresses and decodes one archived batch.
func (e *Exporter) ReadBatch(ctx context.Context, objectPath string) ([]*types.PersistedRecord, error) {
	compressed, err := e.store.Get(ctx, objectPath)
	if err != nil {
		return nil, err
	}

	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("archive: corrupt batch %s: %w", objectPath, err)
	}

	var out []*types.PersistedRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec types.PersistedRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("archive: corrupt record in %s: %w", objectPath, err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

// ListBatches returns the object paths of all archived batches.
func (e *Exporter) ListBatches(ctx context.Context) ([]string, error) {
	return e.store.List(ctx, e.prefix+"/")
}

func (e *Exporter) batchPath(oldest time.Time) string {
	return fmt.Sprintf("%s/%s/batch-%s.jsonl.snappy",
		e.prefix, oldest.UTC().Format("2006/01/02"), uuid.NewString())
}
