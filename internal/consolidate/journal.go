package consolidate

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/kestrelsense/kestrel/pkg/types"
)

// Journal is an append-only segment log of records headed for the durable
// catalog. Each record is journaled before the catalog write so a crash
// loses at most the unsynced tail, not the whole in-memory queue. Framing
// per entry: [length:4 LE][crc32:4 LE][json payload].
type Journal struct {
	dir        string
	segment    *os.File
	segmentID  uint64
	offset     int64
	maxSegSize int64
	mu         sync.Mutex
}

// NewJournal opens the journal directory, resuming the highest existing
// segment.
func NewJournal(dir string, maxSegSize int64) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("journal: failed to create directory: %w", err)
	}
	if maxSegSize <= 0 {
		maxSegSize = 16 * 1024 * 1024
	}

	j := &Journal{
		dir:        dir,
		maxSegSize: maxSegSize,
	}
	if err := j.findLastSegment(); err != nil {
		return nil, err
	}
	if err := j.openSegment(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) findLastSegment() error {
	names, err := segmentFiles(j.dir)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	last := names[len(names)-1]
	var segmentID uint64
	if _, err := fmt.Sscanf(last, "journal_%016x.log", &segmentID); err == nil {
		j.segmentID = segmentID
	}
	return nil
}

func (j *Journal) openSegment() error {
	path := filepath.Join(j.dir, fmt.Sprintf("journal_%016x.log", j.segmentID))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("journal: failed to open segment: %w", err)
	}

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("journal: failed to seek segment: %w", err)
	}

	j.segment = file
	j.offset = offset
	return nil
}

// Append journals one record and fsyncs before returning. The record is
// recoverable after this call even if the process dies before the catalog
// write lands.
func (j *Journal) Append(rec *types.PersistedRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: failed to serialize record %s: %w", rec.CorrelationID, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	crc := crc32.ChecksumIEEE(payload)
	if err := binary.Write(j.segment, binary.LittleEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("journal: failed to write length: %w", err)
	}
	if err := binary.Write(j.segment, binary.LittleEndian, crc); err != nil {
		return fmt.Errorf("journal: failed to write CRC: %w", err)
	}
	if _, err := j.segment.Write(payload); err != nil {
		return fmt.Errorf("journal: failed to write payload: %w", err)
	}
	if err := j.segment.Sync(); err != nil {
		return fmt.Errorf("journal: failed to fsync: %w", err)
	}

	j.offset += int64(8 + len(payload))
	if j.offset >= j.maxSegSize {
		return j.rotateLocked()
	}
	return nil
}

// Rotate closes the current segment and opens a new one.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rotateLocked()
}

func (j *Journal) rotateLocked() error {
	if j.segment != nil {
		if err := j.segment.Close(); err != nil {
			return fmt.Errorf("journal: failed to close segment: %w", err)
		}
	}
	j.segmentID++
	return j.openSegment()
}

// Close fsyncs and closes the current segment.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.segment == nil {
		return nil
	}
	if err := j.segment.Sync(); err != nil {
		return fmt.Errorf("journal: failed to fsync on close: %w", err)
	}
	if err := j.segment.Close(); err != nil {
		return fmt.Errorf("journal: failed to close segment: %w", err)
	}
	j.segment = nil
	return nil
}

// ReadAll returns every intact record across all segments in append order.
// Truncated tails and CRC-mismatched entries are skipped, not fatal: the
// journal recovers what it can.
func ReadAll(dir string) ([]*types.PersistedRecord, error) {
	names, err := segmentFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*types.PersistedRecord
	for _, name := range names {
		records, err := readSegment(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

func readSegment(path string) ([]*types.PersistedRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to open segment: %w", err)
	}
	defer file.Close()

	var out []*types.PersistedRecord
	for {
		var length uint32
		if err := binary.Read(file, binary.LittleEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("journal: failed to read length: %w", err)
		}

		var crc uint32
		if err := binary.Read(file, binary.LittleEndian, &crc); err != nil {
			break // truncated header
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			break // truncated write
		}

		if crc32.ChecksumIEEE(payload) != crc {
			continue // corrupt entry, skip
		}

		var rec types.PersistedRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// Purge removes all segments except the active one. Called after recovery
// confirms every journaled record is in the catalog.
func (j *Journal) Purge() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	names, err := segmentFiles(j.dir)
	if err != nil {
		return err
	}
	active := fmt.Sprintf("journal_%016x.log", j.segmentID)
	for _, name := range names {
		if name == active {
			continue
		}
		if err := os.Remove(filepath.Join(j.dir, name)); err != nil {
			return fmt.Errorf("journal: failed to remove segment %s: %w", name, err)
		}
	}
	return nil
}

func segmentFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) == len("journal_0000000000000000.log") && name[:8] == "journal_" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
