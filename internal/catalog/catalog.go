// Package catalog persists fused records in a SQLite-backed durable catalog.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	kerrors "github.com/kestrelsense/kestrel/internal/errors"
	"github.com/kestrelsense/kestrel/pkg/types"
)

// Catalog is the durable record store consumed by the consolidator and the
// query API.
type Catalog interface {
	// InsertRecord writes a persisted record. A correlation_id already
	// present is a no-op success; inserted reports whether a row was added.
	InsertRecord(ctx context.Context, rec *types.PersistedRecord) (inserted bool, err error)

	// GetByCorrelationID retrieves a single record, nil when absent.
	GetByCorrelationID(ctx context.Context, correlationID string) (*types.PersistedRecord, error)

	// FindByTimeRange returns records with ts in [from, to], newest first.
	FindByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]*types.PersistedRecord, error)

	// FindOlderThan returns up to limit records inserted before the cutoff,
	// oldest first. Feeds the retention sweep's archive step.
	FindOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*types.PersistedRecord, error)

	// DeleteOlderThan purges records inserted before the cutoff, up to limit
	// rows. Returns the number deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)

	// ListCorrelationIDs streams every persisted correlation id. Used to
	// seed the consolidator's pre-check filter on startup.
	ListCorrelationIDs(ctx context.Context, fn func(id string) error) error

	// Count returns the number of persisted records.
	Count(ctx context.Context) (int64, error)

	// Close closes the catalog database connections.
	Close() error
}

// SQLiteCatalog implements Catalog using SQLite in WAL mode with a single
// writer connection and a concurrent read pool.
type SQLiteCatalog struct {
	db     *sql.DB // write connection, single writer
	readDB *sql.DB // read pool
	dbPath string
	mu     sync.Mutex // serializes writes

	insertStmt *sql.Stmt
}

// NewCatalog opens (or creates) the catalog at dbPath.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	c := &SQLiteCatalog{
		db:     db,
		readDB: readDB,
		dbPath: dbPath,
	}

	if err := c.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
	}

	insertStmt, err := db.Prepare(`
		INSERT OR IGNORE INTO records (
			correlation_id, zone_id, ts_ms, vehicle_detected,
			speed, direction, visual_confidence, motion_confidence,
			fused_confidence, correlation_delay_ms, state,
			contributing_events, environment_snapshot, inserted_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("catalog: failed to prepare insert statement: %w", err)
	}
	c.insertStmt = insertStmt

	return c, nil
}

func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// InsertRecord writes one persisted record. INSERT OR IGNORE on the
// correlation_id primary key makes duplicate delivery and retry replays
// no-op successes.
func (c *SQLiteCatalog) InsertRecord(ctx context.Context, rec *types.PersistedRecord) (bool, error) {
	contributing, err := json.Marshal(rec.ContributingEventIDs)
	if err != nil {
		return false, kerrors.NewInternalError("catalog: failed to encode contributing events", err)
	}

	var snapshot *string
	if rec.EnvironmentSnapshot != nil {
		data, err := json.Marshal(rec.EnvironmentSnapshot)
		if err != nil {
			return false, kerrors.NewInternalError("catalog: failed to encode environment snapshot", err)
		}
		s := string(data)
		snapshot = &s
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.insertStmt.ExecContext(ctx,
		rec.CorrelationID, rec.ZoneID, rec.Timestamp.UnixMilli(), boolToInt(rec.VehicleDetected),
		rec.Speed, string(rec.Direction), rec.VisualConfidence, rec.MotionConfidence,
		rec.FusedConfidence, rec.CorrelationDelayMS, string(rec.State),
		string(contributing), snapshot, rec.InsertedAt.UnixMilli(),
	)
	if err != nil {
		return false, kerrors.NewPersistenceError(kerrors.CodeWriteFailed,
			fmt.Sprintf("catalog: insert failed for %s", rec.CorrelationID), err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, kerrors.NewPersistenceError(kerrors.CodeWriteFailed,
			"catalog: rows affected unavailable", err)
	}
	return rows > 0, nil
}

const selectColumns = `
	correlation_id, zone_id, ts_ms, vehicle_detected,
	speed, direction, visual_confidence, motion_confidence,
	fused_confidence, correlation_delay_ms, state,
	contributing_events, environment_snapshot, inserted_at_ms`

// GetByCorrelationID retrieves a single record, nil when absent.
func (c *SQLiteCatalog) GetByCorrelationID(ctx context.Context, correlationID string) (*types.PersistedRecord, error) {
	row := c.readDB.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM records WHERE correlation_id = ?`, correlationID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to get record %s: %w", correlationID, err)
	}
	return rec, nil
}

// FindByTimeRange returns records with ts_ms in [from, to], newest first.
func (c *SQLiteCatalog) FindByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]*types.PersistedRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM records
		 WHERE ts_ms >= ? AND ts_ms <= ?
		 ORDER BY ts_ms DESC LIMIT ?`,
		from.UnixMilli(), to.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: time range query failed: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// FindOlderThan returns up to limit records inserted before the cutoff,
// oldest first.
func (c *SQLiteCatalog) FindOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*types.PersistedRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM records
		 WHERE inserted_at_ms < ?
		 ORDER BY inserted_at_ms ASC LIMIT ?`,
		cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: older-than query failed: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// DeleteOlderThan purges up to limit records inserted before the cutoff.
func (c *SQLiteCatalog) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		`DELETE FROM records WHERE correlation_id IN (
			SELECT correlation_id FROM records
			WHERE inserted_at_ms < ?
			ORDER BY inserted_at_ms ASC LIMIT ?
		)`,
		cutoff.UnixMilli(), limit)
	if err != nil {
		return 0, kerrors.NewPersistenceError(kerrors.CodeWriteFailed,
			"catalog: retention delete failed", err)
	}
	return res.RowsAffected()
}

// ListCorrelationIDs streams every persisted correlation id.
func (c *SQLiteCatalog) ListCorrelationIDs(ctx context.Context, fn func(id string) error) error {
	rows, err := c.readDB.QueryContext(ctx, `SELECT correlation_id FROM records`)
	if err != nil {
		return fmt.Errorf("catalog: id scan failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("catalog: id scan failed: %w", err)
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count returns the number of persisted records.
func (c *SQLiteCatalog) Count(ctx context.Context) (int64, error) {
	var n int64
	err := c.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("catalog: count failed: %w", err)
	}
	return n, nil
}

// Close closes both database connections.
func (c *SQLiteCatalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.insertStmt != nil {
		c.insertStmt.Close()
	}
	if err := c.readDB.Close(); err != nil {
		c.db.Close()
		return fmt.Errorf("catalog: failed to close read database: %w", err)
	}
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("catalog: failed to close database: %w", err)
	}
	return nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*types.PersistedRecord, error) {
	var (
		rec          types.PersistedRecord
		tsMS         int64
		detected     int
		direction    string
		state        string
		contributing string
		snapshot     *string
		insertedMS   int64
	)
	if err := s.Scan(
		&rec.CorrelationID, &rec.ZoneID, &tsMS, &detected,
		&rec.Speed, &direction, &rec.VisualConfidence, &rec.MotionConfidence,
		&rec.FusedConfidence, &rec.CorrelationDelayMS, &state,
		&contributing, &snapshot, &insertedMS,
	); err != nil {
		return nil, err
	}

	rec.Timestamp = time.UnixMilli(tsMS).UTC()
	rec.VehicleDetected = detected != 0
	rec.Direction = types.Direction(direction)
	rec.State = types.RecordState(state)
	rec.IdempotencyKey = rec.CorrelationID
	rec.InsertedAt = time.UnixMilli(insertedMS).UTC()

	if err := json.Unmarshal([]byte(contributing), &rec.ContributingEventIDs); err != nil {
		return nil, fmt.Errorf("corrupt contributing_events for %s: %w", rec.CorrelationID, err)
	}
	if snapshot != nil {
		if err := json.Unmarshal([]byte(*snapshot), &rec.EnvironmentSnapshot); err != nil {
			return nil, fmt.Errorf("corrupt environment_snapshot for %s: %w", rec.CorrelationID, err)
		}
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*types.PersistedRecord, error) {
	var out []*types.PersistedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: row scan failed: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
