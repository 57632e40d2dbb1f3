package catalog

// Schema for the durable record catalog (records.db).
//
// correlation_id is the primary key, which makes InsertRecord naturally
// idempotent: one persisted row per trigger, ever.

const recordsTableSQL = `
CREATE TABLE IF NOT EXISTS records (
	correlation_id       TEXT PRIMARY KEY,
	zone_id              TEXT NOT NULL,
	ts_ms                INTEGER NOT NULL,
	vehicle_detected     INTEGER NOT NULL,
	speed                REAL NOT NULL,
	direction            TEXT NOT NULL,
	visual_confidence    REAL,
	motion_confidence    REAL NOT NULL,
	fused_confidence     REAL NOT NULL,
	correlation_delay_ms INTEGER,
	state                TEXT NOT NULL,
	contributing_events  TEXT NOT NULL,
	environment_snapshot TEXT,
	inserted_at_ms       INTEGER NOT NULL
)`

const recordsTimeIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_records_ts ON records(ts_ms)`

const recordsZoneIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_records_zone_ts ON records(zone_id, ts_ms)`

const recordsInsertedIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_records_inserted ON records(inserted_at_ms)`

// AllSchemaSQL returns every schema statement in creation order.
func AllSchemaSQL() []string {
	return []string{
		recordsTableSQL,
		recordsTimeIndexSQL,
		recordsZoneIndexSQL,
		recordsInsertedIndexSQL,
	}
}
