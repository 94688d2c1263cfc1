package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteDriverName = "sqlite"

// InitDB opens/creates the SQLite DB file and ensures the schema exists.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %q: %w", path, err)
	}

	// Conservative pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is not great with many writers
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Fail fast if the DB cannot be reached
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return db, nil
}

const schemaThermostats = `
CREATE TABLE IF NOT EXISTS thermostats (
    thermostat_id TEXT PRIMARY KEY,
    ip_address TEXT NOT NULL,
    name TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT 'Unknown',
    api_version INTEGER NOT NULL DEFAULT 0,
    fw_version TEXT NOT NULL DEFAULT 'Unknown',
    capabilities TEXT,
    discovery_method TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT 1,
    away_temp REAL NOT NULL DEFAULT 50.0,
    created_at TIMESTAMP NOT NULL,
    last_seen TIMESTAMP NOT NULL
);
`

const schemaCurrentState = `
CREATE TABLE IF NOT EXISTS current_state (
    thermostat_id TEXT PRIMARY KEY REFERENCES thermostats(thermostat_id),
    ts TIMESTAMP NOT NULL,
    temp REAL,
    t_heat REAL,
    tmode INTEGER,
    tstate INTEGER,
    hold INTEGER,
    override INTEGER,
    ip_address TEXT,
    local_temp REAL,
    last_error TEXT
);
`

const schemaRawReadings = `
CREATE TABLE IF NOT EXISTS raw_readings (
    thermostat_id TEXT NOT NULL REFERENCES thermostats(thermostat_id),
    ts TIMESTAMP NOT NULL,
    temp REAL,
    t_heat REAL,
    tmode INTEGER,
    tstate INTEGER,
    hold INTEGER,
    override INTEGER,
    local_temp REAL,
    PRIMARY KEY (thermostat_id, ts)
);
`

const schemaMinuteReadings = `
CREATE TABLE IF NOT EXISTS minute_readings (
    thermostat_id TEXT NOT NULL REFERENCES thermostats(thermostat_id),
    minute_ts TIMESTAMP NOT NULL,
    temp_avg REAL,
    t_heat_last REAL,
    tmode_last INTEGER,
    hvac_runtime_percent REAL,
    poll_count INTEGER NOT NULL DEFAULT 0,
    poll_failures INTEGER NOT NULL DEFAULT 0,
    local_temp_avg REAL,
    PRIMARY KEY (thermostat_id, minute_ts)
);
`

const schemaDeviceConfig = `
CREATE TABLE IF NOT EXISTS device_config (
    thermostat_id TEXT PRIMARY KEY REFERENCES thermostats(thermostat_id),
    tmode_set INTEGER,
    tmode_applied_at TIMESTAMP,
    t_heat_set REAL,
    t_heat_applied_at TIMESTAMP,
    t_cool_set REAL,
    t_cool_applied_at TIMESTAMP,
    hold_set INTEGER,
    hold_applied_at TIMESTAMP,
    time_last_synced TIMESTAMP,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaSyncCheckpoint = `
CREATE TABLE IF NOT EXISTS sync_checkpoint (
    name TEXT PRIMARY KEY,
    last_ts TIMESTAMP NOT NULL
);
`

func ensureSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() {
		// In case of panic, rollback to avoid leaving an open transaction
		_ = tx.Rollback()
	}()

	for i, stmt := range []string{
		schemaThermostats,
		schemaCurrentState,
		schemaRawReadings,
		schemaMinuteReadings,
		schemaDeviceConfig,
		schemaSyncCheckpoint,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema transaction: %w", err)
	}
	return nil
}
