package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"thermostat_gateway/internal/models"
)

type ReadingSQLite struct {
	db *sql.DB
}

func NewReadingSQLite(db *sql.DB) *ReadingSQLite {
	return &ReadingSQLite{db: db}
}

const (
	upsertCurrentStateSQL = `
		INSERT INTO current_state
			(thermostat_id, ts, temp, t_heat, tmode, tstate, hold, override, ip_address, local_temp, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thermostat_id) DO UPDATE SET
			ts=excluded.ts,
			temp=excluded.temp,
			t_heat=excluded.t_heat,
			tmode=excluded.tmode,
			tstate=excluded.tstate,
			hold=excluded.hold,
			override=excluded.override,
			ip_address=excluded.ip_address,
			local_temp=excluded.local_temp,
			last_error=excluded.last_error
	`

	insertRawReadingSQL = `
		INSERT OR IGNORE INTO raw_readings
			(thermostat_id, ts, temp, t_heat, tmode, tstate, hold, override, local_temp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	selectCurrentSQL = `
		SELECT thermostat_id, ts, temp, t_heat, tmode, tstate, hold, override, ip_address, local_temp, last_error
		FROM current_state
	`

	// One row per device per minute; last-value fields come from the newest
	// raw reading inside the window.
	aggregateMinuteSQL = `
		INSERT OR IGNORE INTO minute_readings
			(thermostat_id, minute_ts, temp_avg, t_heat_last, tmode_last,
			 hvac_runtime_percent, poll_count, poll_failures, local_temp_avg)
		SELECT
			r.thermostat_id,
			?,
			AVG(r.temp),
			(SELECT r2.t_heat FROM raw_readings r2
			  WHERE r2.thermostat_id = r.thermostat_id AND r2.ts >= ? AND r2.ts < ?
			  ORDER BY r2.ts DESC LIMIT 1),
			(SELECT r3.tmode FROM raw_readings r3
			  WHERE r3.thermostat_id = r.thermostat_id AND r3.ts >= ? AND r3.ts < ?
			  ORDER BY r3.ts DESC LIMIT 1),
			ROUND(SUM(CASE WHEN r.tstate > 0 THEN 1 ELSE 0 END) * 100.0 / COUNT(*), 1),
			COUNT(*),
			0,
			AVG(r.local_temp)
		FROM raw_readings r
		WHERE r.ts >= ? AND r.ts < ?
		GROUP BY r.thermostat_id
	`

	selectMinuteSinceSQL = `
		SELECT thermostat_id, minute_ts, temp_avg, t_heat_last, tmode_last,
		       hvac_runtime_percent, poll_count, poll_failures, local_temp_avg
		FROM minute_readings
		WHERE minute_ts > ?
		ORDER BY minute_ts
	`
)

// SaveReading writes the current-state snapshot and the raw history row in
// one transaction so a poll either lands in both tables or neither.
func (r *ReadingSQLite) SaveReading(ctx context.Context, reading models.StatusReading) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reading transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := reading.Timestamp.UTC()
	var lastErr any
	if reading.LastError != "" {
		lastErr = reading.LastError
	}

	if _, err := tx.ExecContext(ctx, upsertCurrentStateSQL,
		reading.ThermostatID, ts,
		reading.Temp, reading.THeat, reading.TMode, reading.TState,
		reading.Hold, reading.Override, reading.IPAddress, reading.LocalTemp, lastErr,
	); err != nil {
		return fmt.Errorf("upsert current_state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insertRawReadingSQL,
		reading.ThermostatID, ts,
		reading.Temp, reading.THeat, reading.TMode, reading.TState,
		reading.Hold, reading.Override, reading.LocalTemp,
	); err != nil {
		return fmt.Errorf("insert raw_readings: %w", err)
	}

	return tx.Commit()
}

// GetCurrent returns the latest snapshot for a device, or nil when none exists.
func (r *ReadingSQLite) GetCurrent(ctx context.Context, id string) (*models.StatusReading, error) {
	row := r.db.QueryRowContext(ctx, selectCurrentSQL+` WHERE thermostat_id=?`, id)
	s, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *ReadingSQLite) ListCurrent(ctx context.Context) ([]models.StatusReading, error) {
	rows, err := r.db.QueryContext(ctx, selectCurrentSQL+` ORDER BY thermostat_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []models.StatusReading
	for rows.Next() {
		s, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// AggregateMinute rolls raw readings in [minuteStart, minuteStart+1m) into
// minute_readings. Re-running for the same minute is a no-op.
func (r *ReadingSQLite) AggregateMinute(ctx context.Context, minuteStart time.Time) error {
	start := minuteStart.UTC().Truncate(time.Minute)
	end := start.Add(time.Minute)
	_, err := r.db.ExecContext(ctx, aggregateMinuteSQL,
		start, start, end, start, end, start, end)
	return err
}

func (r *ReadingSQLite) MinuteReadingsSince(ctx context.Context, since time.Time) ([]models.MinuteReading, error) {
	rows, err := r.db.QueryContext(ctx, selectMinuteSinceSQL, since.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []models.MinuteReading
	for rows.Next() {
		var m models.MinuteReading
		var tHeat, runtime, localAvg sql.NullFloat64
		var tmode sql.NullInt64
		if err := rows.Scan(
			&m.ThermostatID, &m.MinuteTS, &m.TempAvg, &tHeat, &tmode,
			&runtime, &m.PollCount, &m.PollFailures, &localAvg,
		); err != nil {
			return nil, err
		}
		m.MinuteTS = m.MinuteTS.UTC()
		m.THeatLast = tHeat.Float64
		m.TModeLast = int(tmode.Int64)
		m.HVACRuntimePercent = runtime.Float64
		m.LocalTempAvg = localAvg.Float64
		out = append(out, m)
	}
	return out, rows.Err()
}

// CleanupOldData trims history tables and reports rows removed from each.
func (r *ReadingSQLite) CleanupOldData(ctx context.Context, rawBefore, minuteBefore time.Time) (int64, int64, error) {
	rawRes, err := r.db.ExecContext(ctx, `DELETE FROM raw_readings WHERE ts < ?`, rawBefore.UTC())
	if err != nil {
		return 0, 0, fmt.Errorf("cleanup raw_readings: %w", err)
	}
	rawN, _ := rawRes.RowsAffected()

	minRes, err := r.db.ExecContext(ctx, `DELETE FROM minute_readings WHERE minute_ts < ?`, minuteBefore.UTC())
	if err != nil {
		return rawN, 0, fmt.Errorf("cleanup minute_readings: %w", err)
	}
	minN, _ := minRes.RowsAffected()

	return rawN, minN, nil
}

func scanReading(row rowScanner) (*models.StatusReading, error) {
	var s models.StatusReading
	var ip, lastErr sql.NullString
	var localTemp sql.NullFloat64
	if err := row.Scan(
		&s.ThermostatID, &s.Timestamp, &s.Temp, &s.THeat, &s.TMode,
		&s.TState, &s.Hold, &s.Override, &ip, &localTemp, &lastErr,
	); err != nil {
		return nil, err
	}
	s.Timestamp = s.Timestamp.UTC()
	s.IPAddress = ip.String
	s.LocalTemp = localTemp.Float64
	s.LastError = lastErr.String
	return &s, nil
}
