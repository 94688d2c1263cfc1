package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"thermostat_gateway/internal/models"
)

type DeviceSQLite struct {
	db *sql.DB
}

func NewDeviceSQLite(db *sql.DB) *DeviceSQLite {
	return &DeviceSQLite{db: db}
}

const (
	// COALESCE keeps the stored away_temp across re-discovery; callers that
	// really want to change it go through SetAwayTemp.
	upsertThermostatSQL = `
		INSERT INTO thermostats
			(thermostat_id, ip_address, name, model, api_version, fw_version,
			 capabilities, discovery_method, active, away_temp, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(thermostat_id) DO UPDATE SET
			ip_address=excluded.ip_address,
			name=excluded.name,
			model=excluded.model,
			api_version=excluded.api_version,
			fw_version=excluded.fw_version,
			capabilities=excluded.capabilities,
			discovery_method=excluded.discovery_method,
			active=1,
			away_temp=COALESCE(thermostats.away_temp, excluded.away_temp),
			last_seen=excluded.last_seen
	`

	selectThermostatSQL = `
		SELECT thermostat_id, ip_address, name, model, api_version, fw_version,
		       capabilities, discovery_method, active, away_temp, created_at, last_seen
		FROM thermostats
	`

	updateLastSeenSQL = `UPDATE thermostats SET last_seen=? WHERE thermostat_id=? AND active=1`
	updateAwayTempSQL = `UPDATE thermostats SET away_temp=? WHERE thermostat_id=? AND active=1`
	markInactiveSQL   = `UPDATE thermostats SET active=0 WHERE thermostat_id=?`
)

// Upsert inserts a discovered device or refreshes its network identity,
// preserving away_temp and created_at for devices seen before.
func (r *DeviceSQLite) Upsert(ctx context.Context, t models.Thermostat) error {
	now := time.Now().UTC()
	created := t.CreatedAt
	if created.IsZero() {
		created = now
	}
	seen := t.LastSeen
	if seen.IsZero() {
		seen = now
	}

	var caps any
	if t.Capabilities != "" {
		caps = t.Capabilities
	}

	_, err := r.db.ExecContext(ctx, upsertThermostatSQL,
		t.ThermostatID,
		t.IPAddress,
		t.Name,
		t.Model,
		t.APIVersion,
		t.FWVersion,
		caps,
		t.DiscoveryMethod,
		t.AwayTemp,
		created.UTC(),
		seen.UTC(),
	)
	return err
}

// GetByID returns the device or nil when unknown.
func (r *DeviceSQLite) GetByID(ctx context.Context, id string) (*models.Thermostat, error) {
	row := r.db.QueryRowContext(ctx, selectThermostatSQL+` WHERE thermostat_id=?`, id)
	t, err := scanThermostat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListActive returns every active device ordered by name.
func (r *DeviceSQLite) ListActive(ctx context.Context) ([]models.Thermostat, error) {
	rows, err := r.db.QueryContext(ctx, selectThermostatSQL+` WHERE active=1 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []models.Thermostat
	for rows.Next() {
		t, err := scanThermostat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *DeviceSQLite) UpdateLastSeen(ctx context.Context, id string, seen time.Time) error {
	_, err := r.db.ExecContext(ctx, updateLastSeenSQL, seen.UTC(), id)
	return err
}

func (r *DeviceSQLite) SetAwayTemp(ctx context.Context, id string, temp float64) error {
	res, err := r.db.ExecContext(ctx, updateAwayTempSQL, temp, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkInactive retires a device without deleting its row; readings and
// aggregates keep their history, and a later sweep that finds the device
// again flips it back to active through Upsert.
func (r *DeviceSQLite) MarkInactive(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, markInactiveSQL, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThermostat(row rowScanner) (*models.Thermostat, error) {
	var t models.Thermostat
	var caps sql.NullString
	if err := row.Scan(
		&t.ThermostatID,
		&t.IPAddress,
		&t.Name,
		&t.Model,
		&t.APIVersion,
		&t.FWVersion,
		&caps,
		&t.DiscoveryMethod,
		&t.Active,
		&t.AwayTemp,
		&t.CreatedAt,
		&t.LastSeen,
	); err != nil {
		return nil, err
	}
	t.Capabilities = caps.String
	t.CreatedAt = t.CreatedAt.UTC()
	t.LastSeen = t.LastSeen.UTC()
	return &t, nil
}
