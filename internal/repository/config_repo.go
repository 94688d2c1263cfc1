package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"thermostat_gateway/internal/models"
)

type ConfigSQLite struct {
	db *sql.DB
}

func NewConfigSQLite(db *sql.DB) *ConfigSQLite {
	return &ConfigSQLite{db: db}
}

const (
	// Each field only moves when the incoming value is non-NULL, so a sparse
	// command leaves the other fields and their applied-at stamps alone.
	upsertDeviceConfigSQL = `
		INSERT INTO device_config
			(thermostat_id, tmode_set, tmode_applied_at, t_heat_set, t_heat_applied_at,
			 t_cool_set, t_cool_applied_at, hold_set, hold_applied_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thermostat_id) DO UPDATE SET
			tmode_set=COALESCE(excluded.tmode_set, device_config.tmode_set),
			tmode_applied_at=COALESCE(excluded.tmode_applied_at, device_config.tmode_applied_at),
			t_heat_set=COALESCE(excluded.t_heat_set, device_config.t_heat_set),
			t_heat_applied_at=COALESCE(excluded.t_heat_applied_at, device_config.t_heat_applied_at),
			t_cool_set=COALESCE(excluded.t_cool_set, device_config.t_cool_set),
			t_cool_applied_at=COALESCE(excluded.t_cool_applied_at, device_config.t_cool_applied_at),
			hold_set=COALESCE(excluded.hold_set, device_config.hold_set),
			hold_applied_at=COALESCE(excluded.hold_applied_at, device_config.hold_applied_at),
			updated_at=excluded.updated_at
	`

	markTimeSyncedSQL = `
		INSERT INTO device_config (thermostat_id, time_last_synced, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(thermostat_id) DO UPDATE SET
			time_last_synced=excluded.time_last_synced,
			updated_at=excluded.updated_at
	`

	selectDeviceConfigSQL = `
		SELECT thermostat_id, tmode_set, tmode_applied_at, t_heat_set, t_heat_applied_at,
		       t_cool_set, t_cool_applied_at, hold_set, hold_applied_at, time_last_synced, updated_at
		FROM device_config WHERE thermostat_id=?
	`
)

// ApplySettings records the fields just written to the device, stamping each
// supplied field with the same applied-at time.
func (r *ConfigSQLite) ApplySettings(ctx context.Context, id string, s models.AppliedSettings, at time.Time) error {
	atUTC := at.UTC()

	stamp := func(present bool) any {
		if present {
			return atUTC
		}
		return nil
	}
	_, err := r.db.ExecContext(ctx, upsertDeviceConfigSQL,
		id,
		nullableInt(s.TMode), stamp(s.TMode != nil),
		nullableFloat(s.THeat), stamp(s.THeat != nil),
		nullableFloat(s.TCool), stamp(s.TCool != nil),
		nullableInt(s.Hold), stamp(s.Hold != nil),
		atUTC,
	)
	return err
}

func (r *ConfigSQLite) MarkTimeSynced(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, markTimeSyncedSQL, id, at.UTC(), at.UTC())
	return err
}

// Get returns the tracked settings, or nil when the gateway has never written
// to this device.
func (r *ConfigSQLite) Get(ctx context.Context, id string) (*models.DeviceConfig, error) {
	row := r.db.QueryRowContext(ctx, selectDeviceConfigSQL, id)

	var c models.DeviceConfig
	var tmode, hold sql.NullInt64
	var tHeat, tCool sql.NullFloat64
	var tmodeAt, tHeatAt, tCoolAt, holdAt, timeSynced sql.NullTime
	err := row.Scan(
		&c.ThermostatID,
		&tmode, &tmodeAt,
		&tHeat, &tHeatAt,
		&tCool, &tCoolAt,
		&hold, &holdAt,
		&timeSynced,
		&c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if tmode.Valid {
		v := int(tmode.Int64)
		c.TModeSet = &v
	}
	if hold.Valid {
		v := int(hold.Int64)
		c.HoldSet = &v
	}
	if tHeat.Valid {
		c.THeatSet = &tHeat.Float64
	}
	if tCool.Valid {
		c.TCoolSet = &tCool.Float64
	}
	c.TModeAppliedAt = nullableTime(tmodeAt)
	c.THeatAppliedAt = nullableTime(tHeatAt)
	c.TCoolAppliedAt = nullableTime(tCoolAt)
	c.HoldAppliedAt = nullableTime(holdAt)
	c.TimeLastSynced = nullableTime(timeSynced)
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
