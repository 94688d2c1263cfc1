package repository

import (
	"context"
	"database/sql"
	"time"

	"thermostat_gateway/internal/models"
)

// DeviceRepo persists the known-thermostat registry.
type DeviceRepo interface {
	Upsert(ctx context.Context, t models.Thermostat) error
	GetByID(ctx context.Context, id string) (*models.Thermostat, error)
	ListActive(ctx context.Context) ([]models.Thermostat, error)
	UpdateLastSeen(ctx context.Context, id string, seen time.Time) error
	SetAwayTemp(ctx context.Context, id string, temp float64) error
	MarkInactive(ctx context.Context, id string) error
}

// ReadingRepo persists poll results and minute aggregates.
type ReadingRepo interface {
	SaveReading(ctx context.Context, r models.StatusReading) error
	GetCurrent(ctx context.Context, id string) (*models.StatusReading, error)
	ListCurrent(ctx context.Context) ([]models.StatusReading, error)
	AggregateMinute(ctx context.Context, minuteStart time.Time) error
	MinuteReadingsSince(ctx context.Context, since time.Time) ([]models.MinuteReading, error)
	CleanupOldData(ctx context.Context, rawBefore, minuteBefore time.Time) (int64, int64, error)
}

// ConfigRepo tracks settings the gateway has pushed to each device.
type ConfigRepo interface {
	ApplySettings(ctx context.Context, id string, s models.AppliedSettings, at time.Time) error
	MarkTimeSynced(ctx context.Context, id string, at time.Time) error
	Get(ctx context.Context, id string) (*models.DeviceConfig, error)
}

// CheckpointRepo stores named upload high-water marks.
type CheckpointRepo interface {
	Get(ctx context.Context, name string) (time.Time, bool, error)
	Set(ctx context.Context, name string, ts time.Time) error
}

type Repository struct {
	Devices     DeviceRepo
	Readings    ReadingRepo
	Configs     ConfigRepo
	Checkpoints CheckpointRepo
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		Devices:     NewDeviceSQLite(db),
		Readings:    NewReadingSQLite(db),
		Configs:     NewConfigSQLite(db),
		Checkpoints: NewCheckpointSQLite(db),
	}
}
