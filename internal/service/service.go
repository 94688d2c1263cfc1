package service

import (
	"context"

	"thermostat_gateway/internal/config"
	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/metrics"
	"thermostat_gateway/internal/models"
	"thermostat_gateway/internal/policy"
	"thermostat_gateway/internal/repository"
	"thermostat_gateway/internal/tstat"
	"thermostat_gateway/internal/weather"
)

// Poller runs the status polling loop until ctx is canceled.
type Poller interface {
	Run(ctx context.Context)
}

// Rollup aggregates raw readings into minute rows and trims old data.
type Rollup interface {
	Run(ctx context.Context)
}

// Monitor periodically logs and gauges system health.
type Monitor interface {
	Run(ctx context.Context)
}

// Control exposes local write operations against devices.
type Control interface {
	SetTemperature(ctx context.Context, id string, tHeat float64, hold int) error
	SetMode(ctx context.Context, id string, tmode int) error
}

// Status exposes read-only device state for the API.
type Status interface {
	ListThermostats(ctx context.Context) ([]models.Thermostat, error)
	GetReading(ctx context.Context, id string) (*models.StatusReading, error)
	ListReadings(ctx context.Context) ([]models.StatusReading, error)
}

// Enqueuer receives state changes bound for the cloud. Nil when the public
// server is disabled.
type Enqueuer interface {
	EnqueueChange(reading models.StatusReading, changeType string)
}

type Service struct {
	Poller
	Rollup
	Monitor
	Control
	Status
}

// Deps carries everything the services are wired from.
type Deps struct {
	Repos    *repository.Repository
	Client   *tstat.Client
	Policy   *policy.ConfigPolicy
	Weather  *weather.Service
	Metrics  *metrics.Metrics
	Enqueuer Enqueuer
	Health   HealthSources
	Cfg      *config.Config
	Log      *logger.Logger
}

func NewService(d Deps) *Service {
	return &Service{
		Poller:  NewPollingLoop(d.Repos, d.Client, d.Weather, d.Metrics, d.Enqueuer, d.Cfg.Polling, d.Log),
		Rollup:  NewRollupService(d.Repos.Readings, d.Log),
		Monitor: NewMonitorService(d.Repos, d.Weather, d.Metrics, d.Health, d.Cfg.Monitoring, d.Log),
		Control: NewControlService(d.Repos, d.Client, d.Policy, d.Log),
		Status:  NewStatusService(d.Repos),
	}
}
