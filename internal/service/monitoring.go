package service

import (
	"context"
	"time"

	"thermostat_gateway/internal/config"
	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/metrics"
	"thermostat_gateway/internal/repository"
	"thermostat_gateway/internal/weather"
)

// A device unseen this long counts as offline.
const offlineAfter = 10 * time.Minute

// HealthSources are the live subsystems the monitor peeks at. Nil funcs mean
// the subsystem is not wired (public server disabled).
type HealthSources struct {
	DiscoveryActive func() bool
}

// MonitorService writes a periodic health summary to the log and the gauges.
type MonitorService struct {
	repos   *repository.Repository
	weather *weather.Service
	metrics *metrics.Metrics
	health  HealthSources
	cfg     config.Monitoring
	log     *logger.Logger
	now     func() time.Time
}

func NewMonitorService(repos *repository.Repository, w *weather.Service, m *metrics.Metrics,
	health HealthSources, cfg config.Monitoring, log *logger.Logger) *MonitorService {
	return &MonitorService{repos: repos, weather: w, metrics: m, health: health, cfg: cfg, log: log, now: time.Now}
}

func (s *MonitorService) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.HealthCheckIntervalMinutes) * time.Minute
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.checkOnce(ctx)
		}
	}
}

func (s *MonitorService) checkOnce(ctx context.Context) {
	devices, err := s.repos.Devices.ListActive(ctx)
	if err != nil {
		s.log.Errorw("health check: load devices failed", "err", err)
		return
	}

	cutoff := s.now().Add(-offlineAfter)
	offline := 0
	for _, d := range devices {
		if d.LastSeen.Before(cutoff) {
			offline++
			s.log.Warnw("device offline", "thermostat_id", d.ThermostatID,
				"name", d.Name, "last_seen", d.LastSeen)
		}
	}
	s.metrics.ActiveDevices.Set(float64(len(devices)))
	s.metrics.OfflineDevices.Set(float64(offline))

	discoveryState := "READY"
	if s.health.DiscoveryActive != nil && s.health.DiscoveryActive() {
		discoveryState = "ACTIVE"
	}

	weatherStatus := s.weather.GetStatus()

	s.log.Infow("health check",
		"active_devices", len(devices),
		"offline_devices", offline,
		"weather_enabled", weatherStatus.Enabled,
		"weather_errors", weatherStatus.ErrorCount,
		"discovery", discoveryState,
	)
	if weatherStatus.LastError != "" {
		s.log.Warnw("weather service degraded", "err", weatherStatus.LastError)
	}
}

var _ Monitor = (*MonitorService)(nil)
