package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"thermostat_gateway/internal/config"
	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/metrics"
	"thermostat_gateway/internal/models"
	"thermostat_gateway/internal/repository"
	"thermostat_gateway/internal/weather"
)

type stubDeviceRepo struct {
	devices []models.Thermostat
}

func (r *stubDeviceRepo) Upsert(ctx context.Context, t models.Thermostat) error { return nil }

func (r *stubDeviceRepo) GetByID(ctx context.Context, id string) (*models.Thermostat, error) {
	for _, d := range r.devices {
		if d.ThermostatID == id {
			d := d
			return &d, nil
		}
	}
	return nil, nil
}

func (r *stubDeviceRepo) ListActive(ctx context.Context) ([]models.Thermostat, error) {
	return r.devices, nil
}

func (r *stubDeviceRepo) UpdateLastSeen(ctx context.Context, id string, seen time.Time) error {
	return nil
}

func (r *stubDeviceRepo) SetAwayTemp(ctx context.Context, id string, temp float64) error {
	return nil
}

func (r *stubDeviceRepo) MarkInactive(ctx context.Context, id string) error { return nil }

func TestMonitorCheckOnce_CountsOfflineDevices(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	devices := &stubDeviceRepo{devices: []models.Thermostat{
		{ThermostatID: "uuid-a", Name: "Hallway", LastSeen: now.Add(-time.Minute)},
		{ThermostatID: "uuid-b", Name: "Office", LastSeen: now.Add(-11 * time.Minute)},
		{ThermostatID: "uuid-c", Name: "Attic", LastSeen: now.Add(-9 * time.Minute)},
	}}
	m := metrics.New(prometheus.NewRegistry())
	w := weather.New("", "", 15, 50.0, logger.Get(logger.DebugLevel))

	s := NewMonitorService(&repository.Repository{Devices: devices}, w, m,
		HealthSources{}, config.Monitoring{HealthCheckIntervalMinutes: 5}, logger.Get(logger.DebugLevel))
	s.now = func() time.Time { return now }

	s.checkOnce(context.Background())

	if got := testutil.ToFloat64(m.ActiveDevices); got != 3 {
		t.Fatalf("active devices gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.OfflineDevices); got != 1 {
		t.Fatalf("offline devices gauge = %v, want 1 (only the 11-minute silence)", got)
	}
}
