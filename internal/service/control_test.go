package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/models"
	"thermostat_gateway/internal/policy"
	"thermostat_gateway/internal/repository"
	"thermostat_gateway/internal/tstat"
)

type stubConfigRepo struct {
	applied []models.AppliedSettings
}

func (r *stubConfigRepo) ApplySettings(ctx context.Context, id string, s models.AppliedSettings, at time.Time) error {
	r.applied = append(r.applied, s)
	return nil
}

func (r *stubConfigRepo) MarkTimeSynced(ctx context.Context, id string, at time.Time) error {
	return nil
}

func (r *stubConfigRepo) Get(ctx context.Context, id string) (*models.DeviceConfig, error) {
	return nil, nil
}

// newTestControl backs the control service with an httptest thermostat that
// acks every write and records the last body.
func newTestControl(t *testing.T, deviceID string) (*ControlService, *stubConfigRepo, *string) {
	t.Helper()
	var lastBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		lastBody = string(b)
		w.Write([]byte(`{"success": 0}`))
	}))
	t.Cleanup(srv.Close)
	host := strings.TrimPrefix(srv.URL, "http://")

	log := logger.Get(logger.DebugLevel)
	client := tstat.New(2*time.Second, log)
	configs := &stubConfigRepo{}
	repos := &repository.Repository{
		Devices: &stubDeviceRepo{devices: []models.Thermostat{
			{ThermostatID: deviceID, IPAddress: host},
		}},
		Configs: configs,
	}
	pol := policy.NewConfigPolicy(client, configs, log)
	return NewControlService(repos, client, pol, log), configs, &lastBody
}

func TestControl_RejectsInvalidArguments(t *testing.T) {
	ctl, _, _ := newTestControl(t, "uuid-a")

	if err := ctl.SetTemperature(context.Background(), "uuid-a", 68.0, 2); !errors.Is(err, errInvalidHold) {
		t.Fatalf("SetTemperature(hold=2) error = %v", err)
	}
	if err := ctl.SetMode(context.Background(), "uuid-a", 2); !errors.Is(err, errInvalidTMode) {
		t.Fatalf("SetMode(tmode=2) error = %v", err)
	}
}

func TestControl_UnknownDevice(t *testing.T) {
	ctl, _, _ := newTestControl(t, "uuid-a")

	if err := ctl.SetMode(context.Background(), "uuid-nope", 1); !errors.Is(err, errUnknownDevice) {
		t.Fatalf("SetMode(unknown) error = %v", err)
	}
}

func TestControl_SetTemperatureWritesAndRecords(t *testing.T) {
	ctl, configs, lastBody := newTestControl(t, "uuid-a")

	if err := ctl.SetTemperature(context.Background(), "uuid-a", 68.0, 1); err != nil {
		t.Fatalf("SetTemperature() error = %v", err)
	}

	for _, want := range []string{`"tmode":1`, `"t_heat":68`, `"hold":1`} {
		if !strings.Contains(*lastBody, want) {
			t.Fatalf("device body %q missing %s", *lastBody, want)
		}
	}
	if len(configs.applied) != 1 {
		t.Fatalf("applied settings not recorded: %+v", configs.applied)
	}
	a := configs.applied[0]
	if a.TMode == nil || *a.TMode != 1 || a.THeat == nil || *a.THeat != 68.0 {
		t.Fatalf("recorded settings mismatch: %+v", a)
	}
}

func TestControl_SetModeOffCarriesNoSetpoint(t *testing.T) {
	ctl, _, lastBody := newTestControl(t, "uuid-a")

	if err := ctl.SetMode(context.Background(), "uuid-a", 0); err != nil {
		t.Fatalf("SetMode() error = %v", err)
	}
	if strings.Contains(*lastBody, "t_heat") {
		t.Fatalf("OFF command carried a setpoint: %q", *lastBody)
	}
}
