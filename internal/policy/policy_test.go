package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/models"
	"thermostat_gateway/internal/tstat"
)

type stubClient struct {
	status    *tstat.Status
	statusErr error
	writes    []map[string]any
	timeSyncs int
}

func (c *stubClient) ReadStatus(ctx context.Context, ip string) (*tstat.Status, error) {
	return c.status, c.statusErr
}

func (c *stubClient) Write(ctx context.Context, ip string, payload map[string]any) error {
	c.writes = append(c.writes, payload)
	return nil
}

func (c *stubClient) SyncTime(ctx context.Context, ip string, now time.Time) error {
	c.timeSyncs++
	return nil
}

type stubConfigs struct {
	applied []models.AppliedSettings
	synced  int
}

func (s *stubConfigs) ApplySettings(ctx context.Context, id string, a models.AppliedSettings, at time.Time) error {
	s.applied = append(s.applied, a)
	return nil
}

func (s *stubConfigs) MarkTimeSynced(ctx context.Context, id string, at time.Time) error {
	s.synced++
	return nil
}

func (s *stubConfigs) Get(ctx context.Context, id string) (*models.DeviceConfig, error) {
	return nil, nil
}

func newTestPolicy(client *stubClient, configs *stubConfigs, on time.Time) *ConfigPolicy {
	p := NewConfigPolicy(client, configs, logger.Get(logger.DebugLevel))
	p.now = func() time.Time { return on }
	return p
}

var testDevice = models.Thermostat{ThermostatID: "uuid-1", IPAddress: "192.168.1.20"}

func janDay() time.Time { return time.Date(2026, time.January, 10, 9, 0, 0, 0, time.UTC) }
func julDay() time.Time { return time.Date(2026, time.July, 10, 9, 0, 0, 0, time.UTC) }

func TestApply_UnreadableDeviceGetsSeasonalDefaultsWithHold(t *testing.T) {
	client := &stubClient{statusErr: errors.New("connection refused")}
	configs := &stubConfigs{}
	p := newTestPolicy(client, configs, janDay())

	p.Apply(context.Background(), testDevice, ApplyStartup)

	// writes[0] is the unconditional fan reset, writes[1] the defaults
	if len(client.writes) != 2 {
		t.Fatalf("expected fan reset + defaults write, got %d writes: %v", len(client.writes), client.writes)
	}
	cmd := client.writes[1]
	if cmd["tmode"] != ModeHeat || cmd["t_heat"] != 50.0 || cmd["hold"] != 1 {
		t.Fatalf("heating defaults not applied: %v", cmd)
	}
	if client.timeSyncs != 1 {
		t.Fatalf("expected a time sync after defaults, got %d", client.timeSyncs)
	}
	if len(configs.applied) != 1 {
		t.Fatalf("applied settings not recorded: %v", configs.applied)
	}
}

func TestApply_NoHoldGetsDefaults_CoolingSeasonTurnsOff(t *testing.T) {
	client := &stubClient{status: &tstat.Status{TMode: ModeHeat, THeat: 72, Hold: 0}}
	configs := &stubConfigs{}
	p := newTestPolicy(client, configs, julDay())

	p.Apply(context.Background(), testDevice, ApplyPeriodic)

	cmd := client.writes[len(client.writes)-1]
	if cmd["tmode"] != ModeOff || cmd["hold"] != 1 {
		t.Fatalf("cooling defaults not applied: %v", cmd)
	}
	if _, present := cmd["t_heat"]; present {
		t.Fatalf("OFF command must not carry a setpoint: %v", cmd)
	}
}

func TestApply_HoldPreservedAndRecorded(t *testing.T) {
	client := &stubClient{status: &tstat.Status{TMode: ModeHeat, THeat: 68, Hold: 1}}
	configs := &stubConfigs{}
	p := newTestPolicy(client, configs, janDay())

	p.Apply(context.Background(), testDevice, ApplyStartup)

	// only the fan reset goes to the device
	if len(client.writes) != 1 {
		t.Fatalf("held device must not be reconfigured, got writes: %v", client.writes)
	}
	if len(configs.applied) != 1 {
		t.Fatalf("held settings must be mirrored into config: %v", configs.applied)
	}
	a := configs.applied[0]
	if a.TMode == nil || *a.TMode != ModeHeat || a.THeat == nil || *a.THeat != 68 || a.Hold == nil || *a.Hold != 1 {
		t.Fatalf("mirrored settings mismatch: %+v", a)
	}
}

func TestApply_UnsafeHeatInCoolingSeasonIsLogOnly(t *testing.T) {
	client := &stubClient{status: &tstat.Status{TMode: ModeHeat, THeat: 72, Hold: 1}}
	configs := &stubConfigs{}
	p := newTestPolicy(client, configs, julDay())

	p.Apply(context.Background(), testDevice, ApplyStartup)

	// hold=1 wins even over an unsafe-looking setting: warn, never act
	if len(client.writes) != 1 {
		t.Fatalf("unsafe held setting must not be overridden, got writes: %v", client.writes)
	}
}

func TestSafeCommand_ClampsAndStrips(t *testing.T) {
	p := newTestPolicy(&stubClient{}, &stubConfigs{}, janDay())

	cases := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{
			"cool mode clamps to off and drops setpoint",
			map[string]any{"tmode": 2, "t_heat": 70.0, "hold": 1},
			map[string]any{"tmode": ModeOff, "hold": 1},
		},
		{
			"heat keeps its setpoint",
			map[string]any{"tmode": 1, "t_heat": 68.0},
			map[string]any{"tmode": ModeHeat, "t_heat": 68.0},
		},
		{
			"cool setpoint never passes through",
			map[string]any{"tmode": 1, "t_heat": 68.0, "t_cool": 75.0},
			map[string]any{"tmode": ModeHeat, "t_heat": 68.0},
		},
		{
			"off drops setpoint",
			map[string]any{"tmode": 0, "t_heat": 70.0, "fmode": 0},
			map[string]any{"tmode": ModeOff, "fmode": 0},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := p.SafeCommand(tc.in)
			if len(got) != len(tc.want) {
				t.Fatalf("SafeCommand(%v) = %v, want %v", tc.in, got, tc.want)
			}
			for k, v := range tc.want {
				if got[k] != v {
					t.Fatalf("SafeCommand(%v)[%s] = %v, want %v", tc.in, k, got[k], v)
				}
			}
		})
	}
}
