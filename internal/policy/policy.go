package policy

import (
	"context"
	"time"

	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/models"
	"thermostat_gateway/internal/repository"
	"thermostat_gateway/internal/tstat"
)

// Discovery contexts under which the policy runs.
const (
	ApplyStartup  = "startup"
	ApplyPeriodic = "periodic"
	ApplyCommand  = "command"
)

// DeviceClient is the slice of the thermostat client the policy needs.
type DeviceClient interface {
	ReadStatus(ctx context.Context, ip string) (*tstat.Status, error)
	Write(ctx context.Context, ip string, payload map[string]any) error
	SyncTime(ctx context.Context, ip string, now time.Time) error
}

// ConfigPolicy decides what a freshly discovered device should be set to.
// An owner-held schedule (hold=1) is always preserved; everything else gets
// the seasonal safe defaults with hold engaged so the device's own schedule
// cannot wander off them.
type ConfigPolicy struct {
	client  DeviceClient
	configs repository.ConfigRepo
	log     *logger.Logger
	now     func() time.Time
}

func NewConfigPolicy(client DeviceClient, configs repository.ConfigRepo, log *logger.Logger) *ConfigPolicy {
	return &ConfigPolicy{client: client, configs: configs, log: log, now: time.Now}
}

// Apply runs the safety policy against one device. Never returns an error:
// a device we cannot configure is still a device we poll.
func (p *ConfigPolicy) Apply(ctx context.Context, device models.Thermostat, applyType string) {
	ip := device.IPAddress
	now := p.now().UTC()
	season := SeasonFor(now)

	// Fan to auto first, unconditionally. Harmless if it fails.
	if err := p.client.Write(ctx, ip, map[string]any{"fmode": 0}); err != nil {
		p.log.Debugw("fan mode reset failed", "thermostat_id", device.ThermostatID, "err", err)
	}

	st, err := p.client.ReadStatus(ctx, ip)
	if err != nil {
		p.log.Warnw("device state unreadable, applying seasonal defaults",
			"thermostat_id", device.ThermostatID, "ip", ip, "err", err)
		p.pushDefaults(ctx, device, season, now)
		return
	}

	if applyType == ApplyStartup && p.isUnsafeSetting(st, season) {
		p.log.Warnw("unsafe setting observed at startup",
			"thermostat_id", device.ThermostatID, "tmode", st.TMode, "season", season)
	}

	if st.Hold == 0 {
		p.log.Infow("no hold on device, applying seasonal defaults",
			"thermostat_id", device.ThermostatID, "season", season)
		p.pushDefaults(ctx, device, season, now)
		return
	}

	// hold==1: the device is deliberately set. Record what it holds so the
	// config history reflects reality, change nothing.
	p.log.Infow("device holds its own settings, preserving",
		"thermostat_id", device.ThermostatID, "tmode", st.TMode, "t_heat", st.THeat)
	tmode, hold := st.TMode, st.Hold
	applied := models.AppliedSettings{TMode: &tmode, Hold: &hold}
	if st.THeat >= 0 {
		tHeat := st.THeat
		applied.THeat = &tHeat
	}
	if err := p.configs.ApplySettings(ctx, device.ThermostatID, applied, now); err != nil {
		p.log.Errorw("record preserved settings failed",
			"thermostat_id", device.ThermostatID, "err", err)
	}
}

// SafeCommand sanitizes an outgoing settings payload: mode can only be OFF or
// HEAT, the heat setpoint only travels with HEAT, and a cool setpoint never
// travels at all.
func (p *ConfigPolicy) SafeCommand(in map[string]any) map[string]any {
	out := map[string]any{}

	tmode, hasMode := asInt(in["tmode"])
	if hasMode {
		if tmode != ModeOff && tmode != ModeHeat {
			p.log.Warnw("unsupported tmode clamped to OFF", "tmode", tmode)
			tmode = ModeOff
		}
		out["tmode"] = tmode
	}

	if tHeat, ok := asFloat(in["t_heat"]); ok && hasMode && tmode == ModeHeat {
		out["t_heat"] = tHeat
	}

	if hold, ok := asInt(in["hold"]); ok {
		out["hold"] = hold
	}
	if fmode, ok := asInt(in["fmode"]); ok {
		out["fmode"] = fmode
	}
	return out
}

func (p *ConfigPolicy) pushDefaults(ctx context.Context, device models.Thermostat, season Season, now time.Time) {
	cmd := SeasonalDefaults(season)
	cmd["hold"] = 1
	cmd = p.SafeCommand(cmd)

	if err := p.client.Write(ctx, device.IPAddress, cmd); err != nil {
		p.log.Errorw("seasonal defaults write failed",
			"thermostat_id", device.ThermostatID, "ip", device.IPAddress, "err", err)
		return
	}
	p.log.Infow("seasonal defaults applied",
		"thermostat_id", device.ThermostatID, "season", season, "command", cmd)

	applied := models.AppliedSettings{}
	if v, ok := asInt(cmd["tmode"]); ok {
		applied.TMode = &v
	}
	if v, ok := asFloat(cmd["t_heat"]); ok {
		applied.THeat = &v
	}
	if v, ok := asInt(cmd["hold"]); ok {
		applied.Hold = &v
	}
	if err := p.configs.ApplySettings(ctx, device.ThermostatID, applied, now); err != nil {
		p.log.Errorw("record applied defaults failed",
			"thermostat_id", device.ThermostatID, "err", err)
	}

	if err := p.client.SyncTime(ctx, device.IPAddress, p.now()); err != nil {
		p.log.Debugw("device time sync failed",
			"thermostat_id", device.ThermostatID, "err", err)
	} else if err := p.configs.MarkTimeSynced(ctx, device.ThermostatID, now); err != nil {
		p.log.Errorw("record time sync failed",
			"thermostat_id", device.ThermostatID, "err", err)
	}
}

// isUnsafeSetting flags a heater running during cooling season. Observed and
// logged only; an owner-held setting is never overridden.
func (p *ConfigPolicy) isUnsafeSetting(st *tstat.Status, season Season) bool {
	return season == SeasonCooling && st.TMode == ModeHeat
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
