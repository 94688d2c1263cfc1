package cloudsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/models"
	"thermostat_gateway/internal/policy"
	"thermostat_gateway/internal/repository"
)

// Remote command types the executor understands.
const (
	CommandSetState    = "set_state"
	CommandSetAwayTemp = "set_away_temp"
	CommandDiscover    = "discover_devices"
)

// Verification tolerance for readback of a heat setpoint (°F).
const verifyTolerance = 0.1

// Away temperature command bounds (°F).
const (
	minAwayTemp = 41.0
	maxAwayTemp = 76.0
)

// CommandExecutor runs per-thermostat remote commands against the local
// devices and verifies the device actually took them.
type CommandExecutor struct {
	devices repository.DeviceRepo
	configs repository.ConfigRepo
	client  policy.DeviceClient
	log     *logger.Logger
}

func NewCommandExecutor(devices repository.DeviceRepo, configs repository.ConfigRepo, client policy.DeviceClient, log *logger.Logger) *CommandExecutor {
	return &CommandExecutor{devices: devices, configs: configs, client: client, log: log}
}

// SetState applies an OFF or HEAT command to one thermostat and reads the
// settings back to prove the device took them.
func (e *CommandExecutor) SetState(ctx context.Context, thermostatID string, params map[string]any) (map[string]any, error) {
	tmode, ok := asInt(params["tmode"])
	if !ok || (tmode != policy.ModeOff && tmode != policy.ModeHeat) {
		return nil, errors.New("Invalid or missing tmode (expected 0 or 1)")
	}
	hold, ok := asInt(params["hold"])
	if !ok || (hold != 0 && hold != 1) {
		return nil, errors.New("Invalid or missing hold (expected 0 or 1)")
	}

	tHeat, hasTHeat := asFloat(params["t_heat"])
	if tmode == policy.ModeOff && hasTHeat {
		// Defensive: callers sometimes send a setpoint with OFF; the device
		// would accept it and quietly change the stored program.
		e.log.Warnw("t_heat stripped from OFF command", "thermostat_id", thermostatID, "t_heat", tHeat)
		hasTHeat = false
	}
	if tmode == policy.ModeHeat && !hasTHeat {
		return nil, errors.New("Missing t_heat for HEAT mode")
	}

	payload := map[string]any{"tmode": tmode, "hold": hold}
	if hasTHeat {
		payload["t_heat"] = tHeat
	}
	if tmode == policy.ModeOff {
		if _, present := payload["t_heat"]; present {
			return nil, errors.New("t_heat must be omitted when tmode == 0")
		}
	}

	device, err := e.devices.GetByID(ctx, thermostatID)
	if err != nil {
		return nil, fmt.Errorf("device lookup: %w", err)
	}
	if device == nil || device.IPAddress == "" {
		return nil, errors.New("IP not found")
	}

	if err := e.client.Write(ctx, device.IPAddress, payload); err != nil {
		return nil, fmt.Errorf("device write: %w", err)
	}

	if err := e.verify(ctx, device.IPAddress, tmode, hold, tHeat, hasTHeat); err != nil {
		return nil, err
	}

	applied := models.AppliedSettings{TMode: &tmode, Hold: &hold}
	if hasTHeat {
		applied.THeat = &tHeat
	}
	if err := e.configs.ApplySettings(ctx, thermostatID, applied, time.Now()); err != nil {
		// The device holds the right settings; a bookkeeping miss is not
		// worth failing the command over.
		e.log.Errorw("record applied command failed", "thermostat_id", thermostatID, "err", err)
	}

	return map[string]any{
		"per_thermostat": []map[string]any{
			{"thermostat_id": thermostatID, "success": true, "error": nil},
		},
	}, nil
}

func (e *CommandExecutor) verify(ctx context.Context, ip string, tmode, hold int, tHeat float64, hasTHeat bool) error {
	st, err := e.client.ReadStatus(ctx, ip)
	if err != nil {
		return fmt.Errorf("verification read: %w", err)
	}

	ok := st.TMode == tmode && st.Hold == hold
	if ok && tmode == policy.ModeHeat && hasTHeat {
		ok = math.Abs(st.THeat-tHeat) < verifyTolerance
	}
	if !ok {
		e.log.Warnw("device state does not match command",
			"ip", ip, "want_tmode", tmode, "got_tmode", st.TMode,
			"want_hold", hold, "got_hold", st.Hold,
			"want_t_heat", tHeat, "got_t_heat", st.THeat)
		return errors.New("Verification failed")
	}
	return nil
}

// SetAwayTemp stores a new away temperature for a device. Applies to the
// registry only; the poller's policy picks it up from there.
func (e *CommandExecutor) SetAwayTemp(ctx context.Context, thermostatID string, params map[string]any) (map[string]any, error) {
	temp, ok := asFloat(params["away_temp"])
	if !ok || temp < minAwayTemp || temp > maxAwayTemp {
		return nil, errors.New("away_temp must be between 41.0 and 76.0 degrees Fahrenheit")
	}

	if err := e.devices.SetAwayTemp(ctx, thermostatID, temp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no active thermostat %s", thermostatID)
		}
		return nil, fmt.Errorf("store away temperature: %w", err)
	}

	e.log.Infow("away temperature updated", "thermostat_id", thermostatID, "away_temp", temp)
	return map[string]any{
		"away_temp":     temp,
		"thermostat_id": thermostatID,
	}, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
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
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
