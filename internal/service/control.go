package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/models"
	"thermostat_gateway/internal/policy"
	"thermostat_gateway/internal/repository"
	"thermostat_gateway/internal/tstat"
)

var (
	errUnknownDevice = errors.New("unknown thermostat")
	errInvalidTMode  = errors.New("tmode must be 0 (off) or 1 (heat)")
	errInvalidHold   = errors.New("hold must be 0 or 1")
)

// ControlService executes local API writes against devices. Writes go
// through the same safe-command filter as remote commands, and the same
// config bookkeeping, so the two surfaces cannot drift apart.
type ControlService struct {
	repos  *repository.Repository
	client *tstat.Client
	policy *policy.ConfigPolicy
	log    *logger.Logger
}

func NewControlService(repos *repository.Repository, client *tstat.Client, pol *policy.ConfigPolicy, log *logger.Logger) *ControlService {
	return &ControlService{repos: repos, client: client, policy: pol, log: log}
}

// SetTemperature puts the device in HEAT at the given setpoint.
func (s *ControlService) SetTemperature(ctx context.Context, id string, tHeat float64, hold int) error {
	if hold != 0 && hold != 1 {
		return errInvalidHold
	}
	return s.write(ctx, id, map[string]any{
		"tmode":  policy.ModeHeat,
		"t_heat": tHeat,
		"hold":   hold,
	})
}

// SetMode switches the device between OFF and HEAT.
func (s *ControlService) SetMode(ctx context.Context, id string, tmode int) error {
	if tmode != policy.ModeOff && tmode != policy.ModeHeat {
		return errInvalidTMode
	}
	return s.write(ctx, id, map[string]any{"tmode": tmode})
}

func (s *ControlService) write(ctx context.Context, id string, settings map[string]any) error {
	device, err := s.repos.Devices.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("device lookup: %w", err)
	}
	if device == nil {
		return errUnknownDevice
	}

	cmd := s.policy.SafeCommand(settings)
	if err := s.client.Write(ctx, device.IPAddress, cmd); err != nil {
		return fmt.Errorf("device write: %w", err)
	}
	s.log.Infow("local command applied", "thermostat_id", id, "command", cmd)

	applied := appliedFromCommand(cmd)
	if err := s.repos.Configs.ApplySettings(ctx, id, applied, time.Now()); err != nil {
		s.log.Errorw("record local command failed", "thermostat_id", id, "err", err)
	}
	return nil
}

func appliedFromCommand(cmd map[string]any) models.AppliedSettings {
	var applied models.AppliedSettings
	if v, ok := cmd["tmode"].(int); ok {
		applied.TMode = &v
	}
	if v, ok := cmd["t_heat"].(float64); ok {
		applied.THeat = &v
	}
	if v, ok := cmd["hold"].(int); ok {
		applied.Hold = &v
	}
	return applied
}

var _ Control = (*ControlService)(nil)
