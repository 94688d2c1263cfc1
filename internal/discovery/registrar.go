package discovery

import (
	"context"
	"fmt"

	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/models"
	"thermostat_gateway/internal/policy"
	"thermostat_gateway/internal/repository"
)

// Fallback away temperature for devices never registered before (°F).
const defaultAwayTemp = 50.0

// CloudAnnouncer pushes newly registered devices to the public server.
type CloudAnnouncer interface {
	RegisterDevices(ctx context.Context, devices []models.Thermostat) error
}

// RegistrationResult summarizes one registration batch.
type RegistrationResult struct {
	Registered   []string `json:"devices_registered"`
	Errors       []string `json:"registration_errors"`
	LocalOK      bool     `json:"local_registration_success"`
	CloudOK      bool     `json:"public_server_registration_success"`
	CloudEnabled bool     `json:"-"`
}

// Registrar persists discovered devices and brings them under the safety
// policy. Announcer is nil when the public server is disabled.
type Registrar struct {
	devices   repository.DeviceRepo
	policy    *policy.ConfigPolicy
	announcer CloudAnnouncer
	log       *logger.Logger
}

func NewRegistrar(devices repository.DeviceRepo, pol *policy.ConfigPolicy, announcer CloudAnnouncer, log *logger.Logger) *Registrar {
	return &Registrar{devices: devices, policy: pol, announcer: announcer, log: log}
}

// Register upserts each device, preserving a previously stored away
// temperature, then applies the config policy. applyType tells the policy
// whether this is a startup pass, a periodic rescan, or a remote command.
func (r *Registrar) Register(ctx context.Context, devices []models.Thermostat, applyType string) RegistrationResult {
	res := RegistrationResult{CloudEnabled: r.announcer != nil, LocalOK: true}
	if len(devices) == 0 {
		return res
	}

	var registered []models.Thermostat
	for _, d := range devices {
		existing, err := r.devices.GetByID(ctx, d.ThermostatID)
		if err != nil {
			r.log.Errorw("device lookup failed", "thermostat_id", d.ThermostatID, "err", err)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: lookup: %v", d.ThermostatID, err))
			res.LocalOK = false
			continue
		}

		if existing != nil {
			d.AwayTemp = existing.AwayTemp
			d.CreatedAt = existing.CreatedAt
		} else if d.AwayTemp == 0 {
			d.AwayTemp = defaultAwayTemp
		}

		if err := r.devices.Upsert(ctx, d); err != nil {
			r.log.Errorw("device upsert failed", "thermostat_id", d.ThermostatID, "err", err)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: upsert: %v", d.ThermostatID, err))
			res.LocalOK = false
			continue
		}

		r.log.Infow("device registered",
			"thermostat_id", d.ThermostatID, "ip", d.IPAddress,
			"name", d.Name, "method", d.DiscoveryMethod)
		registered = append(registered, d)
		res.Registered = append(res.Registered, d.ThermostatID)

		r.policy.Apply(ctx, d, applyType)
	}

	if r.announcer != nil && len(registered) > 0 {
		if err := r.announcer.RegisterDevices(ctx, registered); err != nil {
			r.log.Warnw("public server registration failed", "devices", len(registered), "err", err)
			res.Errors = append(res.Errors, fmt.Sprintf("public server: %v", err))
		} else {
			res.CloudOK = true
		}
	}
	return res
}
