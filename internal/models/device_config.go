package models

import "time"

// AppliedSettings is the sparse set of fields written to a device in one
// command. Nil fields were not part of the command and must not disturb the
// stored value or its applied-at timestamp.
type AppliedSettings struct {
	TMode *int
	THeat *float64
	TCool *float64
	Hold  *int
}

// DeviceConfig tracks the last settings this gateway pushed to a device,
// with one applied-at timestamp per field. Pointer fields are nil until the
// gateway has written that setting at least once.
type DeviceConfig struct {
	ThermostatID   string     `json:"thermostat_id"`
	TModeSet       *int       `json:"tmode_set,omitempty"`
	TModeAppliedAt *time.Time `json:"tmode_applied_at,omitempty"`
	THeatSet       *float64   `json:"t_heat_set,omitempty"`
	THeatAppliedAt *time.Time `json:"t_heat_applied_at,omitempty"`
	TCoolSet       *float64   `json:"t_cool_set,omitempty"`
	TCoolAppliedAt *time.Time `json:"t_cool_applied_at,omitempty"`
	HoldSet        *int       `json:"hold_set,omitempty"`
	HoldAppliedAt  *time.Time `json:"hold_applied_at,omitempty"`
	TimeLastSynced *time.Time `json:"time_last_synced,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
