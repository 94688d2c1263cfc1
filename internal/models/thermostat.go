package models

import "time"

// Discovery methods recorded per device.
const (
	DiscoveryUDP      = "udp"
	DiscoveryTCP      = "tcp"
	DiscoveryDatabase = "database"
)

// Thermostat is a known device keyed by its hardware UUID.
type Thermostat struct {
	ThermostatID    string    `json:"thermostat_id"`
	IPAddress       string    `json:"ip_address"`
	Name            string    `json:"name"`
	Model           string    `json:"model"`
	APIVersion      int       `json:"api_version"`
	FWVersion       string    `json:"fw_version"`
	Capabilities    string    `json:"capabilities,omitempty"`
	DiscoveryMethod string    `json:"discovery_method"`
	Active          bool      `json:"active"`
	AwayTemp        float64   `json:"away_temp"`
	CreatedAt       time.Time `json:"created_at"`
	LastSeen        time.Time `json:"last_seen"`
}
