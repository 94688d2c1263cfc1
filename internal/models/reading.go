package models

import "time"

// StatusReading is one poll result for one device. Numeric fields use the
// device's conventions: temp and t_heat in °F, tmode/tstate as the vendor's
// integer codes. A value of -1 means the field was absent from the response.
type StatusReading struct {
	ThermostatID string    `json:"thermostat_id"`
	Timestamp    time.Time `json:"timestamp"`
	Temp         float64   `json:"temp"`
	THeat        float64   `json:"t_heat"`
	TMode        int       `json:"tmode"`
	TState       int       `json:"tstate"`
	Hold         int       `json:"hold"`
	Override     int       `json:"override"`
	IPAddress    string    `json:"ip_address,omitempty"`
	LocalTemp    float64   `json:"local_temp,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// MinuteReading is a per-device per-minute aggregate over raw readings.
type MinuteReading struct {
	ThermostatID       string    `json:"thermostat_id"`
	MinuteTS           time.Time `json:"minute_ts"`
	TempAvg            float64   `json:"temp_avg"`
	THeatLast          float64   `json:"t_heat_last"`
	TModeLast          int       `json:"tmode_last"`
	HVACRuntimePercent float64   `json:"hvac_runtime_percent"`
	PollCount          int       `json:"poll_count"`
	PollFailures       int       `json:"poll_failures"`
	LocalTempAvg       float64   `json:"local_temp_avg"`
}
