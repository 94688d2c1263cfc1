package policy

import "time"

// Season of the safety policy. The gateway only ever commands OFF or HEAT;
// the season decides which of the two is the safe default.
type Season string

const (
	SeasonHeating Season = "heating"
	SeasonCooling Season = "cooling"
)

// Thermostat mode codes written to devices.
const (
	ModeOff  = 0
	ModeHeat = 1
)

// Default heat setpoint pushed during the heating season (°F). Low enough to
// save energy in an empty building, high enough to keep pipes from freezing.
const defaultHeatSetpoint = 50.0

// SeasonFor classifies a date: Nov 16 through Apr 14 is heating season,
// Apr 15 through Nov 15 is cooling season. Pure so tests can pin dates.
func SeasonFor(t time.Time) Season {
	m, d := t.Month(), t.Day()
	afterNov16 := m > time.November || (m == time.November && d >= 16)
	beforeApr15 := m < time.April || (m == time.April && d <= 14)
	if afterNov16 || beforeApr15 {
		return SeasonHeating
	}
	return SeasonCooling
}

// SeasonalDefaults returns the safe settings for the season. Fan is always
// switched to auto; cooling season turns the unit off rather than running
// compressors unattended.
func SeasonalDefaults(s Season) map[string]any {
	if s == SeasonHeating {
		return map[string]any{"tmode": ModeHeat, "t_heat": defaultHeatSetpoint, "fmode": 0}
	}
	return map[string]any{"tmode": ModeOff, "fmode": 0}
}
