package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"thermostat_gateway/internal/cloudsync"
	"thermostat_gateway/internal/models"
	"thermostat_gateway/internal/service"
	"thermostat_gateway/internal/weather"
)

// ---- Service Mocks ----

type mockControl struct {
	setTempErr   error
	setModeErr   error
	lastID       string
	lastTHeat    float64
	lastHold     int
	lastTMode    int
	setTempCalls int
	setModeCalls int
}

func (m *mockControl) SetTemperature(ctx context.Context, id string, tHeat float64, hold int) error {
	m.setTempCalls++
	m.lastID = id
	m.lastTHeat = tHeat
	m.lastHold = hold
	return m.setTempErr
}

func (m *mockControl) SetMode(ctx context.Context, id string, tmode int) error {
	m.setModeCalls++
	m.lastID = id
	m.lastTMode = tmode
	return m.setModeErr
}

type mockStatus struct {
	devices  []models.Thermostat
	listErr  error
	reading  *models.StatusReading
	readErr  error
	readings []models.StatusReading
}

func (m *mockStatus) ListThermostats(ctx context.Context) ([]models.Thermostat, error) {
	return m.devices, m.listErr
}

func (m *mockStatus) GetReading(ctx context.Context, id string) (*models.StatusReading, error) {
	return m.reading, m.readErr
}

func (m *mockStatus) ListReadings(ctx context.Context) ([]models.StatusReading, error) {
	return m.readings, nil
}

type mockWeather struct {
	status weather.Status
}

func (m *mockWeather) GetStatus() weather.Status { return m.status }

type mockSync struct {
	status cloudsync.SyncStatus
}

func (m *mockSync) Status() cloudsync.SyncStatus { return m.status }

// ---- Shared Test Helpers ----

func newTestRouter(s *service.Service, w WeatherReporter, sync SyncReporter) *gin.Engine {
	h := NewHandler(s, w, sync, nil, nil)
	gin.SetMode(gin.TestMode)
	return h.InitRoutes()
}
