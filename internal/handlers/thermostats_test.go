package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"thermostat_gateway/internal/models"
	"thermostat_gateway/internal/service"
)

func TestThermostatHandlers_ListAndStatus(t *testing.T) {
	status := &mockStatus{
		devices: []models.Thermostat{
			{ThermostatID: "uuid-a", IPAddress: "192.168.1.20", Name: "Hallway"},
			{ThermostatID: "uuid-b", IPAddress: "192.168.1.21", Name: "Office"},
		},
		reading: &models.StatusReading{
			ThermostatID: "uuid-a", Timestamp: time.Now().UTC(), Temp: 68.5, TMode: 1,
		},
	}
	s := &service.Service{Status: status, Control: &mockControl{}}
	r := newTestRouter(s, &mockWeather{}, nil)

	// GET list → 200 with count
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/thermostats", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list status=%d, body=%s", w.Code, w.Body.String())
	}
	var listResp struct {
		Thermostats []models.Thermostat `json:"thermostats"`
		Count       int                 `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if listResp.Count != 2 || len(listResp.Thermostats) != 2 {
		t.Fatalf("unexpected list: %+v", listResp)
	}

	// GET status → 200 with the current reading
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/thermostats/uuid-a/status", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status status=%d, body=%s", w.Code, w.Body.String())
	}
	var reading models.StatusReading
	if err := json.Unmarshal(w.Body.Bytes(), &reading); err != nil {
		t.Fatalf("unmarshal reading: %v", err)
	}
	if reading.ThermostatID != "uuid-a" || reading.Temp != 68.5 {
		t.Fatalf("unexpected reading: %+v", reading)
	}
}

func TestThermostatHandlers_StatusNotFound(t *testing.T) {
	s := &service.Service{Status: &mockStatus{}, Control: &mockControl{}}
	r := newTestRouter(s, &mockWeather{}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/thermostats/uuid-nope/status", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a device with no reading, got %d", w.Code)
	}
}

func TestThermostatHandlers_SetTemperature(t *testing.T) {
	ctl := &mockControl{}
	s := &service.Service{Status: &mockStatus{}, Control: ctl}
	r := newTestRouter(s, &mockWeather{}, nil)

	body := bytes.NewBufferString(`{"t_heat":68.0,"hold":1}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/thermostats/uuid-a/temperature", body)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("temperature status=%d, body=%s", w.Code, w.Body.String())
	}
	if ctl.setTempCalls != 1 || ctl.lastID != "uuid-a" || ctl.lastTHeat != 68.0 || ctl.lastHold != 1 {
		t.Fatalf("control call: %+v", ctl)
	}
	var resp struct {
		Status string  `json:"status"`
		THeat  float64 `json:"t_heat"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != statusApplied || resp.THeat != 68.0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestThermostatHandlers_SetTemperature_MissingHoldIs400(t *testing.T) {
	ctl := &mockControl{}
	s := &service.Service{Status: &mockStatus{}, Control: ctl}
	r := newTestRouter(s, &mockWeather{}, nil)

	body := bytes.NewBufferString(`{"t_heat":68.0}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/thermostats/uuid-a/temperature", body)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without hold, got %d", w.Code)
	}
	if ctl.setTempCalls != 0 {
		t.Fatal("invalid body must not reach the control service")
	}
}

func TestThermostatHandlers_SetMode(t *testing.T) {
	ctl := &mockControl{}
	s := &service.Service{Status: &mockStatus{}, Control: ctl}
	r := newTestRouter(s, &mockWeather{}, nil)

	// tmode 0 must bind even though it is the zero value
	body := bytes.NewBufferString(`{"tmode":0}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/thermostats/uuid-a/mode", body)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("mode status=%d, body=%s", w.Code, w.Body.String())
	}
	if ctl.setModeCalls != 1 || ctl.lastTMode != 0 {
		t.Fatalf("control call: %+v", ctl)
	}
}

func TestThermostatHandlers_ControlErrorsSurfaceAs400(t *testing.T) {
	ctl := &mockControl{setModeErr: errors.New("unknown thermostat")}
	s := &service.Service{Status: &mockStatus{}, Control: ctl}
	r := newTestRouter(s, &mockWeather{}, nil)

	body := bytes.NewBufferString(`{"tmode":1}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/thermostats/uuid-nope/mode", body)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 from a control error, got %d", w.Code)
	}
	var resp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error != "unknown thermostat" {
		t.Fatalf("error body = %q", resp.Error)
	}
}
