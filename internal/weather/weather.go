package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"thermostat_gateway/internal/logger"
)

const (
	openWeatherURL = "https://api.openweathermap.org/data/2.5/weather"
	maxAttempts    = 3
)

var (
	errInvalidAPIKey  = errors.New("invalid API key")
	errInvalidZipCode = errors.New("invalid zip code")
)

// Status is a point-in-time snapshot of the oracle for the API and health
// monitor.
type Status struct {
	Enabled     bool       `json:"enabled"`
	ZipCode     string     `json:"zip_code,omitempty"`
	CurrentTemp *float64   `json:"current_temp,omitempty"`
	LastUpdate  *time.Time `json:"last_update,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	UpdateCount int        `json:"update_count"`
	ErrorCount  int        `json:"error_count"`
	NextUpdate  *time.Time `json:"next_update,omitempty"`
}

// Service caches the outdoor temperature for the configured zip code.
// Disabled (no key or zip) it just hands out the fallback temperature.
// A 401 or 404 from the provider is terminal: the credentials or zip are
// wrong and retrying will not fix them.
type Service struct {
	http         *http.Client
	log          *logger.Logger
	apiKey       string
	zipCode      string
	interval     time.Duration
	fallbackTemp float64
	now          func() time.Time

	mu          sync.Mutex
	current     *float64
	lastUpdate  time.Time
	lastError   string
	updateCount int
	errorCount  int
	terminal    bool
}

func New(apiKey, zipCode string, updateIntervalMinutes int, fallbackTemp float64, log *logger.Logger) *Service {
	return &Service{
		http:         &http.Client{Timeout: 10 * time.Second},
		log:          log,
		apiKey:       apiKey,
		zipCode:      zipCode,
		interval:     time.Duration(updateIntervalMinutes) * time.Minute,
		fallbackTemp: fallbackTemp,
		now:          time.Now,
	}
}

// Enabled reports whether the oracle has credentials to work with.
func (s *Service) Enabled() bool {
	return s.apiKey != "" && s.zipCode != ""
}

// CurrentTemperature returns the cached outdoor temperature, refreshing it
// first when stale. Falls back to the configured temperature whenever no
// fresh value can be had.
func (s *Service) CurrentTemperature(ctx context.Context) float64 {
	if !s.Enabled() {
		return s.fallbackTemp
	}

	s.mu.Lock()
	stale := s.current == nil || s.now().Sub(s.lastUpdate) >= s.interval
	terminal := s.terminal
	s.mu.Unlock()

	if stale && !terminal {
		s.refresh(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return *s.current
	}
	return s.fallbackTemp
}

func (s *Service) refresh(ctx context.Context) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		temp, err := s.fetch(ctx)
		if err == nil {
			s.mu.Lock()
			s.current = &temp
			s.lastUpdate = s.now()
			s.lastError = ""
			s.updateCount++
			s.mu.Unlock()
			s.log.Debugw("outdoor temperature updated", "temp", temp, "zip", s.zipCode)
			return
		}

		lastErr = err
		if errors.Is(err, errInvalidAPIKey) || errors.Is(err, errInvalidZipCode) {
			s.mu.Lock()
			s.terminal = true
			s.lastError = err.Error()
			s.errorCount++
			s.mu.Unlock()
			s.log.Errorw("weather provider rejected configuration, giving up", "err", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(1<<attempt) * time.Second):
		}
	}

	s.mu.Lock()
	s.lastError = lastErr.Error()
	s.errorCount++
	s.mu.Unlock()
	s.log.Warnw("weather update failed", "err", lastErr)
}

func (s *Service) fetch(ctx context.Context) (float64, error) {
	q := url.Values{}
	q.Set("zip", s.zipCode+",US")
	q.Set("appid", s.apiKey)
	q.Set("units", "imperial")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, openWeatherURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return 0, errInvalidAPIKey
	case http.StatusNotFound:
		return 0, errInvalidZipCode
	default:
		return 0, fmt.Errorf("weather provider: HTTP %d", resp.StatusCode)
	}

	var body struct {
		Main struct {
			Temp float64 `json:"temp"`
		} `json:"main"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode weather response: %w", err)
	}
	return body.Main.Temp, nil
}

// GetStatus snapshots the oracle for the API and monitoring.
func (s *Service) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Enabled:     s.Enabled(),
		ZipCode:     s.zipCode,
		CurrentTemp: s.current,
		LastError:   s.lastError,
		UpdateCount: s.updateCount,
		ErrorCount:  s.errorCount,
	}
	if !s.lastUpdate.IsZero() {
		lu := s.lastUpdate
		st.LastUpdate = &lu
		if !s.terminal {
			nu := s.lastUpdate.Add(s.interval)
			st.NextUpdate = &nu
		}
	}
	return st
}
