package tstat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/models"
)

// Device endpoints (vendor HTTP API, always port 80).
const (
	pathSys     = "/sys"
	pathSysName = "/sys/name"
	pathModel   = "/tstat/model"
	pathTstat   = "/tstat"
)

// Status is one reading from /tstat. Absent numeric fields come back as -1
// (temperatures and mode codes are never negative on real hardware); hold and
// override default to 0.
type Status struct {
	Temp     float64
	THeat    float64
	TMode    int
	TState   int
	Hold     int
	Override int
}

// Client talks to thermostats over their local HTTP API. Keep-alives are
// disabled so network sweeps cannot accumulate idle sockets across hundreds
// of hosts.
type Client struct {
	http *http.Client
	log  *logger.Logger
}

func New(timeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DisableKeepAlives:   true,
				MaxConnsPerHost:     2,
				TLSHandshakeTimeout: timeout,
			},
		},
		log: log,
	}
}

// Probe checks whether the host at ip is a thermostat. A device is one iff
// /sys answers with a uuid; everything else on the subnet is silence or noise,
// so failures are returned as (nil, nil), not errors.
func (c *Client) Probe(ctx context.Context, ip string) (*models.Thermostat, error) {
	var sys struct {
		UUID       string `json:"uuid"`
		APIVersion int    `json:"api_version"`
		FWVersion  string `json:"fw_version"`
	}
	if err := c.getJSON(ctx, ip, pathSys, &sys); err != nil {
		c.log.Debugw("probe: no /sys answer", "ip", ip, "err", err)
		return nil, nil
	}
	if sys.UUID == "" {
		c.log.Debugw("probe: /sys answered without uuid", "ip", ip)
		return nil, nil
	}

	t := &models.Thermostat{
		ThermostatID: sys.UUID,
		IPAddress:    ip,
		Name:         "thermostat-" + ip,
		Model:        "Unknown",
		APIVersion:   sys.APIVersion,
		FWVersion:    "Unknown",
	}
	if sys.FWVersion != "" {
		t.FWVersion = sys.FWVersion
	}

	var name struct {
		Name string `json:"name"`
	}
	if err := c.getJSON(ctx, ip, pathSysName, &name); err == nil && name.Name != "" {
		t.Name = name.Name
	}

	var model struct {
		Model string `json:"model"`
	}
	if err := c.getJSON(ctx, ip, pathModel, &model); err == nil && model.Model != "" {
		t.Model = model.Model
	}

	return t, nil
}

// ReadStatus fetches /tstat and maps it onto Status with absent-field
// defaults.
func (c *Client) ReadStatus(ctx context.Context, ip string) (*Status, error) {
	var raw map[string]json.Number
	if err := c.getJSON(ctx, ip, pathTstat, &raw); err != nil {
		return nil, err
	}

	s := &Status{
		Temp:   numFloat(raw, "temp", -1),
		THeat:  numFloat(raw, "t_heat", -1),
		TMode:  numInt(raw, "tmode", -1),
		TState: numInt(raw, "tstate", -1),
		Hold:   numInt(raw, "hold", 0),
	}
	s.Override = numInt(raw, "override", 0)
	return s, nil
}

// Write posts a settings payload to /tstat. The device acknowledges with
// {"success": 0}; anything else is a rejection.
func (c *Client) Write(ctx context.Context, ip string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal tstat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, deviceURL(ip, pathTstat), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post /tstat to %s: %w", ip, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post /tstat to %s: HTTP %d", ip, resp.StatusCode)
	}

	var ack struct {
		Success *int `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("decode /tstat ack from %s: %w", ip, err)
	}
	if ack.Success == nil || *ack.Success != 0 {
		return fmt.Errorf("device %s rejected settings: %+v", ip, payload)
	}
	return nil
}

// SyncTime pushes the current wall clock to the device. The vendor counts
// weekdays from Monday=0.
func (c *Client) SyncTime(ctx context.Context, ip string, now time.Time) error {
	day := (int(now.Weekday()) + 6) % 7
	return c.Write(ctx, ip, map[string]any{
		"time": map[string]any{
			"day":    day,
			"hour":   now.Hour(),
			"minute": now.Minute(),
		},
	})
}

func (c *Client) getJSON(ctx context.Context, ip, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, deviceURL(ip, path), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s from %s: HTTP %d", path, ip, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func deviceURL(ip, path string) string {
	return "http://" + ip + path
}

func numFloat(raw map[string]json.Number, key string, def float64) float64 {
	n, ok := raw[key]
	if !ok {
		return def
	}
	v, err := n.Float64()
	if err != nil {
		return def
	}
	return v
}

func numInt(raw map[string]json.Number, key string, def int) int {
	n, ok := raw[key]
	if !ok {
		return def
	}
	v, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return def
		}
		return int(f)
	}
	return int(v)
}
