package cloudsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/models"
)

// Cloud API paths, relative to /api/v1/sites/{site_id}/.
const (
	pathStatus          = "status"
	pathMinute          = "minute"
	pathCommandsPending = "commands/pending"
	pathCommandResults  = "commands/results"
	pathCommandProgress = "commands/progress"
	pathRegister        = "thermostats/register"
)

const siteTokenHeader = "X-Site-Token"

// Command is one pending remote command fetched from the public server.
type Command struct {
	CmdID          string         `json:"cmd_id"`
	Command        string         `json:"command"`
	ThermostatID   string         `json:"thermostat_id"`
	Params         map[string]any `json:"params"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

// Client talks to the public server for one site. All uploads go through
// Post, which owns the retry discipline: a 422 means the payload itself is
// bad and is never retried, a 429 backs off proportionally to the attempt,
// anything else transient waits a fixed delay.
type Client struct {
	http          *http.Client
	log           *logger.Logger
	baseURL       string
	siteID        string
	token         string
	retryAttempts int
	retryDelay    time.Duration
}

func NewClient(baseURL, siteID, token string, timeout time.Duration, retryAttempts int, retryDelay time.Duration, log *logger.Logger) *Client {
	return &Client{
		http:          &http.Client{Timeout: timeout},
		log:           log,
		baseURL:       strings.TrimRight(baseURL, "/"),
		siteID:        siteID,
		token:         token,
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
	}
}

func (c *Client) SiteID() string { return c.siteID }

func (c *Client) siteURL(path string) string {
	return fmt.Sprintf("%s/api/v1/sites/%s/%s", c.baseURL, c.siteID, path)
}

// Post uploads a payload, retrying transient failures. Returns true only when
// the server accepted it.
func (c *Client) Post(ctx context.Context, path string, payload any) bool {
	return c.PostWithAttempts(ctx, path, payload, c.retryAttempts)
}

// PostWithAttempts is Post with a caller-chosen attempt budget (the immediate
// upload path retries less than the rest).
func (c *Client) PostWithAttempts(ctx context.Context, path string, payload any, attempts int) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		c.log.Errorw("marshal upload payload failed", "path", path, "err", err)
		return false
	}

	for attempt := 0; attempt < attempts; attempt++ {
		status, respBody, err := c.doPost(ctx, c.siteURL(path), body)
		switch {
		case err == nil && (status == http.StatusOK || status == http.StatusCreated):
			return true

		case err == nil && status == http.StatusUnprocessableEntity:
			// The server rejected the shape of what we sent. Retrying the
			// same bytes cannot succeed; log everything needed to debug it.
			c.log.Errorw("server rejected payload",
				"path", path, "response", respBody, "payload", string(body))
			return false

		case err == nil && status == http.StatusTooManyRequests:
			c.log.Warnw("rate limited by server", "path", path, "attempt", attempt+1)
			if !sleepCtx(ctx, c.retryDelay*time.Duration(attempt+1)) {
				return false
			}

		default:
			if err != nil {
				c.log.Warnw("upload attempt failed", "path", path, "attempt", attempt+1, "err", err)
			} else {
				c.log.Warnw("upload attempt failed", "path", path, "attempt", attempt+1, "status", status)
			}
			if !sleepCtx(ctx, c.retryDelay) {
				return false
			}
		}
	}
	return false
}

func (c *Client) doPost(ctx context.Context, url string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set(siteTokenHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode, string(respBody), nil
}

// PendingCommands fetches queued commands for this site. A 404 means the
// queue endpoint has nothing for us, which is the common case, not an error.
func (c *Client) PendingCommands(ctx context.Context) ([]Command, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.siteURL(pathCommandsPending), nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set(siteTokenHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch pending commands: HTTP %d", resp.StatusCode)
	}

	var body struct {
		Commands []Command `json:"commands"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode pending commands: %w", err)
	}
	return body.Commands, nil
}

// RegisterDevices announces devices to the public server.
func (c *Client) RegisterDevices(ctx context.Context, devices []models.Thermostat) error {
	payload := map[string]any{
		"site_id":     c.siteID,
		"thermostats": devices,
	}
	if !c.Post(ctx, pathRegister, payload) {
		return fmt.Errorf("register %d thermostats with public server failed", len(devices))
	}
	return nil
}

// sleepCtx waits d or until ctx is done; false means the context won.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
