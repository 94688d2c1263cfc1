package cloudsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"thermostat_gateway/internal/discovery"
	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/models"
	"thermostat_gateway/internal/repository"
)

// Lifecycle statuses reported for a remote discovery run.
const (
	StatusPending    = "pending"
	StatusAccepted   = "accepted"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Per-phase statuses inside the phase history.
const (
	phaseWaiting    = "waiting"
	phaseInProgress = "inprogress"
	phaseCompleted  = "completed"
	phaseSkipped    = "skipped"
)

// Machine-readable error codes returned to the server on rejected commands.
const (
	codeMissingPhases = "MISSING_PHASES_TO_RUN"
	codeInvalidPhases = "INVALID_PHASES_TO_RUN"
	codeInvalidPhase  = "INVALID_PHASE"
	codeInProgress    = "DISCOVERY_IN_PROGRESS"
)

// How long the UDP phase reports "broadcasting" before switching to
// "listening"; the datagram is long gone by then, this is purely operator
// feedback pacing.
const udpBroadcastReport = 2 * time.Second

// DiscoveryRunner is the slice of the discovery engine the handler drives.
type DiscoveryRunner interface {
	DiscoverDatabase(ctx context.Context) []models.Thermostat
	DiscoverUDP(ctx context.Context) []models.Thermostat
	ScanRanges(ctx context.Context, ranges []string, checkpoint discovery.CheckpointFunc) []models.Thermostat
}

type phaseEntry struct {
	Phase         string   `json:"phase"`
	Status        string   `json:"status"`
	ElapsedTime   float64  `json:"elapsed_time"`
	DeviceIDs     []string `json:"device_ids"`
	DevicesFound  int      `json:"devices_found"`
	CurrentAction string   `json:"current_action"`
	IPsScanned    *int     `json:"ips_scanned,omitempty"`
	IPsToScan     *int     `json:"ips_to_scan,omitempty"`
}

// CommandError carries a machine-readable code and optional details back to
// the server alongside the human-readable message.
type CommandError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *CommandError) Error() string { return e.Message }

// DiscoveryCommandHandler executes remote discover_devices commands: it runs
// the requested phases one at a time, streams progress to the server after
// every transition, and optionally registers what it found. Only one
// discovery runs at a time per site.
type DiscoveryCommandHandler struct {
	runner    DiscoveryRunner
	registrar *discovery.Registrar
	devices   repository.DeviceRepo
	client    *Client
	ranges    []string
	log       *logger.Logger
	now       func() time.Time

	mu        sync.Mutex
	running   bool
	currentID string
}

func NewDiscoveryCommandHandler(runner DiscoveryRunner, registrar *discovery.Registrar,
	devices repository.DeviceRepo, client *Client, ranges []string, log *logger.Logger) *DiscoveryCommandHandler {
	return &DiscoveryCommandHandler{
		runner:    runner,
		registrar: registrar,
		devices:   devices,
		client:    client,
		ranges:    ranges,
		log:       log,
		now:       time.Now,
	}
}

// Active reports whether a discovery run is underway.
func (h *DiscoveryCommandHandler) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Handle runs one discover_devices command to completion and returns the
// response data for the ack.
func (h *DiscoveryCommandHandler) Handle(ctx context.Context, cmd Command) (map[string]any, error) {
	phases, err := h.validatePhases(cmd.Params)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.running {
		current := h.currentID
		h.mu.Unlock()
		return nil, &CommandError{
			Code:    codeInProgress,
			Message: "Discovery already in progress",
			Details: map[string]any{"current_discovery_id": current},
		}
	}
	h.running = true
	h.currentID = cmd.CmdID
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.running = false
		h.currentID = ""
		h.mu.Unlock()
	}()

	started := h.now()
	history := h.initHistory(phases)

	h.postProgress(ctx, cmd.CmdID, StatusAccepted, started, history)
	h.postProgress(ctx, cmd.CmdID, StatusInProgress, started, history)

	var all []models.Thermostat
	var executed []string
	for _, phase := range []string{discovery.PhaseDatabase, discovery.PhaseUDP, discovery.PhaseTCP} {
		entry := findPhase(history, phase)
		if entry == nil || entry.Status == phaseSkipped {
			continue
		}
		found := h.runPhase(ctx, cmd.CmdID, phase, entry, started, history)
		all = append(all, found...)
		executed = append(executed, phase)
	}

	all = dedupeByID(all)

	results := map[string]any{
		"phases_executed":     executed,
		"total_devices_found": len(all),
		"devices_found":       deviceSummaries(all),
	}

	if wantRegistration(cmd.Params) && len(all) > 0 {
		results["registration_results"] = h.registerNew(ctx, all)
	}

	h.postProgress(ctx, cmd.CmdID, StatusCompleted, started, history)

	return map[string]any{
		"discovery_results":      results,
		"execution_time_seconds": h.now().Sub(started).Seconds(),
		"status":                 StatusCompleted,
	}, nil
}

func (h *DiscoveryCommandHandler) validatePhases(params map[string]any) ([]string, error) {
	raw, ok := params["phases_to_run"]
	if !ok || raw == nil {
		return nil, &CommandError{Code: codeMissingPhases, Message: "phases_to_run is required"}
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, &CommandError{Code: codeInvalidPhases, Message: "phases_to_run must be a list"}
	}

	valid := map[string]bool{discovery.PhaseDatabase: true, discovery.PhaseUDP: true, discovery.PhaseTCP: true}
	var phases []string
	for _, v := range list {
		s, ok := v.(string)
		if !ok || !valid[s] {
			return nil, &CommandError{
				Code:    codeInvalidPhase,
				Message: fmt.Sprintf("unknown discovery phase: %v", v),
			}
		}
		phases = append(phases, s)
	}
	if len(phases) == 0 {
		return nil, &CommandError{Code: codeMissingPhases, Message: "phases_to_run is required"}
	}
	return phases, nil
}

func (h *DiscoveryCommandHandler) initHistory(requested []string) []*phaseEntry {
	want := map[string]bool{}
	for _, p := range requested {
		want[p] = true
	}
	var history []*phaseEntry
	for _, phase := range []string{discovery.PhaseDatabase, discovery.PhaseUDP, discovery.PhaseTCP} {
		entry := &phaseEntry{Phase: phase, Status: phaseSkipped, CurrentAction: "Skipped", DeviceIDs: []string{}}
		if want[phase] {
			entry.Status = phaseWaiting
			entry.CurrentAction = "Waiting"
		}
		history = append(history, entry)
	}
	return history
}

func (h *DiscoveryCommandHandler) runPhase(ctx context.Context, cmdID, phase string, entry *phaseEntry,
	started time.Time, history []*phaseEntry) []models.Thermostat {
	phaseStart := h.now()
	entry.Status = phaseInProgress

	var found []models.Thermostat
	switch phase {
	case discovery.PhaseDatabase:
		entry.CurrentAction = "Checking database for known devices"
		h.postProgress(ctx, cmdID, StatusInProgress, started, history)
		found = h.runner.DiscoverDatabase(ctx)
		entry.CurrentAction = "Database discovery complete"

	case discovery.PhaseUDP:
		entry.CurrentAction = "Broadcasting UDP multicast discovery"
		h.postProgress(ctx, cmdID, StatusInProgress, started, history)

		done := make(chan []models.Thermostat, 1)
		go func() { done <- h.runner.DiscoverUDP(ctx) }()
		select {
		case found = <-done:
		case <-time.After(udpBroadcastReport):
			entry.CurrentAction = "Listening for UDP responses"
			entry.ElapsedTime = h.now().Sub(phaseStart).Seconds()
			h.postProgress(ctx, cmdID, StatusInProgress, started, history)
			found = <-done
		}
		entry.CurrentAction = "UDP discovery complete"

	case discovery.PhaseTCP:
		rangeLabel := ""
		if len(h.ranges) > 0 {
			rangeLabel = h.ranges[0]
		}
		entry.CurrentAction = "Scanning IP range " + rangeLabel
		zero := 0
		entry.IPsScanned, entry.IPsToScan = &zero, &zero
		h.postProgress(ctx, cmdID, StatusInProgress, started, history)

		found = h.runner.ScanRanges(ctx, h.ranges, func(batch []models.Thermostat, scanned, total int) {
			s, t := scanned, total
			entry.IPsScanned, entry.IPsToScan = &s, &t
			for _, d := range batch {
				entry.DeviceIDs = append(entry.DeviceIDs, d.ThermostatID)
			}
			entry.DevicesFound = len(entry.DeviceIDs)
			entry.ElapsedTime = h.now().Sub(phaseStart).Seconds()
			h.postProgress(ctx, cmdID, StatusInProgress, started, history)
		})
		entry.CurrentAction = "IP scan complete"
	}

	entry.Status = phaseCompleted
	entry.ElapsedTime = h.now().Sub(phaseStart).Seconds()
	entry.DeviceIDs = deviceIDs(found)
	entry.DevicesFound = len(found)
	h.postProgress(ctx, cmdID, StatusInProgress, started, history)

	h.log.Infow("discovery phase finished", "phase", phase, "devices", len(found),
		"elapsed", entry.ElapsedTime)
	return found
}

// registerNew registers only devices the store has never seen; a remote
// discovery must not reset the policy on devices already under management.
func (h *DiscoveryCommandHandler) registerNew(ctx context.Context, found []models.Thermostat) discovery.RegistrationResult {
	var fresh []models.Thermostat
	for _, d := range found {
		existing, err := h.devices.GetByID(ctx, d.ThermostatID)
		if err != nil {
			h.log.Errorw("device lookup during registration failed", "thermostat_id", d.ThermostatID, "err", err)
			continue
		}
		if existing == nil {
			fresh = append(fresh, d)
		}
	}
	if len(fresh) == 0 {
		return discovery.RegistrationResult{LocalOK: true, Registered: []string{}, Errors: []string{}}
	}
	return h.registrar.Register(ctx, fresh, "command")
}

func (h *DiscoveryCommandHandler) postProgress(ctx context.Context, cmdID, status string,
	started time.Time, history []*phaseEntry) {
	payload := map[string]any{
		"command_id":             cmdID,
		"site_id":                h.client.SiteID(),
		"status":                 status,
		"execution_time_seconds": h.now().Sub(started).Seconds(),
		"phase_history":          history,
	}
	if !h.client.Post(ctx, pathCommandProgress, payload) {
		h.log.Debugw("discovery progress post failed", "command_id", cmdID, "status", status)
	}
}

func findPhase(history []*phaseEntry, phase string) *phaseEntry {
	for _, e := range history {
		if e.Phase == phase {
			return e
		}
	}
	return nil
}

func wantRegistration(params map[string]any) bool {
	v, ok := params["apply_initial_config"].(bool)
	return ok && v
}

func deviceIDs(devices []models.Thermostat) []string {
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ThermostatID)
	}
	return ids
}

func deviceSummaries(devices []models.Thermostat) []map[string]any {
	out := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		out = append(out, map[string]any{
			"thermostat_id":    d.ThermostatID,
			"name":             d.Name,
			"ip":               d.IPAddress,
			"discovery_method": d.DiscoveryMethod,
		})
	}
	return out
}

func dedupeByID(devices []models.Thermostat) []models.Thermostat {
	seen := map[string]bool{}
	var out []models.Thermostat
	for _, d := range devices {
		if seen[d.ThermostatID] {
			continue
		}
		seen[d.ThermostatID] = true
		out = append(out, d)
	}
	return out
}
