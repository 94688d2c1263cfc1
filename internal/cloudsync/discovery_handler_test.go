package cloudsync

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"thermostat_gateway/internal/discovery"
	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/models"
)

type stubRunner struct {
	fromDB  []models.Thermostat
	fromUDP []models.Thermostat
	sweep   []models.Thermostat
}

func (r *stubRunner) DiscoverDatabase(ctx context.Context) []models.Thermostat { return r.fromDB }

func (r *stubRunner) DiscoverUDP(ctx context.Context) []models.Thermostat { return r.fromUDP }

func (r *stubRunner) ScanRanges(ctx context.Context, ranges []string, checkpoint discovery.CheckpointFunc) []models.Thermostat {
	if checkpoint != nil {
		checkpoint(r.sweep, len(r.sweep), len(r.sweep))
	}
	return r.sweep
}

func newTestHandler(t *testing.T, runner *stubRunner, srv *recordingServer) *DiscoveryCommandHandler {
	t.Helper()
	client := newRecordingClient(t, srv, 1)
	devices := &stubDeviceRepo{devices: map[string]models.Thermostat{}}
	return NewDiscoveryCommandHandler(runner, nil, devices, client,
		[]string{"192.168.1.100-192.168.1.150"}, logger.Get(logger.DebugLevel))
}

func TestValidatePhases(t *testing.T) {
	h := newTestHandler(t, &stubRunner{}, &recordingServer{status: []int{http.StatusOK}})

	cases := []struct {
		name     string
		params   map[string]any
		wantCode string
	}{
		{"missing key", map[string]any{}, codeMissingPhases},
		{"explicit nil", map[string]any{"phases_to_run": nil}, codeMissingPhases},
		{"not a list", map[string]any{"phases_to_run": "database"}, codeInvalidPhases},
		{"empty list", map[string]any{"phases_to_run": []any{}}, codeMissingPhases},
		{"unknown phase", map[string]any{"phases_to_run": []any{"database", "carrier_pigeon"}}, codeInvalidPhase},
		{"non-string entry", map[string]any{"phases_to_run": []any{42}}, codeInvalidPhase},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.validatePhases(tc.params)
			var cmdErr *CommandError
			if !errors.As(err, &cmdErr) {
				t.Fatalf("validatePhases() error = %v, want CommandError", err)
			}
			if cmdErr.Code != tc.wantCode {
				t.Fatalf("error code = %q, want %q", cmdErr.Code, tc.wantCode)
			}
		})
	}

	phases, err := h.validatePhases(map[string]any{"phases_to_run": []any{"database", "udp_discovery"}})
	if err != nil || len(phases) != 2 {
		t.Fatalf("valid phases rejected: (%v, %v)", phases, err)
	}
}

func TestInitHistory_UnrequestedPhasesAreSkipped(t *testing.T) {
	h := newTestHandler(t, &stubRunner{}, &recordingServer{status: []int{http.StatusOK}})

	history := h.initHistory([]string{discovery.PhaseUDP})

	if len(history) != 3 {
		t.Fatalf("history covers %d phases, want all 3", len(history))
	}
	for _, e := range history {
		switch e.Phase {
		case discovery.PhaseUDP:
			if e.Status != phaseWaiting || e.CurrentAction != "Waiting" {
				t.Fatalf("requested phase = %+v", e)
			}
		default:
			if e.Status != phaseSkipped || e.CurrentAction != "Skipped" {
				t.Fatalf("unrequested phase = %+v", e)
			}
		}
	}
}

func TestHandle_OnlyOneDiscoveryAtATime(t *testing.T) {
	h := newTestHandler(t, &stubRunner{}, &recordingServer{status: []int{http.StatusOK}})
	h.mu.Lock()
	h.running = true
	h.currentID = "cmd-running"
	h.mu.Unlock()

	_, err := h.Handle(context.Background(), Command{
		CmdID:  "cmd-second",
		Params: map[string]any{"phases_to_run": []any{"database"}},
	})

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Code != codeInProgress {
		t.Fatalf("Handle() error = %v, want %s", err, codeInProgress)
	}
	if cmdErr.Details["current_discovery_id"] != "cmd-running" {
		t.Fatalf("details = %v", cmdErr.Details)
	}
}

func TestHandle_RunsRequestedPhasesAndReportsResults(t *testing.T) {
	runner := &stubRunner{
		fromDB: []models.Thermostat{{ThermostatID: "uuid-a", IPAddress: "192.168.1.20", Name: "Hallway"}},
		sweep: []models.Thermostat{
			{ThermostatID: "uuid-a", IPAddress: "192.168.1.20"}, // duplicate find
			{ThermostatID: "uuid-b", IPAddress: "192.168.1.31"},
		},
	}
	srv := &recordingServer{status: []int{http.StatusOK}}
	h := newTestHandler(t, runner, srv)

	data, err := h.Handle(context.Background(), Command{
		CmdID:  "cmd-1",
		Params: map[string]any{"phases_to_run": []any{"database", "tcp_discovery"}},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if data["status"] != StatusCompleted {
		t.Fatalf("response status = %v", data["status"])
	}
	results, ok := data["discovery_results"].(map[string]any)
	if !ok {
		t.Fatalf("response data = %v", data)
	}
	if results["total_devices_found"] != 2 {
		t.Fatalf("duplicate finds must collapse: %v", results)
	}
	executed, _ := results["phases_executed"].([]string)
	if len(executed) != 2 || executed[0] != discovery.PhaseDatabase || executed[1] != discovery.PhaseTCP {
		t.Fatalf("phases_executed = %v", executed)
	}
	if _, present := results["registration_results"]; present {
		t.Fatal("registration must not run without apply_initial_config")
	}

	// accepted, in_progress, per-phase transitions, completed
	if srv.requests() < 4 {
		t.Fatalf("expected progress posts throughout the run, got %d", srv.requests())
	}
	if h.Active() {
		t.Fatal("handler still marked running after completion")
	}
}
