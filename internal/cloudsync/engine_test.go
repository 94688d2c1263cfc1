package cloudsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/metrics"
)

func newTestEngine(t *testing.T, srv *recordingServer) *SyncEngine {
	t.Helper()
	client := newRecordingClient(t, srv, 1)
	exec, _, _ := newTestExecutor(&stubDeviceClient{})
	uploads := NewUploads(client, &stubReadingRepo{}, &stubCheckpointRepo{}, 10, 0, 2, 100,
		newTestMetrics(), logger.Get(logger.DebugLevel))
	return NewSyncEngine(client, exec, nil, uploads, newTestMetrics(), logger.Get(logger.DebugLevel))
}

func newTestMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func TestDispatch_UnsupportedCommandAcksFailure(t *testing.T) {
	e := newTestEngine(t, &recordingServer{status: []int{http.StatusOK}})

	e.Dispatch(context.Background(), Command{CmdID: "c-1", Command: "reboot_building"})

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.acks) != 1 {
		t.Fatalf("expected one queued ack, got %d", len(e.acks))
	}
	ack := e.acks[0]
	if ack.Success || ack.CmdID != "c-1" {
		t.Fatalf("ack = %+v", ack)
	}
	if ack.ErrorMessage != "Unsupported command type: reboot_building" {
		t.Fatalf("ack error = %q", ack.ErrorMessage)
	}
	if e.commandsFailed != 1 || e.commandsExecuted != 0 {
		t.Fatalf("counters = (%d executed, %d failed)", e.commandsExecuted, e.commandsFailed)
	}
}

func TestDispatch_SuccessfulCommandCarriesResponseData(t *testing.T) {
	e := newTestEngine(t, &recordingServer{status: []int{http.StatusOK}})

	e.Dispatch(context.Background(), Command{
		CmdID:        "c-2",
		Command:      CommandSetAwayTemp,
		ThermostatID: "uuid-a",
		Params:       map[string]any{"away_temp": 62.0},
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	ack := e.acks[0]
	if !ack.Success || ack.ResponseData["away_temp"] != 62.0 {
		t.Fatalf("ack = %+v", ack)
	}
	if ack.ExecutedAt == "" {
		t.Fatal("ack missing executed_at")
	}
}

func TestFlushAcks_SendsBatchAndClears(t *testing.T) {
	srv := &recordingServer{status: []int{http.StatusOK}}
	e := newTestEngine(t, srv)
	e.acks = []CommandResult{{CmdID: "c-1", Success: true}, {CmdID: "c-2", Success: false}}

	e.FlushAcks(context.Background())

	if srv.requests() != 1 {
		t.Fatalf("expected one flush request, got %d", srv.requests())
	}
	var body struct {
		SiteID  string          `json:"site_id"`
		Results []CommandResult `json:"results"`
	}
	if err := json.Unmarshal([]byte(srv.bodies[0]), &body); err != nil {
		t.Fatalf("flush body: %v", err)
	}
	if body.SiteID != "site-1" || len(body.Results) != 2 {
		t.Fatalf("flush payload = %+v", body)
	}
	if len(e.acks) != 0 {
		t.Fatalf("acks not cleared after flush: %d", len(e.acks))
	}
}

func TestFlushAcks_FailureRetainsResults(t *testing.T) {
	srv := &recordingServer{status: []int{http.StatusInternalServerError}}
	e := newTestEngine(t, srv)
	e.acks = []CommandResult{{CmdID: "c-1"}, {CmdID: "c-2"}}

	e.FlushAcks(context.Background())

	if len(e.acks) != 2 || e.acks[0].CmdID != "c-1" {
		t.Fatalf("failed flush must keep results in order: %+v", e.acks)
	}
}

func TestTrimAcks_OverflowKeepsNewest(t *testing.T) {
	e := newTestEngine(t, &recordingServer{status: []int{http.StatusOK}})
	for i := 0; i < 120; i++ {
		e.acks = append(e.acks, CommandResult{CmdID: fmt.Sprintf("c-%d", i)})
	}

	e.mu.Lock()
	e.trimAcksLocked()
	e.mu.Unlock()

	if len(e.acks) != ackKeepNewest {
		t.Fatalf("trim kept %d, want %d", len(e.acks), ackKeepNewest)
	}
	if e.acks[0].CmdID != "c-70" || e.acks[len(e.acks)-1].CmdID != "c-119" {
		t.Fatalf("trim must keep the newest results: first %s last %s",
			e.acks[0].CmdID, e.acks[len(e.acks)-1].CmdID)
	}
}

func TestStatus_ReportsQueueAndCounters(t *testing.T) {
	e := newTestEngine(t, &recordingServer{status: []int{http.StatusOK}})
	e.Dispatch(context.Background(), Command{CmdID: "c-1", Command: "bogus"})

	st := e.Status()
	if !st.Enabled || st.PendingAcks != 1 || st.CommandsFailed != 1 {
		t.Fatalf("Status() = %+v", st)
	}
	if st.LastCommandPoll != nil {
		t.Fatal("no poll has happened yet")
	}
}
