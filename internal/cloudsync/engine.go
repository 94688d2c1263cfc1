package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/metrics"
)

// Ack queue discipline: flush this often, and when failures pile the queue
// past the high mark, shed the oldest entries down to the low mark. The
// newest results are the ones the server is still waiting on.
const (
	ackFlushInterval = 2 * time.Second
	ackHighWater     = 100
	ackKeepNewest    = 50
)

// CommandResult is the ack for one executed command.
type CommandResult struct {
	CmdID        string         `json:"cmd_id"`
	Success      bool           `json:"success"`
	ExecutedAt   string         `json:"executed_at"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ResponseData map[string]any `json:"response_data,omitempty"`
}

// SyncStatus is a snapshot of the engine for the local API.
type SyncStatus struct {
	Enabled          bool         `json:"enabled"`
	PendingAcks      int          `json:"pending_acks"`
	CommandsExecuted int          `json:"commands_executed"`
	CommandsFailed   int          `json:"commands_failed"`
	LastCommandPoll  *time.Time   `json:"last_command_poll,omitempty"`
	Uploads          UploadStatus `json:"uploads"`
}

// SyncEngine polls the public server for commands, dispatches them, and
// batches acks back up.
type SyncEngine struct {
	client    *Client
	executor  *CommandExecutor
	discovery *DiscoveryCommandHandler
	uploads   *Uploads
	metrics   *metrics.Metrics
	log       *logger.Logger
	now       func() time.Time

	mu               sync.Mutex
	acks             []CommandResult
	lastCommandPoll  time.Time
	commandsExecuted int
	commandsFailed   int
}

func NewSyncEngine(client *Client, executor *CommandExecutor, discoveryHandler *DiscoveryCommandHandler,
	uploads *Uploads, m *metrics.Metrics, log *logger.Logger) *SyncEngine {
	return &SyncEngine{
		client:    client,
		executor:  executor,
		discovery: discoveryHandler,
		uploads:   uploads,
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
}

// RunCommandPoll fetches and executes pending commands on the interval.
func (e *SyncEngine) RunCommandPoll(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.pollOnce(ctx)
		}
	}
}

func (e *SyncEngine) pollOnce(ctx context.Context) {
	e.mu.Lock()
	e.lastCommandPoll = e.now()
	e.mu.Unlock()

	commands, err := e.client.PendingCommands(ctx)
	if err != nil {
		e.log.Warnw("command poll failed", "err", err)
		return
	}
	for _, cmd := range commands {
		e.Dispatch(ctx, cmd)
	}
}

// Dispatch executes one command and queues its ack.
func (e *SyncEngine) Dispatch(ctx context.Context, cmd Command) {
	if cmd.CmdID == "" {
		// The ack still needs something to reference.
		cmd.CmdID = uuid.NewString()
	}
	e.log.Infow("executing command", "cmd_id", cmd.CmdID, "command", cmd.Command,
		"thermostat_id", cmd.ThermostatID)

	cctx := ctx
	if cmd.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, time.Duration(cmd.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	var data map[string]any
	var err error
	switch cmd.Command {
	case CommandDiscover:
		data, err = e.discovery.Handle(cctx, cmd)
	case CommandSetState:
		data, err = e.executor.SetState(cctx, cmd.ThermostatID, cmd.Params)
	case CommandSetAwayTemp:
		data, err = e.executor.SetAwayTemp(cctx, cmd.ThermostatID, cmd.Params)
	default:
		err = fmt.Errorf("Unsupported command type: %s", cmd.Command)
	}

	res := CommandResult{
		CmdID:      cmd.CmdID,
		Success:    err == nil,
		ExecutedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		res.ErrorMessage = err.Error()
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			res.ResponseData = map[string]any{"error_code": cmdErr.Code}
			if cmdErr.Details != nil {
				res.ResponseData["details"] = cmdErr.Details
			}
		}
		e.metrics.CommandsTotal.WithLabelValues(cmd.Command, "failed").Inc()
		e.log.Warnw("command failed", "cmd_id", cmd.CmdID, "command", cmd.Command, "err", err)
	} else {
		res.ResponseData = data
		e.metrics.CommandsTotal.WithLabelValues(cmd.Command, "ok").Inc()
	}

	e.mu.Lock()
	if err == nil {
		e.commandsExecuted++
	} else {
		e.commandsFailed++
	}
	e.acks = append(e.acks, res)
	e.trimAcksLocked()
	e.mu.Unlock()
}

// RunAckFlush ships queued acks every couple of seconds. A failed flush puts
// them back for the next try.
func (e *SyncEngine) RunAckFlush(ctx context.Context) {
	t := time.NewTicker(ackFlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			// Last chance for straggler acks before shutdown.
			e.FlushAcks(context.Background())
			return
		case <-t.C:
			e.FlushAcks(ctx)
		}
	}
}

// FlushAcks sends everything queued in one batch.
func (e *SyncEngine) FlushAcks(ctx context.Context) {
	e.mu.Lock()
	if len(e.acks) == 0 {
		e.mu.Unlock()
		return
	}
	batch := e.acks
	e.acks = nil
	e.mu.Unlock()

	payload := map[string]any{
		"site_id": e.client.SiteID(),
		"results": batch,
	}
	if e.client.Post(ctx, pathCommandResults, payload) {
		e.log.Debugw("command results sent", "count", len(batch))
		return
	}

	e.mu.Lock()
	e.acks = append(batch, e.acks...)
	e.trimAcksLocked()
	e.mu.Unlock()
	e.log.Warnw("command result flush failed, retained", "count", len(batch))
}

func (e *SyncEngine) trimAcksLocked() {
	if len(e.acks) <= ackHighWater {
		return
	}
	dropped := len(e.acks) - ackKeepNewest
	e.acks = append([]CommandResult(nil), e.acks[len(e.acks)-ackKeepNewest:]...)
	e.log.Warnw("ack queue overflow, oldest results dropped", "dropped", dropped, "kept", ackKeepNewest)
}

// Status snapshots the engine for the local API.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := SyncStatus{
		Enabled:          true,
		PendingAcks:      len(e.acks),
		CommandsExecuted: e.commandsExecuted,
		CommandsFailed:   e.commandsFailed,
		Uploads:          e.uploads.Status(),
	}
	if !e.lastCommandPoll.IsZero() {
		lp := e.lastCommandPoll
		st.LastCommandPoll = &lp
	}
	return st
}
