package cloudsync

import (
	"context"
	"sync"
	"time"

	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/metrics"
	"thermostat_gateway/internal/models"
	"thermostat_gateway/internal/repository"
)

// queueDrainTick bounds how long the immediate consumer waits for the next
// update before considering a flush.
const queueDrainTick = 1 * time.Second

// DeviceUpdate is one state change queued for immediate upload.
type DeviceUpdate struct {
	Reading    models.StatusReading
	ChangeType string
}

// UploadStatus is a snapshot of the upload pipelines for the local API.
type UploadStatus struct {
	QueueLength         int        `json:"queue_length"`
	LastImmediateUpload *time.Time `json:"last_immediate_upload,omitempty"`
	ImmediateUploads    int        `json:"immediate_uploads"`
	FallbackUploads     int        `json:"fallback_uploads"`
	MinuteBatches       int        `json:"minute_batches"`
}

// Uploads owns the three paths readings take to the public server: the
// immediate queue for state changes, the fallback full-status upload, and the
// checkpointed minute-aggregate upload.
type Uploads struct {
	client      *Client
	readings    repository.ReadingRepo
	checkpoints repository.CheckpointRepo
	metrics     *metrics.Metrics
	log         *logger.Logger

	queue             chan DeviceUpdate
	batchSize         int
	batchTimeout      time.Duration
	immediateAttempts int
	maxBatchSize      int
	now               func() time.Time

	mu               sync.Mutex
	lastImmediate    time.Time
	immediateUploads int
	fallbackUploads  int
	minuteBatches    int
}

func NewUploads(client *Client, readings repository.ReadingRepo, checkpoints repository.CheckpointRepo,
	batchSize int, batchTimeout time.Duration, immediateAttempts, maxBatchSize int,
	m *metrics.Metrics, log *logger.Logger) *Uploads {
	return &Uploads{
		client:            client,
		readings:          readings,
		checkpoints:       checkpoints,
		metrics:           m,
		log:               log,
		queue:             make(chan DeviceUpdate, 256),
		batchSize:         batchSize,
		batchTimeout:      batchTimeout,
		immediateAttempts: immediateAttempts,
		maxBatchSize:      maxBatchSize,
		now:               time.Now,
	}
}

// Enqueue hands a state change to the immediate pipeline without blocking the
// poller. A full queue drops the update; the fallback upload covers the loss.
func (u *Uploads) Enqueue(update DeviceUpdate) {
	select {
	case u.queue <- update:
	default:
		u.log.Warnw("immediate upload queue full, update dropped",
			"thermostat_id", update.Reading.ThermostatID)
	}
}

// EnqueueChange adapts Enqueue to the poller's state-change callback.
func (u *Uploads) EnqueueChange(r models.StatusReading, changeType string) {
	u.Enqueue(DeviceUpdate{Reading: r, ChangeType: changeType})
}

// RunImmediate consumes the queue and flushes merged batches. A batch goes
// out when it is full, when its oldest entry has aged past the batch timeout,
// or when the queue goes quiet with anything buffered.
func (u *Uploads) RunImmediate(ctx context.Context) {
	var (
		buf      []DeviceUpdate
		oldestAt time.Time
	)

	for {
		received := false
		select {
		case <-ctx.Done():
			if len(buf) > 0 {
				u.flushImmediate(context.Background(), buf)
			}
			return
		case upd := <-u.queue:
			if len(buf) == 0 {
				oldestAt = u.now()
			}
			buf = append(buf, upd)
			received = true
		case <-time.After(queueDrainTick):
		}

		if len(buf) == 0 {
			continue
		}
		full := len(buf) >= u.batchSize
		aged := u.now().Sub(oldestAt) >= u.batchTimeout
		if full || aged || !received {
			u.flushImmediate(ctx, buf)
			buf = nil
		}
	}
}

func (u *Uploads) flushImmediate(ctx context.Context, batch []DeviceUpdate) {
	thermostats := make([]map[string]any, 0, len(batch))
	for _, upd := range batch {
		thermostats = append(thermostats, readingPayload(upd.Reading, upd.ChangeType))
	}
	payload := map[string]any{
		"site_id":          u.client.SiteID(),
		"timestamp":        u.now().UTC().Format(time.RFC3339),
		"thermostats":      thermostats,
		"immediate_update": true,
	}

	if u.client.PostWithAttempts(ctx, pathStatus, payload, u.immediateAttempts) {
		u.mu.Lock()
		u.lastImmediate = u.now()
		u.immediateUploads++
		u.mu.Unlock()
		u.metrics.UploadsTotal.WithLabelValues("immediate", "ok").Inc()
		u.log.Debugw("immediate upload sent", "updates", len(batch))
	} else {
		u.metrics.UploadsTotal.WithLabelValues("immediate", "failed").Inc()
		u.log.Warnw("immediate upload failed", "updates", len(batch))
	}
}

// RunFallback periodically uploads the full current state, but stands down
// while the immediate path is doing its job.
func (u *Uploads) RunFallback(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			u.mu.Lock()
			recent := !u.lastImmediate.IsZero() && u.now().Sub(u.lastImmediate) < interval
			u.mu.Unlock()
			if recent {
				continue
			}
			u.uploadFallback(ctx)
		}
	}
}

func (u *Uploads) uploadFallback(ctx context.Context) {
	current, err := u.readings.ListCurrent(ctx)
	if err != nil {
		u.log.Errorw("load current state for fallback upload failed", "err", err)
		return
	}
	if len(current) == 0 {
		return
	}

	thermostats := make([]map[string]any, 0, len(current))
	for _, r := range current {
		thermostats = append(thermostats, readingPayload(r, ""))
	}
	payload := map[string]any{
		"site_id":         u.client.SiteID(),
		"timestamp":       u.now().UTC().Format(time.RFC3339),
		"thermostats":     thermostats,
		"fallback_upload": true,
	}

	if u.client.Post(ctx, pathStatus, payload) {
		u.mu.Lock()
		u.fallbackUploads++
		u.mu.Unlock()
		u.metrics.UploadsTotal.WithLabelValues("fallback", "ok").Inc()
		if err := u.checkpoints.Set(ctx, repository.CheckpointStatusUpload, u.now()); err != nil {
			u.log.Errorw("save status checkpoint failed", "err", err)
		}
	} else {
		u.metrics.UploadsTotal.WithLabelValues("fallback", "failed").Inc()
	}
}

// RunMinute uploads minute aggregates past the stored checkpoint. The
// checkpoint only advances after every batch of a run lands, so a mid-run
// failure re-sends from the same point next time rather than losing rows.
func (u *Uploads) RunMinute(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			u.uploadMinutes(ctx)
		}
	}
}

func (u *Uploads) uploadMinutes(ctx context.Context) {
	since, ok, err := u.checkpoints.Get(ctx, repository.CheckpointMinuteUpload)
	if err != nil {
		u.log.Errorw("load minute checkpoint failed", "err", err)
		return
	}
	if !ok {
		since = u.now().Add(-time.Hour)
		u.log.Warnw("no minute checkpoint, starting one hour back", "since", since)
	}

	rows, err := u.readings.MinuteReadingsSince(ctx, since)
	if err != nil {
		u.log.Errorw("load minute readings failed", "err", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	var newest time.Time
	for start := 0; start < len(rows); start += u.maxBatchSize {
		end := start + u.maxBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		payload := map[string]any{
			"site_id":  u.client.SiteID(),
			"readings": batch,
		}
		if !u.client.Post(ctx, pathMinute, payload) {
			u.metrics.UploadsTotal.WithLabelValues("minute", "failed").Inc()
			u.log.Warnw("minute upload batch failed, checkpoint not advanced",
				"sent", start, "pending", len(rows)-start)
			return
		}
		u.metrics.UploadsTotal.WithLabelValues("minute", "ok").Inc()
		u.mu.Lock()
		u.minuteBatches++
		u.mu.Unlock()

		for _, r := range batch {
			if r.MinuteTS.After(newest) {
				newest = r.MinuteTS
			}
		}
	}

	if err := u.checkpoints.Set(ctx, repository.CheckpointMinuteUpload, newest); err != nil {
		u.log.Errorw("save minute checkpoint failed", "err", err)
	}
}

// Status snapshots the pipelines for the local API.
func (u *Uploads) Status() UploadStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	st := UploadStatus{
		QueueLength:      len(u.queue),
		ImmediateUploads: u.immediateUploads,
		FallbackUploads:  u.fallbackUploads,
		MinuteBatches:    u.minuteBatches,
	}
	if !u.lastImmediate.IsZero() {
		li := u.lastImmediate
		st.LastImmediateUpload = &li
	}
	return st
}

func readingPayload(r models.StatusReading, changeType string) map[string]any {
	p := map[string]any{
		"thermostat_id": r.ThermostatID,
		"timestamp":     r.Timestamp.UTC().Format(time.RFC3339),
		"temp":          r.Temp,
		"t_heat":        r.THeat,
		"tmode":         r.TMode,
		"tstate":        r.TState,
		"hold":          r.Hold,
		"override":      r.Override,
	}
	if r.LocalTemp != 0 {
		p["local_temp"] = r.LocalTemp
	}
	if r.LastError != "" {
		p["last_error"] = r.LastError
	}
	if changeType != "" {
		p["change_type"] = changeType
	}
	return p
}
