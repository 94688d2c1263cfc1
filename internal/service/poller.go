package service

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"thermostat_gateway/internal/config"
	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/metrics"
	"thermostat_gateway/internal/models"
	"thermostat_gateway/internal/repository"
	"thermostat_gateway/internal/tstat"
	"thermostat_gateway/internal/weather"
)

// State-change classification, in detection priority order.
const (
	ChangeManual   = "manual_adjustment"
	ChangeHVAC     = "hvac_state_change"
	ChangeTemp     = "temperature_change"
	ChangeOverride = "override_change"
	ChangeOther    = "other_change"
)

// A temperature move below this is sensor jitter, not a change (°F).
const tempChangeThreshold = 0.5

// Cycles between debug stat lines.
const statsEveryCycles = 60

// When a cycle eats this share of the interval, warn before it starts
// overrunning.
const cycleBudgetWarnRatio = 0.8

// PollingLoop reads every active device once per interval, persists the
// readings, and pushes detected state changes to the immediate uploader.
type PollingLoop struct {
	repos    *repository.Repository
	client   *tstat.Client
	weather  *weather.Service
	metrics  *metrics.Metrics
	enqueuer Enqueuer
	cfg      config.Polling
	log      *logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSeen map[string]models.StatusReading
	cycles   int
	changes  int
	failures int
}

func NewPollingLoop(repos *repository.Repository, client *tstat.Client, w *weather.Service,
	m *metrics.Metrics, enqueuer Enqueuer, cfg config.Polling, log *logger.Logger) *PollingLoop {
	return &PollingLoop{
		repos:    repos,
		client:   client,
		weather:  w,
		metrics:  m,
		enqueuer: enqueuer,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		lastSeen: map[string]models.StatusReading{},
	}
}

// Run polls until ctx is canceled. The interval is a floor, not a schedule:
// a slow cycle starts the next one immediately rather than queueing up.
func (p *PollingLoop) Run(ctx context.Context) {
	interval := p.cfg.StatusInterval
	p.log.Infow("polling loop started", "interval", interval)

	for ctx.Err() == nil {
		start := p.now()
		err := p.pollCycle(ctx)
		elapsed := p.now().Sub(start)
		p.metrics.PollDuration.Observe(elapsed.Seconds())

		p.mu.Lock()
		p.cycles++
		if p.cycles%statsEveryCycles == 0 {
			p.log.Debugw("polling stats", "cycles", p.cycles, "changes", p.changes, "failures", p.failures)
		}
		p.mu.Unlock()

		switch {
		case err != nil:
			p.log.Warnw("poll cycle failed", "err", err)
			sleepRemainder(ctx, interval, elapsed)
		case elapsed > interval:
			p.log.Warnw("poll cycle overran interval, skipping sleep to prevent pile-up",
				"elapsed", elapsed, "interval", interval)
		case elapsed > time.Duration(float64(interval)*cycleBudgetWarnRatio):
			p.log.Warnw("poll cycle nearing interval budget", "elapsed", elapsed, "interval", interval)
			sleepRemainder(ctx, interval, elapsed)
		default:
			sleepRemainder(ctx, interval, elapsed)
		}
	}
	p.log.Infow("polling loop stopped")
}

func (p *PollingLoop) pollCycle(ctx context.Context) error {
	devices, err := p.repos.Devices.ListActive(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		p.log.Warnw("no active devices to poll")
		return nil
	}

	// One outdoor reading per cycle, shared by every device row.
	outdoor := p.weather.CurrentTemperature(ctx)

	// Every device is polled at once; the interval, not a worker pool, paces
	// the loop. Capping the fan-out here would let a handful of slow devices
	// push the cycle past its interval.
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range devices {
		d := d
		g.Go(func() error {
			p.pollDevice(gctx, d, outdoor)
			return nil
		})
	}
	return g.Wait()
}

func (p *PollingLoop) pollDevice(ctx context.Context, device models.Thermostat, outdoor float64) {
	ts := p.now().UTC()
	reading := models.StatusReading{
		ThermostatID: device.ThermostatID,
		Timestamp:    ts,
		Temp:         -1,
		THeat:        -1,
		TMode:        -1,
		TState:       -1,
		IPAddress:    device.IPAddress,
		LocalTemp:    outdoor,
	}

	st, err := p.client.ReadStatus(ctx, device.IPAddress)
	if err != nil {
		reading.LastError = err.Error()
		p.metrics.PollsTotal.WithLabelValues("failed").Inc()
		p.mu.Lock()
		p.failures++
		p.mu.Unlock()
		p.log.Debugw("device poll failed", "thermostat_id", device.ThermostatID,
			"ip", device.IPAddress, "err", err)
	} else {
		reading.Temp = st.Temp
		reading.THeat = st.THeat
		reading.TMode = st.TMode
		reading.TState = st.TState
		reading.Hold = st.Hold
		reading.Override = st.Override
		p.metrics.PollsTotal.WithLabelValues("ok").Inc()
	}

	// Failed polls are readings too; last_error in current_state is how the
	// API and the cloud see a device going dark.
	if saveErr := p.repos.Readings.SaveReading(ctx, reading); saveErr != nil {
		p.log.Errorw("save reading failed", "thermostat_id", device.ThermostatID, "err", saveErr)
	}
	if err != nil {
		return
	}

	if seenErr := p.repos.Devices.UpdateLastSeen(ctx, device.ThermostatID, ts); seenErr != nil {
		p.log.Errorw("update last seen failed", "thermostat_id", device.ThermostatID, "err", seenErr)
	}

	if changeType, changed := p.detectChange(reading); changed {
		p.metrics.StateChangesTotal.WithLabelValues(changeType).Inc()
		p.log.Infow("state change detected", "thermostat_id", device.ThermostatID,
			"type", changeType, "temp", reading.Temp, "tmode", reading.TMode,
			"tstate", reading.TState, "hold", reading.Hold)
		p.mu.Lock()
		p.changes++
		p.mu.Unlock()
		if p.enqueuer != nil {
			p.enqueuer.EnqueueChange(reading, changeType)
		}
	}
}

// detectChange compares against the previous successful reading for the
// device. The first reading seeds the cache and never counts as a change.
func (p *PollingLoop) detectChange(r models.StatusReading) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, seen := p.lastSeen[r.ThermostatID]
	p.lastSeen[r.ThermostatID] = r
	if !seen {
		return "", false
	}

	switch {
	case prev.TMode != r.TMode || prev.THeat != r.THeat || prev.Hold != r.Hold:
		return ChangeManual, true
	case prev.TState != r.TState:
		return ChangeHVAC, true
	case math.Abs(prev.Temp-r.Temp) >= tempChangeThreshold:
		return ChangeTemp, true
	case prev.Override != r.Override:
		return ChangeOverride, true
	}
	return "", false
}

func sleepRemainder(ctx context.Context, interval, elapsed time.Duration) {
	remaining := interval - elapsed
	if remaining <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(remaining):
	}
}

var _ Poller = (*PollingLoop)(nil)
