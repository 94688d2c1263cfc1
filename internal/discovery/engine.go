package discovery

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/models"
	"thermostat_gateway/internal/repository"
)

// Discovery phase names, also the values accepted in remote discovery
// commands.
const (
	PhaseDatabase = "database"
	PhaseUDP      = "udp_discovery"
	PhaseTCP      = "tcp_discovery"
)

// Engine runs the discovery phases and keeps an in-memory registry of every
// device seen this process lifetime, keyed by hardware UUID.
type Engine struct {
	scanner    *Scanner
	prober     Prober
	devices    repository.DeviceRepo
	log        *logger.Logger
	probeLimit int

	mu    sync.Mutex
	known map[string]models.Thermostat
}

func NewEngine(scanner *Scanner, prober Prober, devices repository.DeviceRepo, probeLimit int, log *logger.Logger) *Engine {
	if probeLimit <= 0 {
		probeLimit = defaultProbeLimit
	}
	return &Engine{
		scanner:    scanner,
		prober:     prober,
		devices:    devices,
		log:        log,
		probeLimit: probeLimit,
		known:      map[string]models.Thermostat{},
	}
}

// DiscoverDatabase re-probes every active device on record at its last known
// address. Devices that no longer answer are simply absent from the result;
// they stay on record for the next sweep to find at a new address.
func (e *Engine) DiscoverDatabase(ctx context.Context) []models.Thermostat {
	stored, err := e.devices.ListActive(ctx)
	if err != nil {
		e.log.Errorw("load known devices failed", "err", err)
		return nil
	}
	if len(stored) == 0 {
		return nil
	}

	var mu sync.Mutex
	var out []models.Thermostat

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.probeLimit)
	for _, d := range stored {
		d := d
		g.Go(func() error {
			t, _ := e.prober.Probe(gctx, d.IPAddress)
			if t == nil {
				e.log.Debugw("known device did not answer", "thermostat_id", d.ThermostatID, "ip", d.IPAddress)
				return nil
			}
			t.DiscoveryMethod = models.DiscoveryDatabase
			t.AwayTemp = d.AwayTemp
			mu.Lock()
			out = append(out, *t)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	e.log.Infow("database discovery complete", "stored", len(stored), "answering", len(out))
	return out
}

// DiscoverUDP runs the multicast phase.
func (e *Engine) DiscoverUDP(ctx context.Context) []models.Thermostat {
	return e.scanner.DiscoverUDP(ctx)
}

// ScanRanges runs the address-sweep phase.
func (e *Engine) ScanRanges(ctx context.Context, ranges []string, checkpoint CheckpointFunc) []models.Thermostat {
	return e.scanner.ScanRanges(ctx, ranges, checkpoint)
}

// CombinedStartup runs the cheap phases, database re-probe and multicast, and
// reports whether the caller still needs the expensive sweep: only when both
// phases came up completely empty.
func (e *Engine) CombinedStartup(ctx context.Context) ([]models.Thermostat, bool) {
	fromDB := e.DiscoverDatabase(ctx)
	fromUDP := e.DiscoverUDP(ctx)

	merged := mergeByID(fromDB, fromUDP)
	e.Remember(merged)
	return merged, len(merged) == 0
}

// Remember records devices in the in-memory registry.
func (e *Engine) Remember(devices []models.Thermostat) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range devices {
		e.known[d.ThermostatID] = d
	}
}

// Known returns a snapshot of the in-memory registry.
func (e *Engine) Known() map[string]models.Thermostat {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]models.Thermostat, len(e.known))
	for k, v := range e.known {
		out[k] = v
	}
	return out
}

// IsKnown reports whether a UUID has been seen this process lifetime.
func (e *Engine) IsKnown(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.known[id]
	return ok
}

// mergeByID unions device lists. The first phase to see a UUID owns the
// record, so the database phase's discovery method and stored away temp
// survive a later multicast find, but a later answer refreshes the network
// identity: the device may have moved since the earlier phase saw it.
func mergeByID(lists ...[]models.Thermostat) []models.Thermostat {
	index := map[string]int{}
	var out []models.Thermostat
	for _, list := range lists {
		for _, d := range list {
			i, ok := index[d.ThermostatID]
			if !ok {
				index[d.ThermostatID] = len(out)
				out = append(out, d)
				continue
			}
			out[i].IPAddress = d.IPAddress
			out[i].Name = d.Name
			out[i].LastSeen = d.LastSeen
		}
	}
	return out
}
