package discovery

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/models"
	"thermostat_gateway/internal/tstat"
)

// Vendor SSDP-style multicast discovery protocol.
const (
	multicastGroup    = "239.255.255.250:1900"
	discoverDatagram  = "TYPE: WM-DISCOVER\nVERSION: 1.0\nSERVICES: com.rtcoa.tstat:1.0"
	notifyPrefix      = "TYPE: WM-NOTIFY"
	udpReadDeadline   = 2 * time.Second
	checkpointEvery   = 10
	progressLogEvery  = 50
	defaultProbeLimit = 5
)

// Prober identifies thermostats at candidate addresses.
type Prober interface {
	Probe(ctx context.Context, ip string) (*models.Thermostat, error)
}

// CheckpointFunc receives devices found since the previous checkpoint plus
// sweep progress. Called every few addresses and once more on the final one.
type CheckpointFunc func(devices []models.Thermostat, scanned, total int)

// Scanner finds thermostats on the LAN, by multicast when they answer and by
// brute-force address sweep when they don't.
type Scanner struct {
	prober     Prober
	log        *logger.Logger
	udpWindow  time.Duration
	probeLimit int
}

func NewScanner(prober Prober, udpWindow time.Duration, probeLimit int, log *logger.Logger) *Scanner {
	if probeLimit <= 0 {
		probeLimit = defaultProbeLimit
	}
	return &Scanner{prober: prober, log: log, udpWindow: udpWindow, probeLimit: probeLimit}
}

// DiscoverUDP multicasts the vendor discovery datagram and collects replies
// until the listen window closes. Every advertised address is confirmed with
// a probe before it counts. A dead socket yields zero devices, not an error.
func (s *Scanner) DiscoverUDP(ctx context.Context) []models.Thermostat {
	candidates := s.collectUDPCandidates(ctx)
	if len(candidates) == 0 {
		return nil
	}
	return s.probeAll(ctx, candidates)
}

func (s *Scanner) collectUDPCandidates(ctx context.Context) []string {
	maddr, err := net.ResolveUDPAddr("udp4", multicastGroup)
	if err != nil {
		s.log.Errorw("resolve multicast group failed", "err", err)
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		s.log.Errorw("udp discovery socket failed", "err", err)
		return nil
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.WriteToUDP([]byte(discoverDatagram), maddr); err != nil {
		s.log.Errorw("udp discovery send failed", "err", err)
		return nil
	}

	seen := map[string]bool{}
	var candidates []string
	buf := make([]byte, 4096)
	deadline := time.Now().Add(s.udpWindow)

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(udpReadDeadline))
		n, sender, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue // read timeout, keep listening until the window closes
		}
		ip := parseNotify(string(buf[:n]), sender)
		if ip == "" || seen[ip] {
			continue
		}
		seen[ip] = true
		candidates = append(candidates, ip)
		s.log.Debugw("udp discovery reply", "ip", ip)
	}
	return candidates
}

// parseNotify extracts a candidate address from a WM-NOTIFY reply. The
// LOCATION header wins; a malformed or missing one falls back to the sender.
func parseNotify(msg string, sender *net.UDPAddr) string {
	if !strings.HasPrefix(msg, notifyPrefix) {
		return ""
	}
	sc := bufio.NewScanner(strings.NewReader(msg))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(strings.ToUpper(line), "LOCATION:") {
			continue
		}
		loc := strings.TrimSpace(line[len("LOCATION:"):])
		if u, err := url.Parse(loc); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	if sender != nil {
		return sender.IP.String()
	}
	return ""
}

// ScanRanges sweeps the configured address ranges, reporting devices through
// the checkpoint callback as the sweep progresses so callers can act on the
// first hits without waiting for the whole subnet.
func (s *Scanner) ScanRanges(ctx context.Context, ranges []string, checkpoint CheckpointFunc) []models.Thermostat {
	ips := s.ExpandRanges(ranges)
	total := len(ips)
	if total == 0 {
		return nil
	}
	s.log.Infow("address sweep starting", "addresses", total, "ranges", ranges)

	var (
		mu      sync.Mutex
		all     []models.Thermostat
		pending []models.Thermostat
		scanned int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.probeLimit)
	for _, ip := range ips {
		ip := ip
		g.Go(func() error {
			t, _ := s.prober.Probe(gctx, ip)

			mu.Lock()
			defer mu.Unlock()
			scanned++
			if t != nil {
				t.DiscoveryMethod = models.DiscoveryTCP
				all = append(all, *t)
				pending = append(pending, *t)
				s.log.Infow("thermostat found by sweep", "ip", ip, "thermostat_id", t.ThermostatID)
			}
			if scanned%progressLogEvery == 0 {
				s.log.Infow("sweep progress", "scanned", scanned, "total", total, "found", len(all))
			}
			if checkpoint != nil && (scanned%checkpointEvery == 0 || scanned == total) {
				batch := make([]models.Thermostat, len(pending))
				copy(batch, pending)
				pending = pending[:0]
				checkpoint(batch, scanned, total)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.log.Infow("address sweep finished", "scanned", scanned, "found", len(all))
	return all
}

// ExpandRanges turns configured range strings into individual addresses.
// Supported forms: "10.0.0.5" (single), "10.0.0.10-10.0.0.40" (inclusive
// dash range), "10.0.0.0/24" (CIDR, network and broadcast excluded).
func (s *Scanner) ExpandRanges(ranges []string) []string {
	var out []string
	for _, r := range ranges {
		r = strings.TrimSpace(r)
		ips, err := expandRange(r)
		if err != nil {
			s.log.Warnw("invalid address range skipped", "range", r, "err", err)
			continue
		}
		out = append(out, ips...)
	}
	return out
}

func expandRange(r string) ([]string, error) {
	switch {
	case strings.Contains(r, "-"):
		parts := strings.SplitN(r, "-", 2)
		return expandDash(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	case strings.Contains(r, "/"):
		return expandCIDR(r)
	default:
		if net.ParseIP(r) == nil {
			return nil, fmt.Errorf("not an IPv4 address: %q", r)
		}
		return []string{r}, nil
	}
}

func expandDash(from, to string) ([]string, error) {
	start, err := ipToU32(from)
	if err != nil {
		return nil, err
	}
	end, err := ipToU32(to)
	if err != nil {
		return nil, err
	}
	if end < start {
		return nil, fmt.Errorf("range end %s before start %s", to, from)
	}
	out := make([]string, 0, end-start+1)
	for v := start; v <= end; v++ {
		out = append(out, u32ToIP(v))
	}
	return out, nil
}

func expandCIDR(r string) ([]string, error) {
	_, ipnet, err := net.ParseCIDR(r)
	if err != nil {
		return nil, err
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return nil, fmt.Errorf("not an IPv4 network: %q", r)
	}
	base, err := ipToU32(ipnet.IP.String())
	if err != nil {
		return nil, err
	}
	size := uint32(1) << (32 - ones)

	// /31 and /32 have no network/broadcast addresses to skip.
	first, last := base, base+size-1
	if ones < 31 {
		first, last = base+1, base+size-2
	}
	out := make([]string, 0, last-first+1)
	for v := first; v <= last; v++ {
		out = append(out, u32ToIP(v))
	}
	return out, nil
}

func ipToU32(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("not an IP address: %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an IPv4 address: %q", s)
	}
	return binary.BigEndian.Uint32(v4), nil
}

func u32ToIP(v uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return net.IP(b[:]).String()
}

// probeAll confirms candidate addresses concurrently, tagging survivors as
// UDP finds.
func (s *Scanner) probeAll(ctx context.Context, ips []string) []models.Thermostat {
	var mu sync.Mutex
	var out []models.Thermostat

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.probeLimit)
	for _, ip := range ips {
		ip := ip
		g.Go(func() error {
			t, _ := s.prober.Probe(gctx, ip)
			if t == nil {
				return nil
			}
			t.DiscoveryMethod = models.DiscoveryUDP
			mu.Lock()
			out = append(out, *t)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

var _ Prober = (*tstat.Client)(nil)
