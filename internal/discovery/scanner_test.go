package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/models"
)

type fakeProber struct {
	mu    sync.Mutex
	hits  map[string]string // ip -> uuid
	calls int
}

func (p *fakeProber) Probe(ctx context.Context, ip string) (*models.Thermostat, error) {
	p.mu.Lock()
	p.calls++
	uuid, ok := p.hits[ip]
	p.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return &models.Thermostat{ThermostatID: uuid, IPAddress: ip, Name: "thermostat-" + ip}, nil
}

func newTestScanner(p Prober) *Scanner {
	return NewScanner(p, time.Second, 5, logger.Get(logger.DebugLevel))
}

func TestExpandRanges_Forms(t *testing.T) {
	s := newTestScanner(&fakeProber{})

	cases := []struct {
		name  string
		in    []string
		count int
		first string
		last  string
	}{
		{"single address", []string{"10.0.0.5"}, 1, "10.0.0.5", "10.0.0.5"},
		{"dash range is inclusive", []string{"10.0.0.10-10.0.0.40"}, 31, "10.0.0.10", "10.0.0.40"},
		{"cidr excludes network and broadcast", []string{"10.0.0.0/29"}, 6, "10.0.0.1", "10.0.0.6"},
		{"slash 31 keeps both addresses", []string{"10.0.0.0/31"}, 2, "10.0.0.0", "10.0.0.1"},
		{"dash range can cross an octet", []string{"10.0.0.250-10.0.1.5"}, 12, "10.0.0.250", "10.0.1.5"},
		{"mixed forms concatenate", []string{"10.0.0.5", "10.0.0.10-10.0.0.12"}, 4, "10.0.0.5", "10.0.0.12"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := s.ExpandRanges(tc.in)
			if len(got) != tc.count {
				t.Fatalf("ExpandRanges(%v) = %d addresses, want %d: %v", tc.in, len(got), tc.count, got)
			}
			if got[0] != tc.first || got[len(got)-1] != tc.last {
				t.Fatalf("ExpandRanges(%v) spans %s..%s, want %s..%s",
					tc.in, got[0], got[len(got)-1], tc.first, tc.last)
			}
		})
	}
}

func TestExpandRanges_InvalidEntriesAreSkippedNotFatal(t *testing.T) {
	s := newTestScanner(&fakeProber{})

	got := s.ExpandRanges([]string{"not-an-ip", "10.0.0.40-10.0.0.10", "10.0.0.0/64", "10.0.0.7"})
	if len(got) != 1 || got[0] != "10.0.0.7" {
		t.Fatalf("ExpandRanges() = %v, want only the valid entry", got)
	}
}

func TestParseNotify(t *testing.T) {
	sender := &net.UDPAddr{IP: net.ParseIP("192.168.1.77")}

	cases := []struct {
		name string
		msg  string
		want string
	}{
		{
			"location header wins",
			"TYPE: WM-NOTIFY\nVERSION: 1.0\nLOCATION: http://192.168.1.20/sys\n",
			"192.168.1.20",
		},
		{
			"missing location falls back to sender",
			"TYPE: WM-NOTIFY\nVERSION: 1.0\n",
			"192.168.1.77",
		},
		{
			"unparseable location falls back to sender",
			"TYPE: WM-NOTIFY\nLOCATION: ://bad\n",
			"192.168.1.77",
		},
		{
			"non-notify datagrams are ignored",
			"TYPE: WM-DISCOVER\nVERSION: 1.0\n",
			"",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseNotify(tc.msg, sender); got != tc.want {
				t.Fatalf("parseNotify(%q) = %q, want %q", tc.msg, got, tc.want)
			}
		})
	}
}

func TestScanRanges_CheckpointCadence(t *testing.T) {
	// 500 addresses, a device every 37th: one checkpoint per 10 addresses
	// scanned, the last address coinciding with the 50th.
	prober := &fakeProber{hits: map[string]string{}}
	s := newTestScanner(prober)
	ips := s.ExpandRanges([]string{"10.0.0.1-10.0.1.244"})
	if len(ips) != 500 {
		t.Fatalf("test range expanded to %d addresses, want 500", len(ips))
	}
	for i := 0; i < len(ips); i += 37 {
		prober.hits[ips[i]] = "uuid-" + ips[i]
	}

	var (
		mu         sync.Mutex
		calls      int
		batched    int
		lastScan   int
		totals     = map[int]bool{}
		finalTotal int
	)
	found := s.ScanRanges(context.Background(), []string{"10.0.0.1-10.0.1.244"}, func(devices []models.Thermostat, scanned, total int) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		batched += len(devices)
		if scanned <= lastScan {
			t.Errorf("checkpoint scanned counter went backwards: %d after %d", scanned, lastScan)
		}
		lastScan = scanned
		totals[total] = true
		finalTotal = scanned
	})

	if calls != 50 {
		t.Fatalf("expected 50 checkpoints for 500 addresses, got %d", calls)
	}
	if finalTotal != 500 {
		t.Fatalf("final checkpoint scanned = %d, want 500", finalTotal)
	}
	if len(totals) != 1 || !totals[500] {
		t.Fatalf("checkpoint total should always be 500, saw %v", totals)
	}
	if len(found) != 14 {
		t.Fatalf("expected 14 devices (every 37th of 500), got %d", len(found))
	}
	if batched != len(found) {
		t.Fatalf("checkpoint batches delivered %d devices, sweep found %d: batches must not repeat", batched, len(found))
	}
	for _, d := range found {
		if d.DiscoveryMethod != models.DiscoveryTCP {
			t.Fatalf("sweep find tagged %q, want %q", d.DiscoveryMethod, models.DiscoveryTCP)
		}
	}
}

func TestScanRanges_FinalPartialCheckpoint(t *testing.T) {
	prober := &fakeProber{hits: map[string]string{"10.0.0.15": "uuid-a"}}
	s := newTestScanner(prober)

	var calls, lastScanned int
	var mu sync.Mutex
	s.ScanRanges(context.Background(), []string{"10.0.0.1-10.0.0.15"}, func(devices []models.Thermostat, scanned, total int) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		lastScanned = scanned
	})

	// 15 addresses: one checkpoint at 10, one final at 15.
	if calls != 2 || lastScanned != 15 {
		t.Fatalf("checkpoints = %d (last scanned %d), want 2 ending at 15", calls, lastScanned)
	}
}

func TestScanRanges_EmptyRangesDoNothing(t *testing.T) {
	prober := &fakeProber{}
	s := newTestScanner(prober)

	got := s.ScanRanges(context.Background(), []string{"bogus"}, func([]models.Thermostat, int, int) {
		t.Error("checkpoint must not fire for an empty sweep")
	})
	if got != nil {
		t.Fatalf("ScanRanges() = %v, want nil", got)
	}
	if prober.calls != 0 {
		t.Fatalf("no probes expected, got %d", prober.calls)
	}
}
