package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus instruments. One instance is wired
// through the services; handlers expose them on /metrics.
type Metrics struct {
	PollsTotal        *prometheus.CounterVec
	StateChangesTotal *prometheus.CounterVec
	UploadsTotal      *prometheus.CounterVec
	CommandsTotal     *prometheus.CounterVec
	ActiveDevices     prometheus.Gauge
	OfflineDevices    prometheus.Gauge
	PollDuration      prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tstat",
			Name:      "polls_total",
			Help:      "Device polls by result.",
		}, []string{"result"}),
		StateChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tstat",
			Name:      "state_changes_total",
			Help:      "Detected device state changes by type.",
		}, []string{"type"}),
		UploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tstat",
			Name:      "uploads_total",
			Help:      "Cloud uploads by path and result.",
		}, []string{"path", "result"}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tstat",
			Name:      "commands_total",
			Help:      "Remote commands executed by type and result.",
		}, []string{"command", "result"}),
		ActiveDevices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tstat",
			Name:      "active_devices",
			Help:      "Devices currently registered and active.",
		}),
		OfflineDevices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tstat",
			Name:      "offline_devices",
			Help:      "Active devices not seen within the offline window.",
		}),
		PollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tstat",
			Name:      "poll_cycle_duration_seconds",
			Help:      "Wall time of one full poll cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
