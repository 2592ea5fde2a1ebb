package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"siphon-rainrate/internal/rainrate"
)

const namespace = "rainrate"

// Metrics holds the Prometheus counters and gauges of the rain rate service.
type Metrics struct {
	PacketsProcessed prometheus.Counter
	PacketsRejected  prometheus.Counter
	RainPackets      prometheus.Counter
	PublishErrors    prometheus.Counter
	ServiceRunning   prometheus.Gauge
	LoopRate         prometheus.Gauge

	// Engine metrics.
	Tips             prometheus.Counter
	Merges           prometheus.Counter
	Expired          prometheus.Counter
	BootstrapEntries prometheus.Gauge
	ArchivePeriods   *prometheus.CounterVec // labels: source={loop,average}
	ArchiveRate      prometheus.Gauge

	AlertsSent prometheus.Counter
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.PacketsProcessed,
		m.PacketsRejected,
		m.RainPackets,
		m.PublishErrors,
		m.ServiceRunning,
		m.LoopRate,
		m.Tips,
		m.Merges,
		m.Expired,
		m.BootstrapEntries,
		m.ArchivePeriods,
		m.ArchiveRate,
		m.AlertsSent,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics so tests can build as
// many as they need.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		PacketsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_packets_total",
			Help:      "Loop packets processed by the estimator.",
		}),
		PacketsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_packets_rejected_total",
			Help:      "Loop packets dropped as duplicates or out of order.",
		}),
		RainPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rain_packets_total",
			Help:      "Loop packets reporting rain.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failures republishing enriched loop packets.",
		}),
		ServiceRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_running",
			Help:      "1 when the service is consuming packets, 0 otherwise.",
		}),
		LoopRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_rate",
			Help:      "Rain rate attached to the latest loop packet (units/hour).",
		}),
		Tips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tips_total",
			Help:      "Tip entries recorded from live packets.",
		}),
		Merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "burst_merges_total",
			Help:      "Adjacent tips merged as one siphon discharge.",
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tips_expired_total",
			Help:      "Tip entries evicted from the event log.",
		}),
		BootstrapEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bootstrap_entries",
			Help:      "Tip entries reconstructed from archive history at startup.",
		}),
		ArchivePeriods: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_periods_total",
			Help:      "Archive periods reconciled, by rate source.",
		}, []string{"source"}),
		ArchiveRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "archive_rate",
			Help:      "Rain rate of the latest archive period (units/hour).",
		}),
		AlertsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_sent_total",
			Help:      "Heavy rain alerts dispatched.",
		}),
	}
}

// TipsRecorded implements rainrate.Observer.
func (m *Metrics) TipsRecorded(n int) { m.Tips.Add(float64(n)) }

// BurstMerged implements rainrate.Observer.
func (m *Metrics) BurstMerged() { m.Merges.Inc() }

// EntriesExpired implements rainrate.Observer.
func (m *Metrics) EntriesExpired(n int) { m.Expired.Add(float64(n)) }

// PeriodReconciled implements rainrate.Observer.
func (m *Metrics) PeriodReconciled(source rainrate.Source, rate float64) {
	m.ArchivePeriods.WithLabelValues(string(source)).Inc()
	m.ArchiveRate.Set(rate)
}

// Bootstrapped implements rainrate.Observer.
func (m *Metrics) Bootstrapped(entries int) { m.BootstrapEntries.Set(float64(entries)) }

var _ rainrate.Observer = (*Metrics)(nil)
