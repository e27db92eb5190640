package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kon-rad/tswriter/internal/writer"
)

const namespace = "tswriter"

// Exporter mirrors published snapshots into Prometheus collectors. Counters
// receive the per-interval deltas, gauges the latest observed values.
type Exporter struct {
	insertion      *prometheus.CounterVec
	queueSize      prometheus.Gauge
	writesInFlight prometheus.Gauge
	latencyAvg     prometheus.Gauge
	rssBytes       prometheus.Gauge
	cpuPct         prometheus.Gauge
}

func NewExporter(reg prometheus.Registerer) (*Exporter, error) {
	e := &Exporter{
		insertion: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insertion_total",
			Help:      "Insertion counters by name, as accumulated by the writer workers.",
		}, []string{"counter"}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_size",
			Help:      "Batches waiting in the writer queue at the last snapshot.",
		}),
		writesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "writes_in_flight",
			Help:      "Batches being written at the last snapshot.",
		}),
		latencyAvg: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "write_latency_avg_milliseconds",
			Help:      "Average batch latency over the last interval.",
		}),
		rssBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_rss_bytes",
			Help:      "Resident set size of the writer process.",
		}),
		cpuPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_cpu_percent",
			Help:      "CPU usage of the writer cgroup over the last interval.",
		}),
	}
	for _, c := range []prometheus.Collector{e.insertion, e.queueSize, e.writesInFlight, e.latencyAvg, e.rssBytes, e.cpuPct} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	// Pre-create every series so they are exported as zero before the first write.
	for _, c := range writer.Counters() {
		e.insertion.WithLabelValues(c.String())
	}
	return e, nil
}

func (e *Exporter) Observe(m writer.WriterMetrics) {
	if e == nil {
		return
	}
	if m.Insertion != nil {
		for _, c := range writer.Counters() {
			if v := m.Insertion.Get(c); v > 0 {
				e.insertion.WithLabelValues(c.String()).Add(float64(v))
			}
		}
		if m.Insertion.Get(writer.WriteLatencyMsCount) > 0 {
			e.latencyAvg.Set(float64(m.Insertion.AverageLatencyMs()))
		}
	}
	e.queueSize.Set(float64(m.QueueSize))
	e.writesInFlight.Set(float64(m.WritesInFlight))
}

func (e *Exporter) ObserveProcess(s ProcessStats) {
	if e == nil {
		return
	}
	e.rssBytes.Set(float64(s.RSSBytes))
	if s.cpuUsageSet {
		e.cpuPct.Set(s.CPUPct)
	}
}
