package pool

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	conversions  *prometheus.CounterVec
	duration     prometheus.Histogram
	queued       prometheus.Gauge
	busy         prometheus.Gauge
	hosts        *prometheus.GaugeVec
	replacements *prometheus.CounterVec
	inputBytes   prometheus.Counter
	outputBytes  prometheus.Counter
}

// newMetrics creates the pool collectors and registers them with reg
// when it is non-nil.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		conversions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docbridge",
				Subsystem: "pool",
				Name:      "conversions_total",
				Help:      "Conversions by outcome (success or error kind).",
			},
			[]string{"result"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "docbridge",
				Subsystem: "pool",
				Name:      "conversion_duration_seconds",
				Help:      "Time from submission to result, queueing included.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		queued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "docbridge",
				Subsystem: "pool",
				Name:      "queued_requests",
				Help:      "Conversions waiting for an idle host.",
			},
		),
		busy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "docbridge",
				Subsystem: "pool",
				Name:      "busy_hosts",
				Help:      "Hosts currently running a conversion.",
			},
		),
		hosts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "docbridge",
				Subsystem: "pool",
				Name:      "hosts",
				Help:      "Hosts by availability.",
			},
			[]string{"state"},
		),
		replacements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docbridge",
				Subsystem: "pool",
				Name:      "host_replacements_total",
				Help:      "Hosts replaced, by reason.",
			},
			[]string{"reason"},
		),
		inputBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "docbridge",
				Subsystem: "pool",
				Name:      "input_bytes_total",
				Help:      "Bytes submitted for conversion.",
			},
		),
		outputBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "docbridge",
				Subsystem: "pool",
				Name:      "output_bytes_total",
				Help:      "Bytes returned by successful conversions.",
			},
		),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.conversions, m.duration, m.queued, m.busy,
		m.hosts, m.replacements, m.inputBytes, m.outputBytes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) observe(stats Stats) {
	m.queued.Set(float64(stats.Queued))
	m.busy.Set(float64(stats.Busy))
	m.hosts.WithLabelValues("idle").Set(float64(stats.Idle))
	m.hosts.WithLabelValues("busy").Set(float64(stats.Busy))
	m.hosts.WithLabelValues("unavailable").Set(float64(stats.Unavailable))
}
