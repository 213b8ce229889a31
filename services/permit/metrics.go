package permit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records execution outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	outcomes       *prometheus.CounterVec
	submitLatency  *prometheus.HistogramVec
	sweepLatency   prometheus.Histogram
	sweepCandidate prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "permit_engine",
				Subsystem: "permit",
				Name:      "outcomes_total",
				Help:      "Permit processing outcomes by resulting status and reason.",
			},
			[]string{"status", "reason"},
		),
		submitLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "permit_engine",
				Subsystem: "permit",
				Name:      "submit_duration_seconds",
				Help:      "Time spent submitting a settlement until its receipt or failure.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"result"},
		),
		sweepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "permit_engine",
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Duration of one sweep over pending permits.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		sweepCandidate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "permit_engine",
			Subsystem: "sweep",
			Name:      "candidates",
			Help:      "Pending permits picked up by the last sweep.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.outcomes, m.submitLatency, m.sweepLatency, m.sweepCandidate)
	}
	return m
}

func provideMetrics() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

func (m *Metrics) observeOutcome(o *Outcome) {
	if m == nil || o == nil {
		return
	}
	m.outcomes.WithLabelValues(string(o.Status), string(o.Reason)).Inc()
}

func (m *Metrics) observeSubmit(start time.Time, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.submitLatency.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeSweep(start time.Time, candidates int) {
	if m == nil {
		return
	}
	m.sweepLatency.Observe(time.Since(start).Seconds())
	m.sweepCandidate.Set(float64(candidates))
}
