package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "autorepay"

// Metrics groups the collectors recorded by the scan loop, resolver and
// supervisor. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	scans          *prometheus.CounterVec
	scanDuration   prometheus.Histogram
	accounts       prometheus.Gauge
	distressed     prometheus.Gauge
	lastScan       prometheus.Gauge
	dispatchSkips  *prometheus.CounterVec
	inFlight       prometheus.Gauge
	quotes         *prometheus.CounterVec
	attempts       *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	confirmLatency prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "cycles_total",
			Help:      "Scan cycles segmented by result.",
		}, []string{"result"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Wall time of a full scan cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		accounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "accounts",
			Help:      "Accounts evaluated in the latest scan cycle.",
		}),
		distressed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "distressed_accounts",
			Help:      "Accounts at zero health in the latest scan cycle.",
		}),
		lastScan: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the latest successful scan cycle.",
		}),
		dispatchSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "skipped_total",
			Help:      "Distressed accounts not dispatched, segmented by reason.",
		}, []string{"reason"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "in_flight",
			Help:      "Repay pipelines currently running.",
		}),
		quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "requests_total",
			Help:      "Swap quote requests segmented by swap mode and result.",
		}, []string{"mode", "result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repay",
			Name:      "attempts_total",
			Help:      "Repay transaction attempts segmented by result.",
		}, []string{"result"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repay",
			Name:      "outcomes_total",
			Help:      "Terminal pipeline outcomes per distressed account.",
		}, []string{"outcome"}),
		confirmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "repay",
			Name:      "confirm_duration_seconds",
			Help:      "Time from submission to confirmation.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 15, 30, 60},
		}),
	}
	m.registry.MustRegister(
		m.scans, m.scanDuration, m.accounts, m.distressed, m.lastScan,
		m.dispatchSkips, m.inFlight, m.quotes, m.attempts, m.outcomes, m.confirmLatency,
	)
	return m
}

// Registry exposes the private registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveScan(accounts, distressed int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.scans.WithLabelValues("error").Inc()
		return
	}
	m.scans.WithLabelValues("ok").Inc()
	m.scanDuration.Observe(duration.Seconds())
	m.accounts.Set(float64(accounts))
	m.distressed.Set(float64(distressed))
	m.lastScan.SetToCurrentTime()
}

func (m *Metrics) DispatchSkipped(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.dispatchSkips.WithLabelValues(reason).Inc()
}

func (m *Metrics) PipelineStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) PipelineFinished(outcome string) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveQuote(mode string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.quotes.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) ObserveAttempt(result string, confirmDuration time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(result).Inc()
	if confirmDuration > 0 {
		m.confirmLatency.Observe(confirmDuration.Seconds())
	}
}
