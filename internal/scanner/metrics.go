package scanner

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ScanMetrics manages Prometheus instrumentation for scan runs.
type ScanMetrics struct {
	// Candidates by terminal result: valid, invalid, error, duplicate
	candidates *prometheus.CounterVec

	// Round-trip time of individual endpoint probes
	probeDuration prometheus.Histogram

	// Workers currently holding a candidate
	activeWorkers prometheus.Gauge
}

var (
	scanMetricsInstance *ScanMetrics
	scanMetricsOnce     sync.Once
)

// GetScanMetrics returns the singleton scan metrics instance.
func GetScanMetrics() *ScanMetrics {
	scanMetricsOnce.Do(func() {
		scanMetricsInstance = newScanMetrics()
	})
	return scanMetricsInstance
}

func newScanMetrics() *ScanMetrics {
	m := &ScanMetrics{
		candidates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modelnet",
				Subsystem: "scan",
				Name:      "candidates_total",
				Help:      "Total candidates processed by terminal result",
			},
			[]string{"result"},
		),
		probeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "modelnet",
				Subsystem: "scan",
				Name:      "probe_duration_seconds",
				Help:      "Wall-clock duration of individual endpoint probes",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		activeWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "modelnet",
				Subsystem: "scan",
				Name:      "active_workers",
				Help:      "Workers currently processing a candidate",
			},
		),
	}

	// Register all metrics
	prometheus.MustRegister(
		m.candidates,
		m.probeDuration,
		m.activeWorkers,
	)

	return m
}

// RecordCandidate records one candidate reaching a terminal result.
func (m *ScanMetrics) RecordCandidate(result string) {
	m.candidates.WithLabelValues(result).Inc()
}

// RecordProbe records one probe round-trip.
func (m *ScanMetrics) RecordProbe(d time.Duration) {
	m.probeDuration.Observe(d.Seconds())
}

// WorkerStarted marks a worker as busy.
func (m *ScanMetrics) WorkerStarted() { m.activeWorkers.Inc() }

// WorkerDone marks a worker as idle again.
func (m *ScanMetrics) WorkerDone() { m.activeWorkers.Dec() }
