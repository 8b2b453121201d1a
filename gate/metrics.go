/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gate

import "github.com/prometheus/client_golang/prometheus"

// MetricsCollector represents collector of the gate metrics.
type MetricsCollector struct {
	// InFlight is the current number of admitted operations that have not completed yet.
	InFlight prometheus.Gauge

	// Queued is the current number of submissions waiting for admission.
	Queued prometheus.Gauge

	// WaitDuration is a histogram of time spent waiting for admission.
	// Operations admitted immediately are observed with zero wait.
	WaitDuration prometheus.Histogram
}

// NewMetricsCollector creates a new instance of MetricsCollector.
func NewMetricsCollector(namespace string) *MetricsCollector {
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "concurrency_gate_in_flight",
		Help:      "Number of operations currently admitted by the gate.",
	})

	queued := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "concurrency_gate_queued",
		Help:      "Number of submissions currently waiting for gate admission.",
	})

	waitDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "concurrency_gate_wait_duration_seconds",
		Help:      "Time spent waiting for gate admission.",
		Buckets:   prometheus.DefBuckets,
	})

	return &MetricsCollector{
		InFlight:     inFlight,
		Queued:       queued,
		WaitDuration: waitDuration,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (mc *MetricsCollector) MustRegister() {
	prometheus.MustRegister(
		mc.InFlight,
		mc.Queued,
		mc.WaitDuration,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (mc *MetricsCollector) Unregister() {
	prometheus.Unregister(mc.InFlight)
	prometheus.Unregister(mc.Queued)
	prometheus.Unregister(mc.WaitDuration)
}
