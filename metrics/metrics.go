package metrics

import (
	"context"
	"fmt"
	"net/http"

	"gohivebridge/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BridgeMetrics counts relay events and tracks the watcher and the pending payouts.
// It is an events.Publisher so every emitted event is counted.
type BridgeMetrics struct {
	registry *prometheus.Registry

	eventCount     *prometheus.CounterVec
	scannedBlock   prometheus.Gauge
	evmScanned     prometheus.Gauge
	pendingPayouts prometheus.Gauge
	sweepDuration  prometheus.Histogram
}

func NewBridgeMetrics(namespace string) *BridgeMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := BridgeMetrics{
		registry: reg,
		eventCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_events_total", namespace),
			Help: "The total number of relay events by type",
		}, []string{"type"}),
		scannedBlock: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_scanned_block", namespace),
			Help: "The latest Hive block handed to the pipeline",
		}),
		evmScanned: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_evm_scanned_block", namespace),
			Help: "The latest destination chain block swept for conversions",
		}),
		pendingPayouts: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_pending_payouts", namespace),
			Help: "The number of pending payout transactions at the last sweep",
		}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_sweep_duration_seconds", namespace),
			Help:    "Duration of reconciler sweeps",
			Buckets: prometheus.DefBuckets,
		}),
	}
	return &m
}

func (m *BridgeMetrics) Publish(_ context.Context, e events.Event) error {
	m.eventCount.WithLabelValues(string(e.Type)).Inc()
	return nil
}

func (m *BridgeMetrics) Close() error { return nil }

func (m *BridgeMetrics) SetScannedBlock(block uint64) {
	m.scannedBlock.Set(float64(block))
}

func (m *BridgeMetrics) SetEVMScannedBlock(block uint64) {
	m.evmScanned.Set(float64(block))
}

func (m *BridgeMetrics) ObserveSweep(pending int, seconds float64) {
	m.pendingPayouts.Set(float64(pending))
	m.sweepDuration.Observe(seconds)
}

func (m *BridgeMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
