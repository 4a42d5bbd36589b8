package app

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signal_sessions_active",
		Help: "Signaling sessions currently open on this instance.",
	})
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_requests_total",
		Help: "Signaling requests by type and result code.",
	}, []string{"type", "code"})
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signal_request_duration_seconds",
		Help:    "Signaling request latency by type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
	RoutersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signal_routers_active",
		Help: "Routers currently open on this instance.",
	})
	BusPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_bus_publish_failures_total",
		Help: "Event bus publishes that did not reach the broker.",
	}, []string{"topic"})
)

var probes struct {
	sync.RWMutex
	degraded func() bool
	workers  func() int
}

var (
	brokerDegraded = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "signal_broker_degraded",
		Help: "1 while cross-instance event delivery is lost.",
	}, func() float64 {
		probes.RLock()
		defer probes.RUnlock()
		if probes.degraded != nil && probes.degraded() {
			return 1
		}
		return 0
	})
	workersAlive = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "signal_engine_workers_alive",
		Help: "Media engine workers currently running.",
	}, func() float64 {
		probes.RLock()
		defer probes.RUnlock()
		if probes.workers == nil {
			return 0
		}
		return float64(probes.workers())
	})
)

// SetProbes points the sampled gauges at the live bus and engine.
func SetProbes(degraded func() bool, workers func() int) {
	probes.Lock()
	defer probes.Unlock()
	probes.degraded = degraded
	probes.workers = workers
}
