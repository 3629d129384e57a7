// Package metrics exposes fleet lifecycle counters for Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	devicekeeper "github.com/httprunner/DeviceKeeper"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const defaultNamespace = "devicekeeper"

// Collector implements devicekeeper.EventRecorder by counting events.
type Collector struct {
	cycles       *prometheus.CounterVec
	attempts     *prometheus.CounterVec
	acquireFails *prometheus.CounterVec
	releaseFails *prometheus.CounterVec
	recoveries   *prometheus.CounterVec
	panics       *prometheus.CounterVec
	state        *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewCollector registers every metric on a private registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = defaultNamespace
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Finished lifecycle cycles by result",
		},
		[]string{"device_id", "result"},
	)
	c.attempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_attempts_total",
			Help:      "Session acquisition attempts",
		},
		[]string{"device_id"},
	)
	c.acquireFails = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_acquire_failures_total",
			Help:      "Failed session acquisitions",
		},
		[]string{"device_id"},
	)
	c.releaseFails = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_release_failures_total",
			Help:      "Failed session releases",
		},
		[]string{"device_id"},
	)
	c.recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Force unlock recoveries by outcome",
		},
		[]string{"device_id", "outcome"},
	)
	c.panics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_panics_total",
			Help:      "Panics recovered inside lifecycle runners",
		},
		[]string{"device_id"},
	)
	c.state = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_state",
			Help:      "Current lifecycle state (0=idle, 1=acquiring, 2=holding, 3=releasing, 4=recovering)",
		},
		[]string{"device_id"},
	)

	c.registry.MustRegister(
		c.cycles,
		c.attempts,
		c.acquireFails,
		c.releaseFails,
		c.recoveries,
		c.panics,
		c.state,
	)
	return c
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// WatchGate exports the admission gate occupancy as gauges.
func (c *Collector) WatchGate(namespace string, gate *devicekeeper.AdmissionGate) {
	if gate == nil {
		return
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_in_use",
			Help:      "Admission permits currently held",
		}, func() float64 { return float64(gate.InUse()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_capacity",
			Help:      "Admission gate capacity",
		}, func() float64 { return float64(gate.Capacity()) }),
	)
}

// RecordEvent updates the counters matching ev.Kind.
func (c *Collector) RecordEvent(_ context.Context, ev devicekeeper.Event) error {
	id := ev.DeviceID
	switch ev.Kind {
	case devicekeeper.EventStateChanged:
		c.state.WithLabelValues(id).Set(float64(ev.State))
	case devicekeeper.EventAcquireStarted:
		c.attempts.WithLabelValues(id).Inc()
	case devicekeeper.EventAcquireFailed:
		c.acquireFails.WithLabelValues(id).Inc()
	case devicekeeper.EventReleaseFailed:
		c.releaseFails.WithLabelValues(id).Inc()
	case devicekeeper.EventRecoveryFinished:
		outcome := "unlocked"
		if ev.Err != "" {
			outcome = "failed"
		}
		c.recoveries.WithLabelValues(id, outcome).Inc()
	case devicekeeper.EventCycleSucceeded:
		c.cycles.WithLabelValues(id, "succeeded").Inc()
	case devicekeeper.EventCycleExhausted:
		c.cycles.WithLabelValues(id, "exhausted").Inc()
	case devicekeeper.EventRunnerPanic:
		c.panics.WithLabelValues(id).Inc()
	}
	return nil
}

// Server serves /metrics for one collector.
type Server struct {
	server *http.Server
}

// NewServer binds the collector's registry to addr.
func NewServer(addr string, c *Collector) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	return &Server{server: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Start listens in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("metrics server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", s.server.Addr).Msg("metrics server failed")
		}
	}()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
