// Package health exposes Prometheus metrics and a liveness endpoint that
// fails once the durable store keeps rejecting writes.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

const namespace = "mucbridge"

// Metrics collects bridge counters on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	events      *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	persistence prometheus.Counter
	bindings    prometheus.Gauge

	threshold int

	mu          sync.Mutex
	consecutive int
	lastErr     string
	lastErrAt   time.Time
}

// NewMetrics creates the collectors. threshold is the number of consecutive
// persistence failures after which Healthy reports false.
func NewMetrics(threshold int) *Metrics {
	if threshold <= 0 {
		threshold = 3
	}
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		threshold: threshold,
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_received_total",
				Help:      "Inbound events accepted from the networks",
			},
			[]string{"network", "kind"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Outbound deliveries by target network and result",
			},
			[]string{"network", "result"},
		),
		persistence: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_failures_total",
				Help:      "Failed writes to the durable store",
			},
		),
		bindings: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bindings",
				Help:      "Currently bound room pairs",
			},
		),
	}
	m.registry.MustRegister(
		m.events, m.deliveries, m.persistence, m.bindings,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) EventReceived(network store.Network, kind bus.EventKind) {
	m.events.WithLabelValues(string(network), string(kind)).Inc()
}

func (m *Metrics) Delivery(network store.Network, result string) {
	m.deliveries.WithLabelValues(string(network), result).Inc()
}

// Persistence records the outcome of a durable write. Errors that are not
// store failures (not found, conflicts) leave the health state unchanged.
func (m *Metrics) Persistence(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err == nil:
		m.consecutive = 0
	case store.IsPersistence(err):
		m.persistence.Inc()
		m.consecutive++
		m.lastErr = err.Error()
		m.lastErrAt = time.Now()
		if m.consecutive == m.threshold {
			slog.Error("health: persistence failing", "consecutive", m.consecutive, "error", err)
		}
	}
}

func (m *Metrics) SetBindings(n int) {
	m.bindings.Set(float64(n))
}

// Healthy reports whether fewer than threshold persistence failures happened
// in a row.
func (m *Metrics) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutive < m.threshold
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

type status struct {
	Status              string    `json:"status"`
	PersistenceFailures int       `json:"persistence_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorAt         time.Time `json:"last_error_at,omitempty"`
}

// Handler serves /metrics and /healthz.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		st := status{Status: "ok", PersistenceFailures: m.consecutive, LastError: m.lastErr, LastErrorAt: m.lastErrAt}
		healthy := m.consecutive < m.threshold
		m.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			st.Status = "unhealthy"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(st)
	})
	return mux
}

// Serve runs the HTTP endpoint on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("health endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
