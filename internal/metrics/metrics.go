// Package metrics exposes prometheus instrumentation for the transfer
// engine, fed from the progress event channel so the engine itself stays
// free of metrics concerns.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftbox/driftbox/pkg/session"
	"github.com/driftbox/driftbox/pkg/store"
)

// Metrics holds all engine collectors.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	bytesRelayed     prometheus.Counter
	activeSessions   prometheus.Gauge
}

// New builds and registers the engine collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftbox_sessions_started_total",
			Help: "Transfer sessions created.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftbox_sessions_finished_total",
			Help: "Transfer sessions reaching a terminal status.",
		}, []string{"status"}),
		bytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftbox_provider_bytes_total",
			Help: "Bytes confirmed at providers across all sessions.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "driftbox_sessions_active",
			Help: "Sessions currently in a non-terminal status.",
		}),
	}
	reg.MustRegister(m.sessionsStarted, m.sessionsFinished, m.bytesRelayed, m.activeSessions)
	return m
}

// Handler serves the prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe consumes the event feed until ctx is cancelled, updating
// collectors from session transitions.
func (m *Metrics) Observe(ctx context.Context, bus *session.Bus) {
	events, cancel := bus.SubscribeAll()
	defer cancel()

	// Track per-session state so transitions count once.
	lastStatus := make(map[string]store.SessionStatus)
	lastBytes := make(map[string]int64)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			prev, seen := lastStatus[ev.SessionID]
			if !seen {
				m.sessionsStarted.Inc()
				m.activeSessions.Inc()
			}

			if delta := ev.ProviderBytes - lastBytes[ev.SessionID]; delta > 0 {
				m.bytesRelayed.Add(float64(delta))
			}
			lastBytes[ev.SessionID] = ev.ProviderBytes

			if ev.Status.Terminal() && (!seen || !prev.Terminal()) {
				m.sessionsFinished.WithLabelValues(string(ev.Status)).Inc()
				m.activeSessions.Dec()
				delete(lastStatus, ev.SessionID)
				delete(lastBytes, ev.SessionID)
				continue
			}
			lastStatus[ev.SessionID] = ev.Status
		}
	}
}
