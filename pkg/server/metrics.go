package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/command"
	"github.com/crystal-mush/gotinymud/pkg/reload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus metric descriptors for the game server.
// Each Metrics owns its registry so several games can live in one process.
type Metrics struct {
	game      *Game
	startTime time.Time
	registry  *prometheus.Registry

	commandsTotal    *prometheus.CounterVec
	handlerErrors    prometheus.Counter
	hookErrors       *prometheus.CounterVec
	deferredTotal    *prometheus.CounterVec
	reloadsTotal     *prometheus.CounterVec
	sessions         *prometheus.GaugeVec
	pendingReloads   prometheus.Gauge
	entitiesTotal    prometheus.Gauge
	commandsRegister prometheus.Gauge
	queueDepth       *prometheus.GaugeVec
	uptimeSeconds    prometheus.Gauge
	goroutines       prometheus.Gauge
}

// NewMetrics creates the game's metrics.
func NewMetrics(game *Game, startTime time.Time) *Metrics {
	m := &Metrics{
		game:      game,
		startTime: startTime,
		registry:  prometheus.NewRegistry(),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gotinymud_commands_total",
			Help: "Input lines dispatched, by resolution outcome.",
		}, []string{"outcome"}),
		handlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gotinymud_handler_errors_total",
			Help: "Command handlers that returned an error or panicked.",
		}),
		hookErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gotinymud_hook_errors_total",
			Help: "Failing hook callbacks, by hook name.",
		}, []string{"hook"}),
		deferredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gotinymud_deferred_actions_total",
			Help: "Deferred actions executed, by kind and result.",
		}, []string{"kind", "result"}),
		reloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gotinymud_reloads_total",
			Help: "Unit reloads settled, by final state.",
		}, []string{"state"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gotinymud_sessions_connected",
			Help: "Logged-in sessions by transport.",
		}, []string{"transport"}),
		pendingReloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gotinymud_reloads_pending",
			Help: "Units queued for reload.",
		}),
		entitiesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gotinymud_entities_total",
			Help: "Entities in the world.",
		}),
		commandsRegister: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gotinymud_commands_registered",
			Help: "Canonical commands in the registry.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gotinymud_queue_depth",
			Help: "Scheduled command queue depth by type.",
		}, []string{"queue_type"}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gotinymud_uptime_seconds",
			Help: "Server uptime in seconds.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gotinymud_goroutines",
			Help: "Number of active goroutines.",
		}),
	}

	m.registry.MustRegister(
		m.commandsTotal,
		m.handlerErrors,
		m.hookErrors,
		m.deferredTotal,
		m.reloadsTotal,
		m.sessions,
		m.pendingReloads,
		m.entitiesTotal,
		m.commandsRegister,
		m.queueDepth,
		m.uptimeSeconds,
		m.goroutines,
	)
	return m
}

// CommandOutcome counts one dispatched line.
func (m *Metrics) CommandOutcome(k command.Kind) {
	m.commandsTotal.WithLabelValues(k.String()).Inc()
}

// HandlerError counts one failed handler.
func (m *Metrics) HandlerError() { m.handlerErrors.Inc() }

// HookError counts one failed hook callback.
func (m *Metrics) HookError(hook string) { m.hookErrors.WithLabelValues(hook).Inc() }

// Deferred counts one executed deferred action.
func (m *Metrics) Deferred(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.deferredTotal.WithLabelValues(kind, result).Inc()
}

// Reload counts one settled reload.
func (m *Metrics) Reload(st reload.Status) {
	m.reloadsTotal.WithLabelValues(st.State.String()).Inc()
}

// Update refreshes all gauge metrics from current game state.
func (m *Metrics) Update() {
	byTransport := m.game.Conns.CountByTransport()
	for _, t := range []TransportType{TransportTCP, TransportWebSocket} {
		m.sessions.WithLabelValues(t.String()).Set(float64(byTransport[t]))
	}
	if m.game.Reloads != nil {
		m.pendingReloads.Set(float64(m.game.Reloads.Len()))
	}
	m.entitiesTotal.Set(float64(m.game.World.Count()))
	m.commandsRegister.Set(float64(len(m.game.Registry.Names())))

	immediate, waiting := m.game.Queue.Stats()
	m.queueDepth.WithLabelValues("immediate").Set(float64(immediate))
	m.queueDepth.WithLabelValues("waiting").Set(float64(waiting))

	m.uptimeSeconds.Set(time.Since(m.startTime).Seconds())
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an http.Handler that updates metrics before serving them.
func (m *Metrics) Handler() http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Update()
		inner.ServeHTTP(w, r)
	})
}
