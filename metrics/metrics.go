package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"particlesim/physics"
)

// Metrics holds the simulation collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	StepDuration *prometheus.HistogramVec
	Steps        *prometheus.CounterVec
	Reflections  *prometheus.CounterVec
	Particles    prometheus.Gauge
	Clients      prometheus.Gauge
	FramesSent   prometheus.Counter
	FramesDrop   prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "particlesim_step_duration_seconds",
				Help:    "Wall time of one simulation step by backend",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"backend"},
		),
		Steps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "particlesim_steps_total",
				Help: "Completed simulation steps by backend",
			},
			[]string{"backend"},
		),
		Reflections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "particlesim_boundary_reflections_total",
				Help: "Boundary reflections by axis (CPU backend only)",
			},
			[]string{"axis"},
		),
		Particles: factory.NewGauge(prometheus.GaugeOpts{
			Name: "particlesim_particles",
			Help: "Particles in the simulation",
		}),
		Clients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "particlesim_ws_clients",
			Help: "Connected websocket clients",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "particlesim_ws_frames_sent_total",
			Help: "Position frames queued to websocket clients",
		}),
		FramesDrop: factory.NewCounter(prometheus.CounterOpts{
			Name: "particlesim_ws_frames_dropped_total",
			Help: "Position frames dropped because a client was still sending the previous one",
		}),
		gatherer: reg,
	}
}

// ObserveStep records one completed step
func (m *Metrics) ObserveStep(backend string, stats physics.DispatchStats) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(backend).Observe(stats.Duration.Seconds())
	m.Steps.WithLabelValues(backend).Inc()
	if stats.ReflectionsX > 0 {
		m.Reflections.WithLabelValues("x").Add(float64(stats.ReflectionsX))
	}
	if stats.ReflectionsY > 0 {
		m.Reflections.WithLabelValues("y").Add(float64(stats.ReflectionsY))
	}
}

// SetParticles records the particle count
func (m *Metrics) SetParticles(n int) {
	if m == nil {
		return
	}
	m.Particles.Set(float64(n))
}

// ClientConnected and ClientDisconnected track websocket clients
func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.Clients.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.Clients.Dec()
}

// FrameQueued counts a frame handed to a client, or dropped when its queue was full
func (m *Metrics) FrameQueued(dropped bool) {
	if m == nil {
		return
	}
	if dropped {
		m.FramesDrop.Inc()
		return
	}
	m.FramesSent.Inc()
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
