// Package metrics exposes Prometheus metrics for the gateway and its live
// sessions. Every method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alignify/alignify/pkg/coach"
)

type Metrics struct {
	registry *prometheus.Registry

	// Live session metrics
	LiveSessionsActive  prometheus.Gauge
	LiveSessionsTotal   *prometheus.CounterVec
	LiveSessionDuration prometheus.Histogram
	KeypointFramesTotal *prometheus.CounterVec

	// Coaching metrics
	PhaseTransitionsTotal *prometheus.CounterVec
	FeedbackTotal         *prometheus.CounterVec
	EventsDroppedTotal    prometheus.Counter
	SpeechTotal           *prometheus.CounterVec

	// Calibration persistence
	PersistenceFailuresTotal *prometheus.CounterVec

	RateLimitHits *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "alignify"
	}

	registry := prometheus.NewRegistry()

	liveSessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions_active",
			Help:      "Number of active live sessions",
		},
	)

	liveSessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_sessions_total",
			Help:      "Total number of live sessions by outcome",
		},
		[]string{"status"},
	)

	liveSessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "live_session_duration_seconds",
			Help:      "Live session duration in seconds",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
		},
	)

	keypointFramesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keypoint_frames_total",
			Help:      "Keypoint frames received from live clients",
			// accepted, replaced (overwritten before a tick consumed it), rejected
		},
		[]string{"result"},
	)

	phaseTransitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Session phase transitions by entered phase",
		},
		[]string{"phase"},
	)

	feedbackTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Corrective instructions emitted",
		},
		[]string{"level"},
	)

	eventsDroppedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Session events dropped because a sink queue was full",
		},
	)

	speechTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_utterances_total",
			Help:      "Synthesized speech lines by result",
		},
		[]string{"result"},
	)

	persistenceFailuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calibration_persistence_failures_total",
			Help:      "Failed calibration repository operations",
		},
		[]string{"op"},
	)

	rateLimitHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit hits",
		},
		[]string{"limit_type"},
	)

	registry.MustRegister(
		liveSessionsActive,
		liveSessionsTotal,
		liveSessionDuration,
		keypointFramesTotal,
		phaseTransitionsTotal,
		feedbackTotal,
		eventsDroppedTotal,
		speechTotal,
		persistenceFailuresTotal,
		rateLimitHits,
	)

	return &Metrics{
		registry:                 registry,
		LiveSessionsActive:       liveSessionsActive,
		LiveSessionsTotal:        liveSessionsTotal,
		LiveSessionDuration:      liveSessionDuration,
		KeypointFramesTotal:      keypointFramesTotal,
		PhaseTransitionsTotal:    phaseTransitionsTotal,
		FeedbackTotal:            feedbackTotal,
		EventsDroppedTotal:       eventsDroppedTotal,
		SpeechTotal:              speechTotal,
		PersistenceFailuresTotal: persistenceFailuresTotal,
		RateLimitHits:            rateLimitHits,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordLiveSessionStart() {
	if m == nil {
		return
	}
	m.LiveSessionsActive.Inc()
}

// RecordLiveSessionEnd records a live session ending with status "ok" or
// "error".
func (m *Metrics) RecordLiveSessionEnd(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.LiveSessionsActive.Dec()
	m.LiveSessionsTotal.WithLabelValues(status).Inc()
	m.LiveSessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordKeypointFrame(result string) {
	if m == nil {
		return
	}
	m.KeypointFramesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordEventDropped(coach.Event) {
	if m == nil {
		return
	}
	m.EventsDroppedTotal.Inc()
}

func (m *Metrics) RecordSpeech(result string) {
	if m == nil {
		return
	}
	m.SpeechTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordPersistenceFailure(op string) {
	if m == nil {
		return
	}
	m.PersistenceFailuresTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordRateLimitHit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(limitType).Inc()
}

// Sink returns a coach.Sink that counts phase transitions and feedback.
func (m *Metrics) Sink() coach.Sink {
	return sessionSink{m: m}
}

type sessionSink struct {
	coach.NopSink
	m *Metrics
}

func (s sessionSink) OnPhaseChange(phase coach.Phase, _ int) {
	if s.m == nil {
		return
	}
	s.m.PhaseTransitionsTotal.WithLabelValues(phase.String()).Inc()
}

func (s sessionSink) OnFeedback(fb coach.FeedbackEvent) {
	if s.m == nil {
		return
	}
	s.m.FeedbackTotal.WithLabelValues(string(fb.Level)).Inc()
}
