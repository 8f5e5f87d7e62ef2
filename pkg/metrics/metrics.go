// Package metrics provides Prometheus-based metrics recording for turn
// lifecycle events.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records turn lifecycle metrics. The session core calls it at
// phase transitions; a nil *PrometheusRecorder is safe and records nothing.
type PrometheusRecorder struct {
	turnsTotal       *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	compactionsTotal *prometheus.CounterVec
	handoffsTotal    *prometheus.CounterVec
	escalationsTotal *prometheus.CounterVec
	queuedFlushes    prometheus.Counter
}

// NewPrometheusRecorder creates a recorder registered against the default
// Prometheus registry. Safe to call more than once per process.
func NewPrometheusRecorder() *PrometheusRecorder {
	defaultOnce.Do(func() {
		defaultRecorder = NewPrometheusRecorderWith(prometheus.DefaultRegisterer)
	})
	return defaultRecorder
}

var (
	defaultOnce     sync.Once
	defaultRecorder *PrometheusRecorder
)

// NewPrometheusRecorderWith creates a recorder registered against reg,
// letting tests use isolated registries.
func NewPrometheusRecorderWith(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turns_total",
				Help: "Total number of turns by model and terminal status",
			},
			[]string{"model", "status"},
		),
		turnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turn_duration_seconds",
				Help:    "Duration of turns from send to stream end",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turn_retries_total",
				Help: "Total retry scheduler events by outcome",
			},
			[]string{"outcome"}, // scheduled, starting, abandoned
		),
		compactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compactions_total",
				Help: "Total compaction sub-turns by source",
			},
			[]string{"source"},
		),
		handoffsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handoffs_total",
				Help: "Total agent handoff dispatches by outcome",
			},
			[]string{"outcome"}, // dispatched, fallback, rejected
		),
		escalationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "context_escalations_total",
				Help: "Total context-exceeded escalation attempts by strategy",
			},
			[]string{"strategy"},
		),
		queuedFlushes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "queued_message_flushes_total",
				Help: "Total queued messages flushed at turn end",
			},
		),
	}
}

// ObserveTurn records a completed turn.
func (p *PrometheusRecorder) ObserveTurn(model, status string, duration time.Duration) {
	if p == nil {
		return
	}
	p.turnsTotal.WithLabelValues(model, status).Inc()
	p.turnDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// IncRetry records a retry scheduler event.
func (p *PrometheusRecorder) IncRetry(outcome string) {
	if p == nil {
		return
	}
	p.retriesTotal.WithLabelValues(outcome).Inc()
}

// IncCompaction records a compaction sub-turn.
func (p *PrometheusRecorder) IncCompaction(source string) {
	if p == nil {
		return
	}
	p.compactionsTotal.WithLabelValues(source).Inc()
}

// IncHandoff records a handoff dispatch outcome.
func (p *PrometheusRecorder) IncHandoff(outcome string) {
	if p == nil {
		return
	}
	p.handoffsTotal.WithLabelValues(outcome).Inc()
}

// IncEscalation records a context-exceeded escalation attempt.
func (p *PrometheusRecorder) IncEscalation(strategy string) {
	if p == nil {
		return
	}
	p.escalationsTotal.WithLabelValues(strategy).Inc()
}

// IncQueuedFlush records an automatic queued message flush.
func (p *PrometheusRecorder) IncQueuedFlush() {
	if p == nil {
		return
	}
	p.queuedFlushes.Inc()
}
