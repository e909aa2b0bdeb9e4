package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lukasbauer/parley/internal/dialogue"
	"github.com/lukasbauer/parley/internal/generation"
)

// Metrics holds all Prometheus metrics for the coordinator process.
type Metrics struct {
	registry *prometheus.Registry

	// Dialogue metrics
	LinesTotal        *prometheus.CounterVec
	SnapshotFailures  prometheus.Counter
	TranscriptDropped *prometheus.CounterVec
	UtterancesFlushed *prometheus.CounterVec
	AudioBytesTotal   *prometheus.CounterVec
	FeedClientsActive prometheus.Gauge

	// Generation metrics
	TriggersCoalesced prometheus.Counter
	CyclesStarted     prometheus.Counter
	CyclesTotal       *prometheus.CounterVec
	CycleDuration     *prometheus.HistogramVec
}

// New creates a Metrics instance with all collectors registered on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "parley"
	}

	registry := prometheus.NewRegistry()

	linesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialogue_lines_total",
			Help:      "Total number of dialogue lines appended",
		},
		[]string{"kind"},
	)

	snapshotFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialogue_snapshot_failures_total",
			Help:      "Total number of failed dialogue snapshot writes",
		},
	)

	transcriptDropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_events_dropped_total",
			Help:      "Total number of malformed transcript events dropped",
		},
		[]string{"language"},
	)

	utterancesFlushed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_flushed_total",
			Help:      "Total number of buffered utterances flushed at a boundary",
		},
		[]string{"language", "reason"},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total audio bytes forwarded to transcription streams",
		},
		[]string{"language"},
	)

	feedClientsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_clients_active",
			Help:      "Number of connected live feed clients",
		},
	)

	triggersCoalesced := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_triggers_coalesced_total",
			Help:      "Total number of content notifications absorbed by a pending trigger",
		},
	)

	cyclesStarted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_cycles_started_total",
			Help:      "Total number of generation cycles started",
		},
	)

	cyclesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_cycles_total",
			Help:      "Total number of finished generation cycles by outcome",
		},
		[]string{"outcome"},
	)

	cycleDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_cycle_duration_seconds",
			Help:      "Generation cycle duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		linesTotal,
		snapshotFailures,
		transcriptDropped,
		utterancesFlushed,
		audioBytesTotal,
		feedClientsActive,
		triggersCoalesced,
		cyclesStarted,
		cyclesTotal,
		cycleDuration,
	)

	return &Metrics{
		registry:          registry,
		LinesTotal:        linesTotal,
		SnapshotFailures:  snapshotFailures,
		TranscriptDropped: transcriptDropped,
		UtterancesFlushed: utterancesFlushed,
		AudioBytesTotal:   audioBytesTotal,
		FeedClientsActive: feedClientsActive,
		TriggersCoalesced: triggersCoalesced,
		CyclesStarted:     cyclesStarted,
		CyclesTotal:       cyclesTotal,
		CycleDuration:     cycleDuration,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// LineAppended implements dialogue.Metrics.
func (m *Metrics) LineAppended(kind dialogue.Kind) {
	m.LinesTotal.WithLabelValues(kind.String()).Inc()
}

// SnapshotFailed implements dialogue.Metrics.
func (m *Metrics) SnapshotFailed() {
	m.SnapshotFailures.Inc()
}

// EventDropped implements assembler.Metrics.
func (m *Metrics) EventDropped(language string) {
	m.TranscriptDropped.WithLabelValues(language).Inc()
}

// UtteranceFlushed implements assembler.Metrics.
func (m *Metrics) UtteranceFlushed(language, reason string) {
	m.UtterancesFlushed.WithLabelValues(language, reason).Inc()
}

// TriggerCoalesced implements generation.Metrics.
func (m *Metrics) TriggerCoalesced() {
	m.TriggersCoalesced.Inc()
}

// CycleStarted implements generation.Metrics.
func (m *Metrics) CycleStarted() {
	m.CyclesStarted.Inc()
}

// CycleFinished implements generation.Metrics.
func (m *Metrics) CycleFinished(outcome generation.Outcome, elapsed time.Duration) {
	m.CyclesTotal.WithLabelValues(outcome.String()).Inc()
	m.CycleDuration.WithLabelValues(outcome.String()).Observe(elapsed.Seconds())
}

// RecordAudio records audio bytes forwarded to the stream for language.
func (m *Metrics) RecordAudio(language string, n int) {
	if n > 0 {
		m.AudioBytesTotal.WithLabelValues(language).Add(float64(n))
	}
}

// FeedClientConnected records a live feed client joining.
func (m *Metrics) FeedClientConnected() {
	m.FeedClientsActive.Inc()
}

// FeedClientDisconnected records a live feed client leaving.
func (m *Metrics) FeedClientDisconnected() {
	m.FeedClientsActive.Dec()
}
