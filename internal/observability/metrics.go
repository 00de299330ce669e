package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveParticipants prometheus.Gauge
	WaitlistLength     prometheus.Gauge
	Admissions         *prometheus.CounterVec
	Turns              *prometheus.CounterVec
	Handoffs           *prometheus.CounterVec
	AnalysisOutcomes   *prometheus.CounterVec
	Classifications    *prometheus.CounterVec
	OracleErrors       *prometheus.CounterVec
	PersistErrors      *prometheus.CounterVec
	EventsDropped      prometheus.Counter
	AnalysisLatency    prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveParticipants: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_participants",
			Help:      "Participants currently holding a conversation slot.",
		}),
		WaitlistLength: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waitlisted_participants",
			Help:      "Participants admitted but waiting for a slot.",
		}),
		Admissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission triggers by result.",
		}, []string{"result"}),
		Turns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turn triggers by result.",
		}, []string{"result"}),
		Handoffs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Transcripts handed to the analysis pipeline by trigger.",
		}, []string{"trigger"}),
		AnalysisOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_outcomes_total",
			Help:      "Pipeline runs by final transcript status.",
		}, []string{"outcome"}),
		Classifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Parsed labels, including undetermined.",
		}, []string{"label"}),
		OracleErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_errors_total",
			Help:      "Oracle errors by kind and retry hint.",
		}, []string{"kind", "retryable"}),
		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Failed document writes by document kind.",
		}, []string{"document"}),
		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber was too slow.",
		}),
		AnalysisLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_latency_ms",
			Help:      "Pipeline run duration in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 5000, 10000, 20000, 40000, 60000},
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) IncAdmission(result string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) IncTurn(result string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(result).Inc()
}

func (m *Metrics) IncHandoff(trigger string) {
	if m == nil {
		return
	}
	m.Handoffs.WithLabelValues(trigger).Inc()
}

// ObserveAnalysis records one finished pipeline run.
func (m *Metrics) ObserveAnalysis(outcome, label string, d time.Duration) {
	if m == nil {
		return
	}
	m.AnalysisOutcomes.WithLabelValues(outcome).Inc()
	m.Classifications.WithLabelValues(label).Inc()
	m.AnalysisLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageAnalysisTotal, float64(d.Milliseconds()))
	m.stages.ObserveOutcome(outcome, label)
}

func (m *Metrics) ObserveOracleError(kind string, retryable bool) {
	if m == nil {
		return
	}
	m.OracleErrors.WithLabelValues(kind, strconv.FormatBool(retryable)).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Milliseconds()))
}

func (m *Metrics) IncPersistError(name string) {
	if m == nil {
		return
	}
	m.PersistErrors.WithLabelValues(documentKind(name)).Inc()
}

func (m *Metrics) IncEventsDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) SetParticipants(active, waitlisted int) {
	if m == nil {
		return
	}
	m.ActiveParticipants.Set(float64(active))
	m.WaitlistLength.Set(float64(waitlisted))
}

// SnapshotStages returns rolling per-stage latency stats.
func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func documentKind(name string) string {
	kind, _, _ := strings.Cut(name, "/")
	return kind
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
