package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "interview_gateway_active_sessions",
		Help: "Number of live interview sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interview_gateway_sessions_total",
		Help: "Total number of interview sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "interview_gateway_session_duration_seconds",
		Help:    "Duration of interview sessions in seconds",
		Buckets: []float64{60, 300, 600, 1200, 1800, 3600, 5400},
	})

	questionsAsked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interview_gateway_questions_asked_total",
		Help: "Total number of questions activated",
	})

	// Diarization metrics
	chunksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_gateway_chunks_submitted_total",
		Help: "Audio chunks submitted for diarization",
	}, []string{"status"})

	diarizationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "interview_gateway_diarization_latency_seconds",
		Help:    "Diarization round-trip latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	segmentsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_gateway_segments_dropped_total",
		Help: "Transcript segments rejected by the accumulator",
	}, []string{"reason"})

	healthWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interview_gateway_health_warnings_total",
		Help: "Session health warnings raised after consecutive diarization failures",
	})

	// Analysis metrics
	analysisCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_gateway_analysis_calls_total",
		Help: "Analysis calls by phase and outcome",
	}, []string{"phase", "outcome"})

	analysisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "interview_gateway_analysis_latency_seconds",
		Help:    "Analysis call latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0},
	})

	fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_gateway_fallbacks_total",
		Help: "Fallback analyses produced",
	}, []string{"reason"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "interview_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	audioBytesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interview_gateway_audio_bytes_total",
		Help: "Total captured audio bytes",
	})

	audioBytesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interview_gateway_audio_bytes_dropped_total",
		Help: "Captured audio bytes evicted by capture buffer overflow",
	})
)

// SessionMetrics tracks metrics for a single interview session.
// A nil *SessionMetrics is valid and records nothing.
type SessionMetrics struct {
	sessionID string
	startTime time.Time
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	if m == nil {
		return
	}
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *SessionMetrics) RecordSessionEnd() {
	if m == nil {
		return
	}
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordQuestionAsked counts a question activation
func (m *SessionMetrics) RecordQuestionAsked() {
	if m == nil {
		return
	}
	questionsAsked.Inc()
}

// RecordChunk records one diarization submission and its latency
func (m *SessionMetrics) RecordChunk(success bool, latency time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	chunksSubmitted.WithLabelValues(status).Inc()
	diarizationLatency.Observe(latency.Seconds())
}

// RecordChunkSkipped records a chunk that was not submitted (silence)
func (m *SessionMetrics) RecordChunkSkipped() {
	if m == nil {
		return
	}
	chunksSubmitted.WithLabelValues("skipped").Inc()
}

// RecordSegmentDropped records a segment rejected by the accumulator
func (m *SessionMetrics) RecordSegmentDropped(reason string) {
	if m == nil {
		return
	}
	segmentsDropped.WithLabelValues(reason).Inc()
}

// RecordHealthWarning records a session health warning
func (m *SessionMetrics) RecordHealthWarning() {
	if m == nil {
		return
	}
	healthWarnings.Inc()
}

// RecordAnalysis records the outcome of an analysis call.
// phase is "provisional" or "terminal"; outcome is "success", "error", "timeout" or "late".
func (m *SessionMetrics) RecordAnalysis(phase, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	analysisCalls.WithLabelValues(phase, outcome).Inc()
	if latency > 0 {
		analysisLatency.Observe(latency.Seconds())
	}
}

// RecordFallback records a fallback analysis
func (m *SessionMetrics) RecordFallback(reason string) {
	if m == nil {
		return
	}
	fallbacksTotal.WithLabelValues(reason).Inc()
}

// RecordAudioBytes records captured audio bytes
func (m *SessionMetrics) RecordAudioBytes(bytes int64) {
	if m == nil {
		return
	}
	audioBytesCaptured.Add(float64(bytes))
}

// RecordAudioDropped records captured bytes lost to buffer overflow
func (m *SessionMetrics) RecordAudioDropped(bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	audioBytesDropped.Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
