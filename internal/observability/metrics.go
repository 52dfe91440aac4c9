package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_bridge_active_calls",
		Help: "Number of active phone calls",
	})

	totalCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_calls_total",
		Help: "Total number of calls processed",
	})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_call_duration_seconds",
		Help:    "Duration of phone calls in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Audio path metrics
	framesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_frames_total",
		Help: "Total audio frames processed",
	}, []string{"direction"}) // direction: "in" or "out"

	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_frames_dropped_total",
		Help: "Total audio frames dropped",
	}, []string{"reason"})

	queueEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_queue_evictions_total",
		Help: "Total frames evicted from the outbound playback queue",
	})

	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_barge_ins_total",
		Help: "Total caller interruptions of model speech",
	})

	// Model session metrics
	sessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_session_events_total",
		Help: "Total model protocol events by type",
	}, []string{"event"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_bridge_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// RecordSessionEvent counts one model protocol event
func RecordSessionEvent(event string) {
	sessionEvents.WithLabelValues(event).Inc()
}

// RecordFrameDropped counts a dropped audio frame
func RecordFrameDropped(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// Metrics tracks per-call counters alongside the process-wide collectors.
// The local counters feed the periodic per-call stats log line.
type Metrics struct {
	callID    string
	startTime time.Time

	mu         sync.Mutex
	framesIn   int64
	framesOut  int64
	dropped    int64
	bargeIns   int64
	evictions  int64
}

// NewCallMetrics creates a new metrics tracker for a call
func NewCallMetrics(callID string) *Metrics {
	return &Metrics{
		callID:    callID,
		startTime: time.Now(),
	}
}

// RecordCallStart records the start of a call
func (m *Metrics) RecordCallStart() {
	activeCalls.Inc()
	totalCalls.Inc()
}

// RecordCallEnd records the end of a call
func (m *Metrics) RecordCallEnd() {
	activeCalls.Dec()
	callDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordFrame counts one processed frame in the given direction
func (m *Metrics) RecordFrame(direction string, bytes int) {
	framesProcessed.WithLabelValues(direction).Inc()
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))

	m.mu.Lock()
	if direction == "in" {
		m.framesIn++
	} else {
		m.framesOut++
	}
	m.mu.Unlock()
}

// RecordBargeIn counts one caller interruption
func (m *Metrics) RecordBargeIn() {
	bargeIns.Inc()
	m.mu.Lock()
	m.bargeIns++
	m.mu.Unlock()
}

// RecordQueueEviction counts one frame evicted from the playback queue
func (m *Metrics) RecordQueueEviction() {
	queueEvictions.Inc()
	m.mu.Lock()
	m.evictions++
	m.mu.Unlock()
}

// RecordDrop counts one dropped frame against the call
func (m *Metrics) RecordDrop(reason string) {
	RecordFrameDropped(reason)
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

// Snapshot returns the per-call counters for periodic stats logging
func (m *Metrics) Snapshot() (framesIn, framesOut, dropped, bargeIns, evictions int64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.framesIn, m.framesOut, m.dropped, m.bargeIns, m.evictions, time.Since(m.startTime)
}
