package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_client_active_sessions",
		Help: "Number of active protocol sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_sessions_total",
		Help: "Total number of sessions established",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_client_session_duration_seconds",
		Help:    "Duration of protocol sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	handshakeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_client_handshake_latency_seconds",
		Help:    "Time from hello sent to hello reply received",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Audio pipeline metrics
	framesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_audio_frames_received_total",
		Help: "Compressed audio frames received from the peer",
	})

	framesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_audio_frames_decoded_total",
		Help: "Audio frame decode attempts",
	}, []string{"status"})

	chunksScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_audio_chunks_scheduled_total",
		Help: "Playback chunks scheduled on the output clock",
	})

	playbackResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_audio_resets_total",
		Help: "Full playback resets (barge-in or remote stop)",
	})

	bufferTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_buffer_timeouts_total",
		Help: "Pre-roll waits that timed out before reaching the packet minimum",
	})

	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_audio_bytes_total",
		Help: "Total compressed audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	// Protocol metrics
	messagesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_messages_total",
		Help: "Inbound control messages dispatched by type",
	}, []string{"type"})

	mcpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_mcp_requests_total",
		Help: "MCP requests handled by method and status",
	}, []string{"method", "status"})

	abortsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_aborts_sent_total",
		Help: "Abort messages sent to interrupt remote speech",
	})

	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_reconnects_total",
		Help: "Connection attempts after the initial connect",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_client_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// Metrics tracks metrics for a single protocol session
type Metrics struct {
	sessionID      string
	startTime      time.Time
	helloSentTime  time.Time
	mu             sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordHelloSent marks the start of the handshake exchange
func (m *Metrics) RecordHelloSent() {
	m.mu.Lock()
	m.helloSentTime = time.Now()
	m.mu.Unlock()
}

// RecordHelloReply records a completed handshake
func (m *Metrics) RecordHelloReply() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.helloSentTime.IsZero() {
		handshakeLatency.Observe(time.Since(m.helloSentTime).Seconds())
	}
}

// RecordFrameReceived records one inbound compressed frame
func (m *Metrics) RecordFrameReceived(bytes int) {
	framesReceived.Inc()
	audioBytes.WithLabelValues("in").Add(float64(bytes))
}

// RecordFrameSent records one outbound encoded frame
func (m *Metrics) RecordFrameSent(bytes int) {
	audioBytes.WithLabelValues("out").Add(float64(bytes))
}

// RecordDecode records a frame decode attempt
func (m *Metrics) RecordDecode(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	framesDecoded.WithLabelValues(status).Inc()
}

// RecordChunkScheduled records one playback chunk handed to the output sink
func (m *Metrics) RecordChunkScheduled() {
	chunksScheduled.Inc()
}

// RecordPlaybackReset records a full buffer flush
func (m *Metrics) RecordPlaybackReset() {
	playbackResets.Inc()
}

// RecordBufferTimeout records a pre-roll wait that expired short of its minimum
func (m *Metrics) RecordBufferTimeout() {
	bufferTimeouts.Inc()
}

// RecordMessage records an inbound control message by type
func (m *Metrics) RecordMessage(msgType string) {
	messagesDispatched.WithLabelValues(msgType).Inc()
}

// RecordMCPRequest records an MCP request by method and outcome
func (m *Metrics) RecordMCPRequest(method, status string) {
	mcpRequests.WithLabelValues(method, status).Inc()
}

// RecordAbortSent records a barge-in abort message
func (m *Metrics) RecordAbortSent() {
	abortsSent.Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordReconnect records a connection attempt after the first
func RecordReconnect() {
	reconnects.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
