// Package metrics exposes Prometheus instrumentation for the gateway and
// the live call pipeline.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP surface
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Call lifecycle
	CallsActive  prometheus.Gauge
	CallsTotal   *prometheus.CounterVec
	CallDuration prometheus.Histogram

	// Media and pipeline flow
	MediaFramesTotal   *prometheus.CounterVec
	AudioBytesTotal    *prometheus.CounterVec
	TranscriptDeltas   prometheus.Counter
	SynthFallbackTotal prometheus.Counter
	ReconnectsTotal    *prometheus.CounterVec
	DroppedFramesTotal *prometheus.CounterVec

	// Errors
	ErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with everything registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicebridge"
	}

	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"endpoint", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"endpoint"},
	)

	callsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of live calls",
		},
	)

	callsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total calls handled, by end reason",
		},
		[]string{"reason"},
	)

	callDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	mediaFramesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_frames_total",
			Help:      "Media frames relayed, by direction",
		},
		[]string{"direction"},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes relayed, by direction",
		},
		[]string{"direction"},
	)

	transcriptDeltas := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_deltas_total",
			Help:      "Transcript deltas submitted for synthesis",
		},
	)

	synthFallbackTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synth_fallback_total",
			Help:      "Deltas voiced through the one-shot fallback path",
		},
	)

	reconnectsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Provider stream reconnects, by stage",
		},
		[]string{"stage"},
	)

	droppedFramesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Frames dropped before reaching the caller, by cause",
		},
		[]string{"cause"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors, by stage",
		},
		[]string{"stage", "error_type"},
	)

	registry.MustRegister(
		requestsTotal,
		requestDuration,
		callsActive,
		callsTotal,
		callDuration,
		mediaFramesTotal,
		audioBytesTotal,
		transcriptDeltas,
		synthFallbackTotal,
		reconnectsTotal,
		droppedFramesTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:           registry,
		RequestsTotal:      requestsTotal,
		RequestDuration:    requestDuration,
		CallsActive:        callsActive,
		CallsTotal:         callsTotal,
		CallDuration:       callDuration,
		MediaFramesTotal:   mediaFramesTotal,
		AudioBytesTotal:    audioBytesTotal,
		TranscriptDeltas:   transcriptDeltas,
		SynthFallbackTotal: synthFallbackTotal,
		ReconnectsTotal:    reconnectsTotal,
		DroppedFramesTotal: droppedFramesTotal,
		ErrorsTotal:        errorsTotal,
	}
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(endpoint, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordCallStart records a new call going live.
func (m *Metrics) RecordCallStart() {
	m.CallsActive.Inc()
}

// RecordCallEnd records a call finishing.
func (m *Metrics) RecordCallEnd(reason string, duration time.Duration) {
	m.CallsActive.Dec()
	m.CallsTotal.WithLabelValues(reason).Inc()
	m.CallDuration.Observe(duration.Seconds())
}

// RecordMedia records relayed audio.
func (m *Metrics) RecordMedia(direction string, frames, bytes int64) {
	if frames > 0 {
		m.MediaFramesTotal.WithLabelValues(direction).Add(float64(frames))
	}
	if bytes > 0 {
		m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordDeltas records transcript deltas submitted for synthesis.
func (m *Metrics) RecordDeltas(n int64) {
	if n > 0 {
		m.TranscriptDeltas.Add(float64(n))
	}
}

// RecordFallback records one-shot fallback synthesis usage.
func (m *Metrics) RecordFallback(n int64) {
	if n > 0 {
		m.SynthFallbackTotal.Add(float64(n))
	}
}

// RecordReconnect records one provider stream redial.
func (m *Metrics) RecordReconnect(stage string) {
	m.ReconnectsTotal.WithLabelValues(stage).Inc()
}

// RecordDroppedFrames records frames shed before the caller heard them.
func (m *Metrics) RecordDroppedFrames(cause string, n int64) {
	if n > 0 {
		m.DroppedFramesTotal.WithLabelValues(cause).Add(float64(n))
	}
}

// RecordError records an error.
func (m *Metrics) RecordError(stage, errorType string) {
	m.ErrorsTotal.WithLabelValues(stage, errorType).Inc()
}

// ResponseWriter wraps http.ResponseWriter to capture status code and size.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	BytesWritten int
}

// NewResponseWriter creates a new ResponseWriter.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code.
func (rw *ResponseWriter) WriteHeader(code int) {
	rw.StatusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures bytes written.
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.BytesWritten += n
	return n, err
}

// Flush implements http.Flusher.
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for websocket upgrades.
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// StatusString returns the status code as a string.
func (rw *ResponseWriter) StatusString() string {
	return strconv.Itoa(rw.StatusCode)
}
