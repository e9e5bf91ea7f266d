package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Flush outcomes used as the "outcome" label of SegmentsFlushed
const (
	OutcomeSaved  = "saved"
	OutcomeNoise  = "noise"
	OutcomeEmpty  = "empty"
	OutcomeFailed = "failed"
)

// Metrics contains all Prometheus metrics for the ingestion service
type Metrics struct {
	// Connection metrics
	ActiveConnections  prometheus.Gauge
	ConnectionsOpened  prometheus.Counter
	ConnectionsClosed  prometheus.Counter
	ConnectionDuration prometheus.Histogram

	// Message metrics
	MessagesReceived   *prometheus.CounterVec
	ControlMessages    *prometheus.CounterVec
	AudioBytesReceived prometheus.Counter
	Rekeys             prometheus.Counter
	RekeyDisplaced     prometheus.Counter

	// Segment metrics
	SegmentsFlushed  *prometheus.CounterVec
	SegmentDuration  prometheus.Histogram
	SegmentFlatness  prometheus.Histogram
	SegmentOverflows *prometheus.CounterVec
	TruncatedBytes   prometheus.Counter

	// Recording metrics
	RecordingWriteDuration prometheus.Histogram
	NotificationsSent      prometheus.Counter
	NotificationFailures   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audio_ingest_active_connections",
			Help: "Current number of connected sensor nodes",
		}),
		ConnectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_connections_opened_total",
			Help: "Total number of accepted sensor node connections",
		}),
		ConnectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_connections_closed_total",
			Help: "Total number of closed sensor node connections",
		}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audio_ingest_connection_duration_seconds",
			Help:    "Lifetime of sensor node connections",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1s to ~3 days
		}),

		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_ingest_messages_received_total",
			Help: "Total number of messages received by kind",
		}, []string{"kind"}),
		ControlMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_ingest_control_messages_total",
			Help: "Total number of text control messages by command",
		}, []string{"command"}),
		AudioBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_audio_bytes_received_total",
			Help: "Total number of raw audio bytes received",
		}),
		Rekeys: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_rekeys_total",
			Help: "Total number of session re-identifications",
		}),
		RekeyDisplaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_rekey_displaced_bytes_total",
			Help: "Bytes discarded because a re-identified session replaced an existing one",
		}),

		SegmentsFlushed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_ingest_segments_flushed_total",
			Help: "Total number of flushed segments by outcome",
		}, []string{"outcome"}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audio_ingest_segment_duration_seconds",
			Help:    "Duration of flushed audio segments",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}),
		SegmentFlatness: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audio_ingest_segment_spectral_flatness",
			Help:    "Spectral flatness of classified segments",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),
		SegmentOverflows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_ingest_segment_overflows_total",
			Help: "Total number of chunks that hit the segment size limit by policy",
		}, []string{"policy"}),
		TruncatedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_truncated_bytes_total",
			Help: "Trailing bytes dropped because a segment ended mid-sample",
		}),

		RecordingWriteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audio_ingest_recording_write_duration_seconds",
			Help:    "Time spent encoding and writing recordings",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),
		NotificationsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_notifications_sent_total",
			Help: "Total number of recording notifications published",
		}),
		NotificationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_notification_failures_total",
			Help: "Total number of recording notifications that failed to publish",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_ingest_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audio_ingest_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_ingest_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordConnectionOpened tracks a newly accepted connection
func (m *Metrics) RecordConnectionOpened() {
	m.ConnectionsOpened.Inc()
	m.ActiveConnections.Inc()
}

// RecordConnectionClosed tracks a closed connection and its lifetime
func (m *Metrics) RecordConnectionClosed(durationSeconds float64) {
	m.ConnectionsClosed.Inc()
	m.ActiveConnections.Dec()
	m.ConnectionDuration.Observe(durationSeconds)
}

// RecordAudioChunk records a binary message of the given size
func (m *Metrics) RecordAudioChunk(sizeBytes int) {
	m.MessagesReceived.WithLabelValues("binary").Inc()
	m.AudioBytesReceived.Add(float64(sizeBytes))
}

// RecordControlMessage records a text message by parsed command
func (m *Metrics) RecordControlMessage(command string) {
	m.MessagesReceived.WithLabelValues("text").Inc()
	m.ControlMessages.WithLabelValues(command).Inc()
}

// RecordRekey records a re-identification and any bytes it displaced
func (m *Metrics) RecordRekey(displacedBytes int) {
	m.Rekeys.Inc()
	if displacedBytes > 0 {
		m.RekeyDisplaced.Add(float64(displacedBytes))
	}
}

// RecordFlush records the outcome of a flushed segment
func (m *Metrics) RecordFlush(outcome string) {
	m.SegmentsFlushed.WithLabelValues(outcome).Inc()
}

// RecordClassification records the duration and flatness of a classified segment
func (m *Metrics) RecordClassification(durationSeconds, flatness float64) {
	m.SegmentDuration.Observe(durationSeconds)
	m.SegmentFlatness.Observe(flatness)
}

// RecordOverflow records a chunk that exceeded the segment size limit
func (m *Metrics) RecordOverflow(policy string) {
	m.SegmentOverflows.WithLabelValues(policy).Inc()
}

// RecordTruncation records trailing bytes dropped at decode time
func (m *Metrics) RecordTruncation(droppedBytes int) {
	m.TruncatedBytes.Add(float64(droppedBytes))
}

// RecordRecordingWrite records the time taken to persist a recording
func (m *Metrics) RecordRecordingWrite(durationSeconds float64) {
	m.RecordingWriteDuration.Observe(durationSeconds)
}

// RecordNotification records the result of publishing a recording notification
func (m *Metrics) RecordNotification(err error) {
	if err != nil {
		m.NotificationFailures.Inc()
		return
	}
	m.NotificationsSent.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
