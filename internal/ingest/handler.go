package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/firefly-cmu/Audio-Biodiversity/internal/audio"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/metrics"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/notify"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/protocol"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/session"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/spectral"
)

// Overflow policies for chunks that would exceed the segment size limit
const (
	OverflowReject = "reject"
	OverflowFlush  = "flush"
)

// State is the lifecycle state of a connection
type State uint8

const (
	StateConnected State = iota + 1
	StateStreaming
	StateFlushing
	StateDisconnected
)

// String returns a human-readable representation of the state
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateFlushing:
		return "flushing"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// MessageSource delivers messages from one transport connection.
// Next returns io.EOF once the peer has closed the connection normally.
type MessageSource interface {
	Next(ctx context.Context) (protocol.Message, error)
}

// Recorder persists accepted segments
type Recorder interface {
	Save(ctx context.Context, key string, samples []int16, at time.Time) (string, error)
}

// Notifier announces saved recordings
type Notifier interface {
	Notify(ctx context.Context, event notify.RecordingEvent) error
}

// Config holds session handler parameters
type Config struct {
	SampleRate     int
	OverflowPolicy string
}

// Stats represents handler statistics for monitoring
type Stats struct {
	ConnectionsTotal   uint64 `json:"connections_total"`
	ActiveConnections  int64  `json:"active_connections"`
	SegmentsFlushed    uint64 `json:"segments_flushed"`
	RecordingsSaved    uint64 `json:"recordings_saved"`
	NoiseDiscarded     uint64 `json:"noise_discarded"`
	EmptySegments      uint64 `json:"empty_segments"`
	SaveFailures       uint64 `json:"save_failures"`
	ChunksRejected     uint64 `json:"chunks_rejected"`
	NotificationErrors uint64 `json:"notification_errors"`
}

// Handler runs the session state machine for every connection of the listener
type Handler struct {
	config     Config
	logger     *slog.Logger
	store      *session.Store
	classifier *spectral.Classifier
	recorder   Recorder
	notifier   Notifier
	metrics    *metrics.Metrics

	now func() time.Time

	connectionsTotal   atomic.Uint64
	activeConnections  atomic.Int64
	segmentsFlushed    atomic.Uint64
	recordingsSaved    atomic.Uint64
	noiseDiscarded     atomic.Uint64
	emptySegments      atomic.Uint64
	saveFailures       atomic.Uint64
	chunksRejected     atomic.Uint64
	notificationErrors atomic.Uint64
}

// connection is the per-connection state owned by one Serve call
type connection struct {
	id          string
	transportID string
	key         string
	state       State
	connectedAt time.Time
	logger      *slog.Logger
}

// NewHandler creates a session handler. notifier may be nil.
func NewHandler(
	cfg Config,
	logger *slog.Logger,
	store *session.Store,
	classifier *spectral.Classifier,
	recorder Recorder,
	notifier Notifier,
	appMetrics *metrics.Metrics,
) (*Handler, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}

	switch cfg.OverflowPolicy {
	case "":
		cfg.OverflowPolicy = OverflowFlush
	case OverflowReject, OverflowFlush:
	default:
		return nil, fmt.Errorf("unknown overflow policy %q", cfg.OverflowPolicy)
	}

	if store == nil || classifier == nil || recorder == nil || appMetrics == nil {
		return nil, errors.New("store, classifier, recorder and metrics are required")
	}

	return &Handler{
		config:     cfg,
		logger:     logger,
		store:      store,
		classifier: classifier,
		recorder:   recorder,
		notifier:   notifier,
		metrics:    appMetrics,
		now:        time.Now,
	}, nil
}

// Serve runs the state machine for one connection until the source is exhausted,
// fails, or ctx is cancelled. The session is keyed by transportID until the node
// identifies itself. It returns nil on a normal close.
func (h *Handler) Serve(ctx context.Context, src MessageSource, transportID string) error {
	conn := &connection{
		id:          uuid.NewString(),
		transportID: transportID,
		key:         transportID,
		state:       StateConnected,
		connectedAt: time.Now(),
	}
	conn.logger = h.logger.With(
		slog.String("conn_id", conn.id),
		slog.String("transport", transportID),
	)

	h.store.Create(transportID)
	h.connectionsTotal.Add(1)
	h.activeConnections.Add(1)
	h.metrics.RecordConnectionOpened()

	conn.logger.Info("Sensor node connected")

	defer func() {
		h.setState(conn, StateDisconnected)
		released := h.store.Release(conn.key, conn.transportID)

		duration := time.Since(conn.connectedAt)
		h.activeConnections.Add(-1)
		h.metrics.RecordConnectionClosed(duration.Seconds())

		conn.logger.Info("Sensor node disconnected",
			slog.String("key", conn.key),
			slog.Bool("session_released", released),
			slog.Float64("duration", duration.Seconds()),
		)
	}()

	for {
		msg, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connection %s: %w", transportID, err)
		}

		switch msg.Kind {
		case protocol.KindBinary:
			h.handleAudio(ctx, conn, msg.Payload)
		case protocol.KindText:
			h.handleControl(ctx, conn, string(msg.Payload))
		default:
			conn.logger.Warn("Ignoring message of unknown kind",
				slog.String("kind", msg.Kind.String()),
			)
		}
	}
}

// Stats returns current handler statistics
func (h *Handler) Stats() Stats {
	return Stats{
		ConnectionsTotal:   h.connectionsTotal.Load(),
		ActiveConnections:  h.activeConnections.Load(),
		SegmentsFlushed:    h.segmentsFlushed.Load(),
		RecordingsSaved:    h.recordingsSaved.Load(),
		NoiseDiscarded:     h.noiseDiscarded.Load(),
		EmptySegments:      h.emptySegments.Load(),
		SaveFailures:       h.saveFailures.Load(),
		ChunksRejected:     h.chunksRejected.Load(),
		NotificationErrors: h.notificationErrors.Load(),
	}
}

func (h *Handler) handleAudio(ctx context.Context, conn *connection, data []byte) {
	h.metrics.RecordAudioChunk(len(data))
	h.setState(conn, StateStreaming)

	_, err := h.store.AppendAs(conn.key, conn.transportID, data)
	if err == nil {
		return
	}
	if !errors.Is(err, session.ErrSegmentFull) {
		conn.logger.Error("Failed to buffer audio chunk", slog.String("error", err.Error()))
		return
	}

	h.metrics.RecordOverflow(h.config.OverflowPolicy)

	if h.config.OverflowPolicy == OverflowFlush {
		conn.logger.Warn("Segment size limit reached, flushing early",
			slog.String("key", conn.key),
			slog.Int("chunk_size", len(data)),
		)
		h.flush(ctx, conn)
		h.setState(conn, StateStreaming)

		if _, err = h.store.AppendAs(conn.key, conn.transportID, data); err == nil {
			return
		}
	}

	h.chunksRejected.Add(1)
	conn.logger.Warn("Audio chunk dropped, segment size limit reached",
		slog.String("key", conn.key),
		slog.String("policy", h.config.OverflowPolicy),
		slog.Int("chunk_size", len(data)),
	)
}

func (h *Handler) handleControl(ctx context.Context, conn *connection, text string) {
	cmd := protocol.ParseControl(text)
	h.metrics.RecordControlMessage(cmd.Type.String())

	switch cmd.Type {
	case protocol.CommandIdentify:
		if cmd.Value == "" {
			conn.logger.Warn("Ignoring identification with empty id")
			return
		}
		if cmd.Value == conn.key {
			return
		}

		displaced := h.store.RekeyAs(conn.key, cmd.Value, conn.transportID)
		h.metrics.RecordRekey(displaced)

		if displaced > 0 {
			conn.logger.Warn("Identification replaced an existing session buffer",
				slog.String("old_key", conn.key),
				slog.String("new_key", cmd.Value),
				slog.Int("displaced_bytes", displaced),
			)
		} else {
			conn.logger.Info("Sensor node identified",
				slog.String("old_key", conn.key),
				slog.String("new_key", cmd.Value),
			)
		}
		conn.key = cmd.Value

	case protocol.CommandEnd:
		h.flush(ctx, conn)

	default:
		conn.logger.Info("Ignoring unrecognized text message",
			slog.String("key", conn.key),
			slog.String("text", text),
		)
	}
}

// flush takes the buffered segment, classifies it and saves it when tonal.
// Failures are logged and counted, never returned.
func (h *Handler) flush(ctx context.Context, conn *connection) {
	h.setState(conn, StateFlushing)
	defer h.setState(conn, StateConnected)

	h.segmentsFlushed.Add(1)

	data := h.store.TakeAndClear(conn.key)
	samples, dropped := audio.DecodePCM16(data)
	if dropped > 0 {
		h.metrics.RecordTruncation(dropped)
		conn.logger.Warn("Segment ended mid-sample, trailing bytes dropped",
			slog.String("key", conn.key),
			slog.Int("dropped_bytes", dropped),
		)
	}

	if len(samples) == 0 {
		h.emptySegments.Add(1)
		h.metrics.RecordFlush(metrics.OutcomeEmpty)
		conn.logger.Debug("Empty segment, nothing to classify", slog.String("key", conn.key))
		return
	}

	verdict := h.classifier.Classify(samples)
	h.metrics.RecordClassification(verdict.Duration.Seconds(), verdict.Flatness)

	if !verdict.Tonal {
		h.noiseDiscarded.Add(1)
		h.metrics.RecordFlush(metrics.OutcomeNoise)
		conn.logger.Info("Segment discarded as noise",
			slog.String("key", conn.key),
			slog.Float64("flatness", verdict.Flatness),
			slog.Float64("duration", verdict.Duration.Seconds()),
		)
		return
	}

	// A completed segment is written even while the listener shuts down;
	// Stop bounds how long it waits for this.
	ctx = context.WithoutCancel(ctx)

	savedAt := h.now()
	startTime := time.Now()
	path, err := h.recorder.Save(ctx, conn.key, samples, savedAt)
	if err != nil {
		h.saveFailures.Add(1)
		h.metrics.RecordFlush(metrics.OutcomeFailed)
		conn.logger.Error("Failed to save recording",
			slog.String("key", conn.key),
			slog.Int("samples", len(samples)),
			slog.String("error", err.Error()),
		)
		return
	}
	h.metrics.RecordRecordingWrite(time.Since(startTime).Seconds())
	h.metrics.RecordFlush(metrics.OutcomeSaved)
	h.recordingsSaved.Add(1)

	conn.logger.Info("Recording saved",
		slog.String("key", conn.key),
		slog.String("path", path),
		slog.Float64("flatness", verdict.Flatness),
		slog.Float64("duration", verdict.Duration.Seconds()),
	)

	if h.notifier == nil {
		return
	}

	event := notify.RecordingEvent{
		ClientID:        conn.key,
		Path:            path,
		Samples:         len(samples),
		SampleRate:      h.config.SampleRate,
		DurationSeconds: verdict.Duration.Seconds(),
		Flatness:        verdict.Flatness,
		SavedAt:         savedAt,
	}
	err = h.notifier.Notify(ctx, event)
	h.metrics.RecordNotification(err)
	if err != nil {
		h.notificationErrors.Add(1)
		conn.logger.Warn("Failed to publish recording notification",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Handler) setState(conn *connection, next State) {
	if conn.state == next {
		return
	}
	conn.logger.Debug("Connection state changed",
		slog.String("from", conn.state.String()),
		slog.String("to", next.String()),
	)
	conn.state = next
}
