package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/firefly-cmu/Audio-Biodiversity/internal/config"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/ingest"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/metrics"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/session"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/spectral"
)

const (
	serviceName    = "audio-ingest"
	serviceVersion = "1.0.0"
)

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server     *http.Server
	listener   net.Listener
	router     chi.Router
	logger     *slog.Logger
	config     *config.Config
	store      *session.Store
	handler    *ingest.Handler
	classifier *spectral.Classifier
	wsServer   *WSServer
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger, store *session.Store,
	handler *ingest.Handler, classifier *spectral.Classifier, wsServer *WSServer,
	m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		store:      store,
		handler:    handler,
		classifier: classifier,
		wsServer:   wsServer,
		metrics:    m,
		gatherer:   gatherer,
		startTime:  time.Now(),
	}

	h.router = h.routes()
	h.server = &http.Server{
		Addr:         net.JoinHostPort(appConfig.HTTP.Address, strconv.Itoa(appConfig.HTTP.Port)),
		Handler:      h.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// routes configures HTTP API routes
func (h *HTTPServer) routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.withMetrics("/", h.handleRoot))
	r.Get("/health", h.withMetrics("/health", h.handleHealth))
	r.Get("/sessions", h.withMetrics("/sessions", h.handleSessions))
	r.Get("/sessions/{key}", h.withMetrics("/sessions/{key}", h.handleSessionDetail))
	r.Get("/stats", h.withMetrics("/stats", h.handleStats))
	r.Get("/config", h.withMetrics("/config", h.handleConfig))

	// No request metrics for the metrics endpoint itself
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	return r
}

// Handler returns the router, for embedding or testing
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the HTTP listener and serves in the background
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.listener = listener

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound listener address, or an empty string before Start
func (h *HTTPServer) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode HTTP response", slog.String("error", err.Error()))
	}
}

func (h *HTTPServer) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	wsStats := h.wsServer.GetStatistics()
	handlerStats := h.handler.Stats()

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]any{
			"ws_server": map[string]any{
				"status":             "running",
				"active_connections": wsStats.ActiveConnections,
				"messages_received":  wsStats.MessagesReceived,
			},
			"session_store": map[string]any{
				"status":          "running",
				"active_sessions": h.store.Len(),
				"buffered_bytes":  h.store.BufferedBytes(),
			},
			"recorder": map[string]any{
				"status":           "running",
				"recordings_saved": handlerStats.RecordingsSaved,
				"save_failures":    handlerStats.SaveFailures,
			},
		},
	}

	h.writeJSON(w, http.StatusOK, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.store.Snapshot()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Key < sessions[j].Key })

	h.writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleSessionDetail implements the /sessions/{key} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		h.writeError(w, http.StatusBadRequest, "session key required")
		return
	}

	info, exists := h.store.Get(key)
	if !exists {
		h.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	h.writeJSON(w, http.StatusOK, info)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime":     time.Since(h.startTime).String(),
		"timestamp":  time.Now().UTC(),
		"websocket":  h.wsServer.GetStatistics(),
		"segments":   h.handler.Stats(),
		"classifier": h.classifier.Stats(),
		"sessions": map[string]any{
			"active_count":   h.store.Len(),
			"buffered_bytes": h.store.BufferedBytes(),
		},
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	// MQTT credentials are never exposed
	sanitizedConfig := map[string]any{
		"server": map[string]any{
			"bind_address":     h.config.Server.BindAddress,
			"port":             h.config.Server.Port,
			"read_buffer_size": h.config.Server.ReadBufferSize,
			"max_message_size": h.config.Server.MaxMessageSize,
			"idle_timeout":     h.config.Server.IdleTimeout,
		},
		"audio": map[string]any{
			"sample_rate":         h.config.Audio.SampleRate,
			"channels":            h.config.Audio.Channels,
			"bit_depth":           h.config.Audio.BitDepth,
			"max_segment_seconds": h.config.Audio.MaxSegmentSeconds,
			"overflow_policy":     h.config.Audio.OverflowPolicy,
		},
		"classifier": map[string]any{
			"flatness_threshold": h.config.Classifier.FlatnessThreshold,
		},
		"recording": map[string]any{
			"directory": h.config.Recording.Directory,
			"format":    h.config.Recording.Format,
		},
		"notify": map[string]any{
			"enabled":   h.config.Notify.Enabled,
			"broker":    h.config.Notify.Broker,
			"client_id": h.config.Notify.ClientID,
			"topic":     h.config.Notify.Topic,
			"qos":       h.config.Notify.QoS,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	h.writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]any{
		"service": "Audio Biodiversity Ingestion Service",
		"version": serviceVersion,
		"endpoints": map[string]any{
			"GET /":               "API documentation",
			"GET /health":         "Service health check",
			"GET /sessions":       "List all active sessions",
			"GET /sessions/{key}": "Get detailed session information",
			"GET /config":         "Get service configuration",
			"GET /stats":          "Get service statistics",
			"GET /metrics":        "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	h.writeJSON(w, http.StatusOK, apiDoc)
}
