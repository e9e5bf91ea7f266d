package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/firefly-cmu/Audio-Biodiversity/internal/config"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/ingest"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/protocol"
)

// WSServer accepts WebSocket connections from sensor nodes on any path
type WSServer struct {
	config   *config.ServerConfig
	logger   *slog.Logger
	handler  *ingest.Handler
	upgrader websocket.Upgrader

	server   *http.Server
	listener net.Listener

	// Concurrency management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	conns   map[*websocket.Conn]struct{}
	closing bool

	// Statistics
	connectionsAccepted uint64
	upgradeFailures     uint64
	messagesReceived    uint64
	bytesReceived       uint64
	connectionErrors    uint64
	mu                  sync.RWMutex
}

// NewWSServer creates a new ingestion listener
func NewWSServer(cfg *config.ServerConfig, logger *slog.Logger, handler *ingest.Handler) *WSServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &WSServer{
		config:  cfg,
		logger:  logger,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: 1024,
			// Sensor nodes are not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting connections
func (s *WSServer) Start() error {
	addr := net.JoinHostPort(s.config.BindAddress, fmt.Sprintf("%d", s.config.Port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("WebSocket server started",
		slog.String("address", listener.Addr().String()),
		slog.Int("read_buffer_size", s.config.ReadBufferSize),
		slog.Int64("max_message_size", s.config.MaxMessageSize),
		slog.Duration("idle_timeout", s.config.GetIdleTimeoutDuration()),
	)

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("WebSocket server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound listener address, or an empty string before Start
func (s *WSServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops accepting connections, closes live ones and waits for their
// handlers to finish or ctx to expire. A handler already flushing a completed
// segment saves it before returning.
func (s *WSServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping WebSocket server...")

	s.mu.Lock()
	s.closing = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	s.cancel()

	var stopErr error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			stopErr = fmt.Errorf("failed to shut down listener: %w", err)
		}
	}

	closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		if err := conn.Close(); err != nil {
			s.logger.Debug("Error closing connection", slog.String("error", err.Error()))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for connection handlers: %w", ctx.Err())
	}

	stats := s.GetStatistics()
	s.logger.Info("WebSocket server stopped",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("messages_received", stats.MessagesReceived),
		slog.Uint64("bytes_received", stats.BytesReceived),
		slog.Uint64("connection_errors", stats.ConnectionErrors),
	)

	return stopErr
}

// ServeHTTP upgrades the request and runs the session handler until the connection ends
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.mu.Lock()
		s.upgradeFailures++
		s.mu.Unlock()

		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		return
	}

	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)

	if s.config.MaxMessageSize > 0 {
		conn.SetReadLimit(s.config.MaxMessageSize)
	}

	transportID := conn.RemoteAddr().String()
	src := &wsSource{
		conn:        conn,
		idleTimeout: s.config.GetIdleTimeoutDuration(),
		server:      s,
	}

	if err := s.handler.Serve(s.ctx, src, transportID); err != nil {
		s.mu.Lock()
		s.connectionErrors++
		s.mu.Unlock()

		s.logger.Warn("Connection closed with error",
			slog.String("transport", transportID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *WSServer) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}

	s.conns[conn] = struct{}{}
	s.connectionsAccepted++
	s.wg.Add(1)
	return true
}

func (s *WSServer) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()

	conn.Close()
	s.wg.Done()
}

func (s *WSServer) recordMessage(size int) {
	s.mu.Lock()
	s.messagesReceived++
	s.bytesReceived += uint64(size)
	s.mu.Unlock()
}

// GetStatistics returns current server statistics
func (s *WSServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStatistics{
		ConnectionsAccepted: s.connectionsAccepted,
		ActiveConnections:   uint64(len(s.conns)),
		UpgradeFailures:     s.upgradeFailures,
		MessagesReceived:    s.messagesReceived,
		BytesReceived:       s.bytesReceived,
		ConnectionErrors:    s.connectionErrors,
	}
}

// ServerStatistics represents listener performance metrics
type ServerStatistics struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ActiveConnections   uint64 `json:"active_connections"`
	UpgradeFailures     uint64 `json:"upgrade_failures"`
	MessagesReceived    uint64 `json:"messages_received"`
	BytesReceived       uint64 `json:"bytes_received"`
	ConnectionErrors    uint64 `json:"connection_errors"`
}

// wsSource adapts a WebSocket connection to ingest.MessageSource
type wsSource struct {
	conn        *websocket.Conn
	idleTimeout time.Duration
	server      *WSServer
}

// Next blocks on the connection. Cancellation is delivered by closing the connection.
func (w *wsSource) Next(ctx context.Context) (protocol.Message, error) {
	if w.idleTimeout > 0 {
		if err := w.conn.SetReadDeadline(time.Now().Add(w.idleTimeout)); err != nil {
			return protocol.Message{}, err
		}
	}

	msgType, data, err := w.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return protocol.Message{}, io.EOF
		}
		return protocol.Message{}, err
	}

	w.server.recordMessage(len(data))

	kind := protocol.KindBinary
	if msgType == websocket.TextMessage {
		kind = protocol.KindText
	}

	return protocol.Message{Kind: kind, Payload: data}, nil
}
