package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/firefly-cmu/Audio-Biodiversity/internal/audio"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/config"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/ingest"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/metrics"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/notify"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/recorder"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/server"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/session"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/spectral"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "audio-ingest"
	serviceVersion    = "1.0.0"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Credentials are deliberately left out
	logger.Info("Configuration loaded",
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("port", cfg.Server.Port),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Float64("max_segment_seconds", cfg.Audio.MaxSegmentSeconds),
		slog.String("overflow_policy", cfg.Audio.OverflowPolicy),
		slog.Float64("flatness_threshold", cfg.Classifier.FlatnessThreshold),
		slog.String("recordings_dir", cfg.Recording.Directory),
		slog.String("recording_format", cfg.Recording.Format),
		slog.Bool("notify_enabled", cfg.Notify.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	store := session.NewStore(logger, cfg.Audio.GetMaxSegmentBytes())

	classifier, err := spectral.NewClassifier(cfg.Classifier.FlatnessThreshold, cfg.Audio.SampleRate)
	if err != nil {
		logger.Error("Failed to create classifier", slog.String("error", err.Error()))
		os.Exit(1)
	}

	encoder, err := audio.NewEncoder(cfg.Recording.Format)
	if err != nil {
		logger.Error("Failed to create encoder", slog.String("error", err.Error()))
		os.Exit(1)
	}

	fileRecorder, err := recorder.NewFileRecorder(cfg.Recording.Directory, encoder, cfg.Audio.SampleRate, logger)
	if err != nil {
		logger.Error("Failed to create recorder", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Recorder initialized",
		slog.String("directory", fileRecorder.Root()),
		slog.String("format", encoder.Extension()),
	)

	var (
		notifier   ingest.Notifier
		mqttClient mqtt.Client
	)
	if cfg.Notify.Enabled {
		notifyConfig := notify.Config{
			Broker:       cfg.Notify.Broker,
			ClientID:     cfg.Notify.ClientID,
			Username:     cfg.Notify.Username,
			Password:     cfg.Notify.Password,
			TopicPattern: cfg.Notify.Topic,
			QoS:          byte(cfg.Notify.QoS),
			Timeout:      cfg.Notify.GetTimeoutDuration(),
		}

		// The broker being down at startup is not fatal; paho keeps retrying
		mqttClient, err = notify.Connect(notifyConfig, logger)
		if err != nil {
			logger.Warn("MQTT broker unavailable, notifications will be retried",
				slog.String("broker", cfg.Notify.Broker),
				slog.String("error", err.Error()),
			)
		}
		notifier = notify.NewMQTTNotifier(mqttClient, notifyConfig)
		logger.Info("Recording notifications enabled",
			slog.String("broker", cfg.Notify.Broker),
			slog.String("topic", cfg.Notify.Topic),
		)
	}

	handler, err := ingest.NewHandler(ingest.Config{
		SampleRate:     cfg.Audio.SampleRate,
		OverflowPolicy: cfg.Audio.OverflowPolicy,
	}, logger, store, classifier, fileRecorder, notifier, appMetrics)
	if err != nil {
		logger.Error("Failed to create session handler", slog.String("error", err.Error()))
		os.Exit(1)
	}

	wsServer := server.NewWSServer(&cfg.Server, logger, handler)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg, logger, store, handler, classifier, wsServer, appMetrics, registry)
	}

	if err := wsServer.Start(); err != nil {
		logger.Error("Failed to start WebSocket server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("ws_address", wsServer.Addr()),
	)

	<-ctx.Done()
	logger.Info("Received shutdown signal, starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(shutdownCtx)
	g.Go(func() error {
		if err := wsServer.Stop(gctx); err != nil {
			return fmt.Errorf("websocket server: %w", err)
		}
		return nil
	})
	if httpServer != nil {
		g.Go(func() error {
			if err := httpServer.Stop(gctx); err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("Error during shutdown", slog.String("error", err.Error()))
	}

	// Handlers have finished, so no further notifications are pending
	if mqttClient != nil {
		mqttClient.Disconnect(250)
	}

	stats := wsServer.GetStatistics()
	segments := handler.Stats()
	logger.Info("Final server statistics",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("messages_received", stats.MessagesReceived),
		slog.Uint64("segments_flushed", segments.SegmentsFlushed),
		slog.Uint64("recordings_saved", segments.RecordingsSaved),
		slog.Uint64("noise_discarded", segments.NoiseDiscarded),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Anything else is a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
