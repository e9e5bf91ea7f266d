package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Overflow policies applied when a segment reaches its size limit
const (
	OverflowReject = "reject"
	OverflowFlush  = "flush"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "AUDIO_INGEST_"

// Config represents the complete service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	HTTP       HTTPConfig       `yaml:"http"`
	Audio      AudioConfig      `yaml:"audio"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Recording  RecordingConfig  `yaml:"recording"`
	Notify     NotifyConfig     `yaml:"notify"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains WebSocket ingestion listener configuration
type ServerConfig struct {
	BindAddress    string `yaml:"bind_address"`
	Port           int    `yaml:"port"`
	ReadBufferSize int    `yaml:"read_buffer_size"` // bytes
	MaxMessageSize int64  `yaml:"max_message_size"` // bytes, 0 = unlimited
	IdleTimeout    int    `yaml:"idle_timeout"`     // seconds, 0 = none
}

// HTTPConfig contains monitoring HTTP API configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains audio stream parameters
type AudioConfig struct {
	SampleRate        int     `yaml:"sample_rate"`
	Channels          int     `yaml:"channels"`
	BitDepth          int     `yaml:"bit_depth"`
	MaxSegmentSeconds float64 `yaml:"max_segment_seconds"` // 0 = unlimited
	OverflowPolicy    string  `yaml:"overflow_policy"`
}

// ClassifierConfig contains the tonal/noise gate parameters
type ClassifierConfig struct {
	FlatnessThreshold float64 `yaml:"flatness_threshold"`
}

// RecordingConfig contains persistence parameters
type RecordingConfig struct {
	Directory string `yaml:"directory"`
	Format    string `yaml:"format"`
}

// NotifyConfig contains MQTT notification configuration
type NotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
	Timeout  int    `yaml:"timeout"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:    "0.0.0.0",
			Port:           8765,
			ReadBufferSize: 4096,
			MaxMessageSize: 1 << 20,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Audio: AudioConfig{
			SampleRate:        16000,
			Channels:          1,
			BitDepth:          16,
			MaxSegmentSeconds: 300,
			OverflowPolicy:    OverflowFlush,
		},
		Classifier: ClassifierConfig{
			FlatnessThreshold: 0.56,
		},
		Recording: RecordingConfig{
			Directory: "recordings",
			Format:    "flac",
		},
		Notify: NotifyConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "audio-ingest",
			Topic:    "recordings/{client_id}/saved",
			QoS:      1,
			Timeout:  5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file over the defaults, applies environment
// overrides and validates the result. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("environment override: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides deployment-specific values from AUDIO_INGEST_* variables
func (c *Config) ApplyEnv() error {
	stringVars := map[string]*string{
		"BIND_ADDRESS":   &c.Server.BindAddress,
		"RECORDINGS_DIR": &c.Recording.Directory,
		"MQTT_BROKER":    &c.Notify.Broker,
		"MQTT_USERNAME":  &c.Notify.Username,
		"MQTT_PASSWORD":  &c.Notify.Password,
		"LOG_LEVEL":      &c.Logging.Level,
	}
	for name, target := range stringVars {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*target = strings.TrimSpace(v)
		}
	}

	if v, ok := os.LookupEnv(EnvPrefix + "PORT"); ok {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sPORT: %w", EnvPrefix, err)
		}
		c.Server.Port = port
	}

	if v, ok := os.LookupEnv(EnvPrefix + "NOTIFY_ENABLED"); ok {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sNOTIFY_ENABLED: %w", EnvPrefix, err)
		}
		c.Notify.Enabled = enabled
	}

	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if c.HTTP.Enabled && c.HTTP.Port == c.Server.Port && c.HTTP.Address == c.Server.BindAddress {
		return fmt.Errorf("http config: port %d is already used by the ingestion listener", c.HTTP.Port)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Classifier.Validate(); err != nil {
		return fmt.Errorf("classifier config: %w", err)
	}

	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}

	if err := c.Notify.Validate(); err != nil {
		return fmt.Errorf("notify config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates listener configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.ReadBufferSize < 512 {
		return fmt.Errorf("read_buffer_size must be at least 512 bytes, got %d", s.ReadBufferSize)
	}

	if s.MaxMessageSize < 0 {
		return fmt.Errorf("max_message_size cannot be negative, got %d", s.MaxMessageSize)
	}

	if s.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", s.IdleTimeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz for sensor node streams, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.MaxSegmentSeconds < 0 {
		return fmt.Errorf("max_segment_seconds cannot be negative, got %f", a.MaxSegmentSeconds)
	}

	if a.OverflowPolicy != OverflowReject && a.OverflowPolicy != OverflowFlush {
		return fmt.Errorf("overflow_policy must be '%s' or '%s', got '%s'", OverflowReject, OverflowFlush, a.OverflowPolicy)
	}

	return nil
}

// Validate validates classifier configuration
func (c *ClassifierConfig) Validate() error {
	if c.FlatnessThreshold <= 0 || c.FlatnessThreshold > 1 {
		return fmt.Errorf("flatness_threshold must be in (0, 1], got %f", c.FlatnessThreshold)
	}

	return nil
}

// Validate validates recording configuration
func (r *RecordingConfig) Validate() error {
	if r.Directory == "" {
		return fmt.Errorf("directory cannot be empty")
	}

	validFormats := map[string]bool{"flac": true, "wav": true}
	if !validFormats[r.Format] {
		return fmt.Errorf("format must be 'flac' or 'wav', got '%s'", r.Format)
	}

	return nil
}

// Validate validates notification configuration
func (n *NotifyConfig) Validate() error {
	if !n.Enabled {
		return nil
	}

	if n.Broker == "" {
		return fmt.Errorf("broker cannot be empty when notifications are enabled")
	}

	if n.ClientID == "" {
		return fmt.Errorf("client_id cannot be empty when notifications are enabled")
	}

	if n.Topic == "" {
		return fmt.Errorf("topic cannot be empty when notifications are enabled")
	}

	if n.QoS < 0 || n.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", n.QoS)
	}

	if n.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", n.Timeout)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output may be stdout, stderr or a file path
	return nil
}

// GetIdleTimeoutDuration returns the idle timeout as a time.Duration
func (s *ServerConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetMaxSegmentBytes returns the segment size limit in bytes, 0 meaning unlimited
func (a *AudioConfig) GetMaxSegmentBytes() int {
	return int(a.MaxSegmentSeconds * float64(a.SampleRate*a.Channels*a.BitDepth/8))
}

// GetTimeoutDuration returns the notification timeout as a time.Duration
func (n *NotifyConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(n.Timeout) * time.Second
}
