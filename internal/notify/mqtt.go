package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ClientIDPlaceholder is replaced with the sensor node id in topic patterns
const ClientIDPlaceholder = "{client_id}"

// RecordingEvent describes a recording that was written to disk
type RecordingEvent struct {
	ClientID        string    `json:"client_id"`
	Path            string    `json:"path"`
	Samples         int       `json:"samples"`
	SampleRate      int       `json:"sample_rate"`
	DurationSeconds float64   `json:"duration_seconds"`
	Flatness        float64   `json:"flatness"`
	SavedAt         time.Time `json:"saved_at"`
}

// Publisher is the subset of the paho client used for publishing
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Config holds MQTT notifier configuration
type Config struct {
	Broker       string
	ClientID     string
	Username     string
	Password     string
	TopicPattern string // e.g. "recordings/{client_id}/saved"
	QoS          byte
	Timeout      time.Duration
}

// MQTTNotifier publishes RecordingEvents as JSON
type MQTTNotifier struct {
	publisher    Publisher
	topicPattern string
	qos          byte
	timeout      time.Duration
}

// NewMQTTNotifier creates a notifier on top of an existing publisher
func NewMQTTNotifier(publisher Publisher, cfg Config) *MQTTNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &MQTTNotifier{
		publisher:    publisher,
		topicPattern: cfg.TopicPattern,
		qos:          cfg.QoS,
		timeout:      timeout,
	}
}

// Notify publishes the event and waits for the broker acknowledgement, the
// notifier timeout or ctx, whichever comes first
func (n *MQTTNotifier) Notify(ctx context.Context, event RecordingEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal recording event: %w", err)
	}

	topic := FormatTopic(n.topicPattern, event.ClientID)
	token := n.publisher.Publish(topic, n.qos, false, payload)

	timer := time.NewTimer(n.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", topic, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("timed out publishing to %s after %s", topic, n.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FormatTopic replaces the client id placeholder. MQTT wildcard and separator
// characters in the id are replaced so a node cannot address other topics.
func FormatTopic(pattern, clientID string) string {
	safe := strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(clientID)
	return strings.ReplaceAll(pattern, ClientIDPlaceholder, safe)
}

// Connect creates a paho client and connects it to the broker. The client is
// returned even when the first attempt fails or times out: it keeps retrying in
// the background and queues publishes until connected.
func Connect(cfg Config, logger *slog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("MQTT connection established", slog.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost",
			slog.String("broker", cfg.Broker),
			slog.String("error", err.Error()),
		)
	})

	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return client, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return client, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	return client, nil
}
