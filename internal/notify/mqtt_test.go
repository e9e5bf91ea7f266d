package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeToken is a completed or pending mqtt.Token
type fakeToken struct {
	done chan struct{}
	err  error
}

func newFakeToken(complete bool, err error) *fakeToken {
	tok := &fakeToken{done: make(chan struct{}), err: err}
	if complete {
		close(tok.done)
	}
	return tok
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type publishCall struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	calls []publishCall
	token mqtt.Token
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.calls = append(p.calls, publishCall{topic: topic, qos: qos, payload: payload.([]byte)})
	return p.token
}

func testEvent() RecordingEvent {
	return RecordingEvent{
		ClientID:        "finch01",
		Path:            "recordings/finch01/recording_20250517_063015.flac",
		Samples:         16000,
		SampleRate:      16000,
		DurationSeconds: 1,
		Flatness:        0.02,
		SavedAt:         time.Date(2025, 5, 17, 6, 30, 15, 0, time.UTC),
	}
}

func TestNotifyPublishesJSON(t *testing.T) {
	pub := &fakePublisher{token: newFakeToken(true, nil)}
	n := NewMQTTNotifier(pub, Config{TopicPattern: "recordings/{client_id}/saved", QoS: 1})

	require.NoError(t, n.Notify(context.Background(), testEvent()))

	require.Len(t, pub.calls, 1)
	assert.Equal(t, "recordings/finch01/saved", pub.calls[0].topic)
	assert.Equal(t, byte(1), pub.calls[0].qos)

	var got RecordingEvent
	require.NoError(t, json.Unmarshal(pub.calls[0].payload, &got))
	assert.Equal(t, testEvent(), got)
}

func TestNotifyPublishError(t *testing.T) {
	pub := &fakePublisher{token: newFakeToken(true, errors.New("not connected"))}
	n := NewMQTTNotifier(pub, Config{TopicPattern: "x/{client_id}"})

	err := n.Notify(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestNotifyTimeout(t *testing.T) {
	pub := &fakePublisher{token: newFakeToken(false, nil)}
	n := NewMQTTNotifier(pub, Config{TopicPattern: "x/{client_id}", Timeout: 20 * time.Millisecond})

	err := n.Notify(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestNotifyContextCancelled(t *testing.T) {
	pub := &fakePublisher{token: newFakeToken(false, nil)}
	n := NewMQTTNotifier(pub, Config{TopicPattern: "x/{client_id}", Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, n.Notify(ctx, testEvent()), context.Canceled)
}

func TestFormatTopic(t *testing.T) {
	assert.Equal(t, "recordings/finch01/saved", FormatTopic("recordings/{client_id}/saved", "finch01"))
	assert.Equal(t, "recordings/a_b_c_/saved", FormatTopic("recordings/{client_id}/saved", "a/b+c#"))
	assert.Equal(t, "static/topic", FormatTopic("static/topic", "finch01"))
}
