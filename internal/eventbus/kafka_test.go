package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sessiongate/internal/state"
	"github.com/2389/sessiongate/internal/store"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestEncodeMessage(t *testing.T) {
	ts := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	msg, err := encodeMessage(&store.Event{
		AgentID:      "agent-1",
		SessionID:    "s1",
		ID:           3,
		InvocationID: "e-1",
		Author:       store.AuthorAgent,
		Content:      store.Content{Role: "model", Text: "hi"},
		StateDelta:   state.State{"k": state.Int(1)},
		Timestamp:    ts,
	})
	require.NoError(t, err)

	assert.Equal(t, "agent-1/s1", string(msg.Key))
	assert.Equal(t, ts, msg.Time)
	assert.JSONEq(t, `{
		"agent_id": "agent-1",
		"session_id": "s1",
		"event_id": 3,
		"invocation_id": "e-1",
		"author": "agent",
		"content": {"role": "model", "text": "hi"},
		"state_delta": {"k": 1},
		"timestamp": "2026-02-03T04:05:06Z"
	}`, string(msg.Value))

	var headers = map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{"author": "agent", "event_id": "3"}, headers)
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "events", slog.Default())

	p.Publish(context.Background(), makeEvent(1, "agent-1", "s1"))
	p.Publish(context.Background(), makeEvent(2, "agent-1", "s1"))
	require.Len(t, w.msgs, 2)

	var body eventMessage
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &body))
	assert.Equal(t, int64(2), body.EventID)
	assert.Nil(t, body.StateDelta)

	// write errors are logged, not propagated
	w.err = errors.New("broker down")
	p.Publish(context.Background(), makeEvent(3, "agent-1", "s1"))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "t"}, nil)
	assert.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}, nil)
	assert.Error(t, err)

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Close())
}
