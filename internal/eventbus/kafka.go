// ABOUTME: Publishes committed events to a Kafka topic with segmentio/kafka-go
// ABOUTME: Messages are JSON, keyed by agent/session to keep per-session order

package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/2389/sessiongate/internal/state"
	"github.com/2389/sessiongate/internal/store"
)

// KafkaConfig configures a KafkaPublisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per committed event.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// NewKafkaPublisher creates an asynchronous publisher. Delivery failures are
// logged and do not affect the append that produced the event.
func NewKafkaPublisher(cfg KafkaConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kafka", "topic", cfg.Topic)

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 100 * time.Millisecond
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: batchTimeout,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("failed to deliver events", "count", len(messages), "error", err)
			}
		},
	}
	return newKafkaPublisher(w, cfg.Topic, logger), nil
}

func newKafkaPublisher(w messageWriter, topic string, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, logger: logger}
}

// eventMessage is the JSON body of a published event.
type eventMessage struct {
	AgentID      string          `json:"agent_id"`
	SessionID    string          `json:"session_id"`
	EventID      int64           `json:"event_id"`
	InvocationID string          `json:"invocation_id"`
	Author       store.Author    `json:"author"`
	Content      store.Content   `json:"content"`
	StateDelta   json.RawMessage `json:"state_delta,omitempty"`
	Replace      bool            `json:"replace,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

func encodeMessage(event *store.Event) (kafka.Message, error) {
	body := eventMessage{
		AgentID:      event.AgentID,
		SessionID:    event.SessionID,
		EventID:      event.ID,
		InvocationID: event.InvocationID,
		Author:       event.Author,
		Content:      event.Content,
		Replace:      event.Replace,
		Timestamp:    event.Timestamp,
	}
	if event.StateDelta != nil {
		delta, err := state.Encode(event.StateDelta)
		if err != nil {
			return kafka.Message{}, err
		}
		body.StateDelta = delta
	}
	value, err := json.Marshal(body)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encoding event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(SessionKey(event.AgentID, event.SessionID)),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "author", Value: []byte(event.Author)},
			{Key: "event_id", Value: []byte(strconv.FormatInt(event.ID, 10))},
		},
	}, nil
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, event *store.Event) {
	msg, err := encodeMessage(event)
	if err != nil {
		p.logger.Error("failed to encode event", "session_id", event.SessionID, "event_id", event.ID, "error", err)
		return
	}
	if err := p.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		p.logger.Warn("failed to queue event", "session_id", event.SessionID, "event_id", event.ID, "error", err)
	}
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
