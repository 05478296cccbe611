// Package notify delivers user notifications. Delivery is fire-and-forget:
// callers log a failed Dispatch and move on.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type Payload struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link,omitempty"`
	PlaySound bool      `json:"play_sound"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, userID uuid.UUID, p Payload) error
}

// LogDispatcher writes notifications to the log. Used when no broker is
// configured.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Dispatch(ctx context.Context, userID uuid.UUID, p Payload) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification", "user_id", userID, "type", p.Type, "title", p.Title, "link", p.Link)
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaDispatcher publishes notifications to a Kafka topic keyed by user id,
// for the push/SSE service to fan out. The writer is asynchronous: Dispatch
// only queues the message, and delivery failures are reported by onFailed.
type KafkaDispatcher struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaDispatcher builds an asynchronous dispatcher. onFailed, if set, is
// called once per message the writer gave up on.
func NewKafkaDispatcher(brokers []string, topic string, logger *slog.Logger, onFailed func()) *KafkaDispatcher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Async:                  true,
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            3,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
		Completion:             completion(logger, onFailed),
	}
	return &KafkaDispatcher{writer: w, timeout: 5 * time.Second}
}

func completion(logger *slog.Logger, onFailed func()) func([]kafka.Message, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(msgs []kafka.Message, err error) {
		if err == nil {
			return
		}
		for _, m := range msgs {
			logger.Warn("notification not delivered", "user_id", string(m.Key), "error", err)
			if onFailed != nil {
				onFailed()
			}
		}
	}
}

type envelope struct {
	UserID  uuid.UUID `json:"user_id"`
	Payload Payload   `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, userID uuid.UUID, p Payload) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	data, err := json.Marshal(envelope{UserID: userID, Payload: p, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.writer.WriteMessages(ctx, kafka.Message{Key: []byte(userID.String()), Value: data}); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (d *KafkaDispatcher) Close() error {
	if c, ok := d.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
