// Package kafka exports stored changes to a Kafka topic for downstream
// consumers such as push notification workers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	k "github.com/segmentio/kafka-go"

	"github.com/edgeee/chatsync/messaging"
)

// Record is the value of every exported Kafka message.
type Record struct {
	Kind       messaging.ChangeKind `json:"kind"`
	ChatID     string               `json:"chatId"`
	Members    []string             `json:"members"`
	MessageID  string               `json:"messageId,omitempty"`
	MessageIDs []string             `json:"messageIds,omitempty"`
	UserID     string               `json:"userId,omitempty"`
	Message    *messaging.Message   `json:"message,omitempty"`
	At         time.Time            `json:"at"`
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...k.Message) error
	Close() error
}

// Publisher writes changes to a topic. Records are keyed by chat so that the
// changes of one chat keep their order within a partition.
type Publisher struct {
	w      writer
	logger *slog.Logger
}

// NewPublisher returns an asynchronous Publisher for topic.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	w := &k.Writer{
		Addr:         k.TCP(brokers...),
		Topic:        topic,
		Balancer:     &k.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: k.RequireOne,
		Async:        true,
		Completion: func(msgs []k.Message, err error) {
			if err != nil {
				logger.Error("Could not export changes", "count", len(msgs), "error", err.Error())
			}
		},
	}
	return &Publisher{w: w, logger: logger}
}

// Notify implements messaging.Notifier.
func (p *Publisher) Notify(ctx context.Context, c messaging.Change) {
	msg, err := encode(c)
	if err != nil {
		p.logger.Error("Could not encode change", "kind", c.Kind, "error", err.Error())
		return
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Could not export change", "kind", c.Kind, "chat_id", c.Chat.ID, "error", err.Error())
	}
}

// Close flushes pending records.
func (p *Publisher) Close() error { return p.w.Close() }

func encode(c messaging.Change) (k.Message, error) {
	rec := Record{
		Kind:       c.Kind,
		ChatID:     c.Chat.ID,
		Members:    c.Chat.Members,
		MessageIDs: c.MessageIDs,
		UserID:     c.UserID,
		At:         c.At.UTC(),
	}
	if c.Kind != messaging.ChangeRead {
		m := c.Message
		rec.MessageID = m.ID
		rec.Message = &m
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return k.Message{}, fmt.Errorf("marshal record: %w", err)
	}
	return k.Message{
		Key:     []byte(c.Chat.ID),
		Value:   b,
		Time:    rec.At,
		Headers: []k.Header{{Key: "kind", Value: []byte(c.Kind)}},
	}, nil
}
