/*
Package outbox provides loans.Publisher implementations.

PUBLISHERS:
  KafkaPublisher: one message per intent, topic <prefix>.<kind>, keyed by
                  transfer ID so a loan's intents stay ordered per partition.
  LogPublisher:   writes intents to the zap logger. Development default.

SEE ALSO:
  - loans/outbox.go: Dispatcher and CollaboratorPublisher
*/
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/warp/loan-engine/loans"
	"go.uber.org/zap"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig holds Kafka producer settings.
type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
}

// KafkaPublisher publishes intents to Kafka.
type KafkaPublisher struct {
	writer      messageWriter
	topicPrefix string
	logger      *zap.Logger
}

// NewKafkaPublisher creates a publisher writing to the given brokers.
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		BatchSize:              100,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, cfg.TopicPrefix, logger)
}

func newKafkaPublisher(w messageWriter, prefix string, logger *zap.Logger) *KafkaPublisher {
	if prefix == "" {
		prefix = "loans"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: w, topicPrefix: prefix, logger: logger}
}

// Topic returns the topic an intent kind is written to.
func (p *KafkaPublisher) Topic(kind loans.IntentKind) string {
	return p.topicPrefix + "." + string(kind)
}

// Publish writes the intent payload. The reference is topic/intent ID.
func (p *KafkaPublisher) Publish(ctx context.Context, in loans.Intent) (string, error) {
	msg := kafka.Message{
		Topic: p.Topic(in.Kind),
		Key:   []byte(in.TransferID),
		Value: in.Payload,
		Headers: []kafka.Header{
			{Key: "intent_id", Value: []byte(in.ID)},
			{Key: "intent_kind", Value: []byte(in.Kind)},
		},
		Time: in.CreatedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write %s intent to kafka: %w", in.Kind, err)
	}
	p.logger.Debug("intent published",
		zap.String("intent_id", string(in.ID)),
		zap.String("topic", msg.Topic),
	)
	return msg.Topic + "/" + string(in.ID), nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var _ loans.Publisher = (*KafkaPublisher)(nil)
