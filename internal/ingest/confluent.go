package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// consumer abstracts ck.Consumer for testability.
type consumer interface {
	SubscribeTopics(topics []string, rebalanceCb ck.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*ck.Message, error)
	CommitMessage(m *ck.Message) ([]ck.TopicPartition, error)
	Close() error
}

// ConfluentSource consumes with librdkafka in read_committed isolation, so
// events from aborted producer transactions are never projected. Offsets are
// committed manually after each handled event.
type ConfluentSource struct {
	c       consumer
	topic   string
	poll    time.Duration
	logger  *slog.Logger
}

func NewConfluentSource(bootstrap, topic, groupID string, logger *slog.Logger) (*ConfluentSource, error) {
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"group.id":           groupID,
		"enable.auto.commit": false,
		"isolation.level":    "read_committed",
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}
	return NewConfluentSourceWith(c, topic, logger), nil
}

// NewConfluentSourceWith is only for tests to inject a fake consumer.
func NewConfluentSourceWith(c consumer, topic string, logger *slog.Logger) *ConfluentSource {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ConfluentSource{c: c, topic: topic, poll: time.Second, logger: logger}
}

func isTimeout(err error) bool {
	var kerr ck.Error
	return errors.As(err, &kerr) && kerr.IsTimeout()
}

// Run polls until ctx is cancelled, which returns nil.
func (s *ConfluentSource) Run(ctx context.Context, h Handler) error {
	defer s.c.Close()
	if err := s.c.SubscribeTopics([]string{s.topic}, nil); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	for ctx.Err() == nil {
		msg, err := s.c.ReadMessage(s.poll)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		if err := h.Deliver(ctx, msg.Value); err != nil {
			s.logger.Error("event not handled; leaving offset uncommitted",
				"partition", msg.TopicPartition.Partition, "offset", msg.TopicPartition.Offset, "error", err)
			return fmt.Errorf("handle %s: %w", msg.TopicPartition, err)
		}
		if _, err := s.c.CommitMessage(msg); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	return nil
}
