package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// groupReader abstracts kafka.Reader for testability.
type groupReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SegmentioSource consumes a topic through a kafka-go consumer group and
// commits each offset once its event has been handled.
type SegmentioSource struct {
	reader groupReader
	logger *slog.Logger
}

func NewSegmentioSource(brokers []string, topic, groupID string, logger *slog.Logger) *SegmentioSource {
	return NewSegmentioSourceWith(kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	}), logger)
}

// NewSegmentioSourceWith is only for tests to inject a fake reader.
func NewSegmentioSourceWith(r groupReader, logger *slog.Logger) *SegmentioSource {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SegmentioSource{reader: r, logger: logger}
}

// Run returns nil when ctx is cancelled.
func (s *SegmentioSource) Run(ctx context.Context, h Handler) error {
	defer s.reader.Close()
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch: %w", err)
		}
		if err := h.Deliver(ctx, msg.Value); err != nil {
			s.logger.Error("event not handled; leaving offset uncommitted",
				"partition", msg.Partition, "offset", msg.Offset, "error", err)
			return fmt.Errorf("handle offset %d: %w", msg.Offset, err)
		}
		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}
