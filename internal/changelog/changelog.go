// Package changelog publishes the association change feed: one Delta per
// row the projector inserted, updated or deleted.
package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"
)

// Op is the kind of association change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

type Delta struct {
	Scope      string `json:"scope"`
	ListingID  string `json:"listingId"`
	CategoryID string `json:"categoryId"`
	Op         Op     `json:"op"`
	IsPrimary  bool   `json:"isPrimary,omitempty"`
	TS         int64  `json:"ts"`
}

type Writer interface {
	Append(ctx context.Context, deltas ...Delta) error
}

// MultiWriter fans out writes to multiple underlying writers.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (m *MultiWriter) Append(ctx context.Context, deltas ...Delta) error {
	for _, w := range m.writers {
		if err := w.Append(ctx, deltas...); err != nil {
			return err
		}
	}
	return nil
}

// FileWriter appends deltas as JSON lines.
type FileWriter struct {
	mu   sync.Mutex
	path string
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

func (w *FileWriter) Append(ctx context.Context, deltas ...Delta) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for i := range deltas {
		if err := enc.Encode(&deltas[i]); err != nil {
			return fmt.Errorf("encode: %w", err)
		}
	}
	return nil
}

// KafkaWriter publishes deltas to a Kafka topic keyed by listing id, so one
// listing's changes stay ordered within a partition.
type KafkaWriter struct {
	writer kafkaMessageWriter
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter creates a Kafka writer.
// bootstrap can be a comma-separated list of host:port.
func NewKafkaWriter(bootstrap string, topic string) *KafkaWriter {
	return &KafkaWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}}
}

func (k *KafkaWriter) Append(ctx context.Context, deltas ...Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(deltas))
	for i := range deltas {
		b, err := json.Marshal(&deltas[i])
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(deltas[i].ListingID), Value: b})
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

// NewKafkaWriterWith is only for tests to inject a fake writer.
func NewKafkaWriterWith(w kafkaMessageWriter) *KafkaWriter {
	return &KafkaWriter{writer: w}
}

// SplitBrokers turns "a:9092, b:9092" into a clean broker list.
func SplitBrokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}
