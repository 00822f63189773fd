// Package manifest publishes the per-scope pointer to the latest durable
// view version.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"dirsync/internal/changelog"
	"dirsync/internal/snapshot"
)

// ErrNoManifest is returned when no manifest has been published for a scope.
var ErrNoManifest = errors.New("no manifest")

type Manifest struct {
	Scope                string `json:"scope"`
	VersionID            string `json:"versionId"`
	CreatedAtEpochSecond int64  `json:"createdAt"`
}

type Publisher interface {
	PublishLatest(ctx context.Context, scope, versionID string) error
}

// Reader returns the latest manifest of every scope.
type Reader interface {
	ReadAll(ctx context.Context) (map[string]Manifest, error)
}

// MultiPublisher writes to multiple publishers sequentially.
type MultiPublisher struct {
	pubs []Publisher
}

func NewMultiPublisher(pubs ...Publisher) *MultiPublisher {
	return &MultiPublisher{pubs: pubs}
}

func (m *MultiPublisher) PublishLatest(ctx context.Context, scope, versionID string) error {
	for _, p := range m.pubs {
		if err := p.PublishLatest(ctx, scope, versionID); err != nil {
			return err
		}
	}
	return nil
}

func newManifest(scope, versionID string) Manifest {
	return Manifest{Scope: scope, VersionID: versionID, CreatedAtEpochSecond: time.Now().UTC().Unix()}
}

const (
	filePrefix = "manifest."
	fileSuffix = ".latest.json"
)

// FilesystemManifest keeps one manifest.<scope>.latest.json per scope,
// replaced atomically by rename.
type FilesystemManifest struct {
	baseDir string
}

func NewFilesystemManifest(baseDir string) *FilesystemManifest {
	return &FilesystemManifest{baseDir: baseDir}
}

func (f *FilesystemManifest) path(scope string) string {
	return filepath.Join(f.baseDir, filePrefix+scope+fileSuffix)
}

func (f *FilesystemManifest) PublishLatest(ctx context.Context, scope, versionID string) error {
	if err := snapshot.ValidName(scope); err != nil {
		return err
	}
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	m := newManifest(scope, versionID)
	tmp, err := os.CreateTemp(f.baseDir, filePrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer os.Remove(tmp.Name())
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&m); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(scope)); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (f *FilesystemManifest) ReadLatest(ctx context.Context, scope string) (Manifest, error) {
	data, err := os.ReadFile(f.path(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, fmt.Errorf("scope %s: %w", scope, ErrNoManifest)
		}
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

func (f *FilesystemManifest) ReadAll(ctx context.Context) (map[string]Manifest, error) {
	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Manifest{}, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	out := make(map[string]Manifest)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		scope := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		m, err := f.ReadLatest(ctx, scope)
		if err != nil {
			return nil, err
		}
		out[scope] = m
	}
	return out, nil
}

// KafkaManifest publishes manifests to a single-partition compacted topic
// keyed by scope.
type KafkaManifest struct {
	writer kafkaMessageWriter
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaManifest creates a Kafka manifest publisher.
// bootstrap can be comma-separated brokers.
func NewKafkaManifest(bootstrap string, topic string) *KafkaManifest {
	return &KafkaManifest{writer: &kafka.Writer{
		Addr:  kafka.TCP(changelog.SplitBrokers(bootstrap)...),
		Topic: topic,
		// restore reads partition 0 only
		Balancer:     kafka.BalancerFunc(func(kafka.Message, ...int) int { return 0 }),
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}}
}

func (k *KafkaManifest) PublishLatest(ctx context.Context, scope, versionID string) error {
	m := newManifest(scope, versionID)
	b, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(scope), Value: b})
}

// NewKafkaManifestWith is only for tests to inject a fake writer.
func NewKafkaManifestWith(w kafkaMessageWriter) *KafkaManifest {
	return &KafkaManifest{writer: w}
}
