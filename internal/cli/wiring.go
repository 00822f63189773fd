package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dirsync/internal/changelog"
	"dirsync/internal/config"
	"dirsync/internal/ingest"
	"dirsync/internal/manifest"
	"dirsync/internal/restore"
	"dirsync/internal/snapshot"
	"dirsync/internal/state"
)

// openStore opens the configured source store and brings its schema up to
// date.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (state.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return state.NewInMemoryStore(), nil
	case "sqlite", "postgres":
		if cfg.Store.Driver == "sqlite" && cfg.Store.DSN != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		st, err := state.OpenSQL(ctx, state.Dialect(cfg.Store.Driver), cfg.Store.DSN, logger)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(); err != nil {
			_ = st.Close()
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

func openViews(cfg *config.Config) (snapshot.Snapshotter, error) {
	switch cfg.Views.Backend {
	case "pebble":
		return snapshot.NewPebbleSnapshotter(cfg.Views.Dir)
	case "file":
		return snapshot.NewFilesystemSnapshotter(cfg.Views.Dir), nil
	default:
		return snapshot.NopWriter{}, nil
	}
}

// manifests returns where new versions are announced and where startup
// reads them back. A memory views backend has nothing to restore, so both
// are nil.
func manifests(cfg *config.Config) (manifest.Publisher, manifest.Reader) {
	if cfg.Views.Backend == "memory" {
		return nil, nil
	}
	fs := manifest.NewFilesystemManifest(cfg.Manifest.Dir)
	if cfg.Kafka.TopicManifests == "" {
		return fs, fs
	}
	kafkaPub := manifest.NewKafkaManifest(cfg.Kafka.Bootstrap, cfg.Kafka.TopicManifests)
	kafkaReader := restore.NewKafkaReader(changelog.SplitBrokers(cfg.Kafka.Bootstrap), cfg.Kafka.TopicManifests)
	return manifest.NewMultiPublisher(fs, kafkaPub), kafkaReader
}

// changelogWriter fans association deltas out to the configured sinks; nil
// when none is configured.
func changelogWriter(cfg *config.Config) (changelog.Writer, error) {
	var ws []changelog.Writer
	if cfg.Changelog.File != "" {
		fw, err := changelog.NewFileWriter(filepath.Dir(cfg.Changelog.File), filepath.Base(cfg.Changelog.File))
		if err != nil {
			return nil, err
		}
		ws = append(ws, fw)
	}
	if cfg.Kafka.TopicChangelog != "" {
		ws = append(ws, changelog.NewKafkaWriter(cfg.Kafka.Bootstrap, cfg.Kafka.TopicChangelog))
	}
	switch len(ws) {
	case 0:
		return nil, nil
	case 1:
		return ws[0], nil
	default:
		return changelog.NewMultiWriter(ws...), nil
	}
}

func ingestSource(cfg *config.Config, logger *slog.Logger) (ingest.Source, error) {
	switch cfg.Ingest.Source {
	case "kafka":
		if cfg.Kafka.Client == "confluent" {
			return ingest.NewConfluentSource(cfg.Kafka.Bootstrap, cfg.Kafka.TopicEvents, cfg.Kafka.GroupID, logger)
		}
		return ingest.NewSegmentioSource(changelog.SplitBrokers(cfg.Kafka.Bootstrap), cfg.Kafka.TopicEvents, cfg.Kafka.GroupID, logger), nil
	case "file":
		return ingest.NewFileSource(cfg.Ingest.File), nil
	default:
		return nil, nil
	}
}
