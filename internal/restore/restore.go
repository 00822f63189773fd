// Package restore reloads the last published view version of every scope
// into the catalog at startup.
package restore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"

	"dirsync/internal/manifest"
	"dirsync/internal/metrics"
	"dirsync/internal/snapshot"
)

// KafkaReader reads the latest manifest per scope from a compacted,
// single-partition Kafka topic.
type KafkaReader struct {
	brokers []string
	topic   string
	idle    time.Duration
}

func NewKafkaReader(brokers []string, topic string) *KafkaReader {
	return &KafkaReader{brokers: brokers, topic: topic, idle: 10 * time.Second}
}

// ReadAll scans the topic from the beginning and keeps the last record per
// key. It stops at the high watermark, or after the idle timeout on an
// empty topic.
func (k *KafkaReader) ReadAll(ctx context.Context) (map[string]manifest.Manifest, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   k.brokers,
		Topic:     k.topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer r.Close()

	ctx, cancel := context.WithTimeout(ctx, k.idle)
	defer cancel()

	out := make(map[string]manifest.Manifest)
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return nil, fmt.Errorf("read kafka: %w", err)
		}
		if len(m.Value) == 0 {
			// tombstone
			delete(out, string(m.Key))
		} else {
			var man manifest.Manifest
			if err := json.Unmarshal(m.Value, &man); err != nil {
				return nil, fmt.Errorf("unmarshal kafka manifest: %w", err)
			}
			out[string(m.Key)] = man
		}
		if m.Offset+1 >= m.HighWaterMark {
			break
		}
	}
	return out, nil
}

type Options struct {
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

type Restorer struct {
	reader  manifest.Reader
	snap    snapshot.Snapshotter
	catalog *snapshot.Catalog
	metrics *metrics.Registry
	logger  *slog.Logger
}

func NewRestorer(mr manifest.Reader, snap snapshot.Snapshotter, catalog *snapshot.Catalog, opts Options) *Restorer {
	r := &Restorer{
		reader:  mr,
		snap:    snap,
		catalog: catalog,
		metrics: metrics.OrNew(opts.Metrics),
		logger:  opts.Logger,
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	return r
}

type Result struct {
	// Restored lists the scopes whose version was loaded.
	Restored []string
	// Missing lists scopes whose manifest points at a version that is gone.
	Missing []string
}

// Restore loads the version each manifest points to into the catalog.
// Missing versions are skipped; the caller rebuilds every scope anyway.
func (r *Restorer) Restore(ctx context.Context) (Result, error) {
	start := time.Now()
	all, err := r.reader.ReadAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read manifests: %w", err)
	}
	scopes := make([]string, 0, len(all))
	for s := range all {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)

	var res Result
	for _, scope := range scopes {
		m := all[scope]
		v, err := r.snap.ReadSnapshot(ctx, scope, m.VersionID)
		if errors.Is(err, snapshot.ErrNotFound) {
			r.logger.Warn("restore: version not found, skipping", "scope", scope, "version", m.VersionID)
			res.Missing = append(res.Missing, scope)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("restore scope %s: %w", scope, err)
		}
		r.catalog.Swap(v)
		res.Restored = append(res.Restored, scope)
		r.logger.Info("restore: loaded version", "scope", scope, "version", v.ID, "seq", v.Seq)
	}
	r.metrics.RestoredScopes.Set(float64(len(res.Restored)))
	r.metrics.RestoreTTRSec.Set(time.Since(start).Seconds())
	return res, nil
}
