package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

// PebbleSnapshotter persists versions in PebbleDB. Each version is stored
// under views/<scope>/<id>/ with one key per part so a drop is a single
// range delete.
type PebbleSnapshotter struct {
	db *pebble.DB
}

func NewPebbleSnapshotter(dir string) (*PebbleSnapshotter, error) {
	opts := &pebble.Options{
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    8,
		WALBytesPerSync:          1 << 20,
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleSnapshotter{db: d}, nil
}

func (p *PebbleSnapshotter) Close() error { return p.db.Close() }

func versionPrefix(scope, id string) []byte {
	return []byte("views/" + scope + "/" + id + "/")
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

func partKey(scope, id, part string) []byte {
	return append(versionPrefix(scope, id), part...)
}

func (p *PebbleSnapshotter) WriteSnapshot(ctx context.Context, v *Version) error {
	if err := ValidName(v.Scope); err != nil {
		return err
	}
	if err := ValidName(v.ID); err != nil {
		return err
	}
	doc := toDocument(v)
	parts := map[string]any{
		"meta":       doc.Meta,
		"flat":       doc.Flat,
		"stats":      doc.Stats,
		"categories": doc.Categories,
	}
	wb := p.db.NewBatch()
	defer wb.Close()
	for name, part := range parts {
		b, err := json.Marshal(part)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", name, err)
		}
		if err := wb.Set(partKey(v.Scope, v.ID, name), b, nil); err != nil {
			return fmt.Errorf("batch set: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Sync: a published manifest must never point at a version lost in a crash.
	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *PebbleSnapshotter) get(key []byte, into any) error {
	v, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(v, into)
}

func (p *PebbleSnapshotter) ReadSnapshot(ctx context.Context, scope, id string) (*Version, error) {
	var doc document
	for name, into := range map[string]any{
		"meta":       &doc.Meta,
		"flat":       &doc.Flat,
		"stats":      &doc.Stats,
		"categories": &doc.Categories,
	} {
		if err := p.get(partKey(scope, id, name), into); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%s/%s: %w", scope, id, ErrNotFound)
			}
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
	}
	return doc.version(), nil
}

func (p *PebbleSnapshotter) DropSnapshot(ctx context.Context, scope, id string) error {
	prefix := versionPrefix(scope, id)
	return p.db.DeleteRange(prefix, prefixEnd(prefix), pebble.NoSync)
}

// Versions lists the version ids stored for scope.
func (p *PebbleSnapshotter) Versions(scope string) ([]string, error) {
	prefix := []byte("views/" + scope + "/")
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var ids []string
	suffix := "/meta"
	for it.First(); it.Valid(); it.Next() {
		k := string(it.Key()[len(prefix):])
		if len(k) > len(suffix) && k[len(k)-len(suffix):] == suffix {
			ids = append(ids, k[:len(k)-len(suffix)])
		}
	}
	return ids, it.Error()
}
