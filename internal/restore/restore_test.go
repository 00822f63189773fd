package restore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dirsync/internal/manifest"
	"dirsync/internal/model"
	"dirsync/internal/snapshot"
	tu "dirsync/internal/testutil"
)

func version(scope, id string, seq int64) *snapshot.Version {
	return snapshot.NewVersion(
		snapshot.Meta{ID: id, Scope: scope, Seq: seq, BuiltAt: time.Now().UTC()},
		[]model.FlatRow{{CategoryID: "hardware", ListingID: "joes", TenantID: scope}},
		[]model.CategoryStats{{CategoryID: "hardware", StoreCount: 1}},
		map[string]model.Category{"hardware": {ID: "hardware", Active: true}},
	)
}

func TestRestore_LoadsLatestVersionPerScope(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	snap := snapshot.NewFilesystemSnapshotter(base)
	mf := manifest.NewFilesystemManifest(base)

	for _, v := range []*snapshot.Version{version("t1", "a", 1), version("t1", "b", 2), version("t2", "c", 5)} {
		require.NoError(t, snap.WriteSnapshot(ctx, v))
		require.NoError(t, mf.PublishLatest(ctx, v.Scope, v.ID))
	}
	// manifest for t3 points at a version that was never written
	require.NoError(t, mf.PublishLatest(ctx, "t3", "ghost"))

	cat := snapshot.NewCatalog()
	res, err := NewRestorer(mf, snap, cat, Options{Logger: tu.NewTestLogger(t)}).Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, res.Restored)
	assert.Equal(t, []string{"t3"}, res.Missing)

	require.NotNil(t, cat.Get("t1"))
	assert.Equal(t, "b", cat.Get("t1").ID)
	assert.Equal(t, int64(5), cat.Get("t2").Seq)
	assert.Len(t, cat.Get("t2").Rows("hardware"), 1)
	assert.Nil(t, cat.Get("t3"))
}

func TestRestore_PebbleBackend(t *testing.T) {
	ctx := context.Background()
	snap, err := snapshot.NewPebbleSnapshotter(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = snap.Close() })
	mf := manifest.NewFilesystemManifest(t.TempDir())

	require.NoError(t, snap.WriteSnapshot(ctx, version("t1", "v1", 3)))
	require.NoError(t, mf.PublishLatest(ctx, "t1", "v1"))

	cat := snapshot.NewCatalog()
	res, err := NewRestorer(mf, snap, cat, Options{}).Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, res.Restored)
	assert.Equal(t, int64(3), cat.Get("t1").Seq)
}

func TestRestore_EmptyManifestDir(t *testing.T) {
	cat := snapshot.NewCatalog()
	res, err := NewRestorer(manifest.NewFilesystemManifest(t.TempDir()), snapshot.NopWriter{}, cat, Options{}).
		Restore(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Restored)
	assert.Empty(t, cat.All())
}

type failingReader struct{}

func (failingReader) ReadAll(context.Context) (map[string]manifest.Manifest, error) {
	return nil, errors.New("broker unavailable")
}

func TestRestore_ReaderError(t *testing.T) {
	_, err := NewRestorer(failingReader{}, snapshot.NopWriter{}, snapshot.NewCatalog(), Options{}).
		Restore(context.Background())
	assert.Error(t, err)
}
