package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dirsync/internal/config"
	"dirsync/internal/manifest"
	"dirsync/internal/model"
)

type env struct {
	dir  string
	base []string
}

func newEnv(t *testing.T, viewsBackend string) *env {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return &env{dir: dir, base: []string{
		"--store-dsn", filepath.Join(dir, "db", "dirsync.db"),
		"--views-backend", viewsBackend,
		"--views-dir", filepath.Join(dir, "views"),
		"--manifest-dir", filepath.Join(dir, "manifests"),
		"--log-level", "error",
	}}
}

func (e *env) run(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	if stdin != nil {
		root.SetIn(stdin)
	}
	root.SetArgs(append(args, e.base...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSeedRebuild_PublishesEveryScope(t *testing.T) {
	e := newEnv(t, "file")

	out, err := e.run(t, nil, "seed", "--rebuild")
	require.NoError(t, err)
	assert.Contains(t, out, "seeded 6 categories, 5 listings, 4 selections")
	assert.Regexp(t, `(?m)^t1\s+1\s+`, out)
	assert.Regexp(t, `(?m)^t2\s+1\s+`, out)

	all, err := manifest.NewFilesystemManifest(filepath.Join(e.dir, "manifests")).ReadAll(context.Background())
	require.NoError(t, err)
	require.Contains(t, all, "t1")
	require.Contains(t, all, "t2")
	first := all["t1"].VersionID

	out, err = e.run(t, nil, "rebuild", "--scope", "t1")
	require.NoError(t, err)
	assert.Regexp(t, `(?m)^t1\s+2\s+`, out, "sequence continues from the published version")

	latest, err := manifest.NewFilesystemManifest(filepath.Join(e.dir, "manifests")).ReadLatest(context.Background(), "t1")
	require.NoError(t, err)
	assert.NotEqual(t, first, latest.VersionID)

	entries, err := os.ReadDir(filepath.Join(e.dir, "views", "t1"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "superseded version is dropped")
	assert.Equal(t, latest.VersionID, entries[0].Name())
}

func TestRebuild_Pebble(t *testing.T) {
	e := newEnv(t, "pebble")
	_, err := e.run(t, nil, "seed")
	require.NoError(t, err)

	out, err := e.run(t, nil, "rebuild")
	require.NoError(t, err)
	assert.Regexp(t, `(?m)^t1\s+1\s+\S+\s+5\s+`, out, "joes x2, ace, brushes x2")

	out, err = e.run(t, nil, "rebuild")
	require.NoError(t, err)
	assert.Regexp(t, `(?m)^t1\s+2\s+`, out)
}

func TestGenEventsPipedIntoProject(t *testing.T) {
	e := newEnv(t, "file")
	_, err := e.run(t, nil, "seed")
	require.NoError(t, err)

	events, err := e.run(t, nil, "gen-events", "--count", "25", "--seed", "7")
	require.NoError(t, err)
	sc := bufio.NewScanner(strings.NewReader(events))
	n := 0
	for sc.Scan() {
		var ev model.ListingCategoryChanged
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		n++
	}
	assert.Equal(t, 25, n)

	out, err := e.run(t, strings.NewReader(events), "project", "--file", "-", "--rebuild")
	require.NoError(t, err)
	assert.Contains(t, out, "projected events for scopes")
	assert.Contains(t, out, "SCOPE")
}

func TestProject_SkipsInvalidEvents(t *testing.T) {
	e := newEnv(t, "memory")
	_, err := e.run(t, nil, "seed")
	require.NoError(t, err)

	in := `{"listing_id":"joes","tenant_id":"t1","primary_category_id":"retired"}
{"listing_id":"joes","tenant_id":"t1","primary_category_id":"paint"}
`
	out, err := e.run(t, strings.NewReader(in), "project", "--file", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "[t1]")
}

func TestMigrate_ReportsVersion(t *testing.T) {
	e := newEnv(t, "memory")
	out, err := e.run(t, nil, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 1")
}

func TestInvalidConfigFailsBeforeRunning(t *testing.T) {
	e := newEnv(t, "memory")
	_, err := e.run(t, nil, "rebuild", "--store-driver", "oracle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestVersion(t *testing.T) {
	e := newEnv(t, "memory")
	out, err := e.run(t, nil, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "dirsync "+Version)
}

func TestNewLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	l.Info("hidden")
	l.Warn("shown", "scope", "t1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"scope":"t1"`)
}

func TestRemove_RebuildsAffectedScopes(t *testing.T) {
	e := newEnv(t, "file")
	_, err := e.run(t, nil, "seed", "--rebuild")
	require.NoError(t, err)

	out, err := e.run(t, nil, "remove", "--listing", "joes", "--rebuild")
	require.NoError(t, err)
	assert.Contains(t, out, "removed listing joes (2 associations)")
	assert.Regexp(t, `(?m)^t1\s+2\s+\S+\s+3\s+`, out, "ace, brushes x2")
	assert.NotRegexp(t, `(?m)^t2\s+`, out)

	_, err = e.run(t, nil, "remove")
	require.Error(t, err)
}
