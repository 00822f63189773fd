package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 2*time.Second, cfg.Refresh.Debounce)
	assert.Equal(t, 30*time.Second, cfg.Refresh.BuildTimeout)
	assert.Equal(t, time.Minute, cfg.Refresh.BackoffMax)
	assert.Equal(t, 0, cfg.Projection.MaxSecondary)
	assert.Equal(t, "none", cfg.Ingest.Source)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	cfgFile := writeFile(t, dir, "custom.yaml", `
http:
  addr: ":9000"
store:
  driver: memory
refresh:
  debounce: 5s
  build_timeout: 10s
projection:
  max_secondary: 9
log:
  level: debug
`)
	envFile := writeFile(t, dir, "test.env", "DIRSYNC_REFRESH__BUILD_TIMEOUT=20s\nDIRSYNC_LOG__FORMAT=json\n")
	t.Cleanup(func() {
		os.Unsetenv("DIRSYNC_REFRESH__BUILD_TIMEOUT")
		os.Unsetenv("DIRSYNC_LOG__FORMAT")
	})
	t.Setenv("DIRSYNC_REFRESH__DEBOUNCE", "3s")
	t.Setenv("DIRSYNC_HTTP__ADDR", ":9100")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("http-addr", "", "")
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Parse([]string{"--http-addr", ":9200"}))

	cfg, err := Load(LoadOptions{File: cfgFile, EnvFile: envFile, Flags: flags})
	require.NoError(t, err)

	assert.Equal(t, ":9200", cfg.HTTP.Addr, "flag beats env")
	assert.Equal(t, 3*time.Second, cfg.Refresh.Debounce, "env beats file")
	assert.Equal(t, 20*time.Second, cfg.Refresh.BuildTimeout, ".env beats file")
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "debug", cfg.Log.Level, "unset flag keeps file value")
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 9, cfg.Projection.MaxSecondary)
}

func TestLoad_MissingExplicitEnvFile(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load(LoadOptions{EnvFile: "nope.env"})
	require.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "refresh.build_timeout", EnvKey("DIRSYNC_REFRESH__BUILD_TIMEOUT"))
	assert.Equal(t, "http.addr", EnvKey("DIRSYNC_HTTP__ADDR"))
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Store:   StoreConfig{Driver: "memory"},
			Views:   ViewsConfig{Backend: "memory"},
			Refresh: RefreshConfig{Debounce: time.Second, BuildTimeout: time.Second, BackoffInitial: time.Second, BackoffMax: time.Minute},
			Kafka:   KafkaConfig{Client: "segmentio"},
			Ingest:  IngestConfig{Source: "none"},
			Log:     LogConfig{Level: "info", Format: "text"},
		}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "mysql" }, wantErr: "store.driver"},
		{name: "sqlite without dsn", mutate: func(c *Config) { c.Store.Driver = "sqlite" }, wantErr: "store.dsn"},
		{name: "pebble without dir", mutate: func(c *Config) { c.Views.Backend = "pebble" }, wantErr: "views.dir"},
		{name: "zero debounce", mutate: func(c *Config) { c.Refresh.Debounce = 0 }, wantErr: "refresh.debounce"},
		{name: "negative timeout", mutate: func(c *Config) { c.Refresh.BuildTimeout = -time.Second }, wantErr: "refresh.build_timeout"},
		{name: "backoff max below initial", mutate: func(c *Config) { c.Refresh.BackoffMax = time.Millisecond }, wantErr: "refresh.backoff_max"},
		{name: "negative cap", mutate: func(c *Config) { c.Projection.MaxSecondary = -1 }, wantErr: "max_secondary"},
		{name: "kafka ingest without brokers", mutate: func(c *Config) { c.Ingest.Source = "kafka" }, wantErr: "kafka.bootstrap"},
		{name: "file ingest without file", mutate: func(c *Config) { c.Ingest.Source = "file" }, wantErr: "ingest.file"},
		{name: "manifest topic without brokers", mutate: func(c *Config) { c.Kafka.TopicManifests = "m" }, wantErr: "kafka.bootstrap"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
