// Package config loads dirsync configuration.
//
// Precedence, lowest to highest: built-in defaults, the YAML config file,
// a .env file, DIRSYNC_ environment variables and explicitly set CLI flags.
// Nested keys are addressed with a double underscore in the environment, so
// DIRSYNC_REFRESH__DEBOUNCE sets refresh.debounce.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const (
	EnvPrefix      = "DIRSYNC_"
	DefaultFile    = "dirsync.yaml"
	DefaultEnvFile = ".env"
)

type Config struct {
	HTTP       HTTPConfig       `koanf:"http"`
	Store      StoreConfig      `koanf:"store"`
	Views      ViewsConfig      `koanf:"views"`
	Manifest   ManifestConfig   `koanf:"manifest"`
	Refresh    RefreshConfig    `koanf:"refresh"`
	Projection ProjectionConfig `koanf:"projection"`
	Kafka      KafkaConfig      `koanf:"kafka"`
	Ingest     IngestConfig     `koanf:"ingest"`
	Changelog  ChangelogConfig  `koanf:"changelog"`
	Log        LogConfig        `koanf:"log"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

type StoreConfig struct {
	Driver string `koanf:"driver"` // sqlite|postgres|memory
	DSN    string `koanf:"dsn"`
}

type ViewsConfig struct {
	Backend string `koanf:"backend"` // pebble|file|memory
	Dir     string `koanf:"dir"`
}

type ManifestConfig struct {
	Dir string `koanf:"dir"`
}

type RefreshConfig struct {
	Debounce       time.Duration `koanf:"debounce"`
	BuildTimeout   time.Duration `koanf:"build_timeout"`
	BackoffInitial time.Duration `koanf:"backoff_initial"`
	BackoffMax     time.Duration `koanf:"backoff_max"`
}

type ProjectionConfig struct {
	// MaxSecondary caps secondary categories per listing; 0 is unlimited.
	MaxSecondary int `koanf:"max_secondary"`
}

type KafkaConfig struct {
	Bootstrap      string `koanf:"bootstrap"`
	Client         string `koanf:"client"` // segmentio|confluent
	GroupID        string `koanf:"group_id"`
	TopicEvents    string `koanf:"topic_events"`
	TopicManifests string `koanf:"topic_manifests"`
	TopicChangelog string `koanf:"topic_changelog"`
}

type IngestConfig struct {
	Source string `koanf:"source"` // none|kafka|file
	File   string `koanf:"file"`
}

type ChangelogConfig struct {
	File string `koanf:"file"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Defaults returns the built-in configuration as a flat key map.
func Defaults() map[string]any {
	return map[string]any{
		"http.addr":                ":8080",
		"store.driver":             "sqlite",
		"store.dsn":                "dirsync.db",
		"views.backend":            "pebble",
		"views.dir":                "data/views",
		"manifest.dir":             "data/manifests",
		"refresh.debounce":         "2s",
		"refresh.build_timeout":    "30s",
		"refresh.backoff_initial":  "1s",
		"refresh.backoff_max":      "1m",
		"projection.max_secondary": 0,
		"kafka.client":             "segmentio",
		"kafka.group_id":           "dirsync",
		"kafka.topic_events":       "listing-categories",
		"ingest.source":            "none",
		"log.level":                "info",
		"log.format":               "text",
	}
}

// FlagKeys maps CLI flag names to config keys. Only flags listed here can
// override configuration.
var FlagKeys = map[string]string{
	"http-addr":     "http.addr",
	"store-driver":  "store.driver",
	"store-dsn":     "store.dsn",
	"views-backend": "views.backend",
	"views-dir":     "views.dir",
	"manifest-dir":  "manifest.dir",
	"debounce":      "refresh.debounce",
	"build-timeout": "refresh.build_timeout",
	"max-secondary": "projection.max_secondary",
	"kafka":         "kafka.bootstrap",
	"kafka-client":  "kafka.client",
	"ingest":        "ingest.source",
	"ingest-file":   "ingest.file",
	"log-level":     "log.level",
	"log-format":    "log.format",
}

type LoadOptions struct {
	// File is an explicit config path; when empty DefaultFile is used if it
	// exists.
	File string
	// EnvFile is an explicit .env path; when empty DefaultEnvFile is used if
	// it exists.
	EnvFile string
	Flags   *pflag.FlagSet
}

// EnvKey turns DIRSYNC_REFRESH__BUILD_TIMEOUT into refresh.build_timeout.
func EnvKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	path := opts.File
	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	// godotenv never overrides variables already present in the environment.
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil {
		if opts.EnvFile != "" || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", EnvKey), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if opts.Flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := FlagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func oneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s: %q is not one of %s", field, v, strings.Join(allowed, "|"))
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []error
	add := func(err error) {
		if err != nil {
			problems = append(problems, err)
		}
	}

	add(oneOf("store.driver", c.Store.Driver, "sqlite", "postgres", "memory"))
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		add(fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
	}
	add(oneOf("views.backend", c.Views.Backend, "pebble", "file", "memory"))
	if c.Views.Backend != "memory" && c.Views.Dir == "" {
		add(fmt.Errorf("views.dir is required for backend %s", c.Views.Backend))
	}

	if c.Refresh.Debounce <= 0 {
		add(errors.New("refresh.debounce must be positive"))
	}
	if c.Refresh.BuildTimeout <= 0 {
		add(errors.New("refresh.build_timeout must be positive"))
	}
	if c.Refresh.BackoffInitial <= 0 {
		add(errors.New("refresh.backoff_initial must be positive"))
	}
	if c.Refresh.BackoffMax < c.Refresh.BackoffInitial {
		add(errors.New("refresh.backoff_max must not be below refresh.backoff_initial"))
	}
	if c.Projection.MaxSecondary < 0 {
		add(errors.New("projection.max_secondary must not be negative"))
	}

	add(oneOf("kafka.client", c.Kafka.Client, "segmentio", "confluent"))
	add(oneOf("ingest.source", c.Ingest.Source, "none", "kafka", "file"))
	switch c.Ingest.Source {
	case "kafka":
		if c.Kafka.Bootstrap == "" || c.Kafka.TopicEvents == "" || c.Kafka.GroupID == "" {
			add(errors.New("ingest.source kafka needs kafka.bootstrap, kafka.topic_events and kafka.group_id"))
		}
	case "file":
		if c.Ingest.File == "" {
			add(errors.New("ingest.source file needs ingest.file"))
		}
	}
	if (c.Kafka.TopicManifests != "" || c.Kafka.TopicChangelog != "") && c.Kafka.Bootstrap == "" {
		add(errors.New("kafka topics are configured but kafka.bootstrap is empty"))
	}

	add(oneOf("log.level", strings.ToLower(c.Log.Level), "debug", "info", "warn", "error"))
	add(oneOf("log.format", c.Log.Format, "text", "json"))

	return errors.Join(problems...)
}
