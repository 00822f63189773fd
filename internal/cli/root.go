// Package cli provides the dirsync command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"dirsync/internal/config"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

type configKey struct{}
type loggerKey struct{}

func getConfig(ctx context.Context) *config.Config {
	if c, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return c
	}
	return nil
}

func getLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}

// NewLogger builds the root logger from the log section of the config.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	var cfgFile, envFile string

	root := &cobra.Command{
		Use:   "dirsync",
		Short: "Category read-model synchronization for a business directory",
		Long: `dirsync keeps listing-to-category associations in step with each listing's
category selection and maintains per-tenant read models (a flattened
listing-per-category view and per-category statistics) that are rebuilt
off to the side and swapped in atomically.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "__complete" {
				return nil
			}
			cfg, err := config.Load(config.LoadOptions{
				File:    cfgFile,
				EnvFile: envFile,
				Flags:   cmd.Root().PersistentFlags(),
			})
			if err != nil {
				return err
			}
			logger := NewLogger(cfg.Log, cmd.ErrOrStderr())
			ctx := context.WithValue(cmd.Context(), configKey{}, cfg)
			ctx = context.WithValue(ctx, loggerKey{}, logger)
			cmd.SetContext(ctx)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("{{.Name}} {{.Version}} (%s)\n", GitCommit))

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./dirsync.yaml)")
	pf.StringVar(&envFile, "env-file", "", "dotenv file (default: ./.env)")
	pf.String("http-addr", "", "HTTP listen address")
	pf.String("store-driver", "", "source store driver (sqlite|postgres|memory)")
	pf.String("store-dsn", "", "source store DSN or sqlite path")
	pf.String("views-backend", "", "view persistence backend (pebble|file|memory)")
	pf.String("views-dir", "", "view persistence directory")
	pf.String("manifest-dir", "", "directory of per-scope latest-version manifests")
	pf.Duration("debounce", 0, "refresh debounce window")
	pf.Duration("build-timeout", 0, "read-model build timeout")
	pf.Int("max-secondary", 0, "maximum secondary categories per listing (0 = unlimited)")
	pf.String("kafka", "", "kafka bootstrap servers")
	pf.String("kafka-client", "", "kafka consumer implementation (segmentio|confluent)")
	pf.String("ingest", "", "event source for serve (none|kafka|file)")
	pf.String("ingest-file", "", "JSONL events file when --ingest=file")
	pf.String("log-level", "", "log level (debug|info|warn|error)")
	pf.String("log-format", "", "log format (text|json)")

	_ = root.RegisterFlagCompletionFunc("store-driver", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"sqlite", "postgres", "memory"}, cobra.ShellCompDirectiveNoFileComp
	})

	root.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newSeedCommand(),
		newProjectCommand(),
		newRemoveCommand(),
		newRebuildCommand(),
		newGenEventsCommand(),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command under ctx.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
