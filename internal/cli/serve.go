package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dirsync/internal/builder"
	"dirsync/internal/coordinator"
	"dirsync/internal/httpapi"
	"dirsync/internal/ingest"
	"dirsync/internal/metrics"
	"dirsync/internal/projector"
	"dirsync/internal/query"
	"dirsync/internal/restore"
	"dirsync/internal/snapshot"
	"dirsync/internal/telemetry"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the projector, refresh coordinator and query API",
		Long: `Serve restores the last published view of every tenant, forces one refresh
per tenant, then consumes category-selection events (when an ingest source is
configured) and answers queries over HTTP until interrupted.`,
		Example: `  # SQLite store, pebble views, events from Kafka
  dirsync serve --ingest kafka --kafka localhost:9092

  # Everything in memory, events replayed from a file
  dirsync serve --store-driver memory --views-backend memory --ingest file --ingest-file events.jsonl`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg := getConfig(ctx)
	logger := getLogger(ctx)

	otelCfg, err := telemetry.ConfigFromEnv()
	if err != nil {
		return err
	}
	tp, shutdownTracing, err := telemetry.Setup(ctx, otelCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	views, err := openViews(cfg)
	if err != nil {
		return err
	}
	defer views.Close()

	cl, err := changelogWriter(cfg)
	if err != nil {
		return err
	}
	src, err := ingestSource(cfg, logger)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	catalog := snapshot.NewCatalog()
	pub, reader := manifests(cfg)

	var restored []string
	if reader != nil {
		res, err := restore.NewRestorer(reader, views, catalog, restore.Options{Metrics: reg, Logger: logger}).Restore(ctx)
		if err != nil {
			logger.Warn("restore failed; starting with empty views", "error", err)
		}
		restored = res.Restored
	}

	coord := coordinator.New(
		builder.New(store, builder.Options{TracerProvider: tp, Logger: logger}),
		coordinator.Options{
			Config: coordinator.Config{
				Debounce:       cfg.Refresh.Debounce,
				BuildTimeout:   cfg.Refresh.BuildTimeout,
				BackoffInitial: cfg.Refresh.BackoffInitial,
				BackoffMax:     cfg.Refresh.BackoffMax,
			},
			Catalog:     catalog,
			Snapshotter: views,
			Publisher:   pub,
			Metrics:     reg,
			Logger:      logger,
		},
	)
	defer coord.Close()

	proj := projector.New(store, projector.Options{
		MaxSecondary: cfg.Projection.MaxSecondary,
		Changelog:    cl,
		Scheduler:    coord,
		Metrics:      reg,
		Logger:       logger,
	})

	known, err := store.Scopes(ctx)
	if err != nil {
		return fmt.Errorf("list scopes: %w", err)
	}
	scopes := slices.Compact(slices.Sorted(slices.Values(append(known, restored...))))

	eg, egctx := errgroup.WithContext(ctx)
	coord.Start(egctx, scopes)
	logger.Info("coordinator started", "scopes", len(scopes), "restored", len(restored),
		"staleness_bound", coord.StalenessBound())

	srv := httpapi.New(httpapi.Config{
		Addr:      cfg.HTTP.Addr,
		Query:     query.New(catalog, store),
		Refresher: coord,
		Metrics:   reg.Handler(),
		Logger:    logger,
	})
	eg.Go(func() error { return srv.Serve(egctx) })

	if src != nil {
		d := ingest.NewDispatcher(proj, ingest.Options{Metrics: reg, Logger: logger})
		eg.Go(func() error {
			logger.Info("ingest started", "source", cfg.Ingest.Source)
			if err := src.Run(egctx, d); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			logger.Info("ingest source drained")
			return nil
		})
	}

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
