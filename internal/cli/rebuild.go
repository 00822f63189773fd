package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dirsync/internal/builder"
	"dirsync/internal/coordinator"
	"dirsync/internal/restore"
	"dirsync/internal/snapshot"
	"dirsync/internal/state"
	"dirsync/internal/telemetry"
)

func newRebuildCommand() *cobra.Command {
	var scopes []string
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Build, persist and publish read models once, outside serve",
		Long: `Rebuild runs one offline build per scope (every tenant with listings unless
--scope is given), persists each version and publishes it as the scope's
latest, replacing the version published before.`,
		Example: `  dirsync rebuild
  dirsync rebuild --scope t1 --scope t2`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, getConfig(ctx), getLogger(ctx))
			if err != nil {
				return err
			}
			defer st.Close()
			if len(scopes) == 0 {
				if scopes, err = st.Scopes(ctx); err != nil {
					return fmt.Errorf("list scopes: %w", err)
				}
			}
			return rebuildScopes(ctx, cmd.OutOrStdout(), st, scopes)
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scope (tenant id) to rebuild; repeatable")
	return cmd
}

// rebuildScopes restores the published versions first so sequence numbers
// continue and superseded versions get dropped.
func rebuildScopes(ctx context.Context, out io.Writer, st state.Store, scopes []string) error {
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
	defer func() { _ = shutdownTracing(context.Background()) }()

	views, err := openViews(cfg)
	if err != nil {
		return err
	}
	defer views.Close()

	catalog := snapshot.NewCatalog()
	pub, reader := manifests(cfg)
	if reader != nil {
		if _, err := restore.NewRestorer(reader, views, catalog, restore.Options{Logger: logger}).Restore(ctx); err != nil {
			return err
		}
	}

	coord := coordinator.New(
		builder.New(st, builder.Options{TracerProvider: tp, Logger: logger}),
		coordinator.Options{
			Config:      coordinator.Config{BuildTimeout: cfg.Refresh.BuildTimeout},
			Catalog:     catalog,
			Snapshotter: views,
			Publisher:   pub,
			Logger:      logger,
		},
	)
	defer coord.Close()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCOPE\tSEQ\tVERSION\tROWS\tCATEGORIES")
	for _, scope := range scopes {
		v, err := coord.BuildNow(ctx, scope)
		if err != nil {
			_ = tw.Flush()
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\n", v.Scope, v.Seq, v.ID, len(v.Flat()), len(v.Stats()))
	}
	return tw.Flush()
}
