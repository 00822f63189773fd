package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"dirsync/internal/fixture"
	"dirsync/internal/ingest"
	"dirsync/internal/projector"
	"dirsync/internal/state"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending source-store schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := getConfig(ctx)
			if cfg.Store.Driver == "memory" {
				return fmt.Errorf("the memory store has no schema")
			}
			st, err := openStore(ctx, cfg, getLogger(ctx))
			if err != nil {
				return err
			}
			defer st.Close()
			v, err := st.(*state.SQLStore).MigrationVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
			return nil
		},
	}
}

// scopeRecorder collects the scopes touched by offline projections.
type scopeRecorder map[string]struct{}

func (r scopeRecorder) Trigger(scope string) { r[scope] = struct{}{} }

func (r scopeRecorder) sorted() []string {
	out := make([]string, 0, len(r))
	for s := range r {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func newProjector(ctx context.Context, st state.Store, sched projector.Scheduler) (*projector.Projector, error) {
	cfg := getConfig(ctx)
	cl, err := changelogWriter(cfg)
	if err != nil {
		return nil, err
	}
	return projector.New(st, projector.Options{
		MaxSecondary: cfg.Projection.MaxSecondary,
		Changelog:    cl,
		Scheduler:    sched,
		Logger:       getLogger(ctx),
	}), nil
}

func newSeedCommand() *cobra.Command {
	var file string
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load categories, listings and selections into the source store",
		Long: `Seed upserts the categories and listings of a YAML directory file, then
projects its selections through the association projector. Without --file the
built-in sample directory is used.`,
		Example: `  dirsync seed
  dirsync seed --file fixtures.yaml --rebuild`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			dir := fixture.Sample()
			if file != "" {
				var err error
				if dir, err = fixture.Load(file); err != nil {
					return err
				}
			}
			st, err := openStore(ctx, getConfig(ctx), getLogger(ctx))
			if err != nil {
				return err
			}
			defer st.Close()

			touched := scopeRecorder{}
			proj, err := newProjector(ctx, st, touched)
			if err != nil {
				return err
			}
			if err := dir.Apply(ctx, proj); err != nil {
				return err
			}
			for _, sel := range dir.Selections {
				if _, err := proj.Project(ctx, sel.Event(dir.TenantOf(sel.ListingID))); err != nil {
					return fmt.Errorf("selection %s: %w", sel.ListingID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d categories, %d listings, %d selections\n",
				len(dir.Categories), len(dir.Listings), len(dir.Selections))
			if !rebuild {
				return nil
			}
			return rebuildScopes(ctx, cmd.OutOrStdout(), st, touched.sorted())
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML directory file")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "rebuild and publish the touched scopes afterwards")
	return cmd
}

func newProjectCommand() *cobra.Command {
	var file string
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Project ListingCategoryChanged events from a JSONL file",
		Long: `Project applies each event of a JSONL file (or stdin with --file -) through
the association projector. Invalid events are logged and skipped; any other
failure stops at the offending line.`,
		Example: `  dirsync gen-events --count 50 | dirsync project --file - --rebuild`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			st, err := openStore(ctx, getConfig(ctx), getLogger(ctx))
			if err != nil {
				return err
			}
			defer st.Close()

			touched := scopeRecorder{}
			proj, err := newProjector(ctx, st, touched)
			if err != nil {
				return err
			}
			src := ingest.NewFileSource(file)
			if file == "-" {
				src = ingest.NewReaderSource(cmd.InOrStdin())
			}
			if err := src.Run(ctx, ingest.NewDispatcher(proj, ingest.Options{Logger: getLogger(ctx)})); err != nil {
				return err
			}
			scopes := touched.sorted()
			fmt.Fprintf(cmd.OutOrStdout(), "projected events for scopes %v\n", scopes)
			if !rebuild || len(scopes) == 0 {
				return nil
			}
			return rebuildScopes(ctx, cmd.OutOrStdout(), st, scopes)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSONL events file, - for stdin")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "rebuild and publish the touched scopes afterwards")
	return cmd
}

func newRemoveCommand() *cobra.Command {
	var listings, categories []string
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Delete listings or categories from the source store",
		Long: `Remove deletes listings and categories together with their associations.
Every scope that may have shown them is scheduled for a refresh; with
--rebuild those scopes are rebuilt and published right away.`,
		Example: `  dirsync remove --listing joes --rebuild
  dirsync remove --category retired`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if len(listings) == 0 && len(categories) == 0 {
				return fmt.Errorf("nothing to remove: pass --listing or --category")
			}
			st, err := openStore(ctx, getConfig(ctx), getLogger(ctx))
			if err != nil {
				return err
			}
			defer st.Close()

			touched := scopeRecorder{}
			proj, err := newProjector(ctx, st, touched)
			if err != nil {
				return err
			}
			for _, id := range listings {
				res, err := proj.RemoveListing(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed listing %s (%d associations)\n", id, res.Deleted)
			}
			for _, id := range categories {
				if err := proj.RemoveCategory(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed category %s\n", id)
			}
			scopes := touched.sorted()
			if !rebuild || len(scopes) == 0 {
				return nil
			}
			return rebuildScopes(ctx, cmd.OutOrStdout(), st, scopes)
		},
	}
	cmd.Flags().StringSliceVar(&listings, "listing", nil, "listing id to remove; repeatable")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "category id to remove; repeatable")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "rebuild and publish the affected scopes afterwards")
	return cmd
}
