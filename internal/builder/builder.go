// Package builder computes the flattened and stats read models of one scope
// from a consistent read of the source store.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dirsync/internal/model"
	"dirsync/internal/state"
)

const tracerName = "dirsync/internal/builder"

// Loader reads a scope under a consistent snapshot. state.Store satisfies it.
type Loader interface {
	LoadScope(ctx context.Context, scope string) (*state.Dataset, error)
}

// Output is one fully built cycle.
type Output struct {
	Scope      string
	Flat       []model.FlatRow
	Stats      []model.CategoryStats
	Categories map[string]model.Category
	Duration   time.Duration
}

type Options struct {
	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
}

type Builder struct {
	loader Loader
	tracer trace.Tracer
	logger *slog.Logger
	stages []stage
}

type stage struct {
	name string
	run  func(ctx context.Context, ds *state.Dataset, out *Output) error
}

func New(loader Loader, opts Options) *Builder {
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Builder{loader: loader, tracer: tp.Tracer(tracerName), logger: logger}
	// stats aggregates the rows flattened earlier in the same cycle
	b.stages = []stage{
		{name: "flattened", run: buildFlattened},
		{name: "stats", run: buildStats},
	}
	return b
}

// Build runs every stage in order. A cancelled or expired ctx aborts the
// cycle and nothing is returned.
func (b *Builder) Build(ctx context.Context, scope string) (*Output, error) {
	start := time.Now()
	ctx, span := b.tracer.Start(ctx, "readmodel.build", trace.WithAttributes(attribute.String("scope", scope)))
	defer span.End()

	ds, err := b.loader.LoadScope(ctx, scope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, fmt.Errorf("load scope %s: %w", scope, err)
	}

	out := &Output{Scope: scope, Categories: ds.Categories}
	for _, st := range b.stages {
		if err := b.runStage(ctx, st, ds, out); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, st.name+" failed")
			return nil, err
		}
	}
	out.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("flat_rows", len(out.Flat)),
		attribute.Int("stats_rows", len(out.Stats)),
	)
	b.logger.Debug("read model built", "scope", scope, "flat_rows", len(out.Flat),
		"stats_rows", len(out.Stats), "duration", out.Duration)
	return out, nil
}

func (b *Builder) runStage(ctx context.Context, st stage, ds *state.Dataset, out *Output) error {
	ctx, span := b.tracer.Start(ctx, "readmodel."+st.name)
	defer span.End()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", st.name, err)
	}
	if err := st.run(ctx, ds, out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", st.name, err)
	}
	return nil
}

// checkEvery bounds how often long loops poll ctx.
const checkEvery = 1024

func buildFlattened(ctx context.Context, ds *state.Dataset, out *Output) error {
	rows := make([]model.FlatRow, 0, len(ds.Associations))
	for i, a := range ds.Associations {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		l, ok := ds.Listings[a.ListingID]
		if !ok || !l.Published {
			continue
		}
		c, ok := ds.Categories[a.CategoryID]
		if !ok || !c.Active {
			continue
		}
		rows = append(rows, model.FlatRow{
			CategoryID:  c.ID,
			ListingID:   l.ID,
			TenantID:    l.TenantID,
			Name:        l.Name,
			Slug:        l.Slug,
			City:        l.City,
			State:       l.State,
			Lat:         l.Lat,
			Lng:         l.Lng,
			RatingAvg:   l.RatingAvg,
			RatingCount: l.RatingCount,
			ItemCount:   l.ItemCount,
			Featured:    l.Featured,
			IsPrimary:   a.IsPrimary,
			CreatedAt:   l.CreatedAt,
		})
	}
	slices.SortFunc(rows, func(a, b model.FlatRow) int {
		if a.CategoryID != b.CategoryID {
			if a.CategoryID < b.CategoryID {
				return -1
			}
			return 1
		}
		return model.CompareDefault(a, b)
	})
	out.Flat = rows
	return nil
}

func buildStats(ctx context.Context, ds *state.Dataset, out *Output) error {
	type acc struct {
		stats    *model.CategoryStats
		listings map[string]struct{}
		cities   map[string]struct{}
		states   map[string]struct{}
	}
	byCat := make(map[string]*acc)
	for i, r := range out.Flat {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		a := byCat[r.CategoryID]
		if a == nil {
			c := ds.Categories[r.CategoryID]
			a = &acc{
				stats:    &model.CategoryStats{CategoryID: c.ID, Name: c.Name, Slug: c.Slug},
				listings: make(map[string]struct{}),
				cities:   make(map[string]struct{}),
				states:   make(map[string]struct{}),
			}
			byCat[r.CategoryID] = a
		}
		if _, seen := a.listings[r.ListingID]; seen {
			continue
		}
		a.listings[r.ListingID] = struct{}{}
		s := a.stats
		s.StoreCount++
		if r.IsPrimary {
			s.PrimaryCount++
		} else {
			s.SecondaryCount++
		}
		s.ItemCountSum += r.ItemCount
		if r.RatingAvg != nil {
			s.RatingSum += *r.RatingAvg
			s.RatedCount++
		}
		s.ReviewCount += r.RatingCount
		if r.Featured {
			s.FeaturedCount++
		}
		if r.City != "" {
			a.cities[r.City] = struct{}{}
		}
		if r.State != "" {
			a.states[r.State] = struct{}{}
		}
	}

	stats := make([]model.CategoryStats, 0, len(byCat))
	for _, a := range byCat {
		a.stats.Cities = sortedKeys(a.cities)
		a.stats.States = sortedKeys(a.states)
		a.stats.Finalize()
		stats = append(stats, *a.stats)
	}
	slices.SortFunc(stats, model.CompareStats)
	out.Stats = stats
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
