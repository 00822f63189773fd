// Package projector keeps the association table in lock-step with each
// listing's category selection.
package projector

import (
	"context"
	"log/slog"
	"time"

	"dirsync/internal/changelog"
	"dirsync/internal/errs"
	"dirsync/internal/metrics"
	"dirsync/internal/model"
	"dirsync/internal/state"
)

// Scheduler receives a refresh trigger for a scope after every committed
// projection or directory change.
type Scheduler interface {
	Trigger(scope string)
}

type Options struct {
	// MaxSecondary caps the number of secondary categories; 0 is unlimited.
	MaxSecondary int
	Changelog    changelog.Writer
	Scheduler    Scheduler
	Metrics      *metrics.Registry
	Logger       *slog.Logger
	Now          func() time.Time
}

type Projector struct {
	store     state.Store
	maxSec    int
	changelog changelog.Writer
	scheduler Scheduler
	metrics   *metrics.Registry
	logger    *slog.Logger
	now       func() time.Time
}

// Result describes what one projection changed.
type Result struct {
	ListingID string
	Scope     string
	Inserted  int
	Updated   int
	Deleted   int
	Deltas    []changelog.Delta
}

func (r Result) Changed() bool { return r.Inserted+r.Updated+r.Deleted > 0 }

func New(store state.Store, opts Options) *Projector {
	p := &Projector{
		store:     store,
		maxSec:    opts.MaxSecondary,
		changelog: opts.Changelog,
		scheduler: opts.Scheduler,
		metrics:   metrics.OrNew(opts.Metrics),
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Project applies ev in its own transaction and, once committed, schedules a
// refresh of the listing's scope.
func (p *Projector) Project(ctx context.Context, ev model.ListingCategoryChanged) (Result, error) {
	var res Result
	err := p.store.InTx(ctx, func(tx state.Tx) error {
		var err error
		res, err = p.ProjectTx(ctx, tx, ev)
		return err
	})
	if err != nil {
		if !errs.Is(err, errs.KindValidation) && !errs.Is(err, errs.KindProjection) {
			err = errs.Projection("project", err)
		}
		p.metrics.ProjectionsRejected.Inc()
		p.logger.Warn("projection rejected", "listing_id", ev.ListingID, "error", err)
		return Result{}, err
	}
	p.AfterCommit(ctx, res)
	return res, nil
}

// ProjectTx computes and applies the association diff inside the caller's
// transaction. The caller must invoke AfterCommit once the transaction has
// committed.
func (p *Projector) ProjectTx(ctx context.Context, tx state.Tx, ev model.ListingCategoryChanged) (Result, error) {
	ev = model.Normalize(ev)
	if ev.ListingID == "" {
		return Result{}, errs.Validation("project", "listing_id is required")
	}
	if ev.PrimaryCategoryID == "" {
		return Result{}, errs.Validation("project", "listing %s: primary_category_id is required", ev.ListingID)
	}
	if p.maxSec > 0 && len(ev.SecondaryCategoryIDs) > p.maxSec {
		return Result{}, errs.Validation("project", "listing %s: %d secondary categories exceed the limit of %d",
			ev.ListingID, len(ev.SecondaryCategoryIDs), p.maxSec)
	}

	listing, ok, err := tx.Listing(ctx, ev.ListingID)
	if err != nil {
		return Result{}, errs.Projection("load listing", err)
	}
	if !ok {
		return Result{}, errs.Validation("project", "listing %s not found", ev.ListingID)
	}
	if ev.TenantID != "" && ev.TenantID != listing.TenantID {
		return Result{}, errs.Validation("project", "listing %s belongs to tenant %s, not %s",
			ev.ListingID, listing.TenantID, ev.TenantID)
	}

	desired := model.DesiredAssociations(ev)
	ids := make([]string, len(desired))
	for i, a := range desired {
		ids[i] = a.CategoryID
	}
	cats, err := tx.CategoriesByID(ctx, ids)
	if err != nil {
		return Result{}, errs.Projection("load categories", err)
	}
	for _, id := range ids {
		c, ok := cats[id]
		switch {
		case !ok:
			return Result{}, errs.Validation("project", "category %s does not exist", id)
		case !c.Active:
			return Result{}, errs.Validation("project", "category %s is inactive", id)
		case !c.UsableBy(listing.TenantID):
			return Result{}, errs.Validation("project", "category %s is private to tenant %s", id, c.TenantID)
		}
	}

	existing, err := tx.Associations(ctx, ev.ListingID)
	if err != nil {
		return Result{}, errs.Projection("load associations", err)
	}

	res := Result{ListingID: ev.ListingID, Scope: listing.TenantID}
	for _, op := range plan(existing, desired) {
		if err := ctx.Err(); err != nil {
			return Result{}, errs.Projection("apply", err)
		}
		var err error
		switch op.kind {
		case changelog.OpDelete:
			err = tx.DeleteAssociation(ctx, op.a.ListingID, op.a.CategoryID)
			res.Deleted++
		case changelog.OpUpdate:
			err = tx.UpdateAssociation(ctx, op.a)
			res.Updated++
		case changelog.OpInsert:
			err = tx.InsertAssociation(ctx, op.a)
			res.Inserted++
		}
		if err != nil {
			return Result{}, errs.Projection("apply "+string(op.kind), err)
		}
		res.Deltas = append(res.Deltas, changelog.Delta{
			Scope:      res.Scope,
			ListingID:  op.a.ListingID,
			CategoryID: op.a.CategoryID,
			Op:         op.kind,
			IsPrimary:  op.a.IsPrimary,
			TS:         p.now().UnixMilli(),
		})
	}
	return res, nil
}

// AfterCommit publishes the deltas of a committed projection, records
// metrics and triggers a refresh of the scope. Changelog failures are logged
// and never fail the write.
func (p *Projector) AfterCommit(ctx context.Context, res Result) {
	p.metrics.ProjectionsApplied.Inc()
	p.emit(ctx, res)
}

func (p *Projector) emit(ctx context.Context, res Result) {
	p.metrics.AssocInserted.Add(float64(res.Inserted))
	p.metrics.AssocUpdated.Add(float64(res.Updated))
	p.metrics.AssocDeleted.Add(float64(res.Deleted))

	if p.changelog != nil && len(res.Deltas) > 0 {
		if err := p.changelog.Append(ctx, res.Deltas...); err != nil {
			p.metrics.ChangelogFailed.Inc()
			p.logger.Warn("changelog append failed", "listing_id", res.ListingID, "error", err)
		} else {
			p.metrics.ChangelogAppended.Add(float64(len(res.Deltas)))
		}
	}

	p.logger.Debug("associations changed",
		"scope", res.Scope, "listing_id", res.ListingID,
		"inserted", res.Inserted, "updated", res.Updated, "deleted", res.Deleted)

	p.trigger(res.Scope)
}

type op struct {
	kind changelog.Op
	a    model.Association
}

// plan orders writes so that at most one primary exists at every step:
// deletes, then demotions, then secondary inserts, then the primary.
func plan(existing, desired []model.Association) []op {
	have := make(map[string]bool, len(existing))
	for _, a := range existing {
		have[a.CategoryID] = a.IsPrimary
	}
	want := make(map[string]bool, len(desired))
	for _, a := range desired {
		want[a.CategoryID] = a.IsPrimary
	}

	var deletes, demotes, inserts, primary []op
	for _, a := range existing {
		if _, keep := want[a.CategoryID]; !keep {
			deletes = append(deletes, op{changelog.OpDelete, a})
		}
	}
	for _, a := range desired {
		cur, ok := have[a.CategoryID]
		switch {
		case !ok && a.IsPrimary:
			primary = append(primary, op{changelog.OpInsert, a})
		case !ok:
			inserts = append(inserts, op{changelog.OpInsert, a})
		case cur == a.IsPrimary:
		case a.IsPrimary:
			primary = append(primary, op{changelog.OpUpdate, a})
		default:
			demotes = append(demotes, op{changelog.OpUpdate, a})
		}
	}

	out := make([]op, 0, len(deletes)+len(demotes)+len(inserts)+len(primary))
	out = append(out, deletes...)
	out = append(out, demotes...)
	out = append(out, inserts...)
	return append(out, primary...)
}
