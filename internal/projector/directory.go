package projector

import (
	"context"
	"fmt"

	"dirsync/internal/changelog"
	"dirsync/internal/errs"
	"dirsync/internal/model"
	"dirsync/internal/state"
)

// UpsertListing writes a listing and triggers its scope. A listing moved
// between tenants also triggers the scope it left.
func (p *Projector) UpsertListing(ctx context.Context, l model.Listing) error {
	prev, existed, err := p.store.Listing(ctx, l.ID)
	if err != nil {
		return errs.Projection("upsert listing", err)
	}
	if err := p.store.UpsertListing(ctx, l); err != nil {
		return errs.Projection("upsert listing", err)
	}
	if existed && prev.TenantID != l.TenantID {
		p.trigger(prev.TenantID)
	}
	p.trigger(l.TenantID)
	return nil
}

// UpsertCategory writes a category and triggers every scope, since each
// scope's views carry the active category table.
func (p *Projector) UpsertCategory(ctx context.Context, c model.Category) error {
	if err := p.store.UpsertCategory(ctx, c); err != nil {
		return errs.Projection("upsert category", err)
	}
	return p.triggerAll(ctx, "upsert category")
}

// RemoveListing deletes a listing together with its associations. The
// removed associations are published as deletes.
func (p *Projector) RemoveListing(ctx context.Context, id string) (Result, error) {
	const op = "remove listing"
	l, ok, err := p.store.Listing(ctx, id)
	if err != nil {
		return Result{}, errs.Projection(op, err)
	}
	if !ok {
		return Result{}, errs.NotFound(op, "listing %s not found", id)
	}
	var existing []model.Association
	err = p.store.InTx(ctx, func(tx state.Tx) error {
		var err error
		existing, err = tx.Associations(ctx, id)
		return err
	})
	if err != nil {
		return Result{}, errs.Projection(op, err)
	}
	if err := p.store.DeleteListing(ctx, id); err != nil {
		return Result{}, errs.Projection(op, err)
	}

	res := Result{ListingID: id, Scope: l.TenantID, Deleted: len(existing)}
	ts := p.now().UnixMilli()
	for _, a := range existing {
		res.Deltas = append(res.Deltas, changelog.Delta{
			Scope:      res.Scope,
			ListingID:  id,
			CategoryID: a.CategoryID,
			Op:         changelog.OpDelete,
			IsPrimary:  a.IsPrimary,
			TS:         ts,
		})
	}
	p.emit(ctx, res)
	return res, nil
}

// RemoveCategory deletes a category and every association referencing it,
// then triggers every scope.
func (p *Projector) RemoveCategory(ctx context.Context, id string) error {
	const op = "remove category"
	_, ok, err := p.store.Category(ctx, id)
	if err != nil {
		return errs.Projection(op, err)
	}
	if !ok {
		return errs.NotFound(op, "category %s not found", id)
	}
	if err := p.store.DeleteCategory(ctx, id); err != nil {
		return errs.Projection(op, err)
	}
	p.logger.Info("category removed", "category_id", id)
	return p.triggerAll(ctx, op)
}

func (p *Projector) trigger(scope string) {
	if p.scheduler != nil && scope != "" {
		p.scheduler.Trigger(scope)
	}
}

func (p *Projector) triggerAll(ctx context.Context, op string) error {
	if p.scheduler == nil {
		return nil
	}
	scopes, err := p.store.Scopes(ctx)
	if err != nil {
		return fmt.Errorf("%s: list scopes: %w", op, err)
	}
	for _, s := range scopes {
		p.scheduler.Trigger(s)
	}
	return nil
}
