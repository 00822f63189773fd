// Package ingest feeds ListingCategoryChanged events from a transport into
// the projector. A source commits its position only after the event has
// been projected or deliberately skipped.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"

	"dirsync/internal/errs"
	"dirsync/internal/metrics"
	"dirsync/internal/model"
	"dirsync/internal/projector"
)

// Handler consumes one raw event. A nil return lets the source commit; an
// error stops the source without committing, so the event is redelivered.
type Handler interface {
	Deliver(ctx context.Context, value []byte) error
}

// Source is a stream of raw events.
type Source interface {
	Run(ctx context.Context, h Handler) error
}

// Projector is the part of projector.Projector the dispatcher needs.
type Projector interface {
	Project(ctx context.Context, ev model.ListingCategoryChanged) (projector.Result, error)
}

type Options struct {
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// Dispatcher decodes events and hands them to the projector. Undecodable
// payloads and validation failures are poison messages: they are logged,
// counted and committed. Anything else is returned for retry.
type Dispatcher struct {
	proj    Projector
	metrics *metrics.Registry
	logger  *slog.Logger
}

func NewDispatcher(p Projector, opts Options) *Dispatcher {
	d := &Dispatcher{proj: p, metrics: metrics.OrNew(opts.Metrics), logger: opts.Logger}
	if d.logger == nil {
		d.logger = slog.New(slog.DiscardHandler)
	}
	return d
}

func (d *Dispatcher) Deliver(ctx context.Context, value []byte) error {
	var ev model.ListingCategoryChanged
	if err := json.Unmarshal(value, &ev); err != nil {
		d.metrics.IngestSkipped.Inc()
		d.logger.Warn("skipping undecodable event", "error", err, "bytes", len(value))
		return nil
	}
	res, err := d.proj.Project(ctx, ev)
	switch {
	case err == nil:
		d.metrics.IngestCommitted.Inc()
		d.logger.Debug("event projected",
			"listing_id", res.ListingID, "scope", res.Scope,
			"inserted", res.Inserted, "updated", res.Updated, "deleted", res.Deleted)
		return nil
	case errs.Is(err, errs.KindValidation):
		d.metrics.IngestSkipped.Inc()
		d.logger.Warn("skipping invalid event", "listing_id", ev.ListingID, "error", err)
		return nil
	default:
		return err
	}
}
