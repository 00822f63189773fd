package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// projector
	ProjectionsApplied  prometheus.Counter
	ProjectionsRejected prometheus.Counter
	AssocInserted       prometheus.Counter
	AssocUpdated        prometheus.Counter
	AssocDeleted        prometheus.Counter
	ChangelogAppended   prometheus.Counter
	ChangelogFailed     prometheus.Counter

	// coordinator
	RefreshTriggers *prometheus.CounterVec
	BuildsSucceeded *prometheus.CounterVec
	BuildsFailed    *prometheus.CounterVec
	BuildDuration   prometheus.Histogram
	ViewVersion     *prometheus.GaugeVec
	ViewBuiltAt     *prometheus.GaugeVec

	// ingest and restore
	IngestCommitted prometheus.Counter
	IngestSkipped   prometheus.Counter
	RestoredScopes  prometheus.Gauge
	RestoreTTRSec   prometheus.Gauge
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	m := &Registry{
		reg:                 r,
		ProjectionsApplied:  prometheus.NewCounter(prometheus.CounterOpts{Name: "dirsync_projections_applied_total"}),
		ProjectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{Name: "dirsync_projections_rejected_total"}),
		AssocInserted:       prometheus.NewCounter(prometheus.CounterOpts{Name: "dirsync_associations_inserted_total"}),
		AssocUpdated:        prometheus.NewCounter(prometheus.CounterOpts{Name: "dirsync_associations_updated_total"}),
		AssocDeleted:        prometheus.NewCounter(prometheus.CounterOpts{Name: "dirsync_associations_deleted_total"}),
		ChangelogAppended:   prometheus.NewCounter(prometheus.CounterOpts{Name: "dirsync_changelog_appended_total"}),
		ChangelogFailed:     prometheus.NewCounter(prometheus.CounterOpts{Name: "dirsync_changelog_failed_total"}),
		RefreshTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dirsync_refresh_triggers_total",
		}, []string{"scope", "kind"}),
		BuildsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dirsync_builds_succeeded_total",
		}, []string{"scope"}),
		BuildsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dirsync_builds_failed_total",
		}, []string{"scope"}),
		BuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dirsync_build_duration_seconds",
			Buckets: prometheus.DefBuckets,
		}),
		ViewVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dirsync_view_version",
			Help: "Sequence number of the view version currently served.",
		}, []string{"scope"}),
		ViewBuiltAt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dirsync_view_built_at_seconds",
		}, []string{"scope"}),
		IngestCommitted: prometheus.NewCounter(prometheus.CounterOpts{Name: "dirsync_ingest_committed_total"}),
		IngestSkipped:   prometheus.NewCounter(prometheus.CounterOpts{Name: "dirsync_ingest_skipped_total"}),
		RestoredScopes:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "dirsync_restored_scopes"}),
		RestoreTTRSec:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "dirsync_restore_ttr_seconds"}),
	}
	r.MustRegister(
		m.ProjectionsApplied, m.ProjectionsRejected,
		m.AssocInserted, m.AssocUpdated, m.AssocDeleted,
		m.ChangelogAppended, m.ChangelogFailed,
		m.RefreshTriggers, m.BuildsSucceeded, m.BuildsFailed, m.BuildDuration,
		m.ViewVersion, m.ViewBuiltAt,
		m.IngestCommitted, m.IngestSkipped, m.RestoredScopes, m.RestoreTTRSec,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// OrNew returns r, or a fresh unexposed registry when r is nil.
func OrNew(r *Registry) *Registry {
	if r == nil {
		return NewRegistry()
	}
	return r
}

func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
