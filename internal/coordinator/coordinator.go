// Package coordinator decides when each scope's read models are rebuilt.
//
// Every scope has one worker goroutine that moves through
// Idle -> PendingDebounce -> Building -> Idle. Triggers arriving while a
// build runs are remembered and re-arm the debounce as soon as it ends, so
// bursts coalesce into one rebuild and nothing is lost. A scope never has two
// builds in flight; different scopes build in parallel.
//
// Readers are never blocked: a finished version is persisted, its manifest
// published and only then swapped into the catalog. The version it replaces
// is dropped from durable storage afterwards.
//
// A mutation is reflected in the views no later than StalenessBound after
// its projection commits, as long as builds succeed.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"dirsync/internal/builder"
	"dirsync/internal/errs"
	"dirsync/internal/manifest"
	"dirsync/internal/metrics"
	"dirsync/internal/snapshot"
)

type State int

const (
	Idle State = iota
	PendingDebounce
	Building
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PendingDebounce:
		return "pending_debounce"
	case Building:
		return "building"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Builder produces the views of one scope.
type Builder interface {
	Build(ctx context.Context, scope string) (*builder.Output, error)
}

type Config struct {
	Debounce       time.Duration
	BuildTimeout   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Debounce:       2 * time.Second,
		BuildTimeout:   30 * time.Second,
		BackoffInitial: time.Second,
		BackoffMax:     time.Minute,
	}
}

type Options struct {
	Config
	Catalog     *snapshot.Catalog
	Snapshotter snapshot.Snapshotter
	Publisher   manifest.Publisher
	Metrics     *metrics.Registry
	Logger      *slog.Logger
	NewID       func() string
}

type Coordinator struct {
	cfg     Config
	builder Builder
	catalog *snapshot.Catalog
	snap    snapshot.Snapshotter
	pub     manifest.Publisher
	metrics *metrics.Registry
	logger  *slog.Logger
	newID   func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*worker

	// commitMu serializes the sequence check, publish and swap.
	commitMu sync.Mutex
}

func New(b Builder, opts Options) *Coordinator {
	def := DefaultConfig()
	cfg := opts.Config
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = def.BuildTimeout
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = def.BackoffInitial
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = max(def.BackoffMax, cfg.BackoffInitial)
	}
	c := &Coordinator{
		cfg:     cfg,
		builder: b,
		catalog: opts.Catalog,
		snap:    opts.Snapshotter,
		pub:     opts.Publisher,
		metrics: metrics.OrNew(opts.Metrics),
		logger:  opts.Logger,
		newID:   opts.NewID,
		workers: make(map[string]*worker),
	}
	if c.catalog == nil {
		c.catalog = snapshot.NewCatalog()
	}
	if c.snap == nil {
		c.snap = snapshot.NopWriter{}
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.newID == nil {
		c.newID = func() string { return uuid.NewString() }
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

func (c *Coordinator) Catalog() *snapshot.Catalog { return c.catalog }

// StalenessBound is the longest a committed mutation can stay invisible to
// readers while builds succeed: one debounce window plus one build.
func (c *Coordinator) StalenessBound() time.Duration {
	return c.cfg.Debounce + c.cfg.BuildTimeout
}

// Start ties the workers to ctx and forces one build of every scope given,
// since pending triggers do not survive a restart.
func (c *Coordinator) Start(ctx context.Context, scopes []string) {
	context.AfterFunc(ctx, c.cancel)
	for _, s := range scopes {
		c.Force(s)
	}
}

// Close stops every worker and waits for in-flight builds to return.
func (c *Coordinator) Close() {
	c.cancel()
	c.Wait()
}

// Wait blocks until every worker has exited.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Trigger schedules a debounced rebuild of scope. It never blocks.
func (c *Coordinator) Trigger(scope string) {
	w := c.worker(scope)
	if w == nil {
		return
	}
	c.metrics.RefreshTriggers.WithLabelValues(scope, "trigger").Inc()
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Force skips any pending debounce and builds scope as soon as its current
// build, if any, finishes.
func (c *Coordinator) Force(scope string) {
	w := c.worker(scope)
	if w == nil {
		return
	}
	c.metrics.RefreshTriggers.WithLabelValues(scope, "force").Inc()
	select {
	case w.force <- struct{}{}:
	default:
	}
}

// ForceAll forces every scope the coordinator or the catalog knows about.
func (c *Coordinator) ForceAll() {
	seen := make(map[string]struct{})
	c.mu.Lock()
	for s := range c.workers {
		seen[s] = struct{}{}
	}
	c.mu.Unlock()
	for _, s := range c.catalog.Scopes() {
		seen[s] = struct{}{}
	}
	for s := range seen {
		c.Force(s)
	}
}

func (c *Coordinator) worker(scope string) *worker {
	if scope == "" || c.ctx.Err() != nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[scope]; ok {
		return w
	}
	w := &worker{
		scope:   scope,
		trigger: make(chan struct{}, 1),
		force:   make(chan struct{}, 1),
	}
	if v := c.catalog.Get(scope); v != nil {
		w.seq = v.Seq
		w.status.VersionID = v.ID
		w.status.Seq = v.Seq
		w.status.BuiltAt = v.BuiltAt
	}
	c.workers[scope] = w
	c.wg.Add(1)
	go c.run(w)
	return w
}

// Status reports the state of one scope.
type Status struct {
	Scope     string    `json:"scope"`
	State     State     `json:"state"`
	VersionID string    `json:"version,omitempty"`
	Seq       int64     `json:"seq"`
	BuiltAt   time.Time `json:"built_at,omitzero"`
	Builds    int64     `json:"builds"`
	Failures  int64     `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
}

func (c *Coordinator) Status(scope string) (Status, bool) {
	c.mu.Lock()
	w, ok := c.workers[scope]
	c.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return w.snapshot(), true
}

func (c *Coordinator) Statuses() []Status {
	c.mu.Lock()
	out := make([]Status, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, w.snapshot())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

type worker struct {
	scope   string
	trigger chan struct{}
	force   chan struct{}
	seq     int64 // owned by the run goroutine

	mu     sync.Mutex
	status Status
}

func (w *worker) set(fn func(s *Status)) {
	w.mu.Lock()
	fn(&w.status)
	w.mu.Unlock()
}

func (w *worker) snapshot() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.status
	s.Scope = w.scope
	return s
}

func drain(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (c *Coordinator) run(w *worker) {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffInitial
	bo.MaxInterval = c.cfg.BackoffMax
	bo.Reset()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	var (
		timerC  <-chan time.Time
		retryAt time.Time
	)
	arm := func(d time.Duration) {
		timer.Stop()
		timer.Reset(d)
		timerC = timer.C
		w.set(func(s *Status) { s.State = PendingDebounce })
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-w.trigger:
			d := c.cfg.Debounce
			if wait := time.Until(retryAt); wait > d {
				d = wait
			}
			arm(d)
			continue
		case <-w.force:
		case <-timerC:
		}

		// Building: loop while forces keep arriving during builds.
		timer.Stop()
		timerC = nil
		for {
			w.set(func(s *Status) { s.State = Building })
			err := c.cycle(w)
			if c.ctx.Err() != nil {
				return
			}
			forced := drain(w.force)
			triggered := drain(w.trigger)
			if err != nil {
				delay := max(c.cfg.Debounce, bo.NextBackOff())
				if forced {
					continue
				}
				retryAt = time.Now().Add(delay)
				arm(delay)
				break
			}
			bo.Reset()
			retryAt = time.Time{}
			if forced {
				continue
			}
			if triggered {
				arm(c.cfg.Debounce)
			} else {
				w.set(func(s *Status) { s.State = Idle })
			}
			break
		}
	}
}

// cycle runs one build of w's scope and records the outcome.
func (c *Coordinator) cycle(w *worker) error {
	start := time.Now()
	v, err := c.buildAndPublish(c.ctx, w.scope, w.seq+1)
	dur := time.Since(start)
	if err != nil {
		if c.ctx.Err() != nil {
			return err
		}
		c.metrics.BuildsFailed.WithLabelValues(w.scope).Inc()
		c.logger.Error("read model build failed", "scope", w.scope, "duration", dur, "error", err)
		w.set(func(s *Status) {
			s.Failures++
			s.LastError = err.Error()
		})
		return err
	}
	w.seq = v.Seq
	c.metrics.BuildsSucceeded.WithLabelValues(w.scope).Inc()
	c.metrics.BuildDuration.Observe(dur.Seconds())
	c.metrics.ViewVersion.WithLabelValues(w.scope).Set(float64(v.Seq))
	c.metrics.ViewBuiltAt.WithLabelValues(w.scope).Set(float64(v.BuiltAt.Unix()))
	c.logger.Info("read model swapped", "scope", w.scope, "version", v.ID, "seq", v.Seq, "duration", dur)
	w.set(func(s *Status) {
		s.Builds++
		s.LastError = ""
		s.VersionID = v.ID
		s.Seq = v.Seq
		s.BuiltAt = v.BuiltAt
	})
	return nil
}

// BuildNow runs one synchronous build of scope outside the worker loop. It
// is meant for offline rebuilds where no worker owns the scope.
func (c *Coordinator) BuildNow(ctx context.Context, scope string) (*snapshot.Version, error) {
	var seq int64
	if cur := c.catalog.Get(scope); cur != nil {
		seq = cur.Seq
	}
	return c.buildAndPublish(ctx, scope, seq+1)
}

// buildAndPublish builds off to the side, persists, publishes the manifest
// and swaps the catalog pointer. The previous version stays current on any
// failure.
func (c *Coordinator) buildAndPublish(ctx context.Context, scope string, seq int64) (*snapshot.Version, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.BuildTimeout)
	defer cancel()

	out, err := c.builder.Build(ctx, scope)
	if err != nil {
		return nil, errs.Refresh("build "+scope, err)
	}
	v := snapshot.NewVersion(snapshot.Meta{
		ID:      c.newID(),
		Scope:   scope,
		Seq:     seq,
		BuiltAt: time.Now().UTC(),
	}, out.Flat, out.Stats, out.Categories)

	if err := c.snap.WriteSnapshot(ctx, v); err != nil {
		return nil, errs.Refresh("persist "+scope, err)
	}

	// The manifest must never point at a version the swap would reject.
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	if cur := c.catalog.Get(scope); cur != nil && cur.Seq >= v.Seq {
		c.dropVersion(scope, v.ID)
		return nil, errs.Refresh("swap "+scope, fmt.Errorf("version %d is not newer than current %d", v.Seq, cur.Seq))
	}
	if c.pub != nil {
		if err := c.pub.PublishLatest(ctx, scope, v.ID); err != nil {
			c.dropVersion(scope, v.ID)
			return nil, errs.Refresh("publish "+scope, err)
		}
	}
	old, swapped := c.catalog.Swap(v)
	if !swapped {
		// Only a swap outside the coordinator can get here.
		c.logger.Error("published version lost the swap", "scope", scope, "version", v.ID, "current_seq", old.Seq)
		return nil, errs.Refresh("swap "+scope, fmt.Errorf("version %d is not newer than current %d", v.Seq, old.Seq))
	}
	if old != nil {
		c.dropVersion(scope, old.ID)
	}
	return v, nil
}

func (c *Coordinator) dropVersion(scope, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.snap.DropSnapshot(ctx, scope, id); err != nil {
		c.logger.Warn("drop superseded version failed", "scope", scope, "version", id, "error", err)
	}
}
