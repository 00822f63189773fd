package snapshot

import (
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"dirsync/internal/model"
)

// Version is one immutable, fully built pair of views for a scope. Readers
// may hold a *Version for as long as they like; nothing mutates it after
// NewVersion returns.
type Version struct {
	ID      string
	Scope   string
	Seq     int64
	BuiltAt time.Time

	flat       []model.FlatRow
	stats      []model.CategoryStats
	categories map[string]model.Category
	byCategory map[string][]model.FlatRow
	byListing  map[string][]model.FlatRow
}

// Meta identifies a version.
type Meta struct {
	ID      string    `json:"id"`
	Scope   string    `json:"scope"`
	Seq     int64     `json:"seq"`
	BuiltAt time.Time `json:"builtAt"`
}

// NewVersion indexes the views. It takes ownership of the slices and map.
func NewVersion(m Meta, flat []model.FlatRow, stats []model.CategoryStats, categories map[string]model.Category) *Version {
	v := &Version{
		ID:         m.ID,
		Scope:      m.Scope,
		Seq:        m.Seq,
		BuiltAt:    m.BuiltAt,
		flat:       flat,
		stats:      stats,
		categories: categories,
		byCategory: make(map[string][]model.FlatRow),
		byListing:  make(map[string][]model.FlatRow),
	}
	if v.categories == nil {
		v.categories = map[string]model.Category{}
	}
	for _, r := range flat {
		v.byCategory[r.CategoryID] = append(v.byCategory[r.CategoryID], r)
		v.byListing[r.ListingID] = append(v.byListing[r.ListingID], r)
	}
	return v
}

func (v *Version) Meta() Meta {
	return Meta{ID: v.ID, Scope: v.Scope, Seq: v.Seq, BuiltAt: v.BuiltAt}
}

// Flat returns every flattened row, grouped by category in browse order.
func (v *Version) Flat() []model.FlatRow { return slices.Clone(v.flat) }

// Stats returns the stats rows ordered by store count.
func (v *Version) Stats() []model.CategoryStats { return slices.Clone(v.stats) }

// Rows returns the flattened rows of one category in browse order.
func (v *Version) Rows(categoryID string) []model.FlatRow {
	return slices.Clone(v.byCategory[categoryID])
}

// ListingRows returns one row per category the listing appears under.
func (v *Version) ListingRows(listingID string) []model.FlatRow {
	return slices.Clone(v.byListing[listingID])
}

// Category looks up an active category known at build time.
func (v *Version) Category(id string) (model.Category, bool) {
	c, ok := v.categories[id]
	return c, ok
}

func (v *Version) Categories() []model.Category {
	out := make([]model.Category, 0, len(v.categories))
	for _, c := range v.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Catalog holds the current version of every scope. Publishing a version is
// a single atomic pointer swap, so readers never take a lock on the views.
type Catalog struct {
	scopes sync.Map // scope -> *atomic.Pointer[Version]
}

func NewCatalog() *Catalog { return &Catalog{} }

func (c *Catalog) slot(scope string) *atomic.Pointer[Version] {
	if p, ok := c.scopes.Load(scope); ok {
		return p.(*atomic.Pointer[Version])
	}
	p, _ := c.scopes.LoadOrStore(scope, new(atomic.Pointer[Version]))
	return p.(*atomic.Pointer[Version])
}

// Swap installs v for its scope unless a version with an equal or higher
// sequence is already current. It returns the replaced version.
func (c *Catalog) Swap(v *Version) (old *Version, swapped bool) {
	p := c.slot(v.Scope)
	for {
		cur := p.Load()
		if cur != nil && cur.Seq >= v.Seq {
			return cur, false
		}
		if p.CompareAndSwap(cur, v) {
			return cur, true
		}
	}
}

// Get returns the current version of scope, or nil.
func (c *Catalog) Get(scope string) *Version {
	p, ok := c.scopes.Load(scope)
	if !ok {
		return nil
	}
	return p.(*atomic.Pointer[Version]).Load()
}

// All returns the current versions ordered by scope.
func (c *Catalog) All() []*Version {
	var out []*Version
	c.scopes.Range(func(_, p any) bool {
		if v := p.(*atomic.Pointer[Version]).Load(); v != nil {
			out = append(out, v)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

func (c *Catalog) Scopes() []string {
	all := c.All()
	out := make([]string, len(all))
	for i, v := range all {
		out[i] = v.Scope
	}
	return out
}
