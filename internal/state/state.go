package state

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"dirsync/internal/model"
)

// Dataset is a consistent read of one scope: its published listings, every
// active category and the associations of those listings.
type Dataset struct {
	Scope        string
	Listings     map[string]model.Listing
	Categories   map[string]model.Category
	Associations []model.Association
}

// Tx is the write surface available inside Store.InTx. Reads observe the
// committed state; writes become visible only when the transaction commits.
type Tx interface {
	Listing(ctx context.Context, id string) (model.Listing, bool, error)
	CategoriesByID(ctx context.Context, ids []string) (map[string]model.Category, error)
	Associations(ctx context.Context, listingID string) ([]model.Association, error)
	InsertAssociation(ctx context.Context, a model.Association) error
	UpdateAssociation(ctx context.Context, a model.Association) error
	DeleteAssociation(ctx context.Context, listingID, categoryID string) error
}

// Store abstracts the source store backend.
type Store interface {
	// InTx runs fn in one transaction, committing only if fn returns nil.
	InTx(ctx context.Context, fn func(Tx) error) error
	// LoadScope reads a Dataset under a consistent snapshot.
	LoadScope(ctx context.Context, scope string) (*Dataset, error)
	// Scopes lists every tenant that owns at least one listing.
	Scopes(ctx context.Context) ([]string, error)

	Listing(ctx context.Context, id string) (model.Listing, bool, error)
	Category(ctx context.Context, id string) (model.Category, bool, error)
	UpsertListing(ctx context.Context, l model.Listing) error
	UpsertCategory(ctx context.Context, c model.Category) error
	DeleteListing(ctx context.Context, id string) error
	DeleteCategory(ctx context.Context, id string) error
	Close() error
}

// InMemoryStore is a simple thread-safe map store.
type InMemoryStore struct {
	mu         sync.RWMutex
	listings   map[string]model.Listing
	categories map[string]model.Category
	assoc      map[string]map[string]bool // listing -> category -> primary
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		listings:   make(map[string]model.Listing),
		categories: make(map[string]model.Category),
		assoc:      make(map[string]map[string]bool),
	}
}

func (s *InMemoryStore) Close() error { return nil }

// InTx holds the write lock for the duration of fn. fn must use the Tx and
// not call back into the store.
func (s *InMemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{s: s, pending: make(map[assocKey]*bool)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *InMemoryStore) LoadScope(ctx context.Context, scope string) (*Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ds := &Dataset{
		Scope:      scope,
		Listings:   make(map[string]model.Listing),
		Categories: make(map[string]model.Category),
	}
	for id, l := range s.listings {
		if l.TenantID == scope && l.Published {
			ds.Listings[id] = l
		}
	}
	for id, c := range s.categories {
		if c.Active {
			ds.Categories[id] = c
		}
	}
	for lid := range ds.Listings {
		for cid, primary := range s.assoc[lid] {
			ds.Associations = append(ds.Associations, model.Association{ListingID: lid, CategoryID: cid, IsPrimary: primary})
		}
	}
	return ds, nil
}

func (s *InMemoryStore) Scopes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, l := range s.listings {
		seen[l.TenantID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryStore) Listing(ctx context.Context, id string) (model.Listing, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	return l, ok, nil
}

func (s *InMemoryStore) Category(ctx context.Context, id string) (model.Category, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.categories[id]
	return c, ok, nil
}

func (s *InMemoryStore) UpsertListing(ctx context.Context, l model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.ID] = l
	return nil
}

func (s *InMemoryStore) UpsertCategory(ctx context.Context, c model.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[c.ID] = c
	return nil
}

// DeleteListing removes the listing and its associations.
func (s *InMemoryStore) DeleteListing(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listings, id)
	delete(s.assoc, id)
	return nil
}

// DeleteCategory removes the category and every association referencing it.
func (s *InMemoryStore) DeleteCategory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.categories, id)
	for lid, cats := range s.assoc {
		delete(cats, id)
		if len(cats) == 0 {
			delete(s.assoc, lid)
		}
	}
	return nil
}

// AssociationsOf returns the committed associations of a listing sorted by
// category id.
func (s *InMemoryStore) AssociationsOf(listingID string) []model.Association {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedAssociations(listingID, s.assoc[listingID])
}

func sortedAssociations(listingID string, cats map[string]bool) []model.Association {
	out := make([]model.Association, 0, len(cats))
	for cid, primary := range cats {
		out = append(out, model.Association{ListingID: listingID, CategoryID: cid, IsPrimary: primary})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CategoryID < out[j].CategoryID })
	return out
}

type assocKey struct{ listing, category string }

// memTx stages writes; a nil value in pending marks a delete.
type memTx struct {
	s       *InMemoryStore
	pending map[assocKey]*bool
	order   []assocKey
}

func (t *memTx) Listing(ctx context.Context, id string) (model.Listing, bool, error) {
	l, ok := t.s.listings[id]
	return l, ok, nil
}

func (t *memTx) CategoriesByID(ctx context.Context, ids []string) (map[string]model.Category, error) {
	out := make(map[string]model.Category, len(ids))
	for _, id := range ids {
		if c, ok := t.s.categories[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (t *memTx) Associations(ctx context.Context, listingID string) ([]model.Association, error) {
	return sortedAssociations(listingID, t.s.assoc[listingID]), nil
}

func (t *memTx) exists(k assocKey) bool {
	if v, staged := t.pending[k]; staged {
		return v != nil
	}
	_, ok := t.s.assoc[k.listing][k.category]
	return ok
}

func (t *memTx) stage(k assocKey, v *bool) {
	if _, staged := t.pending[k]; !staged {
		t.order = append(t.order, k)
	}
	t.pending[k] = v
}

func (t *memTx) InsertAssociation(ctx context.Context, a model.Association) error {
	k := assocKey{a.ListingID, a.CategoryID}
	if t.exists(k) {
		return fmt.Errorf("insert association %s/%s: already exists", a.ListingID, a.CategoryID)
	}
	if _, ok := t.s.listings[a.ListingID]; !ok {
		return fmt.Errorf("insert association %s/%s: unknown listing", a.ListingID, a.CategoryID)
	}
	if _, ok := t.s.categories[a.CategoryID]; !ok {
		return fmt.Errorf("insert association %s/%s: unknown category", a.ListingID, a.CategoryID)
	}
	primary := a.IsPrimary
	t.stage(k, &primary)
	return nil
}

func (t *memTx) UpdateAssociation(ctx context.Context, a model.Association) error {
	k := assocKey{a.ListingID, a.CategoryID}
	if !t.exists(k) {
		return fmt.Errorf("update association %s/%s: not found", a.ListingID, a.CategoryID)
	}
	primary := a.IsPrimary
	t.stage(k, &primary)
	return nil
}

func (t *memTx) DeleteAssociation(ctx context.Context, listingID, categoryID string) error {
	k := assocKey{listingID, categoryID}
	if !t.exists(k) {
		return fmt.Errorf("delete association %s/%s: not found", listingID, categoryID)
	}
	t.stage(k, nil)
	return nil
}

func (t *memTx) commit() {
	for _, k := range t.order {
		v := t.pending[k]
		if v == nil {
			delete(t.s.assoc[k.listing], k.category)
			if len(t.s.assoc[k.listing]) == 0 {
				delete(t.s.assoc, k.listing)
			}
			continue
		}
		cats := t.s.assoc[k.listing]
		if cats == nil {
			cats = make(map[string]bool)
			t.s.assoc[k.listing] = cats
		}
		cats[k.category] = *v
	}
}
