package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dirsync/internal/model"
)

func fptr(v float64) *float64 { return &v }

func seed(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	for _, c := range []model.Category{
		{ID: "hardware", Scope: model.ScopePlatform, Name: "Hardware Store", Slug: "hardware-store", Active: true},
		{ID: "tools", Scope: model.ScopePlatform, Name: "Tool Rental", Slug: "tool-rental", Active: true},
		{ID: "paint", Scope: model.ScopePlatform, Name: "Paint Store", Slug: "paint-store", Active: true},
		{ID: "retired", Scope: model.ScopePlatform, Name: "Retired", Slug: "retired", Active: false},
	} {
		require.NoError(t, s.UpsertCategory(ctx, c))
	}
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, l := range []model.Listing{
		{ID: "joes", TenantID: "t1", Name: "Joe's Hardware", Slug: "joes", City: "Austin", State: "TX",
			Lat: fptr(30.26), Lng: fptr(-97.74), RatingAvg: fptr(4.5), RatingCount: 12, ItemCount: 40, Published: true, CreatedAt: created},
		{ID: "draft", TenantID: "t1", Name: "Draft Shop", Slug: "draft", Published: false, CreatedAt: created},
		{ID: "other", TenantID: "t2", Name: "Other", Slug: "other", Published: true, CreatedAt: created},
	} {
		require.NoError(t, s.UpsertListing(ctx, l))
	}
}

// runStoreContract exercises behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("tx commits staged writes", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		err := s.InTx(ctx, func(tx Tx) error {
			require.NoError(t, tx.InsertAssociation(ctx, model.Association{ListingID: "joes", CategoryID: "hardware", IsPrimary: true}))
			return tx.InsertAssociation(ctx, model.Association{ListingID: "joes", CategoryID: "tools"})
		})
		require.NoError(t, err)

		var got []model.Association
		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			var err error
			got, err = tx.Associations(ctx, "joes")
			return err
		}))
		assert.Equal(t, []model.Association{
			{ListingID: "joes", CategoryID: "hardware", IsPrimary: true},
			{ListingID: "joes", CategoryID: "tools"},
		}, got)
	})

	t.Run("tx error discards writes", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		boom := errors.New("boom")
		err := s.InTx(ctx, func(tx Tx) error {
			require.NoError(t, tx.InsertAssociation(ctx, model.Association{ListingID: "joes", CategoryID: "paint"}))
			return boom
		})
		require.ErrorIs(t, err, boom)
		ds, err := s.LoadScope(ctx, "t1")
		require.NoError(t, err)
		assert.Empty(t, ds.Associations)
	})

	t.Run("load scope filters published listings and active categories", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			if err := tx.InsertAssociation(ctx, model.Association{ListingID: "joes", CategoryID: "hardware", IsPrimary: true}); err != nil {
				return err
			}
			return tx.InsertAssociation(ctx, model.Association{ListingID: "draft", CategoryID: "hardware", IsPrimary: true})
		}))
		ds, err := s.LoadScope(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, ds.Listings, 1)
		assert.Contains(t, ds.Listings, "joes")
		assert.NotContains(t, ds.Categories, "retired")
		require.Len(t, ds.Associations, 1)
		assert.Equal(t, "joes", ds.Associations[0].ListingID)

		l := ds.Listings["joes"]
		require.NotNil(t, l.RatingAvg)
		assert.InDelta(t, 4.5, *l.RatingAvg, 1e-9)
		assert.True(t, l.CreatedAt.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	})

	t.Run("delete category cascades", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			return tx.InsertAssociation(ctx, model.Association{ListingID: "joes", CategoryID: "paint"})
		}))
		require.NoError(t, s.DeleteCategory(ctx, "paint"))
		ds, err := s.LoadScope(ctx, "t1")
		require.NoError(t, err)
		assert.Empty(t, ds.Associations)
	})

	t.Run("delete listing cascades", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			return tx.InsertAssociation(ctx, model.Association{ListingID: "joes", CategoryID: "paint"})
		}))
		require.NoError(t, s.DeleteListing(ctx, "joes"))
		_, ok, err := s.Listing(ctx, "joes")
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			got, err := tx.Associations(ctx, "joes")
			assert.Empty(t, got)
			return err
		}))
	})

	t.Run("scopes lists tenants", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		scopes, err := s.Scopes(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"t1", "t2"}, scopes)
	})
}

func TestInMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewInMemoryStore() })
}

func TestInMemoryStore_DuplicateInsertFails(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	seed(t, s)
	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertAssociation(ctx, model.Association{ListingID: "joes", CategoryID: "tools"}); err != nil {
			return err
		}
		return tx.InsertAssociation(ctx, model.Association{ListingID: "joes", CategoryID: "tools"})
	})
	require.Error(t, err)
	assert.Empty(t, s.AssociationsOf("joes"))
}

func TestInMemoryStore_ConcurrentTransactionsDifferentListings(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	require.NoError(t, s.UpsertCategory(ctx, model.Category{ID: "c", Active: true}))
	listings := []string{"a", "b", "c", "d"}
	for _, id := range listings {
		require.NoError(t, s.UpsertListing(ctx, model.Listing{ID: id, TenantID: "t", Published: true}))
	}

	var wg sync.WaitGroup
	for _, id := range listings {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				err := s.InTx(ctx, func(tx Tx) error {
					cur, err := tx.Associations(ctx, id)
					if err != nil {
						return err
					}
					if len(cur) == 0 {
						return tx.InsertAssociation(ctx, model.Association{ListingID: id, CategoryID: "c", IsPrimary: true})
					}
					return tx.DeleteAssociation(ctx, id, "c")
				})
				if err != nil {
					t.Errorf("tx err: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for _, id := range listings {
		assert.Empty(t, s.AssociationsOf(id), "listing %s should end with an even number of toggles", id)
	}
}
