// Package fixture loads directory seed data (categories and listings) from
// YAML and ships a small sample directory used by tests and gen-events.
package fixture

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"dirsync/internal/model"
)

// Directory is the seed document.
type Directory struct {
	Categories []model.Category `yaml:"categories"`
	Listings   []model.Listing  `yaml:"listings"`
	// Selections are projected after the listings are stored.
	Selections []Selection `yaml:"selections"`
}

// Selection is a listing's category choice in seed form.
type Selection struct {
	ListingID string   `yaml:"listing_id"`
	Primary   string   `yaml:"primary"`
	Secondary []string `yaml:"secondary"`
}

// Event converts s into an ingress event for the listing's tenant.
func (s Selection) Event(tenantID string) model.ListingCategoryChanged {
	return model.ListingCategoryChanged{
		ListingID:            s.ListingID,
		TenantID:             tenantID,
		PrimaryCategoryID:    s.Primary,
		SecondaryCategoryIDs: s.Secondary,
		Published:            true,
	}
}

func Load(path string) (*Directory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Directory, error) {
	var d Directory
	if err := yaml.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	for i, c := range d.Categories {
		if c.ID == "" {
			return nil, fmt.Errorf("category #%d: id is required", i)
		}
		if c.Scope == "" {
			d.Categories[i].Scope = model.ScopePlatform
		}
	}
	for i, l := range d.Listings {
		if l.ID == "" || l.TenantID == "" {
			return nil, fmt.Errorf("listing #%d: id and tenant_id are required", i)
		}
	}
	return &d, nil
}

// Writer receives directory upserts. Both state.Store and the projector
// satisfy it; the projector also schedules refreshes.
type Writer interface {
	UpsertCategory(ctx context.Context, c model.Category) error
	UpsertListing(ctx context.Context, l model.Listing) error
}

// Apply upserts categories then listings. Selections are left to the caller
// so they go through the projector.
func (d *Directory) Apply(ctx context.Context, st Writer) error {
	for _, c := range d.Categories {
		if err := st.UpsertCategory(ctx, c); err != nil {
			return fmt.Errorf("upsert category %s: %w", c.ID, err)
		}
	}
	for _, l := range d.Listings {
		if err := st.UpsertListing(ctx, l); err != nil {
			return fmt.Errorf("upsert listing %s: %w", l.ID, err)
		}
	}
	return nil
}

// TenantOf returns the tenant of a seeded listing.
func (d *Directory) TenantOf(listingID string) string {
	for _, l := range d.Listings {
		if l.ID == listingID {
			return l.TenantID
		}
	}
	return ""
}

func ptr(v float64) *float64 { return &v }

// Sample returns a small two-tenant directory around Joe's Hardware.
func Sample() *Directory {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Directory{
		Categories: []model.Category{
			{ID: "hardware", Scope: model.ScopePlatform, Name: "Hardware Store", Slug: "hardware-store", ExternalRef: "gcid:hardware_store", Active: true},
			{ID: "tools", Scope: model.ScopePlatform, Name: "Tool Rental", Slug: "tool-rental", ExternalRef: "gcid:tool_rental_service", Active: true},
			{ID: "paint", Scope: model.ScopePlatform, Name: "Paint Store", Slug: "paint-store", ExternalRef: "gcid:paint_store", Active: true},
			{ID: "garden", Scope: model.ScopePlatform, Name: "Garden Center", Slug: "garden-center", Active: true},
			{ID: "retired", Scope: model.ScopePlatform, Name: "Retired", Slug: "retired", Active: false},
			{ID: "t1-local", Scope: model.ScopeTenant, TenantID: "t1", Name: "Local Favorites", Slug: "local-favorites", Active: true},
		},
		Listings: []model.Listing{
			{ID: "joes", TenantID: "t1", Name: "Joe's Hardware", Slug: "joes-hardware", City: "Austin", State: "TX",
				Lat: ptr(30.2672), Lng: ptr(-97.7431), RatingAvg: ptr(4.5), RatingCount: 12, ItemCount: 40,
				Featured: true, Published: true, CreatedAt: created},
			{ID: "ace", TenantID: "t1", Name: "Ace Supply", Slug: "ace-supply", City: "Round Rock", State: "TX",
				Lat: ptr(30.5083), Lng: ptr(-97.6789), RatingAvg: ptr(4.0), RatingCount: 5, ItemCount: 25,
				Published: true, CreatedAt: created.Add(24 * time.Hour)},
			{ID: "brushes", TenantID: "t1", Name: "Brushes & Co", Slug: "brushes-co", City: "Austin", State: "TX",
				Published: true, ItemCount: 10, CreatedAt: created.Add(48 * time.Hour)},
			{ID: "draft", TenantID: "t1", Name: "Draft Shop", Slug: "draft-shop", Published: false, CreatedAt: created},
			{ID: "greens", TenantID: "t2", Name: "Greens Nursery", Slug: "greens-nursery", City: "Denver", State: "CO",
				Lat: ptr(39.7392), Lng: ptr(-104.9903), RatingAvg: ptr(3.5), RatingCount: 2, ItemCount: 60,
				Published: true, CreatedAt: created},
		},
		Selections: []Selection{
			{ListingID: "joes", Primary: "hardware", Secondary: []string{"tools"}},
			{ListingID: "ace", Primary: "hardware"},
			{ListingID: "brushes", Primary: "tools", Secondary: []string{"hardware"}},
			{ListingID: "greens", Primary: "garden", Secondary: []string{"hardware"}},
		},
	}
}

// RandomEvents draws n selection changes over the published listings of d.
// Each event picks a primary and up to maxSecondary secondaries among the
// active categories the listing's tenant may use.
func (d *Directory) RandomEvents(r *rand.Rand, n, maxSecondary int) []model.ListingCategoryChanged {
	var listings []model.Listing
	for _, l := range d.Listings {
		if l.Published {
			listings = append(listings, l)
		}
	}
	if len(listings) == 0 || n <= 0 {
		return nil
	}
	out := make([]model.ListingCategoryChanged, 0, n)
	for len(out) < n {
		l := listings[r.IntN(len(listings))]
		var usable []string
		for _, c := range d.Categories {
			if c.Active && c.UsableBy(l.TenantID) {
				usable = append(usable, c.ID)
			}
		}
		if len(usable) == 0 {
			continue
		}
		r.Shuffle(len(usable), func(i, j int) { usable[i], usable[j] = usable[j], usable[i] })
		k := 0
		if maxSecondary > 0 {
			k = r.IntN(min(maxSecondary, len(usable)-1) + 1)
		}
		out = append(out, model.ListingCategoryChanged{
			ListingID:            l.ID,
			TenantID:             l.TenantID,
			PrimaryCategoryID:    usable[0],
			SecondaryCategoryIDs: usable[1 : 1+k],
			Published:            true,
		})
	}
	return out
}
