package model

import (
	"strings"
	"time"
)

// CategoryScope tells whether a category is platform-wide or tenant-custom.
type CategoryScope string

const (
	ScopePlatform CategoryScope = "platform"
	ScopeTenant   CategoryScope = "tenant"
)

// Listing is a published business location as held by the source store.
type Listing struct {
	ID          string    `json:"id" yaml:"id"`
	TenantID    string    `json:"tenant_id" yaml:"tenant_id"`
	Name        string    `json:"name" yaml:"name"`
	Slug        string    `json:"slug" yaml:"slug"`
	City        string    `json:"city,omitempty" yaml:"city"`
	State       string    `json:"state,omitempty" yaml:"state"`
	Lat         *float64  `json:"lat,omitempty" yaml:"lat"`
	Lng         *float64  `json:"lng,omitempty" yaml:"lng"`
	RatingAvg   *float64  `json:"rating_avg,omitempty" yaml:"rating_avg"`
	RatingCount int64     `json:"rating_count" yaml:"rating_count"`
	ItemCount   int64     `json:"item_count" yaml:"item_count"`
	Featured    bool      `json:"featured" yaml:"featured"`
	Published   bool      `json:"published" yaml:"published"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// HasLocation reports whether both coordinates are set.
func (l Listing) HasLocation() bool { return l.Lat != nil && l.Lng != nil }

// Category is a taxonomy entry. TenantID is empty for platform categories.
type Category struct {
	ID          string        `json:"id" yaml:"id"`
	Scope       CategoryScope `json:"scope" yaml:"scope"`
	TenantID    string        `json:"tenant_id,omitempty" yaml:"tenant_id"`
	Name        string        `json:"name" yaml:"name"`
	Slug        string        `json:"slug" yaml:"slug"`
	ExternalRef string        `json:"external_ref,omitempty" yaml:"external_ref"`
	ParentID    *string       `json:"parent_id,omitempty" yaml:"parent_id"`
	Active      bool          `json:"active" yaml:"active"`
}

// UsableBy reports whether a listing of tenantID may be classified under c.
func (c Category) UsableBy(tenantID string) bool {
	if c.Scope == ScopeTenant {
		return c.TenantID == tenantID
	}
	return true
}

// Association links a listing to a category. (ListingID, CategoryID) is unique.
type Association struct {
	ListingID  string `json:"listing_id"`
	CategoryID string `json:"category_id"`
	IsPrimary  bool   `json:"is_primary"`
}

// ListingCategoryChanged is the ingress event emitted by the source store
// whenever a listing's category selection may have changed.
type ListingCategoryChanged struct {
	ListingID            string   `json:"listing_id"`
	TenantID             string   `json:"tenant_id"`
	PrimaryCategoryID    string   `json:"primary_category_id"`
	SecondaryCategoryIDs []string `json:"secondary_category_ids"`
	Published            bool     `json:"published"`
}

// Normalize trims ids, drops blank and duplicate secondaries and removes the
// primary from the secondary list.
func Normalize(ev ListingCategoryChanged) ListingCategoryChanged {
	out := ListingCategoryChanged{
		ListingID:         strings.TrimSpace(ev.ListingID),
		TenantID:          strings.TrimSpace(ev.TenantID),
		PrimaryCategoryID: strings.TrimSpace(ev.PrimaryCategoryID),
		Published:         ev.Published,
	}
	seen := map[string]struct{}{out.PrimaryCategoryID: {}}
	for _, id := range ev.SecondaryCategoryIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out.SecondaryCategoryIDs = append(out.SecondaryCategoryIDs, id)
	}
	return out
}

// DesiredAssociations returns {primary} ∪ secondaries for a normalized event,
// primary first.
func DesiredAssociations(ev ListingCategoryChanged) []Association {
	out := make([]Association, 0, 1+len(ev.SecondaryCategoryIDs))
	out = append(out, Association{ListingID: ev.ListingID, CategoryID: ev.PrimaryCategoryID, IsPrimary: true})
	for _, id := range ev.SecondaryCategoryIDs {
		out = append(out, Association{ListingID: ev.ListingID, CategoryID: id})
	}
	return out
}

// FlatRow is one row of the flattened listing-per-category view.
type FlatRow struct {
	CategoryID  string    `json:"category_id"`
	ListingID   string    `json:"listing_id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	City        string    `json:"city,omitempty"`
	State       string    `json:"state,omitempty"`
	Lat         *float64  `json:"lat,omitempty"`
	Lng         *float64  `json:"lng,omitempty"`
	RatingAvg   *float64  `json:"rating_avg,omitempty"`
	RatingCount int64     `json:"rating_count"`
	ItemCount   int64     `json:"item_count"`
	Featured    bool      `json:"featured"`
	IsPrimary   bool      `json:"is_primary"`
	CreatedAt   time.Time `json:"created_at"`
}

// CategoryStats is one row of the per-category statistics view. The sum
// fields let rows from several scopes merge exactly.
type CategoryStats struct {
	CategoryID     string   `json:"category_id"`
	Name           string   `json:"name"`
	Slug           string   `json:"slug"`
	StoreCount     int64    `json:"store_count"`
	PrimaryCount   int64    `json:"primary_count"`
	SecondaryCount int64    `json:"secondary_count"`
	ItemCountSum   int64    `json:"item_count_sum"`
	ItemCountAvg   float64  `json:"item_count_avg"`
	RatingSum      float64  `json:"rating_sum"`
	RatedCount     int64    `json:"rated_count"`
	RatingAvg      *float64 `json:"avg_rating,omitempty"`
	ReviewCount    int64    `json:"review_count"`
	FeaturedCount  int64    `json:"featured_count"`
	Cities         []string `json:"cities"`
	States         []string `json:"states"`
}

// Finalize recomputes the derived averages from the sums.
func (s *CategoryStats) Finalize() {
	s.ItemCountAvg = 0
	if s.StoreCount > 0 {
		s.ItemCountAvg = float64(s.ItemCountSum) / float64(s.StoreCount)
	}
	s.RatingAvg = nil
	if s.RatedCount > 0 {
		avg := s.RatingSum / float64(s.RatedCount)
		s.RatingAvg = &avg
	}
}
