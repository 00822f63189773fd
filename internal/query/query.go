// Package query serves reads over the current view versions. It never waits
// on a build: every call works on the versions swapped in at call time.
package query

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"dirsync/internal/errs"
	"dirsync/internal/model"
	"dirsync/internal/snapshot"
)

const (
	MaxPageSize     = 100
	DefaultLimit    = 10
	MaxRelatedLimit = 100
)

type Sort string

const (
	SortDefault Sort = "default"
	SortRating  Sort = "rating"
	SortName    Sort = "name"
	SortNewest  Sort = "newest"
)

var sorts = map[Sort]func(a, b model.FlatRow) int{
	SortDefault: model.CompareDefault,
	SortRating:  model.CompareRating,
	SortName:    model.CompareName,
	SortNewest:  model.CompareNewest,
}

// Categories looks up rows of the category table.
type Categories interface {
	Category(ctx context.Context, id string) (model.Category, bool, error)
}

type Service struct {
	catalog    *snapshot.Catalog
	categories Categories
}

// New serves rows from catalog. Category existence is decided by categories,
// so a category with no built rows yet still pages as empty.
func New(catalog *snapshot.Catalog, categories Categories) *Service {
	return &Service{catalog: catalog, categories: categories}
}

// versions returns the current version of tenant, or of every scope when
// tenant is empty.
func (s *Service) versions(tenant string) []*snapshot.Version {
	if tenant == "" {
		return s.catalog.All()
	}
	if v := s.catalog.Get(tenant); v != nil {
		return []*snapshot.Version{v}
	}
	return nil
}

// ListCategories merges the stats rows of every version, ordered by store
// count. Categories without listings are absent.
func (s *Service) ListCategories(ctx context.Context, tenant string) ([]model.CategoryStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type acc struct {
		row            model.CategoryStats
		cities, states map[string]struct{}
	}
	merged := make(map[string]*acc)
	for _, v := range s.versions(tenant) {
		for _, r := range v.Stats() {
			a := merged[r.CategoryID]
			if a == nil {
				a = &acc{
					row:    model.CategoryStats{CategoryID: r.CategoryID, Name: r.Name, Slug: r.Slug},
					cities: map[string]struct{}{},
					states: map[string]struct{}{},
				}
				merged[r.CategoryID] = a
			}
			a.row.StoreCount += r.StoreCount
			a.row.PrimaryCount += r.PrimaryCount
			a.row.SecondaryCount += r.SecondaryCount
			a.row.ItemCountSum += r.ItemCountSum
			a.row.RatingSum += r.RatingSum
			a.row.RatedCount += r.RatedCount
			a.row.ReviewCount += r.ReviewCount
			a.row.FeaturedCount += r.FeaturedCount
			for _, c := range r.Cities {
				a.cities[c] = struct{}{}
			}
			for _, st := range r.States {
				a.states[st] = struct{}{}
			}
		}
	}
	out := make([]model.CategoryStats, 0, len(merged))
	for _, a := range merged {
		a.row.Cities = keys(a.cities)
		a.row.States = keys(a.states)
		a.row.Finalize()
		out = append(out, a.row)
	}
	slices.SortFunc(out, model.CompareStats)
	return out, nil
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

type ListingsRequest struct {
	CategoryID string
	Page       int
	Size       int
	Sort       Sort
	Tenant     string
}

type Page struct {
	Items []model.FlatRow `json:"items"`
	Page  int             `json:"page"`
	Size  int             `json:"size"`
	Total int             `json:"total"`
}

// ListListingsForCategory pages through a category's flattened rows. A
// category missing from the category table, or inactive there, is NotFound;
// an existing category without listings yields an empty page.
func (s *Service) ListListingsForCategory(ctx context.Context, req ListingsRequest) (Page, error) {
	const op = "list listings"
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if req.Sort == "" {
		req.Sort = SortDefault
	}
	less, ok := sorts[req.Sort]
	if !ok {
		return Page{}, errs.Query(op, "unknown sort %q", req.Sort)
	}
	if req.Page < 1 {
		return Page{}, errs.Query(op, "page must be >= 1, got %d", req.Page)
	}
	if req.Size < 1 || req.Size > MaxPageSize {
		return Page{}, errs.Query(op, "size must be between 1 and %d, got %d", MaxPageSize, req.Size)
	}
	if req.Page > math.MaxInt/req.Size {
		return Page{}, errs.Query(op, "page %d out of range", req.Page)
	}

	c, ok, err := s.categories.Category(ctx, req.CategoryID)
	if err != nil {
		return Page{}, fmt.Errorf("%s: lookup category %s: %w", op, req.CategoryID, err)
	}
	if !ok || !c.Active {
		return Page{}, errs.NotFound(op, "category %s not found", req.CategoryID)
	}

	var rows []model.FlatRow
	for _, v := range s.versions(req.Tenant) {
		rows = append(rows, v.Rows(req.CategoryID)...)
	}
	slices.SortStableFunc(rows, less)

	p := Page{Page: req.Page, Size: req.Size, Total: len(rows), Items: []model.FlatRow{}}
	if from := (req.Page - 1) * req.Size; from < len(rows) {
		p.Items = rows[from:min(from+req.Size, len(rows))]
	}
	return p, nil
}

type RelatedRequest struct {
	ListingID string
	// RadiusKm limits results to listings within that distance. Listings
	// without coordinates are then excluded.
	RadiusKm *float64
	Limit    int
	Tenant   string
}

type Related struct {
	ListingID        string   `json:"listing_id"`
	TenantID         string   `json:"tenant_id"`
	Name             string   `json:"name"`
	Slug             string   `json:"slug"`
	City             string   `json:"city,omitempty"`
	State            string   `json:"state,omitempty"`
	RatingAvg        *float64 `json:"rating_avg,omitempty"`
	ItemCount        int64    `json:"item_count"`
	Featured         bool     `json:"featured"`
	DistanceKm       *float64 `json:"distance_km,omitempty"`
	SharedCategories []string `json:"shared_categories"`
}

// RelatedListings returns listings sharing at least one category with the
// given listing, nearest first, then best rated. Listings without a known
// distance sort last.
func (s *Service) RelatedListings(ctx context.Context, req RelatedRequest) ([]Related, error) {
	const op = "related listings"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Limit == 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit < 0 || req.Limit > MaxRelatedLimit {
		return nil, errs.Query(op, "limit must be between 1 and %d, got %d", MaxRelatedLimit, req.Limit)
	}
	if req.RadiusKm != nil && (*req.RadiusKm < 0 || math.IsNaN(*req.RadiusKm)) {
		return nil, errs.Query(op, "radiusKm must be >= 0")
	}

	versions := s.versions(req.Tenant)
	var source []model.FlatRow
	for _, v := range versions {
		source = append(source, v.ListingRows(req.ListingID)...)
	}
	if len(source) == 0 {
		return nil, errs.NotFound(op, "listing %s not found", req.ListingID)
	}
	origin := source[0]

	byID := make(map[string]*Related)
	for _, src := range source {
		for _, v := range versions {
			for _, r := range v.Rows(src.CategoryID) {
				if r.ListingID == req.ListingID {
					continue
				}
				rel := byID[r.ListingID]
				if rel == nil {
					rel = &Related{
						ListingID: r.ListingID, TenantID: r.TenantID, Name: r.Name, Slug: r.Slug,
						City: r.City, State: r.State, RatingAvg: r.RatingAvg,
						ItemCount: r.ItemCount, Featured: r.Featured,
					}
					if origin.Lat != nil && origin.Lng != nil && r.Lat != nil && r.Lng != nil {
						d := Haversine(*origin.Lat, *origin.Lng, *r.Lat, *r.Lng)
						rel.DistanceKm = &d
					}
					byID[r.ListingID] = rel
				}
				if !slices.Contains(rel.SharedCategories, src.CategoryID) {
					rel.SharedCategories = append(rel.SharedCategories, src.CategoryID)
				}
			}
		}
	}

	out := make([]Related, 0, len(byID))
	for _, rel := range byID {
		if req.RadiusKm != nil && (rel.DistanceKm == nil || *rel.DistanceKm > *req.RadiusKm) {
			continue
		}
		slices.Sort(rel.SharedCategories)
		out = append(out, *rel)
	}
	slices.SortFunc(out, compareRelated)
	if len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

func compareRelated(a, b Related) int {
	switch {
	case a.DistanceKm != nil && b.DistanceKm == nil:
		return -1
	case a.DistanceKm == nil && b.DistanceKm != nil:
		return 1
	case a.DistanceKm != nil:
		if c := cmp.Compare(*a.DistanceKm, *b.DistanceKm); c != 0 {
			return c
		}
	}
	switch {
	case a.RatingAvg != nil && b.RatingAvg == nil:
		return -1
	case a.RatingAvg == nil && b.RatingAvg != nil:
		return 1
	case a.RatingAvg != nil:
		if c := cmp.Compare(*b.RatingAvg, *a.RatingAvg); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.ListingID, b.ListingID)
}

const earthRadiusKm = 6371.0088

// Haversine returns the great-circle distance in kilometres.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}
