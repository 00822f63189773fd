package model

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_DedupesAndDropsPrimary(t *testing.T) {
	ev := Normalize(ListingCategoryChanged{
		ListingID:            " l1 ",
		TenantID:             "t1",
		PrimaryCategoryID:    "hardware",
		SecondaryCategoryIDs: []string{"tools", "", "hardware", " tools", "paint"},
	})
	assert.Equal(t, "l1", ev.ListingID)
	assert.Equal(t, []string{"tools", "paint"}, ev.SecondaryCategoryIDs)
}

func TestDesiredAssociations_PrimaryFirst(t *testing.T) {
	got := DesiredAssociations(ListingCategoryChanged{
		ListingID:            "l1",
		PrimaryCategoryID:    "hardware",
		SecondaryCategoryIDs: []string{"tools", "paint"},
	})
	require.Len(t, got, 3)
	assert.True(t, got[0].IsPrimary)
	assert.Equal(t, "hardware", got[0].CategoryID)
	assert.False(t, got[1].IsPrimary)
	assert.False(t, got[2].IsPrimary)
}

func TestCategoryUsableBy(t *testing.T) {
	platform := Category{ID: "c1", Scope: ScopePlatform}
	custom := Category{ID: "c2", Scope: ScopeTenant, TenantID: "t1"}
	assert.True(t, platform.UsableBy("t9"))
	assert.True(t, custom.UsableBy("t1"))
	assert.False(t, custom.UsableBy("t2"))
}

func TestCategoryStatsFinalize(t *testing.T) {
	s := CategoryStats{StoreCount: 4, ItemCountSum: 10, RatingSum: 9, RatedCount: 2}
	s.Finalize()
	assert.InDelta(t, 2.5, s.ItemCountAvg, 1e-9)
	require.NotNil(t, s.RatingAvg)
	assert.InDelta(t, 4.5, *s.RatingAvg, 1e-9)

	empty := CategoryStats{}
	empty.Finalize()
	assert.Nil(t, empty.RatingAvg)
	assert.Zero(t, empty.ItemCountAvg)
}

func TestCompareDefault(t *testing.T) {
	r := func(v float64) *float64 { return &v }
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []FlatRow{
		{ListingID: "unrated", RatingAvg: nil, ItemCount: 99, CreatedAt: old},
		{ListingID: "low", RatingAvg: r(3), CreatedAt: old},
		{ListingID: "secondary", RatingAvg: r(5), CreatedAt: old},
		{ListingID: "high-few", RatingAvg: r(4.5), ItemCount: 1, CreatedAt: old, IsPrimary: true},
		{ListingID: "high-many", RatingAvg: r(4.5), ItemCount: 10, CreatedAt: old, IsPrimary: true},
		{ListingID: "high-many-new", RatingAvg: r(4.5), ItemCount: 10, CreatedAt: old.Add(time.Hour), IsPrimary: true},
	}
	rows[0].IsPrimary = true
	rows[1].IsPrimary = true
	slices.SortFunc(rows, CompareDefault)

	var ids []string
	for _, row := range rows {
		ids = append(ids, row.ListingID)
	}
	assert.Equal(t, []string{"high-many-new", "high-many", "high-few", "low", "unrated", "secondary"}, ids)
}

func TestCompareStats(t *testing.T) {
	rows := []CategoryStats{{CategoryID: "b", StoreCount: 1}, {CategoryID: "a", StoreCount: 1}, {CategoryID: "c", StoreCount: 3}}
	slices.SortFunc(rows, CompareStats)
	assert.Equal(t, "c", rows[0].CategoryID)
	assert.Equal(t, "a", rows[1].CategoryID)
}
