package model

import (
	"cmp"
	"strings"
)

// compareNullableDesc orders larger values first and nil last.
func compareNullableDesc(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return cmp.Compare(*b, *a)
}

func compareBoolTrueFirst(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return -1
	}
	return 1
}

// CompareDefault is the browse order: primary before secondary, rating desc
// (nulls last), item count desc, newest first, listing id.
func CompareDefault(a, b FlatRow) int {
	if c := compareBoolTrueFirst(a.IsPrimary, b.IsPrimary); c != 0 {
		return c
	}
	if c := compareNullableDesc(a.RatingAvg, b.RatingAvg); c != 0 {
		return c
	}
	if c := cmp.Compare(b.ItemCount, a.ItemCount); c != 0 {
		return c
	}
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ListingID, b.ListingID)
}

func CompareRating(a, b FlatRow) int {
	if c := compareNullableDesc(a.RatingAvg, b.RatingAvg); c != 0 {
		return c
	}
	if c := cmp.Compare(b.RatingCount, a.RatingCount); c != 0 {
		return c
	}
	return cmp.Compare(a.ListingID, b.ListingID)
}

func CompareName(a, b FlatRow) int {
	if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
		return c
	}
	return cmp.Compare(a.ListingID, b.ListingID)
}

func CompareNewest(a, b FlatRow) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ListingID, b.ListingID)
}

// CompareStats orders stats rows by store count desc, then category id.
func CompareStats(a, b CategoryStats) int {
	if c := cmp.Compare(b.StoreCount, a.StoreCount); c != 0 {
		return c
	}
	return cmp.Compare(a.CategoryID, b.CategoryID)
}
