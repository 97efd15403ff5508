// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"sort"
)

// indexEntry maps a sort key (timestamp, then insertion sequence for ties)
// to the byte extent of one record in the log.
type indexEntry struct {
	ts     int64 // unix seconds, UTC
	seq    uint64
	offset int64
	length int32
}

// storeIndex holds the in-memory secondary indices. It is owned exclusively
// by one Store and mutated only under the store's writer lock; readers
// snapshot matching entries under the read lock.
//
// The time index is an ordered slice keyed by (ts, seq). Readings arrive
// roughly in time order but late data happens, so insertion at an arbitrary
// sorted position is supported; the common case is append-at-tail.
//
// Postings lists (per site, per region) hold log offsets in insertion
// order. Offsets are strictly increasing across appends, so every postings
// list is also sorted and supports binary search and linear-merge
// intersection.
type storeIndex struct {
	byTime   []indexEntry
	bySite   map[string][]int64
	byRegion map[string][]int64
	byOffset map[int64]indexEntry
}

func newStoreIndex() *storeIndex {
	return &storeIndex{
		bySite:   make(map[string][]int64),
		byRegion: make(map[string][]int64),
		byOffset: make(map[int64]indexEntry),
	}
}

// insert adds one entry to all indices.
func (ix *storeIndex) insert(e indexEntry, siteID, regionID string) {
	n := len(ix.byTime)
	if n == 0 || lessEntry(ix.byTime[n-1], e) {
		ix.byTime = append(ix.byTime, e)
	} else {
		// Late-arriving reading: insert at the sorted position.
		pos := sort.Search(n, func(i int) bool {
			return lessEntry(e, ix.byTime[i])
		})
		ix.byTime = append(ix.byTime, indexEntry{})
		copy(ix.byTime[pos+1:], ix.byTime[pos:])
		ix.byTime[pos] = e
	}
	ix.bySite[siteID] = append(ix.bySite[siteID], e.offset)
	ix.byRegion[regionID] = append(ix.byRegion[regionID], e.offset)
	ix.byOffset[e.offset] = e
}

// lowerBound returns the position of the first entry with ts >= start.
func (ix *storeIndex) lowerBound(start int64) int {
	return sort.Search(len(ix.byTime), func(i int) bool {
		return ix.byTime[i].ts >= start
	})
}

func lessEntry(a, b indexEntry) bool {
	if a.ts != b.ts {
		return a.ts < b.ts
	}
	return a.seq < b.seq
}

// containsOffset reports whether a sorted postings list contains offset.
func containsOffset(postings []int64, offset int64) bool {
	i := sort.Search(len(postings), func(i int) bool { return postings[i] >= offset })
	return i < len(postings) && postings[i] == offset
}

// intersectPostings merges two sorted postings lists, keeping offsets
// present in both. O(len(a) + len(b)).
func intersectPostings(a, b []int64) []int64 {
	out := make([]int64, 0, min(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}
