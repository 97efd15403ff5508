// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analytics derives operational signals from stored emission
// records: fixed-width time-bucket aggregates and statistical anomaly
// flags.
//
// Both engines are stateless pure functions over their input sequence.
// The aggregator streams: it consumes a time-ordered cursor in one pass
// with O(1) state per open bucket and never retains prior records. The
// anomaly detector materializes its batch, because median/MAD statistics
// need the full distribution.
package analytics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openworld-energy/methane/pkg/timeutil"
	"github.com/openworld-energy/methane/services/store"
)

// ErrUnorderedInput is returned when a sequence that must be time-ordered
// regresses. The store's query contract guarantees ordering, so hitting
// this means a caller bug, fatal to that call.
var ErrUnorderedInput = errors.New("input records are not time-ordered")

// GroupBy selects the optional grouping key for aggregation.
type GroupBy int

const (
	// GroupNone aggregates all records into one bucket per window.
	GroupNone GroupBy = iota

	// GroupBySite keeps one bucket per site per window.
	GroupBySite

	// GroupByRegion keeps one bucket per region per window.
	GroupByRegion
)

// AggregateOptions configures one aggregation pass.
type AggregateOptions struct {
	// Window is the bucket width. Required, must be positive.
	Window time.Duration

	// GroupBy selects the grouping key. Default: GroupNone.
	GroupBy GroupBy
}

// Bucket is one per-window statistical summary. Buckets are derived,
// recomputed per query, and never persisted.
type Bucket struct {
	// WindowStart and WindowEnd delimit the half-open interval
	// [WindowStart, WindowEnd) covering the bucket.
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	// SiteID / RegionID carry the grouping key when grouping is active.
	SiteID   string `json:"site_id,omitempty"`
	RegionID string `json:"region_id,omitempty"`

	Count  int     `json:"count"`
	Sum    float64 `json:"sum"`
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"stddev"` // population

	// SumKg approximates total emitted mass over the window: each sample
	// contributes rate × window hours.
	SumKg float64 `json:"sum_kg"`
}

// accumulator holds the O(1) running state for one open bucket, using
// Welford's incremental mean/variance.
type accumulator struct {
	siteID   string
	regionID string
	count    int
	sum      float64
	min      float64
	max      float64
	mean     float64
	m2       float64
}

func (a *accumulator) add(v float64) {
	if a.count == 0 {
		a.min, a.max = v, v
	} else {
		if v < a.min {
			a.min = v
		}
		if v > a.max {
			a.max = v
		}
	}
	a.count++
	a.sum += v
	delta := v - a.mean
	a.mean += delta / float64(a.count)
	a.m2 += delta * (v - a.mean)
}

func (a *accumulator) bucket(start time.Time, window time.Duration) Bucket {
	return Bucket{
		WindowStart: start,
		WindowEnd:   start.Add(window),
		SiteID:      a.siteID,
		RegionID:    a.regionID,
		Count:       a.count,
		Sum:         a.sum,
		Mean:        a.mean,
		Min:         a.min,
		Max:         a.max,
		StdDev:      math.Sqrt(a.m2 / float64(a.count)),
		SumKg:       a.sum * window.Hours(),
	}
}

// Aggregate consumes a time-ordered record sequence in a single streaming
// pass and produces per-bucket summaries in ascending window order.
//
// Each record lands in the bucket covering floor(ts/window)*window.
// Because input is time-ordered, only buckets of one window are open at a
// time; grouping multiplies open buckets per window but each stays O(1)
// state. Buckets close and emit as soon as the input advances past their
// window.
//
// Returns ErrUnorderedInput if a record's timestamp regresses, and
// propagates cursor read errors.
func Aggregate(cur store.RecordCursor, opts AggregateOptions) ([]Bucket, error) {
	if opts.Window <= 0 {
		return nil, fmt.Errorf("aggregate: window must be positive, got %v", opts.Window)
	}

	var (
		out         []Bucket
		open        = make(map[string]*accumulator)
		windowStart time.Time
		prev        time.Time
		first       = true
	)

	flush := func() {
		if len(open) == 0 {
			return
		}
		keys := make([]string, 0, len(open))
		for k := range open {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, open[k].bucket(windowStart, opts.Window))
			delete(open, k)
		}
	}

	for cur.Next() {
		rec := cur.Record()
		ts := rec.Timestamp

		if !first && ts.Before(prev) {
			return nil, fmt.Errorf("%w: %s after %s",
				ErrUnorderedInput, ts.Format(time.RFC3339), prev.Format(time.RFC3339))
		}
		prev = ts

		start := timeutil.FloorToWindow(ts, opts.Window)
		if first {
			windowStart = start
			first = false
		} else if start.After(windowStart) {
			// Input advanced past the open window: close and emit.
			flush()
			windowStart = start
		}

		key, site, region := groupKey(rec, opts.GroupBy)
		acc, ok := open[key]
		if !ok {
			acc = &accumulator{siteID: site, regionID: region}
			open[key] = acc
		}
		acc.add(rec.RateKgPerH)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	flush()
	return out, nil
}

func groupKey(rec store.EmissionRecord, g GroupBy) (key, site, region string) {
	switch g {
	case GroupBySite:
		return rec.SiteID, rec.SiteID, ""
	case GroupByRegion:
		return rec.RegionID, "", rec.RegionID
	default:
		return "", "", ""
	}
}

// ParseWindow parses a window length like "1h", "15m", or "30s".
func ParseWindow(window string) (time.Duration, error) {
	w := strings.ToLower(strings.TrimSpace(window))
	if len(w) < 2 {
		return 0, fmt.Errorf("unsupported window format %q: use like \"1h\", \"15m\", \"30s\"", window)
	}
	value, err := strconv.ParseFloat(w[:len(w)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("unsupported window format %q: use like \"1h\", \"15m\", \"30s\"", window)
	}
	var unit time.Duration
	switch w[len(w)-1] {
	case 'h':
		unit = time.Hour
	case 'm':
		unit = time.Minute
	case 's':
		unit = time.Second
	default:
		return 0, fmt.Errorf("unsupported window format %q: use like \"1h\", \"15m\", \"30s\"", window)
	}
	d := time.Duration(value * float64(unit))
	if d <= 0 {
		return 0, fmt.Errorf("window must be positive, got %q", window)
	}
	return d, nil
}
