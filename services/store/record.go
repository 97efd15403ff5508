// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store implements the durable emission record store.
//
// The store is an append-only log of EmissionRecord values plus in-memory
// secondary indices (by time, by site, by region) that make range and
// filter queries sub-linear. The log is the source of truth; indices are
// rebuilt from it by a single replay scan at open time.
//
// # Concurrency
//
// Writers serialize among themselves; readers observe a consistent
// snapshot of the index taken at query start and never block writers.
// Committed log bytes are immutable, so cursors read the log file without
// locks.
package store

import (
	"time"

	"github.com/openworld-energy/methane/pkg/validation"
)

// EmissionRecord is one unit-normalized methane emission reading.
//
// Records are immutable values. Rates are always kg/h; source units are
// converted at the ingestion boundary before a record is constructed.
type EmissionRecord struct {
	// Timestamp is the UTC measurement instant, second precision.
	Timestamp time.Time `json:"timestamp"`

	// SiteID identifies the emitting site.
	SiteID string `json:"site_id"`

	// RegionID identifies the region containing the site.
	RegionID string `json:"region_id"`

	// RateKgPerH is the normalized emission rate. Never negative in a
	// stored record; the store rejects violations at append time.
	RateKgPerH float64 `json:"emission_rate_kg_per_h"`

	// Source is a free-text provenance tag (e.g. "csv", "json", "api").
	Source string `json:"source,omitempty"`
}

// Validate checks the record invariants enforced at the ingestion boundary:
// a non-zero timestamp, well-formed non-empty site and region identifiers,
// and a finite non-negative rate.
func (r EmissionRecord) Validate() error {
	if r.Timestamp.IsZero() {
		return errInvalid("record timestamp is zero")
	}
	if err := validation.ValidateSiteID(r.SiteID); err != nil {
		return errInvalidf("site: %v", err)
	}
	if err := validation.ValidateRegionID(r.RegionID); err != nil {
		return errInvalidf("region: %v", err)
	}
	if err := validation.ValidateRate(r.RateKgPerH); err != nil {
		return errInvalidf("rate: %v", err)
	}
	return nil
}

// Summary holds whole-store summary statistics.
type Summary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Summarize computes summary statistics over a record slice.
func Summarize(records []EmissionRecord) Summary {
	if len(records) == 0 {
		return Summary{}
	}
	s := Summary{
		Count: len(records),
		Min:   records[0].RateKgPerH,
		Max:   records[0].RateKgPerH,
	}
	var sum float64
	for _, r := range records {
		v := r.RateKgPerH
		sum += v
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Mean = sum / float64(len(records))
	return s
}
