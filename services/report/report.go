// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package report assembles analysis results into exportable documents.
//
// A Report bundles the records of one analysis window with their derived
// outputs: summary statistics, aggregation buckets, anomalies, and
// compliance violations. Writers render it as JSON or export the bucket
// table as CSV for spreadsheet consumers.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/openworld-energy/methane/services/analytics"
	"github.com/openworld-energy/methane/services/compliance"
	"github.com/openworld-energy/methane/services/store"
)

// Report is one assembled analysis document.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`

	// Window delimits the analyzed time range.
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	Summary    store.Summary          `json:"summary"`
	Buckets    []analytics.Bucket     `json:"buckets,omitempty"`
	Anomalies  []analytics.Anomaly    `json:"anomalies,omitempty"`
	Method     analytics.Method       `json:"anomaly_method,omitempty"`
	Degraded   bool                   `json:"anomaly_detection_degraded,omitempty"`
	Violations []compliance.Violation `json:"violations,omitempty"`

	// Records is included only when the caller opts in; analysis windows
	// can hold far more records than a report should carry.
	Records []store.EmissionRecord `json:"records,omitempty"`
}

// Builder assembles a Report from component outputs.
type Builder struct {
	report Report
}

// NewBuilder starts a report for the given analysis window.
func NewBuilder(start, end time.Time) *Builder {
	return &Builder{report: Report{
		GeneratedAt: time.Now().UTC(),
		WindowStart: start.UTC(),
		WindowEnd:   end.UTC(),
	}}
}

func (b *Builder) WithSummary(s store.Summary) *Builder {
	b.report.Summary = s
	return b
}

func (b *Builder) WithBuckets(buckets []analytics.Bucket) *Builder {
	b.report.Buckets = buckets
	return b
}

func (b *Builder) WithAnomalies(r analytics.Report) *Builder {
	b.report.Anomalies = r.Anomalies
	b.report.Method = r.Method
	b.report.Degraded = r.Degraded
	return b
}

func (b *Builder) WithViolations(violations []compliance.Violation) *Builder {
	b.report.Violations = violations
	return b
}

func (b *Builder) WithRecords(records []store.EmissionRecord) *Builder {
	b.report.Records = records
	return b
}

func (b *Builder) Build() Report {
	return b.report
}

// WriteJSON renders the report as indented JSON.
func WriteJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("write json report: %w", err)
	}
	return nil
}

// bucketHeader is the CSV column order for bucket exports.
var bucketHeader = []string{
	"window_start", "window_end", "site_id", "region_id",
	"count", "sum", "mean", "min", "max", "stddev", "sum_kg",
}

// WriteBucketsCSV exports aggregation buckets as CSV, one row per bucket.
func WriteBucketsCSV(w io.Writer, buckets []analytics.Bucket) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(bucketHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for _, b := range buckets {
		row := []string{
			b.WindowStart.Format(time.RFC3339),
			b.WindowEnd.Format(time.RFC3339),
			b.SiteID,
			b.RegionID,
			strconv.Itoa(b.Count),
			f(b.Sum), f(b.Mean), f(b.Min), f(b.Max), f(b.StdDev), f(b.SumKg),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
