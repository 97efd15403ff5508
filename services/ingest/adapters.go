// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ingest translates external sensor files into normalized emission
// records and feeds them to a store.
//
// Adapters parse one format each (CSV, JSON) and apply per-row validation
// with skip-and-report: a malformed row never aborts the file, it is
// collected as a RowError and surfaced to the caller alongside the parsed
// records. Unit conversion to kg/h happens here, so the store only ever
// sees normalized rates.
package ingest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/openworld-energy/methane/pkg/timeutil"
	"github.com/openworld-energy/methane/pkg/units"
	"github.com/openworld-energy/methane/services/store"
)

// Required CSV columns. Order does not matter; extra columns are ignored.
var requiredColumns = []string{"timestamp", "site_id", "region_id", "value", "unit"}

// RowError reports one skipped input row.
type RowError struct {
	// Row is the 1-based position in the input: CSV line number
	// (header included) or JSON array index plus one.
	Row    int
	Reason string
}

func (e RowError) String() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
}

// Result is the outcome of parsing one input file.
type Result struct {
	Records []store.EmissionRecord
	Skipped []RowError
}

// Adapter parses one external format into normalized records.
type Adapter interface {
	// Parse reads the whole input. Returns an error only for input-level
	// failures (unreadable stream, missing header); row-level problems
	// land in Result.Skipped.
	Parse(r io.Reader) (Result, error)

	// Name identifies the format for logging.
	Name() string
}

// ---------------------------------------------------------------------------
// CSV
// ---------------------------------------------------------------------------

// CSVAdapter parses sensor CSV exports. The header must contain the
// columns timestamp, site_id, region_id, value, and unit.
type CSVAdapter struct {
	// Source tags every parsed record's provenance. Defaults to "csv".
	Source string
}

func (a *CSVAdapter) Name() string { return "csv" }

func (a *CSVAdapter) Parse(r io.Reader) (Result, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return Result{}, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return Result{}, fmt.Errorf("csv header is missing required column %q", name)
		}
	}

	source := a.Source
	if source == "" {
		source = "csv"
	}

	var res Result
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Malformed CSV row (bad quoting, wrong field count):
			// skip and continue with the next line.
			res.Skipped = append(res.Skipped, RowError{Row: line, Reason: err.Error()})
			continue
		}

		rec, perr := parseRow(rawRow{
			Timestamp: row[cols["timestamp"]],
			SiteID:    row[cols["site_id"]],
			RegionID:  row[cols["region_id"]],
			Value:     row[cols["value"]],
			Unit:      row[cols["unit"]],
			Source:    source,
		})
		if perr != nil {
			res.Skipped = append(res.Skipped, RowError{Row: line, Reason: perr.Error()})
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// JSON
// ---------------------------------------------------------------------------

// jsonReading is the accepted JSON shape: a top-level array of readings.
type jsonReading struct {
	Timestamp string   `json:"timestamp"`
	SiteID    string   `json:"site_id"`
	RegionID  string   `json:"region_id"`
	Value     *float64 `json:"value"`
	Unit      string   `json:"unit"`
	Source    string   `json:"source"`
}

// JSONAdapter parses a JSON array of sensor readings with the same fields
// as the CSV columns, plus an optional per-reading source tag.
type JSONAdapter struct {
	Source string
}

func (a *JSONAdapter) Name() string { return "json" }

func (a *JSONAdapter) Parse(r io.Reader) (Result, error) {
	var readings []jsonReading
	dec := json.NewDecoder(r)
	if err := dec.Decode(&readings); err != nil {
		return Result{}, fmt.Errorf("decode json readings: %w", err)
	}

	source := a.Source
	if source == "" {
		source = "json"
	}

	var res Result
	for i, reading := range readings {
		if reading.Value == nil {
			res.Skipped = append(res.Skipped, RowError{Row: i + 1, Reason: "missing value"})
			continue
		}
		src := reading.Source
		if src == "" {
			src = source
		}
		rec, err := parseRow(rawRow{
			Timestamp: reading.Timestamp,
			SiteID:    reading.SiteID,
			RegionID:  reading.RegionID,
			Value:     strconv.FormatFloat(*reading.Value, 'g', -1, 64),
			Unit:      reading.Unit,
			Source:    src,
		})
		if err != nil {
			res.Skipped = append(res.Skipped, RowError{Row: i + 1, Reason: err.Error()})
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// Shared row normalization
// ---------------------------------------------------------------------------

type rawRow struct {
	Timestamp string
	SiteID    string
	RegionID  string
	Value     string
	Unit      string
	Source    string
}

// parseRow converts one raw row into a normalized record: timestamp to
// UTC, value to kg/h. Identifier and rate validation is left to the store,
// the sole arbiter of the record invariants, but unparseable fields are
// rejected here.
func parseRow(row rawRow) (store.EmissionRecord, error) {
	ts, err := timeutil.ParseTimestamp(strings.TrimSpace(row.Timestamp))
	if err != nil {
		return store.EmissionRecord{}, err
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(row.Value), 64)
	if err != nil {
		return store.EmissionRecord{}, fmt.Errorf("unparseable value %q", row.Value)
	}

	unit, err := units.Parse(row.Unit)
	if err != nil {
		return store.EmissionRecord{}, err
	}
	rate, err := units.ToKgPerHour(value, unit)
	if err != nil {
		return store.EmissionRecord{}, err
	}

	rec := store.EmissionRecord{
		Timestamp:  ts,
		SiteID:     strings.TrimSpace(row.SiteID),
		RegionID:   strings.TrimSpace(row.RegionID),
		RateKgPerH: rate,
		Source:     row.Source,
	}
	if err := rec.Validate(); err != nil {
		return store.EmissionRecord{}, err
	}
	return rec, nil
}
