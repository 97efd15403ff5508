// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package timeutil parses sensor timestamps and aligns them to windows.
//
// Field equipment reports timestamps in a handful of near-ISO formats, with
// and without zone designators. ParseTimestamp accepts all of them and
// normalizes to UTC; the rest of the system only deals in UTC instants.
package timeutil

import (
	"fmt"
	"time"
)

// commonFormats lists the timestamp layouts seen in field data, tried in
// order. Zone-less layouts are interpreted as UTC.
var commonFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05-0700",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses a timestamp string and normalizes it to UTC.
//
// Supported inputs include RFC 3339 with and without fractional seconds,
// space-separated date/time variants, numeric zone offsets with or without
// a colon, the "Z" suffix, and zone-less timestamps (taken as UTC).
//
// Returns an error when no known layout matches.
func ParseTimestamp(value string) (time.Time, error) {
	for _, layout := range commonFormats {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", value)
}

// FloorToWindow floors t to the start of its window.
//
// Windows are aligned to the Unix epoch: the result is the largest multiple
// of window at or before t. The returned time is UTC.
func FloorToWindow(t time.Time, window time.Duration) time.Time {
	secs := int64(window / time.Second)
	if secs <= 0 {
		return t.UTC()
	}
	epoch := t.Unix()
	return time.Unix(epoch-(epoch%secs), 0).UTC()
}

// Windows returns the start instants of every window touching [start, end).
//
// The first element is FloorToWindow(start, window); subsequent elements
// advance by window until end is reached.
func Windows(start, end time.Time, window time.Duration) []time.Time {
	var out []time.Time
	cur := FloorToWindow(start, window)
	for cur.Before(end) {
		out = append(out, cur)
		cur = cur.Add(window)
	}
	return out
}
