// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"encoding/json"
	"io"
)

// RecordCursor is the lazy, time-ordered sequence produced by store
// queries. Consumers iterate with the scanner idiom:
//
//	cur := st.RunQuery(q)
//	for cur.Next() {
//	    rec := cur.Record()
//	    ...
//	}
//	if err := cur.Err(); err != nil {
//	    ...
//	}
//
// A cursor may be abandoned at any point with no side effect on store
// state; callers must not assume the full result fits in memory.
type RecordCursor interface {
	// Next advances to the next record. Returns false when the sequence
	// is exhausted or a read error occurred (check Err).
	Next() bool

	// Record returns the current record. Valid only after a true Next.
	Record() EmissionRecord

	// Err returns the first error encountered, or nil on clean exhaustion.
	Err() error
}

// Cursor streams records for a resolved query snapshot. Records are read
// lazily from the log, one pread per step; committed log bytes are
// immutable so no lock is held while reading.
type Cursor struct {
	entries []indexEntry
	file    io.ReaderAt
	pos     int
	cur     EmissionRecord
	err     error
}

var _ RecordCursor = (*Cursor)(nil)

// Next advances the cursor. Returns false at the end of the sequence or on
// a read error.
func (c *Cursor) Next() bool {
	if c.err != nil || c.pos >= len(c.entries) {
		return false
	}
	e := c.entries[c.pos]
	c.pos++

	buf := make([]byte, e.length)
	if _, err := c.file.ReadAt(buf, e.offset); err != nil {
		c.err = errIO("cursor: read log entry", err)
		return false
	}
	if err := json.Unmarshal(buf, &c.cur); err != nil {
		c.err = errIO("cursor: decode log entry", err)
		return false
	}
	return true
}

// Record returns the record at the current cursor position.
func (c *Cursor) Record() EmissionRecord {
	return c.cur
}

// Err returns the first error the cursor hit, or nil.
func (c *Cursor) Err() error {
	return c.err
}

// Remaining returns how many records the cursor has left to yield.
func (c *Cursor) Remaining() int {
	return len(c.entries) - c.pos
}

// Collect drains a cursor into a slice. Intended for analysis batches that
// need the full sequence materialized (the anomaly detector) and for tests;
// streaming consumers should iterate the cursor directly.
func Collect(c RecordCursor) ([]EmissionRecord, error) {
	var out []EmissionRecord
	for c.Next() {
		out = append(out, c.Record())
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SliceCursor adapts an in-memory record slice to the RecordCursor
// interface. Used by components that run analytics over records not coming
// from a store query (adapters, tests).
type SliceCursor struct {
	records []EmissionRecord
	pos     int
}

// NewSliceCursor returns a cursor over records as given, without
// reordering.
func NewSliceCursor(records []EmissionRecord) *SliceCursor {
	return &SliceCursor{records: records}
}

// Next advances the cursor.
func (c *SliceCursor) Next() bool {
	if c.pos >= len(c.records) {
		return false
	}
	c.pos++
	return true
}

// Record returns the record at the current cursor position.
func (c *SliceCursor) Record() EmissionRecord {
	return c.records[c.pos-1]
}

// Err always returns nil; slice iteration cannot fail.
func (c *SliceCursor) Err() error {
	return nil
}
