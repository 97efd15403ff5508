// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/openworld-energy/methane/pkg/logging"
)

// Options configures a Store.
type Options struct {
	// Path is the log file location. Parent directories are created.
	Path string

	// SyncWrites fsyncs the log after every append. Default false; turn it
	// on when durability matters more than append latency.
	SyncWrites bool

	// Logger receives operational logs. Nil disables logging.
	Logger *logging.Logger
}

// Store is the append-only emission record store with in-memory indices.
//
// # Description
//
// One Store owns one log file and its indices. Appends serialize through a
// writer lock and update the log and all indices atomically from the
// caller's perspective: a failed log write rolls the file back to its
// pre-append size and leaves the indices untouched. Queries snapshot the
// matching index entries under a read lock and then stream records from
// the log without holding any lock.
//
// # Thread Safety
//
// Safe for concurrent use. Readers never block writers beyond the instant
// of index publication.
type Store struct {
	path       string
	syncWrites bool
	logger     *logging.Logger

	mu      sync.RWMutex
	w       *os.File
	r       *os.File
	size    int64
	nextSeq uint64
	ix      *storeIndex
	summary Summary
	sum     float64
	closed  bool

	subMu sync.Mutex
	subs  map[int]chan EmissionRecord
	subID int
}

// Open opens (or creates) the store at opts.Path and rebuilds the indices
// by replaying the log once. Replay is the only O(n) operation; it happens
// at process start.
//
// A malformed log line fails the open: the log is store-owned, so
// corruption is surfaced rather than skipped.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0750); err != nil {
		return nil, errIO("create store directory", err)
	}

	w, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return nil, errIO("open log for writing", err)
	}
	r, err := os.Open(opts.Path)
	if err != nil {
		w.Close()
		return nil, errIO("open log for reading", err)
	}

	s := &Store{
		path:       opts.Path,
		syncWrites: opts.SyncWrites,
		logger:     opts.Logger,
		w:          w,
		r:          r,
		ix:         newStoreIndex(),
		subs:       make(map[int]chan EmissionRecord),
	}
	if err := s.replay(); err != nil {
		w.Close()
		r.Close()
		return nil, err
	}
	if s.logger != nil {
		s.logger.Info("store opened", "path", opts.Path, "records", len(s.ix.byTime))
	}
	return s, nil
}

// replay scans the log once and rebuilds all indices. Sequence numbers are
// assigned in file order, preserving the original insertion order for
// timestamp ties.
func (s *Store) replay() error {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var offset int64
	for scanner.Scan() {
		line := scanner.Bytes()
		length := int64(len(line)) + 1 // trailing newline
		if len(line) > 0 {
			var rec EmissionRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return errIO(fmt.Sprintf("replay: malformed log line at offset %d", offset), err)
			}
			s.indexRecord(rec, offset, int32(length))
		}
		offset += length
	}
	if err := scanner.Err(); err != nil {
		return errIO("replay: scan log", err)
	}
	s.size = offset

	// Reposition the read handle for cursor preads.
	if _, err := s.r.Seek(0, 0); err != nil {
		return errIO("replay: rewind log", err)
	}
	return nil
}

// indexRecord publishes one record to all indices and running summary
// state. Caller holds the writer lock (or is the opening goroutine).
func (s *Store) indexRecord(rec EmissionRecord, offset int64, length int32) {
	e := indexEntry{
		ts:     rec.Timestamp.Unix(),
		seq:    s.nextSeq,
		offset: offset,
		length: length,
	}
	s.ix.insert(e, rec.SiteID, rec.RegionID)
	s.nextSeq++

	v := rec.RateKgPerH
	s.sum += v
	if s.summary.Count == 0 || v < s.summary.Min {
		s.summary.Min = v
	}
	if s.summary.Count == 0 || v > s.summary.Max {
		s.summary.Max = v
	}
	s.summary.Count++
	s.summary.Mean = s.sum / float64(s.summary.Count)
}

// Append validates rec, writes it to the durable log, and publishes it to
// all three indices atomically with the log write. Returns the record's
// log offset.
//
// Fails with ErrInvalidRecord when the non-negativity (or identifier)
// invariant is violated, and with ErrIO on persistence failure; in both
// cases prior state is intact and the caller may retry I/O failures.
func (s *Store) Append(rec EmissionRecord) (int64, error) {
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Second)
	if err := rec.Validate(); err != nil {
		return 0, err
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return 0, errInvalidf("encode record: %v", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	offset := s.size
	if _, err := s.w.WriteAt(line, offset); err != nil {
		// Roll a partial write back so log and index stay aligned.
		_ = s.w.Truncate(offset)
		s.mu.Unlock()
		return 0, errIO("append: write log", err)
	}
	if s.syncWrites {
		if err := s.w.Sync(); err != nil {
			_ = s.w.Truncate(offset)
			s.mu.Unlock()
			return 0, errIO("append: sync log", err)
		}
	}
	s.indexRecord(rec, offset, int32(len(line)))
	s.size += int64(len(line))
	s.mu.Unlock()

	s.notify(rec)
	if s.logger != nil {
		s.logger.Debug("record appended",
			"site_id", rec.SiteID,
			"offset", offset,
			"rate_kg_per_h", rec.RateKgPerH,
		)
	}
	return offset, nil
}

// AppendAll appends records in order, stopping at the first failure.
// Returns the number of records appended.
func (s *Store) AppendAll(records []EmissionRecord) (int, error) {
	for i, rec := range records {
		if _, err := s.Append(rec); err != nil {
			return i, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return len(records), nil
}

// Query describes a record query: a half-open time range [Start, End),
// optional site/region filters, and an optional result limit.
//
// Zero Start or End means unbounded on that side. Limit <= 0 means no
// limit. Limit truncates after time ordering.
type Query struct {
	Start    time.Time
	End      time.Time
	SiteID   string
	RegionID string
	Limit    int
}

// Select resolves the query against a snapshot of the index taken at call
// time and returns a lazy cursor over the matching records in ascending
// (timestamp, insertion) order.
//
// Cost is O(log n + k) for pure range queries and O(k log k) when
// site/region postings filters apply, where k is the result size. A range
// with no matches yields an empty cursor, never an error. Each call
// returns a fresh cursor; abandoning one has no effect on store state.
func (s *Store) Select(q Query) RecordCursor {
	start := int64(math.MinInt64)
	if !q.Start.IsZero() {
		start = q.Start.Unix()
	}
	end := int64(math.MaxInt64)
	if !q.End.IsZero() {
		end = q.End.Unix()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return &Cursor{err: ErrClosed}
	}
	if end <= start {
		return &Cursor{}
	}

	var entries []indexEntry
	if q.SiteID == "" && q.RegionID == "" {
		// Pure range scan: binary search for the lower bound, then walk
		// the time index until the range (or limit) is exhausted.
		for i := s.ix.lowerBound(start); i < len(s.ix.byTime); i++ {
			e := s.ix.byTime[i]
			if e.ts >= end {
				break
			}
			entries = append(entries, e)
			if q.Limit > 0 && len(entries) == q.Limit {
				break
			}
		}
	} else {
		// Postings path: intersect the sorted offset lists, map offsets
		// back to index entries, range-filter, then time-order.
		var offsets []int64
		switch {
		case q.SiteID != "" && q.RegionID != "":
			offsets = intersectPostings(s.ix.bySite[q.SiteID], s.ix.byRegion[q.RegionID])
		case q.SiteID != "":
			offsets = s.ix.bySite[q.SiteID]
		default:
			offsets = s.ix.byRegion[q.RegionID]
		}
		entries = make([]indexEntry, 0, len(offsets))
		for _, off := range offsets {
			e := s.ix.byOffset[off]
			if e.ts >= start && e.ts < end {
				entries = append(entries, e)
			}
		}
		sort.Slice(entries, func(i, j int) bool {
			return lessEntry(entries[i], entries[j])
		})
		if q.Limit > 0 && len(entries) > q.Limit {
			entries = entries[:q.Limit]
		}
	}

	return &Cursor{entries: entries, file: s.r}
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ix.byTime)
}

// Stats returns whole-store summary statistics, maintained incrementally
// on append.
func (s *Store) Stats() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary
}

// Sites returns all distinct site IDs, sorted.
func (s *Store) Sites() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.ix.bySite))
	for site := range s.ix.bySite {
		out = append(out, site)
	}
	sort.Strings(out)
	return out
}

// Regions returns all distinct region IDs, sorted.
func (s *Store) Regions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.ix.byRegion))
	for region := range s.ix.byRegion {
		out = append(out, region)
	}
	sort.Strings(out)
	return out
}

// Tail returns the last n records in ascending time order.
func (s *Store) Tail(n int) ([]EmissionRecord, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	total := len(s.ix.byTime)
	if n > total {
		n = total
	}
	entries := make([]indexEntry, n)
	copy(entries, s.ix.byTime[total-n:])
	s.mu.RUnlock()

	return Collect(&Cursor{entries: entries, file: s.r})
}

// Subscribe registers a live feed of appended records. The returned cancel
// function must be called to release the subscription. Slow consumers miss
// records rather than stall the writer: delivery drops when the channel
// buffer is full.
func (s *Store) Subscribe(buffer int) (<-chan EmissionRecord, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan EmissionRecord, buffer)

	s.subMu.Lock()
	id := s.subID
	s.subID++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify(rec EmissionRecord) {
	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- rec:
		default: // drop instead of blocking the writer
		}
	}
	s.subMu.Unlock()
}

// Close flushes and closes the log handles. In-flight cursors fail on
// their next read.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.w.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := s.w.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.r.Close(); err != nil {
		errs = append(errs, err)
	}

	s.subMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subMu.Unlock()

	if len(errs) > 0 {
		return errIO("close store", errs[0])
	}
	return nil
}
