// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badgerstore provides a BadgerDB-backed emission record store.
//
// BadgerDB gives us an embedded LSM store with atomic multi-key
// transactions, which maps naturally onto the store contract: one record
// write plus its site and region index keys commit or fail together.
//
// Keyspace:
//
//	r|<ts be64>|<seq be64>          -> record JSON (primary, time-ordered)
//	s|<site>\x00<ts be64>|<seq be64> -> nil (site posting)
//	g|<region>\x00<ts be64>|<seq be64> -> nil (region posting)
//
// Big-endian timestamps make lexicographic key order equal time order, so
// range queries are prefix seeks.
//
// This backend is an alternative to the default file-log store for
// deployments that want value-log compression and crash-safe batching;
// both implement the same storage surface.
package badgerstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/openworld-energy/methane/services/store"
)

// Config holds configuration for a BadgerDB-backed store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true for production, false for testing.
	SyncWrites bool

	// Logger is the logger for BadgerDB's internal operations.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: synchronous writes enabled.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests: in-memory, no fsync.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore is a record store backed by an embedded BadgerDB instance.
//
// Thread Safety: safe for concurrent use; BadgerDB serializes conflicting
// writes and queries run in read-only snapshot transactions.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Open creates and opens a BadgerDB-backed store with the given
// configuration. The returned store must be closed with Close().
func Open(cfg Config) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	seq, err := db.GetSequence([]byte("!seq"), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func recordKey(ts int64, seq uint64) []byte {
	key := make([]byte, 1+1+8+1+8)
	key[0] = 'r'
	key[1] = '|'
	binary.BigEndian.PutUint64(key[2:], uint64(ts))
	key[10] = '|'
	binary.BigEndian.PutUint64(key[11:], seq)
	return key
}

func postingKey(kind byte, id string, ts int64, seq uint64) []byte {
	key := make([]byte, 0, 2+len(id)+1+8+1+8)
	key = append(key, kind, '|')
	key = append(key, id...)
	key = append(key, 0)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts))
	key = append(key, buf[:]...)
	key = append(key, '|')
	binary.BigEndian.PutUint64(buf[:], seq)
	key = append(key, buf[:]...)
	return key
}

// Append validates rec and commits the record plus both posting keys in a
// single transaction. Returns the insertion sequence as the storage
// handle.
func (b *BadgerStore) Append(rec store.EmissionRecord) (int64, error) {
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Second)
	if err := rec.Validate(); err != nil {
		return 0, err
	}
	seq, err := b.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w: %w", store.ErrIO, err)
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("%w: encode record: %v", store.ErrInvalidRecord, err)
	}

	ts := rec.Timestamp.Unix()
	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(ts, seq), value); err != nil {
			return err
		}
		if err := txn.Set(postingKey('s', rec.SiteID, ts, seq), nil); err != nil {
			return err
		}
		return txn.Set(postingKey('g', rec.RegionID, ts, seq), nil)
	})
	if err != nil {
		return 0, fmt.Errorf("append: %w: %w", store.ErrIO, err)
	}
	return int64(seq), nil
}

// Select returns a lazy cursor over records matching q in ascending
// (timestamp, sequence) order. The cursor runs inside a read-only snapshot
// transaction taken at call time; writers are not blocked.
func (b *BadgerStore) Select(q store.Query) store.RecordCursor {
	txn := b.db.NewTransaction(false)
	iopts := badger.DefaultIteratorOptions
	iopts.PrefetchValues = false

	c := &cursor{txn: txn, q: q}
	switch {
	case q.SiteID != "":
		c.prefix = append([]byte("s|"), q.SiteID...)
		c.prefix = append(c.prefix, 0)
		c.checkRegion = q.RegionID
	case q.RegionID != "":
		c.prefix = append([]byte("g|"), q.RegionID...)
		c.prefix = append(c.prefix, 0)
	default:
		c.prefix = []byte("r|")
	}
	iopts.Prefix = c.prefix
	c.it = txn.NewIterator(iopts)
	c.seek()
	return c
}

// cursor iterates a snapshot transaction lazily. It implements
// store.RecordCursor; the transaction is discarded on exhaustion or error,
// or explicitly via Close when the cursor is abandoned early.
type cursor struct {
	txn         *badger.Txn
	it          *badger.Iterator
	q           store.Query
	prefix      []byte
	checkRegion string
	yielded     int
	cur         store.EmissionRecord
	err         error
	done        bool
}

func (c *cursor) seek() {
	seekKey := c.prefix
	if !c.q.Start.IsZero() {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(c.q.Start.Unix()))
		seekKey = append(append([]byte{}, c.prefix...), buf[:]...)
	}
	c.it.Seek(seekKey)
}

// keyTime extracts the big-endian timestamp following the prefix.
func (c *cursor) keyTime(key []byte) (int64, uint64, bool) {
	rest := key[len(c.prefix):]
	if len(rest) < 8 {
		return 0, 0, false
	}
	ts := int64(binary.BigEndian.Uint64(rest[:8]))
	var seq uint64
	if len(rest) >= 17 {
		seq = binary.BigEndian.Uint64(rest[9:17])
	}
	return ts, seq, true
}

func (c *cursor) Next() bool {
	if c.err != nil || c.done {
		return false
	}
	if c.q.Limit > 0 && c.yielded >= c.q.Limit {
		c.finish()
		return false
	}
	for ; c.it.ValidForPrefix(c.prefix); c.it.Next() {
		key := c.it.Item().KeyCopy(nil)
		ts, seq, ok := c.keyTime(key)
		if !ok {
			continue
		}
		if !c.q.End.IsZero() && ts >= c.q.End.Unix() {
			break
		}
		if !c.q.Start.IsZero() && ts < c.q.Start.Unix() {
			continue
		}
		rec, err := c.load(ts, seq, key)
		if err != nil {
			c.err = err
			c.finish()
			return false
		}
		if rec == nil {
			continue // filtered out (region check)
		}
		c.cur = *rec
		c.yielded++
		c.it.Next()
		return true
	}
	c.finish()
	return false
}

// load resolves the record for an iterator position. For posting-key scans
// it performs a point lookup of the primary key, applying the region
// filter when both filters are present.
func (c *cursor) load(ts int64, seq uint64, key []byte) (*store.EmissionRecord, error) {
	var value []byte
	if c.prefix[0] == 'r' {
		v, err := c.it.Item().ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("read record: %w: %w", store.ErrIO, err)
		}
		value = v
	} else {
		if c.checkRegion != "" {
			if _, err := c.txn.Get(postingKey('g', c.checkRegion, ts, seq)); err != nil {
				if err == badger.ErrKeyNotFound {
					return nil, nil
				}
				return nil, fmt.Errorf("check region posting: %w: %w", store.ErrIO, err)
			}
		}
		item, err := c.txn.Get(recordKey(ts, seq))
		if err != nil {
			return nil, fmt.Errorf("resolve record key: %w: %w", store.ErrIO, err)
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("read record: %w: %w", store.ErrIO, err)
		}
		value = v
	}

	var rec store.EmissionRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w: %w", store.ErrIO, err)
	}
	return &rec, nil
}

func (c *cursor) Record() store.EmissionRecord { return c.cur }

func (c *cursor) Err() error { return c.err }

// Close releases the snapshot transaction. Required only when the cursor
// is abandoned before exhaustion; Next handles the normal case.
func (c *cursor) Close() error {
	c.finish()
	return nil
}

func (c *cursor) finish() {
	if !c.done {
		c.done = true
		c.it.Close()
		c.txn.Discard()
	}
}

// Close releases the sequence lease and closes the database.
func (b *BadgerStore) Close() error {
	if err := b.seq.Release(); err != nil {
		return fmt.Errorf("release sequence: %w", err)
	}
	return b.db.Close()
}

var _ interface {
	Append(store.EmissionRecord) (int64, error)
	Select(store.Query) store.RecordCursor
	Close() error
} = (*BadgerStore)(nil)
