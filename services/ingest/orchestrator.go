// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openworld-energy/methane/pkg/logging"
	"github.com/openworld-energy/methane/services/store"
)

// Appender is the store-side write surface the orchestrator needs.
// Satisfied by both the jsonl and badger backends.
type Appender interface {
	Append(rec store.EmissionRecord) (int64, error)
}

// Options configures an Orchestrator.
type Options struct {
	// Workers bounds concurrent file ingestion. Default: 4.
	Workers int

	// MaxRetries bounds retry attempts for transient store I/O failures
	// per record. Default: 3.
	MaxRetries int

	// Logger for skipped-row warnings and progress. Default logger when
	// nil.
	Logger *logging.Logger
}

// Stats summarizes one ingestion run.
type Stats struct {
	Files    int `json:"files"`
	Appended int `json:"appended"`

	// Skipped counts rows an adapter could not parse.
	Skipped int `json:"skipped"`

	// Rejected counts parsed records the store refused (invariant
	// violations that slipped past the adapter, or exhausted retries).
	Rejected int `json:"rejected"`
}

func (s Stats) add(other Stats) Stats {
	s.Files += other.Files
	s.Appended += other.Appended
	s.Skipped += other.Skipped
	s.Rejected += other.Rejected
	return s
}

// Orchestrator drives files through an adapter into the store, with
// bounded retries for transient I/O failures and skip-and-warn semantics
// for bad rows.
type Orchestrator struct {
	store      Appender
	workers    int
	maxRetries int
	log        *logging.Logger
}

// NewOrchestrator wires an orchestrator to a store backend.
func NewOrchestrator(st Appender, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Orchestrator{
		store:      st,
		workers:    opts.Workers,
		maxRetries: opts.MaxRetries,
		log:        opts.Logger.With("component", "ingest"),
	}
}

// AdapterFor picks an adapter by file extension (.csv, .json).
func AdapterFor(path string) (Adapter, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		return &CSVAdapter{}, nil
	case ".json":
		return &JSONAdapter{}, nil
	default:
		return nil, fmt.Errorf("no adapter for file extension %q", ext)
	}
}

// IngestFile parses one file and appends its records. Skipped rows are
// warned and counted; store rejections are counted, never retried.
// Transient I/O failures retry with exponential backoff up to MaxRetries.
func (o *Orchestrator) IngestFile(ctx context.Context, path string) (Stats, error) {
	adapter, err := AdapterFor(path)
	if err != nil {
		return Stats{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("open input file: %w", err)
	}
	defer f.Close()

	res, err := adapter.Parse(f)
	if err != nil {
		return Stats{}, fmt.Errorf("parse %s: %w", path, err)
	}

	stats := Stats{Files: 1, Skipped: len(res.Skipped)}
	for _, rowErr := range res.Skipped {
		o.log.Warn("skipped input row",
			"file", path, "format", adapter.Name(), "row", rowErr.Row, "reason", rowErr.Reason)
	}

	for _, rec := range res.Records {
		if err := o.appendWithRetry(ctx, rec); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return stats, err
			}
			stats.Rejected++
			o.log.Warn("record rejected by store",
				"file", path, "site_id", rec.SiteID, "error", err)
			continue
		}
		stats.Appended++
	}

	o.log.Info("file ingested",
		"file", path, "appended", stats.Appended,
		"skipped", stats.Skipped, "rejected", stats.Rejected)
	return stats, nil
}

// IngestFiles fans file ingestion out over the worker pool. Per-file
// stats are merged; the first hard failure cancels the group.
func (o *Orchestrator) IngestFiles(ctx context.Context, paths []string) (Stats, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)

	results := make([]Stats, len(paths))
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			stats, err := o.IngestFile(ctx, path)
			if err != nil {
				return err
			}
			results[i] = stats
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	var total Stats
	for _, s := range results {
		total = total.add(s)
	}
	return total, nil
}

// appendWithRetry appends one record, retrying transient store I/O
// failures with exponential backoff. Invariant violations are not
// retryable and return immediately.
func (o *Orchestrator) appendWithRetry(ctx context.Context, rec store.EmissionRecord) error {
	backoff := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		_, err := o.store.Append(rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrIO) || attempt >= o.maxRetries {
			return err
		}

		o.log.Warn("append failed, retrying",
			"attempt", attempt+1, "backoff", backoff.String(), "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
