// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package compliance evaluates emission records against threshold rules
// and turns sustained breaches into violations with remediation deadlines.
//
// The evaluator is a pure function over a closed, time-ordered batch: a
// maximal contiguous run of readings strictly above the rule threshold
// produces exactly one violation. Distinct sites are evaluated
// independently with no cross-site state.
package compliance

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/openworld-energy/methane/services/analytics"
	"github.com/openworld-energy/methane/services/store"
)

// ErrUnorderedInput is returned when a per-site record sequence regresses
// in time. The store's query contract guarantees ordering, so this is a
// caller bug, fatal to the call.
var ErrUnorderedInput = analytics.ErrUnorderedInput

// Violation statuses.
const (
	// StatusOpen marks a violation whose remediation deadline has not
	// passed at evaluation time.
	StatusOpen = "open"

	// StatusOverdue marks a violation past its remediation deadline.
	StatusOverdue = "overdue"
)

// Violation records one maximal contiguous run of readings above a rule's
// threshold. Ephemeral unless a caller persists it.
type Violation struct {
	// ViolationID uniquely identifies this violation instance.
	ViolationID string `json:"violation_id"`

	SiteID   string `json:"site_id"`
	RegionID string `json:"region_id"`

	RuleID          string  `json:"rule_id"`
	ThresholdKgPerH float64 `json:"threshold_kg_per_h"`

	// FirstBreachAt and LastBreachAt are the timestamps of the first and
	// last breaching record of the run.
	FirstBreachAt time.Time `json:"first_breach_at"`
	LastBreachAt  time.Time `json:"last_breach_at"`

	// RecordCount is the number of breaching records in the run.
	RecordCount int `json:"record_count"`

	// PeakKgPerH is the highest rate observed during the run.
	PeakKgPerH float64 `json:"peak_kg_per_h"`

	// RemediationDueAt is FirstBreachAt plus the rule's grace period.
	RemediationDueAt time.Time `json:"remediation_due_at"`

	// Status is "open" or "overdue", judged against the clock at
	// evaluation time.
	Status string `json:"status"`

	Details string `json:"details,omitempty"`
}

// timeNow is swapped in tests.
var timeNow = time.Now

// EvaluateSite finds maximal contiguous runs of rate strictly above the
// rule threshold in a time-ordered single-site sequence and produces one
// Violation per run. A run ends when a non-breaching record is observed or
// the sequence ends.
//
// Returns ErrUnorderedInput if a timestamp regresses.
func EvaluateSite(records []store.EmissionRecord, rule ThresholdRule) ([]Violation, error) {
	now := timeNow().UTC()

	var (
		out []Violation
		run []store.EmissionRecord
	)
	flush := func() {
		if len(run) == 0 {
			return
		}
		out = append(out, newViolation(run, rule, now))
		run = run[:0]
	}

	var prev time.Time
	for i, rec := range records {
		if i > 0 && rec.Timestamp.Before(prev) {
			return nil, fmt.Errorf("site %s: %w: %s after %s",
				rec.SiteID, ErrUnorderedInput,
				rec.Timestamp.Format(time.RFC3339), prev.Format(time.RFC3339))
		}
		prev = rec.Timestamp

		if rec.RateKgPerH > rule.ThresholdKgPerH {
			run = append(run, rec)
		} else {
			flush()
		}
	}
	flush()
	return out, nil
}

// Evaluate partitions records by site and evaluates each site
// independently against the rule. Output is ordered by site id, and by
// FirstBreachAt within a site.
func Evaluate(records []store.EmissionRecord, rule ThresholdRule) ([]Violation, error) {
	bySite := make(map[string][]store.EmissionRecord)
	sites := make([]string, 0)
	for _, rec := range records {
		if _, ok := bySite[rec.SiteID]; !ok {
			sites = append(sites, rec.SiteID)
		}
		bySite[rec.SiteID] = append(bySite[rec.SiteID], rec)
	}
	sort.Strings(sites)

	var out []Violation
	for _, site := range sites {
		violations, err := EvaluateSite(bySite[site], rule)
		if err != nil {
			return nil, err
		}
		out = append(out, violations...)
	}
	return out, nil
}

func newViolation(run []store.EmissionRecord, rule ThresholdRule, now time.Time) Violation {
	first, last := run[0], run[len(run)-1]
	peak := first.RateKgPerH
	for _, rec := range run[1:] {
		if rec.RateKgPerH > peak {
			peak = rec.RateKgPerH
		}
	}
	due := first.Timestamp.Add(time.Duration(rule.DueDays) * 24 * time.Hour)

	status := StatusOpen
	if now.After(due) {
		status = StatusOverdue
	}

	return Violation{
		ViolationID:      uuid.NewString(),
		SiteID:           first.SiteID,
		RegionID:         first.RegionID,
		RuleID:           rule.RuleID,
		ThresholdKgPerH:  rule.ThresholdKgPerH,
		FirstBreachAt:    first.Timestamp,
		LastBreachAt:     last.Timestamp,
		RecordCount:      len(run),
		PeakKgPerH:       peak,
		RemediationDueAt: due,
		Status:           status,
		Details: fmt.Sprintf("%d reading(s) above %.2f kg/h, peak %.2f kg/h",
			len(run), rule.ThresholdKgPerH, peak),
	}
}
