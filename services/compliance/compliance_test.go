// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package compliance

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openworld-energy/methane/services/store"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func hourly(site string, rates ...float64) []store.EmissionRecord {
	records := make([]store.EmissionRecord, len(rates))
	for i, r := range rates {
		records[i] = store.EmissionRecord{
			Timestamp:  t0.Add(time.Duration(i) * time.Hour),
			SiteID:     site,
			RegionID:   "region-1",
			RateKgPerH: r,
		}
	}
	return records
}

func fixedNow(t *testing.T, now time.Time) {
	t.Helper()
	orig := timeNow
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = orig })
}

func TestEvaluateSiteSingleRun(t *testing.T) {
	fixedNow(t, t0.Add(24*time.Hour))

	rule := ThresholdRule{RuleID: "epa-oooo-b", ThresholdKgPerH: 10, DueDays: 7}
	violations, err := EvaluateSite(hourly("site-a", 8, 12, 15, 9), rule)
	require.NoError(t, err)
	require.Len(t, violations, 1)

	v := violations[0]
	assert.Equal(t, "site-a", v.SiteID)
	assert.Equal(t, "region-1", v.RegionID)
	assert.Equal(t, "epa-oooo-b", v.RuleID)
	assert.Equal(t, 10.0, v.ThresholdKgPerH)
	assert.True(t, v.FirstBreachAt.Equal(t0.Add(1*time.Hour)))
	assert.True(t, v.LastBreachAt.Equal(t0.Add(2*time.Hour)))
	assert.Equal(t, 2, v.RecordCount)
	assert.Equal(t, 15.0, v.PeakKgPerH)
	assert.True(t, v.RemediationDueAt.Equal(t0.Add(1*time.Hour).Add(7*24*time.Hour)))
	assert.Equal(t, StatusOpen, v.Status)
	assert.NotEmpty(t, v.ViolationID)
}

func TestEvaluateSiteMultipleRuns(t *testing.T) {
	rule := ThresholdRule{RuleID: "r", ThresholdKgPerH: 5, DueDays: 1}
	violations, err := EvaluateSite(hourly("site-a", 6, 7, 3, 8, 2, 9), rule)
	require.NoError(t, err)
	require.Len(t, violations, 3)
	assert.Equal(t, 2, violations[0].RecordCount)
	assert.Equal(t, 1, violations[1].RecordCount)
	assert.Equal(t, 1, violations[2].RecordCount)
	assert.True(t, violations[1].FirstBreachAt.Equal(t0.Add(3*time.Hour)))
}

func TestEvaluateSiteThresholdIsStrict(t *testing.T) {
	rule := ThresholdRule{RuleID: "r", ThresholdKgPerH: 10, DueDays: 7}

	violations, err := EvaluateSite(hourly("site-a", 10, 10, 10), rule)
	require.NoError(t, err)
	assert.Empty(t, violations)

	violations, err = EvaluateSite(hourly("site-a", 10.0001), rule)
	require.NoError(t, err)
	assert.Len(t, violations, 1)
}

func TestEvaluateSiteRunEndsAtSequenceEnd(t *testing.T) {
	rule := ThresholdRule{RuleID: "r", ThresholdKgPerH: 10, DueDays: 7}
	violations, err := EvaluateSite(hourly("site-a", 9, 11, 12), rule)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.True(t, violations[0].LastBreachAt.Equal(t0.Add(2*time.Hour)))
}

func TestEvaluateSiteOverdueStatus(t *testing.T) {
	fixedNow(t, t0.Add(30*24*time.Hour))

	rule := ThresholdRule{RuleID: "r", ThresholdKgPerH: 10, DueDays: 7}
	violations, err := EvaluateSite(hourly("site-a", 12), rule)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, StatusOverdue, violations[0].Status)
}

func TestEvaluateSiteUnorderedInput(t *testing.T) {
	rule := ThresholdRule{RuleID: "r", ThresholdKgPerH: 10, DueDays: 7}
	records := []store.EmissionRecord{
		{Timestamp: t0.Add(time.Hour), SiteID: "site-a", RegionID: "r1", RateKgPerH: 12},
		{Timestamp: t0, SiteID: "site-a", RegionID: "r1", RateKgPerH: 14},
	}
	_, err := EvaluateSite(records, rule)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnorderedInput)
}

func TestEvaluateSiteEmptyInput(t *testing.T) {
	violations, err := EvaluateSite(nil, ThresholdRule{RuleID: "r", ThresholdKgPerH: 10})
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestEvaluatePartitionsBySite(t *testing.T) {
	rule := ThresholdRule{RuleID: "r", ThresholdKgPerH: 10, DueDays: 7}

	// Interleaved sites: each site's own sequence stays time-ordered.
	var records []store.EmissionRecord
	records = append(records, hourly("site-b", 12, 13)...)
	records = append(records, hourly("site-a", 11)...)
	records = append(records, hourly("site-c", 5)...)

	violations, err := Evaluate(records, rule)
	require.NoError(t, err)
	require.Len(t, violations, 2)
	assert.Equal(t, "site-a", violations[0].SiteID)
	assert.Equal(t, "site-b", violations[1].SiteID)
	assert.Equal(t, 2, violations[1].RecordCount)
}

func TestLoadRulesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"rules": [
			{"rule_id": "epa-oooo-b", "threshold_kg_per_h": 10.0, "remediation_due_days": 14},
			{"rule_id": "internal-tight", "threshold_kg_per_h": 2.5}
		]
	}`), 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, 14, rules[0].DueDays)
	assert.Equal(t, DefaultDueDays, rules[1].DueDays)
}

func TestLoadRulesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - rule_id: epa-oooo-b
    threshold_kg_per_h: 10.0
    remediation_due_days: 7
    description: federal quarterly threshold
`), 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "epa-oooo-b", rules[0].RuleID)
	assert.Equal(t, 10.0, rules[0].ThresholdKgPerH)
	assert.Equal(t, "federal quarterly threshold", rules[0].Description)
}

func TestLoadRulesErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadRules(filepath.Join(t.TempDir(), "absent.json"))
		require.Error(t, err)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.toml")
		require.NoError(t, os.WriteFile(path, []byte("rules = []"), 0o644))
		_, err := LoadRules(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported rules file extension")
	})

	t.Run("empty rules", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"rules": []}`), 0o644))
		_, err := LoadRules(path)
		require.Error(t, err)
	})

	t.Run("invalid threshold", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"rules": [{"rule_id": "r", "threshold_kg_per_h": -1}]}`), 0o644))
		_, err := LoadRules(path)
		require.Error(t, err)
	})
}
