// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/openworld-energy/methane/services/store"
)

// Method identifies an anomaly detection method.
type Method string

const (
	// MethodRobustZ flags readings whose modified z-score (median/MAD
	// based) exceeds the threshold. Median/MAD is insensitive to the very
	// outliers being searched for, unlike mean/stddev.
	MethodRobustZ Method = "robust_z"

	// MethodSeasonal subtracts a per-phase median baseline (daily cycle
	// by default) before robust z-scoring the residuals.
	MethodSeasonal Method = "seasonal"
)

// DefaultZThreshold is the |score| cutoff when the config leaves it unset.
const DefaultZThreshold = 3.0

// DefaultSeasonalPeriodHours is the cycle length for seasonal detection.
const DefaultSeasonalPeriodHours = 24

// DetectorConfig selects the detection method and thresholds.
type DetectorConfig struct {
	// Method selects robust_z or seasonal. Default: MethodRobustZ.
	Method Method `json:"method"`

	// ZThreshold is the |score| cutoff. Default: 3.0.
	ZThreshold float64 `json:"z_threshold"`

	// SeasonalPeriodHours is the cycle length in hours for the seasonal
	// method. Default: 24.
	SeasonalPeriodHours int `json:"seasonal_period_hours"`
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.Method == "" {
		c.Method = MethodRobustZ
	}
	if c.ZThreshold <= 0 {
		c.ZThreshold = DefaultZThreshold
	}
	if c.SeasonalPeriodHours <= 0 {
		c.SeasonalPeriodHours = DefaultSeasonalPeriodHours
	}
	return c
}

// Anomaly flags one statistically unusual reading. Ephemeral, produced per
// detection run.
type Anomaly struct {
	Record    store.EmissionRecord `json:"record"`
	Score     float64              `json:"score"`
	Method    Method               `json:"method"`
	Threshold float64              `json:"threshold"`
}

// Report is the result of one detection run.
//
// Method records which method actually ran: seasonal detection over an
// input shorter than two full periods degrades to robust_z, and Degraded
// is set so callers can tell. Degradation is a reported mode, not an
// error.
type Report struct {
	Anomalies []Anomaly `json:"anomalies"`
	Method    Method    `json:"method"`
	Degraded  bool      `json:"degraded,omitempty"`
}

// DetectAnomalies scores every record against the configured method and
// returns the flagged ones.
//
// Pure function over a closed batch: both methods need the full value
// distribution in memory for the median/MAD pass, which bounds the
// detector to analysis batches rather than unbounded streams, by design.
// Re-running on the same input yields identical output.
func DetectAnomalies(records []store.EmissionRecord, cfg DetectorConfig) Report {
	cfg = cfg.withDefaults()

	if cfg.Method == MethodSeasonal {
		if residuals, ok := seasonalResiduals(records, cfg.SeasonalPeriodHours); ok {
			return Report{
				Anomalies: flag(records, residuals, MethodSeasonal, cfg.ZThreshold),
				Method:    MethodSeasonal,
			}
		}
		// Less than two full periods: degraded mode, plain robust z.
		values := rates(records)
		return Report{
			Anomalies: flag(records, values, MethodRobustZ, cfg.ZThreshold),
			Method:    MethodRobustZ,
			Degraded:  true,
		}
	}

	return Report{
		Anomalies: flag(records, rates(records), MethodRobustZ, cfg.ZThreshold),
		Method:    MethodRobustZ,
	}
}

// flag computes modified z-scores over values and returns an Anomaly for
// every |score| strictly above threshold.
func flag(records []store.EmissionRecord, values []float64, method Method, threshold float64) []Anomaly {
	scores := RobustZScores(values)
	var out []Anomaly
	for i, z := range scores {
		if math.Abs(z) > threshold {
			out = append(out, Anomaly{
				Record:    records[i],
				Score:     z,
				Method:    method,
				Threshold: threshold,
			})
		}
	}
	return out
}

func rates(records []store.EmissionRecord) []float64 {
	values := make([]float64, len(records))
	for i, r := range records {
		values[i] = r.RateKgPerH
	}
	return values
}

// RobustZScores computes the modified z-score 0.6745*(x-median)/MAD for
// every value.
//
// When MAD is zero (at least half the values identical), every value equal
// to the median scores 0 and any deviation scores ±Inf: with no dispersion
// estimate, any deviation at all is unconditionally anomalous.
func RobustZScores(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	med := Median(values)
	madV := MAD(values)

	scores := make([]float64, len(values))
	for i, v := range values {
		switch {
		case madV != 0:
			scores[i] = 0.6745 * (v - med) / madV
		case v == med:
			scores[i] = 0
		default:
			scores[i] = math.Inf(sign(v - med))
		}
	}
	return scores
}

func sign(v float64) int {
	if v < 0 {
		return -1
	}
	return 1
}

// Median returns the median of values. Does not modify the input.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// MAD returns the median absolute deviation, a robust dispersion
// estimator: median of |x_i - median(x)|.
func MAD(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	med := Median(values)
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - med)
	}
	return Median(deviations)
}

// seasonalResiduals subtracts a per-phase median baseline from every
// reading. Phase is the hour-of-period of the record's timestamp
// ((unix/3600) mod periodHours), so phase assignment follows the clock
// rather than sample position and tolerates gaps.
//
// Requires at least two full periods of time span; returns ok=false when
// the input is too short for a seasonal estimate.
func seasonalResiduals(records []store.EmissionRecord, periodHours int) ([]float64, bool) {
	if len(records) == 0 {
		return nil, false
	}

	minTs, maxTs := records[0].Timestamp, records[0].Timestamp
	for _, r := range records[1:] {
		if r.Timestamp.Before(minTs) {
			minTs = r.Timestamp
		}
		if r.Timestamp.After(maxTs) {
			maxTs = r.Timestamp
		}
	}
	period := time.Duration(periodHours) * time.Hour
	if maxTs.Sub(minTs) < 2*period {
		return nil, false
	}

	phases := make([]int, len(records))
	byPhase := make(map[int][]float64, periodHours)
	for i, r := range records {
		p := int((r.Timestamp.Unix() / 3600) % int64(periodHours))
		phases[i] = p
		byPhase[p] = append(byPhase[p], r.RateKgPerH)
	}

	baseline := make(map[int]float64, len(byPhase))
	for p, vs := range byPhase {
		baseline[p] = Median(vs)
	}

	residuals := make([]float64, len(records))
	for i, r := range records {
		residuals[i] = r.RateKgPerH - baseline[phases[i]]
	}
	return residuals, true
}
