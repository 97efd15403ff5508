// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openworld-energy/methane/services/analytics"
	"github.com/openworld-energy/methane/services/compliance"
	"github.com/openworld-energy/methane/services/store"
)

func TestBuilderAssemblesReport(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	r := NewBuilder(start, end).
		WithSummary(store.Summary{Count: 10, Mean: 3.5}).
		WithAnomalies(analytics.Report{
			Method:   analytics.MethodRobustZ,
			Degraded: true,
			Anomalies: []analytics.Anomaly{
				{Score: 5.2, Method: analytics.MethodRobustZ, Threshold: 3},
			},
		}).
		WithViolations([]compliance.Violation{{ViolationID: "v-1", SiteID: "site-a"}}).
		Build()

	assert.True(t, r.WindowStart.Equal(start))
	assert.True(t, r.WindowEnd.Equal(end))
	assert.Equal(t, 10, r.Summary.Count)
	assert.Equal(t, analytics.MethodRobustZ, r.Method)
	assert.True(t, r.Degraded)
	assert.Len(t, r.Anomalies, 1)
	assert.Len(t, r.Violations, 1)
	assert.False(t, r.GeneratedAt.IsZero())
}

func TestWriteJSONRoundTrips(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	r := NewBuilder(start, start.Add(time.Hour)).
		WithSummary(store.Summary{Count: 2}).
		Build()

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, r))

	var decoded Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, 2, decoded.Summary.Count)
	assert.True(t, decoded.WindowStart.Equal(start))
}

func TestWriteBucketsCSV(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	buckets := []analytics.Bucket{
		{
			WindowStart: start, WindowEnd: start.Add(time.Hour),
			SiteID: "site-a", Count: 2, Sum: 6, Mean: 3, Min: 2, Max: 4, StdDev: 1, SumKg: 6,
		},
		{
			WindowStart: start.Add(time.Hour), WindowEnd: start.Add(2 * time.Hour),
			SiteID: "site-b", Count: 1, Sum: 9, Mean: 9, Min: 9, Max: 9, SumKg: 9,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteBucketsCSV(&buf, buckets))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, bucketHeader, rows[0])
	assert.Equal(t, "2025-06-01T00:00:00Z", rows[1][0])
	assert.Equal(t, "site-a", rows[1][2])
	assert.Equal(t, "3", rows[1][6])
	assert.Equal(t, "site-b", rows[2][2])
}

func TestWriteBucketsCSVEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteBucketsCSV(&buf, nil))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
