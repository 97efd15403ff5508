// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package export

import (
	"context"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openworld-energy/methane/pkg/logging"
	"github.com/openworld-energy/methane/services/analytics"
	"github.com/openworld-energy/methane/services/store"
)

// fakeWriteAPI captures points instead of talking to a server.
type fakeWriteAPI struct {
	points []*write.Point
	err    error
}

func (f *fakeWriteAPI) WriteRecord(ctx context.Context, line ...string) error { return f.err }

func (f *fakeWriteAPI) WritePoint(ctx context.Context, point ...*write.Point) error {
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, point...)
	return nil
}

func (f *fakeWriteAPI) EnableBatching() {}

func (f *fakeWriteAPI) Flush(ctx context.Context) error { return f.err }

func newTestExporter(fake *fakeWriteAPI) *InfluxExporter {
	return &InfluxExporter{
		writeAPI: fake,
		log:      logging.Default().With("component", "influx-export"),
	}
}

func TestExportRecords(t *testing.T) {
	fake := &fakeWriteAPI{}
	exporter := newTestExporter(fake)

	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	err := exporter.ExportRecords(context.Background(), []store.EmissionRecord{
		{Timestamp: ts, SiteID: "site-a", RegionID: "permian", RateKgPerH: 12.5, Source: "csv"},
		{Timestamp: ts.Add(time.Hour), SiteID: "site-b", RegionID: "permian", RateKgPerH: 3.0},
	})
	require.NoError(t, err)
	require.Len(t, fake.points, 2)

	p := fake.points[0]
	assert.Equal(t, MeasurementEmissions, p.Name())
	assert.True(t, p.Time().Equal(ts))

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, "site-a", tags["site_id"])
	assert.Equal(t, "permian", tags["region_id"])
}

func TestExportRecordsEmptyIsNoop(t *testing.T) {
	fake := &fakeWriteAPI{}
	require.NoError(t, newTestExporter(fake).ExportRecords(context.Background(), nil))
	assert.Empty(t, fake.points)
}

func TestExportRecordsWrapsWriteError(t *testing.T) {
	fake := &fakeWriteAPI{err: assert.AnError}
	err := newTestExporter(fake).ExportRecords(context.Background(), []store.EmissionRecord{
		{Timestamp: time.Now(), SiteID: "s", RegionID: "r", RateKgPerH: 1},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestExportBuckets(t *testing.T) {
	fake := &fakeWriteAPI{}
	exporter := newTestExporter(fake)

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	err := exporter.ExportBuckets(context.Background(), []analytics.Bucket{
		{
			WindowStart: start, WindowEnd: start.Add(time.Hour),
			SiteID: "site-a", Count: 2, Sum: 6, Mean: 3, Min: 2, Max: 4, SumKg: 6,
		},
	})
	require.NoError(t, err)
	require.Len(t, fake.points, 1)
	assert.Equal(t, MeasurementBuckets, fake.points[0].Name())
	assert.True(t, fake.points[0].Time().Equal(start))
}
