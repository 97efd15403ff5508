// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package export mirrors emission records and aggregation buckets into
// InfluxDB for long-term dashboarding.
//
// The mirror is write-only and best-effort: the store remains the source
// of truth, and a failed export never blocks ingestion.
package export

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/openworld-energy/methane/pkg/logging"
	"github.com/openworld-energy/methane/services/analytics"
	"github.com/openworld-energy/methane/services/store"
)

// Measurement names in the target bucket.
const (
	MeasurementEmissions = "methane_emissions"
	MeasurementBuckets   = "methane_buckets"
)

// Config connects the exporter to an InfluxDB instance.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	Logger *logging.Logger
}

// InfluxExporter mirrors records and buckets to InfluxDB.
type InfluxExporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      *logging.Logger
}

// New connects an exporter. The connection is lazy; a bad URL surfaces on
// the first write.
func New(cfg Config) *InfluxExporter {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxExporter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      cfg.Logger.With("component", "influx-export"),
	}
}

// ExportRecords mirrors emission records, one point per record, tagged by
// site and region.
func (e *InfluxExporter) ExportRecords(ctx context.Context, records []store.EmissionRecord) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(records))
	for _, rec := range records {
		points = append(points, influxdb2.NewPoint(
			MeasurementEmissions,
			map[string]string{
				"site_id":   rec.SiteID,
				"region_id": rec.RegionID,
				"source":    rec.Source,
			},
			map[string]interface{}{
				"rate_kg_per_h": rec.RateKgPerH,
			},
			rec.Timestamp,
		))
	}

	if err := e.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("export records to influxdb: %w", err)
	}
	e.log.Debug("exported records", "count", len(points))
	return nil
}

// ExportBuckets mirrors aggregation buckets, one point per bucket stamped
// at its window start.
func (e *InfluxExporter) ExportBuckets(ctx context.Context, buckets []analytics.Bucket) error {
	if len(buckets) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(buckets))
	for _, b := range buckets {
		tags := map[string]string{}
		if b.SiteID != "" {
			tags["site_id"] = b.SiteID
		}
		if b.RegionID != "" {
			tags["region_id"] = b.RegionID
		}
		points = append(points, influxdb2.NewPoint(
			MeasurementBuckets,
			tags,
			map[string]interface{}{
				"count":  b.Count,
				"sum":    b.Sum,
				"mean":   b.Mean,
				"min":    b.Min,
				"max":    b.Max,
				"stddev": b.StdDev,
				"sum_kg": b.SumKg,
			},
			b.WindowStart,
		))
	}

	if err := e.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("export buckets to influxdb: %w", err)
	}
	e.log.Debug("exported buckets", "count", len(points))
	return nil
}

// Close flushes and releases the client.
func (e *InfluxExporter) Close() {
	e.client.Close()
}
