// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openworld-energy/methane/pkg/timeutil"
	"github.com/openworld-energy/methane/services/alerts"
	"github.com/openworld-energy/methane/services/analytics"
	"github.com/openworld-energy/methane/services/api"
	"github.com/openworld-energy/methane/services/compliance"
	"github.com/openworld-energy/methane/services/dashboard"
	"github.com/openworld-energy/methane/services/export"
	"github.com/openworld-energy/methane/services/ingest"
	"github.com/openworld-energy/methane/services/report"
	"github.com/openworld-energy/methane/services/store"
	"github.com/openworld-energy/methane/services/store/badgerstore"
)

func fatal(msg string, err error) {
	logger.Error(msg, "error", err)
	logger.Close()
	os.Exit(1)
}

// backend is the common surface of the jsonl and badger stores.
type backend interface {
	Append(rec store.EmissionRecord) (int64, error)
	Select(q store.Query) store.RecordCursor
	Close() error
}

// openBackend opens the configured storage backend.
func openBackend() backend {
	switch cfg.Storage.Backend {
	case "badger":
		b, err := badgerstore.Open(badgerstore.Config{
			Path:       cfg.Storage.Path,
			SyncWrites: cfg.Storage.SyncWrites,
			Logger:     logger.Slog(),
		})
		if err != nil {
			fatal("failed to open badger store", err)
		}
		return b
	default:
		s, err := store.Open(store.Options{
			Path:       cfg.Storage.Path,
			SyncWrites: cfg.Storage.SyncWrites,
			Logger:     logger,
		})
		if err != nil {
			fatal("failed to open store", err)
		}
		return s
	}
}

// buildQuery assembles a store query from the shared flags.
func buildQuery() store.Query {
	q := store.Query{
		SiteID:   flagSite,
		RegionID: flagRegion,
		End:      time.Now().UTC().Add(24 * time.Hour),
		Limit:    flagLimit,
	}
	if flagStart != "" {
		ts, err := timeutil.ParseTimestamp(flagStart)
		if err != nil {
			fatal("invalid --start", err)
		}
		q.Start = ts
	}
	if flagEnd != "" {
		ts, err := timeutil.ParseTimestamp(flagEnd)
		if err != nil {
			fatal("invalid --end", err)
		}
		q.End = ts
	}
	return q
}

func collectRecords(b backend) []store.EmissionRecord {
	records, err := store.Collect(b.Select(buildQuery()))
	if err != nil {
		fatal("query failed", err)
	}
	return records
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func runIngest(cmd *cobra.Command, args []string) {
	b := openBackend()
	defer b.Close()

	orch := ingest.NewOrchestrator(b, ingest.Options{
		Workers:    cfg.Ingest.Workers,
		MaxRetries: cfg.Ingest.MaxRetries,
		Logger:     logger,
	})

	ctx, cancel := signalContext()
	defer cancel()

	stats, err := orch.IngestFiles(ctx, args)
	if err != nil {
		fatal("ingestion failed", err)
	}
	fmt.Printf("Ingested %d file(s): %d appended, %d skipped, %d rejected\n",
		stats.Files, stats.Appended, stats.Skipped, stats.Rejected)
}

func runWatch(cmd *cobra.Command, args []string) {
	b := openBackend()
	defer b.Close()

	orch := ingest.NewOrchestrator(b, ingest.Options{
		Workers:    cfg.Ingest.Workers,
		MaxRetries: cfg.Ingest.MaxRetries,
		Logger:     logger,
	})
	w, err := ingest.NewWatcher(args[0], orch, ingest.WatcherOptions{Logger: logger})
	if err != nil {
		fatal("failed to create watcher", err)
	}
	defer w.Stop()

	ctx, cancel := signalContext()
	defer cancel()

	if err := w.Start(ctx); err != nil {
		fatal("failed to start watcher", err)
	}
	fmt.Printf("Watching %s for sensor files (Ctrl-C to stop)\n", args[0])
	<-ctx.Done()
}

func runQuery(cmd *cobra.Command, args []string) {
	b := openBackend()
	defer b.Close()

	records := collectRecords(b)
	for _, rec := range records {
		fmt.Printf("%s  %-20s %-12s %10.3f kg/h  %s\n",
			rec.Timestamp.Format(time.RFC3339), rec.SiteID, rec.RegionID,
			rec.RateKgPerH, rec.Source)
	}
	fmt.Printf("%d record(s)\n", len(records))
}

func windowFromFlags() time.Duration {
	w := flagWindow
	if w == "" {
		w = cfg.Analytics.Window
	}
	window, err := analytics.ParseWindow(w)
	if err != nil {
		fatal("invalid window", err)
	}
	return window
}

func runAggregate(cmd *cobra.Command, args []string) {
	b := openBackend()
	defer b.Close()

	var groupBy analytics.GroupBy
	switch flagGroupBy {
	case "", "none":
	case "site":
		groupBy = analytics.GroupBySite
	case "region":
		groupBy = analytics.GroupByRegion
	default:
		fatal("invalid --group-by", fmt.Errorf("%q is not none, site, or region", flagGroupBy))
	}

	buckets, err := analytics.Aggregate(b.Select(buildQuery()), analytics.AggregateOptions{
		Window:  windowFromFlags(),
		GroupBy: groupBy,
	})
	if err != nil {
		fatal("aggregation failed", err)
	}

	for _, bk := range buckets {
		key := bk.SiteID + bk.RegionID
		if key != "" {
			key = "  " + key
		}
		fmt.Printf("%s%s  n=%-5d mean=%.3f min=%.3f max=%.3f stddev=%.3f sum_kg=%.3f\n",
			bk.WindowStart.Format(time.RFC3339), key,
			bk.Count, bk.Mean, bk.Min, bk.Max, bk.StdDev, bk.SumKg)
	}

	if flagCSVOut != "" {
		f, err := os.Create(flagCSVOut)
		if err != nil {
			fatal("failed to create csv file", err)
		}
		defer f.Close()
		if err := report.WriteBucketsCSV(f, buckets); err != nil {
			fatal("failed to write csv", err)
		}
		fmt.Printf("Wrote %d bucket(s) to %s\n", len(buckets), flagCSVOut)
	}
}

func detectorFromFlags() analytics.DetectorConfig {
	dc := analytics.DetectorConfig{
		Method:              analytics.Method(cfg.Analytics.Method),
		ZThreshold:          cfg.Analytics.ZThreshold,
		SeasonalPeriodHours: cfg.Analytics.SeasonalPeriodHours,
	}
	if flagMethod != "" {
		dc.Method = analytics.Method(flagMethod)
	}
	if flagZThreshold > 0 {
		dc.ZThreshold = flagZThreshold
	}
	if flagPeriod > 0 {
		dc.SeasonalPeriodHours = flagPeriod
	}
	switch dc.Method {
	case analytics.MethodRobustZ, analytics.MethodSeasonal:
	default:
		fatal("invalid --method", fmt.Errorf("%q is not robust_z or seasonal", dc.Method))
	}
	return dc
}

func runAnomalies(cmd *cobra.Command, args []string) {
	b := openBackend()
	defer b.Close()

	rep := analytics.DetectAnomalies(collectRecords(b), detectorFromFlags())
	if rep.Degraded {
		fmt.Println("Note: input too short for seasonal estimation, used robust_z")
	}
	for _, a := range rep.Anomalies {
		fmt.Printf("%s  %-20s %10.3f kg/h  score %.2f (%s)\n",
			a.Record.Timestamp.Format(time.RFC3339), a.Record.SiteID,
			a.Record.RateKgPerH, a.Score, a.Method)
	}
	fmt.Printf("%d anomalie(s) flagged by %s\n", len(rep.Anomalies), rep.Method)
}

func loadRules() []compliance.ThresholdRule {
	if flagThreshold > 0 {
		dueDays := flagDueDays
		if dueDays <= 0 {
			dueDays = compliance.DefaultDueDays
		}
		return []compliance.ThresholdRule{{
			RuleID:          "adhoc",
			ThresholdKgPerH: flagThreshold,
			DueDays:         dueDays,
		}}
	}

	path := flagRules
	if path == "" {
		path = cfg.Compliance.RulesPath
	}
	if path == "" {
		fatal("no rules", fmt.Errorf("provide --rules, --threshold, or compliance.rules_path in the config"))
	}
	rules, err := compliance.LoadRules(path)
	if err != nil {
		fatal("failed to load rules", err)
	}
	return rules
}

func buildAlerter() alerts.Alerter {
	if cfg.Alerts.DryRun {
		return &alerts.DryRunAlerter{Logger: logger}
	}
	var channels []alerts.Alerter
	if cfg.Alerts.SlackWebhookURL != "" {
		channels = append(channels, &alerts.SlackAlerter{WebhookURL: cfg.Alerts.SlackWebhookURL})
	}
	if cfg.Alerts.SMTPHost != "" {
		channels = append(channels, &alerts.EmailAlerter{
			Host: cfg.Alerts.SMTPHost,
			Port: cfg.Alerts.SMTPPort,
			From: cfg.Alerts.SMTPFrom,
			To:   cfg.Alerts.SMTPTo,
		})
	}
	if len(channels) == 0 {
		return &alerts.DryRunAlerter{Logger: logger}
	}
	return &alerts.MultiAlerter{Alerters: channels, Logger: logger}
}

func runCompliance(cmd *cobra.Command, args []string) {
	b := openBackend()
	defer b.Close()

	records := collectRecords(b)

	var all []compliance.Violation
	for _, rule := range loadRules() {
		violations, err := compliance.Evaluate(records, rule)
		if err != nil {
			fatal("compliance evaluation failed", err)
		}
		all = append(all, violations...)
	}

	for _, v := range all {
		fmt.Printf("%-20s rule %-16s peak %8.2f kg/h  %d reading(s)  due %s  [%s]\n",
			v.SiteID, v.RuleID, v.PeakKgPerH, v.RecordCount,
			v.RemediationDueAt.Format("2006-01-02"), v.Status)
	}
	fmt.Printf("%d violation(s)\n", len(all))

	if flagAlert && len(all) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := buildAlerter().Alert(ctx, all); err != nil {
			fatal("alert delivery failed", err)
		}
	}
}

func runReport(cmd *cobra.Command, args []string) {
	b := openBackend()
	defer b.Close()

	q := buildQuery()
	records := collectRecords(b)

	buckets, err := analytics.Aggregate(store.NewSliceCursor(records), analytics.AggregateOptions{
		Window: windowFromFlags(),
	})
	if err != nil {
		fatal("aggregation failed", err)
	}

	builder := report.NewBuilder(q.Start, q.End).
		WithSummary(store.Summarize(records)).
		WithBuckets(buckets).
		WithAnomalies(analytics.DetectAnomalies(records, detectorFromFlags()))

	rulesPath := flagRules
	if rulesPath == "" {
		rulesPath = cfg.Compliance.RulesPath
	}
	if rulesPath != "" {
		rules, err := compliance.LoadRules(rulesPath)
		if err != nil {
			fatal("failed to load rules", err)
		}
		var all []compliance.Violation
		for _, rule := range rules {
			violations, err := compliance.Evaluate(records, rule)
			if err != nil {
				fatal("compliance evaluation failed", err)
			}
			all = append(all, violations...)
		}
		builder.WithViolations(all)
	}

	out := os.Stdout
	if flagReportOut != "" {
		f, err := os.Create(flagReportOut)
		if err != nil {
			fatal("failed to create report file", err)
		}
		defer f.Close()
		out = f
	}
	if err := report.WriteJSON(out, builder.Build()); err != nil {
		fatal("failed to write report", err)
	}
}

func runExport(cmd *cobra.Command, args []string) {
	if !cfg.Export.Enabled || cfg.Export.URL == "" {
		fatal("export not configured", fmt.Errorf("set export.enabled and export.url in the config"))
	}

	b := openBackend()
	defer b.Close()

	records := collectRecords(b)
	buckets, err := analytics.Aggregate(store.NewSliceCursor(records), analytics.AggregateOptions{
		Window: windowFromFlags(),
	})
	if err != nil {
		fatal("aggregation failed", err)
	}

	exporter := export.New(export.Config{
		URL:    cfg.Export.URL,
		Token:  cfg.Export.Token,
		Org:    cfg.Export.Org,
		Bucket: cfg.Export.Bucket,
		Logger: logger,
	})
	defer exporter.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := exporter.ExportRecords(ctx, records); err != nil {
		fatal("record export failed", err)
	}
	if err := exporter.ExportBuckets(ctx, buckets); err != nil {
		fatal("bucket export failed", err)
	}
	fmt.Printf("Exported %d record(s) and %d bucket(s) to %s\n",
		len(records), len(buckets), cfg.Export.URL)
}

func runDashboard(cmd *cobra.Command, args []string) {
	b := openBackend()
	defer b.Close()

	records := collectRecords(b)
	buckets, err := analytics.Aggregate(store.NewSliceCursor(records), analytics.AggregateOptions{
		Window: time.Hour,
	})
	if err != nil {
		fatal("aggregation failed", err)
	}

	view := dashboard.View{
		Records:   records,
		Buckets:   buckets,
		Anomalies: analytics.DetectAnomalies(records, detectorFromFlags()),
	}
	if err := dashboard.NewRenderer(os.Stdout).Render(view); err != nil {
		fatal("failed to render dashboard", err)
	}
}

func runServe(cmd *cobra.Command, args []string) {
	b := openBackend()
	defer b.Close()

	srv := api.NewServer(b, api.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		RateLimitRPS: cfg.Server.RateLimitRPS,
		Burst:        cfg.Server.Burst,
		Detector: analytics.DetectorConfig{
			Method:              analytics.Method(cfg.Analytics.Method),
			ZThreshold:          cfg.Analytics.ZThreshold,
			SeasonalPeriodHours: cfg.Analytics.SeasonalPeriodHours,
		},
		Logger: logger,
	})

	ctx, cancel := signalContext()
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		fatal("api server failed", err)
	}
}
