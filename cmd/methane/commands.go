// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath string

	// shared query flags
	flagStart  string
	flagEnd    string
	flagSite   string
	flagRegion string
	flagLimit  int

	rootCmd = &cobra.Command{
		Use:   "methane",
		Short: "A CLI to ingest, analyze, and monitor methane emission readings",
		Long: `Methane manages an append-only emissions time-series store and the
analytics built on it: anomaly detection, windowed aggregation, and
compliance evaluation against threshold rules.`,
	}

	ingestCmd = &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest CSV or JSON sensor files into the store",
		Long: `Parses each file with the adapter matching its extension, normalizes
units to kg/h, and appends the valid readings. Bad rows are skipped and
reported.`,
		Args: cobra.MinimumNArgs(1),
		Run:  runIngest,
	}

	watchCmd = &cobra.Command{
		Use:   "watch [directory]",
		Short: "Watch a drop directory and ingest arriving sensor files",
		Args:  cobra.ExactArgs(1),
		Run:   runWatch,
	}

	queryCmd = &cobra.Command{
		Use:   "query",
		Short: "Query stored readings by time range, site, and region",
		Run:   runQuery,
	}

	flagWindow  string
	flagGroupBy string
	flagCSVOut  string

	aggregateCmd = &cobra.Command{
		Use:   "aggregate",
		Short: "Aggregate readings into fixed-width time buckets",
		Run:   runAggregate,
	}

	flagMethod     string
	flagZThreshold float64
	flagPeriod     int

	anomaliesCmd = &cobra.Command{
		Use:   "anomalies",
		Short: "Flag statistically unusual readings",
		Long: `Scores readings with a robust (median/MAD) z-score, optionally after
removing a daily seasonal baseline, and prints the flagged ones.`,
		Run: runAnomalies,
	}

	flagRules     string
	flagThreshold float64
	flagDueDays   int

	complianceCmd = &cobra.Command{
		Use:   "compliance",
		Short: "Evaluate readings against threshold rules",
		Long: `Finds contiguous runs of readings above a rule threshold and reports
one violation per run with its remediation deadline. Rules come from a
JSON/YAML rule file or from --threshold.`,
		Run: runCompliance,
	}

	flagAlert bool

	flagReportOut string

	reportCmd = &cobra.Command{
		Use:   "report",
		Short: "Write a full JSON analysis report",
		Run:   runReport,
	}

	dashboardCmd = &cobra.Command{
		Use:   "dashboard",
		Short: "Render a terminal dashboard of recent emissions",
		Run:   runDashboard,
	}

	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Mirror readings and hourly aggregates to InfluxDB",
		Long: `Pushes the selected readings, and their aggregation buckets, to the
InfluxDB instance configured under [export]. The store stays the source
of truth; the mirror exists for long-term dashboarding.`,
		Run: runExport,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the emissions HTTP API",
		Run:   runServe,
	}
)

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagStart, "start", "", "range start (RFC 3339, inclusive)")
	cmd.Flags().StringVar(&flagEnd, "end", "", "range end (RFC 3339, inclusive)")
	cmd.Flags().StringVar(&flagSite, "site", "", "filter by site id")
	cmd.Flags().StringVar(&flagRegion, "region", "", "filter by region id")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")

	addQueryFlags(queryCmd)
	queryCmd.Flags().IntVar(&flagLimit, "limit", 0, "maximum records to print (0 = all)")

	addQueryFlags(aggregateCmd)
	aggregateCmd.Flags().StringVar(&flagWindow, "window", "", "bucket width, e.g. 1h, 15m (default from config)")
	aggregateCmd.Flags().StringVar(&flagGroupBy, "group-by", "none", "grouping key: none, site, or region")
	aggregateCmd.Flags().StringVar(&flagCSVOut, "csv", "", "also write buckets as CSV to this file")

	addQueryFlags(anomaliesCmd)
	anomaliesCmd.Flags().StringVar(&flagMethod, "method", "", "detection method: robust_z or seasonal (default from config)")
	anomaliesCmd.Flags().Float64Var(&flagZThreshold, "z-threshold", 0, "score cutoff (default from config)")
	anomaliesCmd.Flags().IntVar(&flagPeriod, "period-hours", 0, "seasonal cycle length in hours (default from config)")

	addQueryFlags(complianceCmd)
	complianceCmd.Flags().StringVar(&flagRules, "rules", "", "JSON/YAML rule file (default from config)")
	complianceCmd.Flags().Float64Var(&flagThreshold, "threshold", 0, "ad-hoc threshold in kg/h, overrides the rule file")
	complianceCmd.Flags().IntVar(&flagDueDays, "due-days", 0, "remediation grace period for --threshold")
	complianceCmd.Flags().BoolVar(&flagAlert, "alert", false, "deliver violations through the configured alert channels")

	addQueryFlags(reportCmd)
	reportCmd.Flags().StringVar(&flagWindow, "window", "", "bucket width for the report's aggregates")
	reportCmd.Flags().StringVar(&flagRules, "rules", "", "JSON/YAML rule file for the report's violations")
	reportCmd.Flags().StringVar(&flagReportOut, "out", "", "output path (default stdout)")

	addQueryFlags(dashboardCmd)

	addQueryFlags(exportCmd)
	exportCmd.Flags().StringVar(&flagWindow, "window", "", "bucket width for the mirrored aggregates")

	rootCmd.AddCommand(
		ingestCmd,
		watchCmd,
		queryCmd,
		aggregateCmd,
		anomaliesCmd,
		complianceCmd,
		reportCmd,
		dashboardCmd,
		exportCmd,
		serveCmd,
	)
}
