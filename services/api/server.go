// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package api exposes the emissions store and analytics over HTTP.
//
// The server is a thin translation layer: it parses query parameters into
// store queries and analytics/compliance configs, calls the core, and
// renders the results as JSON. It holds no state beyond the wired backend.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openworld-energy/methane/pkg/logging"
	"github.com/openworld-energy/methane/pkg/timeutil"
	"github.com/openworld-energy/methane/services/analytics"
	"github.com/openworld-energy/methane/services/api/observability"
	"github.com/openworld-energy/methane/services/compliance"
	"github.com/openworld-energy/methane/services/ingest"
	"github.com/openworld-energy/methane/services/store"
)

// Backend is the store surface the API needs. Satisfied by both the jsonl
// and badger backends.
type Backend interface {
	Append(rec store.EmissionRecord) (int64, error)
	Select(q store.Query) store.RecordCursor
}

// Subscriber is the optional live-feed surface. The jsonl backend
// provides it; backends without it simply have no websocket feed.
type Subscriber interface {
	Subscribe(buffer int) (<-chan store.EmissionRecord, func())
}

// Options configures a Server.
type Options struct {
	// Addr is the listen address, e.g. "127.0.0.1:8891".
	Addr string

	// RateLimitRPS caps requests per second; Burst is the bucket depth.
	// Zero RPS disables limiting.
	RateLimitRPS float64
	Burst        int

	// Detector is the default anomaly configuration; request parameters
	// override per call.
	Detector analytics.DetectorConfig

	// Registry defaults to the global Prometheus registry.
	Registry *prometheus.Registry

	Logger *logging.Logger
}

// Server serves the emissions HTTP API.
type Server struct {
	backend Backend
	opts    Options
	log     *logging.Logger
	metrics *observability.Metrics
	router  *gin.Engine
	http    *http.Server
}

// NewServer wires the API around a store backend.
func NewServer(backend Backend, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	var metrics *observability.Metrics
	promHandler := promhttp.Handler()
	if opts.Registry != nil {
		metrics = observability.NewMetrics(opts.Registry)
		promHandler = promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})
	} else {
		if observability.DefaultMetrics == nil {
			observability.InitMetrics()
		}
		metrics = observability.DefaultMetrics
	}

	s := &Server{
		backend: backend,
		opts:    opts,
		log:     opts.Logger.With("component", "api"),
		metrics: metrics,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestIDMiddleware())
	router.Use(s.metricsMiddleware())
	if opts.RateLimitRPS > 0 {
		router.Use(s.rateLimitMiddleware())
	}

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promHandler))

	v1 := router.Group("/v1")
	v1.GET("/records", s.handleRecords)
	v1.POST("/records", s.handleIngest)
	v1.GET("/summary", s.handleSummary)
	v1.GET("/aggregates", s.handleAggregates)
	v1.GET("/anomalies", s.handleAnomalies)
	v1.GET("/violations", s.handleViolations)
	v1.GET("/stream", s.handleStream)

	s.router = router
	return s
}

// Router exposes the gin engine for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until the context is canceled, then drains with a 5s grace
// period.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", s.opts.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// parseQuery builds a store query from request parameters. Zero start and
// a far-future end select everything.
func parseQuery(c *gin.Context) (store.Query, error) {
	q := store.Query{
		SiteID:   c.Query("site_id"),
		RegionID: c.Query("region_id"),
		End:      time.Now().UTC().Add(24 * time.Hour),
	}
	if v := c.Query("start"); v != "" {
		ts, err := timeutil.ParseTimestamp(v)
		if err != nil {
			return store.Query{}, fmt.Errorf("invalid start: %w", err)
		}
		q.Start = ts
	}
	if v := c.Query("end"); v != "" {
		ts, err := timeutil.ParseTimestamp(v)
		if err != nil {
			return store.Query{}, fmt.Errorf("invalid end: %w", err)
		}
		q.End = ts
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return store.Query{}, fmt.Errorf("invalid limit %q", v)
		}
		q.Limit = limit
	}
	return q, nil
}

func (s *Server) collect(c *gin.Context) ([]store.EmissionRecord, bool) {
	q, err := parseQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	records, err := store.Collect(s.backend.Select(q))
	if err != nil {
		s.log.Error("query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return nil, false
	}
	s.metrics.QueryResultSize.Observe(float64(len(records)))
	return records, true
}

func (s *Server) handleRecords(c *gin.Context) {
	records, ok := s.collect(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

func (s *Server) handleSummary(c *gin.Context) {
	records, ok := s.collect(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, store.Summarize(records))
}

// handleIngest accepts a JSON array of readings in the ingest adapter
// shape (timestamp, site_id, region_id, value, unit) and appends the
// valid ones. Row-level failures are reported, not fatal.
func (s *Server) handleIngest(c *gin.Context) {
	adapter := &ingest.JSONAdapter{Source: "api"}
	res, err := adapter.Parse(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	appended := 0
	rejected := make([]string, 0)
	for _, rowErr := range res.Skipped {
		rejected = append(rejected, rowErr.String())
	}
	for _, rec := range res.Records {
		if _, err := s.backend.Append(rec); err != nil {
			rejected = append(rejected, fmt.Sprintf("site %s at %s: %v",
				rec.SiteID, rec.Timestamp.Format(time.RFC3339), err))
			continue
		}
		appended++
	}
	s.metrics.RecordsAppendedTotal.WithLabelValues("appended").Add(float64(appended))
	s.metrics.RecordsAppendedTotal.WithLabelValues("rejected").Add(float64(len(rejected)))

	status := http.StatusCreated
	if appended == 0 && len(rejected) > 0 {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"appended": appended, "rejected": rejected})
}

func (s *Server) handleAggregates(c *gin.Context) {
	window, err := analytics.ParseWindow(c.DefaultQuery("window", "1h"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var groupBy analytics.GroupBy
	switch v := c.Query("group_by"); v {
	case "", "none":
	case "site":
		groupBy = analytics.GroupBySite
	case "region":
		groupBy = analytics.GroupByRegion
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid group_by %q", v)})
		return
	}

	q, err := parseQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	buckets, err := analytics.Aggregate(s.backend.Select(q), analytics.AggregateOptions{
		Window:  window,
		GroupBy: groupBy,
	})
	if err != nil {
		s.log.Error("aggregation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "aggregation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"buckets": buckets, "count": len(buckets)})
}

func (s *Server) handleAnomalies(c *gin.Context) {
	cfg := s.opts.Detector
	if v := c.Query("method"); v != "" {
		switch analytics.Method(v) {
		case analytics.MethodRobustZ, analytics.MethodSeasonal:
			cfg.Method = analytics.Method(v)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid method %q", v)})
			return
		}
	}
	if v := c.Query("z_threshold"); v != "" {
		threshold, err := strconv.ParseFloat(v, 64)
		if err != nil || threshold <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid z_threshold %q", v)})
			return
		}
		cfg.ZThreshold = threshold
	}
	if v := c.Query("seasonal_period_hours"); v != "" {
		period, err := strconv.Atoi(v)
		if err != nil || period <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid seasonal_period_hours %q", v)})
			return
		}
		cfg.SeasonalPeriodHours = period
	}

	records, ok := s.collect(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, analytics.DetectAnomalies(records, cfg))
}

func (s *Server) handleViolations(c *gin.Context) {
	threshold, err := strconv.ParseFloat(c.Query("threshold_kg_per_h"), 64)
	if err != nil || threshold <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "threshold_kg_per_h is required and must be positive"})
		return
	}
	dueDays := compliance.DefaultDueDays
	if v := c.Query("due_days"); v != "" {
		dueDays, err = strconv.Atoi(v)
		if err != nil || dueDays < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid due_days %q", v)})
			return
		}
	}

	records, ok := s.collect(c)
	if !ok {
		return
	}
	rule := ThresholdRuleFromRequest(c.Query("rule_id"), threshold, dueDays)
	violations, err := compliance.Evaluate(records, rule)
	if err != nil {
		s.log.Error("compliance evaluation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "compliance evaluation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"violations": violations, "count": len(violations)})
}

// ThresholdRuleFromRequest builds an ad-hoc rule for a violations query.
func ThresholdRuleFromRequest(ruleID string, threshold float64, dueDays int) compliance.ThresholdRule {
	if ruleID == "" {
		ruleID = "adhoc"
	}
	return compliance.ThresholdRule{
		RuleID:          ruleID,
		ThresholdKgPerH: threshold,
		DueDays:         dueDays,
	}
}
