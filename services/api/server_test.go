// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openworld-energy/methane/services/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "emissions.jsonl")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	srv := NewServer(st, Options{Registry: prometheus.NewRegistry()})
	return srv, st
}

func seed(t *testing.T, st *store.Store, n int) {
	t.Helper()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		_, err := st.Append(store.EmissionRecord{
			Timestamp:  base.Add(time.Duration(i) * time.Hour),
			SiteID:     "site-a",
			RegionID:   "permian",
			RateKgPerH: float64(2 + i%3),
		})
		require.NoError(t, err)
	}
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	w := get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestRecordsEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	seed(t, st, 5)

	w := get(t, srv, "/v1/records?site_id=site-a&limit=3")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Records []store.EmissionRecord `json:"records"`
		Count   int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Count)
	assert.Equal(t, "site-a", body.Records[0].SiteID)
}

func TestRecordsRejectsBadParams(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/v1/records?start=yesterday").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/v1/records?limit=-2").Code)
}

func TestSummaryEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	seed(t, st, 6)

	w := get(t, srv, "/v1/summary")
	require.Equal(t, http.StatusOK, w.Code)

	var summary store.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 6, summary.Count)
	assert.Equal(t, 3.0, summary.Mean)
}

func TestIngestEndpoint(t *testing.T) {
	srv, st := newTestServer(t)

	payload := `[
		{"timestamp": "2025-06-01T00:00:00Z", "site_id": "site-a", "region_id": "permian", "value": 2.5, "unit": "kg/h"},
		{"timestamp": "2025-06-01T01:00:00Z", "site_id": "site-a", "region_id": "permian", "value": -4, "unit": "kg/h"}
	]`
	req := httptest.NewRequest(http.MethodPost, "/v1/records", strings.NewReader(payload))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var body struct {
		Appended int      `json:"appended"`
		Rejected []string `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Appended)
	assert.Len(t, body.Rejected, 1)
	assert.Equal(t, 1, st.Len())
}

func TestIngestAllRejectedIs400(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/records",
		strings.NewReader(`[{"timestamp": "nope", "site_id": "s", "region_id": "r", "value": 1, "unit": "kg/h"}]`))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAggregatesEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	seed(t, st, 4)

	w := get(t, srv, "/v1/aggregates?window=2h&group_by=site")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/v1/aggregates?window=1d").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/v1/aggregates?group_by=operator").Code)
}

func TestAnomaliesEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	seed(t, st, 12)
	_, err := st.Append(store.EmissionRecord{
		Timestamp:  time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		SiteID:     "site-a",
		RegionID:   "permian",
		RateKgPerH: 500,
	})
	require.NoError(t, err)

	w := get(t, srv, "/v1/anomalies?method=robust_z&z_threshold=3.0")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Anomalies []struct {
			Score float64 `json:"score"`
		} `json:"anomalies"`
		Method string `json:"method"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "robust_z", body.Method)
	require.Len(t, body.Anomalies, 1)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/v1/anomalies?method=psychic").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/v1/anomalies?z_threshold=-1").Code)
}

func TestViolationsEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, rate := range []float64{8, 12, 15, 9} {
		_, err := st.Append(store.EmissionRecord{
			Timestamp:  base.Add(time.Duration(i) * time.Hour),
			SiteID:     "site-a",
			RegionID:   "permian",
			RateKgPerH: rate,
		})
		require.NoError(t, err)
	}

	w := get(t, srv, "/v1/violations?threshold_kg_per_h=10&due_days=7")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Count      int `json:"count"`
		Violations []struct {
			RecordCount int     `json:"record_count"`
			PeakKgPerH  float64 `json:"peak_kg_per_h"`
		} `json:"violations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, 2, body.Violations[0].RecordCount)
	assert.Equal(t, 15.0, body.Violations[0].PeakKgPerH)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/v1/violations").Code)
}

func TestRateLimit(t *testing.T) {
	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "emissions.jsonl")})
	require.NoError(t, err)
	defer st.Close()

	srv := NewServer(st, Options{
		Registry:     prometheus.NewRegistry(),
		RateLimitRPS: 1,
		Burst:        2,
	})

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		codes[get(t, srv, "/health").Code]++
	}
	assert.Equal(t, 2, codes[http.StatusOK])
	assert.Equal(t, 3, codes[http.StatusTooManyRequests])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	get(t, srv, "/health")

	w := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "methane_api_requests_total")
}

func TestStreamPushesAppendedRecords(t *testing.T) {
	srv, st := newTestServer(t)

	httpSrv := httptest.NewServer(srv.Router())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	rec := store.EmissionRecord{
		Timestamp:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		SiteID:     "site-a",
		RegionID:   "permian",
		RateKgPerH: 4.2,
	}
	// Give the handler a moment to subscribe before appending.
	require.Eventually(t, func() bool {
		_, err := st.Append(rec)
		require.NoError(t, err)

		conn.SetReadDeadline(time.Now().Add(time.Second))
		var got store.EmissionRecord
		return conn.ReadJSON(&got) == nil && got.SiteID == "site-a"
	}, 5*time.Second, 100*time.Millisecond)
}
