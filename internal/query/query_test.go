// Copyright (C) ClusterCockpit contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package query

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ClusterCockpit/loglens/internal/event"
	"github.com/ClusterCockpit/loglens/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestFacade(t *testing.T) (*storage.Storage, *Facade) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loglens_query_test.db")
	s, err := storage.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, NewFacade(s)
}

// Scenario 7: insert 24 hourly error_count metric rows, query by
// bucket=hour with AVG, and get 24 rows ordered ascending by bucket time.
func TestFacade_QueryMetricsByTimeBucket_HourlyTrend(t *testing.T) {
	s, f := openTestFacade(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 24; i++ {
		value := float64(i)
		windowEnd := base.Add(time.Duration(i) * time.Hour)
		_, err := s.InsertMetric("error_count", windowEnd.Add(-time.Hour), windowEnd, &value, nil, nil, 1)
		require.NoError(t, err)
	}

	rows, err := f.QueryMetricsByTimeBucket("error_count", BucketHour, time.Time{}, time.Time{}, AggAvg)
	require.NoError(t, err)
	require.Len(t, rows, 24)

	for i := 0; i < len(rows)-1; i++ {
		assert.Less(t, rows[i].BucketTime, rows[i+1].BucketTime)
	}
	require.NotNil(t, rows[0].MetricValue)
	assert.InDelta(t, 0.0, *rows[0].MetricValue, 0.0001)
	require.NotNil(t, rows[23].MetricValue)
	assert.InDelta(t, 23.0, *rows[23].MetricValue, 0.0001)
}

func TestFacade_QueryTopSources_RejectsUnknownBy(t *testing.T) {
	_, f := openTestFacade(t)
	_, err := f.QueryTopSources(time.Time{}, time.Time{}, 10, TopSourcesBy("bogus"))
	assert.ErrorIs(t, err, ErrQuery)
}

func TestFacade_QueryTopSources_RanksByErrorCount(t *testing.T) {
	s, f := openTestFacade(t)
	base := time.Now().UTC()

	mustEvent := func(level, source string) event.Event {
		e, err := event.New(base, level, source, "msg", nil)
		require.NoError(t, err)
		return e
	}

	_, err := s.InsertEvents([]event.Event{
		mustEvent("ERROR", "noisy"),
		mustEvent("ERROR", "noisy"),
		mustEvent("ERROR", "noisy"),
		mustEvent("INFO", "quiet"),
		mustEvent("INFO", "quiet"),
		mustEvent("INFO", "quiet"),
		mustEvent("INFO", "quiet"),
		mustEvent("INFO", "quiet"),
	})
	require.NoError(t, err)

	rows, err := f.QueryTopSources(time.Time{}, time.Time{}, 10, ByErrorCount)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, "noisy", rows[0].Source)
	assert.Equal(t, 3, rows[0].ErrorCount)

	rows, err = f.QueryTopSources(time.Time{}, time.Time{}, 10, ByEventCount)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, "quiet", rows[0].Source)
	assert.Equal(t, 5, rows[0].EventCount)
}

func TestFacade_QueryErrorRateBySource_NullSafeDivision(t *testing.T) {
	s, f := openTestFacade(t)
	base := time.Now().UTC()

	mk := func(level string) event.Event {
		e, err := event.New(base, level, "svc", "msg", nil)
		require.NoError(t, err)
		return e
	}
	_, err := s.InsertEvents([]event.Event{mk("ERROR"), mk("INFO"), mk("INFO"), mk("INFO")})
	require.NoError(t, err)

	rows, err := f.QueryErrorRateBySource(time.Time{}, time.Time{}, BucketHour)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 4, rows[0].TotalEvents)
	assert.Equal(t, 1, rows[0].ErrorCount)
	assert.InDelta(t, 25.0, rows[0].ErrorRate, 0.0001)
}

func TestFacade_QueryGroupedMetrics_ExpandsGroups(t *testing.T) {
	s, f := openTestFacade(t)
	base := time.Now().UTC()

	_, err := s.InsertMetric("events_by_source", base.Add(-time.Minute), base,
		nil, map[string]float64{"app1": 3, "app2": 5}, nil, 8)
	require.NoError(t, err)

	rows, err := f.QueryGroupedMetrics("events_by_source", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	total := 0.0
	for _, r := range rows {
		total += r.Value
	}
	assert.InDelta(t, 8.0, total, 0.0001)
}

func TestFacade_ExecuteSQL_RawPassthrough(t *testing.T) {
	s, f := openTestFacade(t)
	base := time.Now().UTC()

	e, err := event.New(base, "INFO", "svc", "hello", nil)
	require.NoError(t, err)
	_, err = s.InsertEvent(e)
	require.NoError(t, err)

	rows, err := f.ExecuteSQL("SELECT source, message FROM events")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "svc", rows[0].Values["source"])
	assert.Equal(t, "hello", rows[0].Values["message"])
}

func TestFacade_ListTablesAndSchema(t *testing.T) {
	_, f := openTestFacade(t)

	tables, err := f.ListTables()
	require.NoError(t, err)
	assert.Contains(t, tables, "events")
	assert.Contains(t, tables, "metrics")

	cols, err := f.GetTableSchema("events")
	require.NoError(t, err)
	var names []string
	for _, c := range cols {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "timestamp")
	assert.Contains(t, names, "source")
}
