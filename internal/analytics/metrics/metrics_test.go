// Copyright (C) ClusterCockpit contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package metrics

import (
	"testing"
	"time"

	"github.com/ClusterCockpit/loglens/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEvent(t *testing.T, at time.Time, level, source, message string) event.Event {
	t.Helper()
	e, err := event.New(at, level, source, message, nil)
	require.NoError(t, err)
	return e
}

func errorFilter(e event.Event) bool { return e.Level == event.LevelError }

// Scenario 1: error count windowing.
func TestWindowProcessor_ErrorCountWindowing(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	window, err := ParseWindow("5m")
	require.NoError(t, err)

	proc := NewWindowProcessor()
	require.NoError(t, proc.Register(MetricDef{
		Name:        "error_count",
		Window:      window,
		Aggregation: Count(),
		Filter:      errorFilter,
	}))

	var lastResult MetricResult
	for i := 0; i < 10; i++ {
		level := "ERROR"
		if i%2 == 1 {
			level = "INFO"
		}
		ts := base.Add(time.Duration(i*10) * time.Second)
		matched, err := proc.AddEvent(mustEvent(t, ts, level, "app", "msg"))
		require.NoError(t, err)
		if level == "ERROR" {
			require.Contains(t, matched, "error_count")
			lastResult = matched["error_count"]
		} else {
			// the filter rejects non-ERROR events, so the metric must not
			// appear in the returned match set at all.
			assert.NotContains(t, matched, "error_count")
		}
	}

	assert.Equal(t, float64(5), lastResult.Value)
}

// Scenario 2: rate with a single event does not divide by zero.
func TestWindowProcessor_RateSingleEvent(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	window, err := ParseWindow("1m")
	require.NoError(t, err)

	proc := NewWindowProcessor()
	require.NoError(t, proc.Register(MetricDef{
		Name:        "error_rate",
		Window:      window,
		Aggregation: Rate(),
		Filter:      errorFilter,
	}))

	matched, err := proc.AddEvent(mustEvent(t, base, "ERROR", "app", "boom"))
	require.NoError(t, err)
	require.Contains(t, matched, "error_rate")
	assert.Equal(t, 1.0, matched["error_rate"].Value)
}

// Scenario 3: grouped source count partitions the matched set.
func TestWindowProcessor_GroupedSourceCount(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	window, err := ParseWindow("5m")
	require.NoError(t, err)

	proc := NewWindowProcessor()
	require.NoError(t, proc.Register(MetricDef{
		Name:        "events_by_source",
		Window:      window,
		Aggregation: Count(),
		GroupBy:     func(e event.Event) string { return e.Source },
	}))

	sources := []string{"app1", "app2", "app3"}
	var result MetricResult
	for i := 0; i < 9; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		matched, err := proc.AddEvent(mustEvent(t, ts, "INFO", sources[i%3], "msg"))
		require.NoError(t, err)
		require.Contains(t, matched, "events_by_source")
		result = matched["events_by_source"]
	}

	assert.True(t, result.IsEmpty == false || len(result.GroupedValues) > 0)
	assert.Equal(t, map[string]float64{"app1": 3, "app2": 3, "app3": 3}, result.GroupedValues)
}

func TestWindowProcessor_AverageRequiresValueExtractor(t *testing.T) {
	window, _ := ParseWindow("1m")
	proc := NewWindowProcessor()
	require.NoError(t, proc.Register(MetricDef{Name: "avg_latency", Window: window, Aggregation: Average()}))

	_, err := proc.AddEvent(mustEvent(t, time.Now(), "INFO", "app", "msg"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMetricConfig)
}

func TestWindowProcessor_WindowMonotonicity(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	window, _ := ParseWindow("30s")
	proc := NewWindowProcessor()
	require.NoError(t, proc.Register(MetricDef{Name: "count", Window: window, Aggregation: Count()}))

	for i := 0; i < 10; i++ {
		matched, err := proc.AddEvent(mustEvent(t, base.Add(time.Duration(i*10)*time.Second), "INFO", "app", "msg"))
		require.NoError(t, err)
		require.Contains(t, matched, "count")
		// exactly the events within [ts-30s, ts] should remain buffered
		expected := min(i+1, 4)
		assert.Equal(t, float64(expected), matched["count"].Value)
	}
}

func TestWindowProcessor_ProcessEvents_StreamsOnlyMatchedMetrics(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	window, _ := ParseWindow("5m")

	proc := NewWindowProcessor()
	require.NoError(t, proc.Register(MetricDef{Name: "error_count", Window: window, Aggregation: Count(), Filter: errorFilter}))
	require.NoError(t, proc.Register(MetricDef{Name: "all_count", Window: window, Aggregation: Count()}))

	events := []event.Event{
		mustEvent(t, base, "ERROR", "app", "a"),
		mustEvent(t, base.Add(time.Second), "INFO", "app", "b"),
		mustEvent(t, base.Add(2*time.Second), "ERROR", "app", "c"),
	}

	results, err := proc.ProcessEvents(events)
	require.NoError(t, err)

	require.Len(t, results["error_count"], 2)
	assert.Equal(t, float64(1), results["error_count"][0].Value)
	assert.Equal(t, float64(2), results["error_count"][1].Value)

	require.Len(t, results["all_count"], 3)
	assert.Equal(t, float64(3), results["all_count"][2].Value)
}

func TestParseWindow(t *testing.T) {
	cases := map[string]time.Duration{
		"30s": 30 * time.Second,
		"5m":  5 * time.Minute,
		"1h":  time.Hour,
		"7d":  7 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseWindow(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseWindow("bogus")
	assert.ErrorIs(t, err, ErrInvalidMetricDef)
}

func TestPercentile_NearestRankFloor(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	// nearest-rank floor indexing over (n-1), not interpolation
	assert.Equal(t, 5.0, percentile(values, 50))
}
