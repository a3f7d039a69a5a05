// Copyright (C) ClusterCockpit contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics implements the sliding-window metric processor: declarative
// MetricDefs are evaluated over a rolling buffer of Events and produce
// MetricResults on demand.
package metrics

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/ClusterCockpit/loglens/internal/event"
)

// AggregationKind identifies one of the built-in aggregation functions, or
// AggregationCustom to dispatch to a user-supplied AggregationFunc.
type AggregationKind string

const (
	AggregationCount       AggregationKind = "COUNT"
	AggregationRate        AggregationKind = "RATE"
	AggregationAverage     AggregationKind = "AVERAGE"
	AggregationSum         AggregationKind = "SUM"
	AggregationMin         AggregationKind = "MIN"
	AggregationMax         AggregationKind = "MAX"
	AggregationPercentile  AggregationKind = "PERCENTILE"
	AggregationUniqueCount AggregationKind = "UNIQUE_COUNT"
	AggregationCustom      AggregationKind = "CUSTOM"
)

// AggregationFunc is a user-supplied reduction over the values extracted
// from the events currently inside a metric's window.
type AggregationFunc func(values []float64) float64

// Aggregation is a tagged union over the built-in aggregation kinds and a
// Custom callable, mirroring the original's `Union[AggregationType,
// Callable]` value but expressed as a Go struct + kind switch instead of an
// interface{} union, since the concrete set of shapes is fixed and small.
type Aggregation struct {
	Kind AggregationKind

	// Percentile is the target percentile in [0, 100], only meaningful
	// when Kind == AggregationPercentile.
	Percentile float64

	// Custom is invoked when Kind == AggregationCustom.
	Custom AggregationFunc
}

// Count, Rate, Average, Sum, Min, Max and UniqueCount are convenience
// constructors for the built-in aggregation kinds.
func Count() Aggregation   { return Aggregation{Kind: AggregationCount} }
func Rate() Aggregation    { return Aggregation{Kind: AggregationRate} }
func Average() Aggregation { return Aggregation{Kind: AggregationAverage} }
func Sum() Aggregation     { return Aggregation{Kind: AggregationSum} }
func Min() Aggregation     { return Aggregation{Kind: AggregationMin} }
func Max() Aggregation     { return Aggregation{Kind: AggregationMax} }
func UniqueCount() Aggregation {
	return Aggregation{Kind: AggregationUniqueCount}
}

// Percentile returns a PERCENTILE aggregation targeting p (0-100).
func Percentile(p float64) Aggregation {
	return Aggregation{Kind: AggregationPercentile, Percentile: p}
}

// CustomAggregation wraps an arbitrary reduction function as an Aggregation.
func CustomAggregation(fn AggregationFunc) Aggregation {
	return Aggregation{Kind: AggregationCustom, Custom: fn}
}

// Errors returned by this package are all wrapped with this prefix so they
// are easy to grep for in logs, mirroring the teacher's
// "REPOSITORY/QUERY > ..." convention.
var (
	// ErrInvalidMetricDef is returned when a MetricDef fails validation.
	ErrInvalidMetricDef = errors.New("ANALYTICS/METRICS > invalid metric definition")
	// ErrMetricConfig is returned at aggregation time when a required
	// collaborator (e.g. a value extractor) was never configured.
	ErrMetricConfig = errors.New("ANALYTICS/METRICS > metric misconfigured")
	// ErrUnknownMetric is returned by GetMetric for an unregistered name.
	ErrUnknownMetric = errors.New("ANALYTICS/METRICS > unknown metric")
)

var windowPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseWindow parses a window string like "30s", "5m", "1h" or "7d" into a
// time.Duration. It mirrors loglens.analytics.metrics.Metric._parse_window.
func ParseWindow(s string) (time.Duration, error) {
	m := windowPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: window %q must match ^(\\d+)([smhd])$", ErrInvalidMetricDef, s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: window %q has an unparsable count", ErrInvalidMetricDef, s)
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: window %q has an unknown unit", ErrInvalidMetricDef, s)
	}
}

// MetricDef declaratively describes a sliding-window metric. Filter,
// GroupBy and ValueExtractor are optional compiled callables — the core
// never parses expression strings itself; internal/config compiles the
// YAML-authored expressions into these closures.
type MetricDef struct {
	Name        string
	Window      time.Duration
	Aggregation Aggregation

	// Filter, if set, excludes events for which it returns false.
	Filter func(event.Event) bool

	// GroupBy, if set, partitions the window's events by the returned
	// key before aggregating each partition independently.
	GroupBy func(event.Event) string

	// ValueExtractor, if set, maps an event to the numeric value the
	// aggregation reduces over. Required by every aggregation kind
	// except COUNT and RATE.
	ValueExtractor func(event.Event) (float64, error)
}

// Validate checks the structural invariants of a MetricDef that can be
// checked without evaluating any events.
func (d MetricDef) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidMetricDef)
	}
	if d.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidMetricDef, d.Window)
	}
	if d.Aggregation.Kind == AggregationPercentile && (d.Aggregation.Percentile < 0 || d.Aggregation.Percentile > 100) {
		return fmt.Errorf("%w: percentile must be within [0, 100], got %g", ErrInvalidMetricDef, d.Aggregation.Percentile)
	}
	if d.Aggregation.Kind == AggregationCustom && d.Aggregation.Custom == nil {
		return fmt.Errorf("%w: CUSTOM aggregation requires a function", ErrInvalidMetricDef)
	}
	return nil
}

func (d MetricDef) needsValueExtractor() bool {
	switch d.Aggregation.Kind {
	case AggregationCount, AggregationRate:
		return false
	default:
		return true
	}
}

// MetricResult is the value of a MetricDef computed over its current
// window, optionally partitioned by GroupBy. WindowEnd is the latest
// event timestamp observed by this metric; WindowStart is WindowEnd minus
// the metric's window. Exactly one of Value or GroupedValues is
// meaningful, per the metric's GroupBy configuration.
type MetricResult struct {
	Name          string
	WindowStart   time.Time
	WindowEnd     time.Time
	Value         float64
	IsEmpty       bool
	GroupedValues map[string]float64
	SampleCount   int
}

type bufferedEvent struct {
	at float64 // seconds since the Unix epoch, for RATE's elapsed-time math
	ev event.Event
}

// WindowProcessor holds a set of MetricDefs and the per-metric sliding
// window of events needed to compute them. It is not safe for concurrent
// use, matching the single-threaded/cooperative concurrency model this
// project shares with the teacher's sqlite-backed repositories.
type WindowProcessor struct {
	defs    map[string]MetricDef
	order   []string
	buffers map[string][]bufferedEvent
}

// NewWindowProcessor constructs an empty processor.
func NewWindowProcessor() *WindowProcessor {
	return &WindowProcessor{
		defs:    map[string]MetricDef{},
		buffers: map[string][]bufferedEvent{},
	}
}

// Register adds a MetricDef to the processor. Registering a name twice
// replaces the previous definition and clears its buffer.
func (p *WindowProcessor) Register(d MetricDef) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if _, exists := p.defs[d.Name]; !exists {
		p.order = append(p.order, d.Name)
	}
	p.defs[d.Name] = d
	p.buffers[d.Name] = nil
	return nil
}

// AddEvent feeds a single event into every registered metric whose Filter
// (if any) accepts it, evicts events that have fallen outside the metric's
// window, and returns the recomputed MetricResult for each metric the
// event matched (metrics.py:171 add_event -> Dict[str, MetricResult]).
// Metrics the event did not match are not present in the returned map.
func (p *WindowProcessor) AddEvent(e event.Event) (map[string]MetricResult, error) {
	now := e.Timestamp
	out := map[string]MetricResult{}
	for _, name := range p.order {
		d := p.defs[name]
		if d.Filter != nil && !d.Filter(e) {
			continue
		}
		p.buffers[name] = append(p.buffers[name], bufferedEvent{at: float64(now.UnixNano()) / 1e9, ev: e})
		p.evict(name, now)

		res, err := p.compute(d)
		if err != nil {
			return nil, err
		}
		out[name] = res
	}
	return out, nil
}

// ProcessEvents feeds a batch of events through AddEvent in order and
// returns the per-event stream of matched-metric results (metrics.py:358
// process_events -> Dict[str, List[MetricResult]]), keyed by metric name.
func (p *WindowProcessor) ProcessEvents(events []event.Event) (map[string][]MetricResult, error) {
	out := map[string][]MetricResult{}
	for _, e := range events {
		matched, err := p.AddEvent(e)
		if err != nil {
			return nil, err
		}
		for name, res := range matched {
			out[name] = append(out[name], res)
		}
	}
	return out, nil
}

func (p *WindowProcessor) evict(name string, now time.Time) {
	d := p.defs[name]
	cutoff := now.Add(-d.Window)
	buf := p.buffers[name]
	i := 0
	for i < len(buf) && buf[i].ev.Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		p.buffers[name] = append([]bufferedEvent(nil), buf[i:]...)
	}
}

// GetMetric computes the named metric's current MetricResult.
func (p *WindowProcessor) GetMetric(name string) (MetricResult, error) {
	d, ok := p.defs[name]
	if !ok {
		return MetricResult{}, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
	}
	return p.compute(d)
}

// GetAllMetrics computes every registered metric's current MetricResult.
func (p *WindowProcessor) GetAllMetrics() (map[string]MetricResult, error) {
	out := make(map[string]MetricResult, len(p.order))
	for _, name := range p.order {
		res, err := p.compute(p.defs[name])
		if err != nil {
			return nil, err
		}
		out[name] = res
	}
	return out, nil
}

// Clear drops all buffered events for every registered metric, leaving the
// definitions themselves intact.
func (p *WindowProcessor) Clear() {
	for name := range p.buffers {
		p.buffers[name] = nil
	}
}

func (p *WindowProcessor) compute(d MetricDef) (MetricResult, error) {
	buf := p.buffers[d.Name]

	result := MetricResult{Name: d.Name, SampleCount: len(buf)}
	if len(buf) > 0 {
		result.WindowEnd = buf[len(buf)-1].ev.Timestamp
		result.WindowStart = result.WindowEnd.Add(-d.Window)
	}

	if d.GroupBy != nil {
		groups := map[string][]bufferedEvent{}
		var groupOrder []string
		for _, be := range buf {
			key := d.GroupBy(be.ev)
			if _, ok := groups[key]; !ok {
				groupOrder = append(groupOrder, key)
			}
			groups[key] = append(groups[key], be)
		}
		grouped := make(map[string]float64, len(groups))
		for _, key := range groupOrder {
			v, err := p.aggregate(d, groups[key])
			if err != nil {
				return MetricResult{}, err
			}
			grouped[key] = v
		}
		result.GroupedValues = grouped
		result.IsEmpty = len(buf) == 0
		return result, nil
	}

	if len(buf) == 0 {
		result.IsEmpty = true
		if d.Aggregation.Kind == AggregationCount {
			result.Value = 0
		}
		return result, nil
	}

	v, err := p.aggregate(d, buf)
	if err != nil {
		return MetricResult{}, err
	}
	result.Value = v
	return result, nil
}

func (p *WindowProcessor) aggregate(d MetricDef, buf []bufferedEvent) (float64, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	if d.needsValueExtractor() && d.ValueExtractor == nil {
		return 0, fmt.Errorf("%w: metric %q requires a value extractor for %s aggregation", ErrMetricConfig, d.Name, d.Aggregation.Kind)
	}

	switch d.Aggregation.Kind {
	case AggregationCount:
		return float64(len(buf)), nil

	case AggregationRate:
		// time_span == 0 (e.g. a single sample) returns the raw count
		// rather than dividing by zero — preserves the source's
		// "one event per its own instant" behavior.
		span := buf[len(buf)-1].at - buf[0].at
		if span == 0 {
			return float64(len(buf)), nil
		}
		return float64(len(buf)) / span, nil

	case AggregationAverage:
		values, err := extractAll(d, buf)
		if err != nil {
			return 0, err
		}
		return mean(values), nil

	case AggregationSum:
		values, err := extractAll(d, buf)
		if err != nil {
			return 0, err
		}
		total := 0.0
		for _, v := range values {
			total += v
		}
		return total, nil

	case AggregationMin:
		values, err := extractAll(d, buf)
		if err != nil {
			return 0, err
		}
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m, nil

	case AggregationMax:
		values, err := extractAll(d, buf)
		if err != nil {
			return 0, err
		}
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m, nil

	case AggregationPercentile:
		values, err := extractAll(d, buf)
		if err != nil {
			return 0, err
		}
		return percentile(values, d.Aggregation.Percentile), nil

	case AggregationUniqueCount:
		seen := map[float64]struct{}{}
		values, err := extractAll(d, buf)
		if err != nil {
			return 0, err
		}
		for _, v := range values {
			seen[v] = struct{}{}
		}
		return float64(len(seen)), nil

	case AggregationCustom:
		values, err := extractAll(d, buf)
		if err != nil {
			return 0, err
		}
		return d.Aggregation.Custom(values), nil

	default:
		return 0, fmt.Errorf("%w: unhandled aggregation kind %q", ErrMetricConfig, d.Aggregation.Kind)
	}
}

func extractAll(d MetricDef, buf []bufferedEvent) ([]float64, error) {
	values := make([]float64, 0, len(buf))
	for _, be := range buf {
		v, err := d.ValueExtractor(be.ev)
		if err != nil {
			return nil, fmt.Errorf("%w: metric %q value extractor failed: %v", ErrMetricConfig, d.Name, err)
		}
		values = append(values, v)
	}
	return values, nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

// percentile computes the nearest-rank percentile over values using
// floor-indexed selection on the sorted slice, not interpolation —
// matching the original's indexing behavior exactly (metrics.py:325:
// index = int((percentile/100.0) * (len(values) - 1))).
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(p / 100 * float64(len(sorted)-1))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
