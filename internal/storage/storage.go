// Copyright (C) ClusterCockpit contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package storage is the append-only analytical store for events and
// metric results: a sqlite3 database accessed through sqlx and built with
// squirrel, matching the teacher's internal/repository idiom.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/ClusterCockpit/loglens/internal/event"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"
)

// Errors returned by this package.
var (
	// ErrStorage wraps low-level engine failures (open/connect/migrate).
	ErrStorage = errors.New("STORAGE > storage unavailable")
	// ErrClosed is returned by any operation on a Storage after Close.
	ErrClosed = errors.New("STORAGE > store is closed")
)

var hooksDriverRegistered bool

// Storage owns the connection to the on-disk analytical database. It is
// not safe for concurrent use by multiple writers — the teacher's own
// sqlite repository caps the pool at a single connection for the same
// reason.
type Storage struct {
	db        *sqlx.DB
	stmtCache *sq.StmtCache
	closed    bool
}

// Open creates (if absent) the schema at path and returns a ready Storage.
// Callers must defer Close to release the connection, matching this
// project's scoped-acquisition requirement.
func Open(path string) (*Storage, error) {
	if !hooksDriverRegistered {
		sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &queryHooks{}))
		hooksDriverRegistered = true
	}

	if err := migrateUp(path); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrStorage, path, err)
	}
	// sqlite does not multithread; more than one connection just means
	// waiting on the same file lock.
	db.SetMaxOpenConns(1)

	if err := checkSchemaVersion(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db, stmtCache: sq.NewStmtCache(db.DB)}, nil
}

// Close releases the underlying connection. Using a closed Storage
// returns ErrClosed.
func (s *Storage) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.stmtCache.Clear(); err != nil {
		return fmt.Errorf("%w: clearing statement cache: %v", ErrStorage, err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: closing: %v", ErrStorage, err)
	}
	return nil
}

func (s *Storage) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// PersistedEvent is one row of the events table.
type PersistedEvent struct {
	ID        int64
	Timestamp time.Time
	Level     event.Level
	Source    string
	Message   string
	Metadata  map[string]any
}

// PersistedMetric is one row of the metrics table. Exactly one of Value or
// Grouped is populated, matching the metric's GroupBy configuration.
type PersistedMetric struct {
	ID          int64
	MetricName  string
	WindowStart time.Time
	WindowEnd   time.Time
	Value       *float64
	Grouped     map[string]float64
	Metadata    map[string]any
}

// InsertEvent assigns the next id (max(id)+1 over the events table,
// matching the source's non-atomic id-generation scheme — see DESIGN.md)
// and persists e, returning the assigned id.
func (s *Storage) InsertEvent(e event.Event) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return 0, fmt.Errorf("%w: marshaling metadata: %v", ErrStorage, err)
	}

	var nextID int64
	row := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) + 1 FROM events`)
	if err := row.Scan(&nextID); err != nil {
		return 0, fmt.Errorf("%w: computing next id: %v", ErrStorage, err)
	}

	_, err = sq.Insert("events").
		Columns("id", "timestamp", "level", "source", "message", "metadata").
		Values(nextID, e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Level), e.Source, e.Message, string(metadataJSON)).
		RunWith(s.stmtCache).
		Exec()
	if err != nil {
		return 0, fmt.Errorf("%w: inserting event: %v", ErrStorage, err)
	}
	return nextID, nil
}

// InsertEvents inserts events in order, returning their assigned ids in
// the same order.
func (s *Storage) InsertEvents(events []event.Event) ([]int64, error) {
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		id, err := s.InsertEvent(e)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// InsertMetric persists a single metric result row. Exactly one of value
// or grouped should be non-nil/non-empty.
func (s *Storage) InsertMetric(name string, windowStart, windowEnd time.Time, value *float64, grouped map[string]float64, metadata map[string]any, sampleCount int) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	groupedJSON, err := json.Marshal(grouped)
	if err != nil {
		return 0, fmt.Errorf("%w: marshaling grouped values: %v", ErrStorage, err)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("%w: marshaling metadata: %v", ErrStorage, err)
	}

	var nextID int64
	row := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) + 1 FROM metrics`)
	if err := row.Scan(&nextID); err != nil {
		return 0, fmt.Errorf("%w: computing next id: %v", ErrStorage, err)
	}

	_, err = sq.Insert("metrics").
		Columns("id", "metric_name", "window_start", "timestamp", "value", "sample_count", "grouped_values", "metadata").
		Values(nextID, name, windowStart.UTC().Format(time.RFC3339Nano), windowEnd.UTC().Format(time.RFC3339Nano), value, sampleCount, string(groupedJSON), string(metadataJSON)).
		RunWith(s.stmtCache).
		Exec()
	if err != nil {
		return 0, fmt.Errorf("%w: inserting metric: %v", ErrStorage, err)
	}
	return nextID, nil
}

// EventFilter narrows QueryEvents. Zero values mean "no filter".
type EventFilter struct {
	Start  time.Time
	End    time.Time
	Level  event.Level
	Source string
	Limit  int
}

// QueryEvents returns events matching filter, ordered by timestamp
// descending.
func (s *Storage) QueryEvents(filter EventFilter) ([]PersistedEvent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	q := sq.Select("id", "timestamp", "level", "source", "message", "metadata").From("events")
	if !filter.Start.IsZero() {
		q = q.Where(sq.GtOrEq{"timestamp": filter.Start.UTC().Format(time.RFC3339Nano)})
	}
	if !filter.End.IsZero() {
		q = q.Where(sq.LtOrEq{"timestamp": filter.End.UTC().Format(time.RFC3339Nano)})
	}
	if filter.Level != "" {
		q = q.Where(sq.Eq{"level": string(filter.Level)})
	}
	if filter.Source != "" {
		q = q.Where(sq.Eq{"source": filter.Source})
	}
	q = q.OrderBy("timestamp DESC")
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}

	rows, err := q.RunWith(s.stmtCache).Query()
	if err != nil {
		return nil, fmt.Errorf("%w: querying events: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []PersistedEvent
	for rows.Next() {
		pe, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pe)
	}
	return out, rows.Err()
}

func scanEvent(row interface{ Scan(...interface{}) error }) (PersistedEvent, error) {
	var (
		id                     int64
		timestampStr           string
		level, source, message string
		metadataJSON           string
	)
	if err := row.Scan(&id, &timestampStr, &level, &source, &message, &metadataJSON); err != nil {
		return PersistedEvent{}, fmt.Errorf("%w: scanning event row: %v", ErrStorage, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, timestampStr)
	if err != nil {
		return PersistedEvent{}, fmt.Errorf("%w: parsing event timestamp %q: %v", ErrStorage, timestampStr, err)
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
		return PersistedEvent{}, fmt.Errorf("%w: unmarshaling event metadata: %v", ErrStorage, err)
	}
	return PersistedEvent{ID: id, Timestamp: ts, Level: event.Level(level), Source: source, Message: message, Metadata: metadata}, nil
}

// MetricFilter narrows QueryMetrics. Zero values mean "no filter".
type MetricFilter struct {
	Name  string
	Start time.Time
	End   time.Time
	Limit int
}

// QueryMetrics returns metric rows matching filter, ordered by window end
// descending.
func (s *Storage) QueryMetrics(filter MetricFilter) ([]PersistedMetric, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	q := sq.Select("id", "metric_name", "window_start", "timestamp", "value", "sample_count", "grouped_values", "metadata").From("metrics")
	if filter.Name != "" {
		q = q.Where(sq.Eq{"metric_name": filter.Name})
	}
	if !filter.Start.IsZero() {
		q = q.Where(sq.GtOrEq{"timestamp": filter.Start.UTC().Format(time.RFC3339Nano)})
	}
	if !filter.End.IsZero() {
		q = q.Where(sq.LtOrEq{"timestamp": filter.End.UTC().Format(time.RFC3339Nano)})
	}
	q = q.OrderBy("timestamp DESC")
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}

	rows, err := q.RunWith(s.stmtCache).Query()
	if err != nil {
		return nil, fmt.Errorf("%w: querying metrics: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []PersistedMetric
	for rows.Next() {
		pm, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

func scanMetric(row interface{ Scan(...interface{}) error }) (PersistedMetric, error) {
	var (
		id                        int64
		name                      string
		windowStartStr, timestampStr string
		value                     sql.NullFloat64
		sampleCount               int
		groupedJSON, metadataJSON string
	)
	if err := row.Scan(&id, &name, &windowStartStr, &timestampStr, &value, &sampleCount, &groupedJSON, &metadataJSON); err != nil {
		return PersistedMetric{}, fmt.Errorf("%w: scanning metric row: %v", ErrStorage, err)
	}
	windowStart, err := time.Parse(time.RFC3339Nano, windowStartStr)
	if err != nil {
		return PersistedMetric{}, fmt.Errorf("%w: parsing metric window_start %q: %v", ErrStorage, windowStartStr, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, timestampStr)
	if err != nil {
		return PersistedMetric{}, fmt.Errorf("%w: parsing metric timestamp %q: %v", ErrStorage, timestampStr, err)
	}
	var grouped map[string]float64
	if err := json.Unmarshal([]byte(groupedJSON), &grouped); err != nil {
		return PersistedMetric{}, fmt.Errorf("%w: unmarshaling grouped values: %v", ErrStorage, err)
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
		return PersistedMetric{}, fmt.Errorf("%w: unmarshaling metric metadata: %v", ErrStorage, err)
	}

	pm := PersistedMetric{ID: id, MetricName: name, WindowStart: windowStart, WindowEnd: ts, Metadata: metadata}
	if value.Valid {
		v := value.Float64
		pm.Value = &v
	}
	if len(grouped) > 0 {
		pm.Grouped = grouped
	}
	return pm, nil
}

// MetricSummary is the result of GetMetricSummary.
type MetricSummary struct {
	Count int
	Avg   *float64
	Min   *float64
	Max   *float64
	Sum   *float64
}

// GetMetricSummary aggregates all stored rows for name within [start, end].
func (s *Storage) GetMetricSummary(name string, start, end time.Time) (MetricSummary, error) {
	if err := s.checkOpen(); err != nil {
		return MetricSummary{}, err
	}

	q := sq.Select("COUNT(*)", "AVG(value)", "MIN(value)", "MAX(value)", "SUM(value)").
		From("metrics").Where(sq.Eq{"metric_name": name})
	if !start.IsZero() {
		q = q.Where(sq.GtOrEq{"timestamp": start.UTC().Format(time.RFC3339Nano)})
	}
	if !end.IsZero() {
		q = q.Where(sq.LtOrEq{"timestamp": end.UTC().Format(time.RFC3339Nano)})
	}

	var (
		count          int
		avg, min, max, sum sql.NullFloat64
	)
	if err := q.RunWith(s.stmtCache).QueryRow().Scan(&count, &avg, &min, &max, &sum); err != nil {
		return MetricSummary{}, fmt.Errorf("%w: summarizing metric %q: %v", ErrStorage, name, err)
	}

	summary := MetricSummary{Count: count}
	if avg.Valid {
		v := avg.Float64
		summary.Avg = &v
	}
	if min.Valid {
		v := min.Float64
		summary.Min = &v
	}
	if max.Valid {
		v := max.Float64
		summary.Max = &v
	}
	if sum.Valid {
		v := sum.Float64
		summary.Sum = &v
	}
	return summary, nil
}

// EventStats is the result of GetEventStats.
type EventStats struct {
	TotalEvents int
	ByLevel     map[string]int
	BySource    map[string]int
}

// GetEventStats counts events within [start, end], broken down by level
// and source. ByLevel and BySource are plain maps, so they carry no
// ordering by count.
func (s *Storage) GetEventStats(start, end time.Time) (EventStats, error) {
	if err := s.checkOpen(); err != nil {
		return EventStats{}, err
	}

	totalQ := sq.Select("COUNT(*)").From("events")
	totalQ = applyTimeRange(totalQ, start, end)
	var total int
	if err := totalQ.RunWith(s.stmtCache).QueryRow().Scan(&total); err != nil {
		return EventStats{}, fmt.Errorf("%w: counting events: %v", ErrStorage, err)
	}

	byLevel, err := s.countGroupedBy("level", start, end)
	if err != nil {
		return EventStats{}, err
	}
	bySource, err := s.countGroupedBy("source", start, end)
	if err != nil {
		return EventStats{}, err
	}

	return EventStats{TotalEvents: total, ByLevel: byLevel, BySource: bySource}, nil
}

func (s *Storage) countGroupedBy(column string, start, end time.Time) (map[string]int, error) {
	q := sq.Select(column, "COUNT(*) AS cnt").From("events").GroupBy(column).OrderBy("cnt DESC")
	q = applyTimeRange(q, start, end)

	rows, err := q.RunWith(s.stmtCache).Query()
	if err != nil {
		return nil, fmt.Errorf("%w: grouping events by %s: %v", ErrStorage, column, err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("%w: scanning %s group: %v", ErrStorage, column, err)
		}
		out[key] = count
	}
	return out, rows.Err()
}

func applyTimeRange(q sq.SelectBuilder, start, end time.Time) sq.SelectBuilder {
	if !start.IsZero() {
		q = q.Where(sq.GtOrEq{"timestamp": start.UTC().Format(time.RFC3339Nano)})
	}
	if !end.IsZero() {
		q = q.Where(sq.LtOrEq{"timestamp": end.UTC().Format(time.RFC3339Nano)})
	}
	return q
}

// DeleteOldEvents removes events strictly older than cutoff, returning
// the number of rows deleted.
func (s *Storage) DeleteOldEvents(cutoff time.Time) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := sq.Delete("events").Where(sq.Lt{"timestamp": cutoff.UTC().Format(time.RFC3339Nano)}).RunWith(s.stmtCache).Exec()
	if err != nil {
		return 0, fmt.Errorf("%w: deleting old events: %v", ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return n, nil
}

// DeleteOldMetrics removes metric rows strictly older than cutoff,
// returning the number of rows deleted.
func (s *Storage) DeleteOldMetrics(cutoff time.Time) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := sq.Delete("metrics").Where(sq.Lt{"timestamp": cutoff.UTC().Format(time.RFC3339Nano)}).RunWith(s.stmtCache).Exec()
	if err != nil {
		return 0, fmt.Errorf("%w: deleting old metrics: %v", ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return n, nil
}

// Vacuum compacts the underlying database file.
func (s *Storage) Vacuum() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("%w: vacuuming: %v", ErrStorage, err)
	}
	return nil
}

// DB exposes the underlying *sqlx.DB for the query facade, which needs raw
// SQL execution beyond what the storage contract itself defines.
func (s *Storage) DB() *sqlx.DB {
	return s.db
}

// StmtCache exposes the shared squirrel statement cache so the query
// facade can build its own squirrel queries against the same connection.
func (s *Storage) StmtCache() *sq.StmtCache {
	return s.stmtCache
}
