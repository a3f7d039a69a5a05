// Copyright (C) ClusterCockpit contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package event defines the canonical log record normalized by the
// ingestion collaborator and consumed by the analytics core.
package event

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Level is the canonicalized (upper-case) severity of an Event.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
	LevelTrace    Level = "TRACE"
	LevelFatal    Level = "FATAL"
)

var validLevels = map[Level]bool{
	LevelDebug: true, LevelInfo: true, LevelWarning: true, LevelError: true,
	LevelCritical: true, LevelTrace: true, LevelFatal: true,
}

// ErrInvalidEvent is returned by New when a required attribute is missing
// or malformed.
var ErrInvalidEvent = errors.New("EVENT > invalid event")

// Event is the canonical record that flows through the analytics core.
// Construct it with New, never by assembling the struct directly, so that
// the level-canonicalization and non-empty invariants always hold.
type Event struct {
	Timestamp time.Time
	Level     Level
	Source    string
	Message   string
	Metadata  map[string]any
}

// New validates and normalizes its arguments into an Event. level is
// matched case-insensitively and canonicalized to upper-case. source and
// message must be non-empty after trimming. A nil metadata becomes an
// empty, non-nil map.
func New(timestamp time.Time, level, source, message string, metadata map[string]any) (Event, error) {
	if timestamp.IsZero() {
		return Event{}, fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}

	lvl := Level(strings.ToUpper(strings.TrimSpace(level)))
	if !validLevels[lvl] {
		return Event{}, fmt.Errorf("%w: level must be one of DEBUG,INFO,WARNING,ERROR,CRITICAL,TRACE,FATAL, got %q", ErrInvalidEvent, level)
	}

	if strings.TrimSpace(source) == "" {
		return Event{}, fmt.Errorf("%w: source cannot be empty", ErrInvalidEvent)
	}

	if strings.TrimSpace(message) == "" {
		return Event{}, fmt.Errorf("%w: message cannot be empty", ErrInvalidEvent)
	}

	if metadata == nil {
		metadata = map[string]any{}
	}

	return Event{
		Timestamp: timestamp,
		Level:     lvl,
		Source:    source,
		Message:   message,
		Metadata:  metadata,
	}, nil
}

// Equal reports structural equality between two events.
func (e Event) Equal(o Event) bool {
	if !e.Timestamp.Equal(o.Timestamp) || e.Level != o.Level || e.Source != o.Source || e.Message != o.Message {
		return false
	}
	if len(e.Metadata) != len(o.Metadata) {
		return false
	}
	for k, v := range e.Metadata {
		ov, ok := o.Metadata[k]
		if !ok || fmt.Sprint(v) != fmt.Sprint(ov) {
			return false
		}
	}
	return true
}

// ToMap converts the Event into a name->value mapping, the inverse of
// FromMap.
func (e Event) ToMap() map[string]any {
	return map[string]any{
		"timestamp": e.Timestamp.Format(time.RFC3339Nano),
		"level":     string(e.Level),
		"source":    e.Source,
		"message":   e.Message,
		"metadata":  e.Metadata,
	}
}

// FromMap constructs an Event from a name->value mapping as produced by
// ToMap. The timestamp may be an RFC3339 string or a time.Time.
func FromMap(m map[string]any) (Event, error) {
	var ts time.Time
	switch v := m["timestamp"].(type) {
	case time.Time:
		ts = v
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, v)
			if err != nil {
				return Event{}, fmt.Errorf("%w: timestamp %q is not RFC3339", ErrInvalidEvent, v)
			}
		}
		ts = parsed
	default:
		return Event{}, fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}

	level, _ := m["level"].(string)
	source, _ := m["source"].(string)
	message, _ := m["message"].(string)

	var metadata map[string]any
	if raw, ok := m["metadata"]; ok && raw != nil {
		metadata, _ = raw.(map[string]any)
	}

	return New(ts, level, source, message, metadata)
}

// String renders a one-line representation, e.g. for log output.
func (e Event) String() string {
	return fmt.Sprintf("[%s] %s %s: %s", e.Timestamp.Format(time.RFC3339), e.Level, e.Source, e.Message)
}
