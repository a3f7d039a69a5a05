// Copyright (C) ClusterCockpit contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ingest normalizes raw log lines — JSON-per-line or best-effort
// unstructured text — into event.Event values, matching the two textual
// shapes the external interface recognizes.
package ingest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/ClusterCockpit/loglens/internal/event"
)

// ErrIngestion is returned for a malformed line in strict mode.
var ErrIngestion = errors.New("INGEST > malformed log line")

// LineError pairs a 1-based line number with the error encountered while
// parsing it.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// Options configures Ingest.
type Options struct {
	Format        Format
	Strict        bool
	DefaultSource string
	DefaultLevel  string
}

// Ingest reads r line by line according to opts and returns the
// successfully parsed events plus any per-line errors encountered. In
// strict mode the first malformed line stops ingestion and is the sole
// returned error; in lenient mode malformed lines are skipped and
// accumulated as errors alongside whatever could be parsed.
func Ingest(r io.Reader, opts Options) ([]event.Event, []error) {
	format := opts.Format
	var raw []byte
	if format == FormatAuto || format == "" {
		buffered, detected, err := sniffAndRewind(r)
		if err != nil {
			return nil, []error{fmt.Errorf("%w: %v", ErrIngestion, err)}
		}
		raw = buffered
		format = detected
	} else {
		var err error
		raw, err = io.ReadAll(r)
		if err != nil {
			return nil, []error{fmt.Errorf("%w: %v", ErrIngestion, err)}
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var events []event.Event
	var errs []error
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var e event.Event
		var err error
		if format == FormatJSON {
			e, err = parseJSONLine(line, opts.DefaultSource, opts.DefaultLevel)
		} else {
			e, err = parseTextLine(line, opts.DefaultSource, opts.DefaultLevel)
		}

		if err != nil {
			lerr := LineError{Line: lineNum, Err: err}
			if opts.Strict {
				return events, []error{lerr}
			}
			errs = append(errs, lerr)
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrIngestion, err))
	}
	return events, errs
}

func sniffAndRewind(r io.Reader) ([]byte, Format, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", err
	}
	return data, DetectFormatFromStream(strings.NewReader(string(data))), nil
}

// parseJSONLine parses one JSON-object-per-line record. Unknown top-level
// fields are folded into metadata, matching the source's _ingest_json.
func parseJSONLine(line, defaultSource, defaultLevel string) (event.Event, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return event.Event{}, fmt.Errorf("invalid JSON: %v", err)
	}

	ts, err := extractTimestamp(raw["timestamp"])
	if err != nil {
		return event.Event{}, err
	}
	delete(raw, "timestamp")

	level, _ := raw["level"].(string)
	if level == "" {
		level = defaultLevel
	}
	delete(raw, "level")

	source, _ := raw["source"].(string)
	if source == "" {
		source = defaultSource
	}
	delete(raw, "source")

	message, _ := raw["message"].(string)
	delete(raw, "message")

	metadata, _ := raw["metadata"].(map[string]any)
	delete(raw, "metadata")
	if metadata == nil {
		metadata = map[string]any{}
	}
	for k, v := range raw {
		metadata[k] = v
	}

	return event.New(ts, level, source, message, metadata)
}

func extractTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, nil
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, nil
		}
		return time.Time{}, fmt.Errorf("unparsable timestamp %q", t)
	case float64:
		sec := int64(t)
		nsec := int64((t - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("missing or invalid timestamp")
	}
}

var (
	isoTimestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	levelTokenPattern   = regexp.MustCompile(`(?i)\b(DEBUG|INFO|WARNING|WARN|ERROR|CRITICAL|FATAL|TRACE)\b`)
	bracketSourcePattern = regexp.MustCompile(`\[([^\]]+)\]`)
	parenSourcePattern   = regexp.MustCompile(`\(([^)]+)\)`)
	colonSourcePattern   = regexp.MustCompile(`^(\S+):`)
)

var levelAliases = map[string]string{
	"WARN": "WARNING",
}

// parseTextLine best-effort extracts a timestamp, level token, and source
// wrapped in brackets/parens or suffixed with a colon from an unstructured
// line; the remainder becomes the message. A missing timestamp becomes the
// current time; a missing level or source falls back to the supplied
// default.
func parseTextLine(line, defaultSource, defaultLevel string) (event.Event, error) {
	remainder := line

	ts := time.Now().UTC()
	if m := isoTimestampPattern.FindString(remainder); m != "" {
		if parsed, err := parseLooseTimestamp(m); err == nil {
			ts = parsed
		}
		remainder = strings.TrimSpace(strings.Replace(remainder, m, "", 1))
	}

	level := defaultLevel
	if m := levelTokenPattern.FindString(remainder); m != "" {
		upper := strings.ToUpper(m)
		if alias, ok := levelAliases[upper]; ok {
			upper = alias
		}
		level = upper
		remainder = strings.TrimSpace(strings.Replace(remainder, m, "", 1))
	}

	source := defaultSource
	if m := bracketSourcePattern.FindStringSubmatch(remainder); m != nil {
		source = m[1]
		remainder = strings.TrimSpace(strings.Replace(remainder, m[0], "", 1))
	} else if m := parenSourcePattern.FindStringSubmatch(remainder); m != nil {
		source = m[1]
		remainder = strings.TrimSpace(strings.Replace(remainder, m[0], "", 1))
	} else if m := colonSourcePattern.FindStringSubmatch(remainder); m != nil {
		source = m[1]
		remainder = strings.TrimSpace(strings.TrimPrefix(remainder, m[0]))
	}

	message := strings.TrimSpace(strings.TrimPrefix(remainder, "-"))
	message = strings.TrimSpace(message)
	if message == "" {
		message = line
	}

	return event.New(ts, level, source, message, nil)
}

func parseLooseTimestamp(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", s)
}
