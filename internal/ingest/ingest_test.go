// Copyright (C) ClusterCockpit contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngest_JSONLinesWithUnknownFieldFolding(t *testing.T) {
	input := `{"timestamp":"2024-01-01T00:00:00Z","level":"ERROR","source":"app","message":"boom","request_id":"abc123"}
{"timestamp":"2024-01-01T00:01:00Z","level":"info","source":"app","message":"ok"}`

	events, errs := Ingest(strings.NewReader(input), Options{Format: FormatJSON, DefaultLevel: "INFO", DefaultSource: "unknown"})
	require.Empty(t, errs)
	require.Len(t, events, 2)

	assert.Equal(t, "ERROR", string(events[0].Level))
	assert.Equal(t, "abc123", events[0].Metadata["request_id"])
	assert.Equal(t, "INFO", string(events[1].Level))
}

func TestIngest_JSONEpochTimestamp(t *testing.T) {
	input := `{"timestamp":1704067200,"level":"INFO","source":"app","message":"hi"}`
	events, errs := Ingest(strings.NewReader(input), Options{Format: FormatJSON})
	require.Empty(t, errs)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1704067200), events[0].Timestamp.Unix())
}

func TestIngest_StrictModeStopsOnFirstError(t *testing.T) {
	input := "{\"timestamp\":\"2024-01-01T00:00:00Z\",\"level\":\"INFO\",\"source\":\"app\",\"message\":\"ok\"}\nnot json at all{{{\n"
	events, errs := Ingest(strings.NewReader(input), Options{Format: FormatJSON, Strict: true})
	require.Len(t, errs, 1)
	assert.Len(t, events, 1)
}

func TestIngest_LenientModeAccumulatesErrors(t *testing.T) {
	input := "{\"timestamp\":\"2024-01-01T00:00:00Z\",\"level\":\"INFO\",\"source\":\"app\",\"message\":\"ok\"}\n{{{bad json\n{\"timestamp\":\"2024-01-01T00:01:00Z\",\"level\":\"INFO\",\"source\":\"app\",\"message\":\"ok2\"}\n"
	events, errs := Ingest(strings.NewReader(input), Options{Format: FormatJSON, Strict: false})
	require.Len(t, errs, 1)
	assert.Len(t, events, 2)
}

func TestIngest_TextLineExtractsBracketSourceAndLevel(t *testing.T) {
	input := "2024-01-01T00:00:00Z ERROR [payment-service] card declined"
	events, errs := Ingest(strings.NewReader(input), Options{Format: FormatText, DefaultSource: "unknown", DefaultLevel: "INFO"})
	require.Empty(t, errs)
	require.Len(t, events, 1)

	e := events[0]
	assert.Equal(t, "ERROR", string(e.Level))
	assert.Equal(t, "payment-service", e.Source)
	assert.Contains(t, e.Message, "card declined")
}

func TestIngest_TextLineExtractsColonSource(t *testing.T) {
	input := "auth-api: WARN token about to expire"
	events, errs := Ingest(strings.NewReader(input), Options{Format: FormatText, DefaultSource: "unknown", DefaultLevel: "INFO"})
	require.Empty(t, errs)
	require.Len(t, events, 1)

	e := events[0]
	assert.Equal(t, "auth-api", e.Source)
	assert.Equal(t, "WARNING", string(e.Level))
}

func TestIngest_TextLineFallsBackToDefaults(t *testing.T) {
	input := "just a plain unstructured line"
	events, errs := Ingest(strings.NewReader(input), Options{Format: FormatText, DefaultSource: "unknown", DefaultLevel: "INFO"})
	require.Empty(t, errs)
	require.Len(t, events, 1)

	e := events[0]
	assert.Equal(t, "unknown", e.Source)
	assert.Equal(t, "INFO", string(e.Level))
	assert.Equal(t, input, e.Message)
}

func TestIngest_BlankLinesAreSkipped(t *testing.T) {
	input := "\n\n{\"timestamp\":\"2024-01-01T00:00:00Z\",\"level\":\"INFO\",\"source\":\"app\",\"message\":\"ok\"}\n\n"
	events, errs := Ingest(strings.NewReader(input), Options{Format: FormatJSON})
	require.Empty(t, errs)
	require.Len(t, events, 1)
}

func TestDetectFormatFromStream(t *testing.T) {
	assert.Equal(t, FormatJSON, DetectFormatFromStream(strings.NewReader(`{"a":1}`)))
	assert.Equal(t, FormatText, DetectFormatFromStream(strings.NewReader("plain text line")))
}

func TestDetectFormatFromPath(t *testing.T) {
	assert.Equal(t, FormatJSON, DetectFormatFromPath("events.jsonl", strings.NewReader("")))
	assert.Equal(t, FormatText, DetectFormatFromPath("events.log", strings.NewReader("")))
	assert.Equal(t, FormatText, DetectFormatFromPath("events.unknown", strings.NewReader("plain")))
}
