// Copyright (C) ClusterCockpit contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ingest

import (
	"bufio"
	"io"
	"path/filepath"
	"strings"
)

// Format identifies one of the two textual shapes the ingestion
// collaborator recognizes.
type Format string

const (
	FormatAuto Format = "auto"
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// DetectFormatFromPath guesses a Format from a file extension, falling
// back to content sniffing via DetectFormatFromStream when the extension
// is inconclusive.
func DetectFormatFromPath(path string, peek io.Reader) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	case ".log", ".txt":
		return FormatText
	}
	return DetectFormatFromStream(peek)
}

// DetectFormatFromStream sniffs the first non-empty line of r: a line
// that starts with '{' and ends with '}' is FormatJSON (the line is not
// parsed), anything else is FormatText. r is not rewound; callers that need to both sniff and parse
// should pass a duplicated reader (e.g. io.TeeReader into a buffer, or
// reopen the file).
func DetectFormatFromStream(r io.Reader) Format {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") && strings.HasSuffix(line, "}") {
			return FormatJSON
		}
		return FormatText
	}
	return FormatText
}
