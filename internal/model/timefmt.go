// v0
// internal/model/timefmt.go
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTimestampParse is returned by ParseTimestamp. FormatTimestamp never
// surfaces it.
var ErrTimestampParse = errors.New("timestamp parse error")

const (
	// TimestampMissing is rendered for an empty timestamp.
	TimestampMissing = "N/A"
	// TimestampUnknown is rendered for a timestamp that cannot be parsed.
	TimestampUnknown = "Unknown"
	// DisplayLayout is the default rendering layout.
	DisplayLayout = "2006-01-02 15:04"
)

// Zone-less layouts match Python's datetime.isoformat() output, which the
// scoring backend writes.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an ISO-8601 timestamp. Values without a zone are
// read as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrTimestampParse)
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, trimmed, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrTimestampParse, trimmed)
}

// FormatTimestamp renders raw with layout (DisplayLayout when empty). It
// returns TimestampMissing for empty input and TimestampUnknown when parsing
// fails.
func FormatTimestamp(raw, layout string) string {
	if strings.TrimSpace(raw) == "" {
		return TimestampMissing
	}
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return TimestampUnknown
	}
	if layout == "" {
		layout = DisplayLayout
	}
	return ts.Format(layout)
}

// NowISO formats t the way the live store expects timestamps.
func NowISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
