package main

import (
	"fmt"
	"strings"
	"time"
)

// parseStoredTime parses the timestamp formats the capture layer is known to
// write. Formats are tried in order of how often they appear in real stores.
func parseStoredTime(raw string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05.000Z",
		"2006-01-02T15:04:05-07:00",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04:05.000000",
	}
	trimmed := strings.TrimSpace(raw)
	for _, layout := range layouts {
		parsed, parseErr := time.Parse(layout, trimmed)
		if parseErr == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format %q", raw)
}

// timestampPrefix formats the prefix prepended to timestamped context
// messages. Returns "" when the stored value does not parse; the generation
// pipeline degrades the same way, so reconstruction must too.
func timestampPrefix(raw string, loc *time.Location) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if loc == nil {
		loc = time.Local
	}
	parsed, err := parseStoredTime(trimmed)
	if err != nil {
		return ""
	}
	return parsed.In(loc).Format("[2006-01-02 15:04] ")
}

// compareStoredTimes orders two persisted timestamps. When either side does
// not parse it falls back to raw string order, which keeps sorting total.
func compareStoredTimes(a, b string) int {
	left, leftErr := parseStoredTime(a)
	right, rightErr := parseStoredTime(b)
	if leftErr == nil && rightErr == nil {
		if left.Before(right) {
			return -1
		}
		if left.After(right) {
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

// storedTimeBefore reports whether a strictly precedes b. Unparseable
// timestamps compare by raw string so the answer stays deterministic.
func storedTimeBefore(a, b string) bool {
	return compareStoredTimes(a, b) < 0
}

func formatTimeForList(raw string) string {
	parsed, err := parseStoredTime(raw)
	if err != nil {
		return raw
	}
	return parsed.Local().Format("2006-01-02 15:04")
}
