package main

import (
	"testing"
	"time"
)

func TestParseStoredTimeFormats(t *testing.T) {
	t.Parallel()

	cases := []string{
		"2026-03-01T10:00:00Z",
		"2026-03-01T10:00:00.123456789Z",
		"2026-03-01T10:00:00+02:00",
		"2026-03-01 10:00:00",
		"2026-03-01 10:00:00.123",
		"2026-03-01 10:00:00.123456",
		"  2026-03-01T10:00:00Z  ",
	}
	for _, raw := range cases {
		if _, err := parseStoredTime(raw); err != nil {
			t.Fatalf("parseStoredTime(%q): %v", raw, err)
		}
	}
	if _, err := parseStoredTime("yesterday-ish"); err == nil {
		t.Fatalf("expected error for junk input")
	}
}

func TestTimestampPrefix(t *testing.T) {
	t.Parallel()

	got := timestampPrefix("2026-03-01T10:05:00Z", time.UTC)
	if got != "[2026-03-01 10:05] " {
		t.Fatalf("prefix: got=%q", got)
	}
}

func TestTimestampPrefixRespectsLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("plus2", 2*60*60)
	got := timestampPrefix("2026-03-01T10:05:00Z", loc)
	if got != "[2026-03-01 12:05] " {
		t.Fatalf("prefix in +02:00: got=%q", got)
	}
}

func TestTimestampPrefixUnparseable(t *testing.T) {
	t.Parallel()

	if got := timestampPrefix("not a time", time.UTC); got != "" {
		t.Fatalf("unparseable timestamp must yield no prefix, got=%q", got)
	}
	if got := timestampPrefix("", time.UTC); got != "" {
		t.Fatalf("empty timestamp must yield no prefix, got=%q", got)
	}
}

func TestCompareStoredTimes(t *testing.T) {
	t.Parallel()

	if got := compareStoredTimes("2026-03-01T10:00:00Z", "2026-03-01T10:01:00Z"); got >= 0 {
		t.Fatalf("earlier vs later: got=%d", got)
	}
	// Equal instants in different zone renderings compare equal.
	if got := compareStoredTimes("2026-03-01T12:00:00+02:00", "2026-03-01T10:00:00Z"); got != 0 {
		t.Fatalf("same instant: got=%d", got)
	}
	// Unparseable sides fall back to raw string order.
	if got := compareStoredTimes("aaa", "bbb"); got >= 0 {
		t.Fatalf("string fallback: got=%d", got)
	}
}

func TestStoredTimeBefore(t *testing.T) {
	t.Parallel()

	if !storedTimeBefore("2026-03-01T10:00:00Z", "2026-03-01T10:00:01Z") {
		t.Fatalf("strictly earlier should report true")
	}
	if storedTimeBefore("2026-03-01T10:00:00Z", "2026-03-01T10:00:00Z") {
		t.Fatalf("equal instants are not before each other")
	}
}
