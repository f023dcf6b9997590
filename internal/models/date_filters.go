package models

import (
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// ParseDateFilter parses a date filter value commonly used by the API.
// Supported formats:
// - YYYY-MM-DD
// - MM/DD/YYYY
func ParseDateFilter(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, true
	}
	if t, err := time.Parse("01/02/2006", value); err == nil {
		return t, true
	}

	return time.Time{}, false
}

// ParsePubDate turns a feed's date string into a sort key. Feeds publish every
// flavour of RFC 822/1123/3339 plus local variants, so this leans on dateparse.
// Zone-less values are read as UTC. An unparseable value yields the zero time,
// which sorts after everything else.
func ParsePubDate(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}

	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := dateparse.ParseIn(value, time.UTC); err == nil {
		return t
	}
	return time.Time{}
}
