package database

import (
	"fmt"
	"time"
)

// TimeLayout is the storage encoding for timestamps: UTC with fixed-width
// milliseconds, so lexical order in TEXT columns equals time order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime encodes t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime decodes a stored timestamp. RFC 3339 values written by older
// code are accepted too.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
