package measurement

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sensemap/sensemap-core/internal/apperr"
)

// ClockSkew is how far in the future a timestamp may lie.
const ClockSkew = time.Minute

var decimalPattern = regexp.MustCompile(`^[-+]?(\d+\.?\d*|\.\d+)([eE][-+]?\d+)?$`)

// timestampLayouts are tried in order. Zone-less values are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseValue validates a decimal-as-text value and returns it trimmed.
// Hex, NaN, Inf and empty strings are rejected.
func ParseValue(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if !decimalPattern.MatchString(s) {
		return "", apperr.Invalid(apperr.CodeInvalidValue, "value %q is not a decimal number", raw)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return "", apperr.Invalid(apperr.CodeInvalidValue, "value %q is not a finite number", raw)
	}
	return s, nil
}

// ParseTimestamp parses an ISO 8601 timestamp in strict mode.
func ParseTimestamp(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, apperr.Invalid(apperr.CodeInvalidTimestamp, "timestamp %q is not a valid ISO 8601 date", raw)
}

// ValidTime reports whether t is no later than now plus ClockSkew.
// There is no lower bound.
func ValidTime(t, now time.Time) bool {
	return !t.After(now.Add(ClockSkew))
}

// ResolveTimestamp returns the measurement time for raw: now when raw is
// empty, the parsed time when it is valid, or an invalid_timestamp error.
// The result is truncated to millisecond precision.
func ResolveTimestamp(raw string, now time.Time) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return now.UTC().Truncate(time.Millisecond), nil
	}
	t, err := ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, err
	}
	if !ValidTime(t, now) {
		return time.Time{}, apperr.Invalid(apperr.CodeInvalidTimestamp,
			"timestamp %s is more than %s in the future", t.Format(time.RFC3339), ClockSkew)
	}
	return t.Truncate(time.Millisecond), nil
}
