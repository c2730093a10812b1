package query

import (
	"time"

	"github.com/sensemap/sensemap-core/internal/apperr"
)

// Window limits.
const (
	DefaultSpan = 24 * time.Hour
	MaxSpan     = 31 * 24 * time.Hour
)

// Window is an inclusive time range.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ResolveWindow fills unset bounds and validates the result. A zero to
// means now; a zero from means DefaultSpan before to.
func ResolveWindow(from, to, now time.Time) (Window, error) {
	now = now.UTC()
	if to.IsZero() {
		to = now
	}
	if from.IsZero() {
		from = to.Add(-DefaultSpan)
	}
	w := Window{From: from.UTC(), To: to.UTC()}
	return w, w.Validate(now)
}

// Validate rejects windows that reach into the future, are inverted or
// span more than MaxSpan.
func (w Window) Validate(now time.Time) error {
	switch {
	case w.From.After(now):
		return apperr.Invalid(apperr.CodeInvalidTimeRange, "from-date %s is in the future", w.From.Format(time.RFC3339))
	case w.To.After(now):
		return apperr.Invalid(apperr.CodeInvalidTimeRange, "to-date %s is in the future", w.To.Format(time.RFC3339))
	case w.From.After(w.To):
		return apperr.Invalid(apperr.CodeInvalidTimeRange, "from-date is after to-date")
	case w.To.Sub(w.From) > MaxSpan:
		return apperr.Invalid(apperr.CodeInvalidTimeRange, "time range exceeds %d days", int(MaxSpan/(24*time.Hour)))
	}
	return nil
}
