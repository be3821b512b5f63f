package ledger

import "time"

// =============================================================================
// CLOCK - Injectable time source
// =============================================================================

// Clock abstracts the time source so batch jobs (expiry sweep, monthly
// settlement) can be driven by a test harness instead of the wall clock.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the wall-clock default.
var SystemClock Clock = systemClock{}

// Period formats t's calendar month as "2006-01".
func Period(t time.Time) string { return t.Format("2006-01") }

// PreviousPeriod returns the calendar month before t, as "2006-01".
func PreviousPeriod(t time.Time) string {
	firstOfMonth := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return firstOfMonth.AddDate(0, 0, -1).Format("2006-01")
}
