package ledger

import (
	"fmt"
	"time"
)

// Window is an inclusive time range. End is kept to the second for display;
// Contains treats the whole closing second as inside the window.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End.Truncate(time.Second).Add(time.Second))
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s]", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// StartOfYear returns Jan 1 00:00:00 UTC of year.
func StartOfYear(year int) time.Time {
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
}
