package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/deltadyno/telemetry/internal/errors"
)

// WindowType is the granularity of an aggregation window.
type WindowType string

const (
	WindowHour  WindowType = "hour"
	WindowDay   WindowType = "day"
	WindowWeek  WindowType = "week"
	WindowMonth WindowType = "month"
)

// AllWindowTypes returns every window type from finest to coarsest.
func AllWindowTypes() []WindowType {
	return []WindowType{WindowHour, WindowDay, WindowWeek, WindowMonth}
}

// ParseWindowType parses a window type string.
func ParseWindowType(s string) (WindowType, error) {
	w := WindowType(strings.ToLower(strings.TrimSpace(s)))
	if !w.Valid() {
		return "", fmt.Errorf("window type %q: %w", s, errors.ErrInvalidWindow)
	}
	return w, nil
}

// Valid reports whether w is a known window type.
func (w WindowType) Valid() bool {
	switch w {
	case WindowHour, WindowDay, WindowWeek, WindowMonth:
		return true
	default:
		return false
	}
}

// String returns the string representation of the window type.
func (w WindowType) String() string {
	return string(w)
}

// Align returns the start of the window containing t. Weeks start on Monday.
func (w WindowType) Align(t time.Time) time.Time {
	t = t.UTC()
	switch w {
	case WindowHour:
		return t.Truncate(time.Hour)
	case WindowDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case WindowWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case WindowMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

// End returns the exclusive end of the window starting at start.
func (w WindowType) End(start time.Time) time.Time {
	start = start.UTC()
	switch w {
	case WindowHour:
		return start.Add(time.Hour)
	case WindowDay:
		return start.AddDate(0, 0, 1)
	case WindowWeek:
		return start.AddDate(0, 0, 7)
	case WindowMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start
	}
}

// Finer returns the window type that rolls up into w. Hours have none.
// Months roll up from days because weeks straddle month boundaries.
func (w WindowType) Finer() (WindowType, bool) {
	switch w {
	case WindowDay:
		return WindowHour, true
	case WindowWeek, WindowMonth:
		return WindowDay, true
	default:
		return "", false
	}
}

// Window is one half-open interval [Start, End).
type Window struct {
	Type  WindowType
	Start time.Time
	End   time.Time
}

// WindowAt returns the window of type w containing t.
func WindowAt(w WindowType, t time.Time) Window {
	start := w.Align(t)
	return Window{Type: w, Start: start, End: w.End(start)}
}

// Next returns the window immediately after this one.
func (w Window) Next() Window {
	return Window{Type: w.Type, Start: w.End, End: w.Type.End(w.End)}
}

// Closed reports whether the window has ended at now.
func (w Window) Closed(now time.Time) bool {
	return !now.Before(w.End)
}

// Contains reports whether t falls inside [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// LastClosed returns the most recent window of type w that is closed at now.
func LastClosed(w WindowType, now time.Time) Window {
	current := WindowAt(w, now)
	prevStart := w.Align(current.Start.Add(-time.Nanosecond))
	return Window{Type: w, Start: prevStart, End: current.Start}
}

// String returns a compact representation for logs.
func (w Window) String() string {
	return fmt.Sprintf("%s[%s,%s)", w.Type, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}
