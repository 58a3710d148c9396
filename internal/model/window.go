package model

import (
	"fmt"
	"time"
)

// WindowKind names the supported summary windows.
type WindowKind string

const (
	WindowDay   WindowKind = "day"
	WindowWeek  WindowKind = "week"
	WindowMonth WindowKind = "month"
)

const (
	weekDays  = 7
	monthDays = 30
)

// Window is a half-open range [Start, End) aligned to local day boundaries.
type Window struct {
	Kind  WindowKind
	Start time.Time
	End   time.Time
}

// DayStart truncates t to local midnight in t's location.
func DayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// DayWindow covers the calendar day containing date.
func DayWindow(date time.Time) Window {
	s := DayStart(date)
	return Window{Kind: WindowDay, Start: s, End: s.AddDate(0, 0, 1)}
}

// WeekWindow covers the 7 days ending with (and including) the day of endDate.
func WeekWindow(endDate time.Time) Window {
	return rolling(WindowWeek, endDate, weekDays)
}

// MonthWindow covers the 30 days ending with (and including) the day of endDate.
func MonthWindow(endDate time.Time) Window {
	return rolling(WindowMonth, endDate, monthDays)
}

func rolling(kind WindowKind, endDate time.Time, days int) Window {
	end := DayStart(endDate).AddDate(0, 0, 1)
	return Window{Kind: kind, Start: end.AddDate(0, 0, -days), End: end}
}

// ParseWindow builds a window from its kind name and an anchor date.
func ParseWindow(kind string, anchor time.Time) (Window, error) {
	switch WindowKind(kind) {
	case WindowDay:
		return DayWindow(anchor), nil
	case WindowWeek, "":
		return WeekWindow(anchor), nil
	case WindowMonth:
		return MonthWindow(anchor), nil
	default:
		return Window{}, fmt.Errorf("unknown window %q", kind)
	}
}

// Days returns the start of every day in the window.
func (w Window) Days() []time.Time {
	var out []time.Time
	for d := w.Start; d.Before(w.End); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Split cuts the window at the given day boundary into two adjacent windows.
func (w Window) Split(at time.Time) (Window, Window) {
	at = DayStart(at.In(w.Start.Location()))
	return Window{Kind: w.Kind, Start: w.Start, End: at}, Window{Kind: w.Kind, Start: at, End: w.End}
}
