// SPDX-License-Identifier: MIT

package model

import (
	"fmt"
	"time"
)

// Minutes is a time of day expressed as minutes since midnight.
// All overlap arithmetic happens in this representation to keep
// timezone handling out of the hot path.
type Minutes int

// ParseClock parses an "HH:MM" wall-clock string into Minutes.
func ParseClock(s string) (Minutes, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return Minutes(t.Hour()*60 + t.Minute()), nil
}

// MustClock is ParseClock for literals in tests and seeds.
func MustClock(s string) Minutes {
	m, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return m
}

// String renders Minutes back to "HH:MM".
func (m Minutes) String() string {
	return fmt.Sprintf("%02d:%02d", int(m)/60, int(m)%60)
}

// Window is a half-open [Start, End) interval within one day.
type Window struct {
	Start Minutes
	End   Minutes
}

// ParseWindow parses two "HH:MM" strings into a Window.
func ParseWindow(start, end string) (Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, err
	}
	w := Window{Start: s, End: e}
	if !w.Valid() {
		return Window{}, fmt.Errorf("invalid window %s-%s", start, end)
	}
	return w, nil
}

// Valid reports whether the window is non-empty and inside one day.
func (w Window) Valid() bool {
	return w.Start >= 0 && w.Start < w.End && w.End <= 24*60
}

// Overlaps reports half-open interval intersection: touching
// endpoints (w.End == o.Start) do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.Start < o.End && w.End > o.Start
}

// Hours returns the window duration in fractional hours.
func (w Window) Hours() float64 {
	return float64(w.End-w.Start) / 60.0
}

// ValidDate reports whether s is a YYYY-MM-DD calendar date. Dates in
// this form never contain underscores, which keeps room names and
// lease keys unambiguous to split.
func ValidDate(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}
