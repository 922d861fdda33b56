package compliance

import (
	"fmt"
	"time"
)

// Window is a daily local-time window [start, end) during which outbound
// SMS must not be dispatched. A start later than the end wraps midnight.
type Window struct {
	StartMinutes int
	EndMinutes   int
}

// ParseWindow returns a quiet-hours window from HH:MM strings.
func ParseWindow(start, end string) (Window, error) {
	startMin, err := parseClock(start)
	if err != nil {
		return Window{}, fmt.Errorf("compliance: parse quiet hours start: %w", err)
	}
	endMin, err := parseClock(end)
	if err != nil {
		return Window{}, fmt.Errorf("compliance: parse quiet hours end: %w", err)
	}
	return Window{StartMinutes: startMin, EndMinutes: endMin}, nil
}

func parseClock(v string) (int, error) {
	if v == "" {
		return 0, fmt.Errorf("empty clock")
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether the instant falls inside the window in the
// given zone.
func (w Window) Contains(now time.Time, loc *time.Location) bool {
	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	if w.StartMinutes == w.EndMinutes {
		return false
	}
	if w.StartMinutes < w.EndMinutes {
		return minutes >= w.StartMinutes && minutes < w.EndMinutes
	}
	// Window crosses midnight.
	return minutes >= w.StartMinutes || minutes < w.EndMinutes
}

// NextEnd returns the soonest UTC instant strictly after now at which
// the window's end boundary occurs in the given zone. Building the
// candidate with time.Date keeps DST transitions correct: the wall clock
// 08:00 stays 08:00 even when the offset shifts overnight.
func (w Window) NextEnd(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	y, m, d := local.Date()
	end := time.Date(y, m, d, w.EndMinutes/60, w.EndMinutes%60, 0, 0, loc)
	if !end.After(local) {
		end = time.Date(y, m, d+1, w.EndMinutes/60, w.EndMinutes%60, 0, 0, loc)
	}
	return end.UTC()
}

// ResolveZone picks the recipient's timezone: explicit contact setting,
// then location, then the configured default.
func ResolveZone(contactTZ, locationTZ, defaultTZ string) *time.Location {
	for _, tz := range []string{contactTZ, locationTZ, defaultTZ} {
		if tz == "" {
			continue
		}
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.UTC
}
