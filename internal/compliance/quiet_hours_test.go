package compliance

import (
	"testing"
	"time"
)

func mustWindow(t *testing.T, start, end string) Window {
	t.Helper()
	w, err := ParseWindow(start, end)
	if err != nil {
		t.Fatalf("ParseWindow(%s, %s): %v", start, end, err)
	}
	return w
}

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%s): %v", name, err)
	}
	return loc
}

func TestParseWindowRejectsGarbage(t *testing.T) {
	if _, err := ParseWindow("25:00", "08:00"); err == nil {
		t.Fatal("expected error for hour 25")
	}
	if _, err := ParseWindow("", "08:00"); err == nil {
		t.Fatal("expected error for empty start")
	}
}

func TestWindowContainsMidnightWrap(t *testing.T) {
	w := mustWindow(t, "21:00", "08:00")
	la := mustZone(t, "America/Los_Angeles")

	cases := []struct {
		hour int
		want bool
	}{
		{20, false},
		{21, true},
		{23, true},
		{0, true},
		{7, true},
		{8, false},
		{12, false},
	}
	for _, tc := range cases {
		now := time.Date(2026, 6, 15, tc.hour, 30, 0, 0, la)
		if got := w.Contains(now, la); got != tc.want {
			t.Errorf("Contains at %02d:30 = %v, want %v", tc.hour, got, tc.want)
		}
	}
}

func TestWindowContainsSameDay(t *testing.T) {
	w := mustWindow(t, "09:00", "17:00")
	utc := time.UTC
	if !w.Contains(time.Date(2026, 6, 15, 12, 0, 0, 0, utc), utc) {
		t.Fatal("noon should be inside 09:00-17:00")
	}
	if w.Contains(time.Date(2026, 6, 15, 17, 0, 0, 0, utc), utc) {
		t.Fatal("end boundary is exclusive")
	}
}

func TestWindowZeroLength(t *testing.T) {
	w := Window{StartMinutes: 600, EndMinutes: 600}
	if w.Contains(time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC), time.UTC) {
		t.Fatal("zero-length window contains nothing")
	}
}

func TestNextEndBeforeMidnight(t *testing.T) {
	w := mustWindow(t, "21:00", "08:00")
	la := mustZone(t, "America/Los_Angeles")

	// 22:00 local: next end is 08:00 tomorrow.
	now := time.Date(2026, 6, 15, 22, 0, 0, 0, la)
	end := w.NextEnd(now, la)
	wantLocal := time.Date(2026, 6, 16, 8, 0, 0, 0, la)
	if !end.Equal(wantLocal) {
		t.Fatalf("NextEnd = %v, want %v", end.In(la), wantLocal)
	}
}

func TestNextEndAfterMidnight(t *testing.T) {
	w := mustWindow(t, "21:00", "08:00")
	la := mustZone(t, "America/Los_Angeles")

	// 03:00 local: next end is 08:00 the same day.
	now := time.Date(2026, 6, 15, 3, 0, 0, 0, la)
	end := w.NextEnd(now, la)
	wantLocal := time.Date(2026, 6, 15, 8, 0, 0, 0, la)
	if !end.Equal(wantLocal) {
		t.Fatalf("NextEnd = %v, want %v", end.In(la), wantLocal)
	}
}

func TestNextEndAcrossSpringForward(t *testing.T) {
	w := mustWindow(t, "21:00", "08:00")
	la := mustZone(t, "America/Los_Angeles")

	// 2026-03-08 02:00 PST -> 03:00 PDT. From 23:00 on the 7th the next
	// 08:00 wall-clock end must stay 08:00 local despite the skipped hour.
	now := time.Date(2026, 3, 7, 23, 0, 0, 0, la)
	end := w.NextEnd(now, la).In(la)
	if end.Hour() != 8 || end.Day() != 8 {
		t.Fatalf("NextEnd across DST = %v, want 08:00 on Mar 8", end)
	}
	if got := now.Sub(w.NextEnd(now, la)); got >= 0 {
		t.Fatal("NextEnd must be after now")
	}
}

func TestResolveZonePrecedence(t *testing.T) {
	if got := ResolveZone("America/New_York", "America/Denver", "America/Los_Angeles"); got.String() != "America/New_York" {
		t.Fatalf("contact zone should win, got %s", got)
	}
	if got := ResolveZone("", "America/Denver", "America/Los_Angeles"); got.String() != "America/Denver" {
		t.Fatalf("location zone should win, got %s", got)
	}
	if got := ResolveZone("", "", "America/Los_Angeles"); got.String() != "America/Los_Angeles" {
		t.Fatalf("default zone should win, got %s", got)
	}
	if got := ResolveZone("not/a/zone", "", ""); got != time.UTC {
		t.Fatalf("invalid zones fall back to UTC, got %s", got)
	}
}
