package clock

import (
	"testing"
	"time"
)

func TestBeijingDateRollover(t *testing.T) {
	before := time.Date(2026, 7, 30, 15, 59, 59, 0, time.UTC)
	after := time.Date(2026, 7, 30, 16, 0, 0, 0, time.UTC)

	if got := BeijingDate(before); got != "2026-07-30" {
		t.Fatalf("before rollover: got %q", got)
	}
	if got := BeijingDate(after); got != "2026-07-31" {
		t.Fatalf("after rollover: got %q", got)
	}
}

func TestBeijingMinuteFormat(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC)
	if got, want := BeijingMinute(ts), "2026-01-01T08:30"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBeijingDateIndependentOfLocalZone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	inNY := ts.In(loc)
	if BeijingDate(ts) != BeijingDate(inNY) {
		t.Fatal("BeijingDate must depend only on the absolute instant")
	}
}
