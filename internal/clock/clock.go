// Package clock derives the Beijing-time partition keys used throughout
// quota accounting. Every function here is a pure function of the UTC
// instant passed in -- none of them consult time.Local or an OS timezone
// database, so results are identical regardless of where the process runs.
package clock

import "time"

const beijingOffset = 8 * time.Hour

// BeijingDate returns the Beijing-time calendar date of t, as "YYYY-MM-DD".
func BeijingDate(t time.Time) string {
	return t.UTC().Add(beijingOffset).Format("2006-01-02")
}

// BeijingMinute returns the Beijing-time minute bucket of t, as
// "YYYY-MM-DDTHH:MM". This string doubles as the RPM partition key.
func BeijingMinute(t time.Time) string {
	return t.UTC().Add(beijingOffset).Format("2006-01-02T15:04")
}

// NowMs returns t as a Unix millisecond timestamp.
func NowMs(t time.Time) int64 {
	return t.UnixMilli()
}
