package timesource

import "time"

// Boards without an RTC boot into 1970 until NTP catches up.
const minSyncedYear = 2020

type Clock interface {
	Now() time.Time
}

// System reads the wall clock in Location, or local time when unset.
type System struct {
	Location *time.Location
}

func (s System) Now() time.Time {
	if s.Location == nil {
		return time.Now()
	}
	return time.Now().In(s.Location)
}

// Fixed always returns the same instant.
type Fixed time.Time

func (f Fixed) Now() time.Time {
	return time.Time(f)
}

func FormatISO(t time.Time) string {
	return t.Format(time.RFC3339)
}

// Synced reports whether t looks like a real wall-clock time.
func Synced(t time.Time) bool {
	return t.Year() >= minSyncedYear
}

// LoadLocation resolves a zone name, falling back to local time for "".
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
