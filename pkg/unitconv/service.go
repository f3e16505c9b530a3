package unitconv

import "time"

func ToMilli(v float64) float64 {
	return v * 1000
}

func FromMilli(v float64) float64 {
	return v / 1000
}

// WattHoursFrom converts a constant power held for elapsed into energy.
// Non-positive durations contribute nothing.
func WattHoursFrom(watts float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return watts * elapsed.Hours()
}
