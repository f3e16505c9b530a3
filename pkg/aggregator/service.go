// Package aggregator computes hourly, daily and monthly rollups by replaying
// the time-series log.
package aggregator

import (
	"fmt"
	"iter"
	"time"

	"github.com/NotCoffee418/solar_telemetry/pkg/energy"
	"github.com/NotCoffee418/solar_telemetry/pkg/tslog"
	"github.com/NotCoffee418/solar_telemetry/pkg/types"
)

const (
	MaxDailyWindow   = 366
	MaxMonthlyWindow = 120
)

func New(opts Options) *Aggregator {
	return &Aggregator{integrator: energy.Integrator{Policy: opts.Policy, MaxGap: opts.MaxGap}}
}

// roundToHourStart returns the start of the hour containing t, in t's location
func roundToHourStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

// roundToDayStart returns midnight of the day containing t
func roundToDayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// roundToMonthStart returns the first instant of the month containing t
func roundToMonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func bucketStart(t time.Time, tf Timeframe) time.Time {
	switch tf {
	case Hour:
		return roundToHourStart(t)
	case Day:
		return roundToDayStart(t)
	default:
		return roundToMonthStart(t)
	}
}

func clampWindow(n, max int) int {
	if n < 1 {
		return 1
	}
	if n > max {
		return max
	}
	return n
}

// Hourly averages power per hour of today, from 00:00 up to the hour of now.
// Hours without records report 0.
func (a *Aggregator) Hourly(records iter.Seq[tslog.Record], now time.Time) types.Series {
	hours := now.Hour() + 1
	sums := make([]float64, hours)
	counts := make([]int, hours)
	today := roundToDayStart(now)

	for r := range records {
		if !r.Power.Valid {
			continue
		}
		t := r.Time().In(now.Location())
		if !roundToDayStart(t).Equal(today) || t.Hour() >= hours {
			continue
		}
		sums[t.Hour()] += r.Power.Value
		counts[t.Hour()]++
	}

	series := types.NewSeries("Average power per hour", "W", hours)
	for h := range hours {
		avg := 0.0
		if counts[h] > 0 {
			avg = sums[h] / float64(counts[h])
		}
		series.Add(fmt.Sprintf("%02d:00", h), avg)
	}
	return series
}

// Daily returns energy per calendar day for the windowDays days ending today.
func (a *Aggregator) Daily(records iter.Seq[tslog.Record], now time.Time, windowDays int) types.Series {
	windowDays = clampWindow(windowDays, MaxDailyWindow)
	today := roundToDayStart(now)
	starts := make([]time.Time, windowDays)
	for i := range starts {
		starts[i] = today.AddDate(0, 0, i-(windowDays-1))
	}

	values := a.energyPerBucket(records, Day, starts)
	series := types.NewSeries("Energy per day", "Wh", windowDays)
	for i, s := range starts {
		series.Add(s.Format("2006-01-02"), values[i])
	}
	return series
}

// Monthly returns energy per calendar month for the windowMonths months
// ending with the current one.
func (a *Aggregator) Monthly(records iter.Seq[tslog.Record], now time.Time, windowMonths int) types.Series {
	windowMonths = clampWindow(windowMonths, MaxMonthlyWindow)
	month := roundToMonthStart(now)
	starts := make([]time.Time, windowMonths)
	for i := range starts {
		starts[i] = month.AddDate(0, i-(windowMonths-1), 0)
	}

	values := a.energyPerBucket(records, Month, starts)
	series := types.NewSeries("Energy per month", "Wh", windowMonths)
	for i, s := range starts {
		series.Add(s.Format("2006-01"), values[i])
	}
	return series
}

// energyPerBucket integrates consecutive record pairs and books each pair on
// the bucket of its earlier record.
func (a *Aggregator) energyPerBucket(records iter.Seq[tslog.Record], tf Timeframe, starts []time.Time) []float64 {
	values := make([]float64, len(starts))
	index := make(map[int64]int, len(starts))
	for i, s := range starts {
		index[s.Unix()] = i
	}
	loc := starts[0].Location()

	var prev *tslog.Record
	for r := range records {
		if prev != nil {
			key := bucketStart(prev.Time().In(loc), tf).Unix()
			if i, ok := index[key]; ok {
				values[i] += a.integrator.Contribution(prev.Power, r.Power, r.Time().Sub(prev.Time()))
			}
		}
		prev = &r
	}
	return values
}

// Summary totals today, this month and the whole log in one pass.
func (a *Aggregator) Summary(records iter.Seq[tslog.Record], now time.Time) Summary {
	var s Summary
	today := roundToDayStart(now)
	month := roundToMonthStart(now)

	var prev *tslog.Record
	for r := range records {
		s.Records++
		if s.FirstEpoch == 0 {
			s.FirstEpoch = r.Epoch
		}
		s.LastEpoch = r.Epoch
		if roundToDayStart(r.Time().In(now.Location())).Equal(today) {
			s.TodayRecords++
		}

		if prev != nil {
			wh := a.integrator.Contribution(prev.Power, r.Power, r.Time().Sub(prev.Time()))
			t := prev.Time().In(now.Location())
			s.TotalWh += wh
			if roundToMonthStart(t).Equal(month) {
				s.MonthWh += wh
			}
			if roundToDayStart(t).Equal(today) {
				s.TodayWh += wh
			}
		}
		prev = &r
	}
	return s
}
