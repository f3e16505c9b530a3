// Package energy integrates power samples into a watt-hour total that resets
// at period boundaries.
package energy

import (
	"fmt"
	"strings"
	"time"

	"github.com/NotCoffee418/solar_telemetry/pkg/timesource"
	"github.com/NotCoffee418/solar_telemetry/pkg/types"
	"github.com/NotCoffee418/solar_telemetry/pkg/unitconv"
)

func (p Policy) String() string {
	switch p {
	case DiscardReverse:
		return "discard_reverse"
	case AccumulateReverse:
		return "accumulate_reverse"
	default:
		return fmt.Sprintf("Policy(%d)", p)
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "discard_reverse", "discard":
		return DiscardReverse, nil
	case "accumulate_reverse", "accumulate":
		return AccumulateReverse, nil
	}
	return 0, fmt.Errorf("unknown reverse flow policy %q", s)
}

// DailyKey returns the day of t in loc, or NoPeriod while the clock is unsynced.
func DailyKey(t time.Time, loc *time.Location) PeriodKey {
	if !timesource.Synced(t) {
		return NoPeriod
	}
	if loc != nil {
		t = t.In(loc)
	}
	return PeriodKey(t.Year()*1000 + t.YearDay())
}

func (k PeriodKey) String() string {
	if k == NoPeriod {
		return "none"
	}
	return fmt.Sprintf("%d-%03d", int(k)/1000, int(k)%1000)
}

func (a Accumulator) Idle() bool {
	return a.LastUpdate.IsZero()
}

// Restore prepares a persisted accumulator for a fresh process. The total and
// anchor survive, the next sample only sets a new baseline.
func Restore(acc Accumulator) Accumulator {
	acc.LastUpdate = time.Time{}
	acc.LastPowerW = types.Unavailable()
	return acc
}

func (p Policy) apply(w float64) float64 {
	if w >= 0 {
		return w
	}
	if p == AccumulateReverse {
		return -w
	}
	return 0
}

// Contribution is the energy between two power readings elapsed apart:
// a trapezoid when both are valid, a rectangle of cur when prev is not.
func (in Integrator) Contribution(prev, cur types.Measurement, elapsed time.Duration) float64 {
	if !cur.Valid || elapsed <= 0 {
		return 0
	}
	if in.MaxGap > 0 && elapsed > in.MaxGap {
		return 0
	}
	w := in.Policy.apply(cur.Value)
	if prev.Valid {
		w = (in.Policy.apply(prev.Value) + w) / 2
	}
	return unitconv.WattHoursFrom(w, elapsed)
}

// Integrate folds one sample into acc. A period change is applied first, in
// the same step, so the sample's contribution lands in the new period.
func (in Integrator) Integrate(acc Accumulator, s types.Sample, key PeriodKey) (Accumulator, *Rollover) {
	var rollover *Rollover
	if key != NoPeriod && key != acc.Anchor {
		if acc.Anchor != NoPeriod {
			rollover = &Rollover{Anchor: acc.Anchor, TotalWh: acc.TotalWh}
			acc.TotalWh = 0
		}
		acc.Anchor = key
	}

	if !acc.Idle() {
		acc.TotalWh += in.Contribution(acc.LastPowerW, s.PowerW, s.Time.Sub(acc.LastUpdate))
	}

	acc.LastUpdate = s.Time
	acc.LastPowerW = s.PowerW
	return acc, rollover
}
