package energy

import (
	"time"

	"github.com/NotCoffee418/solar_telemetry/pkg/types"
)

// Policy decides what happens with negative (reverse-flow) power.
type Policy uint8

const (
	// DiscardReverse clamps negative power to zero before integrating.
	DiscardReverse Policy = iota
	// AccumulateReverse integrates the magnitude of reverse flow.
	AccumulateReverse
)

// PeriodKey identifies a reset period, year*1000 + day of year for daily
// periods. NoPeriod means no trustworthy clock is available.
type PeriodKey int

const NoPeriod PeriodKey = 0

// Accumulator is idle until LastUpdate is set by the first sample.
type Accumulator struct {
	TotalWh    float64
	LastUpdate time.Time
	LastPowerW types.Measurement
	Anchor     PeriodKey
}

// Rollover carries the total of a period that was just closed.
type Rollover struct {
	Anchor  PeriodKey
	TotalWh float64
}

type Integrator struct {
	Policy Policy
	// MaxGap, when set, turns longer silences into a new baseline instead of
	// integrating across them.
	MaxGap time.Duration
}
