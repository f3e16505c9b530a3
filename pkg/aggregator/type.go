package aggregator

import (
	"time"

	"github.com/NotCoffee418/solar_telemetry/pkg/energy"
)

type Timeframe uint8

const (
	Hour Timeframe = iota
	Day
	Month
)

type Options struct {
	Policy energy.Policy
	// MaxGap drops energy between records further apart than this.
	MaxGap time.Duration
}

type Aggregator struct {
	integrator energy.Integrator
}

// Summary is a single-pass overview of the whole log.
type Summary struct {
	TodayWh      float64 `json:"today_Wh"`
	MonthWh      float64 `json:"month_Wh"`
	TotalWh      float64 `json:"total_Wh"`
	Records      int     `json:"records"`
	TodayRecords int     `json:"today_records"`
	FirstEpoch   int64   `json:"first_epoch"`
	LastEpoch    int64   `json:"last_epoch"`
}
