package tslog

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NotCoffee418/solar_telemetry/pkg/storage"
	"github.com/NotCoffee418/solar_telemetry/pkg/types"
)

var ErrMalformedLine = errors.New("malformed log line")

// Units selects the column scale of a deployment. It is written once into
// the header and never mixed within one file.
type Units uint8

const (
	Base Units = iota
	Milli
)

const (
	HeaderBase  = "epoch,iso8601,volts,amps,watts"
	HeaderMilli = "epoch,iso8601,millivolts,milliamps,milliwatts"
)

// Record is one log line, always held in base units in memory.
type Record struct {
	Epoch   int64
	ISO     string
	Voltage types.Measurement
	Current types.Measurement
	Power   types.Measurement
}

func (r Record) Time() time.Time {
	return time.Unix(r.Epoch, 0)
}

type Log struct {
	storage storage.Storage
	name    string

	// units follows the header of an existing file once EnsureHeader ran.
	mu    sync.RWMutex
	units Units

	skipped atomic.Int64
}
