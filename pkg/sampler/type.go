package sampler

import (
	"errors"
	"time"

	"github.com/NotCoffee418/solar_telemetry/pkg/powermonitor"
)

// ErrConfiguration means the IC could not be programmed or did not keep
// its calibration register.
var ErrConfiguration = errors.New("sensor configuration failed")

// MaxAttempts bounds every register transaction, first try included.
const MaxAttempts = 4

var retryDelay = 2 * time.Millisecond

// Status describes how an acquisition went.
type Status struct {
	Flags powermonitor.BusFlags

	// The calibration register could not be read or did not read back as
	// programmed, usually after a brown-out reset of the IC. Current and
	// power are withheld until the IC is reprogrammed.
	CalibrationStale bool

	FailedReads int
	Err         error
}

func (s Status) OK() bool {
	return s.FailedReads == 0 && !s.CalibrationStale
}
