package telemetry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NotCoffee418/solar_telemetry/pkg/bus"
	"github.com/NotCoffee418/solar_telemetry/pkg/calibration"
	"github.com/NotCoffee418/solar_telemetry/pkg/energy"
	"github.com/NotCoffee418/solar_telemetry/pkg/powermonitor"
	"github.com/NotCoffee418/solar_telemetry/pkg/timesource"
	"github.com/NotCoffee418/solar_telemetry/pkg/tslog"
	"github.com/NotCoffee418/solar_telemetry/pkg/types"
)

var (
	ErrInvalidCalibration = errors.New("calibration factors must be finite and positive")
	ErrReconfigurePending = errors.New("too many pending device reconfigurations")
)

const pendingReconfigurations = 4

// Snapshot is published once per cycle and never modified afterwards.
type Snapshot struct {
	Seq         uint64
	Sample      types.Sample
	Raw         powermonitor.RawRegisters
	Energy      energy.Accumulator
	Calibration calibration.Calibration
	Calibrated  bool
}

type Health struct {
	Calibrated      bool   `json:"calibrated"`
	ConfigError     string `json:"config_error,omitempty"`
	BusErrors       uint64 `json:"bus_errors"`
	StorageErrors   uint64 `json:"storage_errors"`
	LogAvailable    bool   `json:"log_available"`
	SkippedLines    int64  `json:"skipped_lines"`
	LastSampleEpoch int64  `json:"last_sample_epoch"`
}

// CheckpointSink persists the accumulator and closed periods.
type CheckpointSink interface {
	SaveCheckpoint(acc energy.Accumulator, savedAt time.Time) error
	InsertPeriodTotal(r energy.Rollover, closedAt time.Time) error
}

type Options struct {
	Device     powermonitor.DeviceConfig
	Integrator energy.Integrator
	// Location decides where the daily period starts.
	Location        *time.Location
	CheckpointEvery time.Duration
	Clock           timesource.Clock
}

type deviceStatus struct {
	calibrated  bool
	configError string
}

// Monitor is the process context of the sampling side. Cycle and Run must
// only ever be driven by one goroutine; every other method is safe to call
// concurrently.
type Monitor struct {
	bus        bus.Bus
	log        *tslog.Log
	calStore   *calibration.Store
	sink       CheckpointSink
	clock      timesource.Clock
	integrator energy.Integrator
	location   *time.Location
	checkpoint time.Duration

	// Owned by the sampling goroutine.
	device         powermonitor.DeviceConfig
	acc            energy.Accumulator
	programmed     bool
	logReady       bool
	lastCheckpoint time.Time
	seq            uint64

	calibration atomic.Pointer[calibration.Calibration]
	activeDev   atomic.Pointer[powermonitor.DeviceConfig]
	latest      atomic.Pointer[Snapshot]
	status      atomic.Pointer[deviceStatus]

	busErrors     atomic.Uint64
	storageErrors atomic.Uint64
	logAvailable  atomic.Bool

	calMu       sync.Mutex
	reconfigure chan powermonitor.DeviceConfig
	updates     chan *Snapshot
}
