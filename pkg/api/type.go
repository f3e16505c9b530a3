package api

import (
	"iter"
	"net/http"

	"github.com/NotCoffee418/solar_telemetry/pkg/aggregator"
	"github.com/NotCoffee418/solar_telemetry/pkg/calibration"
	"github.com/NotCoffee418/solar_telemetry/pkg/inverter"
	"github.com/NotCoffee418/solar_telemetry/pkg/livefeed"
	"github.com/NotCoffee418/solar_telemetry/pkg/meterdb"
	"github.com/NotCoffee418/solar_telemetry/pkg/powermonitor"
	"github.com/NotCoffee418/solar_telemetry/pkg/telemetry"
	"github.com/NotCoffee418/solar_telemetry/pkg/timesource"
	"github.com/NotCoffee418/solar_telemetry/pkg/tslog"
)

// Monitor is the part of telemetry.Monitor the handlers use.
type Monitor interface {
	Latest() *telemetry.Snapshot
	Health() telemetry.Health
	Calibration() calibration.Calibration
	UpdateCalibration(calibration.Calibration) error
	Device() powermonitor.DeviceConfig
	Reconfigure(powermonitor.DeviceConfig) error
}

type RecordSource interface {
	ReadAll() iter.Seq[tslog.Record]
}

type PeriodStore interface {
	RecentPeriodTotals(limit int) ([]meterdb.PeriodTotal, error)
}

// Options wires the handlers. Periods and Inverter are optional.
type Options struct {
	Monitor    Monitor
	Records    RecordSource
	Aggregator *aggregator.Aggregator
	Hub        *livefeed.Hub
	Periods    PeriodStore
	Inverter   *inverter.Reader
	Clock      timesource.Clock
}

type Server struct {
	opts Options
	mux  *http.ServeMux
}

type deviceJSON struct {
	Family         string  `json:"family"`
	Address        uint16  `json:"address"`
	ShuntOhms      float64 `json:"shunt_ohms"`
	MaxCurrentA    float64 `json:"max_current_a"`
	ConfigRegister uint16  `json:"config_register"`
	// Read-only, derived.
	CalibrationRegister uint16  `json:"calibration_register,omitempty"`
	CurrentLSB          float64 `json:"current_lsb,omitempty"`
	// Largest current the shunt range can measure before saturating.
	MaxMeasurableA float64 `json:"max_measurable_a,omitempty"`
}

type calibrationRequest struct {
	Voltage *float64 `json:"cal_v"`
	Current *float64 `json:"cal_i"`
}

type inverterResponse struct {
	inverter.Reading
	DCPowerW   *float64 `json:"dc_power_W"`
	Efficiency *float64 `json:"efficiency"`
}
