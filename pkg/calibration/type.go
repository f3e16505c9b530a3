package calibration

import "github.com/NotCoffee418/solar_telemetry/pkg/storage"

// Calibration holds multiplicative correction factors.
type Calibration struct {
	Voltage float64 `json:"cal_v"`
	Current float64 `json:"cal_i"`
}

func Default() Calibration {
	return Calibration{Voltage: 1, Current: 1}
}

// Store persists a Calibration as text in a single file.
type Store struct {
	storage storage.Storage
	name    string
}
