package types

import (
	"encoding/json"
	"math"
	"time"
)

// Measurement is a physical reading that may be unavailable. An unavailable
// reading is never the same as zero.
type Measurement struct {
	Value float64
	Valid bool
}

func Available(v float64) Measurement {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Measurement{}
	}
	return Measurement{Value: v, Valid: true}
}

func Unavailable() Measurement {
	return Measurement{}
}

// Scale multiplies a valid reading and leaves an unavailable one as is.
func (m Measurement) Scale(f float64) Measurement {
	if !m.Valid {
		return m
	}
	return Available(m.Value * f)
}

func (m Measurement) MarshalJSON() ([]byte, error) {
	if !m.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(m.Value)
}

func (m *Measurement) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = Measurement{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*m = Available(v)
	return nil
}

type Sample struct {
	Time           time.Time
	BusVoltageV    Measurement
	ShuntVoltageMV Measurement
	CurrentA       Measurement
	PowerW         Measurement

	// Bus plus shunt drop. Informational only, power uses BusVoltageV.
	SourceVoltageV Measurement

	// The IC's own power register, uncalibrated. Diagnostic only.
	ChipPowerW Measurement
}
