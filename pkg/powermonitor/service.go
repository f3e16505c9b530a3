// Package powermonitor converts the 16-bit registers of the INA2xx current
// shunt monitors into physical units. Everything here is pure; register
// transport lives in pkg/bus.
package powermonitor

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidDeviceConfig = errors.New("invalid device config")

// DecodeBusVoltage shifts the status bits out before scaling.
func DecodeBusVoltage(l Layout, raw uint16) float64 {
	return float64(raw>>l.BusShift) * l.BusLSBVolts
}

func DecodeBusFlags(l Layout, raw uint16) BusFlags {
	if !l.HasBusStatusBits {
		return BusFlags{}
	}
	return BusFlags{
		ConversionReady: raw&0x2 != 0,
		Overflow:        raw&0x1 != 0,
	}
}

// DecodeShuntVoltage returns millivolts; the register is two's complement.
func DecodeShuntVoltage(l Layout, raw uint16) float64 {
	return float64(int16(raw)) * l.ShuntLSBMilliV
}

// DecodeCurrent returns amps; the register is two's complement.
func DecodeCurrent(raw uint16, currentLSB float64) float64 {
	return float64(int16(raw)) * currentLSB
}

// DecodePower returns watts from the unsigned power register.
func DecodePower(raw uint16, powerLSB float64) float64 {
	return float64(raw) * powerLSB
}

// CurrentLSB is amps per bit of the current register.
func (c DeviceConfig) CurrentLSB() float64 {
	return c.MaxCurrentA / 32768
}

func (c DeviceConfig) PowerLSB() float64 {
	return c.CurrentLSB() * c.Family.Layout().PowerLSBFactor
}

// MaxShuntCurrentA is the largest current the shunt/PGA combination can
// represent before the shunt ADC saturates.
func (c DeviceConfig) MaxShuntCurrentA() float64 {
	var fullScaleMilliV float64
	switch c.Family {
	case INA219:
		fullScaleMilliV = 40 * float64(uint(1)<<c.Register.Gain)
	default:
		fullScaleMilliV = 81.92
	}
	return fullScaleMilliV / 1000 / c.ShuntOhms
}

// ComputeCalibrationRegister returns trunc(K / (currentLSB * Rshunt)).
func ComputeCalibrationRegister(c DeviceConfig) (uint16, error) {
	if err := c.validateScalars(); err != nil {
		return 0, err
	}
	l := c.Family.Layout()
	cal := math.Trunc(l.CalibrationK / (c.CurrentLSB() * c.ShuntOhms))
	if cal < 1 || cal > float64(l.CalibrationMask) {
		return 0, fmt.Errorf("%w: calibration value %.0f does not fit the %s register (shunt %g ohm, max current %g A)",
			ErrInvalidDeviceConfig, cal, c.Family, c.ShuntOhms, c.MaxCurrentA)
	}
	return uint16(cal), nil
}

// ExpectedCalibrationReadback is what the IC reports after cal was written;
// reserved bits read back as zero.
func ExpectedCalibrationReadback(f Family, cal uint16) uint16 {
	return cal & f.Layout().CalibrationMask
}

// Validate rejects configurations the sampler must never run with.
func (c DeviceConfig) Validate() error {
	switch c.Family {
	case INA219, INA226, INA230:
	default:
		return fmt.Errorf("%w: unknown family %d", ErrInvalidDeviceConfig, c.Family)
	}
	if c.Address == 0 || c.Address > 0x7F {
		return fmt.Errorf("%w: address 0x%X out of 7-bit range", ErrInvalidDeviceConfig, c.Address)
	}
	_, err := ComputeCalibrationRegister(c)
	return err
}

func (c DeviceConfig) validateScalars() error {
	if !(c.ShuntOhms > 0) || math.IsInf(c.ShuntOhms, 0) {
		return fmt.Errorf("%w: shunt resistance must be > 0, got %g", ErrInvalidDeviceConfig, c.ShuntOhms)
	}
	if !(c.MaxCurrentA > 0) || math.IsInf(c.MaxCurrentA, 0) {
		return fmt.Errorf("%w: max expected current must be > 0, got %g", ErrInvalidDeviceConfig, c.MaxCurrentA)
	}
	return nil
}

// Encode packs the register into its 16-bit wire form.
func (r ConfigRegister) Encode(f Family) uint16 {
	var v uint16
	if r.Reset {
		v |= 1 << 15
	}
	if f == INA219 {
		v |= uint16(r.BusRange&0x1) << 13
		v |= uint16(r.Gain&0x3) << 11
		v |= uint16(r.BusADC&0xF) << 7
		v |= uint16(r.ShuntADC&0xF) << 3
	} else {
		v |= uint16(r.Averaging&0x7) << 9
		v |= uint16(r.BusADC&0x7) << 6
		v |= uint16(r.ShuntADC&0x7) << 3
	}
	v |= uint16(r.Mode & 0x7)
	return v
}

func DecodeConfigRegister(f Family, raw uint16) ConfigRegister {
	r := ConfigRegister{
		Reset: raw&(1<<15) != 0,
		Mode:  Mode(raw & 0x7),
	}
	if f == INA219 {
		r.BusRange = BusRange((raw >> 13) & 0x1)
		r.Gain = Gain((raw >> 11) & 0x3)
		r.BusADC = ADCSetting((raw >> 7) & 0xF)
		r.ShuntADC = ADCSetting((raw >> 3) & 0xF)
	} else {
		r.Averaging = Averaging((raw >> 9) & 0x7)
		r.BusADC = ADCSetting((raw >> 6) & 0x7)
		r.ShuntADC = ADCSetting((raw >> 3) & 0x7)
	}
	return r
}
