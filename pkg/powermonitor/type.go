package powermonitor

import (
	"fmt"
	"strings"
)

// Register addresses shared by the INA219/INA226/INA230 families.
const (
	RegConfig      uint8 = 0x00
	RegShunt       uint8 = 0x01
	RegBus         uint8 = 0x02
	RegPower       uint8 = 0x03
	RegCurrent     uint8 = 0x04
	RegCalibration uint8 = 0x05
)

// DefaultAddress is the strap-selected address with A0 and A1 tied to GND.
const DefaultAddress uint16 = 0x40

type Family uint8

const (
	INA219 Family = iota
	INA226
	INA230
)

func (f Family) String() string {
	switch f {
	case INA219:
		return "ina219"
	case INA226:
		return "ina226"
	case INA230:
		return "ina230"
	}
	return fmt.Sprintf("family(%d)", uint8(f))
}

// ParseFamily maps a config string onto a Family, ignoring case.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ina219":
		return INA219, nil
	case "ina226":
		return INA226, nil
	case "ina230":
		return INA230, nil
	}
	return 0, fmt.Errorf("%w: unknown sensor family %q", ErrInvalidDeviceConfig, s)
}

// Layout holds the per-family scaling of the raw registers.
type Layout struct {
	BusLSBVolts      float64
	BusShift         uint
	ShuntLSBMilliV   float64
	CalibrationK     float64
	PowerLSBFactor   float64
	CalibrationMask  uint16
	HasBusStatusBits bool
}

var (
	// Bus register bits 15..3 hold the voltage, bit 1 is CNVR and bit 0 is OVF.
	layoutINA219 = Layout{
		BusLSBVolts:      0.004,
		BusShift:         3,
		ShuntLSBMilliV:   0.01,
		CalibrationK:     0.04096,
		PowerLSBFactor:   20,
		CalibrationMask:  0xFFFE,
		HasBusStatusBits: true,
	}
	layoutINA226 = Layout{
		BusLSBVolts:     0.00125,
		BusShift:        0,
		ShuntLSBMilliV:  0.0025,
		CalibrationK:    0.00512,
		PowerLSBFactor:  25,
		CalibrationMask: 0x7FFF,
	}
)

func (f Family) Layout() Layout {
	if f == INA219 {
		return layoutINA219
	}
	return layoutINA226
}

// RawRegisters is one acquisition's worth of register bit patterns.
type RawRegisters struct {
	Bus         uint16 `json:"bus"`
	Shunt       uint16 `json:"shunt"`
	Current     uint16 `json:"current"`
	Power       uint16 `json:"power"`
	Config      uint16 `json:"config"`
	Calibration uint16 `json:"calibration"`
}

// BusFlags are the status bits packed below the INA219 bus voltage field.
type BusFlags struct {
	ConversionReady bool
	Overflow        bool
}

type BusRange uint8

const (
	Range16V BusRange = 0
	Range32V BusRange = 1
)

// Gain is the INA219 shunt PGA setting.
type Gain uint8

const (
	Gain1_40mV  Gain = 0
	Gain2_80mV  Gain = 1
	Gain4_160mV Gain = 2
	Gain8_320mV Gain = 3
)

// ADCSetting is BADC/SADC on the INA219 (4 bits, resolution and sample
// averaging) and VBUSCT/VSHCT on the INA226 (3 bits, conversion time).
type ADCSetting uint8

const (
	ADC9Bit      ADCSetting = 0x0
	ADC10Bit     ADCSetting = 0x1
	ADC11Bit     ADCSetting = 0x2
	ADC12Bit     ADCSetting = 0x3
	ADC12Bit2S   ADCSetting = 0x9
	ADC12Bit4S   ADCSetting = 0xA
	ADC12Bit8S   ADCSetting = 0xB
	ADC12Bit16S  ADCSetting = 0xC
	ADC12Bit32S  ADCSetting = 0xD
	ADC12Bit64S  ADCSetting = 0xE
	ADC12Bit128S ADCSetting = 0xF
	Conv140us    ADCSetting = 0x0
	Conv332us    ADCSetting = 0x2
	Conv1100us   ADCSetting = 0x4
	Conv8244us   ADCSetting = 0x7
)

// Averaging is the INA226/INA230 AVG field.
type Averaging uint8

const (
	Avg1    Averaging = 0
	Avg4    Averaging = 1
	Avg16   Averaging = 2
	Avg64   Averaging = 3
	Avg128  Averaging = 4
	Avg256  Averaging = 5
	Avg512  Averaging = 6
	Avg1024 Averaging = 7
)

type Mode uint8

const (
	ModePowerDown          Mode = 0
	ModeShuntTriggered     Mode = 1
	ModeBusTriggered       Mode = 2
	ModeShuntBusTriggered  Mode = 3
	ModeADCOff             Mode = 4
	ModeShuntContinuous    Mode = 5
	ModeBusContinuous      Mode = 6
	ModeShuntBusContinuous Mode = 7
)

// ConfigRegister is the decoded form of register 0x00. Fields a family does
// not have are ignored on encode and left zero on decode.
type ConfigRegister struct {
	Reset     bool
	BusRange  BusRange
	Gain      Gain
	BusADC    ADCSetting
	ShuntADC  ADCSetting
	Averaging Averaging
	Mode      Mode
}

// DefaultConfigRegister matches the power-on value of each family
// (0x399F on the INA219, 0x4127 on the INA226 minus the read-only bit 14).
func DefaultConfigRegister(f Family) ConfigRegister {
	if f == INA219 {
		return ConfigRegister{
			BusRange: Range32V,
			Gain:     Gain8_320mV,
			BusADC:   ADC12Bit,
			ShuntADC: ADC12Bit,
			Mode:     ModeShuntBusContinuous,
		}
	}
	return ConfigRegister{
		Averaging: Avg1,
		BusADC:    Conv1100us,
		ShuntADC:  Conv1100us,
		Mode:      ModeShuntBusContinuous,
	}
}

// DeviceConfig describes one installed sensor.
type DeviceConfig struct {
	Family      Family
	Address     uint16
	ShuntOhms   float64
	MaxCurrentA float64
	Register    ConfigRegister
}
