// Package sampler performs one acquisition against the power monitor and
// turns the registers into a calibrated Sample.
package sampler

import (
	"errors"
	"fmt"
	"time"

	"github.com/NotCoffee418/solar_telemetry/pkg/bus"
	"github.com/NotCoffee418/solar_telemetry/pkg/calibration"
	"github.com/NotCoffee418/solar_telemetry/pkg/powermonitor"
	"github.com/NotCoffee418/solar_telemetry/pkg/types"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

func newBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(retryDelay), MaxAttempts-1)
}

func read(b bus.Bus, addr uint16, reg uint8) (uint16, error) {
	return backoff.RetryWithData(func() (uint16, error) {
		return b.Read16(addr, reg)
	}, newBackOff())
}

func write(b bus.Bus, addr uint16, reg uint8, value uint16) error {
	return backoff.Retry(func() error {
		return b.Write16(addr, reg, value)
	}, newBackOff())
}

// Program writes the config and calibration registers and verifies the
// calibration read-back. It must run at start-up and after every change of
// the DeviceConfig.
func Program(b bus.Bus, dev powermonitor.DeviceConfig) error {
	cal, err := powermonitor.ComputeCalibrationRegister(dev)
	if err != nil {
		return errors.Join(ErrConfiguration, err)
	}

	if err := write(b, dev.Address, powermonitor.RegConfig, dev.Register.Encode(dev.Family)); err != nil {
		return errors.Join(ErrConfiguration, fmt.Errorf("write config register: %w", err))
	}
	if err := write(b, dev.Address, powermonitor.RegCalibration, cal); err != nil {
		return errors.Join(ErrConfiguration, fmt.Errorf("write calibration register: %w", err))
	}

	got, err := read(b, dev.Address, powermonitor.RegCalibration)
	if err != nil {
		return errors.Join(ErrConfiguration, fmt.Errorf("read back calibration register: %w", err))
	}
	if want := powermonitor.ExpectedCalibrationReadback(dev.Family, cal); got != want {
		return fmt.Errorf("%w: calibration register reads 0x%04X, wrote 0x%04X", ErrConfiguration, got, want)
	}

	if limit := dev.MaxShuntCurrentA(); dev.MaxCurrentA > limit {
		log.Warnf("Max current %g A exceeds the %g A the shunt range can measure, readings above it saturate",
			dev.MaxCurrentA, limit)
	}
	log.WithField("address", fmt.Sprintf("0x%02X", dev.Address)).
		Printf("Programmed %s: config 0x%04X, calibration %d", dev.Family, dev.Register.Encode(dev.Family), cal)
	return nil
}

// Acquire reads the sensor once. A register that cannot be read leaves the
// fields depending on it unavailable; nothing is substituted with zero.
func Acquire(b bus.Bus, dev powermonitor.DeviceConfig, cal calibration.Calibration, now time.Time) (types.Sample, powermonitor.RawRegisters, Status) {
	var (
		raw    powermonitor.RawRegisters
		status Status
		errs   []error
	)
	layout := dev.Family.Layout()
	sample := types.Sample{Time: now}

	readInto := func(reg uint8, dst *uint16) bool {
		v, err := read(b, dev.Address, reg)
		if err != nil {
			status.FailedReads++
			errs = append(errs, fmt.Errorf("register 0x%02X: %w", reg, err))
			return false
		}
		*dst = v
		return true
	}

	busOK := readInto(powermonitor.RegBus, &raw.Bus)
	shuntOK := readInto(powermonitor.RegShunt, &raw.Shunt)
	currentOK := readInto(powermonitor.RegCurrent, &raw.Current)
	powerOK := readInto(powermonitor.RegPower, &raw.Power)
	calOK := readInto(powermonitor.RegCalibration, &raw.Calibration)
	readInto(powermonitor.RegConfig, &raw.Config)

	if busOK {
		status.Flags = powermonitor.DecodeBusFlags(layout, raw.Bus)
		sample.BusVoltageV = types.Available(powermonitor.DecodeBusVoltage(layout, raw.Bus)).Scale(cal.Voltage)
	}
	if shuntOK {
		sample.ShuntVoltageMV = types.Available(powermonitor.DecodeShuntVoltage(layout, raw.Shunt))
	}

	// Current and power registers are only meaningful with a verified
	// calibration register.
	var staleErr error
	if !calOK {
		status.CalibrationStale = true
		staleErr = fmt.Errorf("%w: calibration register unreadable", ErrConfiguration)
	} else if expected, err := powermonitor.ComputeCalibrationRegister(dev); err != nil ||
		raw.Calibration != powermonitor.ExpectedCalibrationReadback(dev.Family, expected) {
		status.CalibrationStale = true
		staleErr = fmt.Errorf("%w: calibration register reads 0x%04X", ErrConfiguration, raw.Calibration)
	}
	if currentOK && !status.CalibrationStale && !status.Flags.Overflow {
		sample.CurrentA = types.Available(powermonitor.DecodeCurrent(raw.Current, dev.CurrentLSB())).Scale(cal.Current)
	}
	if powerOK && !status.CalibrationStale && !status.Flags.Overflow {
		sample.ChipPowerW = types.Available(powermonitor.DecodePower(raw.Power, dev.PowerLSB()))
	}

	if sample.BusVoltageV.Valid && sample.CurrentA.Valid {
		sample.PowerW = types.Available(sample.BusVoltageV.Value * sample.CurrentA.Value)
	}
	if sample.BusVoltageV.Valid && sample.ShuntVoltageMV.Valid {
		sample.SourceVoltageV = types.Available(sample.BusVoltageV.Value + sample.ShuntVoltageMV.Value/1000)
	}

	status.Err = errors.Join(append(errs, staleErr)...)

	log.WithField("raw", fmt.Sprintf("%+v", raw)).Debug("Acquired sensor registers")
	return sample, raw, status
}
