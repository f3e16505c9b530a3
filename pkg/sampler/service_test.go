package sampler

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/NotCoffee418/solar_telemetry/pkg/bus"
	"github.com/NotCoffee418/solar_telemetry/pkg/calibration"
	"github.com/NotCoffee418/solar_telemetry/pkg/powermonitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus is an in-memory register file that can be told to fail.
type fakeBus struct {
	mu        sync.Mutex
	regs      map[uint8]uint16
	failures  map[uint8]int // remaining failures per register, -1 fails forever
	reads     map[uint8]int
	writes    []uint8
	ignoreCal bool
}

func newFakeBus(regs map[uint8]uint16) *fakeBus {
	return &fakeBus{regs: regs, failures: map[uint8]int{}, reads: map[uint8]int{}}
}

func (f *fakeBus) fail(reg uint8) error {
	n := f.failures[reg]
	if n == 0 {
		return nil
	}
	if n > 0 {
		f.failures[reg] = n - 1
	}
	return fmt.Errorf("%w: nack on 0x%02X", bus.ErrTransport, reg)
}

func (f *fakeBus) Read16(addr uint16, reg uint8) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[reg]++
	if err := f.fail(reg); err != nil {
		return 0, err
	}
	return f.regs[reg], nil
}

func (f *fakeBus) Write16(addr uint16, reg uint8, value uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, reg)
	if err := f.fail(reg); err != nil {
		return err
	}
	if reg == powermonitor.RegCalibration && f.ignoreCal {
		return nil
	}
	f.regs[reg] = value
	return nil
}

func ina219() powermonitor.DeviceConfig {
	return powermonitor.DeviceConfig{
		Family:      powermonitor.INA219,
		Address:     powermonitor.DefaultAddress,
		ShuntOhms:   0.1,
		MaxCurrentA: 3.2,
		Register:    powermonitor.DefaultConfigRegister(powermonitor.INA219),
	}
}

// 12.0 V with CNVR set, 2 mV shunt, 0.2 A (2048 * 3.2/32768), 2.4 W on the
// chip's power register, programmed calibration.
func healthyRegs() map[uint8]uint16 {
	return map[uint8]uint16{
		powermonitor.RegBus:         0x5DC2,
		powermonitor.RegShunt:       200,
		powermonitor.RegCurrent:     2048,
		powermonitor.RegPower:       1229,
		powermonitor.RegCalibration: 4194,
		powermonitor.RegConfig:      0x399F,
	}
}

func TestMain(m *testing.M) {
	retryDelay = time.Microsecond
	m.Run()
}

func TestAcquire_Healthy(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s, raw, status := Acquire(newFakeBus(healthyRegs()), ina219(), calibration.Default(), now)

	require.True(t, status.OK())
	require.NoError(t, status.Err)
	assert.True(t, status.Flags.ConversionReady)
	assert.Equal(t, uint16(0x5DC2), raw.Bus)
	assert.Equal(t, now, s.Time)

	assert.InDelta(t, 12.0, s.BusVoltageV.Value, 1e-9)
	assert.InDelta(t, 2.0, s.ShuntVoltageMV.Value, 1e-9)
	assert.InDelta(t, 0.2, s.CurrentA.Value, 1e-9)
	assert.InDelta(t, 2.4, s.PowerW.Value, 1e-9)
	assert.InDelta(t, 12.002, s.SourceVoltageV.Value, 1e-9)
	assert.Equal(t, uint16(1229), raw.Power)
	assert.InDelta(t, 2.4, s.ChipPowerW.Value, 1e-3)
}

func TestAcquire_PowerUsesLoadSideVoltage(t *testing.T) {
	s, _, _ := Acquire(newFakeBus(healthyRegs()), ina219(), calibration.Default(), time.Now())
	assert.InDelta(t, s.BusVoltageV.Value*s.CurrentA.Value, s.PowerW.Value, 1e-12)
	assert.NotEqual(t, s.SourceVoltageV.Value*s.CurrentA.Value, s.PowerW.Value)
}

func TestAcquire_CalibrationMultipliers(t *testing.T) {
	base, _, _ := Acquire(newFakeBus(healthyRegs()), ina219(), calibration.Default(), time.Now())
	scaled, _, _ := Acquire(newFakeBus(healthyRegs()), ina219(), calibration.Calibration{Voltage: 1.05, Current: 0.98}, time.Now())

	assert.InDelta(t, base.BusVoltageV.Value*1.05, scaled.BusVoltageV.Value, 1e-12)
	assert.InDelta(t, base.CurrentA.Value*0.98, scaled.CurrentA.Value, 1e-12)
	assert.InDelta(t, base.PowerW.Value*1.05*0.98, scaled.PowerW.Value, 1e-12)
	// Shunt voltage is a raw diagnostic and is never calibrated.
	assert.Equal(t, base.ShuntVoltageMV, scaled.ShuntVoltageMV)
}

func TestAcquire_RetriesAreBounded(t *testing.T) {
	t.Run("recovers within the bound", func(t *testing.T) {
		b := newFakeBus(healthyRegs())
		b.failures[powermonitor.RegBus] = MaxAttempts - 1
		s, _, status := Acquire(b, ina219(), calibration.Default(), time.Now())

		assert.True(t, status.OK())
		assert.True(t, s.BusVoltageV.Valid)
		assert.Equal(t, MaxAttempts, b.reads[powermonitor.RegBus])
	})

	t.Run("gives up after the bound", func(t *testing.T) {
		b := newFakeBus(healthyRegs())
		b.failures[powermonitor.RegBus] = -1
		s, _, status := Acquire(b, ina219(), calibration.Default(), time.Now())

		assert.Equal(t, MaxAttempts, b.reads[powermonitor.RegBus])
		assert.Equal(t, 1, status.FailedReads)
		assert.ErrorIs(t, status.Err, bus.ErrTransport)

		assert.False(t, s.BusVoltageV.Valid)
		assert.False(t, s.PowerW.Valid)
		assert.False(t, s.SourceVoltageV.Valid)
		assert.True(t, s.CurrentA.Valid)
		assert.True(t, s.ShuntVoltageMV.Valid)
	})
}

func TestAcquire_CurrentFailureIsNotZero(t *testing.T) {
	b := newFakeBus(healthyRegs())
	b.failures[powermonitor.RegCurrent] = -1
	s, _, _ := Acquire(b, ina219(), calibration.Default(), time.Now())

	assert.False(t, s.CurrentA.Valid)
	assert.False(t, s.PowerW.Valid)
	assert.True(t, s.BusVoltageV.Valid)
}

func TestAcquire_StaleCalibrationWithholdsCurrent(t *testing.T) {
	regs := healthyRegs()
	regs[powermonitor.RegCalibration] = 0
	s, _, status := Acquire(newFakeBus(regs), ina219(), calibration.Default(), time.Now())

	assert.True(t, status.CalibrationStale)
	assert.False(t, status.OK())
	assert.ErrorIs(t, status.Err, ErrConfiguration)
	assert.False(t, s.CurrentA.Valid)
	assert.False(t, s.PowerW.Valid)
	assert.True(t, s.BusVoltageV.Valid)
}

func TestAcquire_UnreadableCalibrationWithholdsCurrent(t *testing.T) {
	b := newFakeBus(healthyRegs())
	b.failures[powermonitor.RegCalibration] = -1
	s, _, status := Acquire(b, ina219(), calibration.Default(), time.Now())

	assert.True(t, status.CalibrationStale)
	assert.False(t, status.OK())
	assert.ErrorIs(t, status.Err, ErrConfiguration)
	assert.ErrorIs(t, status.Err, bus.ErrTransport)
	assert.False(t, s.CurrentA.Valid)
	assert.False(t, s.PowerW.Valid)
	assert.False(t, s.ChipPowerW.Valid)
	assert.True(t, s.BusVoltageV.Valid)
}

func TestAcquire_OverflowWithholdsCurrent(t *testing.T) {
	regs := healthyRegs()
	regs[powermonitor.RegBus] = 0x5DC3
	s, _, status := Acquire(newFakeBus(regs), ina219(), calibration.Default(), time.Now())

	assert.True(t, status.Flags.Overflow)
	assert.InDelta(t, 12.0, s.BusVoltageV.Value, 1e-9)
	assert.False(t, s.CurrentA.Valid)
}

func TestAcquire_NegativeCurrent(t *testing.T) {
	regs := healthyRegs()
	regs[powermonitor.RegCurrent] = 0xFFFF
	s, _, _ := Acquire(newFakeBus(regs), ina219(), calibration.Default(), time.Now())

	assert.InDelta(t, -3.2/32768, s.CurrentA.Value, 1e-12)
	assert.Less(t, s.PowerW.Value, 0.0)
}

func TestProgram(t *testing.T) {
	b := newFakeBus(map[uint8]uint16{})
	require.NoError(t, Program(b, ina219()))

	assert.Equal(t, []uint8{powermonitor.RegConfig, powermonitor.RegCalibration}, b.writes)
	assert.Equal(t, uint16(0x399F), b.regs[powermonitor.RegConfig])
	assert.Equal(t, uint16(4194), b.regs[powermonitor.RegCalibration])
}

func TestProgram_Failures(t *testing.T) {
	t.Run("write fails", func(t *testing.T) {
		b := newFakeBus(map[uint8]uint16{})
		b.failures[powermonitor.RegCalibration] = -1
		err := Program(b, ina219())
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.ErrorIs(t, err, bus.ErrTransport)
	})

	t.Run("read back mismatch", func(t *testing.T) {
		b := newFakeBus(map[uint8]uint16{})
		b.ignoreCal = true
		assert.ErrorIs(t, Program(b, ina219()), ErrConfiguration)
	})

	t.Run("invalid device", func(t *testing.T) {
		dev := ina219()
		dev.ShuntOhms = 0
		err := Program(newFakeBus(map[uint8]uint16{}), dev)
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.True(t, errors.Is(err, powermonitor.ErrInvalidDeviceConfig))
	})
}
