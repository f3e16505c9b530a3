package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/NotCoffee418/solar_telemetry/pkg/bus"
	"github.com/NotCoffee418/solar_telemetry/pkg/calibration"
	"github.com/NotCoffee418/solar_telemetry/pkg/energy"
	"github.com/NotCoffee418/solar_telemetry/pkg/powermonitor"
	"github.com/NotCoffee418/solar_telemetry/pkg/sampler"
	"github.com/NotCoffee418/solar_telemetry/pkg/storage"
	"github.com/NotCoffee418/solar_telemetry/pkg/timesource"
	"github.com/NotCoffee418/solar_telemetry/pkg/tslog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	mu   sync.Mutex
	regs map[uint8]uint16
	down bool
	// brownOut clears the calibration register on the next read.
	brownOut bool
	// calReadFailures fails that many reads of the calibration register.
	calReadFailures int
}

func (f *fakeBus) Read16(addr uint16, reg uint8) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return 0, fmt.Errorf("%w: no ack", bus.ErrTransport)
	}
	if reg == powermonitor.RegCalibration && f.calReadFailures > 0 {
		f.calReadFailures--
		return 0, fmt.Errorf("%w: no ack", bus.ErrTransport)
	}
	if reg == powermonitor.RegCalibration && f.brownOut {
		f.brownOut = false
		f.regs[reg] = 0
	}
	return f.regs[reg], nil
}

func (f *fakeBus) Write16(addr uint16, reg uint8, value uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return fmt.Errorf("%w: no ack", bus.ErrTransport)
	}
	if reg == powermonitor.RegCalibration {
		// Bit 0 of the INA219 calibration register is read-only.
		value &= 0xFFFE
	}
	f.regs[reg] = value
	return nil
}

func (f *fakeBus) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

type fakeSink struct {
	mu          sync.Mutex
	checkpoints []energy.Accumulator
	periods     []energy.Rollover
}

func (f *fakeSink) SaveCheckpoint(acc energy.Accumulator, savedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, acc)
	return nil
}

func (f *fakeSink) InsertPeriodTotal(r energy.Rollover, closedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.periods = append(f.periods, r)
	return nil
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	bus     *fakeBus
	sink    *fakeSink
	dir     string
	log     *tslog.Log
	monitor *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	st := storage.NewDir(dir)
	f := &fixture{
		// 12 V bus, 2 mV shunt, 0.2 A.
		bus: &fakeBus{regs: map[uint8]uint16{
			powermonitor.RegBus:     0x5DC2,
			powermonitor.RegShunt:   200,
			powermonitor.RegCurrent: 2048,
		}},
		sink: &fakeSink{},
		dir:  dir,
		log:  tslog.New(st, "telemetry.csv", tslog.Base),
	}
	f.monitor = NewMonitor(f.bus, f.log, calibration.NewStore(st, "calibration.txt"), f.sink, Options{
		Device: powermonitor.DeviceConfig{
			Family:      powermonitor.INA219,
			Address:     powermonitor.DefaultAddress,
			ShuntOhms:   0.1,
			MaxCurrentA: 3.2,
			Register:    powermonitor.DefaultConfigRegister(powermonitor.INA219),
		},
		Location:        time.UTC,
		CheckpointEvery: 10 * time.Minute,
		Clock:           timesource.Fixed(t0),
	})
	return f
}

func TestMonitor_CyclePublishesSnapshot(t *testing.T) {
	f := newFixture(t)
	assert.Nil(t, f.monitor.Latest())

	f.monitor.Init()
	snap := f.monitor.Cycle(t0)

	require.Same(t, snap, f.monitor.Latest())
	assert.Equal(t, uint64(1), snap.Seq)
	assert.True(t, snap.Calibrated)
	assert.InDelta(t, 12.0, snap.Sample.BusVoltageV.Value, 1e-9)
	assert.InDelta(t, 2.4, snap.Sample.PowerW.Value, 1e-9)
	assert.Equal(t, 0.0, snap.Energy.TotalWh)

	live := snap.LiveData()
	assert.Equal(t, t0.Unix(), live.Epoch)
	assert.Equal(t, "2024-06-01T12:00:00Z", live.ISO)
	assert.Equal(t, 2024153, live.Period)
	assert.Equal(t, 1.0, live.CalV)

	h := f.monitor.Health()
	assert.True(t, h.Calibrated)
	assert.True(t, h.LogAvailable)
	assert.Equal(t, t0.Unix(), h.LastSampleEpoch)
}

func TestMonitor_IntegratesAndLogs(t *testing.T) {
	f := newFixture(t)
	f.monitor.Init()
	f.monitor.Cycle(t0)
	snap := f.monitor.Cycle(t0.Add(time.Hour))
	assert.InDelta(t, 2.4, snap.Energy.TotalWh, 1e-9)

	records := slices.Collect(f.log.ReadAll())
	require.Len(t, records, 2)
	assert.Equal(t, t0.Add(time.Hour).Unix(), records[1].Epoch)
	assert.InDelta(t, 2.4, records[1].Power.Value, 1e-9)
}

func TestMonitor_StorageFailureDoesNotStopSampling(t *testing.T) {
	f := newFixture(t)
	f.monitor.Init()
	require.NoError(t, os.RemoveAll(f.dir))

	snap := f.monitor.Cycle(t0)
	require.NotNil(t, snap)
	assert.True(t, snap.Sample.PowerW.Valid)

	h := f.monitor.Health()
	assert.False(t, h.LogAvailable)
	assert.NotZero(t, h.StorageErrors)

	// The medium comes back: the header is recreated and logging resumes.
	require.NoError(t, os.MkdirAll(f.dir, 0755))
	f.monitor.Cycle(t0.Add(time.Second))
	assert.True(t, f.monitor.Health().LogAvailable)
	assert.Len(t, slices.Collect(f.log.ReadAll()), 1)
}

func TestMonitor_DegradedUntilProgrammed(t *testing.T) {
	f := newFixture(t)
	f.bus.setDown(true)
	f.monitor.Init()

	h := f.monitor.Health()
	assert.False(t, h.Calibrated)
	assert.Contains(t, h.ConfigError, "sensor configuration failed")

	snap := f.monitor.Cycle(t0)
	assert.False(t, snap.Calibrated)
	assert.False(t, snap.Sample.BusVoltageV.Valid)
	assert.False(t, snap.Sample.CurrentA.Valid)
	assert.NotZero(t, f.monitor.Health().BusErrors)

	f.bus.setDown(false)
	snap = f.monitor.Cycle(t0.Add(time.Second))
	assert.True(t, snap.Calibrated)
	assert.True(t, snap.Sample.CurrentA.Valid)
	assert.True(t, f.monitor.Health().Calibrated)
	assert.Empty(t, f.monitor.Health().ConfigError)
}

func TestMonitor_ReprogramsAfterBrownOut(t *testing.T) {
	f := newFixture(t)
	f.monitor.Init()
	f.bus.brownOut = true

	snap := f.monitor.Cycle(t0)
	assert.False(t, snap.Calibrated)
	assert.False(t, snap.Sample.CurrentA.Valid)
	assert.False(t, f.monitor.Health().Calibrated)

	snap = f.monitor.Cycle(t0.Add(time.Second))
	assert.True(t, snap.Calibrated)
	assert.Equal(t, uint16(4194), f.bus.regs[powermonitor.RegCalibration])
}

func TestMonitor_UnreadableCalibrationDegrades(t *testing.T) {
	f := newFixture(t)
	f.monitor.Init()
	f.bus.calReadFailures = sampler.MaxAttempts

	snap := f.monitor.Cycle(t0)
	assert.False(t, snap.Calibrated)
	assert.False(t, snap.Sample.CurrentA.Valid)
	assert.True(t, snap.Sample.BusVoltageV.Valid)
	h := f.monitor.Health()
	assert.False(t, h.Calibrated)
	assert.Contains(t, h.ConfigError, "calibration register unreadable")

	// Reprogrammed on the next cycle.
	snap = f.monitor.Cycle(t0.Add(time.Second))
	assert.True(t, snap.Calibrated)
	assert.True(t, snap.Sample.CurrentA.Valid)
	assert.True(t, f.monitor.Health().Calibrated)
}

func TestMonitor_UpdateCalibration(t *testing.T) {
	f := newFixture(t)
	f.monitor.Init()

	require.NoError(t, f.monitor.UpdateCalibration(calibration.Calibration{Voltage: 1.05, Current: 0.98}))
	snap := f.monitor.Cycle(t0)
	assert.InDelta(t, 12.6, snap.Sample.BusVoltageV.Value, 1e-9)
	assert.InDelta(t, 0.196, snap.Sample.CurrentA.Value, 1e-9)

	// Persisted before taking effect.
	reloaded := calibration.NewStore(storage.NewDir(f.dir), "calibration.txt").Load()
	assert.Equal(t, calibration.Calibration{Voltage: 1.05, Current: 0.98}, reloaded)

	assert.ErrorIs(t, f.monitor.UpdateCalibration(calibration.Calibration{Voltage: 0, Current: 1}), ErrInvalidCalibration)
	assert.Equal(t, 1.05, f.monitor.Calibration().Voltage)
}

func TestMonitor_UpdateCalibrationStorageFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.RemoveAll(f.dir))

	err := f.monitor.UpdateCalibration(calibration.Calibration{Voltage: 2, Current: 2})
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.Equal(t, calibration.Default(), f.monitor.Calibration())
}

func TestMonitor_Reconfigure(t *testing.T) {
	f := newFixture(t)
	f.monitor.Init()
	f.monitor.Cycle(t0)

	dev := f.monitor.Device()
	dev.MaxCurrentA = 6.4
	require.NoError(t, f.monitor.Reconfigure(dev))
	// Not applied until the sampling goroutine runs.
	assert.Equal(t, 3.2, f.monitor.Device().MaxCurrentA)

	snap := f.monitor.Cycle(t0.Add(time.Second))
	assert.Equal(t, 6.4, f.monitor.Device().MaxCurrentA)
	assert.Equal(t, uint16(2096), f.bus.regs[powermonitor.RegCalibration])
	assert.True(t, snap.Calibrated)
	assert.InDelta(t, 0.4, snap.Sample.CurrentA.Value, 1e-9)

	dev.ShuntOhms = 0
	assert.ErrorIs(t, f.monitor.Reconfigure(dev), powermonitor.ErrInvalidDeviceConfig)
}

func TestMonitor_RolloverAndCheckpoints(t *testing.T) {
	f := newFixture(t)
	f.monitor.Init()

	late := time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC)
	f.monitor.Cycle(late)
	f.monitor.Cycle(late.Add(time.Minute))
	require.Len(t, f.sink.checkpoints, 1, "first cycle checkpoints, the next is within the cadence")

	f.monitor.Cycle(late.Add(11 * time.Minute))
	require.Len(t, f.sink.checkpoints, 2)

	snap := f.monitor.Cycle(time.Date(2024, 6, 2, 0, 1, 0, 0, time.UTC))
	require.Len(t, f.sink.periods, 1)
	assert.Equal(t, energy.PeriodKey(2024153), f.sink.periods[0].Anchor)
	assert.Greater(t, f.sink.periods[0].TotalWh, 0.0)
	assert.Equal(t, energy.PeriodKey(2024154), snap.Energy.Anchor)
	require.Len(t, f.sink.checkpoints, 3, "a rollover is checkpointed right away")
}

func TestMonitor_RestoreAndRun(t *testing.T) {
	f := newFixture(t)
	f.monitor.Restore(energy.Accumulator{TotalWh: 42, LastUpdate: t0.Add(-time.Hour), Anchor: 2024153})
	f.monitor.Init()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- f.monitor.Run(ctx, time.Hour) }()

	snap := <-f.monitor.Updates()
	assert.Equal(t, 42.0, snap.Energy.TotalWh, "downtime is not integrated")
	cancel()
	require.NoError(t, <-done)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	assert.Equal(t, 42.0, f.sink.checkpoints[len(f.sink.checkpoints)-1].TotalWh)
}

func TestMonitor_ConcurrentReaders(t *testing.T) {
	f := newFixture(t)
	f.monitor.Init()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if snap := f.monitor.Latest(); snap != nil {
					// A snapshot is internally consistent.
					assert.Equal(t, snap.Sample.Time.Unix(), snap.LiveData().Epoch)
				}
				_ = f.monitor.Health()
				_ = f.monitor.Calibration()
			}
		}()
	}

	for i := range 50 {
		f.monitor.Cycle(t0.Add(time.Duration(i) * time.Second))
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, uint64(50), f.monitor.Latest().Seq)
}
