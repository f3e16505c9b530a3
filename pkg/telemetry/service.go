// Package telemetry ties sampling, integration and logging together and
// publishes the result as immutable snapshots.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/NotCoffee418/solar_telemetry/pkg/bus"
	"github.com/NotCoffee418/solar_telemetry/pkg/calibration"
	"github.com/NotCoffee418/solar_telemetry/pkg/energy"
	"github.com/NotCoffee418/solar_telemetry/pkg/powermonitor"
	"github.com/NotCoffee418/solar_telemetry/pkg/sampler"
	"github.com/NotCoffee418/solar_telemetry/pkg/timesource"
	"github.com/NotCoffee418/solar_telemetry/pkg/tslog"
	"github.com/NotCoffee418/solar_telemetry/pkg/types"
	log "github.com/sirupsen/logrus"
)

// NewMonitor loads the calibration but does not touch the bus; call Init
// before the first Cycle. sink may be nil.
func NewMonitor(b bus.Bus, l *tslog.Log, store *calibration.Store, sink CheckpointSink, opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = timesource.System{Location: opts.Location}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	m := &Monitor{
		bus:         b,
		log:         l,
		calStore:    store,
		sink:        sink,
		clock:       opts.Clock,
		integrator:  opts.Integrator,
		location:    opts.Location,
		checkpoint:  opts.CheckpointEvery,
		device:      opts.Device,
		reconfigure: make(chan powermonitor.DeviceConfig, pendingReconfigurations),
		updates:     make(chan *Snapshot, 1),
	}

	cal := store.Load()
	m.calibration.Store(&cal)
	dev := opts.Device
	m.activeDev.Store(&dev)
	m.status.Store(&deviceStatus{})
	return m
}

// Restore seeds the accumulator from a checkpoint. Call before Run.
func (m *Monitor) Restore(acc energy.Accumulator) {
	m.acc = energy.Restore(acc)
	log.Printf("Restored energy total %.3f Wh for period %s", m.acc.TotalWh, m.acc.Anchor)
}

// Init programs the sensor and prepares the log. Failures leave the monitor
// degraded; Cycle keeps retrying.
func (m *Monitor) Init() {
	m.program()
	m.ensureLog()
}

func (m *Monitor) program() {
	if err := sampler.Program(m.bus, m.device); err != nil {
		m.programmed = false
		m.status.Store(&deviceStatus{configError: err.Error()})
		log.Warnf("Sensor running uncalibrated: %v", err)
		return
	}
	m.programmed = true
	m.status.Store(&deviceStatus{calibrated: true})
}

func (m *Monitor) ensureLog() {
	if err := m.log.EnsureHeader(); err != nil {
		m.storageErrors.Add(1)
		m.logReady = false
		m.logAvailable.Store(false)
		log.Warnf("Time-series log unavailable, continuing live-only: %v", err)
		return
	}
	m.logReady = true
	m.logAvailable.Store(true)
}

func (m *Monitor) applyReconfiguration() {
	var (
		dev     powermonitor.DeviceConfig
		pending bool
	)
	for drained := false; !drained; {
		select {
		case dev = <-m.reconfigure:
			pending = true
		default:
			drained = true
		}
	}
	if !pending {
		return
	}
	m.device = dev
	m.activeDev.Store(&dev)
	m.programmed = false
	log.Printf("Applying new device configuration: %s at 0x%02X, %g ohm, %g A", dev.Family, dev.Address, dev.ShuntOhms, dev.MaxCurrentA)
}

// Cycle runs one acquisition at now and publishes its snapshot. Nothing in
// here aborts the cycle: failures degrade health and are counted.
func (m *Monitor) Cycle(now time.Time) *Snapshot {
	m.applyReconfiguration()
	if !m.programmed {
		m.program()
	}

	cal := *m.calibration.Load()
	sample, raw, st := sampler.Acquire(m.bus, m.device, cal, now)
	if st.FailedReads > 0 {
		m.busErrors.Add(uint64(st.FailedReads))
		log.WithField("failed_reads", st.FailedReads).Warnf("Sensor read failed: %v", st.Err)
	}
	if st.CalibrationStale {
		// Reprogram next cycle, readings stay withheld until then.
		m.programmed = false
		m.status.Store(&deviceStatus{configError: st.Err.Error()})
		log.Warn("Sensor calibration register lost, reprogramming")
	}

	var rollover *energy.Rollover
	m.acc, rollover = m.integrator.Integrate(m.acc, sample, energy.DailyKey(now, m.location))

	m.seq++
	snap := &Snapshot{
		Seq:         m.seq,
		Sample:      sample,
		Raw:         raw,
		Energy:      m.acc,
		Calibration: cal,
		Calibrated:  m.programmed && !st.CalibrationStale,
	}
	m.latest.Store(snap)
	select {
	case m.updates <- snap:
	default:
	}

	m.appendLog(sample)
	if rollover != nil {
		m.closePeriod(*rollover, now)
	}
	m.maybeCheckpoint(now, rollover != nil)
	return snap
}

func (m *Monitor) appendLog(sample types.Sample) {
	if !m.logReady {
		m.ensureLog()
		if !m.logReady {
			return
		}
	}
	if err := m.log.Append(tslog.FromSample(sample, timesource.FormatISO(sample.Time))); err != nil {
		m.storageErrors.Add(1)
		m.logReady = false
		m.logAvailable.Store(false)
		log.Warnf("Failed to append to time-series log: %v", err)
	}
}

func (m *Monitor) closePeriod(r energy.Rollover, now time.Time) {
	log.Printf("Closed period %s with %.3f Wh", r.Anchor, r.TotalWh)
	if m.sink == nil {
		return
	}
	if err := m.sink.InsertPeriodTotal(r, now); err != nil {
		m.storageErrors.Add(1)
		log.Warnf("Failed to store period total: %v", err)
	}
}

func (m *Monitor) maybeCheckpoint(now time.Time, force bool) {
	if m.sink == nil {
		return
	}
	if !force && !m.lastCheckpoint.IsZero() && now.Sub(m.lastCheckpoint) < m.checkpoint {
		return
	}
	m.saveCheckpoint(now)
}

func (m *Monitor) saveCheckpoint(now time.Time) {
	if m.sink == nil {
		return
	}
	if err := m.sink.SaveCheckpoint(m.acc, now); err != nil {
		m.storageErrors.Add(1)
		log.Warnf("Failed to checkpoint energy: %v", err)
		return
	}
	m.lastCheckpoint = now
}

// Run samples every interval until ctx is cancelled, then writes a final
// checkpoint.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Cycle(m.clock.Now())
	for {
		select {
		case <-ctx.Done():
			m.saveCheckpoint(m.clock.Now())
			log.Println("Sampling stopped")
			return nil
		case <-ticker.C:
			m.Cycle(m.clock.Now())
		}
	}
}

// Latest returns the most recent snapshot, or nil before the first cycle.
func (m *Monitor) Latest() *Snapshot {
	return m.latest.Load()
}

// Updates delivers new snapshots to a single consumer. Snapshots are dropped
// while the consumer is behind.
func (m *Monitor) Updates() <-chan *Snapshot {
	return m.updates
}

func (m *Monitor) Calibration() calibration.Calibration {
	return *m.calibration.Load()
}

// UpdateCalibration persists c before it takes effect.
func (m *Monitor) UpdateCalibration(c calibration.Calibration) error {
	if !calibration.Valid(c) {
		return fmt.Errorf("%w: %+v", ErrInvalidCalibration, c)
	}

	m.calMu.Lock()
	defer m.calMu.Unlock()
	if err := m.calStore.Save(c); err != nil {
		m.storageErrors.Add(1)
		return err
	}
	m.calibration.Store(&c)
	log.Printf("Calibration updated: voltage x%g, current x%g", c.Voltage, c.Current)
	return nil
}

// Device returns the configuration the sampler currently runs with.
func (m *Monitor) Device() powermonitor.DeviceConfig {
	return *m.activeDev.Load()
}

// Reconfigure queues dev for the sampling goroutine, which reprograms the
// sensor before its next acquisition.
func (m *Monitor) Reconfigure(dev powermonitor.DeviceConfig) error {
	if err := dev.Validate(); err != nil {
		return err
	}
	select {
	case m.reconfigure <- dev:
		return nil
	default:
		return ErrReconfigurePending
	}
}

func (m *Monitor) Health() Health {
	st := m.status.Load()
	h := Health{
		Calibrated:    st.calibrated,
		ConfigError:   st.configError,
		BusErrors:     m.busErrors.Load(),
		StorageErrors: m.storageErrors.Load(),
		LogAvailable:  m.logAvailable.Load(),
		SkippedLines:  m.log.Skipped(),
	}
	if snap := m.latest.Load(); snap != nil {
		h.LastSampleEpoch = snap.Sample.Time.Unix()
	}
	return h
}

// LiveData renders the snapshot in its JSON shape.
func (s *Snapshot) LiveData() types.LiveData {
	return types.LiveData{
		Epoch:         s.Sample.Time.Unix(),
		ISO:           timesource.FormatISO(s.Sample.Time),
		Voltage:       s.Sample.BusVoltageV,
		Current:       s.Sample.CurrentA,
		Power:         s.Sample.PowerW,
		EnergyWh:      s.Energy.TotalWh,
		CalV:          s.Calibration.Voltage,
		CalI:          s.Calibration.Current,
		SourceVoltage: s.Sample.SourceVoltageV,
		ShuntMV:       s.Sample.ShuntVoltageMV,
		ChipPower:     s.Sample.ChipPowerW,
		Period:        int(s.Energy.Anchor),
		Calibrated:    s.Calibrated,
	}
}
