// Telemetry API samples the power monitor, keeps the energy total and serves
// readings over HTTP and websocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NotCoffee418/solar_telemetry/pkg/aggregator"
	"github.com/NotCoffee418/solar_telemetry/pkg/api"
	"github.com/NotCoffee418/solar_telemetry/pkg/bus"
	"github.com/NotCoffee418/solar_telemetry/pkg/calibration"
	"github.com/NotCoffee418/solar_telemetry/pkg/config"
	"github.com/NotCoffee418/solar_telemetry/pkg/energy"
	"github.com/NotCoffee418/solar_telemetry/pkg/inverter"
	"github.com/NotCoffee418/solar_telemetry/pkg/livefeed"
	"github.com/NotCoffee418/solar_telemetry/pkg/meterdb"
	"github.com/NotCoffee418/solar_telemetry/pkg/pathing"
	"github.com/NotCoffee418/solar_telemetry/pkg/serial_bridge"
	"github.com/NotCoffee418/solar_telemetry/pkg/storage"
	"github.com/NotCoffee418/solar_telemetry/pkg/telemetry"
	"github.com/NotCoffee418/solar_telemetry/pkg/timesource"
	"github.com/NotCoffee418/solar_telemetry/pkg/tslog"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type closingBus interface {
	bus.Bus
	io.Closer
}

func openBus(cfg config.SensorConfig) (closingBus, error) {
	if cfg.Transport == "serial" {
		return serial_bridge.Open(cfg.SerialDevice, cfg.Baudrate)
	}
	return bus.OpenI2C(cfg.I2CBus)
}

func main() {
	cfg, err := config.LoadTelemetryConfig(pathing.GetTelemetryConfigPath())
	if err != nil {
		log.Fatalf("Failed to load telemetry config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid telemetry config: %v", err)
	}
	cfg.Log.ApplyLogLevel()

	// Validated above
	dev, _ := cfg.Sensor.DeviceConfig()
	loc, _ := cfg.Location()
	policy, _ := energy.ParsePolicy(cfg.Sampling.ReverseFlow)
	units, _ := tslog.ParseUnits(cfg.Storage.LogUnits)

	dataDir := cfg.Storage.DataDir
	if dataDir == "" {
		dataDir = pathing.GetDataDir()
	}
	if err := pathing.EnsureDir(dataDir); err != nil {
		// Removable media may be mounted later; the log reports unavailable until then.
		log.Warnf("Data directory %s unavailable: %v", dataDir, err)
	}

	sensorBus, err := openBus(cfg.Sensor)
	if err != nil {
		log.Fatalf("Failed to open sensor bus: %v", err)
	}
	defer sensorBus.Close()

	files := storage.NewDir(dataDir)
	calStore := calibration.NewStore(files, pathing.CalibrationName)
	tsLog := tslog.New(files, pathing.TelemetryLogName, units)

	db, err := meterdb.Open(pathing.GetMeterDbPath(dataDir))
	if err != nil {
		log.Fatalf("Failed to open meter database: %v", err)
	}
	defer db.Close()

	integrator := energy.Integrator{Policy: policy, MaxGap: cfg.Sampling.MaxGap.Duration}
	clock := timesource.System{Location: loc}
	monitor := telemetry.NewMonitor(sensorBus, tsLog, calStore, db, telemetry.Options{
		Device:          dev,
		Integrator:      integrator,
		Location:        loc,
		CheckpointEvery: cfg.Sampling.CheckpointEvery.Duration,
		Clock:           clock,
	})

	acc, ok, err := db.LoadCheckpoint()
	switch {
	case err != nil:
		log.Warnf("Failed to load energy checkpoint, starting from zero: %v", err)
	case ok:
		monitor.Restore(acc)
	}
	monitor.Init()

	hub := livefeed.NewHub()
	var inverterReader *inverter.Reader
	if cfg.Inverter.Enabled {
		inverterReader = inverter.NewReader(inverter.Config{
			Host:             cfg.Inverter.Host,
			Port:             cfg.Inverter.ModbusPort,
			SlaveID:          cfg.Inverter.SlaveID,
			WlanConnectionId: cfg.Inverter.WlanConnectionId,
		})
	}

	server := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.HTTP.ListenAddress, cfg.HTTP.ListenPort),
		Handler: api.NewServer(api.Options{
			Monitor:    monitor,
			Records:    tsLog,
			Aggregator: aggregator.New(aggregator.Options{Policy: policy, MaxGap: integrator.MaxGap}),
			Hub:        hub,
			Periods:    db,
			Inverter:   inverterReader,
			Clock:      clock,
		}),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return monitor.Run(ctx, cfg.Sampling.Interval.Duration)
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case snap := <-monitor.Updates():
				if err := hub.Broadcast(snap.LiveData()); err != nil {
					log.Debugf("Broadcast failed: %v", err)
				}
			}
		}
	})

	g.Go(func() error {
		log.Printf("Starting Solar Telemetry API on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Errorf("Telemetry API stopped: %v", err)
		os.Exit(1)
	}
	log.Println("Telemetry API stopped")
}
