// Telemetry collector keeps a copy of the live feed on another machine.
// Depends on the telemetry API being online.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/NotCoffee418/solar_telemetry/pkg/config"
	"github.com/NotCoffee418/solar_telemetry/pkg/livefeed"
	"github.com/NotCoffee418/solar_telemetry/pkg/pathing"
	"github.com/NotCoffee418/solar_telemetry/pkg/storage"
	"github.com/NotCoffee418/solar_telemetry/pkg/tslog"
	"github.com/NotCoffee418/solar_telemetry/pkg/types"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.LoadCollectorConfig(pathing.GetCollectorConfigPath())
	if err != nil {
		log.Fatalf("Failed to load collector config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid collector config: %v", err)
	}
	cfg.Log.ApplyLogLevel()
	units, _ := tslog.ParseUnits(cfg.LogUnits)

	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = pathing.GetDataDir()
	}
	if err := pathing.EnsureDir(outputDir); err != nil {
		log.Fatalf("Failed to create output directory %s: %v", outputDir, err)
	}

	out := tslog.New(storage.NewDir(outputDir), pathing.CollectorLogName, units)
	if err := out.EnsureHeader(); err != nil {
		log.Fatalf("Failed to prepare %s: %v", out.Name(), err)
	}

	// Resume after the newest line already collected
	var lastEpoch int64
	for r := range out.ReadAll() {
		lastEpoch = max(lastEpoch, r.Epoch)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Subscribe to websocket with revive
	err = livefeed.Listen(ctx, cfg.TelemetryAPIHost, cfg.TLSEnabled, func(d types.LiveData) {
		// The feed repeats the latest reading on every connect.
		if d.Epoch <= lastEpoch {
			return
		}
		if err := out.Append(tslog.FromLiveData(d)); err != nil {
			log.Warnf("Failed to store reading %d: %v", d.Epoch, err)
			return
		}
		lastEpoch = d.Epoch
	})
	if err != nil {
		log.Fatalf("Live feed unavailable: %v", err)
	}
	log.Println("Collector stopped")
}
