package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/NotCoffee418/solar_telemetry/pkg/energy"
	"github.com/NotCoffee418/solar_telemetry/pkg/powermonitor"
	"github.com/NotCoffee418/solar_telemetry/pkg/timesource"
	"github.com/NotCoffee418/solar_telemetry/pkg/tslog"
	log "github.com/sirupsen/logrus"
)

func DefaultTelemetryConfig() *TelemetryConfig {
	return &TelemetryConfig{
		Sensor: SensorConfig{
			Transport:    "i2c",
			SerialDevice: "/dev/ttyUSB0",
			Baudrate:     115200,
			Family:       "INA219",
			Address:      powermonitor.DefaultAddress,
			ShuntOhms:    0.1,
			MaxCurrentA:  3.2,
		},
		Sampling: SamplingConfig{
			Interval:        Duration{time.Second},
			CheckpointEvery: Duration{10 * time.Minute},
			MaxGap:          Duration{10 * time.Minute},
			ReverseFlow:     energy.DiscardReverse.String(),
			Timezone:        "Local",
		},
		Storage: StorageConfig{
			LogUnits: tslog.Base.String(),
		},
		HTTP: HTTPConfig{
			ListenAddress: "0.0.0.0",
			ListenPort:    9040,
		},
		Inverter: InverterConfig{
			Host:             "192.168.200.1",
			ModbusPort:       502,
			SlaveID:          1,
			WlanConnectionId: "preconfigured",
		},
		Log: LogConfig{Level: "info"},
	}
}

func DefaultCollectorConfig() *CollectorConfig {
	return &CollectorConfig{
		TelemetryAPIHost: "localhost:9040",
		LogUnits:         tslog.Base.String(),
		Log:              LogConfig{Level: "info"},
	}
}

// loadOrCreate decodes path into cfg, writing cfg out as the new file when
// path does not exist yet.
func loadOrCreate(path string, cfg any) error {
	// Create default if not exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		cfgFile, err := os.Create(path)
		if err != nil {
			return err
		}
		defer cfgFile.Close()
		if err := toml.NewEncoder(cfgFile).Encode(cfg); err != nil {
			return err
		}
		log.Printf("Created default config %s", path)
		return nil
	}

	// Load existing config over the defaults
	_, err := toml.DecodeFile(path, cfg)
	return err
}

func LoadTelemetryConfig(path string) (*TelemetryConfig, error) {
	cfg := DefaultTelemetryConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return cfg, nil
}

func LoadCollectorConfig(path string) (*CollectorConfig, error) {
	cfg := DefaultCollectorConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return cfg, nil
}

// DeviceConfig builds the sensor description, validated.
func (c SensorConfig) DeviceConfig() (powermonitor.DeviceConfig, error) {
	family, err := powermonitor.ParseFamily(c.Family)
	if err != nil {
		return powermonitor.DeviceConfig{}, err
	}
	register := powermonitor.DefaultConfigRegister(family)
	if c.ConfigRegister != 0 {
		register = powermonitor.DecodeConfigRegister(family, c.ConfigRegister)
	}
	dev := powermonitor.DeviceConfig{
		Family:      family,
		Address:     c.Address,
		ShuntOhms:   c.ShuntOhms,
		MaxCurrentA: c.MaxCurrentA,
		Register:    register,
	}
	return dev, dev.Validate()
}

func (c *TelemetryConfig) Location() (*time.Location, error) {
	return timesource.LoadLocation(c.Sampling.Timezone)
}

// Validate rejects configuration the daemon must not start with.
func (c *TelemetryConfig) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	switch c.Sensor.Transport {
	case "i2c":
	case "serial":
		if c.Sensor.SerialDevice == "" || c.Sensor.Baudrate == 0 {
			invalid("serial transport needs serial_device and baudrate")
		}
	default:
		invalid("unknown sensor transport %q", c.Sensor.Transport)
	}
	if _, err := c.Sensor.DeviceConfig(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}

	if c.Sampling.Interval.Duration <= 0 {
		invalid("sampling interval must be positive")
	}
	if c.Sampling.CheckpointEvery.Duration < 0 || c.Sampling.MaxGap.Duration < 0 {
		invalid("durations must not be negative")
	}
	if _, err := energy.ParsePolicy(c.Sampling.ReverseFlow); err != nil {
		invalid("%v", err)
	}
	if _, err := c.Location(); err != nil {
		invalid("timezone: %v", err)
	}
	if _, err := tslog.ParseUnits(c.Storage.LogUnits); err != nil {
		invalid("%v", err)
	}
	if c.HTTP.ListenPort <= 0 || c.HTTP.ListenPort > 65535 {
		invalid("listen port %d out of range", c.HTTP.ListenPort)
	}
	if c.Inverter.Enabled && c.Inverter.Host == "" {
		invalid("inverter enabled without host")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		invalid("%v", err)
	}
	return errors.Join(errs...)
}

func (c *CollectorConfig) Validate() error {
	var errs []error
	if c.TelemetryAPIHost == "" {
		errs = append(errs, fmt.Errorf("%w: telemetry_api_host is required", ErrInvalidConfig))
	}
	if _, err := tslog.ParseUnits(c.LogUnits); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	return errors.Join(errs...)
}

// ApplyLogLevel sets the global logrus level.
func (c LogConfig) ApplyLogLevel() {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
