package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NotCoffee418/solar_telemetry/pkg/powermonitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTelemetryConfig_CreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "telemetry.toml")

	cfg, err := LoadTelemetryConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTelemetryConfig(), cfg)
	require.NoError(t, cfg.Validate())

	_, err = os.Stat(path)
	require.NoError(t, err)

	// The written file decodes back to the same values.
	again, err := LoadTelemetryConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadTelemetryConfig_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[sensor]
family = "INA226"
shunt_ohms = 0.002
max_current_a = 10.0

[sampling]
interval = "5s"
reverse_flow = "accumulate_reverse"
`), 0644))

	cfg, err := LoadTelemetryConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.Sampling.Interval.Duration)
	assert.Equal(t, 10*time.Minute, cfg.Sampling.MaxGap.Duration)
	assert.Equal(t, 9040, cfg.HTTP.ListenPort)

	dev, err := cfg.Sensor.DeviceConfig()
	require.NoError(t, err)
	assert.Equal(t, powermonitor.INA226, dev.Family)
	assert.Equal(t, powermonitor.DefaultConfigRegister(powermonitor.INA226), dev.Register)
}

func TestLoadTelemetryConfig_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sampling]\ninterval = \"soon\"\n"), 0644))
	_, err := LoadTelemetryConfig(path)
	assert.Error(t, err)
}

func TestValidate_RejectsStructurallyInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TelemetryConfig)
	}{
		{"zero shunt", func(c *TelemetryConfig) { c.Sensor.ShuntOhms = 0 }},
		{"negative current", func(c *TelemetryConfig) { c.Sensor.MaxCurrentA = -1 }},
		{"calibration overflow", func(c *TelemetryConfig) { c.Sensor.ShuntOhms = 0.0001; c.Sensor.MaxCurrentA = 0.01 }},
		{"unknown family", func(c *TelemetryConfig) { c.Sensor.Family = "INA999" }},
		{"unknown transport", func(c *TelemetryConfig) { c.Sensor.Transport = "spi" }},
		{"serial without device", func(c *TelemetryConfig) { c.Sensor.Transport = "serial"; c.Sensor.SerialDevice = "" }},
		{"zero interval", func(c *TelemetryConfig) { c.Sampling.Interval = Duration{} }},
		{"bad policy", func(c *TelemetryConfig) { c.Sampling.ReverseFlow = "sometimes" }},
		{"bad timezone", func(c *TelemetryConfig) { c.Sampling.Timezone = "Mars/Olympus" }},
		{"bad units", func(c *TelemetryConfig) { c.Storage.LogUnits = "kilo" }},
		{"bad port", func(c *TelemetryConfig) { c.HTTP.ListenPort = 70000 }},
		{"inverter without host", func(c *TelemetryConfig) { c.Inverter.Enabled = true; c.Inverter.Host = "" }},
		{"bad log level", func(c *TelemetryConfig) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTelemetryConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestSensorConfig_RawRegisterOverride(t *testing.T) {
	sc := DefaultTelemetryConfig().Sensor
	sc.ConfigRegister = 0x019F
	dev, err := sc.DeviceConfig()
	require.NoError(t, err)
	assert.Equal(t, powermonitor.Range16V, dev.Register.BusRange)
	assert.Equal(t, uint16(0x019F), dev.Register.Encode(dev.Family))
}

func TestCollectorConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.toml")
	cfg, err := LoadCollectorConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	cfg.TelemetryAPIHost = ""
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
