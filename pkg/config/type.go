package config

import (
	"errors"
	"time"
)

var ErrInvalidConfig = errors.New("invalid config")

// Duration reads TOML strings such as "1s" or "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type TelemetryConfig struct {
	Sensor   SensorConfig   `toml:"sensor"`
	Sampling SamplingConfig `toml:"sampling"`
	Storage  StorageConfig  `toml:"storage"`
	HTTP     HTTPConfig     `toml:"http"`
	Inverter InverterConfig `toml:"inverter"`
	Log      LogConfig      `toml:"log"`
}

type SensorConfig struct {
	// "i2c" or "serial"
	Transport    string `toml:"transport"`
	I2CBus       string `toml:"i2c_bus"`
	SerialDevice string `toml:"serial_device"`
	Baudrate     uint   `toml:"baudrate"`

	Family      string  `toml:"family"`
	Address     uint16  `toml:"address"`
	ShuntOhms   float64 `toml:"shunt_ohms"`
	MaxCurrentA float64 `toml:"max_current_a"`
	// Raw config register value, 0 keeps the family power-on default.
	ConfigRegister uint16 `toml:"config_register"`
}

type SamplingConfig struct {
	Interval        Duration `toml:"interval"`
	CheckpointEvery Duration `toml:"checkpoint_every"`
	// Longer gaps between samples are not integrated.
	MaxGap      Duration `toml:"max_gap"`
	ReverseFlow string   `toml:"reverse_flow"`
	Timezone    string   `toml:"timezone"`
}

type StorageConfig struct {
	// Empty uses the default data directory.
	DataDir  string `toml:"data_dir"`
	LogUnits string `toml:"log_units"`
}

type HTTPConfig struct {
	ListenAddress string `toml:"listen_address"`
	ListenPort    int    `toml:"listen_port"`
}

type InverterConfig struct {
	Enabled    bool   `toml:"enabled"`
	Host       string `toml:"host"`
	ModbusPort int    `toml:"modbus_port"`
	SlaveID    byte   `toml:"slave_id"`
	// Should be named `preconfigured`
	// Check with `nmcli device status`
	WlanConnectionId string `toml:"wlan_connection_id"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type CollectorConfig struct {
	TelemetryAPIHost string    `toml:"telemetry_api_host"`
	TLSEnabled       bool      `toml:"tls_enabled"`
	OutputDir        string    `toml:"output_dir"`
	LogUnits         string    `toml:"log_units"`
	Log              LogConfig `toml:"log"`
}
