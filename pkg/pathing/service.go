package pathing

import (
	"os"
	"path/filepath"
)

const (
	defaultDataDir   = "/var/lib/solar_telemetry"
	defaultConfigDir = "/etc/solar_telemetry"
)

// File names inside the data dir.
const (
	TelemetryLogName   = "telemetry.csv"
	CalibrationName    = "calibration.txt"
	CollectorLogName   = "collected.csv"
	meterDbName        = "solar-meter.db"
	telemetryConfig    = "telemetry.toml"
	collectorConfig    = "collector.toml"
	dataDirEnvOverride = "SOLAR_TELEMETRY_DATA_DIR"
	confDirEnvOverride = "SOLAR_TELEMETRY_CONFIG_DIR"
)

// EnsureDir creates dir if it does not exist yet.
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

func GetDataDir() string {
	if dir := os.Getenv(dataDirEnvOverride); dir != "" {
		return dir
	}
	return defaultDataDir
}

func GetConfigDir() string {
	if dir := os.Getenv(confDirEnvOverride); dir != "" {
		return dir
	}
	return defaultConfigDir
}

func GetTelemetryConfigPath() string {
	return filepath.Join(GetConfigDir(), telemetryConfig)
}

func GetCollectorConfigPath() string {
	return filepath.Join(GetConfigDir(), collectorConfig)
}

// GetMeterDbPath places the checkpoint database next to the time-series log.
func GetMeterDbPath(dataDir string) string {
	return filepath.Join(dataDir, meterDbName)
}
