// Package calibration loads and saves the voltage/current correction factors.
//
// The file holds one value per line, either as key=value pairs
//
//	cal_current=0.98
//	cal_voltage=1.05
//
// or in the legacy bare form with the current factor first, voltage second.
package calibration

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/NotCoffee418/solar_telemetry/pkg/storage"
	log "github.com/sirupsen/logrus"
)

const (
	keyCurrent = "cal_current"
	keyVoltage = "cal_voltage"
)

func NewStore(s storage.Storage, name string) *Store {
	return &Store{storage: s, name: name}
}

// Sanitize replaces every factor that is not a finite positive number with 1.
func Sanitize(c Calibration) Calibration {
	return Calibration{
		Voltage: sanitizeFactor(c.Voltage),
		Current: sanitizeFactor(c.Current),
	}
}

func sanitizeFactor(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 1
	}
	return v
}

// Valid reports whether c survives Sanitize unchanged.
func Valid(c Calibration) bool {
	return Sanitize(c) == c
}

// Load never fails. A missing or unreadable file yields the defaults and
// each unusable field falls back to 1 on its own.
func (s *Store) Load() Calibration {
	if !s.storage.Exists(s.name) {
		log.Printf("No calibration file %s, using defaults", s.name)
		return Default()
	}

	cal := Calibration{Voltage: math.NaN(), Current: math.NaN()}
	var bare []float64
	for line, err := range s.storage.ReadLines(s.name) {
		if err != nil {
			log.Warnf("Failed to read calibration file %s: %v", s.name, err)
			return Default()
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, isPair := strings.Cut(line, "=")
		if !isPair {
			value = key
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			log.WithField("file", s.name).Warnf("Ignoring calibration line %q", line)
			continue
		}

		switch {
		case !isPair:
			bare = append(bare, v)
		case strings.TrimSpace(key) == keyCurrent:
			cal.Current = v
		case strings.TrimSpace(key) == keyVoltage:
			cal.Voltage = v
		}
	}

	if len(bare) > 0 && math.IsNaN(cal.Current) {
		cal.Current = bare[0]
	}
	if len(bare) > 1 && math.IsNaN(cal.Voltage) {
		cal.Voltage = bare[1]
	}

	sanitized := Sanitize(cal)
	if sanitized != cal {
		log.Warnf("Calibration file %s had unusable values, sanitized to %+v", s.name, sanitized)
	}
	return sanitized
}

// Save writes c through to storage before returning.
func (s *Store) Save(c Calibration) error {
	if !Valid(c) {
		return fmt.Errorf("invalid calibration %+v", c)
	}
	data := fmt.Sprintf("%s=%s\n%s=%s\n",
		keyCurrent, strconv.FormatFloat(c.Current, 'g', -1, 64),
		keyVoltage, strconv.FormatFloat(c.Voltage, 'g', -1, 64))
	if err := s.storage.WriteFile(s.name, []byte(data)); err != nil {
		return fmt.Errorf("failed to save calibration: %w", err)
	}
	return nil
}
