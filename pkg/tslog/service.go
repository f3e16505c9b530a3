// Package tslog is the append-only CSV time-series log of samples.
package tslog

import (
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/NotCoffee418/solar_telemetry/pkg/storage"
	"github.com/NotCoffee418/solar_telemetry/pkg/types"
	"github.com/NotCoffee418/solar_telemetry/pkg/unitconv"
	log "github.com/sirupsen/logrus"
)

const fieldCount = 5

func ParseUnits(s string) (Units, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "base", "si":
		return Base, nil
	case "milli":
		return Milli, nil
	}
	return 0, fmt.Errorf("unknown log units %q", s)
}

func (u Units) String() string {
	if u == Milli {
		return "milli"
	}
	return "base"
}

func (u Units) Header() string {
	if u == Milli {
		return HeaderMilli
	}
	return HeaderBase
}

// unitsFromHeader reports the units a header line declares.
func unitsFromHeader(line string) (Units, bool) {
	switch strings.TrimSpace(line) {
	case HeaderBase:
		return Base, true
	case HeaderMilli:
		return Milli, true
	}
	return 0, false
}

func New(s storage.Storage, name string, units Units) *Log {
	return &Log{storage: s, name: name, units: units}
}

func (l *Log) Name() string {
	return l.name
}

func (l *Log) Units() Units {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.units
}

func (l *Log) setUnits(u Units) {
	l.mu.Lock()
	l.units = u
	l.mu.Unlock()
}

// EnsureHeader creates the file with its header line if it does not exist
// yet. An existing file keeps the units its header declares, whatever the
// log was constructed with.
func (l *Log) EnsureHeader() error {
	if !l.storage.Exists(l.name) {
		return l.writeHeader()
	}

	for line, err := range l.storage.ReadLines(l.name) {
		if err != nil && !errors.Is(err, storage.ErrLineTooLong) {
			return fmt.Errorf("failed to read log %s: %w", l.name, err)
		}
		u, ok := unitsFromHeader(line)
		switch {
		case !ok:
			log.Warnf("Log %s has no header, appending in %s units", l.name, l.Units())
		case u != l.Units():
			log.Warnf("Log %s was started in %s units, keeping them instead of the configured %s units", l.name, u, l.Units())
			l.setUnits(u)
		}
		return nil
	}
	// Empty file, the header write was cut short.
	return l.writeHeader()
}

func (l *Log) writeHeader() error {
	units := l.Units()
	if err := l.storage.Append(l.name, units.Header()); err != nil {
		return fmt.Errorf("failed to create log %s: %w", l.name, err)
	}
	log.Printf("Created time-series log %s (%s units)", l.name, units)
	return nil
}

func (l *Log) Append(r Record) error {
	return l.storage.Append(l.name, FormatLine(l.Units(), r))
}

// ReadAll replays the log from the start on every iteration. Malformed and
// overlong lines are skipped and counted, see Skipped.
func (l *Log) ReadAll() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		units := l.Units()
		var skipped int64
		first := true

		for line, err := range l.storage.ReadLines(l.name) {
			if errors.Is(err, storage.ErrLineTooLong) {
				skipped++
				first = false
				log.WithField("file", l.name).Debugf("Skipping log line: %v", err)
				continue
			}
			if err != nil {
				log.Warnf("Failed to read log %s: %v", l.name, err)
				return
			}
			if first {
				first = false
				if u, ok := unitsFromHeader(line); ok {
					units = u
					continue
				}
			}
			if strings.TrimSpace(line) == "" {
				continue
			}

			r, err := ParseLine(units, line)
			if err != nil {
				skipped++
				log.WithField("file", l.name).Debugf("Skipping log line: %v", err)
				continue
			}
			if !yield(r) {
				return
			}
		}
		l.recordSkipped(skipped)
	}
}

// recordSkipped keeps the largest count seen by a complete replay. The file
// only grows, so a smaller count comes from a replay that started earlier.
func (l *Log) recordSkipped(n int64) {
	for {
		cur := l.skipped.Load()
		if n <= cur || l.skipped.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Skipped is the number of unusable lines in the file as of the latest
// complete replay. Replays that stop early or fail do not update it.
func (l *Log) Skipped() int64 {
	return l.skipped.Load()
}

func formatValue(m types.Measurement, u Units, decimals int) string {
	if !m.Valid {
		return ""
	}
	v := m.Value
	if u == Milli {
		v = unitconv.ToMilli(v)
		decimals = max(decimals-3, 0)
	}
	return strconv.FormatFloat(v, 'f', decimals, 64)
}

// FormatLine renders r in the given units without a trailing newline.
// Unavailable readings are written as empty fields.
func FormatLine(u Units, r Record) string {
	return strings.Join([]string{
		strconv.FormatInt(r.Epoch, 10),
		r.ISO,
		formatValue(r.Voltage, u, 3),
		formatValue(r.Current, u, 4),
		formatValue(r.Power, u, 3),
	}, ",")
}

func parseValue(field string, u Units) (types.Measurement, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return types.Unavailable(), nil
	}
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return types.Measurement{}, err
	}
	if u == Milli {
		v = unitconv.FromMilli(v)
	}
	return types.Available(v), nil
}

// ParseLine decodes one data line written in units u.
func ParseLine(u Units, line string) (Record, error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), ",")
	if len(fields) != fieldCount {
		return Record{}, fmt.Errorf("%w: %d fields in %q", ErrMalformedLine, len(fields), line)
	}

	epoch, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil || epoch < 0 {
		return Record{}, fmt.Errorf("%w: epoch %q", ErrMalformedLine, fields[0])
	}
	r := Record{Epoch: epoch, ISO: strings.TrimSpace(fields[1])}

	for i, dst := range []*types.Measurement{&r.Voltage, &r.Current, &r.Power} {
		m, err := parseValue(fields[2+i], u)
		if err != nil {
			return Record{}, fmt.Errorf("%w: column %d %q", ErrMalformedLine, 3+i, fields[2+i])
		}
		*dst = m
	}
	return r, nil
}

// FromSample converts a sample into its log record.
func FromSample(s types.Sample, iso string) Record {
	return Record{
		Epoch:   s.Time.Unix(),
		ISO:     iso,
		Voltage: s.BusVoltageV,
		Current: s.CurrentA,
		Power:   s.PowerW,
	}
}

// FromLiveData converts a reading received from the live feed.
func FromLiveData(d types.LiveData) Record {
	return Record{
		Epoch:   d.Epoch,
		ISO:     d.ISO,
		Voltage: d.Voltage,
		Current: d.Current,
		Power:   d.Power,
	}
}
