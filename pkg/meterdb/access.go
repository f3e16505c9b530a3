package meterdb

import (
	"database/sql"
	"errors"
	"time"

	"github.com/NotCoffee418/solar_telemetry/pkg/energy"
)

// SaveCheckpoint stores the running total and its period anchor.
func (s *Store) SaveCheckpoint(acc energy.Accumulator, savedAt time.Time) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO energy_checkpoint (id, total_wh, period_anchor, saved_at) "+
			"VALUES (1, ?, ?, ?)",
		acc.TotalWh,
		int64(acc.Anchor),
		savedAt.Unix(),
	)
	return err
}

// LoadCheckpoint returns the stored accumulator, ready to be restored.
// The bool is false when nothing was saved yet.
func (s *Store) LoadCheckpoint() (energy.Accumulator, bool, error) {
	var (
		totalWh float64
		anchor  int64
		savedAt int64
	)
	err := s.db.QueryRow(
		"SELECT total_wh, period_anchor, saved_at FROM energy_checkpoint WHERE id = 1",
	).Scan(&totalWh, &anchor, &savedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return energy.Accumulator{}, false, nil
		}
		return energy.Accumulator{}, false, err
	}

	acc := energy.Accumulator{TotalWh: totalWh, Anchor: energy.PeriodKey(anchor)}
	return energy.Restore(acc), true, nil
}

// InsertPeriodTotal records a closed period. Replaying the same rollover
// overwrites the earlier row.
func (s *Store) InsertPeriodTotal(r energy.Rollover, closedAt time.Time) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO period_totals (period_anchor, total_wh, closed_at) "+
			"VALUES (?, ?, ?)",
		int64(r.Anchor),
		r.TotalWh,
		closedAt.Unix(),
	)
	return err
}

// RecentPeriodTotals returns up to limit closed periods, newest first.
func (s *Store) RecentPeriodTotals(limit int) ([]PeriodTotal, error) {
	rows, err := s.db.Query(
		"SELECT period_anchor, total_wh, closed_at FROM period_totals "+
			"ORDER BY period_anchor DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := []PeriodTotal{}
	for rows.Next() {
		var t PeriodTotal
		if err := rows.Scan(&t.PeriodAnchor, &t.TotalWh, &t.ClosedAt); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}
