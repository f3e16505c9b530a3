package meterdb

import "database/sql"

type Store struct {
	db *sql.DB
}

// PeriodTotal is the final energy of one closed period.
type PeriodTotal struct {
	PeriodAnchor int64   `db:"period_anchor" json:"period"`
	TotalWh      float64 `db:"total_wh" json:"total_Wh"`
	ClosedAt     int64   `db:"closed_at" json:"closed_at"`
}
