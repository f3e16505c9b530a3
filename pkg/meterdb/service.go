// MeterDB keeps the energy accumulator across restarts and the totals of
// closed periods. It is only written to by the sampling loop of telemetry_api.
package meterdb

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/NotCoffee418/dbmigrator"
	log "github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open creates the database if needed and applies migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// Create DB before migrations
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	// One writer; sqlite serialises anyway.
	db.SetMaxOpenConns(1)

	dbmigrator.SetDatabaseType(dbmigrator.SQLite)
	<-dbmigrator.MigrateUpCh(
		db,
		migrationFS,
		"migrations",
	)

	log.Printf("Opened energy database %s", path)
	return newStore(db), nil
}

func newStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}
