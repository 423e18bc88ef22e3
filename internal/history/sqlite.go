// Package history implements the HistorySink collaborator of §6.3: two
// adapters (sqlite, postgres) against dispatch.HistorySink, both doing a
// bulk/unordered insert that tolerates per-row failures.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"modbus-gateway/internal/dispatch"
)

// SQLite is a HistorySink backed by modernc.org/sqlite, grounded on the
// raw database/sql + hand-migrated schema idiom.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if absent) the history database at path and
// runs its migration.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping sqlite %s: %w", path, err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS history_rows (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id TEXT NOT NULL,
    parameter_name TEXT NOT NULL,
    value TEXT,
    old_value TEXT,
    unit TEXT,
    quality TEXT NOT NULL,
    source TEXT NOT NULL,
    correlation_id TEXT,
    timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_rows_device_id ON history_rows(device_id);
CREATE INDEX IF NOT EXISTS idx_history_rows_timestamp ON history_rows(timestamp);
`
	_, err := s.db.Exec(schema)
	return err
}

// AppendMany inserts every row, continuing past individual failures and
// returning a combined error only if every row failed (§6.3).
func (s *SQLite) AppendMany(ctx context.Context, rows []dispatch.HistoryRow) error {
	if len(rows) == 0 {
		return nil
	}
	const q = `INSERT INTO history_rows
		(device_id, parameter_name, value, old_value, unit, quality, source, correlation_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var failures int
	var lastErr error
	for _, r := range rows {
		ts := r.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		_, err := s.db.ExecContext(ctx, q,
			r.DeviceID, r.ParameterName, fmt.Sprint(r.Value), fmt.Sprint(r.OldValue),
			r.Unit, r.Quality, r.Source, r.CorrelationID, ts)
		if err != nil {
			failures++
			lastErr = err
		}
	}
	if failures == len(rows) {
		return fmt.Errorf("history: all %d rows failed, last error: %w", failures, lastErr)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }
