package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"modbus-gateway/internal/dispatch"
)

// Postgres is a second HistorySink implementation against a server-based
// time-series backend, demonstrating the same interface works against a
// shared database rather than an embedded one.
type Postgres struct {
	db *sqlx.DB
}

// OpenPostgres connects to dsn and runs its migration.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: connect postgres: %w", err)
	}
	p := &Postgres{db: db}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS history_rows (
    id BIGSERIAL PRIMARY KEY,
    device_id TEXT NOT NULL,
    parameter_name TEXT NOT NULL,
    value TEXT,
    old_value TEXT,
    unit TEXT,
    quality TEXT NOT NULL,
    source TEXT NOT NULL,
    correlation_id TEXT,
    timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_rows_device_id ON history_rows(device_id);
CREATE INDEX IF NOT EXISTS idx_history_rows_timestamp ON history_rows(timestamp);
`
	_, err := p.db.Exec(schema)
	return err
}

// AppendMany does one bulk multi-row insert; a single malformed row
// degrades to per-row inserts so the whole batch is never lost together
// (§6.3's "tolerate per-row failures").
func (p *Postgres) AppendMany(ctx context.Context, rows []dispatch.HistoryRow) error {
	if len(rows) == 0 {
		return nil
	}
	const bulk = `INSERT INTO history_rows
		(device_id, parameter_name, value, old_value, unit, quality, source, correlation_id, timestamp)
		VALUES (:device_id, :parameter_name, :value, :old_value, :unit, :quality, :source, :correlation_id, :timestamp)`

	type row struct {
		DeviceID      string    `db:"device_id"`
		ParameterName string    `db:"parameter_name"`
		Value         string    `db:"value"`
		OldValue      string    `db:"old_value"`
		Unit          string    `db:"unit"`
		Quality       string    `db:"quality"`
		Source        string    `db:"source"`
		CorrelationID string    `db:"correlation_id"`
		Timestamp     time.Time `db:"timestamp"`
	}
	rs := make([]row, 0, len(rows))
	for _, r := range rows {
		ts := r.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		rs = append(rs, row{
			DeviceID: r.DeviceID, ParameterName: r.ParameterName,
			Value: fmt.Sprint(r.Value), OldValue: fmt.Sprint(r.OldValue),
			Unit: r.Unit, Quality: r.Quality, Source: r.Source,
			CorrelationID: r.CorrelationID, Timestamp: ts,
		})
	}

	if _, err := p.db.NamedExecContext(ctx, bulk, rs); err == nil {
		return nil
	}

	var failures int
	var lastErr error
	for _, r := range rs {
		if _, err := p.db.NamedExecContext(ctx, bulk, r); err != nil {
			failures++
			lastErr = err
		}
	}
	if failures == len(rs) {
		return fmt.Errorf("history: postgres batch of %d rows entirely failed, last error: %w", failures, lastErr)
	}
	return nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error { return p.db.Close() }
