package storage

// sqlite.go: durable saga state.
//
// Tables:
//   graduation_tasks   one row per curve, full record replaced on every Save
//   processed_events   graduation tx digests already turned into tasks
//   poller_cursors     last event cursor per curve package
//   orchestrator_meta  key/value (last_processed_time)
//
// The default driver is SQLite (pure Go, no CGo). Postgres is accepted for
// deployments that already run one; queries are written with `?` and rebound.

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS graduation_tasks (
    task_id          TEXT PRIMARY KEY,   -- curve object id
    asset_id         TEXT NOT NULL,
    status           TEXT NOT NULL,
    step_payouts     INTEGER NOT NULL DEFAULT 0,
    step_liquidity   INTEGER NOT NULL DEFAULT 0,
    step_pool        INTEGER NOT NULL DEFAULT 0,
    step_locked      INTEGER NOT NULL DEFAULT 0,
    extracted_funds  TEXT NOT NULL DEFAULT '',  -- JSON, empty until extraction
    pool_address     TEXT NOT NULL DEFAULT '',
    position_id      TEXT NOT NULL DEFAULT '',
    error            TEXT NOT NULL DEFAULT '',
    event_tx_digest  TEXT NOT NULL DEFAULT '',
    contract_version TEXT NOT NULL DEFAULT '',
    attempts         INTEGER NOT NULL DEFAULT 0,
    started_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL,
    completed_at     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tasks_status  ON graduation_tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_started ON graduation_tasks(started_at);

CREATE TABLE IF NOT EXISTS processed_events (
    tx_digest    TEXT PRIMARY KEY,
    task_id      TEXT NOT NULL DEFAULT '',
    processed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS poller_cursors (
    package    TEXT PRIMARY KEY,
    tx_digest  TEXT NOT NULL,
    event_seq  TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS orchestrator_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store implements ports.SagaStore and ports.PollerState on database/sql.
type Store struct {
	db       *sql.DB
	postgres bool
}

// NewSQLiteStore opens (or creates) the SQLite database at path.
// ":memory:" is accepted for tests.
func NewSQLiteStore(path string) (*Store, error) {
	return Open(DriverSQLite, path)
}

// Open connects with the given driver and applies the schema.
func Open(driver, dsn string) (*Store, error) {
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("storage.Open: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.Open: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1) // SQLite es single-writer
		db.SetMaxIdleConns(1)
	}

	s := &Store{db: db, postgres: driver == DriverPostgres}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stripComments(stmt)) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage.Open: apply schema: %w", err)
		}
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity (used by /healthz).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// q rebinds `?` placeholders to `$n` for postgres.
func (s *Store) q(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func stripComments(stmt string) string {
	var out []string
	for _, line := range strings.Split(stmt, "\n") {
		if i := strings.Index(line, "--"); i >= 0 {
			line = line[:i]
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// timeLayout is fixed width, so text order in ORDER BY and < matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02 15:04:05", s)
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
