package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLStore is the embedded-SQL backend. Each collection is one table named
// c_<collection> with a JSON value column; hot collections get expression
// indices over project_id, status, and updated_at.
type SQLStore struct {
	db   *sql.DB
	path string

	mu     sync.Mutex
	tables map[string]bool
}

var collectionName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// OpenSQL opens or creates a SQLite-backed store at the given path.
func OpenSQL(dbPath string) (*SQLStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrency, FULL sync so every store is durable on return.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLStore{db: db, path: dbPath, tables: make(map[string]bool)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

// migrate runs database migrations.
func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var version int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("get migration version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migration1},
		{2, migration2},
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}

	rows, err := s.db.Query("SELECT name FROM sqlite_master WHERE type='table' AND name LIKE 'c_%'")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if rows.Scan(&name) == nil {
			s.tables[strings.TrimPrefix(name, "c_")] = true
		}
	}
	return rows.Err()
}

// Migration 1: core collection tables.
const migration1 = `
CREATE TABLE IF NOT EXISTS c_projects (
    key TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    stored_at DATETIME NOT NULL,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS c_tasks (
    key TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    stored_at DATETIME NOT NULL,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_project ON c_tasks(json_extract(value, '$.project_id'));
CREATE INDEX IF NOT EXISTS idx_tasks_status ON c_tasks(json_extract(value, '$.status'));
CREATE INDEX IF NOT EXISTS idx_tasks_updated ON c_tasks(json_extract(value, '$.updated_at'));

CREATE TABLE IF NOT EXISTS c_subtasks (
    key TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    stored_at DATETIME NOT NULL,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_subtasks_parent ON c_subtasks(json_extract(value, '$.parent_task_id'));

CREATE TABLE IF NOT EXISTS c_leases (
    key TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    stored_at DATETIME NOT NULL,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leases_status ON c_leases(json_extract(value, '$.status'));
CREATE INDEX IF NOT EXISTS idx_leases_agent ON c_leases(json_extract(value, '$.agent_id'));
`

// Migration 2: context, learning, and audit collections.
const migration2 = `
CREATE TABLE IF NOT EXISTS c_decisions (
    key TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    stored_at DATETIME NOT NULL,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_task ON c_decisions(json_extract(value, '$.task_id'));

CREATE TABLE IF NOT EXISTS c_artifacts (
    key TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    stored_at DATETIME NOT NULL,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_task ON c_artifacts(json_extract(value, '$.task_id'));

CREATE TABLE IF NOT EXISTS c_outcomes (
    key TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    stored_at DATETIME NOT NULL,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_agent ON c_outcomes(json_extract(value, '$.agent_id'));

CREATE TABLE IF NOT EXISTS c_events (
    key TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    stored_at DATETIME NOT NULL,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS c_assignments (
    key TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    stored_at DATETIME NOT NULL,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS c_agents (
    key TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    stored_at DATETIME NOT NULL,
    value TEXT NOT NULL
);
`

// table returns the SQL table name for a collection, creating the table on
// first use for collections outside the core set.
func (s *SQLStore) table(collection string) (string, error) {
	if !collectionName.MatchString(collection) {
		return "", fmt.Errorf("invalid collection name %q", collection)
	}
	name := "c_" + collection

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[collection] {
		return name, nil
	}
	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			stored_at DATETIME NOT NULL,
			value TEXT NOT NULL
		)
	`, name))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.tables[collection] = true
	return name, nil
}

// Store upserts the value. New keys get the next per-collection sequence;
// updated keys keep their insertion order.
func (s *SQLStore) Store(ctx context.Context, collection, key string, value any) error {
	table, err := s.table(collection)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	var seq int64
	row := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT seq FROM %s WHERE key = ?", table), key)
	switch err := row.Scan(&seq); err {
	case nil:
	case sql.ErrNoRows:
		next := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) + 1 FROM %s", table))
		if err := next.Scan(&seq); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, seq, stored_at, value) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET stored_at = excluded.stored_at, value = excluded.value
	`, table), key, seq, time.Now().UTC(), string(raw))
	if err != nil {
		if isBusy(err) {
			return fmt.Errorf("%s/%s: %w", collection, key, ErrConflict)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return tx.Commit()
}

// Retrieve reads a single value.
func (s *SQLStore) Retrieve(ctx context.Context, collection, key string, out any) error {
	table, err := s.table(collection)
	if err != nil {
		return err
	}
	var raw string
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT value FROM %s WHERE key = ?", table), key)
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return json.Unmarshal([]byte(raw), out)
}

// Query returns records in insertion order.
func (s *SQLStore) Query(ctx context.Context, collection string, pred Predicate, offset, limit int) ([]Record, error) {
	table, err := s.table(collection)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT key, seq, stored_at, value FROM %s ORDER BY seq", table))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var raw string
		if err := rows.Scan(&rec.Key, &rec.Seq, &rec.StoredAt, &raw); err != nil {
			continue
		}
		rec.Value = json.RawMessage(raw)
		if pred == nil || pred(rec) {
			recs = append(recs, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return window(recs, offset, limit), nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *SQLStore) Delete(ctx context.Context, collection, key string) error {
	table, err := s.table(collection)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", table), key); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Cleanup removes records stored before the cutoff.
func (s *SQLStore) Cleanup(ctx context.Context, collection string, before time.Time) (int, error) {
	table, err := s.table(collection)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE stored_at < ?", table), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func isBusy(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}
