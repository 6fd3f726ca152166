package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists records in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: wal mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return s, nil
}

// migrate creates tables on first run.
func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id        TEXT NOT NULL,
			type      TEXT NOT NULL,
			agent     TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,
			data      TEXT NOT NULL,
			PRIMARY KEY (type, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_agent ON records(type, agent)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Put inserts or replaces a record.
func (s *SQLiteStore) Put(rec Record) error {
	_, err := s.db.Exec(
		`INSERT INTO records (id, type, agent, timestamp, data) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(type, id) DO UPDATE SET agent=excluded.agent, timestamp=excluded.timestamp, data=excluded.data`,
		rec.ID, rec.Type, rec.Agent, rec.Timestamp.UTC().Format(time.RFC3339Nano), string(rec.Data),
	)
	if err != nil {
		return fmt.Errorf("storage: put %s/%s: %w", rec.Type, rec.ID, err)
	}
	return nil
}

// Get returns the record for id and typ, or ErrNotFound.
func (s *SQLiteStore) Get(id, typ string) (Record, error) {
	row := s.db.QueryRow(
		`SELECT id, type, agent, timestamp, data FROM records WHERE type = ? AND id = ?`,
		typ, id,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("storage: get %s/%s: %w", typ, id, err)
	}
	return rec, nil
}

// ListIDs returns all record ids of the given type.
func (s *SQLiteStore) ListIDs(typ string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM records WHERE type = ?`, typ)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", typ, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: list %s: %w", typ, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Query returns all records matching the filter.
func (s *SQLiteStore) Query(f Filter) ([]Record, error) {
	query := `SELECT id, type, agent, timestamp, data FROM records WHERE 1=1`
	var args []any
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.Agent != "" {
		query += ` AND agent = ?`
		args = append(args, f.Agent)
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: query: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var rec Record
	var ts, data string
	if err := sc.Scan(&rec.ID, &rec.Type, &rec.Agent, &ts, &data); err != nil {
		return Record{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Record{}, fmt.Errorf("bad timestamp %q: %w", ts, err)
	}
	rec.Timestamp = t
	rec.Data = []byte(data)
	return rec, nil
}
