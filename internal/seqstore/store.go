// Package seqstore persists the abort sequence and the trigger set in an
// embedded sqlite database, so both survive a machine power-down.
package seqstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vehicle-control/vcc/internal/sequence"
)

const schema = `
CREATE TABLE IF NOT EXISTS abort_sequence (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	name       TEXT NOT NULL,
	script     TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS triggers (
	name       TEXT PRIMARY KEY,
	condition  TEXT NOT NULL,
	script     TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Store is the durable sequence/trigger storage.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sequence store: %w", err)
	}
	// sqlite: a single writer connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sequence store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveAbort durably stores the abort sequence, replacing any previous one.
func (s *Store) SaveAbort(ctx context.Context, seq sequence.Sequence) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO abort_sequence(id, name, script, updated_at)
	VALUES (1, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(id) DO UPDATE SET
	 name=excluded.name,
	 script=excluded.script,
	 updated_at=CURRENT_TIMESTAMP;
	`, seq.Name, seq.Script)
	if err != nil {
		return fmt.Errorf("failed to persist abort sequence: %w", err)
	}
	return nil
}

// LoadAbort returns the stored abort sequence, if one exists.
func (s *Store) LoadAbort(ctx context.Context) (sequence.Sequence, bool, error) {
	var seq sequence.Sequence
	row := s.db.QueryRowContext(ctx, `SELECT name, script FROM abort_sequence WHERE id = 1`)
	if err := row.Scan(&seq.Name, &seq.Script); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sequence.Sequence{}, false, nil
		}
		return sequence.Sequence{}, false, fmt.Errorf("failed to load abort sequence: %w", err)
	}
	return seq, true, nil
}

// SaveTrigger stores or replaces a trigger by name.
func (s *Store) SaveTrigger(ctx context.Context, trig sequence.Trigger) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO triggers(name, condition, script, updated_at)
	VALUES (?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(name) DO UPDATE SET
	 condition=excluded.condition,
	 script=excluded.script,
	 updated_at=CURRENT_TIMESTAMP;
	`, trig.Name, trig.Condition, trig.Script)
	if err != nil {
		return fmt.Errorf("failed to persist trigger %s: %w", trig.Name, err)
	}
	return nil
}

// ListTriggers returns all stored triggers ordered by name.
func (s *Store) ListTriggers(ctx context.Context) ([]sequence.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, condition, script FROM triggers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	var out []sequence.Trigger
	for rows.Next() {
		var trig sequence.Trigger
		if err := rows.Scan(&trig.Name, &trig.Condition, &trig.Script); err != nil {
			return nil, err
		}
		out = append(out, trig)
	}
	return out, rows.Err()
}

// DeleteTrigger removes a trigger by name. Removing an absent trigger is
// not an error.
func (s *Store) DeleteTrigger(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete trigger %s: %w", name, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
