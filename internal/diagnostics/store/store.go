// Package store is the on-device audit log supplementing spec.md's in-memory
// command/state model with a queryable history of what happened, grounded
// on the teacher's SQLite state-history repository. It is purely
// diagnostic: it is never consulted to answer a command/state query, only
// to explain one after the fact.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gcdcore/agent/internal/infrastructure/database"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS command_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	command_id TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	detail TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_command_events_command_id ON command_events(command_id);

CREATE TABLE IF NOT EXISTS sync_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	outcome TEXT NOT NULL,
	detail TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// CommandEvent is one row of the command_events table.
type CommandEvent struct {
	ID        int64
	CommandID string
	Name      string
	Status    string
	Detail    string
	CreatedAt time.Time
}

// SyncEvent is one row of the sync_events table (registration milestones
// and poll/push outcomes).
type SyncEvent struct {
	ID        int64
	Kind      string
	Outcome   string
	Detail    string
	CreatedAt time.Time
}

// Store is the audit log.
type Store struct {
	db *database.DB
}

// Open opens (creating if needed) the SQLite file at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying diagnostics schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordCommandEvent appends a command lifecycle transition.
func (s *Store) RecordCommandEvent(ctx context.Context, commandID, name, status, detail string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO command_events (command_id, name, status, detail) VALUES (?, ?, ?, ?)",
		commandID, name, status, detail,
	)
	if err != nil {
		return fmt.Errorf("recording command event: %w", err)
	}
	return nil
}

// RecordSyncEvent appends a registration/poll/push milestone.
func (s *Store) RecordSyncEvent(ctx context.Context, kind, outcome, detail string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sync_events (kind, outcome, detail) VALUES (?, ?, ?)",
		kind, outcome, detail,
	)
	if err != nil {
		return fmt.Errorf("recording sync event: %w", err)
	}
	return nil
}

// CommandHistory returns the most recent events for commandID, newest first.
func (s *Store) CommandHistory(ctx context.Context, commandID string, limit int) ([]CommandEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command_id, name, status, detail, created_at FROM command_events
		 WHERE command_id = ? ORDER BY created_at DESC LIMIT ?`,
		commandID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying command history: %w", err)
	}
	defer rows.Close()

	var events []CommandEvent
	for rows.Next() {
		var e CommandEvent
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.CommandID, &e.Name, &e.Status, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning command event: %w", err)
		}
		e.Detail = detail.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command history: %w", err)
	}
	return events, nil
}

// PruneOlderThan deletes audit rows older than olderThan from both tables,
// the way the teacher prunes state_history, keeping this purely-diagnostic
// log bounded on a long-running device.
func (s *Store) PruneOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var total int64
	for _, table := range []string{"command_events", "sync_events"} {
		result, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE created_at < ?", table), cutoff)
		if err != nil {
			return total, fmt.Errorf("pruning %s: %w", table, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("checking rows affected for %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}
