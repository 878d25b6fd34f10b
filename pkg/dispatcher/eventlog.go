package dispatcher

import (
	"context"
	"database/sql"
	"fmt"
)

// EventLog appends dispatch lifecycle events to the SQLite event log. A nil
// receiver or nil db is a no-op so tests and minimal deployments can run
// without a database.
type EventLog struct {
	db *sql.DB
}

// NewEventLog wraps db, ensuring the events table exists.
func NewEventLog(db *sql.DB) (*EventLog, error) {
	if _, err := db.Exec(SchemaDDL); err != nil {
		return nil, fmt.Errorf("apply event log schema: %w", err)
	}
	return &EventLog{db: db}, nil
}

// Log inserts one event row. Errors are returned for the caller to log;
// event logging never blocks dispatching.
func (l *EventLog) Log(ctx context.Context, cycleID, evType, source string, issueNumber int, repo, payload string) error {
	if l == nil || l.db == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (cycle_id, type, source, issue_number, repo, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		cycleID, evType, source, issueNumber, repo, payload)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}
