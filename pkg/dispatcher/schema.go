package dispatcher

// SchemaDDL defines the SQLite schema for the foreman event log.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Dispatch cycle event log: admissions, terminal outcomes, errors
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    cycle_id TEXT NOT NULL,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    issue_number INTEGER,
    repo TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_cycle ON events(cycle_id);
CREATE INDEX IF NOT EXISTS idx_events_issue ON events(issue_number);
`
