// Package history keeps a durable record of advisor runs in a local SQLite
// database (history.db).
package history

// SchemaVersion is the layout version written to the schema_versions table.
const SchemaVersion = 1

// CreateRunsTableSQL creates the runs table. Decisions are stored as JSON;
// created_at is unix milliseconds.
const CreateRunsTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    table_name TEXT NOT NULL,
    spec TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    outcome TEXT NOT NULL,
    decisions_json TEXT NOT NULL,
    candidate_count INTEGER NOT NULL,
    record_count INTEGER NOT NULL,
    error TEXT,
    created_at INTEGER NOT NULL
)`

// CreateRunsIndexesSQL creates the lookup indexes for per-table queries.
var CreateRunsIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_runs_table_created ON runs(table_name, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_table_outcome ON runs(table_name, outcome, created_at DESC)`,
}

// CreateSchemaVersionsTableSQL tracks which layout version the file was written with.
const CreateSchemaVersionsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_versions (
    version INTEGER PRIMARY KEY,
    created_at INTEGER NOT NULL
)`
