package history

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spaolacci/murmur3"

	"github.com/arkilian/partadvisor/pkg/types"
)

// ErrNotFound is returned when no run matches a lookup.
var ErrNotFound = errors.New("history: run not found")

// Outcome is the final state of an advisor run.
type Outcome string

const (
	// OutcomeNoRecommendation means no column qualified; nothing was applied.
	OutcomeNoRecommendation Outcome = "no_recommendation"

	// OutcomeRecommended means a spec was produced and apply is disabled.
	OutcomeRecommended Outcome = "recommended"

	// OutcomeUnchanged means the spec matches the last applied spec; no DDL ran.
	OutcomeUnchanged Outcome = "unchanged"

	// OutcomeApplied means apply and optimize both succeeded.
	OutcomeApplied Outcome = "applied"

	// OutcomeApplyFailed means the apply or optimize statement failed.
	OutcomeApplyFailed Outcome = "apply_failed"

	// OutcomeFailed means the run aborted before a spec was produced.
	OutcomeFailed Outcome = "failed"
)

// Run is one persisted advisor run.
type Run struct {
	ID             string           `json:"id"`
	Table          string           `json:"table"`
	Spec           string           `json:"spec"`
	Fingerprint    string           `json:"fingerprint"`
	Outcome        Outcome          `json:"outcome"`
	Decisions      []types.Decision `json:"decisions"`
	CandidateCount int              `json:"candidate_count"`
	RecordCount    int64            `json:"record_count"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// NewRunID returns a time-ordered run identifier (UUIDv7).
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Fingerprint returns a stable 128-bit hex digest of a spec string.
func Fingerprint(spec string) string {
	h1, h2 := murmur3.Sum128([]byte(spec))
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(h1 >> (56 - 8*i))
		buf[8+i] = byte(h2 >> (56 - 8*i))
	}
	return hex.EncodeToString(buf[:])
}

// Store records and queries runs.
type Store interface {
	// Record persists a run. ID, Fingerprint and CreatedAt are filled in when empty.
	Record(ctx context.Context, run *Run) error

	// Latest returns the newest run for table, optionally only applied runs.
	Latest(ctx context.Context, table string, onlyApplied bool) (*Run, error)

	// List returns up to limit runs for table, newest first. An empty table lists all.
	List(ctx context.Context, table string, limit int) ([]*Run, error)

	Close() error
}

// SQLiteStore implements Store on SQLite in WAL mode with a single writer.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("history: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("history: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := append([]string{CreateRunsTableSQL, CreateSchemaVersionsTableSQL}, CreateRunsIndexesSQL...)
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&current); err != nil {
		return err
	}
	if current > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, SchemaVersion)
	}
	if current < SchemaVersion {
		if _, err := s.db.Exec("INSERT INTO schema_versions (version, created_at) VALUES (?, ?)",
			SchemaVersion, time.Now().Unix()); err != nil {
			return err
		}
	}
	return nil
}

// Record implements Store.
func (s *SQLiteStore) Record(ctx context.Context, run *Run) error {
	if run.Table == "" {
		return fmt.Errorf("history: run has no table")
	}
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.Fingerprint == "" {
		run.Fingerprint = Fingerprint(run.Spec)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	decisions := run.Decisions
	if decisions == nil {
		decisions = []types.Decision{}
	}
	decisionsJSON, err := json.Marshal(decisions)
	if err != nil {
		return fmt.Errorf("history: failed to marshal decisions: %w", err)
	}

	var errText sql.NullString
	if run.Error != "" {
		errText = sql.NullString{String: run.Error, Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, table_name, spec, fingerprint, outcome, decisions_json,
			candidate_count, record_count, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Table, run.Spec, run.Fingerprint, string(run.Outcome), string(decisionsJSON),
		run.CandidateCount, run.RecordCount, errText, run.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("history: failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

const selectRunColumns = `run_id, table_name, spec, fingerprint, outcome, decisions_json,
	candidate_count, record_count, error, created_at`

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context, table string, onlyApplied bool) (*Run, error) {
	query := "SELECT " + selectRunColumns + " FROM runs WHERE table_name = ?"
	args := []any{table}
	if onlyApplied {
		query += " AND outcome = ?"
		args = append(args, string(OutcomeApplied))
	}
	// run_id is a UUIDv7, so it breaks ties between runs in the same millisecond.
	query += " ORDER BY created_at DESC, run_id DESC LIMIT 1"

	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: failed to get latest run for %s: %w", table, err)
	}
	return run, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, table string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT " + selectRunColumns + " FROM runs"
	var args []any
	if table != "" {
		query += " WHERE table_name = ?"
		args = append(args, table)
	}
	query += " ORDER BY created_at DESC, run_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("history: failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: error iterating runs: %w", err)
	}
	return runs, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run           Run
		outcome       string
		decisionsJSON string
		errText       sql.NullString
		createdAtMs   int64
	)
	if err := row.Scan(&run.ID, &run.Table, &run.Spec, &run.Fingerprint, &outcome, &decisionsJSON,
		&run.CandidateCount, &run.RecordCount, &errText, &createdAtMs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(decisionsJSON), &run.Decisions); err != nil {
		return nil, fmt.Errorf("decode decisions: %w", err)
	}
	run.Outcome = Outcome(outcome)
	run.Error = errText.String
	run.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	return &run, nil
}
