package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	aerrors "github.com/arkilian/partadvisor/internal/errors"
	"github.com/arkilian/partadvisor/internal/metrics"
)

// Executor applies a partition specification to a table.
// Implementations make exactly one attempt per call and never retry.
type Executor interface {
	// ApplyPartitioning sets the table's partitioning to spec.
	ApplyPartitioning(ctx context.Context, table, spec string) error

	// Optimize rewrites the table's data under its current partitioning.
	Optimize(ctx context.Context, table string) error
}

// ErrDDLUnsupported is returned for dialects without partition DDL.
var ErrDDLUnsupported = aerrors.NewDDLError(aerrors.CodeDDLUnsupported, "dialect has no partition ddl", nil)

// Statements renders the partitioning and optimize statements for table.
func Statements(d Dialect, table, spec string) (apply, optimize string, err error) {
	t, err := ParseTable(table)
	if err != nil {
		return "", "", err
	}
	apply = fmt.Sprintf("ALTER TABLE %s SET PROPERTIES partitioning = %s", t.Quoted(d), sqlString(spec))
	optimize = fmt.Sprintf("CALL system.optimize(%s)", sqlString(t.String()))
	return apply, optimize, nil
}

func sqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// SQLExecutor runs the statements against the engine.
type SQLExecutor struct {
	db     *DB
	logger *slog.Logger
}

// NewSQLExecutor creates an executor bound to db.
func NewSQLExecutor(db *DB, logger *slog.Logger) *SQLExecutor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLExecutor{db: db, logger: logger}
}

// ApplyPartitioning implements Executor.
func (e *SQLExecutor) ApplyPartitioning(ctx context.Context, table, spec string) error {
	apply, _, err := e.statements(table, spec)
	if err != nil {
		return err
	}
	return e.exec(ctx, "apply", aerrors.CodeApplyFailed, apply)
}

// Optimize implements Executor.
func (e *SQLExecutor) Optimize(ctx context.Context, table string) error {
	_, optimize, err := e.statements(table, "")
	if err != nil {
		return err
	}
	return e.exec(ctx, "optimize", aerrors.CodeOptimizeFailed, optimize)
}

func (e *SQLExecutor) statements(table, spec string) (string, string, error) {
	if !e.db.dialect.PartitionDDL {
		return "", "", ErrDDLUnsupported.WithDetails(map[string]interface{}{"dialect": e.db.dialect.Name})
	}
	apply, optimize, err := Statements(e.db.dialect, table, spec)
	if err != nil {
		return "", "", aerrors.NewValidationError(aerrors.CodeInvalidTable, err.Error())
	}
	return apply, optimize, nil
}

func (e *SQLExecutor) exec(ctx context.Context, kind, code, stmt string) error {
	ctx, cancel := e.db.withTimeout(ctx)
	defer cancel()

	e.logger.Info("engine: executing ddl", "kind", kind, "statement", stmt)
	if _, err := e.db.db.ExecContext(ctx, stmt); err != nil {
		metrics.DDLStatementsTotal.WithLabelValues(kind, "error").Inc()
		return aerrors.NewDDLError(code, kind+" statement failed", err).
			WithDetails(map[string]interface{}{"statement": stmt})
	}
	metrics.DDLStatementsTotal.WithLabelValues(kind, "ok").Inc()
	return nil
}

// DryRunExecutor logs the statements it would run and changes nothing.
type DryRunExecutor struct {
	dialect Dialect
	logger  *slog.Logger

	// Executed collects the rendered statements, in order.
	Executed []string
}

// NewDryRunExecutor creates a dry-run executor rendering statements for dialect.
func NewDryRunExecutor(dialect Dialect, logger *slog.Logger) *DryRunExecutor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DryRunExecutor{dialect: dialect, logger: logger}
}

// ApplyPartitioning implements Executor.
func (e *DryRunExecutor) ApplyPartitioning(ctx context.Context, table, spec string) error {
	apply, _, err := Statements(e.dialect, table, spec)
	if err != nil {
		return aerrors.NewValidationError(aerrors.CodeInvalidTable, err.Error())
	}
	e.record("apply", apply)
	return nil
}

// Optimize implements Executor.
func (e *DryRunExecutor) Optimize(ctx context.Context, table string) error {
	_, optimize, err := Statements(e.dialect, table, "")
	if err != nil {
		return aerrors.NewValidationError(aerrors.CodeInvalidTable, err.Error())
	}
	e.record("optimize", optimize)
	return nil
}

func (e *DryRunExecutor) record(kind, stmt string) {
	e.Executed = append(e.Executed, stmt)
	metrics.DDLStatementsTotal.WithLabelValues(kind, "dry_run").Inc()
	e.logger.Info("engine: dry run, not executing", "kind", kind, "statement", stmt)
}
