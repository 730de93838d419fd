package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arkilian/partadvisor/internal/cardinality"
	aerrors "github.com/arkilian/partadvisor/internal/errors"
)

// CardinalityResolver measures distinct counts with COUNT(DISTINCT col).
// Every failure is logged and reported as an unknown measurement.
type CardinalityResolver struct {
	db      *DB
	timeout time.Duration
	logger  *slog.Logger
}

// NewCardinalityResolver creates a resolver. A timeout of zero leaves the
// deadline to the caller's context.
func NewCardinalityResolver(db *DB, timeout time.Duration, logger *slog.Logger) *CardinalityResolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CardinalityResolver{db: db, timeout: timeout, logger: logger}
}

var _ cardinality.Resolver = (*CardinalityResolver)(nil)

// DistinctCountQuery returns the statement used to measure column on table.
func DistinctCountQuery(d Dialect, table Table, column string) string {
	return fmt.Sprintf("SELECT COUNT(DISTINCT %s) FROM %s", d.Quote(column), table.Quoted(d))
}

// Resolve implements cardinality.Resolver.
func (r *CardinalityResolver) Resolve(ctx context.Context, table, column string) cardinality.Measurement {
	m, err := r.measure(ctx, table, column)
	if err != nil {
		r.logger.Warn("engine: cardinality unavailable",
			"table", table,
			"column", column,
			"error", aerrors.NewCardinalityError("distinct count failed", err))
		return cardinality.Unknown()
	}
	return m
}

func (r *CardinalityResolver) measure(ctx context.Context, table, column string) (cardinality.Measurement, error) {
	t, err := ParseTable(table)
	if err != nil {
		return cardinality.Unknown(), err
	}
	if strings.TrimSpace(column) == "" {
		return cardinality.Unknown(), fmt.Errorf("empty column name")
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	query := DistinctCountQuery(r.db.dialect, t, column)
	var n sql.NullInt64
	if err := r.db.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return cardinality.Unknown(), err
	}
	if !n.Valid {
		return cardinality.Unknown(), fmt.Errorf("distinct count is NULL")
	}
	if n.Int64 < 0 {
		return cardinality.Unknown(), fmt.Errorf("distinct count is negative: %d", n.Int64)
	}
	return cardinality.Known(n.Int64), nil
}
