package engine

import (
	"context"
	"fmt"
	"strings"
)

// Catalog reads table metadata from the engine.
type Catalog struct {
	db *DB
}

// NewCatalog creates a catalog reader.
func NewCatalog(db *DB) *Catalog {
	return &Catalog{db: db}
}

// Columns returns the lower-cased column names of table in ordinal order.
// An unknown table yields an empty list, not an error, on engines whose
// catalog is a plain query.
func (c *Catalog) Columns(ctx context.Context, table string) ([]string, error) {
	t, err := ParseTable(table)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.db.withTimeout(ctx)
	defer cancel()

	query, args := c.db.dialect.ColumnsQuery(t)
	rows, err := c.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("engine: listing columns of %s: %w", t, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("engine: scanning column name: %w", err)
		}
		columns = append(columns, strings.ToLower(name))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engine: listing columns of %s: %w", t, err)
	}
	return columns, nil
}
