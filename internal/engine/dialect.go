// Package engine talks to the query engine that owns the analysed table: it
// measures column cardinality, lists table columns and applies partition DDL.
package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	// database/sql drivers, one per dialect.
	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/trinodb/trino-go-client/trino"
)

// Dialect describes how to talk to one engine family.
type Dialect struct {
	// Name is the config name, e.g. "trino".
	Name string

	// Driver is the database/sql driver name.
	Driver string

	// QuoteChar wraps identifiers: '"' for ANSI engines, '`' for MySQL-like ones.
	QuoteChar byte

	// ANSIQuotes reports whether the engine's SQL uses double quotes for identifiers.
	// Query-log text from such engines needs ANSI handling when parsed.
	ANSIQuotes bool

	// PartitionDDL reports whether the engine accepts the partitioning statements.
	PartitionDDL bool

	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string

	columns func(t Table, ph func(int) string) (string, []any)
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

func informationSchemaColumns(t Table, ph func(int) string) (string, []any) {
	from := "information_schema.columns"
	if t.Catalog != "" {
		from = t.Catalog + ".information_schema.columns"
	}
	if t.Schema == "" {
		return fmt.Sprintf("SELECT column_name FROM %s WHERE table_name = %s ORDER BY ordinal_position",
			from, ph(1)), []any{t.Name}
	}
	return fmt.Sprintf("SELECT column_name FROM %s WHERE table_schema = %s AND table_name = %s ORDER BY ordinal_position",
		from, ph(1), ph(2)), []any{t.Schema, t.Name}
}

var dialects = map[string]Dialect{
	"trino": {
		Name:         "trino",
		Driver:       "trino",
		QuoteChar:    '"',
		ANSIQuotes:   true,
		PartitionDDL: true,
		Placeholder:  questionMark,
		columns:      informationSchemaColumns,
	},
	"postgres": {
		Name:        "postgres",
		Driver:      "pgx",
		QuoteChar:   '"',
		ANSIQuotes:  true,
		Placeholder: dollar,
		columns: func(t Table, ph func(int) string) (string, []any) {
			// Postgres has no cross-database information_schema.
			t.Catalog = ""
			return informationSchemaColumns(t, ph)
		},
	},
	"mysql": {
		Name:        "mysql",
		Driver:      "mysql",
		QuoteChar:   '`',
		Placeholder: questionMark,
		columns: func(t Table, ph func(int) string) (string, []any) {
			t.Catalog = ""
			if t.Schema == "" {
				return fmt.Sprintf("SELECT column_name FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = %s ORDER BY ordinal_position",
					ph(1)), []any{t.Name}
			}
			return informationSchemaColumns(t, ph)
		},
	},
	"clickhouse": {
		Name:        "clickhouse",
		Driver:      "clickhouse",
		QuoteChar:   '`',
		Placeholder: questionMark,
		columns: func(t Table, ph func(int) string) (string, []any) {
			if t.Schema == "" {
				return fmt.Sprintf("SELECT name FROM system.columns WHERE database = currentDatabase() AND table = %s ORDER BY position",
					ph(1)), []any{t.Name}
			}
			return fmt.Sprintf("SELECT name FROM system.columns WHERE database = %s AND table = %s ORDER BY position",
				ph(1), ph(2)), []any{t.Schema, t.Name}
		},
	},
	"duckdb": {
		Name:        "duckdb",
		Driver:      "duckdb",
		QuoteChar:   '"',
		ANSIQuotes:  true,
		Placeholder: questionMark,
		columns: func(t Table, ph func(int) string) (string, []any) {
			if t.Catalog != "" {
				return fmt.Sprintf("SELECT column_name FROM information_schema.columns WHERE table_catalog = %s AND table_schema = %s AND table_name = %s ORDER BY ordinal_position",
					ph(1), ph(2), ph(3)), []any{t.Catalog, t.Schema, t.Name}
			}
			return informationSchemaColumns(t, ph)
		},
	},
	"sqlite": {
		Name:        "sqlite",
		Driver:      "sqlite3",
		QuoteChar:   '"',
		ANSIQuotes:  true,
		Placeholder: questionMark,
		columns: func(t Table, ph func(int) string) (string, []any) {
			if t.Schema == "" {
				return fmt.Sprintf("SELECT name FROM pragma_table_info(%s) ORDER BY cid", ph(1)), []any{t.Name}
			}
			return fmt.Sprintf("SELECT name FROM pragma_table_info(%s, %s) ORDER BY cid", ph(1), ph(2)), []any{t.Name, t.Schema}
		},
	},
}

// Lookup returns the dialect registered under name.
func Lookup(name string) (Dialect, error) {
	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return Dialect{}, fmt.Errorf("engine: unknown dialect %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return d, nil
}

// Names returns the registered dialect names, sorted.
func Names() []string {
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Quote quotes one identifier, doubling any embedded quote character.
func (d Dialect) Quote(ident string) string {
	q := string(d.QuoteChar)
	return q + strings.ReplaceAll(ident, q, q+q) + q
}

// ColumnsQuery returns the catalog query listing the columns of t, with its arguments.
func (d Dialect) ColumnsQuery(t Table) (string, []any) {
	return d.columns(t, d.Placeholder)
}

// Table is a possibly qualified table name: [catalog.][schema.]name.
type Table struct {
	Catalog string
	Schema  string
	Name    string
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$-]*$`)

// ParseTable parses "name", "schema.name" or "catalog.schema.name".
func ParseTable(s string) (Table, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	for _, p := range parts {
		if !identRe.MatchString(p) {
			return Table{}, fmt.Errorf("engine: invalid table name %q", s)
		}
	}
	switch len(parts) {
	case 1:
		return Table{Name: parts[0]}, nil
	case 2:
		return Table{Schema: parts[0], Name: parts[1]}, nil
	case 3:
		return Table{Catalog: parts[0], Schema: parts[1], Name: parts[2]}, nil
	default:
		return Table{}, fmt.Errorf("engine: invalid table name %q: too many parts", s)
	}
}

// String returns the dotted, unquoted name.
func (t Table) String() string {
	return strings.Join(t.parts(), ".")
}

// Quoted returns the dotted name with every part quoted for d.
func (t Table) Quoted(d Dialect) string {
	parts := t.parts()
	for i, p := range parts {
		parts[i] = d.Quote(p)
	}
	return strings.Join(parts, ".")
}

func (t Table) parts() []string {
	var parts []string
	if t.Catalog != "" {
		parts = append(parts, t.Catalog)
	}
	if t.Schema != "" {
		parts = append(parts, t.Schema)
	}
	return append(parts, t.Name)
}
