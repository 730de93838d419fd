// Package extract turns SQL text into per-role column usage records.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"vitess.io/vitess/go/vt/sqlparser"

	aerrors "github.com/arkilian/partadvisor/internal/errors"
	"github.com/arkilian/partadvisor/internal/usage"
	"github.com/arkilian/partadvisor/pkg/types"
)

// Extractor parses SELECT statements and reports which columns each clause references.
// It is safe for concurrent use.
type Extractor struct {
	parser     *sqlparser.Parser
	columns    map[string]struct{}
	ansiQuotes bool
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithColumns restricts records to the given column names (case-insensitive).
// Aliases and columns of other tables are dropped. An empty list keeps everything.
func WithColumns(columns []string) Option {
	return func(e *Extractor) {
		if len(columns) == 0 {
			e.columns = nil
			return
		}
		e.columns = make(map[string]struct{}, len(columns))
		for _, c := range columns {
			e.columns[strings.ToLower(c)] = struct{}{}
		}
	}
}

// WithANSIQuotes treats double-quoted tokens as identifiers, as Trino,
// Postgres and DuckDB do, instead of MySQL string literals.
func WithANSIQuotes() Option {
	return func(e *Extractor) {
		e.ansiQuotes = true
	}
}

// New creates an Extractor.
func New(opts ...Option) (*Extractor, error) {
	parser, err := sqlparser.New(sqlparser.Options{})
	if err != nil {
		return nil, fmt.Errorf("extract: creating sql parser: %w", err)
	}
	e := &Extractor{parser: parser}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Extract returns the column references of one statement. Statements that do
// not parse, or that are not queries, yield a RECORD_PARSE error.
func (e *Extractor) Extract(sql string) (usage.Record, error) {
	text := e.normalize(sql)

	stmt, err := e.parser.Parse(text)
	if err != nil {
		return nil, aerrors.NewRecordParseError("unparseable sql", err).
			WithDetails(map[string]interface{}{"sql": truncate(sql, 256)})
	}

	switch stmt.(type) {
	case *sqlparser.Select, *sqlparser.Union:
	default:
		return nil, aerrors.NewRecordParseError(fmt.Sprintf("unsupported statement %T", stmt), nil).
			WithDetails(map[string]interface{}{"sql": truncate(sql, 256)})
	}

	rec := usage.Record{}
	if err := e.statement(rec, stmt); err != nil {
		return nil, aerrors.NewRecordParseError("walking parse tree", err)
	}
	return rec, nil
}

// statement finds every query block under node and collects its columns.
func (e *Extractor) statement(rec usage.Record, node sqlparser.SQLNode) error {
	return sqlparser.Walk(func(n sqlparser.SQLNode) (bool, error) {
		switch n := n.(type) {
		case *sqlparser.Select:
			return false, e.selectBlock(rec, n)
		case *sqlparser.Union:
			if err := e.statement(rec, n.With); err != nil {
				return false, err
			}
			if err := e.statement(rec, n.Left); err != nil {
				return false, err
			}
			if err := e.statement(rec, n.Right); err != nil {
				return false, err
			}
			return false, e.collect(rec, usage.RoleOrderBy, n.OrderBy)
		}
		return true, nil
	}, node)
}

func (e *Extractor) selectBlock(rec usage.Record, sel *sqlparser.Select) error {
	if err := e.statement(rec, sel.With); err != nil {
		return err
	}
	if err := e.collect(rec, usage.RoleSelect, sel.SelectExprs); err != nil {
		return err
	}
	for _, te := range sel.From {
		if err := e.from(rec, te); err != nil {
			return err
		}
	}
	if err := e.collect(rec, usage.RoleWhere, sel.Where); err != nil {
		return err
	}
	if err := e.collect(rec, usage.RoleGroupBy, sel.GroupBy); err != nil {
		return err
	}
	if err := e.collect(rec, usage.RoleWhere, sel.Having); err != nil {
		return err
	}
	return e.collect(rec, usage.RoleOrderBy, sel.OrderBy)
}

// from walks a table expression: join conditions count as join usage and
// derived tables are analysed as queries of their own.
func (e *Extractor) from(rec usage.Record, te sqlparser.SQLNode) error {
	return sqlparser.Walk(func(n sqlparser.SQLNode) (bool, error) {
		switch n := n.(type) {
		case *sqlparser.JoinTableExpr:
			if err := e.from(rec, n.LeftExpr); err != nil {
				return false, err
			}
			if err := e.from(rec, n.RightExpr); err != nil {
				return false, err
			}
			if n.Condition != nil {
				if err := e.collect(rec, usage.RoleJoin, n.Condition.On); err != nil {
					return false, err
				}
				for _, col := range n.Condition.Using {
					e.add(rec, usage.RoleJoin, col.Lowered())
				}
			}
			return false, nil
		case *sqlparser.DerivedTable:
			return false, e.statement(rec, n)
		case *sqlparser.ColName:
			return false, nil
		}
		return true, nil
	}, te)
}

// collect records every column under node for role. Subqueries contribute
// their own clauses instead.
func (e *Extractor) collect(rec usage.Record, role usage.Role, node sqlparser.SQLNode) error {
	return sqlparser.Walk(func(n sqlparser.SQLNode) (bool, error) {
		switch n := n.(type) {
		case *sqlparser.ColName:
			e.add(rec, role, n.Name.Lowered())
			return false, nil
		case *sqlparser.Subquery:
			return false, e.statement(rec, n)
		}
		return true, nil
	}, node)
}

// add records column unless it is filtered out or could not be rendered into
// a partition spec.
func (e *Extractor) add(rec usage.Record, role usage.Role, column string) {
	if !types.ValidColumn(column) {
		return
	}
	if e.columns != nil {
		if _, ok := e.columns[column]; !ok {
			return
		}
	}
	rec.Add(role, column)
}

// qualifiedName matches three-part names such as catalog.schema.table, which
// the MySQL grammar does not accept. The catalog part is dropped.
var qualifiedName = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_$]*)\.([A-Za-z_][A-Za-z0-9_$]*)\.([A-Za-z_][A-Za-z0-9_$]*)\b`)

func (e *Extractor) normalize(sql string) string {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")
	if e.ansiQuotes {
		sql = doubleQuotesToBackticks(sql)
	}
	return rewriteUnquoted(sql, func(run string) string {
		return qualifiedName.ReplaceAllString(run, "$2.$3")
	})
}

// rewriteUnquoted applies fn to every run of sql that lies outside string
// literals and quoted identifiers. Quoted runs are copied verbatim.
func rewriteUnquoted(sql string, fn func(string) string) string {
	var b strings.Builder
	b.Grow(len(sql))
	start := 0
	var quote byte
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case quote == 0:
			if c == '\'' || c == '"' || c == '`' {
				b.WriteString(fn(sql[start:i]))
				start, quote = i, c
			}
		case c == '\\' && quote != '`':
			i++
		case c == quote:
			b.WriteString(sql[start : i+1])
			start, quote = i+1, 0
		}
	}
	if quote == 0 {
		b.WriteString(fn(sql[start:]))
	} else {
		b.WriteString(sql[start:])
	}
	return b.String()
}

// doubleQuotesToBackticks rewrites "ident" as `ident`, leaving single-quoted
// string literals untouched.
func doubleQuotesToBackticks(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))
	inString, inIdent := false, false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'' && !inIdent:
			inString = !inString
			b.WriteByte(c)
		case c == '"' && !inString:
			inIdent = !inIdent
			b.WriteByte('`')
		case c == '`' && inIdent:
			// A literal backtick inside an ANSI identifier must be doubled.
			b.WriteString("``")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
