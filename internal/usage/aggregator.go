package usage

import (
	"sort"
	"sync"
)

// Aggregator folds usage records into per-column totals for one observation window.
type Aggregator struct {
	mu      sync.Mutex
	counts  map[string]*Counts
	order   []string // first-observed order
	records int64
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		counts: make(map[string]*Counts),
	}
}

// Add counts every column reference in rec.
// Roles are visited in canonical order so that first-observed order does not
// depend on map iteration. This method is thread-safe.
func (a *Aggregator) Add(rec Record) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.records++
	for _, role := range Roles {
		for _, col := range rec[role] {
			if col == "" {
				continue
			}
			c, exists := a.counts[col]
			if !exists {
				c = &Counts{}
				a.counts[col] = c
				a.order = append(a.order, col)
			}
			c.incr(role)
		}
	}
}

// Records returns the number of records added so far.
func (a *Aggregator) Records() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.records
}

// Totals returns an immutable snapshot of the counters.
// Later calls to Add do not affect a returned snapshot.
func (a *Aggregator) Totals() *Totals {
	a.mu.Lock()
	defer a.mu.Unlock()

	t := &Totals{
		counts:  make(map[string]Counts, len(a.counts)),
		order:   make([]string, len(a.order)),
		records: a.records,
	}
	copy(t.order, a.order)
	for col, c := range a.counts {
		t.counts[col] = *c
	}
	return t
}

// Aggregate folds records into totals in a single pass.
func Aggregate(records ...Record) *Totals {
	a := NewAggregator()
	for _, rec := range records {
		a.Add(rec)
	}
	return a.Totals()
}

// Totals maps column names to their usage counters.
type Totals struct {
	counts  map[string]Counts
	order   []string
	records int64
}

// NewTotals builds totals directly from counters, e.g. when usage was computed
// elsewhere. Columns keep the order given.
func NewTotals(columns []string, counts map[string]Counts) *Totals {
	t := &Totals{counts: make(map[string]Counts, len(columns))}
	for _, col := range columns {
		if _, dup := t.counts[col]; dup {
			continue
		}
		t.counts[col] = counts[col]
		t.order = append(t.order, col)
	}
	return t
}

// Get returns the counters for column.
func (t *Totals) Get(column string) (Counts, bool) {
	c, ok := t.counts[column]
	return c, ok
}

// Columns returns column names in first-observed order.
func (t *Totals) Columns() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// SortedColumns returns column names in lexicographic order.
func (t *Totals) SortedColumns() []string {
	out := t.Columns()
	sort.Strings(out)
	return out
}

// Len returns the number of distinct columns observed.
func (t *Totals) Len() int {
	return len(t.order)
}

// Records returns the number of records the totals were built from.
func (t *Totals) Records() int64 {
	return t.records
}

// Map returns a copy of the counters keyed by column.
func (t *Totals) Map() map[string]Counts {
	out := make(map[string]Counts, len(t.counts))
	for col, c := range t.counts {
		out[col] = c
	}
	return out
}
