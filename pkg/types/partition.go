package types

import (
	"fmt"
	"regexp"
)

// Strategy defines how a partition column groups rows.
type Strategy string

const (
	// StrategyHash buckets rows by a hash of the column value (modulo bucket count)
	StrategyHash Strategy = "hash"

	// StrategyRange groups rows by the column's natural value ranges
	StrategyRange Strategy = "range"
)

// Valid reports whether s is one of the defined strategies.
func (s Strategy) Valid() bool {
	return s == StrategyHash || s == StrategyRange
}

// ParseStrategy converts a string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown partition strategy: %q", s)
	}
	return st, nil
}

// Decision is a column selected for partitioning together with its strategy.
type Decision struct {
	// Column is the partition column name
	Column string `json:"column"`

	// Strategy is the partitioning strategy for the column (hash or range)
	Strategy Strategy `json:"strategy"`
}

// String returns a short human-readable form, e.g. "status:hash".
func (d Decision) String() string {
	return d.Column + ":" + string(d.Strategy)
}

// columnRe is the set of names a spec token can carry unambiguously: no
// whitespace, commas or parentheses.
var columnRe = regexp.MustCompile(`^[^\s(),]+$`)

// ValidColumn reports whether name can appear in a partition spec string.
func ValidColumn(name string) bool {
	return columnRe.MatchString(name)
}
