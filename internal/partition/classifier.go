// Package partition decides which columns a table should be partitioned on,
// and renders the decisions as a partition specification string.
package partition

import (
	"fmt"
	"math"
	"sort"

	"github.com/arkilian/partadvisor/internal/cardinality"
	"github.com/arkilian/partadvisor/internal/usage"
	"github.com/arkilian/partadvisor/pkg/types"
)

// Order controls the emission order of decisions.
type Order string

const (
	// OrderFirstSeen emits decisions in the order columns were first observed in the logs.
	OrderFirstSeen Order = "first_seen"

	// OrderColumn emits decisions sorted by column name.
	OrderColumn Order = "column"
)

// Config holds the classification and rendering thresholds.
type Config struct {
	// UsageThreshold is the filter usage a column must exceed to become a candidate (default 50)
	UsageThreshold int64 `json:"usage_threshold" yaml:"usage_threshold"`

	// UsageRatePer1K, when positive, replaces UsageThreshold with a rate:
	// the threshold becomes floor(rate * records / 1000) for the observed window
	UsageRatePer1K float64 `json:"usage_rate_per_1k" yaml:"usage_rate_per_1k"`

	// HighCardinalityThreshold is the distinct count above which a column is hashed (default 100000)
	HighCardinalityThreshold int64 `json:"high_cardinality_threshold" yaml:"high_cardinality_threshold"`

	// LowCardinalityThreshold is the distinct count below which a column is range partitioned (default 1000)
	LowCardinalityThreshold int64 `json:"low_cardinality_threshold" yaml:"low_cardinality_threshold"`

	// BucketCount is the number of hash buckets for hashed columns (default 16)
	BucketCount int `json:"bucket_count" yaml:"bucket_count"`

	// Order is the decision emission order: first_seen or column (default first_seen)
	Order Order `json:"order" yaml:"order"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		UsageThreshold:           50,
		HighCardinalityThreshold: 100000,
		LowCardinalityThreshold:  1000,
		BucketCount:              16,
		Order:                    OrderFirstSeen,
	}
}

// Validate checks the thresholds for consistency.
func (c Config) Validate() error {
	if c.UsageThreshold < 0 {
		return fmt.Errorf("usage_threshold must be >= 0, got %d", c.UsageThreshold)
	}
	if c.UsageRatePer1K < 0 {
		return fmt.Errorf("usage_rate_per_1k must be >= 0, got %g", c.UsageRatePer1K)
	}
	if c.LowCardinalityThreshold < 0 || c.HighCardinalityThreshold < 0 {
		return fmt.Errorf("cardinality thresholds must be >= 0")
	}
	if c.LowCardinalityThreshold > c.HighCardinalityThreshold {
		return fmt.Errorf("low_cardinality_threshold (%d) must not exceed high_cardinality_threshold (%d)",
			c.LowCardinalityThreshold, c.HighCardinalityThreshold)
	}
	if c.BucketCount < 1 {
		return fmt.Errorf("bucket_count must be >= 1, got %d", c.BucketCount)
	}
	switch c.Order {
	case OrderFirstSeen, OrderColumn, "":
	default:
		return fmt.Errorf("invalid order: %s (must be first_seen or column)", c.Order)
	}
	return nil
}

// ForWindow returns the config with the usage threshold resolved for a window
// of the given number of records. Without a rate the config is returned as is.
func (c Config) ForWindow(records int64) Config {
	if c.UsageRatePer1K <= 0 {
		return c
	}
	c.UsageThreshold = int64(math.Floor(c.UsageRatePer1K * float64(records) / 1000))
	return c
}

// Reason explains why a column was or was not selected.
type Reason string

const (
	ReasonBelowThreshold     Reason = "below_usage_threshold"
	ReasonHighCardinality    Reason = "high_cardinality"
	ReasonLowCardinality     Reason = "low_cardinality"
	ReasonMidCardinality     Reason = "mid_cardinality_default"
	ReasonUnknownCardinality Reason = "unknown_cardinality_default"
)

// Evaluation is the classifier's verdict on one column.
type Evaluation struct {
	Column      string                  `json:"column"`
	Usage       usage.Counts            `json:"usage"`
	FilterUsage int64                   `json:"filter_usage"`
	Cardinality cardinality.Measurement `json:"cardinality"`
	Qualified   bool                    `json:"qualified"`
	Strategy    types.Strategy          `json:"strategy,omitempty"`
	Reason      Reason                  `json:"reason"`
}

// Classifier turns usage totals and cardinality measurements into partition decisions.
type Classifier struct {
	cfg Config
}

// NewClassifier creates a classifier. Zero-valued fields fall back to defaults
// only for BucketCount and Order; thresholds of zero are honoured.
func NewClassifier(cfg Config) *Classifier {
	if cfg.Order == "" {
		cfg.Order = OrderFirstSeen
	}
	if cfg.BucketCount < 1 {
		cfg.BucketCount = DefaultConfig().BucketCount
	}
	return &Classifier{cfg: cfg}
}

// Config returns the classifier's configuration.
func (c *Classifier) Config() Config {
	return c.cfg
}

// Qualifies reports whether the usage exceeds the usage threshold.
// Select references never count towards it.
func (c *Classifier) Qualifies(counts usage.Counts) bool {
	return counts.FilterUsage() > c.cfg.UsageThreshold
}

// Candidates returns the columns that clear the usage threshold, in emission order.
// Only these columns need a cardinality lookup.
func (c *Classifier) Candidates(totals *usage.Totals) []string {
	candidates := []string{}
	for _, col := range c.columns(totals) {
		counts, _ := totals.Get(col)
		if c.Qualifies(counts) {
			candidates = append(candidates, col)
		}
	}
	return candidates
}

// Strategy picks the strategy for a qualifying column.
// Hash needs a known count strictly above the high threshold. Everything
// else is range: known counts strictly below the low threshold, known counts
// between the thresholds (inclusive), and unknown counts.
func (c *Classifier) Strategy(m cardinality.Measurement) (types.Strategy, Reason) {
	n, known := m.Value()
	if !known {
		return types.StrategyRange, ReasonUnknownCardinality
	}
	switch {
	case n > c.cfg.HighCardinalityThreshold:
		return types.StrategyHash, ReasonHighCardinality
	case n < c.cfg.LowCardinalityThreshold:
		return types.StrategyRange, ReasonLowCardinality
	default:
		return types.StrategyRange, ReasonMidCardinality
	}
}

// Evaluate returns a verdict for every observed column, in emission order.
// Columns missing from measurements are treated as unknown.
func (c *Classifier) Evaluate(totals *usage.Totals, measurements map[string]cardinality.Measurement) []Evaluation {
	cols := c.columns(totals)
	evals := make([]Evaluation, 0, len(cols))
	for _, col := range cols {
		counts, _ := totals.Get(col)
		ev := Evaluation{
			Column:      col,
			Usage:       counts,
			FilterUsage: counts.FilterUsage(),
			Cardinality: measurements[col],
		}
		if !c.Qualifies(counts) {
			ev.Reason = ReasonBelowThreshold
			evals = append(evals, ev)
			continue
		}
		ev.Qualified = true
		ev.Strategy, ev.Reason = c.Strategy(ev.Cardinality)
		evals = append(evals, ev)
	}
	return evals
}

// Classify returns the partition decisions, in emission order.
// The result is never nil; an empty slice means no column qualified.
func (c *Classifier) Classify(totals *usage.Totals, measurements map[string]cardinality.Measurement) []types.Decision {
	decisions := []types.Decision{}
	for _, ev := range c.Evaluate(totals, measurements) {
		if !ev.Qualified {
			continue
		}
		decisions = append(decisions, types.Decision{Column: ev.Column, Strategy: ev.Strategy})
	}
	return decisions
}

func (c *Classifier) columns(totals *usage.Totals) []string {
	if c.cfg.Order == OrderColumn {
		cols := totals.Columns()
		sort.Strings(cols)
		return cols
	}
	return totals.Columns()
}
