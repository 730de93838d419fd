package partition

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/arkilian/partadvisor/internal/cardinality"
	"github.com/arkilian/partadvisor/internal/usage"
	"github.com/arkilian/partadvisor/pkg/types"
)

func totalsOf(columns []string, counts map[string]usage.Counts) *usage.Totals {
	return usage.NewTotals(columns, counts)
}

func TestClassifier_SelectOnlyNeverPromotes(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	totals := totalsOf([]string{"payload"}, map[string]usage.Counts{
		"payload": {Select: 1000000},
	})
	measurements := map[string]cardinality.Measurement{"payload": cardinality.Known(10000000)}

	decisions := c.Classify(totals, measurements)
	if len(decisions) != 0 {
		t.Errorf("select-only column should not be a decision, got %v", decisions)
	}
	if len(c.Candidates(totals)) != 0 {
		t.Error("select-only column should not be a candidate")
	}
}

func TestClassifier_UsageThresholdBoundary(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	totals := totalsOf([]string{"at", "above"}, map[string]usage.Counts{
		"at":    {Where: 20, Join: 10, GroupBy: 10, OrderBy: 10}, // 50
		"above": {Where: 20, Join: 10, GroupBy: 10, OrderBy: 11}, // 51
	})

	decisions := c.Classify(totals, nil)
	want := []types.Decision{{Column: "above", Strategy: types.StrategyRange}}
	if diff := cmp.Diff(want, decisions); diff != "" {
		t.Errorf("decisions mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifier_CardinalityBoundaries(t *testing.T) {
	c := NewClassifier(DefaultConfig())

	tests := []struct {
		name         string
		measurement  cardinality.Measurement
		wantStrategy types.Strategy
		wantReason   Reason
	}{
		{"above high", cardinality.Known(100001), types.StrategyHash, ReasonHighCardinality},
		{"at high", cardinality.Known(100000), types.StrategyRange, ReasonMidCardinality},
		{"mid", cardinality.Known(50000), types.StrategyRange, ReasonMidCardinality},
		{"at low", cardinality.Known(1000), types.StrategyRange, ReasonMidCardinality},
		{"below low", cardinality.Known(999), types.StrategyRange, ReasonLowCardinality},
		{"zero", cardinality.Known(0), types.StrategyRange, ReasonLowCardinality},
		{"unknown", cardinality.Unknown(), types.StrategyRange, ReasonUnknownCardinality},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strategy, reason := c.Strategy(tt.measurement)
			if strategy != tt.wantStrategy {
				t.Errorf("strategy = %s, want %s", strategy, tt.wantStrategy)
			}
			if reason != tt.wantReason {
				t.Errorf("reason = %s, want %s", reason, tt.wantReason)
			}
		})
	}
}

func TestClassifier_UnknownCardinalityDefaultsToRange(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	totals := totalsOf([]string{"tenant_id"}, map[string]usage.Counts{
		"tenant_id": {Where: 100},
	})

	// Explicitly unknown and absent from the map behave the same.
	for _, ms := range []map[string]cardinality.Measurement{
		{"tenant_id": cardinality.Unknown()},
		{},
		nil,
	} {
		decisions := c.Classify(totals, ms)
		want := []types.Decision{{Column: "tenant_id", Strategy: types.StrategyRange}}
		if diff := cmp.Diff(want, decisions); diff != "" {
			t.Errorf("decisions mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestClassifier_EndToEndScenario(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	totals := totalsOf([]string{"status", "region"}, map[string]usage.Counts{
		"status": {Where: 30, Join: 25},
		"region": {Where: 60},
	})
	measurements := map[string]cardinality.Measurement{
		"status": cardinality.Known(500000),
		"region": cardinality.Known(50),
	}

	decisions := c.Classify(totals, measurements)
	want := []types.Decision{
		{Column: "status", Strategy: types.StrategyHash},
		{Column: "region", Strategy: types.StrategyRange},
	}
	if diff := cmp.Diff(want, decisions); diff != "" {
		t.Fatalf("decisions mismatch (-want +got):\n%s", diff)
	}

	spec, err := NewBuilder(16).Build(decisions)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if spec.String() != "HASH(status, 16),region" {
		t.Errorf("got %q, want %q", spec.String(), "HASH(status, 16),region")
	}
}

func TestClassifier_OrderColumn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Order = OrderColumn
	c := NewClassifier(cfg)

	totals := totalsOf([]string{"zeta", "alpha", "mid"}, map[string]usage.Counts{
		"zeta":  {Where: 60},
		"alpha": {Join: 60},
		"mid":   {OrderBy: 60},
	})

	var got []string
	for _, d := range c.Classify(totals, nil) {
		got = append(got, d.Column)
	}
	if diff := cmp.Diff([]string{"alpha", "mid", "zeta"}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"alpha", "mid", "zeta"}, c.Candidates(totals)); diff != "" {
		t.Errorf("candidate order mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifier_EmptyIsStable(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	totals := totalsOf([]string{"a", "b"}, map[string]usage.Counts{
		"a": {Where: 10},
		"b": {Select: 500, GroupBy: 5},
	})

	for i := 0; i < 3; i++ {
		decisions := c.Classify(totals, nil)
		if decisions == nil || len(decisions) != 0 {
			t.Fatalf("run %d: expected empty non-nil decisions, got %v", i, decisions)
		}
		spec, err := NewBuilder(16).Build(decisions)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if spec.String() != "" || !spec.Empty() {
			t.Fatalf("run %d: expected empty spec, got %q", i, spec.String())
		}
	}
}

func TestClassifier_Evaluate(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	totals := totalsOf([]string{"status", "note"}, map[string]usage.Counts{
		"status": {Where: 51, Select: 3},
		"note":   {Select: 90},
	})

	evals := c.Evaluate(totals, map[string]cardinality.Measurement{"status": cardinality.Known(2000)})
	if len(evals) != 2 {
		t.Fatalf("expected 2 evaluations, got %d", len(evals))
	}

	if !evals[0].Qualified || evals[0].Reason != ReasonMidCardinality || evals[0].FilterUsage != 51 {
		t.Errorf("unexpected evaluation for status: %+v", evals[0])
	}
	if evals[1].Qualified || evals[1].Reason != ReasonBelowThreshold || evals[1].Strategy != "" {
		t.Errorf("unexpected evaluation for note: %+v", evals[1])
	}
}

func TestConfig_ForWindow(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.ForWindow(1000000).UsageThreshold; got != 50 {
		t.Errorf("absolute threshold should be unchanged, got %d", got)
	}

	cfg.UsageRatePer1K = 2.5
	if got := cfg.ForWindow(10000).UsageThreshold; got != 25 {
		t.Errorf("expected threshold 25, got %d", got)
	}
	if got := cfg.ForWindow(0).UsageThreshold; got != 0 {
		t.Errorf("expected threshold 0 for empty window, got %d", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"negative usage", func(c *Config) { c.UsageThreshold = -1 }, true},
		{"negative rate", func(c *Config) { c.UsageRatePer1K = -0.5 }, true},
		{"low above high", func(c *Config) { c.LowCardinalityThreshold = 200000 }, true},
		{"zero buckets", func(c *Config) { c.BucketCount = 0 }, true},
		{"bad order", func(c *Config) { c.Order = "random" }, true},
		{"column order", func(c *Config) { c.Order = OrderColumn }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
