// Package advisor runs the recommendation pipeline: it reads query logs,
// mines column usage, measures cardinality, classifies candidate columns,
// renders the partition spec and optionally applies it.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arkilian/partadvisor/internal/cardinality"
	"github.com/arkilian/partadvisor/internal/engine"
	aerrors "github.com/arkilian/partadvisor/internal/errors"
	"github.com/arkilian/partadvisor/internal/extract"
	"github.com/arkilian/partadvisor/internal/history"
	"github.com/arkilian/partadvisor/internal/metrics"
	"github.com/arkilian/partadvisor/internal/partition"
	"github.com/arkilian/partadvisor/internal/querylog"
	"github.com/arkilian/partadvisor/internal/storage"
	"github.com/arkilian/partadvisor/internal/usage"
	"github.com/arkilian/partadvisor/pkg/types"
)

// NoRecommendationMessage is reported when no column clears the usage threshold.
const NoRecommendationMessage = "no suitable partition columns identified"

// Config controls a pipeline run.
type Config struct {
	Partition   partition.Config
	Cardinality cardinality.BatchOptions

	// Apply issues the partition DDL after a recommendation is produced
	Apply bool

	// Optimize rewrites the table after a successful apply (default true)
	Optimize bool

	// ANSIQuotes parses query text with double-quoted identifiers
	ANSIQuotes bool

	// ReportsPrefix is the object-storage prefix for run reports
	ReportsPrefix string
}

// ColumnLister returns the columns of a table. engine.Catalog implements it.
type ColumnLister interface {
	Columns(ctx context.Context, table string) ([]string, error)
}

// Deps are the advisor's collaborators. Only Logs is needed for Run; every
// other field is optional.
type Deps struct {
	Logs     *querylog.Reader
	Catalog  ColumnLister
	Resolver cardinality.Resolver
	Executor engine.Executor
	History  history.Store
	Reports  storage.ObjectStorage
	Logger   *slog.Logger
}

// Advisor produces partition recommendations.
type Advisor struct {
	cfg        Config
	classifier *partition.Classifier
	logs       *querylog.Reader
	catalog    ColumnLister
	resolver   cardinality.Resolver
	executor   engine.Executor
	history    history.Store
	reports    storage.ObjectStorage
	logger     *slog.Logger
}

// New creates an advisor.
func New(cfg Config, deps Deps) (*Advisor, error) {
	if err := cfg.Partition.Validate(); err != nil {
		return nil, aerrors.NewValidationError(aerrors.CodeInvalidConfig, err.Error())
	}
	if cfg.Apply && deps.Executor == nil {
		return nil, aerrors.NewValidationError(aerrors.CodeInvalidConfig, "apply is enabled but no executor is configured")
	}

	resolver := deps.Resolver
	if resolver == nil {
		resolver = cardinality.Unavailable
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.Cardinality.Logger = logger

	return &Advisor{
		cfg:        cfg,
		classifier: partition.NewClassifier(cfg.Partition),
		logs:       deps.Logs,
		catalog:    deps.Catalog,
		resolver:   resolver,
		executor:   deps.Executor,
		history:    deps.History,
		reports:    deps.Reports,
		logger:     logger,
	}, nil
}

// Run executes the full pipeline for table. The returned report is never nil;
// on failure it carries the outcome and error that were recorded.
func (a *Advisor) Run(ctx context.Context, table string) (*Report, error) {
	report := a.newReport(table)
	a.logger.Info("advisor: run started", "run_id", report.RunID, "table", table)

	err := a.run(ctx, report)

	report.FinishedAt = time.Now().UTC()
	if err != nil {
		report.Error = err.Error()
		if report.Outcome == "" {
			report.Outcome = history.OutcomeFailed
		}
	}
	metrics.RunsTotal.WithLabelValues(string(report.Outcome)).Inc()
	metrics.RunDuration.Observe(report.Duration().Seconds())
	a.persist(ctx, report)

	if err != nil {
		a.logger.Error("advisor: run failed",
			"run_id", report.RunID,
			"table", table,
			"outcome", report.Outcome,
			"error", err)
		return report, err
	}
	a.logger.Info("advisor: run complete",
		"run_id", report.RunID,
		"summary", report.summary(),
		"records", report.Extraction.Parsed,
		"candidates", len(report.Candidates),
		"duration", report.Duration())
	return report, nil
}

func (a *Advisor) run(ctx context.Context, report *Report) error {
	if a.logs == nil {
		return aerrors.NewValidationError(aerrors.CodeInvalidConfig, "no query-log source configured")
	}
	if _, err := engine.ParseTable(report.Table); err != nil {
		return aerrors.NewValidationError(aerrors.CodeInvalidTable, err.Error())
	}

	extractor, err := a.extractor(ctx, report.Table)
	if err != nil {
		return err
	}

	agg := usage.NewAggregator()
	stats, err := a.logs.Each(ctx, func(e querylog.Entry) error {
		rec, err := extractor.Extract(e.SQL)
		if err != nil {
			report.Extraction.Failed++
			metrics.RecordsTotal.WithLabelValues("parse_error").Inc()
			a.logger.Debug("advisor: dropping unparseable statement",
				"object", e.Object, "line", e.Line, "error", err)
			return nil
		}
		report.Extraction.Parsed++
		metrics.RecordsTotal.WithLabelValues("extracted").Inc()
		agg.Add(rec)
		return nil
	})
	report.Logs = &stats
	if err != nil {
		return err
	}

	if err := a.recommend(ctx, report, agg.Totals(), a.resolver); err != nil {
		return err
	}
	if report.Outcome == history.OutcomeNoRecommendation || !a.cfg.Apply {
		return nil
	}
	return a.apply(ctx, report)
}

// Recommend runs only the core on records that were already extracted: no log
// reading, no DDL and no history. The outcome is no_recommendation or recommended.
func (a *Advisor) Recommend(ctx context.Context, table string, records []usage.Record, resolver cardinality.Resolver) (*Report, error) {
	if _, err := engine.ParseTable(table); err != nil {
		return nil, aerrors.NewValidationError(aerrors.CodeInvalidTable, err.Error())
	}
	if resolver == nil {
		resolver = a.resolver
	}

	report := a.newReport(table)
	report.Extraction.Parsed = int64(len(records))
	if err := a.recommend(ctx, report, usage.Aggregate(records...), resolver); err != nil {
		return nil, err
	}
	report.FinishedAt = time.Now().UTC()
	return report, nil
}

// Extract turns SQL statements into usage records for table, dropping the
// ones that cannot be analysed.
func (a *Advisor) Extract(ctx context.Context, table string, statements []string) ([]usage.Record, ExtractionStats, error) {
	var stats ExtractionStats
	extractor, err := a.extractor(ctx, table)
	if err != nil {
		return nil, stats, err
	}
	records := make([]usage.Record, 0, len(statements))
	for _, sql := range statements {
		rec, err := extractor.Extract(sql)
		if err != nil {
			stats.Failed++
			continue
		}
		stats.Parsed++
		records = append(records, rec)
	}
	return records, stats, nil
}

// ApplyEnabled reports whether Run issues DDL.
func (a *Advisor) ApplyEnabled() bool {
	return a.cfg.Apply
}

func (a *Advisor) newReport(table string) *Report {
	return &Report{
		RunID:       history.NewRunID(),
		Table:       table,
		StartedAt:   time.Now().UTC(),
		Candidates:  []string{},
		Evaluations: []partition.Evaluation{},
		Decisions:   []types.Decision{},
	}
}

// extractor builds an extractor restricted to the table's columns when a
// catalog is available. A catalog failure falls back to no restriction.
func (a *Advisor) extractor(ctx context.Context, table string) (*extract.Extractor, error) {
	var opts []extract.Option
	if a.cfg.ANSIQuotes {
		opts = append(opts, extract.WithANSIQuotes())
	}
	if a.catalog != nil {
		columns, err := a.catalog.Columns(ctx, table)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			a.logger.Warn("advisor: column catalog unavailable, not filtering columns", "table", table, "error", err)
		case len(columns) == 0:
			a.logger.Warn("advisor: table has no columns in catalog, not filtering columns", "table", table)
		default:
			opts = append(opts, extract.WithColumns(columns))
		}
	}
	extractor, err := extract.New(opts...)
	if err != nil {
		return nil, aerrors.NewInternalError("creating sql extractor", err)
	}
	return extractor, nil
}

// recommend runs the core: candidates, cardinality, classification and rendering.
func (a *Advisor) recommend(ctx context.Context, report *Report, totals *usage.Totals, resolver cardinality.Resolver) error {
	cfg := a.cfg.Partition.ForWindow(totals.Records())
	classifier := a.classifier
	if cfg != a.classifier.Config() {
		classifier = partition.NewClassifier(cfg)
	}
	report.UsageThreshold = classifier.Config().UsageThreshold

	candidates := classifier.Candidates(totals)
	report.Candidates = candidates

	measurements := cardinality.ResolveAll(ctx, resolver, report.Table, candidates, a.cfg.Cardinality)
	if err := ctx.Err(); err != nil {
		return err
	}

	report.Evaluations = classifier.Evaluate(totals, measurements)
	decisions := classifier.Classify(totals, measurements)
	report.Decisions = decisions

	if len(decisions) == 0 {
		report.Outcome = history.OutcomeNoRecommendation
		report.Message = NoRecommendationMessage
		a.logger.Info("advisor: "+NoRecommendationMessage,
			"table", report.Table,
			"columns", totals.Len(),
			"usage_threshold", report.UsageThreshold)
		return nil
	}

	spec, err := partition.NewBuilder(cfg.BucketCount).Build(decisions)
	if err != nil {
		return aerrors.NewInternalError("rendering partition spec", err)
	}
	report.Spec = spec.String()
	report.Outcome = history.OutcomeRecommended
	for _, d := range decisions {
		metrics.DecisionsTotal.WithLabelValues(string(d.Strategy)).Inc()
	}
	return nil
}

// apply issues the DDL for a recommended spec, once. The spec is never
// regenerated after a failure.
func (a *Advisor) apply(ctx context.Context, report *Report) error {
	if a.history != nil {
		last, err := a.history.Latest(ctx, report.Table, true)
		switch {
		case err == nil && last.Fingerprint == history.Fingerprint(report.Spec):
			report.Outcome = history.OutcomeUnchanged
			a.logger.Info("advisor: spec already applied, skipping ddl",
				"table", report.Table, "spec", report.Spec, "applied_run_id", last.ID)
			return nil
		case err != nil && !errors.Is(err, history.ErrNotFound):
			a.logger.Warn("advisor: could not read last applied run", "table", report.Table, "error", err)
		}
	}

	// Nothing has been applied yet; a cancelled run stops here.
	if err := ctx.Err(); err != nil {
		return err
	}

	a.logger.Info("advisor: applying partitioning", "table", report.Table, "spec", report.Spec)
	if err := a.executor.ApplyPartitioning(ctx, report.Table, report.Spec); err != nil {
		report.Outcome = history.OutcomeApplyFailed
		return err
	}
	if a.cfg.Optimize {
		if err := a.executor.Optimize(ctx, report.Table); err != nil {
			report.Outcome = history.OutcomeApplyFailed
			return err
		}
	}
	report.Outcome = history.OutcomeApplied
	return nil
}

// Describe renders the evaluations as an aligned text table.
func Describe(report *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-32s %8s %8s %8s %8s %8s %12s  %s\n",
		"column", "select", "where", "join", "group_by", "order_by", "cardinality", "verdict")
	for _, ev := range report.Evaluations {
		verdict := string(ev.Reason)
		if ev.Qualified {
			verdict = string(ev.Strategy) + " (" + verdict + ")"
		}
		fmt.Fprintf(&b, "%-32s %8d %8d %8d %8d %8d %12s  %s\n",
			ev.Column, ev.Usage.Select, ev.Usage.Where, ev.Usage.Join, ev.Usage.GroupBy, ev.Usage.OrderBy,
			ev.Cardinality.String(), verdict)
	}
	if report.Spec != "" {
		fmt.Fprintf(&b, "\nspec: %s\n", report.Spec)
	} else if report.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", report.Message)
	}
	return b.String()
}
