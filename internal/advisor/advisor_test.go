package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/arkilian/partadvisor/internal/cardinality"
	aerrors "github.com/arkilian/partadvisor/internal/errors"
	"github.com/arkilian/partadvisor/internal/history"
	"github.com/arkilian/partadvisor/internal/logger"
	"github.com/arkilian/partadvisor/internal/partition"
	"github.com/arkilian/partadvisor/internal/querylog"
	"github.com/arkilian/partadvisor/internal/storage"
	"github.com/arkilian/partadvisor/internal/usage"
	"github.com/arkilian/partadvisor/pkg/types"
)

// fakeExecutor records DDL calls and fails on demand.
type fakeExecutor struct {
	mu          sync.Mutex
	applied     []string
	optimized   []string
	applyErr    error
	optimizeErr error
}

func (f *fakeExecutor) ApplyPartitioning(ctx context.Context, table, spec string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, table+"="+spec)
	return f.applyErr
}

func (f *fakeExecutor) Optimize(ctx context.Context, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.optimized = append(f.optimized, table)
	return f.optimizeErr
}

type staticColumns []string

func (s staticColumns) Columns(ctx context.Context, table string) ([]string, error) {
	return s, nil
}

type failingColumns struct{}

func (failingColumns) Columns(ctx context.Context, table string) ([]string, error) {
	return nil, errors.New("catalog down")
}

// writeLogs stores one JSON-lines object holding the e2e workload:
// status is filtered 60 times, region 55 times, user_id is only selected.
func writeLogs(t *testing.T, store storage.ObjectStorage) {
	t.Helper()
	var b strings.Builder
	for i := 0; i < 55; i++ {
		fmt.Fprintf(&b, `{"sql": "SELECT user_id FROM page_views WHERE status = 'ok' AND region = 'eu'", "state": "FINISHED"}`+"\n")
	}
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&b, `{"sql": "SELECT user_id FROM page_views WHERE status = 'err'", "state": "FINISHED"}`+"\n")
	}
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&b, `{"sql": "SELECT user_id FROM page_views", "state": "FINISHED"}`+"\n")
	}
	b.WriteString("not json\n")
	b.WriteString(`{"sql": "DELETE FROM page_views"}` + "\n")
	b.WriteString(`{"sql": "SELEC broken"}` + "\n")
	if err := store.Put(context.Background(), "logs/2026/03/01.jsonl", []byte(b.String())); err != nil {
		t.Fatalf("failed to write logs: %v", err)
	}
}

type fixture struct {
	store    *storage.LocalStorage
	history  *history.SQLiteStore
	executor *fakeExecutor
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	hist, err := history.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("failed to open history: %v", err)
	}
	t.Cleanup(func() { hist.Close() })
	writeLogs(t, store)
	return &fixture{store: store, history: hist, executor: &fakeExecutor{}}
}

func (f *fixture) advisor(t *testing.T, apply bool, resolver cardinality.Resolver) *Advisor {
	t.Helper()
	logCfg := querylog.DefaultConfig()
	logCfg.Prefix = "logs/"
	a, err := New(Config{
		Partition:     partition.DefaultConfig(),
		Cardinality:   cardinality.DefaultBatchOptions(),
		Apply:         apply,
		Optimize:      true,
		ReportsPrefix: "reports",
	}, Deps{
		Logs:     querylog.NewReader(f.store, logCfg, nil),
		Resolver: resolver,
		Executor: f.executor,
		History:  f.history,
		Reports:  f.store,
		Logger:   logger.NewForTest(),
	})
	if err != nil {
		t.Fatalf("failed to create advisor: %v", err)
	}
	return a
}

var e2eCardinality = cardinality.Static{"status": 500000, "region": 50, "user_id": 10000000}

func TestRun_EndToEndRecommendation(t *testing.T) {
	f := setupFixture(t)
	a := f.advisor(t, false, e2eCardinality)

	report, err := a.Run(context.Background(), "page_views")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Spec != "HASH(status, 16),region" {
		t.Errorf("expected spec %q, got %q", "HASH(status, 16),region", report.Spec)
	}
	if report.Outcome != history.OutcomeRecommended {
		t.Errorf("expected outcome recommended, got %s", report.Outcome)
	}
	wantDecisions := []types.Decision{
		{Column: "status", Strategy: types.StrategyHash},
		{Column: "region", Strategy: types.StrategyRange},
	}
	if diff := cmp.Diff(wantDecisions, report.Decisions); diff != "" {
		t.Errorf("decisions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"status", "region"}, report.Candidates); diff != "" {
		t.Errorf("candidates mismatch (-want +got):\n%s", diff)
	}
	if report.Extraction.Parsed != 260 || report.Extraction.Failed != 2 {
		t.Errorf("unexpected extraction stats: %+v", report.Extraction)
	}
	if report.Logs == nil || report.Logs.Malformed != 1 || report.Logs.Emitted != 262 {
		t.Errorf("unexpected log stats: %+v", report.Logs)
	}
	if len(f.executor.applied) != 0 {
		t.Errorf("apply disabled, but ddl was issued: %v", f.executor.applied)
	}

	// user_id is select-only and must be evaluated but never qualify.
	var sawUserID bool
	for _, ev := range report.Evaluations {
		if ev.Column == "user_id" {
			sawUserID = true
			if ev.Qualified || ev.Reason != partition.ReasonBelowThreshold {
				t.Errorf("user_id should be below threshold, got %+v", ev)
			}
		}
	}
	if !sawUserID {
		t.Error("expected an evaluation for user_id")
	}

	// The report and the history row are both persisted.
	rc, err := f.store.Get(context.Background(), ReportKey("reports", "page_views", report.RunID))
	if err != nil {
		t.Fatalf("report not stored: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	var stored Report
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("stored report is not json: %v", err)
	}
	if stored.Spec != report.Spec || stored.RunID != report.RunID {
		t.Errorf("stored report mismatch: %+v", stored)
	}

	run, err := f.history.Latest(context.Background(), "page_views", false)
	if err != nil {
		t.Fatalf("history missing: %v", err)
	}
	if run.ID != report.RunID || run.Outcome != history.OutcomeRecommended || run.CandidateCount != 2 {
		t.Errorf("unexpected history run: %+v", run)
	}
}

func TestRun_ApplyThenUnchanged(t *testing.T) {
	f := setupFixture(t)
	a := f.advisor(t, true, e2eCardinality)

	report, err := a.Run(context.Background(), "page_views")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Outcome != history.OutcomeApplied {
		t.Errorf("expected applied, got %s", report.Outcome)
	}
	if diff := cmp.Diff([]string{"page_views=HASH(status, 16),region"}, f.executor.applied); diff != "" {
		t.Errorf("apply calls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"page_views"}, f.executor.optimized); diff != "" {
		t.Errorf("optimize calls mismatch (-want +got):\n%s", diff)
	}

	// Same input, same spec: nothing is re-applied.
	second, err := a.Run(context.Background(), "page_views")
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if second.Outcome != history.OutcomeUnchanged {
		t.Errorf("expected unchanged, got %s", second.Outcome)
	}
	if second.Spec != report.Spec {
		t.Errorf("spec changed between identical runs: %q vs %q", report.Spec, second.Spec)
	}
	if len(f.executor.applied) != 1 {
		t.Errorf("expected a single apply, got %v", f.executor.applied)
	}
}

func TestRun_ApplyFailure(t *testing.T) {
	f := setupFixture(t)
	ddlErr := aerrors.NewDDLError(aerrors.CodeApplyFailed, "apply statement failed", errors.New("permission denied"))
	f.executor.applyErr = ddlErr
	a := f.advisor(t, true, e2eCardinality)

	report, err := a.Run(context.Background(), "page_views")
	if !errors.Is(err, ddlErr) {
		t.Fatalf("expected the ddl error surfaced as-is, got %v", err)
	}
	if aerrors.IsRetryable(err) {
		t.Error("ddl failures must not be retryable")
	}
	if report.Outcome != history.OutcomeApplyFailed {
		t.Errorf("expected apply_failed, got %s", report.Outcome)
	}
	if report.Spec != "HASH(status, 16),region" {
		t.Errorf("spec should be kept on failure, got %q", report.Spec)
	}
	if len(f.executor.applied) != 1 || len(f.executor.optimized) != 0 {
		t.Errorf("expected one apply attempt and no optimize, got %v / %v", f.executor.applied, f.executor.optimized)
	}

	run, err := f.history.Latest(context.Background(), "page_views", false)
	if err != nil {
		t.Fatalf("history missing: %v", err)
	}
	if run.Outcome != history.OutcomeApplyFailed || !strings.Contains(run.Error, "APPLY_FAILED") {
		t.Errorf("unexpected history run: %+v", run)
	}
	if _, err := f.history.Latest(context.Background(), "page_views", true); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("a failed apply must not count as applied, got %v", err)
	}
}

func TestRun_OptimizeFailure(t *testing.T) {
	f := setupFixture(t)
	f.executor.optimizeErr = aerrors.NewDDLError(aerrors.CodeOptimizeFailed, "optimize statement failed", nil)
	a := f.advisor(t, true, e2eCardinality)

	report, err := a.Run(context.Background(), "page_views")
	if aerrors.GetCode(err) != aerrors.CodeOptimizeFailed {
		t.Fatalf("expected optimize failure, got %v", err)
	}
	if report.Outcome != history.OutcomeApplyFailed {
		t.Errorf("expected apply_failed, got %s", report.Outcome)
	}
}

func TestRun_NoRecommendation(t *testing.T) {
	f := setupFixture(t)
	logCfg := querylog.DefaultConfig()
	logCfg.Prefix = "logs/"
	cfg := Config{Partition: partition.DefaultConfig(), Apply: true}
	cfg.Partition.UsageThreshold = 1000
	a, err := New(cfg, Deps{
		Logs:     querylog.NewReader(f.store, logCfg, nil),
		Resolver: e2eCardinality,
		Executor: f.executor,
		History:  f.history,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	report, err := a.Run(context.Background(), "page_views")
	if err != nil {
		t.Fatalf("no recommendation is not a failure: %v", err)
	}
	if report.Outcome != history.OutcomeNoRecommendation {
		t.Errorf("expected no_recommendation, got %s", report.Outcome)
	}
	if report.Spec != "" || report.Message != NoRecommendationMessage {
		t.Errorf("unexpected report: spec=%q message=%q", report.Spec, report.Message)
	}
	if report.Decisions == nil || len(report.Decisions) != 0 {
		t.Errorf("expected empty decisions, got %v", report.Decisions)
	}
	if len(f.executor.applied) != 0 {
		t.Errorf("no ddl expected, got %v", f.executor.applied)
	}
}

func TestRun_CancelledBeforeApply(t *testing.T) {
	f := setupFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	// The resolver cancels the run while measuring, after logs were read.
	resolver := cardinality.Func(func(rctx context.Context, table, column string) cardinality.Measurement {
		cancel()
		return cardinality.Unknown()
	})
	a := f.advisor(t, true, resolver)

	report, err := a.Run(ctx, "page_views")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(f.executor.applied) != 0 {
		t.Errorf("cancelled run must not apply, got %v", f.executor.applied)
	}
	if report.Outcome != history.OutcomeFailed {
		t.Errorf("expected failed outcome, got %s", report.Outcome)
	}

	// The failed run is still recorded.
	if _, err := f.history.Latest(context.Background(), "page_views", false); err != nil {
		t.Errorf("cancelled run not recorded: %v", err)
	}
}

func TestRun_LogReadFailure(t *testing.T) {
	f := setupFixture(t)
	logCfg := querylog.DefaultConfig()
	logCfg.Keys = []string{"logs/missing.jsonl"}
	a, err := New(Config{Partition: partition.DefaultConfig()}, Deps{
		Logs: querylog.NewReader(f.store, logCfg, nil),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	report, err := a.Run(context.Background(), "page_views")
	if aerrors.GetCategory(err) != aerrors.ErrCategoryLogs {
		t.Fatalf("expected a LOGS error, got %v", err)
	}
	if report.Outcome != history.OutcomeFailed || report.Error == "" {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestRun_InvalidTable(t *testing.T) {
	f := setupFixture(t)
	a := f.advisor(t, false, nil)
	_, err := a.Run(context.Background(), "bad;table")
	if aerrors.GetCode(err) != aerrors.CodeInvalidTable {
		t.Errorf("expected INVALID_TABLE, got %v", err)
	}
}

func TestRun_UnknownCardinalityDefaultsToRange(t *testing.T) {
	f := setupFixture(t)
	a := f.advisor(t, false, nil)

	report, err := a.Run(context.Background(), "page_views")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Spec != "status,region" {
		t.Errorf("expected range-only spec, got %q", report.Spec)
	}
}

func TestRun_CatalogAllowList(t *testing.T) {
	f := setupFixture(t)
	logCfg := querylog.DefaultConfig()
	logCfg.Prefix = "logs/"
	a, err := New(Config{Partition: partition.DefaultConfig()}, Deps{
		Logs:     querylog.NewReader(f.store, logCfg, nil),
		Catalog:  staticColumns{"status", "user_id"},
		Resolver: e2eCardinality,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	report, err := a.Run(context.Background(), "page_views")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Spec != "HASH(status, 16)" {
		t.Errorf("region is not a table column and must be dropped, got %q", report.Spec)
	}

	// A broken catalog does not fail the run.
	a, err = New(Config{Partition: partition.DefaultConfig()}, Deps{
		Logs:     querylog.NewReader(f.store, logCfg, nil),
		Catalog:  failingColumns{},
		Resolver: e2eCardinality,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	report, err = a.Run(context.Background(), "page_views")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Spec != "HASH(status, 16),region" {
		t.Errorf("got %q", report.Spec)
	}
}

func TestRun_UsageRate(t *testing.T) {
	f := setupFixture(t)
	logCfg := querylog.DefaultConfig()
	logCfg.Prefix = "logs/"
	cfg := Config{Partition: partition.DefaultConfig()}
	// 260 records at 220 per 1000 gives a threshold of 57: status (60) stays, region (55) drops.
	cfg.Partition.UsageRatePer1K = 220
	a, err := New(cfg, Deps{Logs: querylog.NewReader(f.store, logCfg, nil), Resolver: e2eCardinality})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	report, err := a.Run(context.Background(), "page_views")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.UsageThreshold != 57 {
		t.Errorf("expected threshold 57, got %d", report.UsageThreshold)
	}
	if report.Spec != "HASH(status, 16)" {
		t.Errorf("got %q", report.Spec)
	}
}

func TestNew_Validation(t *testing.T) {
	cfg := Config{Partition: partition.DefaultConfig(), Apply: true}
	if _, err := New(cfg, Deps{}); aerrors.GetCode(err) != aerrors.CodeInvalidConfig {
		t.Errorf("apply without executor should be rejected, got %v", err)
	}
	cfg = Config{Partition: partition.DefaultConfig()}
	cfg.Partition.BucketCount = 0
	if _, err := New(cfg, Deps{}); aerrors.GetCode(err) != aerrors.CodeInvalidConfig {
		t.Errorf("invalid partition config should be rejected, got %v", err)
	}
}

func TestRecommend_CoreOnly(t *testing.T) {
	a, err := New(Config{Partition: partition.DefaultConfig()}, Deps{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var records []usage.Record
	for i := 0; i < 51; i++ {
		records = append(records, usage.Record{usage.RoleWhere: {"status"}, usage.RoleSelect: {"id"}})
	}
	for i := 0; i < 50; i++ {
		records = append(records, usage.Record{usage.RoleJoin: {"region"}})
	}

	report, err := a.Recommend(context.Background(), "page_views", records, cardinality.Static{"status": 100001})
	if err != nil {
		t.Fatalf("Recommend failed: %v", err)
	}
	if report.Spec != "HASH(status, 16)" {
		t.Errorf("got %q", report.Spec)
	}
	if report.Outcome != history.OutcomeRecommended {
		t.Errorf("got %s", report.Outcome)
	}

	report, err = a.Recommend(context.Background(), "page_views", nil, nil)
	if err != nil {
		t.Fatalf("Recommend failed: %v", err)
	}
	if report.Outcome != history.OutcomeNoRecommendation || report.Spec != "" {
		t.Errorf("unexpected report: %+v", report)
	}

	if _, err := a.Recommend(context.Background(), "", records, nil); err == nil {
		t.Error("expected error for empty table")
	}
}

func TestExtract(t *testing.T) {
	a, err := New(Config{Partition: partition.DefaultConfig()}, Deps{Catalog: staticColumns{"status"}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	records, stats, err := a.Extract(context.Background(), "t", []string{
		"SELECT a FROM t WHERE status = 1",
		"not sql",
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if stats.Parsed != 1 || stats.Failed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	want := []usage.Record{{usage.RoleWhere: {"status"}}}
	if diff := cmp.Diff(want, records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestDescribe(t *testing.T) {
	a, _ := New(Config{Partition: partition.DefaultConfig()}, Deps{})
	records := make([]usage.Record, 0, 60)
	for i := 0; i < 60; i++ {
		records = append(records, usage.Record{usage.RoleWhere: {"status"}})
	}
	report, err := a.Recommend(context.Background(), "t", records, cardinality.Static{"status": 5})
	if err != nil {
		t.Fatalf("Recommend failed: %v", err)
	}
	out := Describe(report)
	if !strings.Contains(out, "range (low_cardinality)") || !strings.Contains(out, "spec: status") {
		t.Errorf("unexpected description:\n%s", out)
	}
}
