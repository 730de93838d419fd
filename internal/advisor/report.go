package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/arkilian/partadvisor/internal/history"
	"github.com/arkilian/partadvisor/internal/partition"
	"github.com/arkilian/partadvisor/internal/querylog"
	"github.com/arkilian/partadvisor/pkg/types"
)

// ExtractionStats counts what happened to the SQL statements of a run.
type ExtractionStats struct {
	Parsed int64 `json:"parsed"`
	Failed int64 `json:"failed"`
}

// Report describes one advisor run from start to finish.
type Report struct {
	RunID      string    `json:"run_id"`
	Table      string    `json:"table"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Logs       *querylog.Stats `json:"logs,omitempty"`
	Extraction ExtractionStats `json:"extraction"`

	// UsageThreshold is the absolute threshold in effect for this window
	UsageThreshold int64 `json:"usage_threshold"`

	Candidates  []string               `json:"candidates"`
	Evaluations []partition.Evaluation `json:"evaluations"`
	Decisions   []types.Decision       `json:"decisions"`
	Spec        string                 `json:"spec"`
	Outcome     history.Outcome        `json:"outcome"`
	Message     string                 `json:"message,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Duration returns how long the run took.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// HistoryRun converts the report to the row persisted in history.
func (r *Report) HistoryRun() *history.Run {
	return &history.Run{
		ID:             r.RunID,
		Table:          r.Table,
		Spec:           r.Spec,
		Fingerprint:    history.Fingerprint(r.Spec),
		Outcome:        r.Outcome,
		Decisions:      r.Decisions,
		CandidateCount: len(r.Candidates),
		RecordCount:    r.Extraction.Parsed,
		Error:          r.Error,
		CreatedAt:      r.StartedAt,
	}
}

// ReportKey returns the object key a report is stored under.
func ReportKey(prefix, table, runID string) string {
	return path.Join(prefix, table, runID+".json")
}

func (a *Advisor) persist(ctx context.Context, report *Report) {
	// Bookkeeping outlives a cancelled run.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if a.history != nil {
		if err := a.history.Record(ctx, report.HistoryRun()); err != nil {
			a.logger.Error("advisor: failed to record run history", "run_id", report.RunID, "error", err)
		}
	}

	if a.reports != nil {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			a.logger.Error("advisor: failed to encode report", "run_id", report.RunID, "error", err)
			return
		}
		key := ReportKey(a.cfg.ReportsPrefix, report.Table, report.RunID)
		if err := a.reports.Put(ctx, key, data); err != nil {
			a.logger.Error("advisor: failed to store report", "key", key, "error", err)
			return
		}
		a.logger.Debug("advisor: report stored", "key", key)
	}
}

func (r *Report) summary() string {
	if r.Spec == "" {
		return fmt.Sprintf("%s: %s", r.Table, r.Outcome)
	}
	return fmt.Sprintf("%s: %s (%s)", r.Table, r.Spec, r.Outcome)
}
