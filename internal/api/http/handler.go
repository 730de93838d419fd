package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arkilian/partadvisor/internal/advisor"
	"github.com/arkilian/partadvisor/internal/cardinality"
	aerrors "github.com/arkilian/partadvisor/internal/errors"
	"github.com/arkilian/partadvisor/internal/history"
	"github.com/arkilian/partadvisor/internal/metrics"
	"github.com/arkilian/partadvisor/internal/usage"
	"github.com/arkilian/partadvisor/pkg/types"
)

// Advisor is the part of advisor.Advisor the API needs.
type Advisor interface {
	Extract(ctx context.Context, table string, statements []string) ([]usage.Record, advisor.ExtractionStats, error)
	Recommend(ctx context.Context, table string, records []usage.Record, resolver cardinality.Resolver) (*advisor.Report, error)
	Run(ctx context.Context, table string) (*advisor.Report, error)
}

// RecommendRequest is the body of POST /v1/recommend.
type RecommendRequest struct {
	Table string `json:"table"`

	// SQL statements to analyse
	SQL []string `json:"sql"`

	// Records are pre-extracted usage records: role -> column references
	Records []map[string][]string `json:"records"`

	// Cardinality overrides the engine: column -> distinct count, null for unknown
	Cardinality map[string]*int64 `json:"cardinality"`
}

// RunRequest is the body of POST /v1/runs.
type RunRequest struct {
	Table string `json:"table"`
}

// RunResponse is returned by POST /v1/runs, for failed runs too.
type RunResponse struct {
	Report    *advisor.Report `json:"report"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// HistoryResponse is returned by GET /v1/history.
type HistoryResponse struct {
	Runs []*history.Run `json:"runs"`
}

// Handler serves the advisor API.
type Handler struct {
	advisor      Advisor
	history      history.Store
	defaultTable string
	logger       *slog.Logger
}

// NewHandler creates a handler. hist may be nil when history is disabled.
func NewHandler(adv Advisor, hist history.Store, defaultTable string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{advisor: adv, history: hist, defaultTable: defaultTable, logger: logger}
}

// NewRouter builds the HTTP routes.
func NewRouter(h *Handler, maxBodyBytes int64) http.Handler {
	r := chi.NewRouter()
	r.Use(
		RecoveryMiddleware(h.logger),
		RequestIDMiddleware,
		CorrelationIDMiddleware,
		LoggingMiddleware(h.logger),
		metrics.Middleware,
	)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(ContentTypeMiddleware, BodyLimitMiddleware(maxBodyBytes))
		r.Post("/recommend", h.Recommend)
		r.Post("/runs", h.Run)
		r.Get("/history", h.History)
	})
	return r
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Recommend handles POST /v1/recommend: the core on caller-supplied evidence.
func (h *Handler) Recommend(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	var req RecommendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", requestID)
		return
	}
	if req.Table == "" {
		req.Table = h.defaultTable
	}
	if req.Table == "" {
		writeError(w, http.StatusBadRequest, "table is required", aerrors.CodeInvalidTable, requestID)
		return
	}

	records, err := DecodeRecords(req.Records)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "", requestID)
		return
	}

	var stats advisor.ExtractionStats
	if len(req.SQL) > 0 {
		extracted, s, err := h.advisor.Extract(r.Context(), req.Table, req.SQL)
		if err != nil {
			h.writeAdvisorError(w, err, requestID)
			return
		}
		records = append(records, extracted...)
		stats = s
	}
	stats.Parsed += int64(len(req.Records))

	report, err := h.advisor.Recommend(r.Context(), req.Table, records, ResolverFor(req.Cardinality))
	if err != nil {
		h.writeAdvisorError(w, err, requestID)
		return
	}
	report.Extraction = stats
	writeJSON(w, http.StatusOK, report)
}

// Run handles POST /v1/runs: a full pipeline pass over the configured logs.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	var req RunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", requestID)
			return
		}
	}
	if req.Table == "" {
		req.Table = h.defaultTable
	}
	if req.Table == "" {
		writeError(w, http.StatusBadRequest, "table is required", aerrors.CodeInvalidTable, requestID)
		return
	}

	report, err := h.advisor.Run(r.Context(), req.Table)
	if err != nil {
		writeJSON(w, StatusFor(err), RunResponse{
			Report:    report,
			Error:     err.Error(),
			Code:      aerrors.GetCode(err),
			RequestID: requestID,
		})
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{Report: report, RequestID: requestID})
}

// History handles GET /v1/history?table=&limit=.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history is disabled", "", requestID)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 1000", "", requestID)
			return
		}
		limit = n
	}

	runs, err := h.history.List(r.Context(), r.URL.Query().Get("table"), limit)
	if err != nil {
		h.logger.Error("http: listing history failed", "request_id", requestID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list history", "", requestID)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Runs: runs})
}

func (h *Handler) writeAdvisorError(w http.ResponseWriter, err error, requestID string) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("http: request failed", "request_id", requestID, "error", err)
	}
	writeError(w, status, err.Error(), aerrors.GetCode(err), requestID)
}

// StatusFor maps an advisor error to an HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	switch aerrors.GetCategory(err) {
	case aerrors.ErrCategoryValidation:
		return http.StatusBadRequest
	case aerrors.ErrCategoryLogs, aerrors.ErrCategoryDDL, aerrors.ErrCategoryCardinality:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// DecodeRecords converts wire records into usage records, rejecting unknown
// roles and column names that cannot appear in a partition spec.
func DecodeRecords(in []map[string][]string) ([]usage.Record, error) {
	records := make([]usage.Record, 0, len(in))
	for i, raw := range in {
		rec := usage.Record{}
		for name, cols := range raw {
			role, err := usage.ParseRole(name)
			if err != nil {
				return nil, fmt.Errorf("records[%d]: %w", i, err)
			}
			for _, col := range cols {
				if !types.ValidColumn(col) {
					return nil, fmt.Errorf("records[%d].%s: invalid column name %q", i, name, col)
				}
			}
			rec.Add(role, cols...)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ResolverFor returns a resolver backed by caller-supplied counts, or nil to
// use the configured one. Null and negative counts are unknown.
func ResolverFor(counts map[string]*int64) cardinality.Resolver {
	if counts == nil {
		return nil
	}
	static := cardinality.Static{}
	for col, n := range counts {
		if n != nil {
			static[col] = *n
		}
	}
	return static
}
