// Package metrics defines the Prometheus metrics exported by partadvisor.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partadvisor_build_info",
			Help: "Build information of partadvisor",
		},
		[]string{"version", "commit"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partadvisor_runs_total",
			Help: "Total number of recommendation runs by outcome",
		},
		[]string{"outcome"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partadvisor_run_duration_seconds",
			Help:    "Duration of recommendation runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27m
		},
	)

	LogLinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partadvisor_log_lines_total",
			Help: "Total number of query-log lines read, by disposition",
		},
		[]string{"disposition"}, // emitted, malformed, missing_sql, filtered
	)

	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partadvisor_usage_records_total",
			Help: "Total number of SQL statements turned into usage records, by result",
		},
		[]string{"result"}, // extracted, parse_error
	)

	CardinalityLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partadvisor_cardinality_lookups_total",
			Help: "Total number of cardinality lookups, by result",
		},
		[]string{"result"}, // known, unknown
	)

	CardinalityLookupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partadvisor_cardinality_lookup_duration_seconds",
			Help:    "Duration of cardinality lookups in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
		},
	)

	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partadvisor_decisions_total",
			Help: "Total number of partition column decisions, by strategy",
		},
		[]string{"strategy"},
	)

	DDLStatementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partadvisor_ddl_statements_total",
			Help: "Total number of DDL statements issued, by kind and status",
		},
		[]string{"kind", "status"}, // kind: apply, optimize
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partadvisor_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partadvisor_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware records request count and latency per route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// Push sends the default registry to a Prometheus Pushgateway.
// Batch runs exit before a scrape could happen, so they push instead.
func Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(prometheus.DefaultGatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("metrics: push to %s failed: %w", url, err)
	}
	return nil
}
