package cardinality

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/arkilian/partadvisor/internal/metrics"
)

// BatchOptions controls how ResolveAll fans out lookups.
type BatchOptions struct {
	// Concurrency is the maximum number of lookups in flight (default 4).
	// Size it to the query engine's concurrent-query budget.
	Concurrency int

	// Timeout bounds a single lookup; an expired lookup is Unknown (default 30s).
	Timeout time.Duration

	// RatePerSec optionally caps how many lookups start per second (0 = unlimited).
	RatePerSec float64

	// Logger receives per-column outcomes at debug level.
	Logger *slog.Logger
}

// DefaultBatchOptions returns the default fan-out settings.
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{
		Concurrency: 4,
		Timeout:     30 * time.Second,
	}
}

// ResolveAll measures every column in parallel with bounded concurrency.
// The result holds exactly one measurement per distinct requested column.
// Lookups that fail, time out or are cancelled are Unknown; ResolveAll itself
// never fails.
func ResolveAll(ctx context.Context, r Resolver, table string, columns []string, opts BatchOptions) map[string]Measurement {
	result := make(map[string]Measurement, len(columns))
	if len(columns) == 0 {
		return result
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		burst := int(opts.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}

	// Unknown until proven otherwise, so cancelled lookups still have an entry.
	var queue []string
	for _, col := range columns {
		if _, seen := result[col]; seen {
			continue
		}
		result[col] = Unknown()
		queue = append(queue, col)
	}

	sem := semaphore.NewWeighted(int64(opts.Concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, col := range queue {
		if err := sem.Acquire(ctx, 1); err != nil {
			log.Debug("cardinality: lookup skipped", "column", col, "error", err)
			metrics.CardinalityLookupsTotal.WithLabelValues("unknown").Inc()
			continue
		}

		wg.Add(1)
		go func(column string) {
			defer sem.Release(1)
			defer wg.Done()

			m := resolveOne(ctx, r, table, column, opts.Timeout, limiter)

			mu.Lock()
			result[column] = m
			mu.Unlock()

			if m.IsKnown() {
				metrics.CardinalityLookupsTotal.WithLabelValues("known").Inc()
			} else {
				metrics.CardinalityLookupsTotal.WithLabelValues("unknown").Inc()
			}
			log.Debug("cardinality: resolved", "table", table, "column", column, "cardinality", m.String())
		}(col)
	}

	wg.Wait()
	return result
}

// resolveOne runs a single lookup under its own timeout. The lookup runs in a
// separate goroutine so that a resolver which ignores its context cannot hold
// the run past the timeout.
func resolveOne(ctx context.Context, r Resolver, table, column string, timeout time.Duration, limiter *rate.Limiter) Measurement {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if limiter != nil {
		if err := limiter.Wait(callCtx); err != nil {
			return Unknown()
		}
	}

	start := time.Now()
	done := make(chan Measurement, 1)
	go func() {
		done <- r.Resolve(callCtx, table, column)
	}()

	select {
	case m := <-done:
		metrics.CardinalityLookupDuration.Observe(time.Since(start).Seconds())
		if callCtx.Err() != nil {
			// Answer raced with the deadline; do not trust a late result.
			return Unknown()
		}
		return m
	case <-callCtx.Done():
		metrics.CardinalityLookupDuration.Observe(time.Since(start).Seconds())
		return Unknown()
	}
}
