// Package app wires the partition advisor together and manages its lifecycle
// in run and serve modes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/arkilian/partadvisor/internal/advisor"
	grpcapi "github.com/arkilian/partadvisor/internal/api/grpc"
	httpapi "github.com/arkilian/partadvisor/internal/api/http"
	"github.com/arkilian/partadvisor/internal/cardinality"
	"github.com/arkilian/partadvisor/internal/config"
	"github.com/arkilian/partadvisor/internal/engine"
	aerrors "github.com/arkilian/partadvisor/internal/errors"
	"github.com/arkilian/partadvisor/internal/history"
	"github.com/arkilian/partadvisor/internal/metrics"
	"github.com/arkilian/partadvisor/internal/querylog"
	"github.com/arkilian/partadvisor/internal/server"
	"github.com/arkilian/partadvisor/internal/storage"
)

// defaultDialect is used for dry-run DDL and query parsing when no engine is
// configured.
const defaultDialect = "trino"

// App owns every shared resource of the advisor.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	storage storage.ObjectStorage
	db      *engine.DB
	history history.Store
	advisor *advisor.Advisor

	shutdown *server.ShutdownManager

	mu       sync.Mutex
	httpAddr string
	grpcAddr string
	ready    chan struct{}
}

// New validates cfg and opens every configured resource. Configuration
// problems are returned as VALIDATION/INVALID_CONFIG errors.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, aerrors.NewValidationError(aerrors.CodeInvalidConfig, err.Error())
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, ready: make(chan struct{})}
	if err := a.initResources(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) initResources(ctx context.Context) error {
	var err error

	switch a.cfg.Storage.Type {
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		s3Cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle
		s3Cfg.MaxRetries = a.cfg.Storage.S3.MaxRetries
		a.storage, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg)
	default:
		err = fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	deps := advisor.Deps{
		Logs:   querylog.NewReader(a.storage, a.cfg.Logs, a.logger),
		Logger: a.logger,
	}

	dialect, err := engine.Lookup(defaultDialect)
	if err != nil {
		return err
	}
	if a.cfg.Engine.Enabled() {
		a.db, err = engine.Open(ctx, a.cfg.Engine)
		if err != nil {
			return fmt.Errorf("failed to connect to query engine: %w", err)
		}
		dialect = a.db.Dialect()
		deps.Catalog = engine.NewCatalog(a.db)
		deps.Resolver = engine.NewCardinalityResolver(a.db, a.cfg.Cardinality.Timeout, a.logger)
		a.logger.Info("app: query engine connected", "dialect", dialect.Name)
	} else {
		a.logger.Warn("app: no query engine configured, cardinality is unknown for every column")
	}

	if a.cfg.Apply.Enabled {
		if a.cfg.Apply.DryRun {
			deps.Executor = engine.NewDryRunExecutor(dialect, a.logger)
		} else {
			deps.Executor = engine.NewSQLExecutor(a.db, a.logger)
		}
	}

	if a.cfg.History.Enabled {
		store, err := history.Open(a.cfg.History.Path)
		if err != nil {
			return fmt.Errorf("failed to open history: %w", err)
		}
		a.history = store
		deps.History = store
	}
	if a.cfg.Reports.Enabled {
		deps.Reports = a.storage
	}

	a.advisor, err = advisor.New(advisor.Config{
		Partition: a.cfg.Partition,
		Cardinality: cardinality.BatchOptions{
			Concurrency: a.cfg.Cardinality.Concurrency,
			Timeout:     a.cfg.Cardinality.Timeout,
			RatePerSec:  a.cfg.Cardinality.RatePerSec,
		},
		Apply:         a.cfg.Apply.Enabled,
		Optimize:      a.cfg.Apply.Optimize,
		ANSIQuotes:    dialect.ANSIQuotes,
		ReportsPrefix: a.cfg.Reports.Prefix,
	}, deps)
	return err
}

// Advisor returns the wired advisor.
func (a *App) Advisor() *advisor.Advisor {
	return a.advisor
}

// RunOnce executes one pipeline pass for the configured table and pushes
// metrics when a pushgateway is configured.
func (a *App) RunOnce(ctx context.Context) (*advisor.Report, error) {
	report, err := a.advisor.Run(ctx, a.cfg.Table)

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if perr := metrics.Push(pushCtx, a.cfg.Metrics.PushgatewayURL, a.cfg.Metrics.Job); perr != nil {
		a.logger.Warn("app: metrics push failed", "error", perr)
	}
	return report, err
}

// Serve starts the HTTP API, the gRPC API when enabled and the periodic run
// loop when scheduled. It blocks until ctx is cancelled, a signal arrives or a
// server fails, then shuts everything down.
func (a *App) Serve(ctx context.Context) error {
	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig(), a.logger)
	a.shutdown.RegisterCloser("resources", server.CloserFunc(a.Close))

	httpLis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	var grpcLis net.Listener
	if a.cfg.GRPC.Enabled {
		grpcLis, err = net.Listen("tcp", a.cfg.GRPC.Addr)
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", a.cfg.GRPC.Addr, err)
		}
	}

	handler := httpapi.NewHandler(a.advisor, a.history, a.cfg.Table, a.logger)
	router := server.ShutdownMiddleware(a.shutdown)(httpapi.NewRouter(handler, a.cfg.HTTP.MaxBodyBytes))
	httpServer := &http.Server{
		Handler:      router,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	a.shutdown.OnShutdownStart(stopLoop)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.shutdown.ServeHTTP(httpServer, httpLis) })
	if grpcLis != nil {
		gs := grpcapi.Register(
			grpcapi.NewServer(a.advisor, a.cfg.Table, a.logger),
			grpc.ChainUnaryInterceptor(server.UnaryShutdownInterceptor(a.shutdown)),
		)
		g.Go(func() error { return a.shutdown.ServeGRPC(gs, grpcLis) })
	}
	if a.cfg.Schedule.Interval > 0 {
		g.Go(func() error {
			a.scheduleLoop(loopCtx, a.cfg.Schedule.Interval)
			return nil
		})
	}
	g.Go(func() error { return a.shutdown.ListenForSignals(gctx) })

	a.mu.Lock()
	a.httpAddr = httpLis.Addr().String()
	if grpcLis != nil {
		a.grpcAddr = grpcLis.Addr().String()
	}
	a.mu.Unlock()
	close(a.ready)

	a.logger.Info("app: serving",
		"http", a.HTTPAddr(),
		"grpc", a.GRPCAddr(),
		"table", a.cfg.Table,
		"schedule", a.cfg.Schedule.Interval)
	return g.Wait()
}

// scheduleLoop runs the pipeline immediately and then every interval until
// ctx is cancelled. Each run is tracked so shutdown waits for its bookkeeping.
func (a *App) scheduleLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, ok := a.shutdown.Track()
		if !ok {
			return
		}
		if _, err := a.advisor.Run(ctx, a.cfg.Table); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("app: scheduled run failed", "table", a.cfg.Table, "error", err)
		}
		done()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Ready is closed once Serve has bound its listeners.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// HTTPAddr returns the bound HTTP address once Ready is closed.
func (a *App) HTTPAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.httpAddr
}

// GRPCAddr returns the bound gRPC address, empty when gRPC is disabled.
func (a *App) GRPCAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grpcAddr
}

// Close releases the history database and engine connections.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
		a.history = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("engine: %w", err))
		}
		a.db = nil
	}
	return errors.Join(errs...)
}
