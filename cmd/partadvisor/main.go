// Package main implements the partadvisor binary.
// In run mode it mines the query logs once, prints the recommendation and
// exits; in serve mode it exposes the HTTP/gRPC API and an optional
// periodic run loop.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/arkilian/partadvisor/internal/advisor"
	"github.com/arkilian/partadvisor/internal/app"
	"github.com/arkilian/partadvisor/internal/config"
	aerrors "github.com/arkilian/partadvisor/internal/errors"
	"github.com/arkilian/partadvisor/internal/logger"
	"github.com/arkilian/partadvisor/internal/metrics"
	"github.com/arkilian/partadvisor/internal/partition"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// options holds the parsed command line.
type options struct {
	configFile  string
	envFile     string
	jsonOutput  bool
	showVersion bool

	fs *flag.FlagSet

	mode          string
	dataDir       string
	table         string
	verbose       bool
	dialect       string
	dsn           string
	usageThresh   int64
	usageRate     float64
	bucketCount   int
	order         string
	apply         bool
	dryRun        bool
	noOptimize    bool
	logsPrefix    string
	storageType   string
	s3Bucket      string
	httpAddr      string
	grpcAddr      string
	grpcEnabled   bool
	schedule      time.Duration
	pushgateway   string
	historyEnable bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("partadvisor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	o.fs = fs

	fs.StringVarP(&o.configFile, "config", "c", "", "Path to configuration file (YAML or JSON)")
	fs.StringVar(&o.envFile, "env-file", ".env", "Dotenv file loaded before reading PARTADVISOR_* variables")
	fs.BoolVar(&o.jsonOutput, "json", false, "Print the run report as JSON instead of a table")
	fs.BoolVar(&o.showVersion, "version", false, "Show version information")

	fs.StringVar(&o.mode, "mode", "", "Mode: run or serve")
	fs.StringVar(&o.dataDir, "data-dir", "", "Base directory for local state")
	fs.StringVarP(&o.table, "table", "t", "", "Table to analyse, e.g. hive.analytics.page_views")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "Enable verbose (debug) logging")
	fs.StringVar(&o.dialect, "dialect", "", "Query engine dialect (trino, postgres, mysql, clickhouse, duckdb, sqlite)")
	fs.StringVar(&o.dsn, "dsn", "", "Query engine DSN")
	fs.Int64Var(&o.usageThresh, "usage-threshold", 0, "Minimum filter usage for a partition candidate")
	fs.Float64Var(&o.usageRate, "usage-rate-per-1k", 0, "Usage threshold per 1000 records (overrides --usage-threshold when > 0)")
	fs.IntVar(&o.bucketCount, "bucket-count", 0, "Number of hash buckets")
	fs.StringVar(&o.order, "order", "", "Column emission order: first_seen or column")
	fs.BoolVar(&o.apply, "apply", false, "Apply the recommended partitioning")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Log DDL statements instead of executing them")
	fs.BoolVar(&o.noOptimize, "no-optimize", false, "Skip the table rewrite after applying")
	fs.StringVar(&o.logsPrefix, "logs-prefix", "", "Object-storage prefix of the query logs")
	fs.StringVar(&o.storageType, "storage", "", "Storage type: local or s3")
	fs.StringVar(&o.s3Bucket, "s3-bucket", "", "S3 bucket holding the query logs")
	fs.StringVar(&o.httpAddr, "http-addr", "", "HTTP listen address (serve mode)")
	fs.StringVar(&o.grpcAddr, "grpc-addr", "", "gRPC listen address (serve mode)")
	fs.BoolVar(&o.grpcEnabled, "grpc", false, "Enable the gRPC API (serve mode)")
	fs.DurationVar(&o.schedule, "schedule", 0, "Interval between runs in serve mode, e.g. 6h")
	fs.StringVar(&o.pushgateway, "pushgateway", "", "Prometheus Pushgateway URL for run mode")
	fs.BoolVar(&o.historyEnable, "history", true, "Record runs in the history database")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "partadvisor - partition recommendations from query logs\n\n")
		fmt.Fprintf(stderr, "Usage: partadvisor [options]\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  partadvisor --table hive.analytics.page_views --logs-prefix trino/query-log/\n")
		fmt.Fprintf(stderr, "  partadvisor --config /etc/partadvisor/config.yaml --apply\n")
		fmt.Fprintf(stderr, "  partadvisor --mode serve --schedule 6h --grpc\n")
		fmt.Fprintf(stderr, "\nEnvironment variables use the %s prefix, e.g. %sTABLE, %sENGINE_DSN.\n",
			config.EnvPrefix, config.EnvPrefix, config.EnvPrefix)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

// loadConfig applies defaults, then the config file, then the environment,
// then explicitly set flags.
func loadConfig(o *options) (*config.Config, error) {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", o.envFile, err)
		}
	}

	cfg := config.DefaultConfig()
	if o.configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(o.configFile); err != nil {
			return nil, err
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	changed := o.fs.Changed
	if changed("mode") {
		cfg.Mode = config.Mode(o.mode)
	}
	if changed("data-dir") {
		cfg.DataDir = o.dataDir
	}
	if changed("table") {
		cfg.Table = o.table
	}
	if changed("verbose") {
		cfg.Verbose = o.verbose
	}
	if changed("dialect") {
		cfg.Engine.Dialect = o.dialect
	}
	if changed("dsn") {
		cfg.Engine.DSN = o.dsn
	}
	if changed("usage-threshold") {
		cfg.Partition.UsageThreshold = o.usageThresh
	}
	if changed("usage-rate-per-1k") {
		cfg.Partition.UsageRatePer1K = o.usageRate
	}
	if changed("bucket-count") {
		cfg.Partition.BucketCount = o.bucketCount
	}
	if changed("order") {
		cfg.Partition.Order = partition.Order(o.order)
	}
	if changed("apply") {
		cfg.Apply.Enabled = o.apply
	}
	if changed("dry-run") {
		cfg.Apply.DryRun = o.dryRun
	}
	if changed("no-optimize") {
		cfg.Apply.Optimize = !o.noOptimize
	}
	if changed("logs-prefix") {
		cfg.Logs.Prefix = o.logsPrefix
	}
	if changed("storage") {
		cfg.Storage.Type = o.storageType
	}
	if changed("s3-bucket") {
		cfg.Storage.S3.Bucket = o.s3Bucket
	}
	if changed("http-addr") {
		cfg.HTTP.Addr = o.httpAddr
	}
	if changed("grpc-addr") {
		cfg.GRPC.Addr = o.grpcAddr
	}
	if changed("grpc") {
		cfg.GRPC.Enabled = o.grpcEnabled
	}
	if changed("schedule") {
		cfg.Schedule.Interval = o.schedule
	}
	if changed("pushgateway") {
		cfg.Metrics.PushgatewayURL = o.pushgateway
	}
	if changed("history") {
		cfg.History.Enabled = o.historyEnable
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitConfig
	}
	if o.showVersion {
		fmt.Fprintf(stdout, "partadvisor version %s (commit: %s)\n", version, commit)
		return exitOK
	}

	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}

	log := logger.NewWithWriter(stderr, cfg.Verbose)
	metrics.BuildInfo.WithLabelValues(version, commit).Set(1)

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if aerrors.GetCode(err) == aerrors.CodeInvalidConfig {
			return exitConfig
		}
		return exitFailed
	}

	if cfg.ShouldServe() {
		if err := application.Serve(ctx); err != nil {
			log.Error("serve failed", "error", err)
			return exitFailed
		}
		return exitOK
	}
	defer application.Close()

	report, runErr := application.RunOnce(ctx)
	if report != nil {
		printReport(stdout, report, o.jsonOutput)
	}
	if runErr != nil {
		fmt.Fprintf(stderr, "Error: %v\n", runErr)
		return exitFailed
	}
	return exitOK
}

func printReport(w io.Writer, report *advisor.Report, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(report)
		return
	}
	fmt.Fprint(w, advisor.Describe(report))
	fmt.Fprintln(w)
	if report.Spec == "" {
		fmt.Fprintf(w, "%s: %s\n", report.Outcome, report.Message)
		return
	}
	fmt.Fprintf(w, "partitioning = '%s'\n", report.Spec)
	fmt.Fprintf(w, "outcome: %s\n", report.Outcome)
}
