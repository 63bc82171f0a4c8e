package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/jobusage/pkg/cache"
	"github.com/malbeclabs/jobusage/pkg/duck"
	"github.com/malbeclabs/jobusage/pkg/ingest"
	"github.com/malbeclabs/jobusage/pkg/logger"
	"github.com/malbeclabs/jobusage/pkg/metrics"
	"github.com/malbeclabs/jobusage/pkg/server"
	"github.com/malbeclabs/jobusage/pkg/usage"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr      = "0.0.0.0:8080"
	defaultMetricsAddr     = "0.0.0.0:0"
	defaultDBPath          = ".tmp/jobusage/usage.duckdb"
	defaultRefreshInterval = 5 * time.Minute
	defaultConcurrency     = 4
	defaultBatchSize       = 1000
	defaultCacheTTL        = 5 * time.Minute
	defaultCacheIdleTTL    = 24 * time.Hour
	defaultCacheCapacity   = 1024
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address (or set LISTEN_ADDR env var)")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics, empty to disable")
	dbPathFlag := flag.String("db-path", defaultDBPath, "Path to the DuckDB database file (or set JOBUSAGE_DB_PATH env var)")

	// Ingestion configuration
	filePatternFlag := flag.String("file-pattern", "", "Glob of usage files to ingest, e.g. /data/usage/**/*.arrow (or set JOBUSAGE_FILE_PATTERN env var)")
	s3BucketFlag := flag.String("s3-bucket", "", "Read usage files from this S3 bucket; file-pattern is then matched against object keys (or set JOBUSAGE_S3_BUCKET env var)")
	refreshIntervalFlag := flag.Duration("refresh-interval", defaultRefreshInterval, "Interval between ingestion cycles")
	concurrencyFlag := flag.Int("ingest-concurrency", defaultConcurrency, "Number of files loaded concurrently")
	batchSizeFlag := flag.Int("batch-size", defaultBatchSize, "Number of facts inserted per transaction")

	// Cache configuration
	cacheTTLFlag := flag.Duration("cache-ttl", defaultCacheTTL, "How long query results are served without a refresh")
	cacheIdleTTLFlag := flag.Duration("cache-idle-ttl", defaultCacheIdleTTL, "Evict query results not read for this long")
	cacheCapacityFlag := flag.Uint64("cache-capacity", defaultCacheCapacity, "Maximum number of cached query results")

	flag.Parse()

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		*listenAddrFlag = v
	}
	if v := os.Getenv("JOBUSAGE_DB_PATH"); v != "" {
		*dbPathFlag = v
	}
	if v := os.Getenv("JOBUSAGE_FILE_PATTERN"); v != "" {
		*filePatternFlag = v
	}
	if v := os.Getenv("JOBUSAGE_S3_BUCKET"); v != "" {
		*s3BucketFlag = v
	}

	log := logger.New(os.Stdout, *verboseFlag)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("server: received signal", "signal", sig.String())
		cancel()
	}()

	metricsServerErrCh := make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
				return
			}
		}()
	}

	source, err := ingest.NewSource(ctx, log, *s3BucketFlag, *filePatternFlag)
	if err != nil {
		return err
	}

	log.Info("opening database", "path", *dbPathFlag)
	db, err := duck.NewDB(ctx, *dbPathFlag, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close database", "error", err)
		}
	}()

	clock := clockwork.NewRealClock()
	queryCache, err := usage.NewQueryCache(cache.Config{
		Logger:   log,
		Clock:    clock,
		Name:     "query",
		TTL:      *cacheTTLFlag,
		IdleTTL:  *cacheIdleTTLFlag,
		Capacity: *cacheCapacityFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create query cache: %w", err)
	}
	defer queryCache.Close()

	engine, err := usage.NewEngine(usage.EngineConfig{
		Logger: log,
		Store:  usage.NewDBStore(log, db),
		Cache:  queryCache,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	pipeline, err := ingest.NewPipeline(ctx, ingest.PipelineConfig{
		Logger:          log,
		Clock:           clock,
		Source:          source,
		DB:              db,
		Invalidator:     engine,
		RefreshInterval: *refreshIntervalFlag,
		Concurrency:     *concurrencyFlag,
		BatchSize:       *batchSizeFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create ingestion pipeline: %w", err)
	}
	pipeline.Start(ctx)

	listener, err := net.Listen("tcp", *listenAddrFlag)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", *listenAddrFlag, err)
	}
	srv, err := server.New(server.Config{
		Logger:            log,
		Engine:            engine,
		Listener:          listener,
		Ready:             pipeline,
		ReadHeaderTimeout: 30 * time.Second,
		ShutdownTimeout:   10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.Run(ctx); err != nil {
			serverErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("server: shutting down", "reason", ctx.Err())
		return nil
	case err := <-serverErrCh:
		log.Error("server: server error causing shutdown", "error", err)
		return err
	case err := <-metricsServerErrCh:
		log.Error("server: metrics server error causing shutdown", "error", err)
		return err
	}
}
