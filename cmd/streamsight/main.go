package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/you/streamsight/internal/catalog"
	"github.com/you/streamsight/internal/config"
	"github.com/you/streamsight/internal/estimate"
	"github.com/you/streamsight/internal/httpapi"
	"github.com/you/streamsight/internal/ingestapi"
	"github.com/you/streamsight/internal/normalize"
	"github.com/you/streamsight/internal/pipeline"
	"github.com/you/streamsight/internal/rates"
	"github.com/you/streamsight/internal/session"
	"github.com/you/streamsight/internal/store"
	"github.com/you/streamsight/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag     bool
		dbPath          string
		ratesFile       string
		httpAddr        string
		httpCorsOrigins string
		httpRateRPS     int
		httpRateBurst   int
		httpMetrics     bool
		httpAccessLog   bool
		matchThreshold  float64
		staleAfter      time.Duration
		sweepInterval   time.Duration
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&dbPath, "sqlite", "streamsight.db", "Path to SQLite database file")
	flag.StringVar(&ratesFile, "rates-file", "", "JSON currency rate file, hot-reloaded on change")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP API address (e.g., :8765)")
	flag.StringVar(&httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 20, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 40, "Burst size for HTTP rate limiter")
	flag.BoolVar(&httpMetrics, "http-metrics", true, "Expose Prometheus metrics endpoint")
	flag.BoolVar(&httpAccessLog, "http-access-log", true, "Log HTTP access records")
	flag.Float64Var(&matchThreshold, "match-threshold", 0, "Minimum fuzzy similarity for category matching")
	flag.DurationVar(&staleAfter, "session-stale-after", 0, "Force-close sessions open longer than this")
	flag.DurationVar(&sweepInterval, "session-sweep-interval", 0, "How often the stale session sweep runs")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"streamsight version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()

	if overrides["sqlite"] {
		cfg.Store.SQLitePath = strings.TrimSpace(dbPath)
	}
	if overrides["rates-file"] {
		cfg.Rates.File = strings.TrimSpace(ratesFile)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = nil
		for _, origin := range strings.Split(httpCorsOrigins, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, origin)
			}
		}
	}
	if overrides["http-rate-rps"] {
		cfg.HTTP.RateRPS = httpRateRPS
	}
	if overrides["http-rate-burst"] {
		cfg.HTTP.RateBurst = httpRateBurst
	}
	if overrides["http-metrics"] {
		cfg.HTTP.Metrics = httpMetrics
	}
	if overrides["http-access-log"] {
		cfg.HTTP.AccessLog = httpAccessLog
	}
	if overrides["match-threshold"] && matchThreshold > 0 {
		cfg.Match.Threshold = matchThreshold
	}
	if overrides["session-stale-after"] && staleAfter > 0 {
		cfg.Session.StaleAfter = staleAfter
	}
	if overrides["session-sweep-interval"] && sweepInterval > 0 {
		cfg.Session.SweepInterval = sweepInterval
	}

	log.Printf("%s", cfg.SummaryJSON())

	logger := slog.Default()

	db, err := store.OpenSQLite(cfg.Store.SQLitePath)
	if err != nil {
		log.Fatalf("streamsight: open sqlite: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("streamsight: closing store: %v", err)
		}
	}()
	if err := db.Ping(); err != nil {
		log.Fatalf("streamsight: ping sqlite: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := migrateSQLite(ctx, db.DB()); err != nil {
		log.Fatalf("streamsight: sqlite migrate: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("streamsight: received %s, shutting down", sig)
		cancel()
	}()

	rateTable := rates.New(cfg.Rates.Table, cfg.Rates.File, logger)
	if cfg.Rates.File != "" {
		if err := rateTable.Watch(); err != nil {
			log.Printf("streamsight: rate file watch: %v", err)
		}
	}

	normalizer := normalize.New(rateTable)

	matcher := catalog.New(db,
		catalog.WithThreshold(cfg.Match.Threshold),
		catalog.WithLogger(logger),
	)

	tracker := session.New(db,
		session.WithStaleAfter(cfg.Session.StaleAfter),
		session.WithLogger(logger),
	)

	estimator := estimate.New(db,
		estimate.WithChatParticipationRate(cfg.Estimate.ChatParticipationRate),
		estimate.WithViewerTurnoverRate(cfg.Estimate.ViewerTurnoverRate),
	)

	var (
		api    *httpapi.Server
		writer store.Writer = db
	)

	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}

	if cfg.HTTP.Addr != "" {
		api = httpapi.New(db, httpapi.Options{
			Addr:        cfg.HTTP.Addr,
			CORSOrigins: cfg.HTTP.CORSOrigins,
			RateRPS:     cfg.HTTP.RateRPS,
			RateBurst:   cfg.HTTP.RateBurst,
			Metrics:     cfg.HTTP.Metrics,
			AccessLog:   cfg.HTTP.AccessLog,
			Logger:      logger,
			Build:       build,
			Categories:  matcher,
			Estimates:   estimator,
			Stats:       db,
			Rates:       rateTable,
		})
		writer = store.WithAPI(db, api)
	}

	var buffered *store.BufferedWriter
	if cfg.Batch() > 1 || cfg.FlushInterval() > 0 {
		buffered = store.NewBufferedWriter(writer, store.BufferedOptions{
			BatchSize:     cfg.Batch(),
			FlushInterval: cfg.FlushInterval(),
		})
		writer = buffered
	}

	pipe := pipeline.New(normalizer, writer, tracker,
		pipeline.WithLogger(logger),
		pipeline.WithCategories(matcher, db),
		pipeline.WithSnapshots(db),
	)
	go pipe.RunSweeper(ctx, cfg.Session.SweepInterval)

	if api != nil {
		ingest := ingestapi.New(pipe)
		ingest.Register(api.Mux())
		api.AddMetrics(pipe.Metrics().Registry())
		go func() {
			if err := api.Start(); err != nil {
				log.Fatalf("streamsight: http api: %v", err)
			}
		}()
		log.Printf("streamsight: http api ready on %s", cfg.HTTP.Addr)
	}

	log.Printf("streamsight: pipeline ready (db=%s)", cfg.Store.SQLitePath)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := tracker.Shutdown(shutdownCtx); err != nil {
		log.Printf("streamsight: session shutdown: %v", err)
	}
	if buffered != nil {
		if err := buffered.Close(); err != nil {
			log.Printf("streamsight: flush buffered writer: %v", err)
		}
	}
	if api != nil {
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("streamsight: http shutdown: %v", err)
		}
	}
}
