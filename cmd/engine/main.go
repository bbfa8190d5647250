package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/terracast/crop-signal-engine/internal/adapter/census"
	httpadapter "github.com/terracast/crop-signal-engine/internal/adapter/http"
	kafkaadapter "github.com/terracast/crop-signal-engine/internal/adapter/kafka"
	"github.com/terracast/crop-signal-engine/internal/adapter/table"
	"github.com/terracast/crop-signal-engine/internal/config"
	"github.com/terracast/crop-signal-engine/internal/domain"
	"github.com/terracast/crop-signal-engine/internal/observability"
	"github.com/terracast/crop-signal-engine/internal/pipeline"
)

func main() {
	os.Exit(run())
}

// run executes one engine invocation. Exit codes: 0 for a complete run,
// 1 for a failed or incomplete one, 2 for a usage error.
func run() int {
	// .env is a local-dev convenience; absence is fine.
	_ = godotenv.Load()

	var (
		year          = flag.Int("year", 0, "target year to score (required)")
		skipBaselines = flag.Bool("skip-baselines", false, "reuse the persisted baselines artifact instead of rebuilding")
		baselinesOnly = flag.Bool("baselines-only", false, "stop after writing the baselines artifact")
		enginePath    = flag.String("config", "", "engine config YAML path (overrides ENGINE_CONFIG)")
	)
	flag.Parse()

	if *year <= 0 {
		fmt.Fprintln(os.Stderr, "usage: engine -year <year> [-skip-baselines | -baselines-only] [-config engine.yaml]")
		flag.PrintDefaults()
		return 2
	}
	if *skipBaselines && *baselinesOnly {
		fmt.Fprintln(os.Stderr, "-skip-baselines and -baselines-only are mutually exclusive")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	path := cfg.EngineConfigPath
	if *enginePath != "" {
		path = *enginePath
	}
	engine, warnings, err := config.LoadEngine(path)
	if err != nil {
		logger.Error("failed to load engine config", "error", err)
		return 1
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	store := table.New(cfg.DataDir)
	artifacts := table.New(cfg.ArtifactDir)

	deps := pipeline.Deps{
		Reader:  store,
		Writer:  artifacts,
		Docs:    artifacts,
		Logger:  logger,
		Metrics: metrics,
		Workers: cfg.Workers,
	}

	// Alert publishing and county enrichment are feature-flagged via
	// ALERTS_ENABLED / COUNTY_LOOKUP_ENABLED.
	if cfg.AlertsEnabled {
		var directory domain.CountyDirectory
		if cfg.CountyLookupEnabled {
			client := census.NewClient(cfg, metrics, logger)
			directory = census.NewCachedDirectory(client, cfg.CountyCacheSize, metrics)
			logger.Info("county directory enabled", "cache_size", cfg.CountyCacheSize, "timeout", cfg.CountyAPITimeout)
		}
		alerts := kafkaadapter.NewAlertWriter(cfg, directory, logger)
		defer func() {
			if err := alerts.Close(); err != nil {
				logger.Error("kafka alert writer close error", "error", err)
			}
		}()
		deps.Alerts = alerts
		logger.Info("alert publishing enabled", "topic", cfg.KafkaAlertsTopic)
	} else {
		logger.Info("alert publishing disabled")
	}

	runner := pipeline.New(engine, deps)
	srv := httpadapter.NewServer(cfg.HTTPAddr, runner, runner, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Serve health and metrics for the duration of the run.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	summary, err := runner.Run(ctx, pipeline.Options{
		TargetYear:    *year,
		SkipBaselines: *skipBaselines,
		BaselinesOnly: *baselinesOnly,
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("http server shutdown error", "error", serr)
	}

	switch {
	case err != nil:
		logger.Error("run failed", "error", err)
		return 1
	case !summary.Complete:
		logger.Error("run finished incomplete",
			"run_id", summary.RunID,
			"partition_failures", len(summary.Failures),
		)
		return 1
	}

	logger.Info("run complete",
		"run_id", summary.RunID,
		"rows_ingested", summary.RowsIngested,
		"rows_dropped", summary.RowsDropped,
		"quality_issues", summary.QualityIssues,
		"alerts_sent", summary.AlertsSent,
	)
	return 0
}
