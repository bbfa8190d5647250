// Package pipeline orchestrates one batch run: ingest and gate the band
// tables, build or reuse baselines, score the target year, assemble the
// training features, and record a run summary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/terracast/crop-signal-engine/internal/anomaly"
	"github.com/terracast/crop-signal-engine/internal/baseline"
	"github.com/terracast/crop-signal-engine/internal/config"
	"github.com/terracast/crop-signal-engine/internal/domain"
	"github.com/terracast/crop-signal-engine/internal/feature"
	"github.com/terracast/crop-signal-engine/internal/observability"
	"github.com/terracast/crop-signal-engine/internal/quality"
)

// Artifact and input dataset names. Band datasets are named by the band
// itself.
const (
	YieldsTable       = "yields"
	BaselinesArtifact = "baselines"
	FeaturesArtifact  = "features"
	ManifestArtifact  = "feature_manifest"
)

// AnomaliesArtifact names the per-year anomaly table.
func AnomaliesArtifact(year int) string { return fmt.Sprintf("anomalies_%d", year) }

// RunArtifact names the per-year run marker document.
func RunArtifact(year int) string { return fmt.Sprintf("run_%d", year) }

// TableReader loads one named input dataset. A missing dataset is reported
// with an error matching fs.ErrNotExist.
type TableReader interface {
	ReadTable(ctx context.Context, name string) (*domain.Table, error)
}

// TableWriter persists one output artifact.
type TableWriter interface {
	WriteTable(ctx context.Context, t *domain.Table) error
}

// DocumentWriter persists one named JSON document.
type DocumentWriter interface {
	WriteDocument(ctx context.Context, name string, doc any) error
}

// AlertPublisher pushes severe anomalies to the alerting bus.
type AlertPublisher interface {
	PublishAlerts(ctx context.Context, runID string, recs []domain.AnomalyRecord) error
}

// Deps wires the runner's collaborators. Alerts may be nil, in which case
// no alerts are published. A nil Clock falls back to the real clock.
type Deps struct {
	Reader  TableReader
	Writer  TableWriter
	Docs    DocumentWriter
	Alerts  AlertPublisher
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Clock   clockwork.Clock
	Workers int
}

// Options selects what one invocation computes.
type Options struct {
	TargetYear    int
	SkipBaselines bool
	BaselinesOnly bool
}

// StageResult records one stage's outcome in the run summary.
type StageResult struct {
	Name    string  `json:"name"`
	Rows    int     `json:"rows"`
	Seconds float64 `json:"seconds"`
	Err     string  `json:"error,omitempty"`
}

// PartitionFailure is a failure scoped to one band or (county, band)
// partition. Ingest failures carry an empty county.
type PartitionFailure struct {
	Stage    string `json:"stage"`
	CountyID string `json:"county_id,omitempty"`
	Band     string `json:"band"`
	Err      string `json:"error"`
}

// RunSummary aggregates everything one invocation did. It is persisted as
// the run marker when the run completes and served on /statusz.
type RunSummary struct {
	RunID          string             `json:"run_id"`
	TargetYear     int                `json:"target_year"`
	StartedAt      time.Time          `json:"started_at"`
	FinishedAt     time.Time          `json:"finished_at"`
	Stages         []StageResult      `json:"stages"`
	Failures       []PartitionFailure `json:"partition_failures,omitempty"`
	QualityIssues  int                `json:"quality_issues"`
	RowsIngested   int                `json:"rows_ingested"`
	RowsDropped    int                `json:"rows_dropped"`
	JoinMisses     int                `json:"join_misses"`
	DroppedColumns []string           `json:"dropped_columns,omitempty"`
	AlertsSent     int                `json:"alerts_sent"`
	Complete       bool               `json:"complete"`
}

// Runner executes batch runs against a fixed engine configuration.
type Runner struct {
	deps   Deps
	engine config.EngineConfig
	gate   *quality.Gate
	ready  atomic.Bool

	mu   sync.Mutex
	last *RunSummary
}

// New creates a Runner. The engine config must already be validated.
func New(engine config.EngineConfig, deps Deps) *Runner {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Runner{
		deps:   deps,
		engine: engine,
		gate:   quality.NewGate(engine),
	}
}

// CheckReadiness returns nil once a run has ingested data, or an error
// describing why the service is not yet ready.
func (r *Runner) CheckReadiness(_ context.Context) error {
	if !r.ready.Load() {
		return errors.New("no run has ingested data yet")
	}
	return nil
}

// Status returns a copy of the most recent run summary, or nil before the
// first run.
func (r *Runner) Status() *RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	cp := *r.last
	return &cp
}

// Run executes one batch invocation. Partition- and band-scoped failures
// are collected in the summary without aborting sibling work; the returned
// error is reserved for conditions that stop the run as a whole (unreadable
// storage, cancellation, no input at all). Re-running with identical inputs
// produces byte-identical artifacts.
func (r *Runner) Run(ctx context.Context, opts Options) (*RunSummary, error) {
	if opts.TargetYear <= 0 {
		return nil, fmt.Errorf("target year must be positive, got %d", opts.TargetYear)
	}
	if opts.SkipBaselines && opts.BaselinesOnly {
		return nil, errors.New("skip-baselines and baselines-only are mutually exclusive")
	}

	summary := &RunSummary{
		RunID:      uuid.NewString(),
		TargetYear: opts.TargetYear,
		StartedAt:  r.deps.Clock.Now().UTC(),
		Complete:   true,
	}
	defer func() {
		if summary.FinishedAt.IsZero() {
			summary.FinishedAt = r.deps.Clock.Now().UTC()
		}
		r.mu.Lock()
		r.last = summary
		r.mu.Unlock()
	}()

	log := r.deps.Logger.With("run_id", summary.RunID, "target_year", opts.TargetYear)
	log.Info("run started", "skip_baselines", opts.SkipBaselines, "baselines_only", opts.BaselinesOnly)

	r.deps.Metrics.PipelineRunning.Set(1)
	defer r.deps.Metrics.PipelineRunning.Set(0)

	obs, err := r.ingest(ctx, log, summary)
	if err != nil {
		summary.Complete = false
		return summary, err
	}

	set, err := r.baselines(ctx, log, summary, obs, opts)
	if err != nil {
		summary.Complete = false
		return summary, err
	}

	if !opts.BaselinesOnly {
		if err := r.anomalies(ctx, log, summary, obs, set, opts); err != nil {
			summary.Complete = false
			return summary, err
		}
		if err := r.features(ctx, log, summary, obs, set, opts); err != nil {
			summary.Complete = false
			return summary, err
		}
	}

	r.finish(ctx, log, summary)
	return summary, nil
}

// ingest reads and gates every band table. A band whose table is absent is
// skipped; a band that fails its schema check is recorded as a failure
// while the remaining bands continue.
func (r *Runner) ingest(ctx context.Context, log *slog.Logger, summary *RunSummary) ([]domain.Observation, error) {
	start := r.deps.Clock.Now()
	var all []domain.Observation
	failed := 0
	for _, band := range domain.Bands() {
		table, err := r.deps.Reader.ReadTable(ctx, string(band))
		if errors.Is(err, fs.ErrNotExist) {
			log.Info("band dataset absent", "band", band)
			continue
		}
		if err != nil {
			r.endStage(summary, "ingest", start, len(all), err)
			return nil, fmt.Errorf("read %s: %w", band, err)
		}

		report := r.gate.CheckObservations(table, band)
		r.recordReport(log, summary, report)
		if !report.Usable() {
			r.fail(summary, "ingest", "", band, fmt.Errorf("schema check failed for table %s", table.Name))
			failed++
			continue
		}

		obs, dropped, err := domain.ParseObservationTable(table, band)
		if err != nil {
			r.fail(summary, "ingest", "", band, err)
			failed++
			continue
		}
		obs, removed := domain.ResolveDuplicates(obs, r.engine.DuplicatePolicy)

		r.deps.Metrics.RowsIngested.WithLabelValues(string(band)).Add(float64(len(obs)))
		if dropped > 0 {
			r.deps.Metrics.RowsDropped.WithLabelValues(string(band), "parse").Add(float64(dropped))
		}
		if removed > 0 {
			r.deps.Metrics.RowsDropped.WithLabelValues(string(band), "duplicate").Add(float64(removed))
		}
		summary.RowsIngested += len(obs)
		summary.RowsDropped += dropped + removed
		log.Info("band ingested", "band", band, "rows", len(obs), "dropped", dropped, "duplicates", removed)
		all = append(all, obs...)
	}

	var stageErr error
	if failed > 0 {
		stageErr = fmt.Errorf("%d band(s) failed ingest", failed)
	}
	r.endStage(summary, "ingest", start, len(all), stageErr)

	if len(all) == 0 {
		return nil, errors.New("no observations ingested from any band")
	}
	r.ready.Store(true)
	return all, nil
}

// baselines builds the climatology over the reference years, or reloads the
// persisted artifact when the invocation skips recomputation.
func (r *Runner) baselines(ctx context.Context, log *slog.Logger, summary *RunSummary, obs []domain.Observation, opts Options) (*domain.BaselineSet, error) {
	start := r.deps.Clock.Now()

	if opts.SkipBaselines {
		table, err := r.deps.Reader.ReadTable(ctx, BaselinesArtifact)
		if err != nil {
			r.endStage(summary, "baselines", start, 0, err)
			return nil, fmt.Errorf("reuse baselines: %w", err)
		}
		recs, err := domain.ParseBaselineTable(table)
		if err != nil {
			r.endStage(summary, "baselines", start, 0, err)
			return nil, fmt.Errorf("reuse baselines: %w", err)
		}
		r.endStage(summary, "baselines", start, len(recs), nil)
		log.Info("baselines reused", "cells", len(recs))
		return domain.NewBaselineSet(recs), nil
	}

	recs, perrs, err := baseline.New(r.engine, r.deps.Workers).Build(ctx, obs)
	if err != nil {
		r.endStage(summary, "baselines", start, 0, err)
		return nil, err
	}
	for _, pe := range perrs {
		r.fail(summary, "baselines", pe.CountyID, pe.Band, pe.Err)
	}

	invalid := 0
	for _, rec := range recs {
		if !rec.Valid {
			invalid++
		}
	}
	r.deps.Metrics.BaselineCells.Add(float64(len(recs)))
	r.deps.Metrics.BaselineInvalid.Add(float64(invalid))

	if err := r.deps.Writer.WriteTable(ctx, domain.BaselineTable(BaselinesArtifact, recs)); err != nil {
		r.endStage(summary, "baselines", start, len(recs), err)
		return nil, fmt.Errorf("write baselines: %w", err)
	}
	r.endStage(summary, "baselines", start, len(recs), nil)
	log.Info("baselines built", "cells", len(recs), "invalid", invalid, "failed_partitions", len(perrs))
	return domain.NewBaselineSet(recs), nil
}

// anomalies scores the target year and publishes severe records when an
// alert publisher is wired. The artifact is written even when empty so
// reruns stay byte-identical.
func (r *Runner) anomalies(ctx context.Context, log *slog.Logger, summary *RunSummary, obs []domain.Observation, set *domain.BaselineSet, opts Options) error {
	start := r.deps.Clock.Now()

	var target []domain.Observation
	for _, o := range obs {
		if o.Year() == opts.TargetYear {
			target = append(target, o)
		}
	}

	recs, perrs, err := anomaly.New(r.engine, set, r.deps.Workers).Score(ctx, target)
	if err != nil {
		r.endStage(summary, "anomalies", start, 0, err)
		return err
	}
	for _, pe := range perrs {
		r.fail(summary, "anomalies", pe.CountyID, pe.Band, pe.Err)
	}

	counts := make(map[domain.AnomalyFlag]int)
	for _, rec := range recs {
		counts[rec.Flag]++
	}
	for flag, n := range counts {
		r.deps.Metrics.AnomaliesScored.WithLabelValues(string(flag)).Add(float64(n))
	}

	if err := r.deps.Writer.WriteTable(ctx, domain.AnomalyTable(AnomaliesArtifact(opts.TargetYear), recs)); err != nil {
		r.endStage(summary, "anomalies", start, len(recs), err)
		return fmt.Errorf("write anomalies: %w", err)
	}

	var stageErr error
	if len(target) == 0 {
		stageErr = fmt.Errorf("no observations for target year %d", opts.TargetYear)
	}
	r.endStage(summary, "anomalies", start, len(recs), stageErr)
	log.Info("anomalies scored",
		"rows", len(recs),
		"severe", counts[domain.FlagSevere],
		"insufficient", counts[domain.FlagInsufficientBaseline],
		"failed_partitions", len(perrs),
	)

	return r.publishAlerts(ctx, log, summary, recs)
}

// publishAlerts sends severe records to the alert bus. Publishing happens
// after the anomaly artifact is written; a publish failure marks the run
// incomplete but does not abort it.
func (r *Runner) publishAlerts(ctx context.Context, log *slog.Logger, summary *RunSummary, recs []domain.AnomalyRecord) error {
	if r.deps.Alerts == nil {
		return nil
	}
	var severe []domain.AnomalyRecord
	for _, rec := range recs {
		if rec.Flag == domain.FlagSevere {
			severe = append(severe, rec)
		}
	}
	if len(severe) == 0 {
		return nil
	}

	start := r.deps.Clock.Now()
	err := r.deps.Alerts.PublishAlerts(ctx, summary.RunID, severe)
	r.endStage(summary, "alerts", start, len(severe), err)
	if err != nil {
		log.Error("alert publish failed", "error", err, "alerts", len(severe))
		return nil
	}
	r.deps.Metrics.AlertsPublished.Add(float64(len(severe)))
	summary.AlertsSent = len(severe)
	log.Info("alerts published", "alerts", len(severe))
	return nil
}

// features assembles the training matrix. The training years are scored
// in memory against the same baselines to back the stress-day features;
// those interim records are not persisted.
func (r *Runner) features(ctx context.Context, log *slog.Logger, summary *RunSummary, obs []domain.Observation, set *domain.BaselineSet, opts Options) error {
	start := r.deps.Clock.Now()

	table, err := r.deps.Reader.ReadTable(ctx, YieldsTable)
	if err != nil {
		r.endStage(summary, "features", start, 0, err)
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn("yield table absent, skipping feature assembly")
			return nil
		}
		return fmt.Errorf("read yields: %w", err)
	}
	report := r.gate.CheckYields(table)
	r.recordReport(log, summary, report)
	if !report.Usable() {
		r.endStage(summary, "features", start, 0, fmt.Errorf("schema check failed for table %s", table.Name))
		return nil
	}
	yields, dropped, err := domain.ParseYieldTable(table)
	if err != nil {
		r.endStage(summary, "features", start, 0, err)
		return nil
	}
	if dropped > 0 {
		r.deps.Metrics.RowsDropped.WithLabelValues(YieldsTable, "parse").Add(float64(dropped))
		summary.RowsDropped += dropped
	}

	var training []domain.Observation
	for _, o := range obs {
		if r.engine.TrainingYears.Contains(o.Year()) {
			training = append(training, o)
		}
	}
	trainingAnoms, perrs, err := anomaly.New(r.engine, set, r.deps.Workers).Score(ctx, training)
	if err != nil {
		r.endStage(summary, "features", start, 0, err)
		return err
	}
	for _, pe := range perrs {
		r.fail(summary, "features", pe.CountyID, pe.Band, pe.Err)
	}

	ft, manifest, err := feature.New(r.engine).Assemble(training, trainingAnoms, yields)
	if err != nil {
		r.endStage(summary, "features", start, 0, err)
		return nil
	}
	manifest.RunID = summary.RunID
	manifest.GeneratedAt = r.deps.Clock.Now().UTC()
	manifest.TargetYear = opts.TargetYear

	if err := r.deps.Writer.WriteTable(ctx, ft.Table(FeaturesArtifact)); err != nil {
		r.endStage(summary, "features", start, len(ft.Rows), err)
		return fmt.Errorf("write features: %w", err)
	}
	if err := r.deps.Docs.WriteDocument(ctx, ManifestArtifact, manifest); err != nil {
		r.endStage(summary, "features", start, len(ft.Rows), err)
		return fmt.Errorf("write feature manifest: %w", err)
	}

	r.deps.Metrics.FeatureRows.Add(float64(len(ft.Rows)))
	r.deps.Metrics.JoinMisses.Add(float64(manifest.JoinMisses))
	summary.JoinMisses = manifest.JoinMisses
	summary.DroppedColumns = manifest.DroppedColumns

	r.endStage(summary, "features", start, len(ft.Rows), nil)
	log.Info("features assembled",
		"rows", len(ft.Rows),
		"features", manifest.FeatureCount,
		"join_misses", manifest.JoinMisses,
		"dropped_columns", len(manifest.DroppedColumns),
	)
	return nil
}

// finish stamps the summary and persists the run marker for complete runs.
func (r *Runner) finish(ctx context.Context, log *slog.Logger, summary *RunSummary) {
	summary.FinishedAt = r.deps.Clock.Now().UTC()
	if summary.Complete {
		if err := r.deps.Docs.WriteDocument(ctx, RunArtifact(summary.TargetYear), summary); err != nil {
			log.Error("write run marker failed", "error", err)
			summary.Complete = false
		}
	}
	log.Info("run finished",
		"complete", summary.Complete,
		"stages", len(summary.Stages),
		"failures", len(summary.Failures),
		"quality_issues", summary.QualityIssues,
	)
}

func (r *Runner) endStage(summary *RunSummary, name string, start time.Time, rows int, err error) {
	elapsed := r.deps.Clock.Since(start)
	r.deps.Metrics.StageDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	res := StageResult{Name: name, Rows: rows, Seconds: elapsed.Seconds()}
	if err != nil {
		res.Err = err.Error()
		summary.Complete = false
	}
	summary.Stages = append(summary.Stages, res)
}

func (r *Runner) fail(summary *RunSummary, stage, county string, band domain.Band, err error) {
	summary.Failures = append(summary.Failures, PartitionFailure{
		Stage:    stage,
		CountyID: county,
		Band:     string(band),
		Err:      err.Error(),
	})
	summary.Complete = false
	r.deps.Metrics.PartitionFailures.WithLabelValues(stage).Inc()
}

func (r *Runner) recordReport(log *slog.Logger, summary *RunSummary, report *quality.Report) {
	for check, n := range report.Counts {
		r.deps.Metrics.QualityIssues.WithLabelValues(check).Add(float64(n))
	}
	total := report.Total()
	summary.QualityIssues += total
	if total > 0 {
		log.Warn("quality findings", "table", report.Table, "issues", total, "schema_ok", report.SchemaOK)
	}
}
