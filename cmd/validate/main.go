// Command validate performs integrity checks across the engine's persisted
// artifacts: the baselines table, one year's anomalies table, the feature
// matrix, and its manifest. It re-derives every consistency rule the pipeline
// promises (orderings, enums, persistence bounds, flag classification) so a
// corrupted or hand-edited artifact is caught before model training reads it.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -artifacts data/artifacts \
//	  -year 2023 \
//	  -config engine.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/terracast/crop-signal-engine/internal/adapter/table"
	"github.com/terracast/crop-signal-engine/internal/config"
	"github.com/terracast/crop-signal-engine/internal/domain"
	"github.com/terracast/crop-signal-engine/internal/pipeline"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	artifactDir := flag.String("artifacts", "", "directory containing the engine artifacts")
	year := flag.Int("year", 0, "target year whose anomalies artifact to check")
	enginePath := flag.String("config", "engine.yaml", "engine config YAML the artifacts were built with")
	flag.Parse()

	if *artifactDir == "" || *year == 0 {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*artifactDir, *year, *enginePath); code != 0 {
		os.Exit(code)
	}
}

func run(artifactDir string, year int, enginePath string) int {
	fmt.Println("=== Crop Signal Artifact Validation ===")
	fmt.Println()

	cfg, warnings, err := config.LoadEngine(enginePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load engine config: %v\n", err)
		return 1
	}
	for _, w := range warnings {
		fmt.Printf("  Note: %s\n", w)
	}

	ctx := context.Background()
	store := table.New(artifactDir)

	baselineTable, err := store.ReadTable(ctx, pipeline.BaselinesArtifact)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load baselines: %v\n", err)
		return 1
	}
	baselines, err := domain.ParseBaselineTable(baselineTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: parse baselines: %v\n", err)
		return 1
	}

	anomalyTable, err := store.ReadTable(ctx, pipeline.AnomaliesArtifact(year))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load anomalies: %v\n", err)
		return 1
	}
	anomalies, err := domain.ParseAnomalyTable(anomalyTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: parse anomalies: %v\n", err)
		return 1
	}

	// Features and the manifest are absent after a baselines-only run;
	// validate what exists.
	features, err := store.ReadTable(ctx, pipeline.FeaturesArtifact)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		fmt.Println("  Note: features artifact absent, skipping feature phases")
		features = nil
	case err != nil:
		fmt.Fprintf(os.Stderr, "FATAL: load features: %v\n", err)
		return 1
	}

	var manifest *domain.FeatureManifest
	if features != nil {
		manifest = &domain.FeatureManifest{}
		if err := store.ReadDocument(ctx, pipeline.ManifestArtifact, manifest); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: load feature manifest: %v\n", err)
			return 1
		}
	}

	var marker *pipeline.RunSummary
	{
		var s pipeline.RunSummary
		err := store.ReadDocument(ctx, pipeline.RunArtifact(year), &s)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			fmt.Println("  Note: no run marker, last run did not complete")
		case err != nil:
			fmt.Fprintf(os.Stderr, "FATAL: load run marker: %v\n", err)
			return 1
		default:
			marker = &s
		}
	}

	phases := []*phase{
		validateBaselines(&cfg, baselines),
		validateAnomalies(&cfg, baselines, anomalies, year),
	}
	if features != nil {
		phases = append(phases,
			validateFeatures(&cfg, features),
			validateManifest(manifest, features, marker),
		)
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	featureRows := 0
	if features != nil {
		featureRows = len(features.Rows)
	}
	fmt.Printf("Rows: %d baseline cells, %d anomalies, %d feature rows\n",
		len(baselines), len(anomalies), featureRows)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// ── Phase 1: Baselines ──
// Every cell is well-formed, uniquely keyed, ordered, and its validity flag
// agrees with the configured minimum sample years.

func validateBaselines(cfg *config.EngineConfig, recs []domain.BaselineRecord) *phase {
	p := &phase{name: "Phase 1: Baselines"}

	var prev string
	for i, r := range recs {
		key := fmt.Sprintf("%s|%03d|%s", r.CountyID, r.DayOfYear, r.Band)
		if i > 0 && key <= prev {
			p.errorf("cell %d (%s): out of order after %s", i, key, prev)
		}
		prev = key

		if len(r.CountyID) != 5 {
			p.errorf("cell %d: county_id %q is not a 5-digit FIPS code", i, r.CountyID)
		}
		if r.DayOfYear < 1 || r.DayOfYear > domain.MaxDayOfYear {
			p.errorf("cell %d (%s): day_of_year %d out of range", i, key, r.DayOfYear)
		}
		if r.SampleYears < 0 || r.SampleYears > cfg.ReferenceYears.Len() {
			p.errorf("cell %d (%s): sample_years %d outside 0-%d", i, key, r.SampleYears, cfg.ReferenceYears.Len())
		}
		if wantValid := r.SampleYears >= cfg.MinSampleYears; r.Valid != wantValid {
			p.errorf("cell %d (%s): valid=%t but sample_years=%d with min %d", i, key, r.Valid, r.SampleYears, cfg.MinSampleYears)
		}
		if r.Valid {
			if math.IsNaN(r.Mean) {
				p.errorf("cell %d (%s): valid cell with NaN mean", i, key)
			}
			if math.IsNaN(r.Std) || r.Std < 0 {
				p.errorf("cell %d (%s): valid cell with bad std %v", i, key, r.Std)
			}
		}
	}
	return p
}

// ── Phase 2: Anomalies ──
// Records are ordered, scoped to the target year, classified consistently
// with the thresholds, and carry sane persistence counters.

func validateAnomalies(cfg *config.EngineConfig, baselines []domain.BaselineRecord, recs []domain.AnomalyRecord, year int) *phase {
	p := &phase{name: "Phase 2: Anomalies"}

	coverage := make(map[string]bool, len(baselines))
	for _, b := range baselines {
		coverage[b.CountyID+"|"+string(b.Band)] = true
	}

	var prev string
	for i, r := range recs {
		key := fmt.Sprintf("%s|%s|%s", r.Date.Format(domain.DateFormat), r.CountyID, r.Band)
		if i > 0 && key <= prev {
			p.errorf("record %d (%s): out of order after %s", i, key, prev)
		}
		prev = key

		if r.Date.Year() != year {
			p.errorf("record %d (%s): dated outside target year %d", i, key, year)
		}

		checkPersistence(p, i, key, r)

		if r.Flag == domain.FlagInsufficientBaseline {
			if r.ZScore != nil || r.Percentile != nil {
				p.errorf("record %d (%s): insufficient baseline but carries a score", i, key)
			}
		} else {
			if r.ZScore == nil || r.Percentile == nil || r.BaselineMean == nil || r.BaselineStd == nil {
				p.errorf("record %d (%s): scored record missing z/percentile/baseline fields", i, key)
				continue
			}
			if want := domain.Classify(*r.ZScore, cfg.Thresholds); r.Flag != want {
				p.errorf("record %d (%s): flag %q but z=%g classifies as %q", i, key, r.Flag, *r.ZScore, want)
			}
			if want := domain.Percentile(*r.ZScore); math.Abs(want-*r.Percentile) > 1e-6 {
				p.errorf("record %d (%s): percentile %g does not match z=%g (want %g)", i, key, *r.Percentile, *r.ZScore, want)
			}
		}

		if !coverage[r.CountyID+"|"+string(r.Band)] {
			p.errorf("record %d (%s): no baseline cells exist for this county and band", i, key)
		}
	}
	return p
}

func checkPersistence(p *phase, i int, key string, r domain.AnomalyRecord) {
	windows := domain.PersistenceWindows
	counts := make([]int, len(windows))
	for j, w := range windows {
		counts[j] = r.Persistence(w)
		if counts[j] < 0 || counts[j] > w {
			p.errorf("record %d (%s): persist_%dd=%d outside 0-%d", i, key, w, counts[j], w)
		}
	}
	for j := 1; j < len(counts); j++ {
		if counts[j] < counts[j-1] {
			p.errorf("record %d (%s): persist_%dd=%d below persist_%dd=%d", i, key, windows[j], counts[j], windows[j-1], counts[j-1])
		}
	}
	if r.Flag.Anomalous() && r.Persistence(windows[0]) < 1 {
		p.errorf("record %d (%s): anomalous day not counted in its own window", i, key)
	}
}

// ── Phase 3: Features ──
// The matrix parses, rows are ordered, cutoffs come from the configured set,
// and derived columns stay in their domains.

func validateFeatures(cfg *config.EngineConfig, t *domain.Table) *phase {
	p := &phase{name: "Phase 3: Features"}

	if len(t.Columns) < 4 || t.Columns[0] != "year" || t.Columns[1] != "county_id" || t.Columns[2] != "cutoff_date" || t.Columns[len(t.Columns)-1] != "yield" {
		p.errorf("columns must run year, county_id, cutoff_date, <features>, yield; got %v", t.Columns)
		return p
	}
	featureCols := t.Columns[3 : len(t.Columns)-1]

	cutoffSet := map[string]bool{}
	for _, md := range cfg.Cutoffs() {
		cutoffSet[md.String()] = true
	}

	var prev string
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			p.errorf("row %d: want %d cells, got %d", i, len(t.Columns), len(row))
			continue
		}
		year, err := strconv.Atoi(row[0])
		if err != nil {
			p.errorf("row %d: year %q is not an integer", i, row[0])
			continue
		}
		cutoff, err := time.Parse(domain.DateFormat, row[2])
		if err != nil {
			p.errorf("row %d: cutoff_date %q: %v", i, row[2], err)
			continue
		}

		key := fmt.Sprintf("%04d|%s|%s", year, row[1], row[2])
		if i > 0 && key <= prev {
			p.errorf("row %d (%s): out of order after %s", i, key, prev)
		}
		prev = key

		if len(row[1]) != 5 {
			p.errorf("row %d (%s): county_id %q is not a 5-digit FIPS code", i, key, row[1])
		}
		if cutoff.Year() != year {
			p.errorf("row %d (%s): cutoff_date year differs from year column", i, key)
		}
		if md := cutoff.Format("01-02"); !cutoffSet[md] {
			p.errorf("row %d (%s): cutoff %s not in configured set", i, key, md)
		}
		if !cfg.TrainingYears.Contains(year) {
			p.errorf("row %d (%s): year outside training range %d-%d", i, key, cfg.TrainingYears.Start, cfg.TrainingYears.End)
		}

		checkFeatureCells(p, i, key, featureCols, row[3:len(row)-1])

		if v, err := domain.ParseValue(row[len(row)-1]); err != nil || math.IsNaN(v) {
			p.errorf("row %d (%s): yield %q is not a number", i, key, row[len(row)-1])
		}
	}
	return p
}

func checkFeatureCells(p *phase, i int, key string, cols []string, cells []string) {
	for j, cell := range cells {
		v, err := domain.ParseValue(cell)
		if err != nil {
			p.errorf("row %d (%s): column %s: unparseable value %q", i, key, cols[j], cell)
			continue
		}
		if math.IsNaN(v) {
			continue
		}
		name := cols[j]
		switch {
		case strings.HasPrefix(name, "completeness_"):
			if v < 0 || v > 1 {
				p.errorf("row %d (%s): %s=%g outside [0,1]", i, key, name, v)
			}
		case strings.HasSuffix(name, "_count"), strings.HasSuffix(name, "_stress_days"):
			if v < 0 || v != math.Trunc(v) {
				p.errorf("row %d (%s): %s=%g is not a non-negative integer", i, key, name, v)
			}
		case name == "days_since_season_start":
			if v < 0 || v != math.Trunc(v) {
				p.errorf("row %d (%s): %s=%g is not a non-negative integer", i, key, name, v)
			}
		case name == "iso_week":
			if v < 1 || v > 53 || v != math.Trunc(v) {
				p.errorf("row %d (%s): iso_week=%g outside 1-53", i, key, v)
			}
		}
	}
}

// ── Phase 4: Manifest ──
// The manifest agrees with the feature table it describes and with the run
// marker when one exists.

func validateManifest(m *domain.FeatureManifest, t *domain.Table, marker *pipeline.RunSummary) *phase {
	p := &phase{name: "Phase 4: Manifest"}

	featureCols := t.Columns[3 : len(t.Columns)-1]
	if m.FeatureCount != len(featureCols) {
		p.errorf("feature_count %d, table has %d feature columns", m.FeatureCount, len(featureCols))
	}
	if m.SampleCount != len(t.Rows) {
		p.errorf("sample_count %d, table has %d rows", m.SampleCount, len(t.Rows))
	}
	if m.RunID == "" {
		p.errorf("run_id is empty")
	}
	if m.GeneratedAt.IsZero() {
		p.errorf("generated_at is zero")
	}

	// Every table column is claimed by exactly one manifest group and no
	// dropped column survives in the table.
	claimed := map[string]bool{}
	for band, cols := range m.BandFeatures {
		for _, c := range cols {
			if !strings.HasPrefix(c, band+"_") {
				p.errorf("band_features[%s] claims column %q without the band prefix", band, c)
			}
			claimed[c] = true
		}
	}
	for _, c := range m.TemporalFeatures {
		claimed[c] = true
	}
	for _, c := range featureCols {
		if !claimed[c] {
			p.errorf("column %q not claimed by band_features or temporal_features", c)
		}
	}
	for _, c := range m.DroppedColumns {
		if contains(featureCols, c) {
			p.errorf("dropped column %q still present in the table", c)
		}
	}

	checkManifestPopulation(p, m, t)

	if marker != nil {
		if marker.RunID != m.RunID {
			p.errorf("manifest run_id %s does not match run marker %s", m.RunID, marker.RunID)
		}
		if marker.TargetYear != m.TargetYear {
			p.errorf("manifest target_year %d does not match run marker %d", m.TargetYear, marker.TargetYear)
		}
	}
	return p
}

func checkManifestPopulation(p *phase, m *domain.FeatureManifest, t *domain.Table) {
	years := map[string]bool{}
	counties := map[string]bool{}
	cutoffs := map[string]bool{}
	for _, row := range t.Rows {
		if len(row) < 3 {
			continue
		}
		years[row[0]] = true
		counties[row[1]] = true
		if len(row[2]) == len(domain.DateFormat) {
			cutoffs[row[2][5:]] = true
		}
	}

	if len(m.Years) != len(years) {
		p.errorf("manifest lists %d years, table has %d", len(m.Years), len(years))
	}
	for _, y := range m.Years {
		if !years[strconv.Itoa(y)] {
			p.errorf("manifest year %d absent from the table", y)
		}
	}
	if len(m.Counties) != len(counties) {
		p.errorf("manifest lists %d counties, table has %d", len(m.Counties), len(counties))
	}
	for _, c := range m.Counties {
		if !counties[c] {
			p.errorf("manifest county %s absent from the table", c)
		}
	}
	for md := range cutoffs {
		if !contains(m.Cutoffs, md) {
			p.errorf("table cutoff %s absent from the manifest", md)
		}
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
