// Package feature assembles forecast-cutoff training examples: windowed
// band aggregates joined with county yield labels.
package feature

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/terracast/crop-signal-engine/internal/config"
	"github.com/terracast/crop-signal-engine/internal/domain"
)

// statNames is the per-(band, window) aggregate order. count and
// stress_days are always present; the others go missing on empty windows.
var statNames = []string{"mean", "std", "min", "max", "count", "stress_days"}

type seriesKey struct {
	county string
	band   domain.Band
}

// daySeries holds one partition's readings as parallel arrays sorted by
// ascending epoch day, so window slicing is a pair of binary searches.
type daySeries struct {
	days   []int64
	values []float64
}

// column pairs a feature name with its source band. Temporal descriptors
// carry an empty band.
type column struct {
	name string
	band domain.Band
}

// Assembler builds the feature matrix for yield model training.
type Assembler struct {
	cfg config.EngineConfig
}

// New builds an Assembler from a validated engine config.
func New(cfg config.EngineConfig) *Assembler {
	return &Assembler{cfg: cfg}
}

// Assemble produces one row per (training year, county, forecast cutoff).
// obs supplies the raw band values, anoms the scored records backing the
// stress_days counts, yields the labels. Rows without a label are dropped
// and counted; columns missing in more than the configured share of the
// surviving sample are dropped and named in the manifest.
func (a *Assembler) Assemble(obs []domain.Observation, anoms []domain.AnomalyRecord, yields []domain.YieldRecord) (*domain.FeatureTable, *domain.FeatureManifest, error) {
	cutoffs := a.cfg.Cutoffs()
	if len(cutoffs) == 0 {
		return nil, nil, fmt.Errorf("assemble: no forecast cutoffs configured")
	}
	windows := a.cfg.FeatureWindows
	if len(windows) == 0 {
		return nil, nil, fmt.Errorf("assemble: no feature windows configured")
	}

	series := indexSeries(obs)
	observed := indexObservedDays(obs)
	stress := indexStressDays(anoms)
	bands := presentBands(obs)
	byYear := countiesByYear(obs)

	labels := make(map[yearCounty]float64, len(yields))
	for _, y := range yields {
		labels[yearCounty{y.Year, y.CountyID}] = y.Value
	}

	columns := a.columnLayout(bands, windows)
	seasonDOY := a.cfg.SeasonStartDOY()

	var rows []domain.FeatureRow
	joinMisses := 0
	for _, year := range a.cfg.TrainingYears.Years() {
		for _, county := range byYear[year] {
			label, ok := labels[yearCounty{year, county}]
			if !ok {
				joinMisses += len(cutoffs)
				continue
			}
			for _, md := range cutoffs {
				cutoff := md.Date(year)
				values := make([]float64, 0, len(columns))
				for _, b := range bands {
					s := series[seriesKey{county, b}]
					st := stress[seriesKey{county, b}]
					for _, w := range windows {
						start, end := windowBounds(cutoff, w, seasonDOY)
						values = append(values, windowStats(sliceRange(s, start, end), countInRange(st, start, end))...)
					}
				}
				values = append(values, float64(cutoff.YearDay()-seasonDOY))
				_, week := cutoff.ISOWeek()
				values = append(values, float64(week))
				for _, w := range windows {
					start, end := windowBounds(cutoff, w, seasonDOY)
					values = append(values, completeness(observed[county], start, end))
				}
				rows = append(rows, domain.FeatureRow{
					Year:     year,
					CountyID: county,
					Cutoff:   cutoff,
					Values:   values,
					Label:    label,
				})
			}
		}
	}

	keep, dropped := columnGate(columns, rows, a.cfg.MaxFeatureMissing)
	table := &domain.FeatureTable{
		Features: make([]string, 0, len(columns)),
		Rows:     rows,
	}
	bandFeatures := make(map[string][]string, len(bands))
	var temporal []string
	for i, c := range columns {
		if !keep[i] {
			continue
		}
		table.Features = append(table.Features, c.name)
		if c.band == "" {
			temporal = append(temporal, c.name)
		} else {
			bandFeatures[string(c.band)] = append(bandFeatures[string(c.band)], c.name)
		}
	}
	for ri := range table.Rows {
		vals := make([]float64, 0, len(table.Features))
		for i, v := range table.Rows[ri].Values {
			if keep[i] {
				vals = append(vals, v)
			}
		}
		table.Rows[ri].Values = vals
	}
	domain.SortFeatureRows(table.Rows)

	manifest := &domain.FeatureManifest{
		FeatureCount:     len(table.Features),
		SampleCount:      len(table.Rows),
		Years:            rowYears(table.Rows),
		Counties:         rowCounties(table.Rows),
		Cutoffs:          cutoffStrings(cutoffs),
		Windows:          windows,
		BandFeatures:     bandFeatures,
		TemporalFeatures: temporal,
		DroppedColumns:   dropped,
		JoinMisses:       joinMisses,
	}
	return table, manifest, nil
}

type yearCounty struct {
	year   int
	county string
}

// columnLayout enumerates feature columns in their artifact order: band
// aggregates grouped by band then window, followed by the temporal
// descriptors.
func (a *Assembler) columnLayout(bands []domain.Band, windows []domain.Window) []column {
	columns := make([]column, 0, len(bands)*len(windows)*len(statNames)+2+len(windows))
	for _, b := range bands {
		for _, w := range windows {
			for _, stat := range statNames {
				columns = append(columns, column{name: fmt.Sprintf("%s_%s_%s", b, w.Name, stat), band: b})
			}
		}
	}
	columns = append(columns, column{name: "days_since_season_start"})
	columns = append(columns, column{name: "iso_week"})
	for _, w := range windows {
		columns = append(columns, column{name: "completeness_" + w.Name})
	}
	return columns
}

// windowBounds returns the inclusive epoch-day span a window covers as of
// the cutoff. Days == 0 anchors the window at season start instead of a
// fixed lookback.
func windowBounds(cutoff time.Time, w domain.Window, seasonDOY int) (int64, int64) {
	end := domain.EpochDay(cutoff)
	if w.Days > 0 {
		return end - int64(w.Days) + 1, end
	}
	start := time.Date(cutoff.Year(), time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, seasonDOY-1)
	return domain.EpochDay(start), end
}

// windowStats aggregates one band's window. Empty windows report NaN for
// mean/std/min/max; count and stress_days are real zeros.
func windowStats(vals []float64, stressDays int) []float64 {
	std := math.NaN()
	if len(vals) >= 2 {
		std = stat(vals, stats.StandardDeviationSample)
	}
	return []float64{
		stat(vals, stats.Mean),
		std,
		stat(vals, stats.Min),
		stat(vals, stats.Max),
		float64(len(vals)),
		float64(stressDays),
	}
}

func stat(vals []float64, f func(stats.Float64Data) (float64, error)) float64 {
	v, err := f(vals)
	if err != nil {
		return math.NaN()
	}
	return v
}

// completeness is observed days over expected days for the window span.
func completeness(days []int64, start, end int64) float64 {
	expected := end - start + 1
	if expected <= 0 {
		return math.NaN()
	}
	return float64(countInRange(days, start, end)) / float64(expected)
}

// columnGate flags columns whose missing share across the sample exceeds
// maxMissing. It returns the keep mask and the dropped column names.
func columnGate(columns []column, rows []domain.FeatureRow, maxMissing float64) ([]bool, []string) {
	missing := make([]int, len(columns))
	for _, r := range rows {
		for i, v := range r.Values {
			if math.IsNaN(v) {
				missing[i]++
			}
		}
	}
	keep := make([]bool, len(columns))
	var dropped []string
	for i, c := range columns {
		if len(rows) > 0 && float64(missing[i])/float64(len(rows)) > maxMissing {
			dropped = append(dropped, c.name)
			continue
		}
		keep[i] = true
	}
	return keep, dropped
}

func indexSeries(obs []domain.Observation) map[seriesKey]daySeries {
	out := make(map[seriesKey]daySeries)
	for _, s := range domain.PartitionSeries(obs) {
		ds := daySeries{
			days:   make([]int64, len(s.Points)),
			values: make([]float64, len(s.Points)),
		}
		for i, p := range s.Points {
			ds.days[i] = domain.EpochDay(p.Date)
			ds.values[i] = p.Mean
		}
		out[seriesKey{s.CountyID, s.Band}] = ds
	}
	return out
}

// indexObservedDays collects the distinct days any band reported per
// county, the completeness numerator.
func indexObservedDays(obs []domain.Observation) map[string][]int64 {
	sets := make(map[string]map[int64]bool)
	for _, o := range obs {
		m := sets[o.CountyID]
		if m == nil {
			m = make(map[int64]bool)
			sets[o.CountyID] = m
		}
		m[domain.EpochDay(o.Date)] = true
	}
	out := make(map[string][]int64, len(sets))
	for county, set := range sets {
		days := make([]int64, 0, len(set))
		for d := range set {
			days = append(days, d)
		}
		sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
		out[county] = days
	}
	return out
}

// indexStressDays collects the days each partition carried a mild or worse
// flag.
func indexStressDays(anoms []domain.AnomalyRecord) map[seriesKey][]int64 {
	out := make(map[seriesKey][]int64)
	for _, r := range anoms {
		if !r.Flag.Anomalous() {
			continue
		}
		k := seriesKey{r.CountyID, r.Band}
		out[k] = append(out[k], domain.EpochDay(r.Date))
	}
	for k, days := range out {
		sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
		out[k] = days
	}
	return out
}

func presentBands(obs []domain.Observation) []domain.Band {
	seen := make(map[domain.Band]bool, len(obs))
	for _, o := range obs {
		seen[o.Band] = true
	}
	var out []domain.Band
	for _, b := range domain.Bands() {
		if seen[b] {
			out = append(out, b)
		}
	}
	return out
}

func countiesByYear(obs []domain.Observation) map[int][]string {
	sets := make(map[int]map[string]bool)
	for _, o := range obs {
		y := o.Year()
		m := sets[y]
		if m == nil {
			m = make(map[string]bool)
			sets[y] = m
		}
		m[o.CountyID] = true
	}
	out := make(map[int][]string, len(sets))
	for year, set := range sets {
		counties := make([]string, 0, len(set))
		for c := range set {
			counties = append(counties, c)
		}
		sort.Strings(counties)
		out[year] = counties
	}
	return out
}

func countInRange(days []int64, start, end int64) int {
	lo := sort.Search(len(days), func(i int) bool { return days[i] >= start })
	hi := sort.Search(len(days), func(i int) bool { return days[i] > end })
	return hi - lo
}

func sliceRange(s daySeries, start, end int64) []float64 {
	lo := sort.Search(len(s.days), func(i int) bool { return s.days[i] >= start })
	hi := sort.Search(len(s.days), func(i int) bool { return s.days[i] > end })
	return s.values[lo:hi]
}

func rowYears(rows []domain.FeatureRow) []int {
	seen := make(map[int]bool)
	var out []int
	for _, r := range rows {
		if !seen[r.Year] {
			seen[r.Year] = true
			out = append(out, r.Year)
		}
	}
	sort.Ints(out)
	return out
}

func rowCounties(rows []domain.FeatureRow) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rows {
		if !seen[r.CountyID] {
			seen[r.CountyID] = true
			out = append(out, r.CountyID)
		}
	}
	sort.Strings(out)
	return out
}

func cutoffStrings(cutoffs []domain.MonthDay) []string {
	out := make([]string, len(cutoffs))
	for i, md := range cutoffs {
		out[i] = md.String()
	}
	return out
}
