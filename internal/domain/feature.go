package domain

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// YieldRecord is one county-year ground-truth yield label.
type YieldRecord struct {
	Year     int     `json:"year"`
	CountyID string  `json:"county_id"`
	Value    float64 `json:"yield"`
}

// YieldSchema describes the yield label input table.
func YieldSchema(name string) Schema {
	return Schema{
		Name: name,
		Key:  []string{"year", "county_id"},
		Columns: []ColumnSpec{
			{Name: "year", Kind: KindInt, Required: true},
			{Name: "county_id", Aliases: []string{"fips"}, Kind: KindString, Required: true},
			{Name: "yield", Aliases: []string{"yield_value", "value"}, Kind: KindFloat, Required: true},
		},
	}
}

// ParseYieldTable converts a raw yield table into records. Rows with an
// unparseable year, county or yield cell are dropped; the second return
// value reports how many. Later rows win when a (year, county) key repeats.
func ParseYieldTable(t *Table) ([]YieldRecord, int, error) {
	schema := YieldSchema(t.Name)
	idx := make(map[string]int, len(schema.Columns))
	for _, spec := range schema.Columns {
		i := t.ResolveColumn(spec)
		if i < 0 {
			return nil, 0, fmt.Errorf("table %s: missing required column %q", t.Name, spec.Name)
		}
		idx[spec.Name] = i
	}

	type key struct {
		year   int
		county string
	}
	seen := make(map[key]int, len(t.Rows))
	recs := make([]YieldRecord, 0, len(t.Rows))
	dropped := 0
	for _, row := range t.Rows {
		if len(row) <= idx["yield"] || len(row) <= idx["year"] || len(row) <= idx["county_id"] {
			dropped++
			continue
		}
		year, err := strconv.Atoi(strings.TrimSpace(row[idx["year"]]))
		if err != nil {
			dropped++
			continue
		}
		county := NormalizeCountyID(row[idx["county_id"]])
		if county == "" {
			dropped++
			continue
		}
		value, err := ParseValue(strings.TrimSpace(row[idx["yield"]]))
		if err != nil || math.IsNaN(value) {
			dropped++
			continue
		}
		rec := YieldRecord{Year: year, CountyID: county, Value: value}
		if i, ok := seen[key{year, county}]; ok {
			recs[i] = rec
			continue
		}
		seen[key{year, county}] = len(recs)
		recs = append(recs, rec)
	}
	return recs, dropped, nil
}

// Window is one feature aggregation span ending at the forecast cutoff.
// Days == 0 means "since season start".
type Window struct {
	Name string `yaml:"name" json:"name"`
	Days int    `yaml:"days" json:"days"`
}

// Validate checks the window is well-formed.
func (w Window) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("feature window with empty name")
	}
	if w.Days < 0 || w.Days > MaxDayOfYear {
		return fmt.Errorf("feature window %q: days %d out of range 0-%d", w.Name, w.Days, MaxDayOfYear)
	}
	return nil
}

// FeatureRow is one assembled training example: the feature vector for a
// (year, county) pair as of one forecast cutoff, joined with its yield label.
// Values runs parallel to FeatureTable.Features; NaN marks missing.
type FeatureRow struct {
	Year     int
	CountyID string
	Cutoff   time.Time
	Values   []float64
	Label    float64
}

// FeatureTable pairs the assembled feature matrix with its column names.
// Features excludes the identity columns (year, county_id, cutoff_date) and
// the label column.
type FeatureTable struct {
	Features []string
	Rows     []FeatureRow
}

// SortFeatureRows orders rows by (year, county, cutoff), the artifact
// ordering contract.
func SortFeatureRows(rows []FeatureRow) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		if a.CountyID != b.CountyID {
			return a.CountyID < b.CountyID
		}
		return a.Cutoff.Before(b.Cutoff)
	})
}

// Table serializes the feature matrix into the features artifact.
func (ft *FeatureTable) Table(name string) *Table {
	columns := make([]string, 0, len(ft.Features)+4)
	columns = append(columns, "year", "county_id", "cutoff_date")
	columns = append(columns, ft.Features...)
	columns = append(columns, "yield")

	rows := make([][]string, 0, len(ft.Rows))
	for _, r := range ft.Rows {
		row := make([]string, 0, len(columns))
		row = append(row, strconv.Itoa(r.Year), r.CountyID, r.Cutoff.Format(DateFormat))
		for _, v := range r.Values {
			row = append(row, FormatValue(v))
		}
		row = append(row, FormatValue(r.Label))
		rows = append(rows, row)
	}
	return &Table{Name: name, Columns: columns, Rows: rows}
}

// FeatureManifest describes an emitted feature table for downstream model
// training code: what the columns are, what population the rows cover, and
// what was dropped on the way.
type FeatureManifest struct {
	RunID            string              `json:"run_id"`
	GeneratedAt      time.Time           `json:"generated_at"`
	TargetYear       int                 `json:"target_year"`
	FeatureCount     int                 `json:"feature_count"`
	SampleCount      int                 `json:"sample_count"`
	Years            []int               `json:"years"`
	Counties         []string            `json:"counties"`
	Cutoffs          []string            `json:"cutoffs"`
	Windows          []Window            `json:"windows"`
	BandFeatures     map[string][]string `json:"band_features"`
	TemporalFeatures []string            `json:"temporal_features"`
	DroppedColumns   []string            `json:"dropped_columns"`
	JoinMisses       int                 `json:"join_misses"`
}
