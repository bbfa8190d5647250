package domain

import (
	"fmt"
	"sort"
	"strconv"
)

// BaselineRecord is the historical reference distribution for one
// (county, day-of-year, band) cell, estimated across the reference years.
type BaselineRecord struct {
	CountyID    string  `json:"county_id"`
	DayOfYear   int     `json:"day_of_year"`
	Band        Band    `json:"band"`
	Mean        float64 `json:"mean"`
	Std         float64 `json:"std"`
	SampleYears int     `json:"sample_years"`
	Valid       bool    `json:"valid"`
}

// BaselineKey addresses one baseline cell.
type BaselineKey struct {
	CountyID  string
	DayOfYear int
	Band      Band
}

// Key returns the record's lookup key.
func (r BaselineRecord) Key() BaselineKey {
	return BaselineKey{CountyID: r.CountyID, DayOfYear: r.DayOfYear, Band: r.Band}
}

// BaselineSet indexes baseline records for O(1) lookup during scoring.
type BaselineSet struct {
	records map[BaselineKey]BaselineRecord
}

// NewBaselineSet builds an index over recs. Later duplicates of a key
// overwrite earlier ones; well-formed baseline tables have none.
func NewBaselineSet(recs []BaselineRecord) *BaselineSet {
	m := make(map[BaselineKey]BaselineRecord, len(recs))
	for _, r := range recs {
		m[r.Key()] = r
	}
	return &BaselineSet{records: m}
}

// Lookup returns the baseline cell for a county, day of year and band.
func (s *BaselineSet) Lookup(countyID string, doy int, band Band) (BaselineRecord, bool) {
	r, ok := s.records[BaselineKey{CountyID: countyID, DayOfYear: doy, Band: band}]
	return r, ok
}

// Len returns the number of indexed cells.
func (s *BaselineSet) Len() int {
	return len(s.records)
}

// SortBaselines orders records by (county, day-of-year, band), the artifact
// ordering contract.
func SortBaselines(recs []BaselineRecord) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.CountyID != b.CountyID {
			return a.CountyID < b.CountyID
		}
		if a.DayOfYear != b.DayOfYear {
			return a.DayOfYear < b.DayOfYear
		}
		return a.Band < b.Band
	})
}

var baselineColumns = []string{"county_id", "day_of_year", "band", "mean", "std", "sample_years", "valid"}

// BaselineTable serializes records into the baselines artifact. Callers sort
// first; serialization preserves record order.
func BaselineTable(name string, recs []BaselineRecord) *Table {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []string{
			r.CountyID,
			strconv.Itoa(r.DayOfYear),
			string(r.Band),
			FormatValue(r.Mean),
			FormatValue(r.Std),
			strconv.Itoa(r.SampleYears),
			strconv.FormatBool(r.Valid),
		})
	}
	return &Table{Name: name, Columns: baselineColumns, Rows: rows}
}

// ParseBaselineTable decodes a previously written baselines artifact. The
// table is engine-owned, so any malformed row is an error rather than a drop.
func ParseBaselineTable(t *Table) ([]BaselineRecord, error) {
	idx := make(map[string]int, len(baselineColumns))
	for _, name := range baselineColumns {
		i := t.ColumnIndex(name)
		if i < 0 {
			return nil, fmt.Errorf("baseline table %s: missing column %q", t.Name, name)
		}
		idx[name] = i
	}

	recs := make([]BaselineRecord, 0, len(t.Rows))
	for n, row := range t.Rows {
		if len(row) < len(baselineColumns) {
			return nil, fmt.Errorf("baseline table %s: row %d: want %d cells, got %d", t.Name, n+1, len(baselineColumns), len(row))
		}
		doy, err := strconv.Atoi(row[idx["day_of_year"]])
		if err != nil {
			return nil, fmt.Errorf("baseline table %s: row %d: day_of_year: %w", t.Name, n+1, err)
		}
		band, err := ParseBand(row[idx["band"]])
		if err != nil {
			return nil, fmt.Errorf("baseline table %s: row %d: %w", t.Name, n+1, err)
		}
		mean, err := ParseValue(row[idx["mean"]])
		if err != nil {
			return nil, fmt.Errorf("baseline table %s: row %d: mean: %w", t.Name, n+1, err)
		}
		std, err := ParseValue(row[idx["std"]])
		if err != nil {
			return nil, fmt.Errorf("baseline table %s: row %d: std: %w", t.Name, n+1, err)
		}
		years, err := strconv.Atoi(row[idx["sample_years"]])
		if err != nil {
			return nil, fmt.Errorf("baseline table %s: row %d: sample_years: %w", t.Name, n+1, err)
		}
		valid, err := strconv.ParseBool(row[idx["valid"]])
		if err != nil {
			return nil, fmt.Errorf("baseline table %s: row %d: valid: %w", t.Name, n+1, err)
		}
		recs = append(recs, BaselineRecord{
			CountyID:    row[idx["county_id"]],
			DayOfYear:   doy,
			Band:        band,
			Mean:        mean,
			Std:         std,
			SampleYears: years,
			Valid:       valid,
		})
	}
	return recs, nil
}
