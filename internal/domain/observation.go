package domain

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Observation is one daily county-level reading of one band.
type Observation struct {
	Date     time.Time `json:"date"`
	CountyID string    `json:"county_id"`
	Band     Band      `json:"band"`
	Mean     float64   `json:"mean"`
	Std      float64   `json:"std"` // NaN when the source omitted it
	Min      float64   `json:"min"` // NaN when the source omitted it
	Max      float64   `json:"max"` // NaN when the source omitted it
}

// DayOfYear returns the observation's calendar day of year (1-366). Leap-day
// readings land in bucket 366 rather than being folded into March 1.
func (o Observation) DayOfYear() int {
	return o.Date.YearDay()
}

// Year returns the observation's calendar year.
func (o Observation) Year() int {
	return o.Date.Year()
}

// EpochDay converts a UTC date to days since 1970-01-01. Window arithmetic on
// epoch days counts calendar days, not observations, so gaps in a series
// shrink the effective window instead of stretching it.
func EpochDay(t time.Time) int64 {
	return t.Unix() / 86400
}

// Series holds every observation of one band for one county, sorted by date.
type Series struct {
	CountyID string
	Band     Band
	Points   []Observation
}

// PartitionSeries splits observations into per-(county, band) series: the
// unit of parallelism for the statistical stages. Series are ordered by
// county then band and points by date, so stage output merged in partition
// order is deterministic regardless of worker scheduling.
func PartitionSeries(obs []Observation) []Series {
	type key struct {
		county string
		band   Band
	}
	groups := make(map[key][]Observation)
	for _, o := range obs {
		k := key{county: o.CountyID, band: o.Band}
		groups[k] = append(groups[k], o)
	}

	out := make([]Series, 0, len(groups))
	for k, points := range groups {
		sort.SliceStable(points, func(i, j int) bool {
			return points[i].Date.Before(points[j].Date)
		})
		out = append(out, Series{CountyID: k.county, Band: k.band, Points: points})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CountyID != out[j].CountyID {
			return out[i].CountyID < out[j].CountyID
		}
		return out[i].Band < out[j].Band
	})
	return out
}

// PartitionError reports a failure scoped to one (county, band) partition.
// Partition failures are collected into the run summary without aborting
// sibling partitions.
type PartitionError struct {
	CountyID string
	Band     Band
	Err      error
}

func (e PartitionError) Error() string {
	return fmt.Sprintf("partition %s/%s: %v", e.CountyID, e.Band, e.Err)
}

func (e PartitionError) Unwrap() error {
	return e.Err
}

// ObservationSchema describes a per-band input table.
func ObservationSchema(name string) Schema {
	return Schema{
		Name: name,
		Key:  []string{"date", "county_id"},
		Columns: []ColumnSpec{
			{Name: "date", Aliases: []string{"time"}, Kind: KindDate, Required: true},
			{Name: "county_id", Aliases: []string{"fips"}, Kind: KindString, Required: true},
			{Name: "mean", Kind: KindFloat, Required: true},
			{Name: "std", Kind: KindFloat},
			{Name: "min", Kind: KindFloat},
			{Name: "max", Kind: KindFloat},
		},
	}
}

// NormalizeCountyID canonicalizes a FIPS county code by trimming whitespace
// and left-padding short numeric codes to five digits, so "1001" and "01001"
// key the same county.
func NormalizeCountyID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return s
		}
	}
	for len(s) < 5 {
		s = "0" + s
	}
	return s
}

// ParseObservationTable converts a raw band table into observations. Rows
// whose date, county or mean cell cannot be parsed are dropped; the second
// return value reports how many. A missing required column is an error.
func ParseObservationTable(t *Table, band Band) ([]Observation, int, error) {
	schema := ObservationSchema(t.Name)
	idx := make(map[string]int, len(schema.Columns))
	for _, spec := range schema.Columns {
		i := t.ResolveColumn(spec)
		if i < 0 {
			if spec.Required {
				return nil, 0, fmt.Errorf("table %s: missing required column %q", t.Name, spec.Name)
			}
			continue
		}
		idx[spec.Name] = i
	}

	cell := func(row []string, name string) string {
		i, ok := idx[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	obs := make([]Observation, 0, len(t.Rows))
	dropped := 0
	for _, row := range t.Rows {
		date, err := time.Parse(DateFormat, cell(row, "date"))
		if err != nil {
			dropped++
			continue
		}
		county := NormalizeCountyID(cell(row, "county_id"))
		if county == "" {
			dropped++
			continue
		}
		mean, err := ParseValue(cell(row, "mean"))
		if err != nil || math.IsNaN(mean) {
			dropped++
			continue
		}
		obs = append(obs, Observation{
			Date:     date.UTC(),
			CountyID: county,
			Band:     band,
			Mean:     mean,
			Std:      parseOptional(cell(row, "std")),
			Min:      parseOptional(cell(row, "min")),
			Max:      parseOptional(cell(row, "max")),
		})
	}
	return obs, dropped, nil
}

// parseOptional decodes an optional float cell, mapping both empty and
// malformed cells to NaN.
func parseOptional(s string) float64 {
	v, err := ParseValue(s)
	if err != nil {
		return math.NaN()
	}
	return v
}

// DuplicatePolicy selects which row survives when several share the same
// (date, county) key within one band table.
type DuplicatePolicy string

const (
	KeepFirst DuplicatePolicy = "keep_first"
	KeepLast  DuplicatePolicy = "keep_last"
)

// Valid reports whether the policy is one of the supported values.
func (p DuplicatePolicy) Valid() bool {
	return p == KeepFirst || p == KeepLast
}

// ResolveDuplicates collapses observations sharing a (date, county, band) key
// according to policy, preserving input order of the survivors. It returns
// the kept observations and the number removed.
func ResolveDuplicates(obs []Observation, policy DuplicatePolicy) ([]Observation, int) {
	type key struct {
		day    int64
		county string
		band   Band
	}
	seen := make(map[key]int, len(obs)) // key -> index into out
	out := make([]Observation, 0, len(obs))
	removed := 0
	for _, o := range obs {
		k := key{day: EpochDay(o.Date), county: o.CountyID, band: o.Band}
		if i, ok := seen[k]; ok {
			removed++
			if policy == KeepLast {
				out[i] = o
			}
			continue
		}
		seen[k] = len(out)
		out = append(out, o)
	}
	return out, removed
}
