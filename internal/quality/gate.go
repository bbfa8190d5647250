// Package quality validates raw input tables before the statistical stages
// consume them. The gate reports what it finds and never mutates data;
// resolution policy (dropping rows, collapsing duplicates) belongs to the
// caller.
package quality

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/terracast/crop-signal-engine/internal/config"
	"github.com/terracast/crop-signal-engine/internal/domain"
)

// Check names, used as the metrics label and in run summaries.
const (
	CheckSchema       = "schema"
	CheckType         = "type"
	CheckRange        = "range"
	CheckDuplicate    = "duplicate"
	CheckCompleteness = "completeness"
	CheckOutlier      = "outlier"
)

// maxIssuesPerCheck caps how many individual issues one check records per
// table; beyond it a single counting issue stands in for the rest.
const maxIssuesPerCheck = 25

// iqrMultiplier puts the outlier fences at quartile +/- 3*IQR, wide enough
// that only far outliers trip the check.
const iqrMultiplier = 3.0

// minOutlierSample is the smallest column size worth computing quartiles on.
const minOutlierSample = 8

// Issue is one finding about an input table. Row is the 1-based data row
// (excluding the header); 0 marks a table-level finding.
type Issue struct {
	Check  string `json:"check"`
	Column string `json:"column,omitempty"`
	Row    int    `json:"row,omitempty"`
	Detail string `json:"detail"`
}

// Report is the gate's verdict on one table.
type Report struct {
	Table    string         `json:"table"`
	Rows     int            `json:"rows"`
	SchemaOK bool           `json:"schema_ok"`
	Issues   []Issue        `json:"issues,omitempty"`
	Counts   map[string]int `json:"counts,omitempty"`
}

// Usable reports whether the table can be parsed at all. A failed schema
// check is fatal for the table; everything else is advisory.
func (r *Report) Usable() bool {
	return r.SchemaOK
}

// Count returns how many findings a check produced, including ones elided
// past the per-check cap.
func (r *Report) Count(check string) int {
	return r.Counts[check]
}

// Total returns the number of findings across all checks.
func (r *Report) Total() int {
	total := 0
	for _, n := range r.Counts {
		total += n
	}
	return total
}

func (r *Report) add(issue Issue) {
	if r.Counts == nil {
		r.Counts = make(map[string]int)
	}
	r.Counts[issue.Check]++
	n := r.Counts[issue.Check]
	switch {
	case n < maxIssuesPerCheck:
		r.Issues = append(r.Issues, issue)
	case n == maxIssuesPerCheck:
		r.Issues = append(r.Issues, Issue{
			Check:  issue.Check,
			Detail: fmt.Sprintf("further %s issues elided", issue.Check),
		})
	}
}

// Gate runs the pre-flight checks over input tables.
type Gate struct {
	minCompleteness float64
}

// NewGate builds a gate from the engine configuration.
func NewGate(cfg config.EngineConfig) *Gate {
	return &Gate{minCompleteness: cfg.MinCompleteness}
}

// CheckObservations inspects one band table: schema, cell types, physical
// range, duplicate keys, panel completeness and far outliers.
func (g *Gate) CheckObservations(t *domain.Table, band domain.Band) *Report {
	report := &Report{Table: t.Name, Rows: len(t.Rows)}
	schema := domain.ObservationSchema(t.Name)

	cols := g.checkSchema(report, t, schema)
	if !report.SchemaOK {
		return report
	}

	bandRange, _ := band.Range()
	rangeCols := map[string]bool{"mean": true, "min": true, "max": true}

	type rowKey struct {
		date   string
		county string
	}
	seen := make(map[rowKey]int, len(t.Rows))
	counties := make(map[string]bool)
	dates := make(map[string]bool)
	var means []float64

	for i, row := range t.Rows {
		rowNum := i + 1
		values := make(map[string]string, len(cols))
		for name, idx := range cols {
			if idx < len(row) {
				values[name] = strings.TrimSpace(row[idx])
			}
		}

		for _, spec := range schema.Columns {
			if _, present := cols[spec.Name]; !present {
				continue
			}
			cell := values[spec.Name]
			v, ok := g.checkCell(report, spec, cell, rowNum)
			if !ok {
				continue
			}
			if rangeCols[spec.Name] && !math.IsNaN(v) && (v < bandRange.Min || v > bandRange.Max) {
				report.add(Issue{
					Check:  CheckRange,
					Column: spec.Name,
					Row:    rowNum,
					Detail: fmt.Sprintf("%s=%v outside plausible range [%v, %v] for band %s", spec.Name, v, bandRange.Min, bandRange.Max, band),
				})
			}
			if spec.Name == "mean" && !math.IsNaN(v) {
				means = append(means, v)
			}
		}

		date := values["date"]
		county := domain.NormalizeCountyID(values["county_id"])
		if date != "" && county != "" {
			counties[county] = true
			dates[date] = true
			key := rowKey{date: date, county: county}
			if first, dup := seen[key]; dup {
				report.add(Issue{
					Check:  CheckDuplicate,
					Row:    rowNum,
					Detail: fmt.Sprintf("duplicate key (%s, %s), first seen at row %d", date, county, first),
				})
			} else {
				seen[key] = rowNum
			}
		}
	}

	g.checkCompleteness(report, len(seen), len(counties), len(dates))
	g.checkOutliers(report, band, means)
	return report
}

// CheckYields inspects the yield label table: schema, cell types and
// duplicate keys.
func (g *Gate) CheckYields(t *domain.Table) *Report {
	report := &Report{Table: t.Name, Rows: len(t.Rows)}
	schema := domain.YieldSchema(t.Name)

	cols := g.checkSchema(report, t, schema)
	if !report.SchemaOK {
		return report
	}

	type rowKey struct {
		year   string
		county string
	}
	seen := make(map[rowKey]int, len(t.Rows))
	for i, row := range t.Rows {
		rowNum := i + 1
		values := make(map[string]string, len(cols))
		for name, idx := range cols {
			if idx < len(row) {
				values[name] = strings.TrimSpace(row[idx])
			}
		}
		for _, spec := range schema.Columns {
			if _, present := cols[spec.Name]; !present {
				continue
			}
			g.checkCell(report, spec, values[spec.Name], rowNum)
		}

		year := values["year"]
		county := domain.NormalizeCountyID(values["county_id"])
		if year != "" && county != "" {
			key := rowKey{year: year, county: county}
			if first, dup := seen[key]; dup {
				report.add(Issue{
					Check:  CheckDuplicate,
					Row:    rowNum,
					Detail: fmt.Sprintf("duplicate key (%s, %s), first seen at row %d", year, county, first),
				})
			} else {
				seen[key] = rowNum
			}
		}
	}
	return report
}

// checkSchema resolves the expected columns and reports the ones it cannot
// find. Returns the resolved name -> index map.
func (g *Gate) checkSchema(report *Report, t *domain.Table, schema domain.Schema) map[string]int {
	report.SchemaOK = true
	cols := make(map[string]int, len(schema.Columns))
	for _, spec := range schema.Columns {
		idx := t.ResolveColumn(spec)
		if idx < 0 {
			if spec.Required {
				report.SchemaOK = false
				report.add(Issue{
					Check:  CheckSchema,
					Column: spec.Name,
					Detail: fmt.Sprintf("required column %q missing", spec.Name),
				})
			}
			continue
		}
		cols[spec.Name] = idx
	}
	return cols
}

// checkCell type-checks one cell and returns its numeric value for float
// columns. Empty optional cells are fine; empty required cells are type
// issues.
func (g *Gate) checkCell(report *Report, spec domain.ColumnSpec, cell string, rowNum int) (float64, bool) {
	if cell == "" {
		if spec.Required {
			report.add(Issue{
				Check:  CheckType,
				Column: spec.Name,
				Row:    rowNum,
				Detail: fmt.Sprintf("required cell %q empty", spec.Name),
			})
			return math.NaN(), false
		}
		return math.NaN(), true
	}

	switch spec.Kind {
	case domain.KindDate:
		if _, err := time.Parse(domain.DateFormat, cell); err != nil {
			report.add(Issue{Check: CheckType, Column: spec.Name, Row: rowNum, Detail: fmt.Sprintf("bad date %q", cell)})
			return math.NaN(), false
		}
	case domain.KindFloat:
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			report.add(Issue{Check: CheckType, Column: spec.Name, Row: rowNum, Detail: fmt.Sprintf("bad number %q", cell)})
			return math.NaN(), false
		}
		return v, true
	case domain.KindInt:
		if _, err := strconv.Atoi(cell); err != nil {
			report.add(Issue{Check: CheckType, Column: spec.Name, Row: rowNum, Detail: fmt.Sprintf("bad integer %q", cell)})
			return math.NaN(), false
		}
	case domain.KindBool:
		if _, err := strconv.ParseBool(cell); err != nil {
			report.add(Issue{Check: CheckType, Column: spec.Name, Row: rowNum, Detail: fmt.Sprintf("bad boolean %q", cell)})
			return math.NaN(), false
		}
	}
	return math.NaN(), true
}

// checkCompleteness compares the distinct (county, date) keys present against
// the full county x date grid the table implies.
func (g *Gate) checkCompleteness(report *Report, cells, counties, dates int) {
	if counties == 0 || dates == 0 {
		return
	}
	expected := counties * dates
	density := float64(cells) / float64(expected)
	if density < g.minCompleteness {
		report.add(Issue{
			Check: CheckCompleteness,
			Detail: fmt.Sprintf("%d of %d county-date cells present (%.1f%%), below minimum %.1f%%",
				cells, expected, density*100, g.minCompleteness*100),
		})
	}
}

// checkOutliers fences the mean column at quartile +/- 3*IQR and reports the
// count outside. Far outliers usually mean a unit mix-up upstream rather
// than weather.
func (g *Gate) checkOutliers(report *Report, band domain.Band, means []float64) {
	if len(means) < minOutlierSample {
		return
	}
	quartiles, err := stats.Quartile(means)
	if err != nil {
		return
	}
	iqr, err := stats.InterQuartileRange(means)
	if err != nil || iqr == 0 {
		return
	}
	lo := quartiles.Q1 - iqrMultiplier*iqr
	hi := quartiles.Q3 + iqrMultiplier*iqr
	outliers := 0
	for _, v := range means {
		if v < lo || v > hi {
			outliers++
		}
	}
	if outliers > 0 {
		report.add(Issue{
			Check:  CheckOutlier,
			Column: "mean",
			Detail: fmt.Sprintf("%d of %d values outside IQR fences [%.4g, %.4g] for band %s", outliers, len(means), lo, hi, band),
		})
	}
}
