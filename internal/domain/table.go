package domain

import (
	"math"
	"strconv"
)

// DateFormat is the wire format for all calendar dates in input and output
// tables. Dates carry no timezone; they are interpreted as UTC midnight.
const DateFormat = "2006-01-02"

// Table is an in-memory tabular dataset: a header plus string-encoded rows.
// Every engine input and artifact passes through this shape so the stages
// stay independent of the on-disk container format.
type Table struct {
	Name    string
	Columns []string
	Rows    [][]string
}

// ColumnIndex returns the position of the named column, or -1 when absent.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// ResolveColumn returns the position of the column matching the spec's name
// or any of its aliases, or -1 when absent.
func (t *Table) ResolveColumn(spec ColumnSpec) int {
	if i := t.ColumnIndex(spec.Name); i >= 0 {
		return i
	}
	for _, alias := range spec.Aliases {
		if i := t.ColumnIndex(alias); i >= 0 {
			return i
		}
	}
	return -1
}

// ColumnKind is the expected cell type of a table column.
type ColumnKind int

const (
	KindString ColumnKind = iota
	KindInt
	KindFloat
	KindDate
	KindBool
)

// ColumnSpec describes one expected column of an input table. Aliases cover
// upstream export variants ("time" for "date", "fips" for "county_id").
type ColumnSpec struct {
	Name     string
	Aliases  []string
	Kind     ColumnKind
	Required bool
}

// Schema describes the expected shape of an input table. Key names the
// columns whose combined values must be unique per row.
type Schema struct {
	Name    string
	Key     []string
	Columns []ColumnSpec
}

// FormatValue renders a float for table output. The shortest round-trippable
// representation keeps artifacts byte-identical across runs; NaN renders as
// an empty cell.
func FormatValue(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ParseValue parses a float cell. Empty cells decode to NaN, the in-memory
// marker for missing numeric data.
func ParseValue(s string) (float64, error) {
	if s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}
