package domain

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/montanaflynn/stats"
)

// AnomalyFlag labels how far a daily reading sits from its historical
// baseline.
type AnomalyFlag string

const (
	FlagNormal               AnomalyFlag = "normal"
	FlagMild                 AnomalyFlag = "mild"
	FlagModerate             AnomalyFlag = "moderate"
	FlagSevere               AnomalyFlag = "severe"
	FlagInsufficientBaseline AnomalyFlag = "insufficient_baseline"
)

// AnomalyFlags returns every flag value in severity order.
func AnomalyFlags() []AnomalyFlag {
	return []AnomalyFlag{FlagNormal, FlagMild, FlagModerate, FlagSevere, FlagInsufficientBaseline}
}

// Valid reports whether f is a known flag value.
func (f AnomalyFlag) Valid() bool {
	switch f {
	case FlagNormal, FlagMild, FlagModerate, FlagSevere, FlagInsufficientBaseline:
		return true
	}
	return false
}

// Anomalous reports whether the flag counts toward persistence: mild or
// worse. Days without a usable baseline count as neither normal nor
// anomalous.
func (f AnomalyFlag) Anomalous() bool {
	return f == FlagMild || f == FlagModerate || f == FlagSevere
}

// Thresholds are the |z| cut points separating the anomaly classes.
type Thresholds struct {
	NormalMax   float64 `yaml:"normal_max" json:"normal_max"`     // |z| <= NormalMax is normal
	MildMax     float64 `yaml:"mild_max" json:"mild_max"`         // |z| <= MildMax is mild
	ModerateMax float64 `yaml:"moderate_max" json:"moderate_max"` // |z| <= ModerateMax is moderate, above is severe
}

// DefaultThresholds returns the standard one, two and three sigma cut points.
func DefaultThresholds() Thresholds {
	return Thresholds{NormalMax: 1, MildMax: 2, ModerateMax: 3}
}

// Validate checks the cut points are positive and strictly increasing.
func (t Thresholds) Validate() error {
	if !(t.NormalMax > 0) {
		return fmt.Errorf("normal_max must be positive, got %v", t.NormalMax)
	}
	if !(t.MildMax > t.NormalMax) {
		return fmt.Errorf("mild_max (%v) must exceed normal_max (%v)", t.MildMax, t.NormalMax)
	}
	if !(t.ModerateMax > t.MildMax) {
		return fmt.Errorf("moderate_max (%v) must exceed mild_max (%v)", t.ModerateMax, t.MildMax)
	}
	return nil
}

// Classify maps a z-score onto the anomaly ladder. Boundary values stay in
// the milder class; a NaN z-score has no usable baseline.
func Classify(z float64, t Thresholds) AnomalyFlag {
	if math.IsNaN(z) {
		return FlagInsufficientBaseline
	}
	abs := math.Abs(z)
	switch {
	case abs <= t.NormalMax:
		return FlagNormal
	case abs <= t.MildMax:
		return FlagMild
	case abs <= t.ModerateMax:
		return FlagModerate
	default:
		return FlagSevere
	}
}

// ZScore standardizes a reading against its baseline cell. A zero-variance
// baseline yields z=0 when the value matches the mean exactly; any deviation
// from a zero-variance baseline is unscorable and reported as not ok.
func ZScore(value, mean, std float64) (float64, bool) {
	switch {
	case std > 0:
		return (value - mean) / std, true
	case std == 0 && value == mean:
		return 0, true
	default:
		return 0, false
	}
}

// Percentile maps a z-score to its standard normal percentile in [0, 100].
func Percentile(z float64) float64 {
	return stats.NormCdf(z, 0, 1) * 100
}

// PersistenceWindows are the trailing calendar-day spans over which
// anomalous-day counts are maintained.
var PersistenceWindows = []int{7, 14, 21, 30}

// RollingWindows are the trailing calendar-day spans over which rolling means
// and trend slopes are maintained.
var RollingWindows = []int{14, 30}

// AnomalyRecord is one scored daily observation. Pointer fields are absent
// when the day had no usable baseline or the trailing window held too few
// points.
type AnomalyRecord struct {
	Date          time.Time   `json:"date"`
	CountyID      string      `json:"county_id"`
	Band          Band        `json:"band"`
	Value         float64     `json:"value"`
	BaselineMean  *float64    `json:"baseline_mean,omitempty"`
	BaselineStd   *float64    `json:"baseline_std,omitempty"`
	ZScore        *float64    `json:"z_score,omitempty"`
	Percentile    *float64    `json:"percentile,omitempty"`
	Flag          AnomalyFlag `json:"flag"`
	GrowthStage   string      `json:"growth_stage"`
	Persist7      int         `json:"persist_7d"`
	Persist14     int         `json:"persist_14d"`
	Persist21     int         `json:"persist_21d"`
	Persist30     int         `json:"persist_30d"`
	RollingMean14 *float64    `json:"rolling_mean_14d,omitempty"`
	RollingMean30 *float64    `json:"rolling_mean_30d,omitempty"`
	Trend14       *float64    `json:"trend_14d,omitempty"`
	Trend30       *float64    `json:"trend_30d,omitempty"`
}

// Persistence returns the anomalous-day count for one of the supported
// trailing windows.
func (r AnomalyRecord) Persistence(window int) int {
	switch window {
	case 7:
		return r.Persist7
	case 14:
		return r.Persist14
	case 21:
		return r.Persist21
	case 30:
		return r.Persist30
	}
	return 0
}

// SortAnomalies orders records by (date, county, band), the artifact
// ordering contract.
func SortAnomalies(recs []AnomalyRecord) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.CountyID != b.CountyID {
			return a.CountyID < b.CountyID
		}
		return a.Band < b.Band
	})
}

var anomalyColumns = []string{
	"date", "county_id", "band", "value",
	"baseline_mean", "baseline_std", "z_score", "percentile",
	"flag", "growth_stage",
	"persist_7d", "persist_14d", "persist_21d", "persist_30d",
	"rolling_mean_14d", "rolling_mean_30d", "trend_14d", "trend_30d",
}

// AnomalyTable serializes records into the per-year anomalies artifact.
func AnomalyTable(name string, recs []AnomalyRecord) *Table {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []string{
			r.Date.Format(DateFormat),
			r.CountyID,
			string(r.Band),
			FormatValue(r.Value),
			formatOptional(r.BaselineMean),
			formatOptional(r.BaselineStd),
			formatOptional(r.ZScore),
			formatOptional(r.Percentile),
			string(r.Flag),
			r.GrowthStage,
			strconv.Itoa(r.Persist7),
			strconv.Itoa(r.Persist14),
			strconv.Itoa(r.Persist21),
			strconv.Itoa(r.Persist30),
			formatOptional(r.RollingMean14),
			formatOptional(r.RollingMean30),
			formatOptional(r.Trend14),
			formatOptional(r.Trend30),
		})
	}
	return &Table{Name: name, Columns: anomalyColumns, Rows: rows}
}

// ParseAnomalyTable decodes a previously written anomalies artifact.
func ParseAnomalyTable(t *Table) ([]AnomalyRecord, error) {
	idx := make(map[string]int, len(anomalyColumns))
	for _, name := range anomalyColumns {
		i := t.ColumnIndex(name)
		if i < 0 {
			return nil, fmt.Errorf("anomaly table %s: missing column %q", t.Name, name)
		}
		idx[name] = i
	}

	recs := make([]AnomalyRecord, 0, len(t.Rows))
	for n, row := range t.Rows {
		if len(row) < len(anomalyColumns) {
			return nil, fmt.Errorf("anomaly table %s: row %d: want %d cells, got %d", t.Name, n+1, len(anomalyColumns), len(row))
		}
		fail := func(col string, err error) error {
			return fmt.Errorf("anomaly table %s: row %d: %s: %w", t.Name, n+1, col, err)
		}

		date, err := time.Parse(DateFormat, row[idx["date"]])
		if err != nil {
			return nil, fail("date", err)
		}
		band, err := ParseBand(row[idx["band"]])
		if err != nil {
			return nil, fail("band", err)
		}
		value, err := ParseValue(row[idx["value"]])
		if err != nil {
			return nil, fail("value", err)
		}
		rec := AnomalyRecord{
			Date:        date.UTC(),
			CountyID:    row[idx["county_id"]],
			Band:        band,
			Value:       value,
			Flag:        AnomalyFlag(row[idx["flag"]]),
			GrowthStage: row[idx["growth_stage"]],
		}
		if !rec.Flag.Valid() {
			return nil, fail("flag", fmt.Errorf("unknown flag %q", rec.Flag))
		}
		optional := map[string]**float64{
			"baseline_mean":    &rec.BaselineMean,
			"baseline_std":     &rec.BaselineStd,
			"z_score":          &rec.ZScore,
			"percentile":       &rec.Percentile,
			"rolling_mean_14d": &rec.RollingMean14,
			"rolling_mean_30d": &rec.RollingMean30,
			"trend_14d":        &rec.Trend14,
			"trend_30d":        &rec.Trend30,
		}
		for col, dst := range optional {
			*dst, err = parseOptionalPtr(row[idx[col]])
			if err != nil {
				return nil, fail(col, err)
			}
		}
		counts := map[string]*int{
			"persist_7d":  &rec.Persist7,
			"persist_14d": &rec.Persist14,
			"persist_21d": &rec.Persist21,
			"persist_30d": &rec.Persist30,
		}
		for col, dst := range counts {
			*dst, err = strconv.Atoi(row[idx[col]])
			if err != nil {
				return nil, fail(col, err)
			}
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return FormatValue(*v)
}

func parseOptionalPtr(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
