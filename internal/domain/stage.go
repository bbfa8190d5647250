package domain

import (
	"fmt"
	"time"
)

// MaxDayOfYear is the largest calendar day of year. Leap days keep their own
// bucket (366) instead of folding into neighboring days.
const MaxDayOfYear = 366

// StageUnknown labels days that no configured growth stage covers.
const StageUnknown = "unknown"

// GrowthStage is one labeled day-of-year interval of the crop calendar.
// Intervals are inclusive on both ends.
type GrowthStage struct {
	Name     string `yaml:"name" json:"name"`
	StartDOY int    `yaml:"start_doy" json:"start_doy"`
	EndDOY   int    `yaml:"end_doy" json:"end_doy"`
}

// Validate checks the interval is well-formed.
func (g GrowthStage) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("growth stage with empty name")
	}
	if g.StartDOY < 1 || g.StartDOY > MaxDayOfYear {
		return fmt.Errorf("growth stage %q: start_doy %d out of range 1-%d", g.Name, g.StartDOY, MaxDayOfYear)
	}
	if g.EndDOY < g.StartDOY || g.EndDOY > MaxDayOfYear {
		return fmt.Errorf("growth stage %q: end_doy %d out of range %d-%d", g.Name, g.EndDOY, g.StartDOY, MaxDayOfYear)
	}
	return nil
}

// StageTable is a precomputed day-of-year to stage-name lookup. Where
// configured intervals overlap, the stage declared first wins.
type StageTable struct {
	byDOY [MaxDayOfYear + 1]string
}

// NewStageTable builds the lookup from validated stages. The second return
// value describes each overlap between declared intervals; overlaps are
// tolerated but worth surfacing at config load.
func NewStageTable(stages []GrowthStage) (*StageTable, []string) {
	t := &StageTable{}
	var overlaps []string
	for _, s := range stages {
		shadowedFrom := 0
		for d := s.StartDOY; d <= s.EndDOY; d++ {
			if t.byDOY[d] != "" {
				if shadowedFrom == 0 {
					shadowedFrom = d
				}
				continue
			}
			t.byDOY[d] = s.Name
		}
		if shadowedFrom != 0 {
			overlaps = append(overlaps, fmt.Sprintf("stage %q overlaps earlier stage from day %d", s.Name, shadowedFrom))
		}
	}
	return t, overlaps
}

// StageFor returns the stage name covering a day of year, or StageUnknown.
func (t *StageTable) StageFor(doy int) string {
	if doy < 1 || doy > MaxDayOfYear {
		return StageUnknown
	}
	if name := t.byDOY[doy]; name != "" {
		return name
	}
	return StageUnknown
}

// YearRange is an inclusive span of calendar years.
type YearRange struct {
	Start int `yaml:"start" json:"start"`
	End   int `yaml:"end" json:"end"`
}

// Validate checks the span is well-formed.
func (r YearRange) Validate() error {
	if r.Start < 1900 || r.Start > 2200 {
		return fmt.Errorf("year range start %d outside 1900-2200", r.Start)
	}
	if r.End < r.Start {
		return fmt.Errorf("year range end %d precedes start %d", r.End, r.Start)
	}
	return nil
}

// Contains reports whether year falls inside the range.
func (r YearRange) Contains(year int) bool {
	return year >= r.Start && year <= r.End
}

// Len returns the number of years in the range.
func (r YearRange) Len() int {
	return r.End - r.Start + 1
}

// Years enumerates the range in ascending order.
func (r YearRange) Years() []int {
	out := make([]int, 0, r.Len())
	for y := r.Start; y <= r.End; y++ {
		out = append(out, y)
	}
	return out
}

// MonthDay is a recurring calendar date, such as a forecast cutoff that
// repeats every training year.
type MonthDay struct {
	Month time.Month
	Day   int
}

// ParseMonthDay parses "MM-DD".
func ParseMonthDay(s string) (MonthDay, error) {
	t, err := time.Parse("01-02", s)
	if err != nil {
		return MonthDay{}, fmt.Errorf("parse month-day %q: %w", s, err)
	}
	return MonthDay{Month: t.Month(), Day: t.Day()}, nil
}

// Date anchors the recurring date in a concrete year, at UTC midnight.
func (m MonthDay) Date(year int) time.Time {
	return time.Date(year, m.Month, m.Day, 0, 0, 0, 0, time.UTC)
}

// DOY returns the day of year the date falls on in the given year.
func (m MonthDay) DOY(year int) int {
	return m.Date(year).YearDay()
}

func (m MonthDay) String() string {
	return fmt.Sprintf("%02d-%02d", int(m.Month), m.Day)
}
