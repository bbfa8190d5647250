package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/terracast/crop-signal-engine/internal/domain"
)

// EngineConfig carries the science parameters of a run: which years form the
// historical reference, how anomalies classify, the crop calendar, and how
// forecast features aggregate. Operational settings stay in Config.
type EngineConfig struct {
	ReferenceYears    domain.YearRange       `yaml:"reference_years"`
	TrainingYears     domain.YearRange       `yaml:"training_years"`
	MinSampleYears    int                    `yaml:"min_sample_years"`
	Thresholds        domain.Thresholds      `yaml:"anomaly_thresholds"`
	GrowthStages      []domain.GrowthStage   `yaml:"growth_stages"`
	FeatureWindows    []domain.Window        `yaml:"feature_windows"`
	ForecastCutoffs   []string               `yaml:"forecast_cutoffs"`
	MinCompleteness   float64                `yaml:"min_completeness"`
	MaxFeatureMissing float64                `yaml:"max_feature_missing"`
	DuplicatePolicy   domain.DuplicatePolicy `yaml:"duplicate_policy"`

	cutoffs []domain.MonthDay
}

// DefaultEngine returns the corn-belt defaults used when no engine YAML is
// supplied.
func DefaultEngine() EngineConfig {
	return EngineConfig{
		ReferenceYears: domain.YearRange{Start: 2017, End: 2023},
		TrainingYears:  domain.YearRange{Start: 2018, End: 2023},
		MinSampleYears: 4,
		Thresholds:     domain.DefaultThresholds(),
		GrowthStages: []domain.GrowthStage{
			{Name: "planting", StartDOY: 105, EndDOY: 135},
			{Name: "emergence", StartDOY: 136, EndDOY: 165},
			{Name: "silking", StartDOY: 166, EndDOY: 200},
			{Name: "grain_fill", StartDOY: 201, EndDOY: 245},
			{Name: "maturity", StartDOY: 246, EndDOY: 290},
		},
		FeatureWindows: []domain.Window{
			{Name: "since_planting", Days: 0},
			{Name: "last_14d", Days: 14},
			{Name: "last_30d", Days: 30},
		},
		ForecastCutoffs:   []string{"06-15", "07-15", "08-15"},
		MinCompleteness:   0.5,
		MaxFeatureMissing: 0.5,
		DuplicatePolicy:   domain.KeepLast,
	}
}

// LoadEngine reads the science configuration from a YAML file, layering it
// over the defaults and validating the result. A missing file yields the
// defaults with a warning so ad hoc runs work out of the box; a present but
// malformed file is an error.
func LoadEngine(path string) (EngineConfig, []string, error) {
	cfg := DefaultEngine()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		warnings, verr := cfg.Validate()
		if verr != nil {
			return cfg, nil, verr
		}
		return cfg, append([]string{fmt.Sprintf("engine config %s not found, using defaults", path)}, warnings...), nil
	case err != nil:
		return cfg, nil, fmt.Errorf("read engine config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, nil, fmt.Errorf("parse engine config %s: %w", path, err)
	}

	warnings, err := cfg.Validate()
	if err != nil {
		return cfg, nil, fmt.Errorf("engine config %s: %w", path, err)
	}
	return cfg, warnings, nil
}

// Validate checks cross-field consistency, parses the forecast cutoffs and
// returns non-fatal warnings (growth stage overlaps, defaulted files).
func (c *EngineConfig) Validate() ([]string, error) {
	if err := c.ReferenceYears.Validate(); err != nil {
		return nil, fmt.Errorf("reference_years: %w", err)
	}
	if err := c.TrainingYears.Validate(); err != nil {
		return nil, fmt.Errorf("training_years: %w", err)
	}
	if c.MinSampleYears < 2 {
		return nil, fmt.Errorf("min_sample_years must be at least 2, got %d", c.MinSampleYears)
	}
	if c.MinSampleYears > c.ReferenceYears.Len() {
		return nil, fmt.Errorf("min_sample_years %d exceeds the %d reference years; every baseline cell would be invalid",
			c.MinSampleYears, c.ReferenceYears.Len())
	}
	if err := c.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("anomaly_thresholds: %w", err)
	}

	if len(c.GrowthStages) == 0 {
		return nil, errors.New("growth_stages must not be empty")
	}
	for _, s := range c.GrowthStages {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	_, overlaps := domain.NewStageTable(c.GrowthStages)

	if len(c.FeatureWindows) == 0 {
		return nil, errors.New("feature_windows must not be empty")
	}
	windowNames := make(map[string]bool, len(c.FeatureWindows))
	for _, w := range c.FeatureWindows {
		if err := w.Validate(); err != nil {
			return nil, err
		}
		if windowNames[w.Name] {
			return nil, fmt.Errorf("duplicate feature window %q", w.Name)
		}
		windowNames[w.Name] = true
	}

	if len(c.ForecastCutoffs) == 0 {
		return nil, errors.New("forecast_cutoffs must not be empty")
	}
	seasonStart := c.SeasonStartDOY()
	c.cutoffs = c.cutoffs[:0]
	seen := make(map[string]bool, len(c.ForecastCutoffs))
	for _, s := range c.ForecastCutoffs {
		md, err := domain.ParseMonthDay(s)
		if err != nil {
			return nil, fmt.Errorf("forecast_cutoffs: %w", err)
		}
		if seen[md.String()] {
			return nil, fmt.Errorf("duplicate forecast cutoff %q", s)
		}
		seen[md.String()] = true
		// Check against a non-leap year so a passing config passes every year.
		if md.DOY(2023) <= seasonStart {
			return nil, fmt.Errorf("forecast cutoff %q falls on or before the season start (day %d)", s, seasonStart)
		}
		c.cutoffs = append(c.cutoffs, md)
	}
	sort.Slice(c.cutoffs, func(i, j int) bool {
		if c.cutoffs[i].Month != c.cutoffs[j].Month {
			return c.cutoffs[i].Month < c.cutoffs[j].Month
		}
		return c.cutoffs[i].Day < c.cutoffs[j].Day
	})

	if c.MinCompleteness < 0 || c.MinCompleteness > 1 {
		return nil, fmt.Errorf("min_completeness must be in [0, 1], got %v", c.MinCompleteness)
	}
	if c.MaxFeatureMissing < 0 || c.MaxFeatureMissing > 1 {
		return nil, fmt.Errorf("max_feature_missing must be in [0, 1], got %v", c.MaxFeatureMissing)
	}
	if !c.DuplicatePolicy.Valid() {
		return nil, fmt.Errorf("duplicate_policy must be %q or %q, got %q", domain.KeepFirst, domain.KeepLast, c.DuplicatePolicy)
	}

	return overlaps, nil
}

// Cutoffs returns the parsed forecast cutoffs in calendar order. Validate
// must have succeeded first.
func (c *EngineConfig) Cutoffs() []domain.MonthDay {
	out := make([]domain.MonthDay, len(c.cutoffs))
	copy(out, c.cutoffs)
	return out
}

// SeasonStartDOY returns the day of year the growing season opens: the
// earliest start among the configured growth stages.
func (c *EngineConfig) SeasonStartDOY() int {
	start := 0
	for _, s := range c.GrowthStages {
		if start == 0 || s.StartDOY < start {
			start = s.StartDOY
		}
	}
	return start
}
