// Package baseline estimates per-day-of-year reference distributions from
// historical band observations.
package baseline

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"

	"github.com/terracast/crop-signal-engine/internal/config"
	"github.com/terracast/crop-signal-engine/internal/domain"
)

// Builder computes baseline cells across the configured reference years.
type Builder struct {
	referenceYears domain.YearRange
	minSampleYears int
	workers        int
}

// New builds a Builder. workers <= 0 means one worker per CPU.
func New(cfg config.EngineConfig, workers int) *Builder {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Builder{
		referenceYears: cfg.ReferenceYears,
		minSampleYears: cfg.MinSampleYears,
		workers:        workers,
	}
}

// Build estimates one baseline cell per (county, day-of-year, band) observed
// during the reference years. Partitions fan out across workers; a failing
// partition is reported without aborting its siblings. Records come back
// sorted by (county, day-of-year, band) regardless of worker scheduling.
func (b *Builder) Build(ctx context.Context, obs []domain.Observation) ([]domain.BaselineRecord, []domain.PartitionError, error) {
	series := domain.PartitionSeries(obs)
	results := make([][]domain.BaselineRecord, len(series))
	failures := make([]error, len(series))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, s := range series {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			recs, err := b.buildSeries(s)
			if err != nil {
				failures[i] = err
				return nil
			}
			results[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var out []domain.BaselineRecord
	var perrs []domain.PartitionError
	for i, s := range series {
		if failures[i] != nil {
			perrs = append(perrs, domain.PartitionError{CountyID: s.CountyID, Band: s.Band, Err: failures[i]})
			continue
		}
		out = append(out, results[i]...)
	}
	domain.SortBaselines(out)
	return out, perrs, nil
}

// buildSeries estimates the cells of one (county, band) partition. Within a
// partition each (year, day-of-year) pair contributes at most one value, so
// the sample size per cell is the number of reference years observed.
func (b *Builder) buildSeries(s domain.Series) ([]domain.BaselineRecord, error) {
	byDOY := make(map[int]map[int]float64)
	for _, p := range s.Points {
		if !b.referenceYears.Contains(p.Year()) {
			continue
		}
		doy := p.DayOfYear()
		if byDOY[doy] == nil {
			byDOY[doy] = make(map[int]float64)
		}
		byDOY[doy][p.Year()] = p.Mean
	}
	if len(byDOY) == 0 {
		return nil, nil
	}

	doys := make([]int, 0, len(byDOY))
	for doy := range byDOY {
		doys = append(doys, doy)
	}
	sort.Ints(doys)

	recs := make([]domain.BaselineRecord, 0, len(doys))
	for _, doy := range doys {
		byYear := byDOY[doy]
		years := make([]int, 0, len(byYear))
		for y := range byYear {
			years = append(years, y)
		}
		sort.Ints(years)
		values := make([]float64, 0, len(years))
		for _, y := range years {
			values = append(values, byYear[y])
		}

		mean, err := stats.Mean(values)
		if err != nil {
			return nil, fmt.Errorf("day %d: mean: %w", doy, err)
		}
		std := 0.0
		if len(values) >= 2 {
			std, err = stats.StandardDeviationSample(values)
			if err != nil {
				return nil, fmt.Errorf("day %d: std: %w", doy, err)
			}
		}
		recs = append(recs, domain.BaselineRecord{
			CountyID:    s.CountyID,
			DayOfYear:   doy,
			Band:        s.Band,
			Mean:        mean,
			Std:         std,
			SampleYears: len(values),
			Valid:       len(values) >= b.minSampleYears,
		})
	}
	return recs, nil
}
