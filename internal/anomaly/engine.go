// Package anomaly scores daily observations against their historical
// baselines and maintains trailing persistence and rolling statistics.
package anomaly

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

// Engine scores observations against a baseline set.
type Engine struct {
	baselines  *domain.BaselineSet
	stages     *domain.StageTable
	thresholds domain.Thresholds
	workers    int
}

// New builds an Engine over a baseline set. workers <= 0 means one worker
// per CPU. Stage overlap warnings are a config-load concern; they are not
// re-reported here.
func New(cfg config.EngineConfig, baselines *domain.BaselineSet, workers int) *Engine {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	stages, _ := domain.NewStageTable(cfg.GrowthStages)
	return &Engine{
		baselines:  baselines,
		stages:     stages,
		thresholds: cfg.Thresholds,
		workers:    workers,
	}
}

// Score produces one anomaly record per observation. Partitions fan out
// across workers; a failing partition is reported without aborting its
// siblings. Records come back sorted by (date, county, band) regardless of
// worker scheduling.
func (e *Engine) Score(ctx context.Context, obs []domain.Observation) ([]domain.AnomalyRecord, []domain.PartitionError, error) {
	series := domain.PartitionSeries(obs)
	results := make([][]domain.AnomalyRecord, len(series))
	failures := make([]error, len(series))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, s := range series {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			recs, err := e.scoreSeries(s)
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

	var out []domain.AnomalyRecord
	var perrs []domain.PartitionError
	for i, s := range series {
		if failures[i] != nil {
			perrs = append(perrs, domain.PartitionError{CountyID: s.CountyID, Band: s.Band, Err: failures[i]})
			continue
		}
		out = append(out, results[i]...)
	}
	domain.SortAnomalies(out)
	return out, perrs, nil
}

// scoreSeries scores one (county, band) partition. The first pass assigns
// z-scores and flags; the second fills the trailing-window statistics using
// an anomalous-day prefix sum and binary-searched window starts, so scoring
// stays O(n log n) in the series length.
func (e *Engine) scoreSeries(s domain.Series) ([]domain.AnomalyRecord, error) {
	n := len(s.Points)
	recs := make([]domain.AnomalyRecord, n)
	days := make([]int64, n)
	values := make([]float64, n)
	anomalous := make([]int, n+1)

	for i, p := range s.Points {
		rec := domain.AnomalyRecord{
			Date:        p.Date,
			CountyID:    s.CountyID,
			Band:        s.Band,
			Value:       p.Mean,
			GrowthStage: e.stages.StageFor(p.DayOfYear()),
		}
		e.scorePoint(&rec, p)
		recs[i] = rec

		days[i] = domain.EpochDay(p.Date)
		values[i] = p.Mean
		a := 0
		if rec.Flag.Anomalous() {
			a = 1
		}
		anomalous[i+1] = anomalous[i] + a
	}

	for i := range recs {
		for _, w := range domain.PersistenceWindows {
			j := windowStart(days, i, w)
			count := anomalous[i+1] - anomalous[j]
			switch w {
			case 7:
				recs[i].Persist7 = count
			case 14:
				recs[i].Persist14 = count
			case 21:
				recs[i].Persist21 = count
			case 30:
				recs[i].Persist30 = count
			}
		}
		for _, w := range domain.RollingWindows {
			j := windowStart(days, i, w)
			mean, slope, hasSlope, err := rollingStats(days[j:i+1], values[j:i+1])
			if err != nil {
				return nil, fmt.Errorf("rolling window %dd at %s: %w", w, recs[i].Date.Format(domain.DateFormat), err)
			}
			m := mean
			switch w {
			case 14:
				recs[i].RollingMean14 = &m
				if hasSlope {
					sl := slope
					recs[i].Trend14 = &sl
				}
			case 30:
				recs[i].RollingMean30 = &m
				if hasSlope {
					sl := slope
					recs[i].Trend30 = &sl
				}
			}
		}
	}
	return recs, nil
}

// scorePoint resolves the baseline cell and assigns z-score, percentile and
// flag. Baseline mean and std travel with the record whenever the cell
// exists, including invalid cells, for downstream context.
func (e *Engine) scorePoint(rec *domain.AnomalyRecord, p domain.Observation) {
	bl, found := e.baselines.Lookup(p.CountyID, p.DayOfYear(), p.Band)
	if !found {
		rec.Flag = domain.FlagInsufficientBaseline
		return
	}
	mean, std := bl.Mean, bl.Std
	rec.BaselineMean, rec.BaselineStd = &mean, &std
	if !bl.Valid {
		rec.Flag = domain.FlagInsufficientBaseline
		return
	}
	z, ok := domain.ZScore(p.Mean, bl.Mean, bl.Std)
	if !ok {
		rec.Flag = domain.FlagInsufficientBaseline
		return
	}
	zc, pct := z, domain.Percentile(z)
	rec.ZScore, rec.Percentile = &zc, &pct
	rec.Flag = domain.Classify(z, e.thresholds)
}

// windowStart returns the smallest index j whose day falls inside the
// trailing w-day window ending at days[i]. days must be ascending.
func windowStart(days []int64, i, w int) int {
	lo := days[i] - int64(w) + 1
	return sort.Search(i+1, func(j int) bool { return days[j] >= lo })
}

// rollingStats computes the mean of the window and, given at least two
// points, the per-day slope of a least-squares fit through them.
func rollingStats(days []int64, values []float64) (mean, slope float64, hasSlope bool, err error) {
	mean, err = stats.Mean(values)
	if err != nil {
		return 0, 0, false, err
	}
	if len(values) < 2 {
		return mean, 0, false, nil
	}

	series := make(stats.Series, len(values))
	for i := range values {
		series[i] = stats.Coordinate{X: float64(days[i] - days[0]), Y: values[i]}
	}
	fit, err := stats.LinearRegression(series)
	if err != nil {
		return mean, 0, false, err
	}
	dx := fit[len(fit)-1].X - fit[0].X
	if dx == 0 {
		return mean, 0, false, nil
	}
	slope = (fit[len(fit)-1].Y - fit[0].Y) / dx
	return mean, slope, true, nil
}
