package anomaly

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terracast/crop-signal-engine/internal/config"
	"github.com/terracast/crop-signal-engine/internal/domain"
)

func scoreConfig(t *testing.T) config.EngineConfig {
	t.Helper()
	cfg := config.DefaultEngine()
	_, err := cfg.Validate()
	require.NoError(t, err)
	return cfg
}

// flatBaselines returns a set holding the same valid mean and std on every
// day of year for one county and band.
func flatBaselines(county string, band domain.Band, mean, std float64) *domain.BaselineSet {
	recs := make([]domain.BaselineRecord, 0, domain.MaxDayOfYear)
	for doy := 1; doy <= domain.MaxDayOfYear; doy++ {
		recs = append(recs, domain.BaselineRecord{
			CountyID:    county,
			DayOfYear:   doy,
			Band:        band,
			Mean:        mean,
			Std:         std,
			SampleYears: 6,
			Valid:       true,
		})
	}
	return domain.NewBaselineSet(recs)
}

func obsAt(county string, band domain.Band, date time.Time, mean float64) domain.Observation {
	return domain.Observation{Date: date, CountyID: county, Band: band, Mean: mean}
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}

func TestScore_ClassifiesAgainstBaseline(t *testing.T) {
	// Baseline mean 0 and std 0.5 make every z below exact in float64, so
	// the threshold boundaries are exercised precisely. A value sitting
	// exactly on a threshold stays in the milder class.
	e := New(scoreConfig(t), flatBaselines("19001", domain.BandLST, 0, 0.5), 2)

	cases := []struct {
		name  string
		value float64
		wantZ float64
		want  domain.AnomalyFlag
	}{
		{"zero deviation", 0, 0, domain.FlagNormal},
		{"normal boundary", 0.5, 1, domain.FlagNormal},
		{"mild", -0.75, -1.5, domain.FlagMild},
		{"mild boundary", 1.0, 2, domain.FlagMild},
		{"moderate", -1.25, -2.5, domain.FlagModerate},
		{"moderate boundary", 1.5, 3, domain.FlagModerate},
		{"severe", -1.75, -3.5, domain.FlagSevere},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obs := []domain.Observation{obsAt("19001", domain.BandLST, day(2024, time.June, 15), tc.value)}
			recs, perrs, err := e.Score(context.Background(), obs)
			require.NoError(t, err)
			assert.Empty(t, perrs)
			require.Len(t, recs, 1)

			rec := recs[0]
			assert.Equal(t, tc.want, rec.Flag)
			require.NotNil(t, rec.ZScore)
			assert.InDelta(t, tc.wantZ, *rec.ZScore, 1e-12)
			require.NotNil(t, rec.BaselineMean)
			assert.Equal(t, 0.0, *rec.BaselineMean)
			require.NotNil(t, rec.BaselineStd)
			assert.Equal(t, 0.5, *rec.BaselineStd)
		})
	}
}

func TestScore_PercentileTracksZ(t *testing.T) {
	e := New(scoreConfig(t), flatBaselines("19001", domain.BandLST, 0, 0.5), 1)

	obs := []domain.Observation{
		obsAt("19001", domain.BandLST, day(2024, time.June, 15), 0),
		obsAt("19001", domain.BandLST, day(2024, time.June, 16), -0.5),
	}
	recs, perrs, err := e.Score(context.Background(), obs)
	require.NoError(t, err)
	assert.Empty(t, perrs)
	require.Len(t, recs, 2)

	require.NotNil(t, recs[0].Percentile)
	assert.InDelta(t, 50, *recs[0].Percentile, 1e-12)

	// z = -1 sits at the 15.87th percentile of the standard normal.
	require.NotNil(t, recs[1].Percentile)
	assert.InDelta(t, 15.865525393145707, *recs[1].Percentile, 1e-9)
}

func TestScore_InsufficientBaseline(t *testing.T) {
	cfg := scoreConfig(t)
	date := day(2024, time.June, 15)
	obs := []domain.Observation{obsAt("19001", domain.BandNDVI, date, 0.55)}
	doy := obs[0].DayOfYear()

	t.Run("missing cell", func(t *testing.T) {
		e := New(cfg, domain.NewBaselineSet(nil), 1)
		recs, perrs, err := e.Score(context.Background(), obs)
		require.NoError(t, err)
		assert.Empty(t, perrs)
		require.Len(t, recs, 1)

		rec := recs[0]
		assert.Equal(t, domain.FlagInsufficientBaseline, rec.Flag)
		assert.Nil(t, rec.ZScore)
		assert.Nil(t, rec.Percentile)
		assert.Nil(t, rec.BaselineMean)
	})

	t.Run("invalid cell keeps baseline context", func(t *testing.T) {
		cell := domain.BaselineRecord{
			CountyID: "19001", DayOfYear: doy, Band: domain.BandNDVI,
			Mean: 0.6, Std: 0.05, SampleYears: 2, Valid: false,
		}
		e := New(cfg, domain.NewBaselineSet([]domain.BaselineRecord{cell}), 1)
		recs, perrs, err := e.Score(context.Background(), obs)
		require.NoError(t, err)
		assert.Empty(t, perrs)
		require.Len(t, recs, 1)

		rec := recs[0]
		assert.Equal(t, domain.FlagInsufficientBaseline, rec.Flag)
		assert.Nil(t, rec.ZScore)
		require.NotNil(t, rec.BaselineMean)
		assert.Equal(t, 0.6, *rec.BaselineMean)
	})

	t.Run("zero variance differing value", func(t *testing.T) {
		cell := domain.BaselineRecord{
			CountyID: "19001", DayOfYear: doy, Band: domain.BandNDVI,
			Mean: 0.6, Std: 0, SampleYears: 6, Valid: true,
		}
		e := New(cfg, domain.NewBaselineSet([]domain.BaselineRecord{cell}), 1)
		recs, perrs, err := e.Score(context.Background(), obs)
		require.NoError(t, err)
		assert.Empty(t, perrs)
		require.Len(t, recs, 1)

		rec := recs[0]
		assert.Equal(t, domain.FlagInsufficientBaseline, rec.Flag)
		assert.Nil(t, rec.ZScore)
	})

	t.Run("zero variance equal value", func(t *testing.T) {
		cell := domain.BaselineRecord{
			CountyID: "19001", DayOfYear: doy, Band: domain.BandNDVI,
			Mean: 0.55, Std: 0, SampleYears: 6, Valid: true,
		}
		e := New(cfg, domain.NewBaselineSet([]domain.BaselineRecord{cell}), 1)
		recs, perrs, err := e.Score(context.Background(), obs)
		require.NoError(t, err)
		assert.Empty(t, perrs)
		require.Len(t, recs, 1)

		rec := recs[0]
		assert.Equal(t, domain.FlagNormal, rec.Flag)
		require.NotNil(t, rec.ZScore)
		assert.Equal(t, 0.0, *rec.ZScore)
		require.NotNil(t, rec.Percentile)
		assert.InDelta(t, 50, *rec.Percentile, 1e-12)
	})
}

func TestScore_GrowthStageFromCalendar(t *testing.T) {
	e := New(scoreConfig(t), flatBaselines("19001", domain.BandNDVI, 0.6, 0.1), 1)

	obs := []domain.Observation{
		obsAt("19001", domain.BandNDVI, day(2024, time.January, 10), 0.58),
		obsAt("19001", domain.BandNDVI, day(2024, time.June, 15), 0.61),
	}
	recs, perrs, err := e.Score(context.Background(), obs)
	require.NoError(t, err)
	assert.Empty(t, perrs)
	require.Len(t, recs, 2)

	assert.Equal(t, domain.StageUnknown, recs[0].GrowthStage)
	assert.Equal(t, "silking", recs[1].GrowthStage)
}

func TestScore_PersistenceCountsTrailingWindow(t *testing.T) {
	e := New(scoreConfig(t), flatBaselines("19001", domain.BandNDVI, 0.6, 0.1), 2)

	// Ten anomalous days (three stds below the mean) followed by five
	// normal ones.
	var obs []domain.Observation
	for i := 0; i < 10; i++ {
		obs = append(obs, obsAt("19001", domain.BandNDVI, day(2024, time.June, 1+i), 0.30))
	}
	for i := 10; i < 15; i++ {
		obs = append(obs, obsAt("19001", domain.BandNDVI, day(2024, time.June, 1+i), 0.60))
	}

	recs, perrs, err := e.Score(context.Background(), obs)
	require.NoError(t, err)
	assert.Empty(t, perrs)
	require.Len(t, recs, 15)

	// The scored day counts toward its own windows.
	assert.Equal(t, 1, recs[0].Persist7)

	// June 10: the whole trailing week is anomalous, the longer windows
	// see all ten days.
	assert.Equal(t, 7, recs[9].Persist7)
	assert.Equal(t, 10, recs[9].Persist14)
	assert.Equal(t, 10, recs[9].Persist21)
	assert.Equal(t, 10, recs[9].Persist30)

	// June 15: the anomalous run is sliding out of the shorter windows.
	assert.Equal(t, 2, recs[14].Persist7)
	assert.Equal(t, 9, recs[14].Persist14)
	assert.Equal(t, 10, recs[14].Persist21)

	// Counts nest across window lengths and never exceed them.
	for _, rec := range recs {
		prev := 0
		for _, w := range domain.PersistenceWindows {
			count := rec.Persistence(w)
			assert.GreaterOrEqual(t, count, prev)
			assert.LessOrEqual(t, count, w)
			prev = count
		}
	}
}

func TestScore_PersistenceUsesCalendarDays(t *testing.T) {
	e := New(scoreConfig(t), flatBaselines("19001", domain.BandNDVI, 0.6, 0.1), 1)

	obs := []domain.Observation{
		obsAt("19001", domain.BandNDVI, day(2024, time.June, 1), 0.30),
		obsAt("19001", domain.BandNDVI, day(2024, time.June, 20), 0.30),
	}
	recs, perrs, err := e.Score(context.Background(), obs)
	require.NoError(t, err)
	assert.Empty(t, perrs)
	require.Len(t, recs, 2)

	// Nineteen calendar days separate the readings: June 1 has left the
	// 7- and 14-day windows of June 20 but still sits inside the 21-day
	// one.
	rec := recs[1]
	assert.Equal(t, 1, rec.Persist7)
	assert.Equal(t, 1, rec.Persist14)
	assert.Equal(t, 2, rec.Persist21)
	assert.Equal(t, 2, rec.Persist30)
}

func TestScore_RollingMeanAndTrend(t *testing.T) {
	e := New(scoreConfig(t), flatBaselines("19001", domain.BandNDVI, 0.6, 0.1), 2)

	// Twenty days climbing a straight 0.02/day ramp.
	var obs []domain.Observation
	for i := 0; i < 20; i++ {
		obs = append(obs, obsAt("19001", domain.BandNDVI, day(2024, time.June, 1+i), 0.50+0.02*float64(i)))
	}
	recs, perrs, err := e.Score(context.Background(), obs)
	require.NoError(t, err)
	assert.Empty(t, perrs)
	require.Len(t, recs, 20)

	// A single point yields a mean but no slope.
	first := recs[0]
	require.NotNil(t, first.RollingMean14)
	assert.InDelta(t, 0.50, *first.RollingMean14, 1e-12)
	assert.Nil(t, first.Trend14)
	assert.Nil(t, first.Trend30)

	// Two points are enough for a slope.
	require.NotNil(t, recs[1].Trend14)
	assert.InDelta(t, 0.02, *recs[1].Trend14, 1e-9)

	// June 20 sees days 7-20 in the 14-day window and the whole ramp in
	// the 30-day one.
	last := recs[19]
	require.NotNil(t, last.RollingMean14)
	assert.InDelta(t, 0.75, *last.RollingMean14, 1e-9)
	require.NotNil(t, last.RollingMean30)
	assert.InDelta(t, 0.69, *last.RollingMean30, 1e-9)
	require.NotNil(t, last.Trend14)
	assert.InDelta(t, 0.02, *last.Trend14, 1e-9)
	require.NotNil(t, last.Trend30)
	assert.InDelta(t, 0.02, *last.Trend30, 1e-9)
}

func TestScore_OutputOrdering(t *testing.T) {
	var cells []domain.BaselineRecord
	for _, county := range []string{"17001", "19001"} {
		for _, band := range []domain.Band{domain.BandNDVI, domain.BandLST} {
			mean := 0.6
			if band == domain.BandLST {
				mean = 24
			}
			for doy := 150; doy <= 170; doy++ {
				cells = append(cells, domain.BaselineRecord{
					CountyID: county, DayOfYear: doy, Band: band,
					Mean: mean, Std: 1, SampleYears: 6, Valid: true,
				})
			}
		}
	}
	e := New(scoreConfig(t), domain.NewBaselineSet(cells), 4)

	// Deliberately shuffled input order.
	obs := []domain.Observation{
		obsAt("19001", domain.BandNDVI, day(2024, time.June, 2), 0.61),
		obsAt("17001", domain.BandLST, day(2024, time.June, 1), 23.0),
		obsAt("19001", domain.BandLST, day(2024, time.June, 1), 25.5),
		obsAt("17001", domain.BandNDVI, day(2024, time.June, 2), 0.58),
		obsAt("17001", domain.BandNDVI, day(2024, time.June, 1), 0.57),
		obsAt("19001", domain.BandLST, day(2024, time.June, 2), 26.0),
	}
	recs, perrs, err := e.Score(context.Background(), obs)
	require.NoError(t, err)
	assert.Empty(t, perrs)
	require.Len(t, recs, 6)

	type key struct {
		date   string
		county string
		band   domain.Band
	}
	got := make([]key, 0, len(recs))
	for _, r := range recs {
		got = append(got, key{r.Date.Format(domain.DateFormat), r.CountyID, r.Band})
	}
	want := []key{
		{"2024-06-01", "17001", domain.BandLST},
		{"2024-06-01", "17001", domain.BandNDVI},
		{"2024-06-01", "19001", domain.BandLST},
		{"2024-06-02", "17001", domain.BandNDVI},
		{"2024-06-02", "19001", domain.BandLST},
		{"2024-06-02", "19001", domain.BandNDVI},
	}
	assert.Equal(t, want, got)
}

func TestScore_DeterministicAcrossWorkerCounts(t *testing.T) {
	cfg := scoreConfig(t)

	var cells []domain.BaselineRecord
	var obs []domain.Observation
	for c := 0; c < 5; c++ {
		county := fmt.Sprintf("19%03d", c*2+1)
		for doy := 150; doy <= 185; doy++ {
			cells = append(cells, domain.BaselineRecord{
				CountyID: county, DayOfYear: doy, Band: domain.BandNDVI,
				Mean: 0.6, Std: 0.1, SampleYears: 6, Valid: true,
			})
		}
		for i := 0; i < 30; i++ {
			v := 0.4 + 0.01*float64((c+i)%20)
			obs = append(obs, obsAt(county, domain.BandNDVI, day(2024, time.June, 1+i), v))
		}
	}
	set := domain.NewBaselineSet(cells)

	single, perrs1, err := New(cfg, set, 1).Score(context.Background(), obs)
	require.NoError(t, err)
	assert.Empty(t, perrs1)

	many, perrs8, err := New(cfg, set, 8).Score(context.Background(), obs)
	require.NoError(t, err)
	assert.Empty(t, perrs8)

	require.Equal(t, single, many)
}

func TestScore_ContextCancelled(t *testing.T) {
	e := New(scoreConfig(t), flatBaselines("19001", domain.BandNDVI, 0.6, 0.1), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	obs := []domain.Observation{obsAt("19001", domain.BandNDVI, day(2024, time.June, 15), 0.58)}
	_, _, err := e.Score(ctx, obs)
	require.ErrorIs(t, err, context.Canceled)
}

func TestScore_EmptyInput(t *testing.T) {
	e := New(scoreConfig(t), domain.NewBaselineSet(nil), 1)

	recs, perrs, err := e.Score(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, perrs)
	assert.Empty(t, recs)
}
