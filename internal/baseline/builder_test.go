package baseline

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terracast/crop-signal-engine/internal/config"
	"github.com/terracast/crop-signal-engine/internal/domain"
)

func testConfig(t *testing.T) config.EngineConfig {
	t.Helper()
	cfg := config.DefaultEngine()
	cfg.ReferenceYears = domain.YearRange{Start: 2018, End: 2023}
	cfg.MinSampleYears = 4
	_, err := cfg.Validate()
	require.NoError(t, err)
	return cfg
}

// obsOn builds one observation of band ndvi for the given county on
// month/day of the given year.
func obsOn(county string, year int, month time.Month, day int, mean float64) domain.Observation {
	return domain.Observation{
		Date:     time.Date(year, month, day, 0, 0, 0, 0, time.UTC),
		CountyID: county,
		Band:     domain.BandNDVI,
		Mean:     mean,
	}
}

func TestBuild_MeanAndSampleStd(t *testing.T) {
	b := New(testConfig(t), 2)

	// Six reference years of June 15 readings for one county.
	values := []float64{0.52, 0.58, 0.61, 0.63, 0.60, 0.66}
	var obs []domain.Observation
	for i, v := range values {
		obs = append(obs, obsOn("19001", 2018+i, time.June, 15, v))
	}

	recs, perrs, err := b.Build(context.Background(), obs)
	require.NoError(t, err)
	assert.Empty(t, perrs)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, "19001", rec.CountyID)
	assert.Equal(t, domain.BandNDVI, rec.Band)
	assert.Equal(t, 6, rec.SampleYears)
	assert.True(t, rec.Valid)
	assert.InDelta(t, 0.6, rec.Mean, 1e-12)

	// Sample std (n-1 denominator) of the six values.
	sum := 0.0
	for _, v := range values {
		sum += (v - 0.6) * (v - 0.6)
	}
	want := math.Sqrt(sum / 5)
	assert.InDelta(t, want, rec.Std, 1e-12)
}

func TestBuild_InsufficientYearsMarkedInvalid(t *testing.T) {
	b := New(testConfig(t), 2)

	obs := []domain.Observation{
		obsOn("19001", 2021, time.June, 15, 0.58),
		obsOn("19001", 2022, time.June, 15, 0.60),
		obsOn("19001", 2023, time.June, 15, 0.62),
	}
	recs, perrs, err := b.Build(context.Background(), obs)
	require.NoError(t, err)
	assert.Empty(t, perrs)
	require.Len(t, recs, 1)

	assert.Equal(t, 3, recs[0].SampleYears)
	assert.False(t, recs[0].Valid, "3 sample years is below the minimum of 4")
	assert.InDelta(t, 0.6, recs[0].Mean, 1e-12, "invalid cells still carry their estimates")
}

func TestBuild_SingleYearHasZeroStd(t *testing.T) {
	b := New(testConfig(t), 1)

	recs, perrs, err := b.Build(context.Background(), []domain.Observation{
		obsOn("19001", 2023, time.June, 15, 0.61),
	})
	require.NoError(t, err)
	assert.Empty(t, perrs)
	require.Len(t, recs, 1)
	assert.Zero(t, recs[0].Std)
	assert.Equal(t, 1, recs[0].SampleYears)
	assert.False(t, recs[0].Valid)
}

func TestBuild_IgnoresYearsOutsideReference(t *testing.T) {
	b := New(testConfig(t), 2)

	obs := []domain.Observation{
		obsOn("19001", 2015, time.June, 15, 0.10), // before the window
		obsOn("19001", 2020, time.June, 15, 0.60),
		obsOn("19001", 2021, time.June, 15, 0.60),
		obsOn("19001", 2024, time.June, 15, 0.99), // after the window
	}
	recs, _, err := b.Build(context.Background(), obs)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].SampleYears)
	assert.InDelta(t, 0.6, recs[0].Mean, 1e-12)
}

func TestBuild_DayOfYearUsesCalendarValue(t *testing.T) {
	b := New(testConfig(t), 2)

	obs := []domain.Observation{
		obsOn("19001", 2020, time.February, 29, 0.30), // doy 60 in a leap year
		obsOn("19001", 2021, time.March, 1, 0.40),     // doy 60 in a common year
		obsOn("19001", 2020, time.March, 1, 0.50),     // doy 61 in a leap year
	}
	recs, _, err := b.Build(context.Background(), obs)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, 60, recs[0].DayOfYear)
	assert.Equal(t, 2, recs[0].SampleYears, "feb 29 and mar 1 share day-of-year 60 across year kinds")
	assert.InDelta(t, 0.35, recs[0].Mean, 1e-12)
	assert.Equal(t, 61, recs[1].DayOfYear)
	assert.Equal(t, 1, recs[1].SampleYears)
}

func TestBuild_OutputSortedAcrossPartitions(t *testing.T) {
	b := New(testConfig(t), 4)

	var obs []domain.Observation
	for _, county := range []string{"19153", "17031", "19001"} {
		for _, band := range []domain.Band{domain.BandLST, domain.BandNDVI} {
			for year := 2020; year <= 2023; year++ {
				for day := 10; day <= 12; day++ {
					obs = append(obs, domain.Observation{
						Date:     time.Date(year, time.June, day, 0, 0, 0, 0, time.UTC),
						CountyID: county,
						Band:     band,
						Mean:     0.5,
					})
				}
			}
		}
	}

	recs, perrs, err := b.Build(context.Background(), obs)
	require.NoError(t, err)
	assert.Empty(t, perrs)
	require.Len(t, recs, 3*2*3)

	for i := 1; i < len(recs); i++ {
		a, c := recs[i-1], recs[i]
		ordered := a.CountyID < c.CountyID ||
			(a.CountyID == c.CountyID && a.DayOfYear < c.DayOfYear) ||
			(a.CountyID == c.CountyID && a.DayOfYear == c.DayOfYear && a.Band < c.Band)
		assert.True(t, ordered, "records %d and %d out of order: %+v %+v", i-1, i, a, c)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	cfg := testConfig(t)
	var obs []domain.Observation
	for year := 2018; year <= 2023; year++ {
		for day := 1; day <= 28; day++ {
			obs = append(obs, obsOn("19001", year, time.June, day, 0.5+float64(day)*0.001+float64(year-2018)*0.01))
			obs = append(obs, obsOn("19153", year, time.June, day, 0.55+float64(day)*0.001))
		}
	}

	first, _, err := New(cfg, 1).Build(context.Background(), obs)
	require.NoError(t, err)
	second, _, err := New(cfg, 8).Build(context.Background(), obs)
	require.NoError(t, err)

	assert.Equal(t, first, second, "worker count must not affect output")
}

func TestBuild_ContextCancelled(t *testing.T) {
	b := New(testConfig(t), 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var obs []domain.Observation
	for year := 2018; year <= 2023; year++ {
		obs = append(obs, obsOn("19001", year, time.June, 15, 0.6))
	}
	_, _, err := b.Build(ctx, obs)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuild_EmptyInput(t *testing.T) {
	b := New(testConfig(t), 2)
	recs, perrs, err := b.Build(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, perrs)
}
