// Command genmock generates deterministic synthetic band observation and
// yield CSV fixtures for exercising the engine end to end. It writes through
// the actual table store so the fixtures match what the pipeline reads, and
// injects a drought into the target year so anomaly scoring has something to
// find.
//
// Usage:
//
//	go run ./cmd/genmock \
//	  -out data/input \
//	  -counties 4 \
//	  -years 2019-2023 \
//	  -target-year 2023
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/terracast/crop-signal-engine/internal/adapter/table"
	"github.com/terracast/crop-signal-engine/internal/domain"
)

// Season span covered by the fixtures, April through October.
var (
	seasonStartMonth = time.April
	seasonEndMonth   = time.October
)

// bandDef shapes one band's synthetic seasonal curve: a bell over day of
// year plus noise, with a stress delta applied inside the drought window.
type bandDef struct {
	band   domain.Band
	base   float64
	amp    float64
	noise  float64
	peak   float64 // day of year of the seasonal peak
	width  float64
	stress float64 // shift at full drought severity
}

var bandDefs = []bandDef{
	{band: domain.BandNDVI, base: 0.22, amp: 0.48, noise: 0.015, peak: 205, width: 55, stress: -0.14},
	{band: domain.BandEVI, base: 0.18, amp: 0.35, noise: 0.015, peak: 205, width: 55, stress: -0.11},
	{band: domain.BandLST, base: 8.0, amp: 24.0, noise: 1.2, peak: 195, width: 70, stress: 5.5},
	{band: domain.BandET, base: 1.2, amp: 4.5, noise: 0.35, peak: 200, width: 60, stress: -1.6},
	{band: domain.BandVPD, base: 0.5, amp: 1.3, noise: 0.1, peak: 200, width: 65, stress: 0.75},
	{band: domain.BandETo, base: 2.0, amp: 4.0, noise: 0.3, peak: 195, width: 65, stress: 0.9},
	{band: domain.BandPr, noise: 1.0}, // zero-inflated, handled separately
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	outDir := flag.String("out", "", "output directory for the CSV fixtures")
	countyCount := flag.Int("counties", 4, "number of synthetic counties")
	yearSpan := flag.String("years", "2019-2023", "inclusive year range, start-end")
	targetYear := flag.Int("target-year", 0, "drought injection year (default: last year of -years)")
	seed := flag.Int64("seed", 42, "random seed")
	dupRate := flag.Float64("dup-rate", 0.02, "fraction of rows duplicated with a conflicting mean")
	gapRate := flag.Float64("gap-rate", 0.03, "fraction of days skipped per series")
	flag.Parse()

	if *outDir == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -out")
	}
	startYear, endYear, err := parseYearSpan(*yearSpan)
	if err != nil {
		return err
	}
	if *countyCount < 1 {
		return fmt.Errorf("-counties must be at least 1")
	}
	if *targetYear == 0 {
		*targetYear = endYear
	}

	rng := rand.New(rand.NewSource(*seed))
	counties := makeCounties(rng, *countyCount)
	store := table.New(*outDir)
	ctx := context.Background()

	stats := newStats()
	for _, def := range bandDefs {
		t := genBandTable(rng, def, counties, startYear, endYear, *targetYear, *dupRate, *gapRate, stats)
		if err := store.WriteTable(ctx, t); err != nil {
			return fmt.Errorf("writing %s fixture: %w", def.band, err)
		}
		log.Printf("%s: %d rows", def.band, len(t.Rows))
	}

	yields := genYieldTable(rng, counties, startYear, endYear, *targetYear, stats)
	if err := store.WriteTable(ctx, yields); err != nil {
		return fmt.Errorf("writing yields fixture: %w", err)
	}
	log.Printf("yields: %d rows", len(yields.Rows))

	printStats(stats, counties, startYear, endYear, *targetYear)
	return nil
}

// county carries the per-county baseline shifts so geography is stable
// across bands and years.
type county struct {
	fips     string
	bandMod  float64 // shifts every band's level, in noise units
	yieldLvl float64 // long-run yield level, bu/ac
}

func makeCounties(rng *rand.Rand, n int) []county {
	out := make([]county, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, county{
			fips:     fmt.Sprintf("19%03d", i*2+1), // odd codes like real Iowa FIPS
			bandMod:  rng.Float64() - 0.5,
			yieldLvl: 150 + rng.Float64()*40,
		})
	}
	return out
}

func genBandTable(rng *rand.Rand, def bandDef, counties []county, startYear, endYear, targetYear int, dupRate, gapRate float64, stats *mockStats) *domain.Table {
	var rows [][]string
	for _, c := range counties {
		for year := startYear; year <= endYear; year++ {
			start := time.Date(year, seasonStartMonth, 1, 0, 0, 0, 0, time.UTC)
			end := time.Date(year, seasonEndMonth, 31, 0, 0, 0, 0, time.UTC)
			for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
				if rng.Float64() < gapRate {
					stats.gapDays++
					continue
				}
				sev := 0.0
				if year == targetYear {
					sev = droughtSeverity(d.YearDay())
				}
				mean := sample(rng, def, c, d.YearDay(), sev)
				if sev > 0 {
					stats.stressRows[def.band]++
				}

				rows = append(rows, makeRow(rng, def, c.fips, d, mean))
				stats.rows[def.band]++

				if rng.Float64() < dupRate {
					rows = append(rows, makeRow(rng, def, c.fips, d, mean+def.noise*0.5))
					stats.dupRows++
				}
			}
		}
	}
	return &domain.Table{
		Name:    string(def.band),
		Columns: []string{"date", "county_id", "mean", "std", "min", "max"},
		Rows:    rows,
	}
}

// sample draws one daily reading: seasonal bell plus county shift plus
// noise, shifted by the drought delta and clamped to the band's physical
// range.
func sample(rng *rand.Rand, def bandDef, c county, doy int, sev float64) float64 {
	var mean float64
	if def.band == domain.BandPr {
		// Precipitation is zero-inflated; drought thins and shrinks events.
		rainProb := 0.38 - 0.25*sev
		if rng.Float64() >= rainProb {
			return 0
		}
		mean = rng.ExpFloat64() * (6 - 4*sev)
	} else {
		mean = def.base + def.amp*bell(float64(doy), def.peak, def.width)
		mean += c.bandMod * def.noise * 4
		mean += rng.NormFloat64() * def.noise
		mean += def.stress * sev
	}
	if r, ok := def.band.Range(); ok {
		mean = math.Max(r.Min, math.Min(r.Max, mean))
	}
	return mean
}

func makeRow(rng *rand.Rand, def bandDef, fips string, date time.Time, mean float64) []string {
	std, lo, hi := "", "", ""
	// A slice of rows arrives without spread columns, as in real exports.
	if rng.Float64() >= 0.08 {
		spread := def.noise * (1 + rng.Float64())
		std = domain.FormatValue(spread * 0.6)
		lo = domain.FormatValue(mean - spread)
		hi = domain.FormatValue(mean + spread)
		if r, ok := def.band.Range(); ok && mean-spread < r.Min {
			lo = domain.FormatValue(r.Min)
		}
	}
	return []string{
		date.Format(domain.DateFormat),
		fips,
		domain.FormatValue(mean),
		std,
		lo,
		hi,
	}
}

func genYieldTable(rng *rand.Rand, counties []county, startYear, endYear, targetYear int, stats *mockStats) *domain.Table {
	var rows [][]string
	for _, c := range counties {
		for year := startYear; year <= endYear; year++ {
			v := c.yieldLvl + float64(year-startYear)*1.8 + rng.NormFloat64()*5
			if year == targetYear {
				v -= 35
			}
			rows = append(rows, []string{
				strconv.Itoa(year),
				c.fips,
				domain.FormatValue(math.Max(0, v)),
			})
			stats.yields = append(stats.yields, v)
		}
	}
	return &domain.Table{
		Name:    "yields",
		Columns: []string{"year", "county_id", "yield"},
		Rows:    rows,
	}
}

// droughtSeverity ramps 0 to 1 through the injected mid-season drought:
// full strength on days 180-230, shoulders on 170-180 and 230-240.
func droughtSeverity(doy int) float64 {
	switch {
	case doy < 170 || doy > 240:
		return 0
	case doy < 180:
		return float64(doy-170) / 10
	case doy > 230:
		return float64(240-doy) / 10
	default:
		return 1
	}
}

func bell(x, peak, width float64) float64 {
	d := x - peak
	return math.Exp(-(d * d) / (2 * width * width))
}

func parseYearSpan(s string) (int, int, error) {
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid -years %q: want start-end", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(from))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid -years start %q", from)
	}
	end, err := strconv.Atoi(strings.TrimSpace(to))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid -years end %q", to)
	}
	if end < start {
		return 0, 0, fmt.Errorf("invalid -years %q: end before start", s)
	}
	return start, end, nil
}

// mockStats aggregates counts for printStats reporting.
type mockStats struct {
	rows       map[domain.Band]int
	stressRows map[domain.Band]int
	dupRows    int
	gapDays    int
	yields     []float64
}

func newStats() *mockStats {
	return &mockStats{
		rows:       map[domain.Band]int{},
		stressRows: map[domain.Band]int{},
	}
}

func printStats(stats *mockStats, counties []county, startYear, endYear, targetYear int) {
	fmt.Println("\n=== Stats for updating test assertions ===")

	total := 0
	for _, n := range stats.rows {
		total += n
	}
	fmt.Printf("Total observation rows: %d (plus %d duplicates)\n", total, stats.dupRows)
	for _, b := range domain.Bands() {
		fmt.Printf("  %s: %d rows, %d in drought window\n", b, stats.rows[b], stats.stressRows[b])
	}
	fmt.Printf("Skipped days: %d\n", stats.gapDays)

	fips := make([]string, 0, len(counties))
	for _, c := range counties {
		fips = append(fips, c.fips)
	}
	fmt.Printf("Counties: %s\n", strings.Join(fips, ", "))
	fmt.Printf("Years: %d-%d (drought in %d, days 170-240)\n", startYear, endYear, targetYear)

	if len(stats.yields) > 0 {
		sorted := append([]float64(nil), stats.yields...)
		sort.Float64s(sorted)
		fmt.Printf("Yields: %d rows, %.1f-%.1f bu/ac\n", len(stats.yields), sorted[0], sorted[len(sorted)-1])
	}
}
