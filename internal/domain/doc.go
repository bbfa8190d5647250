// Package domain models county-level crop signal data: daily band readings,
// historical baselines, anomaly scores and assembled forecast features.
//
// # Data Source
//
// Band tables originate from upstream county aggregation jobs that reduce
// satellite imagery (MODIS vegetation indexes, land surface temperature) and
// gridded weather products (evapotranspiration, vapor pressure deficit,
// precipitation) to one row per county per day. Each band arrives as its own
// table with date, county_id and summary statistic columns; exports from
// older jobs may name the columns "time" and "fips" instead. Yield labels
// come from the USDA county estimates, one row per county per year.
//
// # County Keys
//
// Counties are keyed by five-digit FIPS codes. Some upstream exports strip
// leading zeros ("1001" for Autauga County, AL), so every county cell is
// normalized through [NormalizeCountyID] before use.
//
// # Baselines and Scoring
//
// A baseline cell is the mean and sample standard deviation of one band on
// one day of year for one county, estimated across the configured reference
// years. Cells built from fewer than the configured minimum of sample years
// are kept but marked invalid; scoring against them yields
// [FlagInsufficientBaseline] rather than a z-score.
//
// Daily readings standardize as z = (value - mean) / std and classify on a
// four-level ladder by |z| against configured cut points (1/2/3 by default):
//
//	normal   |z| <= 1
//	mild     |z| <= 2
//	moderate |z| <= 3
//	severe   otherwise
//
// Zero-variance baselines are scorable only for readings equal to the mean
// (z = 0); any other reading is unscorable. See [ZScore] and [Classify].
//
// # Calendar Conventions
//
// Dates are UTC midnight. Day-of-year uses the calendar value, so leap days
// keep their own bucket (366) instead of folding into neighbors. Trailing
// windows (persistence counts, rolling statistics, feature aggregations)
// span calendar days via [EpochDay] arithmetic; gaps in a series shrink the
// points inside a window, never stretch the window.
//
// # Determinism
//
// Artifacts must be byte-identical across runs over identical inputs. Floats
// serialize through [FormatValue] (shortest round-trippable form, NaN as an
// empty cell), records sort by fixed key orders, and concurrent stage output
// merges in partition order.
package domain
