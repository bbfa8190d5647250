package domain

import "fmt"

// Band identifies one satellite or meteorological variable tracked per county
// per day.
type Band string

const (
	BandNDVI Band = "ndvi" // normalized difference vegetation index
	BandEVI  Band = "evi"  // enhanced vegetation index
	BandLST  Band = "lst"  // land surface temperature, degC
	BandET   Band = "et"   // actual evapotranspiration, mm/day
	BandVPD  Band = "vpd"  // vapor pressure deficit, kPa
	BandETo  Band = "eto"  // reference evapotranspiration, mm/day
	BandPr   Band = "pr"   // precipitation, mm
)

// bandOrder fixes the canonical ordering used everywhere bands are iterated,
// so output column order and partition scheduling stay deterministic.
var bandOrder = []Band{BandNDVI, BandEVI, BandLST, BandET, BandVPD, BandETo, BandPr}

// PhysicalRange bounds the physically plausible readings for a band. Values
// outside the range are reported by the quality gate but never mutated.
type PhysicalRange struct {
	Min float64
	Max float64
}

var bandRanges = map[Band]PhysicalRange{
	BandNDVI: {Min: 0, Max: 1},
	BandEVI:  {Min: 0, Max: 1},
	BandLST:  {Min: -50, Max: 60},
	BandET:   {Min: 0, Max: 20},
	BandVPD:  {Min: 0, Max: 10},
	BandETo:  {Min: 0, Max: 20},
	BandPr:   {Min: 0, Max: 200},
}

var bandUnits = map[Band]string{
	BandNDVI: "index",
	BandEVI:  "index",
	BandLST:  "degC",
	BandET:   "mm/day",
	BandVPD:  "kPa",
	BandETo:  "mm/day",
	BandPr:   "mm",
}

// Bands returns the canonical band list in stable order.
func Bands() []Band {
	out := make([]Band, len(bandOrder))
	copy(out, bandOrder)
	return out
}

// ParseBand validates a band name from configuration or table data.
func ParseBand(s string) (Band, error) {
	b := Band(s)
	if !b.Known() {
		return "", fmt.Errorf("unknown band %q", s)
	}
	return b, nil
}

// Known reports whether b is part of the canonical catalog.
func (b Band) Known() bool {
	_, ok := bandRanges[b]
	return ok
}

// Range returns the plausible physical range for the band.
func (b Band) Range() (PhysicalRange, bool) {
	r, ok := bandRanges[b]
	return r, ok
}

// Unit returns the measurement unit label for the band, or "" when unknown.
func (b Band) Unit() string {
	return bandUnits[b]
}
