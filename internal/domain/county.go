package domain

import "context"

// CountyInfo is directory metadata for one county FIPS code.
type CountyInfo struct {
	FIPS  string
	Name  string
	State string // two-letter USPS abbreviation
}

// CountyDirectory resolves county FIPS codes to human-readable metadata.
// An unknown code resolves to the zero value without error.
type CountyDirectory interface {
	Lookup(ctx context.Context, fips string) (CountyInfo, error)
}
