package domain

import (
	"strings"

	dErrors "carebridge/pkg/domain-errors"
)

// StateCode is a two-letter US state/territory code. EVV aggregator routing
// is keyed on it, so it is validated at trust boundaries rather than carried
// as a raw string.
type StateCode string

// validStateCodes is the single source of truth for supported codes.
var validStateCodes = map[StateCode]bool{
	"AL": true, "AK": true, "AZ": true, "AR": true, "CA": true, "CO": true,
	"CT": true, "DE": true, "FL": true, "GA": true, "HI": true, "ID": true,
	"IL": true, "IN": true, "IA": true, "KS": true, "KY": true, "LA": true,
	"ME": true, "MD": true, "MA": true, "MI": true, "MN": true, "MS": true,
	"MO": true, "MT": true, "NE": true, "NV": true, "NH": true, "NJ": true,
	"NM": true, "NY": true, "NC": true, "ND": true, "OH": true, "OK": true,
	"OR": true, "PA": true, "RI": true, "SC": true, "SD": true, "TN": true,
	"TX": true, "UT": true, "VT": true, "VA": true, "WA": true, "WV": true,
	"WI": true, "WY": true, "DC": true, "PR": true,
}

// ParseStateCode constructs a StateCode from external input.
//
// Errors: returns CodeInvalidInput when the value is empty or not a supported
// two-letter code; no other errors are expected.
func ParseStateCode(s string) (StateCode, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "state code cannot be empty")
	}
	c := StateCode(strings.ToUpper(s))
	if !c.IsValid() {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "invalid state code %q", s)
	}
	return c, nil
}

// IsValid checks if the code is a supported state/territory code.
func (c StateCode) IsValid() bool {
	return validStateCodes[c]
}

// String returns the string representation of the code.
func (c StateCode) String() string {
	return string(c)
}
