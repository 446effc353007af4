// Package bbl defines the Borough-Block-Lot parcel identifier used as the
// primary key throughout the harvester.
package bbl

import (
	"fmt"
	"strings"
)

// BBL is a 10-digit NYC parcel identifier: one borough digit (1-5), a
// five-digit block, and a four-digit lot.
type BBL string

// Parse validates raw and returns it as a canonical BBL. Inputs shorter than
// ten digits are zero-padded on the left, matching how BBLs are commonly
// stored in spreadsheets with the leading zeros stripped.
func Parse(raw string) (BBL, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty BBL")
	}
	if len(s) > 10 {
		return "", fmt.Errorf("BBL %q is longer than 10 digits", raw)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("BBL %q contains non-digit characters", raw)
		}
	}
	s = strings.Repeat("0", 10-len(s)) + s
	if s[0] < '1' || s[0] > '5' {
		return "", fmt.Errorf("BBL %q has invalid borough digit %q", raw, s[0])
	}
	return BBL(s), nil
}

// Borough returns the single borough digit (1=Manhattan through 5=Staten Island).
func (b BBL) Borough() string { return string(b[0:1]) }

// Block returns the five-digit block component.
func (b BBL) Block() string { return string(b[1:6]) }

// Lot returns the four-digit lot component.
func (b BBL) Lot() string { return string(b[6:10]) }

// String returns the canonical 10-digit form.
func (b BBL) String() string { return string(b) }
