// Package crs reconciles coordinate reference systems: it names them, looks up
// transform primitives between two of them, and composes those primitives into a
// Pipeline that converts points, extents and geometries.
package crs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CRS identifies a coordinate reference system by authority code, e.g. "EPSG:3857".
type CRS string

// Well-known reference systems.
const (
	WGS84       CRS = "EPSG:4326"
	WebMercator CRS = "EPSG:3857"
)

// Errors reported while relating two reference systems.
var (
	ErrInvalidCRS      = errors.New("invalid CRS identifier")
	ErrUnsupportedPair = errors.New("no transform between reference systems")
	ErrNonFinite       = errors.New("transform produced non-finite coordinates")
)

// Parse normalises an identifier such as "epsg:3857" or "EPSG:3857".
// Bare numbers are treated as EPSG codes.
func Parse(s string) (CRS, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalidCRS
	}
	if !strings.Contains(s, ":") {
		if _, err := strconv.Atoi(s); err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidCRS, s)
		}
		s = "EPSG:" + s
	}
	authority, code, _ := strings.Cut(s, ":")
	if authority == "" || code == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidCRS, s)
	}
	return CRS(strings.ToUpper(authority) + ":" + code), nil
}

// MustParse is like Parse but panics on malformed input. Intended for constants in tests.
func MustParse(s string) CRS {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// IsValid reports whether c looks like an AUTHORITY:CODE identifier.
func (c CRS) IsValid() bool {
	authority, code, ok := strings.Cut(string(c), ":")
	return ok && authority != "" && code != ""
}

// String returns the identifier.
func (c CRS) String() string {
	return string(c)
}

// IsGeographic reports whether coordinates are longitude/latitude degrees.
func (c CRS) IsGeographic() bool {
	return c == WGS84 || c == "EPSG:4258" || c == "EPSG:4269"
}

// TransformError reports that two reference systems cannot be related or that a
// coordinate could not be converted between them.
type TransformError struct {
	Src, Dst CRS
	Err      error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("crs transform %s -> %s: %v", e.Src, e.Dst, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}
