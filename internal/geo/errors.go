package geo

import (
	"errors"
	"fmt"
)

// ErrDomain is matched by every input validation failure in this package.
var ErrDomain = errors.New("coordinate out of domain")

// DomainError reports which argument left its valid range.
type DomainError struct {
	Arg   string
	Value float64
	Min   float64
	Max   float64
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s %g must be within [%g, %g]", e.Arg, e.Value, e.Min, e.Max)
}

func (e *DomainError) Unwrap() error { return ErrDomain }

func domainErr(arg string, v, lo, hi float64) error {
	return &DomainError{Arg: arg, Value: v, Min: lo, Max: hi}
}

func checkGeo(lat, lon float64, z int) error {
	if !(lat >= -LatMax && lat <= LatMax) {
		return domainErr("latitude", lat, -LatMax, LatMax)
	}
	if !(lon >= -180 && lon <= 180) {
		return domainErr("longitude", lon, -180, 180)
	}
	return checkZoom(z)
}

func checkZoom(z int) error {
	if z < 0 || z > MaxZoom {
		return domainErr("zoom", float64(z), 0, MaxZoom)
	}
	return nil
}

func checkTileSize(ts int) error {
	if ts < 1 || ts > MaxTileSize {
		return domainErr("tile size", float64(ts), 1, MaxTileSize)
	}
	return nil
}
