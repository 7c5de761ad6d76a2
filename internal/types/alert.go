package types

import (
	"errors"
	"fmt"

	"github.com/klaasnotfound/vegeo-backend/internal/geo"
)

const (
	MinRisk = 1
	MaxRisk = 10

	// DescPowerLineOverlap describes vegetation growing into a power line corridor.
	DescPowerLineOverlap = "Power line overlap"
)

// ErrRiskOutOfRange is returned when an alert is built with a risk outside [MinRisk, MaxRisk].
var ErrRiskOutOfRange = errors.New("risk level must be in [1, 10]")

// VegetationAlert flags vegetation risk at an exact location. Lat/lon form the key.
type VegetationAlert struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Desc      string  `json:"desc"`
	Risk      int     `json:"risk"`
	SegmentID *int64  `json:"plsId,omitempty"`
}

// NewVegetationAlert validates the risk level. segmentID may be nil.
func NewVegetationAlert(lat, lon float64, desc string, risk int, segmentID *int64) (VegetationAlert, error) {
	if risk < MinRisk || risk > MaxRisk {
		return VegetationAlert{}, fmt.Errorf("%w: got %d", ErrRiskOutOfRange, risk)
	}
	return VegetationAlert{Lat: lat, Lon: lon, Desc: desc, Risk: risk, SegmentID: segmentID}, nil
}

// Location returns the alert key as a point.
func (a VegetationAlert) Location() geo.GeoPoint {
	return geo.GeoPoint{Lat: a.Lat, Lon: a.Lon}
}

func (a VegetationAlert) String() string {
	return fmt.Sprintf("VegetationAlert %s [%d]: %s", a.Location(), a.Risk, a.Desc)
}
