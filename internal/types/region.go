package types

import (
	"encoding/json"
	"fmt"
)

// Region is a named scan area, typically the surroundings of a city.
type Region struct {
	Name   string
	Bounds BoundingBox
	ImgURL string // cover image, empty if unknown
	NumPls *int   // number of power line segments, nil if unknown
}

func (r Region) String() string {
	return fmt.Sprintf("Region %q %s - %s", r.Name, r.Bounds.SouthWest(), r.Bounds.NorthEast())
}

type regionJSON struct {
	Name   string  `json:"name"`
	MinLat float64 `json:"bbMinLat"`
	MinLon float64 `json:"bbMinLon"`
	MaxLat float64 `json:"bbMaxLat"`
	MaxLon float64 `json:"bbMaxLon"`
	ImgURL *string `json:"imgUrl"`
	NumPls *int    `json:"numPls"`
}

func (r Region) MarshalJSON() ([]byte, error) {
	out := regionJSON{
		Name:   r.Name,
		MinLat: r.Bounds.MinLat,
		MinLon: r.Bounds.MinLon,
		MaxLat: r.Bounds.MaxLat,
		MaxLon: r.Bounds.MaxLon,
		NumPls: r.NumPls,
	}
	if r.ImgURL != "" {
		out.ImgURL = &r.ImgURL
	}
	return json.Marshal(out)
}

func (r *Region) UnmarshalJSON(data []byte) error {
	var raw regionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Region{
		Name:   raw.Name,
		Bounds: BoundingBox{MinLon: raw.MinLon, MinLat: raw.MinLat, MaxLon: raw.MaxLon, MaxLat: raw.MaxLat},
		NumPls: raw.NumPls,
	}
	if raw.ImgURL != nil {
		r.ImgURL = *raw.ImgURL
	}
	return nil
}
