package raster

import (
	"image"
	"image/color"
	"math"

	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
	"golang.org/x/image/vector"
)

// DefaultLineColor is the stroke color of power lines on overlay tiles.
var DefaultLineColor = color.NRGBA{R: 255, G: 200, B: 0, A: 255}

const joinSides = 12

// OverlayRenderer draws power lines onto transparent map tiles.
type OverlayRenderer struct {
	tileSize  int
	lineWidth float64
	lineColor color.NRGBA
}

// NewOverlayRenderer creates a renderer for tiles of tileSize pixels with
// lines lineWidth pixels wide.
func NewOverlayRenderer(tileSize int, lineWidth float64, c color.NRGBA) *OverlayRenderer {
	if tileSize <= 0 {
		tileSize = types.RasterTileSize
	}
	if lineWidth <= 0 {
		lineWidth = 3
	}
	return &OverlayRenderer{tileSize: tileSize, lineWidth: lineWidth, lineColor: c}
}

// LineWidthForZoom returns a stroke width that keeps lines visible when
// zoomed out.
func LineWidthForZoom(z int) float64 {
	switch {
	case z <= 11:
		return 1
	case z <= 13:
		return 2
	case z <= 15:
		return 3
	default:
		return 4
	}
}

// Render draws segs onto tile t. Segments outside the tile are clipped away.
func (r *OverlayRenderer) Render(t geo.TileCoord, segs []types.PowerLineSegment) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, r.tileSize, r.tileSize))
	if len(segs) == 0 {
		return dst
	}

	ras := vector.NewRasterizer(r.tileSize, r.tileSize)
	offX := float64(t.X * r.tileSize)
	offY := float64(t.Y * r.tileSize)
	radius := r.lineWidth / 2

	drawn := false
	for _, seg := range segs {
		pts := make([][2]float64, len(seg.Geometry))
		for i, p := range seg.Geometry {
			x, y := r.globalPx(p.Lon, p.Lat, t.Z)
			pts[i] = [2]float64{x - offX, y - offY}
		}
		for i, p := range pts {
			r.addDisc(ras, p[0], p[1], radius)
			if i > 0 {
				r.addQuad(ras, pts[i-1], p, radius)
			}
			drawn = true
		}
	}

	if drawn {
		ras.Draw(dst, dst.Bounds(), image.NewUniform(r.lineColor), image.Point{})
	}
	return dst
}

// All shapes are added with the same winding; opposite windings would cancel
// where lines cross.
func (r *OverlayRenderer) addQuad(ras *vector.Rasterizer, a, b [2]float64, radius float64) {
	dx := b[0] - a[0]
	dy := b[1] - a[1]
	l := math.Hypot(dx, dy)
	if l == 0 {
		return
	}
	nx := -dy / l * radius
	ny := dx / l * radius

	ras.MoveTo(float32(a[0]+nx), float32(a[1]+ny))
	ras.LineTo(float32(b[0]+nx), float32(b[1]+ny))
	ras.LineTo(float32(b[0]-nx), float32(b[1]-ny))
	ras.LineTo(float32(a[0]-nx), float32(a[1]-ny))
	ras.ClosePath()
}

func (r *OverlayRenderer) addDisc(ras *vector.Rasterizer, cx, cy, radius float64) {
	for i := 0; i < joinSides; i++ {
		a := -2 * math.Pi * float64(i) / joinSides
		x := float32(cx + radius*math.Cos(a))
		y := float32(cy + radius*math.Sin(a))
		if i == 0 {
			ras.MoveTo(x, y)
		} else {
			ras.LineTo(x, y)
		}
	}
	ras.ClosePath()
}

// globalPx maps lon/lat to fractional Web Mercator pixel coordinates at zoom z.
func (r *OverlayRenderer) globalPx(lon, lat float64, z int) (float64, float64) {
	lat = math.Max(-geo.LatMax, math.Min(geo.LatMax, lat))
	n := math.Pow(2, float64(z)) * float64(r.tileSize)

	x := (lon + 180.0) / 360.0 * n

	latRad := lat * math.Pi / 180.0
	mercY := math.Log(math.Tan(math.Pi/4.0 + latRad/2.0))
	y := (1.0 - mercY/math.Pi) / 2.0 * n

	return x, y
}
