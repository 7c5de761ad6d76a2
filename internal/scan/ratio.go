package scan

import (
	"image"

	"github.com/klaasnotfound/vegeo-backend/internal/geo"
)

// OpaquePixelRatio returns the share of pixels with non-zero alpha inside a
// circle of radius r around p, in image-local coordinates. Circles that would
// not fit entirely inside [r, w-r) x [r, h-r) score 0.
func OpaquePixelRatio(img image.Image, p image.Point, r int) float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if p.X < r || p.X >= w-r || p.Y < r || p.Y >= h-r {
		return 0
	}

	pixels := geo.PixelsInCircle(r, p.X, p.Y)
	if len(pixels) == 0 {
		return 0
	}

	opaque := 0
	for _, px := range pixels {
		if alphaAt(img, b.Min.X+px.X, b.Min.Y+px.Y) > 0 {
			opaque++
		}
	}
	return float64(opaque) / float64(len(pixels))
}

func alphaAt(img image.Image, x, y int) uint32 {
	switch m := img.(type) {
	case *image.NRGBA:
		return uint32(m.Pix[m.PixOffset(x, y)+3])
	case *image.RGBA:
		return uint32(m.Pix[m.PixOffset(x, y)+3])
	default:
		_, _, _, a := img.At(x, y).RGBA()
		return a
	}
}
