// Package raster converts classifier output into stored vegetation tiles and
// renders power line overlay tiles.
package raster

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // decode JPEG classifier output
	"image/png"

	"github.com/disintegration/gift"
	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
)

// OverlayColor turns a vegetation mask into half transparent magenta.
var OverlayColor = [4]float32{1, 0, 1, 0.5}

// Colorize maps every gray value g of mask to the RGBA color g*v.
// The mask must be a grayscale image and every component of v must lie in [0, 1].
func Colorize(mask image.Image, v [4]float32) (*image.NRGBA, error) {
	if mask == nil {
		return nil, fmt.Errorf("mask is nil")
	}
	if !IsGray(mask) {
		return nil, fmt.Errorf("mask must be grayscale, got %T", mask)
	}
	f, err := colorizeFilter(v)
	if err != nil {
		return nil, err
	}

	g := gift.New(f)
	dst := image.NewNRGBA(g.Bounds(mask.Bounds()))
	g.Draw(dst, mask)
	return dst, nil
}

func colorizeFilter(v [4]float32) (gift.Filter, error) {
	for i, c := range v {
		if c < 0 || c > 1 {
			return nil, fmt.Errorf("color vector component %d out of range [0, 1]: %v", i, c)
		}
	}
	return gift.ColorFunc(func(r0, _, _, _ float32) (r, g, b, a float32) {
		return r0 * v[0], r0 * v[1], r0 * v[2], r0 * v[3]
	}), nil
}

// IsGray reports whether img uses a grayscale color model.
func IsGray(img image.Image) bool {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return true
	}
	m := img.ColorModel()
	return m == color.GrayModel || m == color.Gray16Model
}

// Normalize converts classifier output to a size x size RGBA tile.
// Grayscale masks are colorized with OverlayColor; other images keep their
// colors. Images of a different size are resized with nearest neighbour
// sampling so mask edges stay hard.
func Normalize(img image.Image, size int) (*image.NRGBA, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid tile size: %d", size)
	}

	if IsGray(img) {
		colored, err := Colorize(img, OverlayColor)
		if err != nil {
			return nil, err
		}
		img = colored
	}

	var filters []gift.Filter
	if b := img.Bounds(); b.Dx() != size || b.Dy() != size {
		filters = append(filters, gift.Resize(size, size, gift.NearestNeighborResampling))
	}
	if dst, ok := img.(*image.NRGBA); ok && len(filters) == 0 {
		return dst, nil
	}

	g := gift.New(filters...)
	dst := image.NewNRGBA(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst, nil
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// PrepareTile decodes a PNG or JPEG classifier image and returns it as a
// stored vegetation tile for t.
func PrepareTile(t geo.TileCoord, data []byte) (types.RasterTile, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return types.RasterTile{}, fmt.Errorf("tile %s: failed to decode image: %w", t, err)
	}

	norm, err := Normalize(img, types.RasterTileSize)
	if err != nil {
		return types.RasterTile{}, fmt.Errorf("tile %s: %w", t, err)
	}

	encoded, err := EncodePNG(norm)
	if err != nil {
		return types.RasterTile{}, fmt.Errorf("tile %s: %w", t, err)
	}
	return types.RasterTile{X: t.X, Y: t.Y, Z: t.Z, Data: encoded}, nil
}
