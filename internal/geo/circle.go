package geo

// PixelsInCircle lists the integer points strictly inside a circle of radius r
// around (cx, cy). Points on the circle itself are excluded, so r=1 yields the
// center only.
func PixelsInCircle(r, cx, cy int) []PixelCoord {
	if r <= 0 {
		return nil
	}

	rs := r * r
	pixels := make([]PixelCoord, 0, 4*rs)
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy < rs {
				pixels = append(pixels, PixelCoord{X: cx + dx, Y: cy + dy})
			}
		}
	}
	return pixels
}
