package tile

import (
	"testing"

	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestName(t *testing.T) {
	tests := []struct {
		coords   geo.TileCoord
		expected string
	}{
		{geo.TileCoord{Z: 17, X: 35048, Y: 48516}, "z17_x35048_y48516"},
		{geo.TileCoord{Z: 0, X: 0, Y: 0}, "z0_x0_y0"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := Name(tt.coords); got != tt.expected {
				t.Errorf("Name() = %s, want %s", got, tt.expected)
			}
			if got := FileName(tt.coords, "jpg"); got != tt.expected+".jpg" {
				t.Errorf("FileName() = %s, want %s.jpg", got, tt.expected)
			}
		})
	}
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name    string
		want    geo.TileCoord
		wantErr bool
	}{
		{name: "z17_x35048_y48516.png", want: geo.TileCoord{Z: 17, X: 35048, Y: 48516}},
		{name: "z17_x35048_y48516@2x.png", want: geo.TileCoord{Z: 17, X: 35048, Y: 48516}},
		{name: "z3_x1_y2.jpg", want: geo.TileCoord{Z: 3, X: 1, Y: 2}},
		{name: "z3_x1_y2.jpeg", want: geo.TileCoord{Z: 3, X: 1, Y: 2}},
		{name: "z3_x8_y2.png", wantErr: true},
		{name: "z18_x1_y2.png", wantErr: true},
		{name: "z3_x1_y2.tif", wantErr: true},
		{name: "naip_17_48516_35048.jpg", wantErr: true},
		{name: "z3_x1_y2.png.bak", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFileName(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFileName_RoundTrip(t *testing.T) {
	c := geo.TileCoord{Z: 12, X: 1234, Y: 2345}
	got, err := ParseFileName(FileName(c, "png"))
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestBound(t *testing.T) {
	c := geo.TileCoord{Z: 1, X: 1, Y: 0}
	b := Bound(c)

	assert.InDelta(t, 0, b.Min.Lon(), 1e-9)
	assert.InDelta(t, 180, b.Max.Lon(), 1e-9)
	assert.InDelta(t, 0, b.Min.Lat(), 1e-9)
	assert.InDelta(t, geo.LatMax, b.Max.Lat(), 1e-9)

	center := b.Center()
	got, err := geo.GeoToTile(center.Lat(), center.Lon(), 1)
	require.NoError(t, err)
	assert.Equal(t, c, got)
	assert.True(t, b.Contains(orb.Point{90, 40}))
}
