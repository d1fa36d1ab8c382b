package perception

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeHomography_MapsCorrespondences(t *testing.T) {
	cal := DefaultCalibration()
	src := cal.Rectify.Source
	dst := cal.Rectify.DestinationFor(320, 160)

	h, err := ComputeHomography(src, dst)
	require.NoError(t, err)

	for i := range src {
		x, y := h.Apply(src[i].X, src[i].Y)
		assert.InDelta(t, dst[i].X, x, 1e-6, "point %d x", i)
		assert.InDelta(t, dst[i].Y, y, 1e-6, "point %d y", i)
	}

	inv, err := h.Inverse()
	require.NoError(t, err)
	for i := range dst {
		x, y := inv.Apply(dst[i].X, dst[i].Y)
		assert.InDelta(t, src[i].X, x, 1e-6, "inverse point %d x", i)
		assert.InDelta(t, src[i].Y, y, 1e-6, "inverse point %d y", i)
	}
}

func TestComputeHomography_Identity(t *testing.T) {
	quad := [4]Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}
	h, err := ComputeHomography(quad, quad)
	require.NoError(t, err)

	want := Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}
	for i := range h {
		assert.InDelta(t, want[i], h[i], 1e-9, "element %d", i)
	}
}

func TestComputeHomography_Degenerate(t *testing.T) {
	same := [4]Point{{X: 5, Y: 5}, {X: 5, Y: 5}, {X: 5, Y: 5}, {X: 5, Y: 5}}
	dst := [4]Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}}

	_, err := ComputeHomography(same, dst)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDegenerateHomography))
}

func TestNewRectifier_RejectsDegenerateCalibration(t *testing.T) {
	cfg := DefaultCalibration().Rectify
	cfg.Source = [4]Point{{X: 1, Y: 1}, {X: 1, Y: 1}, {X: 1, Y: 1}, {X: 1, Y: 1}}

	_, err := NewRectifier(cfg, 320, 160)
	assert.ErrorIs(t, err, ErrDegenerateHomography)
}

func TestRectifier_WarpPreservesShape(t *testing.T) {
	r, err := NewRectifier(DefaultCalibration().Rectify, 320, 160)
	require.NoError(t, err)

	for _, size := range []image.Point{{320, 160}, {100, 50}, {64, 64}} {
		img := uniformImage(size.X, size.Y, color.RGBA{200, 200, 200, 255})
		out := r.Warp(img)
		assert.Equal(t, image.Rect(0, 0, size.X, size.Y), out.Bounds(), "size %v", size)
		for i := 3; i < len(out.Pix); i += 4 {
			if out.Pix[i] != 255 {
				t.Fatalf("size %v: pixel %d is not opaque", size, i/4)
			}
		}
	}
}

func TestRectifier_WarpSamplesGroundPatch(t *testing.T) {
	r, err := NewRectifier(DefaultCalibration().Rectify, 320, 160)
	require.NoError(t, err)

	img := uniformImage(320, 160, color.RGBA{255, 255, 255, 255})
	out := r.Warp(img)

	// Centre of the destination square lies inside the source quad.
	c := out.RGBAAt(160, 150)
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, c)
}

func TestWarpPerspective_SamplesIntegerCoordinates(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 3, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			src.SetRGBA(x, y, color.RGBA{uint8(40 * x), uint8(100 * y), 7, 255})
		}
	}

	// The identity maps each destination pixel onto the same source pixel,
	// so no neighbouring pixel leaks in.
	dst := image.NewRGBA(src.Bounds())
	WarpPerspective(dst, src, Homography{1, 0, 0, 0, 1, 0, 0, 0, 1})
	assert.Equal(t, src.Pix, dst.Pix)
}

func TestBilinear(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{0, 0, 0, 255})
	img.SetRGBA(1, 0, color.RGBA{200, 100, 50, 255})

	mid := bilinear(img, image.Point{}, 2, 1, 0.5, 0)
	assert.Equal(t, color.RGBA{100, 50, 25, 255}, mid)

	outside := bilinear(img, image.Point{}, 2, 1, 5, 0)
	assert.Equal(t, color.RGBA{A: 255}, outside)

	nan := bilinear(img, image.Point{}, 2, 1, math.NaN(), 0)
	assert.Equal(t, color.RGBA{A: 255}, nan)
}
