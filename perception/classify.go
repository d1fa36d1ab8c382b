package perception

import (
	"image"
	"math"
)

// NavigableMask marks pixels whose R, G and B all exceed thresh.
// Bright, low-texture ground passes; everything else does not.
func NavigableMask(img image.Image, thresh Triple) Mask {
	return thresholdMask(img, thresh, true)
}

// ObstacleMask is the complement of NavigableMask under the same threshold.
func ObstacleMask(img image.Image, thresh Triple) Mask {
	return thresholdMask(img, thresh, false)
}

func thresholdMask(img image.Image, thresh Triple, above bool) Mask {
	b := img.Bounds()
	m := NewMask(b.Dx(), b.Dy())
	forEachPixel(img, func(x, y int, r, g, bl uint8) {
		pass := r > thresh[0] && g > thresh[1] && bl > thresh[2]
		if pass == above {
			m.Set(x, y)
		}
	})
	return m
}

// TargetMask marks pixels whose colour, in the range's colour space, lies
// inside [Lower, Upper] on every channel.
func TargetMask(img image.Image, bounds ColorRange) Mask {
	b := img.Bounds()
	m := NewMask(b.Dx(), b.Dy())
	useHSV := bounds.Space != ColorSpaceRGB
	forEachPixel(img, func(x, y int, r, g, bl uint8) {
		c := Triple{r, g, bl}
		if useHSV {
			h, s, v := RGBToHSV(r, g, bl)
			c = Triple{h, s, v}
		}
		if inRange(c, bounds.Lower, bounds.Upper) {
			m.Set(x, y)
		}
	})
	return m
}

func inRange(c, lo, hi Triple) bool {
	return c[0] >= lo[0] && c[0] <= hi[0] &&
		c[1] >= lo[1] && c[1] <= hi[1] &&
		c[2] >= lo[2] && c[2] <= hi[2]
}

// RGBToHSV converts 8-bit RGB to 8-bit HSV using the OpenCV convention:
// H in [0, 180) (degrees halved), S and V in [0, 255].
func RGBToHSV(r, g, b uint8) (h, s, v uint8) {
	rf, gf, bf := float64(r), float64(g), float64(b)
	maxc := math.Max(rf, math.Max(gf, bf))
	minc := math.Min(rf, math.Min(gf, bf))
	delta := maxc - minc

	v = uint8(maxc)
	if maxc == 0 {
		return 0, 0, v
	}
	s = uint8(math.Round(255 * delta / maxc))
	if delta == 0 {
		return 0, s, v
	}

	var deg float64
	switch maxc {
	case rf:
		deg = 60 * (gf - bf) / delta
	case gf:
		deg = 120 + 60*(bf-rf)/delta
	default:
		deg = 240 + 60*(rf-gf)/delta
	}
	if deg < 0 {
		deg += 360
	}
	hh := math.Round(deg / 2)
	if hh >= 180 {
		hh -= 180
	}
	return uint8(hh), s, v
}

// forEachPixel visits every pixel of img with coordinates relative to the
// image origin. *image.RGBA is read straight from Pix.
func forEachPixel(img image.Image, fn func(x, y int, r, g, b uint8)) {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			row := rgba.Pix[y*rgba.Stride:]
			for x := 0; x < b.Dx(); x++ {
				p := row[x*4 : x*4+4]
				fn(x, y, p[0], p[1], p[2])
			}
		}
		return
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl := rgb8(img.At(b.Min.X+x, b.Min.Y+y))
			fn(x, y, r, g, bl)
		}
	}
}
