package perception

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// ErrDegenerateHomography is returned when a four-point correspondence does
// not define a unique perspective transform (repeated or collinear points).
var ErrDegenerateHomography = errors.New("degenerate four-point correspondence")

// Homography is a 3x3 projective transform in row-major order.
type Homography [9]float64

// ComputeHomography returns the homography mapping src[i] onto dst[i].
// The 8 unknowns (h22 fixed at 1) are solved from the 8x8 linear system
// produced by the four correspondences.
func ComputeHomography(src, dst [4]Point) (Homography, error) {
	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	for i := range 4 {
		X, Y := src[i].X, src[i].Y
		x, y := dst[i].X, dst[i].Y
		r := 2 * i
		// x = (h00 X + h01 Y + h02) / (h20 X + h21 Y + 1)
		a.SetRow(r, []float64{X, Y, 1, 0, 0, 0, -X * x, -Y * x})
		b.SetVec(r, x)
		// y = (h10 X + h11 Y + h12) / (h20 X + h21 Y + 1)
		a.SetRow(r+1, []float64{0, 0, 0, X, Y, 1, -X * y, -Y * y})
		b.SetVec(r+1, y)
	}

	var h mat.VecDense
	if err := h.SolveVec(a, b); err != nil {
		return Homography{}, fmt.Errorf("%w: %v", ErrDegenerateHomography, err)
	}

	var out Homography
	for i := range 8 {
		out[i] = h.AtVec(i)
	}
	out[8] = 1
	return out, nil
}

// Apply maps (x, y) through the homography. Points on the line at infinity
// map to NaN.
func (h Homography) Apply(x, y float64) (float64, float64) {
	denom := h[6]*x + h[7]*y + h[8]
	if denom == 0 {
		return math.NaN(), math.NaN()
	}
	return (h[0]*x + h[1]*y + h[2]) / denom, (h[3]*x + h[4]*y + h[5]) / denom
}

// Inverse returns the inverse transform, normalized so the last element is 1.
func (h Homography) Inverse() (Homography, error) {
	m := mat.NewDense(3, 3, h[:])
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return Homography{}, fmt.Errorf("%w: %v", ErrDegenerateHomography, err)
	}
	var out Homography
	for r := range 3 {
		for c := range 3 {
			out[r*3+c] = inv.At(r, c)
		}
	}
	if out[8] != 0 {
		s := out[8]
		for i := range out {
			out[i] /= s
		}
	}
	return out, nil
}

// Rectifier warps camera frames onto the ground plane. The correspondence is
// fixed at construction; homographies are cached per frame size because the
// default destination square depends on it.
type Rectifier struct {
	cfg RectifyConfig

	mu    sync.Mutex
	cache map[image.Point]Homography // frame size -> inverse homography
}

// NewRectifier validates the correspondence against a reference frame size.
// Any error here is a calibration defect.
func NewRectifier(cfg RectifyConfig, refWidth, refHeight int) (*Rectifier, error) {
	r := &Rectifier{cfg: cfg, cache: make(map[image.Point]Homography)}
	if _, err := r.inverseFor(refWidth, refHeight); err != nil {
		return nil, err
	}
	return r, nil
}

// Homography returns the forward (camera -> ground) transform for a frame size.
func (r *Rectifier) Homography(width, height int) (Homography, error) {
	return ComputeHomography(r.cfg.Source, r.cfg.DestinationFor(width, height))
}

func (r *Rectifier) inverseFor(width, height int) (Homography, error) {
	key := image.Pt(width, height)
	r.mu.Lock()
	defer r.mu.Unlock()
	if inv, ok := r.cache[key]; ok {
		return inv, nil
	}
	fwd, err := r.Homography(width, height)
	if err != nil {
		return Homography{}, err
	}
	inv, err := fwd.Inverse()
	if err != nil {
		return Homography{}, err
	}
	r.cache[key] = inv
	return inv, nil
}

// Warp resamples img through the inverse homography into a top-down image of
// the same size. Output pixels that fall outside the source are black.
// A correspondence that degenerates for this frame size yields a black frame.
func (r *Rectifier) Warp(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	inv, err := r.inverseFor(b.Dx(), b.Dy())
	if err != nil {
		fillOpaque(out)
		return out
	}
	WarpPerspective(out, img, inv)
	return out
}

// WarpPerspective fills dst by sampling src at inv(x, y) for every integer
// destination pixel coordinate, with bilinear interpolation and a black
// border.
func WarpPerspective(dst *image.RGBA, src image.Image, inv Homography) {
	sb := src.Bounds()
	sw, sh := sb.Dx(), sb.Dy()
	db := dst.Bounds()
	for y := db.Min.Y; y < db.Max.Y; y++ {
		for x := db.Min.X; x < db.Max.X; x++ {
			sx, sy := inv.Apply(float64(x-db.Min.X), float64(y-db.Min.Y))
			c := bilinear(src, sb.Min, sw, sh, sx, sy)
			dst.SetRGBA(x, y, c)
		}
	}
}

// bilinear samples src at (fx, fy) relative to origin. Neighbours outside the
// source contribute black.
func bilinear(src image.Image, origin image.Point, w, h int, fx, fy float64) color.RGBA {
	if math.IsNaN(fx) || math.IsNaN(fy) || fx <= -1 || fy <= -1 || fx >= float64(w) || fy >= float64(h) {
		return color.RGBA{A: 255}
	}
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	ax := fx - float64(x0)
	ay := fy - float64(y0)

	var acc [3]float64
	weights := [4]float64{(1 - ax) * (1 - ay), ax * (1 - ay), (1 - ax) * ay, ax * ay}
	offsets := [4]image.Point{{0, 0}, {1, 0}, {0, 1}, {1, 1}}
	for i, off := range offsets {
		px, py := x0+off.X, y0+off.Y
		if weights[i] == 0 || px < 0 || py < 0 || px >= w || py >= h {
			continue
		}
		r, g, b := rgb8(src.At(origin.X+px, origin.Y+py))
		acc[0] += weights[i] * float64(r)
		acc[1] += weights[i] * float64(g)
		acc[2] += weights[i] * float64(b)
	}
	return color.RGBA{R: round8(acc[0]), G: round8(acc[1]), B: round8(acc[2]), A: 255}
}

func round8(v float64) uint8 {
	v = math.Round(v)
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

// rgb8 returns the 8-bit channels of c without alpha premultiplication effects
// for opaque pixels.
func rgb8(c color.Color) (uint8, uint8, uint8) {
	switch v := c.(type) {
	case color.RGBA:
		return v.R, v.G, v.B
	case color.NRGBA:
		return v.R, v.G, v.B
	}
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return n.R, n.G, n.B
}

func fillOpaque(img *image.RGBA) {
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
}
