package perception

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Colors used for evidence and overlays.
var (
	obstacleColor  = color.RGBA{255, 0, 0, 255}
	targetColor    = color.RGBA{255, 215, 0, 255}
	navigableColor = color.RGBA{0, 0, 255, 255}
	trailColor     = color.RGBA{255, 255, 255, 255}
	vehicleColor   = color.RGBA{0, 255, 0, 255}
	labelColor     = color.RGBA{230, 230, 230, 255}
)

// MapRenderer rasterizes world-map snapshots. World +y points up in the
// rendered image.
type MapRenderer struct {
	CellPixels int  // output pixels per world cell
	Legend     bool // draw channel legend and coverage
	// Gain is the brightness added per unit of evidence above the floor
	// of 64; a cell saturates at 255.
	Gain float64
}

// NewMapRenderer creates a renderer with default settings
func NewMapRenderer() *MapRenderer {
	return &MapRenderer{CellPixels: 3, Legend: true, Gain: 16}
}

// intensity maps an evidence count to a channel brightness.
func (r *MapRenderer) intensity(count uint32) uint8 {
	if count == 0 {
		return 0
	}
	return uint8(math.Min(255, 64+float64(count)*r.Gain))
}

// cellToImage returns the top-left pixel of a world cell.
func (r *MapRenderer) cellToImage(size int, x, y float64) (int, int) {
	px := int(x * float64(r.CellPixels))
	py := int((float64(size) - 1 - y) * float64(r.CellPixels))
	return px, py
}

// Render draws the snapshot: red = obstacle, blue = navigable, gold =
// target. Obstacle evidence is hidden where navigable evidence is at least
// as strong. trail, when given, is drawn in order with the last pose marked.
func (r *MapRenderer) Render(snap WorldMapSnapshot, trail []Pose) *image.RGBA {
	cp := max(r.CellPixels, 1)
	size := snap.Size
	img := image.NewRGBA(image.Rect(0, 0, size*cp, size*cp))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{0, 0, 0, 255}), image.Point{}, draw.Src)

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			obs := snap.At(ChannelObstacle, x, y)
			nav := snap.At(ChannelNavigable, x, y)
			tgt := snap.At(ChannelTarget, x, y)
			if obs == 0 && nav == 0 && tgt == 0 {
				continue
			}

			c := color.RGBA{A: 255}
			c.B = r.intensity(nav)
			if obs > nav {
				c.R = r.intensity(obs)
			}
			if tgt > 0 {
				c = targetColor
			}
			px, py := r.cellToImage(size, float64(x), float64(y))
			fillRect(img, px, py, cp, cp, c)
		}
	}

	if len(trail) > 0 {
		for _, p := range trail {
			px, py := r.cellToImage(size, p.X, p.Y)
			fillRect(img, px, py, max(cp/2, 1), max(cp/2, 1), trailColor)
		}
		last := trail[len(trail)-1]
		px, py := r.cellToImage(size, last.X, last.Y)
		drawHeading(img, px, py, 4*cp, last.Yaw, vehicleColor)
	}

	if r.Legend {
		r.drawLegend(img, snap.Stats())
	}
	return img
}

// drawLegend labels the channel colours and the coverage in the top-left corner.
func (r *MapRenderer) drawLegend(img *image.RGBA, stats MapStats) {
	entries := []struct {
		label string
		c     color.RGBA
	}{
		{"obstacle", obstacleColor},
		{"target", targetColor},
		{"navigable", navigableColor},
	}
	y := 15
	for _, e := range entries {
		fillRect(img, 10, y-9, 10, 10, e.c)
		drawText(img, 26, y, e.label, labelColor)
		y += 16
	}
	drawText(img, 10, y, fmt.Sprintf("mapped %.1f%%", stats.Fraction*100), labelColor)
}

// RenderVision upscales the per-cycle vision buffer by factor with
// nearest-neighbour sampling so mask edges stay sharp.
func RenderVision(vision *image.RGBA, factor int) *image.RGBA {
	if vision == nil {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}
	factor = max(factor, 1)
	b := vision.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	draw.NearestNeighbor.Scale(out, out.Bounds(), vision, b, draw.Src, nil)
	return out
}

// EncodePNG writes img to w.
func EncodePNG(w io.Writer, img image.Image) error {
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encoding PNG: %w", err)
	}
	return nil
}

// SavePNG writes img to path.
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := EncodePNG(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func fillRect(img *image.RGBA, x, y, w, h int, c color.RGBA) {
	draw.Draw(img, image.Rect(x, y, x+w, y+h).Intersect(img.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)
}

// drawHeading draws a dot at (cx, cy) and a line of length pixels toward yaw
// (degrees, counter-clockwise from +x with image y flipped).
func drawHeading(img *image.RGBA, cx, cy, length int, yaw float64, c color.RGBA) {
	fillRect(img, cx-2, cy-2, 5, 5, c)
	sin, cos := math.Sincos(yaw * math.Pi / 180)
	for t := 0; t <= length; t++ {
		px := cx + int(math.Round(float64(t)*cos))
		py := cy - int(math.Round(float64(t)*sin))
		if image.Pt(px, py).In(img.Bounds()) {
			img.SetRGBA(px, py, c)
		}
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
