package perception

import (
	"image/color"
	"image/png"
	"io"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// VectorRenderer renders world-map snapshots as vector graphics. Canvas units
// are millimetres; each world cell is CellSize wide.
type VectorRenderer struct {
	CellSize    float64
	Padding     float64           // in cells
	GridSpacing int               // grid line spacing in cells; 0 disables
	Resolution  canvas.Resolution // Resolution for PNG output
	// MinEvidence hides cells whose winning channel has fewer counts.
	MinEvidence uint32
}

// NewVectorRenderer creates a vector renderer with default settings
func NewVectorRenderer() *VectorRenderer {
	return &VectorRenderer{
		CellSize:    1.0,
		Padding:     2,
		GridSpacing: 10,
		Resolution:  canvas.DPI(96),
		MinEvidence: 1,
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

func (r *VectorRenderer) extent(size int) float64 {
	return (float64(size) + 2*r.Padding) * r.CellSize
}

// RenderToSVG writes the snapshot and trail as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer, snap WorldMapSnapshot, trail []Pose) error {
	side := r.extent(snap.Size)
	svgRenderer := svg.New(w, side, side, nil)
	r.renderToCanvas(svgRenderer, snap, trail, side)
	return svgRenderer.Close()
}

// RenderToPNG writes the snapshot and trail as a PNG to the provided writer
func (r *VectorRenderer) RenderToPNG(w io.Writer, snap WorldMapSnapshot, trail []Pose) error {
	side := r.extent(snap.Size)
	rast := rasterizer.New(side, side, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, snap, trail, side)
	return png.Encode(w, rast)
}

// cellClass returns the channel that wins a cell, using the same precedence
// as the raster renderer: target, then obstacle over navigable on strictly
// more evidence.
func cellClass(snap WorldMapSnapshot, x, y int, minEvidence uint32) (Channel, bool) {
	obs := snap.At(ChannelObstacle, x, y)
	nav := snap.At(ChannelNavigable, x, y)
	tgt := snap.At(ChannelTarget, x, y)
	switch {
	case tgt >= minEvidence && tgt > 0:
		return ChannelTarget, true
	case obs > nav && obs >= minEvidence:
		return ChannelObstacle, true
	case nav >= minEvidence && nav > 0:
		return ChannelNavigable, true
	}
	return 0, false
}

// renderToCanvas draws background, one merged path per channel, grid lines,
// the trail and the vehicle marker.
func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, snap WorldMapSnapshot, trail []Pose, side float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.Black}
	renderer.RenderPath(canvas.Rectangle(side, side), bgStyle, canvas.Identity)

	toCanvas := func(x, y float64) (float64, float64) {
		return (x + r.Padding) * r.CellSize, (y + r.Padding) * r.CellSize
	}

	paths := map[Channel]*canvas.Path{}
	for y := 0; y < snap.Size; y++ {
		for x := 0; x < snap.Size; x++ {
			ch, ok := cellClass(snap, x, y, r.MinEvidence)
			if !ok {
				continue
			}
			p := paths[ch]
			if p == nil {
				p = &canvas.Path{}
				paths[ch] = p
			}
			x0, y0 := toCanvas(float64(x), float64(y))
			p.MoveTo(x0, y0)
			p.LineTo(x0+r.CellSize, y0)
			p.LineTo(x0+r.CellSize, y0+r.CellSize)
			p.LineTo(x0, y0+r.CellSize)
			p.Close()
		}
	}
	fills := map[Channel]color.RGBA{
		ChannelNavigable: navigableColor,
		ChannelObstacle:  obstacleColor,
		ChannelTarget:    targetColor,
	}
	for _, ch := range []Channel{ChannelNavigable, ChannelObstacle, ChannelTarget} {
		p, ok := paths[ch]
		if !ok {
			continue
		}
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: fills[ch]}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}
		renderer.RenderPath(p, style, canvas.Identity)
	}

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.1 * r.CellSize
		gridStyle.Dashes = []float64{r.CellSize, r.CellSize}

		grid := &canvas.Path{}
		for i := 0; i <= snap.Size; i += r.GridSpacing {
			x1, y1 := toCanvas(float64(i), 0)
			x2, y2 := toCanvas(float64(i), float64(snap.Size))
			grid.MoveTo(x1, y1)
			grid.LineTo(x2, y2)
			x1, y1 = toCanvas(0, float64(i))
			x2, y2 = toCanvas(float64(snap.Size), float64(i))
			grid.MoveTo(x1, y1)
			grid.LineTo(x2, y2)
		}
		renderer.RenderPath(grid, gridStyle, canvas.Identity)
	}

	if len(trail) == 0 {
		return
	}

	trailStyle := canvas.DefaultStyle
	trailStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	trailStyle.Stroke = canvas.Paint{Color: trailColor}
	trailStyle.StrokeWidth = 0.3 * r.CellSize

	track := &canvas.Path{}
	for i, p := range trail {
		cx, cy := toCanvas(p.X, p.Y)
		if i == 0 {
			track.MoveTo(cx, cy)
		} else {
			track.LineTo(cx, cy)
		}
	}
	renderer.RenderPath(track, trailStyle, canvas.Identity)

	last := trail[len(trail)-1]
	cx, cy := toCanvas(last.X, last.Y)
	vehicleStyle := canvas.DefaultStyle
	vehicleStyle.Fill = canvas.Paint{Color: vehicleColor}
	vehicleStyle.Stroke = canvas.Paint{Color: canvas.White}
	vehicleStyle.StrokeWidth = 0.2 * r.CellSize
	renderer.RenderPath(canvas.Circle(1.5*r.CellSize).Translate(cx, cy), vehicleStyle, canvas.Identity)

	// Heading: the point four cells ahead of the vehicle, in world cells.
	tip := VehicleToWorld(last, 1).Apply(Point{X: 4})
	tx, ty := toCanvas(tip.X, tip.Y)
	dir := &canvas.Path{}
	dir.MoveTo(cx, cy)
	dir.LineTo(tx, ty)
	dirStyle := canvas.DefaultStyle
	dirStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	dirStyle.Stroke = canvas.Paint{Color: vehicleColor}
	dirStyle.StrokeWidth = 0.4 * r.CellSize
	renderer.RenderPath(dir, dirStyle, canvas.Identity)
}
