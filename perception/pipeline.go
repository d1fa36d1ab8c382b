package perception

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reference frame size of the simulator camera. Used to validate the
// calibration when a pipeline is built; frames of other sizes still work.
const (
	ReferenceFrameWidth  = 320
	ReferenceFrameHeight = 160
)

// Pipeline runs one perception cycle per frame against a shared world map.
type Pipeline struct {
	cal   Calibration
	rect  *Rectifier
	world *WorldMap
	now   func() time.Time
}

// NewPipeline validates the calibration and binds it to wm. A nil wm
// allocates a fresh map sized from the calibration.
func NewPipeline(cal Calibration, wm *WorldMap) (*Pipeline, error) {
	if err := cal.Validate(); err != nil {
		return nil, fmt.Errorf("invalid calibration: %w", err)
	}
	rect, err := NewRectifier(cal.Rectify, ReferenceFrameWidth, ReferenceFrameHeight)
	if err != nil {
		return nil, fmt.Errorf("rectifier: %w", err)
	}
	if wm == nil {
		wm = NewWorldMap(cal.World.Size)
	} else if wm.Size() != cal.World.Size {
		return nil, fmt.Errorf("world map size %d does not match calibration size %d", wm.Size(), cal.World.Size)
	}
	return &Pipeline{cal: cal, rect: rect, world: wm, now: time.Now}, nil
}

// World returns the map the pipeline accumulates into.
func (p *Pipeline) World() *WorldMap { return p.world }

// Calibration returns the constants the pipeline was built with.
func (p *Pipeline) Calibration() Calibration { return p.cal }

// ErrEmptyFrame is returned by Process for a nil or zero-area frame.
var ErrEmptyFrame = errors.New("empty frame")

// Process runs a full cycle: rectify, classify, write the vision buffer,
// project each mask to vehicle, polar and world coordinates, accumulate into
// the world map when the pose gate passes, and summarize.
//
// The map is only touched once every channel has been projected, so a cycle
// cancelled through ctx leaves it unchanged.
func (p *Pipeline) Process(ctx context.Context, in CycleInput) (*CycleOutput, error) {
	if in.Frame == nil || in.Frame.Bounds().Empty() {
		return nil, ErrEmptyFrame
	}
	out := &CycleOutput{
		ID:        uuid.NewString(),
		Timestamp: p.now(),
		Pose:      in.Pose,
		GateOpen:  p.cal.Gate.Passes(in.Pose),
	}

	out.Rectified = p.rect.Warp(in.Frame)
	out.Navigable.Mask = NavigableMask(out.Rectified, p.cal.NavigableThreshold)
	out.Obstacle.Mask = ObstacleMask(out.Rectified, p.cal.NavigableThreshold)
	out.Target.Mask = TargetMask(out.Rectified, p.cal.Target)

	out.Vision = VisionBuffer(out.Rectified.Bounds(), out.Obstacle.Mask, out.Target.Mask, out.Navigable.Mask)

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range Channels {
		res := out.Result(ch)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res.Vehicle = VehicleCoords(res.Mask)
			res.Polar = ToPolar(res.Vehicle)
			res.Cells = PixelToWorld(res.Vehicle, in.Pose, p.cal.World.Size, p.cal.World.Scale)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("cycle %s: %w", out.ID, err)
	}

	if out.GateOpen {
		for _, ch := range Channels {
			res := out.Result(ch)
			res.Added = p.world.Accumulate(ch, res.Cells)
		}
	}

	out.NavigableSummary = Summarize(out.Navigable.Polar)
	out.TargetSummary = Summarize(out.Target.Polar)
	out.ObstacleSummary = Summarize(out.Obstacle.Polar)

	zap.S().Debugf("[PIPELINE] cycle %s gate=%v nav=%d obs=%d tgt=%d",
		out.ID, out.GateOpen, out.Navigable.Vehicle.Len(), out.Obstacle.Vehicle.Len(), out.Target.Vehicle.Len())
	return out, nil
}

// VisionBuffer paints the three masks into one image: R = obstacle,
// G = target, B = navigable. Set cells are 255; the rest are 0.
func VisionBuffer(bounds image.Rectangle, obstacle, target, navigable Mask) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	paint := func(m Mask, slot int) {
		for y := 0; y < m.Height && y < bounds.Dy(); y++ {
			for x := 0; x < m.Width && x < bounds.Dx(); x++ {
				if m.Pix[y*m.Width+x] != 0 {
					img.Pix[y*img.Stride+x*4+slot] = 255
				}
			}
		}
	}
	paint(obstacle, 0)
	paint(target, 1)
	paint(navigable, 2)
	fillOpaque(img)
	return img
}

// Report builds the JSON view of a cycle. steerClip bounds the published
// steering angle in degrees.
func (o *CycleOutput) Report(steerClip float64) CycleReport {
	r := CycleReport{
		CycleID:   o.ID,
		Timestamp: o.Timestamp.Unix(),
		Pose:      o.Pose,
		GateOpen:  o.GateOpen,
		Added:     make(map[string]int, len(Channels)),
		Summaries: map[string]Summary{
			ChannelNavigable.String(): o.NavigableSummary,
			ChannelTarget.String():    o.TargetSummary,
			ChannelObstacle.String():  o.ObstacleSummary,
		},
	}
	for _, ch := range Channels {
		r.Added[ch.String()] = o.Result(ch).Added
	}
	if b := o.NavigableSummary.MeanBearing; b != nil {
		steer := SteerDegrees(*b, steerClip)
		r.SteerDeg = &steer
	}
	return r
}
