package perception

import (
	"image"
	"time"
)

// Point represents a 2D coordinate
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Affine is a 2D affine map: x' = A*x + B*y + Tx, y' = C*x + D*y + Ty.
type Affine struct {
	A, B, Tx float64
	C, D, Ty float64
}

// Identity returns the affine map that leaves points unchanged.
func Identity() Affine {
	return Affine{A: 1, D: 1}
}

// Pose is the vehicle state supplied once per cycle.
// Angles are in degrees; Yaw is the world-frame heading.
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// Channel identifies one evidence category. The numeric value is also the
// accumulator index in the world map and the colour slot in the vision buffer.
type Channel int

const (
	ChannelObstacle Channel = iota
	ChannelTarget
	ChannelNavigable
)

// Channels lists every channel in storage order.
var Channels = [...]Channel{ChannelObstacle, ChannelTarget, ChannelNavigable}

func (c Channel) String() string {
	switch c {
	case ChannelObstacle:
		return "obstacle"
	case ChannelTarget:
		return "target"
	case ChannelNavigable:
		return "navigable"
	}
	return "unknown"
}

// Mask is a single-channel binary image. Pix holds one byte per cell
// (0 = unset, 1 = set) in row-major order.
type Mask struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewMask allocates an all-zero mask.
func NewMask(width, height int) Mask {
	return Mask{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// At reports whether the cell at column x, row y is set.
func (m Mask) At(x, y int) bool {
	return m.Pix[y*m.Width+x] != 0
}

// Set marks the cell at column x, row y.
func (m Mask) Set(x, y int) {
	m.Pix[y*m.Width+x] = 1
}

// Count returns the number of set cells.
func (m Mask) Count() int {
	n := 0
	for _, v := range m.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

// PointSet holds vehicle-centric coordinates: vehicle at the origin,
// forward = +x, left = +y. X and Y always have the same length.
type PointSet struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`
}

// Len returns the number of points.
func (ps PointSet) Len() int { return len(ps.X) }

// PolarSet holds distance/bearing pairs derived from a PointSet.
// Angle is in radians, signed from the forward axis.
type PolarSet struct {
	Dist  []float64 `json:"dist"`
	Angle []float64 `json:"angle"`
}

// Len returns the number of points.
func (pp PolarSet) Len() int { return len(pp.Dist) }

// Cell is a world-map grid index. Maps are indexed [y][x].
type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// CycleInput is everything one perception cycle consumes.
type CycleInput struct {
	Frame image.Image
	Pose  Pose
}

// ChannelResult is the per-mask product of one cycle.
type ChannelResult struct {
	Mask    Mask
	Vehicle PointSet
	Polar   PolarSet
	Cells   []Cell
	Added   int // accumulator increments applied; 0 when the gate is closed
}

// CycleOutput is everything one perception cycle produces.
type CycleOutput struct {
	ID        string
	Timestamp time.Time
	Pose      Pose
	GateOpen  bool

	Rectified *image.RGBA
	Vision    *image.RGBA

	Obstacle  ChannelResult
	Target    ChannelResult
	Navigable ChannelResult

	NavigableSummary Summary
	TargetSummary    Summary
	ObstacleSummary  Summary
}

// Result returns the per-channel result for c.
func (o *CycleOutput) Result(c Channel) *ChannelResult {
	switch c {
	case ChannelObstacle:
		return &o.Obstacle
	case ChannelTarget:
		return &o.Target
	default:
		return &o.Navigable
	}
}

// Summary is the planning-facing digest of a polar set. Nil means no data.
type Summary struct {
	Count        int      `json:"count"`
	MeanBearing  *float64 `json:"meanBearing"`  // radians
	MeanDistance *float64 `json:"meanDistance"` // vehicle-frame units
}

// CycleReport is the JSON view of a cycle published over MQTT and HTTP.
type CycleReport struct {
	CycleID   string             `json:"cycleId"`
	Timestamp int64              `json:"timestamp"`
	Pose      Pose               `json:"pose"`
	GateOpen  bool               `json:"gateOpen"`
	Added     map[string]int     `json:"added"`
	Summaries map[string]Summary `json:"summaries"`
	// SteerDeg is the clipped mean navigable bearing; nil when nothing is navigable.
	SteerDeg *float64 `json:"steerDeg"`
}
