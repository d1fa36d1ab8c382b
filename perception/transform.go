package perception

import "math"

// Apply maps p through the affine.
func (m Affine) Apply(p Point) Point {
	return Point{
		X: m.A*p.X + m.B*p.Y + m.Tx,
		Y: m.C*p.X + m.D*p.Y + m.Ty,
	}
}

// Then returns the affine that applies m first and n second.
func (m Affine) Then(n Affine) Affine {
	return Affine{
		A: n.A*m.A + n.B*m.C, B: n.A*m.B + n.B*m.D, Tx: n.A*m.Tx + n.B*m.Ty + n.Tx,
		C: n.C*m.A + n.D*m.C, D: n.C*m.B + n.D*m.D, Ty: n.C*m.Tx + n.D*m.Ty + n.Ty,
	}
}

// Inverse returns the inverse map; ok is false when m is singular.
func (m Affine) Inverse() (inv Affine, ok bool) {
	det := m.A*m.D - m.B*m.C
	if det == 0 || math.IsNaN(det) {
		return Affine{}, false
	}
	return Affine{
		A: m.D / det, B: -m.B / det, Tx: (m.B*m.Ty - m.D*m.Tx) / det,
		C: -m.C / det, D: m.A / det, Ty: (m.C*m.Tx - m.A*m.Ty) / det,
	}, true
}

// yawRotation rotates counter-clockwise by yaw degrees.
func yawRotation(yaw float64) Affine {
	sin, cos := math.Sincos(NormalizeAngle(yaw) * math.Pi / 180)
	return Affine{A: cos, B: -sin, C: sin, D: cos}
}

// NormalizeAngle normalizes an angle in degrees to the range [0, 360).
func NormalizeAngle(degrees float64) float64 {
	degrees = math.Mod(degrees, 360)
	if degrees < 0 {
		degrees += 360
	}
	return degrees
}

// VehicleToWorld returns the continuous transform from vehicle-centric
// coordinates into world-grid units for the given pose: rotate by yaw, shrink
// by scale, then translate by the vehicle position. PixelToWorld applies the
// same steps one at a time and divides by scale rather than multiplying by
// its reciprocal.
func VehicleToWorld(pose Pose, scale float64) Affine {
	shrink := Affine{A: 1 / scale, D: 1 / scale}
	shift := Affine{A: 1, D: 1, Tx: pose.X, Ty: pose.Y}
	return yawRotation(pose.Yaw).Then(shrink).Then(shift)
}

// RotatePoints rotates every vehicle-centric point by yaw degrees.
// The yaw is normalized first so yaw and yaw+360 give identical results.
func RotatePoints(ps PointSet, yaw float64) PointSet {
	rot := yawRotation(yaw)
	out := PointSet{X: make([]float64, ps.Len()), Y: make([]float64, ps.Len())}
	for i := range ps.X {
		p := rot.Apply(Point{X: ps.X[i], Y: ps.Y[i]})
		out.X[i], out.Y[i] = p.X, p.Y
	}
	return out
}

// TranslatePoints divides rotated points by scale and offsets them by the
// vehicle position. The translation is in grid-cell units.
func TranslatePoints(ps PointSet, xpos, ypos, scale float64) PointSet {
	out := PointSet{X: make([]float64, ps.Len()), Y: make([]float64, ps.Len())}
	for i := range ps.X {
		out.X[i] = ps.X[i]/scale + xpos
		out.Y[i] = ps.Y[i]/scale + ypos
	}
	return out
}

// PixelToWorld maps vehicle-centric points onto world-grid cells.
// Indices are truncated toward zero and clamped per axis into [0, size-1];
// points beyond the grid pile up on the boundary cells.
func PixelToWorld(ps PointSet, pose Pose, size int, scale float64) []Cell {
	world := TranslatePoints(RotatePoints(ps, pose.Yaw), pose.X, pose.Y, scale)

	cells := make([]Cell, world.Len())
	for i := range world.X {
		cells[i] = Cell{
			X: clampIndex(world.X[i], size),
			Y: clampIndex(world.Y[i], size),
		}
	}
	return cells
}

// clampIndex truncates v toward zero and clamps it into [0, size-1].
// NaN lands on 0.
func clampIndex(v float64, size int) int {
	if !(v > 0) {
		return 0
	}
	if v >= float64(size) {
		return size - 1
	}
	return int(v)
}
