package perception

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat"
)

// ErrNoData is returned by aggregate functions over an empty set.
var ErrNoData = errors.New("no data")

// VehicleCoords converts the set cells of a mask into vehicle-centric
// coordinates. The vehicle sits at the bottom centre of the image:
// x = height - row (forward), y = width/2 - col (left). Points are emitted
// in row-major order.
func VehicleCoords(m Mask) PointSet {
	n := m.Count()
	ps := PointSet{X: make([]float64, 0, n), Y: make([]float64, 0, n)}
	h := float64(m.Height)
	half := float64(m.Width) / 2
	for row := 0; row < m.Height; row++ {
		for col := 0; col < m.Width; col++ {
			if m.Pix[row*m.Width+col] == 0 {
				continue
			}
			ps.X = append(ps.X, h-float64(row))
			ps.Y = append(ps.Y, half-float64(col))
		}
	}
	return ps
}

// ToPolar converts each point to (distance, bearing). Bearing is atan2(y, x)
// in radians, so 0 is straight ahead and positive is to the left.
func ToPolar(ps PointSet) PolarSet {
	pp := PolarSet{Dist: make([]float64, ps.Len()), Angle: make([]float64, ps.Len())}
	for i := range ps.X {
		pp.Dist[i] = math.Hypot(ps.X[i], ps.Y[i])
		pp.Angle[i] = math.Atan2(ps.Y[i], ps.X[i])
	}
	return pp
}

// FromPolar is the inverse of ToPolar.
func FromPolar(pp PolarSet) PointSet {
	ps := PointSet{X: make([]float64, pp.Len()), Y: make([]float64, pp.Len())}
	for i := range pp.Dist {
		sin, cos := math.Sincos(pp.Angle[i])
		ps.X[i] = pp.Dist[i] * cos
		ps.Y[i] = pp.Dist[i] * sin
	}
	return ps
}

// MeanBearing returns the arithmetic mean of the bearings in radians.
func MeanBearing(pp PolarSet) (float64, error) {
	if pp.Len() == 0 {
		return 0, ErrNoData
	}
	return stat.Mean(pp.Angle, nil), nil
}

// MeanDistance returns the arithmetic mean of the distances.
func MeanDistance(pp PolarSet) (float64, error) {
	if pp.Len() == 0 {
		return 0, ErrNoData
	}
	return stat.Mean(pp.Dist, nil), nil
}

// Summarize digests a polar set. Means are nil when the set is empty.
func Summarize(pp PolarSet) Summary {
	s := Summary{Count: pp.Len()}
	if b, err := MeanBearing(pp); err == nil {
		s.MeanBearing = &b
	}
	if d, err := MeanDistance(pp); err == nil {
		s.MeanDistance = &d
	}
	return s
}

// SteerDegrees converts a mean bearing to degrees and clips it to
// [-clip, clip]. A zero clip disables clipping.
func SteerDegrees(bearing, clip float64) float64 {
	deg := bearing * 180 / math.Pi
	if clip > 0 {
		deg = math.Max(-clip, math.Min(clip, deg))
	}
	return deg
}
