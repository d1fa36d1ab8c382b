package perception

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/simplify"
)

// DefaultTrackTolerance is the Douglas-Peucker tolerance, in world cells,
// applied to the vehicle track.
const DefaultTrackTolerance = 0.5

// WorldMapToGeoJSON exports a snapshot as a FeatureCollection in world-cell
// coordinates. Each evidence class becomes one MultiPolygon built from
// horizontal runs of cells (class precedence matches the renderers). The
// trail becomes a simplified LineString and the last pose a Point.
func WorldMapToGeoJSON(snap WorldMapSnapshot, trail []Pose, tolerance float64) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	runs := make(map[Channel]orb.MultiPolygon)
	counts := make(map[Channel]int)
	for y := 0; y < snap.Size; y++ {
		x := 0
		for x < snap.Size {
			ch, ok := cellClass(snap, x, y, 1)
			if !ok {
				x++
				continue
			}
			start := x
			for x < snap.Size {
				next, ok := cellClass(snap, x, y, 1)
				if !ok || next != ch {
					break
				}
				x++
			}
			runs[ch] = append(runs[ch], cellRun(start, x, y))
			counts[ch] += x - start
		}
	}

	for _, ch := range Channels {
		mp, ok := runs[ch]
		if !ok {
			continue
		}
		f := geojson.NewFeature(mp)
		f.Properties["layerType"] = ch.String()
		f.Properties["cellCount"] = counts[ch]
		fc.Append(f)
	}

	if len(trail) == 0 {
		return fc
	}

	track := make(orb.LineString, len(trail))
	for i, p := range trail {
		track[i] = orb.Point{p.X, p.Y}
	}
	if len(track) > 2 && tolerance > 0 {
		if s, ok := simplify.DouglasPeucker(tolerance).Simplify(track.Clone()).(orb.LineString); ok {
			track = s
		}
	}
	tf := geojson.NewFeature(track)
	tf.Properties["layerType"] = "track"
	tf.Properties["poseCount"] = len(trail)
	fc.Append(tf)

	last := trail[len(trail)-1]
	vf := geojson.NewFeature(orb.Point{last.X, last.Y})
	vf.Properties["layerType"] = "vehicle"
	vf.Properties["yaw"] = last.Yaw
	vf.Properties["pitch"] = last.Pitch
	vf.Properties["roll"] = last.Roll
	fc.Append(vf)

	return fc
}

// cellRun returns the rectangle covering cells [x0, x1) of row y.
func cellRun(x0, x1, y int) orb.Polygon {
	fx0, fx1 := float64(x0), float64(x1)
	fy0, fy1 := float64(y), float64(y+1)
	return orb.Polygon{orb.Ring{
		{fx0, fy0}, {fx1, fy0}, {fx1, fy1}, {fx0, fy1}, {fx0, fy0},
	}}
}
