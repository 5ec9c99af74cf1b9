package viewport

import (
	"math"

	"github.com/zsiec/tilestream/internal/tile"
)

// Metric measures the angular distance in degrees from a gaze to a tile.
type Metric func(yaw, pitch float64, r tile.AngularRange) float64

// WrapYaw returns the shorter arc between two yaw angles, in [0,180].
func WrapYaw(delta float64) float64 {
	d := math.Mod(math.Abs(delta), 360)
	return math.Min(d, 360-d)
}

// AngularDistance is the planar approximation used for tile selection. The
// yaw delta wraps to the shorter arc and is combined with the pitch delta by
// Euclidean distance. Both deltas are taken to the nearest edge of the range,
// so a gaze inside the tile is at distance 0. Accuracy degrades near the
// poles where yaw degrees shrink.
func AngularDistance(yaw, pitch float64, r tile.AngularRange) float64 {
	return math.Hypot(yawDelta(yaw, r), pitchDelta(pitch, r))
}

// CenterDistance is the planar distance to the center of the range.
func CenterDistance(yaw, pitch float64, r tile.AngularRange) float64 {
	cy, cp := r.Center()
	return math.Hypot(WrapYaw(yaw-cy), pitch-cp)
}

// GreatCircleDistance returns the haversine distance in degrees between two
// gaze directions.
func GreatCircleDistance(yaw1, pitch1, yaw2, pitch2 float64) float64 {
	const rad = math.Pi / 180
	lat1 := (90 - pitch1) * rad
	lat2 := (90 - pitch2) * rad
	dLat := lat2 - lat1
	dLon := (yaw2 - yaw1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	a = math.Max(0, math.Min(1, a))
	return 2 * math.Asin(math.Sqrt(a)) / rad
}

// SphericalDistance is a Metric based on GreatCircleDistance to the nearest
// point of the range.
func SphericalDistance(yaw, pitch float64, r tile.AngularRange) float64 {
	ny := yaw
	if yawDelta(yaw, r) > 0 {
		if WrapYaw(yaw-r.YawMin) <= WrapYaw(yaw-r.YawMax) {
			ny = r.YawMin
		} else {
			ny = r.YawMax
		}
	}
	np := math.Max(r.PitchMin, math.Min(r.PitchMax, pitch))
	return GreatCircleDistance(yaw, pitch, ny, np)
}

func yawDelta(yaw float64, r tile.AngularRange) float64 {
	yaw = tile.NormalizeYaw(yaw)
	if yaw >= r.YawMin && yaw <= r.YawMax {
		return 0
	}
	return math.Min(WrapYaw(yaw-r.YawMin), WrapYaw(yaw-r.YawMax))
}

func pitchDelta(pitch float64, r tile.AngularRange) float64 {
	switch {
	case pitch < r.PitchMin:
		return r.PitchMin - pitch
	case pitch > r.PitchMax:
		return pitch - r.PitchMax
	default:
		return 0
	}
}
