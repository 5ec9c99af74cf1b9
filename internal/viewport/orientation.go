// Package viewport converts camera orientations into gaze directions on the
// sphere and measures how far a gaze is from each tile.
//
// The coordinate convention is right-handed with Y up. At identity the camera
// looks down -Z. Yaw is measured counter-clockwise seen from above, starting
// at -Z, in [0,360). Pitch is measured from the zenith: 0 straight up, 90 at
// the horizon, 180 straight down.
package viewport

import "math"

// Vec3 is a direction in world space.
type Vec3 struct {
	X, Y, Z float64
}

// Len returns the Euclidean length.
func (v Vec3) Len() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Orientation is any camera orientation that can report where it looks.
type Orientation interface {
	Forward() Vec3
}

// Quaternion is a rotation (x, y, z, w). It need not be normalized.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// IdentityQuaternion looks down -Z.
var IdentityQuaternion = Quaternion{W: 1}

// Forward rotates -Z by q. A zero quaternion is treated as identity.
func (q Quaternion) Forward() Vec3 {
	n := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
	if n == 0 {
		return Vec3{Z: -1}
	}
	x, y, z, w := q.X/n, q.Y/n, q.Z/n, q.W/n

	// Negated third column of the rotation matrix.
	return Vec3{
		X: -2 * (x*z + w*y),
		Y: -2 * (y*z - w*x),
		Z: -(1 - 2*(x*x+y*y)),
	}
}

// Euler is an intrinsic YXZ rotation in radians: yaw about Y, then pitch
// about X, then roll about Z. Roll does not move the forward vector.
type Euler struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Forward returns the view direction for the rotation.
func (e Euler) Forward() Vec3 {
	cx := math.Cos(e.X)
	return Vec3{
		X: -math.Sin(e.Y) * cx,
		Y: math.Sin(e.X),
		Z: -math.Cos(e.Y) * cx,
	}
}

// Direction is a raw forward vector used as an orientation.
type Direction Vec3

// Forward returns the vector unchanged.
func (d Direction) Forward() Vec3 { return Vec3(d) }

// Angles is a gaze direction in degrees.
type Angles struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
}

// AnglesOf returns the yaw and pitch of an orientation's forward vector.
func AnglesOf(o Orientation) Angles {
	f := o.Forward()
	n := f.Len()
	if n == 0 {
		return Angles{Yaw: 0, Pitch: 90}
	}

	y := math.Max(-1, math.Min(1, f.Y/n))
	pitch := math.Acos(y) * 180 / math.Pi

	yaw := 0.0
	// Yaw is undefined at the poles.
	if math.Abs(f.X) > 1e-12 || math.Abs(f.Z) > 1e-12 {
		yaw = math.Atan2(-f.X, -f.Z) * 180 / math.Pi
	}
	yaw = math.Mod(yaw, 360)
	if yaw < 0 {
		yaw += 360
	}
	if yaw >= 360 {
		yaw = 0
	}

	return Angles{Yaw: yaw, Pitch: pitch}
}

// FromAngles builds the Euler rotation that looks at the given yaw and pitch.
func FromAngles(yaw, pitch float64) Euler {
	return Euler{
		X: (90 - pitch) * math.Pi / 180,
		Y: yaw * math.Pi / 180,
	}
}
