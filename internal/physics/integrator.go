package physics

import "math"

// Epsilon is the smallest magnitude Normalize divides by.
const Epsilon float32 = 1e-6

// Vec2 is a planar vector in world units.
type Vec2 = [2]float32

// Integrator advances a position and velocity pair by dt. Implementations must be pure.
type Integrator interface {
	Step(p, v Vec2, dt float32) (Vec2, Vec2)
}

// Euler is the default first order integrator: p' = p + v*dt, v' = v.
type Euler struct{}

// Step applies one explicit Euler step.
func (Euler) Step(p, v Vec2, dt float32) (Vec2, Vec2) {
	//1.- Round the product before the add so no platform fuses it into an FMA.
	return Vec2{p[0] + float32(v[0]*dt), p[1] + float32(v[1]*dt)}, v
}

// Damped wraps Euler with exponential drag and an optional speed ceiling.
type Damped struct {
	// Drag is the fraction of velocity removed per second, in [0, 1].
	Drag float32
	// MaxSpeed clamps the velocity magnitude when positive.
	MaxSpeed float32
}

// Step damps and clamps the velocity, then integrates position with it.
func (d Damped) Step(p, v Vec2, dt float32) (Vec2, Vec2) {
	if dt <= 0 {
		return p, v
	}
	//1.- Remove the drag fraction scaled by the timestep, never reversing direction.
	keep := 1 - float32(d.Drag*dt)
	if keep < 0 {
		keep = 0
	}
	v = Vec2{v[0] * keep, v[1] * keep}
	//2.- Enforce the speed ceiling before advancing the position.
	v = ClampMagnitude(v, d.MaxSpeed)
	return Euler{}.Step(p, v, dt)
}

// Magnitude returns the Euclidean length of v.
func Magnitude(v Vec2) float32 {
	return float32(math.Sqrt(float64(v[0])*float64(v[0]) + float64(v[1])*float64(v[1])))
}

// Normalize scales v to unit length, dividing by at least Epsilon so a zero vector stays zero.
func Normalize(v Vec2) Vec2 {
	mag := Magnitude(v)
	if mag < Epsilon {
		mag = Epsilon
	}
	return Vec2{v[0] / mag, v[1] / mag}
}

// ClampMagnitude scales v down to limit when it is longer. A non-positive limit disables the clamp.
func ClampMagnitude(v Vec2, limit float32) Vec2 {
	if !(limit > 0) {
		return v
	}
	mag := Magnitude(v)
	if mag == 0 || mag <= limit {
		return v
	}
	scale := limit / mag
	return Vec2{v[0] * scale, v[1] * scale}
}

// WrapAngle normalises an angle in radians to the [-pi, pi) range.
func WrapAngle(angle float32) float32 {
	wrapped := math.Mod(float64(angle)+math.Pi, 2*math.Pi)
	if wrapped < 0 {
		wrapped += 2 * math.Pi
	}
	return float32(wrapped - math.Pi)
}
