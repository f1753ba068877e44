package types

import (
	"fmt"
	"math"
)

// Twist component indices (linear x,y,z then angular x,y,z)
const (
	LinearX = iota
	LinearY
	LinearZ
	AngularX
	AngularY
	AngularZ
)

// Velocity is a 6-DoF twist command.
//
// A differential drive robot only uses LinearX (forward speed, m/s) and
// AngularZ (yaw rate, rad/s). The remaining components are always zero but
// stay on the wire for downstream compatibility.
type Velocity [6]float64

// ZeroVelocity returns the all-zero command (robot halted)
func ZeroVelocity() Velocity {
	return Velocity{}
}

// NewTwist builds a Velocity from the two components a diff drive robot uses
func NewTwist(linear, angular float64) Velocity {
	var v Velocity
	v[LinearX] = linear
	v[AngularZ] = angular
	return v
}

// Linear returns the forward linear velocity (m/s)
func (v Velocity) Linear() float64 {
	return v[LinearX]
}

// Angular returns the yaw angular velocity (rad/s)
func (v Velocity) Angular() float64 {
	return v[AngularZ]
}

// IsZero reports whether every component is exactly zero
func (v Velocity) IsZero() bool {
	return v == Velocity{}
}

// Slice returns the components as a slice, the shape published on the wire
func (v Velocity) Slice() []float64 {
	out := make([]float64, len(v))
	copy(out, v[:])
	return out
}

// String implements fmt.Stringer
func (v Velocity) String() string {
	return fmt.Sprintf("[%g %g %g %g %g %g]", v[0], v[1], v[2], v[3], v[4], v[5])
}

// SafeRange is the envelope a velocity source declares for its active components.
type SafeRange struct {
	MaxLinear  float64 `yaml:"max_linear"`  // |linear| limit in m/s
	MaxAngular float64 `yaml:"max_angular"` // |angular| limit in rad/s
}

// DefaultSafeRange matches the limits given to the vision-language model
func DefaultSafeRange() SafeRange {
	return SafeRange{
		MaxLinear:  0.5,
		MaxAngular: 1.0,
	}
}

// Contains reports whether v has only active components set, all finite and
// within the range.
func (r SafeRange) Contains(v Velocity) bool {
	if v[LinearY] != 0 || v[LinearZ] != 0 || v[AngularX] != 0 || v[AngularY] != 0 {
		return false
	}
	lin, ang := v.Linear(), v.Angular()
	if math.IsNaN(lin) || math.IsNaN(ang) || math.IsInf(lin, 0) || math.IsInf(ang, 0) {
		return false
	}
	return math.Abs(lin) <= r.MaxLinear && math.Abs(ang) <= r.MaxAngular
}
