// Package coord holds the coordinate value type shared by the motion core
// and the transform between celestial, mount and instrument frames.
//
// All angles are radians. Azimuth is measured from north through east.
package coord

import (
	"fmt"
	"math"
)

// Common angles.
const (
	Deg    = math.Pi / 180
	Arcsec = Deg / 3600
	Deg90  = math.Pi / 2
	Deg180 = math.Pi
	Deg360 = 2 * math.Pi
)

// PierSide of the optical tube on an equatorial mount.
type PierSide int

const (
	PierSideNone PierSide = iota
	PierSideEast
	PierSideWest
)

func (p PierSide) String() string {
	switch p {
	case PierSideEast:
		return "east"
	case PierSideWest:
		return "west"
	default:
		return "none"
	}
}

// Other returns the opposite side. None stays None.
func (p PierSide) Other() PierSide {
	switch p {
	case PierSideEast:
		return PierSideWest
	case PierSideWest:
		return PierSideEast
	}
	return PierSideNone
}

// MountType is the mechanical geometry of the mount.
type MountType int

const (
	MountGEM MountType = iota
	MountFork
	MountAltAz
)

func (m MountType) String() string {
	switch m {
	case MountFork:
		return "fork"
	case MountAltAz:
		return "altaz"
	default:
		return "gem"
	}
}

// Equatorial reports whether axis 1 turns about the polar axis.
func (m MountType) Equatorial() bool {
	return m != MountAltAz
}

// ParseMountType parses the configuration name of a mount type.
func ParseMountType(s string) (MountType, error) {
	switch s {
	case "gem", "":
		return MountGEM, nil
	case "fork":
		return MountFork, nil
	case "altaz":
		return MountAltAz, nil
	}
	return MountGEM, fmt.Errorf("unknown mount type %q", s)
}

// Coordinate is a pointing position. It is a value: copy it, never share
// a pointer to it across components.
type Coordinate struct {
	R float64 // right ascension
	H float64 // hour angle
	D float64 // declination
	Z float64 // azimuth
	A float64 // altitude

	PierSide PierSide

	// Instrument (axis) angles for this position and pier side.
	A1, A2 float64
}

func (c Coordinate) String() string {
	return fmt.Sprintf("HA %.4f° Dec %.4f° Az %.4f° Alt %.4f° (%s)",
		c.H/Deg, c.D/Deg, c.Z/Deg, c.A/Deg, c.PierSide)
}

// WrapPi folds an angle into (-π, π].
func WrapPi(v float64) float64 {
	v = math.Mod(v, Deg360)
	if v <= -Deg180 {
		v += Deg360
	} else if v > Deg180 {
		v -= Deg360
	}
	return v
}

// Wrap2Pi folds an angle into [0, 2π).
func Wrap2Pi(v float64) float64 {
	v = math.Mod(v, Deg360)
	if v < 0 {
		v += Deg360
	}
	return v
}
