package coord

import (
	"math"
	"time"
)

// Transform converts between the native (sky), mount and instrument frames.
type Transform interface {
	MountType() MountType
	// MeridianFlips reports whether the mount has two pier sides.
	MeridianFlips() bool
	Latitude() float64

	MountToInstrument(c Coordinate) (a1, a2 float64)
	// InstrumentToMount returns the fully populated mount coordinate of an
	// instrument position.
	InstrumentToMount(a1, a2 float64) Coordinate
	NativeToMount(c Coordinate) Coordinate
	MountToNative(c Coordinate) Coordinate

	EquToHor(c Coordinate) Coordinate
	HorToEqu(c Coordinate) Coordinate
	RightAscensionToHourAngle(c Coordinate) Coordinate
	HourAngleToRightAscension(c Coordinate) Coordinate

	ResetAlignment()
}

// Clock returns the current time.
type Clock func() time.Time

// Basic is a Transform with spherical equatorial/horizon conversion, a
// sidereal clock, and an index-offset alignment model.
type Basic struct {
	mountType MountType
	lat, long float64
	clock     Clock

	// alignment offsets, mount minus native, in the mount's primary frame
	off1, off2 float64
	aligned    bool
}

// NewBasic returns a transform for the site at lat/long (radians, east
// positive).
func NewBasic(t MountType, lat, long float64, clock Clock) *Basic {
	if clock == nil {
		clock = time.Now
	}
	return &Basic{mountType: t, lat: lat, long: long, clock: clock}
}

func (b *Basic) MountType() MountType { return b.mountType }

func (b *Basic) MeridianFlips() bool { return b.mountType == MountGEM }

func (b *Basic) Latitude() float64 { return b.lat }

// north reports whether the site is in the northern hemisphere.
func (b *Basic) north() bool { return b.lat >= 0 }

func (b *Basic) MountToInstrument(c Coordinate) (a1, a2 float64) {
	if !b.mountType.Equatorial() {
		return c.Z, c.A
	}
	if b.MeridianFlips() && c.PierSide == PierSideWest {
		a1 = c.H + Deg180
		if b.north() {
			a2 = Deg180 - c.D
		} else {
			a2 = -Deg180 - c.D
		}
		return a1, a2
	}
	return c.H, c.D
}

func (b *Basic) InstrumentToMount(a1, a2 float64) Coordinate {
	c := Coordinate{A1: a1, A2: a2, PierSide: PierSideEast}
	if !b.mountType.Equatorial() {
		c.Z, c.A = a1, a2
		c = b.HorToEqu(c)
		return b.HourAngleToRightAscension(c)
	}

	c.H, c.D = a1, a2
	if b.MeridianFlips() {
		switch {
		case b.north() && a2 > Deg90:
			c.PierSide = PierSideWest
			c.H, c.D = a1-Deg180, Deg180-a2
		case !b.north() && a2 < -Deg90:
			c.PierSide = PierSideWest
			c.H, c.D = a1-Deg180, -Deg180-a2
		}
	}
	c = b.EquToHor(c)
	return b.HourAngleToRightAscension(c)
}

// Sync sets the alignment so that native maps onto mount.
func (b *Basic) Sync(native, mount Coordinate) {
	if b.mountType.Equatorial() {
		b.off1, b.off2 = mount.H-native.H, mount.D-native.D
	} else {
		b.off1, b.off2 = mount.Z-native.Z, mount.A-native.A
	}
	b.aligned = true
}

// Aligned reports whether a sync has been applied since the last reset.
func (b *Basic) Aligned() bool { return b.aligned }

func (b *Basic) NativeToMount(c Coordinate) Coordinate {
	if b.mountType.Equatorial() {
		c.H += b.off1
		c.D += b.off2
		c = b.HourAngleToRightAscension(c)
		return b.EquToHor(c)
	}
	c.Z += b.off1
	c.A += b.off2
	return b.HourAngleToRightAscension(b.HorToEqu(c))
}

func (b *Basic) MountToNative(c Coordinate) Coordinate {
	if b.mountType.Equatorial() {
		c.H -= b.off1
		c.D -= b.off2
		c = b.HourAngleToRightAscension(c)
		return b.EquToHor(c)
	}
	c.Z -= b.off1
	c.A -= b.off2
	return b.HourAngleToRightAscension(b.HorToEqu(c))
}

func (b *Basic) ResetAlignment() {
	b.off1, b.off2 = 0, 0
	b.aligned = false
}

// EquToHor fills Z and A from H and D.
func (b *Basic) EquToHor(c Coordinate) Coordinate {
	sinLat, cosLat := math.Sincos(b.lat)
	sinD, cosD := math.Sincos(c.D)
	sinH, cosH := math.Sincos(c.H)

	sinA := sinLat*sinD + cosLat*cosD*cosH
	c.A = math.Asin(clamp1(sinA))
	c.Z = Wrap2Pi(math.Atan2(-cosD*sinH, sinD*cosLat-cosD*sinLat*cosH))
	return c
}

// HorToEqu fills H and D from Z and A.
func (b *Basic) HorToEqu(c Coordinate) Coordinate {
	sinLat, cosLat := math.Sincos(b.lat)
	sinA, cosA := math.Sincos(c.A)
	sinZ, cosZ := math.Sincos(c.Z)

	sinD := sinLat*sinA + cosLat*cosA*cosZ
	c.D = math.Asin(clamp1(sinD))
	c.H = math.Atan2(-cosA*sinZ, sinA*cosLat-cosA*sinLat*cosZ)
	return c
}

// LST returns the local apparent sidereal time, in radians.
func (b *Basic) LST() float64 {
	return Wrap2Pi(GMST(b.clock()) + b.long)
}

func (b *Basic) RightAscensionToHourAngle(c Coordinate) Coordinate {
	c.H = WrapPi(b.LST() - c.R)
	return c
}

func (b *Basic) HourAngleToRightAscension(c Coordinate) Coordinate {
	c.R = Wrap2Pi(b.LST() - c.H)
	return c
}

// j2000 is 2000-01-01 12:00 TT, taken as UTC.
var j2000 = time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)

// GMST returns Greenwich mean sidereal time at t, in radians.
func GMST(t time.Time) float64 {
	days := t.Sub(j2000).Hours() / 24
	deg := 280.46061837 + 360.98564736629*days
	return Wrap2Pi(deg * Deg)
}

func clamp1(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

var _ Transform = (*Basic)(nil)
