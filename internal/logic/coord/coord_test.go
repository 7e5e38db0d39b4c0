package coord

import (
	"math"
	"testing"
	"time"
)

const eps = 1e-9

func near(a, b float64) bool { return math.Abs(a-b) < eps }

func fixedClock(t time.Time) Clock { return func() time.Time { return t } }

func TestWrapPi(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, 0},
		{Deg180, Deg180},
		{-Deg180, Deg180},
		{Deg360 + Deg90, Deg90},
		{-Deg90 - Deg360, -Deg90},
	}
	for _, tc := range cases {
		if got := WrapPi(tc.in); !near(got, tc.want) {
			t.Errorf("WrapPi(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestWrap2Pi(t *testing.T) {
	if got := Wrap2Pi(-Deg90); !near(got, 3*Deg90) {
		t.Errorf("Wrap2Pi(-90°) = %v°", got/Deg)
	}
	if got := Wrap2Pi(Deg360); !near(got, 0) {
		t.Errorf("Wrap2Pi(360°) = %v°", got/Deg)
	}
}

func TestPierSideOther(t *testing.T) {
	if PierSideEast.Other() != PierSideWest || PierSideWest.Other() != PierSideEast {
		t.Error("Other should swap east and west")
	}
	if PierSideNone.Other() != PierSideNone {
		t.Error("Other(None) should be None")
	}
}

func TestParseMountType(t *testing.T) {
	for s, want := range map[string]MountType{"gem": MountGEM, "": MountGEM, "fork": MountFork, "altaz": MountAltAz} {
		got, err := ParseMountType(s)
		if err != nil || got != want {
			t.Errorf("ParseMountType(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := ParseMountType("dob"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestEquToHor_KnownPositions(t *testing.T) {
	lat := 45 * Deg
	b := NewBasic(MountGEM, lat, 0, nil)

	// On the meridian at dec = latitude: zenith.
	c := b.EquToHor(Coordinate{H: 0, D: lat})
	if !near(c.A, Deg90) {
		t.Errorf("zenith altitude = %v°, want 90°", c.A/Deg)
	}

	// The celestial pole sits at altitude = latitude, azimuth north.
	c = b.EquToHor(Coordinate{H: 1.234, D: Deg90})
	if !near(c.A, lat) || !near(WrapPi(c.Z), 0) {
		t.Errorf("pole at Alt %v° Az %v°, want %v° / 0°", c.A/Deg, c.Z/Deg, lat/Deg)
	}

	// Equator, 6h east of the meridian: rising due east on the horizon.
	c = b.EquToHor(Coordinate{H: -Deg90, D: 0})
	if !near(c.A, 0) || !near(c.Z, Deg90) {
		t.Errorf("east point at Alt %v° Az %v°, want 0° / 90°", c.A/Deg, c.Z/Deg)
	}
}

func TestHorToEqu_RoundTrip(t *testing.T) {
	for _, lat := range []float64{-35 * Deg, 0.5 * Deg, 52 * Deg} {
		b := NewBasic(MountGEM, lat, 0, nil)
		for _, h := range []float64{-150 * Deg, -45 * Deg, 10 * Deg, 120 * Deg} {
			for _, d := range []float64{-60 * Deg, 0, 30 * Deg, 80 * Deg} {
				in := Coordinate{H: h, D: d}
				out := b.HorToEqu(b.EquToHor(in))
				if !near(WrapPi(out.H-h), 0) || !near(out.D, d) {
					t.Errorf("lat %v°: (%v°, %v°) -> (%v°, %v°)", lat/Deg, h/Deg, d/Deg, out.H/Deg, out.D/Deg)
				}
			}
		}
	}
}

func TestMountToInstrument_GEMSides(t *testing.T) {
	b := NewBasic(MountGEM, 40*Deg, 0, nil)

	a1, a2 := b.MountToInstrument(Coordinate{H: 30 * Deg, D: 20 * Deg, PierSide: PierSideEast})
	if !near(a1, 30*Deg) || !near(a2, 20*Deg) {
		t.Errorf("east side: a1=%v° a2=%v°", a1/Deg, a2/Deg)
	}

	a1, a2 = b.MountToInstrument(Coordinate{H: -30 * Deg, D: 20 * Deg, PierSide: PierSideWest})
	if !near(a1, 150*Deg) || !near(a2, 160*Deg) {
		t.Errorf("west side: a1=%v° a2=%v°, want 150° 160°", a1/Deg, a2/Deg)
	}
}

func TestInstrumentToMount_RoundTrip(t *testing.T) {
	clock := fixedClock(time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC))
	for _, lat := range []float64{48 * Deg, -30 * Deg} {
		b := NewBasic(MountGEM, lat, 7*Deg, clock)
		for _, side := range []PierSide{PierSideEast, PierSideWest} {
			in := Coordinate{H: -20 * Deg, D: 35 * Deg, PierSide: side}
			a1, a2 := b.MountToInstrument(in)
			out := b.InstrumentToMount(a1, a2)
			if out.PierSide != side {
				t.Errorf("lat %v° %s: pier side %s", lat/Deg, side, out.PierSide)
			}
			if !near(out.H, in.H) || !near(out.D, in.D) {
				t.Errorf("lat %v° %s: got HA %v° Dec %v°", lat/Deg, side, out.H/Deg, out.D/Deg)
			}
			if out.A1 != a1 || out.A2 != a2 {
				t.Errorf("instrument angles not carried: %v %v", out.A1, out.A2)
			}
		}
	}
}

func TestInstrumentToMount_ForkHasNoWestSide(t *testing.T) {
	b := NewBasic(MountFork, 40*Deg, 0, nil)
	c := b.InstrumentToMount(10*Deg, 95*Deg)
	if c.PierSide != PierSideEast {
		t.Errorf("fork pier side = %s, want east", c.PierSide)
	}
	if b.MeridianFlips() {
		t.Error("fork mounts do not flip")
	}
}

func TestInstrumentToMount_AltAz(t *testing.T) {
	b := NewBasic(MountAltAz, 40*Deg, 0, nil)
	c := b.InstrumentToMount(90*Deg, 30*Deg)
	if !near(c.Z, 90*Deg) || !near(c.A, 30*Deg) {
		t.Errorf("altaz Z/A = %v°/%v°", c.Z/Deg, c.A/Deg)
	}
	a1, a2 := b.MountToInstrument(c)
	if !near(a1, 90*Deg) || !near(a2, 30*Deg) {
		t.Errorf("altaz a1/a2 = %v°/%v°", a1/Deg, a2/Deg)
	}
}

func TestGMST_J2000(t *testing.T) {
	if got := GMST(j2000); !near(got, 280.46061837*Deg) {
		t.Errorf("GMST(J2000) = %v°, want 280.46061837°", got/Deg)
	}
}

func TestHourAngleRightAscension_Inverse(t *testing.T) {
	b := NewBasic(MountGEM, 40*Deg, -71*Deg, fixedClock(time.Date(2026, 10, 16, 3, 30, 0, 0, time.UTC)))
	c := b.RightAscensionToHourAngle(Coordinate{R: 5.5 * 15 * Deg})
	c2 := b.HourAngleToRightAscension(Coordinate{H: c.H})
	if !near(c2.R, 5.5*15*Deg) {
		t.Errorf("RA round trip = %v°, want %v°", c2.R/Deg, 5.5*15)
	}
}

func TestSyncAndResetAlignment(t *testing.T) {
	b := NewBasic(MountGEM, 40*Deg, 0, nil)
	native := Coordinate{H: 10 * Deg, D: 20 * Deg}
	mount := Coordinate{H: 10.5 * Deg, D: 19.8 * Deg}
	b.Sync(native, mount)
	if !b.Aligned() {
		t.Error("should be aligned after Sync")
	}

	got := b.NativeToMount(native)
	if !near(got.H, mount.H) || !near(got.D, mount.D) {
		t.Errorf("NativeToMount = %v", got)
	}
	back := b.MountToNative(got)
	if !near(back.H, native.H) || !near(back.D, native.D) {
		t.Errorf("MountToNative = %v", back)
	}

	b.ResetAlignment()
	if b.Aligned() {
		t.Error("ResetAlignment should clear the model")
	}
	got = b.NativeToMount(native)
	if !near(got.H, native.H) {
		t.Errorf("after reset NativeToMount HA = %v°", got.H/Deg)
	}
}
