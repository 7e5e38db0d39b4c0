package limits

import (
	"errors"
	"testing"

	"github.com/cjeanneret/MountGo/internal/logic/cmderr"
	"github.com/cjeanneret/MountGo/internal/logic/coord"
)

func testLimits() *Limits {
	return New(Settings{
		Horizon:       -5 * coord.Deg,
		Overhead:      85 * coord.Deg,
		PastMeridianE: 10 * coord.Deg,
		PastMeridianW: 15 * coord.Deg,
	}, Range{Min: -180 * coord.Deg, Max: 180 * coord.Deg}, Range{Min: -270 * coord.Deg, Max: 270 * coord.Deg})
}

func TestValidateCoords(t *testing.T) {
	l := testLimits()
	tests := []struct {
		name string
		c    coord.Coordinate
		want error
	}{
		{"well above horizon", coord.Coordinate{A: 40 * coord.Deg, D: 20 * coord.Deg}, nil},
		{"at horizon limit", coord.Coordinate{A: -5 * coord.Deg}, nil},
		{"below horizon", coord.Coordinate{A: -6 * coord.Deg}, cmderr.ErrBelowHorizon},
		{"above overhead", coord.Coordinate{A: 86 * coord.Deg}, cmderr.ErrAboveOverhead},
		{"declination out of range", coord.Coordinate{A: 10 * coord.Deg, D: 91 * coord.Deg}, cmderr.ErrOutsideLimits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.ValidateCoords(tt.c)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
			if cmderr.KindOf(err) != cmderr.KindGeometric {
				t.Errorf("kind = %s, want geometric", cmderr.KindOf(err))
			}
		})
	}
}

func TestMeridianOK(t *testing.T) {
	l := testLimits()
	tests := []struct {
		name string
		h    float64
		side coord.PierSide
		want bool
	}{
		{"east side, west sky", 60 * coord.Deg, coord.PierSideEast, true},
		{"east side, inside tolerance", -9 * coord.Deg, coord.PierSideEast, true},
		{"east side, past tolerance", -11 * coord.Deg, coord.PierSideEast, false},
		{"west side, east sky", -80 * coord.Deg, coord.PierSideWest, true},
		{"west side, inside tolerance", 14 * coord.Deg, coord.PierSideWest, true},
		{"west side, past tolerance", 16 * coord.Deg, coord.PierSideWest, false},
		{"folded representation", (360 - 80) * coord.Deg, coord.PierSideWest, true},
		{"no pier side", 170 * coord.Deg, coord.PierSideNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := l.MeridianOK(tt.h, tt.side); got != tt.want {
				t.Errorf("MeridianOK(%v°, %s) = %v, want %v", tt.h/coord.Deg, tt.side, got, tt.want)
			}
		})
	}
}

func TestInAxisRange(t *testing.T) {
	l := testLimits()
	if !l.InAxisRange(170*coord.Deg, 250*coord.Deg) {
		t.Error("expected in range")
	}
	if l.InAxisRange(181*coord.Deg, 0) {
		t.Error("axis 1 past max should be out of range")
	}
	if l.InAxisRange(0, -271*coord.Deg) {
		t.Error("axis 2 past min should be out of range")
	}
}

func TestSetAxisRange(t *testing.T) {
	l := testLimits()
	l.SetAxisRange(1, Range{Min: -10 * coord.Deg, Max: 10 * coord.Deg})
	l.SetAxisRange(3, Range{})
	if l.InAxisRange(20*coord.Deg, 0) {
		t.Error("axis 1 should use the new range")
	}
	if !l.InAxisRange(5*coord.Deg, 250*coord.Deg) {
		t.Error("axis 2 range should be unchanged")
	}
}

func TestPastMeridianWest(t *testing.T) {
	l := testLimits()
	if !l.PastMeridianWest(coord.Coordinate{H: 16 * coord.Deg, PierSide: coord.PierSideWest}) {
		t.Error("west side at 16° should be past the limit")
	}
	if l.PastMeridianWest(coord.Coordinate{H: 16 * coord.Deg, PierSide: coord.PierSideEast}) {
		t.Error("east side never trips the west limit")
	}
	if l.PastMeridianWest(coord.Coordinate{H: 5 * coord.Deg, PierSide: coord.PierSideWest}) {
		t.Error("west side at 5° is inside the limit")
	}
}
