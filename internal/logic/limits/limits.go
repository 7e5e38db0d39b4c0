// Package limits checks pointing positions against the horizon, overhead,
// meridian and axis travel limits.
package limits

import (
	"fmt"

	"github.com/cjeanneret/MountGo/internal/logic/cmderr"
	"github.com/cjeanneret/MountGo/internal/logic/coord"
)

// Settings are the pointing limits, in radians.
type Settings struct {
	Horizon  float64
	Overhead float64

	// How far past the meridian each pier side may go before it must flip.
	PastMeridianE float64
	PastMeridianW float64
}

// Range is an axis travel range in instrument coordinates.
type Range struct {
	Min, Max float64
}

// Contains reports whether v is inside the range, bounds included.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Limits validates coordinates for one mount.
type Limits struct {
	settings Settings
	axis1    Range
	axis2    Range
}

func New(s Settings, axis1, axis2 Range) *Limits {
	return &Limits{settings: s, axis1: axis1, axis2: axis2}
}

func (l *Limits) Settings() Settings { return l.settings }

func (l *Limits) SetSettings(s Settings) { l.settings = s }

func (l *Limits) Axis1() Range { return l.axis1 }

func (l *Limits) Axis2() Range { return l.axis2 }

// SetAxisRange replaces the travel range of axis n (1 or 2).
func (l *Limits) SetAxisRange(n int, r Range) {
	switch n {
	case 1:
		l.axis1 = r
	case 2:
		l.axis2 = r
	}
}

// ValidateCoords checks a fully populated mount coordinate against the
// altitude limits. Z and A must be filled.
func (l *Limits) ValidateCoords(c coord.Coordinate) error {
	if c.A < l.settings.Horizon {
		return fmt.Errorf("altitude %.2f°: %w", c.A/coord.Deg, cmderr.ErrBelowHorizon)
	}
	if c.A > l.settings.Overhead {
		return fmt.Errorf("altitude %.2f°: %w", c.A/coord.Deg, cmderr.ErrAboveOverhead)
	}
	if c.D < -coord.Deg90 || c.D > coord.Deg90 {
		return fmt.Errorf("declination %.2f°: %w", c.D/coord.Deg, cmderr.ErrOutsideLimits)
	}
	return nil
}

// InAxisRange reports whether both instrument angles are inside travel.
func (l *Limits) InAxisRange(a1, a2 float64) bool {
	return l.axis1.Contains(a1) && l.axis2.Contains(a2)
}

// MeridianOK reports whether hour angle h (any representation) may be
// reached on the given pier side. The east side covers the western sky down
// to PastMeridianE east of the meridian, the west side the eastern sky up
// to PastMeridianW past it.
func (l *Limits) MeridianOK(h float64, side coord.PierSide) bool {
	h = coord.WrapPi(h)
	switch side {
	case coord.PierSideEast:
		return h >= -l.settings.PastMeridianE
	case coord.PierSideWest:
		return h <= l.settings.PastMeridianW
	}
	return true
}

// PastMeridianWest reports whether a coordinate tracked on the west side
// has crossed the west past-meridian limit.
func (l *Limits) PastMeridianWest(c coord.Coordinate) bool {
	return c.PierSide == coord.PierSideWest && coord.WrapPi(c.H) > l.settings.PastMeridianW
}
