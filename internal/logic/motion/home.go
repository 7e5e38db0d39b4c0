package motion

import (
	"fmt"

	"github.com/cjeanneret/MountGo/internal/debug"
	"github.com/cjeanneret/MountGo/internal/logic/cmderr"
	"github.com/cjeanneret/MountGo/internal/logic/coord"
)

// homeCreepRate is the slew rate left on both axes after a reset.
const homeCreepRate = 0.1 * coord.Deg

// Home re-anchors the axes at the home position.
type Home struct {
	m *Mount

	// coordinate is the home position, A1/A2 are its instrument angles.
	coordinate coord.Coordinate

	guided      bool // both axes running AutoSlewHome
	tangent     bool // axis 1 alone moving home
	resetAfter  bool
	wasTracking bool
	lastError   error
}

func newHome(m *Mount) *Home {
	return &Home{m: m}
}

// init derives the home coordinate from the mount type and the hemisphere,
// then applies configured axis angles.
func (h *Home) init() {
	t := h.m.transform
	north := t.Latitude() >= 0
	pole := 90 * coord.Deg
	if !north {
		pole = -pole
	}

	var a1, a2 float64
	switch t.MountType() {
	case coord.MountGEM:
		// counterweight down, tube on the pole, east of the pier
		a1, a2 = 90*coord.Deg, pole
	case coord.MountFork:
		a1, a2 = 0, pole
	default:
		// level, facing the pole
		if !north {
			a1 = 180 * coord.Deg
		}
		a2 = 0
	}
	if v := h.m.cfg.HomeAxis1; v != nil {
		a1 = *v
	}
	if v := h.m.cfg.HomeAxis2; v != nil {
		a2 = *v
	}
	h.coordinate = t.InstrumentToMount(a1, a2)
	debug.Verbose("Home at axis1 %.4f° axis2 %.4f°", a1/coord.Deg, a2/coord.Deg)
}

// Coordinate returns the home position.
func (h *Home) Coordinate() coord.Coordinate { return h.coordinate }

// Request moves the mount home. With home switches on both axes, each axis
// finds its switch; otherwise the mount goes to the computed home position.
// With resetAfter set, the positions are re-anchored on arrival.
func (h *Home) Request(resetAfter bool) error {
	m := h.m
	if m.gt.state != StateNone || h.Active() {
		return cmderr.ErrInMotion
	}
	if m.parked {
		return cmderr.ErrInPark
	}

	h.wasTracking = m.tracking
	h.resetAfter = resetAfter
	h.lastError = nil

	switch {
	case m.axis1.HasHomeSense() && m.axis2.HasHomeSense():
		for _, a := range m.axes() {
			if a.Fault() {
				return cmderr.ErrHardwareFault
			}
			if a.IsSlewing() {
				return cmderr.ErrInMotion
			}
		}
		rate := m.gotoRate()
		m.setTracking(false)
		for _, a := range m.axes() {
			a.SetFrequencySlew(rate)
			if err := a.AutoSlewHome(0); err != nil {
				m.axis1.AutoSlewAbort()
				m.axis2.AutoSlewAbort()
				h.restoreTracking()
				return fmt.Errorf("%s: %w", a.Name(), err)
			}
		}
		h.guided = true
		m.atHome = false
		debug.Info("Homing on switches")

	case m.cfg.TangentArm:
		a := m.axis1
		if a.IsSlewing() {
			return cmderr.ErrInMotion
		}
		a.SetTargetCoordinate(h.coordinate.A1)
		if !a.AtTarget() {
			if err := a.AutoGoto(m.cfg.AccelDistance, m.gotoRate()); err != nil {
				return err
			}
		}
		m.setTracking(false)
		h.tangent = true
		m.atHome = false
		debug.Info("Homing axis 1")

	default:
		target := coord.Coordinate{H: h.coordinate.H, D: h.coordinate.D}
		if err := m.gt.request(target, PierSideEastOnly, PurposeHome); err != nil {
			return err
		}
		m.setTracking(false)
		debug.Info("Goto home")
	}
	return nil
}

// Reset declares the current position to be home.
func (h *Home) Reset(full bool) error {
	m := h.m
	if m.gt.state != StateNone || m.guiding {
		return cmderr.ErrInMotion
	}
	for _, a := range m.axes() {
		if a.IsSlewing() {
			return cmderr.ErrInMotion
		}
	}

	h.init()
	m.setTracking(false)
	for i, a := range m.axes() {
		v := h.coordinate.A1
		if i == 1 {
			v = h.coordinate.A2
		}
		a.ResetPosition(0)
		a.SetInstrumentCoordinate(v)
		a.ApplyBacklash()
		a.SetFrequencySlew(homeCreepRate)
	}
	if full {
		m.Enable(false)
		m.transform.ResetAlignment()
	}
	m.atHome = true
	debug.Info("Reset at home %s", h.coordinate)
	return nil
}

// Active reports whether a home request is still moving.
func (h *Home) Active() bool {
	return h.guided || h.tangent || (h.m.gt.state != StateNone && h.m.gt.purpose == PurposeHome)
}

func (h *Home) abort() {
	if !h.guided && !h.tangent {
		return
	}
	if h.guided {
		h.m.axis1.AutoSlewAbort()
		h.m.axis2.AutoSlewAbort()
	} else {
		h.m.axis1.AutoSlewAbort()
	}
	h.guided, h.tangent = false, false
	h.lastError = cmderr.ErrGotoAborted
	h.restoreTracking()
	debug.Info("Homing aborted")
}

// poll follows switch and tangent-arm homing to completion.
func (h *Home) poll() {
	m := h.m
	switch {
	case h.guided:
		if m.axis1.IsHoming() || m.axis2.IsHoming() || m.axis1.IsSlewing() || m.axis2.IsSlewing() {
			return
		}
		h.guided = false
		for _, a := range m.axes() {
			if !a.Homed() {
				h.fail(a.LastError())
				return
			}
		}
		if err := h.Reset(false); err != nil {
			h.fail(err)
		}

	case h.tangent:
		if m.axis1.IsSlewing() {
			return
		}
		h.tangent = false
		if err := m.axis1.LastError(); err != nil {
			h.fail(err)
			return
		}
		h.arrived()
	}
}

func (h *Home) fail(err error) {
	if err == nil {
		err = cmderr.ErrHomingFailed
	}
	h.lastError = err
	h.restoreTracking()
	debug.Info("Homing failed: %v", err)
}

// arrived marks the mount at home, re-anchoring if asked to.
func (h *Home) arrived() {
	if h.resetAfter {
		if err := h.Reset(false); err != nil {
			h.fail(err)
		}
		return
	}
	h.m.atHome = true
	debug.Info("At home")
}

// gotoDone is called by Goto when a home goto ends.
func (h *Home) gotoDone(success bool) {
	if !success {
		h.fail(h.m.gt.lastError)
		return
	}
	h.arrived()
}

func (h *Home) restoreTracking() {
	if h.wasTracking && !h.m.parked {
		h.m.setTracking(true)
	}
	h.wasTracking = false
}

func (h *Home) LastError() error { return h.lastError }
