package axis

import (
	"time"

	"github.com/cjeanneret/MountGo/internal/debug"
	"github.com/cjeanneret/MountGo/internal/hw/motor"
	"github.com/cjeanneret/MountGo/internal/hw/sense"
	"github.com/cjeanneret/MountGo/internal/logic/cmderr"
)

// homingDivisor is the rate reduction between homing stages, and the boost
// applied once when the slow stage misses the switch.
const homingDivisor = 6

// AutoSlewHome finds the home switch edge in three stages of decreasing
// speed. A timeout <= 0 is derived from the home distance limit and the slew
// rate of each stage.
func (a *Axis) AutoSlewHome(timeout time.Duration) error {
	if a.homeSense == sense.None {
		return cmderr.ErrNoHomeSense
	}
	if !a.enabled {
		return cmderr.ErrInStandby
	}
	if a.autoRate != AutoRateNone || a.homing != HomingNone {
		return cmderr.ErrInMotion
	}
	if !(a.slewFreq > 0) {
		return cmderr.ErrInvalidArgument
	}

	a.homingSlewFreq = a.slewFreq
	a.homingAuto = timeout <= 0
	a.homingTimeout = timeout
	a.homingBoosted = false
	a.homed = false
	a.lastError = nil
	a.homing = HomingFast
	debug.Axis(a.cfg.Name, "homing started")
	a.startHomingStage()
	return nil
}

func (a *Axis) startHomingStage() {
	if a.homingAuto {
		secs := 1.2 * a.cfg.HomeDistanceLimit / a.slewFreq
		a.homingTimeout = time.Duration(secs * float64(time.Second))
	}

	on := a.sense.IsOn(a.homeSense)
	// toward the switch while it is off, away from it once on
	forward := !on
	if a.cfg.Pins.HomeReverse {
		forward = !forward
	}
	dir := motor.DirReverse
	if forward {
		dir = motor.DirForward
	}

	a.homingStartOn = on
	a.homingSeen = false
	a.homingDeadline = a.clock().Add(a.homingTimeout)
	a.baseFreq = 0
	a.startSlew(dir)
	debug.Axis(a.cfg.Name, "homing %s stage %s at %.6f/s, timeout %v", a.homing, dir, a.slewFreq, a.homingTimeout)
}

// homingStageDone runs when a homing stage has come to a stop.
func (a *Axis) homingStageDone() {
	switch {
	case a.homingSeen && a.homing == HomingFine:
		a.homing = HomingNone
		a.slewFreq = a.homingSlewFreq
		a.homed = true
		debug.Axis(a.cfg.Name, "homing done at %.6f", a.InstrumentCoordinate())
	case a.homingSeen:
		a.homing++
		a.slewFreq /= homingDivisor
		a.startHomingStage()
	case a.homing == HomingSlow && !a.homingBoosted:
		a.homingBoosted = true
		a.slewFreq *= homingDivisor
		debug.Axis(a.cfg.Name, "slow stage missed the switch, retrying faster")
		a.startHomingStage()
	default:
		debug.Axis(a.cfg.Name, "homing failed in %s stage", a.homing)
		a.homing = HomingNone
		a.slewFreq = a.homingSlewFreq
		a.lastError = cmderr.ErrHomingFailed
	}
}
