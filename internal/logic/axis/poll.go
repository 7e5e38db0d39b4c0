package axis

import (
	"fmt"
	"math"

	"github.com/cjeanneret/MountGo/internal/debug"
	"github.com/cjeanneret/MountGo/internal/hw/motor"
	"github.com/cjeanneret/MountGo/internal/logic/cmderr"
)

// stepRangeLimit is the instrument step count past which the axis refuses
// to move further, 90% of the int32 range drivers count in.
const stepRangeLimit = 0.9 * math.MaxInt32

// AutoGoto moves to the target coordinate set with SetTargetCoordinate.
// The rate rises with the distance from the origin and falls with the
// distance to the target, reaching frequency after accelDistance.
func (a *Axis) AutoGoto(accelDistance, frequency float64) error {
	if !(accelDistance > 0) || !(frequency > 0) || math.IsInf(frequency, 0) {
		return cmderr.ErrInvalidArgument
	}
	if !a.enabled {
		return cmderr.ErrInStandby
	}
	if a.autoRate != AutoRateNone || a.homing != HomingNone {
		return cmderr.ErrInMotion
	}
	if a.MotionError(motor.DirBoth) {
		return cmderr.ErrOutsideLimits
	}

	a.slewFreq = math.Min(frequency, a.maxFreq)
	a.setAccel(accelDistance)
	a.motor.SetSynchronized(false)
	a.motor.MarkOriginCoordinateSteps()
	a.motor.SetSlewing(true)
	a.freq = 0
	a.lastError = nil
	a.autoRate = AutoRateByDistance
	debug.Axis(a.cfg.Name, "goto %.6f at %.6f/s (accel %.6f/s²)", a.TargetCoordinate(), a.slewFreq, a.slewAccel)
	return nil
}

// AutoSlew ramps the rate in dir up to frequency. A frequency <= 0 keeps the
// current slew rate. Calling it again while a time slew is ramping or
// stopping resumes in the new direction.
func (a *Axis) AutoSlew(dir motor.Direction, frequency float64) error {
	if a.autoRate == AutoRateByDistance || a.autoRate == AutoRateByTimeAbort || a.homing != HomingNone {
		return cmderr.ErrInMotion
	}
	if dir != motor.DirForward && dir != motor.DirReverse {
		return cmderr.ErrInvalidArgument
	}
	if math.IsNaN(frequency) || math.IsInf(frequency, 0) {
		return cmderr.ErrInvalidArgument
	}
	if !a.enabled {
		return cmderr.ErrInStandby
	}
	if a.MotionError(dir) {
		return cmderr.ErrOutsideLimits
	}

	if frequency > 0 {
		a.slewFreq = math.Min(frequency, a.maxFreq)
	}
	a.startSlew(dir)
	debug.Axis(a.cfg.Name, "slew %s at %.6f/s", dir, a.slewFreq)
	return nil
}

func (a *Axis) startSlew(dir motor.Direction) {
	if a.autoRate == AutoRateNone {
		a.freq = a.baseFreq
		a.lastError = nil
		a.motor.SetSynchronized(true)
		a.motor.SetSlewing(true)
	}
	if dir == motor.DirForward {
		a.autoRate = AutoRateByTimeForward
	} else {
		a.autoRate = AutoRateByTimeReverse
	}
}

// AutoSlewStop decelerates to a stop at the slew acceleration.
func (a *Axis) AutoSlewStop() {
	switch a.autoRate {
	case AutoRateNone, AutoRateByTimeEnd, AutoRateByTimeAbort:
		return
	case AutoRateByDistance:
		a.leaveDistanceMode()
	}
	a.autoRate = AutoRateByTimeEnd
	debug.Axis(a.cfg.Name, "stopping")
}

// AutoSlewAbort decelerates to a stop at the abort acceleration and
// cancels homing.
func (a *Axis) AutoSlewAbort() {
	if a.homing != HomingNone {
		a.homing = HomingNone
		a.slewFreq = a.homingSlewFreq
	}
	switch a.autoRate {
	case AutoRateNone, AutoRateByTimeAbort:
		return
	case AutoRateByDistance:
		a.leaveDistanceMode()
	}
	a.autoRate = AutoRateByTimeAbort
	debug.Axis(a.cfg.Name, "aborting")
}

// leaveDistanceMode hands a goto over to the time ramp: the motor follows
// the rate again from where it is.
func (a *Axis) leaveDistanceMode() {
	a.motor.SetTargetCoordinateSteps(a.motor.InstrumentCoordinateSteps())
	a.motor.SetSynchronized(true)
}

// Poll runs one control tick.
func (a *Axis) Poll() {
	if a.motor == nil {
		return
	}

	a.senseLimits()

	if a.homing != HomingNone && (a.autoRate == AutoRateByTimeForward || a.autoRate == AutoRateByTimeReverse) {
		switch {
		case a.sense.IsOn(a.homeSense) != a.homingStartOn:
			a.homingSeen = true
			debug.Axis(a.cfg.Name, "home sense changed in %s stage", a.homing)
			a.AutoSlewStop()
		case a.clock().After(a.homingDeadline):
			debug.Axis(a.cfg.Name, "%s stage timed out", a.homing)
			a.AutoSlewStop()
		}
	}

	switch a.autoRate {
	case AutoRateByDistance:
		a.pollDistance()
	case AutoRateByTimeForward:
		a.freq = rampToward(a.freq, a.slewFreq, a.slewAccelFs)
	case AutoRateByTimeReverse:
		a.freq = rampToward(a.freq, -a.slewFreq, a.slewAccelFs)
	case AutoRateByTimeEnd:
		a.pollStop(a.slewAccelFs)
	case AutoRateByTimeAbort:
		a.pollStop(a.abortAccelFs)
	default:
		a.freq = 0
	}

	if err := a.pollMotionError(); err != nil {
		if a.autoRate == AutoRateNone {
			if a.baseFreq != 0 {
				debug.Axis(a.cfg.Name, "tracking stopped: %v", err)
				a.baseFreq = 0
				a.lastError = err
			}
		} else if a.autoRate != AutoRateByTimeAbort {
			debug.Axis(a.cfg.Name, "motion error: %v", err)
			a.lastError = err
			a.AutoSlewAbort()
		}
	}

	a.setFrequency(a.freq)
	a.motor.Poll()
}

func (a *Axis) pollDistance() {
	if a.motor.TargetDistanceSteps() == 0 {
		a.freq = 0
		a.autoRate = AutoRateNone
		a.motor.SetSynchronized(true)
		a.motor.SetSlewing(false)
		debug.Axis(a.cfg.Name, "goto done at %.6f", a.InstrumentCoordinate())
		return
	}

	d := float64(a.motor.OriginOrTargetDistanceSteps()) / a.spm
	f := math.Sqrt(2 * a.slewAccel * d)
	f = math.Max(f, a.settings.BacklashFreq/2)
	f = math.Min(f, a.slewFreq)
	if a.motor.TargetCoordinateSteps() < a.motor.InstrumentCoordinateSteps() {
		f = -f
	}
	a.freq = f
}

// pollStop decelerates by accel per tick. The rate never crosses zero.
func (a *Axis) pollStop(accel float64) {
	if math.Abs(a.freq) <= accel {
		a.freq = 0
		a.autoRate = AutoRateNone
		a.motor.SetSlewing(false)
		debug.Axis(a.cfg.Name, "stopped at %.6f", a.InstrumentCoordinate())
		if a.homing != HomingNone {
			a.homingStageDone()
		}
		return
	}
	a.freq -= math.Copysign(accel, a.freq)
}

func rampToward(f, target, accel float64) float64 {
	if f < target {
		return math.Min(f+accel, target)
	}
	if f > target {
		return math.Max(f-accel, target)
	}
	return f
}

func (a *Axis) senseLimits() {
	if a.sense == nil {
		return
	}
	a.minSensed = a.sense.IsOn(a.minSense)
	a.maxSensed = a.sense.IsOn(a.maxSense)
	a.commonMinMaxSensed = a.cfg.Pins.CommonMinMax && (a.minSensed || a.maxSensed)
}

// pollMotionError checks the direction the axis is moving in. A shared
// min/max switch stops any motion except homing.
func (a *Axis) pollMotionError() error {
	f := a.freq
	if a.autoRate == AutoRateNone {
		f = a.baseFreq
	}
	if (f > 0 && a.MotionError(motor.DirForward)) ||
		(f < 0 && a.MotionError(motor.DirReverse)) ||
		(a.commonMinMaxSensed && a.homing == HomingNone) {
		switch {
		case a.Fault():
			return cmderr.ErrHardwareFault
		case a.minSensed || a.maxSensed:
			return cmderr.ErrLimitSensed
		default:
			return fmt.Errorf("%s at %.6f: %w", a.cfg.Name, a.InstrumentCoordinate(), cmderr.ErrSoftLimit)
		}
	}
	return nil
}

// MotionError reports whether moving in dir is not allowed.
func (a *Axis) MotionError(dir motor.Direction) bool {
	if a.motor == nil {
		return false
	}
	if a.Fault() {
		return true
	}
	steps := float64(a.motor.InstrumentCoordinateSteps())
	softLimits := a.limitsCheck && a.homing == HomingNone

	if dir == motor.DirForward || dir == motor.DirBoth {
		if steps > stepRangeLimit {
			return true
		}
		if softLimits && a.InstrumentCoordinate() > a.settings.Max {
			return true
		}
		if !a.cfg.Pins.CommonMinMax && a.maxSensed {
			return true
		}
	}
	if dir == motor.DirReverse || dir == motor.DirBoth {
		if steps < -stepRangeLimit {
			return true
		}
		if softLimits && a.InstrumentCoordinate() < a.settings.Min {
			return true
		}
		if !a.cfg.Pins.CommonMinMax && a.minSensed {
			return true
		}
	}
	return false
}

// setFrequency applies the power-down policy and clamps, adds the base rate
// when no automatic rate is active, and sends the step rate to the motor.
func (a *Axis) setFrequency(f float64) {
	if !a.enabled {
		a.commanded = 0
		a.motor.SetFrequencySteps(0)
		return
	}

	if f != 0 {
		mag := math.Max(math.Abs(f), a.minFreq)
		mag = math.Min(mag, a.maxFreq)
		f = math.Copysign(mag, f)
	}
	if a.autoRate == AutoRateNone {
		f += a.baseFreq
	}
	a.powerPolicy(f)

	a.commanded = f
	a.motor.SetFrequencySteps(f * a.spm)
}

// powerPolicy switches the motor off once it has stood still for the
// power-down delay, and back on as soon as it has to move.
func (a *Axis) powerPolicy(f float64) {
	now := a.clock()
	if f != 0 || !a.cfg.PowerDown.Enabled || a.motor.TargetDistanceSteps() != 0 {
		a.standstillSince = now
		if a.poweredDown {
			a.poweredDown = false
			a.motor.Enable(true)
			debug.Axis(a.cfg.Name, "powered up")
		}
		return
	}
	if a.poweredDown || now.Before(a.overrideUntil) {
		return
	}
	if now.Sub(a.standstillSince) >= a.cfg.PowerDown.Delay {
		a.poweredDown = true
		a.motor.Enable(false)
		debug.Axis(a.cfg.Name, "powered down at standstill")
	}
}
