package axis

import "math"

// InstrumentCoordinate returns the unwrapped axis position in measures.
func (a *Axis) InstrumentCoordinate() float64 {
	return a.fromSteps(a.motor.InstrumentCoordinateSteps())
}

// SetInstrumentCoordinate declares the current position to be v. Reading
// the coordinate back returns v exactly until the motor moves.
func (a *Axis) SetInstrumentCoordinate(v float64) {
	steps := int64(math.Round(v * a.spm))
	a.motor.SetInstrumentCoordinateSteps(steps)
	a.anchorMeasure, a.anchorSteps = v, steps
}

// SetInstrumentCoordinatePark restores the position after unpark.
func (a *Axis) SetInstrumentCoordinatePark(v float64) {
	steps := int64(math.Round(v * a.spm))
	a.motor.SetInstrumentCoordinateParkSteps(steps, a.cfg.Subdivisions)
	a.anchorMeasure, a.anchorSteps = v, steps
}

func (a *Axis) TargetCoordinate() float64 {
	return a.fromSteps(a.motor.TargetCoordinateSteps())
}

func (a *Axis) SetTargetCoordinate(v float64) {
	a.motor.SetTargetCoordinateSteps(a.toSteps(v))
}

// SetTargetCoordinatePark sets a target on a full-step boundary.
func (a *Axis) SetTargetCoordinatePark(v float64) {
	a.motor.SetTargetCoordinateParkSteps(a.toSteps(v), a.cfg.Subdivisions)
}

// ResetPosition zeroes the step counters at v.
func (a *Axis) ResetPosition(v float64) {
	steps := int64(math.Round(v * a.spm))
	a.motor.ResetPositionSteps(steps)
	a.anchorMeasure, a.anchorSteps = v, steps
}

// AtTarget reports whether the motor is on its target step.
func (a *Axis) AtTarget() bool {
	return a.motor.TargetDistanceSteps() == 0
}

func (a *Axis) fromSteps(steps int64) float64 {
	return a.anchorMeasure + float64(steps-a.anchorSteps)/a.spm
}

func (a *Axis) toSteps(v float64) int64 {
	return a.anchorSteps + int64(math.Round((v-a.anchorMeasure)*a.spm))
}

func (a *Axis) wrapPeriod() float64 {
	return a.settings.Max - a.settings.Min
}

// Wrap folds v into [Min, Max). No-op unless the axis wraps.
func (a *Axis) Wrap(v float64) float64 {
	if !a.cfg.Wrap {
		return v
	}
	w := a.wrapPeriod()
	m := math.Mod(v-a.settings.Min, w)
	if m < 0 {
		m += w
	}
	return a.settings.Min + m
}

// Unwrap places v in the same period as the current instrument position.
func (a *Axis) Unwrap(v float64) float64 {
	if !a.cfg.Wrap {
		return v
	}
	w := a.wrapPeriod()
	n := math.Floor((a.InstrumentCoordinate() - a.settings.Min) / w)
	return a.Wrap(v) + n*w
}

// UnwrapNearest returns the representation of v closest to the current
// instrument position.
func (a *Axis) UnwrapNearest(v float64) float64 {
	if !a.cfg.Wrap {
		return v
	}
	w := a.wrapPeriod()
	pos := a.InstrumentCoordinate()
	u := a.Unwrap(v)
	best := u
	for _, c := range []float64{u - w, u + w} {
		if math.Abs(c-pos) < math.Abs(best-pos) {
			best = c
		}
	}
	return best
}
