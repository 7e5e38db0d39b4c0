// Package motor defines the capability set an axis drives, and the shared
// step-counting model every motor variant builds on.
package motor

import "time"

// Direction of motion.
type Direction int

const (
	DirNone Direction = iota
	DirForward
	DirReverse
	DirBoth
)

func (d Direction) String() string {
	switch d {
	case DirForward:
		return "forward"
	case DirReverse:
		return "reverse"
	case DirBoth:
		return "both"
	default:
		return "none"
	}
}

// DriverStatus is what the driver reports about itself.
type DriverStatus struct {
	Fault      bool
	Standstill bool
	Enabled    bool
}

// Motor is the per-axis step-rate and step-position capability set.
// Positions are in steps; the instrument coordinate is the motor position
// plus an index offset set by SetInstrumentCoordinateSteps.
type Motor interface {
	// SetFrequencySteps sets the signed step rate. It is a single
	// indivisible write; step generation may read it from another goroutine.
	SetFrequencySteps(stepsPerSecond float64)
	FrequencySteps() float64

	MotorPositionSteps() int64
	IndexPositionSteps() int64
	InstrumentCoordinateSteps() int64
	TargetCoordinateSteps() int64
	TargetDistanceSteps() int64
	OriginOrTargetDistanceSteps() int64

	SetTargetCoordinateSteps(steps int64)
	SetTargetCoordinateParkSteps(steps int64, subdivisions int)
	SetInstrumentCoordinateSteps(steps int64)
	SetInstrumentCoordinateParkSteps(steps int64, subdivisions int)
	ResetPositionSteps(steps int64)
	MarkOriginCoordinateSteps()

	SetBacklashSteps(steps int64)
	BacklashSteps() int64
	SetBacklashFrequencySteps(stepsPerSecond float64)
	InBacklash() bool

	SetSynchronized(sync bool)
	SetSlewing(slewing bool)
	Direction() Direction

	Enable(on bool)
	SetReverse(reverse bool)
	DriverStatus() DriverStatus

	// Poll is called once per control tick after the new rate is applied.
	Poll()
}

// Sim is a motor with no hardware: the step model is advanced by one tick
// every Poll. Used in mock mode and in tests.
type Sim struct {
	*Steps
	tick  time.Duration
	fault bool
}

// NewSim returns a simulated motor advanced by tick on each Poll.
func NewSim(tick time.Duration) *Sim {
	return &Sim{Steps: NewSteps(), tick: tick}
}

func (s *Sim) Poll() {
	s.Advance(s.tick, nil)
}

// SetFault simulates a driver fault line.
func (s *Sim) SetFault(fault bool) {
	s.fault = fault
}

func (s *Sim) DriverStatus() DriverStatus {
	st := s.Steps.DriverStatus()
	st.Fault = s.fault
	return st
}
