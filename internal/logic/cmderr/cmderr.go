// Package cmderr holds the typed results of mount commands.
package cmderr

import "errors"

// Kind groups command errors by how the caller should react.
type Kind int

const (
	KindNone Kind = iota
	// KindPrecondition: the mount is not in a state that accepts the command.
	KindPrecondition
	// KindGeometric: the target is outside travel or pointing limits.
	KindGeometric
	// KindMotion: a limit was hit while moving; the motion was aborted.
	KindMotion
	// KindHardware: the driver reported a fault. Needs intervention.
	KindHardware
)

func (k Kind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindGeometric:
		return "geometric"
	case KindMotion:
		return "motion"
	case KindHardware:
		return "hardware"
	default:
		return "none"
	}
}

// Error is a command error of a given kind. Compare with errors.Is against
// the sentinels below.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newError(k Kind, msg string) *Error {
	return &Error{Kind: k, msg: msg}
}

var (
	ErrInStandby       = newError(KindPrecondition, "axis in standby")
	ErrInMotion        = newError(KindPrecondition, "already in motion")
	ErrInPark          = newError(KindPrecondition, "mount is parked")
	ErrNotParked       = newError(KindPrecondition, "mount is not parked")
	ErrNoHomeSense     = newError(KindPrecondition, "no home sense configured")
	ErrInvalidArgument = newError(KindPrecondition, "invalid argument")
	ErrNotSupported    = newError(KindPrecondition, "not supported by this mount")
	ErrInvalidSettings = newError(KindPrecondition, "invalid settings")

	ErrOutsideLimits = newError(KindGeometric, "outside limits")
	ErrBelowHorizon  = newError(KindGeometric, "below horizon limit")
	ErrAboveOverhead = newError(KindGeometric, "above overhead limit")

	ErrLimitSensed   = newError(KindMotion, "limit switch sensed")
	ErrSoftLimit     = newError(KindMotion, "soft limit exceeded")
	ErrHomingFailed  = newError(KindMotion, "homing failed")
	ErrGotoAborted   = newError(KindMotion, "goto aborted")
	ErrMeridianLimit = newError(KindMotion, "meridian limit reached")

	ErrHardwareFault = newError(KindHardware, "motor driver fault")
)

// KindOf returns the kind of the first *Error in err's chain, or KindNone.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}
