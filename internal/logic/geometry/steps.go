// Package geometry derives the step scale of each axis from its drive train.
package geometry

import (
	"math"

	"github.com/cjeanneret/MountGo/internal/config"
)

// servoCountsPerRev is the Feetech STS position resolution.
const servoCountsPerRev = 4096

// StepsCalculator converts axis angles to motor step counts.
type StepsCalculator struct {
	axis1StepsPerDegree float64
	axis2StepsPerDegree float64
}

// NewStepsCalculator creates a step calculator from configuration.
func NewStepsCalculator(cfg *config.Config) *StepsCalculator {
	return &StepsCalculator{
		axis1StepsPerDegree: StepsPerDegree(cfg.Axis1),
		axis2StepsPerDegree: StepsPerDegree(cfg.Axis2),
	}
}

// MotorStepsPerRev returns the model steps per motor turn for the axis driver.
func MotorStepsPerRev(a config.AxisConfig) float64 {
	switch a.Driver {
	case config.DriverServo:
		return servoCountsPerRev
	case config.DriverODrive:
		return float64(a.ODrive.StepsPerTurn)
	default:
		return float64(a.StepsPerRev * a.Microstepping)
	}
}

// StepsPerDegree returns the steps for one degree of axis rotation.
func StepsPerDegree(a config.AxisConfig) float64 {
	return MotorStepsPerRev(a) * a.GearRatio / 360.0
}

// Subdivisions returns the microsteps per full step. A parked motor is
// stopped on a multiple of it.
func Subdivisions(a config.AxisConfig) int {
	switch a.Driver {
	case config.DriverServo, config.DriverODrive:
		return 1
	}
	if a.Microstepping < 1 {
		return 1
	}
	return a.Microstepping
}

// Axis1StepsPerRadian returns the axis 1 scale in steps per radian.
func (s *StepsCalculator) Axis1StepsPerRadian() float64 {
	return s.axis1StepsPerDegree * 180 / math.Pi
}

// Axis2StepsPerRadian returns the axis 2 scale in steps per radian.
func (s *StepsCalculator) Axis2StepsPerRadian() float64 {
	return s.axis2StepsPerDegree * 180 / math.Pi
}

// Axis1StepsFromAngle converts an axis 1 angle (in degrees) to motor steps.
func (s *StepsCalculator) Axis1StepsFromAngle(angleDegrees float64) int64 {
	return int64(math.Round(angleDegrees * s.axis1StepsPerDegree))
}

// Axis2StepsFromAngle converts an axis 2 angle (in degrees) to motor steps.
func (s *StepsCalculator) Axis2StepsFromAngle(angleDegrees float64) int64 {
	return int64(math.Round(angleDegrees * s.axis2StepsPerDegree))
}

// SlewRateDegPerSec converts a rate given as microseconds per axis 1 step to
// degrees per second.
func (s *StepsCalculator) SlewRateDegPerSec(usPerStep float64) float64 {
	if usPerStep <= 0 || s.axis1StepsPerDegree <= 0 {
		return 0
	}
	return 1e6 / usPerStep / s.axis1StepsPerDegree
}
