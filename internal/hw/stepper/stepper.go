// Package stepper drives a step/dir stepper driver (A4988, DRV8825, TMC in
// standalone mode) through GPIO pins.
package stepper

import (
	"context"
	"sync"
	"time"

	"github.com/cjeanneret/MountGo/internal/debug"
	"github.com/cjeanneret/MountGo/internal/hw/gpio"
	"github.com/cjeanneret/MountGo/internal/hw/motor"
)

// Config holds the hardware configuration for a step/dir motor.
type Config struct {
	StepPin   int
	DirPin    int
	EnablePin int // ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	FaultPin  int // driver fault output (BCM). 0 = not used. Active LOW.

	// PulseWidth is the STEP high time. 0 leaves the pin high only for the
	// duration of two GPIO writes, which is enough for most drivers.
	PulseWidth time.Duration
	// Period of the step generator loop. Defaults to 1ms.
	Period time.Duration
}

// Stepper is a motor.Motor whose steps are emitted as STEP/DIR pulses.
// The control tick only writes the frequency; pulses come from Run, which
// owns the pins and must be started by the caller.
type Stepper struct {
	*motor.Steps

	gpio   gpio.Driver
	cfg    Config
	period time.Duration

	pinMu  sync.Mutex
	dir    gpio.Level
	dirSet bool
}

// NewStepper creates a new step/dir motor. The driver is enabled on return.
func NewStepper(g gpio.Driver, cfg Config) *Stepper {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	period := cfg.Period
	if period <= 0 {
		period = time.Millisecond
	}

	s := &Stepper{
		Steps:  motor.NewSteps(),
		gpio:   g,
		cfg:    cfg,
		period: period,
	}

	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low)
	}
	if cfg.FaultPin > 0 {
		_ = g.SetupPin(cfg.FaultPin, gpio.InputPullUp)
	}

	return s
}

// Run generates step pulses until ctx is cancelled.
func (s *Stepper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.generate(now.Sub(last))
			last = now
		}
	}
}

// Poll is a no-op: step generation happens in Run.
func (s *Stepper) Poll() {}

func (s *Stepper) generate(dt time.Duration) int {
	return s.Advance(dt, s.pulse)
}

func (s *Stepper) pulse(forward bool) {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()

	level := gpio.Level(forward)
	if !s.dirSet || level != s.dir {
		if err := s.gpio.WritePin(s.cfg.DirPin, level); err != nil {
			debug.Error(err)
			return
		}
		s.dir = level
		s.dirSet = true
	}
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		debug.Error(err)
		return
	}
	if s.cfg.PulseWidth > 0 {
		time.Sleep(s.cfg.PulseWidth)
	}
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		debug.Error(err)
	}
}

// Enable turns the driver on (ENABLE=LOW) or off (ENABLE=HIGH, motor
// freewheels). The step model stops counting while disabled.
func (s *Stepper) Enable(on bool) {
	s.Steps.Enable(on)
	if s.cfg.EnablePin <= 0 {
		return
	}
	level := gpio.High
	if on {
		level = gpio.Low
	}
	if err := s.gpio.WritePin(s.cfg.EnablePin, level); err != nil {
		debug.Error(err)
	}
}

// DriverStatus adds the fault line, when wired, to the model status.
func (s *Stepper) DriverStatus() motor.DriverStatus {
	st := s.Steps.DriverStatus()
	if s.cfg.FaultPin > 0 {
		level, err := s.gpio.ReadPin(s.cfg.FaultPin)
		if err != nil {
			debug.Error(err)
			st.Fault = true
		} else {
			st.Fault = level == gpio.Low
		}
	}
	return st
}

var _ motor.Motor = (*Stepper)(nil)
