// Package servo drives a Feetech STS/SCS bus servo as a mount axis motor.
//
// The servo is a position device: the step model advances every tick and
// the resulting position is written as the goal position. One model step is
// one servo count (4096 per output revolution on STS servos).
package servo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/MountGo/internal/debug"
	"github.com/cjeanneret/MountGo/internal/hw/motor"
	"github.com/hipsterbrown/feetech-servo/feetech"
)

const (
	// CountsPerRev is the STS position resolution.
	CountsPerRev = 4096
	maxCount     = CountsPerRev - 1

	ioTimeout = 50 * time.Millisecond
)

// Group is the servo bus as seen by the motor, keyed by servo ID.
type Group interface {
	Positions(ctx context.Context) (map[int]int, error)
	SetPositions(ctx context.Context, positions map[int]int) error
	EnableAll(ctx context.Context) error
	DisableAll(ctx context.Context) error
}

// busGroup adapts a feetech.ServoGroup to Group.
type busGroup struct {
	group *feetech.ServoGroup
}

func (b busGroup) Positions(ctx context.Context) (map[int]int, error) {
	raw, err := b.group.Positions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int]int, len(raw))
	for id, v := range raw {
		out[id] = int(v)
	}
	return out, nil
}

func (b busGroup) SetPositions(ctx context.Context, positions map[int]int) error {
	raw := make(feetech.PositionMap, len(positions))
	for id, v := range positions {
		raw[id] = v
	}
	return b.group.SetPositions(ctx, raw)
}

func (b busGroup) EnableAll(ctx context.Context) error  { return b.group.EnableAll(ctx) }
func (b busGroup) DisableAll(ctx context.Context) error { return b.group.DisableAll(ctx) }

// Config selects the servo and where the axis zero sits in servo counts.
type Config struct {
	ID     int
	Center int // servo count at motor position 0
	Tick   time.Duration
}

// Servo is a motor.Motor over one bus servo.
type Servo struct {
	*motor.Steps

	group Group
	cfg   Config

	mu      sync.Mutex
	last    int
	written bool
	fault   bool
}

// Open connects to the bus on port and returns the servo with torque enabled.
// The returned close function releases the bus.
func Open(port string, cfg Config) (*Servo, func() error, error) {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: 1_000_000,
		Protocol: feetech.ProtocolSTS,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open servo bus %s: %w", port, err)
	}
	group := busGroup{group: feetech.NewServoGroupByIDs(bus, cfg.ID)}
	s, err := New(group, cfg)
	if err != nil {
		bus.Close()
		return nil, nil, err
	}
	return s, bus.Close, nil
}

// New reads the present position so the model starts where the servo is.
func New(group Group, cfg Config) (*Servo, error) {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Millisecond
	}
	if cfg.Center <= 0 {
		cfg.Center = CountsPerRev / 2
	}
	s := &Servo{Steps: motor.NewSteps(), group: group, cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	pos, err := group.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read servo %d position: %w", cfg.ID, err)
	}
	raw, ok := pos[cfg.ID]
	if !ok {
		return nil, fmt.Errorf("servo %d did not answer", cfg.ID)
	}
	s.ResetPositionSteps(int64(raw - cfg.Center))
	s.last = raw
	s.written = true
	if err := group.EnableAll(ctx); err != nil {
		return nil, fmt.Errorf("enable servo %d: %w", cfg.ID, err)
	}
	return s, nil
}

// Poll advances the model by one tick and writes the new goal position.
// A goal outside the servo range latches a fault.
func (s *Servo) Poll() {
	s.Advance(s.cfg.Tick, nil)

	raw := int(s.MotorPositionSteps()) + s.cfg.Center
	if s.Reversed() {
		raw = s.cfg.Center - int(s.MotorPositionSteps())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if raw < 0 || raw > maxCount {
		if !s.fault {
			debug.Info("Servo %d: goal %d outside 0..%d", s.cfg.ID, raw, maxCount)
		}
		s.fault = true
		return
	}
	if s.written && raw == s.last {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	if err := s.group.SetPositions(ctx, map[int]int{s.cfg.ID: raw}); err != nil {
		debug.Error(fmt.Errorf("write servo %d: %w", s.cfg.ID, err))
		s.fault = true
		return
	}
	s.last = raw
	s.written = true
}

// Enable switches servo torque.
func (s *Servo) Enable(on bool) {
	s.Steps.Enable(on)
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()

	var err error
	if on {
		err = s.group.EnableAll(ctx)
	} else {
		err = s.group.DisableAll(ctx)
	}
	if err != nil {
		debug.Error(fmt.Errorf("servo %d torque: %w", s.cfg.ID, err))
		s.mu.Lock()
		s.fault = true
		s.mu.Unlock()
	}
}

func (s *Servo) DriverStatus() motor.DriverStatus {
	st := s.Steps.DriverStatus()
	s.mu.Lock()
	st.Fault = s.fault
	s.mu.Unlock()
	return st
}

var _ motor.Motor = (*Servo)(nil)
