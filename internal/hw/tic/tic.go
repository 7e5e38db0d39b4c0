// Package tic drives a Pololu Tic stepper controller over I²C.
//
// The Tic runs its own step generator. The model position is sent as the
// Tic target position whenever it changes, and the command timeout is fed
// every tick so the Tic stops if the control loop dies.
package tic

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/MountGo/internal/debug"
	"github.com/cjeanneret/MountGo/internal/hw/motor"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/tic"
	"periph.io/x/host/v3"
)

// statusPollEvery spaces the error status reads, in ticks.
const statusPollEvery = 40

// Device is the part of *tic.Dev the motor uses.
type Device interface {
	SetTargetPosition(position int32) error
	GetCurrentPosition() (int32, error)
	ResetCommandTimeout() error
	Energize() error
	Deenergize() error
	ExitSafeStart() error
	GetErrorStatus() (uint16, error)
}

// Config for one Tic.
type Config struct {
	Bus     string // I²C bus name, "" for the first one
	Addr    uint16 // 0 = tic.I2CAddr
	Variant string // e.g. "Tic T825"
	Tick    time.Duration
}

// Tic is a motor.Motor over a Tic controller in position mode.
type Tic struct {
	*motor.Steps

	dev  Device
	tick time.Duration

	mu      sync.Mutex
	last    int32
	written bool
	ticks   int
	fault   bool
}

// Open initialises periph, opens the I²C bus and the Tic on it.
// The returned close function releases the bus.
func Open(cfg Config) (*Tic, func() error, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("periph init: %w", err)
	}
	bus, err := i2creg.Open(cfg.Bus)
	if err != nil {
		return nil, nil, fmt.Errorf("open i2c bus %q: %w", cfg.Bus, err)
	}
	addr := cfg.Addr
	if addr == 0 {
		addr = tic.I2CAddr
	}
	variant := tic.Variant(cfg.Variant)
	if cfg.Variant == "" {
		variant = tic.TicT825
	}
	dev, err := tic.NewI2C(bus, variant, addr)
	if err != nil {
		bus.Close()
		return nil, nil, fmt.Errorf("open tic at 0x%02x: %w", addr, err)
	}
	t, err := New(dev, cfg.Tick)
	if err != nil {
		bus.Close()
		return nil, nil, err
	}
	return t, bus.Close, nil
}

// New starts the model at the Tic's current position and energizes it.
func New(dev Device, tick time.Duration) (*Tic, error) {
	if tick <= 0 {
		tick = 5 * time.Millisecond
	}
	pos, err := dev.GetCurrentPosition()
	if err != nil {
		return nil, fmt.Errorf("read tic position: %w", err)
	}
	if err := dev.ExitSafeStart(); err != nil {
		return nil, fmt.Errorf("tic exit safe start: %w", err)
	}
	if err := dev.Energize(); err != nil {
		return nil, fmt.Errorf("tic energize: %w", err)
	}
	t := &Tic{Steps: motor.NewSteps(), dev: dev, tick: tick, last: pos, written: true}
	t.ResetPositionSteps(int64(pos))
	return t, nil
}

func (t *Tic) Poll() {
	t.Advance(t.tick, nil)
	pos := int32(t.MotorPositionSteps())
	if t.Reversed() {
		pos = -pos
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.dev.ResetCommandTimeout(); err != nil {
		t.failLocked(fmt.Errorf("tic command timeout reset: %w", err))
		return
	}
	if !t.written || pos != t.last {
		debug.Frame("tic", ">", fmt.Sprintf("target %d", pos))
		if err := t.dev.SetTargetPosition(pos); err != nil {
			t.failLocked(fmt.Errorf("tic target position: %w", err))
			return
		}
		t.last = pos
		t.written = true
	}

	t.ticks++
	if t.ticks%statusPollEvery == 0 {
		st, err := t.dev.GetErrorStatus()
		if err != nil {
			t.failLocked(fmt.Errorf("tic error status: %w", err))
			return
		}
		if st != 0 && !t.fault {
			debug.Info("Tic: error status 0x%04x", st)
		}
		t.fault = st != 0
	}
}

func (t *Tic) failLocked(err error) {
	debug.Error(err)
	t.fault = true
}

// Enable energizes or de-energizes the Tic.
func (t *Tic) Enable(on bool) {
	t.Steps.Enable(on)
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	if on {
		if err = t.dev.ExitSafeStart(); err == nil {
			err = t.dev.Energize()
		}
	} else {
		err = t.dev.Deenergize()
	}
	if err != nil {
		t.failLocked(fmt.Errorf("tic enable: %w", err))
	}
}

func (t *Tic) DriverStatus() motor.DriverStatus {
	st := t.Steps.DriverStatus()
	t.mu.Lock()
	st.Fault = t.fault
	t.mu.Unlock()
	return st
}

var _ motor.Motor = (*Tic)(nil)
