package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/MountGo/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver drives BCM pins through /dev/gpiomem with go-rpio.
// The step generator writes pins from its own goroutine while the control
// loop reads switches, so the pin table is guarded.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
}

// NewRPiRealDriver maps the GPIO registers. Requires a Raspberry Pi with
// access to /dev/gpiomem, or root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing GPIO driver (go-rpio)")
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open gpiomem: %w (are you running on a Raspberry Pi?)", err)
	}
	return &RPiDriver{pins: make(map[int]rpio.Pin)}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setupLocked(pin, mode)
}

func (r *RPiDriver) setupLocked(pin int, mode PinMode) error {
	p := rpio.Pin(pin)
	switch mode {
	case Output:
		p.Output()
	case Input:
		p.Input()
		p.PullOff()
	case InputPullUp:
		p.Input()
		p.PullUp()
	case InputPullDown:
		p.Input()
		p.PullDown()
	default:
		return fmt.Errorf("pin %d: unknown mode %d", pin, mode)
	}
	r.pins[pin] = p
	return nil
}

// pin returns a configured pin, setting it up in mode on first use.
func (r *RPiDriver) pin(n int, mode PinMode) (rpio.Pin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pins[n]; ok {
		return p, nil
	}
	if err := r.setupLocked(n, mode); err != nil {
		return 0, err
	}
	return r.pins[n], nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	p, err := r.pin(pin, Output)
	if err != nil {
		return err
	}
	p.Write(rpio.State(boolState(level)))
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	p, err := r.pin(pin, Input)
	if err != nil {
		return Low, err
	}
	return Level(p.Read() == rpio.High), nil
}

// Close returns every used pin to a floating input, so step/dir drivers
// see their enable line released, and unmaps the registers.
func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (go-rpio)")
	r.mu.Lock()
	defer r.mu.Unlock()
	for n, p := range r.pins {
		p.Input()
		p.PullOff()
		delete(r.pins, n)
	}
	return rpio.Close()
}

func boolState(l Level) uint8 {
	if l {
		return 1
	}
	return 0
}
