package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/MountGo/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "HIGH"
	}
	return "LOW"
}

// PinMode indicates whether a GPIO is input or output, and the input bias.
type PinMode int

const (
	Input PinMode = iota
	Output
	InputPullUp
	InputPullDown
)

// Driver defines the abstract interface for controlling GPIOs.
// Step/dir motors write through it, limit and home switches read through it.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// Backend names accepted by NewDriver.
const (
	BackendMock = "mock"
	BackendRPIO = "rpio"
	BackendCdev = "cdev"
)

// NewDriver creates a GPIO driver for the chosen backend.
// chip is only used by the cdev backend (e.g. "gpiochip0").
func NewDriver(backend, chip string) (Driver, error) {
	switch backend {
	case BackendMock, "":
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	case BackendRPIO:
		return NewRPiRealDriver()
	case BackendCdev:
		return NewCdevDriver(chip)
	default:
		return nil, fmt.Errorf("unknown gpio backend: %q", backend)
	}
}

// MockDriver keeps pin levels in memory.
// Used for development on PC, simulation and tests: writing an input pin
// with Set simulates a switch closing.
type MockDriver struct {
	mu     sync.Mutex
	modes  map[int]PinMode
	levels map[int]Level
}

func NewMockDriver() *MockDriver {
	return &MockDriver{
		modes:  make(map[int]PinMode),
		levels: make(map[int]Level),
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes[pin] = mode
	if _, ok := m.levels[pin]; !ok && mode == InputPullUp {
		m.levels[pin] = High
	}
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.Set(pin, level)
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

// Set forces the level seen on a pin.
func (m *MockDriver) Set(pin int, level Level) {
	m.mu.Lock()
	m.levels[pin] = level
	m.mu.Unlock()
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
