package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/MountGo/internal/debug"
	"github.com/warthog618/go-gpiocdev"
)

// CdevDriver drives GPIO lines through the Linux GPIO character device.
// Works on any board with a gpiochip, not only the Raspberry Pi.
type CdevDriver struct {
	chip  string
	mu    sync.Mutex
	lines map[int]*gpiocdev.Line
}

// NewCdevDriver opens lines lazily on the given chip (default "gpiochip0").
func NewCdevDriver(chip string) (*CdevDriver, error) {
	if chip == "" {
		chip = "gpiochip0"
	}
	debug.Info("Initializing GPIO character device driver on %s", chip)
	return &CdevDriver{
		chip:  chip,
		lines: make(map[int]*gpiocdev.Line),
	}, nil
}

func (c *CdevDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.lines[pin]; ok {
		_ = l.Close()
		delete(c.lines, pin)
	}

	var opts []gpiocdev.LineReqOption
	switch mode {
	case Input:
		opts = append(opts, gpiocdev.AsInput)
	case InputPullUp:
		opts = append(opts, gpiocdev.AsInput, gpiocdev.WithPullUp)
	case InputPullDown:
		opts = append(opts, gpiocdev.AsInput, gpiocdev.WithPullDown)
	case Output:
		opts = append(opts, gpiocdev.AsOutput(0))
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	l, err := gpiocdev.RequestLine(c.chip, pin, opts...)
	if err != nil {
		return fmt.Errorf("request line %s:%d: %w", c.chip, pin, err)
	}
	c.lines[pin] = l
	return nil
}

func (c *CdevDriver) line(pin int, mode PinMode) (*gpiocdev.Line, error) {
	c.mu.Lock()
	l, ok := c.lines[pin]
	c.mu.Unlock()
	if ok {
		return l, nil
	}
	if err := c.SetupPin(pin, mode); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines[pin], nil
}

func (c *CdevDriver) WritePin(pin int, level Level) error {
	l, err := c.line(pin, Output)
	if err != nil {
		return err
	}
	v := 0
	if level == High {
		v = 1
	}
	return l.SetValue(v)
}

func (c *CdevDriver) ReadPin(pin int) (Level, error) {
	l, err := c.line(pin, Input)
	if err != nil {
		return Low, err
	}
	v, err := l.Value()
	if err != nil {
		return Low, err
	}
	return Level(v != 0), nil
}

func (c *CdevDriver) Close() error {
	debug.Trace("GPIO Close (cdev)")

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for pin, l := range c.lines {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close line %d: %w", pin, err))
		}
		delete(c.lines, pin)
	}
	return errors.Join(errs...)
}
