// Package odrive drives one axis of an ODrive servo controller over its
// ASCII serial protocol.
package odrive

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/MountGo/internal/debug"
	"github.com/cjeanneret/MountGo/internal/hw/motor"
	"github.com/tarm/serial"
)

const (
	stateIdle       = 1
	stateClosedLoop = 8

	// errorPollEvery spaces the error register reads, in ticks.
	errorPollEvery = 50
)

// Config selects the ODrive axis and the step scale of the model.
type Config struct {
	Axis         int // 0 or 1
	StepsPerTurn int // model steps per motor turn
	Tick         time.Duration
}

// ODrive is a motor.Motor whose position setpoint is streamed to the
// controller every tick it changes.
type ODrive struct {
	*motor.Steps

	cfg Config

	mu      sync.Mutex
	port    io.ReadWriter
	rd      *bufio.Reader
	last    int64
	written bool
	ticks   int
	fault   bool
}

// Open opens the serial port and returns the motor.
// The returned close function releases the port.
func Open(name string, baud int, cfg Config) (*ODrive, func() error, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open odrive port %s: %w", name, err)
	}
	o, err := New(p, cfg)
	if err != nil {
		p.Close()
		return nil, nil, err
	}
	return o, p.Close, nil
}

// New starts the model at the controller's estimated position and requests
// closed loop control.
func New(port io.ReadWriter, cfg Config) (*ODrive, error) {
	if cfg.Axis < 0 || cfg.Axis > 1 {
		return nil, fmt.Errorf("odrive axis must be 0 or 1, got %d", cfg.Axis)
	}
	if cfg.StepsPerTurn <= 0 {
		return nil, fmt.Errorf("odrive steps_per_turn must be > 0")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Millisecond
	}
	o := &ODrive{
		Steps: motor.NewSteps(),
		cfg:   cfg,
		port:  port,
		rd:    bufio.NewReader(port),
	}

	turns, err := o.readFloat(fmt.Sprintf("axis%d.encoder.pos_estimate", cfg.Axis))
	if err != nil {
		return nil, fmt.Errorf("read odrive position: %w", err)
	}
	pos := int64(turns * float64(cfg.StepsPerTurn))
	o.ResetPositionSteps(pos)
	o.last = pos
	o.written = true

	if err := o.setState(stateClosedLoop); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *ODrive) send(line string) error {
	debug.Frame("odrive", ">", line)
	_, err := io.WriteString(o.port, line+"\n")
	return err
}

func (o *ODrive) readFloat(property string) (float64, error) {
	if err := o.send("r " + property); err != nil {
		return 0, err
	}
	line, err := o.rd.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSpace(line)
	debug.Frame("odrive", "<", line)
	v, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s reply %q: %w", property, line, err)
	}
	return v, nil
}

func (o *ODrive) setState(state int) error {
	return o.send(fmt.Sprintf("w axis%d.requested_state %d", o.cfg.Axis, state))
}

// Poll advances the model, streams the setpoint and periodically checks
// the axis error register.
func (o *ODrive) Poll() {
	o.Advance(o.cfg.Tick, nil)
	pos := o.MotorPositionSteps()
	if o.Reversed() {
		pos = -pos
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.written || pos != o.last {
		turns := float64(pos) / float64(o.cfg.StepsPerTurn)
		if err := o.send(fmt.Sprintf("q %d %.6f", o.cfg.Axis, turns)); err != nil {
			debug.Error(fmt.Errorf("odrive setpoint: %w", err))
			o.fault = true
			return
		}
		o.last = pos
		o.written = true
	}

	o.ticks++
	if o.ticks%errorPollEvery == 0 {
		v, err := o.readFloat(fmt.Sprintf("axis%d.error", o.cfg.Axis))
		if err != nil {
			debug.Error(fmt.Errorf("odrive error register: %w", err))
			o.fault = true
			return
		}
		if v != 0 && !o.fault {
			debug.Info("ODrive axis%d: error 0x%x", o.cfg.Axis, int64(v))
		}
		o.fault = v != 0
	}
}

// Enable switches between closed loop control and idle.
func (o *ODrive) Enable(on bool) {
	o.Steps.Enable(on)
	state := stateIdle
	if on {
		state = stateClosedLoop
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.setState(state); err != nil {
		debug.Error(fmt.Errorf("odrive state: %w", err))
		o.fault = true
	}
}

func (o *ODrive) DriverStatus() motor.DriverStatus {
	st := o.Steps.DriverStatus()
	o.mu.Lock()
	st.Fault = o.fault
	o.mu.Unlock()
	return st
}

var _ motor.Motor = (*ODrive)(nil)
