// Package axis drives one mechanical axis: it turns position and rate
// requests in engineering units into step rates on a motor.Motor and runs
// the velocity profile, homing and limit checks once per control tick.
package axis

import (
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/MountGo/internal/debug"
	"github.com/cjeanneret/MountGo/internal/hw/gpio"
	"github.com/cjeanneret/MountGo/internal/hw/motor"
	"github.com/cjeanneret/MountGo/internal/hw/sense"
	"github.com/cjeanneret/MountGo/internal/logic/cmderr"
	"github.com/cjeanneret/MountGo/internal/nv"
)

// Unit is the engineering unit ("measure") of an axis.
type Unit int

const (
	UnitSteps Unit = iota
	UnitMicrons
	UnitRadians
)

func (u Unit) String() string {
	switch u {
	case UnitMicrons:
		return "um"
	case UnitRadians:
		return "rad"
	default:
		return "steps"
	}
}

// AutoRate is the velocity profile state.
type AutoRate int

const (
	AutoRateNone AutoRate = iota
	AutoRateByDistance
	AutoRateByTimeForward
	AutoRateByTimeReverse
	AutoRateByTimeEnd
	AutoRateByTimeAbort
)

func (r AutoRate) String() string {
	switch r {
	case AutoRateByDistance:
		return "distance"
	case AutoRateByTimeForward:
		return "forward"
	case AutoRateByTimeReverse:
		return "reverse"
	case AutoRateByTimeEnd:
		return "end"
	case AutoRateByTimeAbort:
		return "abort"
	default:
		return "none"
	}
}

// HomingStage is the current stage of a sensed homing sequence.
type HomingStage int

const (
	HomingNone HomingStage = iota
	HomingFast
	HomingSlow
	HomingFine
)

func (s HomingStage) String() string {
	switch s {
	case HomingFast:
		return "fast"
	case HomingSlow:
		return "slow"
	case HomingFine:
		return "fine"
	default:
		return "none"
	}
}

// Clock returns the current time. Timeouts and power-down delays are
// measured against it.
type Clock func() time.Time

// Sensor is the switch-input collaborator.
type Sensor interface {
	Add(pin int, mode gpio.PinMode, trigger gpio.Level) (sense.Handle, error)
	IsOn(h sense.Handle) bool
	Changed(h sense.Handle) bool
}

// Pins are the switch inputs of an axis. A pin <= 0 is not fitted.
type Pins struct {
	Home, Min, Max int
	HomeTrigger    gpio.Level
	LimitTrigger   gpio.Level
	Pull           gpio.PinMode

	// HomeReverse inverts the direction the home sequence moves in.
	HomeReverse bool
	// CommonMinMax is set when one switch serves as both min and max.
	CommonMinMax bool
}

// Settings are the persisted axis settings, in measures.
type Settings struct {
	StepsPerMeasure float64
	Reverse         bool
	Min, Max        float64
	Backlash        float64
	BacklashFreq    float64 // measures per second
}

func (s Settings) validate() error {
	switch {
	case !(s.StepsPerMeasure > 0) || math.IsInf(s.StepsPerMeasure, 0):
		return fmt.Errorf("steps per measure %v: %w", s.StepsPerMeasure, cmderr.ErrInvalidSettings)
	case !(s.Min < s.Max):
		return fmt.Errorf("limits %v..%v: %w", s.Min, s.Max, cmderr.ErrInvalidSettings)
	case !(s.Backlash >= 0):
		return fmt.Errorf("backlash %v: %w", s.Backlash, cmderr.ErrInvalidSettings)
	case !(s.BacklashFreq > 0):
		return fmt.Errorf("backlash rate %v: %w", s.BacklashFreq, cmderr.ErrInvalidSettings)
	}
	return nil
}

// record is the NV layout of Settings.
type record struct {
	StepsPerMeasure float64
	Reverse         uint8
	_               [7]byte
	Min, Max        float64
	Backlash        float64
	BacklashFreq    float64
}

// PowerDown is the standstill power-down policy.
type PowerDown struct {
	Enabled bool
	Delay   time.Duration
	// OverrideWindow is how long SetPowerDownOverride keeps the motor on.
	OverrideWindow time.Duration
}

// Config is the static configuration of an axis.
type Config struct {
	Number int // 1-based
	Name   string
	Unit   Unit
	Tick   time.Duration

	Pins Pins

	// Defaults seed the NV settings the first time the image is written.
	Defaults Settings

	HomeDistanceLimit float64
	PowerDown         PowerDown
	Wrap              bool

	MaxFreq         float64 // measures per second
	AccelDistance   float64 // distance to reach MaxFreq before the first goto
	AbortAccelRatio float64
	Subdivisions    int
}

// Axis is one motion axis.
type Axis struct {
	cfg   Config
	sense Sensor
	clock Clock
	motor motor.Motor
	store nv.Store

	settings Settings
	spm      float64

	homeSense, minSense, maxSense sense.Handle

	enabled     bool
	limitsCheck bool

	freq      float64 // profile frequency, measures/s
	commanded float64 // last value passed to the motor, measures/s
	minFreq   float64
	maxFreq   float64
	baseFreq  float64
	slewFreq  float64

	slewAccel    float64 // measures/s²
	abortAccel   float64
	slewAccelFs  float64 // per tick
	abortAccelFs float64

	autoRate AutoRate

	homing         HomingStage
	homingStartOn  bool
	homingSeen     bool
	homingBoosted  bool
	homingAuto     bool
	homingTimeout  time.Duration
	homingDeadline time.Time
	homingSlewFreq float64
	homed          bool

	minSensed, maxSensed bool
	commonMinMaxSensed   bool
	lastError            error

	standstillSince time.Time
	poweredDown     bool
	overrideUntil   time.Time

	// exact mapping between measures and instrument steps
	anchorMeasure float64
	anchorSteps   int64
}

// New returns an axis that is not attached to a motor yet.
func New(cfg Config, s Sensor, clock Clock) *Axis {
	if clock == nil {
		clock = time.Now
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Millisecond
	}
	if cfg.AbortAccelRatio <= 0 {
		cfg.AbortAccelRatio = 2
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("Axis%d", cfg.Number)
	}
	return &Axis{cfg: cfg, sense: s, clock: clock}
}

// Init reads and validates the persisted settings, registers the switch
// inputs and attaches the motor. The axis starts disabled.
func (a *Axis) Init(m motor.Motor, store nv.Store) error {
	if a.cfg.Number < 1 || a.cfg.Number > nv.MaxAxes {
		return fmt.Errorf("axis number %d: %w", a.cfg.Number, cmderr.ErrInvalidArgument)
	}
	a.store = store

	off := nv.AxisOffsetFor(a.cfg.Number)
	if !store.HasValidKey() {
		debug.Axis(a.cfg.Name, "writing default settings")
		if err := nv.Write(store, off, toRecord(a.cfg.Defaults)); err != nil {
			return fmt.Errorf("%s: write defaults: %w", a.cfg.Name, err)
		}
	}
	var r record
	if err := nv.Read(store, off, &r); err != nil {
		return fmt.Errorf("%s: read settings: %w", a.cfg.Name, err)
	}
	s := fromRecord(r)
	if err := s.validate(); err != nil {
		return fmt.Errorf("%s: %w", a.cfg.Name, err)
	}
	a.settings = s
	a.spm = s.StepsPerMeasure

	if a.sense != nil {
		var err error
		p := a.cfg.Pins
		if a.homeSense, err = a.sense.Add(p.Home, p.Pull, p.HomeTrigger); err != nil {
			return fmt.Errorf("%s: home sense: %w", a.cfg.Name, err)
		}
		if a.minSense, err = a.sense.Add(p.Min, p.Pull, p.LimitTrigger); err != nil {
			return fmt.Errorf("%s: min sense: %w", a.cfg.Name, err)
		}
		if p.CommonMinMax {
			a.maxSense = a.minSense
		} else if a.maxSense, err = a.sense.Add(p.Max, p.Pull, p.LimitTrigger); err != nil {
			return fmt.Errorf("%s: max sense: %w", a.cfg.Name, err)
		}
	}

	a.motor = m
	m.SetReverse(s.Reverse)
	m.SetBacklashSteps(int64(math.Round(s.Backlash * a.spm)))
	m.SetBacklashFrequencySteps(s.BacklashFreq * a.spm)
	m.SetFrequencySteps(0)
	m.Enable(false)

	a.limitsCheck = !a.cfg.Wrap
	a.maxFreq = a.cfg.MaxFreq
	a.slewFreq = a.maxFreq
	if a.cfg.AccelDistance > 0 {
		a.setAccel(a.cfg.AccelDistance)
	}
	a.anchorSteps = m.InstrumentCoordinateSteps()
	a.anchorMeasure = float64(a.anchorSteps) / a.spm
	a.standstillSince = a.clock()
	a.senseLimits()

	debug.Axis(a.cfg.Name, "init: %.3f steps/%s, limits %.4f..%.4f, backlash %.6f",
		a.spm, a.cfg.Unit, s.Min, s.Max, s.Backlash)
	return nil
}

func toRecord(s Settings) record {
	r := record{
		StepsPerMeasure: s.StepsPerMeasure,
		Min:             s.Min,
		Max:             s.Max,
		Backlash:        s.Backlash,
		BacklashFreq:    s.BacklashFreq,
	}
	if s.Reverse {
		r.Reverse = 1
	}
	return r
}

func fromRecord(r record) Settings {
	return Settings{
		StepsPerMeasure: r.StepsPerMeasure,
		Reverse:         r.Reverse != 0,
		Min:             r.Min,
		Max:             r.Max,
		Backlash:        r.Backlash,
		BacklashFreq:    r.BacklashFreq,
	}
}

func (a *Axis) saveSettings() error {
	if a.store == nil {
		return nil
	}
	return nv.Write(a.store, nv.AxisOffsetFor(a.cfg.Number), toRecord(a.settings))
}

func (a *Axis) Name() string { return a.cfg.Name }

func (a *Axis) Number() int { return a.cfg.Number }

func (a *Axis) Settings() Settings { return a.settings }

func (a *Axis) StepsPerMeasure() float64 { return a.spm }

// SetBacklash sets and persists the backlash, in measures.
func (a *Axis) SetBacklash(v float64) error {
	if !(v >= 0) {
		return cmderr.ErrInvalidArgument
	}
	if a.autoRate != AutoRateNone {
		return cmderr.ErrInMotion
	}
	a.settings.Backlash = v
	a.motor.SetBacklashSteps(int64(math.Round(v * a.spm)))
	return a.saveSettings()
}

// Backlash returns the backlash in measures.
func (a *Axis) Backlash() float64 { return a.settings.Backlash }

// ApplyBacklash re-sends the persisted backlash to the motor.
func (a *Axis) ApplyBacklash() {
	a.motor.SetBacklashSteps(int64(math.Round(a.settings.Backlash * a.spm)))
	a.motor.SetBacklashFrequencySteps(a.settings.BacklashFreq * a.spm)
}

// SetLimits sets and persists the soft limits.
func (a *Axis) SetLimits(min, max float64) error {
	if !(min < max) {
		return cmderr.ErrInvalidArgument
	}
	a.settings.Min, a.settings.Max = min, max
	return a.saveSettings()
}

func (a *Axis) SetLimitsCheck(on bool) { a.limitsCheck = on }

func (a *Axis) LimitsCheck() bool { return a.limitsCheck }

// Enable powers the axis. Disabling drops any motion immediately.
func (a *Axis) Enable(on bool) {
	if a.motor == nil {
		return
	}
	a.enabled = on
	a.poweredDown = false
	a.standstillSince = a.clock()
	a.motor.Enable(on)
	if !on {
		a.freq, a.commanded = 0, 0
		a.autoRate = AutoRateNone
		a.homing = HomingNone
		a.motor.SetFrequencySteps(0)
		a.motor.SetSlewing(false)
		a.motor.SetSynchronized(true)
	}
	debug.Axis(a.cfg.Name, "enabled=%v", on)
}

func (a *Axis) IsEnabled() bool { return a.enabled }

// SetFrequencyMin sets the lowest non-zero rate the motor is commanded at.
func (a *Axis) SetFrequencyMin(f float64) {
	a.minFreq = math.Abs(f)
}

func (a *Axis) SetFrequencyMax(f float64) {
	a.maxFreq = math.Abs(f)
	if a.slewFreq > a.maxFreq {
		a.slewFreq = a.maxFreq
	}
}

// SetFrequencyBase sets the tracking rate, applied whenever no automatic
// rate is active. It is clamped to the max frequency.
func (a *Axis) SetFrequencyBase(f float64) {
	if math.Abs(f) > a.maxFreq {
		f = math.Copysign(a.maxFreq, f)
	}
	a.baseFreq = f
}

func (a *Axis) FrequencyBase() float64 { return a.baseFreq }

func (a *Axis) SetFrequencySlew(f float64) {
	a.slewFreq = math.Min(math.Abs(f), a.maxFreq)
}

func (a *Axis) FrequencySlew() float64 { return a.slewFreq }

func (a *Axis) FrequencyMax() float64 { return a.maxFreq }

// Frequency returns the rate last sent to the motor, base included.
func (a *Axis) Frequency() float64 { return a.commanded }

// SetSlewAccelerationRate sets the slew acceleration in measures/s².
func (a *Axis) SetSlewAccelerationRate(rate float64) {
	a.slewAccel = math.Abs(rate)
	a.slewAccelFs = a.slewAccel * a.cfg.Tick.Seconds()
}

// SetSlewAccelerationTime sets the acceleration so the slew rate is reached
// in d.
func (a *Axis) SetSlewAccelerationTime(d time.Duration) {
	if d > 0 {
		a.SetSlewAccelerationRate(a.slewFreq / d.Seconds())
	}
}

func (a *Axis) SetAbortAccelerationRate(rate float64) {
	a.abortAccel = math.Abs(rate)
	a.abortAccelFs = a.abortAccel * a.cfg.Tick.Seconds()
}

func (a *Axis) SetAbortAccelerationTime(d time.Duration) {
	if d > 0 {
		a.SetAbortAccelerationRate(a.slewFreq / d.Seconds())
	}
}

// setAccel derives both accelerations from the distance needed to reach
// the slew rate.
func (a *Axis) setAccel(distance float64) {
	accel := a.slewFreq * a.slewFreq / (2 * distance)
	a.SetSlewAccelerationRate(accel)
	a.SetAbortAccelerationRate(accel * a.cfg.AbortAccelRatio)
}

// SetPowerDownOverride keeps the motor powered at standstill for the
// configured override window.
func (a *Axis) SetPowerDownOverride() {
	a.overrideUntil = a.clock().Add(a.cfg.PowerDown.OverrideWindow)
}

func (a *Axis) AutoRate() AutoRate { return a.autoRate }

func (a *Axis) HomingStage() HomingStage { return a.homing }

func (a *Axis) IsHoming() bool { return a.homing != HomingNone }

// Homed reports whether the last homing sequence completed.
func (a *Axis) Homed() bool { return a.homed }

// IsSlewing reports whether an automatic rate is active.
func (a *Axis) IsSlewing() bool { return a.autoRate != AutoRateNone }

func (a *Axis) Fault() bool {
	return a.motor != nil && a.motor.DriverStatus().Fault
}

// LastError returns the fault that ended the last motion, if any.
func (a *Axis) LastError() error { return a.lastError }

// ClearError forgets the last motion error.
func (a *Axis) ClearError() { a.lastError = nil }

// LimitSensed reports whether a min or max switch is on.
func (a *Axis) LimitSensed() bool { return a.minSensed || a.maxSensed }

// HasHomeSense reports whether a home switch is fitted.
func (a *Axis) HasHomeSense() bool { return a.homeSense != sense.None }

// HomeSensed reports whether the home switch is on.
func (a *Axis) HomeSensed() bool {
	return a.sense != nil && a.sense.IsOn(a.homeSense)
}

// Status is a snapshot of the axis for display.
type Status struct {
	Name        string  `json:"name"`
	Enabled     bool    `json:"enabled"`
	AutoRate    string  `json:"autoRate"`
	Homing      string  `json:"homing"`
	Position    float64 `json:"position"`
	Target      float64 `json:"target"`
	Frequency   float64 `json:"frequency"`
	Fault       bool    `json:"fault"`
	MinSensed   bool    `json:"minSensed"`
	MaxSensed   bool    `json:"maxSensed"`
	PoweredDown bool    `json:"poweredDown"`
	LastError   string  `json:"lastError,omitempty"`
}

func (a *Axis) Status() Status {
	st := Status{
		Name:        a.cfg.Name,
		Enabled:     a.enabled,
		AutoRate:    a.autoRate.String(),
		Homing:      a.homing.String(),
		Frequency:   a.commanded,
		MinSensed:   a.minSensed,
		MaxSensed:   a.maxSensed,
		PoweredDown: a.poweredDown,
	}
	if a.motor != nil {
		st.Position = a.InstrumentCoordinate()
		st.Target = a.TargetCoordinate()
		st.Fault = a.Fault()
	}
	if a.lastError != nil {
		st.LastError = a.lastError.Error()
	}
	return st
}
