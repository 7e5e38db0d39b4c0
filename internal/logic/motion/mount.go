// Package motion coordinates the two axes of a mount: goto with pier side
// selection and meridian flip waypoints, homing, parking and tracking.
//
// Mount methods are not safe for concurrent use. They run inside the
// scheduler tick or under Scheduler.Do.
package motion

import (
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/MountGo/internal/debug"
	"github.com/cjeanneret/MountGo/internal/hw/motor"
	"github.com/cjeanneret/MountGo/internal/logic/axis"
	"github.com/cjeanneret/MountGo/internal/logic/cmderr"
	"github.com/cjeanneret/MountGo/internal/logic/coord"
	"github.com/cjeanneret/MountGo/internal/logic/limits"
	"github.com/cjeanneret/MountGo/internal/nv"
	"github.com/cjeanneret/MountGo/internal/scheduler"
)

// SiderealRate is the rate of the sky in radians per second.
const SiderealRate = 2 * math.Pi / 86164.0905

// Config is the static configuration of a mount.
type Config struct {
	Tick          time.Duration
	MonitorPeriod time.Duration

	// TangentArm: axis 2 has no goto, homing moves axis 1 only.
	TangentArm bool

	// Home instrument angles, when not derived from the mount type.
	HomeAxis1, HomeAxis2 *float64
	// Park position in hour angle and declination. Defaults to home.
	ParkH, ParkD *float64

	AccelDistance float64
	NearOffset    float64

	// Goto seeds the persisted goto settings.
	Goto Settings
}

// aligner is implemented by transforms with an alignment model.
type aligner interface {
	Sync(native, mount coord.Coordinate)
}

// Mount owns both axes and everything that moves them together.
type Mount struct {
	cfg       Config
	axis1     *axis.Axis
	axis2     *axis.Axis
	transform coord.Transform
	limits    *limits.Limits
	sched     *scheduler.Scheduler
	store     nv.Store

	gt   *Goto
	home *Home
	park *Park

	tracking  bool
	atHome    bool
	parked    bool
	guiding   bool
	lastError error

	pollHandle    scheduler.Handle
	monitorHandle scheduler.Handle
}

// New assembles a mount. The axes must already be initialised.
func New(cfg Config, a1, a2 *axis.Axis, t coord.Transform, l *limits.Limits, s *scheduler.Scheduler, store nv.Store) *Mount {
	if cfg.Tick <= 0 {
		cfg.Tick = s.Base()
	}
	if cfg.MonitorPeriod <= 0 {
		cfg.MonitorPeriod = 100 * time.Millisecond
	}
	if cfg.AccelDistance <= 0 {
		cfg.AccelDistance = 5 * coord.Deg
	}
	if cfg.Goto.UsPerStep <= 0 {
		cfg.Goto.UsPerStep = 100
	}
	m := &Mount{
		cfg:       cfg,
		axis1:     a1,
		axis2:     a2,
		transform: t,
		limits:    l,
		sched:     s,
		store:     store,
	}
	m.gt = newGoto(m)
	m.home = newHome(m)
	m.park = newPark(m)
	return m
}

// Init loads the persisted goto and park state, puts the axes at home (or
// at their parked position) and starts the control tasks.
func (m *Mount) Init() error {
	debug.Section("Mount init")
	if err := m.gt.loadSettings(); err != nil {
		return err
	}
	m.home.init()
	if err := m.home.Reset(false); err != nil {
		return fmt.Errorf("reset to home: %w", err)
	}
	if err := m.park.load(); err != nil {
		return err
	}
	if !m.store.HasValidKey() {
		if err := m.store.WriteKey(); err != nil {
			return fmt.Errorf("nv key: %w", err)
		}
	}
	if err := m.store.Commit(); err != nil {
		return fmt.Errorf("nv commit: %w", err)
	}

	m.pollHandle = m.sched.Schedule(m.cfg.Tick, scheduler.PriorityHigh, m.poll)
	m.monitorHandle = m.sched.Schedule(m.cfg.MonitorPeriod, scheduler.PriorityLow, m.monitor)
	debug.Info("Mount ready: %s, home %s", m.transform.MountType(), m.home.coordinate)
	return nil
}

// Close stops the control tasks and commits pending settings.
func (m *Mount) Close() error {
	m.sched.Cancel(m.pollHandle)
	m.sched.Cancel(m.monitorHandle)
	m.sched.Cancel(m.gt.monitor)
	return m.store.Commit()
}

func (m *Mount) Goto() *Goto { return m.gt }

func (m *Mount) Home() *Home { return m.home }

func (m *Mount) Park() *Park { return m.park }

func (m *Mount) Axis1() *axis.Axis { return m.axis1 }

func (m *Mount) Axis2() *axis.Axis { return m.axis2 }

func (m *Mount) Transform() coord.Transform { return m.transform }

func (m *Mount) Limits() *limits.Limits { return m.limits }

func (m *Mount) axes() [2]*axis.Axis { return [2]*axis.Axis{m.axis1, m.axis2} }

// poll runs every tick: axes first, then homing.
func (m *Mount) poll() {
	m.axis1.Poll()
	m.axis2.Poll()
	m.home.poll()
	if m.guiding && !m.axis1.IsSlewing() && !m.axis2.IsSlewing() {
		m.guiding = false
	}
}

// monitor keeps tracking within limits and refreshes alt-az tracking rates.
func (m *Mount) monitor() {
	if !m.tracking {
		return
	}
	for _, a := range m.axes() {
		if err := a.LastError(); err != nil {
			m.stopTracking(err)
			return
		}
	}
	if m.gt.state != StateNone || m.guiding {
		return
	}

	pos := m.mountPosition()
	if m.transform.MeridianFlips() && m.limits.PastMeridianWest(pos) {
		if !m.gt.settings.AutoMeridianFlip {
			m.stopTracking(cmderr.ErrMeridianLimit)
			return
		}
		debug.Info("Meridian limit reached, flipping")
		target := coord.Coordinate{H: pos.H, D: pos.D}
		if err := m.gt.request(target, PierSideEastOnly, PurposeNormal); err != nil {
			m.stopTracking(fmt.Errorf("automatic meridian flip: %w", err))
		}
		return
	}
	if pos.A < m.limits.Settings().Horizon {
		m.stopTracking(cmderr.ErrBelowHorizon)
		return
	}
	m.applyTrackingRates()
}

func (m *Mount) stopTracking(err error) {
	debug.Info("Tracking stopped: %v", err)
	m.lastError = err
	m.setTracking(false)
}

// mountPosition is the current position in the mount frame.
func (m *Mount) mountPosition() coord.Coordinate {
	return m.transform.InstrumentToMount(m.axis1.InstrumentCoordinate(), m.axis2.InstrumentCoordinate())
}

// Position is the current position in the native (sky) frame.
func (m *Mount) Position() coord.Coordinate {
	return m.transform.MountToNative(m.mountPosition())
}

// SetTracking turns sidereal tracking on or off.
func (m *Mount) SetTracking(on bool) error {
	if m.parked {
		return cmderr.ErrInPark
	}
	if on {
		for _, a := range m.axes() {
			if a.Fault() {
				return cmderr.ErrHardwareFault
			}
			if !a.IsEnabled() {
				return cmderr.ErrInStandby
			}
		}
		m.lastError = nil
	}
	m.setTracking(on)
	return nil
}

func (m *Mount) setTracking(on bool) {
	m.tracking = on
	if on {
		for _, a := range m.axes() {
			a.ClearError()
		}
		m.atHome = false
		m.applyTrackingRates()
		debug.Live("Tracking on")
		return
	}
	m.axis1.SetFrequencyBase(0)
	m.axis2.SetFrequencyBase(0)
	debug.Live("Tracking off")
}

func (m *Mount) Tracking() bool { return m.tracking }

// applyTrackingRates sets the base rates that follow the sky.
func (m *Mount) applyTrackingRates() {
	if !m.tracking {
		return
	}
	if m.transform.MountType().Equatorial() {
		m.axis1.SetFrequencyBase(SiderealRate)
		m.axis2.SetFrequencyBase(0)
		return
	}
	// alt-az: difference the horizon position one second ahead
	now := m.mountPosition()
	next := now
	next.H += SiderealRate
	next = m.transform.EquToHor(next)
	m.axis1.SetFrequencyBase(coord.WrapPi(next.Z - now.Z))
	m.axis2.SetFrequencyBase(next.A - now.A)
}

// Enable powers both axes on or off.
func (m *Mount) Enable(on bool) {
	if !on {
		m.setTracking(false)
	}
	for _, a := range m.axes() {
		a.Enable(on)
	}
}

// Slew starts a manual slew of one axis (1 or 2) at rate, in radians per
// second. A rate <= 0 keeps the axis slew rate.
func (m *Mount) Slew(n int, dir motor.Direction, rate float64) error {
	a, err := m.axisN(n)
	if err != nil {
		return err
	}
	if m.parked {
		return cmderr.ErrInPark
	}
	if m.gt.state != StateNone || m.home.Active() {
		return cmderr.ErrInMotion
	}
	if err := a.AutoSlew(dir, rate); err != nil {
		return err
	}
	m.guiding = true
	m.atHome = false
	return nil
}

// SlewStop decelerates a manual slew of one axis.
func (m *Mount) SlewStop(n int) error {
	a, err := m.axisN(n)
	if err != nil {
		return err
	}
	if m.gt.state != StateNone {
		return cmderr.ErrInMotion
	}
	a.AutoSlewStop()
	return nil
}

// SetAxisLimits sets and persists the travel range of axis n, in radians.
// Gotos plan against the new range from the next request.
func (m *Mount) SetAxisLimits(n int, min, max float64) error {
	a, err := m.axisN(n)
	if err != nil {
		return err
	}
	if m.gt.state != StateNone || m.home.Active() || a.IsSlewing() {
		return cmderr.ErrInMotion
	}
	if err := a.SetLimits(min, max); err != nil {
		return err
	}
	m.limits.SetAxisRange(n, limits.Range{Min: min, Max: max})
	debug.Info("%s limits %.2f°..%.2f°", a.Name(), min/coord.Deg, max/coord.Deg)
	return nil
}

// Stop stops everything: goto, homing and manual slews.
func (m *Mount) Stop() {
	m.gt.Stop()
	m.home.abort()
	for _, a := range m.axes() {
		a.AutoSlewStop()
	}
}

func (m *Mount) axisN(n int) (*axis.Axis, error) {
	switch n {
	case 1:
		return m.axis1, nil
	case 2:
		return m.axis2, nil
	}
	return nil, fmt.Errorf("axis %d: %w", n, cmderr.ErrInvalidArgument)
}

// IsHome reports whether the mount is at its home position.
func (m *Mount) IsHome() bool { return m.atHome }

func (m *Mount) IsParked() bool { return m.parked }

func (m *Mount) Guiding() bool { return m.guiding }

// LastError returns the last asynchronous mount fault.
func (m *Mount) LastError() error { return m.lastError }

// gotoRate is the slew rate of both axes in radians per second.
func (m *Mount) gotoRate() float64 {
	return 1e6 / m.gt.settings.UsPerStep / m.axis1.StepsPerMeasure()
}

// Status is a display snapshot of the mount.
type Status struct {
	MountType string      `json:"mountType"`
	HADeg     float64     `json:"haDeg"`
	RAHours   float64     `json:"raHours"`
	DecDeg    float64     `json:"decDeg"`
	AzDeg     float64     `json:"azDeg"`
	AltDeg    float64     `json:"altDeg"`
	PierSide  string      `json:"pierSide"`
	Tracking  bool        `json:"tracking"`
	AtHome    bool        `json:"atHome"`
	Parked    bool        `json:"parked"`
	Guiding   bool        `json:"guiding"`
	Goto      GotoStatus  `json:"goto"`
	Homing    bool        `json:"homing"`
	Axis1     axis.Status `json:"axis1"`
	Axis2     axis.Status `json:"axis2"`
	LastError string      `json:"lastError,omitempty"`
}

func (m *Mount) Status() Status {
	pos := m.Position()
	st := Status{
		MountType: m.transform.MountType().String(),
		HADeg:     pos.H / coord.Deg,
		RAHours:   pos.R / coord.Deg / 15,
		DecDeg:    pos.D / coord.Deg,
		AzDeg:     pos.Z / coord.Deg,
		AltDeg:    pos.A / coord.Deg,
		PierSide:  pos.PierSide.String(),
		Tracking:  m.tracking,
		AtHome:    m.atHome,
		Parked:    m.parked,
		Guiding:   m.guiding,
		Goto:      m.gt.Status(),
		Homing:    m.home.Active(),
		Axis1:     m.axis1.Status(),
		Axis2:     m.axis2.Status(),
	}
	if m.lastError != nil {
		st.LastError = m.lastError.Error()
	}
	return st
}
