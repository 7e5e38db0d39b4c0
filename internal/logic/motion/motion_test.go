package motion

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/cjeanneret/MountGo/internal/hw/gpio"
	"github.com/cjeanneret/MountGo/internal/hw/motor"
	"github.com/cjeanneret/MountGo/internal/hw/sense"
	"github.com/cjeanneret/MountGo/internal/logic/axis"
	"github.com/cjeanneret/MountGo/internal/logic/cmderr"
	"github.com/cjeanneret/MountGo/internal/logic/coord"
	"github.com/cjeanneret/MountGo/internal/logic/limits"
	"github.com/cjeanneret/MountGo/internal/nv"
	"github.com/cjeanneret/MountGo/internal/scheduler"
)

const (
	deg         = coord.Deg
	stepsPerDeg = 3600.0
	tick        = 5 * time.Millisecond
	maxTicks    = 200000
	tolerance   = 2 * deg / stepsPerDeg
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

type rigOptions struct {
	mountType coord.MountType
	lat       float64
	mount     Config
	axis1     axis.Config
	axis2     axis.Config
	limits    limits.Settings
	store     *nv.Memory
}

type rig struct {
	*Mount
	sched      *scheduler.Scheduler
	sim1, sim2 *motor.Sim
	gpio       *gpio.MockDriver
	store      *nv.Memory
	clock      *fakeClock
}

func axisConfig(n int, min, max float64) axis.Config {
	return axis.Config{
		Number: n,
		Name:   fmt.Sprintf("Axis%d", n),
		Unit:   axis.UnitRadians,
		Tick:   tick,
		Defaults: axis.Settings{
			StepsPerMeasure: stepsPerDeg / deg,
			Min:             min,
			Max:             max,
			BacklashFreq:    0.1 * deg,
		},
		HomeDistanceLimit: 30 * deg,
		MaxFreq:           20 * deg,
		AccelDistance:     5 * deg,
		Subdivisions:      16,
	}
}

func newRig(t *testing.T, mutate func(*rigOptions)) *rig {
	t.Helper()
	o := rigOptions{
		mountType: coord.MountGEM,
		lat:       45 * deg,
		mount: Config{
			AccelDistance: 5 * deg,
			NearOffset:    0.5 * deg,
			Goto:          Settings{UsPerStep: 20},
		},
		axis1: axisConfig(1, -180*deg, 180*deg),
		axis2: axisConfig(2, -270*deg, 270*deg),
		limits: limits.Settings{
			Horizon:       0,
			Overhead:      90 * deg,
			PastMeridianE: 15 * deg,
			PastMeridianW: 15 * deg,
		},
	}
	if mutate != nil {
		mutate(&o)
	}
	store := o.store
	if store == nil {
		store = nv.NewMemory(nv.DefaultSize)
	}

	clk := &fakeClock{t: time.Date(2026, 3, 20, 22, 0, 0, 0, time.UTC)}
	drv := gpio.NewMockDriver()
	sn := sense.New(drv)
	sim1, sim2 := motor.NewSim(tick), motor.NewSim(tick)

	a1 := axis.New(o.axis1, sn, clk.Now)
	if err := a1.Init(sim1, store); err != nil {
		t.Fatalf("axis1 Init: %v", err)
	}
	a2 := axis.New(o.axis2, sn, clk.Now)
	if err := a2.Init(sim2, store); err != nil {
		t.Fatalf("axis2 Init: %v", err)
	}

	tr := coord.NewBasic(o.mountType, o.lat, 0, clk.Now)
	lim := limits.New(o.limits,
		limits.Range{Min: o.axis1.Defaults.Min, Max: o.axis1.Defaults.Max},
		limits.Range{Min: o.axis2.Defaults.Min, Max: o.axis2.Defaults.Max})
	sched := scheduler.New(tick)

	m := New(o.mount, a1, a2, tr, lim, sched, store)
	if err := m.Init(); err != nil {
		t.Fatalf("Mount Init: %v", err)
	}
	if !m.IsParked() {
		m.Enable(true)
	}
	t.Cleanup(func() { m.Close() })
	return &rig{Mount: m, sched: sched, sim1: sim1, sim2: sim2, gpio: drv, store: store, clock: clk}
}

func (r *rig) tick() {
	r.sched.Tick()
	r.clock.t = r.clock.t.Add(tick)
}

// runUntil ticks until done returns true, calling each before every tick.
func (r *rig) runUntil(t *testing.T, done func() bool, each func()) int {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		if done() {
			return i
		}
		if each != nil {
			each()
		}
		r.tick()
	}
	t.Fatalf("condition not met after %d ticks (goto %s/%s)", maxTicks, r.gt.State(), r.gt.Stage())
	return 0
}

func (r *rig) gotoIdle() bool { return r.gt.State() == StateNone }

// placeAt puts the axes at the instrument angles of c without moving.
func (r *rig) placeAt(c coord.Coordinate) {
	a1, a2 := r.transform.MountToInstrument(c)
	r.axis1.SetInstrumentCoordinate(a1)
	r.axis2.SetInstrumentCoordinate(a2)
	r.atHome = false
}

func hd(h, d float64) coord.Coordinate {
	return coord.Coordinate{H: h * deg, D: d * deg}
}

func near(a, b float64) bool { return math.Abs(a-b) <= tolerance }

func TestInit_StartsAtHome(t *testing.T) {
	r := newRig(t, nil)
	if !r.IsHome() {
		t.Error("mount should start at home")
	}
	if r.axis1.InstrumentCoordinate() != 90*deg || r.axis2.InstrumentCoordinate() != 90*deg {
		t.Errorf("axes at %v°, %v°, want 90°, 90°",
			r.axis1.InstrumentCoordinate()/deg, r.axis2.InstrumentCoordinate()/deg)
	}
	if !r.store.HasValidKey() {
		t.Error("init should write the nv key")
	}
}

func TestHomeCoordinate_ByMountType(t *testing.T) {
	tests := []struct {
		name   string
		mt     coord.MountType
		lat    float64
		a1, a2 float64
	}{
		{"gem north", coord.MountGEM, 45, 90, 90},
		{"gem south", coord.MountGEM, -30, 90, -90},
		{"fork north", coord.MountFork, 45, 0, 90},
		{"altaz north", coord.MountAltAz, 45, 0, 0},
		{"altaz south", coord.MountAltAz, -30, 180, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, func(o *rigOptions) {
				o.mountType = tt.mt
				o.lat = tt.lat * deg
			})
			c := r.Home().Coordinate()
			if !near(c.A1, tt.a1*deg) || !near(c.A2, tt.a2*deg) {
				t.Errorf("home at %v°, %v°, want %v°, %v°", c.A1/deg, c.A2/deg, tt.a1, tt.a2)
			}
		})
	}
}

func TestHomeCoordinate_Configured(t *testing.T) {
	a1, a2 := 80*deg, 85*deg
	r := newRig(t, func(o *rigOptions) {
		o.mount.HomeAxis1 = &a1
		o.mount.HomeAxis2 = &a2
	})
	if r.axis1.InstrumentCoordinate() != a1 || r.axis2.InstrumentCoordinate() != a2 {
		t.Errorf("axes at %v°, %v°, want 80°, 85°",
			r.axis1.InstrumentCoordinate()/deg, r.axis2.InstrumentCoordinate()/deg)
	}
}

func TestSetTarget_PierSide(t *testing.T) {
	tests := []struct {
		name    string
		target  coord.Coordinate
		pss     PierSideSelect
		want    coord.PierSide
		wantErr error
	}{
		{"best keeps side", hd(-5, 10), PierSideBest, coord.PierSideEast, nil},
		{"best flips when past limit", hd(-80, 20), PierSideBest, coord.PierSideWest, nil},
		{"east falls back to west", hd(-80, 20), PierSideEast, coord.PierSideWest, nil},
		{"west falls back to east", hd(60, 20), PierSideWest, coord.PierSideEast, nil},
		{"west preferred", hd(-10, 20), PierSideWest, coord.PierSideWest, nil},
		{"west only", hd(-80, 20), PierSideWestOnly, coord.PierSideWest, nil},
		{"west only unreachable", hd(60, 20), PierSideWestOnly, coord.PierSideNone, cmderr.ErrOutsideLimits},
		{"east only unreachable", hd(-80, 20), PierSideEastOnly, coord.PierSideNone, cmderr.ErrOutsideLimits},
		{"same only", hd(60, 20), PierSideSameOnly, coord.PierSideEast, nil},
		{"same only unreachable", hd(-80, 20), PierSideSameOnly, coord.PierSideNone, cmderr.ErrOutsideLimits},
		{"below horizon", hd(0, -60), PierSideBest, coord.PierSideNone, cmderr.ErrBelowHorizon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, nil)
			r.placeAt(coord.Coordinate{H: 30 * deg, D: 40 * deg, PierSide: coord.PierSideEast})

			got, err := r.gt.setTarget(tt.target, tt.pss, PurposeNormal)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("setTarget: %v", err)
			}
			if got.PierSide != tt.want {
				t.Errorf("pier side = %s, want %s", got.PierSide, tt.want)
			}
			back := r.transform.InstrumentToMount(got.A1, got.A2)
			if math.Abs(coord.WrapPi(back.H-tt.target.H)) > 1e-9 || math.Abs(back.D-tt.target.D) > 1e-9 {
				t.Errorf("instrument angles map back to %s", back)
			}
		})
	}
}

func TestRequest_EastOnlyRejectionLeavesStateUnchanged(t *testing.T) {
	r := newRig(t, nil)
	before := r.gt.Destination()

	err := r.gt.Request(hd(-80, 20), PierSideEastOnly, false)
	if !errors.Is(err, cmderr.ErrOutsideLimits) {
		t.Fatalf("err = %v, want outside limits", err)
	}
	if cmderr.KindOf(err) != cmderr.KindGeometric {
		t.Errorf("kind = %s, want geometric", cmderr.KindOf(err))
	}
	if r.gt.State() != StateNone || r.gt.Stage() != StageNone {
		t.Errorf("state = %s/%s, want none", r.gt.State(), r.gt.Stage())
	}
	if r.gt.Destination() != before {
		t.Error("destination changed on rejection")
	}
	if !r.IsHome() {
		t.Error("rejected goto should leave the mount at home")
	}
}

func TestRequest_Preconditions(t *testing.T) {
	t.Run("standby", func(t *testing.T) {
		r := newRig(t, nil)
		r.Enable(false)
		if err := r.gt.Request(hd(30, 40), PierSideBest, false); !errors.Is(err, cmderr.ErrInStandby) {
			t.Errorf("got %v, want standby", err)
		}
	})
	t.Run("fault", func(t *testing.T) {
		r := newRig(t, nil)
		r.sim2.SetFault(true)
		if err := r.gt.Request(hd(30, 40), PierSideBest, false); !errors.Is(err, cmderr.ErrHardwareFault) {
			t.Errorf("got %v, want hardware fault", err)
		}
	})
	t.Run("already moving", func(t *testing.T) {
		r := newRig(t, nil)
		if err := r.gt.Request(hd(30, 40), PierSideBest, false); err != nil {
			t.Fatalf("first request: %v", err)
		}
		if err := r.gt.Request(hd(20, 40), PierSideBest, false); !errors.Is(err, cmderr.ErrInMotion) {
			t.Errorf("got %v, want in motion", err)
		}
	})
	t.Run("guiding", func(t *testing.T) {
		r := newRig(t, nil)
		if err := r.Slew(1, motor.DirForward, 1*deg); err != nil {
			t.Fatalf("Slew: %v", err)
		}
		if err := r.gt.Request(hd(30, 40), PierSideBest, false); !errors.Is(err, cmderr.ErrInMotion) {
			t.Errorf("got %v, want in motion", err)
		}
	})
}

func TestGoto_MeridianFlipFromHomeGoesThroughHome(t *testing.T) {
	r := newRig(t, nil)

	if err := r.gt.Request(hd(-80, 20), PierSideBest, false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if r.gt.Stage() != StageWaypointHome {
		t.Fatalf("first stage = %s, want waypoint-home", r.gt.Stage())
	}

	var stages []Stage
	r.runUntil(t, r.gotoIdle, func() {
		if s := r.gt.Stage(); len(stages) == 0 || stages[len(stages)-1] != s {
			stages = append(stages, s)
		}
	})

	want := []Stage{StageWaypointHome, StageNearDestination, StageDestination}
	if fmt.Sprint(stages) != fmt.Sprint(want) {
		t.Errorf("stages = %v, want %v", stages, want)
	}
	if err := r.gt.LastError(); err != nil {
		t.Fatalf("goto error: %v", err)
	}
	pos := r.mountPosition()
	if pos.PierSide != coord.PierSideWest {
		t.Errorf("pier side = %s, want west", pos.PierSide)
	}
	if !near(pos.H, -80*deg) || !near(pos.D, 20*deg) {
		t.Errorf("ended at %s", pos)
	}
	if r.IsHome() {
		t.Error("mount should have left home")
	}
}

func TestGoto_SkipHomeGoesStraight(t *testing.T) {
	r := newRig(t, nil)
	s := r.gt.Settings()
	s.SkipHome = true
	if err := r.gt.SetSettings(s); err != nil {
		t.Fatalf("SetSettings: %v", err)
	}
	if err := r.gt.Request(hd(-80, 20), PierSideBest, false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if r.gt.Stage() != StageNearDestination {
		t.Errorf("first stage = %s, want near-destination", r.gt.Stage())
	}
	r.runUntil(t, r.gotoIdle, nil)
	if pos := r.mountPosition(); pos.PierSide != coord.PierSideWest {
		t.Errorf("pier side = %s, want west", pos.PierSide)
	}
}

func TestGoto_SameSideNoWaypoint(t *testing.T) {
	r := newRig(t, nil)
	if err := r.gt.Request(hd(30, 40), PierSideBest, false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if r.gt.Stage() != StageNearDestination {
		t.Fatalf("first stage = %s, want near-destination", r.gt.Stage())
	}

	// the near stage stops short of the target along the travel
	a1, a2 := r.gt.stageTarget()
	if !near(a1, 30.5*deg) || !near(a2, 40.5*deg) {
		t.Errorf("near target = %v°, %v°, want 30.5°, 40.5°", a1/deg, a2/deg)
	}

	r.runUntil(t, r.gotoIdle, nil)
	pos := r.mountPosition()
	if !near(pos.H, 30*deg) || !near(pos.D, 40*deg) || pos.PierSide != coord.PierSideEast {
		t.Errorf("ended at %s", pos)
	}
}

func TestGoto_AvoidWaypointLowInTheWest(t *testing.T) {
	r := newRig(t, nil)
	// low in the west, far past the meridian on the east side
	r.placeAt(coord.Coordinate{H: 100 * deg, D: -20 * deg, PierSide: coord.PierSideEast})
	start := r.mountPosition()
	if start.A >= avoidAltitude {
		t.Fatalf("start altitude %v° is not low enough", start.A/deg)
	}

	wp, stage := r.gt.waypointFor(start)
	if stage != StageWaypointAvoid {
		t.Fatalf("stage = %s, want waypoint-avoid", stage)
	}
	if !near(wp.H, avoidWaypointHA) || wp.D != start.D {
		t.Errorf("waypoint at %s", wp)
	}

	if err := r.gt.Request(hd(-60, 10), PierSideWestOnly, false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if r.gt.Stage() != StageWaypointAvoid {
		t.Fatalf("first stage = %s, want waypoint-avoid", r.gt.Stage())
	}
	seenHome := false
	r.runUntil(t, r.gotoIdle, func() {
		if r.gt.Stage() == StageWaypointHome {
			seenHome = true
		}
	})
	if !seenHome {
		t.Error("the avoid waypoint should be followed by home")
	}
	if r.gt.LastError() != nil {
		t.Errorf("goto error: %v", r.gt.LastError())
	}
}

func TestGoto_MarginalWaypointAtLowLatitude(t *testing.T) {
	r := newRig(t, func(o *rigOptions) { o.lat = 20 * deg })
	c := r.transform.EquToHor(coord.Coordinate{H: 100 * deg, D: -30 * deg, PierSide: coord.PierSideEast})
	if c.A >= marginalAltitude {
		t.Fatalf("altitude %v° is not marginal", c.A/deg)
	}
	wp, stage := r.gt.waypointFor(c)
	if stage != StageWaypointAvoid || !near(wp.H, marginalWaypoint) {
		t.Errorf("waypoint %s at stage %s, want HA 135°", wp, stage)
	}

	c.PierSide = coord.PierSideWest
	wp, _ = r.gt.waypointFor(c)
	if !near(wp.H, -marginalWaypoint) {
		t.Errorf("west side waypoint at HA %v°, want -135°", wp.H/deg)
	}
}

func TestGoto_StopAborts(t *testing.T) {
	r := newRig(t, nil)
	if err := r.gt.Request(hd(-80, 20), PierSideBest, false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	for i := 0; i < 300; i++ {
		r.tick()
	}
	r.Stop()
	if r.gt.Stage() != StageReadyAbort {
		t.Errorf("stage = %s, want ready-abort", r.gt.Stage())
	}
	r.Stop() // no-op once aborting

	r.runUntil(t, r.gotoIdle, nil)
	if !errors.Is(r.gt.LastError(), cmderr.ErrGotoAborted) {
		t.Errorf("LastError = %v, want goto aborted", r.gt.LastError())
	}
	if r.axis1.IsSlewing() || r.axis2.IsSlewing() {
		t.Error("axes still slewing after abort")
	}
	if near(r.axis2.InstrumentCoordinate(), 160*deg) {
		t.Error("aborted goto should not reach the target")
	}
}

func TestGoto_PauseAtHomeAndResume(t *testing.T) {
	r := newRig(t, nil)
	if err := r.gt.Resume(); !errors.Is(err, cmderr.ErrInvalidArgument) {
		t.Errorf("Resume with no goto = %v, want invalid argument", err)
	}

	s := r.gt.Settings()
	s.PauseAtHome = true
	if err := r.gt.SetSettings(s); err != nil {
		t.Fatalf("SetSettings: %v", err)
	}
	if err := r.gt.Request(hd(-80, 20), PierSideBest, false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	r.runUntil(t, r.gt.Paused, nil)
	for i := 0; i < 100; i++ {
		r.tick()
	}
	if r.gt.Stage() != StageWaypointHome || !r.gt.Paused() {
		t.Fatalf("stage = %s paused=%v, want paused at home", r.gt.Stage(), r.gt.Paused())
	}

	if err := r.gt.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	r.runUntil(t, r.gotoIdle, nil)
	if r.gt.LastError() != nil || r.mountPosition().PierSide != coord.PierSideWest {
		t.Errorf("after resume: err=%v side=%s", r.gt.LastError(), r.mountPosition().PierSide)
	}
}

func TestGoto_FaultPropagates(t *testing.T) {
	r := newRig(t, nil)
	if err := r.gt.Request(hd(-80, 20), PierSideBest, false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	for i := 0; i < 100; i++ {
		r.tick()
	}
	if r.axis2.AutoRate() != axis.AutoRateByDistance {
		t.Fatalf("axis2 autoRate = %s before the fault, want distance", r.axis2.AutoRate())
	}
	r.sim1.SetFault(true)
	r.runUntil(t, func() bool { return !r.axis1.IsSlewing() }, nil)
	if r.axis2.AutoRate() == axis.AutoRateByDistance {
		t.Error("axis2 should be decelerating once axis1 has stopped on the fault")
	}
	r.runUntil(t, r.gotoIdle, nil)

	err := r.gt.LastError()
	if !errors.Is(err, cmderr.ErrHardwareFault) {
		t.Fatalf("LastError = %v, want hardware fault", err)
	}
	if cmderr.KindOf(err) != cmderr.KindHardware {
		t.Errorf("kind = %s, want hardware", cmderr.KindOf(err))
	}
}

func TestGoto_StaleAxisErrorIgnored(t *testing.T) {
	const minPin = 9
	r := newRig(t, func(o *rigOptions) {
		o.axis2.Pins = axis.Pins{Min: minPin, LimitTrigger: gpio.High, Pull: gpio.InputPullDown}
	})

	// a manual slew ends on the limit switch and leaves an error behind
	if err := r.Slew(2, motor.DirReverse, 1*deg); err != nil {
		t.Fatalf("Slew: %v", err)
	}
	for i := 0; i < 20; i++ {
		r.tick()
	}
	r.gpio.Set(minPin, gpio.High)
	r.runUntil(t, func() bool { return !r.axis2.IsSlewing() }, nil)
	r.gpio.Set(minPin, gpio.Low)
	r.tick()
	if !errors.Is(r.axis2.LastError(), cmderr.ErrLimitSensed) {
		t.Fatalf("axis2 LastError = %v, want limit sensed", r.axis2.LastError())
	}

	// only the hour angle changes, so axis 2 is already on target
	r.placeAt(coord.Coordinate{H: 30 * deg, D: 40 * deg, PierSide: coord.PierSideEast})
	if err := r.gt.Request(hd(20, 40), PierSideSameOnly, false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	r.runUntil(t, r.gotoIdle, nil)

	if err := r.gt.LastError(); err != nil {
		t.Fatalf("goto ended with %v", err)
	}
	pos := r.mountPosition()
	if math.Abs(pos.H/deg-20) > 0.01 || math.Abs(pos.D/deg-40) > 0.01 {
		t.Errorf("arrived at H %.4f° D %.4f°, want 20°, 40°", pos.H/deg, pos.D/deg)
	}
}

func TestRequest_LimitSensedRejectedBeforeMoving(t *testing.T) {
	const minPin = 9
	r := newRig(t, func(o *rigOptions) {
		o.axis2.Pins = axis.Pins{Min: minPin, LimitTrigger: gpio.High, Pull: gpio.InputPullDown}
	})
	r.gpio.Set(minPin, gpio.High)
	r.tick()

	err := r.gt.Request(hd(10, 50), PierSideSameOnly, false)
	if !errors.Is(err, cmderr.ErrOutsideLimits) {
		t.Fatalf("err = %v, want outside limits", err)
	}
	if r.gt.State() != StateNone || r.gt.Stage() != StageNone {
		t.Errorf("state = %s/%s, want none", r.gt.State(), r.gt.Stage())
	}
	if r.gt.LastError() != nil {
		t.Errorf("LastError = %v, want nil", r.gt.LastError())
	}
	if !r.IsHome() {
		t.Error("rejected goto should leave the mount at home")
	}
	for _, a := range []*axis.Axis{r.axis1, r.axis2} {
		if a.AutoRate() != axis.AutoRateNone {
			t.Errorf("%s autoRate = %s, want none", a.Name(), a.AutoRate())
		}
	}
}

func TestGoto_SettingsPersist(t *testing.T) {
	store := nv.NewMemory(nv.DefaultSize)
	r := newRig(t, func(o *rigOptions) { o.store = store })
	want := Settings{AutoMeridianFlip: true, SkipHome: true, PreferredPierSide: PierSideWest, UsPerStep: 35}
	if err := r.gt.SetSettings(want); err != nil {
		t.Fatalf("SetSettings: %v", err)
	}
	if err := r.gt.SetSettings(Settings{UsPerStep: 0}); !errors.Is(err, cmderr.ErrInvalidArgument) {
		t.Errorf("zero rate = %v, want invalid argument", err)
	}

	r2 := newRig(t, func(o *rigOptions) { o.store = store })
	if got := r2.gt.Settings(); got != want {
		t.Errorf("reloaded settings = %+v, want %+v", got, want)
	}
}

func TestGoto_Alignment(t *testing.T) {
	r := newRig(t, nil)
	if err := r.gt.AlignAccept(); !errors.Is(err, cmderr.ErrInvalidArgument) {
		t.Errorf("accept without start = %v", err)
	}
	if err := r.gt.AlignStart(1); err != nil {
		t.Fatalf("AlignStart: %v", err)
	}
	if err := r.gt.Request(hd(30, 40), PierSideBest, true); err != nil {
		t.Fatalf("Request: %v", err)
	}
	r.runUntil(t, r.gotoIdle, nil)
	if st := r.gt.Status(); st.AlignStars != 1 {
		t.Errorf("status align stars = %d, want 1", st.AlignStars)
	}

	// the star was found one degree further west
	r.axis1.SetInstrumentCoordinate(31 * deg)
	if err := r.gt.AlignAccept(); err != nil {
		t.Fatalf("AlignAccept: %v", err)
	}
	if b := r.transform.(*coord.Basic); !b.Aligned() {
		t.Error("transform should be aligned")
	}
	if h := r.Position().H; math.Abs(h-30*deg) > 1e-9 {
		t.Errorf("native HA = %v°, want 30°", h/deg)
	}
}

func TestHome_ResetIsExact(t *testing.T) {
	r := newRig(t, nil)
	r.placeAt(hd(12.345, 67.89))

	if err := r.Home().Reset(false); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	c := r.Home().Coordinate()
	if r.axis1.InstrumentCoordinate() != c.A1 || r.axis2.InstrumentCoordinate() != c.A2 {
		t.Errorf("axes at %v, %v, want %v, %v",
			r.axis1.InstrumentCoordinate(), r.axis2.InstrumentCoordinate(), c.A1, c.A2)
	}
	if !r.IsHome() {
		t.Error("IsHome should be true after reset")
	}
	if r.axis1.FrequencySlew() != homeCreepRate {
		t.Errorf("slew rate = %v, want creep rate", r.axis1.FrequencySlew())
	}
	if !r.axis1.IsEnabled() {
		t.Error("partial reset should keep the axes powered")
	}
}

func TestHome_FullResetPowersDown(t *testing.T) {
	r := newRig(t, nil)
	r.transform.(*coord.Basic).Sync(hd(10, 10), hd(11, 10))

	if err := r.Home().Reset(true); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if r.axis1.IsEnabled() || r.axis2.IsEnabled() {
		t.Error("full reset should disable the axes")
	}
	if r.transform.(*coord.Basic).Aligned() {
		t.Error("full reset should clear the alignment")
	}
}

func TestHome_ResetRejectedDuringGoto(t *testing.T) {
	r := newRig(t, nil)
	if err := r.gt.Request(hd(30, 40), PierSideBest, false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := r.Home().Reset(false); !errors.Is(err, cmderr.ErrInMotion) {
		t.Errorf("got %v, want in motion", err)
	}
}

func TestHome_RequestByGoto(t *testing.T) {
	r := newRig(t, nil)
	r.placeAt(coord.Coordinate{H: -30 * deg, D: 50 * deg, PierSide: coord.PierSideWest})
	if err := r.SetTracking(true); err != nil {
		t.Fatalf("SetTracking: %v", err)
	}

	if err := r.Home().Request(false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if r.Tracking() {
		t.Error("tracking should stop while going home")
	}
	if err := r.Slew(1, motor.DirForward, 0); !errors.Is(err, cmderr.ErrInMotion) {
		t.Errorf("slew during home = %v, want in motion", err)
	}
	r.runUntil(t, func() bool { return !r.home.Active() }, nil)

	if r.Home().LastError() != nil {
		t.Fatalf("home error: %v", r.Home().LastError())
	}
	if !r.IsHome() {
		t.Error("IsHome should be true")
	}
	if !near(r.axis1.InstrumentCoordinate(), 90*deg) || !near(r.axis2.InstrumentCoordinate(), 90*deg) {
		t.Errorf("axes at %v°, %v°", r.axis1.InstrumentCoordinate()/deg, r.axis2.InstrumentCoordinate()/deg)
	}
}

func TestHome_AbortRestoresTracking(t *testing.T) {
	r := newRig(t, nil)
	r.placeAt(coord.Coordinate{H: 30 * deg, D: 50 * deg, PierSide: coord.PierSideEast})
	if err := r.SetTracking(true); err != nil {
		t.Fatalf("SetTracking: %v", err)
	}
	if err := r.Home().Request(false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	for i := 0; i < 50; i++ {
		r.tick()
	}
	r.Stop()
	r.runUntil(t, func() bool { return !r.home.Active() }, nil)

	if !errors.Is(r.Home().LastError(), cmderr.ErrGotoAborted) {
		t.Errorf("LastError = %v, want goto aborted", r.Home().LastError())
	}
	if !r.Tracking() {
		t.Error("tracking should be restored after an aborted home")
	}
}

func TestHome_RequestOnSwitches(t *testing.T) {
	const pin1, pin2 = 7, 8
	r := newRig(t, func(o *rigOptions) {
		o.axis1.Pins = axis.Pins{Home: pin1, HomeTrigger: gpio.High, Pull: gpio.InputPullDown}
		o.axis2.Pins = axis.Pins{Home: pin2, HomeTrigger: gpio.High, Pull: gpio.InputPullDown}
	})
	r.placeAt(coord.Coordinate{H: 80 * deg, D: 85 * deg, PierSide: coord.PierSideEast})

	if err := r.Home().Request(false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	// the switches close at 88° on both axes
	switches := func() {
		r.gpio.Set(pin1, gpio.Level(r.axis1.InstrumentCoordinate() >= 88*deg))
		r.gpio.Set(pin2, gpio.Level(r.axis2.InstrumentCoordinate() >= 88*deg))
	}
	r.runUntil(t, func() bool { return !r.home.Active() }, switches)

	if err := r.Home().LastError(); err != nil {
		t.Fatalf("homing: %v", err)
	}
	if !r.IsHome() || r.axis1.InstrumentCoordinate() != 90*deg || r.axis2.InstrumentCoordinate() != 90*deg {
		t.Errorf("home=%v axes at %v°, %v°", r.IsHome(),
			r.axis1.InstrumentCoordinate()/deg, r.axis2.InstrumentCoordinate()/deg)
	}
}

func TestHome_TangentArmMovesAxis1Only(t *testing.T) {
	r := newRig(t, func(o *rigOptions) { o.mount.TangentArm = true })
	r.axis1.SetInstrumentCoordinate(60 * deg)
	r.axis2.SetInstrumentCoordinate(70 * deg)
	r.atHome = false

	if err := r.Home().Request(false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if r.axis2.IsSlewing() {
		t.Error("axis 2 should not move on a tangent arm")
	}
	r.runUntil(t, func() bool { return !r.home.Active() }, nil)
	if !r.IsHome() || !near(r.axis1.InstrumentCoordinate(), 90*deg) {
		t.Errorf("home=%v axis1 at %v°", r.IsHome(), r.axis1.InstrumentCoordinate()/deg)
	}
	if r.axis2.InstrumentCoordinate() != 70*deg {
		t.Errorf("axis2 moved to %v°", r.axis2.InstrumentCoordinate()/deg)
	}
}

func TestPark_ParkAndRestore(t *testing.T) {
	store := nv.NewMemory(nv.DefaultSize)
	ph, pd := 0.0, 60*deg
	opts := func(o *rigOptions) {
		o.store = store
		o.mount.ParkH = &ph
		o.mount.ParkD = &pd
	}
	r := newRig(t, opts)

	if err := r.Park().Park(); err != nil {
		t.Fatalf("Park: %v", err)
	}
	r.runUntil(t, r.gotoIdle, nil)
	if !r.IsParked() {
		t.Fatalf("not parked: %v", r.Park().LastError())
	}
	if r.axis1.IsEnabled() || r.axis2.IsEnabled() {
		t.Error("parked axes should be powered down")
	}
	a1, a2 := r.axis1.InstrumentCoordinate(), r.axis2.InstrumentCoordinate()
	if err := r.SetTracking(true); !errors.Is(err, cmderr.ErrInPark) {
		t.Errorf("tracking while parked = %v, want in park", err)
	}
	if err := r.gt.Request(hd(30, 40), PierSideBest, false); !errors.Is(err, cmderr.ErrInPark) {
		t.Errorf("goto while parked = %v, want in park", err)
	}
	if err := r.Park().Park(); !errors.Is(err, cmderr.ErrInPark) {
		t.Errorf("second park = %v, want in park", err)
	}

	r2 := newRig(t, opts)
	if !r2.IsParked() {
		t.Fatal("parked state should survive a restart")
	}
	if r2.axis1.InstrumentCoordinate() != a1 || r2.axis2.InstrumentCoordinate() != a2 {
		t.Errorf("restored at %v, %v, want %v, %v",
			r2.axis1.InstrumentCoordinate(), r2.axis2.InstrumentCoordinate(), a1, a2)
	}

	if err := r2.Park().Unpark(); err != nil {
		t.Fatalf("Unpark: %v", err)
	}
	if r2.IsParked() || !r2.axis1.IsEnabled() {
		t.Error("unpark should clear parked and power the axes")
	}
	if err := r2.Park().Unpark(); !errors.Is(err, cmderr.ErrNotParked) {
		t.Errorf("second unpark = %v, want not parked", err)
	}
}

func TestTracking_Rates(t *testing.T) {
	r := newRig(t, nil)
	if err := r.SetTracking(true); err != nil {
		t.Fatalf("SetTracking: %v", err)
	}
	if r.axis1.FrequencyBase() != SiderealRate || r.axis2.FrequencyBase() != 0 {
		t.Errorf("base rates = %v, %v", r.axis1.FrequencyBase(), r.axis2.FrequencyBase())
	}
	if r.IsHome() {
		t.Error("tracking should clear at-home")
	}
	start := r.axis1.InstrumentCoordinate()
	for i := 0; i < 2000; i++ {
		r.tick()
	}
	moved := r.axis1.InstrumentCoordinate() - start
	if want := SiderealRate * 10; math.Abs(moved-want) > 2*tolerance {
		t.Errorf("axis1 moved %v in 10s, want %v", moved, want)
	}

	if err := r.SetTracking(false); err != nil {
		t.Fatalf("SetTracking(false): %v", err)
	}
	if r.axis1.FrequencyBase() != 0 {
		t.Error("base rate should be zero with tracking off")
	}
}

func TestTracking_AltAzRates(t *testing.T) {
	r := newRig(t, func(o *rigOptions) {
		o.mountType = coord.MountAltAz
		o.axis1 = axisConfig(1, -360*deg, 360*deg)
		o.axis2 = axisConfig(2, -90*deg, 90*deg)
	})
	r.placeAt(coord.Coordinate{Z: 90 * deg, A: 30 * deg})
	if err := r.SetTracking(true); err != nil {
		t.Fatalf("SetTracking: %v", err)
	}
	// rising in the east
	if r.axis2.FrequencyBase() <= 0 {
		t.Errorf("altitude rate = %v, want positive", r.axis2.FrequencyBase())
	}
}

func TestMonitor_MeridianLimitStopsTracking(t *testing.T) {
	r := newRig(t, nil)
	r.placeAt(coord.Coordinate{H: -10 * deg, D: 30 * deg, PierSide: coord.PierSideWest})
	l := r.limits.Settings()
	l.PastMeridianW = -20 * deg
	r.limits.SetSettings(l)

	if err := r.SetTracking(true); err != nil {
		t.Fatalf("SetTracking: %v", err)
	}
	for i := 0; i < 25; i++ {
		r.tick()
	}
	if r.Tracking() {
		t.Error("tracking should stop at the meridian limit")
	}
	if !errors.Is(r.LastError(), cmderr.ErrMeridianLimit) {
		t.Errorf("LastError = %v, want meridian limit", r.LastError())
	}
}

func TestMonitor_AutomaticMeridianFlip(t *testing.T) {
	r := newRig(t, nil)
	s := r.gt.Settings()
	s.AutoMeridianFlip = true
	if err := r.gt.SetSettings(s); err != nil {
		t.Fatalf("SetSettings: %v", err)
	}
	r.placeAt(coord.Coordinate{H: -10 * deg, D: 30 * deg, PierSide: coord.PierSideWest})
	l := r.limits.Settings()
	l.PastMeridianW = -20 * deg
	r.limits.SetSettings(l)

	if err := r.SetTracking(true); err != nil {
		t.Fatalf("SetTracking: %v", err)
	}
	r.runUntil(t, func() bool { return r.gt.State() == StateGoto }, nil)
	r.runUntil(t, r.gotoIdle, nil)

	if r.gt.LastError() != nil {
		t.Fatalf("flip failed: %v", r.gt.LastError())
	}
	pos := r.mountPosition()
	if pos.PierSide != coord.PierSideEast {
		t.Errorf("pier side after flip = %s, want east", pos.PierSide)
	}
	if math.Abs(pos.D-30*deg) > 0.01*deg {
		t.Errorf("declination after flip = %v°", pos.D/deg)
	}
	if !r.Tracking() {
		t.Error("tracking should continue after the flip")
	}
}

func TestMonitor_BelowHorizonStopsTracking(t *testing.T) {
	r := newRig(t, nil)
	r.placeAt(coord.Coordinate{H: 30 * deg, D: 40 * deg, PierSide: coord.PierSideEast})
	if err := r.SetTracking(true); err != nil {
		t.Fatalf("SetTracking: %v", err)
	}
	l := r.limits.Settings()
	l.Horizon = 80 * deg
	r.limits.SetSettings(l)
	for i := 0; i < 25; i++ {
		r.tick()
	}
	if r.Tracking() || !errors.Is(r.LastError(), cmderr.ErrBelowHorizon) {
		t.Errorf("tracking=%v err=%v, want stopped below horizon", r.Tracking(), r.LastError())
	}
}

func TestSlew_ManualAxis(t *testing.T) {
	r := newRig(t, nil)
	if err := r.Slew(3, motor.DirForward, 0); !errors.Is(err, cmderr.ErrInvalidArgument) {
		t.Errorf("axis 3 = %v, want invalid argument", err)
	}
	if err := r.Slew(2, motor.DirReverse, 2*deg); err != nil {
		t.Fatalf("Slew: %v", err)
	}
	if !r.Guiding() || r.IsHome() {
		t.Error("slew should set guiding and leave home")
	}
	for i := 0; i < 200; i++ {
		r.tick()
	}
	if err := r.SlewStop(2); err != nil {
		t.Fatalf("SlewStop: %v", err)
	}
	r.runUntil(t, func() bool { return !r.Guiding() }, nil)
	if r.axis2.InstrumentCoordinate() >= 90*deg {
		t.Errorf("axis2 at %v°, want below 90°", r.axis2.InstrumentCoordinate()/deg)
	}
}

func TestSetAxisLimits_GotoUsesNewRange(t *testing.T) {
	r := newRig(t, nil)
	if err := r.SetAxisLimits(2, 10*deg, -10*deg); !errors.Is(err, cmderr.ErrInvalidArgument) {
		t.Errorf("inverted range = %v, want invalid argument", err)
	}
	if err := r.SetAxisLimits(3, -10*deg, 10*deg); !errors.Is(err, cmderr.ErrInvalidArgument) {
		t.Errorf("axis 3 = %v, want invalid argument", err)
	}

	// only the home position fits
	if err := r.SetAxisLimits(2, 89*deg, 91*deg); err != nil {
		t.Fatalf("SetAxisLimits: %v", err)
	}
	if got := r.Limits().Axis2(); got.Min != 89*deg || got.Max != 91*deg {
		t.Errorf("goto range = %+v, want 89°..91°", got)
	}
	if s := r.axis2.Settings(); s.Min != 89*deg || s.Max != 91*deg {
		t.Errorf("axis settings = %v..%v, want 89°..91°", s.Min/deg, s.Max/deg)
	}
	if err := r.gt.Request(hd(30, 40), PierSideBest, false); !errors.Is(err, cmderr.ErrOutsideLimits) {
		t.Fatalf("Request outside new range = %v, want outside limits", err)
	}

	if err := r.SetAxisLimits(2, -270*deg, 270*deg); err != nil {
		t.Fatalf("SetAxisLimits: %v", err)
	}
	if err := r.gt.Request(hd(30, 40), PierSideBest, false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := r.SetAxisLimits(1, -90*deg, 90*deg); !errors.Is(err, cmderr.ErrInMotion) {
		t.Errorf("during goto = %v, want in motion", err)
	}
}

func TestStatus(t *testing.T) {
	r := newRig(t, nil)
	st := r.Status()
	if st.MountType != "gem" || !st.AtHome || st.Tracking || st.Parked {
		t.Errorf("status = %+v", st)
	}
	if st.PierSide != coord.PierSideEast.String() || math.Abs(st.DecDeg-90) > 1e-9 {
		t.Errorf("position = %s dec %v", st.PierSide, st.DecDeg)
	}
	if st.Goto.State != "none" || st.Axis1.Name != "Axis1" {
		t.Errorf("goto %+v axis1 %+v", st.Goto, st.Axis1)
	}
}

func TestParsePierSideSelect(t *testing.T) {
	for p := PierSideBest; p <= PierSideSameOnly; p++ {
		got, err := ParsePierSideSelect(p.String())
		if err != nil || got != p {
			t.Errorf("ParsePierSideSelect(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := ParsePierSideSelect("north"); !errors.Is(err, cmderr.ErrInvalidArgument) {
		t.Errorf("unknown side = %v", err)
	}
}
