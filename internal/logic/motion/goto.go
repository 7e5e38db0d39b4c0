package motion

import (
	"fmt"
	"math"

	"github.com/cjeanneret/MountGo/internal/debug"
	"github.com/cjeanneret/MountGo/internal/hw/motor"
	"github.com/cjeanneret/MountGo/internal/logic/cmderr"
	"github.com/cjeanneret/MountGo/internal/logic/coord"
	"github.com/cjeanneret/MountGo/internal/nv"
	"github.com/cjeanneret/MountGo/internal/scheduler"
)

// Waypoint policy.
const (
	avoidAltitude    = 10 * coord.Deg
	avoidHourAngle   = 90 * coord.Deg
	avoidWaypointHA  = 120 * coord.Deg
	marginalLatitude = 45 * coord.Deg
	marginalAltitude = 20 * coord.Deg
	marginalWaypoint = 135 * coord.Deg
	nearOffsetMaxDec = 80 * coord.Deg
)

// PierSideSelect is how a goto chooses the pier side of the target.
type PierSideSelect int

const (
	PierSideBest PierSideSelect = iota
	PierSideEast
	PierSideWest
	PierSideEastOnly
	PierSideWestOnly
	PierSideSameOnly
)

func (p PierSideSelect) String() string {
	switch p {
	case PierSideEast:
		return "east"
	case PierSideWest:
		return "west"
	case PierSideEastOnly:
		return "east-only"
	case PierSideWestOnly:
		return "west-only"
	case PierSideSameOnly:
		return "same-only"
	default:
		return "best"
	}
}

// ParsePierSideSelect parses the names returned by String.
func ParsePierSideSelect(s string) (PierSideSelect, error) {
	for p := PierSideBest; p <= PierSideSameOnly; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	if s == "" {
		return PierSideBest, nil
	}
	return PierSideBest, fmt.Errorf("pier side %q: %w", s, cmderr.ErrInvalidArgument)
}

// State of the goto.
type State int

const (
	StateNone State = iota
	StateGoto
)

func (s State) String() string {
	if s == StateGoto {
		return "goto"
	}
	return "none"
}

// Stage of a running goto.
type Stage int

const (
	StageNone Stage = iota
	StageAbort
	StageReadyAbort
	StageWaypointHome
	StageWaypointAvoid
	StageNearDestination
	StageDestination
)

func (s Stage) String() string {
	switch s {
	case StageAbort:
		return "abort"
	case StageReadyAbort:
		return "ready-abort"
	case StageWaypointHome:
		return "waypoint-home"
	case StageWaypointAvoid:
		return "waypoint-avoid"
	case StageNearDestination:
		return "near-destination"
	case StageDestination:
		return "destination"
	default:
		return "none"
	}
}

// Purpose tells the goto who to notify when it ends.
type Purpose int

const (
	PurposeNormal Purpose = iota
	PurposeHome
	PurposePark
)

// Settings are the persisted goto settings.
type Settings struct {
	AutoMeridianFlip  bool
	PauseAtHome       bool
	SkipHome          bool
	PreferredPierSide PierSideSelect
	UsPerStep         float64
}

type settingsRecord struct {
	AutoMeridianFlip  uint8
	PauseAtHome       uint8
	SkipHome          uint8
	PreferredPierSide uint8
	_                 [4]byte
	UsPerStep         float64
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// Goto moves both axes to a target, through waypoints when the pier side
// changes.
type Goto struct {
	m        *Mount
	settings Settings

	state   State
	stage   Stage
	purpose Purpose
	monitor scheduler.Handle

	start       coord.Coordinate
	destination coord.Coordinate
	native      coord.Coordinate
	waypoint    coord.Coordinate

	// instrument-frame offsets short of the destination, for the near stage
	nearOffset1, nearOffset2 float64
	useNearOffset            bool

	paused    bool
	resume    bool
	lastError error

	alignActive bool
	alignStars  int
	alignStar   int
}

func newGoto(m *Mount) *Goto {
	return &Goto{m: m, settings: m.cfg.Goto}
}

func (g *Goto) loadSettings() error {
	if !g.m.store.HasValidKey() {
		if err := g.saveSettings(); err != nil {
			return err
		}
	}
	var r settingsRecord
	if err := nv.Read(g.m.store, nv.GotoOffset, &r); err != nil {
		return fmt.Errorf("read goto settings: %w", err)
	}
	s := Settings{
		AutoMeridianFlip:  r.AutoMeridianFlip != 0,
		PauseAtHome:       r.PauseAtHome != 0,
		SkipHome:          r.SkipHome != 0,
		PreferredPierSide: PierSideSelect(r.PreferredPierSide),
		UsPerStep:         r.UsPerStep,
	}
	if !(s.UsPerStep > 0) || s.PreferredPierSide > PierSideWest {
		return fmt.Errorf("goto settings: %w", cmderr.ErrInvalidSettings)
	}
	g.settings = s
	debug.PrintStruct("Goto settings", s)
	return nil
}

func (g *Goto) saveSettings() error {
	s := g.settings
	r := settingsRecord{
		AutoMeridianFlip:  boolByte(s.AutoMeridianFlip),
		PauseAtHome:       boolByte(s.PauseAtHome),
		SkipHome:          boolByte(s.SkipHome),
		PreferredPierSide: uint8(s.PreferredPierSide),
		UsPerStep:         s.UsPerStep,
	}
	if err := nv.Write(g.m.store, nv.GotoOffset, r); err != nil {
		return fmt.Errorf("write goto settings: %w", err)
	}
	return nil
}

func (g *Goto) Settings() Settings { return g.settings }

// SetSettings validates, applies and persists the goto settings.
func (g *Goto) SetSettings(s Settings) error {
	if !(s.UsPerStep > 0) || math.IsInf(s.UsPerStep, 0) {
		return fmt.Errorf("us per step %v: %w", s.UsPerStep, cmderr.ErrInvalidArgument)
	}
	if s.PreferredPierSide > PierSideWest {
		return fmt.Errorf("preferred pier side %s: %w", s.PreferredPierSide, cmderr.ErrInvalidArgument)
	}
	g.settings = s
	if err := g.saveSettings(); err != nil {
		return err
	}
	return g.m.store.Commit()
}

// SetRate sets the goto rate as microseconds per axis 1 step.
func (g *Goto) SetRate(usPerStep float64) error {
	s := g.settings
	s.UsPerStep = usPerStep
	return g.SetSettings(s)
}

// Request starts a goto to target, given by hour angle and declination.
// With native set, the target is in the sky frame and passes through the
// alignment model first.
func (g *Goto) Request(target coord.Coordinate, pss PierSideSelect, native bool) error {
	if pss == PierSideBest {
		pss = g.settings.PreferredPierSide
	}
	mount := target
	if native {
		mount = g.m.transform.NativeToMount(target)
	}
	if err := g.request(mount, pss, PurposeNormal); err != nil {
		return err
	}
	g.native = target
	return nil
}

// request starts a goto of the given purpose to a mount-frame target.
func (g *Goto) request(target coord.Coordinate, pss PierSideSelect, purpose Purpose) error {
	if err := g.validate(); err != nil {
		return err
	}
	dest, err := g.setTarget(target, pss, purpose)
	if err != nil {
		return err
	}

	// errors left over from earlier motion must not end this goto
	for _, a := range g.m.axes() {
		a.ClearError()
	}
	g.start = g.m.mountPosition()
	g.destination = dest
	g.purpose = purpose
	g.lastError = nil
	g.paused, g.resume = false, false
	g.state = StateGoto
	g.m.atHome = false

	g.stage = StageNearDestination
	if g.m.transform.MeridianFlips() && dest.PierSide != g.start.PierSide && !g.settings.SkipHome {
		g.waypoint, g.stage = g.waypointFor(g.start)
	}
	if g.stage == StageNearDestination {
		g.setNearOffset(g.start)
	}

	debug.Info("Goto %s via %s, pier side %s -> %s", dest, g.stage, g.start.PierSide, dest.PierSide)
	g.m.sched.Cancel(g.monitor)
	g.monitor = g.m.sched.Schedule(g.m.cfg.Tick, scheduler.PriorityNormal, g.poll)
	if err := g.startAutoSlew(); err != nil {
		g.abort(err)
		return err
	}
	return nil
}

// validate checks that a goto may start.
func (g *Goto) validate() error {
	for _, a := range g.m.axes() {
		if a.Fault() {
			return cmderr.ErrHardwareFault
		}
	}
	for _, a := range g.m.axes() {
		if !a.IsEnabled() {
			return cmderr.ErrInStandby
		}
	}
	if g.m.parked {
		return cmderr.ErrInPark
	}
	if g.state != StateNone || g.m.guiding || g.m.home.Active() {
		return cmderr.ErrInMotion
	}
	for _, a := range g.m.axes() {
		if a.IsSlewing() || a.IsHoming() {
			return cmderr.ErrInMotion
		}
	}
	for i, a := range g.m.axes() {
		if i == 1 && g.m.cfg.TangentArm {
			continue
		}
		if a.MotionError(motor.DirBoth) {
			return fmt.Errorf("%s: %w", a.Name(), cmderr.ErrOutsideLimits)
		}
	}
	return nil
}

// setTarget fills every frame of target, checks the limits and resolves
// the pier side. It does not change any goto state.
func (g *Goto) setTarget(target coord.Coordinate, pss PierSideSelect, purpose Purpose) (coord.Coordinate, error) {
	t := g.m.transform
	c := t.HourAngleToRightAscension(target)
	c = t.EquToHor(c)
	if purpose != PurposeHome {
		if err := g.m.limits.ValidateCoords(c); err != nil {
			return target, err
		}
	}

	if !t.MeridianFlips() {
		c.PierSide = coord.PierSideEast
		a1, a2, ok := g.fits(c, coord.PierSideEast)
		if !ok {
			return target, fmt.Errorf("%s: %w", c, cmderr.ErrOutsideLimits)
		}
		c.A1, c.A2 = a1, a2
		return c, nil
	}

	side, err := g.resolvePierSide(c, pss)
	if err != nil {
		return target, err
	}
	c.PierSide = side
	c.A1, c.A2, _ = g.fits(c, side)
	debug.Verbose("Goto target %s resolved with %s", c, pss)
	return c, nil
}

func (g *Goto) resolvePierSide(c coord.Coordinate, pss PierSideSelect) (coord.PierSide, error) {
	current := g.m.mountPosition().PierSide
	fitsSide := func(side coord.PierSide) bool {
		_, _, ok := g.fits(c, side)
		return ok
	}
	forced := func(side coord.PierSide) (coord.PierSide, error) {
		if fitsSide(side) {
			return side, nil
		}
		return coord.PierSideNone, fmt.Errorf("%s on %s side: %w", c, side, cmderr.ErrOutsideLimits)
	}

	var want coord.PierSide
	switch pss {
	case PierSideEastOnly:
		return forced(coord.PierSideEast)
	case PierSideWestOnly:
		return forced(coord.PierSideWest)
	case PierSideSameOnly:
		return forced(current)
	case PierSideEast:
		want = coord.PierSideEast
	case PierSideWest:
		want = coord.PierSideWest
	default:
		want = current
	}
	if g.m.atHome && pss <= PierSideWest && g.m.transform.MountType() != coord.MountFork {
		// from home either side is a short move: follow the hour angle
		want = coord.PierSideWest
		if c.H >= 0 {
			want = coord.PierSideEast
		}
	}

	if fitsSide(want) {
		return want, nil
	}
	if fitsSide(want.Other()) {
		return want.Other(), nil
	}
	return coord.PierSideNone, fmt.Errorf("%s: %w", c, cmderr.ErrOutsideLimits)
}

// fits returns the instrument angles of c on side if they are inside the
// meridian and axis limits. Axis 1 is tried at ±360° as well, so targets
// just past the meridian are not rejected for their representation.
func (g *Goto) fits(c coord.Coordinate, side coord.PierSide) (a1, a2 float64, ok bool) {
	l := g.m.limits
	if g.m.transform.MeridianFlips() && !l.MeridianOK(c.H, side) {
		return 0, 0, false
	}
	c.PierSide = side
	a1, a2 = g.m.transform.MountToInstrument(c)
	for _, d := range []float64{0, -coord.Deg360, coord.Deg360} {
		if l.InAxisRange(a1+d, a2) {
			return a1 + d, a2, true
		}
	}
	return 0, 0, false
}

// waypointFor picks the intermediate stop of a pier side change.
func (g *Goto) waypointFor(current coord.Coordinate) (coord.Coordinate, Stage) {
	if math.Abs(coord.WrapPi(current.H)) > avoidHourAngle {
		s := 1.0
		if current.PierSide == coord.PierSideWest {
			s = -1
		}
		lat := g.m.transform.Latitude()
		// declination on the other side of the equator from the site
		marginal := current.D*lat < 0
		var h float64
		switch {
		case math.Abs(lat) < marginalLatitude && current.A < marginalAltitude && marginal:
			h = s * marginalWaypoint
		case current.A < avoidAltitude:
			h = s * avoidWaypointHA
		}
		if h != 0 {
			wp := coord.Coordinate{H: h, D: current.D, PierSide: current.PierSide}
			wp.A1, wp.A2 = g.m.transform.MountToInstrument(wp)
			debug.Verbose("Goto avoid waypoint at HA %.1f°", h/coord.Deg)
			return wp, StageWaypointAvoid
		}
	}
	return g.m.home.coordinate, StageWaypointHome
}

// setNearOffset places the near-destination target a little short of the
// destination along the direction of travel from.
func (g *Goto) setNearOffset(from coord.Coordinate) {
	g.nearOffset1, g.nearOffset2 = 0, 0
	g.useNearOffset = false
	d := g.destination
	if g.purpose != PurposeNormal || !g.m.transform.MountType().Equatorial() || math.Abs(d.D) >= nearOffsetMaxDec {
		return
	}
	off := g.m.cfg.NearOffset
	g.nearOffset1 = -math.Copysign(off, d.A1-from.A1)
	g.nearOffset2 = -math.Copysign(off, d.A2-from.A2)
	if math.Abs(d.A1-from.A1) < off {
		g.nearOffset1 = 0
	}
	if math.Abs(d.A2-from.A2) < off {
		g.nearOffset2 = 0
	}
	g.useNearOffset = true
}

// stageTarget returns the instrument angles of the current stage.
func (g *Goto) stageTarget() (a1, a2 float64) {
	switch g.stage {
	case StageWaypointHome, StageWaypointAvoid:
		return g.waypoint.A1, g.waypoint.A2
	}

	d := g.destination
	a1, a2 = d.A1, d.A2
	if g.m.tracking && g.purpose == PurposeNormal {
		// follow the sky: the hour angle of the target keeps growing
		c := g.m.transform.RightAscensionToHourAngle(d)
		t1, t2 := g.m.transform.MountToInstrument(c)
		a1 = t1 + coord.Deg360*math.Round((d.A1-t1)/coord.Deg360)
		a2 = t2
	}
	if g.stage == StageNearDestination && g.useNearOffset {
		a1 += g.nearOffset1
		a2 += g.nearOffset2
	}
	return a1, a2
}

// setAxisTargets points the axes at the current stage target. With
// movingOnly set, axes that have already stopped are left alone.
func (g *Goto) setAxisTargets(movingOnly bool) {
	a1, a2 := g.stageTarget()
	a1 = g.m.axis1.UnwrapNearest(a1)
	a2 = g.m.axis2.UnwrapNearest(a2)
	park := g.purpose == PurposePark && g.stage == StageDestination
	for i, a := range g.m.axes() {
		if (i == 1 && g.m.cfg.TangentArm) || (movingOnly && !a.IsSlewing()) {
			continue
		}
		v := a1
		if i == 1 {
			v = a2
		}
		if park {
			a.SetTargetCoordinatePark(v)
		} else {
			a.SetTargetCoordinate(v)
		}
	}
}

// startAutoSlew starts both axes toward the current stage target at the
// goto rate, with the same acceleration distance so they accelerate in the
// same time.
func (g *Goto) startAutoSlew() error {
	g.setAxisTargets(false)
	rate := g.m.gotoRate()
	accel := g.m.cfg.AccelDistance
	for i, a := range g.m.axes() {
		if i == 1 && g.m.cfg.TangentArm {
			continue
		}
		if a.AtTarget() {
			continue
		}
		if err := a.AutoGoto(accel, rate); err != nil {
			return fmt.Errorf("%s: %w", a.Name(), err)
		}
	}
	return nil
}

// Poll runs the goto stage machine. It is scheduled while a goto is active.
func (g *Goto) poll() {
	if g.state == StateNone {
		g.m.sched.Cancel(g.monitor)
		return
	}

	if g.stage == StageReadyAbort {
		for _, a := range g.m.axes() {
			a.AutoSlewStop()
		}
		g.stage = StageAbort
		return
	}

	if g.stage != StageAbort {
		if err := g.axisFault(); err != nil {
			g.abort(err)
			return
		}
	}

	if g.m.axis1.IsSlewing() || g.m.axis2.IsSlewing() {
		if g.stage == StageNearDestination || g.stage == StageDestination {
			if g.m.tracking && g.purpose == PurposeNormal {
				g.setAxisTargets(true)
			}
		}
		return
	}

	switch g.stage {
	case StageAbort:
		g.finish(false)
		return
	case StageWaypointAvoid:
		g.waypoint = g.m.home.coordinate
		g.setStage(StageWaypointHome)
	case StageWaypointHome:
		if g.settings.PauseAtHome && !g.resume {
			if !g.paused {
				debug.Info("Goto paused at home, waiting for resume")
				g.paused = true
			}
			return
		}
		g.paused = false
		g.setStage(StageNearDestination)
		g.setNearOffset(g.m.mountPosition())
	case StageNearDestination:
		g.setStage(StageDestination)
		if !g.alignActive {
			g.nearOffset1, g.nearOffset2 = 0, 0
			g.useNearOffset = false
		}
	case StageDestination:
		g.finish(true)
		return
	}

	if err := g.startAutoSlew(); err != nil {
		g.abort(err)
	}
}

// axisFault returns the first motion error raised on an axis during the
// goto, or a driver fault.
func (g *Goto) axisFault() error {
	for _, a := range g.m.axes() {
		if err := a.LastError(); err != nil {
			return fmt.Errorf("%s: %w", a.Name(), err)
		}
		if a.Fault() {
			return fmt.Errorf("%s: %w", a.Name(), cmderr.ErrHardwareFault)
		}
	}
	return nil
}

func (g *Goto) setStage(s Stage) {
	debug.Stage(g.stage, s)
	g.stage = s
}

// abort stops both axes with the abort deceleration and ends the goto
// once they have stopped.
func (g *Goto) abort(err error) {
	debug.Info("Goto aborted: %v", err)
	g.lastError = err
	for _, a := range g.m.axes() {
		a.AutoSlewAbort()
	}
	g.setStage(StageAbort)
}

func (g *Goto) finish(success bool) {
	g.m.sched.Cancel(g.monitor)
	g.monitor = 0
	g.state = StateNone
	g.stage = StageNone
	g.paused = false
	if !success && g.lastError == nil {
		g.lastError = cmderr.ErrGotoAborted
	}
	if success {
		debug.Info("Goto done at %s", g.m.mountPosition())
	} else {
		debug.Info("Goto ended: %v", g.lastError)
	}

	switch g.purpose {
	case PurposeHome:
		g.m.home.gotoDone(success)
	case PurposePark:
		g.m.park.gotoDone(success)
	}
}

// Stop asks a running goto to decelerate and end. It is a no-op once the
// abort is under way.
func (g *Goto) Stop() {
	if g.state == StateNone || g.stage == StageAbort || g.stage == StageReadyAbort {
		return
	}
	debug.Info("Goto stop requested")
	g.lastError = cmderr.ErrGotoAborted
	g.setStage(StageReadyAbort)
}

// Resume continues a goto paused at the home waypoint.
func (g *Goto) Resume() error {
	if g.state == StateNone || g.stage != StageWaypointHome {
		return fmt.Errorf("no goto waiting at home: %w", cmderr.ErrInvalidArgument)
	}
	g.resume = true
	return nil
}

// AlignStart begins an alignment of n stars. Near-destination offsets are
// kept through the final approach while it runs.
func (g *Goto) AlignStart(n int) error {
	if n < 1 || n > 9 {
		return cmderr.ErrInvalidArgument
	}
	g.alignActive = true
	g.alignStars = n
	g.alignStar = 0
	g.m.transform.ResetAlignment()
	return nil
}

// AlignAccept syncs the alignment model on the last native goto target,
// centred by the user at the current position.
func (g *Goto) AlignAccept() error {
	if !g.alignActive {
		return fmt.Errorf("no alignment running: %w", cmderr.ErrInvalidArgument)
	}
	if g.state != StateNone {
		return cmderr.ErrInMotion
	}
	al, ok := g.m.transform.(aligner)
	if !ok {
		return cmderr.ErrNotSupported
	}
	al.Sync(g.native, g.m.mountPosition())
	g.alignStar++
	if g.alignStar >= g.alignStars {
		g.alignActive = false
	}
	return nil
}

func (g *Goto) State() State { return g.state }

func (g *Goto) Stage() Stage { return g.stage }

func (g *Goto) Paused() bool { return g.paused }

// Destination returns the resolved target of the current or last goto.
func (g *Goto) Destination() coord.Coordinate { return g.destination }

func (g *Goto) LastError() error { return g.lastError }

// GotoStatus is a display snapshot of the goto.
type GotoStatus struct {
	State       string  `json:"state"`
	Stage       string  `json:"stage"`
	TargetHADeg float64 `json:"targetHaDeg"`
	TargetDec   float64 `json:"targetDecDeg"`
	PierSide    string  `json:"pierSide"`
	Paused      bool    `json:"paused"`
	AlignStar   int     `json:"alignStar,omitempty"`
	AlignStars  int     `json:"alignStars,omitempty"`
	LastError   string  `json:"lastError,omitempty"`
}

func (g *Goto) Status() GotoStatus {
	st := GotoStatus{
		State:       g.state.String(),
		Stage:       g.stage.String(),
		TargetHADeg: g.destination.H / coord.Deg,
		TargetDec:   g.destination.D / coord.Deg,
		PierSide:    g.destination.PierSide.String(),
		Paused:      g.paused,
	}
	if g.alignActive {
		st.AlignStar, st.AlignStars = g.alignStar, g.alignStars
	}
	if g.lastError != nil {
		st.LastError = g.lastError.Error()
	}
	return st
}
