package motor

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// maxStepsPerAdvance bounds the work done by one Advance call, so a stalled
// caller cannot make the model spin through a huge backlog of steps.
const maxStepsPerAdvance = 1 << 16

// timeEpsilon absorbs float drift when dt is an exact multiple of the period.
const timeEpsilon = 1e-9

// Steps is the step-counting model shared by every Motor variant.
//
// When synchronized, the commanded frequency moves the target and the motor
// chases it (tracking and time-based slews). When not synchronized, the
// target is fixed and the motor moves toward it at the commanded rate
// (distance-based gotos). Backlash is a slack of BacklashSteps that must be
// taken up, at the backlash frequency, whenever the direction reverses.
type Steps struct {
	freq atomic.Uint64 // float64 bits, signed steps/s

	mu           sync.Mutex
	motor        int64
	target       int64
	index        int64
	origin       int64
	slack        int64 // current position inside the backlash, 0..backlash
	backlash     int64
	backlashFreq float64
	synchronized bool
	slewing      bool
	enabled      bool
	reverse      bool
	acc          float64 // seconds accumulated toward the next step
}

func NewSteps() *Steps {
	return &Steps{synchronized: true, enabled: true}
}

func (s *Steps) SetFrequencySteps(stepsPerSecond float64) {
	s.freq.Store(math.Float64bits(stepsPerSecond))
}

func (s *Steps) FrequencySteps() float64 {
	return math.Float64frombits(s.freq.Load())
}

func (s *Steps) MotorPositionSteps() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.motor
}

func (s *Steps) IndexPositionSteps() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

func (s *Steps) InstrumentCoordinateSteps() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.motor + s.index
}

func (s *Steps) TargetCoordinateSteps() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target + s.index
}

func (s *Steps) TargetDistanceSteps() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return abs64(s.target - s.motor)
}

func (s *Steps) OriginOrTargetDistanceSteps() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := abs64(s.motor - s.origin)
	t := abs64(s.target - s.motor)
	if o < t {
		return o
	}
	return t
}

func (s *Steps) SetTargetCoordinateSteps(steps int64) {
	s.mu.Lock()
	s.target = steps - s.index
	s.mu.Unlock()
}

// SetTargetCoordinateParkSteps sets the target aligned to a multiple of
// subdivisions in motor steps, so a parked motor rests on a full step.
func (s *Steps) SetTargetCoordinateParkSteps(steps int64, subdivisions int) {
	s.mu.Lock()
	s.target = roundTo(steps-s.index, subdivisions)
	s.mu.Unlock()
}

func (s *Steps) SetInstrumentCoordinateSteps(steps int64) {
	s.mu.Lock()
	s.index = steps - s.motor
	s.target = s.motor
	s.mu.Unlock()
}

// SetInstrumentCoordinateParkSteps restores the index after unpark: the motor
// is assumed to rest on the same subdivision boundary it was parked on.
func (s *Steps) SetInstrumentCoordinateParkSteps(steps int64, subdivisions int) {
	s.mu.Lock()
	s.motor = roundTo(s.motor, subdivisions)
	s.index = steps - s.motor
	s.target = s.motor
	s.mu.Unlock()
}

func (s *Steps) ResetPositionSteps(steps int64) {
	s.mu.Lock()
	s.motor = steps
	s.target = steps
	s.origin = steps
	s.index = 0
	s.slack = 0
	s.acc = 0
	s.mu.Unlock()
}

func (s *Steps) MarkOriginCoordinateSteps() {
	s.mu.Lock()
	s.origin = s.motor
	s.mu.Unlock()
}

func (s *Steps) SetBacklashSteps(steps int64) {
	if steps < 0 {
		steps = 0
	}
	s.mu.Lock()
	s.backlash = steps
	if s.slack > steps {
		s.slack = steps
	}
	s.mu.Unlock()
}

func (s *Steps) BacklashSteps() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlash
}

func (s *Steps) SetBacklashFrequencySteps(stepsPerSecond float64) {
	s.mu.Lock()
	s.backlashFreq = math.Abs(stepsPerSecond)
	s.mu.Unlock()
}

func (s *Steps) InBacklash() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inBacklash(s.wantDir())
}

func (s *Steps) inBacklash(dir int64) bool {
	return (dir > 0 && s.slack < s.backlash) || (dir < 0 && s.slack > 0)
}

func (s *Steps) SetSynchronized(sync bool) {
	s.mu.Lock()
	s.synchronized = sync
	s.mu.Unlock()
}

func (s *Steps) SetSlewing(slewing bool) {
	s.mu.Lock()
	s.slewing = slewing
	s.mu.Unlock()
}

// wantDir is the direction the motor must step next: toward the target, or
// with the commanded rate when synchronized and already on target.
func (s *Steps) wantDir() int64 {
	switch {
	case s.target > s.motor:
		return 1
	case s.target < s.motor:
		return -1
	}
	if s.synchronized {
		f := s.FrequencySteps()
		if f > 0 {
			return 1
		} else if f < 0 {
			return -1
		}
	}
	return 0
}

func (s *Steps) Direction() Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.wantDir() {
	case 1:
		return DirForward
	case -1:
		return DirReverse
	}
	return DirNone
}

func (s *Steps) Enable(on bool) {
	s.mu.Lock()
	s.enabled = on
	s.mu.Unlock()
}

func (s *Steps) SetReverse(reverse bool) {
	s.mu.Lock()
	s.reverse = reverse
	s.mu.Unlock()
}

// Reversed reports whether the physical direction is inverted.
func (s *Steps) Reversed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reverse
}

func (s *Steps) DriverStatus() DriverStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DriverStatus{
		Standstill: s.FrequencySteps() == 0 && s.motor == s.target,
		Enabled:    s.enabled,
	}
}

// Advance runs the step model for dt. onStep, when set, is called for every
// physical step with the electrical direction (reverse already applied).
// It returns the number of physical steps taken.
func (s *Steps) Advance(dt time.Duration, onStep func(forward bool)) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		s.acc = 0
		return 0
	}

	rate := math.Abs(s.FrequencySteps())
	s.acc += dt.Seconds()
	n := 0
	for n < maxStepsPerAdvance {
		dir := s.wantDir()
		r := rate
		if dir != 0 && s.inBacklash(dir) && s.backlashFreq > r {
			r = s.backlashFreq
		}
		if dir == 0 || r <= 0 {
			s.acc = 0
			break
		}
		period := 1 / r
		if s.acc+timeEpsilon < period {
			break
		}
		s.acc -= period
		if !s.step(onStep) {
			break
		}
		n++
	}
	return n
}

// step advances the model by one step period. Returns true if the motor
// physically stepped (including steps spent inside the backlash).
func (s *Steps) step(onStep func(forward bool)) bool {
	dir := s.wantDir()
	if dir == 0 {
		return false
	}

	if s.inBacklash(dir) {
		s.slack += dir
		s.emit(dir > 0, onStep)
		return true
	}

	if s.synchronized {
		f := s.FrequencySteps()
		if f > 0 {
			s.target++
		} else if f < 0 {
			s.target--
		}
	}

	switch {
	case s.motor < s.target:
		s.motor++
		s.emit(true, onStep)
	case s.motor > s.target:
		s.motor--
		s.emit(false, onStep)
	default:
		return false
	}
	return true
}

func (s *Steps) emit(forward bool, onStep func(forward bool)) {
	if onStep != nil {
		onStep(forward != s.reverse)
	}
}

func roundTo(v int64, subdivisions int) int64 {
	if subdivisions <= 1 {
		return v
	}
	d := int64(subdivisions)
	r := v % d
	if r < 0 {
		r += d
	}
	if r*2 >= d {
		return v - r + d
	}
	return v - r
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
