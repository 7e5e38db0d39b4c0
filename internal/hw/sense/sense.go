// Package sense tracks home and limit switch inputs.
package sense

import (
	"sync"

	"github.com/cjeanneret/MountGo/internal/debug"
	"github.com/cjeanneret/MountGo/internal/hw/gpio"
)

// Handle identifies a registered input. The zero Handle is "no sense":
// IsOn and Changed always report false for it.
type Handle int

// None is the handle returned for an unconfigured pin.
const None Handle = 0

type input struct {
	pin     int
	trigger gpio.Level
	last    bool
}

// Sense reads switch inputs through a gpio.Driver.
type Sense struct {
	gpio   gpio.Driver
	mu     sync.Mutex
	inputs []input
}

func New(g gpio.Driver) *Sense {
	return &Sense{gpio: g}
}

// Add registers pin as a switch input. initState selects the input bias and
// trigger is the level at which the switch counts as "on". A pin <= 0 means
// the switch is not fitted and None is returned.
func (s *Sense) Add(pin int, initState gpio.PinMode, trigger gpio.Level) (Handle, error) {
	if pin <= 0 {
		return None, nil
	}
	if err := s.gpio.SetupPin(pin, initState); err != nil {
		return None, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	in := input{pin: pin, trigger: trigger}
	s.inputs = append(s.inputs, in)
	h := Handle(len(s.inputs))
	s.inputs[h-1].last = s.read(&s.inputs[h-1])
	debug.Verbose("Sense: pin %d registered as handle %d (trigger %s)", pin, h, trigger)
	return h, nil
}

func (s *Sense) read(in *input) bool {
	lvl, err := s.gpio.ReadPin(in.pin)
	if err != nil {
		debug.Error(err)
		return false
	}
	return lvl == in.trigger
}

// IsOn reports whether the switch behind h is currently triggered.
func (s *Sense) IsOn(h Handle) bool {
	if h == None {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(h) > len(s.inputs) {
		return false
	}
	return s.read(&s.inputs[h-1])
}

// Changed reports whether the switch state differs from the last call to
// Changed (or from registration).
func (s *Sense) Changed(h Handle) bool {
	if h == None {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(h) > len(s.inputs) {
		return false
	}
	in := &s.inputs[h-1]
	on := s.read(in)
	changed := on != in.last
	in.last = on
	return changed
}
