package motion

import (
	"fmt"

	"github.com/cjeanneret/MountGo/internal/debug"
	"github.com/cjeanneret/MountGo/internal/logic/cmderr"
	"github.com/cjeanneret/MountGo/internal/logic/coord"
	"github.com/cjeanneret/MountGo/internal/nv"
)

type parkRecord struct {
	Parked uint8
	_      [7]byte
	A1, A2 float64
}

// Park moves the mount to its park position, powers it down and remembers
// the axis positions across restarts.
type Park struct {
	m         *Mount
	a1, a2    float64
	lastError error
}

func newPark(m *Mount) *Park {
	return &Park{m: m}
}

// load restores a parked state saved by a previous run.
func (p *Park) load() error {
	var r parkRecord
	if err := nv.Read(p.m.store, nv.ParkOffset, &r); err != nil {
		return fmt.Errorf("read park state: %w", err)
	}
	if !p.m.store.HasValidKey() || r.Parked == 0 {
		return nil
	}
	p.a1, p.a2 = r.A1, r.A2
	for i, a := range p.m.axes() {
		v := p.a1
		if i == 1 {
			v = p.a2
		}
		a.SetInstrumentCoordinatePark(v)
		a.Enable(false)
	}
	p.m.parked = true
	p.m.atHome = false
	debug.Info("Mount parked at axis1 %.4f° axis2 %.4f°", p.a1/coord.Deg, p.a2/coord.Deg)
	return nil
}

func (p *Park) save(parked bool) error {
	r := parkRecord{Parked: boolByte(parked), A1: p.a1, A2: p.a2}
	if err := nv.Write(p.m.store, nv.ParkOffset, r); err != nil {
		return fmt.Errorf("write park state: %w", err)
	}
	return p.m.store.Commit()
}

// target is the park position in hour angle and declination.
func (p *Park) target() coord.Coordinate {
	c := p.m.home.coordinate
	t := coord.Coordinate{H: c.H, D: c.D}
	if v := p.m.cfg.ParkH; v != nil {
		t.H = *v
	}
	if v := p.m.cfg.ParkD; v != nil {
		t.D = *v
	}
	return t
}

// Park starts the goto to the park position. The mount is parked once it
// arrives.
func (p *Park) Park() error {
	if p.m.parked {
		return cmderr.ErrInPark
	}
	p.lastError = nil
	if err := p.m.gt.request(p.target(), PierSideBest, PurposePark); err != nil {
		return err
	}
	p.m.setTracking(false)
	debug.Info("Parking")
	return nil
}

// gotoDone is called by Goto when the park goto ends.
func (p *Park) gotoDone(success bool) {
	if !success {
		p.lastError = p.m.gt.lastError
		debug.Info("Park failed: %v", p.lastError)
		return
	}
	p.a1 = p.m.axis1.InstrumentCoordinate()
	p.a2 = p.m.axis2.InstrumentCoordinate()
	p.m.Enable(false)
	p.m.parked = true
	if err := p.save(true); err != nil {
		p.lastError = err
		debug.Error(fmt.Errorf("park state not saved: %w", err))
		return
	}
	debug.Info("Parked")
}

// Unpark restores the parked positions and powers the axes.
func (p *Park) Unpark() error {
	if !p.m.parked {
		return cmderr.ErrNotParked
	}
	for i, a := range p.m.axes() {
		v := p.a1
		if i == 1 {
			v = p.a2
		}
		a.SetInstrumentCoordinatePark(v)
	}
	p.m.parked = false
	p.m.Enable(true)
	if err := p.save(false); err != nil {
		return err
	}
	debug.Info("Unparked")
	return nil
}

func (p *Park) LastError() error { return p.lastError }
