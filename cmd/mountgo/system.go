package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/MountGo/internal/config"
	"github.com/cjeanneret/MountGo/internal/debug"
	"github.com/cjeanneret/MountGo/internal/hw/gpio"
	"github.com/cjeanneret/MountGo/internal/hw/motor"
	"github.com/cjeanneret/MountGo/internal/hw/odrive"
	"github.com/cjeanneret/MountGo/internal/hw/sense"
	"github.com/cjeanneret/MountGo/internal/hw/servo"
	"github.com/cjeanneret/MountGo/internal/hw/stepper"
	"github.com/cjeanneret/MountGo/internal/hw/tic"
	"github.com/cjeanneret/MountGo/internal/logic/axis"
	"github.com/cjeanneret/MountGo/internal/logic/coord"
	"github.com/cjeanneret/MountGo/internal/logic/geometry"
	"github.com/cjeanneret/MountGo/internal/logic/limits"
	"github.com/cjeanneret/MountGo/internal/logic/motion"
	"github.com/cjeanneret/MountGo/internal/nv"
	"github.com/cjeanneret/MountGo/internal/scheduler"
)

// system is a fully wired mount: hardware, control loop and settings store.
type system struct {
	cfg   *config.Config
	gpio  gpio.Driver
	store *nv.File
	sched *scheduler.Scheduler
	mount *motion.Mount

	steppers []*stepper.Stepper
	closers  []func() error
}

// loadConfig reads the config named by --config and applies --debug.
func loadConfig() (*config.Config, error) {
	path := configPath()
	if err := config.ValidateConfigPath(path); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.Debug >= 0 {
		cfg.Defaults.DebugLevel = opts.Debug
	}
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Value("Config path", path)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	return cfg, nil
}

// newSystem builds the mount described by cfg. Close releases the hardware.
func newSystem(cfg *config.Config) (s *system, err error) {
	s = &system{cfg: cfg}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	debug.Section("Initialization")

	backend := cfg.Defaults.GPIOBackend
	if cfg.Defaults.MockGPIO {
		backend = gpio.BackendMock
	}
	debug.Step(1, "Initializing GPIO driver")
	debug.Value("GPIO backend", backend)
	s.gpio, err = gpio.NewDriver(backend, cfg.Defaults.GPIOChip)
	if err != nil {
		return nil, fmt.Errorf("init GPIO: %w", err)
	}
	s.closers = append(s.closers, s.gpio.Close)
	sn := sense.New(s.gpio)

	debug.Step(2, "Opening settings store")
	s.store, err = nv.OpenFile(cfg.NV.Path, nv.DefaultSize)
	if err != nil {
		return nil, err
	}
	debug.Value("NV path", cfg.NV.Path)

	debug.Step(3, "Initializing axes")
	steps := geometry.NewStepsCalculator(cfg)
	tick := cfg.Tick()
	a1, err := s.newAxis(1, cfg.Axis1, steps.Axis1StepsPerRadian(), sn)
	if err != nil {
		return nil, err
	}
	a2, err := s.newAxis(2, cfg.Axis2, steps.Axis2StepsPerRadian(), sn)
	if err != nil {
		return nil, err
	}

	debug.Step(4, "Initializing mount")
	tr := coord.NewBasic(mountType(cfg.Mount.Type), cfg.Latitude(), cfg.Longitude(), time.Now)
	// travel ranges come from the axis settings: after first boot NV wins
	// over the config
	s1, s2 := a1.Settings(), a2.Settings()
	lim := limits.New(limits.Settings{
		Horizon:       cfg.Limits.HorizonDeg * coord.Deg,
		Overhead:      cfg.Limits.OverheadDeg * coord.Deg,
		PastMeridianE: cfg.Limits.PastMeridianEastDeg * coord.Deg,
		PastMeridianW: cfg.Limits.PastMeridianWestDeg * coord.Deg,
	},
		limits.Range{Min: s1.Min, Max: s1.Max},
		limits.Range{Min: s2.Min, Max: s2.Max})
	s.sched = scheduler.New(tick)

	mcfg, err := mountConfig(cfg)
	if err != nil {
		return nil, err
	}
	debug.Value("Slew rate (°/s)", steps.SlewRateDegPerSec(cfg.Goto.UsPerStep))
	s.mount = motion.New(mcfg, a1, a2, tr, lim, s.sched, s.store)
	if err := s.mount.Init(); err != nil {
		return nil, fmt.Errorf("init mount: %w", err)
	}
	if !s.mount.IsParked() {
		s.mount.Enable(true)
	}
	return s, nil
}

// newAxis creates the motor named by the axis driver and the axis on top.
func (s *system) newAxis(n int, a config.AxisConfig, stepsPerRadian float64, sn *sense.Sense) (*axis.Axis, error) {
	tick := s.cfg.Tick()
	m, err := s.newMotor(a, tick)
	if err != nil {
		return nil, fmt.Errorf("axis%d motor: %w", n, err)
	}
	ac := axisConfig(n, a, stepsPerRadian, s.cfg)
	debug.PrintStruct(fmt.Sprintf("Axis%d config", n), ac)

	ax := axis.New(ac, sn, time.Now)
	if err := ax.Init(m, s.store); err != nil {
		return nil, fmt.Errorf("axis%d init: %w", n, err)
	}
	return ax, nil
}

func (s *system) newMotor(a config.AxisConfig, tick time.Duration) (motor.Motor, error) {
	switch a.Driver {
	case config.DriverStepDir:
		st := stepper.NewStepper(s.gpio, stepper.Config{
			StepPin:    a.StepDir.StepPin,
			DirPin:     a.StepDir.DirPin,
			EnablePin:  a.StepDir.EnablePin,
			FaultPin:   a.StepDir.FaultPin,
			PulseWidth: time.Duration(a.StepDir.PulseWidthUs) * time.Microsecond,
		})
		s.steppers = append(s.steppers, st)
		return st, nil
	case config.DriverServo:
		sv, closeFn, err := servo.Open(a.Servo.Port, servo.Config{ID: a.Servo.ID, Center: a.Servo.Center, Tick: tick})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, closeFn)
		return sv, nil
	case config.DriverODrive:
		od, closeFn, err := odrive.Open(a.ODrive.Port, a.ODrive.Baud, odrive.Config{
			Axis:         a.ODrive.Axis,
			StepsPerTurn: a.ODrive.StepsPerTurn,
			Tick:         tick,
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, closeFn)
		return od, nil
	case config.DriverTic:
		t, closeFn, err := tic.Open(tic.Config{
			Bus:     a.Tic.Bus,
			Addr:    uint16(a.Tic.Addr),
			Variant: a.Tic.Variant,
			Tick:    tick,
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, closeFn)
		return t, nil
	default:
		return motor.NewSim(tick), nil
	}
}

// axisConfig converts the YAML axis section to radians.
func axisConfig(n int, a config.AxisConfig, stepsPerRadian float64, cfg *config.Config) axis.Config {
	return axis.Config{
		Number: n,
		Name:   fmt.Sprintf("Axis%d", n),
		Unit:   axis.UnitRadians,
		Tick:   cfg.Tick(),
		Pins: axis.Pins{
			Home:         a.Sense.HomePin,
			Min:          a.Sense.MinPin,
			Max:          a.Sense.MaxPin,
			HomeTrigger:  level(a.Sense.HomeTrigger),
			LimitTrigger: level(a.Sense.LimitTrigger),
			Pull:         pull(a.Sense.Pull),
			HomeReverse:  a.Sense.HomeReverse,
			CommonMinMax: a.Sense.CommonMinMax,
		},
		Defaults: axis.Settings{
			StepsPerMeasure: stepsPerRadian,
			Reverse:         a.Reverse,
			Min:             a.MinDeg * coord.Deg,
			Max:             a.MaxDeg * coord.Deg,
			Backlash:        a.BacklashDeg() * coord.Deg,
			BacklashFreq:    a.BacklashRateDegS * coord.Deg,
		},
		HomeDistanceLimit: a.Sense.HomeDistanceLimitDeg * coord.Deg,
		PowerDown: axis.PowerDown{
			Enabled:        a.PowerDown.Enabled,
			Delay:          a.PowerDownDelay(),
			OverrideWindow: a.PowerDownOverride(),
		},
		Wrap:            a.Wrap,
		MaxFreq:         a.MaxRateDegS * coord.Deg,
		AccelDistance:   cfg.Goto.AccelDistanceDeg * coord.Deg,
		AbortAccelRatio: cfg.Goto.AbortAccelRatio,
		Subdivisions:    geometry.Subdivisions(a),
	}
}

// mountConfig converts the mount and goto sections to radians.
func mountConfig(cfg *config.Config) (motion.Config, error) {
	pss, err := motion.ParsePierSideSelect(cfg.Goto.PreferredPierSide)
	if err != nil {
		return motion.Config{}, fmt.Errorf("goto.preferred_pier_side: %w", err)
	}
	return motion.Config{
		Tick:          cfg.Tick(),
		TangentArm:    cfg.Mount.TangentArm,
		HomeAxis1:     radians(cfg.Mount.HomeAxis1Deg),
		HomeAxis2:     radians(cfg.Mount.HomeAxis2Deg),
		ParkH:         radians(cfg.Mount.ParkHADeg),
		ParkD:         radians(cfg.Mount.ParkDecDeg),
		AccelDistance: cfg.Goto.AccelDistanceDeg * coord.Deg,
		NearOffset:    cfg.Goto.NearOffsetDeg * coord.Deg,
		Goto: motion.Settings{
			AutoMeridianFlip:  cfg.Goto.AutoMeridianFlip,
			PauseAtHome:       cfg.Goto.PauseAtHome,
			SkipHome:          cfg.Goto.SkipHome,
			PreferredPierSide: pss,
			UsPerStep:         cfg.Goto.UsPerStep,
		},
	}, nil
}

func radians(deg *float64) *float64 {
	if deg == nil {
		return nil
	}
	v := *deg * coord.Deg
	return &v
}

func mountType(s string) coord.MountType {
	switch s {
	case config.MountFork:
		return coord.MountFork
	case config.MountAltAz:
		return coord.MountAltAz
	default:
		return coord.MountGEM
	}
}

func level(s string) gpio.Level {
	return gpio.Level(s == "high")
}

func pull(s string) gpio.PinMode {
	switch s {
	case "up":
		return gpio.InputPullUp
	case "down":
		return gpio.InputPullDown
	default:
		return gpio.Input
	}
}

// Run starts the step generators and the control loop, and blocks until
// ctx is cancelled.
func (s *system) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, st := range s.steppers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st.Run(ctx)
		}()
	}
	err := s.sched.Run(ctx)
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Start runs the system in the background. The returned function stops it
// and waits for the loops to exit.
func (s *system) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil {
			debug.Error(fmt.Errorf("control loop: %w", err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Wait polls cond inside the control loop until it holds or ctx ends.
func (s *system) Wait(ctx context.Context, cond func(m *motion.Mount) bool) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		var ok bool
		s.sched.Do(func() { ok = cond(s.mount) })
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close saves pending settings and releases the hardware in reverse order.
func (s *system) Close() error {
	var errs []error
	if s.mount != nil {
		s.sched.Do(func() {
			s.mount.Enable(false)
			errs = append(errs, s.mount.Close())
		})
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
