package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cjeanneret/MountGo/internal/debug"
	"github.com/cjeanneret/MountGo/internal/logic/coord"
	"github.com/cjeanneret/MountGo/internal/logic/motion"
	"github.com/cjeanneret/MountGo/internal/web"
)

// withSystem loads the config, starts the mount and runs fn with it. The
// mount is stopped and released afterwards.
func withSystem(timeout time.Duration, fn func(ctx context.Context, sys *system) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sys, err := newSystem(cfg)
	if err != nil {
		return err
	}
	defer sys.Close()

	stop := sys.Start(context.Background())
	defer stop()

	err = fn(ctx, sys)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		sys.sched.Do(sys.mount.Stop)
		stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelStop()
		sys.Wait(stopCtx, idle)
	}
	return err
}

// idle reports that no goto, homing or manual slew is running.
func idle(m *motion.Mount) bool {
	return m.Goto().State() == motion.StateNone && !m.Home().Active() &&
		!m.Axis1().IsSlewing() && !m.Axis2().IsSlewing()
}

func printPosition(sys *system) {
	var st motion.Status
	sys.sched.Do(func() { st = sys.mount.Status() })
	fmt.Printf("HA %.4f°  Dec %.4f°  Alt %.2f°  Az %.2f°  pier %s\n",
		st.HADeg, st.DecDeg, st.AltDeg, st.AzDeg, st.PierSide)
}

type GotoCommand struct {
	HA       string        `long:"ha" description:"Target hour angle in degrees (-180..180)"`
	RA       string        `long:"ra" description:"Target right ascension in hours (0..24)"`
	Dec      float64       `long:"dec" required:"true" description:"Target declination in degrees"`
	PierSide string        `long:"pier-side" default:"best" choice:"best" choice:"east" choice:"west" choice:"east-only" choice:"west-only" choice:"same-only" description:"Pier side selection"`
	Native   bool          `long:"native" description:"Target is in the sky frame, apply the alignment model"`
	Track    bool          `long:"track" description:"Keep tracking after arrival until interrupted"`
	Timeout  time.Duration `long:"timeout" default:"10m" description:"Give up after this long"`
}

// request builds the HTTP-equivalent goto request from the flags.
func (c *GotoCommand) request() (web.GotoRequest, error) {
	req := web.GotoRequest{DecDeg: c.Dec, PierSide: c.PierSide, Native: c.Native}
	if c.HA != "" {
		v, err := strconv.ParseFloat(c.HA, 64)
		if err != nil {
			return req, fmt.Errorf("--ha: %w", err)
		}
		req.HADeg = &v
	}
	if c.RA != "" {
		v, err := strconv.ParseFloat(c.RA, 64)
		if err != nil {
			return req, fmt.Errorf("--ra: %w", err)
		}
		req.RAHours = &v
	}
	if err := web.ValidateGotoRequest(req); err != nil {
		return req, err
	}
	return req, nil
}

func (c *GotoCommand) Execute(args []string) error {
	req, err := c.request()
	if err != nil {
		return err
	}
	pss, _ := motion.ParsePierSideSelect(req.PierSide)

	return withSystem(c.Timeout, func(ctx context.Context, sys *system) error {
		m := sys.mount
		sys.sched.Do(func() {
			err = m.Goto().Request(req.Target(m.Transform()), pss, req.Native)
		})
		if err != nil {
			return fmt.Errorf("goto: %w", err)
		}
		debug.Info("Goto started")

		if err := sys.Wait(ctx, func(m *motion.Mount) bool {
			if m.Goto().Paused() {
				debug.Info("Paused at home, resuming")
				m.Goto().Resume()
			}
			return m.Goto().State() == motion.StateNone
		}); err != nil {
			return err
		}
		sys.sched.Do(func() { err = m.Goto().LastError() })
		if err != nil {
			return fmt.Errorf("goto: %w", err)
		}
		printPosition(sys)

		if !c.Track {
			return nil
		}
		sys.sched.Do(func() { err = m.SetTracking(true) })
		if err != nil {
			return fmt.Errorf("tracking: %w", err)
		}
		fmt.Println("Tracking, press Ctrl-C to stop")
		<-ctx.Done()
		return nil
	})
}

type HomeCommand struct {
	Reset   bool          `long:"reset" description:"Declare the current position as home without moving"`
	Full    bool          `long:"full" description:"With --reset, also power down and clear the alignment"`
	Timeout time.Duration `long:"timeout" default:"10m" description:"Give up after this long"`
}

func (c *HomeCommand) Execute(args []string) error {
	if c.Full && !c.Reset {
		return errors.New("--full requires --reset")
	}
	return withSystem(c.Timeout, func(ctx context.Context, sys *system) error {
		m := sys.mount
		var err error
		if c.Reset {
			sys.sched.Do(func() { err = m.Home().Reset(c.Full) })
			if err != nil {
				return fmt.Errorf("home reset: %w", err)
			}
			printPosition(sys)
			return nil
		}

		sys.sched.Do(func() { err = m.Home().Request(true) })
		if err != nil {
			return fmt.Errorf("home: %w", err)
		}
		if err := sys.Wait(ctx, idle); err != nil {
			return err
		}
		sys.sched.Do(func() {
			err = m.Home().LastError()
			if err == nil && !m.IsHome() {
				err = errors.New("did not reach home")
			}
		})
		if err != nil {
			return fmt.Errorf("home: %w", err)
		}
		printPosition(sys)
		return nil
	})
}

type ParkCommand struct {
	Unpark  bool          `long:"unpark" description:"Restore the parked position and power the axes"`
	Timeout time.Duration `long:"timeout" default:"10m" description:"Give up after this long"`
}

func (c *ParkCommand) Execute(args []string) error {
	return withSystem(c.Timeout, func(ctx context.Context, sys *system) error {
		m := sys.mount
		var err error
		if c.Unpark {
			sys.sched.Do(func() { err = m.Park().Unpark() })
			if err != nil {
				return fmt.Errorf("unpark: %w", err)
			}
			printPosition(sys)
			return nil
		}

		sys.sched.Do(func() { err = m.Park().Park() })
		if err != nil {
			return fmt.Errorf("park: %w", err)
		}
		if err := sys.Wait(ctx, func(m *motion.Mount) bool {
			return m.Goto().State() == motion.StateNone
		}); err != nil {
			return err
		}
		var a1, a2 float64
		sys.sched.Do(func() {
			err = m.Park().LastError()
			if err == nil && !m.IsParked() {
				err = errors.New("did not park")
			}
			a1, a2 = m.Axis1().InstrumentCoordinate(), m.Axis2().InstrumentCoordinate()
		})
		if err != nil {
			return fmt.Errorf("park: %w", err)
		}
		fmt.Printf("Parked at axis1 %.4f° axis2 %.4f°\n", a1/coord.Deg, a2/coord.Deg)
		return nil
	})
}
