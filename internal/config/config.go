package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a config file read by Load.
const MaxConfigFileBytes = 1 << 20

// Mount types.
const (
	MountGEM   = "gem"
	MountFork  = "fork"
	MountAltAz = "altaz"
)

// Axis drivers.
const (
	DriverSim     = "sim"
	DriverStepDir = "stepdir"
	DriverServo   = "servo"
	DriverODrive  = "odrive"
	DriverTic     = "tic"
)

// SiteConfig is the observing site.
type SiteConfig struct {
	LatitudeDeg  float64 `yaml:"latitude_deg"`  // north positive
	LongitudeDeg float64 `yaml:"longitude_deg"` // east positive
}

// MountConfig describes the mount geometry.
type MountConfig struct {
	Type       string `yaml:"type"`        // gem, fork or altaz
	TangentArm bool   `yaml:"tangent_arm"` // axis 2 is a tangent arm (no goto on axis 2)

	// Home position. When unset it is derived from the mount type and the
	// site latitude: GEM HA 90°, fork HA 0°, alt-az azimuth north (south
	// in the southern hemisphere); declination at the pole, altitude 0°.
	HomeAxis1Deg *float64 `yaml:"home_axis1_deg,omitempty"`
	HomeAxis2Deg *float64 `yaml:"home_axis2_deg,omitempty"`

	// Park position in hour angle / declination. Defaults to home.
	ParkHADeg  *float64 `yaml:"park_ha_deg,omitempty"`
	ParkDecDeg *float64 `yaml:"park_dec_deg,omitempty"`
}

// ControlConfig holds the control loop rate.
type ControlConfig struct {
	TickHz int `yaml:"tick_hz"` // axis and goto poll rate (default: 200)
}

// GotoConfig holds goto defaults. They seed the NV settings on first start.
type GotoConfig struct {
	UsPerStep         float64 `yaml:"us_per_step"`         // slew rate as axis 1 microseconds per step
	AccelDistanceDeg  float64 `yaml:"accel_distance_deg"`  // distance to reach slew rate (default: 5°)
	AbortAccelRatio   float64 `yaml:"abort_accel_ratio"`   // abort decel relative to slew accel (default: 2)
	NearOffsetDeg     float64 `yaml:"near_offset_deg"`     // near-destination buffer (default: 0.25°)
	AutoMeridianFlip  bool    `yaml:"auto_meridian_flip"`  // flip automatically at the west meridian limit
	PauseAtHome       bool    `yaml:"pause_at_home"`       // wait at the home waypoint for a resume
	SkipHome          bool    `yaml:"skip_home"`           // meridian flips go straight to the target
	PreferredPierSide string  `yaml:"preferred_pier_side"` // best, east or west (default: best)
}

// LimitsConfig holds the pointing limits.
type LimitsConfig struct {
	HorizonDeg          float64 `yaml:"horizon_deg"`
	OverheadDeg         float64 `yaml:"overhead_deg"` // default: 90
	PastMeridianEastDeg float64 `yaml:"past_meridian_east_deg"`
	PastMeridianWestDeg float64 `yaml:"past_meridian_west_deg"`
}

// SenseConfig wires home and limit switches for one axis. Pins are BCM
// numbers, 0 = not used.
type SenseConfig struct {
	HomePin              int     `yaml:"home_pin"`
	HomeTrigger          string  `yaml:"home_trigger"` // high or low (default: high)
	HomeReverse          bool    `yaml:"home_reverse"` // sensor "on" side is forward
	HomeDistanceLimitDeg float64 `yaml:"home_distance_limit_deg"`
	MinPin               int     `yaml:"min_pin"`
	MaxPin               int     `yaml:"max_pin"`
	LimitTrigger         string  `yaml:"limit_trigger"`  // high or low (default: low)
	CommonMinMax         bool    `yaml:"common_min_max"` // one switch serves both ends
	Pull                 string  `yaml:"pull"`           // up, down or none (default: up)
}

// PowerDownConfig switches the motor off after a standstill delay.
type PowerDownConfig struct {
	Enabled         bool `yaml:"enabled"`
	DelayMs         int  `yaml:"delay_ms"`         // default: 30000
	OverrideMinutes int  `yaml:"override_minutes"` // default: 10
}

// StepDirConfig holds the pins of a step/dir driver.
type StepDirConfig struct {
	StepPin      int `yaml:"step_pin"`
	DirPin       int `yaml:"dir_pin"`
	EnablePin    int `yaml:"enable_pin"` // Active LOW. 0 = not used.
	FaultPin     int `yaml:"fault_pin"`  // Active LOW. 0 = not used.
	PulseWidthUs int `yaml:"pulse_width_us"`
}

// ServoConfig selects a Feetech bus servo.
type ServoConfig struct {
	Port   string `yaml:"port"`
	ID     int    `yaml:"id"`
	Center int    `yaml:"center"`
}

// ODriveConfig selects an ODrive axis on a serial port.
type ODriveConfig struct {
	Port         string `yaml:"port"`
	Baud         int    `yaml:"baud"` // default: 115200
	Axis         int    `yaml:"axis"`
	StepsPerTurn int    `yaml:"steps_per_turn"` // default: 8192
}

// TicConfig selects a Pololu Tic on an I²C bus.
type TicConfig struct {
	Bus     string `yaml:"bus"`
	Addr    int    `yaml:"addr"`
	Variant string `yaml:"variant"`
}

// AxisConfig holds the drive train and hardware of one axis.
type AxisConfig struct {
	Driver        string  `yaml:"driver"` // sim, stepdir, servo, odrive or tic (default: sim)
	StepsPerRev   int     `yaml:"steps_per_rev"`
	Microstepping int     `yaml:"microstepping"`
	GearRatio     float64 `yaml:"gear_ratio"` // motor turns per axis turn
	Reverse       bool    `yaml:"reverse"`

	MinDeg           float64 `yaml:"min_deg"`
	MaxDeg           float64 `yaml:"max_deg"`
	Wrap             bool    `yaml:"wrap"`
	MaxRateDegS      float64 `yaml:"max_rate_deg_s"`      // default: 5
	BacklashArcsec   float64 `yaml:"backlash_arcsec"`     // NV default
	BacklashRateDegS float64 `yaml:"backlash_rate_deg_s"` // take-up rate (default: 0.5)

	Sense     SenseConfig     `yaml:"sense"`
	PowerDown PowerDownConfig `yaml:"power_down"`
	StepDir   StepDirConfig   `yaml:"stepdir"`
	Servo     ServoConfig     `yaml:"servo"`
	ODrive    ODriveConfig    `yaml:"odrive"`
	Tic       TicConfig       `yaml:"tic"`
}

// NVConfig locates the settings image.
type NVConfig struct {
	Path string `yaml:"path"` // default: mountgo.nv
}

// WebConfig holds the HTTP listener.
type WebConfig struct {
	Addr string `yaml:"addr"` // default: :8080
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel  int    `yaml:"debug_level"`  // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO    bool   `yaml:"mock_gpio"`    // use mock GPIO (true=dev/test, false=real hardware)
	GPIOBackend string `yaml:"gpio_backend"` // rpio or cdev (default: rpio)
	GPIOChip    string `yaml:"gpio_chip"`    // cdev chip (default: gpiochip0)
}

// Config aggregates all application configuration.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Mount    MountConfig    `yaml:"mount"`
	Control  ControlConfig  `yaml:"control"`
	Goto     GotoConfig     `yaml:"goto"`
	Limits   LimitsConfig   `yaml:"limits"`
	Axis1    AxisConfig     `yaml:"axis1"`
	Axis2    AxisConfig     `yaml:"axis2"`
	NV       NVConfig       `yaml:"nv"`
	Web      WebConfig      `yaml:"web"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files directly inside a configs/
// directory, without parent traversal.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain ..", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be in a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, max %d", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Site.LatitudeDeg < -90 || c.Site.LatitudeDeg > 90 {
		return fmt.Errorf("site.latitude_deg must be between -90 and 90, got %.2f", c.Site.LatitudeDeg)
	}
	if c.Site.LongitudeDeg < -180 || c.Site.LongitudeDeg > 360 {
		return fmt.Errorf("site.longitude_deg must be between -180 and 360, got %.2f", c.Site.LongitudeDeg)
	}

	switch c.Mount.Type {
	case "":
		c.Mount.Type = MountGEM
	case MountGEM, MountFork, MountAltAz:
	default:
		return fmt.Errorf("mount.type must be gem, fork or altaz, got %q", c.Mount.Type)
	}

	if c.Control.TickHz <= 0 {
		c.Control.TickHz = 200
	}
	if c.Control.TickHz > 2000 {
		return fmt.Errorf("control.tick_hz must be <= 2000, got %d", c.Control.TickHz)
	}

	if c.Goto.UsPerStep < 0 {
		return fmt.Errorf("goto.us_per_step must be > 0, got %.2f", c.Goto.UsPerStep)
	}
	if c.Goto.UsPerStep == 0 {
		c.Goto.UsPerStep = 500
	}
	if c.Goto.AccelDistanceDeg <= 0 {
		c.Goto.AccelDistanceDeg = 5
	}
	if c.Goto.AbortAccelRatio <= 0 {
		c.Goto.AbortAccelRatio = 2
	}
	if c.Goto.NearOffsetDeg < 0 || c.Goto.NearOffsetDeg > 5 {
		return fmt.Errorf("goto.near_offset_deg must be between 0 and 5, got %.2f", c.Goto.NearOffsetDeg)
	}
	if c.Goto.NearOffsetDeg == 0 {
		c.Goto.NearOffsetDeg = 0.25
	}
	switch c.Goto.PreferredPierSide {
	case "":
		c.Goto.PreferredPierSide = "best"
	case "best", "east", "west":
	default:
		return fmt.Errorf("goto.preferred_pier_side must be best, east or west, got %q", c.Goto.PreferredPierSide)
	}

	if c.Limits.OverheadDeg <= 0 {
		c.Limits.OverheadDeg = 90
	}
	if c.Limits.HorizonDeg < -30 || c.Limits.HorizonDeg > 30 {
		return fmt.Errorf("limits.horizon_deg must be between -30 and 30, got %.2f", c.Limits.HorizonDeg)
	}
	if c.Limits.OverheadDeg > 90 || c.Limits.OverheadDeg <= c.Limits.HorizonDeg {
		return fmt.Errorf("limits.overhead_deg must be above the horizon and <= 90, got %.2f", c.Limits.OverheadDeg)
	}
	if c.Limits.PastMeridianEastDeg < 0 || c.Limits.PastMeridianEastDeg > 180 ||
		c.Limits.PastMeridianWestDeg < 0 || c.Limits.PastMeridianWestDeg > 180 {
		return errors.New("limits.past_meridian_*_deg must be between 0 and 180")
	}

	if c.Mount.Type == MountGEM && c.Axis2.MinDeg == 0 && c.Axis2.MaxDeg == 0 {
		// west of the pier the declination axis reads past the pole
		c.Axis2.MinDeg, c.Axis2.MaxDeg = -270, 270
	}
	for i, a := range []*AxisConfig{&c.Axis1, &c.Axis2} {
		if err := a.applyDefaults(i + 1); err != nil {
			return err
		}
	}

	if c.NV.Path == "" {
		c.NV.Path = "mountgo.nv"
	}
	if c.Web.Addr == "" {
		c.Web.Addr = ":8080"
	}
	switch c.Defaults.GPIOBackend {
	case "":
		c.Defaults.GPIOBackend = "rpio"
	case "rpio", "cdev":
	default:
		return fmt.Errorf("defaults.gpio_backend must be rpio or cdev, got %q", c.Defaults.GPIOBackend)
	}
	if c.Defaults.GPIOChip == "" {
		c.Defaults.GPIOChip = "gpiochip0"
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

func (a *AxisConfig) applyDefaults(n int) error {
	name := fmt.Sprintf("axis%d", n)

	switch a.Driver {
	case "":
		a.Driver = DriverSim
	case DriverSim, DriverStepDir, DriverServo, DriverODrive, DriverTic:
	default:
		return fmt.Errorf("%s.driver must be sim, stepdir, servo, odrive or tic, got %q", name, a.Driver)
	}

	if a.StepsPerRev < 0 || a.Microstepping < 0 || a.GearRatio < 0 {
		return fmt.Errorf("%s drive train values must be > 0", name)
	}
	if a.StepsPerRev == 0 {
		a.StepsPerRev = 200
	}
	if a.Microstepping == 0 {
		a.Microstepping = 16
	}
	if a.GearRatio == 0 {
		a.GearRatio = 1
	}

	if a.MinDeg == 0 && a.MaxDeg == 0 {
		a.MinDeg, a.MaxDeg = -180, 180
	}
	if a.MinDeg >= a.MaxDeg {
		return fmt.Errorf("%s.min_deg must be < max_deg, got %.2f >= %.2f", name, a.MinDeg, a.MaxDeg)
	}
	if a.MaxRateDegS <= 0 {
		a.MaxRateDegS = 5
	}
	if a.BacklashArcsec < 0 || a.BacklashArcsec > 3600 {
		return fmt.Errorf("%s.backlash_arcsec must be between 0 and 3600, got %.1f", name, a.BacklashArcsec)
	}
	if a.BacklashRateDegS <= 0 {
		a.BacklashRateDegS = 0.5
	}

	s := &a.Sense
	if s.HomeTrigger == "" {
		s.HomeTrigger = "high"
	}
	if s.LimitTrigger == "" {
		s.LimitTrigger = "low"
	}
	if s.Pull == "" {
		s.Pull = "up"
	}
	for field, v := range map[string]string{"home_trigger": s.HomeTrigger, "limit_trigger": s.LimitTrigger} {
		if v != "high" && v != "low" {
			return fmt.Errorf("%s.sense.%s must be high or low, got %q", name, field, v)
		}
	}
	if s.Pull != "up" && s.Pull != "down" && s.Pull != "none" {
		return fmt.Errorf("%s.sense.pull must be up, down or none, got %q", name, s.Pull)
	}
	if s.HomeDistanceLimitDeg <= 0 {
		s.HomeDistanceLimitDeg = 180
	}

	if a.PowerDown.DelayMs <= 0 {
		a.PowerDown.DelayMs = 30000
	}
	if a.PowerDown.OverrideMinutes <= 0 {
		a.PowerDown.OverrideMinutes = 10
	}

	switch a.Driver {
	case DriverStepDir:
		if a.StepDir.StepPin <= 0 || a.StepDir.DirPin <= 0 {
			return fmt.Errorf("%s.stepdir.step_pin and dir_pin are required", name)
		}
	case DriverServo:
		if a.Servo.Port == "" || a.Servo.ID <= 0 {
			return fmt.Errorf("%s.servo.port and id are required", name)
		}
	case DriverODrive:
		if a.ODrive.Port == "" {
			return fmt.Errorf("%s.odrive.port is required", name)
		}
		if a.ODrive.Baud <= 0 {
			a.ODrive.Baud = 115200
		}
		if a.ODrive.StepsPerTurn <= 0 {
			a.ODrive.StepsPerTurn = 8192
		}
	}
	return nil
}

// Tick returns the control loop period.
func (c *Config) Tick() time.Duration {
	return time.Second / time.Duration(c.Control.TickHz)
}

// Latitude returns the site latitude in radians.
func (c *Config) Latitude() float64 {
	return c.Site.LatitudeDeg * math.Pi / 180
}

// Longitude returns the site longitude in radians.
func (c *Config) Longitude() float64 {
	return c.Site.LongitudeDeg * math.Pi / 180
}

// PowerDownDelay returns the standstill delay before the motor is switched off.
func (a *AxisConfig) PowerDownDelay() time.Duration {
	return time.Duration(a.PowerDown.DelayMs) * time.Millisecond
}

// PowerDownOverride returns how long a power-down override lasts.
func (a *AxisConfig) PowerDownOverride() time.Duration {
	return time.Duration(a.PowerDown.OverrideMinutes) * time.Minute
}

// BacklashDeg returns the backlash in degrees.
func (a *AxisConfig) BacklashDeg() float64 {
	return a.BacklashArcsec / 3600
}
