package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/cjeanneret/MountGo/internal/debug"
	"github.com/cjeanneret/MountGo/internal/hw/motor"
	"github.com/cjeanneret/MountGo/internal/logic/coord"
	"github.com/cjeanneret/MountGo/internal/logic/motion"
)

type MonitorCommand struct {
	Period time.Duration `long:"period" default:"200ms" description:"Status refresh period"`
	Rate   float64       `long:"rate" default:"1" description:"Manual slew rate in degrees per second"`
}

const (
	headerHeight = 2 // title + blank line
	statusHeight = 5 // position and state lines
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

var axisColors = map[string]string{
	"axis1": "51",  // cyan
	"axis2": "208", // orange
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	valueStyle  = lipgloss.NewStyle().Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// logWriter turns debug output into log lines for the TUI. Lines are
// dropped when the display falls behind.
type logWriter chan string

func (w logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		select {
		case w <- line:
		default:
		}
	}
	return len(p), nil
}

// Messages into the model.
type statusMsg motion.Status
type logMsg string

func pollStatus(sys *system, period time.Duration) tea.Cmd {
	return tea.Tick(period, func(time.Time) tea.Msg {
		var st motion.Status
		sys.sched.Do(func() { st = sys.mount.Status() })
		return statusMsg(st)
	})
}

func waitForLog(logs logWriter) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-logs)
	}
}

type monitorModel struct {
	sys      *system
	logs     logWriter
	period   time.Duration
	rate     float64 // manual slew rate, deg/s
	maxRate  float64 // chart y range, deg/s
	chart    *streamlinechart.Model
	status   motion.Status
	width    int
	height   int
	lines    []string
	quitting bool
}

func newMonitorModel(sys *system, logs logWriter, period time.Duration, rate float64) monitorModel {
	maxRate := sys.cfg.Axis1.MaxRateDegS
	if sys.cfg.Axis2.MaxRateDegS > maxRate {
		maxRate = sys.cfg.Axis2.MaxRateDegS
	}
	chart := streamlinechart.New(80, 12,
		streamlinechart.WithYRange(-maxRate, maxRate),
	)
	for name, color := range axisColors {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(color))
		chart.SetDataSetStyles(name, runes.ThinLineStyle, style)
	}
	return monitorModel{
		sys:     sys,
		logs:    logs,
		period:  period,
		rate:    rate,
		maxRate: maxRate,
		chart:   &chart,
	}
}

func (m *monitorModel) addLog(msg string) {
	m.lines = append(m.lines, msg)
	if len(m.lines) > maxLogs {
		m.lines = m.lines[len(m.lines)-maxLogs:]
	}
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *monitorModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 12
	}
	width = m.width - borderSize - 2
	if width < 40 {
		width = 40
	}
	height = m.height - headerHeight - statusHeight - legendHeight - footerHeight - borderSize
	if height < 6 {
		height = 6
	}
	return width, height
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		pollStatus(m.sys, m.period),
		waitForLog(m.logs),
	)
}

// command runs fn in the control loop and logs a rejection.
func (m *monitorModel) command(name string, fn func(*motion.Mount) error) {
	var err error
	m.sys.sched.Do(func() { err = fn(m.sys.mount) })
	if err != nil {
		m.addLog(fmt.Sprintf("%s: %v", name, err))
	}
}

func (m *monitorModel) slew(axis int, dir motor.Direction) {
	m.command("slew", func(mt *motion.Mount) error {
		return mt.Slew(axis, dir, m.rate*coord.Deg)
	})
}

func (m *monitorModel) handleKey(key string) tea.Cmd {
	switch key {
	case "q", "ctrl+c":
		m.sys.sched.Do(m.sys.mount.Stop)
		m.quitting = true
		return tea.Quit
	case "left":
		m.slew(1, motor.DirReverse)
	case "right":
		m.slew(1, motor.DirForward)
	case "down":
		m.slew(2, motor.DirReverse)
	case "up":
		m.slew(2, motor.DirForward)
	case " ", "s":
		m.sys.sched.Do(m.sys.mount.Stop)
	case "+":
		m.rate = min(m.rate*2, m.maxRate)
	case "-":
		m.rate /= 2
	case "t":
		on := !m.status.Tracking
		m.command("tracking", func(mt *motion.Mount) error { return mt.SetTracking(on) })
	case "e":
		on := !m.status.Axis1.Enabled
		m.sys.sched.Do(func() { m.sys.mount.Enable(on) })
	case "h":
		m.command("home", func(mt *motion.Mount) error { return mt.Home().Request(true) })
	case "r":
		m.command("resume", func(mt *motion.Mount) error { return mt.Goto().Resume() })
	case "p":
		m.command("park", func(mt *motion.Mount) error { return mt.Park().Park() })
	case "u":
		m.command("unpark", func(mt *motion.Mount) error { return mt.Park().Unpark() })
	}
	return nil
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chart.Resize(m.chartSize())
		return m, nil

	case tea.KeyMsg:
		cmd := m.handleKey(msg.String())
		return m, cmd

	case statusMsg:
		m.status = motion.Status(msg)
		m.chart.PushDataSet("axis1", m.status.Axis1.Frequency/coord.Deg)
		m.chart.PushDataSet("axis2", m.status.Axis2.Frequency/coord.Deg)
		m.chart.DrawAll()
		return m, pollStatus(m.sys, m.period)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.logs)
	}

	return m, nil
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Monitor stopped.\n"
	}

	var sb strings.Builder
	st := m.status

	sb.WriteString(titleStyle.Render("MountGo Monitor"))
	sb.WriteString(fmt.Sprintf(" - %s", st.MountType))
	sb.WriteString(statusStyle.Render(fmt.Sprintf("  slew rate %.3g°/s", m.rate)))
	sb.WriteString("\n\n")

	sb.WriteString(fmt.Sprintf("HA %s  RA %s  Dec %s\n",
		valueStyle.Render(fmt.Sprintf("%9.4f°", st.HADeg)),
		valueStyle.Render(fmt.Sprintf("%7.4fh", st.RAHours)),
		valueStyle.Render(fmt.Sprintf("%9.4f°", st.DecDeg))))
	sb.WriteString(fmt.Sprintf("Alt %s  Az %s  pier %s\n",
		valueStyle.Render(fmt.Sprintf("%7.2f°", st.AltDeg)),
		valueStyle.Render(fmt.Sprintf("%7.2f°", st.AzDeg)),
		valueStyle.Render(st.PierSide)))
	sb.WriteString(fmt.Sprintf("tracking %v  home %v  parked %v  homing %v  goto %s/%s",
		st.Tracking, st.AtHome, st.Parked, st.Homing, st.Goto.State, st.Goto.Stage))
	if st.Goto.Paused {
		sb.WriteString(" (paused, r to resume)")
	}
	sb.WriteString("\n")
	if st.LastError != "" {
		sb.WriteString(errorStyle.Render("error: " + st.LastError))
	}
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")
	sb.WriteString(renderLegend())
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20))

	var logLines string
	if len(m.lines) == 0 {
		logLines = statusStyle.Render("arrows slew  space stop  +/- rate  t track  h home  p park  u unpark  e enable  q quit")
	} else {
		logLines = strings.Join(m.lines, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func renderLegend() string {
	var items []string
	for _, name := range []string{"axis1", "axis2"} {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(axisColors[name])).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+name+" °/s")
	}
	return strings.Join(items, "  ")
}

func (c *MonitorCommand) Execute(args []string) error {
	if c.Period <= 0 {
		return fmt.Errorf("--period must be > 0")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logs := make(logWriter, 64)
	debug.SetOutput(logs)

	sys, err := newSystem(cfg)
	if err != nil {
		return err
	}
	defer sys.Close()

	stop := sys.Start(context.Background())
	defer stop()

	p := tea.NewProgram(newMonitorModel(sys, logs, c.Period, c.Rate), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}
