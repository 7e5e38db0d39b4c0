package debug

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Goto requests, homing results, faults
	LevelLive    = 2 // Slews started/stopped, goto stage changes, tracking
	LevelVerbose = 3 // Rates, targets, pier side decisions, init steps
	LevelTrace   = 4 // GPIO, serial and I²C frames
)

var (
	level  int
	out    io.Writer = os.Stdout
	logger *log.Logger
)

// Init initializes the debug system with a level (0-4).
func Init(debugLevel int) {
	level = debugLevel
	if level > LevelOff {
		logger = log.New(out, "[MountGo] ", log.LstdFlags|log.Lmicroseconds)
	} else {
		logger = nil
	}
}

// SetOutput redirects debug output (e.g. to stdout and the web status stream).
func SetOutput(w io.Writer) {
	out = w
	if logger != nil {
		logger.SetOutput(w)
	}
}

// Level returns the current debug level.
func Level() int {
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return level >= minLevel && logger != nil
}

func logf(minLevel int, tag, format string, args ...interface{}) {
	if !IsEnabled(minLevel) {
		return
	}
	logger.Printf(tag+" "+format, args...)
}

// --- Level 1 (Info) ---

// Info prints a level 1 message.
func Info(format string, args ...interface{}) {
	logf(LevelInfo, "[INFO]", format, args...)
}

// Value prints a named value (level 1).
func Value(name string, value interface{}) {
	logf(LevelInfo, "[INFO]", "  %s = %v", name, value)
}

// Error prints an error (level 1).
func Error(err error) {
	logf(LevelInfo, "[ERROR]", "%v", err)
}

// --- Level 2 (Live) ---

// Live prints a level 2 message.
func Live(format string, args ...interface{}) {
	logf(LevelLive, "[LIVE]", format, args...)
}

// Axis prints a level 2 message prefixed with the axis name.
func Axis(name string, format string, args ...interface{}) {
	logf(LevelLive, "[LIVE]", name+": "+format, args...)
}

// Stage prints a goto stage transition (level 2).
func Stage(from, to fmt.Stringer) {
	logf(LevelLive, "[LIVE]", "Goto: stage %s -> %s", from, to)
}

// --- Level 3 (Verbose) ---

// Verbose prints a level 3 message.
func Verbose(format string, args ...interface{}) {
	logf(LevelVerbose, "[VERBOSE]", format, args...)
}

// PrintStruct prints a struct with its field names (level 3).
func PrintStruct(name string, v interface{}) {
	logf(LevelVerbose, "[VERBOSE]", "%s: %+v", name, v)
}

// Section prints a section banner (level 3).
func Section(name string) {
	if !IsEnabled(LevelVerbose) {
		return
	}
	logger.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logger.Printf("  %s", name)
	logger.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

// Step prints a numbered init step (level 3).
func Step(num int, description string) {
	logf(LevelVerbose, "[VERBOSE]", "Step %d: %s", num, description)
}

// --- Level 4 (Trace) ---

// Trace prints a level 4 message.
func Trace(format string, args ...interface{}) {
	logf(LevelTrace, "[TRACE]", format, args...)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	logf(LevelTrace, "[GPIO]", "%s pin=%d value=%v", operation, pin, value)
}

// Frame prints a frame sent (">") or received ("<") on a motor bus (level 4).
func Frame(bus, dir string, frame interface{}) {
	logf(LevelTrace, "[BUS]", "%s %s %v", bus, dir, frame)
}
