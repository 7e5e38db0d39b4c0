package main

import (
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

type Options struct {
	Config string `short:"c" long:"config" default:"configs/default.yaml" description:"Path to the config file"`
	Debug  int    `short:"d" long:"debug" default:"-1" description:"Override the config debug level (0-4)"`

	Serve   ServeCommand   `command:"serve" description:"Run the mount with the HTTP API and web page"`
	Goto    GotoCommand    `command:"goto" description:"Slew to a target and wait for arrival"`
	Home    HomeCommand    `command:"home" description:"Find or reset the home position"`
	Park    ParkCommand    `command:"park" description:"Park or unpark the mount"`
	Monitor MonitorCommand `command:"monitor" alias:"mon" description:"Interactive status display and hand control"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "MountGo - telescope mount motion control"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

// configPath returns the --config value, cleaned.
func configPath() string {
	return filepath.Clean(opts.Config)
}
