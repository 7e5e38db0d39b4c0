package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cjeanneret/MountGo/internal/debug"
	"github.com/cjeanneret/MountGo/internal/web"
)

type ServeCommand struct {
	Addr   webAddr       `short:"a" long:"addr" description:"Listen address or port, overrides web.addr"`
	Status time.Duration `long:"status-period" default:"500ms" description:"Status push period on the event stream"`
}

func (c *ServeCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Web.Addr = string(c.Addr)
	}

	broadcaster := web.NewStatusBroadcaster()
	debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

	sys, err := newSystem(cfg)
	if err != nil {
		return err
	}
	defer sys.Close()

	stop := sys.Start(ctx)
	defer stop()

	srv := web.NewServer(cfg.Web.Addr, broadcaster, sys.mount, sys.sched, web.SiteInfo{
		MountType:    cfg.Mount.Type,
		LatitudeDeg:  cfg.Site.LatitudeDeg,
		LongitudeDeg: cfg.Site.LongitudeDeg,
		TangentArm:   cfg.Mount.TangentArm,
	})
	go srv.Handlers().PublishStatus(ctx, c.Status)

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("web server: %w", err)
	}
	debug.Info("Shutting down")
	return nil
}

// webAddr accepts a bare port ("8980") or a listen address (":8980",
// "127.0.0.1:8980").
type webAddr string

func (w *webAddr) UnmarshalFlag(s string) error {
	if s == "" {
		return fmt.Errorf("address is empty")
	}
	port := s
	if i := strings.LastIndex(s, ":"); i >= 0 {
		port = s[i+1:]
	} else {
		s = ":" + s
	}
	v, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	*w = webAddr(s)
	return nil
}
