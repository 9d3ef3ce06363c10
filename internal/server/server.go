// Package server assembles the daemon: the event loop, the display with
// every treeland global, the client socket, the settings store and the
// control socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/linuxdeepin/treeland-sub002/internal/config"
	"github.com/linuxdeepin/treeland-sub002/internal/eventloop"
	"github.com/linuxdeepin/treeland-sub002/internal/ipc"
	"github.com/linuxdeepin/treeland-sub002/internal/logger"
	"github.com/linuxdeepin/treeland-sub002/internal/metrics"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/core"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/outputmanager"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/personalization"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/sessionlock"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/shortcut"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/toplevel"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/virtualoutput"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/wallpaper"
	"github.com/linuxdeepin/treeland-sub002/internal/store"
	"github.com/linuxdeepin/treeland-sub002/internal/transport"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
	"github.com/sourcegraph/conc/pool"
)

// Options override configuration from the command line.
type Options struct {
	SocketName  string
	NoFreeze    bool
	MetricsAddr string
	Version     string
}

// Server owns every long-lived object of the daemon. Apart from New, Run
// and the control handlers, its methods run on the event loop.
type Server struct {
	cfg  *config.Config
	opts Options
	log  *log.Logger

	loop    *eventloop.Loop
	metrics *metrics.Metrics
	display *wayland.Display
	socket  *transport.Socket
	control *ipc.SocketServer
	store   *store.Store
	worker  *store.Worker

	compositor      *core.Compositor
	seat            *core.Seat
	outputs         []*core.Output
	toplevels       *toplevel.Manager
	lock            *sessionlock.Manager
	virtualOutputs  *virtualoutput.Manager
	outputManager   *outputmanager.Manager
	shortcuts       *shortcut.Manager
	personalization *personalization.Manager
	wallpapers      *wallpaper.Manager

	startedAt time.Time
}

// New builds the loop, display and globals and opens the settings store.
// Sockets are only bound by Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		opts:      opts,
		log:       logger.With("server"),
		loop:      eventloop.New(),
		metrics:   metrics.New(),
		startedAt: time.Now(),
	}

	var restored []store.Wallpaper
	if cfg.Store.Path != "" {
		st, err := store.Open(ctx, cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		s.store = st
		if restored, err = st.Wallpapers(ctx, -1); err != nil {
			s.log.Warn("could not restore wallpapers", "err", err)
		}
	}

	// Without a store path the worker still keeps file work off the loop.
	s.worker = store.NewWorker(s.store, s.loop, cfg.Store.Workers, store.WithMetrics(s.metrics))

	s.display = wayland.NewDisplay(s.loop, wayland.WithMetrics(s.metrics))
	s.createGlobals()
	s.wallpapers.Restore(restored)
	return s, nil
}

// Run binds the client and control sockets and serves until ctx is done,
// then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.listen(); err != nil {
		s.shutdown()
		return err
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		err := s.loop.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	p.Go(NewEmergencyUnlock(s.loop, s.lock.Unlock).Run)
	if addr := s.metricsAddr(); addr != "" {
		p.Go(func(ctx context.Context) error {
			s.log.Info("serving metrics", "addr", addr)
			return s.metrics.Serve(ctx, addr)
		})
	}
	s.log.Info("treelandd running", "socket", s.socket.Name(), "control", s.control.Path())

	err := p.Wait()
	s.shutdown()
	return err
}

func (s *Server) metricsAddr() string {
	if s.opts.MetricsAddr != "" {
		return s.opts.MetricsAddr
	}
	if s.cfg.Metrics.Enabled {
		return s.cfg.Metrics.Address
	}
	return ""
}

func (s *Server) listen() error {
	freeze := s.cfg.Socket.FreezeOnDisable && !s.opts.NoFreeze
	s.socket = transport.New(
		transport.WithFreezeOnDisable(freeze),
		transport.WithBacklog(s.cfg.Socket.Backlog),
	)
	s.socket.OnClientAdded(s.attach)
	s.socket.OnClientRemoved(func(*transport.Client) { s.refreshFrozen() })

	name := s.opts.SocketName
	if name == "" {
		name = s.cfg.Socket.Name
	}
	var err error
	if name == "" {
		err = s.socket.CreateAuto()
	} else {
		err = s.socket.Create(name)
	}
	if err != nil {
		return fmt.Errorf("create wayland socket: %w", err)
	}
	if err := s.socket.Listen(s.loop); err != nil {
		return fmt.Errorf("listen on %s: %w", s.socket.Path(), err)
	}

	path, err := s.cfg.ControlSocketPath()
	if err != nil {
		return fmt.Errorf("resolve control socket: %w", err)
	}
	s.control = ipc.NewSocketServer(path, ipc.HandlerFunc(s.HandleControl))
	return s.control.Start()
}

// attach gives a transport client its protocol state and starts its I/O.
func (s *Server) attach(tc *transport.Client) {
	wc := s.display.AddClient(tc)
	tc.Start(s.loop, wc)
	s.refreshFrozen()
}

// shutdown tears down in reverse order of construction. The loop is no
// longer running, so it is safe to touch loop-owned state from here.
func (s *Server) shutdown() {
	if s.control != nil {
		s.control.Stop()
	}
	for _, g := range []interface{ Destroy() }{
		s.wallpapers, s.personalization, s.shortcuts, s.outputManager,
		s.virtualOutputs, s.lock, s.toplevels,
	} {
		g.Destroy()
	}
	s.display.Destroy()
	if s.socket != nil {
		if err := s.socket.Close(); err != nil {
			s.log.Warn("close wayland socket", "err", err)
		}
	}
	s.worker.Close()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warn("close store", "err", err)
		}
	}
	s.log.Info("treelandd stopped")
}

func (s *Server) Loop() *eventloop.Loop {
	return s.loop
}

func (s *Server) Display() *wayland.Display {
	return s.display
}

func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Server) Toplevels() *toplevel.Manager {
	return s.toplevels
}

func (s *Server) SessionLock() *sessionlock.Manager {
	return s.lock
}

func (s *Server) Shortcuts() *shortcut.Manager {
	return s.shortcuts
}
