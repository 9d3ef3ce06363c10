package server

import (
	"slices"

	"github.com/linuxdeepin/treeland-sub002/internal/logger"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/core"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/outputmanager"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/personalization"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/sessionlock"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/shortcut"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/toplevel"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/virtualoutput"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/wallpaper"
)

const seatName = "seat0"

func (s *Server) createGlobals() {
	d := s.display

	s.compositor = core.NewCompositor(d)
	s.seat = core.NewSeat(d, seatName)
	for _, oc := range s.cfg.Outputs {
		s.outputs = append(s.outputs, core.NewOutput(d, core.OutputInfo{
			Name:        oc.Name,
			Description: oc.Description,
			Width:       oc.Width,
			Height:      oc.Height,
		}))
	}

	s.toplevels = toplevel.NewManager(d, toplevel.WithLogger(logger.With("toplevel")))
	s.toplevels.OnEvent(s.onToplevel)

	s.lock = sessionlock.NewManager(d, sessionlock.WithLogger(logger.With("sessionlock")))
	s.lock.OnEvent(s.onSessionLock)

	s.virtualOutputs = virtualoutput.NewManager(d,
		virtualoutput.WithLogger(logger.With("virtualoutput")),
		virtualoutput.WithOutputs(s.outputNames))
	s.virtualOutputs.OnEvent(s.onVirtualOutput)

	s.outputManager = outputmanager.NewManager(d,
		outputmanager.WithLogger(logger.With("outputmanager")),
		outputmanager.WithPrimaryOutput(s.cfg.PrimaryOutput()))
	s.outputManager.OnEvent(s.onOutputManager)

	s.shortcuts = shortcut.NewManager(d,
		shortcut.WithLogger(logger.With("shortcut")),
		shortcut.WithSession(shortcut.UIDSession),
		shortcut.WithInhibitor(s.lock.Locked))
	s.shortcuts.OnEvent(s.onShortcut)

	popts := []personalization.Option{
		personalization.WithLogger(logger.With("personalization")),
		personalization.WithCacheDir(s.cfg.Wallpaper.CacheDir),
		personalization.WithDefaultOutput(s.outputManager.PrimaryOutput),
		personalization.WithStore(s.worker),
	}
	wopts := []wallpaper.Option{
		wallpaper.WithLogger(logger.With("wallpaper")),
		wallpaper.WithStore(s.worker),
	}
	s.personalization = personalization.NewManager(d, popts...)
	s.personalization.OnEvent(s.onPersonalization)
	s.wallpapers = wallpaper.NewManager(d, wopts...)
}

func (s *Server) outputNames() []string {
	names := make([]string, 0, len(s.outputs))
	for _, o := range s.outputs {
		names = append(names, o.Name())
	}
	return names
}

func (s *Server) output(name string) *core.Output {
	for _, o := range s.outputs {
		if o.Name() == name {
			return o
		}
	}
	return nil
}

// The daemon has no scene of its own, so requests that a compositor would
// act on are granted as asked.
func (s *Server) onToplevel(ev toplevel.Event) {
	switch ev := ev.(type) {
	case toplevel.RequestMaximize:
		ev.Handle.SetMaximized(ev.Maximized)
	case toplevel.RequestMinimize:
		ev.Handle.SetMinimized(ev.Minimized)
	case toplevel.RequestActivate:
		for _, h := range s.toplevels.Handles() {
			h.SetActivated(h == ev.Handle)
		}
	case toplevel.RequestFullscreen:
		ev.Handle.SetFullscreen(ev.Fullscreen)
		if ev.Fullscreen && ev.Output != nil {
			ev.Handle.OutputEnter(ev.Output)
		}
	case toplevel.RequestClose:
		s.log.Info("close requested", "app_id", ev.Handle.AppID(), "identifier", ev.Handle.Identifier())
	case toplevel.DockPreviewShow:
		s.log.Debug("dock preview", "identifiers", ev.Identifiers, "direction", ev.Direction)
	}
}

// Locking is confirmed once every output has a lock surface, or at once
// when there are no outputs to cover.
func (s *Server) onSessionLock(ev sessionlock.Event) {
	switch ev := ev.(type) {
	case sessionlock.LockRequested:
		s.confirmLock(ev.Lock)
	case sessionlock.LockSurfaceCreated:
		s.confirmLock(ev.Surface.Lock())
	case sessionlock.Abandoned:
		s.log.Warn("locking client went away, session stays locked")
	}
}

func (s *Server) confirmLock(l *sessionlock.Lock) {
	if l.State() != sessionlock.StateCreated {
		return
	}
	covered := make(map[*core.Output]bool)
	for _, ls := range l.Surfaces() {
		covered[ls.Output()] = true
	}
	for _, o := range s.outputs {
		if !covered[o] {
			return
		}
	}
	if err := l.SendLocked(); err != nil {
		s.log.Warn("could not confirm lock", "err", err)
	}
}

func (s *Server) onVirtualOutput(ev virtualoutput.Event) {
	switch ev := ev.(type) {
	case virtualoutput.CreateVirtualOutput:
		s.log.Info("virtual output created", "name", ev.Group.Name(), "outputs", ev.Group.Outputs())
	case virtualoutput.DestroyVirtualOutput:
		s.log.Info("virtual output destroyed", "name", ev.Group.Name())
	}
}

func (s *Server) onOutputManager(ev outputmanager.Event) {
	switch ev := ev.(type) {
	case outputmanager.RequestSetPrimaryOutput:
		if err := s.SetPrimaryOutput(ev.Name); err != nil {
			s.log.Debug("primary output request refused", "name", ev.Name, "err", err)
		}
	case outputmanager.CommitColor:
		o := ev.Control.Output()
		if o == nil || !slices.Contains(s.outputs, o) {
			ev.Control.SendResult(false)
			return
		}
		c := s.outputManager.Color(o)
		if ev.Temperature != 0 {
			c.Temperature = ev.Temperature
		}
		if ev.Brightness >= 0 {
			c.Brightness = ev.Brightness
		}
		s.outputManager.SetColor(o, c)
		ev.Control.SendResult(true)
	}
}

func (s *Server) onShortcut(ev shortcut.Event) {
	if ev, ok := ev.(shortcut.ActionTriggered); ok {
		s.log.Info("shortcut", "session", ev.Session, "name", ev.Binding.Name, "action", ev.Binding.Action)
	}
}

func (s *Server) onPersonalization(ev personalization.Event) {
	switch ev := ev.(type) {
	case personalization.SettingChanged:
		s.log.Debug("setting changed", "uid", ev.UID, "scope", ev.Scope, "key", ev.Key)
	case personalization.WallpaperChanged:
		s.wallpapers.SetSource(ev.UID, ev.Output, wallpaper.Roles(ev.Role), wallpaper.KindImage, ev.Path)
	}
}
