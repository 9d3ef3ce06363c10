package server

import (
	"context"
	"fmt"
	"slices"

	"github.com/linuxdeepin/treeland-sub002/internal/ipc"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/toplevel"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/wallpaper"
	"github.com/linuxdeepin/treeland-sub002/internal/transport"
)

// HandleControl answers a control request on the event loop.
func (s *Server) HandleControl(ctx context.Context, req ipc.Request) (map[string]any, error) {
	var payload map[string]any
	err := s.loop.Call(ctx, func() error {
		switch req.Type {
		case ipc.TypeStatus:
			v, err := ipc.ToValue(s.Status())
			if err != nil {
				return err
			}
			payload = map[string]any{"status": v}
			return nil
		case ipc.TypeSetEnabled:
			enabled, ok := req.Bool("enabled")
			if !ok {
				return fmt.Errorf("set_enabled needs a boolean \"enabled\"")
			}
			s.SetEnabled(enabled)
			return nil
		case ipc.TypeSetPrimaryOutput:
			return s.SetPrimaryOutput(req.String("output"))
		default:
			return fmt.Errorf("%w: %s", ipc.ErrUnknownType, req.Type)
		}
	})
	return payload, err
}

// Status snapshots the daemon for the control socket.
func (s *Server) Status() ipc.Status {
	st := ipc.Status{
		Version:       s.opts.Version,
		StartedAt:     s.startedAt,
		Locked:        s.lock.Locked(),
		PrimaryOutput: s.outputManager.PrimaryOutput(),
		Outputs:       s.outputNames(),
		ActiveSession: s.shortcuts.ActiveSession(),
	}
	if s.socket != nil {
		st.Sockets = append(st.Sockets, socketStatus(s.socket))
		for _, tc := range s.socket.Clients() {
			cs := ipc.ClientStatus{ID: tc.ID(), Socket: s.socket.Name(), Frozen: tc.Frozen()}
			if creds, err := tc.Credentials(); err == nil {
				cs.PID, cs.UID = creds.PID, creds.UID
			}
			st.Clients = append(st.Clients, cs)
		}
	}
	for _, h := range s.toplevels.Handles() {
		st.Toplevels = append(st.Toplevels, ipc.ToplevelStatus{
			Identifier: h.Identifier(),
			AppID:      h.AppID(),
			Title:      h.Title(),
			PID:        h.PID(),
			States:     stateNames(h.State()),
		})
	}
	for _, g := range s.virtualOutputs.Groups() {
		st.VirtualOutputs = append(st.VirtualOutputs, ipc.VirtualOutputStatus{Name: g.Name(), Outputs: g.Outputs()})
	}
	for _, src := range s.wallpapers.Sources() {
		role := "desktop"
		if src.Role == wallpaper.RoleLockscreen {
			role = "lockscreen"
		}
		st.Wallpapers = append(st.Wallpapers, ipc.WallpaperStatus{UID: src.UID, Output: src.Output, Role: role, Source: src.Path})
	}
	return st
}

func socketStatus(sock *transport.Socket) ipc.SocketStatus {
	return ipc.SocketStatus{
		Name:      sock.Name(),
		Path:      sock.Path(),
		Enabled:   sock.Enabled(),
		Listening: sock.IsListening(),
		Clients:   len(sock.Clients()),
		AppID:     sock.AppID(),
	}
}

func stateNames(st toplevel.State) []string {
	var names []string
	for _, f := range []struct {
		flag toplevel.State
		name string
	}{
		{toplevel.StateMaximized, "maximized"},
		{toplevel.StateMinimized, "minimized"},
		{toplevel.StateActivated, "activated"},
		{toplevel.StateFullscreen, "fullscreen"},
	} {
		if st.Has(f.flag) {
			names = append(names, f.name)
		}
	}
	return names
}

// SetEnabled toggles the client socket, freezing or resuming its clients
// under the freeze policy.
func (s *Server) SetEnabled(enabled bool) {
	if s.socket == nil {
		return
	}
	s.socket.SetEnabled(enabled)
	s.log.Info("client socket toggled", "enabled", enabled, "freeze", s.socket.FreezeOnDisable())
	s.refreshFrozen()
}

// SetPrimaryOutput makes name the primary output. Only known outputs are
// accepted.
func (s *Server) SetPrimaryOutput(name string) error {
	if name == "" {
		return fmt.Errorf("output name is empty")
	}
	if s.output(name) == nil {
		return fmt.Errorf("unknown output %q (have %v)", name, s.outputNames())
	}
	s.outputManager.SetPrimaryOutput(name)
	return nil
}

func (s *Server) refreshFrozen() {
	if s.socket == nil {
		return
	}
	frozen := slices.DeleteFunc(s.socket.Clients(), func(c *transport.Client) bool { return !c.Frozen() })
	s.metrics.SetFrozenClients(len(frozen))
}
