// Package toplevel implements treeland_foreign_toplevel_manager_v1: every
// toplevel window is a Handle announced to each bound manager resource,
// with state fanned out to per-client handle resources and a coalesced
// done once per loop iteration.
package toplevel

import (
	"slices"

	"github.com/charmbracelet/log"
	"github.com/linuxdeepin/treeland-sub002/internal/arena"
	"github.com/linuxdeepin/treeland-sub002/internal/logger"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/core"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
)

const managerVersion = 1

const (
	managerRequestStop                  = 0
	managerRequestGetDockPreviewContext = 1

	managerEventToplevel = 0
	managerEventFinished = 1
)

var ManagerInterface = &wayland.Interface{
	Name:    "treeland_foreign_toplevel_manager_v1",
	Version: managerVersion,
	Requests: []wayland.Message{
		{Name: "stop", Signature: ""},
		{Name: "get_dock_preview_context", Signature: "on", Interfaces: []string{"wl_surface"}},
	},
	Events: []wayland.Message{
		{Name: "toplevel", Signature: "n", Interfaces: []string{"treeland_foreign_toplevel_handle_v1"}},
		{Name: "finished", Signature: ""},
	},
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager owns every toplevel Handle and the bound manager resources.
type Manager struct {
	display *wayland.Display
	global  *wayland.Global
	log     *log.Logger

	handles *arena.Arena[*Handle]
	order   []arena.ID

	resources wayland.ResourceSet
	previews  wayland.ResourceSet
	watched   map[*core.Output]struct{}
	listeners []func(Event)
	destroyed bool
}

func NewManager(d *wayland.Display, opts ...Option) *Manager {
	m := &Manager{
		display: d,
		log:     logger.With("toplevel"),
		handles: arena.New[*Handle](),
		watched: map[*core.Output]struct{}{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.global = d.CreateGlobal(ManagerInterface, managerVersion, m.bind)
	return m
}

// OnEvent registers fn for client requests.
func (m *Manager) OnEvent(fn func(Event)) {
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) emit(ev Event) {
	for _, fn := range slices.Clone(m.listeners) {
		fn(ev)
	}
}

// Handles returns the live handles in creation order.
func (m *Manager) Handles() []*Handle {
	out := make([]*Handle, 0, len(m.order))
	for _, id := range m.order {
		if h, ok := m.handles.Get(id); ok {
			out = append(out, h)
		}
	}
	return out
}

// HandleByIdentifier finds the handle announced with identifier.
func (m *Manager) HandleByIdentifier(identifier uint32) *Handle {
	for _, h := range m.Handles() {
		if h.identifier == identifier {
			return h
		}
	}
	return nil
}

func (m *Manager) lookup(id arena.ID) *Handle {
	if id.IsZero() {
		return nil
	}
	h, _ := m.handles.Get(id)
	return h
}

// Resources returns the bound manager resources.
func (m *Manager) Resources() []*wayland.Resource {
	return m.resources.Snapshot()
}

// Destroy withdraws the global, tells every bound client it is finished
// and closes every handle.
func (m *Manager) Destroy() {
	if m.destroyed {
		return
	}
	m.global.Remove()
	for _, r := range m.resources.Snapshot() {
		r.Post(managerEventFinished)
	}
	for _, h := range m.Handles() {
		h.Destroy()
	}
	for _, r := range m.previews.Snapshot() {
		if p := previewFromResource(r); p != nil {
			p.detach()
		}
	}
	m.destroyed = true
	m.global.Destroy()
}

func (m *Manager) bind(r *wayland.Resource) error {
	r.SetHandler(wayland.HandlerFunc(m.handleRequest))
	m.resources.Add(r)

	// Resources for every handle go out before any detail, so a child's
	// parent event can name a parent resource the client already knows.
	handles := m.Handles()
	created := make([]*wayland.Resource, len(handles))
	for i, h := range handles {
		created[i] = h.announce(r)
	}
	for i, h := range handles {
		h.sendDetails(created[i])
	}
	// A handle with a done already pending gets it at the idle phase,
	// new resource included.
	for i, h := range handles {
		if !h.done.Pending() {
			created[i].Post(handleEventDone)
		}
	}
	return nil
}

func (m *Manager) handleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	switch opcode {
	case managerRequestStop:
		r.Post(managerEventFinished)
		r.Destroy()
	case managerRequestGetDockPreviewContext:
		surface := core.SurfaceFromResource(args.Object(0))
		res, err := r.Client().NewResource(args.NewID(1), DockPreviewInterface, r.Version(), nil)
		if err != nil {
			return err
		}
		p := newDockPreview(m, res, surface)
		m.previews.Add(res)
		m.emit(DockPreviewCreated{Preview: p})
	}
	return nil
}

// watchOutput makes sure late wl_output binds reach handles that already
// entered o.
func (m *Manager) watchOutput(o *core.Output) {
	if _, ok := m.watched[o]; ok {
		return
	}
	m.watched[o] = struct{}{}
	o.OnBind(func(out *wayland.Resource) {
		if m.destroyed {
			return
		}
		for _, h := range m.Handles() {
			if !slices.Contains(h.outputs, o) {
				continue
			}
			sent := false
			for _, r := range h.resources.AllForClient(out.Client()) {
				r.Post(handleEventOutputEnter, out)
				sent = true
			}
			if sent {
				h.scheduleDone()
			}
		}
	})
}
