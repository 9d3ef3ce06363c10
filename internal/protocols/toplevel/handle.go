package toplevel

import (
	"image"
	"slices"

	"github.com/linuxdeepin/treeland-sub002/internal/arena"
	"github.com/linuxdeepin/treeland-sub002/internal/eventloop"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/core"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
	"github.com/linuxdeepin/treeland-sub002/internal/wire"
)

const (
	handleRequestSetMaximized = iota
	handleRequestUnsetMaximized
	handleRequestSetMinimized
	handleRequestUnsetMinimized
	handleRequestActivate
	handleRequestClose
	handleRequestSetRectangle
	handleRequestDestroy
	handleRequestSetFullscreen
	handleRequestUnsetFullscreen
)

const (
	handleEventPID = iota
	handleEventTitle
	handleEventAppID
	handleEventIdentifier
	handleEventOutputEnter
	handleEventOutputLeave
	handleEventState
	handleEventDone
	handleEventClosed
	handleEventParent
)

// ErrorInvalidRectangle is raised by set_rectangle with a negative size.
const ErrorInvalidRectangle uint32 = 0

var HandleInterface = &wayland.Interface{
	Name:    "treeland_foreign_toplevel_handle_v1",
	Version: managerVersion,
	Requests: []wayland.Message{
		{Name: "set_maximized", Signature: ""},
		{Name: "unset_maximized", Signature: ""},
		{Name: "set_minimized", Signature: ""},
		{Name: "unset_minimized", Signature: ""},
		{Name: "activate", Signature: "o", Interfaces: []string{"wl_seat"}},
		{Name: "close", Signature: ""},
		{Name: "set_rectangle", Signature: "oiiii", Interfaces: []string{"wl_surface"}},
		{Name: "destroy", Signature: ""},
		{Name: "set_fullscreen", Signature: "?o", Interfaces: []string{"wl_output"}},
		{Name: "unset_fullscreen", Signature: ""},
	},
	Events: []wayland.Message{
		{Name: "pid", Signature: "u"},
		{Name: "title", Signature: "s"},
		{Name: "app_id", Signature: "s"},
		{Name: "identifier", Signature: "u"},
		{Name: "output_enter", Signature: "o"},
		{Name: "output_leave", Signature: "o"},
		{Name: "state", Signature: "a"},
		{Name: "done", Signature: ""},
		{Name: "closed", Signature: ""},
		{Name: "parent", Signature: "?o"},
	},
}

// State is a set of toplevel flags. The flag values double as the values
// sent in the state array.
type State uint32

const (
	StateMaximized  State = 1
	StateMinimized  State = 2
	StateActivated  State = 4
	StateFullscreen State = 8
)

func (s State) Has(f State) bool {
	return s&f != 0
}

// Values lists the set flags in wire order.
func (s State) Values() []uint32 {
	var out []uint32
	for _, f := range []State{StateMaximized, StateMinimized, StateActivated, StateFullscreen} {
		if s.Has(f) {
			out = append(out, uint32(f))
		}
	}
	return out
}

// Handle is one toplevel window.
type Handle struct {
	m  *Manager
	id arena.ID

	resources wayland.ResourceSet
	done      *eventloop.Coalescer

	title      string
	appID      string
	pid        uint32
	identifier uint32
	state      State
	outputs    []*core.Output
	parent     arena.ID

	destroyed     bool
	beforeDestroy []func(*Handle)
}

// CreateHandle adds a toplevel and announces it to every bound client.
func (m *Manager) CreateHandle() *Handle {
	h := &Handle{m: m}
	h.done = eventloop.NewCoalescer(m.display.Loop(), h.sendDone)
	h.id = m.handles.Insert(h)
	m.order = append(m.order, h.id)
	m.display.Metrics().HandleCreated("toplevel")

	for _, mr := range m.resources.Snapshot() {
		h.announce(mr)
	}
	return h
}

func handleFromResource(r *wayland.Resource) *Handle {
	h, _ := r.Data().(*Handle)
	return h
}

// announce creates the handle resource for one manager resource.
func (h *Handle) announce(mr *wayland.Resource) *wayland.Resource {
	res := mr.Client().NewServerResource(HandleInterface, mr.Version(), wayland.HandlerFunc(handleRequest))
	res.SetData(h)
	h.resources.Add(res)
	mr.Post(managerEventToplevel, res)
	return res
}

func (h *Handle) sendDetails(r *wayland.Resource) {
	if h.title != "" {
		r.Post(handleEventTitle, h.title)
	}
	if h.appID != "" {
		r.Post(handleEventAppID, h.appID)
	}
	r.Post(handleEventPID, h.pid)
	r.Post(handleEventIdentifier, h.identifier)
	for _, o := range h.outputs {
		sendOutput(r, o, handleEventOutputEnter)
	}
	r.Post(handleEventState, wire.Uint32Array(h.state.Values()...))
	h.sendParent(r)
}

func (h *Handle) sendDone() {
	for _, r := range h.resources.Snapshot() {
		r.Post(handleEventDone)
	}
}

func (h *Handle) scheduleDone() {
	if h.done.Pending() {
		h.m.display.Metrics().Coalesced()
	}
	h.done.Schedule()
}

func (h *Handle) broadcast(opcode uint16, args ...any) {
	for _, r := range h.resources.Snapshot() {
		r.Post(opcode, args...)
	}
	h.scheduleDone()
}

func sendOutput(r *wayland.Resource, o *core.Output, opcode uint16) {
	for _, out := range o.ResourcesFor(r.Client()) {
		r.Post(opcode, out)
	}
}

// sendParent names the parent resource owned by r's client. A client that
// destroyed its resource for the parent sees a null parent.
func (h *Handle) sendParent(r *wayland.Resource) {
	var parent *wayland.Resource
	if p := h.m.lookup(h.parent); p != nil {
		parent = p.resources.ForClient(r.Client())
	}
	r.Post(handleEventParent, parent)
}

func (h *Handle) Alive() bool {
	return !h.destroyed
}

func (h *Handle) Manager() *Manager {
	return h.m
}

func (h *Handle) Title() string      { return h.title }
func (h *Handle) AppID() string      { return h.appID }
func (h *Handle) PID() uint32        { return h.pid }
func (h *Handle) Identifier() uint32 { return h.identifier }
func (h *Handle) State() State       { return h.state }

// Outputs returns the entered outputs in enter order.
func (h *Handle) Outputs() []*core.Output {
	return slices.Clone(h.outputs)
}

// Parent returns the parent handle, or nil.
func (h *Handle) Parent() *Handle {
	return h.m.lookup(h.parent)
}

// Resources returns the per-client handle resources.
func (h *Handle) Resources() []*wayland.Resource {
	return h.resources.Snapshot()
}

// OnBeforeDestroy registers fn to run before the handle tears down.
func (h *Handle) OnBeforeDestroy(fn func(*Handle)) {
	h.beforeDestroy = append(h.beforeDestroy, fn)
}

func (h *Handle) SetTitle(title string) {
	if h.destroyed || h.title == title {
		return
	}
	h.title = title
	h.broadcast(handleEventTitle, title)
}

func (h *Handle) SetAppID(appID string) {
	if h.destroyed || h.appID == appID {
		return
	}
	h.appID = appID
	h.broadcast(handleEventAppID, appID)
}

func (h *Handle) SetPID(pid uint32) {
	if h.destroyed || h.pid == pid {
		return
	}
	h.pid = pid
	h.broadcast(handleEventPID, pid)
}

func (h *Handle) SetIdentifier(identifier uint32) {
	if h.destroyed || h.identifier == identifier {
		return
	}
	h.identifier = identifier
	h.broadcast(handleEventIdentifier, identifier)
}

func (h *Handle) SetMaximized(on bool)  { h.setFlag(StateMaximized, on) }
func (h *Handle) SetMinimized(on bool)  { h.setFlag(StateMinimized, on) }
func (h *Handle) SetActivated(on bool)  { h.setFlag(StateActivated, on) }
func (h *Handle) SetFullscreen(on bool) { h.setFlag(StateFullscreen, on) }

func (h *Handle) setFlag(f State, on bool) {
	if h.destroyed || h.state.Has(f) == on {
		return
	}
	if on {
		h.state |= f
	} else {
		h.state &^= f
	}
	h.broadcast(handleEventState, wire.Uint32Array(h.state.Values()...))
}

// OutputEnter records that the window is shown on o.
func (h *Handle) OutputEnter(o *core.Output) {
	if h.destroyed || slices.Contains(h.outputs, o) {
		return
	}
	h.outputs = append(h.outputs, o)
	h.m.watchOutput(o)
	for _, r := range h.resources.Snapshot() {
		sendOutput(r, o, handleEventOutputEnter)
	}
	h.scheduleDone()
}

func (h *Handle) OutputLeave(o *core.Output) {
	i := slices.Index(h.outputs, o)
	if h.destroyed || i < 0 {
		return
	}
	h.outputs = slices.Delete(h.outputs, i, i+1)
	for _, r := range h.resources.Snapshot() {
		sendOutput(r, o, handleEventOutputLeave)
	}
	h.scheduleDone()
}

// SetParent links the handle under parent; nil clears it.
func (h *Handle) SetParent(parent *Handle) {
	var id arena.ID
	if parent != nil && !parent.destroyed {
		id = parent.id
	}
	if h.destroyed || id == h.parent {
		return
	}
	h.parent = id
	for _, r := range h.resources.Snapshot() {
		h.sendParent(r)
	}
	h.scheduleDone()
}

// Destroy sends closed to every client, clears the handle as parent of
// other handles and releases it.
func (h *Handle) Destroy() {
	if h.destroyed {
		return
	}
	for _, fn := range slices.Clone(h.beforeDestroy) {
		fn(h)
	}
	h.beforeDestroy = nil
	h.destroyed = true
	h.done.Cancel()

	m := h.m
	if i := slices.Index(m.order, h.id); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
	}
	for _, r := range h.resources.Snapshot() {
		r.Post(handleEventClosed)
		r.SetData(nil)
	}
	h.outputs = nil

	for _, other := range m.Handles() {
		if other.parent == h.id {
			other.parent = arena.ID{}
			for _, r := range other.resources.Snapshot() {
				r.Post(handleEventParent, (*wayland.Resource)(nil))
			}
			other.scheduleDone()
		}
	}

	if _, err := m.handles.Remove(h.id); err != nil {
		m.log.Error("toplevel already released", "id", h.id, "err", err)
	}
	m.display.Metrics().HandleDestroyed("toplevel")
}

func handleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	if opcode == handleRequestDestroy {
		r.Destroy()
		return nil
	}
	h := handleFromResource(r)
	if h == nil {
		// Closed handle; the client has not caught up yet.
		return nil
	}
	m := h.m
	switch opcode {
	case handleRequestSetMaximized, handleRequestUnsetMaximized:
		m.emit(RequestMaximize{Handle: h, Maximized: opcode == handleRequestSetMaximized})
	case handleRequestSetMinimized, handleRequestUnsetMinimized:
		m.emit(RequestMinimize{Handle: h, Minimized: opcode == handleRequestSetMinimized})
	case handleRequestActivate:
		seat := core.SeatFromResource(args.Object(0))
		if seat == nil {
			return nil
		}
		m.emit(RequestActivate{Handle: h, Seat: seat})
	case handleRequestClose:
		m.emit(RequestClose{Handle: h})
	case handleRequestSetRectangle:
		x, y, w, hh := args.Int(1), args.Int(2), args.Int(3), args.Int(4)
		if w < 0 || hh < 0 {
			return r.Errorf(ErrorInvalidRectangle, "invalid rectangle passed to set_rectangle: width/height < 0")
		}
		m.emit(RectangleChanged{
			Handle:  h,
			Surface: core.SurfaceFromResource(args.Object(0)),
			Rect:    image.Rect(int(x), int(y), int(x+w), int(y+hh)),
		})
	case handleRequestSetFullscreen:
		m.emit(RequestFullscreen{Handle: h, Fullscreen: true, Output: core.OutputFromResource(args.Object(0))})
	case handleRequestUnsetFullscreen:
		m.emit(RequestFullscreen{Handle: h})
	}
	return nil
}
