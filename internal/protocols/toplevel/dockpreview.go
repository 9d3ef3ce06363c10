package toplevel

import (
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/core"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
	"github.com/linuxdeepin/treeland-sub002/internal/wire"
)

// Direction is the edge a preview pops out from.
type Direction uint32

const (
	DirectionTop    Direction = 0
	DirectionRight  Direction = 1
	DirectionBottom Direction = 2
	DirectionLeft   Direction = 3
)

func (d Direction) valid() bool {
	return d <= DirectionLeft
}

func (d Direction) String() string {
	switch d {
	case DirectionTop:
		return "top"
	case DirectionRight:
		return "right"
	case DirectionBottom:
		return "bottom"
	case DirectionLeft:
		return "left"
	}
	return "invalid"
}

// ErrorInvalidDirection is raised by show and show_tooltip.
const ErrorInvalidDirection uint32 = 0

const (
	previewRequestShow = iota
	previewRequestShowTooltip
	previewRequestClose
	previewRequestDestroy
)

const (
	previewEventEnter = 0
	previewEventLeave = 1
)

var DockPreviewInterface = &wayland.Interface{
	Name:    "treeland_dock_preview_context_v1",
	Version: managerVersion,
	Requests: []wayland.Message{
		{Name: "show", Signature: "aiiu"},
		{Name: "show_tooltip", Signature: "siiu"},
		{Name: "close", Signature: ""},
		{Name: "destroy", Signature: ""},
	},
	Events: []wayland.Message{
		{Name: "enter", Signature: ""},
		{Name: "leave", Signature: ""},
	},
}

// DockPreview is one preview session opened by a dock client. It lives as
// long as its resource.
type DockPreview struct {
	m       *Manager
	res     *wayland.Resource
	surface *wayland.Resource

	destroyed []func(*DockPreview)
}

func newDockPreview(m *Manager, res *wayland.Resource, surface *core.Surface) *DockPreview {
	p := &DockPreview{m: m, res: res}
	if surface != nil {
		p.surface = surface.Resource()
	}
	res.SetData(p)
	res.SetHandler(p)
	res.OnDestroy(func(*wayland.Resource) {
		for _, fn := range p.destroyed {
			fn(p)
		}
		p.destroyed = nil
	})
	return p
}

func previewFromResource(r *wayland.Resource) *DockPreview {
	p, _ := r.Data().(*DockPreview)
	return p
}

func (p *DockPreview) Resource() *wayland.Resource {
	return p.res
}

// Surface is the dock surface positions are relative to, or nil once it
// is gone.
func (p *DockPreview) Surface() *core.Surface {
	if !p.surface.Alive() {
		return nil
	}
	return core.SurfaceFromResource(p.surface)
}

func (p *DockPreview) Alive() bool {
	return p.m != nil && p.res.Alive()
}

// OnDestroy registers fn to run when the client destroys the session.
func (p *DockPreview) OnDestroy(fn func(*DockPreview)) {
	p.destroyed = append(p.destroyed, fn)
}

// Enter tells the dock the pointer is over the preview.
func (p *DockPreview) Enter() {
	if p.Alive() {
		p.res.Post(previewEventEnter)
	}
}

func (p *DockPreview) Leave() {
	if p.Alive() {
		p.res.Post(previewEventLeave)
	}
}

// detach stops forwarding requests once the manager is gone.
func (p *DockPreview) detach() {
	p.m = nil
}

func (p *DockPreview) HandleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	if opcode == previewRequestDestroy {
		r.Destroy()
		return nil
	}
	m := p.m
	if m == nil {
		return nil
	}
	switch opcode {
	case previewRequestShow:
		dir := Direction(args.Uint(3))
		if !dir.valid() {
			return r.Errorf(ErrorInvalidDirection, "invalid direction %d", dir)
		}
		ids := wire.Uint32s(args.Array(0))
		if len(ids) == 0 {
			m.log.Error("dock preview shown with no toplevels", "client", r.Client())
		}
		m.emit(DockPreviewShow{Preview: p, Identifiers: ids, X: args.Int(1), Y: args.Int(2), Direction: dir})
	case previewRequestShowTooltip:
		dir := Direction(args.Uint(3))
		if !dir.valid() {
			return r.Errorf(ErrorInvalidDirection, "invalid direction %d", dir)
		}
		m.emit(DockPreviewTooltip{Preview: p, Tooltip: args.String(0), X: args.Int(1), Y: args.Int(2), Direction: dir})
	case previewRequestClose:
		m.emit(DockPreviewClose{Preview: p})
	}
	return nil
}
