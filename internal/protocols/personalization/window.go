package personalization

import (
	"image"
	"image/color"

	"github.com/linuxdeepin/treeland-sub002/internal/protocols/core"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
)

var WindowContextInterface = &wayland.Interface{
	Name:    "treeland_personalization_window_context_v1",
	Version: managerVersion,
	Requests: []wayland.Message{
		{Name: "set_blend_mode", Signature: "i"},
		{Name: "set_round_corner_radius", Signature: "i"},
		{Name: "set_shadow", Signature: "iiiiiii"},
		{Name: "set_border", Signature: "iiiii"},
		{Name: "set_titlebar", Signature: "i"},
		{Name: "destroy", Signature: ""},
	},
}

const (
	windowRequestBlendMode = iota
	windowRequestCornerRadius
	windowRequestShadow
	windowRequestBorder
	windowRequestTitlebar
	windowRequestDestroy
)

// BlendMode is how the compositor fills the area behind a window.
type BlendMode int32

const (
	BlendTransparent BlendMode = 0
	BlendWallpaper   BlendMode = 1
	BlendBlur        BlendMode = 2
)

// Titlebar modes of set_titlebar.
const (
	TitlebarEnable  int32 = 0
	TitlebarDisable int32 = 1
)

// WindowChange is a set of window context properties.
type WindowChange uint8

const (
	ChangeBlendMode WindowChange = 1 << iota
	ChangeCornerRadius
	ChangeShadow
	ChangeBorder
	ChangeTitlebar
)

type Shadow struct {
	Radius int32
	Offset image.Point
	Color  color.NRGBA
}

type Border struct {
	Width int32
	Color color.NRGBA
}

// WindowContext holds the decoration a client asked for on one surface.
type WindowContext struct {
	m            *Manager
	res          *wayland.Resource
	surface      *core.Surface
	blend        BlendMode
	cornerRadius int32
	shadow       Shadow
	border       Border
	noTitlebar   bool
}

func (m *Manager) newWindowContext(res *wayland.Resource, s *core.Surface) {
	w := &WindowContext{m: m, res: res, surface: s}
	m.windows[s] = w
	res.SetData(w)
	res.SetHandler(w)
	res.OnDestroy(func(*wayland.Resource) { w.detach() })
	s.OnDestroy(func(*core.Surface) { w.detach() })
	m.display.Metrics().HandleCreated("window_context")
	m.emit(WindowContextCreated{Context: w})
}

func (w *WindowContext) detach() {
	if w.surface == nil {
		return
	}
	if w.m.windows[w.surface] == w {
		delete(w.m.windows, w.surface)
	}
	w.surface = nil
	w.m.display.Metrics().HandleDestroyed("window_context")
}

// Surface is nil once the surface or the context is gone.
func (w *WindowContext) Surface() *core.Surface { return w.surface }
func (w *WindowContext) BlendMode() BlendMode { return w.blend }
func (w *WindowContext) CornerRadius() int32 { return w.cornerRadius }
func (w *WindowContext) Shadow() Shadow { return w.shadow }
func (w *WindowContext) Border() Border { return w.border }
func (w *WindowContext) TitlebarDisabled() bool { return w.noTitlebar }
func (w *WindowContext) Resource() *wayland.Resource { return w.res }

func (w *WindowContext) HandleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	if opcode == windowRequestDestroy {
		r.Destroy()
		return nil
	}
	if w.surface == nil {
		return nil
	}
	var change WindowChange
	switch opcode {
	case windowRequestBlendMode:
		if b := BlendMode(args.Int(0)); b != w.blend {
			w.blend = b
			change = ChangeBlendMode
		}
	case windowRequestCornerRadius:
		if v := args.Int(0); v != w.cornerRadius {
			w.cornerRadius = v
			change = ChangeCornerRadius
		}
	case windowRequestShadow:
		s := Shadow{
			Radius: args.Int(0),
			Offset: image.Pt(int(args.Int(1)), int(args.Int(2))),
			Color:  rgba(args.Int(3), args.Int(4), args.Int(5), args.Int(6)),
		}
		if s != w.shadow {
			w.shadow = s
			change = ChangeShadow
		}
	case windowRequestBorder:
		b := Border{Width: args.Int(0), Color: rgba(args.Int(1), args.Int(2), args.Int(3), args.Int(4))}
		if b != w.border {
			w.border = b
			change = ChangeBorder
		}
	case windowRequestTitlebar:
		if off := args.Int(0) == TitlebarDisable; off != w.noTitlebar {
			w.noTitlebar = off
			change = ChangeTitlebar
		}
	}
	if change != 0 {
		w.m.emit(WindowChanged{Context: w, Change: change})
	}
	return nil
}

func rgba(r, g, b, a int32) color.NRGBA {
	return color.NRGBA{R: channel(r), G: channel(g), B: channel(b), A: channel(a)}
}

func channel(v int32) uint8 {
	return uint8(min(max(v, 0), 255))
}
