package personalization

import (
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
)

var FontContextInterface = &wayland.Interface{
	Name:    "treeland_personalization_font_context_v1",
	Version: managerVersion,
	Requests: []wayland.Message{
		{Name: "set_font_size", Signature: "u"},
		{Name: "get_font_size", Signature: ""},
		{Name: "set_font", Signature: "s"},
		{Name: "get_font", Signature: ""},
		{Name: "set_monospace_font", Signature: "s"},
		{Name: "get_monospace_font", Signature: ""},
		{Name: "destroy", Signature: ""},
	},
	Events: []wayland.Message{
		{Name: "font_size", Signature: "u"},
		{Name: "font", Signature: "s"},
		{Name: "monospace_font", Signature: "s"},
	},
}

var AppearanceContextInterface = &wayland.Interface{
	Name:    "treeland_personalization_appearance_context_v1",
	Version: managerVersion,
	Requests: []wayland.Message{
		{Name: "set_round_corner_radius", Signature: "i"},
		{Name: "get_round_corner_radius", Signature: ""},
		{Name: "set_icon_theme", Signature: "s"},
		{Name: "get_icon_theme", Signature: ""},
		{Name: "set_active_color", Signature: "s"},
		{Name: "get_active_color", Signature: ""},
		{Name: "set_window_opacity", Signature: "u"},
		{Name: "get_window_opacity", Signature: ""},
		{Name: "set_window_theme_type", Signature: "u"},
		{Name: "get_window_theme_type", Signature: ""},
		{Name: "set_window_titlebar_height", Signature: "u"},
		{Name: "get_window_titlebar_height", Signature: ""},
		{Name: "destroy", Signature: ""},
	},
	Events: []wayland.Message{
		{Name: "round_corner_radius", Signature: "i"},
		{Name: "icon_theme", Signature: "s"},
		{Name: "active_color", Signature: "s"},
		{Name: "window_opacity", Signature: "u"},
		{Name: "window_theme_type", Signature: "u"},
		{Name: "window_titlebar_height", Signature: "u"},
	},
}

// settingsContext serves the font and appearance contexts: set and get
// pairs over a field table. A set that changes the value reaches every
// context of the same kind owned by that user.
type settingsContext struct {
	m      *Manager
	u      *user
	fields []field
	peers  *wayland.ResourceSet
}

func (m *Manager) newSettingsContext(res *wayland.Resource, u *user, fields []field, peers *wayland.ResourceSet) {
	sc := &settingsContext{m: m, u: u, fields: fields, peers: peers}
	peers.Add(res)
	res.SetHandler(sc)
	m.display.Metrics().HandleCreated(res.Interface().Name)
	res.OnDestroy(func(r *wayland.Resource) { m.display.Metrics().HandleDestroyed(r.Interface().Name) })
}

func (sc *settingsContext) HandleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	i := int(opcode) / 2
	if i >= len(sc.fields) {
		r.Destroy()
		return nil
	}
	f := sc.fields[i]
	if opcode%2 == 1 {
		sc.u.when(func() { r.Post(f.event, sc.m.get(sc.u, f)) })
		return nil
	}

	var v any
	switch f.kind {
	case kindInt:
		v = args.Int(0)
	case kindUint:
		v = args.Uint(0)
	default:
		v = args.String(0)
	}
	value := f.arg(v)
	sc.u.when(func() {
		if !sc.m.set(sc.u, f, value) {
			return
		}
		out := f.value(value)
		for _, peer := range sc.peers.Snapshot() {
			peer.Post(f.event, out)
		}
	})
	return nil
}
