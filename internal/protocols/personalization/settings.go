package personalization

import (
	"strconv"
)

// Setting scopes as persisted in the store.
const (
	ScopeCursor     = "cursor"
	ScopeFont       = "font"
	ScopeAppearance = "appearance"
	ScopeWallpaper  = "wallpaper"
)

var loadScopes = []string{ScopeCursor, ScopeFont, ScopeAppearance, ScopeWallpaper}

type kind byte

const (
	kindInt    kind = 'i'
	kindUint   kind = 'u'
	kindString kind = 's'
)

// field is one user setting exposed through a context as a set/get pair
// and an event of the same name.
type field struct {
	scope string
	key   string
	event uint16
	kind  kind
	def   string
	max   uint32
}

func (f field) id() string {
	return f.scope + "/" + f.key
}

// arg converts a request argument to its stored form.
func (f field) arg(v any) string {
	switch f.kind {
	case kindInt:
		return strconv.FormatInt(int64(v.(int32)), 10)
	case kindUint:
		u := v.(uint32)
		if f.max > 0 && u > f.max {
			u = f.max
		}
		return strconv.FormatUint(uint64(u), 10)
	default:
		return v.(string)
	}
}

// value converts a stored setting back to its wire type. Garbage in the
// store falls back to the default.
func (f field) value(s string) any {
	switch f.kind {
	case kindInt:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			n, _ = strconv.ParseInt(f.def, 10, 32)
		}
		return int32(n)
	case kindUint:
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			n, _ = strconv.ParseUint(f.def, 10, 32)
		}
		return uint32(n)
	default:
		return s
	}
}

// Request opcodes of the font and appearance contexts follow the field
// order: set is 2*i, get is 2*i+1, destroy comes last.
var fontFields = []field{
	{scope: ScopeFont, key: "font_size", event: 0, kind: kindUint, def: "105"},
	{scope: ScopeFont, key: "font", event: 1, kind: kindString, def: "Noto Sans"},
	{scope: ScopeFont, key: "monospace_font", event: 2, kind: kindString, def: "Noto Mono"},
}

var appearanceFields = []field{
	{scope: ScopeAppearance, key: "round_corner_radius", event: 0, kind: kindInt, def: "18"},
	{scope: ScopeAppearance, key: "icon_theme", event: 1, kind: kindString, def: "bloom"},
	{scope: ScopeAppearance, key: "active_color", event: 2, kind: kindString, def: "#0081FF"},
	{scope: ScopeAppearance, key: "window_opacity", event: 3, kind: kindUint, def: "100", max: 100},
	{scope: ScopeAppearance, key: "window_theme_type", event: 4, kind: kindUint, def: "0"},
	{scope: ScopeAppearance, key: "window_titlebar_height", event: 5, kind: kindUint, def: "40"},
}

var (
	cursorTheme       = field{scope: ScopeCursor, key: "theme", kind: kindString, def: "default"}
	cursorSize        = field{scope: ScopeCursor, key: "size", kind: kindUint, def: "24"}
	wallpaperMetadata = field{scope: ScopeWallpaper, key: "metadata", kind: kindString}
)

var knownFields = func() map[string]field {
	out := make(map[string]field)
	for _, f := range append(append([]field{cursorTheme, cursorSize, wallpaperMetadata}, fontFields...), appearanceFields...) {
		out[f.id()] = f
	}
	return out
}()
