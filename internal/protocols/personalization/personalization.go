// Package personalization implements treeland_personalization_manager_v1.
// Window contexts decorate one surface; the cursor, font, appearance and
// wallpaper contexts read and write per-user settings, which are kept in
// memory and persisted through the store worker.
package personalization

import (
	"slices"

	"github.com/charmbracelet/log"
	"github.com/linuxdeepin/treeland-sub002/internal/logger"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/core"
	"github.com/linuxdeepin/treeland-sub002/internal/store"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
)

const managerVersion = 1

// ErrorAlreadyUsed is posted on the manager when a surface already has a
// window context.
const ErrorAlreadyUsed uint32 = 0

const (
	managerRequestWindow     = 0
	managerRequestWallpaper  = 1
	managerRequestCursor     = 2
	managerRequestFont       = 3
	managerRequestAppearance = 4
)

var ManagerInterface = &wayland.Interface{
	Name:    "treeland_personalization_manager_v1",
	Version: managerVersion,
	Requests: []wayland.Message{
		{Name: "get_window_context", Signature: "no", Interfaces: []string{"treeland_personalization_window_context_v1", "wl_surface"}},
		{Name: "get_wallpaper_context", Signature: "n", Interfaces: []string{"treeland_personalization_wallpaper_context_v1"}},
		{Name: "get_cursor_context", Signature: "n", Interfaces: []string{"treeland_personalization_cursor_context_v1"}},
		{Name: "get_font_context", Signature: "n", Interfaces: []string{"treeland_personalization_font_context_v1"}},
		{Name: "get_appearance_context", Signature: "n", Interfaces: []string{"treeland_personalization_appearance_context_v1"}},
	},
}

// Event reports personalization changes to the compositor.
type Event interface {
	event()
}

type WindowContextCreated struct{ Context *WindowContext }

// WindowChanged carries the window context and which of its properties
// changed.
type WindowChanged struct {
	Context *WindowContext
	Change  WindowChange
}

// SettingChanged is emitted for every user setting that took a new value.
type SettingChanged struct {
	UID   int
	Scope string
	Key   string
	Value string
}

// WallpaperChanged is emitted once a committed wallpaper is on disk.
type WallpaperChanged struct {
	UID    int
	Output string
	Role   int
	Path   string
	IsDark bool
}

func (WindowContextCreated) event() {}
func (WindowChanged) event()        {}
func (SettingChanged) event()       {}
func (WallpaperChanged) event()     {}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithStore loads and persists user settings through w.
func WithStore(w *store.Worker) Option {
	return func(m *Manager) { m.worker = w }
}

// WithCacheDir sets where committed wallpapers are written.
func WithCacheDir(dir string) Option {
	return func(m *Manager) { m.cacheDir = dir }
}

// WithDefaultOutput names the output a wallpaper goes to when the client
// did not pick one.
func WithDefaultOutput(fn func() string) Option {
	return func(m *Manager) { m.defaultOutput = fn }
}

type Manager struct {
	display       *wayland.Display
	global        *wayland.Global
	log           *log.Logger
	worker        *store.Worker
	ownWorker     bool
	cacheDir      string
	defaultOutput func() string
	users         map[int]*user
	windows       map[*core.Surface]*WindowContext
	listeners     []func(Event)
}

func NewManager(d *wayland.Display, opts ...Option) *Manager {
	m := &Manager{
		display: d,
		log:     logger.With("personalization"),
		users:   make(map[int]*user),
		windows: make(map[*core.Surface]*WindowContext),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.worker == nil {
		m.worker = store.NewWorker(nil, d.Loop(), 1, store.WithLogger(m.log))
		m.ownWorker = true
	}
	m.global = d.CreateGlobal(ManagerInterface, managerVersion, m.bind)
	return m
}

func (m *Manager) OnEvent(fn func(Event)) {
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) emit(ev Event) {
	for _, fn := range slices.Clone(m.listeners) {
		fn(ev)
	}
}

func (m *Manager) Destroy() {
	m.global.Destroy()
	if m.ownWorker {
		m.worker.Close()
	}
}

// WindowContext returns the context decorating s, if any.
func (m *Manager) WindowContext(s *core.Surface) *WindowContext {
	return m.windows[s]
}

// Setting returns a user's current value for scope/key, or its default.
func (m *Manager) Setting(uid int, scope, key string) string {
	id := scope + "/" + key
	if u, ok := m.users[uid]; ok {
		if v, ok := u.values[id]; ok {
			return v
		}
	}
	return knownFields[id].def
}

// Loaded reports whether a user's stored settings have been read.
func (m *Manager) Loaded(uid int) bool {
	u, ok := m.users[uid]
	return ok && u.pending == 0
}

func (m *Manager) bind(r *wayland.Resource) error {
	m.user(clientUID(r.Client()))
	r.SetHandler(wayland.HandlerFunc(m.handleRequest))
	return nil
}

func (m *Manager) handleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	c := r.Client()
	switch opcode {
	case managerRequestWindow:
		surface := core.SurfaceFromResource(args.Object(1))
		if surface == nil {
			return r.Errorf(wayland.ErrorInvalidObject, "window context needs a surface")
		}
		if m.windows[surface] != nil {
			return r.Errorf(ErrorAlreadyUsed, "surface %s already has a window context", surface.Resource())
		}
		res, err := c.NewResource(args.NewID(0), WindowContextInterface, r.Version(), nil)
		if err != nil {
			return err
		}
		m.newWindowContext(res, surface)
	case managerRequestWallpaper:
		res, err := c.NewResource(args.NewID(0), WallpaperContextInterface, r.Version(), nil)
		if err != nil {
			return err
		}
		m.newWallpaperContext(res, m.user(clientUID(c)))
	case managerRequestCursor:
		res, err := c.NewResource(args.NewID(0), CursorContextInterface, r.Version(), nil)
		if err != nil {
			return err
		}
		m.newCursorContext(res, m.user(clientUID(c)))
	case managerRequestFont:
		res, err := c.NewResource(args.NewID(0), FontContextInterface, r.Version(), nil)
		if err != nil {
			return err
		}
		u := m.user(clientUID(c))
		m.newSettingsContext(res, u, fontFields, &u.fonts)
	case managerRequestAppearance:
		res, err := c.NewResource(args.NewID(0), AppearanceContextInterface, r.Version(), nil)
		if err != nil {
			return err
		}
		u := m.user(clientUID(c))
		m.newSettingsContext(res, u, appearanceFields, &u.appearance)
	}
	return nil
}

// clientUID is the peer's uid, or -1 when the transport could not tell.
// Settings of uid -1 live in memory only.
func clientUID(c *wayland.Client) int {
	creds, err := c.Credentials()
	if err != nil {
		return -1
	}
	return creds.UID
}

// user holds one uid's settings. Requests that read settings wait until
// the stored values are loaded.
type user struct {
	uid        int
	values     map[string]string
	pending    int
	waiting    []func()
	fonts      wayland.ResourceSet
	appearance wayland.ResourceSet
}

func (m *Manager) user(uid int) *user {
	if u, ok := m.users[uid]; ok {
		return u
	}
	u := &user{uid: uid, values: make(map[string]string)}
	m.users[uid] = u
	if !m.persistent(u) {
		return u
	}
	u.pending = len(loadScopes)
	for _, scope := range loadScopes {
		ok := m.worker.LoadScope(uid, scope, func(values map[string]string, err error) {
			if err == nil {
				for k, v := range values {
					if _, set := u.values[scope+"/"+k]; !set {
						u.values[scope+"/"+k] = v
					}
				}
			}
			m.loaded(u)
		})
		if !ok {
			m.loaded(u)
		}
	}
	return u
}

func (m *Manager) loaded(u *user) {
	u.pending--
	if u.pending > 0 {
		return
	}
	m.log.Debug("user settings loaded", "uid", u.uid, "values", len(u.values))
	waiting := u.waiting
	u.waiting = nil
	for _, fn := range waiting {
		fn()
	}
}

// when runs fn once u's settings are available, keeping request order.
func (u *user) when(fn func()) {
	if u.pending == 0 && len(u.waiting) == 0 {
		fn()
		return
	}
	u.waiting = append(u.waiting, fn)
}

func (m *Manager) get(u *user, f field) any {
	v, ok := u.values[f.id()]
	if !ok {
		v = f.def
	}
	return f.value(v)
}

// set stores a new value and persists it. It reports false when the value
// did not change.
func (m *Manager) set(u *user, f field, value string) bool {
	if !m.update(u, f, value) {
		return false
	}
	if m.persistent(u) {
		m.worker.Put(u.uid, f.scope, f.key, value, nil)
	}
	return true
}

// update changes the in-memory value only.
func (m *Manager) update(u *user, f field, value string) bool {
	old, ok := u.values[f.id()]
	if !ok {
		old = f.def
	}
	if old == value {
		return false
	}
	u.values[f.id()] = value
	m.emit(SettingChanged{UID: u.uid, Scope: f.scope, Key: f.key, Value: value})
	return true
}

func (m *Manager) persistent(u *user) bool {
	return m.worker.Persistent() && u.uid >= 0
}
