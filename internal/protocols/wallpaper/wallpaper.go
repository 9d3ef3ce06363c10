// Package wallpaper implements treeland_wallpaper_manager_v1 and
// treeland_wallpaper_notifier_v1. Wallpaper sources are tracked per user,
// output and role; every change is persisted and announced to the
// wallpaper objects watching that output and to all notifiers.
package wallpaper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"

	"github.com/charmbracelet/log"
	"github.com/linuxdeepin/treeland-sub002/internal/logger"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/core"
	"github.com/linuxdeepin/treeland-sub002/internal/store"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
)

const version = 1

// ErrorInvalidOutput is posted on the manager when no output is given.
const ErrorInvalidOutput uint32 = 0

// Codes of the failed event.
const (
	FailAlreadyUsed      uint32 = 0
	FailInvalidSource    uint32 = 1
	FailPermissionDenied uint32 = 2
)

// Roles is a set of places a wallpaper is shown.
type Roles uint32

const (
	RoleDesktop    Roles = 1
	RoleLockscreen Roles = 2
	allRoles             = RoleDesktop | RoleLockscreen
)

// Kind is the media type of a source.
type Kind uint32

const (
	KindImage Kind = store.KindImage
	KindVideo Kind = store.KindVideo
)

const (
	managerRequestGet     = 0
	managerRequestDestroy = 1

	wallpaperRequestImage   = 0
	wallpaperRequestVideo   = 1
	wallpaperRequestDestroy = 2
	wallpaperEventChanged   = 0
	wallpaperEventFailed    = 1

	notifierRequestDestroy = 0
	notifierEventAdd       = 0
	notifierEventRemove    = 1
)

var ManagerInterface = &wayland.Interface{
	Name:    "treeland_wallpaper_manager_v1",
	Version: version,
	Requests: []wayland.Message{
		{Name: "get_treeland_wallpaper", Signature: "n?oo", Interfaces: []string{"treeland_wallpaper_v1", "wl_output", "wl_surface"}},
		{Name: "destroy", Signature: ""},
	},
}

var WallpaperInterface = &wayland.Interface{
	Name:    "treeland_wallpaper_v1",
	Version: version,
	Requests: []wayland.Message{
		{Name: "set_image_source", Signature: "su"},
		{Name: "set_video_source", Signature: "su"},
		{Name: "destroy", Signature: ""},
	},
	Events: []wayland.Message{
		{Name: "changed", Signature: "uus"},
		{Name: "failed", Signature: "su"},
	},
}

var NotifierInterface = &wayland.Interface{
	Name:    "treeland_wallpaper_notifier_v1",
	Version: version,
	Requests: []wayland.Message{
		{Name: "destroy", Signature: ""},
	},
	Events: []wayland.Message{
		{Name: "add", Signature: "us"},
		{Name: "remove", Signature: "s"},
	},
}

// Event reports wallpaper changes to the compositor.
type Event interface {
	event()
}

type WallpaperCreated struct{ Wallpaper *Wallpaper }

// SourceChanged is emitted after a source was validated and applied.
type SourceChanged struct {
	UID    int
	Output string
	Roles  Roles
	Kind   Kind
	Source string
}

func (WallpaperCreated) event() {}
func (SourceChanged) event()    {}

// Source is the wallpaper shown for one user, output and role.
type Source struct {
	UID    int
	Output string
	Role   Roles
	Kind   Kind
	Path   string
}

type slot struct {
	uid    int
	output string
	role   Roles
}

type current struct {
	kind Kind
	path string
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithStore validates sources and persists them through w.
func WithStore(w *store.Worker) Option {
	return func(m *Manager) { m.worker = w }
}

type Manager struct {
	display   *wayland.Display
	global    *wayland.Global
	notifier  *wayland.Global
	log       *log.Logger
	worker    *store.Worker
	ownWorker bool
	sources   map[slot]current
	wallpaper []*Wallpaper
	notifiers wayland.ResourceSet
	listeners []func(Event)
}

// NewManager creates the manager and notifier globals.
func NewManager(d *wayland.Display, opts ...Option) *Manager {
	m := &Manager{display: d, log: logger.With("wallpaper"), sources: make(map[slot]current)}
	for _, opt := range opts {
		opt(m)
	}
	if m.worker == nil {
		m.worker = store.NewWorker(nil, d.Loop(), 1, store.WithLogger(m.log))
		m.ownWorker = true
	}
	m.global = d.CreateGlobal(ManagerInterface, version, m.bind)
	m.notifier = d.CreateGlobal(NotifierInterface, version, m.bindNotifier)
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
	m.notifier.Destroy()
	if m.ownWorker {
		m.worker.Close()
	}
}

// Restore seeds the sources read from the store at startup. Slots that
// already have a source keep it.
func (m *Manager) Restore(ws []store.Wallpaper) {
	for _, w := range ws {
		k := slot{uid: w.UID, output: w.Output, role: Roles(w.Role)}
		if _, ok := m.sources[k]; ok {
			continue
		}
		m.sources[k] = current{kind: Kind(w.Kind), path: w.Source}
	}
	m.log.Debug("wallpapers restored", "count", len(ws))
}

// Sources lists every tracked source.
func (m *Manager) Sources() []Source {
	out := make([]Source, 0, len(m.sources))
	for k, c := range m.sources {
		out = append(out, Source{UID: k.uid, Output: k.output, Role: k.role, Kind: c.kind, Path: c.path})
	}
	slices.SortFunc(out, func(a, b Source) int {
		switch {
		case a.UID != b.UID:
			return a.UID - b.UID
		case a.Output != b.Output:
			if a.Output < b.Output {
				return -1
			}
			return 1
		default:
			return int(a.Role) - int(b.Role)
		}
	})
	return out
}

// Wallpapers returns the live wallpaper objects.
func (m *Manager) Wallpapers() []*Wallpaper {
	return slices.Clone(m.wallpaper)
}

func (m *Manager) bind(r *wayland.Resource) error {
	r.SetHandler(wayland.HandlerFunc(m.handleRequest))
	return nil
}

func (m *Manager) handleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	switch opcode {
	case managerRequestGet:
		output := core.OutputFromResource(args.Object(1))
		if output == nil {
			return r.Errorf(ErrorInvalidOutput, "output resource is null")
		}
		surface := core.SurfaceFromResource(args.Object(2))
		res, err := r.Client().NewResource(args.NewID(0), WallpaperInterface, r.Version(), nil)
		if err != nil {
			return err
		}
		creds, err := r.Client().Credentials()
		uid := creds.UID
		if err != nil {
			uid = -1
		}
		m.newWallpaper(res, uid, output.Name(), surface)
	case managerRequestDestroy:
		r.Destroy()
	}
	return nil
}

func (m *Manager) bindNotifier(r *wayland.Resource) error {
	m.notifiers.Add(r)
	r.SetHandler(wayland.HandlerFunc(func(r *wayland.Resource, opcode uint16, _ wayland.Args) error {
		if opcode == notifierRequestDestroy {
			r.Destroy()
		}
		return nil
	}))
	for _, c := range m.inUse() {
		r.Post(notifierEventAdd, uint32(c.kind), c.path)
	}
	return nil
}

// inUse lists distinct sources in a stable order.
func (m *Manager) inUse() []current {
	var out []current
	for _, s := range m.Sources() {
		c := current{kind: s.Kind, path: s.Path}
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

func (m *Manager) used(path string) bool {
	for _, c := range m.sources {
		if c.path == path {
			return true
		}
	}
	return false
}

// SetSource applies a validated source to the given roles of one user's
// output and tells watchers and notifiers.
func (m *Manager) SetSource(uid int, output string, roles Roles, kind Kind, path string) {
	var replaced []string
	for _, role := range []Roles{RoleDesktop, RoleLockscreen} {
		if roles&role == 0 {
			continue
		}
		k := slot{uid: uid, output: output, role: role}
		if old, ok := m.sources[k]; ok && old.path != path {
			replaced = append(replaced, old.path)
		}
		m.sources[k] = current{kind: kind, path: path}
	}

	for _, w := range m.wallpaper {
		if w.uid == uid && w.output == output {
			w.res.Post(wallpaperEventChanged, uint32(roles), uint32(kind), path)
		}
	}
	for _, n := range m.notifiers.Snapshot() {
		n.Post(notifierEventAdd, uint32(kind), path)
	}
	for _, old := range replaced {
		if m.used(old) {
			continue
		}
		for _, n := range m.notifiers.Snapshot() {
			n.Post(notifierEventRemove, old)
		}
	}
	m.log.Info("wallpaper changed", "uid", uid, "output", output, "roles", roles, "source", path)
	m.emit(SourceChanged{UID: uid, Output: output, Roles: roles, Kind: kind, Source: path})
}

// Wallpaper is one client's handle on its wallpaper for an output.
type Wallpaper struct {
	m       *Manager
	res     *wayland.Resource
	uid     int
	output  string
	surface *core.Surface
}

func (m *Manager) newWallpaper(res *wayland.Resource, uid int, output string, surface *core.Surface) {
	w := &Wallpaper{m: m, res: res, uid: uid, output: output, surface: surface}
	m.wallpaper = append(m.wallpaper, w)
	res.SetHandler(w)
	res.OnDestroy(func(*wayland.Resource) {
		if i := slices.Index(m.wallpaper, w); i >= 0 {
			m.wallpaper = slices.Delete(m.wallpaper, i, i+1)
		}
		m.display.Metrics().HandleDestroyed("wallpaper")
	})
	if surface != nil {
		surface.OnDestroy(func(*core.Surface) { w.surface = nil })
	}
	m.display.Metrics().HandleCreated("wallpaper")

	for _, role := range []Roles{RoleDesktop, RoleLockscreen} {
		if c, ok := m.sources[slot{uid: uid, output: output, role: role}]; ok {
			res.Post(wallpaperEventChanged, uint32(role), uint32(c.kind), c.path)
		}
	}
	m.emit(WallpaperCreated{Wallpaper: w})
}

func (w *Wallpaper) UID() int               { return w.uid }
func (w *Wallpaper) Output() string         { return w.output }
func (w *Wallpaper) Surface() *core.Surface { return w.surface }

func (w *Wallpaper) HandleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	switch opcode {
	case wallpaperRequestImage:
		w.set(args.String(0), Roles(args.Uint(1)), KindImage)
	case wallpaperRequestVideo:
		w.set(args.String(0), Roles(args.Uint(1)), KindVideo)
	case wallpaperRequestDestroy:
		r.Destroy()
	}
	return nil
}

func (w *Wallpaper) set(path string, roles Roles, kind Kind) {
	m := w.m
	if path == "" || roles == 0 || roles&^allRoles != 0 {
		w.res.Post(wallpaperEventFailed, path, FailInvalidSource)
		return
	}
	if w.unchanged(path, roles, kind) {
		w.res.Post(wallpaperEventFailed, path, FailAlreadyUsed)
		return
	}

	uid, output := w.uid, w.output
	done := func(err error) {
		if err != nil {
			m.log.Debug("wallpaper source rejected", "uid", uid, "source", path, "err", err)
			w.res.Post(wallpaperEventFailed, path, failCode(err))
			return
		}
		m.SetSource(uid, output, roles, kind, path)
	}
	persist := m.worker.Persistent() && uid >= 0
	var seqs []int64
	if persist {
		for range roles.list() {
			seqs = append(seqs, m.worker.NextSeq())
		}
	}
	ok := m.worker.Submit("set_wallpaper", func(ctx context.Context, s *store.Store) error {
		if err := checkSource(path); err != nil {
			return err
		}
		if !persist {
			return nil
		}
		for i, role := range roles.list() {
			wp := store.Wallpaper{UID: uid, Output: output, Role: int(role), Kind: int(kind), Source: path}
			if err := s.PutWallpaper(ctx, seqs[i], wp); err != nil {
				return err
			}
		}
		return nil
	}, done)
	if !ok {
		w.res.Post(wallpaperEventFailed, path, FailInvalidSource)
	}
}

func (w *Wallpaper) unchanged(path string, roles Roles, kind Kind) bool {
	for _, role := range roles.list() {
		if c := w.m.sources[slot{uid: w.uid, output: w.output, role: role}]; c.path != path || c.kind != kind {
			return false
		}
	}
	return true
}

func (r Roles) list() []Roles {
	var out []Roles
	for _, role := range []Roles{RoleDesktop, RoleLockscreen} {
		if r&role != 0 {
			out = append(out, role)
		}
	}
	return out
}

var (
	errInvalidSource    = errors.New("invalid wallpaper source")
	errPermissionDenied = errors.New("wallpaper source not readable")
)

// checkSource requires path to be a readable regular file.
func checkSource(path string) error {
	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s", errPermissionDenied, path)
	case err != nil:
		return fmt.Errorf("%w: %v", errInvalidSource, err)
	}
	defer f.Close() //nolint:errcheck
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", errInvalidSource, path)
	}
	return nil
}

func failCode(err error) uint32 {
	if errors.Is(err, errPermissionDenied) {
		return FailPermissionDenied
	}
	return FailInvalidSource
}
