package personalization_test

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/linuxdeepin/treeland-sub002/internal/eventloop"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/core"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/personalization"
	"github.com/linuxdeepin/treeland-sub002/internal/store"
	"github.com/linuxdeepin/treeland-sub002/internal/transport"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland/waylandtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const (
	alice = 1000
	bob   = 1001
)

type fixture struct {
	t      *testing.T
	loop   *eventloop.Loop
	d      *wayland.Display
	m      *personalization.Manager
	events []personalization.Event
}

func newFixture(t *testing.T, opts ...personalization.Option) *fixture {
	loop := eventloop.New()
	d := wayland.NewDisplay(loop)
	core.NewCompositor(d)
	f := &fixture{t: t, loop: loop, d: d, m: personalization.NewManager(d, opts...)}
	f.m.OnEvent(func(ev personalization.Event) { f.events = append(f.events, ev) })
	return f
}

func (f *fixture) client(uid int) (*waylandtest.Client, uint32) {
	c := waylandtest.NewClient(f.t, f.loop, f.d,
		waylandtest.WithCredentials(transport.Credentials{PID: 100 + uid, UID: uid, GID: uid}))
	return c, c.Bind(personalization.ManagerInterface, 1)
}

func (f *fixture) waitLoaded(uid int) {
	f.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !f.m.Loaded(uid) {
		require.True(f.t, time.Now().Before(deadline), "settings of %d never loaded", uid)
		f.loop.Dispatch()
		time.Sleep(5 * time.Millisecond)
	}
}

func newContext(c *waylandtest.Client, mgr uint32, opcode uint16, iface *wayland.Interface) uint32 {
	id := c.NewID(iface)
	c.Request(mgr, opcode, id)
	return id
}

func (f *fixture) windowContext(c *waylandtest.Client, mgr uint32) (ctx, surface uint32) {
	comp := c.Bind(core.CompositorInterface, 6)
	surface = c.NewID(core.SurfaceInterface)
	c.Request(comp, 0, surface)
	ctx = c.NewID(personalization.WindowContextInterface)
	c.Request(mgr, 0, ctx, surface)
	return ctx, surface
}

func TestWindowContext(t *testing.T) {
	f := newFixture(t)
	c, mgr := f.client(alice)
	ctx, _ := f.windowContext(c, mgr)
	c.Roundtrip()

	require.Len(t, f.events, 1)
	w := f.events[0].(personalization.WindowContextCreated).Context
	require.NotNil(t, w.Surface())
	assert.Same(t, w, f.m.WindowContext(w.Surface()))
	f.events = nil

	c.Request(ctx, 1, int32(12))
	c.Request(ctx, 1, int32(12))
	c.Request(ctx, 0, int32(personalization.BlendBlur))
	c.Request(ctx, 2, int32(20), int32(0), int32(4), int32(0), int32(0), int32(0), int32(300))
	c.Request(ctx, 3, int32(1), int32(255), int32(255), int32(255), int32(40))
	c.Request(ctx, 4, personalization.TitlebarDisable)
	c.Request(ctx, 4, personalization.TitlebarDisable)
	assert.Empty(t, c.Roundtrip())

	var changes []personalization.WindowChange
	for _, ev := range f.events {
		changes = append(changes, ev.(personalization.WindowChanged).Change)
	}
	assert.Equal(t, []personalization.WindowChange{
		personalization.ChangeCornerRadius,
		personalization.ChangeBlendMode,
		personalization.ChangeShadow,
		personalization.ChangeBorder,
		personalization.ChangeTitlebar,
	}, changes)

	assert.Equal(t, int32(12), w.CornerRadius())
	assert.Equal(t, personalization.BlendBlur, w.BlendMode())
	assert.Equal(t, personalization.Shadow{Radius: 20, Offset: image.Pt(0, 4), Color: color.NRGBA{A: 255}}, w.Shadow())
	assert.Equal(t, personalization.Border{Width: 1, Color: color.NRGBA{R: 255, G: 255, B: 255, A: 40}}, w.Border())
	assert.True(t, w.TitlebarDisabled())
}

func TestWindowContextAlreadyUsed(t *testing.T) {
	f := newFixture(t)
	c, mgr := f.client(alice)
	ctx, surface := f.windowContext(c, mgr)
	c.Roundtrip()

	// A fresh context is allowed once the first is gone.
	c.Request(ctx, 5)
	again := c.NewID(personalization.WindowContextInterface)
	c.Request(mgr, 0, again, surface)
	_, failed := waylandtest.ProtocolError(c.Roundtrip())
	require.False(t, failed)

	dup := c.NewID(personalization.WindowContextInterface)
	c.Request(mgr, 0, dup, surface)
	waylandtest.RequireError(t, c.Roundtrip(), mgr, personalization.ErrorAlreadyUsed)
}

func TestWindowContextOutlivedBySurface(t *testing.T) {
	f := newFixture(t)
	c, mgr := f.client(alice)
	ctx, surface := f.windowContext(c, mgr)
	c.Roundtrip()
	w := f.events[0].(personalization.WindowContextCreated).Context

	c.Request(surface, 0)
	c.Request(ctx, 1, int32(8))
	_, failed := waylandtest.ProtocolError(c.Roundtrip())
	assert.False(t, failed)
	assert.Nil(t, w.Surface())
	assert.Zero(t, w.CornerRadius())
	assert.Len(t, f.events, 1)
}

func TestAppearanceBroadcastsToSameUser(t *testing.T) {
	f := newFixture(t)
	a, amgr := f.client(alice)
	a2, a2mgr := f.client(alice)
	b, bmgr := f.client(bob)
	actx := newContext(a, amgr, 4, personalization.AppearanceContextInterface)
	a2ctx := newContext(a2, a2mgr, 4, personalization.AppearanceContextInterface)
	bctx := newContext(b, bmgr, 4, personalization.AppearanceContextInterface)
	a.Roundtrip()
	a2.Roundtrip()
	b.Roundtrip()

	a.Request(actx, 2, "vintage")
	events := a.Roundtrip()
	require.Len(t, events, 1)
	assert.True(t, events[0].Is("treeland_personalization_appearance_context_v1", "icon_theme"))
	assert.Equal(t, "vintage", events[0].Str(0))

	events = a2.Roundtrip()
	require.Len(t, events, 1)
	assert.Equal(t, a2ctx, events[0].ObjectID)
	assert.Equal(t, "vintage", events[0].Str(0))
	assert.Empty(t, b.Roundtrip())

	a.Request(actx, 2, "vintage")
	assert.Empty(t, a.Roundtrip(), "unchanged value is not broadcast")

	b.Request(bctx, 3)
	events = b.Roundtrip()
	require.Len(t, events, 1)
	assert.Equal(t, "bloom", events[0].Str(0))

	assert.Equal(t, "vintage", f.m.Setting(alice, personalization.ScopeAppearance, "icon_theme"))
	assert.Equal(t, []personalization.Event{personalization.SettingChanged{
		UID: alice, Scope: personalization.ScopeAppearance, Key: "icon_theme", Value: "vintage",
	}}, f.events)
}

func TestAppearanceValues(t *testing.T) {
	f := newFixture(t)
	c, mgr := f.client(alice)
	ctx := newContext(c, mgr, 4, personalization.AppearanceContextInterface)
	c.Roundtrip()

	c.Request(ctx, 6, uint32(50))
	c.Request(ctx, 6, uint32(150))
	c.Request(ctx, 0, int32(-4))
	c.Request(ctx, 11)
	events := c.Roundtrip()
	require.Equal(t, []string{
		"treeland_personalization_appearance_context_v1.window_opacity",
		"treeland_personalization_appearance_context_v1.window_opacity",
		"treeland_personalization_appearance_context_v1.round_corner_radius",
		"treeland_personalization_appearance_context_v1.window_titlebar_height",
	}, waylandtest.Names(events))
	assert.Equal(t, uint32(50), events[0].Uint(0))
	assert.Equal(t, uint32(100), events[1].Uint(0), "opacity is clamped")
	assert.Equal(t, int32(-4), events[2].Int(0))
	assert.Equal(t, uint32(40), events[3].Uint(0))
}

func TestFontContext(t *testing.T) {
	f := newFixture(t)
	c, mgr := f.client(alice)
	ctx := newContext(c, mgr, 3, personalization.FontContextInterface)
	c.Roundtrip()

	c.Request(ctx, 1)
	c.Request(ctx, 4, "Source Code Pro")
	c.Request(ctx, 5)
	events := c.Roundtrip()
	require.Equal(t, []string{
		"treeland_personalization_font_context_v1.font_size",
		"treeland_personalization_font_context_v1.monospace_font",
		"treeland_personalization_font_context_v1.monospace_font",
	}, waylandtest.Names(events))
	assert.Equal(t, uint32(105), events[0].Uint(0))
	assert.Equal(t, "Source Code Pro", events[2].Str(0))
}

func TestCursorCommit(t *testing.T) {
	f := newFixture(t)
	c, mgr := f.client(alice)
	ctx := newContext(c, mgr, 2, personalization.CursorContextInterface)
	c.Roundtrip()

	c.Request(ctx, 0, "bloom")
	c.Request(ctx, 2, uint32(32))
	assert.Empty(t, c.Roundtrip(), "nothing applies before commit")
	assert.Equal(t, "default", f.m.Setting(alice, personalization.ScopeCursor, "theme"))

	c.Request(ctx, 4)
	events := c.Roundtrip()
	require.Len(t, events, 1)
	assert.True(t, events[0].Is("treeland_personalization_cursor_context_v1", "verify"))
	assert.Equal(t, int32(1), events[0].Int(0))
	assert.Equal(t, "bloom", f.m.Setting(alice, personalization.ScopeCursor, "theme"))
	assert.Equal(t, "32", f.m.Setting(alice, personalization.ScopeCursor, "size"))

	c.Request(ctx, 1)
	c.Request(ctx, 3)
	c.Request(ctx, 1)
	events = c.Roundtrip()
	require.Equal(t, []string{
		"treeland_personalization_cursor_context_v1.theme",
		"treeland_personalization_cursor_context_v1.size",
	}, waylandtest.Names(events), "repeated values are not resent")
	assert.Equal(t, "bloom", events[0].Str(0))
	assert.Equal(t, uint32(32), events[1].Uint(0))
}

func openWorker(t *testing.T, loop *eventloop.Loop) (*store.Store, *store.Worker) {
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s, store.NewWorker(s, loop, 2)
}

func TestSettingsAreLoadedAndPersisted(t *testing.T) {
	ctx := context.Background()
	loop := eventloop.New()
	s, w := openWorker(t, loop)
	require.NoError(t, s.Put(ctx, s.NextSeq(), alice, personalization.ScopeAppearance, "icon_theme", "vintage"))

	f := &fixture{t: t, loop: loop, d: wayland.NewDisplay(loop)}
	f.m = personalization.NewManager(f.d, personalization.WithStore(w))

	c, mgr := f.client(alice)
	actx := newContext(c, mgr, 4, personalization.AppearanceContextInterface)
	c.Request(actx, 3)
	c.Request(actx, 4, "#FF0000")
	f.waitLoaded(alice)

	events := c.Roundtrip()
	require.Equal(t, []string{
		"treeland_personalization_appearance_context_v1.icon_theme",
		"treeland_personalization_appearance_context_v1.active_color",
	}, waylandtest.Names(events), "requests wait for the stored values in order")
	assert.Equal(t, "vintage", events[0].Str(0))

	w.Close()
	v, err := s.Get(ctx, alice, personalization.ScopeAppearance, "active_color")
	require.NoError(t, err)
	assert.Equal(t, "#FF0000", v)
}

func wallpaperFD(t *testing.T, content string) int {
	path := filepath.Join(t.TempDir(), "wallpaper.png")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close() //nolint:errcheck
	fd, err := unix.Dup(int(file.Fd()))
	require.NoError(t, err)
	return fd
}

func TestWallpaperCommit(t *testing.T) {
	ctx := context.Background()
	loop := eventloop.New()
	s, w := openWorker(t, loop)
	cache := t.TempDir()

	f := &fixture{t: t, loop: loop, d: wayland.NewDisplay(loop)}
	f.m = personalization.NewManager(f.d,
		personalization.WithStore(w),
		personalization.WithCacheDir(cache),
		personalization.WithDefaultOutput(func() string { return "eDP-1" }))
	f.m.OnEvent(func(ev personalization.Event) { f.events = append(f.events, ev) })

	c, mgr := f.client(alice)
	wp := newContext(c, mgr, 1, personalization.WallpaperContextInterface)
	c.Request(wp, 0, wallpaperFD(t, "image bytes"), `{"DP-1":"sunset"}`)
	c.Request(wp, 1, "sunset")
	c.Request(wp, 2, "DP-1")
	c.Request(wp, 3, personalization.OnBackground|personalization.OnLockscreen)
	c.Request(wp, 4, uint32(1))
	c.Request(wp, 5)
	c.Roundtrip()

	w.Close()
	c.Roundtrip()

	var changed []personalization.WallpaperChanged
	for _, ev := range f.events {
		if wc, ok := ev.(personalization.WallpaperChanged); ok {
			changed = append(changed, wc)
		}
	}
	require.Len(t, changed, 2)
	assert.Equal(t, store.RoleDesktop, changed[0].Role)
	assert.Equal(t, filepath.Join(cache, "1000", "background_DP-1"), changed[0].Path)
	assert.Equal(t, filepath.Join(cache, "1000", "lockscreen_DP-1"), changed[1].Path)
	assert.True(t, changed[1].IsDark)
	for _, ch := range changed {
		data, err := os.ReadFile(ch.Path)
		require.NoError(t, err)
		assert.Equal(t, "image bytes", string(data))
	}

	stored, err := s.Wallpapers(ctx, alice)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "DP-1", stored[0].Output)
	assert.True(t, stored[0].IsDark)

	c.Request(wp, 6)
	events := c.Roundtrip()
	require.Len(t, events, 1)
	assert.Equal(t, `{"DP-1":"sunset"}`, events[0].Str(0))
}

func TestWallpaperCommitDefaults(t *testing.T) {
	cache := t.TempDir()
	f := newFixture(t, personalization.WithCacheDir(cache), personalization.WithDefaultOutput(func() string { return "eDP-1" }))
	c, mgr := f.client(alice)
	wp := newContext(c, mgr, 1, personalization.WallpaperContextInterface)

	// No descriptor and no target: nothing happens.
	c.Request(wp, 5)
	c.Request(wp, 0, wallpaperFD(t, "x"), "")
	c.Request(wp, 5)
	c.Roundtrip()
	assert.Empty(t, f.events)

	c.Request(wp, 3, personalization.OnBackground)
	c.Request(wp, 5)
	require.Eventually(t, func() bool {
		f.loop.Dispatch()
		return len(f.events) > 0
	}, 5*time.Second, 5*time.Millisecond)
	require.Len(t, f.events, 1)
	ch := f.events[0].(personalization.WallpaperChanged)
	assert.Equal(t, "eDP-1", ch.Output)
	assert.FileExists(t, filepath.Join(cache, "1000", "background_eDP-1"))

	// The descriptor was consumed by the commit.
	f.events = nil
	c.Request(wp, 5)
	c.Roundtrip()
	assert.Empty(t, f.events)
}

func TestWallpaperCommitDoesNotBlockLoop(t *testing.T) {
	cache := t.TempDir()
	f := newFixture(t, personalization.WithCacheDir(cache))
	c, mgr := f.client(alice)
	wp := newContext(c, mgr, 1, personalization.WallpaperContextInterface)
	appearance := newContext(c, mgr, 4, personalization.AppearanceContextInterface)
	c.Roundtrip()

	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	writer := p[1]
	timer := time.AfterFunc(5*time.Second, func() { unix.Close(writer) }) //nolint:errcheck

	c.Request(wp, 0, p[0], "")
	c.Request(wp, 2, "eDP-1")
	c.Request(wp, 3, personalization.OnBackground)
	start := time.Now()
	c.Request(wp, 5)
	c.Request(appearance, 11)
	events := c.Roundtrip()
	assert.Less(t, time.Since(start), 2*time.Second, "commit held the loop")
	assert.Equal(t, []string{
		"treeland_personalization_appearance_context_v1.window_titlebar_height",
	}, waylandtest.Names(events))
	assert.Empty(t, f.events)

	if timer.Stop() {
		_, err := unix.Write(writer, []byte("slow image"))
		require.NoError(t, err)
		require.NoError(t, unix.Close(writer))
	}
	require.Eventually(t, func() bool {
		f.loop.Dispatch()
		return len(f.events) > 0
	}, 5*time.Second, 5*time.Millisecond)

	ch := f.events[len(f.events)-1].(personalization.WallpaperChanged)
	data, err := os.ReadFile(ch.Path)
	require.NoError(t, err)
	assert.Equal(t, "slow image", string(data))
}
