package sessionlock_test

import (
	"testing"

	"github.com/linuxdeepin/treeland-sub002/internal/eventloop"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/core"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/sessionlock"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland/waylandtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t      *testing.T
	loop   *eventloop.Loop
	d      *wayland.Display
	m      *sessionlock.Manager
	events []sessionlock.Event

	// Size every committed buffer reports.
	bufW, bufH int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	loop := eventloop.New()
	d := wayland.NewDisplay(loop)
	f := &fixture{t: t, loop: loop, d: d, bufW: 1920, bufH: 1080}
	core.NewCompositor(d)
	core.NewOutput(d, core.OutputInfo{Name: "DP-1", Width: 1920, Height: 1080})
	core.NewOutput(d, core.OutputInfo{Name: "HDMI-A-1", Width: 1280, Height: 720})
	f.m = sessionlock.NewManager(d, sessionlock.WithBufferSize(func(*core.Surface) (int32, int32, bool) {
		return f.bufW, f.bufH, true
	}))
	f.m.OnEvent(func(ev sessionlock.Event) { f.events = append(f.events, ev) })
	return f
}

type lockClient struct {
	*waylandtest.Client
	tb      *testing.T
	mgr     uint32
	comp    uint32
	outputs []uint32
}

func (f *fixture) client() *lockClient {
	f.t.Helper()
	c := &lockClient{Client: waylandtest.NewClient(f.t, f.loop, f.d), tb: f.t}
	c.mgr = c.Bind(sessionlock.ManagerInterface, 1)
	c.comp = c.Bind(core.CompositorInterface, 6)
	for _, name := range c.GlobalNames("wl_output") {
		c.outputs = append(c.outputs, c.BindName(name, core.OutputInterface, 4))
	}
	c.Roundtrip()
	return c
}

func (c *lockClient) lock() uint32 {
	id := c.NewID(sessionlock.LockInterface)
	c.Request(c.mgr, 1, id)
	return id
}

func (c *lockClient) surface() uint32 {
	id := c.NewID(core.SurfaceInterface)
	c.Request(c.comp, 0, id)
	return id
}

// lockSurface creates a lock surface on output i and returns its id, the
// wl_surface id and the configure serial.
func (c *lockClient) lockSurface(lock uint32, i int) (uint32, uint32, uint32) {
	c.tb.Helper()
	surface := c.surface()
	id := c.NewID(sessionlock.LockSurfaceInterface)
	c.Request(lock, 1, id, surface, c.outputs[i])
	events := c.Roundtrip()
	require.Len(c.tb, events, 1)
	require.True(c.tb, events[0].Is("ext_session_lock_surface_v1", "configure"))
	return id, surface, events[0].Uint(0)
}

// present attaches some object as buffer and commits.
func (c *lockClient) present(surface uint32) {
	c.Request(surface, 1, c.comp, int32(0), int32(0))
	c.Request(surface, 6)
}

func (f *fixture) active() *sessionlock.Lock {
	f.t.Helper()
	l := f.m.Active()
	require.NotNil(f.t, l)
	return l
}

func TestLockAndUnlock(t *testing.T) {
	f := newFixture(t)
	c := f.client()

	lock := c.lock()
	require.Len(t, f.events, 1)
	req, ok := f.events[0].(sessionlock.LockRequested)
	require.True(t, ok)
	assert.Equal(t, sessionlock.StateCreated, req.Lock.State())

	ls, surface, serial := c.lockSurface(lock, 0)
	created, ok := f.events[1].(sessionlock.LockSurfaceCreated)
	require.True(t, ok)
	assert.Equal(t, "DP-1", created.Surface.Output().Name())

	c.Request(ls, 1, serial)
	w, h, ok := created.Surface.Acked()
	require.True(t, ok)
	assert.Equal(t, [2]uint32{1920, 1080}, [2]uint32{w, h})
	c.present(surface)
	assert.Empty(t, c.Roundtrip())

	require.NoError(t, req.Lock.SendLocked())
	assert.ErrorIs(t, req.Lock.SendLocked(), sessionlock.ErrNotCreated)
	assert.True(t, f.m.Locked())
	assert.Equal(t, []string{"ext_session_lock_v1.locked"}, waylandtest.Names(c.Roundtrip()))

	c.Request(lock, 2)
	assert.Equal(t, []string{"wl_display.delete_id"}, waylandtest.Names(c.Roundtrip()))
	assert.False(t, f.m.Locked())
	assert.Nil(t, f.m.Active())
	assert.Equal(t, sessionlock.StateUnlocked, req.Lock.State())
	assert.Equal(t, sessionlock.Unlocked{Lock: req.Lock}, f.events[len(f.events)-1])
}

func TestUnlockBeforeLockedIsProtocolError(t *testing.T) {
	f := newFixture(t)
	c := f.client()
	lock := c.lock()
	l := f.active()

	c.Request(lock, 2)
	waylandtest.RequireError(t, c.Roundtrip(), lock, sessionlock.ErrorInvalidUnlock)
	assert.False(t, f.m.Locked())
	for _, ev := range f.events {
		assert.NotEqual(t, sessionlock.Unlocked{Lock: l}, ev)
	}
	assert.Equal(t, sessionlock.StateCanceled, l.State(), "the errored client is dropped")
}

func TestAckWithWrongSerialIsProtocolError(t *testing.T) {
	f := newFixture(t)
	c := f.client()
	lock := c.lock()
	ls, _, serial := c.lockSurface(lock, 0)

	c.Request(ls, 1, serial+1)
	waylandtest.RequireError(t, c.Roundtrip(), ls, sessionlock.ErrorInvalidSerial)
}

func TestAckMustMatchLatestConfigure(t *testing.T) {
	f := newFixture(t)
	c := f.client()
	lock := c.lock()
	ls, _, first := c.lockSurface(lock, 0)

	surfaces := f.active().Surfaces()
	require.Len(t, surfaces, 1)
	second := surfaces[0].Configure(800, 600)
	assert.Greater(t, second, first)
	c.Roundtrip()

	c.Request(ls, 1, first)
	waylandtest.RequireError(t, c.Roundtrip(), ls, sessionlock.ErrorInvalidSerial)
}

func TestDestroyWhileLockedIsProtocolError(t *testing.T) {
	f := newFixture(t)
	c := f.client()
	lock := c.lock()
	l := f.active()
	require.NoError(t, l.SendLocked())
	c.Roundtrip()

	c.Request(lock, 0)
	waylandtest.RequireError(t, c.Roundtrip(), lock, sessionlock.ErrorInvalidDestroy)
	assert.True(t, f.m.Locked(), "a dropped lock client leaves the session locked")
	assert.Equal(t, sessionlock.StateAbandoned, l.State())
	assert.Equal(t, sessionlock.Abandoned{Lock: l}, f.events[len(f.events)-1])
}

func TestSecondLockIsFinished(t *testing.T) {
	f := newFixture(t)
	a := f.client()
	b := f.client()
	a.lock()
	first := f.active()

	second := b.lock()
	assert.Equal(t, []string{"ext_session_lock_v1.finished"}, waylandtest.Names(b.Roundtrip()))
	assert.Same(t, first, f.m.Active())

	// A finished lock may be destroyed and its requests are inert.
	ls := b.NewID(sessionlock.LockSurfaceInterface)
	b.Request(second, 1, ls, b.surface(), b.outputs[0])
	b.Request(second, 0)
	events := b.Roundtrip()
	_, errored := waylandtest.ProtocolError(events)
	assert.False(t, errored)
}

func TestCancelBeforeLocked(t *testing.T) {
	f := newFixture(t)
	c := f.client()
	lock := c.lock()
	l := f.active()

	c.Request(lock, 0)
	c.Roundtrip()
	assert.Equal(t, sessionlock.StateCanceled, l.State())
	assert.Nil(t, f.m.Active())
	assert.Equal(t, sessionlock.Canceled{Lock: l}, f.events[len(f.events)-1])

	c.lock()
	assert.NotNil(t, f.m.Active(), "a new lock is accepted after a cancel")
}

func TestCompositorDeniesLock(t *testing.T) {
	f := newFixture(t)
	c := f.client()
	c.lock()
	l := f.active()

	require.NoError(t, l.Finish())
	assert.Equal(t, []string{"ext_session_lock_v1.finished"}, waylandtest.Names(c.Roundtrip()))
	assert.Equal(t, sessionlock.StateFinished, l.State())
	assert.Nil(t, f.m.Active())
	assert.ErrorIs(t, l.SendLocked(), sessionlock.ErrNotCreated)
}

func TestAbandonedSessionNeedsCompositorUnlock(t *testing.T) {
	f := newFixture(t)
	c := f.client()
	c.lock()
	require.NoError(t, f.active().SendLocked())
	c.Roundtrip()

	c.Disconnect()
	assert.True(t, f.m.Locked())
	assert.Nil(t, f.m.Active())

	// A restarted locker may take over.
	again := f.client()
	again.lock()
	assert.False(t, f.m.Unlock(), "a live lock owns the session")
	require.NoError(t, f.active().SendLocked())

	again.Disconnect()
	assert.True(t, f.m.Unlock())
	assert.False(t, f.m.Locked())
}

func TestLockSurfaceErrors(t *testing.T) {
	tests := []struct {
		name   string
		run    func(f *fixture, c *lockClient, lock uint32) (object uint32)
		code   uint32
		onLock bool
	}{
		{
			name: "commit before first ack",
			run: func(f *fixture, c *lockClient, lock uint32) uint32 {
				ls, surface, _ := c.lockSurface(lock, 0)
				c.present(surface)
				return ls
			},
			code: sessionlock.ErrorCommitBeforeFirstAck,
		},
		{
			name: "null buffer",
			run: func(f *fixture, c *lockClient, lock uint32) uint32 {
				ls, surface, serial := c.lockSurface(lock, 0)
				c.Request(ls, 1, serial)
				c.Request(surface, 6)
				return ls
			},
			code: sessionlock.ErrorNullBuffer,
		},
		{
			name: "dimensions mismatch",
			run: func(f *fixture, c *lockClient, lock uint32) uint32 {
				ls, surface, serial := c.lockSurface(lock, 1)
				c.Request(ls, 1, serial)
				c.present(surface)
				return ls
			},
			code: sessionlock.ErrorDimensionsMismatch,
		},
		{
			name: "duplicate output",
			run: func(f *fixture, c *lockClient, lock uint32) uint32 {
				c.lockSurface(lock, 0)
				c.Request(lock, 1, c.NewID(sessionlock.LockSurfaceInterface), c.surface(), c.outputs[0])
				return lock
			},
			code: sessionlock.ErrorDuplicateOutput,
		},
		{
			name: "surface already has a role",
			run: func(f *fixture, c *lockClient, lock uint32) uint32 {
				_, surface, _ := c.lockSurface(lock, 0)
				c.Request(lock, 1, c.NewID(sessionlock.LockSurfaceInterface), surface, c.outputs[1])
				return lock
			},
			code: sessionlock.ErrorRole,
		},
		{
			name: "surface already has a buffer",
			run: func(f *fixture, c *lockClient, lock uint32) uint32 {
				surface := c.surface()
				c.present(surface)
				c.Request(lock, 1, c.NewID(sessionlock.LockSurfaceInterface), surface, c.outputs[0])
				return lock
			},
			code: sessionlock.ErrorAlreadyConstructed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c := f.client()
			lock := c.lock()
			object := tt.run(f, c, lock)
			waylandtest.RequireError(t, c.Roundtrip(), object, tt.code)
		})
	}
}

func TestLockSurfaceDestroyReleasesOutput(t *testing.T) {
	f := newFixture(t)
	c := f.client()
	lock := c.lock()
	ls, surface, _ := c.lockSurface(lock, 0)

	c.Request(ls, 0)
	c.Roundtrip()
	assert.Empty(t, f.active().Surfaces())

	// Same surface, same role, same output: allowed again.
	id := c.NewID(sessionlock.LockSurfaceInterface)
	c.Request(lock, 1, id, surface, c.outputs[0])
	events := c.Roundtrip()
	require.Len(t, events, 1)
	assert.True(t, events[0].Is("ext_session_lock_surface_v1", "configure"))
}

func TestGlobalFilter(t *testing.T) {
	loop := eventloop.New()
	d := wayland.NewDisplay(loop)
	var allowed *wayland.Client
	sessionlock.NewManager(d, sessionlock.WithFilter(func(c *wayland.Client) bool { return c == allowed }))

	greeter := waylandtest.NewClient(t, loop, d)
	other := waylandtest.NewClient(t, loop, d)
	allowed = greeter.Server
	assert.True(t, greeter.HasGlobal("ext_session_lock_manager_v1"))
	assert.False(t, other.HasGlobal("ext_session_lock_manager_v1"))
}
