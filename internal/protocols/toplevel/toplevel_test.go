package toplevel_test

import (
	"image"
	"testing"

	"github.com/linuxdeepin/treeland-sub002/internal/eventloop"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/core"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/toplevel"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland/waylandtest"
	"github.com/linuxdeepin/treeland-sub002/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t      *testing.T
	loop   *eventloop.Loop
	d      *wayland.Display
	m      *toplevel.Manager
	events []toplevel.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	loop := eventloop.New()
	d := wayland.NewDisplay(loop)
	f := &fixture{t: t, loop: loop, d: d, m: toplevel.NewManager(d)}
	f.m.OnEvent(func(ev toplevel.Event) { f.events = append(f.events, ev) })
	return f
}

// client binds the manager and returns the client with its manager id.
func (f *fixture) client() (*waylandtest.Client, uint32) {
	f.t.Helper()
	c := waylandtest.NewClient(f.t, f.loop, f.d,
		waylandtest.WithInterfaces(toplevel.HandleInterface, toplevel.DockPreviewInterface))
	id := c.Bind(toplevel.ManagerInterface, 1)
	return c, id
}

func TestAnnounceBeforeDetail(t *testing.T) {
	f := newFixture(t)
	c, mgr := f.client()
	require.Empty(t, c.Roundtrip())

	h := f.m.CreateHandle()
	h.SetTitle("Terminal")
	h.SetAppID("org.deepin.terminal")
	events := c.Roundtrip()

	require.Equal(t, []string{
		"treeland_foreign_toplevel_manager_v1.toplevel",
		"treeland_foreign_toplevel_handle_v1.title",
		"treeland_foreign_toplevel_handle_v1.app_id",
		"treeland_foreign_toplevel_handle_v1.done",
	}, waylandtest.Names(events))
	assert.Equal(t, mgr, events[0].ObjectID)
	handleID := events[0].Uint(0)
	for _, ev := range events[1:] {
		assert.Equal(t, handleID, ev.ObjectID)
	}
}

func TestBindAfterCreationReplaysInTwoPasses(t *testing.T) {
	f := newFixture(t)
	h1 := f.m.CreateHandle()
	h1.SetTitle("A")
	h2 := f.m.CreateHandle()
	h2.SetTitle("B")
	h2.SetParent(h1)
	f.loop.Dispatch()

	c, _ := f.client()
	events := c.Roundtrip()

	require.Equal(t, []string{
		"treeland_foreign_toplevel_manager_v1.toplevel",
		"treeland_foreign_toplevel_manager_v1.toplevel",
		"treeland_foreign_toplevel_handle_v1.title",
		"treeland_foreign_toplevel_handle_v1.pid",
		"treeland_foreign_toplevel_handle_v1.identifier",
		"treeland_foreign_toplevel_handle_v1.state",
		"treeland_foreign_toplevel_handle_v1.parent",
		"treeland_foreign_toplevel_handle_v1.title",
		"treeland_foreign_toplevel_handle_v1.pid",
		"treeland_foreign_toplevel_handle_v1.identifier",
		"treeland_foreign_toplevel_handle_v1.state",
		"treeland_foreign_toplevel_handle_v1.parent",
		"treeland_foreign_toplevel_handle_v1.done",
		"treeland_foreign_toplevel_handle_v1.done",
	}, waylandtest.Names(events))

	id1, id2 := events[0].Uint(0), events[1].Uint(0)
	assert.Equal(t, id1, events[2].ObjectID)
	assert.Equal(t, "A", events[2].Str(0))
	assert.Equal(t, uint32(0), events[6].Uint(0), "first handle has no parent")
	assert.Equal(t, id2, events[7].ObjectID)
	assert.Equal(t, "B", events[7].Str(0))
	assert.Equal(t, id1, events[11].Uint(0), "parent names the already announced resource")
	assert.Equal(t, id1, events[12].ObjectID)
	assert.Equal(t, id2, events[13].ObjectID)
}

func TestBindWithDonePendingSendsOneDone(t *testing.T) {
	f := newFixture(t)
	h := f.m.CreateHandle()
	h.SetTitle("A")
	f.loop.Dispatch()

	c := waylandtest.NewClient(t, f.loop, f.d,
		waylandtest.WithInterfaces(toplevel.HandleInterface, toplevel.DockPreviewInterface))
	c.Registry()
	h.SetTitle("B")
	c.Bind(toplevel.ManagerInterface, 1)
	events := c.Roundtrip()

	names := waylandtest.Names(events)
	require.NotEmpty(t, names)
	assert.Equal(t, "treeland_foreign_toplevel_manager_v1.toplevel", names[0])
	done := 0
	for _, n := range names {
		if n == "treeland_foreign_toplevel_handle_v1.done" {
			done++
		}
	}
	assert.Equal(t, 1, done)
	assert.Equal(t, "treeland_foreign_toplevel_handle_v1.done", names[len(names)-1])
	for _, ev := range events {
		if ev.Name == "title" {
			assert.Equal(t, "B", ev.Str(0))
		}
	}

	// Nothing left over for the next iteration.
	assert.Empty(t, c.Roundtrip())
}

func TestParentClearedOnDestroy(t *testing.T) {
	f := newFixture(t)
	c, _ := f.client()
	c.Roundtrip()

	parent := f.m.CreateHandle()
	child := f.m.CreateHandle()
	child.SetParent(parent)
	events := c.Roundtrip()
	parentID, childID := events[0].Uint(0), events[1].Uint(0)

	parent.SetTitle("pending")
	parent.Destroy()
	events = c.Roundtrip()

	require.Equal(t, []string{
		"treeland_foreign_toplevel_handle_v1.title",
		"treeland_foreign_toplevel_handle_v1.closed",
		"treeland_foreign_toplevel_handle_v1.parent",
		"treeland_foreign_toplevel_handle_v1.done",
	}, waylandtest.Names(events))
	assert.Equal(t, parentID, events[1].ObjectID)
	assert.Equal(t, childID, events[2].ObjectID)
	assert.Equal(t, uint32(0), events[2].Uint(0))
	assert.Equal(t, childID, events[3].ObjectID, "the closed handle's pending done is dropped")
	assert.Nil(t, child.Parent())
	assert.False(t, parent.Alive())
	assert.Equal(t, []*toplevel.Handle{child}, f.m.Handles())
}

func TestUpdatesCoalesceIntoOneDone(t *testing.T) {
	f := newFixture(t)
	a, _ := f.client()
	b, _ := f.client()
	a.Roundtrip()
	b.Drain()

	h := f.m.CreateHandle()
	a.Roundtrip()
	b.Drain()

	h.SetTitle("one")
	h.SetTitle("two")
	h.SetMaximized(true)
	h.SetActivated(true)
	h.SetPID(42)
	f.loop.Dispatch()

	for _, c := range []*waylandtest.Client{a, b} {
		events := c.Drain()
		done := 0
		for _, ev := range events {
			if ev.Name == "done" {
				done++
			}
		}
		assert.Equal(t, 1, done)
		assert.Equal(t, "done", events[len(events)-1].Name)
	}

	// The next iteration starts a new batch.
	h.SetMinimized(true)
	events := a.Roundtrip()
	require.Len(t, events, 2)
	assert.Equal(t,
		[]uint32{uint32(toplevel.StateMaximized), uint32(toplevel.StateMinimized), uint32(toplevel.StateActivated)},
		wire.Uint32s(events[0].Array(0)))
}

func TestEqualValuesSendNothing(t *testing.T) {
	f := newFixture(t)
	c, _ := f.client()
	h := f.m.CreateHandle()
	h.SetTitle("same")
	h.SetAppID("app")
	h.SetPID(7)
	h.SetIdentifier(9)
	h.SetFullscreen(true)
	c.Roundtrip()

	h.SetTitle("same")
	h.SetAppID("app")
	h.SetPID(7)
	h.SetIdentifier(9)
	h.SetFullscreen(true)
	h.SetMaximized(false)
	h.SetParent(nil)
	assert.Empty(t, c.Roundtrip())
}

func TestDisconnectDuringBroadcast(t *testing.T) {
	f := newFixture(t)
	a, _ := f.client()
	b, _ := f.client()
	other, _ := f.client()
	a.Roundtrip()
	b.Drain()
	other.Drain()

	h := f.m.CreateHandle()
	a.Roundtrip()
	b.Drain()
	other.Drain()
	require.Len(t, h.Resources(), 3)

	h.OnBeforeDestroy(func(*toplevel.Handle) { b.Disconnect() })
	h.Destroy()
	f.loop.Dispatch()

	assert.Equal(t, []string{"treeland_foreign_toplevel_handle_v1.closed"}, waylandtest.Names(a.Drain()))
	assert.Equal(t, []string{"treeland_foreign_toplevel_handle_v1.closed"}, waylandtest.Names(other.Drain()))
	assert.True(t, b.Conn.Closed())
}

func TestClientLeavingKeepsHandle(t *testing.T) {
	f := newFixture(t)
	a, _ := f.client()
	b, _ := f.client()
	h := f.m.CreateHandle()
	a.Roundtrip()
	b.Drain()

	a.Disconnect()
	h.SetTitle("still here")
	f.loop.Dispatch()

	assert.Equal(t, []string{
		"treeland_foreign_toplevel_handle_v1.title",
		"treeland_foreign_toplevel_handle_v1.done",
	}, waylandtest.Names(b.Drain()))
	assert.Len(t, h.Resources(), 1)
}

func TestParentNullWhenClientDroppedParentResource(t *testing.T) {
	f := newFixture(t)
	c, _ := f.client()
	parent := f.m.CreateHandle()
	child := f.m.CreateHandle()
	events := c.Roundtrip()
	parentID, childID := events[0].Uint(0), events[1].Uint(0)

	c.Request(parentID, 7)
	c.Roundtrip()
	child.SetParent(parent)
	events = c.Roundtrip()

	require.Len(t, events, 2)
	assert.Equal(t, childID, events[0].ObjectID)
	assert.True(t, events[0].Is("treeland_foreign_toplevel_handle_v1", "parent"))
	assert.Equal(t, uint32(0), events[0].Uint(0))
	assert.Same(t, parent, child.Parent())
}

func TestOutputEnterScopedToBoundOutputs(t *testing.T) {
	f := newFixture(t)
	o := core.NewOutput(f.d, core.OutputInfo{Name: "DP-1"})
	c, _ := f.client()
	c.Roundtrip()

	h := f.m.CreateHandle()
	h.OutputEnter(o)
	events := c.Roundtrip()
	require.Equal(t, []string{
		"treeland_foreign_toplevel_manager_v1.toplevel",
		"treeland_foreign_toplevel_handle_v1.done",
	}, waylandtest.Names(events), "client has not bound the output")
	handleID := events[0].Uint(0)

	out := c.Bind(core.OutputInterface, 4)
	events = waylandtest.Filter(c.Roundtrip(), "treeland_foreign_toplevel_handle_v1")
	require.Equal(t, []string{
		"treeland_foreign_toplevel_handle_v1.output_enter",
		"treeland_foreign_toplevel_handle_v1.done",
	}, waylandtest.Names(events))
	assert.Equal(t, handleID, events[0].ObjectID)
	assert.Equal(t, out, events[0].Uint(0))

	h.OutputLeave(o)
	events = c.Roundtrip()
	require.Len(t, events, 2)
	assert.True(t, events[0].Is("treeland_foreign_toplevel_handle_v1", "output_leave"))
	assert.Empty(t, h.Outputs())
}

func TestDetailsIncludeEnteredOutputs(t *testing.T) {
	f := newFixture(t)
	o := core.NewOutput(f.d, core.OutputInfo{Name: "DP-1"})
	h := f.m.CreateHandle()
	h.OutputEnter(o)
	f.loop.Dispatch()

	c := waylandtest.NewClient(t, f.loop, f.d, waylandtest.WithInterfaces(toplevel.HandleInterface))
	out := c.Bind(core.OutputInterface, 4)
	c.Roundtrip()
	c.Bind(toplevel.ManagerInterface, 1)
	events := c.Roundtrip()

	enters := 0
	for _, ev := range events {
		if ev.Name == "output_enter" {
			enters++
			assert.Equal(t, out, ev.Uint(0))
		}
	}
	assert.Equal(t, 1, enters)
}

func TestRequestsAreForwarded(t *testing.T) {
	f := newFixture(t)
	seat := core.NewSeat(f.d, "seat0")
	comp := core.NewCompositor(f.d)
	c, _ := f.client()
	h := f.m.CreateHandle()
	events := c.Roundtrip()
	id := events[0].Uint(0)

	seatID := c.Bind(core.SeatInterface, 7)
	compID := c.Bind(core.CompositorInterface, 6)
	c.Roundtrip()
	surface := c.NewID(core.SurfaceInterface)
	c.Request(compID, 0, surface)

	c.Request(id, 0)
	c.Request(id, 3)
	c.Request(id, 4, seatID)
	c.Request(id, 5)
	c.Request(id, 6, surface, int32(10), int32(20), int32(30), int32(40))
	c.Request(id, 8, uint32(0))
	c.Request(id, 9)

	require.Len(t, f.events, 7)
	assert.Equal(t, toplevel.RequestMaximize{Handle: h, Maximized: true}, f.events[0])
	assert.Equal(t, toplevel.RequestMinimize{Handle: h, Minimized: false}, f.events[1])
	assert.Equal(t, toplevel.RequestActivate{Handle: h, Seat: seat}, f.events[2])
	assert.Equal(t, toplevel.RequestClose{Handle: h}, f.events[3])
	rect, ok := f.events[4].(toplevel.RectangleChanged)
	require.True(t, ok)
	assert.Equal(t, image.Rect(10, 20, 40, 60), rect.Rect)
	assert.Same(t, comp.Surfaces()[0], rect.Surface)
	assert.Equal(t, toplevel.RequestFullscreen{Handle: h, Fullscreen: true}, f.events[5])
	assert.Equal(t, toplevel.RequestFullscreen{Handle: h}, f.events[6])
	assert.Empty(t, c.Roundtrip(), "requests never change state by themselves")
}

func TestInvalidRectangle(t *testing.T) {
	f := newFixture(t)
	core.NewCompositor(f.d)
	c, _ := f.client()
	f.m.CreateHandle()
	id := c.Roundtrip()[0].Uint(0)
	compID := c.Bind(core.CompositorInterface, 6)
	c.Roundtrip()
	surface := c.NewID(core.SurfaceInterface)
	c.Request(compID, 0, surface)

	c.Request(id, 6, surface, int32(0), int32(0), int32(-1), int32(5))
	waylandtest.RequireError(t, c.Roundtrip(), id, toplevel.ErrorInvalidRectangle)
	assert.Empty(t, f.events)
}

func TestRequestsOnClosedHandleAreIgnored(t *testing.T) {
	f := newFixture(t)
	c, _ := f.client()
	h := f.m.CreateHandle()
	id := c.Roundtrip()[0].Uint(0)

	h.Destroy()
	c.Roundtrip()
	c.Request(id, 5)
	assert.Empty(t, f.events)

	c.Request(id, 7)
	events := c.Roundtrip()
	require.Len(t, events, 1)
	assert.True(t, events[0].Is("wl_display", "delete_id"))
}

func TestStopSendsFinished(t *testing.T) {
	f := newFixture(t)
	c, mgr := f.client()
	c.Roundtrip()

	c.Request(mgr, 0)
	assert.Equal(t, []string{
		"treeland_foreign_toplevel_manager_v1.finished",
		"wl_display.delete_id",
	}, waylandtest.Names(c.Roundtrip()))

	f.m.CreateHandle()
	assert.Empty(t, c.Roundtrip())
}

func TestManagerDestroy(t *testing.T) {
	f := newFixture(t)
	c, _ := f.client()
	f.m.CreateHandle()
	c.Roundtrip()

	f.m.Destroy()
	events := c.Roundtrip()
	assert.Equal(t, []string{
		"wl_registry.global_remove",
		"treeland_foreign_toplevel_manager_v1.finished",
		"treeland_foreign_toplevel_handle_v1.closed",
	}, waylandtest.Names(events))
	assert.Empty(t, f.m.Handles())
}

func TestDockPreview(t *testing.T) {
	f := newFixture(t)
	core.NewCompositor(f.d)
	c, mgr := f.client()
	compID := c.Bind(core.CompositorInterface, 6)
	c.Roundtrip()
	surface := c.NewID(core.SurfaceInterface)
	c.Request(compID, 0, surface)

	ctx := c.NewID(toplevel.DockPreviewInterface)
	c.Request(mgr, 1, surface, ctx)
	require.Len(t, f.events, 1)
	created, ok := f.events[0].(toplevel.DockPreviewCreated)
	require.True(t, ok)
	p := created.Preview
	require.NotNil(t, p.Surface())

	c.Request(ctx, 0, wire.Uint32Array(3, 5), int32(100), int32(0), uint32(toplevel.DirectionBottom))
	c.Request(ctx, 1, "Files", int32(4), int32(2), uint32(toplevel.DirectionLeft))
	c.Request(ctx, 0, []byte{}, int32(0), int32(0), uint32(toplevel.DirectionTop))
	c.Request(ctx, 2)
	require.Len(t, f.events, 5)
	assert.Equal(t, toplevel.DockPreviewShow{Preview: p, Identifiers: []uint32{3, 5}, X: 100, Direction: toplevel.DirectionBottom}, f.events[1])
	assert.Equal(t, toplevel.DockPreviewTooltip{Preview: p, Tooltip: "Files", X: 4, Y: 2, Direction: toplevel.DirectionLeft}, f.events[2])
	show, ok := f.events[3].(toplevel.DockPreviewShow)
	require.True(t, ok)
	assert.Empty(t, show.Identifiers, "an empty list is still forwarded")
	assert.Equal(t, toplevel.DockPreviewClose{Preview: p}, f.events[4])

	p.Enter()
	p.Leave()
	assert.Equal(t, []string{
		"treeland_dock_preview_context_v1.enter",
		"treeland_dock_preview_context_v1.leave",
	}, waylandtest.Names(c.Roundtrip()))

	destroyed := false
	p.OnDestroy(func(*toplevel.DockPreview) { destroyed = true })
	c.Request(ctx, 3)
	assert.True(t, destroyed)
	assert.False(t, p.Alive())
	p.Enter()
	assert.Equal(t, []string{"wl_display.delete_id"}, waylandtest.Names(c.Roundtrip()))
}

func TestDockPreviewInvalidDirection(t *testing.T) {
	f := newFixture(t)
	core.NewCompositor(f.d)
	c, mgr := f.client()
	compID := c.Bind(core.CompositorInterface, 6)
	c.Roundtrip()
	surface := c.NewID(core.SurfaceInterface)
	c.Request(compID, 0, surface)
	ctx := c.NewID(toplevel.DockPreviewInterface)
	c.Request(mgr, 1, surface, ctx)

	c.Request(ctx, 0, wire.Uint32Array(1), int32(0), int32(0), uint32(9))
	waylandtest.RequireError(t, c.Roundtrip(), ctx, toplevel.ErrorInvalidDirection)
}

func TestHandleByIdentifier(t *testing.T) {
	f := newFixture(t)
	a := f.m.CreateHandle()
	a.SetIdentifier(11)
	b := f.m.CreateHandle()
	b.SetIdentifier(12)

	assert.Same(t, b, f.m.HandleByIdentifier(12))
	b.Destroy()
	assert.Nil(t, f.m.HandleByIdentifier(12))
	assert.Same(t, a, f.m.HandleByIdentifier(11))
}
