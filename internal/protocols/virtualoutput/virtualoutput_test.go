package virtualoutput_test

import (
	"testing"

	"github.com/linuxdeepin/treeland-sub002/internal/eventloop"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/virtualoutput"
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
	m      *virtualoutput.Manager
	events []virtualoutput.Event
}

func newFixture(t *testing.T) *fixture {
	loop := eventloop.New()
	d := wayland.NewDisplay(loop)
	f := &fixture{t: t, loop: loop, d: d}
	f.m = virtualoutput.NewManager(d, virtualoutput.WithOutputs(func() []string {
		return []string{"DP-1", "HDMI-A-1", "eDP-1"}
	}))
	f.m.OnEvent(func(ev virtualoutput.Event) { f.events = append(f.events, ev) })
	return f
}

func (f *fixture) client() (*waylandtest.Client, uint32) {
	c := waylandtest.NewClient(f.t, f.loop, f.d, waylandtest.WithInterfaces(virtualoutput.VirtualOutputInterface))
	return c, c.Bind(virtualoutput.ManagerInterface, 1)
}

func create(c *waylandtest.Client, mgr uint32, name string, outputs ...string) uint32 {
	id := c.NewID(virtualoutput.VirtualOutputInterface)
	c.Request(mgr, 0, id, name, wire.StringArray(outputs...))
	return id
}

func TestCreateVirtualOutput(t *testing.T) {
	f := newFixture(t)
	c, mgr := f.client()

	id := create(c, mgr, "mirror", "DP-1", "HDMI-A-1")
	events := c.Roundtrip()

	require.Len(t, events, 1)
	assert.True(t, events[0].Is("treeland_virtual_output_v1", "outputs"))
	assert.Equal(t, id, events[0].ObjectID)
	assert.Equal(t, "mirror", events[0].Str(0))
	assert.Equal(t, []string{"DP-1", "HDMI-A-1"}, wire.Strings(events[0].Array(1)))

	require.Len(t, f.events, 1)
	created, ok := f.events[0].(virtualoutput.CreateVirtualOutput)
	require.True(t, ok)
	assert.Equal(t, "mirror", created.Group.Name())
	assert.Equal(t, []string{"DP-1", "HDMI-A-1"}, created.Group.Outputs())
	assert.Same(t, c.Server, created.Group.Owner())
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name    string
		group   string
		outputs []string
		code    uint32
	}{
		{"empty name", "", []string{"DP-1", "HDMI-A-1"}, virtualoutput.ErrorInvalidGroupName},
		{"single output", "mirror", []string{"DP-1"}, virtualoutput.ErrorInvalidScreenNumber},
		{"no outputs", "mirror", nil, virtualoutput.ErrorInvalidScreenNumber},
		{"unknown output", "mirror", []string{"DP-1", "VGA-1"}, virtualoutput.ErrorInvalidOutput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c, mgr := f.client()
			id := create(c, mgr, tt.group, tt.outputs...)
			events := c.Roundtrip()

			require.Len(t, events, 1)
			assert.True(t, events[0].Is("treeland_virtual_output_v1", "error"))
			assert.Equal(t, id, events[0].ObjectID)
			assert.Equal(t, tt.code, events[0].Uint(0))
			assert.Empty(t, f.events)
			assert.Empty(t, f.m.Groups())
			_, fatal := waylandtest.ProtocolError(events)
			assert.False(t, fatal)
		})
	}
}

func TestDuplicateGroupName(t *testing.T) {
	f := newFixture(t)
	a, amgr := f.client()
	b, bmgr := f.client()
	create(a, amgr, "mirror", "DP-1", "HDMI-A-1")
	a.Roundtrip()

	create(b, bmgr, "mirror", "DP-1", "eDP-1")
	events := b.Roundtrip()
	require.Len(t, events, 1)
	assert.True(t, events[0].Is("treeland_virtual_output_v1", "error"))
	assert.Equal(t, virtualoutput.ErrorInvalidGroupName, events[0].Uint(0))
	assert.Len(t, f.m.Groups(), 1)
}

func TestVirtualOutputList(t *testing.T) {
	f := newFixture(t)
	c, mgr := f.client()
	create(c, mgr, "left", "DP-1", "HDMI-A-1")
	create(c, mgr, "right", "eDP-1", "HDMI-A-1")
	c.Roundtrip()

	c.Request(mgr, 1)
	events := c.Roundtrip()
	require.Len(t, events, 1)
	assert.True(t, events[0].Is("treeland_virtual_output_manager_v1", "virtual_output_list"))
	assert.Equal(t, []string{"left", "right"}, wire.Strings(events[0].Array(0)))
}

func TestGetVirtualOutput(t *testing.T) {
	f := newFixture(t)
	owner, omgr := f.client()
	create(owner, omgr, "mirror", "DP-1", "HDMI-A-1")
	owner.Roundtrip()

	c, mgr := f.client()
	id := c.NewID(virtualoutput.VirtualOutputInterface)
	c.Request(mgr, 2, "mirror", id)
	events := c.Roundtrip()
	require.Len(t, events, 1)
	assert.True(t, events[0].Is("treeland_virtual_output_v1", "outputs"))
	assert.Equal(t, id, events[0].ObjectID)

	missing := c.NewID(virtualoutput.VirtualOutputInterface)
	c.Request(mgr, 2, "nope", missing)
	events = c.Roundtrip()
	require.Len(t, events, 1)
	assert.True(t, events[0].Is("treeland_virtual_output_v1", "error"))
	assert.Equal(t, virtualoutput.ErrorInvalidGroupName, events[0].Uint(0))
}

func TestSetOutputsReachesWatchers(t *testing.T) {
	f := newFixture(t)
	owner, omgr := f.client()
	create(owner, omgr, "mirror", "DP-1", "HDMI-A-1")
	owner.Roundtrip()
	watcher, wmgr := f.client()
	watcher.Request(wmgr, 2, "mirror", watcher.NewID(virtualoutput.VirtualOutputInterface))
	watcher.Roundtrip()

	g := f.m.Group("mirror")
	require.NotNil(t, g)
	g.SetOutputs([]string{"DP-1", "HDMI-A-1", "eDP-1"})
	g.SetOutputs([]string{"DP-1", "HDMI-A-1", "eDP-1"})

	for _, c := range []*waylandtest.Client{owner, watcher} {
		events := c.Roundtrip()
		require.Len(t, events, 1)
		assert.Equal(t, []string{"DP-1", "HDMI-A-1", "eDP-1"}, wire.Strings(events[0].Array(1)))
	}
}

func TestDestroyRemovesGroup(t *testing.T) {
	f := newFixture(t)
	owner, omgr := f.client()
	id := create(owner, omgr, "mirror", "DP-1", "HDMI-A-1")
	owner.Roundtrip()
	watcher, wmgr := f.client()
	wid := watcher.NewID(virtualoutput.VirtualOutputInterface)
	watcher.Request(wmgr, 2, "mirror", wid)
	watcher.Roundtrip()

	owner.Request(id, 0)
	owner.Roundtrip()

	assert.Empty(t, f.m.Groups())
	require.Len(t, f.events, 2)
	destroyed, ok := f.events[1].(virtualoutput.DestroyVirtualOutput)
	require.True(t, ok)
	assert.Equal(t, "mirror", destroyed.Group.Name())

	events := watcher.Roundtrip()
	require.Len(t, events, 1)
	assert.True(t, events[0].Is("treeland_virtual_output_v1", "error"))
	assert.Equal(t, wid, events[0].ObjectID)
}

func TestOwnerDisconnectRemovesGroup(t *testing.T) {
	f := newFixture(t)
	owner, omgr := f.client()
	create(owner, omgr, "mirror", "DP-1", "HDMI-A-1")
	owner.Roundtrip()

	owner.Disconnect()
	f.loop.Dispatch()

	assert.Empty(t, f.m.Groups())
	require.Len(t, f.events, 2)
	assert.IsType(t, virtualoutput.DestroyVirtualOutput{}, f.events[1])
}

func TestSendError(t *testing.T) {
	f := newFixture(t)
	c, mgr := f.client()
	id := create(c, mgr, "mirror", "DP-1", "HDMI-A-1")
	c.Roundtrip()

	f.m.Group("mirror").SendError(virtualoutput.ErrorInvalidOutput, "cannot mirror mismatched modes")
	events := c.Roundtrip()
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ObjectID)
	assert.Equal(t, "cannot mirror mismatched modes", events[0].Str(1))
}
