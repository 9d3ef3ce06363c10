// Package waylandtest drives a wayland.Display from tests. A Client here
// plays the peer: it encodes requests straight into the server-side client
// and decodes everything the server flushed back, tracking object types
// the way a real client library does.
package waylandtest

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"testing"

	"github.com/linuxdeepin/treeland-sub002/internal/eventloop"
	"github.com/linuxdeepin/treeland-sub002/internal/transport"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
	"github.com/linuxdeepin/treeland-sub002/internal/wire"
	"github.com/stretchr/testify/require"
)

// Conn is an in-memory wayland.Conn that records everything written.
type Conn struct {
	buf    []byte
	fds    []int
	creds  transport.Credentials
	socket *transport.Socket
	closed bool
}

func (c *Conn) Write(data []byte, fds []int) error {
	if c.closed {
		return transport.ErrClosed
	}
	c.buf = append(c.buf, data...)
	c.fds = append(c.fds, fds...)
	return nil
}

func (c *Conn) Credentials() (transport.Credentials, error) {
	return c.creds, nil
}

func (c *Conn) Socket() *transport.Socket {
	return c.socket
}

func (c *Conn) Close() error {
	c.closed = true
	return nil
}

func (c *Conn) Closed() bool {
	return c.closed
}

func (c *Conn) NextFD() (int, bool) {
	if len(c.fds) == 0 {
		return -1, false
	}
	fd := c.fds[0]
	c.fds = c.fds[1:]
	return fd, true
}

// Event is one decoded event.
type Event struct {
	ObjectID  uint32
	Interface string
	Name      string
	Args      []any
}

func (e Event) String() string {
	return fmt.Sprintf("%s@%d.%s%v", e.Interface, e.ObjectID, e.Name, e.Args)
}

// Is reports whether the event is iface.name.
func (e Event) Is(iface, name string) bool {
	return e.Interface == iface && e.Name == name
}

func (e Event) Uint(i int) uint32 {
	return e.Args[i].(uint32)
}

func (e Event) Int(i int) int32 {
	return e.Args[i].(int32)
}

func (e Event) Fixed(i int) wire.Fixed {
	return e.Args[i].(wire.Fixed)
}

func (e Event) Str(i int) string {
	return e.Args[i].(string)
}

func (e Event) Array(i int) []byte {
	return e.Args[i].([]byte)
}

// Option configures a Client.
type Option func(*Client)

func WithCredentials(creds transport.Credentials) Option {
	return func(c *Client) { c.Conn.creds = creds }
}

func WithSocket(s *transport.Socket) Option {
	return func(c *Client) { c.Conn.socket = s }
}

// WithInterfaces registers interfaces the client may learn about through
// new_id events.
func WithInterfaces(ifaces ...*wayland.Interface) Option {
	return func(c *Client) {
		for _, i := range ifaces {
			c.known[i.Name] = i
		}
	}
}

// Client is a fake peer attached to a display.
type Client struct {
	t       testing.TB
	Loop    *eventloop.Loop
	Display *wayland.Display
	Conn    *Conn
	Server  *wayland.Client

	nextID   uint32
	types    map[uint32]*wayland.Interface
	known    map[string]*wayland.Interface
	registry uint32
	globals  map[string]uint32
	names    map[uint32]string
}

func NewClient(t testing.TB, loop *eventloop.Loop, d *wayland.Display, opts ...Option) *Client {
	t.Helper()
	c := &Client{
		t:       t,
		Loop:    loop,
		Display: d,
		Conn:    &Conn{creds: transport.Credentials{PID: os.Getpid(), UID: os.Getuid(), GID: os.Getgid()}},
		nextID:  2,
		types:   map[uint32]*wayland.Interface{wayland.DisplayObjectID: wayland.DisplayInterface},
		known:   map[string]*wayland.Interface{},
		globals: map[string]uint32{},
		names:   map[uint32]string{},
	}
	for _, i := range []*wayland.Interface{wayland.DisplayInterface, wayland.RegistryInterface, wayland.CallbackInterface} {
		c.known[i.Name] = i
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Server = d.AddClient(c.Conn)
	return c
}

// NewID allocates a client-side id for an object of type iface.
func (c *Client) NewID(iface *wayland.Interface) uint32 {
	id := c.nextID
	c.nextID++
	c.types[id] = iface
	c.known[iface.Name] = iface
	return id
}

// Request sends one request to objectID and dispatches it.
func (c *Client) Request(objectID uint32, opcode uint16, args ...any) {
	c.t.Helper()
	iface, ok := c.types[objectID]
	require.True(c.t, ok, "unknown object %d", objectID)
	require.Less(c.t, int(opcode), len(iface.Requests), "%s has no request %d", iface.Name, opcode)

	var enc wire.Encoder
	require.NoError(c.t, enc.Message(objectID, opcode, iface.Requests[opcode].Signature, args...))
	frames, rest, err := wire.Split(enc.Bytes())
	require.NoError(c.t, err)
	require.Empty(c.t, rest)
	c.Server.HandleFrames(frames, enc.FDs())
}

// Roundtrip runs one loop iteration and returns the events flushed since
// the previous call.
func (c *Client) Roundtrip() []Event {
	c.t.Helper()
	c.Loop.Dispatch()
	return c.Drain()
}

// Drain decodes flushed output without dispatching.
func (c *Client) Drain() []Event {
	c.t.Helper()
	frames, rest, err := wire.Split(c.Conn.buf)
	require.NoError(c.t, err)
	require.Empty(c.t, rest, "partial message flushed")
	c.Conn.buf = nil

	events := make([]Event, 0, len(frames))
	for _, f := range frames {
		iface, ok := c.types[f.ObjectID]
		require.True(c.t, ok, "event for unknown object %d", f.ObjectID)
		require.Less(c.t, int(f.Opcode), len(iface.Events), "%s has no event %d", iface.Name, f.Opcode)
		msg := iface.Events[f.Opcode]
		args, err := wire.Decode(msg.Signature, f.Payload, c.Conn)
		require.NoError(c.t, err, "decoding %s.%s", iface.Name, msg.Name)

		ev := Event{ObjectID: f.ObjectID, Interface: iface.Name, Name: msg.Name, Args: args}
		c.track(ev, msg)
		events = append(events, ev)
	}
	return events
}

func (c *Client) track(ev Event, msg wayland.Message) {
	sig := wire.MustParseSignature(msg.Signature)
	for i, a := range sig.Args {
		if a.Type != wire.TypeNewID || i >= len(msg.Interfaces) {
			continue
		}
		iface, ok := c.known[msg.Interfaces[i]]
		require.True(c.t, ok, "interface %s not registered with the test client", msg.Interfaces[i])
		c.types[ev.Uint(i)] = iface
	}

	switch {
	case ev.Is("wl_display", "delete_id"):
		delete(c.types, ev.Uint(0))
	case ev.Is("wl_registry", "global"):
		c.globals[ev.Str(1)] = ev.Uint(0)
		c.names[ev.Uint(0)] = ev.Str(1)
	case ev.Is("wl_registry", "global_remove"):
		delete(c.globals, c.names[ev.Uint(0)])
		delete(c.names, ev.Uint(0))
	}
}

// Registry returns the client's wl_registry, creating it on first use.
// Globals announced while creating it are consumed.
func (c *Client) Registry() uint32 {
	c.t.Helper()
	if c.registry == 0 {
		c.registry = c.NewID(wayland.RegistryInterface)
		c.Request(wayland.DisplayObjectID, 1, c.registry)
		c.Roundtrip()
	}
	return c.registry
}

// HasGlobal reports whether the registry announced iface.
func (c *Client) HasGlobal(iface string) bool {
	c.Registry()
	_, ok := c.globals[iface]
	return ok
}

// Bind binds the global implementing iface. Events sent on bind are left
// for the next Roundtrip.
func (c *Client) Bind(iface *wayland.Interface, version uint32) uint32 {
	c.t.Helper()
	c.Registry()
	name, ok := c.globals[iface.Name]
	require.True(c.t, ok, "no global %s", iface.Name)
	return c.BindName(name, iface, version)
}

// BindName binds the global announced as name.
func (c *Client) BindName(name uint32, iface *wayland.Interface, version uint32) uint32 {
	c.t.Helper()
	reg := c.Registry()
	id := c.NewID(iface)
	c.Request(reg, 0, name, iface.Name, version, id)
	return id
}

// GlobalNames lists the announced names of every global implementing
// iface, in announcement order.
func (c *Client) GlobalNames(iface string) []uint32 {
	c.Registry()
	var out []uint32
	for name, n := range c.names {
		if n == iface {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Sync sends wl_display.sync and returns the callback id.
func (c *Client) Sync() uint32 {
	id := c.NewID(wayland.CallbackInterface)
	c.Request(wayland.DisplayObjectID, 0, id)
	return id
}

// Disconnect simulates the peer hanging up.
func (c *Client) Disconnect() {
	c.Server.HandleDisconnect(io.EOF)
}

// Filter keeps events of the given interface.
func Filter(events []Event, iface string) []Event {
	var out []Event
	for _, e := range events {
		if e.Interface == iface {
			out = append(out, e)
		}
	}
	return out
}

// Names renders events as "interface.name" for order assertions.
func Names(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Interface + "." + e.Name
	}
	return out
}

// ProtocolError returns the wl_display.error event, if any.
func ProtocolError(events []Event) (Event, bool) {
	for _, e := range events {
		if e.Is("wl_display", "error") {
			return e, true
		}
	}
	return Event{}, false
}

// RequireError asserts a protocol error with code was posted against
// object.
func RequireError(t testing.TB, events []Event, object uint32, code uint32) {
	t.Helper()
	ev, ok := ProtocolError(events)
	require.True(t, ok, "expected a protocol error, got %s", strings.Join(Names(events), ", "))
	require.Equal(t, object, ev.Uint(0), "error object: %s", ev.Str(2))
	require.Equal(t, code, ev.Uint(1), "error code: %s", ev.Str(2))
}
