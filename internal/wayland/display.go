package wayland

import (
	"slices"

	"github.com/charmbracelet/log"
	"github.com/linuxdeepin/treeland-sub002/internal/arena"
	"github.com/linuxdeepin/treeland-sub002/internal/eventloop"
	"github.com/linuxdeepin/treeland-sub002/internal/logger"
	"github.com/linuxdeepin/treeland-sub002/internal/metrics"
)

// Option configures a Display.
type Option func(*Display)

func WithLogger(l *log.Logger) Option {
	return func(d *Display) { d.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Display) { d.metrics = m }
}

// Display owns the client registry and the global registry. It flushes
// every client with queued output at the end of each loop iteration and
// disconnects clients that were sent a protocol error.
type Display struct {
	loop    *eventloop.Loop
	log     *log.Logger
	metrics *metrics.Metrics

	clients      []*Client
	byConn       map[Conn]*Client
	nextClientID uint64

	globals    []*Global
	nextName   uint32
	registries ResourceSet

	resources *arena.Arena[*Resource]
	serial    uint32

	clientCreated   []func(*Client)
	clientDestroyed []func(*Client)

	destroyed bool
}

func NewDisplay(loop *eventloop.Loop, opts ...Option) *Display {
	d := &Display{
		loop:      loop,
		byConn:    make(map[Conn]*Client),
		resources: arena.New[*Resource](),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logger.With("wayland")
	}
	loop.AddHook(d.flushClients)
	return d
}

func (d *Display) Loop() *eventloop.Loop {
	return d.loop
}

func (d *Display) Logger() *log.Logger {
	return d.log
}

func (d *Display) Metrics() *metrics.Metrics {
	return d.metrics
}

// Serial returns the current serial.
func (d *Display) Serial() uint32 {
	return d.serial
}

// NextSerial advances and returns the serial.
func (d *Display) NextSerial() uint32 {
	d.serial++
	return d.serial
}

// Lookup resolves a resource reference, or returns nil if the resource has
// been destroyed since.
func (d *Display) Lookup(ref arena.ID) *Resource {
	r, ok := d.resources.Get(ref)
	if !ok {
		return nil
	}
	return r
}

// AddClient creates a client on conn with its wl_display object.
func (d *Display) AddClient(conn Conn) *Client {
	d.nextClientID++
	c := &Client{
		display:      d,
		conn:         conn,
		id:           d.nextClientID,
		objects:      make(map[uint32]*Resource),
		zombies:      make(map[uint32]struct{}),
		nextServerID: ServerIDStart,
	}
	c.displayRes = c.insert(DisplayObjectID, DisplayInterface, 1, HandlerFunc(d.handleDisplay))
	d.clients = append(d.clients, c)
	d.byConn[conn] = c
	d.metrics.ClientConnected()
	d.log.Debug("client created", "client", c.id)
	for _, fn := range slices.Clone(d.clientCreated) {
		fn(c)
	}
	return c
}

// ClientFor returns the client using conn, if any.
func (d *Display) ClientFor(conn Conn) *Client {
	return d.byConn[conn]
}

// Clients returns a snapshot of the connected clients.
func (d *Display) Clients() []*Client {
	return slices.Clone(d.clients)
}

func (d *Display) OnClientCreated(fn func(*Client)) {
	d.clientCreated = append(d.clientCreated, fn)
}

func (d *Display) OnClientDestroyed(fn func(*Client)) {
	d.clientDestroyed = append(d.clientDestroyed, fn)
}

func (d *Display) removeClient(c *Client) {
	i := slices.Index(d.clients, c)
	if i < 0 {
		return
	}
	d.clients = slices.Delete(d.clients, i, i+1)
	delete(d.byConn, c.conn)
	d.metrics.ClientDisconnected()
	d.log.Debug("client destroyed", "client", c.id)
	for _, fn := range slices.Clone(d.clientDestroyed) {
		fn(c)
	}
}

func (d *Display) flushClients() {
	for _, c := range d.Clients() {
		c.Flush()
		if c.errored {
			c.Destroy()
		}
	}
}

// Destroy removes every global and disconnects every client.
func (d *Display) Destroy() {
	if d.destroyed {
		return
	}
	d.destroyed = true
	for _, g := range slices.Clone(d.globals) {
		g.Destroy()
	}
	for _, c := range d.Clients() {
		c.Destroy()
	}
}
