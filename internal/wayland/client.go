package wayland

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/linuxdeepin/treeland-sub002/internal/transport"
	"github.com/linuxdeepin/treeland-sub002/internal/wire"
	"golang.org/x/sys/unix"
)

const (
	// ServerIDStart is the first id of the server-allocated range.
	ServerIDStart uint32 = 0xff000000

	// flushThreshold makes a client flush before the end of the iteration
	// once this much output is queued.
	flushThreshold = 32 << 10
)

// Conn is the byte stream a Client talks over.
type Conn interface {
	Write(data []byte, fds []int) error
	Credentials() (transport.Credentials, error)
	Close() error
}

// Client is one connected peer and its object id space. Loop goroutine
// only.
type Client struct {
	display *Display
	conn    Conn
	id      uint64

	objects      map[uint32]*Resource
	zombies      map[uint32]struct{}
	nextServerID uint32
	displayRes   *Resource

	enc   wire.Encoder
	dirty bool
	fds   []int

	errored   bool
	destroyed bool
	onDestroy []func(*Client)
}

func (c *Client) ID() uint64 {
	return c.id
}

func (c *Client) Display() *Display {
	return c.display
}

func (c *Client) Conn() Conn {
	return c.conn
}

func (c *Client) String() string {
	return fmt.Sprintf("client#%d", c.id)
}

// Credentials are the peer's pid, uid and gid.
func (c *Client) Credentials() (transport.Credentials, error) {
	return c.conn.Credentials()
}

// Socket returns the transport socket the client came in on, if any.
func (c *Client) Socket() *transport.Socket {
	if sc, ok := c.conn.(interface{ Socket() *transport.Socket }); ok {
		return sc.Socket()
	}
	return nil
}

func (c *Client) Destroyed() bool {
	return c.destroyed
}

// OnDestroy registers fn to run when the client goes away, before its
// resources are destroyed.
func (c *Client) OnDestroy(fn func(*Client)) {
	c.onDestroy = append(c.onDestroy, fn)
}

// Resource looks up an object by id.
func (c *Client) Resource(id uint32) *Resource {
	return c.objects[id]
}

// Resources returns the client's live objects ordered by id.
func (c *Client) Resources() []*Resource {
	ids := make([]uint32, 0, len(c.objects))
	for id := range c.objects {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*Resource, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.objects[id])
	}
	return out
}

// NewResource creates an object at a client-chosen id.
func (c *Client) NewResource(id uint32, iface *Interface, version uint32, h Handler) (*Resource, error) {
	if !c.validNewID(id) {
		return nil, &ProtocolError{ObjectID: DisplayObjectID, Interface: DisplayInterface.Name, Code: ErrorInvalidObject,
			Message: fmt.Sprintf("invalid new id %d", id)}
	}
	return c.insert(id, iface, version, h), nil
}

// NewServerResource creates an object in the server id range, for objects
// introduced by events.
func (c *Client) NewServerResource(iface *Interface, version uint32, h Handler) *Resource {
	for {
		id := c.nextServerID
		c.nextServerID++
		if c.nextServerID == 0 {
			c.nextServerID = ServerIDStart
		}
		if _, used := c.objects[id]; !used {
			return c.insert(id, iface, version, h)
		}
	}
}

func (c *Client) insert(id uint32, iface *Interface, version uint32, h Handler) *Resource {
	r := &Resource{
		client:  c,
		id:      id,
		iface:   iface,
		version: version,
		handler: h,
	}
	r.ref = c.display.resources.Insert(r)
	c.objects[id] = r
	delete(c.zombies, id)
	return r
}

func (c *Client) validNewID(id uint32) bool {
	if id == 0 || id >= ServerIDStart {
		return false
	}
	_, used := c.objects[id]
	return !used
}

// NextFD hands out received descriptors in order.
func (c *Client) NextFD() (int, bool) {
	if len(c.fds) == 0 {
		return -1, false
	}
	fd := c.fds[0]
	c.fds = c.fds[1:]
	return fd, true
}

// HandleFrames dispatches frames read from the connection.
func (c *Client) HandleFrames(frames []wire.Frame, fds []int) {
	if c.destroyed {
		closeFDs(fds)
		return
	}
	c.fds = append(c.fds, fds...)
	for _, f := range frames {
		if c.errored || c.destroyed {
			break
		}
		c.dispatch(f)
	}
}

// HandleDisconnect tears the client down after a read failure.
func (c *Client) HandleDisconnect(err error) {
	if c.destroyed {
		return
	}
	if errors.Is(err, wire.ErrMalformed) || errors.Is(err, wire.ErrMessageTooLarge) {
		c.display.log.Debug("dropping client after bad input", "client", c.id, "err", err)
	} else {
		c.display.log.Debug("client disconnected", "client", c.id, "err", err)
	}
	c.Destroy()
}

func (c *Client) dispatch(f wire.Frame) {
	r := c.objects[f.ObjectID]
	if r == nil {
		if _, ok := c.zombies[f.ObjectID]; ok {
			c.display.log.Debug("request to destroyed object dropped", "client", c.id, "object", f.ObjectID, "opcode", f.Opcode)
			return
		}
		c.displayRes.PostError(ErrorInvalidObject, "invalid object %d", f.ObjectID)
		return
	}
	if int(f.Opcode) >= len(r.iface.Requests) {
		r.PostError(ErrorInvalidMethod, "invalid method %d, object %s", f.Opcode, r)
		return
	}
	msg := &r.iface.Requests[f.Opcode]
	sig, err := wire.ParseSignature(msg.Signature)
	if err != nil {
		c.displayRes.PostError(ErrorImplementation, "bad signature for %s.%s", r.iface.Name, msg.Name)
		return
	}
	if sig.Since > r.version {
		r.PostError(ErrorInvalidMethod, "invalid method %d (since %d < %d), object %s",
			f.Opcode, r.version, sig.Since, r)
		return
	}
	vals, err := wire.Decode(msg.Signature, f.Payload, c)
	if err != nil {
		r.PostError(ErrorInvalidMethod, "invalid arguments for %s.%s: %v", r, msg.Name, err)
		return
	}

	objs := make([]*Resource, len(vals))
	for i, a := range sig.Args {
		switch a.Type {
		case wire.TypeObject:
			id := vals[i].(uint32)
			if id == 0 {
				continue
			}
			obj := c.objects[id]
			if obj == nil {
				if _, ok := c.zombies[id]; ok {
					c.display.log.Debug("request referencing destroyed object dropped",
						"client", c.id, "object", r, "request", msg.Name, "arg", id)
					closeArgFDs(sig, vals)
					return
				}
				c.displayRes.PostError(ErrorInvalidObject, "unknown object (%d), message %s(%s)", id, msg.Name, msg.Signature)
				closeArgFDs(sig, vals)
				return
			}
			if want := msg.interfaceAt(i); want != "" && obj.iface.Name != want {
				c.displayRes.PostError(ErrorInvalidObject, "object %s is not a %s, message %s", obj, want, msg.Name)
				closeArgFDs(sig, vals)
				return
			}
			objs[i] = obj
		case wire.TypeNewID:
			if id := vals[i].(uint32); !c.validNewID(id) {
				c.displayRes.PostError(ErrorInvalidObject, "invalid new id %d, message %s", id, msg.Name)
				closeArgFDs(sig, vals)
				return
			}
		}
	}

	if r.handler == nil {
		closeArgFDs(sig, vals)
		return
	}
	start := time.Now()
	err = r.handler.HandleRequest(r, f.Opcode, Args{vals: vals, objs: objs})
	c.display.metrics.Request(r.iface.Name, time.Since(start))
	if err != nil {
		c.handleError(r, err)
	}
}

func (c *Client) handleError(r *Resource, err error) {
	var pe *ProtocolError
	switch {
	case errors.As(err, &pe):
		c.postError(pe)
	case errors.Is(err, ErrNoMemory):
		c.PostNoMemory()
	default:
		c.display.log.Error("request failed", "client", c.id, "object", r, "err", err)
		c.postError(&ProtocolError{ObjectID: r.id, Interface: r.iface.Name, Code: ErrorImplementation, Message: err.Error()})
	}
}

func (c *Client) postError(pe *ProtocolError) {
	if c.errored || c.destroyed {
		return
	}
	c.display.log.Debug("protocol error", "client", c.id, "object", pe.ObjectID,
		"interface", pe.Interface, "code", pe.Code, "message", pe.Message)
	c.display.metrics.ProtocolError(pe.Interface, pe.Code)
	c.displayRes.Post(displayEventError, pe.ObjectID, pe.Code, pe.Message)
	c.errored = true
}

// PostNoMemory tells the client a request could not be serviced.
func (c *Client) PostNoMemory() {
	c.postError(&ProtocolError{
		ObjectID:  DisplayObjectID,
		Interface: DisplayInterface.Name,
		Code:      ErrorNoMemory,
		Message:   "no memory",
	})
}

// PostImplementationError reports a compositor-side failure.
func (c *Client) PostImplementationError(format string, args ...any) {
	c.postError(&ProtocolError{
		ObjectID:  DisplayObjectID,
		Interface: DisplayInterface.Name,
		Code:      ErrorImplementation,
		Message:   fmt.Sprintf(format, args...),
	})
}

// Errored reports whether a protocol error was posted. Such a client
// receives nothing further and is disconnected at the end of the
// iteration.
func (c *Client) Errored() bool {
	return c.errored
}

func (c *Client) queued() {
	c.dirty = true
	if c.enc.Len() >= flushThreshold {
		c.Flush()
	}
}

// Flush writes queued events.
func (c *Client) Flush() {
	if !c.dirty || c.enc.Len() == 0 {
		c.dirty = false
		return
	}
	c.dirty = false
	err := c.conn.Write(c.enc.Bytes(), c.enc.FDs())
	c.enc.Reset()
	if err != nil {
		c.display.log.Debug("flush failed", "client", c.id, "err", err)
		c.errored = true
	}
}

// Destroy disconnects the client. Pending output is flushed first, client
// destroy listeners run, then every resource is destroyed.
func (c *Client) Destroy() {
	if c.destroyed {
		return
	}
	c.Flush()
	for _, fn := range c.onDestroy {
		fn(c)
	}
	c.onDestroy = nil
	c.destroyed = true

	for _, r := range c.Resources() {
		r.Destroy()
	}
	closeFDs(c.fds)
	c.fds = nil
	c.display.removeClient(c)
	if err := c.conn.Close(); err != nil {
		c.display.log.Debug("close failed", "client", c.id, "err", err)
	}
}

func closeArgFDs(sig wire.Signature, vals []any) {
	for i, a := range sig.Args {
		if a.Type == wire.TypeFD && i < len(vals) {
			if fd, ok := vals[i].(int); ok {
				unix.Close(fd)
			}
		}
	}
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
