package wayland

import (
	"fmt"

	"github.com/linuxdeepin/treeland-sub002/internal/arena"
	"github.com/linuxdeepin/treeland-sub002/internal/wire"
)

// Handler implements the requests of one resource.
type Handler interface {
	HandleRequest(r *Resource, opcode uint16, args Args) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(r *Resource, opcode uint16, args Args) error

func (f HandlerFunc) HandleRequest(r *Resource, opcode uint16, args Args) error {
	return f(r, opcode, args)
}

// Resource is one object in a client's id space.
type Resource struct {
	client  *Client
	id      uint32
	iface   *Interface
	version uint32
	ref     arena.ID

	handler   Handler
	data      any
	destroyed bool
	onDestroy []func(*Resource)
}

func (r *Resource) ID() uint32 {
	return r.id
}

func (r *Resource) Client() *Client {
	return r.client
}

func (r *Resource) Interface() *Interface {
	return r.iface
}

func (r *Resource) Version() uint32 {
	return r.version
}

// Ref is a generation-checked reference that stops resolving once the
// resource is destroyed.
func (r *Resource) Ref() arena.ID {
	return r.ref
}

func (r *Resource) Alive() bool {
	return r != nil && !r.destroyed
}

func (r *Resource) Data() any {
	return r.data
}

func (r *Resource) SetData(v any) {
	r.data = v
}

// SetHandler replaces the request handler. A nil handler makes the
// resource inert: requests are decoded and dropped.
func (r *Resource) SetHandler(h Handler) {
	r.handler = h
}

// OnDestroy registers fn to run when the resource is destroyed, before it
// leaves the client's object map.
func (r *Resource) OnDestroy(fn func(*Resource)) {
	r.onDestroy = append(r.onDestroy, fn)
}

func (r *Resource) String() string {
	return fmt.Sprintf("%s@%d", r.iface.Name, r.id)
}

// Post queues an event. *Resource arguments are sent as their ids, a nil
// *Resource as the null object. Events newer than the resource version are
// skipped.
func (r *Resource) Post(opcode uint16, args ...any) {
	c := r.client
	if r.destroyed || c.destroyed {
		return
	}
	if int(opcode) >= len(r.iface.Events) {
		c.display.log.Error("event opcode out of range", "object", r, "opcode", opcode)
		return
	}
	ev := &r.iface.Events[opcode]
	sig, err := wire.ParseSignature(ev.Signature)
	if err != nil {
		c.display.log.Error("bad event signature", "object", r, "event", ev.Name, "err", err)
		return
	}
	if sig.Since > r.version {
		return
	}
	vals := make([]any, len(args))
	for i, a := range args {
		if res, ok := a.(*Resource); ok {
			if res == nil {
				vals[i] = uint32(0)
			} else {
				vals[i] = res.id
			}
			continue
		}
		vals[i] = a
	}
	if err := c.enc.Message(r.id, opcode, ev.Signature, vals...); err != nil {
		c.display.log.Error("failed to encode event", "object", r, "event", ev.Name, "err", err)
		c.PostNoMemory()
		return
	}
	c.display.metrics.Event(r.iface.Name)
	c.queued()
}

// Errorf builds a protocol error against this resource, for returning from
// a request handler.
func (r *Resource) Errorf(code uint32, format string, args ...any) error {
	return &ProtocolError{
		ObjectID:  r.id,
		Interface: r.iface.Name,
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
	}
}

// PostError sends a protocol error immediately. The client is disconnected
// at the end of the loop iteration.
func (r *Resource) PostError(code uint32, format string, args ...any) {
	r.client.postError(&ProtocolError{
		ObjectID:  r.id,
		Interface: r.iface.Name,
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
	})
}

// Destroy runs the destroy listeners and removes the resource from its
// client. A client-allocated id is released with delete_id.
func (r *Resource) Destroy() {
	if r.destroyed {
		return
	}
	r.destroyed = true
	for _, fn := range r.onDestroy {
		fn(r)
	}
	r.onDestroy = nil

	c := r.client
	delete(c.objects, r.id)
	if _, err := c.display.resources.Remove(r.ref); err != nil {
		c.display.log.Debug("resource already released", "object", r, "err", err)
	}
	if r.id < ServerIDStart {
		c.zombies[r.id] = struct{}{}
		if !c.destroyed && c.displayRes != nil && r != c.displayRes {
			c.displayRes.Post(displayEventDeleteID, r.id)
		}
	}
}

// Args are the decoded arguments of one request.
type Args struct {
	vals []any
	objs []*Resource
}

func (a Args) Len() int {
	return len(a.vals)
}

func (a Args) Int(i int) int32 {
	return a.vals[i].(int32)
}

func (a Args) Uint(i int) uint32 {
	return a.vals[i].(uint32)
}

func (a Args) Fixed(i int) wire.Fixed {
	return a.vals[i].(wire.Fixed)
}

func (a Args) String(i int) string {
	return a.vals[i].(string)
}

func (a Args) Array(i int) []byte {
	return a.vals[i].([]byte)
}

// Object returns the resolved object argument, or nil for a null object.
func (a Args) Object(i int) *Resource {
	return a.objs[i]
}

// NewID returns the id a client chose for a new object.
func (a Args) NewID(i int) uint32 {
	return a.vals[i].(uint32)
}

// FD returns a received descriptor. The handler owns it.
func (a Args) FD(i int) int {
	return a.vals[i].(int)
}
