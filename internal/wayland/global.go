package wayland

import "slices"

// BindFunc sets up a freshly bound resource: install a handler and push
// any initial state. Returning an error posts it to the client.
type BindFunc func(r *Resource) error

// GlobalOption configures a Global.
type GlobalOption func(*Global)

// WithFilter limits which clients see and may bind the global.
func WithFilter(filter func(*Client) bool) GlobalOption {
	return func(g *Global) { g.filter = filter }
}

// Global is an advertised interface.
type Global struct {
	display *Display
	name    uint32
	iface   *Interface
	version uint32
	bind    BindFunc
	filter  func(*Client) bool

	removed bool
	bound   ResourceSet
}

// CreateGlobal advertises iface up to version to every current and future
// registry.
func (d *Display) CreateGlobal(iface *Interface, version uint32, bind BindFunc, opts ...GlobalOption) *Global {
	d.nextName++
	g := &Global{
		display: d,
		name:    d.nextName,
		iface:   iface,
		version: version,
		bind:    bind,
	}
	for _, opt := range opts {
		opt(g)
	}
	d.globals = append(d.globals, g)
	for _, reg := range d.registries.Snapshot() {
		if g.visibleTo(reg.client) {
			reg.Post(registryEventGlobal, g.name, g.iface.Name, g.version)
		}
	}
	return g
}

// Globals returns every global that has not been removed.
func (d *Display) Globals() []*Global {
	var out []*Global
	for _, g := range d.globals {
		if !g.removed {
			out = append(out, g)
		}
	}
	return out
}

func (d *Display) global(name uint32) *Global {
	for _, g := range d.globals {
		if g.name == name {
			return g
		}
	}
	return nil
}

func (g *Global) Name() uint32 {
	return g.name
}

func (g *Global) Interface() *Interface {
	return g.iface
}

func (g *Global) Version() uint32 {
	return g.version
}

func (g *Global) Display() *Display {
	return g.display
}

// Resources returns the live resources bound to the global, in bind order.
func (g *Global) Resources() []*Resource {
	return g.bound.Snapshot()
}

// ResourcesFor returns the resources c has bound to the global.
func (g *Global) ResourcesFor(c *Client) []*Resource {
	return g.bound.AllForClient(c)
}

func (g *Global) visibleTo(c *Client) bool {
	return g.filter == nil || g.filter(c)
}

// Remove withdraws the global from every registry. Binds racing with the
// removal create inert resources. The name stays reserved until Destroy.
func (g *Global) Remove() {
	if g.removed {
		return
	}
	g.removed = true
	for _, reg := range g.display.registries.Snapshot() {
		if g.visibleTo(reg.client) {
			reg.Post(registryEventGlobalRemove, g.name)
		}
	}
}

// Destroy removes the global and forgets it. Bound resources are left to
// their protocol to tear down.
func (g *Global) Destroy() {
	g.Remove()
	d := g.display
	if i := slices.Index(d.globals, g); i >= 0 {
		d.globals = slices.Delete(d.globals, i, i+1)
	}
}
