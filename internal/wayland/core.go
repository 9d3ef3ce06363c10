package wayland

// DisplayObjectID is the id of every client's wl_display.
const DisplayObjectID uint32 = 1

const (
	displayRequestSync        = 0
	displayRequestGetRegistry = 1

	displayEventError    = 0
	displayEventDeleteID = 1

	registryRequestBind = 0

	registryEventGlobal       = 0
	registryEventGlobalRemove = 1

	callbackEventDone = 0
)

var DisplayInterface = &Interface{
	Name:    "wl_display",
	Version: 1,
	Requests: []Message{
		{Name: "sync", Signature: "n"},
		{Name: "get_registry", Signature: "n"},
	},
	Events: []Message{
		{Name: "error", Signature: "ous"},
		{Name: "delete_id", Signature: "u"},
	},
}

var RegistryInterface = &Interface{
	Name:    "wl_registry",
	Version: 1,
	Requests: []Message{
		{Name: "bind", Signature: "usun"},
	},
	Events: []Message{
		{Name: "global", Signature: "usu"},
		{Name: "global_remove", Signature: "u"},
	},
}

var CallbackInterface = &Interface{
	Name:    "wl_callback",
	Version: 1,
	Events: []Message{
		{Name: "done", Signature: "u"},
	},
}

func (d *Display) handleDisplay(r *Resource, opcode uint16, args Args) error {
	c := r.client
	switch opcode {
	case displayRequestSync:
		cb, err := c.NewResource(args.NewID(0), CallbackInterface, 1, nil)
		if err != nil {
			return err
		}
		cb.Post(callbackEventDone, d.serial)
		cb.Destroy()
	case displayRequestGetRegistry:
		reg, err := c.NewResource(args.NewID(0), RegistryInterface, 1, HandlerFunc(d.handleRegistry))
		if err != nil {
			return err
		}
		d.registries.Add(reg)
		for _, g := range d.globals {
			if !g.removed && g.visibleTo(c) {
				reg.Post(registryEventGlobal, g.name, g.iface.Name, g.version)
			}
		}
	}
	return nil
}

func (d *Display) handleRegistry(r *Resource, opcode uint16, args Args) error {
	if opcode != registryRequestBind {
		return nil
	}
	c := r.client
	name, ifaceName, version, id := args.Uint(0), args.String(1), args.Uint(2), args.NewID(3)

	g := d.global(name)
	if g == nil || !g.visibleTo(c) {
		return r.Errorf(ErrorInvalidObject, "invalid global %s (%d)", ifaceName, name)
	}
	if g.iface.Name != ifaceName {
		return r.Errorf(ErrorInvalidObject, "invalid interface for global %d: have %s, wanted %s",
			name, ifaceName, g.iface.Name)
	}
	if version == 0 || version > g.version {
		return r.Errorf(ErrorInvalidMethod, "invalid version for global %s (%d): have %d, wanted %d",
			ifaceName, name, g.version, version)
	}

	res, err := c.NewResource(id, g.iface, version, nil)
	if err != nil {
		return err
	}
	if g.removed {
		return nil
	}
	g.bound.Add(res)
	d.metrics.Bind(g.iface.Name)
	return g.bind(res)
}
