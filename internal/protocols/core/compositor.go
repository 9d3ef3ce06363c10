// Package core implements the core Wayland globals the extension protocols
// refer to: wl_compositor with its surfaces and regions, wl_output and
// wl_seat. Buffer allocation and rendering live in the compositor proper;
// surfaces here only track what the protocol layer needs: attached buffer,
// role and commit ordering.
package core

import (
	"slices"

	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
)

const compositorVersion = 6

const (
	compositorRequestCreateSurface = 0
	compositorRequestCreateRegion  = 1
)

var CompositorInterface = &wayland.Interface{
	Name:    "wl_compositor",
	Version: compositorVersion,
	Requests: []wayland.Message{
		{Name: "create_surface", Signature: "n"},
		{Name: "create_region", Signature: "n"},
	},
}

// Compositor is the wl_compositor global.
type Compositor struct {
	display *wayland.Display
	global  *wayland.Global

	surfaces       wayland.ResourceSet
	surfaceCreated []func(*Surface)
}

func NewCompositor(d *wayland.Display) *Compositor {
	c := &Compositor{display: d}
	c.global = d.CreateGlobal(CompositorInterface, compositorVersion, c.bind)
	return c
}

func (c *Compositor) bind(r *wayland.Resource) error {
	r.SetHandler(wayland.HandlerFunc(c.handle))
	return nil
}

func (c *Compositor) handle(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	switch opcode {
	case compositorRequestCreateSurface:
		res, err := r.Client().NewResource(args.NewID(0), SurfaceInterface, r.Version(), nil)
		if err != nil {
			return err
		}
		s := newSurface(res)
		c.surfaces.Add(res)
		for _, fn := range slices.Clone(c.surfaceCreated) {
			fn(s)
		}
	case compositorRequestCreateRegion:
		res, err := r.Client().NewResource(args.NewID(0), RegionInterface, r.Version(), nil)
		if err != nil {
			return err
		}
		newRegion(res)
	}
	return nil
}

// OnSurfaceCreated registers fn for every new surface.
func (c *Compositor) OnSurfaceCreated(fn func(*Surface)) {
	c.surfaceCreated = append(c.surfaceCreated, fn)
}

// Surfaces returns every live surface.
func (c *Compositor) Surfaces() []*Surface {
	var out []*Surface
	for _, r := range c.surfaces.Snapshot() {
		if s := SurfaceFromResource(r); s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (c *Compositor) Destroy() {
	c.global.Destroy()
}
