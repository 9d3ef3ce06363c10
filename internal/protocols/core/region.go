package core

import (
	"image"

	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
)

var RegionInterface = &wayland.Interface{
	Name:    "wl_region",
	Version: compositorVersion,
	Requests: []wayland.Message{
		{Name: "destroy", Signature: ""},
		{Name: "add", Signature: "iiii"},
		{Name: "subtract", Signature: "iiii"},
	},
}

const (
	regionRequestDestroy  = 0
	regionRequestAdd      = 1
	regionRequestSubtract = 2
)

type regionOp struct {
	rect image.Rectangle
	add  bool
}

// Region records add/subtract operations in order.
type Region struct {
	ops []regionOp
}

func newRegion(res *wayland.Resource) *Region {
	rg := &Region{}
	res.SetData(rg)
	res.SetHandler(rg)
	return rg
}

func (rg *Region) HandleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	switch opcode {
	case regionRequestDestroy:
		r.Destroy()
	case regionRequestAdd, regionRequestSubtract:
		x, y, w, h := args.Int(0), args.Int(1), args.Int(2), args.Int(3)
		rect := image.Rect(int(x), int(y), int(x+w), int(y+h))
		rg.ops = append(rg.ops, regionOp{rect: rect, add: opcode == regionRequestAdd})
	}
	return nil
}

// Contains reports whether p lies inside the region.
func (rg *Region) Contains(p image.Point) bool {
	in := false
	for _, op := range rg.ops {
		if p.In(op.rect) {
			in = op.add
		}
	}
	return in
}
