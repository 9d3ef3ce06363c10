package core

import (
	"slices"

	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
)

const outputVersion = 4

const (
	outputEventGeometry    = 0
	outputEventMode        = 1
	outputEventDone        = 2
	outputEventScale       = 3
	outputEventName        = 4
	outputEventDescription = 5
)

const (
	outputModeCurrent   uint32 = 0x1
	outputModePreferred uint32 = 0x2
)

var OutputInterface = &wayland.Interface{
	Name:    "wl_output",
	Version: outputVersion,
	Requests: []wayland.Message{
		{Name: "release", Signature: "3"},
	},
	Events: []wayland.Message{
		{Name: "geometry", Signature: "iiiiissi"},
		{Name: "mode", Signature: "uiii"},
		{Name: "done", Signature: "2"},
		{Name: "scale", Signature: "2i"},
		{Name: "name", Signature: "4s"},
		{Name: "description", Signature: "4s"},
	},
}

// OutputInfo describes a monitor as the compositor sees it.
type OutputInfo struct {
	Name           string
	Description    string
	Make           string
	Model          string
	X, Y           int32
	Width, Height  int32
	PhysicalWidth  int32
	PhysicalHeight int32
	Refresh        int32
	Scale          int32
}

// Output is one wl_output global.
type Output struct {
	info   OutputInfo
	global *wayland.Global
	bound  []func(*wayland.Resource)
}

func NewOutput(d *wayland.Display, info OutputInfo) *Output {
	if info.Scale < 1 {
		info.Scale = 1
	}
	o := &Output{info: info}
	o.global = d.CreateGlobal(OutputInterface, outputVersion, o.bind)
	return o
}

// OutputFromResource returns the output behind a wl_output resource.
func OutputFromResource(r *wayland.Resource) *Output {
	if r == nil {
		return nil
	}
	o, _ := r.Data().(*Output)
	return o
}

func (o *Output) Name() string {
	return o.info.Name
}

func (o *Output) Info() OutputInfo {
	return o.info
}

// OnBind registers fn to run after a client bound the output and received
// its initial state.
func (o *Output) OnBind(fn func(*wayland.Resource)) {
	o.bound = append(o.bound, fn)
}

// Resources returns every bound wl_output resource.
func (o *Output) Resources() []*wayland.Resource {
	return o.global.Resources()
}

// ResourcesFor returns the wl_output resources c bound for this output.
func (o *Output) ResourcesFor(c *wayland.Client) []*wayland.Resource {
	return o.global.ResourcesFor(c)
}

// SetMode changes the current mode and resends it to every client.
func (o *Output) SetMode(width, height, refresh int32) {
	if o.info.Width == width && o.info.Height == height && o.info.Refresh == refresh {
		return
	}
	o.info.Width, o.info.Height, o.info.Refresh = width, height, refresh
	for _, r := range o.global.Resources() {
		r.Post(outputEventMode, outputModeCurrent|outputModePreferred, width, height, refresh)
		r.Post(outputEventDone)
	}
}

// Remove withdraws the global; bound resources stay until released.
func (o *Output) Remove() {
	o.global.Remove()
}

func (o *Output) Destroy() {
	o.global.Destroy()
}

func (o *Output) bind(r *wayland.Resource) error {
	r.SetData(o)
	r.SetHandler(wayland.HandlerFunc(func(r *wayland.Resource, opcode uint16, _ wayland.Args) error {
		if opcode == 0 {
			r.Destroy()
		}
		return nil
	}))
	i := o.info
	r.Post(outputEventGeometry, i.X, i.Y, i.PhysicalWidth, i.PhysicalHeight, int32(0), i.Make, i.Model, int32(0))
	r.Post(outputEventMode, outputModeCurrent|outputModePreferred, i.Width, i.Height, i.Refresh)
	r.Post(outputEventScale, i.Scale)
	r.Post(outputEventName, i.Name)
	r.Post(outputEventDescription, i.Description)
	r.Post(outputEventDone)
	for _, fn := range slices.Clone(o.bound) {
		fn(r)
	}
	return nil
}
