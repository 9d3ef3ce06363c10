package outputmanager

import (
	"slices"

	"github.com/linuxdeepin/treeland-sub002/internal/protocols/core"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
	"github.com/linuxdeepin/treeland-sub002/internal/wire"
)

// treeland_output_color_control_v1 errors.
const (
	ErrorInvalidColorTemperature uint32 = 0
	ErrorInvalidBrightness       uint32 = 1
)

const (
	MinColorTemperature = 1000
	MaxColorTemperature = 20000
)

const (
	controlRequestSetColorTemperature = 0
	controlRequestSetBrightness       = 1
	controlRequestCommit              = 2
	controlRequestDestroy             = 3

	controlEventColorTemperature = 0
	controlEventBrightness       = 1
	controlEventResult           = 2
)

var ColorControlInterface = &wayland.Interface{
	Name:    "treeland_output_color_control_v1",
	Version: managerVersion,
	Requests: []wayland.Message{
		{Name: "set_color_temperature", Signature: "u"},
		{Name: "set_brightness", Signature: "f"},
		{Name: "commit", Signature: ""},
		{Name: "destroy", Signature: ""},
	},
	Events: []wayland.Message{
		{Name: "color_temperature", Signature: "u"},
		{Name: "brightness", Signature: "f"},
		{Name: "result", Signature: "u"},
	},
}

// ColorControl adjusts one output. Values are staged until commit.
type ColorControl struct {
	m      *Manager
	res    *wayland.Resource
	output *core.Output

	pendingTemperature uint32
	pendingBrightness  float64
}

func newColorControl(m *Manager, res *wayland.Resource, output *core.Output) *ColorControl {
	cc := &ColorControl{m: m, res: res, output: output, pendingBrightness: -1}
	res.SetData(cc)
	res.SetHandler(cc)
	res.OnDestroy(func(*wayland.Resource) { cc.detach() })
	return cc
}

// Output is nil once the output went away.
func (cc *ColorControl) Output() *core.Output {
	return cc.output
}

func (cc *ColorControl) Client() *wayland.Client {
	return cc.res.Client()
}

// SendResult answers a commit.
func (cc *ColorControl) SendResult(success bool) {
	if !cc.res.Alive() {
		return
	}
	var v uint32
	if success {
		v = 1
	}
	cc.res.Post(controlEventResult, v)
}

func (cc *ColorControl) sendTemperature(t uint32) {
	cc.res.Post(controlEventColorTemperature, t)
}

// Brightness travels as a percentage; half a fixed-point step is added so
// the value survives the truncating client conversion.
func (cc *ColorControl) sendBrightness(b float64) {
	cc.res.Post(controlEventBrightness, wire.FixedFromFloat(b*100+1.0/512))
}

func (cc *ColorControl) detach() {
	cc.output = nil
	m := cc.m
	if i := slices.Index(m.controls, cc); i >= 0 {
		m.controls = slices.Delete(m.controls, i, i+1)
	}
}

func (cc *ColorControl) HandleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	switch opcode {
	case controlRequestSetColorTemperature:
		t := args.Uint(0)
		if t < MinColorTemperature || t > MaxColorTemperature {
			return r.Errorf(ErrorInvalidColorTemperature, "color temperature must be between %dK and %dK",
				MinColorTemperature, MaxColorTemperature)
		}
		cc.pendingTemperature = t
	case controlRequestSetBrightness:
		b := args.Fixed(0).Float()
		if b < 0 || b > 100 {
			return r.Errorf(ErrorInvalidBrightness, "brightness must be between 0 and 100")
		}
		cc.pendingBrightness = b / 100
	case controlRequestCommit:
		ev := CommitColor{Control: cc, Temperature: cc.pendingTemperature, Brightness: cc.pendingBrightness}
		cc.pendingTemperature = 0
		cc.pendingBrightness = -1
		if cc.output == nil {
			cc.SendResult(false)
			return nil
		}
		cc.m.emit(ev)
	case controlRequestDestroy:
		r.Destroy()
	}
	return nil
}
