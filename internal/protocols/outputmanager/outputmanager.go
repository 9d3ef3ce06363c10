// Package outputmanager implements treeland_output_manager_v1: the primary
// output singleton pushed to every client, and per-output color control.
package outputmanager

import (
	"slices"

	"github.com/charmbracelet/log"
	"github.com/linuxdeepin/treeland-sub002/internal/logger"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/core"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
)

const managerVersion = 2

const (
	managerRequestSetPrimaryOutput = 0
	managerRequestGetColorControl  = 1
	managerRequestDestroy          = 2

	managerEventPrimaryOutput = 0
)

var ManagerInterface = &wayland.Interface{
	Name:    "treeland_output_manager_v1",
	Version: managerVersion,
	Requests: []wayland.Message{
		{Name: "set_primary_output", Signature: "s"},
		{Name: "get_color_control", Signature: "2no", Interfaces: []string{"treeland_output_color_control_v1", "wl_output"}},
		{Name: "destroy", Signature: ""},
	},
	Events: []wayland.Message{
		{Name: "primary_output", Signature: "s"},
	},
}

// Event reports requests the compositor has to act on.
type Event interface {
	event()
}

// RequestSetPrimaryOutput asks for a new primary output. The compositor
// answers with Manager.SetPrimaryOutput if it agrees.
type RequestSetPrimaryOutput struct {
	Client *wayland.Client
	Name   string
}

type ColorControlCreated struct{ Control *ColorControl }

// CommitColor carries one committed batch. A zero Temperature or a negative
// Brightness means the value was not set. The compositor answers with
// ColorControl.SendResult.
type CommitColor struct {
	Control     *ColorControl
	Temperature uint32
	Brightness  float64
}

func (RequestSetPrimaryOutput) event() {}
func (ColorControlCreated) event()     {}
func (CommitColor) event()             {}

type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithPrimaryOutput sets the name sent before the compositor picks one.
func WithPrimaryOutput(name string) Option {
	return func(m *Manager) { m.primary = name }
}

type Manager struct {
	display   *wayland.Display
	global    *wayland.Global
	log       *log.Logger
	primary   string
	resources wayland.ResourceSet
	controls  []*ColorControl
	colors    map[*core.Output]Color
	listeners []func(Event)
}

// Color is the applied color state of one output. Brightness is 0..1.
type Color struct {
	Temperature uint32
	Brightness  float64
}

// DefaultColor is reported for outputs the compositor never configured.
var DefaultColor = Color{Temperature: 6500, Brightness: 1}

func NewManager(d *wayland.Display, opts ...Option) *Manager {
	m := &Manager{
		display: d,
		log:     logger.With("outputmanager"),
		colors:  make(map[*core.Output]Color),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.global = d.CreateGlobal(ManagerInterface, managerVersion, m.bind)
	return m
}

func (m *Manager) OnEvent(fn func(Event)) {
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) emit(ev Event) {
	for _, fn := range slices.Clone(m.listeners) {
		fn(ev)
	}
}

func (m *Manager) PrimaryOutput() string {
	return m.primary
}

// SetPrimaryOutput records the primary output and pushes it to every bound
// client.
func (m *Manager) SetPrimaryOutput(name string) {
	if name == m.primary {
		return
	}
	m.primary = name
	m.log.Info("primary output changed", "output", name)
	for _, r := range m.resources.Snapshot() {
		r.Post(managerEventPrimaryOutput, name)
	}
}

// Color returns the applied color state of o.
func (m *Manager) Color(o *core.Output) Color {
	if c, ok := m.colors[o]; ok {
		return c
	}
	return DefaultColor
}

// SetColor records the applied color state of o and reports changed values
// to every color control of that output.
func (m *Manager) SetColor(o *core.Output, c Color) {
	old := m.Color(o)
	m.colors[o] = c
	for _, cc := range slices.Clone(m.controls) {
		if cc.output != o {
			continue
		}
		if c.Temperature != old.Temperature {
			cc.sendTemperature(c.Temperature)
		}
		if c.Brightness != old.Brightness {
			cc.sendBrightness(c.Brightness)
		}
	}
}

// RemoveOutput forgets o; its color controls become inert.
func (m *Manager) RemoveOutput(o *core.Output) {
	delete(m.colors, o)
	for _, cc := range slices.Clone(m.controls) {
		if cc.output == o {
			cc.detach()
		}
	}
}

func (m *Manager) Destroy() {
	m.global.Destroy()
}

func (m *Manager) bind(r *wayland.Resource) error {
	r.SetHandler(wayland.HandlerFunc(m.handleRequest))
	m.resources.Add(r)
	r.Post(managerEventPrimaryOutput, m.primary)
	return nil
}

func (m *Manager) handleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	switch opcode {
	case managerRequestSetPrimaryOutput:
		m.emit(RequestSetPrimaryOutput{Client: r.Client(), Name: args.String(0)})
	case managerRequestGetColorControl:
		output := core.OutputFromResource(args.Object(1))
		if output == nil {
			return r.Errorf(wayland.ErrorInvalidObject, "invalid output resource")
		}
		res, err := r.Client().NewResource(args.NewID(0), ColorControlInterface, r.Version(), nil)
		if err != nil {
			return err
		}
		cc := newColorControl(m, res, output)
		m.controls = append(m.controls, cc)
		c := m.Color(output)
		cc.sendBrightness(c.Brightness)
		cc.sendTemperature(c.Temperature)
		m.emit(ColorControlCreated{Control: cc})
	case managerRequestDestroy:
		r.Destroy()
	}
	return nil
}
