// Package virtualoutput implements treeland_virtual_output_manager_v1:
// clients group physical outputs under a name so the compositor can mirror
// them as one.
package virtualoutput

import (
	"slices"

	"github.com/charmbracelet/log"
	"github.com/linuxdeepin/treeland-sub002/internal/logger"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
	"github.com/linuxdeepin/treeland-sub002/internal/wire"
)

const managerVersion = 1

// Codes of the virtual output error event.
const (
	ErrorInvalidGroupName    uint32 = 0
	ErrorInvalidScreenNumber uint32 = 1
	ErrorInvalidOutput       uint32 = 2
)

const (
	managerRequestCreate  = 0
	managerRequestList    = 1
	managerRequestGet     = 2
	managerEventList      = 0
	outputRequestDestroy  = 0
	outputEventOutputs    = 0
	outputEventError      = 1
	minimumGroupedOutputs = 2
)

var ManagerInterface = &wayland.Interface{
	Name:    "treeland_virtual_output_manager_v1",
	Version: managerVersion,
	Requests: []wayland.Message{
		{Name: "create_virtual_output", Signature: "nsa", Interfaces: []string{"treeland_virtual_output_v1"}},
		{Name: "get_virtual_output_list", Signature: ""},
		{Name: "get_virtual_output", Signature: "sn", Interfaces: []string{"", "treeland_virtual_output_v1"}},
	},
	Events: []wayland.Message{
		{Name: "virtual_output_list", Signature: "a"},
	},
}

var VirtualOutputInterface = &wayland.Interface{
	Name:    "treeland_virtual_output_v1",
	Version: managerVersion,
	Requests: []wayland.Message{
		{Name: "destroy", Signature: ""},
	},
	Events: []wayland.Message{
		{Name: "outputs", Signature: "sa"},
		{Name: "error", Signature: "us"},
	},
}

// Event reports group changes to the compositor.
type Event interface {
	event()
}

type CreateVirtualOutput struct{ Group *Group }

type DestroyVirtualOutput struct{ Group *Group }

func (CreateVirtualOutput) event()  {}
func (DestroyVirtualOutput) event() {}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithOutputs supplies the output names groups may refer to. Without it
// any name is accepted.
func WithOutputs(names func() []string) Option {
	return func(m *Manager) { m.outputs = names }
}

type Manager struct {
	display   *wayland.Display
	global    *wayland.Global
	log       *log.Logger
	outputs   func() []string
	groups    []*Group
	listeners []func(Event)
}

func NewManager(d *wayland.Display, opts ...Option) *Manager {
	m := &Manager{display: d, log: logger.With("virtualoutput")}
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

// Groups returns the live groups in creation order.
func (m *Manager) Groups() []*Group {
	return slices.Clone(m.groups)
}

// Group finds a group by name.
func (m *Manager) Group(name string) *Group {
	for _, g := range m.groups {
		if g.name == name {
			return g
		}
	}
	return nil
}

func (m *Manager) Destroy() {
	for _, g := range m.Groups() {
		g.Destroy()
	}
	m.global.Destroy()
}

func (m *Manager) bind(r *wayland.Resource) error {
	r.SetHandler(wayland.HandlerFunc(m.handleRequest))
	return nil
}

func (m *Manager) handleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	switch opcode {
	case managerRequestCreate:
		res, err := r.Client().NewResource(args.NewID(0), VirtualOutputInterface, r.Version(), wayland.HandlerFunc(handleOutputRequest))
		if err != nil {
			return err
		}
		m.create(res, args.String(1), wire.Strings(args.Array(2)))
	case managerRequestList:
		names := make([]string, len(m.groups))
		for i, g := range m.groups {
			names[i] = g.name
		}
		r.Post(managerEventList, wire.StringArray(names...))
	case managerRequestGet:
		name := args.String(0)
		res, err := r.Client().NewResource(args.NewID(1), VirtualOutputInterface, r.Version(), wayland.HandlerFunc(handleOutputRequest))
		if err != nil {
			return err
		}
		g := m.Group(name)
		if g == nil {
			res.Post(outputEventError, ErrorInvalidGroupName, "no virtual output named "+name)
			return nil
		}
		g.attach(res)
	}
	return nil
}

func (m *Manager) create(res *wayland.Resource, name string, outputs []string) {
	switch {
	case name == "":
		res.Post(outputEventError, ErrorInvalidGroupName, "group name is empty")
		return
	case m.Group(name) != nil:
		res.Post(outputEventError, ErrorInvalidGroupName, "group "+name+" already exists")
		return
	case len(outputs) < minimumGroupedOutputs:
		res.Post(outputEventError, ErrorInvalidScreenNumber, "a virtual output needs at least two outputs")
		return
	}
	if m.outputs != nil {
		known := m.outputs()
		for _, o := range outputs {
			if !slices.Contains(known, o) {
				res.Post(outputEventError, ErrorInvalidOutput, "unknown output "+o)
				return
			}
		}
	}

	g := &Group{m: m, name: name, outputs: outputs, owner: res}
	m.groups = append(m.groups, g)
	m.display.Metrics().HandleCreated("virtual_output")
	res.OnDestroy(func(*wayland.Resource) { g.Destroy() })
	g.attach(res)
	m.log.Info("virtual output created", "name", name, "outputs", outputs)
	m.emit(CreateVirtualOutput{Group: g})
}

func handleOutputRequest(r *wayland.Resource, opcode uint16, _ wayland.Args) error {
	if opcode == outputRequestDestroy {
		r.Destroy()
	}
	return nil
}

// Group is a named set of outputs. It lives as long as the resource that
// created it.
type Group struct {
	m         *Manager
	name      string
	outputs   []string
	owner     *wayland.Resource
	resources wayland.ResourceSet
	destroyed bool
}

func (g *Group) Name() string {
	return g.name
}

func (g *Group) Outputs() []string {
	return slices.Clone(g.outputs)
}

// Owner is the client that created the group.
func (g *Group) Owner() *wayland.Client {
	return g.owner.Client()
}

func (g *Group) attach(r *wayland.Resource) {
	g.resources.Add(r)
	r.Post(outputEventOutputs, g.name, wire.StringArray(g.outputs...))
}

// SetOutputs replaces the grouped outputs and tells every watcher.
func (g *Group) SetOutputs(outputs []string) {
	if g.destroyed || slices.Equal(g.outputs, outputs) {
		return
	}
	g.outputs = slices.Clone(outputs)
	for _, r := range g.resources.Snapshot() {
		r.Post(outputEventOutputs, g.name, wire.StringArray(g.outputs...))
	}
}

// SendError reports a compositor-side failure to the group's owner.
func (g *Group) SendError(code uint32, message string) {
	if g.owner.Alive() {
		g.owner.Post(outputEventError, code, message)
	}
}

// Destroy drops the group; watchers other than the owner are told it is
// gone.
func (g *Group) Destroy() {
	if g.destroyed {
		return
	}
	g.destroyed = true
	m := g.m
	if i := slices.Index(m.groups, g); i >= 0 {
		m.groups = slices.Delete(m.groups, i, i+1)
	}
	for _, r := range g.resources.Snapshot() {
		if r != g.owner {
			r.Post(outputEventError, ErrorInvalidGroupName, "virtual output "+g.name+" was removed")
		}
	}
	m.display.Metrics().HandleDestroyed("virtual_output")
	m.log.Info("virtual output destroyed", "name", g.name)
	m.emit(DestroyVirtualOutput{Group: g})
}
