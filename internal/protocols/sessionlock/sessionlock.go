// Package sessionlock implements ext_session_lock_manager_v1. Unlike the
// informational protocols, every out-of-order request here is a protocol
// error: a lock client must never be able to drop the lock without having
// been told it holds it.
package sessionlock

import (
	"errors"
	"slices"

	"github.com/charmbracelet/log"
	"github.com/linuxdeepin/treeland-sub002/internal/logger"
	"github.com/linuxdeepin/treeland-sub002/internal/protocols/core"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
)

const managerVersion = 1

// ext_session_lock_v1 errors.
const (
	ErrorInvalidDestroy     uint32 = 0
	ErrorInvalidUnlock      uint32 = 1
	ErrorRole               uint32 = 2
	ErrorDuplicateOutput    uint32 = 3
	ErrorAlreadyConstructed uint32 = 4
)

const (
	managerRequestDestroy = 0
	managerRequestLock    = 1

	lockRequestDestroy          = 0
	lockRequestGetLockSurface   = 1
	lockRequestUnlockAndDestroy = 2

	lockEventLocked   = 0
	lockEventFinished = 1
)

var ManagerInterface = &wayland.Interface{
	Name:    "ext_session_lock_manager_v1",
	Version: managerVersion,
	Requests: []wayland.Message{
		{Name: "destroy", Signature: ""},
		{Name: "lock", Signature: "n"},
	},
}

var LockInterface = &wayland.Interface{
	Name:    "ext_session_lock_v1",
	Version: managerVersion,
	Requests: []wayland.Message{
		{Name: "destroy", Signature: ""},
		{Name: "get_lock_surface", Signature: "noo", Interfaces: []string{"ext_session_lock_surface_v1", "wl_surface", "wl_output"}},
		{Name: "unlock_and_destroy", Signature: ""},
	},
	Events: []wayland.Message{
		{Name: "locked", Signature: ""},
		{Name: "finished", Signature: ""},
	},
}

// State of one lock object.
type State int

const (
	StateCreated State = iota
	StateLocked
	StateUnlocked
	StateCanceled
	StateFinished
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	case StateCanceled:
		return "canceled"
	case StateFinished:
		return "finished"
	case StateAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// ErrNotCreated is returned when the compositor answers a lock that is no
// longer waiting for an answer.
var ErrNotCreated = errors.New("session lock is not awaiting confirmation")

// Event reports lock progress to the compositor.
type Event interface {
	event()
}

// LockRequested asks the compositor to lock the session; it answers with
// Lock.SendLocked once the outputs are covered, or Lock.Finish.
type LockRequested struct{ Lock *Lock }

// LockSurfaceCreated announces a new lock surface, already configured to
// the output size.
type LockSurfaceCreated struct{ Surface *LockSurface }

type Unlocked struct{ Lock *Lock }

// Canceled reports a lock destroyed before it was confirmed.
type Canceled struct{ Lock *Lock }

// Abandoned reports a locking client that went away; the session stays
// locked.
type Abandoned struct{ Lock *Lock }

func (LockRequested) event()      {}
func (LockSurfaceCreated) event() {}
func (Unlocked) event()           {}
func (Canceled) event()           {}
func (Abandoned) event()          {}

// BufferSizeFunc reports the size of the buffer a commit will present.
// ok is false when the compositor cannot tell.
type BufferSizeFunc func(s *core.Surface) (width, height int32, ok bool)

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithBufferSize lets commits be checked against the acked size.
func WithBufferSize(fn BufferSizeFunc) Option {
	return func(m *Manager) { m.bufferSize = fn }
}

// WithFilter limits which clients may see the global.
func WithFilter(filter func(*wayland.Client) bool) Option {
	return func(m *Manager) { m.filter = filter }
}

// Manager is the ext_session_lock_manager_v1 global and the session's lock
// state.
type Manager struct {
	display    *wayland.Display
	global     *wayland.Global
	log        *log.Logger
	bufferSize BufferSizeFunc
	filter     func(*wayland.Client) bool

	active    *Lock
	locked    bool
	listeners []func(Event)
}

func NewManager(d *wayland.Display, opts ...Option) *Manager {
	m := &Manager{display: d, log: logger.With("sessionlock")}
	for _, opt := range opts {
		opt(m)
	}
	var gopts []wayland.GlobalOption
	if m.filter != nil {
		gopts = append(gopts, wayland.WithFilter(m.filter))
	}
	m.global = d.CreateGlobal(ManagerInterface, managerVersion, m.bind, gopts...)
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

// Locked reports whether the session is locked, including a lock whose
// client went away.
func (m *Manager) Locked() bool {
	return m.locked
}

// Active returns the lock currently owning the session, or nil.
func (m *Manager) Active() *Lock {
	return m.active
}

// Unlock releases a session left locked by a client that went away. A
// live lock client must unlock through the protocol.
func (m *Manager) Unlock() bool {
	if !m.locked || m.active != nil {
		return false
	}
	m.setLocked(false)
	return true
}

func (m *Manager) Destroy() {
	m.global.Destroy()
}

func (m *Manager) setLocked(locked bool) {
	m.locked = locked
	m.display.Metrics().SetSessionLocked(locked)
}

func (m *Manager) bind(r *wayland.Resource) error {
	r.SetHandler(wayland.HandlerFunc(m.handleRequest))
	return nil
}

func (m *Manager) handleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	switch opcode {
	case managerRequestDestroy:
		r.Destroy()
	case managerRequestLock:
		res, err := r.Client().NewResource(args.NewID(0), LockInterface, r.Version(), nil)
		if err != nil {
			return err
		}
		l := newLock(m, res)
		if m.active != nil {
			m.log.Debug("lock refused, session already has a lock", "client", r.Client(), "owner", m.active.res.Client())
			l.finish()
			return nil
		}
		m.active = l
		m.emit(LockRequested{Lock: l})
	}
	return nil
}

// Lock is one ext_session_lock_v1 object.
type Lock struct {
	m        *Manager
	res      *wayland.Resource
	state    State
	surfaces []*LockSurface
}

func newLock(m *Manager, res *wayland.Resource) *Lock {
	l := &Lock{m: m, res: res}
	res.SetData(l)
	res.SetHandler(l)
	res.OnDestroy(l.resourceDestroyed)
	return l
}

func (l *Lock) State() State {
	return l.state
}

func (l *Lock) Client() *wayland.Client {
	return l.res.Client()
}

// Surfaces returns the live lock surfaces.
func (l *Lock) Surfaces() []*LockSurface {
	return slices.Clone(l.surfaces)
}

// SendLocked confirms the lock: the session is locked from now on.
func (l *Lock) SendLocked() error {
	if l.state != StateCreated {
		return ErrNotCreated
	}
	l.state = StateLocked
	l.m.setLocked(true)
	l.res.Post(lockEventLocked)
	l.m.log.Info("session locked", "client", l.res.Client())
	return nil
}

// Finish denies a lock still waiting for confirmation.
func (l *Lock) Finish() error {
	if l.state != StateCreated {
		return ErrNotCreated
	}
	l.finish()
	return nil
}

func (l *Lock) finish() {
	l.state = StateFinished
	l.release()
	l.res.Post(lockEventFinished)
}

func (l *Lock) release() {
	if l.m.active == l {
		l.m.active = nil
	}
}

func (l *Lock) HandleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	switch opcode {
	case lockRequestDestroy:
		if l.state == StateLocked {
			return r.Errorf(ErrorInvalidDestroy, "attempted to destroy session lock while locked")
		}
		r.Destroy()
	case lockRequestUnlockAndDestroy:
		if l.state != StateLocked {
			return r.Errorf(ErrorInvalidUnlock, "attempted to unlock session lock that was never locked")
		}
		l.state = StateUnlocked
		l.release()
		l.m.setLocked(false)
		l.m.log.Info("session unlocked", "client", r.Client())
		l.m.emit(Unlocked{Lock: l})
		r.Destroy()
	case lockRequestGetLockSurface:
		return l.getLockSurface(r, args)
	}
	return nil
}

func (l *Lock) getLockSurface(r *wayland.Resource, args wayland.Args) error {
	surface := core.SurfaceFromResource(args.Object(1))
	output := core.OutputFromResource(args.Object(2))

	res, err := r.Client().NewResource(args.NewID(0), LockSurfaceInterface, r.Version(), nil)
	if err != nil {
		return err
	}
	if l.state == StateFinished || l.state == StateCanceled {
		// Inert: the client will see finished and tear down.
		res.SetHandler(wayland.HandlerFunc(destroyOnly))
		return nil
	}

	if output != nil {
		for _, other := range l.surfaces {
			if other.output == output {
				return r.Errorf(ErrorDuplicateOutput, "output %s already has a lock surface", output.Name())
			}
		}
	}
	if surface.HasPendingBuffer() {
		return r.Errorf(ErrorAlreadyConstructed, "surface already has a buffer attached")
	}

	ls := &LockSurface{lock: l, res: res, surface: surface, output: output}
	if err := surface.SetRole(LockSurfaceInterface.Name, res, ls.commit); err != nil {
		return r.Errorf(ErrorRole, "surface already has another role")
	}
	res.SetData(ls)
	res.SetHandler(ls)
	res.OnDestroy(func(*wayland.Resource) { ls.destroyed() })
	l.surfaces = append(l.surfaces, ls)

	if output != nil {
		info := output.Info()
		ls.Configure(uint32(info.Width), uint32(info.Height))
	}
	l.m.emit(LockSurfaceCreated{Surface: ls})
	return nil
}

func (l *Lock) resourceDestroyed(*wayland.Resource) {
	switch l.state {
	case StateCreated:
		l.state = StateCanceled
		l.release()
		l.m.emit(Canceled{Lock: l})
	case StateLocked:
		// The client died holding the lock. The session stays locked until
		// the compositor decides otherwise.
		l.state = StateAbandoned
		l.release()
		l.m.log.Warn("session lock client went away while locked", "client", l.res.Client())
		l.m.emit(Abandoned{Lock: l})
	}
}

func destroyOnly(r *wayland.Resource, opcode uint16, _ wayland.Args) error {
	if opcode == 0 {
		r.Destroy()
	}
	return nil
}
