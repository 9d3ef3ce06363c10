// Package shortcut implements treeland_shortcut_manager_v2. Each login
// session owns one binding table, written by at most one client. Requests
// are staged and applied atomically on commit; commits made while the
// session is in the background are queued and applied in order when it
// becomes active.
package shortcut

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/linuxdeepin/treeland-sub002/internal/logger"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
)

const managerVersion = 1

// ErrorOccupied is raised when a second client binds for a session.
const ErrorOccupied uint32 = 0

const (
	requestDestroy          = 0
	requestBindKey          = 1
	requestBindSwipeGesture = 2
	requestBindHoldGesture  = 3
	requestUnbind           = 4
	requestCommit           = 5

	eventActivated     = 0
	eventCommitSuccess = 1
	eventCommitFailure = 2
	eventInvalidCommit = 3
)

var ManagerInterface = &wayland.Interface{
	Name:    "treeland_shortcut_manager_v2",
	Version: managerVersion,
	Requests: []wayland.Message{
		{Name: "destroy", Signature: ""},
		{Name: "bind_key", Signature: "ssuu"},
		{Name: "bind_swipe_gesture", Signature: "suuu"},
		{Name: "bind_hold_gesture", Signature: "suu"},
		{Name: "unbind", Signature: "s"},
		{Name: "commit", Signature: ""},
	},
	Events: []wayland.Message{
		{Name: "activated", Signature: "su"},
		{Name: "commit_success", Signature: ""},
		{Name: "commit_failure", Signature: "su"},
		{Name: "invalid_commit", Signature: ""},
	},
}

// Event reports table changes and fired bindings to the compositor.
type Event interface {
	event()
}

// ActionTriggered asks the compositor to run a binding's action. Notify
// bindings are answered directly and never reported.
type ActionTriggered struct {
	Session string
	Binding Binding
	Flags   KeyFlags
}

// TableChanged reports a committed change to a session's table.
type TableChanged struct{ Session string }

func (ActionTriggered) event() {}
func (TableChanged) event()    {}

// SessionFunc maps a client to its login session.
type SessionFunc func(*wayland.Client) (string, error)

// UIDSession keys sessions by the client's user id.
func UIDSession(c *wayland.Client) (string, error) {
	creds, err := c.Credentials()
	if err != nil {
		return "", err
	}
	return strconv.Itoa(creds.UID), nil
}

type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithSession(fn SessionFunc) Option {
	return func(m *Manager) { m.sessionOf = fn }
}

// WithFilter limits which clients may see the global.
func WithFilter(filter func(*wayland.Client) bool) Option {
	return func(m *Manager) { m.filter = filter }
}

// WithInhibitor suppresses dispatch while inhibit reports true, e.g. while
// the session is locked.
func WithInhibitor(inhibit func() bool) Option {
	return func(m *Manager) { m.inhibit = inhibit }
}

type session struct {
	id    string
	table *Table
	owner *binder
	queue [][]op
}

type Manager struct {
	display   *wayland.Display
	global    *wayland.Global
	log       *log.Logger
	sessionOf SessionFunc
	filter    func(*wayland.Client) bool
	inhibit   func() bool

	sessions  map[string]*session
	active    string
	listeners []func(Event)
}

func NewManager(d *wayland.Display, opts ...Option) *Manager {
	m := &Manager{
		display:   d,
		log:       logger.With("shortcut"),
		sessionOf: UIDSession,
		sessions:  make(map[string]*session),
	}
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

func (m *Manager) session(id string) *session {
	s, ok := m.sessions[id]
	if !ok {
		s = &session{id: id, table: NewTable()}
		m.sessions[id] = s
	}
	return s
}

func (m *Manager) ActiveSession() string {
	return m.active
}

// Table returns the committed bindings of a session, or nil.
func (m *Manager) Table(id string) *Table {
	if s, ok := m.sessions[id]; ok {
		return s.table
	}
	return nil
}

// Queued returns how many commits wait for the session to become active.
func (m *Manager) Queued(id string) int {
	if s, ok := m.sessions[id]; ok {
		return len(s.queue)
	}
	return 0
}

// SetActiveSession switches dispatch to a session and applies the commits
// it queued while inactive.
func (m *Manager) SetActiveSession(id string) {
	if id == m.active {
		return
	}
	m.active = id
	m.log.Info("active session changed", "session", id)
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	queue := s.queue
	s.queue = nil
	for _, batch := range queue {
		m.apply(s, batch)
	}
}

// DispatchKey runs the active session's bindings for a key event. It
// reports whether any binding exists for the key.
func (m *Manager) DispatchKey(k Key, flags KeyFlags) bool {
	s := m.dispatchTarget()
	if s == nil {
		return false
	}
	if _, ok := s.table.keys[k]; !ok {
		return false
	}
	m.fire(s, s.table.MatchKey(k, flags), flags)
	return true
}

// DispatchGesture runs the active session's bindings for a finished
// gesture. dir is zero for hold gestures.
func (m *Manager) DispatchGesture(fingers uint32, dir Direction) bool {
	s := m.dispatchTarget()
	if s == nil {
		return false
	}
	bindings := s.table.MatchGesture(fingers, dir)
	m.fire(s, bindings, 0)
	return len(bindings) > 0
}

func (m *Manager) dispatchTarget() *session {
	if m.inhibit != nil && m.inhibit() {
		return nil
	}
	return m.sessions[m.active]
}

func (m *Manager) fire(s *session, bindings []Binding, flags KeyFlags) {
	for _, b := range bindings {
		if b.Action != ActionNotify {
			m.emit(ActionTriggered{Session: s.id, Binding: b, Flags: flags})
			continue
		}
		if s.owner != nil {
			s.owner.res.Post(eventActivated, b.Name, uint32(flags))
		}
	}
}

func (m *Manager) apply(s *session, batch []op) {
	next, name, err := applyBatch(s.table, batch)
	owner := s.owner
	if err != BindOK {
		m.log.Debug("shortcut commit rejected", "session", s.id, "name", name, "err", err)
		if owner != nil {
			owner.res.Post(eventCommitFailure, name, uint32(err))
		}
		return
	}
	s.table = next
	if owner != nil {
		owner.res.Post(eventCommitSuccess)
	}
	m.emit(TableChanged{Session: s.id})
}

func (m *Manager) Destroy() {
	m.global.Destroy()
}

func (m *Manager) bind(r *wayland.Resource) error {
	id, err := m.sessionOf(r.Client())
	if err != nil {
		return fmt.Errorf("resolve shortcut session: %w", err)
	}
	s := m.session(id)
	if s.owner != nil {
		return r.Errorf(ErrorOccupied, "session %s already has a shortcut manager", id)
	}
	b := &binder{m: m, s: s, res: r}
	s.owner = b
	r.SetData(b)
	r.SetHandler(b)
	r.OnDestroy(func(*wayland.Resource) { b.destroyed() })
	m.log.Debug("shortcut manager bound", "session", id, "client", r.Client())
	return nil
}

// binder is the one manager resource of a session.
type binder struct {
	m      *Manager
	s      *session
	res    *wayland.Resource
	staged []op
}

func (b *binder) HandleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	switch opcode {
	case requestDestroy:
		r.Destroy()
	case requestBindKey:
		b.staged = append(b.staged, op{kind: opBindKey, name: args.String(0), key: args.String(1),
			flags: KeyFlags(args.Uint(2)), action: Action(args.Uint(3))})
	case requestBindSwipeGesture:
		b.staged = append(b.staged, op{kind: opBindSwipe, name: args.String(0), fingers: args.Uint(1),
			direction: Direction(args.Uint(2)), action: Action(args.Uint(3))})
	case requestBindHoldGesture:
		b.staged = append(b.staged, op{kind: opBindHold, name: args.String(0), fingers: args.Uint(1),
			action: Action(args.Uint(2))})
	case requestUnbind:
		b.staged = append(b.staged, op{kind: opUnbind, name: args.String(0)})
	case requestCommit:
		b.commit()
	}
	return nil
}

func (b *binder) commit() {
	if len(b.staged) == 0 {
		b.res.Post(eventInvalidCommit)
		return
	}
	batch := b.staged
	b.staged = nil
	if b.s.id != b.m.active {
		b.s.queue = append(b.s.queue, batch)
		b.m.log.Debug("shortcut commit queued for inactive session", "session", b.s.id, "queued", len(b.s.queue))
		return
	}
	b.m.apply(b.s, batch)
}

// destroyed releases the session: its bindings and queued commits go with
// the owner.
func (b *binder) destroyed() {
	s := b.s
	if s.owner != b {
		return
	}
	s.owner = nil
	s.queue = nil
	hadBindings := s.table.Len() > 0
	s.table = NewTable()
	if hadBindings {
		b.m.emit(TableChanged{Session: s.id})
	}
}
