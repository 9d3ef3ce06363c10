// Package transport owns the client-facing Unix sockets: lock files,
// accepting connections, peer credentials and freezing clients while a
// socket is disabled.
package transport

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/linuxdeepin/treeland-sub002/internal/eventloop"
	"github.com/linuxdeepin/treeland-sub002/internal/logger"
	"github.com/sourcegraph/conc"
	"golang.org/x/sys/unix"
)

const (
	lockSuffix     = ".lock"
	defaultBacklog = 128
	maxAutoSockets = 32
)

var (
	ErrAddressInUse     = errors.New("transport: address in use")
	ErrAlreadyListening = errors.New("transport: already listening")
	ErrInvalidSocket    = errors.New("transport: invalid socket")
	ErrNoRuntimeDir     = errors.New("transport: XDG_RUNTIME_DIR is not set or not absolute")
	ErrClosed           = errors.New("transport: closed")
	ErrBufferFull       = errors.New("transport: client send buffer full")
	ErrNoCredentials    = errors.New("transport: peer credentials unavailable")
)

// Option configures a Socket.
type Option func(*Socket)

func WithFreezeOnDisable(freeze bool) Option {
	return func(s *Socket) { s.freezeOnDisable = freeze }
}

func WithBacklog(n int) Option {
	return func(s *Socket) {
		if n > 0 {
			s.backlog = n
		}
	}
}

func WithProcessController(pc ProcessController) Option {
	return func(s *Socket) { s.controller = pc }
}

// WithSandbox tags every client of the socket with a sandbox identity. An
// empty instance id gets a random one.
func WithSandbox(engine, appID, instanceID string) Option {
	return func(s *Socket) {
		s.engine = engine
		s.appID = appID
		s.instanceID = instanceID
		if s.instanceID == "" {
			s.instanceID = uuid.NewString()
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Socket) { s.log = l }
}

// Socket is one listening endpoint plus the clients accepted on it, or a
// child grouping clients that were handed over by other means. All methods
// except Listen's accept goroutine run on the event loop.
type Socket struct {
	log *log.Logger

	path     string
	lockFile *os.File
	listener *net.UnixListener
	fd       int
	ownsFD   bool
	unlink   bool
	backlog  int

	listening bool
	closed    bool
	enabled   bool

	freezeOnDisable bool
	controller      ProcessController

	parent   *Socket
	children []*Socket

	engine     string
	appID      string
	instanceID string

	clients []*Client

	clientAdded        []func(*Client)
	clientRemoved      []func(*Client)
	aboutToBeDestroyed []func(*Socket)

	acceptWG conc.WaitGroup
}

// New returns an unbound socket. Call Create, CreateAuto or Adopt to give
// it an address.
func New(opts ...Option) *Socket {
	s := &Socket{
		fd:              -1,
		backlog:         defaultBacklog,
		enabled:         true,
		freezeOnDisable: true,
		controller:      SignalController{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.With("transport")
	}
	return s
}

// NewChild returns a socket that inherits the parent's freeze policy,
// process controller and sandbox identity unless overridden by opts.
func NewChild(parent *Socket, opts ...Option) *Socket {
	s := New(append([]Option{
		WithFreezeOnDisable(parent.freezeOnDisable),
		WithProcessController(parent.controller),
		WithLogger(parent.log),
	}, opts...)...)
	s.parent = parent
	s.enabled = parent.enabled
	parent.children = append(parent.children, s)
	return s
}

// Create binds a named socket. A path without a slash is resolved against
// $XDG_RUNTIME_DIR.
func (s *Socket) Create(path string) error {
	if s.IsValid() {
		return fmt.Errorf("%w: already bound to %s", ErrInvalidSocket, s.path)
	}
	if !strings.Contains(path, "/") {
		dir, err := runtimeDir()
		if err != nil {
			return err
		}
		path = filepath.Join(dir, path)
	}

	lock, err := lockSocket(path)
	if err != nil {
		return err
	}

	l, fd, err := bindUnix(path, s.backlog)
	if err != nil {
		unlockSocket(lock, path)
		if errors.Is(err, unix.EADDRINUSE) {
			return fmt.Errorf("%w: %s", ErrAddressInUse, path)
		}
		return fmt.Errorf("bind %s: %w", path, err)
	}

	s.path = path
	s.lockFile = lock
	s.listener = l
	s.fd = fd
	s.ownsFD = true
	s.unlink = true
	s.log.Debug("socket created", "path", path)
	return nil
}

// CreateAuto binds the first free wayland-N name in $XDG_RUNTIME_DIR.
func (s *Socket) CreateAuto() error {
	dir, err := runtimeDir()
	if err != nil {
		return err
	}
	for i := 0; i < maxAutoSockets; i++ {
		err := s.Create(filepath.Join(dir, fmt.Sprintf("wayland-%d", i)))
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrAddressInUse) {
			return err
		}
	}
	return fmt.Errorf("%w: no free wayland-N socket in %s", ErrAddressInUse, dir)
}

// Adopt takes an already bound descriptor, for sockets opened by a
// privileged helper. The descriptor is put into listening mode if needed.
// With owns false, Close leaves it open.
func (s *Socket) Adopt(fd int, owns bool) error {
	if s.IsValid() {
		return fmt.Errorf("%w: already bound to %s", ErrInvalidSocket, s.path)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fmt.Errorf("%w: fstat: %w", ErrInvalidSocket, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFSOCK {
		return fmt.Errorf("%w: fd %d is not a socket", ErrInvalidSocket, fd)
	}
	accepting, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
	if err != nil {
		return fmt.Errorf("%w: getsockopt: %w", ErrInvalidSocket, err)
	}
	if accepting == 0 {
		if err := unix.Listen(fd, s.backlog); err != nil {
			return fmt.Errorf("listen on fd %d: %w", fd, err)
		}
	}

	dup, err := unix.Dup(fd)
	if err != nil {
		return fmt.Errorf("dup fd %d: %w", fd, err)
	}
	f := os.NewFile(uintptr(dup), "adopted-socket")
	ln, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSocket, err)
	}
	ul, ok := ln.(*net.UnixListener)
	if !ok {
		ln.Close()
		return fmt.Errorf("%w: fd %d is not a unix socket", ErrInvalidSocket, fd)
	}

	if sa, err := unix.Getsockname(fd); err == nil {
		if addr, ok := sa.(*unix.SockaddrUnix); ok {
			s.path = addr.Name
		}
	}
	s.listener = ul
	s.fd = fd
	s.ownsFD = owns
	return nil
}

// Listen starts accepting connections. Accepted clients are added on loop.
func (s *Socket) Listen(loop eventloop.Poster) error {
	if s.closed || s.listener == nil {
		return ErrInvalidSocket
	}
	if s.listening {
		return ErrAlreadyListening
	}
	s.listening = true
	l := s.listener
	s.acceptWG.Go(func() { s.acceptLoop(l, loop) })
	s.log.Info("listening", "path", s.path)
	return nil
}

// Accept backoff after consecutive failures, such as running out of fds.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

var acceptSleep = time.Sleep

type acceptor interface {
	AcceptUnix() (*net.UnixConn, error)
}

func (s *Socket) acceptLoop(l acceptor, loop eventloop.Poster) {
	var delay time.Duration
	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(delay*2, maxAcceptDelay)
			}
			s.log.Warn("accept failed", "path", s.path, "err", err, "retry", delay)
			acceptSleep(delay)
			continue
		}
		delay = 0
		if !loop.Post(func() { s.AddClient(conn) }) {
			conn.Close()
			return
		}
	}
}

// AddClient wraps conn as a client of this socket. A client joining a
// disabled socket is frozen straight away.
func (s *Socket) AddClient(conn *net.UnixConn) *Client {
	c := newClient(s, conn)
	s.clients = append(s.clients, c)
	if !s.enabled && s.freezeOnDisable {
		if err := c.Freeze(); err != nil {
			s.log.Warn("failed to freeze new client", "client", c.id, "err", err)
		}
	}
	s.log.Debug("client added", "client", c.id, "path", s.path)
	for _, fn := range slices.Clone(s.clientAdded) {
		fn(c)
	}
	return c
}

func (s *Socket) removeClient(c *Client) {
	i := slices.Index(s.clients, c)
	if i < 0 {
		return
	}
	s.clients = slices.Delete(s.clients, i, i+1)
	s.log.Debug("client removed", "client", c.id)
	for _, fn := range slices.Clone(s.clientRemoved) {
		fn(c)
	}
}

// Clients returns a snapshot of the connected clients.
func (s *Socket) Clients() []*Client {
	return slices.Clone(s.clients)
}

func (s *Socket) OnClientAdded(fn func(*Client)) {
	s.clientAdded = append(s.clientAdded, fn)
}

func (s *Socket) OnClientRemoved(fn func(*Client)) {
	s.clientRemoved = append(s.clientRemoved, fn)
}

func (s *Socket) OnAboutToBeDestroyed(fn func(*Socket)) {
	s.aboutToBeDestroyed = append(s.aboutToBeDestroyed, fn)
}

func (s *Socket) Enabled() bool {
	return s.enabled
}

// SetEnabled toggles the socket and its children. With the freeze policy
// active, disabling suspends every client's process and enabling resumes
// them; connections are never closed.
func (s *Socket) SetEnabled(on bool) {
	for _, child := range s.children {
		child.SetEnabled(on)
	}
	if s.enabled == on {
		return
	}
	s.enabled = on
	if !s.freezeOnDisable {
		return
	}
	for _, c := range s.Clients() {
		var err error
		if on {
			err = c.Activate()
		} else {
			err = c.Freeze()
		}
		if err != nil {
			s.log.Warn("failed to change client process state", "client", c.id, "frozen", !on, "err", err)
		}
	}
}

func (s *Socket) FreezeOnDisable() bool {
	return s.freezeOnDisable
}

func (s *Socket) IsValid() bool {
	return s.listener != nil && !s.closed
}

func (s *Socket) IsListening() bool {
	return s.listening
}

// Path is the socket's filesystem path, if it has one.
func (s *Socket) Path() string {
	return s.path
}

// Name is the last element of Path, as used in WAYLAND_DISPLAY.
func (s *Socket) Name() string {
	if s.path == "" {
		return ""
	}
	return filepath.Base(s.path)
}

func (s *Socket) Parent() *Socket {
	return s.parent
}

// Root walks up to the outermost parent.
func (s *Socket) Root() *Socket {
	r := s
	for r.parent != nil {
		r = r.parent
	}
	return r
}

func (s *Socket) Engine() string {
	if s.engine == "" && s.parent != nil {
		return s.parent.Engine()
	}
	return s.engine
}

func (s *Socket) AppID() string {
	if s.appID == "" && s.parent != nil {
		return s.parent.AppID()
	}
	return s.appID
}

func (s *Socket) InstanceID() string {
	if s.instanceID == "" && s.parent != nil {
		return s.parent.InstanceID()
	}
	return s.instanceID
}

// Close stops listening and releases the lock file. Clients are closed
// only when the socket owns its descriptor.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	for _, fn := range slices.Clone(s.aboutToBeDestroyed) {
		fn(s)
	}
	s.closed = true

	var errs []error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		s.acceptWG.Wait()
	}
	s.listening = false

	if s.ownsFD {
		for _, c := range s.Clients() {
			c.Close()
		}
		if s.fd >= 0 {
			unix.Close(s.fd)
		}
		if s.unlink && s.path != "" {
			if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	s.fd = -1
	if s.lockFile != nil {
		unlockSocket(s.lockFile, s.path)
		s.lockFile = nil
	}

	for _, child := range s.children {
		if err := child.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.parent != nil {
		if i := slices.Index(s.parent.children, s); i >= 0 {
			s.parent.children = slices.Delete(s.parent.children, i, i+1)
		}
	}
	return errors.Join(errs...)
}

func (s *Socket) logf(format string, args ...any) {
	if s == nil {
		logger.Debugf(format, args...)
		return
	}
	s.log.Debugf(format, args...)
}

// lockSocket takes the exclusive lock on <path>.lock and removes a stale
// socket file that is owner or group writable.
func lockSocket(path string) (*os.File, error) {
	lockPath := path + lockSuffix
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o660)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s is locked by another server", ErrAddressInUse, lockPath)
		}
		return nil, fmt.Errorf("lock %s: %w", lockPath, err)
	}

	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if !errors.Is(err, unix.ENOENT) {
			f.Close()
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
	} else if st.Mode&(unix.S_IWUSR|unix.S_IWGRP) != 0 {
		if err := unix.Unlink(path); err != nil {
			f.Close()
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}
	}
	return f, nil
}

func unlockSocket(f *os.File, path string) {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
	if path != "" {
		os.Remove(path + lockSuffix)
	}
}

// bindUnix creates a listening socket with an explicit backlog, which
// net.ListenUnix does not expose.
func bindUnix(path string, backlog int) (*net.UnixListener, int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, -1, err
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, -1, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, -1, err
	}

	dup, err := unix.Dup(fd)
	if err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, -1, err
	}
	f := os.NewFile(uintptr(dup), path)
	ln, err := net.FileListener(f)
	f.Close()
	if err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, -1, err
	}
	return ln.(*net.UnixListener), fd, nil
}

func runtimeDir() (string, error) {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" || !filepath.IsAbs(dir) {
		return "", ErrNoRuntimeDir
	}
	return dir, nil
}
