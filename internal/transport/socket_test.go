package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/linuxdeepin/treeland-sub002/internal/eventloop"
	"github.com/linuxdeepin/treeland-sub002/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type signalCall struct {
	pid    int
	freeze bool
}

type mockController struct {
	mu    sync.Mutex
	calls []signalCall
}

func (m *mockController) Freeze(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, signalCall{pid: pid, freeze: true})
	return nil
}

func (m *mockController) Resume(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, signalCall{pid: pid, freeze: false})
	return nil
}

func (m *mockController) Calls() []signalCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]signalCall(nil), m.calls...)
}

type recordingHandler struct {
	frames       []wire.Frame
	disconnected error
}

func (h *recordingHandler) HandleFrames(frames []wire.Frame, fds []int) {
	h.frames = append(h.frames, frames...)
	closeFDs(fds)
}

func (h *recordingHandler) HandleDisconnect(err error) {
	h.disconnected = err
}

func socketPair(t *testing.T) (server, peer *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fileConn(t, fds[0]), fileConn(t, fds[1])
}

func fileConn(t *testing.T, fd int) *net.UnixConn {
	t.Helper()
	f := os.NewFile(uintptr(fd), "socketpair")
	defer f.Close()
	c, err := net.FileConn(f)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c.(*net.UnixConn)
}

func socketPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "wayland-test")
}

func TestCreateRejectsSecondServer(t *testing.T) {
	tests := []struct {
		name  string
		stale bool
	}{
		{name: "no stale file"},
		{name: "stale socket file present", stale: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := socketPath(t)
			if tt.stale {
				require.NoError(t, os.WriteFile(path, nil, 0o600))
			}

			first := New()
			require.NoError(t, first.Create(path))
			defer first.Close()
			assert.FileExists(t, path+".lock")

			second := New()
			err := second.Create(path)
			assert.ErrorIs(t, err, ErrAddressInUse)
			assert.False(t, second.IsValid())
		})
	}
}

func TestCloseReleasesLock(t *testing.T) {
	path := socketPath(t)

	s := New()
	require.NoError(t, s.Create(path))
	require.NoError(t, s.Close())
	assert.NoFileExists(t, path+".lock")
	assert.NoFileExists(t, path)

	again := New()
	require.NoError(t, again.Create(path))
	require.NoError(t, again.Close())
}

func TestCreateAuto(t *testing.T) {
	t.Run("picks the next free name", func(t *testing.T) {
		t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

		a := New()
		require.NoError(t, a.CreateAuto())
		defer a.Close()
		b := New()
		require.NoError(t, b.CreateAuto())
		defer b.Close()

		assert.Equal(t, "wayland-0", a.Name())
		assert.Equal(t, "wayland-1", b.Name())
	})

	t.Run("requires a runtime dir", func(t *testing.T) {
		t.Setenv("XDG_RUNTIME_DIR", "")
		assert.ErrorIs(t, New().CreateAuto(), ErrNoRuntimeDir)
		assert.ErrorIs(t, New().Create("wayland-9"), ErrNoRuntimeDir)
	})
}

func TestListenAcceptsClients(t *testing.T) {
	path := socketPath(t)
	loop := eventloop.New()

	s := New(WithProcessController(&mockController{}))
	require.NoError(t, s.Create(path))
	defer s.Close()

	var added []*Client
	s.OnClientAdded(func(c *Client) { added = append(added, c) })

	require.NoError(t, s.Listen(loop))
	assert.ErrorIs(t, s.Listen(loop), ErrAlreadyListening)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		loop.Dispatch()
		return len(added) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, s.Clients(), 1)
}

func TestListenRequiresBoundSocket(t *testing.T) {
	assert.ErrorIs(t, New().Listen(eventloop.New()), ErrInvalidSocket)
}

func TestFreezeOnDisable(t *testing.T) {
	ctl := &mockController{}
	s := New(WithProcessController(ctl))
	server, _ := socketPair(t)
	c := s.AddClient(server)

	s.SetEnabled(false)
	assert.True(t, c.Frozen())

	late, _ := socketPair(t)
	lateClient := s.AddClient(late)
	assert.True(t, lateClient.Frozen(), "a client joining a disabled socket starts frozen")

	s.SetEnabled(true)
	assert.False(t, c.Frozen())
	assert.False(t, lateClient.Frozen())

	pid := os.Getpid()
	assert.Equal(t, []signalCall{
		{pid: pid, freeze: true},
		{pid: pid, freeze: true},
		{pid: pid, freeze: false},
		{pid: pid, freeze: false},
	}, ctl.Calls())
	assert.Len(t, s.Clients(), 2, "disabling never drops connections")
}

func TestDisableWithoutFreezePolicy(t *testing.T) {
	ctl := &mockController{}
	s := New(WithProcessController(ctl), WithFreezeOnDisable(false))
	server, _ := socketPair(t)
	s.AddClient(server)

	s.SetEnabled(false)
	s.SetEnabled(true)
	assert.Empty(t, ctl.Calls())
}

func TestCredentialsAreLazyAndCached(t *testing.T) {
	server, _ := socketPair(t)
	c := New().AddClient(server)

	creds, err := c.Credentials()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), creds.PID)
	assert.Equal(t, os.Getuid(), creds.UID)
	assert.Equal(t, os.Getgid(), creds.GID)

	again, err := c.Credentials()
	require.NoError(t, err)
	assert.Equal(t, creds, again)
}

func TestChildSocket(t *testing.T) {
	ctl := &mockController{}
	parent := New(WithProcessController(ctl), WithSandbox("flatpak", "org.example.App", ""))
	child := NewChild(parent, WithSandbox("", "", "instance-1"))

	assert.Same(t, parent, child.Root())
	assert.Equal(t, "flatpak", child.Engine())
	assert.Equal(t, "org.example.App", child.AppID())
	assert.Equal(t, "instance-1", child.InstanceID())
	assert.NotEmpty(t, parent.InstanceID())

	server, _ := socketPair(t)
	c := child.AddClient(server)
	assert.Equal(t, "org.example.App", c.AppID())

	parent.SetEnabled(false)
	assert.False(t, child.Enabled())
	assert.True(t, c.Frozen())
}

func TestAdopt(t *testing.T) {
	path := socketPath(t)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fd)
	require.NoError(t, unix.Bind(fd, &unix.SockaddrUnix{Name: path}))

	s := New()
	require.NoError(t, s.Adopt(fd, false))
	assert.Equal(t, path, s.Path())
	assert.Error(t, s.Adopt(fd, false), "a bound socket cannot adopt again")
	require.NoError(t, s.Close())

	var st unix.Stat_t
	assert.NoError(t, unix.Fstat(fd, &st), "a borrowed descriptor stays open")

	f, err := os.CreateTemp(t.TempDir(), "plain")
	require.NoError(t, err)
	defer f.Close()
	assert.ErrorIs(t, New().Adopt(int(f.Fd()), false), ErrInvalidSocket)
}

func TestClientReadWriteAndClose(t *testing.T) {
	loop := eventloop.New()
	s := New()
	server, peer := socketPair(t)
	c := s.AddClient(server)

	var removed []*Client
	s.OnClientRemoved(func(c *Client) { removed = append(removed, c) })

	h := &recordingHandler{}
	c.Start(loop, h)

	var enc wire.Encoder
	require.NoError(t, enc.Message(1, 0, "n", uint32(2)))
	_, err := peer.Write(enc.Bytes())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		loop.Dispatch()
		return len(h.frames) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint32(1), h.frames[0].ObjectID)

	require.NoError(t, c.Write(enc.Bytes(), nil))
	buf := make([]byte, 64)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, enc.Bytes(), buf[:n])

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, []*Client{c}, removed)
	assert.Empty(t, s.Clients())
	assert.ErrorIs(t, c.Write([]byte{0, 0, 0, 0}, nil), ErrClosed)
}

func TestClientReportsPeerDisconnect(t *testing.T) {
	loop := eventloop.New()
	server, peer := socketPair(t)
	c := New().AddClient(server)
	h := &recordingHandler{}
	c.Start(loop, h)

	require.NoError(t, peer.Close())
	require.Eventually(t, func() bool {
		loop.Dispatch()
		return h.disconnected != nil
	}, 2*time.Second, 5*time.Millisecond)
	c.Close()
}

func TestWriteOverflowFails(t *testing.T) {
	server, _ := socketPair(t)
	c := New().AddClient(server)
	defer c.Close()

	big := make([]byte, MaxBuffered)
	binary.NativeEndian.PutUint32(big, 1)
	require.NoError(t, c.Write(big, nil))
	assert.ErrorIs(t, c.Write([]byte{1, 2, 3, 4}, nil), ErrBufferFull)
}

func TestCloseDeliversQueuedOutput(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, 256)

	for _, started := range []bool{false, true} {
		t.Run(fmt.Sprintf("started=%v", started), func(t *testing.T) {
			for i := 0; i < 50; i++ {
				server, peer := socketPair(t)
				c := New().AddClient(server)
				if started {
					c.Start(eventloop.New(), &recordingHandler{})
				}

				require.NoError(t, c.Write(payload, nil))
				require.NoError(t, c.Close())

				require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
				got, err := io.ReadAll(peer)
				require.NoError(t, err)
				require.Equal(t, payload, got, "run %d", i)
			}
		})
	}
}

func TestCloseGivesUpOnStalledPeer(t *testing.T) {
	prev := DrainTimeout
	DrainTimeout = 50 * time.Millisecond
	t.Cleanup(func() { DrainTimeout = prev })

	server, _ := socketPair(t)
	c := New().AddClient(server)
	c.Start(eventloop.New(), &recordingHandler{})

	// The peer never reads, so the kernel buffer fills and the writer blocks.
	chunk := make([]byte, 64<<10)
	for i := 0; i < MaxBuffered/len(chunk); i++ {
		require.NoError(t, c.Write(chunk, nil))
	}

	start := time.Now()
	require.NoError(t, c.Close())
	assert.Less(t, time.Since(start), 2*time.Second)
}

type scriptedListener struct {
	results []func() (*net.UnixConn, error)
}

func (l *scriptedListener) AcceptUnix() (*net.UnixConn, error) {
	if len(l.results) == 0 {
		return nil, net.ErrClosed
	}
	next := l.results[0]
	l.results = l.results[1:]
	return next()
}

type recordingPoster struct{ posted []func() }

func (p *recordingPoster) Post(fn func()) bool {
	p.posted = append(p.posted, fn)
	return true
}

func failAccept() (*net.UnixConn, error) {
	return nil, &net.OpError{Op: "accept", Net: "unix", Err: os.NewSyscallError("accept4", unix.EMFILE)}
}

func TestAcceptBacksOffOnErrors(t *testing.T) {
	var slept []time.Duration
	acceptSleep = func(d time.Duration) { slept = append(slept, d) }
	t.Cleanup(func() { acceptSleep = time.Sleep })

	t.Run("grows to the cap", func(t *testing.T) {
		slept = nil
		l := &scriptedListener{}
		for range 10 {
			l.results = append(l.results, failAccept)
		}
		New().acceptLoop(l, &recordingPoster{})
		ms := time.Millisecond
		assert.Equal(t, []time.Duration{
			5 * ms, 10 * ms, 20 * ms, 40 * ms, 80 * ms, 160 * ms, 320 * ms, 640 * ms, time.Second, time.Second,
		}, slept)
	})

	t.Run("resets after an accepted connection", func(t *testing.T) {
		slept = nil
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		defer unix.Close(fds[1]) //nolint:errcheck
		f := os.NewFile(uintptr(fds[0]), "accepted")
		fc, err := net.FileConn(f)
		f.Close()
		require.NoError(t, err)
		conn := fc.(*net.UnixConn)
		defer conn.Close()

		l := &scriptedListener{results: []func() (*net.UnixConn, error){
			failAccept, failAccept, failAccept,
			func() (*net.UnixConn, error) { return conn, nil },
			failAccept, failAccept,
		}}
		poster := &recordingPoster{}
		New().acceptLoop(l, poster)
		ms := time.Millisecond
		assert.Equal(t, []time.Duration{5 * ms, 10 * ms, 20 * ms, 5 * ms, 10 * ms}, slept)
		assert.Len(t, poster.posted, 1)
	})
}
