package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linuxdeepin/treeland-sub002/internal/eventloop"
	"github.com/linuxdeepin/treeland-sub002/internal/wire"
	"github.com/sourcegraph/conc"
	"golang.org/x/sys/unix"
)

// MaxBuffered is how many outgoing bytes may queue for one client before
// writes fail. A client that stops reading is disconnected rather than
// allowed to grow the queue without bound.
const MaxBuffered = 4 << 20

// DrainTimeout bounds how long Close waits for queued output to reach the
// peer before the connection is torn down.
var DrainTimeout = time.Second

var nextClientID atomic.Uint64

// Credentials are the peer's process credentials as reported by the kernel.
type Credentials struct {
	PID int
	UID int
	GID int
}

// FrameHandler receives a client's traffic on the event loop.
type FrameHandler interface {
	HandleFrames(frames []wire.Frame, fds []int)
	HandleDisconnect(err error)
}

type outgoing struct {
	data []byte
	fds  []int
}

// Client is one accepted peer connection.
type Client struct {
	id     uint64
	socket *Socket
	conn   *net.UnixConn

	credsOnce sync.Once
	creds     Credentials
	credsErr  error

	frozen bool
	closed atomic.Bool
	done   chan struct{}

	outMu    sync.Mutex
	outQ     []outgoing
	outBytes int
	outWake  chan struct{}

	started    atomic.Bool
	writerDone chan struct{}
	wg      conc.WaitGroup
}

func newClient(s *Socket, conn *net.UnixConn) *Client {
	return &Client{
		id:      nextClientID.Add(1),
		socket:  s,
		conn:    conn,
		done:       make(chan struct{}),
		outWake:    make(chan struct{}, 1),
		writerDone: make(chan struct{}),
	}
}

func (c *Client) ID() uint64 {
	return c.id
}

func (c *Client) Socket() *Socket {
	return c.socket
}

func (c *Client) String() string {
	return fmt.Sprintf("client#%d", c.id)
}

// Credentials returns the peer's pid, uid and gid. They are looked up on
// first use and cached.
func (c *Client) Credentials() (Credentials, error) {
	c.credsOnce.Do(func() {
		c.creds, c.credsErr = peerCredentials(c.conn)
		if c.credsErr != nil {
			c.credsErr = fmt.Errorf("%w: %w", ErrNoCredentials, c.credsErr)
		}
	})
	return c.creds, c.credsErr
}

// Engine, AppID and InstanceID report the sandbox identity of the socket
// the client connected through.
func (c *Client) Engine() string {
	if c.socket == nil {
		return ""
	}
	return c.socket.Engine()
}

func (c *Client) AppID() string {
	if c.socket == nil {
		return ""
	}
	return c.socket.AppID()
}

func (c *Client) InstanceID() string {
	if c.socket == nil {
		return ""
	}
	return c.socket.InstanceID()
}

func (c *Client) Frozen() bool {
	return c.frozen
}

// Freeze suspends the client's process. The connection stays open.
func (c *Client) Freeze() error {
	return c.pause(true)
}

// Activate resumes a frozen client's process.
func (c *Client) Activate() error {
	return c.pause(false)
}

func (c *Client) pause(pause bool) error {
	if c.socket == nil {
		return ErrInvalidSocket
	}
	creds, err := c.Credentials()
	if err != nil {
		return err
	}
	ctl := c.socket.controller
	if pause {
		err = ctl.Freeze(creds.PID)
	} else {
		err = ctl.Resume(creds.PID)
	}
	if err != nil {
		return err
	}
	c.frozen = pause
	return nil
}

// Start begins reading and writing. Frames and disconnects are posted to
// loop and delivered to h there.
func (c *Client) Start(loop eventloop.Poster, h FrameHandler) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Go(func() { c.readLoop(loop, h) })
	c.wg.Go(c.writeLoop)
}

func (c *Client) readLoop(loop eventloop.Poster, h FrameHandler) {
	r := wire.NewReader(c.conn)
	for {
		frames, fds, err := r.Read()
		if len(frames) > 0 || len(fds) > 0 {
			if !loop.Post(func() { h.HandleFrames(frames, fds) }) {
				closeFDs(fds)
				return
			}
		}
		if err != nil {
			if c.closed.Load() {
				return
			}
			loop.Post(func() { h.HandleDisconnect(err) })
			return
		}
	}
}

// Write queues data and the descriptors that travel with it. Ownership of
// fds passes to the client; they are closed once sent.
func (c *Client) Write(data []byte, fds []int) error {
	if c.closed.Load() {
		closeFDs(fds)
		return ErrClosed
	}
	c.outMu.Lock()
	if c.outBytes+len(data) > MaxBuffered {
		c.outMu.Unlock()
		closeFDs(fds)
		return ErrBufferFull
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.outQ = append(c.outQ, outgoing{data: buf, fds: append([]int(nil), fds...)})
	c.outBytes += len(buf)
	c.outMu.Unlock()

	select {
	case c.outWake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Client) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.done:
			c.flushQueued() //nolint:errcheck
			return
		case <-c.outWake:
		}
		if err := c.flushQueued(); err != nil {
			if !c.closed.Load() {
				c.socket.logf("write to %s failed: %v", c, err)
			}
			return
		}
	}
}

// flushQueued sends queued messages in order. On a write error the rest of
// the queue is dropped.
func (c *Client) flushQueued() error {
	for {
		c.outMu.Lock()
		if len(c.outQ) == 0 {
			c.outMu.Unlock()
			return nil
		}
		msg := c.outQ[0]
		c.outQ = c.outQ[1:]
		c.outBytes -= len(msg.data)
		c.outMu.Unlock()

		err := c.send(msg)
		closeFDs(msg.fds)
		if err != nil {
			c.dropQueued()
			return err
		}
	}
}

func (c *Client) send(msg outgoing) error {
	data, fds := msg.data, msg.fds
	for len(data) > 0 || len(fds) > 0 {
		var oob []byte
		batch := fds
		if len(batch) > wire.MaxFDsOut {
			batch = batch[:wire.MaxFDsOut]
		}
		if len(batch) > 0 {
			oob = unix.UnixRights(batch...)
		}
		// Descriptors need at least one byte of payload to ride on.
		chunk := data
		if len(batch) > 0 && len(fds) > len(batch) && len(chunk) > 1 {
			chunk = chunk[:1]
		}
		n, _, err := c.conn.WriteMsgUnix(chunk, oob, nil)
		if err != nil {
			return err
		}
		data = data[n:]
		fds = fds[len(batch):]
		if n == 0 && len(batch) == 0 {
			return errors.New("short write")
		}
	}
	return nil
}

func (c *Client) dropQueued() {
	c.outMu.Lock()
	q := c.outQ
	c.outQ = nil
	c.outBytes = 0
	c.outMu.Unlock()
	for _, msg := range q {
		closeFDs(msg.fds)
	}
}

// Close disconnects the client and removes it from its socket. Output
// already queued, such as a protocol error, is written first, bounded by
// DrainTimeout. It is safe to call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(DrainTimeout)) //nolint:errcheck
	close(c.done)
	if c.started.Load() {
		<-c.writerDone
	} else {
		c.flushQueued() //nolint:errcheck
	}
	c.dropQueued()
	err := c.conn.Close()
	c.wg.Wait()
	if c.socket != nil {
		c.socket.removeClient(c)
	}
	return err
}

func (c *Client) Closed() bool {
	return c.closed.Load()
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
