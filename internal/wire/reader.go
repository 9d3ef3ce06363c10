package wire

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Reader splits a stream connection into frames and collects descriptors
// passed alongside them with SCM_RIGHTS.
type Reader struct {
	conn    net.Conn
	pending []byte
	rbuf    []byte
	oob     []byte
}

func NewReader(conn net.Conn) *Reader {
	return &Reader{
		conn: conn,
		rbuf: make([]byte, 4*MaxMessageSize),
		oob:  make([]byte, unix.CmsgSpace(MaxFDsOut*4)),
	}
}

// Read performs one read and returns every complete frame plus any
// descriptors received with it. Frames parsed before an error are still
// returned.
func (r *Reader) Read() ([]Frame, []int, error) {
	var (
		n, oobn int
		err     error
	)
	if uc, ok := r.conn.(*net.UnixConn); ok {
		n, oobn, _, _, err = uc.ReadMsgUnix(r.rbuf, r.oob)
	} else {
		n, err = r.conn.Read(r.rbuf)
	}

	var fds []int
	if oobn > 0 {
		msgs, perr := unix.ParseSocketControlMessage(r.oob[:oobn])
		if perr == nil {
			for i := range msgs {
				got, rerr := unix.ParseUnixRights(&msgs[i])
				if rerr == nil {
					fds = append(fds, got...)
				}
			}
		}
	}

	if n > 0 {
		r.pending = append(r.pending, r.rbuf[:n]...)
	}
	frames, perr := r.split()
	if perr != nil {
		return frames, fds, perr
	}
	return frames, fds, err
}

func (r *Reader) split() ([]Frame, error) {
	var frames []Frame
	buf := r.pending
	for len(buf) >= HeaderSize {
		id, opcode, size := ParseHeader(buf)
		if size > MaxMessageSize {
			return frames, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
		}
		if size < HeaderSize || size%4 != 0 {
			return frames, fmt.Errorf("%w: bad size %d", ErrMalformed, size)
		}
		if len(buf) < size {
			break
		}
		payload := make([]byte, size-HeaderSize)
		copy(payload, buf[HeaderSize:size])
		frames = append(frames, Frame{ObjectID: id, Opcode: opcode, Payload: payload})
		buf = buf[size:]
	}
	r.pending = append(r.pending[:0], buf...)
	return frames, nil
}

// Split parses complete frames from b, returning the unconsumed tail.
func Split(b []byte) ([]Frame, []byte, error) {
	r := Reader{pending: append([]byte(nil), b...)}
	frames, err := r.split()
	return frames, r.pending, err
}
