package sessionlock

import (
	"slices"

	"github.com/linuxdeepin/treeland-sub002/internal/protocols/core"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
)

// ext_session_lock_surface_v1 errors.
const (
	ErrorCommitBeforeFirstAck uint32 = 0
	ErrorNullBuffer           uint32 = 1
	ErrorDimensionsMismatch   uint32 = 2
	ErrorInvalidSerial        uint32 = 3
)

const (
	surfaceRequestDestroy      = 0
	surfaceRequestAckConfigure = 1

	surfaceEventConfigure = 0
)

var LockSurfaceInterface = &wayland.Interface{
	Name:    "ext_session_lock_surface_v1",
	Version: managerVersion,
	Requests: []wayland.Message{
		{Name: "destroy", Signature: ""},
		{Name: "ack_configure", Signature: "u"},
	},
	Events: []wayland.Message{
		{Name: "configure", Signature: "uuu"},
	},
}

type configure struct {
	serial        uint32
	width, height uint32
}

// LockSurface covers one output while the session is locked.
type LockSurface struct {
	lock    *Lock
	res     *wayland.Resource
	surface *core.Surface
	output  *core.Output

	sent  configure
	acked *configure
}

func (ls *LockSurface) Lock() *Lock {
	return ls.lock
}

func (ls *LockSurface) Surface() *core.Surface {
	return ls.surface
}

func (ls *LockSurface) Output() *core.Output {
	return ls.output
}

// Acked returns the size the client acknowledged last.
func (ls *LockSurface) Acked() (width, height uint32, ok bool) {
	if ls.acked == nil {
		return 0, 0, false
	}
	return ls.acked.width, ls.acked.height, true
}

// Configure sends a new size and returns its serial.
func (ls *LockSurface) Configure(width, height uint32) uint32 {
	if !ls.res.Alive() {
		return 0
	}
	serial := ls.res.Client().Display().NextSerial()
	ls.sent = configure{serial: serial, width: width, height: height}
	ls.res.Post(surfaceEventConfigure, serial, width, height)
	return serial
}

func (ls *LockSurface) HandleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	switch opcode {
	case surfaceRequestDestroy:
		r.Destroy()
	case surfaceRequestAckConfigure:
		serial := args.Uint(0)
		if ls.sent.serial == 0 || serial != ls.sent.serial {
			return r.Errorf(ErrorInvalidSerial, "ack_configure serial %d does not match the last configure", serial)
		}
		c := ls.sent
		ls.acked = &c
	}
	return nil
}

func (ls *LockSurface) commit(s *core.Surface) error {
	if ls.acked == nil {
		return ls.res.Errorf(ErrorCommitBeforeFirstAck, "lock surface committed before first ack_configure")
	}
	if !s.HasPendingBuffer() {
		return ls.res.Errorf(ErrorNullBuffer, "lock surface committed with a null buffer")
	}
	if fn := ls.lock.m.bufferSize; fn != nil {
		w, h, ok := fn(s)
		if ok && (uint32(w) != ls.acked.width || uint32(h) != ls.acked.height) {
			return ls.res.Errorf(ErrorDimensionsMismatch, "committed %dx%d, acked %dx%d",
				w, h, ls.acked.width, ls.acked.height)
		}
	}
	return nil
}

func (ls *LockSurface) destroyed() {
	ls.surface.ClearRoleObject()
	l := ls.lock
	if i := slices.Index(l.surfaces, ls); i >= 0 {
		l.surfaces = slices.Delete(l.surfaces, i, i+1)
	}
}
