package core

import (
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
)

const seatVersion = 7

// SeatErrorMissingCapability is raised for get_pointer, get_keyboard and
// get_touch; input devices belong to the compositor proper.
const SeatErrorMissingCapability uint32 = 0

const (
	seatRequestGetPointer  = 0
	seatRequestGetKeyboard = 1
	seatRequestGetTouch    = 2
	seatRequestRelease     = 3

	seatEventCapabilities = 0
	seatEventName         = 1
)

var SeatInterface = &wayland.Interface{
	Name:    "wl_seat",
	Version: seatVersion,
	Requests: []wayland.Message{
		{Name: "get_pointer", Signature: "n"},
		{Name: "get_keyboard", Signature: "n"},
		{Name: "get_touch", Signature: "n"},
		{Name: "release", Signature: "5"},
	},
	Events: []wayland.Message{
		{Name: "capabilities", Signature: "u"},
		{Name: "name", Signature: "2s"},
	},
}

// Seat is a wl_seat global without input capabilities. Protocols take it
// as an argument, e.g. toplevel activation.
type Seat struct {
	name   string
	global *wayland.Global
}

func NewSeat(d *wayland.Display, name string) *Seat {
	s := &Seat{name: name}
	s.global = d.CreateGlobal(SeatInterface, seatVersion, s.bind)
	return s
}

// SeatFromResource returns the seat behind a wl_seat resource.
func SeatFromResource(r *wayland.Resource) *Seat {
	if r == nil {
		return nil
	}
	s, _ := r.Data().(*Seat)
	return s
}

func (s *Seat) Name() string {
	return s.name
}

func (s *Seat) Destroy() {
	s.global.Destroy()
}

func (s *Seat) bind(r *wayland.Resource) error {
	r.SetData(s)
	r.SetHandler(wayland.HandlerFunc(s.handle))
	r.Post(seatEventCapabilities, uint32(0))
	r.Post(seatEventName, s.name)
	return nil
}

func (s *Seat) handle(r *wayland.Resource, opcode uint16, _ wayland.Args) error {
	switch opcode {
	case seatRequestGetPointer, seatRequestGetKeyboard, seatRequestGetTouch:
		return r.Errorf(SeatErrorMissingCapability, "seat %s has no input capabilities", s.name)
	case seatRequestRelease:
		r.Destroy()
	}
	return nil
}
