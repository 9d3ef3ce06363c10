package wayland

import (
	"errors"
	"fmt"
)

// wl_display error codes.
const (
	ErrorInvalidObject  uint32 = 0
	ErrorInvalidMethod  uint32 = 1
	ErrorNoMemory       uint32 = 2
	ErrorImplementation uint32 = 3
)

// ErrNoMemory reports resource exhaustion while servicing a request. The
// client receives a no_memory error and the request is abandoned.
var ErrNoMemory = errors.New("wayland: no memory")

// ProtocolError is a fatal error posted to one client. Returning one from
// a request handler sends wl_display.error and disconnects that client.
type ProtocolError struct {
	ObjectID  uint32
	Interface string
	Code      uint32
	Message   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s@%d: error %d: %s", e.Interface, e.ObjectID, e.Code, e.Message)
}
