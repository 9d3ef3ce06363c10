package toplevel

import (
	"image"

	"github.com/linuxdeepin/treeland-sub002/internal/protocols/core"
)

// Event is a client request forwarded to the compositor. Requests never
// change handle state themselves; the compositor answers through the
// Handle setters.
type Event interface {
	event()
}

type RequestMaximize struct {
	Handle    *Handle
	Maximized bool
}

type RequestMinimize struct {
	Handle    *Handle
	Minimized bool
}

type RequestActivate struct {
	Handle *Handle
	Seat   *core.Seat
}

// RequestFullscreen carries the output the client asked for, or nil.
type RequestFullscreen struct {
	Handle     *Handle
	Fullscreen bool
	Output     *core.Output
}

type RequestClose struct {
	Handle *Handle
}

// RectangleChanged reports where a taskbar shows the handle, relative to
// Surface.
type RectangleChanged struct {
	Handle  *Handle
	Surface *core.Surface
	Rect    image.Rectangle
}

type DockPreviewCreated struct {
	Preview *DockPreview
}

type DockPreviewShow struct {
	Preview     *DockPreview
	Identifiers []uint32
	X, Y        int32
	Direction   Direction
}

type DockPreviewTooltip struct {
	Preview   *DockPreview
	Tooltip   string
	X, Y      int32
	Direction Direction
}

type DockPreviewClose struct {
	Preview *DockPreview
}

func (RequestMaximize) event()    {}
func (RequestMinimize) event()    {}
func (RequestActivate) event()    {}
func (RequestFullscreen) event()  {}
func (RequestClose) event()       {}
func (RectangleChanged) event()   {}
func (DockPreviewCreated) event() {}
func (DockPreviewShow) event()    {}
func (DockPreviewTooltip) event() {}
func (DockPreviewClose) event()   {}
