package core

import (
	"errors"
	"slices"

	"github.com/linuxdeepin/treeland-sub002/internal/arena"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
)

// wl_surface error codes.
const (
	SurfaceErrorInvalidScale      uint32 = 0
	SurfaceErrorInvalidTransform  uint32 = 1
	SurfaceErrorInvalidSize       uint32 = 2
	SurfaceErrorInvalidOffset     uint32 = 3
	SurfaceErrorDefunctRoleObject uint32 = 4
)

const (
	surfaceRequestDestroy = iota
	surfaceRequestAttach
	surfaceRequestDamage
	surfaceRequestFrame
	surfaceRequestSetOpaqueRegion
	surfaceRequestSetInputRegion
	surfaceRequestCommit
	surfaceRequestSetBufferTransform
	surfaceRequestSetBufferScale
	surfaceRequestDamageBuffer
	surfaceRequestOffset
)

const (
	surfaceEventEnter = 0
	surfaceEventLeave = 1
)

var SurfaceInterface = &wayland.Interface{
	Name:    "wl_surface",
	Version: compositorVersion,
	Requests: []wayland.Message{
		{Name: "destroy", Signature: ""},
		{Name: "attach", Signature: "?oii"},
		{Name: "damage", Signature: "iiii"},
		{Name: "frame", Signature: "n"},
		{Name: "set_opaque_region", Signature: "?o", Interfaces: []string{"wl_region"}},
		{Name: "set_input_region", Signature: "?o", Interfaces: []string{"wl_region"}},
		{Name: "commit", Signature: ""},
		{Name: "set_buffer_transform", Signature: "2i"},
		{Name: "set_buffer_scale", Signature: "3i"},
		{Name: "damage_buffer", Signature: "4iiii"},
		{Name: "offset", Signature: "5ii"},
	},
	Events: []wayland.Message{
		{Name: "enter", Signature: "o"},
		{Name: "leave", Signature: "o"},
		{Name: "preferred_buffer_scale", Signature: "6i"},
		{Name: "preferred_buffer_transform", Signature: "6u"},
	},
}

// ErrRoleTaken is returned by SetRole when the surface already has a
// different role.
var ErrRoleTaken = errors.New("surface already has another role")

// RoleCommitFunc validates a commit for the role. It runs before pending
// state is applied; an error aborts the commit and is posted to the client.
type RoleCommitFunc func(s *Surface) error

type surfaceState struct {
	buffer    arena.ID
	hasBuffer bool
	scale     int32
	transform int32
}

// Surface is the server side of a wl_surface.
type Surface struct {
	res *wayland.Resource

	pending  surfaceState
	current  surfaceState
	attached bool
	commits  uint64

	role       string
	roleObject *wayland.Resource
	roleCommit RoleCommitFunc

	pendingFrames []*wayland.Resource
	frames        []*wayland.Resource

	committed []func(*Surface)
	destroyed []func(*Surface)
}

func newSurface(res *wayland.Resource) *Surface {
	s := &Surface{
		res:     res,
		pending: surfaceState{scale: 1},
		current: surfaceState{scale: 1},
	}
	res.SetData(s)
	res.SetHandler(s)
	res.OnDestroy(func(*wayland.Resource) {
		for _, fn := range slices.Clone(s.destroyed) {
			fn(s)
		}
		s.destroyed = nil
		s.committed = nil
		for _, cb := range append(s.pendingFrames, s.frames...) {
			cb.Destroy()
		}
	})
	return s
}

// SurfaceFromResource returns the surface behind a wl_surface resource.
func SurfaceFromResource(r *wayland.Resource) *Surface {
	if r == nil {
		return nil
	}
	s, _ := r.Data().(*Surface)
	return s
}

func (s *Surface) Resource() *wayland.Resource {
	return s.res
}

func (s *Surface) Client() *wayland.Client {
	return s.res.Client()
}

func (s *Surface) Alive() bool {
	return s.res.Alive()
}

// Role returns the role name, or "" if none was ever assigned.
func (s *Surface) Role() string {
	return s.role
}

// SetRole assigns role to the surface. A surface keeps its role for life:
// assigning the same role again is allowed once the previous role object
// is gone, assigning a different one fails with ErrRoleTaken.
func (s *Surface) SetRole(role string, object *wayland.Resource, commit RoleCommitFunc) error {
	if s.role != "" && s.role != role {
		return ErrRoleTaken
	}
	if s.roleObject.Alive() {
		return ErrRoleTaken
	}
	s.role = role
	s.roleObject = object
	s.roleCommit = commit
	return nil
}

// ClearRoleObject detaches the role object, keeping the role name.
func (s *Surface) ClearRoleObject() {
	s.roleObject = nil
	s.roleCommit = nil
}

func (s *Surface) RoleObject() *wayland.Resource {
	if !s.roleObject.Alive() {
		return nil
	}
	return s.roleObject
}

// PendingBuffer reports the buffer that the next commit will apply.
// attached is false when no attach happened since the last commit.
func (s *Surface) PendingBuffer() (buffer *wayland.Resource, attached bool) {
	if !s.attached {
		return s.Buffer(), false
	}
	if !s.pending.hasBuffer {
		return nil, true
	}
	return s.res.Client().Display().Lookup(s.pending.buffer), true
}

// Buffer is the committed buffer, or nil.
func (s *Surface) Buffer() *wayland.Resource {
	if !s.current.hasBuffer {
		return nil
	}
	return s.res.Client().Display().Lookup(s.current.buffer)
}

// HasPendingBuffer reports whether the surface will have a buffer after
// the next commit.
func (s *Surface) HasPendingBuffer() bool {
	if s.attached {
		return s.pending.hasBuffer
	}
	return s.current.hasBuffer
}

func (s *Surface) Scale() int32 {
	return s.current.scale
}

func (s *Surface) Commits() uint64 {
	return s.commits
}

// OnCommit registers fn to run after each applied commit.
func (s *Surface) OnCommit(fn func(*Surface)) {
	s.committed = append(s.committed, fn)
}

// OnDestroy registers fn to run when the surface is destroyed.
func (s *Surface) OnDestroy(fn func(*Surface)) {
	s.destroyed = append(s.destroyed, fn)
}

// Enter and Leave tell the client the surface is shown on an output.
func (s *Surface) Enter(o *Output) {
	for _, r := range o.ResourcesFor(s.Client()) {
		s.res.Post(surfaceEventEnter, r)
	}
}

func (s *Surface) Leave(o *Output) {
	for _, r := range o.ResourcesFor(s.Client()) {
		s.res.Post(surfaceEventLeave, r)
	}
}

// SendFrameDone completes the frame callbacks of the last commit.
func (s *Surface) SendFrameDone(msec uint32) {
	frames := s.frames
	s.frames = nil
	for _, cb := range frames {
		cb.Post(0, msec)
		cb.Destroy()
	}
}

func (s *Surface) HandleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	switch opcode {
	case surfaceRequestDestroy:
		r.Destroy()
	case surfaceRequestAttach:
		if r.Version() >= 5 && (args.Int(1) != 0 || args.Int(2) != 0) {
			return r.Errorf(SurfaceErrorInvalidOffset, "attach offset must be zero")
		}
		s.attached = true
		if buf := args.Object(0); buf != nil {
			s.pending.buffer = buf.Ref()
			s.pending.hasBuffer = true
		} else {
			s.pending.hasBuffer = false
		}
	case surfaceRequestFrame:
		cb, err := r.Client().NewResource(args.NewID(0), wayland.CallbackInterface, 1, nil)
		if err != nil {
			return err
		}
		s.pendingFrames = append(s.pendingFrames, cb)
	case surfaceRequestCommit:
		return s.commit()
	case surfaceRequestSetBufferTransform:
		t := args.Int(0)
		if t < 0 || t > 7 {
			return r.Errorf(SurfaceErrorInvalidTransform, "buffer transform %d is invalid", t)
		}
		s.pending.transform = t
	case surfaceRequestSetBufferScale:
		scale := args.Int(0)
		if scale < 1 {
			return r.Errorf(SurfaceErrorInvalidScale, "buffer scale %d is invalid", scale)
		}
		s.pending.scale = scale
	case surfaceRequestDamage, surfaceRequestDamageBuffer,
		surfaceRequestSetOpaqueRegion, surfaceRequestSetInputRegion, surfaceRequestOffset:
		// Damage and regions only matter to rendering.
	}
	return nil
}

func (s *Surface) commit() error {
	if s.roleCommit != nil {
		if err := s.roleCommit(s); err != nil {
			return err
		}
	}
	if s.attached {
		s.current.buffer = s.pending.buffer
		s.current.hasBuffer = s.pending.hasBuffer
		s.attached = false
	}
	s.current.scale = s.pending.scale
	s.current.transform = s.pending.transform
	s.frames = append(s.frames, s.pendingFrames...)
	s.pendingFrames = nil
	s.commits++
	for _, fn := range slices.Clone(s.committed) {
		fn(s)
	}
	return nil
}
