package personalization

import (
	"context"
	"strconv"

	"github.com/linuxdeepin/treeland-sub002/internal/store"
	"github.com/linuxdeepin/treeland-sub002/internal/wayland"
)

var CursorContextInterface = &wayland.Interface{
	Name:    "treeland_personalization_cursor_context_v1",
	Version: managerVersion,
	Requests: []wayland.Message{
		{Name: "set_theme", Signature: "s"},
		{Name: "get_theme", Signature: ""},
		{Name: "set_size", Signature: "u"},
		{Name: "get_size", Signature: ""},
		{Name: "commit", Signature: ""},
		{Name: "destroy", Signature: ""},
	},
	Events: []wayland.Message{
		{Name: "theme", Signature: "s"},
		{Name: "size", Signature: "u"},
		{Name: "verify", Signature: "i"},
	},
}

const (
	cursorRequestSetTheme = iota
	cursorRequestGetTheme
	cursorRequestSetSize
	cursorRequestGetSize
	cursorRequestCommit
	cursorRequestDestroy
)

const (
	cursorEventTheme  = 0
	cursorEventSize   = 1
	cursorEventVerify = 2
)

// cursorContext stages a theme and size until commit. It only sends theme
// and size events when they differ from what this context last sent.
type cursorContext struct {
	m *Manager
	u *user

	theme string
	size  uint32

	sentTheme string
	sentSize  uint32
}

func (m *Manager) newCursorContext(res *wayland.Resource, u *user) {
	res.SetHandler(&cursorContext{m: m, u: u})
	m.display.Metrics().HandleCreated("cursor_context")
	res.OnDestroy(func(*wayland.Resource) { m.display.Metrics().HandleDestroyed("cursor_context") })
}

func (cc *cursorContext) HandleRequest(r *wayland.Resource, opcode uint16, args wayland.Args) error {
	switch opcode {
	case cursorRequestSetTheme:
		cc.theme = args.String(0)
	case cursorRequestSetSize:
		cc.size = args.Uint(0)
	case cursorRequestGetTheme:
		cc.u.when(func() { cc.sendTheme(r, cc.m.get(cc.u, cursorTheme).(string)) })
	case cursorRequestGetSize:
		cc.u.when(func() { cc.sendSize(r, cc.m.get(cc.u, cursorSize).(uint32)) })
	case cursorRequestCommit:
		theme, size := cc.theme, cc.size
		cc.theme, cc.size = "", 0
		cc.u.when(func() { cc.commit(r, theme, size) })
	case cursorRequestDestroy:
		r.Destroy()
	}
	return nil
}

// commit applies the staged values. verify reports whether they were
// stored; without a store it succeeds at once.
func (cc *cursorContext) commit(r *wayland.Resource, theme string, size uint32) {
	m, u := cc.m, cc.u
	type write struct {
		f     field
		value string
		seq   int64
	}
	var writes []write
	if size > 0 {
		writes = append(writes, write{f: cursorSize, value: strconv.FormatUint(uint64(size), 10)})
	}
	if theme != "" {
		writes = append(writes, write{f: cursorTheme, value: theme})
	}
	changed := writes[:0]
	for _, w := range writes {
		if m.update(u, w.f, w.value) {
			changed = append(changed, w)
		}
	}
	if len(changed) == 0 || !m.persistent(u) {
		r.Post(cursorEventVerify, int32(1))
		return
	}
	for i := range changed {
		changed[i].seq = m.worker.NextSeq()
	}
	ok := m.worker.Submit("put_cursor", func(ctx context.Context, s *store.Store) error {
		for _, w := range changed {
			if err := s.Put(ctx, w.seq, u.uid, w.f.scope, w.f.key, w.value); err != nil {
				return err
			}
		}
		return nil
	}, func(err error) {
		r.Post(cursorEventVerify, boolArg(err == nil))
	})
	if !ok {
		r.Post(cursorEventVerify, int32(0))
	}
}

func (cc *cursorContext) sendTheme(r *wayland.Resource, theme string) {
	if theme == cc.sentTheme {
		return
	}
	cc.sentTheme = theme
	r.Post(cursorEventTheme, theme)
}

func (cc *cursorContext) sendSize(r *wayland.Resource, size uint32) {
	if size == cc.sentSize {
		return
	}
	cc.sentSize = size
	r.Post(cursorEventSize, size)
}

func boolArg(v bool) int32 {
	if v {
		return 1
	}
	return 0
}
