package shortcut

import (
	"maps"
	"slices"
	"strings"
)

// BindError is the error argument of commit_failure.
type BindError uint32

const (
	BindOK               BindError = 0
	BindNameConflict     BindError = 1
	BindInvalidArgument  BindError = 2
	BindDuplicateBinding BindError = 3
	BindInternalError    BindError = 4
)

func (e BindError) String() string {
	switch e {
	case BindOK:
		return "ok"
	case BindNameConflict:
		return "name_conflict"
	case BindInvalidArgument:
		return "invalid_argument"
	case BindDuplicateBinding:
		return "duplicate_binding"
	case BindInternalError:
		return "internal_error"
	}
	return "unknown"
}

// KeyFlags select which key transitions trigger a key binding.
type KeyFlags uint32

const (
	FlagRepeat     KeyFlags = 1
	FlagKeyPress   KeyFlags = 2
	FlagKeyRelease KeyFlags = 4

	keyFlagMask = FlagRepeat | FlagKeyPress | FlagKeyRelease
)

// Direction of a swipe gesture.
type Direction uint32

const (
	DirectionUp    Direction = 1
	DirectionDown  Direction = 2
	DirectionLeft  Direction = 3
	DirectionRight Direction = 4
)

// Action is what the compositor does when a binding fires. ActionNotify
// only tells the binding client.
type Action uint32

const (
	ActionNotify Action = iota + 1
	ActionWorkspace1
	ActionWorkspace2
	ActionWorkspace3
	ActionWorkspace4
	ActionWorkspace5
	ActionWorkspace6
	ActionPrevWorkspace
	ActionNextWorkspace
	ActionShowDesktop
	ActionMaximize
	ActionCancelMaximize
	ActionMoveWindow
	ActionCloseWindow
	ActionShowWindowMenu
	ActionOpenMultitaskView
	ActionCloseMultitaskView
	ActionToggleMultitaskView
	ActionToggleFPSDisplay
	ActionLockscreen
	ActionShutdownMenu
	ActionQuit
	ActionTaskSwitchEnter
	ActionTaskSwitchNext
	ActionTaskSwitchPrev
	ActionTaskSwitchSameAppNext
	ActionTaskSwitchSameAppPrev

	actionLast = ActionTaskSwitchSameAppPrev
)

func (a Action) valid() bool {
	return a >= ActionNotify && a <= actionLast
}

type gestureKey struct {
	finger    uint32
	direction Direction // zero for hold gestures
}

// Binding is one named entry of a table.
type Binding struct {
	Name   string
	Action Action

	// Key bindings.
	Key   Key
	Flags KeyFlags

	// Gesture bindings. Direction is zero for hold gestures.
	Gesture   bool
	Fingers   uint32
	Direction Direction
}

func (b Binding) gesture() gestureKey {
	return gestureKey{finger: b.Fingers, direction: b.Direction}
}

// Table is the set of bindings of one session.
type Table struct {
	byName   map[string]Binding
	keys     map[Key]map[Action]string
	gestures map[gestureKey]map[Action]string
}

func NewTable() *Table {
	return &Table{
		byName:   make(map[string]Binding),
		keys:     make(map[Key]map[Action]string),
		gestures: make(map[gestureKey]map[Action]string),
	}
}

func (t *Table) clone() *Table {
	c := NewTable()
	maps.Copy(c.byName, t.byName)
	for k, m := range t.keys {
		c.keys[k] = maps.Clone(m)
	}
	for k, m := range t.gestures {
		c.gestures[k] = maps.Clone(m)
	}
	return c
}

func (t *Table) Len() int {
	return len(t.byName)
}

func (t *Table) Lookup(name string) (Binding, bool) {
	b, ok := t.byName[name]
	return b, ok
}

// Bindings returns every binding sorted by name.
func (t *Table) Bindings() []Binding {
	out := slices.Collect(maps.Values(t.byName))
	slices.SortFunc(out, func(a, b Binding) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// BindKey adds a key binding. A binding with the same key and action is
// replaced.
func (t *Table) BindKey(name, key string, flags KeyFlags, action Action) BindError {
	if _, ok := t.byName[name]; ok {
		return BindNameConflict
	}
	k, err := ParseKey(key)
	if err != nil || flags&^keyFlagMask != 0 || !action.valid() {
		return BindInvalidArgument
	}
	entry := t.keys[k]
	if entry == nil {
		entry = make(map[Action]string)
		t.keys[k] = entry
	}
	if prev, ok := entry[action]; ok {
		delete(t.byName, prev)
	}
	entry[action] = name
	t.byName[name] = Binding{Name: name, Action: action, Key: k, Flags: flags}
	return BindOK
}

func (t *Table) BindSwipe(name string, fingers uint32, dir Direction, action Action) BindError {
	if _, ok := t.byName[name]; ok {
		return BindNameConflict
	}
	if dir < DirectionUp || dir > DirectionRight {
		return BindInvalidArgument
	}
	return t.bindGesture(Binding{Name: name, Action: action, Gesture: true, Fingers: fingers, Direction: dir})
}

func (t *Table) BindHold(name string, fingers uint32, action Action) BindError {
	return t.bindGesture(Binding{Name: name, Action: action, Gesture: true, Fingers: fingers})
}

func (t *Table) bindGesture(b Binding) BindError {
	if _, ok := t.byName[b.Name]; ok {
		return BindNameConflict
	}
	if b.Fingers == 0 || !b.Action.valid() {
		return BindInvalidArgument
	}
	gk := b.gesture()
	entry := t.gestures[gk]
	if _, ok := entry[b.Action]; ok {
		return BindDuplicateBinding
	}
	if entry == nil {
		entry = make(map[Action]string)
		t.gestures[gk] = entry
	}
	entry[b.Action] = b.Name
	t.byName[b.Name] = b
	return BindOK
}

// Unbind removes a binding; unknown names are ignored.
func (t *Table) Unbind(name string) {
	b, ok := t.byName[name]
	if !ok {
		return
	}
	delete(t.byName, name)
	if b.Gesture {
		gk := b.gesture()
		delete(t.gestures[gk], b.Action)
		if len(t.gestures[gk]) == 0 {
			delete(t.gestures, gk)
		}
		return
	}
	delete(t.keys[b.Key], b.Action)
	if len(t.keys[b.Key]) == 0 {
		delete(t.keys, b.Key)
	}
}

// MatchKey returns the bindings on k whose flags cover every bit of flags,
// ordered by action.
func (t *Table) MatchKey(k Key, flags KeyFlags) []Binding {
	var out []Binding
	for _, a := range slices.Sorted(maps.Keys(t.keys[k])) {
		b := t.byName[t.keys[k][a]]
		if b.Flags&flags == flags {
			out = append(out, b)
		}
	}
	return out
}

// MatchGesture returns the bindings on a gesture; dir is zero for hold.
func (t *Table) MatchGesture(fingers uint32, dir Direction) []Binding {
	entry := t.gestures[gestureKey{finger: fingers, direction: dir}]
	out := make([]Binding, 0, len(entry))
	for _, a := range slices.Sorted(maps.Keys(entry)) {
		out = append(out, t.byName[entry[a]])
	}
	return out
}

type opKind int

const (
	opBindKey opKind = iota
	opBindSwipe
	opBindHold
	opUnbind
)

// op is one staged request.
type op struct {
	kind      opKind
	name      string
	key       string
	flags     KeyFlags
	fingers   uint32
	direction Direction
	action    Action
}

func (o op) apply(t *Table) BindError {
	switch o.kind {
	case opBindKey:
		return t.BindKey(o.name, o.key, o.flags, o.action)
	case opBindSwipe:
		return t.BindSwipe(o.name, o.fingers, o.direction, o.action)
	case opBindHold:
		return t.BindHold(o.name, o.fingers, o.action)
	case opUnbind:
		t.Unbind(o.name)
	}
	return BindOK
}

// applyBatch applies ops to a copy of t. On the first failure t is left
// untouched and the failing name and error are returned.
func applyBatch(t *Table, ops []op) (*Table, string, BindError) {
	next := t.clone()
	for _, o := range ops {
		if err := o.apply(next); err != BindOK {
			return t, o.name, err
		}
	}
	return next, "", BindOK
}
