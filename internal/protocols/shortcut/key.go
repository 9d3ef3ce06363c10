package shortcut

import (
	"errors"
	"fmt"
	"strings"
)

// Modifiers is a set of keyboard modifiers.
type Modifiers uint8

const (
	ModShift Modifiers = 1 << iota
	ModCtrl
	ModAlt
	ModMeta
)

func (m Modifiers) String() string {
	var parts []string
	for _, mod := range []struct {
		bit  Modifiers
		name string
	}{{ModMeta, "Meta"}, {ModCtrl, "Ctrl"}, {ModAlt, "Alt"}, {ModShift, "Shift"}} {
		if m&mod.bit != 0 {
			parts = append(parts, mod.name)
		}
	}
	return strings.Join(parts, "+")
}

// Key is a normalized key combination. Name is empty for bindings made of
// modifiers only.
type Key struct {
	Mods Modifiers
	Name string
}

func (k Key) String() string {
	switch {
	case k.Name == "":
		return k.Mods.String()
	case k.Mods == 0:
		return k.Name
	}
	return k.Mods.String() + "+" + k.Name
}

var ErrInvalidKey = errors.New("invalid key sequence")

var modifierNames = map[string]Modifiers{
	"shift":   ModShift,
	"ctrl":    ModCtrl,
	"control": ModCtrl,
	"alt":     ModAlt,
	"meta":    ModMeta,
	"super":   ModMeta,
	"super_l": ModMeta,
	"super_r": ModMeta,
}

var namedKeys = func() map[string]string {
	names := []string{
		"Escape", "Tab", "Backtab", "Backspace", "Return", "Enter", "Insert",
		"Delete", "Pause", "Print", "SysReq", "Home", "End", "Left", "Up",
		"Right", "Down", "PgUp", "PgDown", "CapsLock", "NumLock", "ScrollLock",
		"Menu", "Help", "Space",
		"VolumeDown", "VolumeUp", "VolumeMute", "MediaPlay", "MediaStop",
		"MediaPrevious", "MediaNext", "MonBrightnessUp", "MonBrightnessDown",
		"Calculator", "Explorer", "LaunchMail", "PowerOff", "Sleep", "WakeUp",
	}
	m := make(map[string]string, len(names)+35)
	for _, n := range names {
		m[strings.ToLower(n)] = n
	}
	for i := 1; i <= 35; i++ {
		n := fmt.Sprintf("F%d", i)
		m[strings.ToLower(n)] = n
	}
	m["pageup"] = "PgUp"
	m["pagedown"] = "PgDown"
	m["esc"] = "Escape"
	m["del"] = "Delete"
	m["ins"] = "Insert"
	return m
}()

// ParseKey parses a single key combination such as "Meta+Shift+A",
// "Ctrl+Alt+Delete" or "Meta". Key sequences with more than one chord are
// rejected.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, ",") {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	var k Key
	parts := strings.Split(s, "+")
	// "Ctrl++" binds the plus key.
	if strings.HasSuffix(s, "++") {
		parts = append(parts[:len(parts)-2], "+")
	}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
		}
		if mod, ok := modifierNames[strings.ToLower(p)]; ok {
			k.Mods |= mod
			continue
		}
		if k.Name != "" {
			return Key{}, fmt.Errorf("%w: %q has more than one key", ErrInvalidKey, s)
		}
		name, ok := keyName(p)
		if !ok {
			return Key{}, fmt.Errorf("%w: unknown key %q", ErrInvalidKey, p)
		}
		k.Name = name
	}
	return k, nil
}

func keyName(p string) (string, bool) {
	if len([]rune(p)) == 1 {
		return strings.ToUpper(p), true
	}
	name, ok := namedKeys[strings.ToLower(p)]
	return name, ok
}
