// Package wayland is the server side of the Wayland object model: the
// display, its clients, their resources and the advertised globals, plus
// the wl_display, wl_registry and wl_callback core objects.
package wayland

// Message describes one request or event.
type Message struct {
	Name      string
	Signature string

	// Interfaces names the expected interface of object arguments, by
	// argument index. Missing or empty entries accept any interface.
	Interfaces []string
}

func (m *Message) interfaceAt(i int) string {
	if i < len(m.Interfaces) {
		return m.Interfaces[i]
	}
	return ""
}

// Interface is a protocol interface definition. Opcodes are slice indices.
type Interface struct {
	Name     string
	Version  uint32
	Requests []Message
	Events   []Message
}

func (i *Interface) String() string {
	return i.Name
}
