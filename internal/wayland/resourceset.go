package wayland

import (
	"slices"

	"github.com/linuxdeepin/treeland-sub002/internal/arena"
)

// ResourceSet tracks resources by reference, in attachment order. It never
// holds a destroyed resource: lookups skip and prune stale references, so
// a set can be iterated from a snapshot while its members are destroyed.
type ResourceSet struct {
	display *Display
	refs    []arena.ID
}

func (s *ResourceSet) Add(r *Resource) {
	if s.display == nil {
		s.display = r.client.display
	}
	if slices.Contains(s.refs, r.ref) {
		return
	}
	s.refs = append(s.refs, r.ref)
}

func (s *ResourceSet) Remove(r *Resource) {
	if i := slices.Index(s.refs, r.ref); i >= 0 {
		s.refs = slices.Delete(s.refs, i, i+1)
	}
}

// Snapshot returns the live members.
func (s *ResourceSet) Snapshot() []*Resource {
	if s.display == nil {
		return nil
	}
	out := make([]*Resource, 0, len(s.refs))
	live := s.refs[:0]
	for _, ref := range s.refs {
		if r := s.display.Lookup(ref); r != nil {
			out = append(out, r)
			live = append(live, ref)
		}
	}
	clear(s.refs[len(live):])
	s.refs = live
	return out
}

// ForClient returns the member owned by c, if any.
func (s *ResourceSet) ForClient(c *Client) *Resource {
	for _, r := range s.Snapshot() {
		if r.client == c {
			return r
		}
	}
	return nil
}

// AllForClient returns every member owned by c.
func (s *ResourceSet) AllForClient(c *Client) []*Resource {
	var out []*Resource
	for _, r := range s.Snapshot() {
		if r.client == c {
			out = append(out, r)
		}
	}
	return out
}

func (s *ResourceSet) Len() int {
	return len(s.Snapshot())
}
