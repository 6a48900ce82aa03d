package source

import (
	"sync/atomic"

	"github.com/spectrumlive/spt-notification/lib/engine"
)

// instance is one live browser together with the client it was created
// with. version increases with every browser a source creates.
type instance struct {
	browser engine.Browser
	client  *client
	version uint64
}

// browserSlot holds the source's current browser. Readers load it without
// locking; lifecycle code swaps it.
type browserSlot struct {
	ptr  atomic.Pointer[instance]
	next atomic.Uint64
}

func (s *browserSlot) load() *instance {
	return s.ptr.Load()
}

// store installs a new instance and returns the one it replaced.
func (s *browserSlot) store(b engine.Browser, c *client) (cur, old *instance) {
	cur = &instance{browser: b, client: c, version: s.next.Add(1)}
	return cur, s.ptr.Swap(cur)
}

// take empties the slot and returns what it held.
func (s *browserSlot) take() *instance {
	return s.ptr.Swap(nil)
}

func (s *browserSlot) isCurrent(inst *instance) bool {
	return inst != nil && s.ptr.Load() == inst
}
