package source

import (
	"sync/atomic"

	"github.com/spectrumlive/spt-notification/lib/engine"
)

// client receives engine callbacks for one browser. Its reference to the
// source is cleared on the engine goroutine before the browser is closed
// and before the source is released, so late callbacks find nothing.
type client struct {
	src atomic.Pointer[Source]
}

var _ engine.Client = (*client)(nil)

func newClient(s *Source) *client {
	c := &client{}
	c.src.Store(s)
	return c
}

func (c *client) source() *Source {
	return c.src.Load()
}

func (c *client) detach() {
	c.src.Store(nil)
}

func (c *client) OnPaint(frame engine.Frame) {
	if s := c.source(); s != nil {
		s.onPaint(frame)
	}
}

func (c *client) OnLoadError(url, errorText string) {
	if s := c.source(); s != nil {
		s.logger.Warn("page failed to load", "url", url, "err", errorText)
	}
}

func (c *client) OnHostCall(call engine.HostCall) {
	if s := c.source(); s != nil {
		s.onHostCall(c, call)
	}
}
