// Package enginetest provides a recording in-memory engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/spectrumlive/spt-notification/lib/engine"
)

type Engine struct {
	mu       sync.Mutex
	browsers []*Browser
	closed   bool

	// CreateErr, when set, fails every CreateBrowser call.
	CreateErr error
	// OnClose runs inside Browser.Close, before the browser is marked
	// closed.
	OnClose func(b *Browser)
}

func New() *Engine {
	return &Engine{}
}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) CreateBrowser(_ context.Context, spec engine.Spec, client engine.Client) (engine.Browser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("engine closed")
	}
	if e.CreateErr != nil {
		return nil, e.CreateErr
	}
	b := &Browser{
		engine: e,
		id:     fmt.Sprintf("browser-%d", len(e.browsers)+1),
		spec:   spec,
		client: client,
		width:  spec.Width,
		height: spec.Height,
		fps:    spec.FPS,
		muted:  spec.MuteAudio,
	}
	e.browsers = append(e.browsers, b)
	return b, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Creates returns the number of browsers created so far.
func (e *Engine) Creates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.browsers)
}

// Closes returns the number of browsers closed so far.
func (e *Engine) Closes() int {
	n := 0
	for _, b := range e.Browsers() {
		if b.Closed() {
			n++
		}
	}
	return n
}

func (e *Engine) Browsers() []*Browser {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Browser(nil), e.browsers...)
}

// Last returns the most recently created browser, or nil.
func (e *Engine) Last() *Browser {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.browsers) == 0 {
		return nil
	}
	return e.browsers[len(e.browsers)-1]
}

// Live returns the browsers that have not been closed.
func (e *Engine) Live() []*Browser {
	var out []*Browser
	for _, b := range e.Browsers() {
		if !b.Closed() {
			out = append(out, b)
		}
	}
	return out
}

type Browser struct {
	engine *Engine
	id     string
	spec   engine.Spec
	client engine.Client

	mu       sync.Mutex
	calls    []string
	messages []engine.ProcessMessage
	replies  []engine.HostReply
	keys     []engine.KeyEvent
	closed   bool
	hidden   bool
	focused  bool
	muted    bool
	width    int
	height   int
	fps      int
}

var _ engine.Browser = (*Browser)(nil)

func (b *Browser) ID() string { return b.id }
func (b *Browser) Spec() engine.Spec { return b.spec }
func (b *Browser) Client() engine.Client { return b.client }

func (b *Browser) record(call string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
	if b.closed {
		return fmt.Errorf("%s: browser %s closed", call, b.id)
	}
	return nil
}

func (b *Browser) WasHidden(_ context.Context, hidden bool) error {
	if err := b.record(fmt.Sprintf("WasHidden(%t)", hidden)); err != nil {
		return err
	}
	b.mu.Lock()
	b.hidden = hidden
	b.mu.Unlock()
	return nil
}

func (b *Browser) Resize(_ context.Context, width, height int) error {
	if err := b.record(fmt.Sprintf("Resize(%d,%d)", width, height)); err != nil {
		return err
	}
	b.mu.Lock()
	b.width, b.height = width, height
	b.mu.Unlock()
	return nil
}

func (b *Browser) WasResized(context.Context) error { return b.record("WasResized") }
func (b *Browser) Invalidate(context.Context) error { return b.record("Invalidate") }
func (b *Browser) ReloadIgnoreCache(context.Context) error {
	return b.record("ReloadIgnoreCache")
}

func (b *Browser) SendProcessMessage(_ context.Context, msg engine.ProcessMessage) error {
	if err := b.record("SendProcessMessage(" + msg.Name + ")"); err != nil {
		return err
	}
	b.mu.Lock()
	b.messages = append(b.messages, msg)
	b.mu.Unlock()
	return nil
}

func (b *Browser) SetAudioMuted(_ context.Context, muted bool) error {
	if err := b.record(fmt.Sprintf("SetAudioMuted(%t)", muted)); err != nil {
		return err
	}
	b.mu.Lock()
	b.muted = muted
	b.mu.Unlock()
	return nil
}

func (b *Browser) SetFocus(_ context.Context, focus bool) error {
	if err := b.record(fmt.Sprintf("SetFocus(%t)", focus)); err != nil {
		return err
	}
	b.mu.Lock()
	b.focused = focus
	b.mu.Unlock()
	return nil
}

func (b *Browser) SetFrameRate(_ context.Context, fps int) error {
	if err := b.record(fmt.Sprintf("SetFrameRate(%d)", fps)); err != nil {
		return err
	}
	b.mu.Lock()
	b.fps = fps
	b.mu.Unlock()
	return nil
}

func (b *Browser) SendMouseClick(_ context.Context, ev engine.MouseEvent, button engine.MouseButton, up bool, clickCount int) error {
	return b.record(fmt.Sprintf("SendMouseClick(%d,%d,%s,%t,%d)", ev.X, ev.Y, button, up, clickCount))
}

func (b *Browser) SendMouseMove(_ context.Context, ev engine.MouseEvent, leave bool) error {
	return b.record(fmt.Sprintf("SendMouseMove(%d,%d,%t)", ev.X, ev.Y, leave))
}

func (b *Browser) SendMouseWheel(_ context.Context, ev engine.MouseEvent, dx, dy int) error {
	return b.record(fmt.Sprintf("SendMouseWheel(%d,%d,%d,%d)", ev.X, ev.Y, dx, dy))
}

func (b *Browser) SendKey(_ context.Context, ev engine.KeyEvent) error {
	if err := b.record(fmt.Sprintf("SendKey(%d,%d)", ev.Type, ev.WindowsKeyCode)); err != nil {
		return err
	}
	b.mu.Lock()
	b.keys = append(b.keys, ev)
	b.mu.Unlock()
	return nil
}

func (b *Browser) Reply(_ context.Context, reply engine.HostReply) error {
	if err := b.record("Reply(" + reply.ID + ")"); err != nil {
		return err
	}
	b.mu.Lock()
	b.replies = append(b.replies, reply)
	b.mu.Unlock()
	return nil
}

// Close fails without closing when ctx has ended, as a DevTools write would.
func (b *Browser) Close(ctx context.Context, force bool) error {
	if err := b.record(fmt.Sprintf("Close(%t)", force)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("close browser %s: %w", b.id, err)
	}
	if hook := b.engine.OnClose; hook != nil {
		hook(b)
	}
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Paint delivers a solid frame of the browser's current size to its client.
func (b *Browser) Paint(c [4]uint8) {
	b.mu.Lock()
	w, h := b.width, b.height
	b.mu.Unlock()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		copy(img.Pix[i:i+4], c[:])
	}
	b.client.OnPaint(engine.Frame{Image: img, Timestamp: time.Now()})
}

func (b *Browser) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *Browser) Messages() []engine.ProcessMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]engine.ProcessMessage(nil), b.messages...)
}

// MessagesNamed returns the recorded messages with the given name.
func (b *Browser) MessagesNamed(name string) []engine.ProcessMessage {
	var out []engine.ProcessMessage
	for _, m := range b.Messages() {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

func (b *Browser) Replies() []engine.HostReply {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]engine.HostReply(nil), b.replies...)
}

func (b *Browser) Keys() []engine.KeyEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]engine.KeyEvent(nil), b.keys...)
}

func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Browser) Hidden() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hidden
}

func (b *Browser) Muted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.muted
}

func (b *Browser) Size() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.width, b.height
}

func (b *Browser) FrameRate() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fps
}
