package source

import (
	"context"
	"unicode/utf8"

	"github.com/spectrumlive/spt-notification/lib/engine"
)

// Input is forwarded to the live browser. Events arriving while the source
// is being destroyed, or with no browser, are dropped.

func (s *Source) SendMouseClick(ev engine.MouseEvent, button engine.MouseButton, up bool, clickCount int) {
	s.onBrowser("mouse click", func(ctx context.Context, b engine.Browser) error {
		return b.SendMouseClick(ctx, ev, button, up, clickCount)
	})
}

func (s *Source) SendMouseMove(ev engine.MouseEvent, leave bool) {
	s.onBrowser("mouse move", func(ctx context.Context, b engine.Browser) error {
		return b.SendMouseMove(ctx, ev, leave)
	})
}

func (s *Source) SendMouseWheel(ev engine.MouseEvent, deltaX, deltaY int) {
	s.onBrowser("mouse wheel", func(ctx context.Context, b engine.Browser) error {
		return b.SendMouseWheel(ctx, ev, deltaX, deltaY)
	})
}

func (s *Source) SendFocus(focus bool) {
	s.onBrowser("focus", func(ctx context.Context, b engine.Browser) error {
		return b.SetFocus(ctx, focus)
	})
}

// KeyInput is a host key event.
type KeyInput struct {
	NativeVKey int    `json:"native_vkey"`
	Modifiers  uint32 `json:"modifiers"`
	Text       string `json:"text"`
}

// SendKeyClick sends a raw key down or key up. A key down carrying text is
// followed by a char event for its first character.
func (s *Source) SendKeyClick(in KeyInput, up bool) {
	ev := engine.KeyEvent{
		Type:           engine.KeyRawDown,
		WindowsKeyCode: in.NativeVKey,
		Modifiers:      in.Modifiers,
		Text:           in.Text,
	}
	if up {
		ev.Type = engine.KeyUp
	}
	s.onBrowser("key", func(ctx context.Context, b engine.Browser) error {
		if err := b.SendKey(ctx, ev); err != nil {
			return err
		}
		if up || in.Text == "" {
			return nil
		}
		r, _ := utf8.DecodeRuneInString(in.Text)
		char := ev
		char.Type = engine.KeyChar
		char.WindowsKeyCode = int(r)
		char.Text = string(r)
		return b.SendKey(ctx, char)
	})
}
