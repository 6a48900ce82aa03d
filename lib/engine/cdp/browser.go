package cdp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/spectrumlive/spt-notification/lib/engine"
)

const eventBuffer = 256

type cdpEvent struct {
	method string
	params json.RawMessage
}

// Browser is one page target. Events for its session are handled in order
// on a dedicated goroutine.
type Browser struct {
	e         *Engine
	logger    *slog.Logger
	targetID  string
	sessionID string
	client    engine.Client

	events    chan cdpEvent
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	url       string
	width     int
	height    int
	fps       int
	hidden    bool
	lastFrame time.Time
	// documents maps main-frame document request ids to their URL.
	documents map[string]string
	// failed holds loader ids whose failure was already reported.
	failed map[string]bool
}

var _ engine.Browser = (*Browser)(nil)

func newBrowser(e *Engine, targetID, sessionID string, spec engine.Spec, client engine.Client) *Browser {
	return &Browser{
		e:         e,
		logger:    e.logger.With("target", targetID),
		targetID:  targetID,
		sessionID: sessionID,
		client:    client,
		events:    make(chan cdpEvent, eventBuffer),
		done:      make(chan struct{}),
		url:       spec.URL,
		width:     spec.Width,
		height:    spec.Height,
		fps:       spec.FPS,
		documents: make(map[string]string),
		failed:    make(map[string]bool),
	}
}

func (b *Browser) ID() string { return b.targetID }

func (b *Browser) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return b.e.conn.send(ctx, method, params, b.sessionID)
}

func (b *Browser) setup(ctx context.Context, script string) error {
	steps := []struct {
		method string
		params any
	}{
		{"Page.enable", nil},
		{"Runtime.enable", nil},
		{"Network.enable", nil},
		{"Runtime.addBinding", map[string]any{"name": bindingName}},
		{"Page.addScriptToEvaluateOnNewDocument", map[string]any{"source": script}},
		{"Emulation.setDeviceMetricsOverride", b.metrics()},
		{"Emulation.setDefaultBackgroundColorOverride", map[string]any{
			"color": map[string]any{"r": 0, "g": 0, "b": 0, "a": 0},
		}},
	}
	for _, s := range steps {
		if _, err := b.call(ctx, s.method, s.params); err != nil {
			return fmt.Errorf("set up browser: %w", err)
		}
	}

	raw, err := b.call(ctx, "Page.navigate", map[string]any{"url": b.url})
	if err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	var nav struct {
		LoaderID  string `json:"loaderId"`
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(raw, &nav); err == nil && nav.ErrorText != "" {
		b.loadFailed(nav.LoaderID, b.url, nav.ErrorText)
	}

	return b.startScreencast(ctx)
}

func (b *Browser) metrics() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"width":             b.width,
		"height":            b.height,
		"deviceScaleFactor": 1,
		"mobile":            false,
	}
}

func (b *Browser) startScreencast(ctx context.Context) error {
	b.mu.Lock()
	w, h := b.width, b.height
	b.mu.Unlock()
	_, err := b.call(ctx, "Page.startScreencast", map[string]any{
		"format":        "png",
		"maxWidth":      w,
		"maxHeight":     h,
		"everyNthFrame": 1,
	})
	return err
}

func (b *Browser) stopScreencast(ctx context.Context) error {
	_, err := b.call(ctx, "Page.stopScreencast", nil)
	return err
}

// enqueue is called from the connection's read loop.
func (b *Browser) enqueue(method string, params json.RawMessage) {
	select {
	case b.events <- cdpEvent{method: method, params: params}:
	case <-b.done:
	}
}

func (b *Browser) run() {
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.events:
			b.handleEvent(ev)
		}
	}
}

func (b *Browser) handleEvent(ev cdpEvent) {
	switch ev.method {
	case "Page.screencastFrame":
		var p struct {
			Data      string `json:"data"`
			SessionID int    `json:"sessionId"`
		}
		if err := json.Unmarshal(ev.params, &p); err != nil {
			b.logger.Error("bad screencast frame", "err", err)
			return
		}
		go b.ackFrame(p.SessionID)
		if !b.wantFrame(time.Now()) {
			return
		}
		b.paint(p.Data)

	case "Runtime.bindingCalled":
		var p struct {
			Name    string `json:"name"`
			Payload string `json:"payload"`
		}
		if err := json.Unmarshal(ev.params, &p); err != nil || p.Name != bindingName {
			return
		}
		var call engine.HostCall
		if err := json.Unmarshal([]byte(p.Payload), &call); err != nil || call.Name == "" {
			b.logger.Debug("ignoring malformed host call", "payload", p.Payload)
			return
		}
		b.client.OnHostCall(call)

	case "Network.requestWillBeSent":
		var p struct {
			RequestID string `json:"requestId"`
			FrameID   string `json:"frameId"`
			Type      string `json:"type"`
			Request   struct {
				URL string `json:"url"`
			} `json:"request"`
		}
		if err := json.Unmarshal(ev.params, &p); err != nil {
			return
		}
		// The main frame of a page target shares the target's id.
		if p.Type == "Document" && p.FrameID == b.targetID {
			b.mu.Lock()
			b.documents[p.RequestID] = p.Request.URL
			b.mu.Unlock()
		}

	case "Network.loadingFinished":
		var p struct {
			RequestID string `json:"requestId"`
		}
		if json.Unmarshal(ev.params, &p) == nil {
			b.mu.Lock()
			delete(b.documents, p.RequestID)
			b.mu.Unlock()
		}

	case "Network.loadingFailed":
		var p struct {
			RequestID string `json:"requestId"`
			LoaderID  string `json:"loaderId"`
			ErrorText string `json:"errorText"`
			Canceled  bool   `json:"canceled"`
		}
		if err := json.Unmarshal(ev.params, &p); err != nil {
			return
		}
		b.mu.Lock()
		url, ok := b.documents[p.RequestID]
		delete(b.documents, p.RequestID)
		b.mu.Unlock()
		if ok && !p.Canceled {
			b.loadFailed(p.LoaderID, url, p.ErrorText)
		}

	case "Inspector.detached", "Target.detachedFromTarget":
		b.logger.Debug("page detached", "event", ev.method)
	}
}

// loadFailed reports a main-frame load failure once per navigation.
func (b *Browser) loadFailed(loaderID, url, errorText string) {
	b.mu.Lock()
	if loaderID != "" {
		if b.failed[loaderID] {
			b.mu.Unlock()
			return
		}
		b.failed[loaderID] = true
	}
	b.mu.Unlock()
	b.client.OnLoadError(url, errorText)
}

func (b *Browser) ackFrame(id int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.call(ctx, "Page.screencastFrameAck", map[string]any{"sessionId": id}); err != nil {
		b.logger.Debug("failed to ack screencast frame", "err", err)
	}
}

// wantFrame throttles frames to the browser's frame rate and drops them
// while hidden.
func (b *Browser) wantFrame(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hidden {
		return false
	}
	if b.fps > 0 && !b.lastFrame.IsZero() && now.Sub(b.lastFrame) < time.Second/time.Duration(b.fps) {
		return false
	}
	b.lastFrame = now
	return true
}

func (b *Browser) paint(data string) {
	img, err := decodeFrame(data)
	if err != nil {
		b.logger.Error("failed to decode frame", "err", err)
		return
	}
	b.client.OnPaint(engine.Frame{Image: img, Timestamp: time.Now()})
}

// decodeFrame turns a base64 encoded image into premultiplied RGBA.
func decodeFrame(data string) (*image.RGBA, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if rgba, ok := src.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba, nil
	}
	r := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst, nil
}

func (b *Browser) WasHidden(ctx context.Context, hidden bool) error {
	b.mu.Lock()
	changed := b.hidden != hidden
	b.hidden = hidden
	b.mu.Unlock()
	if !changed {
		return nil
	}
	if hidden {
		return b.stopScreencast(ctx)
	}
	return b.startScreencast(ctx)
}

func (b *Browser) Resize(ctx context.Context, width, height int) error {
	b.mu.Lock()
	b.width, b.height = width, height
	b.mu.Unlock()
	_, err := b.call(ctx, "Emulation.setDeviceMetricsOverride", b.metrics())
	return err
}

// WasResized restarts the screencast so frames follow the new size.
func (b *Browser) WasResized(ctx context.Context) error {
	b.mu.Lock()
	hidden := b.hidden
	b.mu.Unlock()
	if hidden {
		return nil
	}
	if err := b.stopScreencast(ctx); err != nil {
		return err
	}
	return b.startScreencast(ctx)
}

func (b *Browser) Invalidate(ctx context.Context) error {
	b.mu.Lock()
	hidden := b.hidden
	b.mu.Unlock()
	if hidden {
		return nil
	}
	raw, err := b.call(ctx, "Page.captureScreenshot", map[string]any{
		"format":      "png",
		"fromSurface": true,
	})
	if err != nil {
		return err
	}
	var shot struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &shot); err != nil {
		return fmt.Errorf("parse screenshot: %w", err)
	}
	b.paint(shot.Data)
	return nil
}

func (b *Browser) evaluate(ctx context.Context, expression string) error {
	raw, err := b.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
	})
	if err != nil {
		return err
	}
	var res struct {
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("unmarshal eval result: %w", err)
	}
	if res.ExceptionDetails != nil {
		msg := res.ExceptionDetails.Text
		if res.ExceptionDetails.Exception.Description != "" {
			msg = res.ExceptionDetails.Exception.Description
		}
		return fmt.Errorf("JS exception: %s", msg)
	}
	return nil
}

func (b *Browser) SendProcessMessage(ctx context.Context, msg engine.ProcessMessage) error {
	return b.evaluate(ctx, receiveExpression(msg))
}

func (b *Browser) Reply(ctx context.Context, reply engine.HostReply) error {
	return b.evaluate(ctx, resolveExpression(reply))
}

func (b *Browser) ReloadIgnoreCache(ctx context.Context) error {
	_, err := b.call(ctx, "Page.reload", map[string]any{"ignoreCache": true})
	return err
}

func (b *Browser) SetAudioMuted(ctx context.Context, muted bool) error {
	return b.evaluate(ctx, muteExpression(muted))
}

func (b *Browser) SetFocus(ctx context.Context, focus bool) error {
	_, err := b.call(ctx, "Emulation.setFocusEmulationEnabled", map[string]any{"enabled": focus})
	return err
}

func (b *Browser) SetFrameRate(_ context.Context, fps int) error {
	b.mu.Lock()
	b.fps = fps
	b.mu.Unlock()
	return nil
}

// modifiers converts host modifier flags to the DevTools bit field.
func modifiers(m uint32) int {
	var out int
	if m&engine.ModAlt != 0 {
		out |= 1
	}
	if m&engine.ModControl != 0 {
		out |= 2
	}
	if m&engine.ModCommand != 0 {
		out |= 4
	}
	if m&engine.ModShift != 0 {
		out |= 8
	}
	return out
}

func (b *Browser) mouse(ctx context.Context, params map[string]any) error {
	_, err := b.call(ctx, "Input.dispatchMouseEvent", params)
	return err
}

func (b *Browser) SendMouseClick(ctx context.Context, ev engine.MouseEvent, button engine.MouseButton, up bool, clickCount int) error {
	typ := "mousePressed"
	if up {
		typ = "mouseReleased"
	}
	return b.mouse(ctx, map[string]any{
		"type":       typ,
		"x":          ev.X,
		"y":          ev.Y,
		"modifiers":  modifiers(ev.Modifiers),
		"button":     button.String(),
		"clickCount": clickCount,
	})
}

func (b *Browser) SendMouseMove(ctx context.Context, ev engine.MouseEvent, leave bool) error {
	x, y := ev.X, ev.Y
	if leave {
		x, y = -1, -1
	}
	return b.mouse(ctx, map[string]any{
		"type":      "mouseMoved",
		"x":         x,
		"y":         y,
		"modifiers": modifiers(ev.Modifiers),
	})
}

// SendMouseWheel takes host deltas, positive meaning up or left.
func (b *Browser) SendMouseWheel(ctx context.Context, ev engine.MouseEvent, deltaX, deltaY int) error {
	return b.mouse(ctx, map[string]any{
		"type":      "mouseWheel",
		"x":         ev.X,
		"y":         ev.Y,
		"modifiers": modifiers(ev.Modifiers),
		"deltaX":    -deltaX,
		"deltaY":    -deltaY,
	})
}

func (b *Browser) SendKey(ctx context.Context, ev engine.KeyEvent) error {
	params := map[string]any{
		"modifiers":             modifiers(ev.Modifiers),
		"windowsVirtualKeyCode": ev.WindowsKeyCode,
	}
	switch ev.Type {
	case engine.KeyRawDown:
		params["type"] = "rawKeyDown"
	case engine.KeyUp:
		params["type"] = "keyUp"
	case engine.KeyChar:
		params["type"] = "char"
		params["text"] = ev.Text
	default:
		return fmt.Errorf("unknown key event type %d", ev.Type)
	}
	_, err := b.call(ctx, "Input.dispatchKeyEvent", params)
	return err
}

// Close closes the page target. Without force the page runs its unload
// handlers first.
func (b *Browser) Close(ctx context.Context, force bool) error {
	var err error
	b.closeOnce.Do(func() {
		if force {
			_, err = b.e.conn.send(ctx, "Target.closeTarget", map[string]any{"targetId": b.targetID}, "")
		} else {
			_, err = b.call(ctx, "Page.close", nil)
		}
		b.e.conn.unsubscribe(b.sessionID)
		close(b.done)
	})
	return err
}
