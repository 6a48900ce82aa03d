// Package engine defines the boundary between notification sources and the
// browser engine that renders them.
//
// All Browser methods are called from the task bridge's engine goroutine.
// Client callbacks may arrive on any goroutine.
package engine

import (
	"context"
	"encoding/json"
	"image"
	"time"

	"github.com/spectrumlive/spt-notification/lib/settings"
)

// Spec describes a browser instance to create.
type Spec struct {
	URL          string
	Width        int
	Height       int
	FPS          int
	CSS          string
	ControlLevel settings.ControlLevel
	// MuteAudio is set when audio is rerouted to the host.
	MuteAudio bool
	// Local reports whether URL points at a local file.
	Local bool
	// HostCalls names the functions the page API exposes.
	HostCalls []string
}

type Engine interface {
	// CreateBrowser creates a browser instance and returns once it exists.
	// Navigation continues asynchronously; failures arrive via
	// Client.OnLoadError.
	CreateBrowser(ctx context.Context, spec Spec, client Client) (Browser, error)
	Close() error
}

type Browser interface {
	ID() string

	WasHidden(ctx context.Context, hidden bool) error
	// Resize changes the view size, the equivalent of an auto-resize
	// notification from the display handler.
	Resize(ctx context.Context, width, height int) error
	WasResized(ctx context.Context) error
	// Invalidate asks for a fresh frame of the whole view.
	Invalidate(ctx context.Context) error

	SendProcessMessage(ctx context.Context, msg ProcessMessage) error
	ReloadIgnoreCache(ctx context.Context) error
	SetAudioMuted(ctx context.Context, muted bool) error
	SetFocus(ctx context.Context, focus bool) error
	SetFrameRate(ctx context.Context, fps int) error

	SendMouseClick(ctx context.Context, ev MouseEvent, button MouseButton, up bool, clickCount int) error
	SendMouseMove(ctx context.Context, ev MouseEvent, leave bool) error
	SendMouseWheel(ctx context.Context, ev MouseEvent, deltaX, deltaY int) error
	SendKey(ctx context.Context, ev KeyEvent) error

	// Reply answers a host call made by the page.
	Reply(ctx context.Context, reply HostReply) error

	// Close closes the instance. force skips the page's unload handlers.
	Close(ctx context.Context, force bool) error
}

// Client receives callbacks for one browser instance.
type Client interface {
	OnPaint(frame Frame)
	OnLoadError(url string, errorText string)
	OnHostCall(call HostCall)
}

// Frame is one rendered view. Image holds premultiplied RGBA pixels.
type Frame struct {
	Image     *image.RGBA
	Timestamp time.Time
}

const (
	MsgDispatchJSEvent = "DispatchJSEvent"
	MsgVisibility      = "Visibility"
	MsgActive          = "Active"
)

// ProcessMessage is a named message delivered into the page's script
// context. Args hold strings or booleans.
type ProcessMessage struct {
	Name string `json:"name"`
	Args []any  `json:"args"`
}

// DispatchJSEventMessage carries an event name and its JSON payload. The
// payload is passed through unexamined.
func DispatchJSEventMessage(eventName, jsonString string) ProcessMessage {
	return ProcessMessage{Name: MsgDispatchJSEvent, Args: []any{eventName, jsonString}}
}

func VisibilityMessage(visible bool) ProcessMessage {
	return ProcessMessage{Name: MsgVisibility, Args: []any{visible}}
}

func ActiveMessage(active bool) ProcessMessage {
	return ProcessMessage{Name: MsgActive, Args: []any{active}}
}

type MouseButton int

const (
	MouseLeft MouseButton = iota
	MouseMiddle
	MouseRight
)

func (b MouseButton) String() string {
	switch b {
	case MouseMiddle:
		return "middle"
	case MouseRight:
		return "right"
	default:
		return "left"
	}
}

// Modifier flags, matching the host's interaction modifiers.
const (
	ModShift   uint32 = 1 << 1
	ModControl uint32 = 1 << 2
	ModAlt     uint32 = 1 << 3
	ModCommand uint32 = 1 << 7
)

type MouseEvent struct {
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Modifiers uint32 `json:"modifiers"`
}

type KeyEventType int

const (
	KeyRawDown KeyEventType = iota
	KeyUp
	KeyChar
)

type KeyEvent struct {
	Type KeyEventType
	// WindowsKeyCode is the virtual key code.
	WindowsKeyCode int
	Modifiers      uint32
	Text           string
}

// HostCall is a request from the page to the host, such as getStatus.
type HostCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type HostReply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
