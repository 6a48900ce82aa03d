package canvas

import (
	"image"
	"sync"
)

// Item is one source placed on the canvas. It is the source's view of the
// host: whether it is showing, the canvas frame rate, and its audio state.
type Item struct {
	canvas *Canvas
	id     string

	mu          sync.Mutex
	pos         image.Point
	visible     bool
	active      bool
	audioActive bool
	r           Renderer
}

func (it *Item) ID() string { return it.id }

// Attach sets the renderer the item drives.
func (it *Item) Attach(r Renderer) {
	it.mu.Lock()
	it.r = r
	it.mu.Unlock()
}

func (it *Item) renderer() Renderer {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.r
}

func (it *Item) Showing() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.visible
}

func (it *Item) Active() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.active
}

func (it *Item) SetAudioActive(active bool) {
	it.mu.Lock()
	it.audioActive = active
	it.mu.Unlock()
}

func (it *Item) AudioActive() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.audioActive
}

func (it *Item) CanvasFPS() int {
	return it.canvas.FPS()
}

func (it *Item) Position() image.Point {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.pos
}

func (it *Item) Move(to image.Point) {
	it.mu.Lock()
	it.pos = to
	it.mu.Unlock()
}

// SetVisible shows or hides the item and tells the renderer when the state
// changes.
func (it *Item) SetVisible(visible bool) {
	it.mu.Lock()
	changed := it.visible != visible
	it.visible = visible
	r := it.r
	it.mu.Unlock()
	if changed && r != nil {
		r.SetShowing(visible)
	}
}

// SetActive activates or deactivates the item's renderer when the state
// changes.
func (it *Item) SetActive(active bool) {
	it.mu.Lock()
	changed := it.active != active
	it.active = active
	r := it.r
	it.mu.Unlock()
	if !changed || r == nil {
		return
	}
	if active {
		r.Activate()
	} else {
		r.Deactivate()
	}
}
