// Package canvas is the compositing loop that drives notification sources:
// every frame it ticks each item and draws the visible ones, bottom first.
package canvas

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/spectrumlive/spt-notification/lib/logger"
)

// Renderer is what the canvas drives each frame.
type Renderer interface {
	Tick()
	Render(dst draw.Image, at image.Point)
	SetShowing(showing bool)
	Activate()
	Deactivate()
}

type Canvas struct {
	logger *slog.Logger
	width  int
	height int

	fps     atomic.Int32
	retimed chan struct{}

	mu    sync.Mutex
	items []*Item

	frame  atomic.Pointer[image.RGBA]
	frames atomic.Uint64
}

func New(width, height, fps int, log *slog.Logger) (*Canvas, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid canvas size %dx%d", width, height)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("invalid canvas fps %d", fps)
	}
	if log == nil {
		log = logger.Discard()
	}
	c := &Canvas{
		logger:  log,
		width:   width,
		height:  height,
		retimed: make(chan struct{}, 1),
	}
	c.fps.Store(int32(fps))
	return c, nil
}

func (c *Canvas) Size() (int, int) { return c.width, c.height }

func (c *Canvas) FPS() int { return int(c.fps.Load()) }

// SetFPS changes the loop rate. Sources that match the canvas rate pick the
// new value up on their next tick.
func (c *Canvas) SetFPS(fps int) error {
	if fps <= 0 {
		return fmt.Errorf("invalid canvas fps %d", fps)
	}
	if int(c.fps.Swap(int32(fps))) != fps {
		select {
		case c.retimed <- struct{}{}:
		default:
		}
		c.logger.Info("canvas frame rate changed", "fps", fps)
	}
	return nil
}

// Add places a new, hidden item on top of the scene.
func (c *Canvas) Add(id string, at image.Point) (*Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range c.items {
		if it.id == id {
			return nil, fmt.Errorf("canvas item %s already exists", id)
		}
	}
	it := &Item{canvas: c, id: id, pos: at}
	c.items = append(c.items, it)
	return it, nil
}

func (c *Canvas) Item(id string) (*Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range c.items {
		if it.id == id {
			return it, true
		}
	}
	return nil, false
}

// Items returns the items bottom to top.
func (c *Canvas) Items() []*Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.items)
}

// Remove takes the item off the canvas. It reports whether it was present.
func (c *Canvas) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.IndexFunc(c.items, func(it *Item) bool { return it.id == id })
	if i < 0 {
		return false
	}
	c.items = slices.Delete(c.items, i, i+1)
	return true
}

// Run drives the loop until ctx ends.
func (c *Canvas) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval())
	defer ticker.Stop()
	c.logger.Info("canvas loop started", "width", c.width, "height", c.height, "fps", c.FPS())
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("canvas loop stopped", "frames", c.frames.Load())
			return nil
		case <-c.retimed:
			ticker.Reset(c.interval())
		case <-ticker.C:
			c.RenderFrame()
		}
	}
}

func (c *Canvas) interval() time.Duration {
	return time.Second / time.Duration(c.FPS())
}

// RenderFrame ticks every item and composites the visible ones onto a
// transparent frame, which becomes the latest snapshot.
func (c *Canvas) RenderFrame() *image.RGBA {
	items := c.Items()
	for _, it := range items {
		if r := it.renderer(); r != nil {
			r.Tick()
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	for _, it := range items {
		r := it.renderer()
		if r == nil || !it.Showing() {
			continue
		}
		r.Render(dst, it.Position())
	}
	c.frame.Store(dst)
	c.frames.Add(1)
	return dst
}

// Snapshot returns the latest composite, or nil before the first frame.
func (c *Canvas) Snapshot() *image.RGBA {
	return c.frame.Load()
}
