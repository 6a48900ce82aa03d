package taskbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/spectrumlive/spt-notification/lib/logger"
)

// ErrUnavailable is returned when the bridge no longer accepts work because
// shutdown has begun. Callers treat it as a no-op.
var ErrUnavailable = errors.New("task bridge unavailable")

const defaultPumpInterval = 10 * time.Millisecond

// Bridge moves closures from arbitrary goroutines onto a single engine
// goroutine. All browser lifetime operations run there, one at a time, in
// submission order.
//
// When a GUI loop is configured the engine goroutine does not run the task
// itself. It re-posts it to the GUI goroutine, which runs tasks in the same
// order and also drives a periodic pump (the engine's message-loop work).
// This keeps the engine goroutine's ticks short.
type Bridge struct {
	logger *slog.Logger

	pump         func()
	pumpInterval time.Duration

	engineQ *queue
	guiQ    *queue

	engineDone chan struct{}
	guiDone    chan struct{}

	shutdownOnce sync.Once
}

type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithGUILoop enables the second hop. pump may be nil; interval <= 0 uses
// a 10ms pump period.
func WithGUILoop(pump func(), interval time.Duration) Option {
	return func(b *Bridge) {
		b.guiQ = newQueue()
		b.pump = pump
		b.pumpInterval = interval
		if b.pumpInterval <= 0 {
			b.pumpInterval = defaultPumpInterval
		}
	}
}

// New creates a bridge and starts its goroutines.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		logger:     logger.Discard(),
		engineQ:    newQueue(),
		engineDone: make(chan struct{}),
		guiDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.engineLoop()
	if b.guiQ != nil {
		go b.guiLoop()
	} else {
		close(b.guiDone)
	}
	return b
}

// HasGUILoop reports whether tasks take the second hop.
func (b *Bridge) HasGUILoop() bool {
	return b.guiQ != nil
}

// Submit enqueues fn on the engine goroutine. It returns false once shutdown
// has begun; true only means the work was queued, not that it has run.
func (b *Bridge) Submit(fn func()) bool {
	if fn == nil {
		return false
	}
	return b.engineQ.push(fn)
}

// SubmitAndWait enqueues fn and blocks until it has run. If the task could
// not be queued the caller does not wait and ErrUnavailable is returned. The
// wait is bounded only by ctx.
func (b *Bridge) SubmitAndWait(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	accepted := b.Submit(func() {
		defer close(done)
		fn()
	})
	if !accepted {
		return ErrUnavailable
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Closed reports whether shutdown has begun.
func (b *Bridge) Closed() bool {
	return b.engineQ.isClosed()
}

// Shutdown stops accepting tasks, drains what is already queued (engine
// queue first, then the GUI queue followed by one last pump) and waits for
// the goroutines to exit or ctx to end.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.engineQ.close()
	})
	for _, done := range []chan struct{}{b.engineDone, b.guiDone} {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("task bridge shutdown: %w", ctx.Err())
		}
	}
	return nil
}

func (b *Bridge) engineLoop() {
	defer close(b.engineDone)
	for {
		fn, ok, closed := b.engineQ.pop()
		if ok {
			if b.guiQ != nil {
				b.guiQ.push(fn)
			} else {
				b.run(fn)
			}
			continue
		}
		if closed {
			if b.guiQ != nil {
				b.guiQ.close()
			}
			return
		}
		<-b.engineQ.signal
	}
}

func (b *Bridge) guiLoop() {
	defer close(b.guiDone)

	var tick <-chan time.Time
	if b.pump != nil {
		t := time.NewTicker(b.pumpInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		fn, ok, closed := b.guiQ.pop()
		if ok {
			b.run(fn)
			continue
		}
		if closed {
			if b.pump != nil {
				b.run(b.pump)
			}
			return
		}
		select {
		case <-b.guiQ.signal:
		case <-tick:
			b.run(b.pump)
		}
	}
}

func (b *Bridge) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
