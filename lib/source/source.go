package source

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spectrumlive/spt-notification/lib/engine"
	"github.com/spectrumlive/spt-notification/lib/fileurl"
	"github.com/spectrumlive/spt-notification/lib/registry"
	"github.com/spectrumlive/spt-notification/lib/settings"
)

// Host is the compositing side of a source: whether it is on screen, the
// canvas frame rate, and where rerouted audio goes.
type Host interface {
	Showing() bool
	SetAudioActive(active bool)
	CanvasFPS() int
}

const (
	EventVisibleChanged = "obsSourceVisibleChanged"
	EventActiveChanged  = "obsSourceActiveChanged"
)

// releaseTimeout bounds closing a browser. Release still runs after the
// manager context has ended.
const releaseTimeout = 5 * time.Second

// Source is one browser-backed video element. It owns at most one live
// browser at a time and recreates it when substantive settings change.
type Source struct {
	id     string
	m      *Manager
	host   Host
	logger *slog.Logger
	handle registry.Handle

	mu            sync.Mutex
	cfg           settings.Settings
	url           string
	local         bool
	firstUpdate   bool
	createPending bool
	canvasFPS     int

	showing    atomic.Bool
	active     atomic.Bool
	destroying atomic.Bool

	slot  browserSlot
	frame atomic.Pointer[engine.Frame]

	hotkeys    map[string]Hotkey
	procedures map[string]func(args map[string]string)

	released chan struct{}
}

func newSource(m *Manager, id string, host Host) *Source {
	s := &Source{
		id:          id,
		m:           m,
		host:        host,
		logger:      m.logger.With("source", id),
		firstUpdate: true,
		released:    make(chan struct{}),
	}
	s.registerHotkeys()
	s.registerProcedures()
	return s
}

func (s *Source) ID() string { return s.id }

// Settings returns the settings last applied.
func (s *Source) Settings() settings.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// URL returns the address the browser loads, after local path rewriting.
func (s *Source) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Source) Width() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Width
}

func (s *Source) Height() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Height
}

func (s *Source) Showing() bool    { return s.showing.Load() }
func (s *Source) Active() bool     { return s.active.Load() }
func (s *Source) Destroying() bool { return s.destroying.Load() }

// Live reports whether the source currently holds a browser.
func (s *Source) Live() bool {
	return s.slot.load() != nil
}

// Released is closed once the source has been destroyed and its browser
// released.
func (s *Source) Released() <-chan struct{} {
	return s.released
}

func resolveURL(n settings.Settings, opts fileurl.Options) (string, bool) {
	local := n.IsLocalFile
	url := n.Address()
	if local && url != "" {
		url = fileurl.FromLocalPath(url, opts)
	}
	if !opts.Legacy {
		if u, ok := fileurl.NormalizeLegacy(url); ok {
			url, local = u, true
		}
	}
	return url, local
}

// sameExceptSize reports whether two configurations differ at most in
// width and height.
func sameExceptSize(a settings.Settings, aURL string, aLocal bool, b settings.Settings, bURL string, bLocal bool) bool {
	return aLocal == bLocal &&
		aURL == bURL &&
		a.FPSCustom == b.FPSCustom &&
		a.FPS == b.FPS &&
		a.Shutdown == b.Shutdown &&
		a.RestartWhenActive == b.RestartWhenActive &&
		a.CSS == b.CSS &&
		a.RerouteAudio == b.RerouteAudio &&
		a.WebpageControlLevel == b.WebpageControlLevel
}

// Update applies new settings. A nil argument re-applies the current ones,
// which always recreates the browser. A change limited to width and height
// resizes the live browser in place; no change at all is a no-op. Any other
// change tears the browser down and marks it for creation on the next Tick.
func (s *Source) Update(next *settings.Settings) {
	if s.destroying.Load() {
		return
	}
	s.mu.Lock()
	if next != nil {
		n := *next
		url, local := resolveURL(n, s.m.fileOpts)
		if !s.firstUpdate && sameExceptSize(s.cfg, s.url, s.local, n, url, local) {
			if n.Width == s.cfg.Width && n.Height == s.cfg.Height {
				s.mu.Unlock()
				return
			}
			s.cfg.Width, s.cfg.Height = n.Width, n.Height
			s.cfg.LocalFile, s.cfg.URL, s.cfg.LiveSlug = n.LocalFile, n.URL, n.LiveSlug
			w, h := n.Width, n.Height
			s.mu.Unlock()
			s.resize(w, h)
			return
		}
		s.cfg = n
		s.url = url
		s.local = local
		s.mu.Unlock()
		s.host.SetAudioActive(n.RerouteAudio)
		s.mu.Lock()
	}
	shutdown := s.cfg.Shutdown
	s.mu.Unlock()

	s.closeBrowser()
	s.frame.Store(nil)

	s.mu.Lock()
	if !shutdown || s.host.Showing() {
		s.createPending = true
	}
	s.firstUpdate = false
	s.mu.Unlock()
}

func (s *Source) resize(w, h int) {
	s.onBrowser("resize", func(ctx context.Context, b engine.Browser) error {
		if err := b.Resize(ctx, w, h); err != nil {
			return err
		}
		if err := b.WasResized(ctx); err != nil {
			return err
		}
		return b.Invalidate(ctx)
	})
}

// Tick is called once per host frame. It starts a pending browser creation
// and keeps a "match canvas" frame rate in step with the canvas.
func (s *Source) Tick() {
	if s.destroying.Load() {
		return
	}
	s.mu.Lock()
	if s.createPending && s.createBrowser() {
		s.createPending = false
	}
	var fps int
	retime := false
	if !s.cfg.FPSCustom && s.slot.load() != nil {
		if f := s.host.CanvasFPS(); f > 0 && f != s.canvasFPS {
			s.canvasFPS, fps, retime = f, f, true
		}
	}
	s.mu.Unlock()

	if retime {
		s.onBrowser("set frame rate", func(ctx context.Context, b engine.Browser) error {
			return b.SetFrameRate(ctx, fps)
		})
	}
}

// createBrowser queues browser creation. It reports whether the bridge
// accepted the task. Callers hold s.mu.
func (s *Source) createBrowser() bool {
	return s.m.bridge.Submit(func() {
		if s.destroying.Load() {
			return
		}
		s.mu.Lock()
		spec := engine.Spec{
			URL:          s.url,
			Width:        s.cfg.Width,
			Height:       s.cfg.Height,
			FPS:          s.cfg.FPS,
			CSS:          s.cfg.CSS,
			ControlLevel: s.cfg.WebpageControlLevel,
			MuteAudio:    s.cfg.RerouteAudio,
			Local:        s.local,
			HostCalls:    HostCallNames(),
		}
		if !s.cfg.FPSCustom {
			if f := s.host.CanvasFPS(); f > 0 {
				spec.FPS = f
			}
			s.canvasFPS = spec.FPS
		}
		s.mu.Unlock()

		ctx := s.m.ctx
		c := newClient(s)
		b, err := s.m.engine.CreateBrowser(ctx, spec, c)
		if err != nil {
			c.detach()
			s.logger.Error("failed to create browser", "url", spec.URL, "err", err)
			return
		}
		inst, old := s.slot.store(b, c)
		if old != nil {
			s.release(old, true)
		}
		s.logger.Info("browser created", "browser", b.ID(), "version", inst.version, "url", spec.URL)

		if spec.MuteAudio {
			if err := b.SetAudioMuted(ctx, true); err != nil {
				s.logger.Warn("failed to mute browser audio", "err", err)
			}
		}
		if s.host.Showing() {
			s.showing.Store(true)
		}
		s.sendVisibility(ctx, b, s.showing.Load())
	})
}

// closeBrowser empties the slot and closes the browser it held on the
// engine goroutine.
func (s *Source) closeBrowser() {
	inst := s.slot.take()
	if inst == nil {
		return
	}
	if !s.m.bridge.Submit(func() { s.release(inst, true) }) {
		s.release(inst, false)
	}
}

// release detaches inst's client and then, when engineCalls is set, hides
// and force-closes its browser.
func (s *Source) release(inst *instance, engineCalls bool) {
	inst.client.detach()
	if !engineCalls {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.m.ctx), releaseTimeout)
	defer cancel()
	if err := inst.browser.WasHidden(ctx, true); err != nil {
		s.logger.Debug("failed to hide browser", "browser", inst.browser.ID(), "err", err)
	}
	if err := inst.browser.Close(ctx, true); err != nil {
		s.logger.Warn("failed to close browser", "browser", inst.browser.ID(), "err", err)
	}
}

func (s *Source) sendVisibility(ctx context.Context, b engine.Browser, visible bool) {
	var err error
	if visible {
		if err = b.WasResized(ctx); err == nil {
			if err = b.WasHidden(ctx, false); err == nil {
				err = b.Invalidate(ctx)
			}
		}
	} else {
		err = b.WasHidden(ctx, true)
	}
	if err == nil {
		err = b.SendProcessMessage(ctx, engine.VisibilityMessage(visible))
	}
	if err != nil {
		s.logger.Debug("failed to send visibility", "visible", visible, "err", err)
	}
}

// onBrowser queues fn against the browser live at call time. The call is
// dropped when there is no browser, when the source is being destroyed, or
// when the browser has been replaced by the time fn would run.
func (s *Source) onBrowser(op string, fn func(ctx context.Context, b engine.Browser) error) {
	if s.destroying.Load() {
		return
	}
	inst := s.slot.load()
	if inst == nil {
		return
	}
	s.m.bridge.Submit(func() {
		if !s.slot.isCurrent(inst) {
			return
		}
		if err := fn(s.m.ctx, inst.browser); err != nil {
			s.logger.Debug("browser call failed", "op", op, "browser", inst.browser.ID(), "err", err)
		}
	})
}

// SetShowing records whether the host shows the source. In teardown-on-hide
// mode the browser is created or closed; otherwise the page is told.
func (s *Source) SetShowing(showing bool) {
	if s.destroying.Load() {
		return
	}
	s.showing.Store(showing)

	s.mu.Lock()
	shutdown := s.cfg.Shutdown
	s.mu.Unlock()
	if shutdown {
		if showing {
			s.Update(nil)
		} else {
			s.closeBrowser()
		}
		return
	}

	s.dispatchSelf(EventVisibleChanged, map[string]bool{"visible": showing})
	s.onBrowser("visibility", func(ctx context.Context, b engine.Browser) error {
		s.sendVisibility(ctx, b, showing)
		return nil
	})
	if !showing {
		s.frame.Store(nil)
	}
}

func (s *Source) SetActive(active bool) {
	if s.destroying.Load() {
		return
	}
	s.active.Store(active)
	s.onBrowser("active", func(ctx context.Context, b engine.Browser) error {
		return b.SendProcessMessage(ctx, engine.ActiveMessage(active))
	})
	s.dispatchSelf(EventActiveChanged, map[string]bool{"active": active})
}

// Activate marks the source active, reloading it first when configured to
// restart on activation.
func (s *Source) Activate() {
	s.mu.Lock()
	restart := s.cfg.RestartWhenActive
	s.mu.Unlock()
	if restart {
		s.Refresh()
	}
	s.SetActive(true)
}

func (s *Source) Deactivate() {
	s.SetActive(false)
}

// Refresh reloads the page, bypassing the cache.
func (s *Source) Refresh() {
	s.onBrowser("reload", func(ctx context.Context, b engine.Browser) error {
		return b.ReloadIgnoreCache(ctx)
	})
}

func (s *Source) dispatchSelf(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode event", "event", event, "err", err)
		return
	}
	s.m.Dispatch(event, string(data), s)
}

// Destroy removes the source from the registry and releases it on the
// engine goroutine: the client is detached, the browser hidden and closed,
// then Released is closed. Repeated calls do nothing. Once the bridge no
// longer accepts work the same steps run inline without engine calls.
func (s *Source) Destroy() {
	if !s.destroying.CompareAndSwap(false, true) {
		return
	}
	s.frame.Store(nil)
	s.m.unregister(s)

	finish := func(engineCalls bool) {
		if inst := s.slot.take(); inst != nil {
			s.release(inst, engineCalls)
		}
		if s.m.onRelease != nil {
			s.m.onRelease(s)
		}
		close(s.released)
		s.logger.Info("source released")
	}
	if !s.m.bridge.Submit(func() { finish(true) }) {
		finish(false)
	}
}

func (s *Source) onPaint(frame engine.Frame) {
	if s.destroying.Load() || frame.Image == nil {
		return
	}
	s.frame.Store(&frame)
}

// Frame returns the most recent frame, if any.
func (s *Source) Frame() (engine.Frame, bool) {
	f := s.frame.Load()
	if f == nil {
		return engine.Frame{}, false
	}
	return *f, true
}
