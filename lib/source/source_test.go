package source

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spectrumlive/spt-notification/lib/engine"
	"github.com/spectrumlive/spt-notification/lib/engine/enginetest"
	"github.com/spectrumlive/spt-notification/lib/settings"
	"github.com/spectrumlive/spt-notification/lib/taskbridge"
)

type fakeHost struct {
	showing atomic.Bool
	audio   atomic.Bool
	fps     atomic.Int32
}

func newFakeHost(showing bool) *fakeHost {
	h := &fakeHost{}
	h.showing.Store(showing)
	h.fps.Store(30)
	return h
}

func (h *fakeHost) Showing() bool         { return h.showing.Load() }
func (h *fakeHost) SetAudioActive(a bool) { h.audio.Store(a) }
func (h *fakeHost) CanvasFPS() int        { return int(h.fps.Load()) }

type harness struct {
	t      *testing.T
	m      *Manager
	eng    *enginetest.Engine
	bridge *taskbridge.Bridge
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	eng := enginetest.New()
	bridge := taskbridge.New()
	t.Cleanup(func() { _ = bridge.Shutdown(context.Background()) })
	return &harness{
		t:      t,
		m:      NewManager(context.Background(), eng, bridge, opts...),
		eng:    eng,
		bridge: bridge,
	}
}

func (h *harness) flush() {
	h.t.Helper()
	require.NoError(h.t, h.bridge.SubmitAndWait(context.Background(), func() {}))
}

// live creates a source and waits for its browser.
func (h *harness) live(id string, s settings.Settings, host Host) *Source {
	h.t.Helper()
	src, err := h.m.Create(id, s, host)
	require.NoError(h.t, err)
	src.Tick()
	h.flush()
	require.True(h.t, src.Live())
	return src
}

func TestResizeOnlyUpdateKeepsBrowser(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	src := h.live("a", settings.Defaults("x"), newFakeHost(true))
	require.Equal(t, 1, h.eng.Creates())

	next := src.Settings()
	next.Width, next.Height = 1024, 768
	src.Update(&next)
	src.Tick()
	h.flush()

	assert.Equal(t, 1, h.eng.Creates())
	assert.Equal(t, 0, h.eng.Closes())
	b := h.eng.Last()
	w, hh := b.Size()
	assert.Equal(t, 1024, w)
	assert.Equal(t, 768, hh)
	assert.Subset(t, b.Calls(), []string{"Resize(1024,768)", "WasResized", "Invalidate"})
	assert.Equal(t, 1024, src.Width())
	assert.Equal(t, 768, src.Height())
}

func TestIdenticalUpdateIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	src := h.live("a", settings.Defaults("x"), newFakeHost(true))
	before := len(h.eng.Last().Calls())

	same := src.Settings()
	src.Update(&same)
	src.Tick()
	h.flush()

	assert.Equal(t, 1, h.eng.Creates())
	assert.Len(t, h.eng.Last().Calls(), before)
}

func TestResizeWithoutBrowserIsDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	src, err := h.m.Create("a", settings.Defaults("x"), newFakeHost(true))
	require.NoError(t, err)

	next := src.Settings()
	next.Width = 300
	src.Update(&next)
	h.flush()

	assert.Equal(t, 0, h.eng.Creates())
	assert.Equal(t, 300, src.Width())
}

func TestSubstantiveChangeRecreatesOnce(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*settings.Settings)
	}{
		{"url", func(s *settings.Settings) { s.URL = "https://example.com/other" }},
		{"local file mode", func(s *settings.Settings) { s.IsLocalFile, s.LocalFile = true, "/tmp/panel.html" }},
		{"frame rate mode", func(s *settings.Settings) { s.FPSCustom = true }},
		{"frame rate", func(s *settings.Settings) { s.FPS = 60 }},
		{"audio reroute", func(s *settings.Settings) { s.RerouteAudio = true }},
		{"control level", func(s *settings.Settings) { s.WebpageControlLevel = settings.ControlAll }},
		{"css", func(s *settings.Settings) { s.CSS = "body { color: red; }" }},
		{"teardown on hide", func(s *settings.Settings) { s.Shutdown = true }},
		{"restart on activate", func(s *settings.Settings) { s.RestartWhenActive = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			src := h.live("a", settings.Defaults("x"), newFakeHost(true))
			first := h.eng.Last()

			next := src.Settings()
			tt.mutate(&next)
			src.Update(&next)
			src.Tick()
			src.Tick()
			h.flush()

			assert.Equal(t, 2, h.eng.Creates())
			assert.Equal(t, 1, h.eng.Closes())
			assert.True(t, first.Closed())
			assert.Len(t, h.eng.Live(), 1)
			assert.NotSame(t, first, h.eng.Last())
		})
	}
}

func TestUpdateNilRecreates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	src := h.live("a", settings.Defaults("x"), newFakeHost(true))

	src.Update(nil)
	src.Tick()
	h.flush()

	assert.Equal(t, 2, h.eng.Creates())
	assert.Equal(t, 1, h.eng.Closes())
}

func TestRerouteAudioMutesBrowser(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host := newFakeHost(true)
	s := settings.Defaults("x")
	s.RerouteAudio = true
	h.live("a", s, host)

	assert.True(t, host.audio.Load())
	assert.True(t, h.eng.Last().Muted())
	assert.True(t, h.eng.Last().Spec().MuteAudio)
}

func TestDestroyDetachesClientBeforeRelease(t *testing.T) {
	t.Parallel()
	var (
		detachedAtClose atomic.Bool
		closedAtRelease atomic.Bool
	)
	h := newHarness(t)
	h.eng.OnClose = func(b *enginetest.Browser) {
		detachedAtClose.Store(b.Client().(*client).source() == nil)
	}
	h.m.onRelease = func(*Source) {
		closedAtRelease.Store(h.eng.Last().Closed())
	}

	src := h.live("a", settings.Defaults("x"), newFakeHost(true))
	b := h.eng.Last()

	src.Destroy()
	<-src.Released()

	assert.True(t, detachedAtClose.Load(), "client must be detached before the browser closes")
	assert.True(t, closedAtRelease.Load(), "browser must be closed before release")
	assert.True(t, b.Hidden())
	assert.Contains(t, b.Calls(), "Close(true)")

	b.Paint([4]uint8{255, 0, 0, 255})
	_, ok := src.Frame()
	assert.False(t, ok, "late paint must not reach a released source")

	_, err := h.m.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, h.m.Len())

	src.Destroy()
	h.flush()
	assert.Equal(t, 1, h.eng.Closes())
}

func TestDestroyWithoutBrowser(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	src, err := h.m.Create("a", settings.Defaults("x"), newFakeHost(true))
	require.NoError(t, err)

	src.Destroy()
	<-src.Released()
	assert.Equal(t, 0, h.eng.Creates())
}

func TestDestroyRacingPendingCreate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	src, err := h.m.Create("a", settings.Defaults("x"), newFakeHost(true))
	require.NoError(t, err)

	src.Tick()
	src.Destroy()
	<-src.Released()
	h.flush()

	assert.Empty(t, h.eng.Live())
}

func TestDestroyAfterBridgeShutdownRunsInline(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	src := h.live("a", settings.Defaults("x"), newFakeHost(true))
	b := h.eng.Last()
	require.NoError(t, h.bridge.Shutdown(context.Background()))

	src.Destroy()
	select {
	case <-src.Released():
	default:
		t.Fatal("release must complete inline once the bridge is closed")
	}
	assert.Nil(t, b.Client().(*client).source())
	assert.False(t, b.Closed(), "engine calls are skipped after shutdown")
}

func TestCloseAfterManagerContextEnds(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t)
	h.m = NewManager(ctx, h.eng, h.bridge)
	a := h.live("a", settings.Defaults("x"), newFakeHost(true))
	b := h.live("b", settings.Defaults("y"), newFakeHost(false))

	cancel()
	closeCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	require.NoError(t, h.m.Close(closeCtx))

	<-a.Released()
	<-b.Released()
	assert.Empty(t, h.eng.Live())
	for _, br := range h.eng.Browsers() {
		assert.True(t, br.Closed(), "browser %s left open", br.ID())
	}
}

func TestInputDroppedWhileDestroying(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	src := h.live("a", settings.Defaults("x"), newFakeHost(true))
	b := h.eng.Last()

	src.Destroy()
	src.SendMouseClick(engine.MouseEvent{X: 1, Y: 1}, engine.MouseLeft, false, 1)
	src.SendKeyClick(KeyInput{NativeVKey: 65}, false)
	src.Refresh()
	<-src.Released()
	h.flush()

	for _, c := range b.Calls() {
		assert.NotContains(t, c, "SendMouseClick")
		assert.NotContains(t, c, "SendKey")
		assert.NotContains(t, c, "Reload")
	}
}

func TestInputReachesBrowser(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	src := h.live("a", settings.Defaults("x"), newFakeHost(true))

	src.SendMouseMove(engine.MouseEvent{X: 4, Y: 5}, false)
	src.SendMouseClick(engine.MouseEvent{X: 4, Y: 5}, engine.MouseRight, true, 2)
	src.SendMouseWheel(engine.MouseEvent{X: 4, Y: 5}, 0, -120)
	src.SendFocus(true)
	src.SendKeyClick(KeyInput{NativeVKey: 65, Text: "a"}, false)
	src.SendKeyClick(KeyInput{NativeVKey: 65}, true)
	h.flush()

	b := h.eng.Last()
	assert.Subset(t, b.Calls(), []string{
		"SendMouseMove(4,5,false)",
		"SendMouseClick(4,5,right,true,2)",
		"SendMouseWheel(4,5,0,-120)",
		"SetFocus(true)",
	})
	keys := b.Keys()
	require.Len(t, keys, 3)
	assert.Equal(t, engine.KeyRawDown, keys[0].Type)
	assert.Equal(t, engine.KeyChar, keys[1].Type)
	assert.Equal(t, 'a', rune(keys[1].WindowsKeyCode))
	assert.Equal(t, engine.KeyUp, keys[2].Type)
}

func TestSetShowingNotifiesPage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host := newFakeHost(true)
	src := h.live("a", settings.Defaults("x"), host)
	b := h.eng.Last()

	host.showing.Store(false)
	src.SetShowing(false)
	h.flush()

	assert.True(t, b.Hidden())
	vis := b.MessagesNamed(engine.MsgVisibility)
	require.NotEmpty(t, vis)
	assert.Equal(t, []any{false}, vis[len(vis)-1].Args)
	assert.Contains(t, b.MessagesNamed(engine.MsgDispatchJSEvent),
		engine.DispatchJSEventMessage(EventVisibleChanged, `{"visible":false}`))
	assert.Equal(t, 1, h.eng.Creates())
}

func TestTeardownOnHide(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host := newFakeHost(true)
	s := settings.Defaults("x")
	s.Shutdown = true
	src := h.live("a", s, host)

	host.showing.Store(false)
	src.SetShowing(false)
	h.flush()
	assert.False(t, src.Live())
	assert.Equal(t, 1, h.eng.Closes())

	host.showing.Store(true)
	src.SetShowing(true)
	src.Tick()
	h.flush()
	assert.True(t, src.Live())
	assert.Equal(t, 2, h.eng.Creates())
}

func TestTeardownOnHideSkipsCreateWhileHidden(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := settings.Defaults("x")
	s.Shutdown = true
	src, err := h.m.Create("a", s, newFakeHost(false))
	require.NoError(t, err)

	src.Tick()
	h.flush()
	assert.Equal(t, 0, h.eng.Creates())
}

func TestActivateRestartsWhenConfigured(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := settings.Defaults("x")
	s.RestartWhenActive = true
	src := h.live("a", s, newFakeHost(true))

	src.Activate()
	h.flush()

	calls := h.eng.Last().Calls()
	reload := slices.Index(calls, "ReloadIgnoreCache")
	active := slices.Index(calls, "SendProcessMessage(Active)")
	require.NotEqual(t, -1, reload)
	require.NotEqual(t, -1, active)
	assert.Less(t, reload, active)
	assert.True(t, src.Active())
	assert.Contains(t, h.eng.Last().MessagesNamed(engine.MsgDispatchJSEvent),
		engine.DispatchJSEventMessage(EventActiveChanged, `{"active":true}`))

	src.Deactivate()
	h.flush()
	assert.False(t, src.Active())
}

func TestActivateWithoutRestartDoesNotReload(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	src := h.live("a", settings.Defaults("x"), newFakeHost(true))

	src.Activate()
	h.flush()
	assert.NotContains(t, h.eng.Last().Calls(), "ReloadIgnoreCache")
}

func TestRefreshHotkey(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	src := h.live("a", settings.Defaults("x"), newFakeHost(true))

	require.Len(t, src.Hotkeys(), 1)
	require.NoError(t, src.TriggerHotkey(HotkeyRefresh, false))
	require.NoError(t, src.TriggerHotkey(HotkeyRefresh, true))
	assert.ErrorIs(t, src.TriggerHotkey("nope", true), ErrUnknownHotkey)
	h.flush()

	n := 0
	for _, c := range h.eng.Last().Calls() {
		if c == "ReloadIgnoreCache" {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestJavascriptEventProcedure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	src := h.live("a", settings.Defaults("x"), newFakeHost(true))

	require.NoError(t, src.CallProcedure(ProcJavascriptEvent, map[string]string{"eventName": "ping"}))
	require.NoError(t, src.CallProcedure(ProcJavascriptEvent, map[string]string{"eventName": "data", "jsonString": `{"n":1}`}))
	require.NoError(t, src.CallProcedure(ProcJavascriptEvent, map[string]string{}))
	assert.ErrorIs(t, src.CallProcedure("nope", nil), ErrUnknownProcedure)
	h.flush()

	assert.Equal(t, []engine.ProcessMessage{
		engine.DispatchJSEventMessage("ping", "null"),
		engine.DispatchJSEventMessage("data", `{"n":1}`),
	}, h.eng.Last().MessagesNamed(engine.MsgDispatchJSEvent))
}

func TestMatchCanvasFrameRate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host := newFakeHost(true)
	host.fps.Store(60)
	src := h.live("a", settings.Defaults("x"), host)
	b := h.eng.Last()
	assert.Equal(t, 60, b.Spec().FPS)

	host.fps.Store(50)
	src.Tick()
	src.Tick()
	h.flush()
	assert.Equal(t, 50, b.FrameRate())
	assert.Contains(t, b.Calls(), "SetFrameRate(50)")
}

func TestCustomFrameRateIgnoresCanvas(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host := newFakeHost(true)
	s := settings.Defaults("x")
	s.FPSCustom, s.FPS = true, 10
	src := h.live("a", s, host)
	b := h.eng.Last()
	assert.Equal(t, 10, b.Spec().FPS)

	host.fps.Store(60)
	src.Tick()
	h.flush()
	assert.Equal(t, 10, b.FrameRate())
}

func TestLocalFileAddresses(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	s := settings.Defaults("x")
	s.IsLocalFile, s.LocalFile = true, "/srv/alerts/alert box.html"
	h.live("local", s, newFakeHost(true))
	assert.Equal(t, "file:///srv/alerts/alert%20box.html", h.eng.Last().Spec().URL)
	assert.True(t, h.eng.Last().Spec().Local)

	s = settings.Defaults("x")
	s.URL = "http://absolute/C:/alerts/a.html"
	h.live("legacy", s, newFakeHost(true))
	assert.Equal(t, "file:///C:/alerts/a.html", h.eng.Last().Spec().URL)
	assert.True(t, h.eng.Last().Spec().Local)
}

func TestLegacyFileURLs(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithLegacyFileURLs(true))
	s := settings.Defaults("x")
	s.IsLocalFile, s.LocalFile = true, `C:\alerts\a.html`
	h.live("a", s, newFakeHost(true))
	assert.Equal(t, "http://absolute/C:/alerts/a.html", h.eng.Last().Spec().URL)
}

func TestMissingFiles(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	dir := t.TempDir()
	present := filepath.Join(dir, "present.html")
	require.NoError(t, os.WriteFile(present, []byte("<html></html>"), 0o644))
	missing := filepath.Join(dir, "missing.html")

	s := settings.Defaults("x")
	s.IsLocalFile, s.LocalFile = true, missing
	src := h.live("a", s, newFakeHost(true))
	assert.Equal(t, []string{missing}, src.MissingFiles())

	src.ReplaceMissingFile(present)
	src.Tick()
	h.flush()
	assert.Empty(t, src.MissingFiles())
	assert.Equal(t, 2, h.eng.Creates())
	path, ok := src.LocalFile()
	assert.True(t, ok)
	assert.Equal(t, present, path)
}

func TestManagerCreateGetList(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	for _, id := range []string{"a", "b", "c"} {
		_, err := h.m.Create(id, settings.Defaults("x"), newFakeHost(true))
		require.NoError(t, err)
	}
	_, err := h.m.Create("b", settings.Defaults("x"), newFakeHost(true))
	assert.ErrorIs(t, err, ErrExists)

	var ids []string
	for _, s := range h.m.List() {
		ids = append(ids, s.ID())
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)

	got, err := h.m.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID())

	require.NoError(t, h.m.Close(context.Background()))
	assert.Equal(t, 0, h.m.Len())
}

func TestCreateFailureLeavesSourceWithoutBrowser(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.eng.CreateErr = assert.AnError
	src, err := h.m.Create("a", settings.Defaults("x"), newFakeHost(true))
	require.NoError(t, err)

	src.Tick()
	h.flush()
	assert.False(t, src.Live())
}
