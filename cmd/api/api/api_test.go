package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spectrumlive/spt-notification/lib/canvas"
	"github.com/spectrumlive/spt-notification/lib/engine"
	"github.com/spectrumlive/spt-notification/lib/engine/enginetest"
	"github.com/spectrumlive/spt-notification/lib/frontend"
	"github.com/spectrumlive/spt-notification/lib/settings"
	"github.com/spectrumlive/spt-notification/lib/source"
	"github.com/spectrumlive/spt-notification/lib/store"
	"github.com/spectrumlive/spt-notification/lib/taskbridge"
)

type testEnv struct {
	t      *testing.T
	svc    *ApiService
	eng    *enginetest.Engine
	bridge *taskbridge.Bridge
	canvas *canvas.Canvas
	store  *store.Store
	router chi.Router
}

type frontendStub bool

func (f frontendStub) Connected() bool { return bool(f) }

func newTestEnv(t *testing.T, st *store.Store) *testEnv {
	t.Helper()
	eng := enginetest.New()
	bridge := taskbridge.New()
	t.Cleanup(func() { _ = bridge.Shutdown(context.Background()) })
	m := source.NewManager(context.Background(), eng, bridge)
	c, err := canvas.New(64, 48, 30, nil)
	require.NoError(t, err)

	n := 0
	opts := []Option{
		WithLiveSlug("demo"),
		WithFrontend(frontendStub(true)),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("gen-%d", n) }),
	}
	if st != nil {
		opts = append(opts, WithStore(st))
	}
	svc := New(m, c, opts...)
	r := chi.NewRouter()
	svc.Routes(r)
	return &testEnv{t: t, svc: svc, eng: eng, bridge: bridge, canvas: c, store: st, router: r}
}

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(e.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// frame runs one canvas frame and waits for the engine work it queued.
func (e *testEnv) frame() {
	e.t.Helper()
	e.canvas.RenderFrame()
	require.NoError(e.t, e.bridge.SubmitAndWait(context.Background(), func() {}))
}

func (e *testEnv) flush() {
	e.t.Helper()
	require.NoError(e.t, e.bridge.SubmitAndWait(context.Background(), func() {}))
}

// createLive creates a source through the API and waits for its browser.
func (e *testEnv) createLive(body map[string]any) sourceView {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/sources", body)
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	var v sourceView
	require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &v))
	e.frame()
	return v
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateSourceUsesDefaults(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	v := env.createLive(map[string]any{"name": "alerts"})
	assert.Equal(t, "gen-1", v.ID)
	assert.Equal(t, "alerts", v.Name)
	assert.Equal(t, settings.DefaultURLBase+"demo", v.URL)
	assert.Equal(t, 800, v.Width)
	assert.True(t, v.Visible)

	require.Equal(t, 1, env.eng.Creates())
	spec := env.eng.Last().Spec()
	assert.Equal(t, settings.DefaultURLBase+"demo", spec.URL)
	assert.Equal(t, settings.ControlReadObs, spec.ControlLevel)
}

func TestCreateSourceWithOwnLiveSlug(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	v := env.createLive(map[string]any{"id": "a", "settings": map[string]any{"live_slug": "other", "width": 320}})
	assert.Equal(t, "a", v.ID)
	assert.Equal(t, settings.DefaultURLBase+"other", v.URL)
	assert.Equal(t, 320, v.Width)
}

func TestCreateSourceErrors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.createLive(map[string]any{"id": "a"})

	testCases := []struct {
		name   string
		body   any
		status int
	}{
		{"duplicate id", map[string]any{"id": "a"}, http.StatusConflict},
		{"invalid size", map[string]any{"settings": map[string]any{"width": 0}}, http.StatusBadRequest},
		{"invalid control level", map[string]any{"settings": map[string]any{"webpage_control_level": 9}}, http.StatusBadRequest},
		{"malformed body", "{", http.StatusBadRequest},
		{"empty body", nil, http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/sources", tc.body)
			assert.Equal(t, tc.status, rec.Code)
			assert.NotEmpty(t, decode[errorResponse](t, rec).Message)
		})
	}
	assert.Equal(t, 1, env.svc.manager.Len())
}

func TestListSourcesMostRecentFirst(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.createLive(map[string]any{"id": "a"})
	env.createLive(map[string]any{"id": "b"})

	rec := env.do(http.MethodGet, "/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]sourceView](t, rec)
	require.Len(t, views, 2)
	assert.Equal(t, "b", views[0].ID)
	assert.Equal(t, "a", views[1].ID)
}

func TestUnknownSourceIsNotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	for _, path := range []string{"/sources/nope", "/sources/nope/frame", "/sources/nope/missing-files", "/sources/nope/hotkeys"} {
		assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, path, nil).Code, path)
	}
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/sources/nope/refresh", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodDelete, "/sources/nope", nil).Code)
}

func TestDefaultsEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/sources/defaults", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, settings.Defaults("demo"), decode[settings.Settings](t, rec))
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.createLive(map[string]any{"id": "a"})

	rec := env.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, healthResponse{Status: "ok", Sources: 1, FrontendConnected: true}, decode[healthResponse](t, rec))
}

func TestUpdateSettingsResizesInPlace(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.createLive(map[string]any{"id": "a"})

	rec := env.do(http.MethodPatch, "/sources/a/settings", map[string]any{"width": 1024, "height": 768})
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[sourceView](t, rec)
	assert.Equal(t, 1024, v.Width)
	env.frame()

	assert.Equal(t, 1, env.eng.Creates())
	w, h := env.eng.Last().Size()
	assert.Equal(t, 1024, w)
	assert.Equal(t, 768, h)
}

func TestUpdateSettingsRecreatesOnURLChange(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.createLive(map[string]any{"id": "a"})

	rec := env.do(http.MethodPatch, "/sources/a/settings", map[string]any{"url": "https://example.com/"})
	require.Equal(t, http.StatusOK, rec.Code)
	env.frame()

	require.Equal(t, 2, env.eng.Creates())
	assert.True(t, env.eng.Browsers()[0].Closed())
	assert.Equal(t, "https://example.com/", env.eng.Last().Spec().URL)
}

func TestUpdateSettingsRejectsInvalid(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.createLive(map[string]any{"id": "a"})

	rec := env.do(http.MethodPatch, "/sources/a/settings", map[string]any{"fps": 1000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 30, env.svc.view(mustSource(t, env, "a")).Settings.FPS)
}

func mustSource(t *testing.T, env *testEnv, id string) *source.Source {
	t.Helper()
	src, err := env.svc.manager.Get(id)
	require.NoError(t, err)
	return src
}

func TestShowHideReachesPage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.createLive(map[string]any{"id": "a"})
	b := env.eng.Last()

	require.Equal(t, http.StatusNoContent, env.do(http.MethodPost, "/sources/a/hide", nil).Code)
	env.flush()
	assert.True(t, b.Hidden())
	assert.False(t, decode[sourceView](t, env.do(http.MethodGet, "/sources/a", nil)).Visible)

	require.Equal(t, http.StatusNoContent, env.do(http.MethodPost, "/sources/a/show", nil).Code)
	env.flush()
	assert.False(t, b.Hidden())
	// one at creation, then hide and show
	msgs := b.MessagesNamed(engine.MsgVisibility)
	require.Len(t, msgs, 3)
	assert.Equal(t, []any{false}, msgs[1].Args)
	assert.Equal(t, []any{true}, msgs[2].Args)
}

func TestActivateDeactivate(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.createLive(map[string]any{"id": "a"})
	b := env.eng.Last()

	require.Equal(t, http.StatusNoContent, env.do(http.MethodPost, "/sources/a/activate", nil).Code)
	env.flush()
	assert.True(t, decode[sourceView](t, env.do(http.MethodGet, "/sources/a", nil)).Active)

	require.Equal(t, http.StatusNoContent, env.do(http.MethodPost, "/sources/a/deactivate", nil).Code)
	env.flush()
	msgs := b.MessagesNamed(engine.MsgActive)
	require.Len(t, msgs, 2)
	assert.Equal(t, []any{true}, msgs[0].Args)
	assert.Equal(t, []any{false}, msgs[1].Args)
}

func TestRefreshAndHotkey(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.createLive(map[string]any{"id": "a"})
	b := env.eng.Last()

	require.Equal(t, http.StatusNoContent, env.do(http.MethodPost, "/sources/a/refresh", nil).Code)
	require.Equal(t, http.StatusNoContent, env.do(http.MethodPost, "/sources/a/hotkeys/"+source.HotkeyRefresh, nil).Code)
	require.Equal(t, http.StatusNoContent, env.do(http.MethodPost, "/sources/a/hotkeys/"+source.HotkeyRefresh, map[string]any{"pressed": false}).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/sources/a/hotkeys/nope", nil).Code)
	env.flush()

	n := 0
	for _, c := range b.Calls() {
		if c == "ReloadIgnoreCache" {
			n++
		}
	}
	assert.Equal(t, 2, n)

	hotkeys := decode[[]source.Hotkey](t, env.do(http.MethodGet, "/sources/a/hotkeys", nil))
	require.Len(t, hotkeys, 1)
	assert.Equal(t, source.HotkeyRefresh, hotkeys[0].Name)
}

func TestJavascriptEvent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.createLive(map[string]any{"id": "a"})
	b := env.eng.Last()

	require.Equal(t, http.StatusNoContent, env.do(http.MethodPost, "/sources/a/javascript_event",
		map[string]any{"eventName": "tip", "jsonString": `{"amount":5}`}).Code)
	require.Equal(t, http.StatusNoContent, env.do(http.MethodPost, "/sources/a/javascript_event",
		map[string]any{"eventName": "ping"}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/sources/a/javascript_event", map[string]any{}).Code)
	env.flush()

	msgs := b.MessagesNamed(engine.MsgDispatchJSEvent)
	require.Len(t, msgs, 2)
	assert.Equal(t, []any{"tip", `{"amount":5}`}, msgs[0].Args)
	assert.Equal(t, []any{"ping", source.NullPayload}, msgs[1].Args)
}

func TestEmitEventBroadcasts(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.createLive(map[string]any{"id": "a"})
	env.createLive(map[string]any{"id": "b"})

	rec := env.do(http.MethodPost, "/events", map[string]any{"event_name": "follow", "event_data": map[string]any{"user": "x"}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	res := decode[dispatchResult](t, rec)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "follow", res.EventName)
	assert.Equal(t, 2, res.Sources)
	env.flush()

	for _, b := range env.eng.Browsers() {
		msgs := b.MessagesNamed(engine.MsgDispatchJSEvent)
		require.Len(t, msgs, 1)
		assert.Equal(t, []any{"follow", `{"user":"x"}`}, msgs[0].Args)
	}

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/events", map[string]any{"event_data": 1}).Code)
}

func TestFrontendEvent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.createLive(map[string]any{"id": "a"})
	b := env.eng.Last()

	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/frontend/events/"+frontend.StreamingStarted, nil).Code)
	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/frontend/events/"+frontend.SceneChanged, map[string]any{"name": "Main"}).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/frontend/events/obsNothing", nil).Code)
	// payloads are not validated
	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/frontend/events/"+frontend.ReplaybufferSaved, "{").Code)
	env.flush()

	msgs := b.MessagesNamed(engine.MsgDispatchJSEvent)
	require.Len(t, msgs, 3)
	assert.Equal(t, []any{frontend.StreamingStarted, source.NullPayload}, msgs[0].Args)
	assert.Equal(t, frontend.SceneChanged, msgs[1].Args[0])
	assert.JSONEq(t, `{"name":"Main"}`, msgs[1].Args[1].(string))
	assert.Equal(t, []any{frontend.ReplaybufferSaved, "{"}, msgs[2].Args)
}

func TestInputForwarding(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.createLive(map[string]any{"id": "a"})
	b := env.eng.Last()

	require.Equal(t, http.StatusNoContent, env.do(http.MethodPost, "/sources/a/input/mouse/click",
		map[string]any{"x": 10, "y": 20, "button": "right"}).Code)
	require.Equal(t, http.StatusNoContent, env.do(http.MethodPost, "/sources/a/input/mouse/move",
		map[string]any{"x": 1, "y": 2, "leave": true}).Code)
	require.Equal(t, http.StatusNoContent, env.do(http.MethodPost, "/sources/a/input/mouse/wheel",
		map[string]any{"x": 3, "y": 4, "delta_y": -120}).Code)
	require.Equal(t, http.StatusNoContent, env.do(http.MethodPost, "/sources/a/input/focus", map[string]any{"focus": true}).Code)
	require.Equal(t, http.StatusNoContent, env.do(http.MethodPost, "/sources/a/input/key",
		map[string]any{"native_vkey": 65, "text": "a"}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/sources/a/input/mouse/click",
		map[string]any{"button": "fourth"}).Code)
	env.flush()

	calls := b.Calls()
	assert.Contains(t, calls, "SendMouseClick(10,20,right,false,1)")
	assert.Contains(t, calls, "SendMouseMove(1,2,true)")
	assert.Contains(t, calls, "SendMouseWheel(3,4,0,-120)")
	assert.Contains(t, calls, "SetFocus(true)")
	keys := b.Keys()
	require.Len(t, keys, 2)
	assert.Equal(t, engine.KeyRawDown, keys[0].Type)
	assert.Equal(t, engine.KeyChar, keys[1].Type)
}

func TestSourceFrameAndCanvasFrame(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.createLive(map[string]any{"id": "a", "settings": map[string]any{"width": 16, "height": 8}})

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/sources/a/frame", nil).Code)

	env.eng.Last().Paint([4]uint8{255, 0, 0, 255})
	rec := env.do(http.MethodGet, "/sources/a/frame", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())

	env.canvas.RenderFrame()
	rec = env.do(http.MethodGet, "/canvas/frame", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	img, err = png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	r, _, _, a := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0xffff), a)
}

func TestSetCanvasFPS(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	require.Equal(t, http.StatusNoContent, env.do(http.MethodPut, "/canvas/fps", map[string]any{"fps": 60}).Code)
	assert.Equal(t, 60, env.canvas.FPS())
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPut, "/canvas/fps", map[string]any{"fps": 0}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPut, "/canvas/fps", map[string]any{"fps": 251}).Code)
	assert.Equal(t, 60, env.canvas.FPS())
}

func TestMissingFiles(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	dir := t.TempDir()
	missing := filepath.Join(dir, "gone.html")
	present := filepath.Join(dir, "here.html")
	require.NoError(t, os.WriteFile(present, []byte("<p>hi</p>"), 0o644))

	env.createLive(map[string]any{"id": "a", "settings": map[string]any{"is_local_file": true, "local_file": missing}})

	rec := env.do(http.MethodGet, "/sources/a/missing-files", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{missing}, decode[missingFilesResponse](t, rec).Files)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/sources/a/missing-files", map[string]any{}).Code)
	rec = env.do(http.MethodPost, "/sources/a/missing-files", map[string]any{"path": present})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, present, decode[sourceView](t, rec).Settings.LocalFile)

	rec = env.do(http.MethodGet, "/sources/a/missing-files", nil)
	assert.Empty(t, decode[missingFilesResponse](t, rec).Files)
}

func TestDeleteSourceReleasesBrowser(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.createLive(map[string]any{"id": "a"})
	src := mustSource(t, env, "a")

	require.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/sources/a", nil).Code)
	<-src.Released()
	assert.True(t, env.eng.Last().Closed())
	_, ok := env.canvas.Item("a")
	assert.False(t, ok)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/sources/a", nil).Code)
}

func TestSourcesPersistAcrossRestore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sources.db")

	env := newTestEnv(t, openStore(t, path))
	env.createLive(map[string]any{"id": "a", "name": "Alerts", "x": 5, "y": 6})
	env.createLive(map[string]any{"id": "b", "visible": false})
	env.createLive(map[string]any{"id": "c"})
	require.Equal(t, http.StatusOK, env.do(http.MethodPatch, "/sources/a/settings", map[string]any{"css": "body{}"}).Code)
	require.Equal(t, http.StatusNoContent, env.do(http.MethodPost, "/sources/b/show", nil).Code)
	require.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/sources/c", nil).Code)
	require.NoError(t, env.svc.Shutdown(context.Background()))

	restored := newTestEnv(t, env.store)
	require.NoError(t, restored.svc.Restore(context.Background()))
	views := decode[[]sourceView](t, restored.do(http.MethodGet, "/sources", nil))
	require.Len(t, views, 2)
	assert.Equal(t, "b", views[0].ID)
	assert.True(t, views[0].Visible)
	assert.Equal(t, "a", views[1].ID)
	assert.Equal(t, "Alerts", views[1].Name)
	assert.Equal(t, "body{}", views[1].Settings.CSS)
	assert.Equal(t, point{X: 5, Y: 6}, views[1].Position)

	items := restored.canvas.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID())
}

func TestShutdownReleasesAll(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.createLive(map[string]any{"id": "a"})
	env.createLive(map[string]any{"id": "b"})

	require.NoError(t, env.svc.Shutdown(context.Background()))
	assert.Empty(t, env.eng.Live())
	assert.Equal(t, 0, env.svc.manager.Len())
}
