package api

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/nrednav/cuid2"

	"github.com/spectrumlive/spt-notification/lib/canvas"
	"github.com/spectrumlive/spt-notification/lib/localwatch"
	"github.com/spectrumlive/spt-notification/lib/logger"
	"github.com/spectrumlive/spt-notification/lib/settings"
	"github.com/spectrumlive/spt-notification/lib/source"
	"github.com/spectrumlive/spt-notification/lib/store"
)

// FrontendStatus reports whether the host application is connected.
type FrontendStatus interface {
	Connected() bool
}

type ApiService struct {
	manager *source.Manager
	canvas  *canvas.Canvas

	// store and watcher are optional.
	store    *store.Store
	watcher  *localwatch.Watcher
	frontend FrontendStatus

	liveSlug string
	newID    func() string

	// names holds display names by source id.
	mu    sync.Mutex
	names map[string]string
}

type Option func(*ApiService)

func WithStore(st *store.Store) Option {
	return func(s *ApiService) { s.store = st }
}

func WithWatcher(w *localwatch.Watcher) Option {
	return func(s *ApiService) { s.watcher = w }
}

func WithFrontend(f FrontendStatus) Option {
	return func(s *ApiService) { s.frontend = f }
}

// WithLiveSlug sets the live page new sources load by default.
func WithLiveSlug(slug string) Option {
	return func(s *ApiService) { s.liveSlug = slug }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *ApiService) { s.newID = fn }
}

func New(m *source.Manager, c *canvas.Canvas, opts ...Option) *ApiService {
	s := &ApiService{
		manager: m,
		canvas:  c,
		newID:   cuid2.Generate,
		names:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes registers the API handlers on r.
func (s *ApiService) Routes(r chi.Router) {
	r.Get("/health", s.Health)
	r.Route("/sources", func(r chi.Router) {
		r.Get("/", s.ListSources)
		r.Post("/", s.CreateSource)
		r.Get("/defaults", s.GetDefaults)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.GetSource)
			r.Delete("/", s.DeleteSource)
			r.Patch("/settings", s.UpdateSettings)
			r.Post("/show", s.ShowSource)
			r.Post("/hide", s.HideSource)
			r.Post("/activate", s.ActivateSource)
			r.Post("/deactivate", s.DeactivateSource)
			r.Post("/refresh", s.RefreshSource)
			r.Post("/javascript_event", s.JavascriptEvent)
			r.Get("/hotkeys", s.ListHotkeys)
			r.Post("/hotkeys/{name}", s.TriggerHotkey)
			r.Post("/input/mouse/click", s.MouseClick)
			r.Post("/input/mouse/move", s.MouseMove)
			r.Post("/input/mouse/wheel", s.MouseWheel)
			r.Post("/input/focus", s.Focus)
			r.Post("/input/key", s.Key)
			r.Get("/frame", s.SourceFrame)
			r.Get("/missing-files", s.MissingFiles)
			r.Post("/missing-files", s.ReplaceMissingFile)
		})
	})
	r.Post("/events", s.EmitEvent)
	r.Post("/frontend/events/{name}", s.FrontendEvent)
	r.Get("/canvas/frame", s.CanvasFrame)
	r.Put("/canvas/fps", s.SetCanvasFPS)
}

type healthResponse struct {
	Status            string `json:"status"`
	Sources           int    `json:"sources"`
	FrontendConnected bool   `json:"frontend_connected"`
}

func (s *ApiService) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Sources: s.manager.Len()}
	if s.frontend != nil {
		resp.FrontendConnected = s.frontend.Connected()
	}
	writeJSON(w, http.StatusOK, resp)
}

// placement is where a source sits on the canvas.
type placement struct {
	at      image.Point
	visible bool
}

// create places a source on the canvas, creates it and starts watching its
// local file. With persist set the source is also saved.
func (s *ApiService) create(ctx context.Context, id, name string, st settings.Settings, p placement, persist bool) (*source.Source, error) {
	if _, err := s.manager.Get(id); err == nil {
		return nil, fmt.Errorf("%w: %s", source.ErrExists, id)
	}
	item, err := s.canvas.Add(id, p.at)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", source.ErrExists, id)
	}
	src, err := s.manager.Create(id, st, item)
	if err != nil {
		s.canvas.Remove(id)
		return nil, err
	}
	item.Attach(src)
	item.SetVisible(p.visible)
	s.watch(ctx, src)

	s.mu.Lock()
	s.names[id] = name
	s.mu.Unlock()

	if persist && s.store != nil {
		rec, err := store.NewRecord(id, name, st)
		if err != nil {
			return src, err
		}
		rec.X, rec.Y, rec.Visible = p.at.X, p.at.Y, p.visible
		if rec.Position, err = s.store.NextPosition(ctx); err != nil {
			return src, err
		}
		if err := s.store.Save(ctx, rec); err != nil {
			return src, err
		}
	}
	return src, nil
}

// destroy removes a source from every place it is tracked.
func (s *ApiService) destroy(ctx context.Context, src *source.Source) error {
	id := src.ID()
	src.Destroy()
	s.canvas.Remove(id)
	if s.watcher != nil {
		s.watcher.Unwatch(id)
	}
	s.mu.Lock()
	delete(s.names, id)
	s.mu.Unlock()
	if s.store != nil {
		if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return nil
}

// watch follows the source's local file, or stops following when it has
// none.
func (s *ApiService) watch(ctx context.Context, src *source.Source) {
	if s.watcher == nil {
		return
	}
	path, _ := src.LocalFile()
	if err := s.watcher.Watch(src.ID(), path, src); err != nil {
		logger.FromContext(ctx).Warn("failed to watch local file", "source", src.ID(), "path", path, "err", err)
	}
}

func (s *ApiService) persistSettings(ctx context.Context, src *source.Source) error {
	if s.store == nil {
		return nil
	}
	return s.store.UpdateSettings(ctx, src.ID(), src.Settings())
}

func (s *ApiService) name(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[id]
}

// Restore recreates the stored sources, bottom of the canvas first. Records
// that fail to decode or validate are skipped.
func (s *ApiService) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	log := logger.FromContext(ctx)
	records, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		st, err := rec.Decode()
		if err == nil {
			err = st.Validate()
		}
		if err != nil {
			log.Error("skipping stored source", "source", rec.ID, "err", err)
			continue
		}
		p := placement{at: image.Pt(rec.X, rec.Y), visible: rec.Visible}
		if _, err := s.create(ctx, rec.ID, rec.Name, st, p, false); err != nil {
			log.Error("failed to restore source", "source", rec.ID, "err", err)
			continue
		}
	}
	log.Info("sources restored", "count", s.manager.Len())
	return nil
}

// Shutdown destroys every source and waits for their browsers to be
// released.
func (s *ApiService) Shutdown(ctx context.Context) error {
	return s.manager.Close(ctx)
}
