package api

import (
	"encoding/json"
	"errors"
	"image"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/spectrumlive/spt-notification/lib/canvas"
	"github.com/spectrumlive/spt-notification/lib/logger"
	"github.com/spectrumlive/spt-notification/lib/settings"
	"github.com/spectrumlive/spt-notification/lib/source"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type sourceView struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	URL      string            `json:"url"`
	Settings settings.Settings `json:"settings"`
	Width    int               `json:"width"`
	Height   int               `json:"height"`
	Showing  bool              `json:"showing"`
	Active   bool              `json:"active"`
	Live     bool              `json:"live"`
	Visible  bool              `json:"visible"`
	Position point             `json:"position"`
}

func (s *ApiService) view(src *source.Source) sourceView {
	v := sourceView{
		ID:       src.ID(),
		Name:     s.name(src.ID()),
		URL:      src.URL(),
		Settings: src.Settings(),
		Width:    src.Width(),
		Height:   src.Height(),
		Showing:  src.Showing(),
		Active:   src.Active(),
		Live:     src.Live(),
	}
	if it, ok := s.canvas.Item(src.ID()); ok {
		pos := it.Position()
		v.Visible = it.Showing()
		v.Position = point{X: pos.X, Y: pos.Y}
	}
	return v
}

// lookup resolves the {id} path parameter. It writes a 404 and returns
// false when the source does not exist.
func (s *ApiService) lookup(w http.ResponseWriter, r *http.Request) (*source.Source, bool) {
	id := chi.URLParam(r, "id")
	src, err := s.manager.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "source %s not found", id)
		return nil, false
	}
	return src, true
}

func (s *ApiService) item(w http.ResponseWriter, r *http.Request) (*source.Source, *canvas.Item, bool) {
	src, ok := s.lookup(w, r)
	if !ok {
		return nil, nil, false
	}
	it, ok := s.canvas.Item(src.ID())
	if !ok {
		writeError(w, http.StatusNotFound, "source %s is not on the canvas", src.ID())
		return nil, nil, false
	}
	return src, it, true
}

// parseSettings builds settings from a request object. Without a live_slug
// of its own the object is applied over the configured defaults.
func (s *ApiService) parseSettings(raw json.RawMessage) (settings.Settings, error) {
	var peek struct {
		LiveSlug *string `json:"live_slug"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &peek); err != nil {
			return settings.Settings{}, err
		}
	}
	if peek.LiveSlug != nil {
		return settings.Parse(raw)
	}
	return settings.Defaults(s.liveSlug).Merge(raw)
}

func (s *ApiService) GetDefaults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, settings.Defaults(s.liveSlug))
}

func (s *ApiService) ListSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, lo.Map(s.manager.List(), func(src *source.Source, _ int) sourceView {
		return s.view(src)
	}))
}

type createSourceRequest struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Settings json.RawMessage `json:"settings"`
	X        int             `json:"x"`
	Y        int             `json:"y"`
	Visible  *bool           `json:"visible"`
}

func (s *ApiService) CreateSource(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req createSourceRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	st, err := s.parseSettings(req.Settings)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings: %v", err)
		return
	}
	if err := st.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings: %v", err)
		return
	}
	id := req.ID
	if id == "" {
		id = s.newID()
	}
	name := req.Name
	if name == "" {
		name = id
	}
	p := placement{at: image.Pt(req.X, req.Y), visible: lo.FromPtrOr(req.Visible, true)}

	src, err := s.create(r.Context(), id, name, st, p, true)
	switch {
	case errors.Is(err, source.ErrExists):
		writeError(w, http.StatusConflict, "source %s already exists", id)
		return
	case err != nil && src == nil:
		log.Error("failed to create source", "source", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create source")
		return
	case err != nil:
		log.Error("failed to persist source", "source", id, "err", err)
	}
	log.Info("source added", "source", id, "url", src.URL())
	writeJSON(w, http.StatusCreated, s.view(src))
}

func (s *ApiService) GetSource(w http.ResponseWriter, r *http.Request) {
	src, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(src))
}

func (s *ApiService) DeleteSource(w http.ResponseWriter, r *http.Request) {
	src, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := s.destroy(r.Context(), src); err != nil {
		logger.FromContext(r.Context()).Error("failed to delete stored source", "source", src.ID(), "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateSettings merges the body into the current settings and applies the
// result.
func (s *ApiService) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	src, ok := s.lookup(w, r)
	if !ok {
		return
	}
	patch, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	next, err := src.Settings().Merge(patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings: %v", err)
		return
	}
	if err := next.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings: %v", err)
		return
	}
	src.Update(&next)
	s.watch(r.Context(), src)
	if err := s.persistSettings(r.Context(), src); err != nil {
		logger.FromContext(r.Context()).Error("failed to persist settings", "source", src.ID(), "err", err)
	}
	writeJSON(w, http.StatusOK, s.view(src))
}

func (s *ApiService) setVisible(w http.ResponseWriter, r *http.Request, visible bool) {
	src, it, ok := s.item(w, r)
	if !ok {
		return
	}
	it.SetVisible(visible)
	if s.store != nil {
		pos := it.Position()
		if err := s.store.Place(r.Context(), src.ID(), pos.X, pos.Y, visible); err != nil {
			logger.FromContext(r.Context()).Error("failed to persist visibility", "source", src.ID(), "err", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ApiService) ShowSource(w http.ResponseWriter, r *http.Request) { s.setVisible(w, r, true) }
func (s *ApiService) HideSource(w http.ResponseWriter, r *http.Request) { s.setVisible(w, r, false) }

func (s *ApiService) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	_, it, ok := s.item(w, r)
	if !ok {
		return
	}
	it.SetActive(active)
	w.WriteHeader(http.StatusNoContent)
}

func (s *ApiService) ActivateSource(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, true)
}

func (s *ApiService) DeactivateSource(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, false)
}

func (s *ApiService) RefreshSource(w http.ResponseWriter, r *http.Request) {
	src, ok := s.lookup(w, r)
	if !ok {
		return
	}
	src.Refresh()
	w.WriteHeader(http.StatusNoContent)
}

func (s *ApiService) SourceFrame(w http.ResponseWriter, r *http.Request) {
	src, ok := s.lookup(w, r)
	if !ok {
		return
	}
	frame, ok := src.Frame()
	if !ok {
		writeError(w, http.StatusNotFound, "source %s has not painted yet", src.ID())
		return
	}
	writePNG(w, r, frame.Image)
}

type missingFilesResponse struct {
	Files []string `json:"files"`
}

func (s *ApiService) MissingFiles(w http.ResponseWriter, r *http.Request) {
	src, ok := s.lookup(w, r)
	if !ok {
		return
	}
	files := src.MissingFiles()
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, missingFilesResponse{Files: files})
}

func (s *ApiService) ReplaceMissingFile(w http.ResponseWriter, r *http.Request) {
	src, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	src.ReplaceMissingFile(req.Path)
	s.watch(r.Context(), src)
	if err := s.persistSettings(r.Context(), src); err != nil {
		logger.FromContext(r.Context()).Error("failed to persist settings", "source", src.ID(), "err", err)
	}
	writeJSON(w, http.StatusOK, s.view(src))
}
