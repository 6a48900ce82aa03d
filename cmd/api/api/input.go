package api

import (
	"cmp"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/spectrumlive/spt-notification/lib/engine"
	"github.com/spectrumlive/spt-notification/lib/source"
)

var mouseButtons = map[string]engine.MouseButton{
	"":       engine.MouseLeft,
	"left":   engine.MouseLeft,
	"middle": engine.MouseMiddle,
	"right":  engine.MouseRight,
}

type mouseClickRequest struct {
	engine.MouseEvent
	Button     string `json:"button"`
	Up         bool   `json:"up"`
	ClickCount int    `json:"click_count"`
}

func (s *ApiService) MouseClick(w http.ResponseWriter, r *http.Request) {
	src, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req mouseClickRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	button, ok := mouseButtons[req.Button]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown mouse button %q", req.Button)
		return
	}
	if req.ClickCount <= 0 {
		req.ClickCount = 1
	}
	src.SendMouseClick(req.MouseEvent, button, req.Up, req.ClickCount)
	w.WriteHeader(http.StatusNoContent)
}

func (s *ApiService) MouseMove(w http.ResponseWriter, r *http.Request) {
	src, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req struct {
		engine.MouseEvent
		Leave bool `json:"leave"`
	}
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	src.SendMouseMove(req.MouseEvent, req.Leave)
	w.WriteHeader(http.StatusNoContent)
}

func (s *ApiService) MouseWheel(w http.ResponseWriter, r *http.Request) {
	src, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req struct {
		engine.MouseEvent
		DeltaX int `json:"delta_x"`
		DeltaY int `json:"delta_y"`
	}
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	src.SendMouseWheel(req.MouseEvent, req.DeltaX, req.DeltaY)
	w.WriteHeader(http.StatusNoContent)
}

func (s *ApiService) Focus(w http.ResponseWriter, r *http.Request) {
	src, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req struct {
		Focus bool `json:"focus"`
	}
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	src.SendFocus(req.Focus)
	w.WriteHeader(http.StatusNoContent)
}

func (s *ApiService) Key(w http.ResponseWriter, r *http.Request) {
	src, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req struct {
		source.KeyInput
		Up bool `json:"up"`
	}
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	src.SendKeyClick(req.KeyInput, req.Up)
	w.WriteHeader(http.StatusNoContent)
}

func (s *ApiService) ListHotkeys(w http.ResponseWriter, r *http.Request) {
	src, ok := s.lookup(w, r)
	if !ok {
		return
	}
	hotkeys := src.Hotkeys()
	slices.SortFunc(hotkeys, func(a, b source.Hotkey) int { return cmp.Compare(a.Name, b.Name) })
	writeJSON(w, http.StatusOK, hotkeys)
}

func (s *ApiService) TriggerHotkey(w http.ResponseWriter, r *http.Request) {
	src, ok := s.lookup(w, r)
	if !ok {
		return
	}
	req := struct {
		Pressed bool `json:"pressed"`
	}{Pressed: true}
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	name := chi.URLParam(r, "name")
	if err := src.TriggerHotkey(name, req.Pressed); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
