package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/spectrumlive/spt-notification/lib/frontend"
	"github.com/spectrumlive/spt-notification/lib/logger"
	"github.com/spectrumlive/spt-notification/lib/settings"
	"github.com/spectrumlive/spt-notification/lib/source"
)

type dispatchResult struct {
	ID        string `json:"id"`
	EventName string `json:"event_name"`
	Sources   int    `json:"sources"`
}

func (s *ApiService) broadcast(w http.ResponseWriter, r *http.Request, ev frontend.Event) {
	id := uuid.NewString()
	s.manager.DispatchAll(ev.Name, ev.JSON)
	n := s.manager.Len()
	logger.FromContext(r.Context()).Info("event dispatched", "event_id", id, "event", ev.Name, "sources", n)
	writeJSON(w, http.StatusAccepted, dispatchResult{ID: id, EventName: ev.Name, Sources: n})
}

// EmitEvent broadcasts a custom event, the equivalent of the obs-websocket
// emit_event vendor request.
func (s *ApiService) EmitEvent(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if err := decodeBody(r, &data, true); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	ev, err := frontend.EmitEvent(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.broadcast(w, r, ev)
}

// FrontendEvent injects a host application event. The body, if any, is the
// event payload and is passed through unexamined.
func (s *ApiService) FrontendEvent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !frontend.Known(name) {
		writeError(w, http.StatusNotFound, "unknown frontend event %s", name)
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	payload := source.NullPayload
	if len(body) > 0 {
		payload = string(body)
	}
	s.broadcast(w, r, frontend.Event{Name: name, JSON: payload})
}

// JavascriptEvent dispatches a custom event into one page through the
// source's javascript_event procedure.
func (s *ApiService) JavascriptEvent(w http.ResponseWriter, r *http.Request) {
	src, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req struct {
		EventName  string  `json:"eventName"`
		JSONString *string `json:"jsonString"`
	}
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.EventName == "" {
		writeError(w, http.StatusBadRequest, "eventName is required")
		return
	}
	args := map[string]string{"eventName": req.EventName}
	if req.JSONString != nil {
		args["jsonString"] = *req.JSONString
	}
	if err := src.CallProcedure(source.ProcJavascriptEvent, args); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ApiService) CanvasFrame(w http.ResponseWriter, r *http.Request) {
	frame := s.canvas.Snapshot()
	if frame == nil {
		frame = s.canvas.RenderFrame()
	}
	writePNG(w, r, frame)
}

func (s *ApiService) SetCanvasFPS(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FPS int `json:"fps"`
	}
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.FPS < settings.MinFPS || req.FPS > settings.MaxFPS {
		writeError(w, http.StatusBadRequest, "fps must be between %d and %d", settings.MinFPS, settings.MaxFPS)
		return
	}
	if err := s.canvas.SetFPS(req.FPS); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
