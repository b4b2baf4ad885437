package web

import (
	"errors"
	"net/http"

	"mihome-go/internal/automation"

	"github.com/go-chi/chi/v5"
)

// scriptView is a stored script plus its live state. Missing lists target
// devices that have since left the registry.
type scriptView struct {
	*automation.Script
	Running bool     `json:"running"`
	Missing []string `json:"missing_devices,omitempty"`
}

func (s *Server) newScriptView(sc *automation.Script) scriptView {
	v := scriptView{Script: sc, Running: s.engine.Running(sc.ID)}
	if v.Devices == nil {
		v.Devices = []string{}
	}
	for _, name := range sc.Devices {
		if _, ok := s.devices.Lookup(name); !ok {
			v.Missing = append(v.Missing, name)
		}
	}
	return v
}

type scriptBody struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Devices     []string `json:"devices"`
	Code        string   `json:"code"`
	Enabled     bool     `json:"enabled"`
}

func (b scriptBody) apply(sc *automation.Script) {
	sc.Name = b.Name
	sc.Description = b.Description
	sc.Devices = b.Devices
	sc.Code = b.Code
	sc.Enabled = b.Enabled
}

// requireAutomation answers 503 when no script library is configured.
func (s *Server) requireAutomation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.scripts == nil || s.engine == nil {
			s.writeError(w, http.StatusServiceUnavailable, "automation not available")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAPIListScripts(w http.ResponseWriter, r *http.Request) {
	scripts := s.scripts.List()
	views := make([]scriptView, 0, len(scripts))
	for _, sc := range scripts {
		views = append(views, s.newScriptView(sc))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetScript(w http.ResponseWriter, r *http.Request) {
	sc, err := s.scripts.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeScriptError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.newScriptView(sc))
}

func (s *Server) handleAPICreateScript(w http.ResponseWriter, r *http.Request) {
	var body scriptBody
	if !s.decodeJSON(w, r, &body) {
		return
	}
	sc := &automation.Script{}
	body.apply(sc)
	s.saveScript(w, sc, http.StatusCreated)
}

func (s *Server) handleAPIUpdateScript(w http.ResponseWriter, r *http.Request) {
	sc, err := s.scripts.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeScriptError(w, err)
		return
	}
	var body scriptBody
	if !s.decodeJSON(w, r, &body) {
		return
	}
	body.apply(sc)
	s.saveScript(w, sc, http.StatusOK)
}

func (s *Server) saveScript(w http.ResponseWriter, sc *automation.Script, status int) {
	saved, err := s.scripts.Save(sc)
	if err != nil {
		s.writeScriptError(w, err)
		return
	}
	s.syncEngine(saved)
	s.writeJSON(w, status, s.newScriptView(saved))
}

func (s *Server) handleAPIToggleScript(w http.ResponseWriter, r *http.Request) {
	sc, err := s.scripts.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeScriptError(w, err)
		return
	}
	saved, err := s.scripts.SetEnabled(sc.ID, !sc.Enabled)
	if err != nil {
		s.writeScriptError(w, err)
		return
	}
	s.syncEngine(saved)
	s.writeJSON(w, http.StatusOK, s.newScriptView(saved))
}

func (s *Server) handleAPIDeleteScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.scripts.Delete(id); err != nil {
		s.writeScriptError(w, err)
		return
	}
	s.engine.Halt(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAPIRunScript(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Run(chi.URLParam(r, "id"))
	if err != nil {
		s.writeScriptError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleAPIRunLua runs code from the request body once, without storing it.
func (s *Server) handleAPIRunLua(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if !s.decodeJSON(w, r, &body) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.RunCode(body.Code))
}

// syncEngine starts or stops the script's VM to match its saved state. A
// script that fails to start stays saved; the failure is logged.
func (s *Server) syncEngine(sc *automation.Script) {
	if !sc.Enabled {
		s.engine.Halt(sc.ID)
		return
	}
	if err := s.engine.Reload(sc.ID); err != nil {
		s.logger.Error("start script", "id", sc.ID, "err", err)
	}
}

// writeScriptError maps library errors: unknown scripts are 404, malformed
// ones 400, and unknown target devices 422 with the offending names.
func (s *Server) writeScriptError(w http.ResponseWriter, err error) {
	var unknown *automation.UnknownDeviceError
	switch {
	case errors.As(err, &unknown):
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":           err.Error(),
			"unknown_devices": unknown.Names,
		})
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeError(w, http.StatusNotFound, "script not found")
	case errors.Is(err, automation.ErrInvalidScript):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, automation.ErrDisabled):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("script request", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
