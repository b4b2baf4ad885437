package web

import (
	"context"
	"errors"
	"net/http"

	"mihome-go/internal/wizard"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// wizardReply is one wizard turn as seen by HTTP and WebSocket clients.
type wizardReply struct {
	ID     string         `json:"id"`
	Screen *wizard.Screen `json:"screen,omitempty"`
	Done   bool           `json:"done"`
	Error  string         `json:"error,omitempty"`
}

func (s *Server) handleAPIWizardStart(w http.ResponseWriter, r *http.Request) {
	if !s.wizardEnabled(w) {
		return
	}
	id, res, err := s.wizard.Start(r.Context())
	if err != nil {
		s.logger.Error("wizard start", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, wizardReply{ID: id, Done: true, Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusCreated, wizardReply{ID: id, Screen: res.Screen, Done: res.Done})
}

func (s *Server) handleAPIWizardAdvance(w http.ResponseWriter, r *http.Request) {
	if !s.wizardEnabled(w) {
		return
	}
	id := chi.URLParam(r, "id")

	var req wizard.Request
	if !s.decodeJSON(w, r, &req) {
		return
	}

	res, err := s.wizard.Advance(r.Context(), id, req)
	switch {
	case errors.Is(err, wizard.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.logger.Error("wizard advance", "session", id, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, wizardReply{ID: id, Done: res.Done, Error: err.Error()})
	default:
		s.writeJSON(w, http.StatusOK, wizardReply{ID: id, Screen: res.Screen, Done: res.Done})
	}
}

func (s *Server) handleAPIWizardTerminate(w http.ResponseWriter, r *http.Request) {
	if !s.wizardEnabled(w) {
		return
	}
	if err := s.wizard.Terminate(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWizardWS runs one wizard session over a WebSocket: the server writes
// a reply, reads one request, and repeats until the session is done. A
// dropped connection terminates the session.
func (s *Server) handleWizardWS(w http.ResponseWriter, r *http.Request) {
	if !s.wizardEnabled(w) {
		return
	}
	conn, err := s.acceptWS(w, r)
	if err != nil {
		s.logger.Error("wizard ws accept", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	id, res, err := s.wizard.Start(ctx)
	for {
		reply := wizardReply{ID: id, Screen: res.Screen, Done: res.Done}
		if err != nil {
			reply.Error = err.Error()
		}
		if werr := wsjson.Write(ctx, conn, reply); werr != nil {
			s.logger.Debug("wizard ws write", "session", id, "err", werr)
			break
		}
		if res.Done || err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}

		var req wizard.Request
		if rerr := wsjson.Read(ctx, conn, &req); rerr != nil {
			s.logger.Debug("wizard ws read", "session", id, "err", rerr)
			break
		}
		res, err = s.wizard.Advance(ctx, id, req)
	}

	// Connection lost mid-session.
	if terr := s.wizard.Terminate(context.Background(), id); terr != nil && !errors.Is(terr, wizard.ErrSessionNotFound) {
		s.logger.Warn("wizard ws terminate", "session", id, "err", terr)
	}
}

func (s *Server) wizardEnabled(w http.ResponseWriter) bool {
	if s.wizard == nil {
		s.writeError(w, http.StatusServiceUnavailable, "wizard not available")
		return false
	}
	return true
}
