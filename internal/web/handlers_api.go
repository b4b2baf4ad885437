package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"mihome-go/internal/device"
	"mihome-go/internal/dispatch"

	"github.com/go-chi/chi/v5"
)

// deviceView is the API representation of a device record. Hex command
// codes are reported only as capabilities.
type deviceView struct {
	Name         string `json:"name"`
	IP           string `json:"ip"`
	On           bool   `json:"on"`
	Reachable    bool   `json:"reachable"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Serial       string `json:"serial"`
	CanPower     bool   `json:"can_power"`
	CanIdentify  bool   `json:"can_identify"`
	CanCharge    bool   `json:"can_charge"`
}

func newDeviceView(rec device.Record) deviceView {
	manufacturer, model, serial := rec.Info()
	return deviceView{
		Name:         rec.Name,
		IP:           rec.IP,
		On:           rec.PowerState,
		Reachable:    rec.Reachable,
		Manufacturer: manufacturer,
		Model:        model,
		Serial:       serial,
		CanPower:     rec.Start != "" && rec.Stop != "",
		CanIdentify:  rec.Locate != "",
		CanCharge:    rec.Charge != "",
	}
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	records := s.devices.List()
	views := make([]deviceView, 0, len(records))
	for _, rec := range records {
		views = append(views, newDeviceView(rec))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, newDeviceView(rec))
}

type powerBody struct {
	On *bool `json:"on"`
}

type powerView struct {
	Name string `json:"name"`
	On   bool   `json:"on"`
}

func (s *Server) handleAPIGetPower(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, powerView{Name: rec.Name, On: s.ctrl.PowerState(rec.Name)})
}

func (s *Server) handleAPISetPower(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	var req powerBody
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.On == nil {
		s.writeError(w, http.StatusBadRequest, `"on" is required`)
		return
	}

	if err := s.ctrl.SetPowerState(r.Context(), rec.Name, *req.On); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, powerView{Name: rec.Name, On: s.ctrl.PowerState(rec.Name)})
}

func (s *Server) handleAPIIdentify(w http.ResponseWriter, r *http.Request) {
	s.oneShot(w, r, s.ctrl.Identify)
}

func (s *Server) handleAPICharge(w http.ResponseWriter, r *http.Request) {
	s.oneShot(w, r, s.ctrl.Charge)
}

func (s *Server) oneShot(w http.ResponseWriter, r *http.Request, send func(context.Context, string) error) {
	rec, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	if err := send(r.Context(), rec.Name); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (device.Record, bool) {
	name := chi.URLParam(r, "name")
	rec, ok := s.devices.Lookup(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
	}
	return rec, ok
}

// writeCommandError maps a dispatcher error to a status: a missing command
// code or address is a configuration conflict, anything else a failed
// delivery.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	if errors.Is(err, dispatch.ErrNoCommand) || errors.Is(err, dispatch.ErrNoEndpoint) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeError(w, http.StatusBadGateway, err.Error())
}

// decodeJSON reads a bounded JSON body into v, answering 400 on failure.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
