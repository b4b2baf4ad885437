package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"mihome-go/internal/automation"
	"mihome-go/internal/device"
	"mihome-go/internal/wizard"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// maxRequestBodySize caps JSON request bodies.
const maxRequestBodySize = 1 << 20

// Devices is the read side of the device registry.
type Devices interface {
	Lookup(name string) (device.Record, bool)
	List() []device.Record
	Len() int
}

// Controller sends commands to devices.
type Controller interface {
	SetPowerState(ctx context.Context, name string, on bool) error
	Identify(ctx context.Context, name string) error
	Charge(ctx context.Context, name string) error
	PowerState(name string) bool
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithWizard exposes the configuration wizard over HTTP and WebSocket.
func WithWizard(sessions *wizard.Sessions) ServerOption {
	return func(s *Server) {
		s.wizard = sessions
	}
}

// WithAutomation exposes the script library and the engine running it.
func WithAutomation(engine *automation.Engine, lib *automation.Library) ServerOption {
	return func(s *Server) {
		s.engine = engine
		s.scripts = lib
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP API.
type Server struct {
	devices        Devices
	ctrl           Controller
	wizard         *wizard.Sessions
	wsHub          *WSHub
	logger         *slog.Logger
	router         chi.Router
	apiKey         string
	allowedOrigins []string
	scripts        *automation.Library
	engine         *automation.Engine
	events         *device.EventBus
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the web server and starts its WebSocket hub. Every event
// on the bus is streamed to /ws clients.
func NewServer(devices Devices, ctrl Controller, events *device.EventBus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		devices: devices,
		ctrl:    ctrl,
		events:  events,
		logger:  logger.With("component", "web"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	if events != nil {
		s.unsubEvents = events.On(func(ev device.Event) {
			s.wsHub.Broadcast(s.eventFrame(ev))
		})
	}

	s.router = s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for it to exit.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", s.handleAPIVersion)
		r.Get("/status", s.handleAPIStatus)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleAPIListDevices)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleAPIGetDevice)
				r.Get("/power", s.handleAPIGetPower)
				r.Post("/power", s.handleAPISetPower)
				r.Post("/identify", s.handleAPIIdentify)
				r.Post("/charge", s.handleAPICharge)
			})
		})

		r.Route("/wizard", func(r chi.Router) {
			r.Post("/", s.handleAPIWizardStart)
			r.Post("/{id}", s.handleAPIWizardAdvance)
			r.Delete("/{id}", s.handleAPIWizardTerminate)
		})

		r.Route("/automations", func(r chi.Router) {
			r.Use(s.requireAutomation)
			r.Get("/", s.handleAPIListScripts)
			r.Post("/", s.handleAPICreateScript)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleAPIGetScript)
				r.Put("/", s.handleAPIUpdateScript)
				r.Delete("/", s.handleAPIDeleteScript)
				r.Post("/toggle", s.handleAPIToggleScript)
				r.Post("/run", s.handleAPIRunScript)
			})
		})
		r.With(s.requireAutomation).Post("/lua/run", s.handleAPIRunLua)
	})

	r.Get("/ws", s.handleWS)
	r.Get("/ws/wizard", s.handleWizardWS)
	return r
}

// ServeHTTP implements http.Handler, applying auth and CORS checks.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// WebSocket upgrades cannot carry custom headers, so only /api/ is keyed.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.router.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

type statusView struct {
	Version        string `json:"version"`
	Devices        int    `json:"devices"`
	Reachable      int    `json:"reachable"`
	PoweredOn      int    `json:"powered_on"`
	StreamClients  int    `json:"stream_clients"`
	WizardSessions int    `json:"wizard_sessions"`
	Scripts        int    `json:"scripts"`
	RunningScripts int    `json:"running_scripts"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	st := statusView{
		Version:       s.version,
		Devices:       s.devices.Len(),
		StreamClients: s.wsHub.Clients(),
	}
	for _, rec := range s.devices.List() {
		if rec.Reachable {
			st.Reachable++
		}
		if rec.PowerState {
			st.PoweredOn++
		}
	}
	if s.wizard != nil {
		st.WizardSessions = s.wizard.Len()
	}
	if s.scripts != nil && s.engine != nil {
		for _, sc := range s.scripts.List() {
			st.Scripts++
			if s.engine.Running(sc.ID) {
				st.RunningScripts++
			}
		}
	}
	s.writeJSON(w, http.StatusOK, st)
}
