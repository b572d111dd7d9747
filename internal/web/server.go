package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"kasa-go-home/internal/automation"
	"kasa-go-home/internal/hub"
	"kasa-go-home/internal/kasa"
	"kasa-go-home/internal/protocol"
	"kasa-go-home/internal/store"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey requires the key in X-API-Key on /api/ requests.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets the origins allowed for CORS and WebSocket upgrades.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server serves the REST API and the event WebSocket.
type Server struct {
	hub            *hub.Hub
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts forwarding hub events to
// WebSocket clients.
func NewServer(h *hub.Hub, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		hub:    h,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
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
	s.unsubEvents = h.Events().OnAll(func(event hub.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for it.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("POST /api/devices", s.handleAPIAddDevice)
	s.mux.HandleFunc("GET /api/devices/{addr}", s.handleAPIGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{addr}", s.handleAPIRenameDevice)
	s.mux.HandleFunc("DELETE /api/devices/{addr}", s.handleAPIForgetDevice)
	s.mux.HandleFunc("POST /api/devices/{addr}/refresh", s.handleAPIRefreshDevice)
	s.mux.HandleFunc("POST /api/devices/{addr}/on", s.handleAPISwitch(true))
	s.mux.HandleFunc("POST /api/devices/{addr}/off", s.handleAPISwitch(false))
	s.mux.HandleFunc("POST /api/devices/{addr}/toggle", s.handleAPIToggle)
	s.mux.HandleFunc("POST /api/devices/{addr}/brightness", s.handleAPIBrightness)
	s.mux.HandleFunc("POST /api/devices/{addr}/color", s.handleAPIColor)
	s.mux.HandleFunc("POST /api/devices/{addr}/reboot", s.handleAPIReboot)
	s.mux.HandleFunc("GET /api/devices/{addr}/dimmer", s.handleAPIDimmer)

	s.mux.HandleFunc("GET /api/discovery", s.handleAPIDiscoveryState)
	s.mux.HandleFunc("POST /api/discovery/scan", s.handleAPIScan)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP applies CORS and API key checks before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && len(s.allowedOrigins) > 0 {
		allowed := s.isOriginAllowed(origin)
		if r.Method == http.MethodOptions {
			if !allowed {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet && !allowed {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
	}

	// Browsers cannot set headers on a WebSocket upgrade, so only /api/ is
	// key protected.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// writeError maps device and lookup errors to HTTP statuses. Device-reported
// failures carry their message; anything unexpected is logged and hidden.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	var (
		section     *kasa.SectionError
		unsupported *kasa.UnsupportedError
		unknown     *kasa.UnknownModelError
	)
	switch {
	case errors.Is(err, hub.ErrNotFound), errors.Is(err, store.ErrNotFound), errors.Is(err, automation.ErrScriptNotFound):
		s.writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.As(err, &unsupported):
		s.writeJSON(w, http.StatusBadRequest, errorBody("device does not support "+unsupported.Capability))
	case errors.As(err, &unknown):
		s.writeJSON(w, http.StatusUnprocessableEntity, errorBody("unknown model "+unknown.Model))
	case errors.As(err, &section):
		s.writeJSON(w, http.StatusBadGateway, errorBody(section.Error()))
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		s.writeJSON(w, http.StatusGatewayTimeout, errorBody("device timed out"))
	case errors.Is(err, protocol.ErrTransport), errors.Is(err, protocol.ErrFraming), errors.Is(err, protocol.ErrDecode):
		s.writeJSON(w, http.StatusBadGateway, errorBody("device unreachable"))
	default:
		s.logger.Error(op, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, errorBody("internal server error"))
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write json", "err", err)
	}
}

// decodeBody reads a JSON body of at most 1 MB. An empty body leaves v as is.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
