package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ups-monitor/internal/discovery"
	"ups-monitor/internal/entity"
	"ups-monitor/internal/monitor"
	"ups-monitor/internal/store"
	"ups-monitor/internal/upsapi"
)

// Engine is the monitoring engine the web API exposes.
type Engine interface {
	Devices() map[string]store.DeviceSnapshot
	Device(name string) (store.DeviceSnapshot, bool)
	Facets() []discovery.Facet
	Catalog() []discovery.Command
	Status() monitor.Status
	SendCommand(ctx context.Context, device, command string) upsapi.CommandResult
	Health(ctx context.Context) error

	ListDeviceConfigs() ([]*store.DeviceConfig, error)
	TestDevice(ctx context.Context, cfg *store.DeviceConfig) ([]string, error)
	AddDevice(ctx context.Context, cfg *store.DeviceConfig) error
	UpdateDevice(ctx context.Context, name string, cfg *store.DeviceConfig) error
	RemoveDevice(ctx context.Context, name string) error

	OnChange(func(store.Change)) func()
	OnDiscovered(func([]discovery.Facet)) func()
	OnStreamState(func(monitor.StreamState)) func()
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

// WithVersion sets the application version string reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithMetrics serves the gatherer's metrics at /metrics.
func WithMetrics(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.metrics = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
}

// Server is the local HTTP API.
type Server struct {
	engine         Engine
	hub            *eventHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	metrics        http.Handler
	wg             sync.WaitGroup
	unsubs         []func()
}

// NewServer creates the web server and starts its websocket hub.
func NewServer(engine Engine, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		engine: engine,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.hub = newEventHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.run()
	}()

	s.unsubs = append(s.unsubs,
		engine.OnChange(func(c store.Change) {
			s.hub.publish(wsEvent{Type: eventStateChanged, Data: map[string]any{
				"version": c.Version,
				"updated": c.Updated,
				"devices": s.deviceStates(),
			}})
		}),
		engine.OnDiscovered(func(facets []discovery.Facet) {
			s.hub.publish(wsEvent{Type: eventFacetsDiscovered, Data: facets})
		}),
		engine.OnStreamState(func(st monitor.StreamState) {
			s.hub.publish(wsEvent{Type: eventStreamState, Data: map[string]string{"state": st.String()}})
		}),
	)

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.hub.stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}

	// Mirrored state
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{name}", s.handleAPIGetDevice)
	s.mux.HandleFunc("POST /api/devices/{name}/command", s.handleAPISendCommand)
	s.mux.HandleFunc("GET /api/facets", s.handleAPIListFacets)
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Device registry
	s.mux.HandleFunc("GET /api/config/devices", s.handleAPIListConfigs)
	s.mux.HandleFunc("POST /api/config/devices", s.handleAPIAddConfig)
	s.mux.HandleFunc("POST /api/config/devices/test", s.handleAPITestConfig)
	s.mux.HandleFunc("PUT /api/config/devices/{name}", s.handleAPIUpdateConfig)
	s.mux.HandleFunc("DELETE /api/config/devices/{name}", s.handleAPIDeleteConfig)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
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

	if s.apiKey != "" {
		// Only /api/ is key-protected. Browsers cannot send custom headers
		// on a WebSocket upgrade, and scrapers hit /metrics and /healthz.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
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

// DeviceView is the presented form of one mirrored device.
type DeviceView struct {
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	Status     string                 `json:"status"`
	Info       entity.DeviceInfo      `json:"info"`
	State      map[string]any         `json:"state"`
	Attributes map[string]store.Value `json:"attributes"`
	Commands   []discovery.Command    `json:"commands,omitempty"`
}

func (s *Server) deviceView(dev store.DeviceSnapshot) DeviceView {
	v := DeviceView{
		Name:       dev.Name,
		Type:       dev.Type,
		Status:     store.DeviceStatus(&dev),
		Info:       entity.BuildDeviceInfo(dev),
		State:      entity.State(&dev),
		Attributes: dev.Attributes,
	}
	for _, c := range s.engine.Catalog() {
		if c.AppliesTo(dev.Type) {
			v.Commands = append(v.Commands, c)
		}
	}
	return v
}

func (s *Server) deviceStates() map[string]map[string]any {
	devices := s.engine.Devices()
	out := make(map[string]map[string]any, len(devices))
	for name, dev := range devices {
		out[name] = entity.State(&dev)
	}
	return out
}
