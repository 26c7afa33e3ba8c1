package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"

	"ups-monitor/internal/discovery"
	"ups-monitor/internal/monitor"
	"ups-monitor/internal/store"
	"ups-monitor/internal/upsapi"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"stream": st.Stream,
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	type statusResponse struct {
		monitor.Status
		ServerHealthy bool   `json:"server_healthy"`
		ServerError   string `json:"server_error,omitempty"`
		WSClients     int    `json:"ws_clients"`
		WSEvicted     uint64 `json:"ws_evicted"`
		WSDropped     uint64 `json:"ws_dropped"`
	}

	ctx, cancel := context.WithTimeout(r.Context(), upsapi.HealthTimeout)
	defer cancel()
	resp := statusResponse{
		Status:        s.engine.Status(),
		ServerHealthy: true,
		WSClients:     s.hub.clientCount(),
		WSEvicted:     s.hub.evicted.Load(),
		WSDropped:     s.hub.dropped.Load(),
	}
	if err := s.engine.Health(ctx); err != nil {
		resp.ServerHealthy = false
		resp.ServerError = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.engine.Devices()
	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	sort.Strings(names)

	views := make([]DeviceView, 0, len(names))
	for _, name := range names {
		views = append(views, s.deviceView(devices[name]))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	dev, ok := s.engine.Device(name)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.deviceView(dev))
}

type sendCommandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleAPISendCommand(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.engine.Device(name); !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}

	var req sendCommandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	command, ok := discovery.ResolveCommand(s.engine.Catalog(), req.Command)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown command"})
		return
	}

	res := s.engine.SendCommand(r.Context(), name, command)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, res)
}

func (s *Server) handleAPIListFacets(w http.ResponseWriter, r *http.Request) {
	facets := s.engine.Facets()
	if device := r.URL.Query().Get("device"); device != "" {
		filtered := facets[:0:0]
		for _, f := range facets {
			if f.Device == device {
				filtered = append(filtered, f)
			}
		}
		facets = filtered
	}
	if facets == nil {
		facets = []discovery.Facet{}
	}
	s.writeJSON(w, http.StatusOK, facets)
}

// deviceConfigRequest carries the password, which DeviceConfig never
// serializes.
type deviceConfigRequest struct {
	Name               string   `json:"name"`
	Type               string   `json:"type"`
	Host               string   `json:"host"`
	Port               int      `json:"port"`
	Username           string   `json:"username"`
	Password           string   `json:"password"`
	SelectedAttributes []string `json:"selected_attributes"`
}

func (req deviceConfigRequest) toConfig() *store.DeviceConfig {
	return &store.DeviceConfig{
		Name:               req.Name,
		Type:               req.Type,
		Host:               req.Host,
		Port:               req.Port,
		Username:           req.Username,
		Password:           req.Password,
		SelectedAttributes: req.SelectedAttributes,
	}
}

func (s *Server) decodeDeviceConfig(w http.ResponseWriter, r *http.Request) (*store.DeviceConfig, bool) {
	var req deviceConfigRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return nil, false
	}
	return req.toConfig(), true
}

func (s *Server) handleAPIListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.engine.ListDeviceConfigs()
	if err != nil {
		s.writeError(w, "list device configs", err)
		return
	}
	if configs == nil {
		configs = []*store.DeviceConfig{}
	}
	s.writeJSON(w, http.StatusOK, configs)
}

func (s *Server) handleAPIAddConfig(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.decodeDeviceConfig(w, r)
	if !ok {
		return
	}
	if err := s.engine.AddDevice(r.Context(), cfg); err != nil {
		s.writeError(w, "add device", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleAPITestConfig(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.decodeDeviceConfig(w, r)
	if !ok {
		return
	}
	attrs, err := s.engine.TestDevice(r.Context(), cfg)
	if err != nil {
		s.writeError(w, "test device", err)
		return
	}
	if attrs == nil {
		attrs = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "attributes": attrs})
}

func (s *Server) handleAPIUpdateConfig(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cfg, ok := s.decodeDeviceConfig(w, r)
	if !ok {
		return
	}
	if err := s.engine.UpdateDevice(r.Context(), name, cfg); err != nil {
		s.writeError(w, "update device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleAPIDeleteConfig(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.engine.RemoveDevice(r.Context(), name); err != nil {
		s.writeError(w, "remove device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps engine errors to HTTP statuses. Validation and lookup
// failures are the caller's fault; remote failures are reported as a bad
// gateway.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	var statusErr *upsapi.StatusError
	var urlErr *url.Error
	switch {
	case errors.Is(err, monitor.ErrInvalidConfig):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, monitor.ErrDuplicateDevice):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
	case errors.As(err, &statusErr), errors.As(err, &urlErr), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, upsapi.ErrDeviceTestFailed), errors.Is(err, upsapi.ErrBadResponse):
		s.logger.Warn(op+" failed", "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		s.logger.Error(op, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
