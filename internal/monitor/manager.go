package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ups-monitor/internal/discovery"
	"ups-monitor/internal/store"
	"ups-monitor/internal/upsapi"
)

var (
	// ErrInvalidConfig is returned for device registrations that fail
	// validation.
	ErrInvalidConfig = errors.New("invalid device config")
	// ErrDuplicateDevice is returned when a device name is already taken.
	ErrDuplicateDevice = errors.New("device already exists")
	// ErrNotRunning is returned when no connection is active.
	ErrNotRunning = errors.New("monitor not running")
)

// Default ports of the monitored daemons.
const (
	DefaultNUTPort     = 3493
	DefaultApcupsdPort = 3551
)

// DefaultReloadDelay is how long after a registry change the connection is
// rebuilt.
const DefaultReloadDelay = 2 * time.Second

const settingConnectionID = "connection_id"

// Remote is the full remote API the manager drives.
type Remote interface {
	API
	Health(ctx context.Context) error
	TestDevice(ctx context.Context, reg upsapi.DeviceRegistration) ([]string, error)
	RegisterDevice(ctx context.Context, reg upsapi.DeviceRegistration) error
	DeleteDevice(ctx context.Context, name string) error
}

// Config configures a Manager.
type Config struct {
	ConnectionID   string
	Devices        []string
	ReconnectDelay time.Duration
	ReloadDelay    time.Duration
	Seed           SeedPolicy
	Catalog        []discovery.Command
}

// Status summarizes the active connection.
type Status struct {
	ConnectionID    string   `json:"connection_id"`
	ServerURL       string   `json:"server_url"`
	Stream          string   `json:"stream"`
	Devices         []string `json:"devices"`
	ConfiguredNames []string `json:"configured_names"`
	Facets          int      `json:"facets"`
	Version         uint64   `json:"version"`
	SeedAttempts    int      `json:"seed_attempts"`
	SeedConverged   bool     `json:"seed_converged"`
}

// Manager owns the active Connection and rebuilds it when the device
// registry changes. Observers subscribe on the manager and keep receiving
// events across rebuilds.
type Manager struct {
	cfg      Config
	remote   Remote
	registry store.Registry
	logger   *slog.Logger
	metrics  *Metrics

	connID string

	mu      sync.RWMutex
	conn    *Connection
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool

	reloadMu    sync.Mutex
	reloadTimer *time.Timer
	reloading   sync.Mutex

	changes    *handlerSet[store.Change]
	discovered *handlerSet[[]discovery.Facet]
	reloads    *handlerSet[string]
	states     *handlerSet[StreamState]
}

// NewManager creates a manager. registry may be nil, in which case only the
// configured device list forms the allow-list and device administration is
// unavailable.
func NewManager(cfg Config, remote Remote, registry store.Registry, logger *slog.Logger, metrics *Metrics) (*Manager, error) {
	if cfg.ReloadDelay <= 0 {
		cfg.ReloadDelay = DefaultReloadDelay
	}
	logger = logger.With("component", "monitor")

	m := &Manager{
		cfg:        cfg,
		remote:     remote,
		registry:   registry,
		logger:     logger,
		metrics:    metrics,
		changes:    newHandlerSet[store.Change]("change", logger),
		discovered: newHandlerSet[[]discovery.Facet]("discovery", logger),
		reloads:    newHandlerSet[string]("reload", logger),
		states:     newHandlerSet[StreamState]("stream_state", logger),
	}

	id, err := m.resolveConnectionID()
	if err != nil {
		return nil, err
	}
	m.connID = id
	return m, nil
}

// resolveConnectionID prefers the configured id, then a persisted one, and
// otherwise generates and persists a new one.
func (m *Manager) resolveConnectionID() (string, error) {
	if m.cfg.ConnectionID != "" {
		return m.cfg.ConnectionID, nil
	}
	if m.registry == nil {
		return uuid.NewString(), nil
	}
	id, err := m.registry.GetSetting(settingConnectionID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load connection id: %w", err)
	}
	id = uuid.NewString()
	if err := m.registry.SaveSetting(settingConnectionID, id); err != nil {
		return "", fmt.Errorf("save connection id: %w", err)
	}
	return id, nil
}

// ConnectionID returns the stable connection id.
func (m *Manager) ConnectionID() string { return m.connID }

// OnChange registers a store change handler.
func (m *Manager) OnChange(h func(store.Change)) func() { return m.changes.add(h) }

// OnDiscovered registers a handler for newly discovered facets.
func (m *Manager) OnDiscovered(h func([]discovery.Facet)) func() { return m.discovered.add(h) }

// OnReload registers a handler called with the connection id after a new
// connection replaced the old one. Its ledger starts empty.
func (m *Manager) OnReload(h func(string)) func() { return m.reloads.add(h) }

// OnStreamState registers a handler for stream state transitions.
func (m *Manager) OnStreamState(h func(StreamState)) func() { return m.states.add(h) }

// Start builds and starts the first connection.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return fmt.Errorf("monitor already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	conn, err := m.newConnection()
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.conn = conn
	runCtx := m.ctx
	m.mu.Unlock()

	conn.Start(runCtx)
	m.logger.Info("monitor started", "connection", m.connID, "server", m.remote.ServerURL())
	return nil
}

// Stop halts the active connection and any pending reload.
func (m *Manager) Stop() {
	m.reloadMu.Lock()
	if m.reloadTimer != nil {
		m.reloadTimer.Stop()
		m.reloadTimer = nil
	}
	m.reloadMu.Unlock()

	m.mu.Lock()
	m.stopped = true
	conn := m.conn
	m.conn = nil
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Stop()
	}
}

// Reload replaces the active connection with a fresh one built from the
// current allow-list. The old connection is fully stopped first.
func (m *Manager) Reload() error {
	m.reloading.Lock()
	defer m.reloading.Unlock()

	m.mu.Lock()
	if m.stopped || m.ctx == nil {
		m.mu.Unlock()
		return ErrNotRunning
	}
	old := m.conn
	m.conn = nil
	runCtx := m.ctx
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}

	conn, err := m.newConnection()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.conn = conn
	m.mu.Unlock()

	m.metrics.reloaded()
	m.logger.Info("reloading connection", "devices", conn.Snapshot().ConfiguredNames())
	m.reloads.emit(m.connID)
	conn.Start(runCtx)
	return nil
}

// ScheduleReload debounces reload requests into one reload after the
// configured delay.
func (m *Manager) ScheduleReload() {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	if m.reloadTimer != nil {
		m.reloadTimer.Stop()
	}
	m.reloadTimer = time.AfterFunc(m.cfg.ReloadDelay, func() {
		if err := m.Reload(); err != nil && !errors.Is(err, ErrNotRunning) {
			m.logger.Error("reload failed", "err", err)
		}
	})
}

func (m *Manager) newConnection() (*Connection, error) {
	names, err := m.configuredNames()
	if err != nil {
		return nil, err
	}
	conn, err := NewConnection(ConnectionConfig{
		ID:             m.connID,
		Names:          names,
		ReconnectDelay: m.cfg.ReconnectDelay,
		Seed:           m.cfg.Seed,
		Catalog:        m.cfg.Catalog,
	}, m.remote, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}
	conn.Snapshot().Subscribe(m.changes.emit)
	conn.Reconciler().OnDiscovered(m.discovered.emit)
	conn.OnStreamState(m.states.emit)
	return conn, nil
}

// configuredNames merges the static device list with the registry.
func (m *Manager) configuredNames() ([]string, error) {
	set := make(map[string]struct{})
	for _, n := range m.cfg.Devices {
		set[n] = struct{}{}
	}
	if m.registry != nil {
		names, err := m.registry.DeviceNames()
		if err != nil {
			return nil, fmt.Errorf("load device names: %w", err)
		}
		for _, n := range names {
			set[n] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) current() *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// Devices returns a copy of the current device table.
func (m *Manager) Devices() map[string]store.DeviceSnapshot {
	conn := m.current()
	if conn == nil {
		return map[string]store.DeviceSnapshot{}
	}
	return conn.Snapshot().Devices()
}

// Device returns one device from the current table.
func (m *Manager) Device(name string) (store.DeviceSnapshot, bool) {
	conn := m.current()
	if conn == nil {
		return store.DeviceSnapshot{}, false
	}
	return conn.Snapshot().Device(name)
}

// ConfiguredNames returns the allow-list of the current connection.
func (m *Manager) ConfiguredNames() []string {
	conn := m.current()
	if conn == nil {
		return nil
	}
	return conn.Snapshot().ConfiguredNames()
}

// Facets returns every facet discovered on the current connection.
func (m *Manager) Facets() []discovery.Facet {
	conn := m.current()
	if conn == nil {
		return nil
	}
	return conn.Reconciler().Ledger().Facets()
}

// Catalog returns the command catalog in use.
func (m *Manager) Catalog() []discovery.Command {
	if m.cfg.Catalog != nil {
		return m.cfg.Catalog
	}
	return discovery.DefaultCatalog
}

// Status summarizes the current connection.
func (m *Manager) Status() Status {
	st := Status{
		ConnectionID: m.connID,
		ServerURL:    m.remote.ServerURL(),
		Stream:       StateStopped.String(),
	}
	conn := m.current()
	if conn == nil {
		return st
	}
	seed := conn.SeedInfo()
	st.Stream = conn.StreamState().String()
	st.Devices = conn.Snapshot().Names()
	st.ConfiguredNames = conn.Snapshot().ConfiguredNames()
	st.Facets = conn.Reconciler().Ledger().Len()
	st.Version = conn.Snapshot().Version()
	st.SeedAttempts = seed.Attempts
	st.SeedConverged = seed.Converged
	return st
}

// SendCommand dispatches one command to one device.
func (m *Manager) SendCommand(ctx context.Context, device, command string) upsapi.CommandResult {
	conn := m.current()
	if conn == nil {
		return upsapi.CommandResult{Success: false, Error: ErrNotRunning.Error()}
	}
	return conn.SendCommand(ctx, device, command)
}

// Health probes the remote server.
func (m *Manager) Health(ctx context.Context) error {
	return m.remote.Health(ctx)
}

// ListDeviceConfigs returns the registry contents.
func (m *Manager) ListDeviceConfigs() ([]*store.DeviceConfig, error) {
	if m.registry == nil {
		return nil, nil
	}
	return m.registry.ListDevices()
}

// TestDevice validates cfg and asks the server to probe it. Returns the
// attribute names the device reports.
func (m *Manager) TestDevice(ctx context.Context, cfg *store.DeviceConfig) ([]string, error) {
	if err := normalizeDeviceConfig(cfg); err != nil {
		return nil, err
	}
	return m.remote.TestDevice(ctx, upsapi.RegistrationFromConfig(cfg))
}

// AddDevice registers a new device on the server and in the registry, then
// schedules a reload.
func (m *Manager) AddDevice(ctx context.Context, cfg *store.DeviceConfig) error {
	if m.registry == nil {
		return fmt.Errorf("%w: device registry disabled", ErrInvalidConfig)
	}
	if err := normalizeDeviceConfig(cfg); err != nil {
		return err
	}
	if _, err := m.registry.GetDevice(cfg.Name); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, cfg.Name)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if err := m.remote.RegisterDevice(ctx, upsapi.RegistrationFromConfig(cfg)); err != nil {
		return err
	}
	cfg.UpdatedAt = time.Now()
	if err := m.registry.SaveDevice(cfg); err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	m.logger.Info("device added", "name", cfg.Name, "type", cfg.Type)
	m.ScheduleReload()
	return nil
}

// UpdateDevice replaces the registration called name with cfg. An empty
// password keeps the stored one. A rename removes the old registration
// after the new one succeeds.
func (m *Manager) UpdateDevice(ctx context.Context, name string, cfg *store.DeviceConfig) error {
	if m.registry == nil {
		return fmt.Errorf("%w: device registry disabled", ErrInvalidConfig)
	}
	existing, err := m.registry.GetDevice(name)
	if err != nil {
		return err
	}
	if cfg.Name == "" {
		cfg.Name = name
	}
	if cfg.Password == "" {
		cfg.Password = existing.Password
	}
	if err := normalizeDeviceConfig(cfg); err != nil {
		return err
	}
	renamed := cfg.Name != name
	if renamed {
		if _, err := m.registry.GetDevice(cfg.Name); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateDevice, cfg.Name)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	if err := m.remote.RegisterDevice(ctx, upsapi.RegistrationFromConfig(cfg)); err != nil {
		return err
	}
	if renamed {
		if err := m.remote.DeleteDevice(ctx, name); err != nil {
			m.logger.Warn("delete old registration failed", "name", name, "err", err)
		}
		if err := m.registry.DeleteDevice(name); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete old device: %w", err)
		}
	}
	cfg.UpdatedAt = time.Now()
	if err := m.registry.SaveDevice(cfg); err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	m.logger.Info("device updated", "name", cfg.Name, "previous", name)
	m.ScheduleReload()
	return nil
}

// RemoveDevice deletes a device from the server and the registry, then
// schedules a reload.
func (m *Manager) RemoveDevice(ctx context.Context, name string) error {
	if m.registry == nil {
		return fmt.Errorf("%w: device registry disabled", ErrInvalidConfig)
	}
	if _, err := m.registry.GetDevice(name); err != nil {
		return err
	}
	if err := m.remote.DeleteDevice(ctx, name); err != nil {
		return err
	}
	if err := m.registry.DeleteDevice(name); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	m.logger.Info("device removed", "name", name)
	m.ScheduleReload()
	return nil
}

// normalizeDeviceConfig validates cfg and fills in the default port.
func normalizeDeviceConfig(cfg *store.DeviceConfig) error {
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.Type = strings.ToLower(strings.TrimSpace(cfg.Type))
	if cfg.Type == "" {
		cfg.Type = store.DeviceTypeNUT
	}

	if cfg.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if cfg.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	switch cfg.Type {
	case store.DeviceTypeNUT:
		if cfg.Port == 0 {
			cfg.Port = DefaultNUTPort
		}
	case store.DeviceTypeApcupsd:
		if cfg.Port == 0 {
			cfg.Port = DefaultApcupsdPort
		}
	default:
		return fmt.Errorf("%w: unsupported device type %q", ErrInvalidConfig, cfg.Type)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, cfg.Port)
	}
	return nil
}
