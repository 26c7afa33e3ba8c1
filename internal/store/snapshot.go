package store

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Change is published after every Apply. It carries no device data;
// observers re-read the store because several applies may coalesce before
// they react.
type Change struct {
	ConnectionID string
	Version      uint64
	Updated      int
}

// ChangeHandler is a callback for store changes.
type ChangeHandler func(Change)

// ApplyResult reports what a single Apply did.
type ApplyResult struct {
	Updated []string
	Dropped int
	Version uint64
}

type snapshotState struct {
	devices map[string]DeviceSnapshot
	version uint64
}

// Snapshot is the authoritative in-process table of device state for one
// connection. Writers are serialized; readers load an immutable map and
// never block writers.
type Snapshot struct {
	connID string
	logger *slog.Logger

	writeMu sync.Mutex
	state   atomic.Pointer[snapshotState]

	configureOnce sync.Once
	configured    map[string]struct{}

	mu       sync.RWMutex
	handlers map[uint64]ChangeHandler
	nextID   uint64
}

// NewSnapshot creates an empty store for a connection.
func NewSnapshot(connID string, logger *slog.Logger) *Snapshot {
	s := &Snapshot{
		connID:     connID,
		logger:     logger.With("component", "snapshot", "connection", connID),
		configured: map[string]struct{}{},
		handlers:   make(map[uint64]ChangeHandler),
	}
	s.state.Store(&snapshotState{devices: map[string]DeviceSnapshot{}})
	return s
}

// ConnectionID returns the connection this store belongs to.
func (s *Snapshot) ConnectionID() string {
	return s.connID
}

// Configure sets the allow-list of device names. Only the first call has
// any effect. An empty list accepts every device.
func (s *Snapshot) Configure(names []string) {
	s.configureOnce.Do(func() {
		m := make(map[string]struct{}, len(names))
		for _, n := range names {
			if n != "" {
				m[n] = struct{}{}
			}
		}
		s.configured = m
	})
}

// ConfiguredNames returns the allow-list in sorted order.
func (s *Snapshot) ConfiguredNames() []string {
	names := make([]string, 0, len(s.configured))
	for n := range s.configured {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Allowed reports whether a device passes the allow-list.
func (s *Snapshot) Allowed(name string) bool {
	if len(s.configured) == 0 {
		return true
	}
	_, ok := s.configured[name]
	return ok
}

// Apply merges snapshots into the device table by name, replacing each
// named device's prior entry. Unnamed entries are dropped and counted.
// A change is published even when nothing was updated.
func (s *Snapshot) Apply(snapshots []DeviceSnapshot) ApplyResult {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.state.Load()
	next := &snapshotState{
		devices: make(map[string]DeviceSnapshot, len(cur.devices)+len(snapshots)),
		version: cur.version + 1,
	}
	for name, dev := range cur.devices {
		next.devices[name] = dev
	}

	var res ApplyResult
	for _, snap := range snapshots {
		if snap.Name == "" {
			res.Dropped++
			continue
		}
		next.devices[snap.Name] = snap.Clone()
		res.Updated = append(res.Updated, snap.Name)
	}
	s.state.Store(next)
	res.Version = next.version

	if len(res.Updated) > 0 {
		s.logger.Debug("applied snapshot", "updated", res.Updated, "dropped", res.Dropped, "version", res.Version)
	} else {
		s.logger.Debug("snapshot had no devices", "dropped", res.Dropped, "version", res.Version)
	}

	s.publish(Change{ConnectionID: s.connID, Version: res.Version, Updated: len(res.Updated)})
	return res
}

// Devices returns a copy of the current device table.
func (s *Snapshot) Devices() map[string]DeviceSnapshot {
	cur := s.state.Load()
	out := make(map[string]DeviceSnapshot, len(cur.devices))
	for name, dev := range cur.devices {
		out[name] = dev.Clone()
	}
	return out
}

// Device returns a copy of one device.
func (s *Snapshot) Device(name string) (DeviceSnapshot, bool) {
	dev, ok := s.state.Load().devices[name]
	if !ok {
		return DeviceSnapshot{}, false
	}
	return dev.Clone(), true
}

// Names returns the known device names in sorted order.
func (s *Snapshot) Names() []string {
	cur := s.state.Load()
	names := make([]string, 0, len(cur.devices))
	for n := range cur.devices {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of known devices.
func (s *Snapshot) Len() int {
	return len(s.state.Load().devices)
}

// Version returns the number of applies so far.
func (s *Snapshot) Version() uint64 {
	return s.state.Load().version
}

// Subscribe registers a handler called after every Apply, in apply order.
// Handlers run on the writer's goroutine and must not call Apply.
// Returns an unsubscribe function.
func (s *Snapshot) Subscribe(handler ChangeHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

func (s *Snapshot) publish(change Change) {
	s.mu.RLock()
	handlers := make([]ChangeHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("change handler panic", "version", change.Version, "panic", r)
				}
			}()
			h(change)
		}()
	}
}
