package discovery

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"ups-monitor/internal/store"
)

// Source is the snapshot store the reconciler reads from.
type Source interface {
	ConnectionID() string
	Devices() map[string]store.DeviceSnapshot
	Allowed(name string) bool
}

// Handler receives facets discovered in one pass, in discovery order.
type Handler func([]Facet)

// Reconciler compares the snapshot store with the ledger and emits facets
// not seen before. Passes never overlap; wake-ups that arrive during a pass
// collapse into one follow-up pass.
type Reconciler struct {
	src     Source
	ledger  *Ledger
	catalog []Command
	logger  *slog.Logger

	passMu  sync.Mutex
	trigger chan struct{}

	mu       sync.RWMutex
	handlers map[uint64]Handler
	nextID   uint64
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithCatalog replaces the default command catalog.
func WithCatalog(c []Command) Option {
	return func(r *Reconciler) { r.catalog = c }
}

// WithLedger makes the reconciler record into an existing ledger.
func WithLedger(l *Ledger) Option {
	return func(r *Reconciler) { r.ledger = l }
}

// NewReconciler creates a reconciler over src.
func NewReconciler(src Source, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		src:      src,
		ledger:   NewLedger(),
		catalog:  DefaultCatalog,
		logger:   logger.With("component", "discovery", "connection", src.ConnectionID()),
		trigger:  make(chan struct{}, 1),
		handlers: make(map[uint64]Handler),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Ledger returns the reconciler's ledger.
func (r *Reconciler) Ledger() *Ledger {
	return r.ledger
}

// Catalog returns the command catalog in use.
func (r *Reconciler) Catalog() []Command {
	return r.catalog
}

// OnDiscovered registers a handler for newly discovered facets.
// Returns an unsubscribe function.
func (r *Reconciler) OnDiscovered(h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.handlers[id] = h
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.handlers, id)
	}
}

// Trigger requests a pass. It never blocks; a pending request absorbs
// further ones.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run performs an eager pass and then one pass per coalesced wake-up until
// ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	r.Reconcile()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.trigger:
			r.Reconcile()
		}
	}
}

// Reconcile runs one pass and returns the facets that were new.
func (r *Reconciler) Reconcile() []Facet {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	connID := r.src.ConnectionID()
	devices := r.src.Devices()
	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	sort.Strings(names)

	var added []Facet
	for _, name := range names {
		if !r.src.Allowed(name) {
			continue
		}
		dev := devices[name]
		for _, f := range r.deviceFacets(connID, dev) {
			if r.ledger.Insert(f) {
				added = append(added, f)
			}
		}
	}

	if len(added) > 0 {
		r.logger.Info("discovered facets", "count", len(added), "total", r.ledger.Len())
		r.emit(added)
	}
	return added
}

// deviceFacets lists every facet a device currently supports, in the order
// they are exposed: status, attributes by name, then commands.
func (r *Reconciler) deviceFacets(connID string, dev store.DeviceSnapshot) []Facet {
	base := Facet{ConnectionID: connID, Device: dev.Name, DeviceType: dev.Type}

	status := base
	status.Kind = KindStatus
	facets := []Facet{status}

	attrs := make([]string, 0, len(dev.Attributes))
	for name := range dev.Attributes {
		if name == "status" {
			continue
		}
		attrs = append(attrs, name)
	}
	sort.Strings(attrs)
	for _, name := range attrs {
		f := base
		f.Kind = KindAttribute
		f.Name = name
		facets = append(facets, f)
	}

	for _, c := range r.catalog {
		if !c.AppliesTo(dev.Type) {
			continue
		}
		f := base
		f.Kind = KindCommand
		f.Name = c.Key
		f.Command = c.Command
		facets = append(facets, f)
	}
	return facets
}

func (r *Reconciler) emit(facets []Facet) {
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("discovery handler panic", "panic", rec)
				}
			}()
			h(facets)
		}()
	}
}
