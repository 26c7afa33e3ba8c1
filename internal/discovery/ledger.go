package discovery

import "sync"

// Ledger is the append-only set of facets already exposed. Facets are
// never removed, even when the underlying data disappears.
type Ledger struct {
	mu     sync.RWMutex
	keys   map[Key]struct{}
	facets []Facet
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{keys: make(map[Key]struct{})}
}

// Insert adds f and reports whether it was new.
func (l *Ledger) Insert(f Facet) bool {
	k := f.Key()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.keys[k]; ok {
		return false
	}
	l.keys[k] = struct{}{}
	l.facets = append(l.facets, f)
	return true
}

// Contains reports whether the key is in the ledger.
func (l *Ledger) Contains(k Key) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.keys[k]
	return ok
}

// Facets returns all facets in insertion order.
func (l *Ledger) Facets() []Facet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Facet, len(l.facets))
	copy(out, l.facets)
	return out
}

// Devices returns the distinct device names in first-seen order.
func (l *Ledger) Devices() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, f := range l.facets {
		if _, ok := seen[f.Device]; ok {
			continue
		}
		seen[f.Device] = struct{}{}
		out = append(out, f.Device)
	}
	return out
}

// Len returns the number of facets.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.facets)
}
