// Package discovery derives the set of exposed facets (device status,
// per-attribute values and device commands) from the snapshot store. The
// set only grows for the life of a connection.
package discovery

import "fmt"

// Facet kinds.
const (
	KindStatus    = "status"
	KindAttribute = "attribute"
	KindCommand   = "command"
)

// Facet is one exposed aspect of a device.
type Facet struct {
	ConnectionID string `json:"connection_id"`
	Device       string `json:"device"`
	DeviceType   string `json:"device_type"`
	Kind         string `json:"kind"`
	// Name is the attribute name for attribute facets and the command key
	// for command facets. Empty for the status facet.
	Name string `json:"name,omitempty"`
	// Command is the server command for command facets.
	Command string `json:"command,omitempty"`
}

// Key identifies a facet within the ledger.
type Key struct {
	ConnectionID string
	Device       string
	Facet        string
}

// Key returns the ledger key of f.
func (f Facet) Key() Key {
	return Key{ConnectionID: f.ConnectionID, Device: f.Device, Facet: f.ID()}
}

// ID returns the facet identifier within a device: "status",
// "attribute:<name>" or "command:<key>".
func (f Facet) ID() string {
	if f.Kind == KindStatus {
		return KindStatus
	}
	return fmt.Sprintf("%s:%s", f.Kind, f.Name)
}
