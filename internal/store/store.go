// Package store holds the mirrored UPS state: the per-connection snapshot
// store with its change fan-out, and the persistent registry of devices the
// operator has configured on the remote server.
package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Registry defines the persistence interface for configured devices.
type Registry interface {
	SaveDevice(cfg *DeviceConfig) error
	GetDevice(name string) (*DeviceConfig, error)
	DeleteDevice(name string) error
	ListDevices() ([]*DeviceConfig, error)

	// DeviceNames returns the names of all configured devices.
	DeviceNames() ([]string, error)

	// GetSetting and SaveSetting persist small string values such as the
	// connection id. GetSetting returns ErrNotFound for unknown keys.
	GetSetting(key string) (string, error)
	SaveSetting(key, value string) error

	// Close the registry
	Close() error
}
