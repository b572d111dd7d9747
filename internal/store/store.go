package store

import "errors"

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store persists what the hub learns about devices across restarts.
type Store interface {
	// Device records, keyed by "ip:port".
	SaveDevice(dev *Device) error
	GetDevice(addr string) (*Device, error)
	DeleteDevice(addr string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice reads, modifies and saves a device in one transaction.
	// Returns ErrNotFound if the device does not exist.
	UpdateDevice(addr string, fn func(dev *Device) error) error

	// Discovery bookkeeping
	SaveDiscoveryState(state *DiscoveryState) error
	GetDiscoveryState() (*DiscoveryState, error)

	Close() error
}
