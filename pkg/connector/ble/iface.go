package ble

import (
	"context"

	"github.com/dartworks/mesh-command/pkg/connector"
)

// Adapter abstracts the host Bluetooth stack so the connection logic can be tested without
// radio hardware.
type Adapter interface {
	// Discover scans until ctx is done and returns every device advertising serviceUUID.
	Discover(ctx context.Context, serviceUUID string) ([]connector.Advertisement, error)

	// Connect opens a GATT connection to a discovered device.
	Connect(ctx context.Context, adv connector.Advertisement) (Device, error)

	// Close releases the adapter.
	Close() error
}

// Device is one open GATT connection.
type Device interface {
	// Service looks up a primary service by UUID.
	Service(ctx context.Context, uuid string) (Service, error)

	// Close disconnects from the device.
	Close() error
}

// Service exposes the characteristics of one GATT service.
type Service interface {
	// Rx subscribes to notifications on the characteristic with the given UUID.
	Rx(uuid string, callback func(buf []byte)) error

	// Tx returns a Writer for the characteristic with the given UUID.
	Tx(uuid string) (Writer, error)
}

// Writer writes to a single characteristic.
type Writer interface {
	Write(bytes []byte) (int, error)

	// MTU returns the negotiated transmission unit, given the maximum the caller supports.
	MTU(maxSupported int) (txMTU int, err error)
}
