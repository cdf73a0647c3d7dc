package connector

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Channel identifies one of the GATT data channels a mesh node exposes.
type Channel int

const (
	// ProvisioningDataIn accepts Provisioning PDUs from the provisioner.
	ProvisioningDataIn Channel = iota
	// ProvisioningDataOut notifies Provisioning PDUs from the device.
	ProvisioningDataOut
	// ProxyDataIn accepts network PDUs for relaying into the mesh.
	ProxyDataIn
	// ProxyDataOut notifies network PDUs addressed to or relayed through this client.
	ProxyDataOut
)

// Standard mesh GATT service and characteristic identifiers.
const (
	ProvisioningServiceUUID = "00001827-0000-1000-8000-00805f9b34fb"
	ProvisioningDataInUUID  = "00002adb-0000-1000-8000-00805f9b34fb"
	ProvisioningDataOutUUID = "00002adc-0000-1000-8000-00805f9b34fb"
	ProxyServiceUUID        = "00001828-0000-1000-8000-00805f9b34fb"
	ProxyDataInUUID         = "00002add-0000-1000-8000-00805f9b34fb"
	ProxyDataOutUUID        = "00002ade-0000-1000-8000-00805f9b34fb"
)

// BufferSize is the number of inbound PDUs that can be queued per channel.
const BufferSize = 5

// Advertisement describes a device seen during discovery.
type Advertisement struct {
	// Address is the transport-layer (connectable) address.
	Address string
	// LocalName is the advertised device name, best effort.
	LocalName string
	// DeviceUUID is the 16-byte mesh device UUID from the unprovisioned beacon.
	DeviceUUID uuid.UUID
	// OOBInfo carries the advertised out-of-band capability flags.
	OOBInfo uint16
	// RSSI in dBm at discovery time.
	RSSI int16
}

// Connector sends and receives raw PDUs ([]byte) over one connection to a mesh device.
type Connector interface {
	// Receive returns a read-only channel delivering PDUs notified on ch.
	//
	// The returned channel is closed when the link drops. Implementations must be thread safe.
	Receive(ch Channel) <-chan []byte

	// Send writes a PDU to ch, fragmenting to the negotiated MTU if needed.
	//
	// Implementations must be thread safe.
	Send(ctx context.Context, ch Channel, pdu []byte) error

	// Address returns the transport-layer address of the connected device.
	Address() string

	// Close terminates the connection. Repeated calls must be idempotent; the behavior of the
	// interface is otherwise undefined after calling this method.
	Close()

	// RetryInterval returns the recommended wait time between transmission attempts.
	RetryInterval() time.Duration
}

// Scanner discovers and connects to mesh devices. Implemented by the BLE collaborator.
type Scanner interface {
	// Discover scans until ctx expires or is cancelled and returns devices advertising the
	// given service.
	Discover(ctx context.Context, serviceUUID string) ([]Advertisement, error)

	// Connect opens a connection to an advertised device.
	Connect(ctx context.Context, adv Advertisement) (Connector, error)
}
