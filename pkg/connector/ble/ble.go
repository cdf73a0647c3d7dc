// Package ble connects to mesh devices over Bluetooth Low Energy GATT bearers.
package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dartworks/mesh-command/internal/log"
	"github.com/dartworks/mesh-command/pkg/connector"
	"github.com/dartworks/mesh-command/pkg/protocol"
)

// ErrAdapterInvalidID is returned on platforms where adapters cannot be selected by ID.
var ErrAdapterInvalidID = protocol.NewError("the bluetooth adapter ID is invalid", false, false)

const (
	defaultMTU     = 23
	maxBLEMTUSize  = 512 + 3
	maxBLEPDUSize  = 1024
	minBlockLength = defaultMTU - 3

	// Timeout interval between receiving chunks of a PDU.
	rxTimeout = time.Second
)

// Scanner discovers mesh devices and opens GATT connections to them. It implements
// connector.Scanner.
type Scanner struct {
	adapter Adapter
}

// NewScanner opens the host Bluetooth adapter with the given ID ("" selects the default) and
// returns a Scanner backed by it.
func NewScanner(adapterID string) (*Scanner, error) {
	adapter, err := newTinygoAdapter(adapterID)
	if err != nil {
		return nil, err
	}
	return &Scanner{adapter: adapter}, nil
}

// NewScannerWithAdapter wraps an existing Adapter. Used by tests.
func NewScannerWithAdapter(adapter Adapter) *Scanner {
	return &Scanner{adapter: adapter}
}

// Discover scans for devices advertising the given mesh service until ctx is done.
func (s *Scanner) Discover(ctx context.Context, serviceUUID string) ([]connector.Advertisement, error) {
	return s.adapter.Discover(ctx, serviceUUID)
}

// Connect opens a GATT connection and binds the mesh data channels. The device must expose the
// provisioning service, the proxy service, or both.
func (s *Scanner) Connect(ctx context.Context, adv connector.Advertisement) (connector.Connector, error) {
	device, err := s.adapter.Connect(ctx, adv)
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		address: adv.Address,
		device:  device,
		writers: make(map[connector.Channel]Writer),
		inboxes: make(map[connector.Channel]chan []byte),
		rx: map[connector.Channel]*rxState{
			connector.ProvisioningDataOut: {},
			connector.ProxyDataOut:        {},
		},
		blockLength: minBlockLength,
	}

	bound := 0
	if err := conn.bindService(ctx, connector.ProvisioningServiceUUID,
		connector.ProvisioningDataInUUID, connector.ProvisioningDataIn,
		connector.ProvisioningDataOutUUID, connector.ProvisioningDataOut); err == nil {
		bound++
	} else {
		log.Debug("ble: no provisioning service on %s: %s", adv.Address, err)
	}
	if err := conn.bindService(ctx, connector.ProxyServiceUUID,
		connector.ProxyDataInUUID, connector.ProxyDataIn,
		connector.ProxyDataOutUUID, connector.ProxyDataOut); err == nil {
		bound++
	} else {
		log.Debug("ble: no proxy service on %s: %s", adv.Address, err)
	}
	if bound == 0 {
		conn.Close()
		return nil, fmt.Errorf("ble: %s exposes neither the provisioning nor the proxy service", adv.Address)
	}
	return conn, nil
}

// Close releases the underlying adapter.
func (s *Scanner) Close() error {
	return s.adapter.Close()
}

type rxState struct {
	buffer []byte
	lastRx time.Time
}

// Connection is one open GATT link to a mesh device. PDUs are length prefixed on the wire and
// fragmented to the negotiated MTU; notifications are reassembled before delivery.
type Connection struct {
	address string
	device  Device
	writers map[connector.Channel]Writer
	inboxes map[connector.Channel]chan []byte
	rx      map[connector.Channel]*rxState

	blockLength int
	lock        sync.Mutex
	closed      bool
}

func (c *Connection) bindService(ctx context.Context, serviceUUID string, txUUID string, txChannel connector.Channel, rxUUID string, rxChannel connector.Channel) error {
	service, err := c.device.Service(ctx, serviceUUID)
	if err != nil {
		return err
	}

	writer, err := service.Tx(txUUID)
	if err != nil {
		return err
	}
	c.writers[txChannel] = writer

	txMTU, err := writer.MTU(maxBLEMTUSize)
	if err != nil {
		txMTU = defaultMTU
		log.Warning("ble: failed to get TX MTU (using %d): %s", txMTU, err)
	}
	if blockLength := min(txMTU, maxBLEPDUSize) - 3; blockLength > c.blockLength {
		c.blockLength = blockLength
	}

	inbox := make(chan []byte, connector.BufferSize)
	c.inboxes[rxChannel] = inbox
	if err := service.Rx(rxUUID, func(buf []byte) { c.notified(rxChannel, buf) }); err != nil {
		return err
	}
	return nil
}

// Receive returns the inbox for a notification channel. The channel is closed when the
// connection drops.
func (c *Connection) Receive(ch connector.Channel) <-chan []byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.inboxes[ch]
}

// Send writes one PDU to ch, fragmenting to the negotiated MTU.
func (c *Connection) Send(ctx context.Context, ch connector.Channel, pdu []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	writer, ok := c.writers[ch]
	if !ok {
		return protocol.ErrNotConnected
	}

	log.Debug("TX: %02x", pdu)
	out := make([]byte, 0, 2+len(pdu))
	out = append(out, uint8(len(pdu)>>8), uint8(len(pdu)))
	out = append(out, pdu...)
	blockLength := c.blockLength
	for len(out) > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if blockLength > len(out) {
			blockLength = len(out)
		}
		n, err := writer.Write(out[:blockLength])
		if err != nil {
			return err
		} else if n != blockLength {
			return fmt.Errorf("ble: failed to write %d bytes", blockLength)
		}
		out = out[blockLength:]
	}
	return nil
}

// Address returns the device's transport address.
func (c *Connection) Address() string {
	return c.address
}

// RetryInterval returns the recommended wait between transmission attempts.
func (c *Connection) RetryInterval() time.Duration {
	return time.Second
}

// Close disconnects and closes every inbox. Idempotent.
func (c *Connection) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, inbox := range c.inboxes {
		close(inbox)
	}
	if err := c.device.Close(); err != nil {
		log.Warning("ble: failed to close device: %s", err)
	}
}

func (c *Connection) notified(ch connector.Channel, p []byte) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return
	}
	state := c.rx[ch]
	if time.Since(state.lastRx) > rxTimeout {
		state.buffer = nil
	}
	state.lastRx = time.Now()
	state.buffer = append(state.buffer, p...)
	for c.flush(ch, state) {
	}
}

func (c *Connection) flush(ch connector.Channel, state *rxState) bool {
	if len(state.buffer) < 2 {
		return false
	}
	pduLength := 256*int(state.buffer[0]) + int(state.buffer[1])
	if pduLength > maxBLEPDUSize {
		state.buffer = nil
		return false
	}
	if len(state.buffer) < 2+pduLength {
		return false
	}
	pdu := state.buffer[2 : 2+pduLength]
	log.Debug("RX: %02x", pdu)
	state.buffer = state.buffer[2+pduLength:]
	select {
	case c.inboxes[ch] <- pdu:
	default:
		log.Warning("ble: dropping PDU, inbox full")
		return false
	}
	return true
}
