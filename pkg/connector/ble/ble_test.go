package ble

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dartworks/mesh-command/pkg/connector"
	"github.com/dartworks/mesh-command/pkg/protocol"
)

type fakeWriter struct {
	mtu    int
	mtuErr error
	writes [][]byte
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	buff := make([]byte, len(p))
	copy(buff, p)
	w.writes = append(w.writes, buff)
	return len(p), nil
}

func (w *fakeWriter) MTU(maxSupported int) (int, error) {
	if w.mtuErr != nil {
		return 0, w.mtuErr
	}
	return w.mtu, nil
}

type fakeService struct {
	writer *fakeWriter
	notify map[string]func([]byte)
}

func (s *fakeService) Rx(characteristicUUID string, callback func([]byte)) error {
	s.notify[characteristicUUID] = callback
	return nil
}

func (s *fakeService) Tx(characteristicUUID string) (Writer, error) {
	return s.writer, nil
}

type fakeDevice struct {
	services map[string]*fakeService
	closed   bool
}

func (d *fakeDevice) Service(ctx context.Context, serviceUUID string) (Service, error) {
	service, ok := d.services[serviceUUID]
	if !ok {
		return nil, errors.New("service not found")
	}
	return service, nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

type fakeAdapter struct {
	device *fakeDevice
}

func (a *fakeAdapter) Discover(ctx context.Context, serviceUUID string) ([]connector.Advertisement, error) {
	return nil, nil
}

func (a *fakeAdapter) Connect(ctx context.Context, adv connector.Advertisement) (Device, error) {
	return a.device, nil
}

func (a *fakeAdapter) Close() error { return nil }

func newFakeService(mtu int) *fakeService {
	return &fakeService{
		writer: &fakeWriter{mtu: mtu},
		notify: make(map[string]func([]byte)),
	}
}

// meshDevice builds a fake exposing both mesh services, as the target firmware does.
func meshDevice(mtu int) (*fakeDevice, *fakeService, *fakeService) {
	provisioning := newFakeService(mtu)
	proxy := newFakeService(mtu)
	device := &fakeDevice{services: map[string]*fakeService{
		connector.ProvisioningServiceUUID: provisioning,
		connector.ProxyServiceUUID:        proxy,
	}}
	return device, provisioning, proxy
}

func connect(t *testing.T, device *fakeDevice) connector.Connector {
	t.Helper()
	scanner := NewScannerWithAdapter(&fakeAdapter{device: device})
	conn, err := scanner.Connect(context.Background(), connector.Advertisement{Address: "aa:bb:cc:dd:ee:01"})
	if err != nil {
		t.Fatalf("Connect failed: %s", err)
	}
	return conn
}

func TestSendFragmentsToMTU(t *testing.T) {
	device, provisioning, _ := meshDevice(defaultMTU)
	conn := connect(t, device)

	pdu := make([]byte, 30)
	for i := range pdu {
		pdu[i] = byte(i)
	}
	if err := conn.Send(context.Background(), connector.ProvisioningDataIn, pdu); err != nil {
		t.Fatalf("Send failed: %s", err)
	}

	writes := provisioning.writer.writes
	if len(writes) != 2 {
		t.Fatalf("PDU written in %d chunks, expected 2", len(writes))
	}
	for _, chunk := range writes {
		if len(chunk) > minBlockLength {
			t.Errorf("Chunk of %d bytes exceeds the block length", len(chunk))
		}
	}

	var wire []byte
	for _, chunk := range writes {
		wire = append(wire, chunk...)
	}
	if wire[0] != 0x00 || wire[1] != 30 {
		t.Errorf("Length prefix is %02x", wire[:2])
	}
	if !bytes.Equal(wire[2:], pdu) {
		t.Error("Reassembled wire bytes do not match the PDU")
	}
}

func TestSendOnUnboundChannel(t *testing.T) {
	provisioning := newFakeService(defaultMTU)
	device := &fakeDevice{services: map[string]*fakeService{
		connector.ProvisioningServiceUUID: provisioning,
	}}
	conn := connect(t, device)

	err := conn.Send(context.Background(), connector.ProxyDataIn, []byte{0x00})
	if !errors.Is(err, protocol.ErrNotConnected) {
		t.Errorf("Send returned %v, expected ErrNotConnected", err)
	}
}

func TestConnectRequiresAMeshService(t *testing.T) {
	device := &fakeDevice{services: map[string]*fakeService{}}
	scanner := NewScannerWithAdapter(&fakeAdapter{device: device})
	if _, err := scanner.Connect(context.Background(), connector.Advertisement{}); err == nil {
		t.Error("Connect succeeded against a device with no mesh services")
	}
	if !device.closed {
		t.Error("Failed connect left the device open")
	}
}

func TestNotificationReassembly(t *testing.T) {
	device, provisioning, _ := meshDevice(defaultMTU)
	conn := connect(t, device)
	notify := provisioning.notify[connector.ProvisioningDataOutUUID]
	if notify == nil {
		t.Fatal("Connect did not subscribe to provisioning notifications")
	}

	// One logical PDU split across two notifications.
	notify([]byte{0x00, 0x05, 0xAA, 0xBB})
	notify([]byte{0xCC, 0xDD, 0xEE})

	select {
	case pdu := <-conn.Receive(connector.ProvisioningDataOut):
		if !bytes.Equal(pdu, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}) {
			t.Errorf("Reassembled PDU is %02x", pdu)
		}
	case <-time.After(time.Second):
		t.Fatal("Reassembled PDU never delivered")
	}
}

func TestNotificationDeliversBackToBackPDUs(t *testing.T) {
	device, provisioning, _ := meshDevice(defaultMTU)
	conn := connect(t, device)
	notify := provisioning.notify[connector.ProvisioningDataOutUUID]

	// Two complete PDUs in one notification.
	notify([]byte{0x00, 0x01, 0x11, 0x00, 0x02, 0x22, 0x33})

	inbox := conn.Receive(connector.ProvisioningDataOut)
	first := <-inbox
	second := <-inbox
	if !bytes.Equal(first, []byte{0x11}) || !bytes.Equal(second, []byte{0x22, 0x33}) {
		t.Errorf("Delivered PDUs %02x and %02x", first, second)
	}
}

func TestNotificationDropsOversizedPDU(t *testing.T) {
	device, provisioning, _ := meshDevice(defaultMTU)
	conn := connect(t, device)
	notify := provisioning.notify[connector.ProvisioningDataOutUUID]

	notify([]byte{0xFF, 0xFF, 0x00}) // length prefix beyond the PDU size limit
	notify([]byte{0x00, 0x01, 0x42}) // a valid PDU right after

	select {
	case pdu := <-conn.Receive(connector.ProvisioningDataOut):
		if !bytes.Equal(pdu, []byte{0x42}) {
			t.Errorf("Delivered PDU %02x, expected the valid one", pdu)
		}
	case <-time.After(time.Second):
		t.Fatal("Valid PDU never delivered after an oversized one")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	device, _, _ := meshDevice(defaultMTU)
	conn := connect(t, device)

	conn.Close()
	conn.Close()

	if !device.closed {
		t.Error("Close did not release the device")
	}
	if _, open := <-conn.Receive(connector.ProvisioningDataOut); open {
		t.Error("Inbox still open after Close")
	}
}
