package ble

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/dartworks/mesh-command/internal/log"
	"github.com/dartworks/mesh-command/pkg/connector"
)

// tinygoAdapter implements Adapter on top of the host Bluetooth stack.
type tinygoAdapter struct {
	device *bluetooth.Adapter
}

func newTinygoAdapter(id string) (Adapter, error) {
	device, err := newAdapter(id)
	if err != nil {
		return nil, fmt.Errorf("ble: failed to create device: %s", err)
	}
	if err = device.Enable(); err != nil {
		return nil, fmt.Errorf("ble: failed to enable device: %s", err)
	}
	return &tinygoAdapter{device: device}, nil
}

func (a *tinygoAdapter) Discover(ctx context.Context, serviceUUID string) ([]connector.Advertisement, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	target := mustParseUUID(serviceUUID)

	stopScan := func() {
		if err := a.device.StopScan(); err != nil {
			if strings.Contains(err.Error(), "no scan in progress") {
				return
			}
			log.Warning("ble: failed to stop scan: %+v", err)
		}
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-scanCtx.Done()
		stopScan()
	}()

	var (
		mu      sync.Mutex
		seen    = make(map[string]bool)
		results []connector.Advertisement
	)
	err := a.device.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(target) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		address := result.Address.String()
		if seen[address] {
			return
		}
		seen[address] = true
		results = append(results, scanResultToAdvertisement(result, target))
	})
	if err != nil && scanCtx.Err() == nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	return results, nil
}

func (a *tinygoAdapter) Connect(ctx context.Context, adv connector.Advertisement) (Device, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	addr, err := parseAddress(adv.Address)
	if err != nil {
		return nil, err
	}

	client, err := a.device.Connect(addr, params)
	if err != nil {
		return nil, err
	}
	return &tinygoDevice{client: &client}, nil
}

func (a *tinygoAdapter) Close() error {
	a.device = nil
	return nil
}

// scanResultToAdvertisement extracts the device UUID and OOB flags from the unprovisioned
// beacon's service data. Devices that omit the service data get a stable UUID derived from
// their transport address.
func scanResultToAdvertisement(result bluetooth.ScanResult, service bluetooth.UUID) connector.Advertisement {
	adv := connector.Advertisement{
		Address:   result.Address.String(),
		LocalName: result.LocalName(),
		RSSI:      result.RSSI,
	}
	for _, element := range result.ServiceData() {
		if element.UUID == service && len(element.Data) >= 18 {
			copy(adv.DeviceUUID[:], element.Data[:16])
			adv.OOBInfo = binary.BigEndian.Uint16(element.Data[16:18])
			return adv
		}
	}
	adv.DeviceUUID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(adv.Address))
	return adv
}

type tinygoDevice struct {
	client *bluetooth.Device
}

func (d *tinygoDevice) Service(_ context.Context, uuidStr string) (Service, error) {
	services, err := d.client.DiscoverServices([]bluetooth.UUID{mustParseUUID(uuidStr)})
	if err != nil {
		return nil, fmt.Errorf("ble: failed to enumerate device services: %s", err)
	}
	if len(services) != 1 {
		return nil, fmt.Errorf("ble: failed to discover service %s", uuidStr)
	}
	return &tinygoService{client: d.client, service: services[0]}, nil
}

func (d *tinygoDevice) Close() error {
	client := d.client
	d.client = nil
	return client.Disconnect()
}

type tinygoService struct {
	client  *bluetooth.Device
	service bluetooth.DeviceService
}

func (s *tinygoService) Rx(uuidStr string, callback func(buf []byte)) error {
	characteristic, err := s.discover(uuidStr)
	if err != nil {
		return err
	}
	if err := characteristic.EnableNotifications(callback); err != nil {
		return fmt.Errorf("ble: failed to subscribe to %s: %s", uuidStr, err)
	}
	return nil
}

func (s *tinygoService) Tx(uuidStr string) (Writer, error) {
	characteristic, err := s.discover(uuidStr)
	if err != nil {
		return nil, err
	}
	return &tinygoWriter{characteristic: characteristic}, nil
}

func (s *tinygoService) discover(uuidStr string) (bluetooth.DeviceCharacteristic, error) {
	characteristics, err := s.service.DiscoverCharacteristics([]bluetooth.UUID{mustParseUUID(uuidStr)})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: failed to discover service characteristics: %s", err)
	}
	if len(characteristics) == 0 {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: characteristic %s not found", uuidStr)
	}
	return characteristics[0], nil
}

type tinygoWriter struct {
	characteristic bluetooth.DeviceCharacteristic
}

func (w *tinygoWriter) Write(bytes []byte) (int, error) {
	return deviceCharacteristicWrite(w.characteristic, bytes)
}

func (w *tinygoWriter) MTU(_ int) (txMTU int, err error) {
	mtu, err := w.characteristic.GetMTU()
	return int(mtu), err
}

func mustParseUUID(uuidStr string) bluetooth.UUID {
	parsed, err := bluetooth.ParseUUID(uuidStr)
	if err != nil {
		panic(err)
	}
	return parsed
}
