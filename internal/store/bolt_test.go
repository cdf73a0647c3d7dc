package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mesh.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %s", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(addr uint16, name string) *NodeRecord {
	return &NodeRecord{
		UnicastAddress: addr,
		Name:           name,
		DeviceUUID:     uuid.New(),
		DeviceKey:      []byte("fedcba9876543210"),
		Elements:       2,
		BLEAddress:     "aa:bb:cc:dd:ee:01",
		ProvisionedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestSaveGetNode(t *testing.T) {
	s := openTestStore(t)
	rec := testRecord(0x0002, "Mesh Light")
	if err := s.SaveNode(rec); err != nil {
		t.Fatalf("SaveNode failed: %s", err)
	}

	loaded, err := s.GetNode(0x0002)
	if err != nil {
		t.Fatalf("GetNode failed: %s", err)
	}
	if loaded.Name != rec.Name || loaded.DeviceUUID != rec.DeviceUUID {
		t.Errorf("Loaded record %+v does not match saved %+v", loaded, rec)
	}
	if !bytes.Equal(loaded.DeviceKey, rec.DeviceKey) {
		t.Error("Loaded record has a different device key")
	}
	if !loaded.ProvisionedAt.Equal(rec.ProvisionedAt) {
		t.Errorf("Loaded timestamp %s, saved %s", loaded.ProvisionedAt, rec.ProvisionedAt)
	}
}

func TestGetNodeNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetNode(0x0042); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetNode returned %v, expected ErrNotFound", err)
	}
}

func TestSaveNodeReplaces(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveNode(testRecord(0x0002, "Before")); err != nil {
		t.Fatalf("SaveNode failed: %s", err)
	}
	if err := s.SaveNode(testRecord(0x0002, "After")); err != nil {
		t.Fatalf("SaveNode failed: %s", err)
	}
	loaded, err := s.GetNode(0x0002)
	if err != nil {
		t.Fatalf("GetNode failed: %s", err)
	}
	if loaded.Name != "After" {
		t.Errorf("Loaded record named %q", loaded.Name)
	}
}

func TestListNodesOrdersByAddress(t *testing.T) {
	s := openTestStore(t)
	for _, addr := range []uint16{0x0102, 0x0002, 0x0031} {
		if err := s.SaveNode(testRecord(addr, "node")); err != nil {
			t.Fatalf("SaveNode failed: %s", err)
		}
	}
	records, err := s.ListNodes()
	if err != nil {
		t.Fatalf("ListNodes failed: %s", err)
	}
	if len(records) != 3 {
		t.Fatalf("ListNodes returned %d records", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].UnicastAddress <= records[i-1].UnicastAddress {
			t.Errorf("Records out of order: %#04x before %#04x",
				records[i-1].UnicastAddress, records[i].UnicastAddress)
		}
	}
}

func TestNetworkStateRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetNetworkState(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fresh database returned %v, expected ErrNotFound", err)
	}

	state := &NetworkState{
		NetworkKey:         []byte("0123456789abcdef"),
		KeyIndex:           1,
		AppKeys:            map[uint16][]byte{0: []byte("fedcba9876543210")},
		IVIndex:            2,
		ProvisionerAddress: 0x0001,
		NextUnicast:        0x0005,
	}
	if err := s.SaveNetworkState(state); err != nil {
		t.Fatalf("SaveNetworkState failed: %s", err)
	}

	loaded, err := s.GetNetworkState()
	if err != nil {
		t.Fatalf("GetNetworkState failed: %s", err)
	}
	if !bytes.Equal(loaded.NetworkKey, state.NetworkKey) {
		t.Error("Loaded state has a different network key")
	}
	if loaded.NextUnicast != 0x0005 || loaded.IVIndex != 2 {
		t.Errorf("Loaded state %+v", loaded)
	}
	if !bytes.Equal(loaded.AppKeys[0], state.AppKeys[0]) {
		t.Error("Loaded state has a different application key")
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open store: %s", err)
	}
	if err := s.SaveNode(testRecord(0x0002, "Mesh Light")); err != nil {
		t.Fatalf("SaveNode failed: %s", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %s", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %s", err)
	}
	defer reopened.Close()
	if _, err := reopened.GetNode(0x0002); err != nil {
		t.Errorf("Record lost across reopen: %s", err)
	}
}
