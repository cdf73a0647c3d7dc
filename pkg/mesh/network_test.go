package mesh

import (
	"bytes"
	"testing"
)

func TestNewNetworkGeneratesDistinctKeys(t *testing.T) {
	network, err := NewNetwork()
	if err != nil {
		t.Fatalf("NewNetwork failed: %s", err)
	}
	state := network.State()
	if len(state.NetworkKey) != 16 {
		t.Errorf("Network key has length %d", len(state.NetworkKey))
	}
	if bytes.Equal(state.NetworkKey, state.AppKeys[0]) {
		t.Error("Network key and application key are identical")
	}
	if state.ProvisionerAddress != 0x0001 {
		t.Errorf("Provisioner claims %#04x, expected 0x0001", state.ProvisionerAddress)
	}
	if state.NextUnicast != 0x0002 {
		t.Errorf("Address cursor starts at %#04x, expected 0x0002", state.NextUnicast)
	}
}

func TestNetworkStateRoundTrip(t *testing.T) {
	original, err := NewNetwork()
	if err != nil {
		t.Fatalf("NewNetwork failed: %s", err)
	}
	if _, err := original.addresses.AllocateUnicast(3); err != nil {
		t.Fatalf("Allocation failed: %s", err)
	}

	restored, err := NetworkFromState(original.State())
	if err != nil {
		t.Fatalf("NetworkFromState failed: %s", err)
	}
	if !bytes.Equal(restored.State().NetworkKey, original.State().NetworkKey) {
		t.Error("Restored network has a different network key")
	}
	if restored.State().NextUnicast != 0x0005 {
		t.Errorf("Restored cursor at %#04x, expected 0x0005", restored.State().NextUnicast)
	}
	if restored.Keyring().NID() != original.Keyring().NID() {
		t.Error("Restored keyring derives a different NID")
	}
}

func TestNextTIDAdvances(t *testing.T) {
	network, err := NewNetwork()
	if err != nil {
		t.Fatalf("NewNetwork failed: %s", err)
	}
	first := network.NextTID()
	second := network.NextTID()
	if first == second {
		t.Errorf("Consecutive TIDs both %d", first)
	}
}
