package mesh

import (
	"crypto/rand"
	"sync"

	"github.com/dartworks/mesh-command/internal/authentication"
	"github.com/dartworks/mesh-command/internal/store"
	"github.com/dartworks/mesh-command/pkg/protocol"
)

const (
	provisionerAddress = 0x0001
	firstNodeAddress   = 0x0002
)

// Network is the process-wide context for one mesh network: the network key, the application
// keys, the provisioner's own unicast address, and the unicast address cursor. It is created once
// at startup and mutated only by successful provisioning (which advances the cursor) for the
// lifetime of the session.
type Network struct {
	networkKey []byte
	keyIndex   uint16
	appKeys    map[uint16][]byte
	ivIndex    uint32

	address   protocol.Address
	addresses *protocol.AddressSpace
	keyring   *authentication.NetworkKeyring

	tidLock sync.Mutex
	tid     uint8
}

// NewNetwork creates a network with freshly generated network and application keys. The
// provisioner claims unicast address 0x0001; nodes are admitted from 0x0002 up.
func NewNetwork() (*Network, error) {
	networkKey := make([]byte, authentication.KeySizeBytes)
	if _, err := rand.Read(networkKey); err != nil {
		return nil, err
	}
	appKey := make([]byte, authentication.KeySizeBytes)
	if _, err := rand.Read(appKey); err != nil {
		return nil, err
	}
	keyring, err := authentication.NewNetworkKeyring(networkKey)
	if err != nil {
		return nil, err
	}
	return &Network{
		networkKey: networkKey,
		appKeys:    map[uint16][]byte{0: appKey},
		address:    protocol.UnicastAddress(provisionerAddress),
		addresses:  protocol.NewAddressSpace(firstNodeAddress),
		keyring:    keyring,
	}, nil
}

// NetworkFromState restores a persisted network context.
func NetworkFromState(state *store.NetworkState) (*Network, error) {
	keyring, err := authentication.NewNetworkKeyring(state.NetworkKey)
	if err != nil {
		return nil, err
	}
	appKeys := make(map[uint16][]byte, len(state.AppKeys))
	for idx, key := range state.AppKeys {
		appKeys[idx] = key
	}
	next := state.NextUnicast
	if next < firstNodeAddress {
		next = firstNodeAddress
	}
	return &Network{
		networkKey: state.NetworkKey,
		keyIndex:   state.KeyIndex,
		appKeys:    appKeys,
		ivIndex:    state.IVIndex,
		address:    protocol.UnicastAddress(state.ProvisionerAddress),
		addresses:  protocol.NewAddressSpace(next),
		keyring:    keyring,
	}, nil
}

// State captures the network context for persistence.
func (n *Network) State() *store.NetworkState {
	appKeys := make(map[uint16][]byte, len(n.appKeys))
	for idx, key := range n.appKeys {
		appKeys[idx] = key
	}
	return &store.NetworkState{
		NetworkKey:         n.networkKey,
		KeyIndex:           n.keyIndex,
		AppKeys:            appKeys,
		IVIndex:            n.ivIndex,
		ProvisionerAddress: n.address.Value(),
		NextUnicast:        n.addresses.Next(),
	}
}

// Address returns the provisioner's own unicast address.
func (n *Network) Address() protocol.Address {
	return n.address
}

// Keyring returns the AEAD context for the network key.
func (n *Network) Keyring() *authentication.NetworkKeyring {
	return n.keyring
}

// NextTID advances and returns the transaction identifier. Each logical state change gets one
// TID; retransmissions of the same change reuse it.
func (n *Network) NextTID() uint8 {
	n.tidLock.Lock()
	defer n.tidLock.Unlock()
	n.tid++
	return n.tid
}
