package mesh

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dartworks/mesh-command/pkg/protocol"
)

// Connectivity describes what the provisioner last observed about a node's reachability.
type Connectivity int

const (
	ConnectivityUnknown Connectivity = iota
	ConnectivityConnected
	ConnectivityDisconnected
)

func (c Connectivity) String() string {
	switch c {
	case ConnectivityConnected:
		return "connected"
	case ConnectivityDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Node is a provisioned mesh member.
type Node struct {
	Address      protocol.Address
	Name         string
	DeviceUUID   uuid.UUID
	DeviceKey    []byte
	Elements     uint8
	BLEAddress   string
	Connectivity Connectivity
	LastSeen     time.Time
}

// Registry tracks the set of provisioned nodes. Nodes are added on provisioning success and never
// silently removed; removal is an explicit administrative action outside this package.
type Registry struct {
	lock  sync.Mutex
	nodes map[uint16]*Node
}

func NewRegistry() *Registry {
	return &Registry{nodes: make(map[uint16]*Node)}
}

// Register inserts a node. An address collision means the address allocator and the registry have
// diverged; it is surfaced as ErrDuplicateAddress rather than masked.
func (r *Registry) Register(node *Node) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	addr := node.Address.Value()
	if _, exists := r.nodes[addr]; exists {
		return protocol.ErrDuplicateAddress
	}
	r.nodes[addr] = node
	return nil
}

// Lookup returns the node at addr or ErrNotFound.
func (r *Registry) Lookup(addr protocol.Address) (*Node, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	node, ok := r.nodes[addr.Value()]
	if !ok {
		return nil, protocol.ErrNotFound
	}
	return node, nil
}

// MarkConnectivity records a connectivity observation. Events for unknown nodes are dropped, not
// errors: scan results race with registry updates.
func (r *Registry) MarkConnectivity(addr protocol.Address, state Connectivity) {
	r.lock.Lock()
	defer r.lock.Unlock()
	node, ok := r.nodes[addr.Value()]
	if !ok {
		return
	}
	node.Connectivity = state
	node.LastSeen = time.Now()
}

// List returns the registered nodes in ascending address order.
func (r *Registry) List() []*Node {
	r.lock.Lock()
	defer r.lock.Unlock()
	nodes := make([]*Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Address.Value() < nodes[j].Address.Value()
	})
	return nodes
}

// Counts reports the total and connected node counts in one pass.
func (r *Registry) Counts() (total, connected int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, node := range r.nodes {
		total++
		if node.Connectivity == ConnectivityConnected {
			connected++
		}
	}
	return total, connected
}
