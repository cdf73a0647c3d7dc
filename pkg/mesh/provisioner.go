// Package mesh exposes the network-level API consumed by the front ends: scanning for
// unprovisioned devices, admitting them through the provisioning handshake, and exchanging
// application messages with provisioned nodes.
package mesh

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dartworks/mesh-command/internal/authentication"
	"github.com/dartworks/mesh-command/internal/dispatcher"
	"github.com/dartworks/mesh-command/internal/log"
	"github.com/dartworks/mesh-command/internal/provisioning"
	"github.com/dartworks/mesh-command/internal/store"
	"github.com/dartworks/mesh-command/pkg/connector"
	"github.com/dartworks/mesh-command/pkg/protocol"
)

// DefaultScanTimeout bounds discovery when the caller does not specify one.
const DefaultScanTimeout = 10 * time.Second

// Provisioner orchestrates scanning, handshake execution, and message dispatch for one mesh
// network.
type Provisioner struct {
	network  *Network
	registry *Registry
	scanner  connector.Scanner
	dispatch *dispatcher.Dispatcher
	key      authentication.ECDHPrivateKey
	db       *store.Store // optional; nil disables persistence

	// HandshakeTimeout bounds each provisioning protocol step.
	HandshakeTimeout time.Duration

	// The provisioning bearer is exclusive: one handshake per network at a time.
	provisioning atomic.Bool

	discLock   sync.Mutex
	discovered map[uuid.UUID]connector.Advertisement

	events eventBus
}

// ProvisionResult reports the per-device outcome of a bulk provisioning run.
type ProvisionResult struct {
	Device connector.Advertisement
	Node   *Node
	Err    error
}

// Status is a point-in-time summary of the network.
type Status struct {
	NodeCount      int
	ConnectedCount int
	NetworkAddress protocol.Address
	NextUnicast    uint16
	KeyIndex       uint16
}

// NewProvisioner wires a Provisioner to its collaborators. The store may be nil; the private key
// is the provisioner's long-lived ECDH identity used in every handshake.
func NewProvisioner(network *Network, scanner connector.Scanner, key authentication.ECDHPrivateKey, db *store.Store) *Provisioner {
	p := &Provisioner{
		network:          network,
		registry:         NewRegistry(),
		scanner:          scanner,
		dispatch:         dispatcher.New(network.Keyring(), network.Address()),
		key:              key,
		db:               db,
		HandshakeTimeout: provisioning.DefaultTimeout,
		discovered:       make(map[uuid.UUID]connector.Advertisement),
	}
	p.dispatch.OnLinkDown = func(addr uint16) {
		address := protocol.UnicastAddress(addr)
		p.registry.MarkConnectivity(address, ConnectivityDisconnected)
		if node, err := p.registry.Lookup(address); err == nil {
			p.events.emit(Event{Kind: EventConnectivityChanged, Node: node})
		}
	}
	p.dispatch.OnUnhandled = func(src protocol.Address, msg protocol.Message) {
		p.events.emit(Event{Kind: EventMessageReceived, Source: src, Message: msg})
	}
	return p
}

// LoadNodes restores persisted nodes into the registry. Connectivity starts out unknown; links
// are re-established lazily as devices are seen again.
func (p *Provisioner) LoadNodes() error {
	if p.db == nil {
		return nil
	}
	records, err := p.db.ListNodes()
	if err != nil {
		return err
	}
	for _, rec := range records {
		node := &Node{
			Address:    protocol.UnicastAddress(rec.UnicastAddress),
			Name:       rec.Name,
			DeviceUUID: rec.DeviceUUID,
			DeviceKey:  rec.DeviceKey,
			Elements:   rec.Elements,
			BLEAddress: rec.BLEAddress,
			LastSeen:   rec.ProvisionedAt,
		}
		if err := p.registry.Register(node); err != nil {
			return fmt.Errorf("restoring node %#04x: %w", rec.UnicastAddress, err)
		}
	}
	log.Info("Restored %d node(s) from store", len(records))
	return nil
}

// SetRetryPolicy overrides the acknowledged-send retry budget and backoff.
func (p *Provisioner) SetRetryPolicy(retries int, backoff time.Duration) {
	if retries >= 0 {
		p.dispatch.Retries = retries
	}
	if backoff > 0 {
		p.dispatch.Backoff = backoff
	}
}

// OnEvent registers a subscriber for provisioner events. Callbacks must not block.
func (p *Provisioner) OnEvent(fn func(Event)) {
	p.events.subscribe(fn)
}

// Scan discovers unprovisioned devices advertising the mesh provisioning service, filtered by
// name prefix and deduplicated by device UUID. The result set is finite and bound to this call;
// it also refreshes the pool ProvisionAll draws from.
func (p *Provisioner) Scan(ctx context.Context, prefix string, timeout time.Duration) ([]connector.Advertisement, error) {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Info("Scanning for unprovisioned devices (prefix %q, timeout %s)", prefix, timeout)
	advertisements, err := p.scanner.Discover(scanCtx, connector.ProvisioningServiceUUID)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && scanCtx.Err() == nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]bool)
	var devices []connector.Advertisement
	for _, adv := range advertisements {
		if prefix != "" && !strings.HasPrefix(adv.LocalName, prefix) {
			continue
		}
		if seen[adv.DeviceUUID] {
			continue
		}
		seen[adv.DeviceUUID] = true
		devices = append(devices, adv)
	}

	p.discLock.Lock()
	p.discovered = make(map[uuid.UUID]connector.Advertisement, len(devices))
	for _, adv := range devices {
		p.discovered[adv.DeviceUUID] = adv
	}
	p.discLock.Unlock()

	log.Info("Found %d unprovisioned device(s)", len(devices))
	return devices, nil
}

// Discovered returns the advertisement recorded for a device by the last Scan.
func (p *Provisioner) Discovered(deviceUUID uuid.UUID) (connector.Advertisement, bool) {
	p.discLock.Lock()
	defer p.discLock.Unlock()
	adv, ok := p.discovered[deviceUUID]
	return adv, ok
}

// Provision runs one handshake against the given device. It fails immediately with
// ErrProvisioningBusy if another handshake holds the bearer, and leaves the registry untouched
// on any failure.
func (p *Provisioner) Provision(ctx context.Context, adv connector.Advertisement) (*Node, error) {
	if !p.provisioning.CompareAndSwap(false, true) {
		return nil, protocol.ErrProvisioningBusy
	}
	defer p.provisioning.Store(false)

	conn, err := p.scanner.Connect(ctx, adv)
	if err != nil {
		return nil, err
	}

	handshake := provisioning.New(conn, p.key, p.HandshakeTimeout)
	state := p.network.State()
	result, err := handshake.Run(ctx, provisioning.NetworkData{
		NetworkKey: state.NetworkKey,
		KeyIndex:   state.KeyIndex,
		IVIndex:    state.IVIndex,
	}, p.allocate)
	if err != nil {
		conn.Close()
		return nil, err
	}

	node := &Node{
		Address:      result.Address,
		Name:         adv.LocalName,
		DeviceUUID:   adv.DeviceUUID,
		DeviceKey:    result.DeviceKey,
		Elements:     result.Elements,
		BLEAddress:   adv.Address,
		Connectivity: ConnectivityConnected,
		LastSeen:     time.Now(),
	}
	if err := p.registry.Register(node); err != nil {
		conn.Close()
		return nil, err
	}
	p.persist(node)

	// The provisioning connection doubles as the proxy link to the new node.
	p.dispatch.AddLink(node.Address.Value(), conn)
	p.events.emit(Event{Kind: EventNodeProvisioned, Node: node})
	return node, nil
}

// ProvisionAll runs the handshake sequentially over every device found by the last Scan,
// collecting per-device results rather than aborting on the first failure.
func (p *Provisioner) ProvisionAll(ctx context.Context) []ProvisionResult {
	p.discLock.Lock()
	pending := make([]connector.Advertisement, 0, len(p.discovered))
	for _, adv := range p.discovered {
		pending = append(pending, adv)
	}
	p.discLock.Unlock()

	results := make([]ProvisionResult, 0, len(pending))
	for _, adv := range pending {
		node, err := p.Provision(ctx, adv)
		if err != nil {
			log.Warning("Provisioning %s failed: %s", adv.Address, err)
		}
		results = append(results, ProvisionResult{Device: adv, Node: node, Err: err})
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

// allocate mints the next unicast address and checkpoints the advanced cursor so a crash between
// handshake and registry insert cannot reissue it.
func (p *Provisioner) allocate(elements uint16) (protocol.Address, error) {
	addr, err := p.network.addresses.AllocateUnicast(elements)
	if err != nil {
		return protocol.Address{}, err
	}
	if p.db != nil {
		if err := p.db.SaveNetworkState(p.network.State()); err != nil {
			log.Error("Failed to checkpoint address cursor: %s", err)
		}
	}
	return addr, nil
}

func (p *Provisioner) persist(node *Node) {
	if p.db == nil {
		return
	}
	rec := &store.NodeRecord{
		UnicastAddress: node.Address.Value(),
		Name:           node.Name,
		DeviceUUID:     node.DeviceUUID,
		DeviceKey:      node.DeviceKey,
		Elements:       node.Elements,
		BLEAddress:     node.BLEAddress,
		ProvisionedAt:  node.LastSeen,
	}
	if err := p.db.SaveNode(rec); err != nil {
		log.Error("Failed to persist node %s: %s", node.Address, err)
	}
}

// Send transmits a mesh message to destination. Acknowledged messages block until a matching
// status arrives or the retry budget is exhausted; the returned Message is the status (nil for
// unacknowledged sends). Acknowledged sends require a unicast destination; group and broadcast
// traffic must go unacknowledged.
func (p *Provisioner) Send(ctx context.Context, destination protocol.Address, msg protocol.Message) (protocol.Message, error) {
	return p.dispatch.Send(ctx, destination, msg)
}

// SetOnOff issues a Generic OnOff set with a fresh transaction identifier.
func (p *Provisioner) SetOnOff(ctx context.Context, destination protocol.Address, on, acknowledged bool) (protocol.Message, error) {
	return p.Send(ctx, destination, protocol.OnOff{On: on, Ack: acknowledged, Tid: p.network.NextTID()})
}

// SetLevel issues a Generic Level set with a fresh transaction identifier.
func (p *Provisioner) SetLevel(ctx context.Context, destination protocol.Address, value int16, acknowledged bool) (protocol.Message, error) {
	return p.Send(ctx, destination, protocol.Level{Value: value, Ack: acknowledged, Tid: p.network.NextTID()})
}

// GetSensor queries one sensor property, or all properties when propertyID is nil.
func (p *Provisioner) GetSensor(ctx context.Context, destination protocol.Address, propertyID *uint16) (protocol.Message, error) {
	return p.Send(ctx, destination, protocol.SensorGet{PropertyID: propertyID})
}

// SendConfig relays an opaque Configuration model exchange.
func (p *Provisioner) SendConfig(ctx context.Context, destination protocol.Address, opcode protocol.Opcode, parameters []byte) (protocol.Message, error) {
	return p.Send(ctx, destination, protocol.Config{Opcode: opcode, Parameters: parameters})
}

// Status reports a summary of the network. Pure read.
func (p *Provisioner) Status() Status {
	total, connected := p.registry.Counts()
	state := p.network.State()
	return Status{
		NodeCount:      total,
		ConnectedCount: connected,
		NetworkAddress: p.network.Address(),
		NextUnicast:    state.NextUnicast,
		KeyIndex:       state.KeyIndex,
	}
}

// Nodes lists the registered nodes in ascending address order.
func (p *Provisioner) Nodes() []*Node {
	return p.registry.List()
}

// Registry exposes the node registry for front ends that need lookups.
func (p *Provisioner) Registry() *Registry {
	return p.registry
}
