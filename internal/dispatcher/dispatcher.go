// Package dispatcher transmits sealed network envelopes to mesh nodes and routes inbound status
// messages to the requests awaiting them. It owns the retry/acknowledgement contract: an
// acknowledged message is retransmitted on a fixed backoff until a matching status arrives or the
// retry budget is spent. Acknowledged sends to the same destination are serialized to keep
// response matching unambiguous; different destinations proceed concurrently.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/dartworks/mesh-command/internal/authentication"
	"github.com/dartworks/mesh-command/internal/log"
	"github.com/dartworks/mesh-command/pkg/connector"
	"github.com/dartworks/mesh-command/pkg/protocol"
)

const (
	// DefaultRetries is the number of retransmissions after the initial attempt.
	DefaultRetries = 2
	// DefaultBackoff is the wait between transmission attempts of an acknowledged message.
	DefaultBackoff = 2 * time.Second
)

// Dispatcher objects send encrypted network PDUs through connected proxy nodes and route
// incoming status messages to the appropriate receiver object.
type Dispatcher struct {
	keyring *authentication.NetworkKeyring
	source  protocol.Address

	Retries int
	Backoff time.Duration

	// OnLinkDown, if set, is called when a proxy link's receive channel closes.
	OnLinkDown func(addr uint16)

	// OnUnhandled, if set, receives decoded messages with no pending request, such as
	// autonomous sensor reports. Called from the listen goroutine.
	OnUnhandled func(src protocol.Address, msg protocol.Message)

	seqLock sync.Mutex
	seq     uint32
	nextID  uint64

	linkLock sync.Mutex
	links    map[uint16]connector.Connector

	handlerLock sync.Mutex
	handlers    map[receiverKey]*receiver

	destLock sync.Mutex
	destBusy map[uint16]chan struct{}
}

// New creates a Dispatcher sending from the provisioner's unicast address under the network
// keyring.
func New(keyring *authentication.NetworkKeyring, source protocol.Address) *Dispatcher {
	return &Dispatcher{
		keyring:  keyring,
		source:   source,
		Retries:  DefaultRetries,
		Backoff:  DefaultBackoff,
		links:    make(map[uint16]connector.Connector),
		handlers: make(map[receiverKey]*receiver),
		destBusy: make(map[uint16]chan struct{}),
	}
}

// AddLink registers a proxy connection to the node at addr and starts draining its proxy data-out
// channel in a new goroutine.
func (d *Dispatcher) AddLink(addr uint16, conn connector.Connector) {
	d.linkLock.Lock()
	d.links[addr] = conn
	d.linkLock.Unlock()
	go d.listen(addr, conn)
}

// RemoveLink drops the proxy connection to addr, closing it.
func (d *Dispatcher) RemoveLink(addr uint16) {
	d.linkLock.Lock()
	conn, ok := d.links[addr]
	delete(d.links, addr)
	d.linkLock.Unlock()
	if ok {
		conn.Close()
	}
}

// pickLink prefers a direct connection to a unicast destination; group and broadcast traffic (or
// unicast traffic to a node we are not connected to) goes through any connected relay.
func (d *Dispatcher) pickLink(dst protocol.Address) (connector.Connector, bool) {
	d.linkLock.Lock()
	defer d.linkLock.Unlock()
	if dst.IsUnicast() {
		if conn, ok := d.links[dst.Value()]; ok {
			return conn, true
		}
	}
	for _, conn := range d.links {
		return conn, true
	}
	return nil, false
}

func (d *Dispatcher) nextSeq() uint32 {
	d.seqLock.Lock()
	defer d.seqLock.Unlock()
	d.seq++
	return d.seq
}

// listen drains one proxy link, decoding network PDUs and routing statuses. Decode failures on
// unsolicited traffic are logged and dropped, never fatal.
func (d *Dispatcher) listen(addr uint16, conn connector.Connector) {
	log.Info("Listening on proxy link to %#04x", addr)
	for pdu := range conn.Receive(connector.ProxyDataOut) {
		if len(pdu) < 1 {
			log.Warning("Dropping empty proxy PDU from %#04x", addr)
			continue
		}
		switch pdu[0] {
		case protocol.ProxyTypeNetworkPDU:
			d.processNetworkPDU(pdu[1:])
		case protocol.ProxyTypeMeshBeacon:
			log.Debug("Mesh beacon from %#04x: %02x", addr, pdu[1:])
		case protocol.ProxyTypeProxyConfig:
			log.Debug("Proxy config from %#04x: %02x", addr, pdu[1:])
		default:
			log.Warning("Dropping proxy PDU with unknown type %#02x", pdu[0])
		}
	}
	log.Warning("Proxy link to %#04x closed", addr)
	d.linkLock.Lock()
	delete(d.links, addr)
	d.linkLock.Unlock()
	if d.OnLinkDown != nil {
		d.OnLinkDown(addr)
	}
}

func (d *Dispatcher) processNetworkPDU(raw []byte) {
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		log.Warning("Dropping unparseable network PDU: %s", err)
		return
	}
	if env.Dst.Value() != d.source.Value() && env.Dst.Kind() == protocol.AddressUnicast {
		log.Debug("Dropping network PDU addressed to %s", env.Dst)
		return
	}
	plaintext, err := d.keyring.Open(env)
	if err != nil {
		log.Warning("Dropping network PDU from %s: %s", env.Src, err)
		return
	}
	msg, err := protocol.Decode(plaintext)
	if err != nil {
		log.Warning("Dropping undecodable message from %s: %s", env.Src, err)
		return
	}

	key := receiverKey{source: env.Src.Value(), statusOp: msg.Op()}
	if t, ok := msg.(protocol.Transactional); ok {
		key.tid = t.TID()
	}

	d.handlerLock.Lock()
	handler, ok := d.handlers[key]
	d.handlerLock.Unlock()
	if !ok {
		log.Debug("No handler for %s message from %s", key.String(), env.Src)
		if d.OnUnhandled != nil {
			d.OnUnhandled(env.Src, msg)
		}
		return
	}
	select {
	case handler.ch <- msg:
	default:
		log.Error("[%d] Dropping response because handler queue is full", handler.id)
	}
}

func (d *Dispatcher) createHandler(key *receiverKey) *receiver {
	d.handlerLock.Lock()
	defer d.handlerLock.Unlock()
	d.nextID++
	recv := &receiver{
		key:           key,
		id:            d.nextID,
		ch:            make(chan protocol.Message, receiverBufferSize),
		dispatcher:    d,
		requestSentAt: time.Now(),
	}
	d.handlers[*key] = recv
	return recv
}

func (d *Dispatcher) closeHandler(recv *receiver) {
	d.handlerLock.Lock()
	delete(d.handlers, *recv.key)
	d.handlerLock.Unlock()
}

// claimDestination blocks until no other acknowledged send to dst is outstanding, then claims it.
func (d *Dispatcher) claimDestination(ctx context.Context, dst uint16) error {
	for {
		d.destLock.Lock()
		busy, ok := d.destBusy[dst]
		if !ok {
			d.destBusy[dst] = make(chan struct{})
			d.destLock.Unlock()
			return nil
		}
		d.destLock.Unlock()
		select {
		case <-busy:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) releaseDestination(dst uint16) {
	d.destLock.Lock()
	busy, ok := d.destBusy[dst]
	delete(d.destBusy, dst)
	d.destLock.Unlock()
	if ok {
		close(busy) // unblock queued senders
	}
}

// transmit seals msg into a fresh envelope and writes it to a proxy link.
func (d *Dispatcher) transmit(ctx context.Context, dst protocol.Address, payload []byte) error {
	conn, ok := d.pickLink(dst)
	if !ok {
		return protocol.ErrNotConnected
	}
	env := &protocol.Envelope{Seq: d.nextSeq(), Src: d.source, Dst: dst}
	if err := d.keyring.Seal(env, payload); err != nil {
		return err
	}
	encoded, err := env.MarshalBinary()
	if err != nil {
		return err
	}
	framed := append([]byte{protocol.ProxyTypeNetworkPDU}, encoded...)
	return conn.Send(ctx, connector.ProxyDataIn, framed)
}

// Send encodes and transmits msg to dst. For acknowledged messages it blocks until a matching
// status arrives or the retry budget is exhausted, returning the status or ErrTimeout.
// Unacknowledged messages return immediately after transmission with no delivery guarantee.
//
// Acknowledged sends require a unicast destination: statuses carry the responding node's
// unicast address as their source, so an acknowledgement from a group cannot be matched to the
// request. Group and broadcast traffic must be sent unacknowledged.
func (d *Dispatcher) Send(ctx context.Context, dst protocol.Address, msg protocol.Message) (protocol.Message, error) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}

	repliable, acked := msg.(protocol.Repliable)
	if !acked || !msg.Acknowledged() {
		return nil, d.transmit(ctx, dst, payload)
	}
	if !dst.IsUnicast() {
		return nil, protocol.ErrInvalidAddress
	}

	if err := d.claimDestination(ctx, dst.Value()); err != nil {
		return nil, err
	}
	defer d.releaseDestination(dst.Value())

	key := receiverKey{source: dst.Value(), statusOp: repliable.StatusOp()}
	if t, ok := msg.(protocol.Transactional); ok {
		key.tid = t.TID()
	}
	recv := d.createHandler(&key)
	defer recv.Close()

	// The initial transmission plus d.Retries retransmissions of the same encoded bytes; the
	// transaction identifier must not change across retransmissions of one logical change.
	for attempt := 0; attempt <= d.Retries; attempt++ {
		if err := d.transmit(ctx, dst, payload); err != nil {
			if !protocol.ShouldRetry(err) {
				log.Warning("[%d] Terminal transmission error: %s", recv.id, err)
				return nil, err
			}
			log.Debug("[%d] Retrying transmission after error: %s", recv.id, err)
		}
		select {
		case status := <-recv.Recv():
			return status, nil
		case <-time.After(d.Backoff):
			// Retransmit.
		case <-ctx.Done():
			return nil, &protocol.CommandError{Err: ctx.Err(), PossibleSuccess: true, PossibleTemporary: true}
		}
	}
	log.Warning("[%d] No status from %s after %d attempts", recv.id, dst, d.Retries+1)
	return nil, protocol.ErrTimeout
}

// Links reports the unicast addresses with an open proxy connection.
func (d *Dispatcher) Links() []uint16 {
	d.linkLock.Lock()
	defer d.linkLock.Unlock()
	addrs := make([]uint16, 0, len(d.links))
	for addr := range d.links {
		addrs = append(addrs, addr)
	}
	return addrs
}
