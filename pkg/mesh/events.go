package mesh

import (
	"sync"

	"github.com/dartworks/mesh-command/pkg/protocol"
)

// EventKind tags the events a Provisioner emits.
type EventKind int

const (
	// EventNodeProvisioned fires once per successful handshake, carrying the new node.
	EventNodeProvisioned EventKind = iota
	// EventConnectivityChanged fires when a node's link state changes.
	EventConnectivityChanged
	// EventMessageReceived fires for decoded inbound messages with no pending request, such as
	// autonomous sensor reports.
	EventMessageReceived
)

// Event is delivered to subscribers registered with Provisioner.OnEvent.
type Event struct {
	Kind    EventKind
	Node    *Node
	Source  protocol.Address
	Message protocol.Message
}

// eventBus fans events out to subscribers. Callbacks run on the emitting goroutine and must not
// block.
type eventBus struct {
	lock sync.Mutex
	subs []func(Event)
}

func (b *eventBus) subscribe(fn func(Event)) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.subs = append(b.subs, fn)
}

func (b *eventBus) emit(ev Event) {
	b.lock.Lock()
	subs := make([]func(Event), len(b.subs))
	copy(subs, b.subs)
	b.lock.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}
