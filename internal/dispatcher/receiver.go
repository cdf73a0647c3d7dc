package dispatcher

import (
	"fmt"
	"time"

	"github.com/dartworks/mesh-command/pkg/protocol"
)

var receiverBufferSize = 10

// receiverKey matches inbound status messages to the request awaiting them: the responding
// node's address, the status opcode that acknowledges the request, and the transaction
// identifier echoed by the firmware (zero for messages without one).
type receiverKey struct {
	source   uint16
	statusOp protocol.Opcode
	tid      uint8
}

func (r *receiverKey) String() string {
	return fmt.Sprintf("<%#04x-%#x-%d>", r.source, uint32(r.statusOp), r.tid)
}

// receiver represents a node's pending response to an acknowledged message.
type receiver struct {
	key           *receiverKey
	id            uint64 // monotonic request identifier, process-scoped
	ch            chan protocol.Message
	dispatcher    *Dispatcher
	requestSentAt time.Time
}

// Recv returns a channel that receives status messages matching the request.
func (r *receiver) Recv() <-chan protocol.Message {
	return r.ch
}

// Close tells the dispatcher to stop routing responses to this request, freeing the
// corresponding resources.
func (r *receiver) Close() {
	if r.dispatcher != nil {
		r.dispatcher.closeHandler(r)
	}
}
