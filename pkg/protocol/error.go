package protocol

import (
	"errors"
	"fmt"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// MayHaveSucceeded returns true if the Error was triggered by an operation that might have
	// been executed. For example, if a client times out while waiting for a status message, then
	// the client cannot tell if the command was received. (Not all timeouts mean the command
	// MayHaveSucceeded, so the common Timeout() error interface is not appropriate here).
	MayHaveSucceeded() bool

	// Temporary returns true if the Error might be the result of a transient condition. It is not
	// unusual for a node to miss a proxy PDU while it is busy relaying traffic for the rest of
	// the network.
	Temporary() bool
}

var (
	// ErrAddressExhausted indicates the unicast address cursor ran past 0x7FFF. The network
	// cannot admit further nodes.
	ErrAddressExhausted = NewError("unicast address space exhausted", false, false)
	// ErrInvalidAddress indicates a raw 16-bit value fell in a reserved or unassigned range.
	ErrInvalidAddress = NewError("address in reserved or unassigned range", false, false)
	// ErrDuplicateAddress indicates an attempt to register a node at an address already held by
	// a live node. This points at a programming or data-corruption bug and is not recoverable
	// for the operation that surfaced it.
	ErrDuplicateAddress = NewError("unicast address already registered", false, false)
	// ErrTruncatedMessage indicates a payload ended before its model parameters did.
	ErrTruncatedMessage = NewError("truncated mesh message", false, false)
	// ErrUnknownOpcode indicates an opcode this client does not implement.
	ErrUnknownOpcode = NewError("unrecognized opcode", false, false)
	// ErrTimeout indicates the retry budget for an acknowledged message was exhausted without a
	// matching status. The node may still have received one of the transmissions.
	ErrTimeout = NewError("no status received within retry budget", true, true)
	// ErrLinkLost indicates the transport disconnected while an exchange was in flight.
	ErrLinkLost = NewError("transport link lost", false, true)
	// ErrCryptoFailure indicates key agreement or session-key derivation could not be completed.
	ErrCryptoFailure = NewError("key agreement failed", false, false)
	// ErrAuthenticationFailed indicates the peer's confirmation value did not match.
	ErrAuthenticationFailed = NewError("provisioning confirmation mismatch", false, false)
	// ErrProvisioningBusy indicates another handshake is holding the provisioning bearer. The
	// bearer is exclusive; retry after the active handshake finishes.
	ErrProvisioningBusy = NewError("provisioning already in progress", false, true)
	// ErrNotFound indicates a lookup for an address with no registered node.
	ErrNotFound = NewError("no node registered at address", false, false)
	// ErrNotConnected indicates no connected node was available to relay a message.
	ErrNotConnected = NewError("no connected node can reach destination", false, false)
)

type CommandError struct {
	Err               error
	PossibleSuccess   bool
	PossibleTemporary bool
}

func NewError(message string, mayHaveSucceeded bool, temporary bool) error {
	return &CommandError{Err: errors.New(message), PossibleSuccess: mayHaveSucceeded, PossibleTemporary: temporary}
}

func (e *CommandError) Error() string {
	return e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) MayHaveSucceeded() bool {
	return e.PossibleSuccess
}

func (e *CommandError) Temporary() bool {
	return e.PossibleTemporary
}

// ProvisioningError wraps a handshake failure with the state that observed it.
type ProvisioningError struct {
	State string
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed at %s: %s", e.State, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

func (e *ProvisioningError) MayHaveSucceeded() bool {
	return MayHaveSucceeded(e.Err)
}

func (e *ProvisioningError) Temporary() bool {
	return Temporary(e.Err)
}

// MayHaveSucceeded returns true if err indicates the operation may have been executed even though
// the client did not receive a confirmation.
func MayHaveSucceeded(err error) bool {
	if commErr, ok := err.(Error); ok && commErr.MayHaveSucceeded() {
		return true
	}
	return false
}

// Temporary returns true if err indicates a failure due to possibly transient conditions that do
// not require user action to resolve.
func Temporary(err error) bool {
	if commErr, ok := err.(Error); ok && commErr.Temporary() {
		return true
	}
	return false
}

// ShouldRetry returns true if the client should retransmit the message that triggered an error.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(Error); ok {
		if e.MayHaveSucceeded() {
			return false
		}
		if e.Temporary() {
			return true
		}
	}
	return false
}
