// Package provisioning drives the handshake that admits an unprovisioned device into a mesh
// network. A Handshake is single-use: it either reaches Complete or fails and is discarded. The
// provisioning bearer is exclusive, so the caller must never run two handshakes concurrently on
// one network; pkg/mesh enforces that.
package provisioning

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/dartworks/mesh-command/internal/authentication"
	"github.com/dartworks/mesh-command/internal/log"
	"github.com/dartworks/mesh-command/pkg/connector"
	"github.com/dartworks/mesh-command/pkg/protocol"
)

// DefaultTimeout bounds the wait for each device response, analogous to the standard's 30-second
// provisioning link timeout.
const DefaultTimeout = 30 * time.Second

const attentionDuration = 5 // seconds; matches the target firmware's expectation

// State enumerates the handshake's linear progression.
type State int

const (
	StateIdle State = iota
	StateInvited
	StateCapabilitiesReceived
	StateKeyExchanged
	StateAddressAssigned
	StateComplete
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:                 "idle",
	StateInvited:              "invited",
	StateCapabilitiesReceived: "capabilities-received",
	StateKeyExchanged:         "key-exchanged",
	StateAddressAssigned:      "address-assigned",
	StateComplete:             "complete",
	StateFailed:               "failed",
}

func (s State) String() string {
	return stateNames[s]
}

// NetworkData is the secret material distributed to the device in the Provisioning Data PDU.
type NetworkData struct {
	NetworkKey []byte
	KeyIndex   uint16
	Flags      byte
	IVIndex    uint32
}

// Result describes a successfully provisioned device.
type Result struct {
	Address      protocol.Address
	Elements     uint8
	DeviceKey    []byte
	Capabilities Capabilities
}

// Allocator mints the unicast address for the device once the session is authenticated. Backed by
// the network's AddressSpace.
type Allocator func(elements uint16) (protocol.Address, error)

// Handshake runs the provisioning exchange over one device connection.
type Handshake struct {
	conn    connector.Connector
	key     authentication.ECDHPrivateKey
	timeout time.Duration

	state   State
	failure error
	session authentication.Session
	caps    Capabilities
}

// New prepares an Idle handshake. The private key is the provisioner's long-lived ECDH identity.
func New(conn connector.Connector, key authentication.ECDHPrivateKey, timeout time.Duration) *Handshake {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Handshake{conn: conn, key: key, timeout: timeout, state: StateIdle}
}

// State returns the handshake's current state.
func (h *Handshake) State() State {
	return h.state
}

// Failure returns the terminal error for a Failed handshake, nil otherwise.
func (h *Handshake) Failure() error {
	return h.failure
}

func (h *Handshake) fail(err error) error {
	wrapped := &protocol.ProvisioningError{State: h.state.String(), Err: err}
	h.state = StateFailed
	h.failure = wrapped
	return wrapped
}

// send writes one framed PDU to the provisioning data-in channel.
func (h *Handshake) send(ctx context.Context, pduType byte, parameters []byte) error {
	return h.conn.Send(ctx, connector.ProvisioningDataIn, frame(pduType, parameters))
}

// await blocks for the next PDU of the wanted type. A device-reported failure, a closed link, an
// expired timer, or context cancellation all end the handshake.
func (h *Handshake) await(ctx context.Context, want byte) ([]byte, error) {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	for {
		select {
		case raw, open := <-h.conn.Receive(connector.ProvisioningDataOut):
			if !open {
				return nil, protocol.ErrLinkLost
			}
			pduType, params, err := unframe(raw)
			if err != nil {
				log.Warning("Dropping malformed provisioning PDU: %s", err)
				continue
			}
			if pduType == pduFailed {
				reason := "unspecified"
				if len(params) > 0 {
					reason = failureReason(params[0])
				}
				return nil, fmt.Errorf("device reported: %s", reason)
			}
			if pduType != want {
				log.Warning("Dropping unexpected provisioning PDU %#02x (awaiting %#02x)", pduType, want)
				continue
			}
			return params, nil
		case <-timer.C:
			return nil, protocol.ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Run drives the handshake to completion: Idle → Invited → CapabilitiesReceived → KeyExchanged →
// AddressAssigned → Complete. Any error leaves the handshake in Failed; it must not be reused.
func (h *Handshake) Run(ctx context.Context, network NetworkData, allocate Allocator) (*Result, error) {
	if h.state != StateIdle {
		return nil, h.fail(fmt.Errorf("handshake already ran (state %s)", h.state))
	}

	// Idle → Invited
	if err := h.send(ctx, pduInvite, []byte{attentionDuration}); err != nil {
		return nil, h.fail(err)
	}
	h.state = StateInvited
	log.Info("Sent provisioning invite to %s", h.conn.Address())

	// Invited → CapabilitiesReceived
	params, err := h.await(ctx, pduCapabilities)
	if err != nil {
		return nil, h.fail(err)
	}
	if h.caps, err = parseCapabilities(params); err != nil {
		return nil, h.fail(err)
	}
	h.state = StateCapabilitiesReceived
	log.Info("Device %s has %d element(s)", h.conn.Address(), h.caps.Elements)

	// CapabilitiesReceived → KeyExchanged
	if err := h.exchangeKeys(ctx); err != nil {
		return nil, h.fail(err)
	}
	h.state = StateKeyExchanged

	// KeyExchanged → AddressAssigned
	elements := uint16(h.caps.Elements)
	if elements == 0 {
		elements = 1
	}
	address, err := allocate(elements)
	if err != nil {
		return nil, h.fail(err)
	}
	if err := h.sendData(ctx, network, address); err != nil {
		return nil, h.fail(err)
	}
	h.state = StateAddressAssigned

	// AddressAssigned → Complete
	if _, err := h.await(ctx, pduComplete); err != nil {
		return nil, h.fail(err)
	}
	h.state = StateComplete
	log.Info("Provisioned %s as %s", h.conn.Address(), address)

	deviceKey := make([]byte, authentication.KeySizeBytes)
	kdf := h.session.NewHMAC("device key")
	copy(deviceKey, kdf.Sum(nil))

	return &Result{
		Address:      address,
		Elements:     h.caps.Elements,
		DeviceKey:    deviceKey,
		Capabilities: h.caps,
	}, nil
}

// exchangeKeys performs the public key exchange, derives the session, and verifies the
// confirmation values in both directions.
func (h *Handshake) exchangeKeys(ctx context.Context) error {
	if err := h.send(ctx, pduStart, marshalStart()); err != nil {
		return err
	}
	if err := h.send(ctx, pduPublicKey, h.key.PublicBytes()); err != nil {
		return err
	}
	devicePublic, err := h.await(ctx, pduPublicKey)
	if err != nil {
		return err
	}
	if len(devicePublic) != publicKeyLength {
		return fmt.Errorf("%w: device public key has length %d", protocol.ErrCryptoFailure, len(devicePublic))
	}
	session, err := h.key.Exchange(devicePublic)
	if err != nil {
		return fmt.Errorf("%w: %s", protocol.ErrCryptoFailure, err)
	}
	h.session = session

	// No-OOB authentication: the auth value is all zeros and the confirmation exchange proves
	// both sides derived the same session key.
	authValue := make([]byte, authentication.SessionKeySizeBytes)
	localRandom := make([]byte, authentication.SessionKeySizeBytes)
	if _, err := rand.Read(localRandom); err != nil {
		return err
	}

	if err := h.send(ctx, pduConfirmation, session.Confirmation(localRandom, authValue)); err != nil {
		return err
	}
	deviceConfirmation, err := h.await(ctx, pduConfirmation)
	if err != nil {
		return err
	}
	if err := h.send(ctx, pduRandom, localRandom); err != nil {
		return err
	}
	deviceRandom, err := h.await(ctx, pduRandom)
	if err != nil {
		return err
	}
	if !bytes.Equal(deviceConfirmation, session.Confirmation(deviceRandom, authValue)) {
		return protocol.ErrAuthenticationFailed
	}
	return nil
}

// sendData seals the provisioning payload under the session key and transmits it.
func (h *Handshake) sendData(ctx context.Context, network NetworkData, address protocol.Address) error {
	plaintext := marshalData(network.NetworkKey, network.KeyIndex, network.Flags, network.IVIndex, address.Value())
	nonce, ciphertext, tag, err := h.session.Encrypt(plaintext, []byte("provisioning data"))
	if err != nil {
		return fmt.Errorf("%w: %s", protocol.ErrCryptoFailure, err)
	}
	sealed := make([]byte, 0, len(nonce)+len(ciphertext)+len(tag))
	sealed = append(sealed, nonce...)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	return h.send(ctx, pduData, sealed)
}
