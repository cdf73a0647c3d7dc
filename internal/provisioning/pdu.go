package provisioning

import (
	"encoding/binary"
	"fmt"

	"github.com/dartworks/mesh-command/pkg/protocol"
)

// Provisioning PDU types.
const (
	pduInvite       = 0x00
	pduCapabilities = 0x01
	pduStart        = 0x02
	pduPublicKey    = 0x03
	pduConfirmation = 0x05
	pduRandom       = 0x06
	pduData         = 0x07
	pduComplete     = 0x08
	pduFailed       = 0x09
)

// GATT bearer link-control values. Target firmware sends every provisioning PDU in a single
// Transaction Start frame; continuation frames do not occur at the negotiated MTU.
const (
	linkControlTransactionStart = 0x03
)

const publicKeyLength = 65 // uncompressed P-256 point

// frame wraps a provisioning PDU for the GATT bearer: link control, PDU type, parameters.
func frame(pduType byte, parameters []byte) []byte {
	out := make([]byte, 0, 2+len(parameters))
	out = append(out, linkControlTransactionStart, pduType)
	return append(out, parameters...)
}

// unframe strips the link-control byte and splits the PDU type from its parameters.
func unframe(b []byte) (pduType byte, parameters []byte, err error) {
	if len(b) < 2 {
		return 0, nil, protocol.ErrTruncatedMessage
	}
	if b[0] != linkControlTransactionStart {
		return 0, nil, fmt.Errorf("unexpected link control %#02x", b[0])
	}
	return b[1], b[2:], nil
}

// Capabilities reports what the device advertised in its Provisioning Capabilities PDU.
type Capabilities struct {
	Elements         uint8
	Algorithms       uint16
	PublicKeyType    uint8
	StaticOOBType    uint8
	OutputOOBSize    uint8
	OutputOOBActions uint16
	InputOOBSize     uint8
	InputOOBActions  uint16
}

func parseCapabilities(params []byte) (Capabilities, error) {
	if len(params) < 11 {
		return Capabilities{}, protocol.ErrTruncatedMessage
	}
	return Capabilities{
		Elements:         params[0],
		Algorithms:       binary.BigEndian.Uint16(params[1:3]),
		PublicKeyType:    params[3],
		StaticOOBType:    params[4],
		OutputOOBSize:    params[5],
		OutputOOBActions: binary.BigEndian.Uint16(params[6:8]),
		InputOOBSize:     params[8],
		InputOOBActions:  binary.BigEndian.Uint16(params[9:11]),
	}, nil
}

// marshalStart encodes the Provisioning Start PDU: FIPS P-256 key exchange, no OOB
// authentication. The device capabilities are recorded but this client only drives the
// no-output-OOB path.
func marshalStart() []byte {
	// algorithm, public key type, auth method, auth action, auth size
	return []byte{0x00, 0x00, 0x00, 0x00, 0x00}
}

// marshalData encodes the plaintext provisioning payload: network key, key index, flags,
// IV index, and the assigned unicast address. Sealed under the session key before transmission.
func marshalData(networkKey []byte, keyIndex uint16, flags byte, ivIndex uint32, address uint16) []byte {
	out := make([]byte, 0, len(networkKey)+9)
	out = append(out, networkKey...)
	out = binary.BigEndian.AppendUint16(out, keyIndex)
	out = append(out, flags)
	out = binary.BigEndian.AppendUint32(out, ivIndex)
	out = binary.BigEndian.AppendUint16(out, address)
	return out
}

// failureReason translates a Provisioning Failed error code.
func failureReason(code byte) string {
	switch code {
	case 0x01:
		return "prohibited PDU"
	case 0x02:
		return "invalid PDU format"
	case 0x03:
		return "unexpected PDU"
	case 0x04:
		return "confirmation failed"
	case 0x05:
		return "out of resources"
	case 0x06:
		return "decryption failed"
	case 0x07:
		return "unexpected error"
	case 0x08:
		return "cannot assign address"
	}
	return fmt.Sprintf("unknown reason %#02x", code)
}
