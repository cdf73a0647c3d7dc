package protocol

import "encoding/binary"

// Proxy PDU message types, carried in the leading byte of every proxy data-in/out exchange.
const (
	ProxyTypeNetworkPDU  = 0x00
	ProxyTypeMeshBeacon  = 0x01
	ProxyTypeProxyConfig = 0x02
)

const envelopeHeaderLen = 8

// Envelope is the network-layer wrapper around an encrypted application payload: a network
// identifier, a monotonic 24-bit sequence number, and source/destination addresses. The header is
// authenticated (as associated data) but not encrypted, so relays can route without the
// application key.
type Envelope struct {
	NID     byte
	Seq     uint32
	Src     Address
	Dst     Address
	Payload []byte
}

// MarshalHeader encodes the routing header: NID, 3-byte sequence, 2-byte source and destination,
// all big-endian per the mesh networking convention.
func (e *Envelope) MarshalHeader() []byte {
	hdr := make([]byte, envelopeHeaderLen)
	hdr[0] = e.NID
	hdr[1] = byte(e.Seq >> 16)
	hdr[2] = byte(e.Seq >> 8)
	hdr[3] = byte(e.Seq)
	binary.BigEndian.PutUint16(hdr[4:6], e.Src.Value())
	binary.BigEndian.PutUint16(hdr[6:8], e.Dst.Value())
	return hdr
}

// MarshalBinary encodes the full envelope: header followed by the (sealed) payload.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	return append(e.MarshalHeader(), e.Payload...), nil
}

// ParseEnvelope splits a network PDU into its routing header and payload. The payload remains
// sealed; callers hand it to the network keyring to open.
func ParseEnvelope(b []byte) (*Envelope, error) {
	if len(b) < envelopeHeaderLen {
		return nil, ErrTruncatedMessage
	}
	src, err := ValidateAddress(binary.BigEndian.Uint16(b[4:6]))
	if err != nil {
		return nil, err
	}
	dst, err := ValidateAddress(binary.BigEndian.Uint16(b[6:8]))
	if err != nil {
		return nil, err
	}
	payload := make([]byte, len(b)-envelopeHeaderLen)
	copy(payload, b[envelopeHeaderLen:])
	return &Envelope{
		NID:     b[0],
		Seq:     uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]),
		Src:     src,
		Dst:     dst,
		Payload: payload,
	}, nil
}
