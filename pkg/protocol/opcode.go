package protocol

// Opcode is a mesh application opcode. The wire length is derived from the value: a first byte
// with both top bits set selects the 3-byte (vendor) opcode space, a first byte with the top bit
// set and the next clear selects the 2-byte space, and a clear top bit selects the 1-byte space.
type Opcode uint32

// SIG model opcodes used by this client. Values follow the Mesh Model specification; the custom
// sensor status contract is shared with the target firmware.
const (
	OpOnOffGet      Opcode = 0x8201
	OpOnOffSet      Opcode = 0x8202
	OpOnOffSetUnack Opcode = 0x8203
	OpOnOffStatus   Opcode = 0x8204

	OpLevelGet      Opcode = 0x8205
	OpLevelSet      Opcode = 0x8206
	OpLevelSetUnack Opcode = 0x8207
	OpLevelStatus   Opcode = 0x8208

	OpSensorGet    Opcode = 0x8231
	OpSensorStatus Opcode = 0x52

	OpConfigAppKeyAdd             Opcode = 0x00
	OpConfigCompositionDataGet    Opcode = 0x8008
	OpConfigCompositionDataStatus Opcode = 0x02
	OpConfigAppKeyStatus          Opcode = 0x8003
	OpConfigModelAppBind          Opcode = 0x803D
	OpConfigModelAppStatus        Opcode = 0x803E
)

// Len returns the encoded length of the opcode in bytes (1, 2, or 3).
func (op Opcode) Len() int {
	switch {
	case op > 0xFFFF:
		return 3
	case op > 0xFF:
		return 2
	default:
		return 1
	}
}

// MarshalBinary appends the big-endian opcode bytes per the length convention.
func (op Opcode) MarshalBinary() ([]byte, error) {
	switch op.Len() {
	case 3:
		return []byte{byte(op >> 16), byte(op >> 8), byte(op)}, nil
	case 2:
		return []byte{byte(op >> 8), byte(op)}, nil
	default:
		return []byte{byte(op)}, nil
	}
}

// parseOpcode consumes an opcode from the front of b, returning the opcode and the number of
// bytes consumed.
func parseOpcode(b []byte) (Opcode, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrTruncatedMessage
	}
	switch {
	case b[0]&0xC0 == 0xC0:
		if len(b) < 3 {
			return 0, 0, ErrTruncatedMessage
		}
		return Opcode(uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])), 3, nil
	case b[0]&0x80 == 0x80:
		if len(b) < 2 {
			return 0, 0, ErrTruncatedMessage
		}
		return Opcode(uint32(b[0])<<8 | uint32(b[1])), 2, nil
	default:
		return Opcode(b[0]), 1, nil
	}
}

// isConfigOpcode reports whether op belongs to the Configuration model space this client relays
// for callers.
func isConfigOpcode(op Opcode) bool {
	switch op {
	case OpConfigAppKeyAdd, OpConfigCompositionDataGet, OpConfigCompositionDataStatus,
		OpConfigAppKeyStatus, OpConfigModelAppBind, OpConfigModelAppStatus:
		return true
	}
	return false
}
