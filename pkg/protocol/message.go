package protocol

import (
	"encoding/binary"
	"fmt"
)

// Message is a mesh application-layer message. Encode and Decode convert between Message values
// and opcode+parameter byte sequences; the pair round-trips for every constructible value.
type Message interface {
	// Op returns the wire opcode the message encodes to.
	Op() Opcode

	// Acknowledged reports whether the sender expects a status response.
	Acknowledged() bool
}

// Repliable messages name the status opcode that acknowledges them. The dispatcher uses this to
// match inbound statuses to pending requests.
type Repliable interface {
	StatusOp() Opcode
}

// Transactional messages carry the per-logical-change transaction identifier receivers use to
// de-duplicate retransmissions. The TID must be advanced for every new state change and held
// constant across retransmissions of the same change; Network.NextTID implements that rule.
type Transactional interface {
	TID() uint8
}

// OnOff sets the Generic OnOff state of the destination.
type OnOff struct {
	On  bool
	Ack bool
	Tid uint8
}

func (m OnOff) Op() Opcode {
	if m.Ack {
		return OpOnOffSet
	}
	return OpOnOffSetUnack
}

func (m OnOff) Acknowledged() bool { return m.Ack }
func (m OnOff) StatusOp() Opcode   { return OpOnOffStatus }
func (m OnOff) TID() uint8         { return m.Tid }

// OnOffStatus is the firmware's response to an acknowledged OnOff set. The trailing TID echoes
// the request it acknowledges (custom firmware contract; the stock model omits it).
type OnOffStatus struct {
	On  bool
	Tid uint8
}

func (m OnOffStatus) Op() Opcode         { return OpOnOffStatus }
func (m OnOffStatus) Acknowledged() bool { return false }
func (m OnOffStatus) TID() uint8         { return m.Tid }

// Level sets the Generic Level state of the destination.
type Level struct {
	Value int16
	Ack   bool
	Tid   uint8
}

func (m Level) Op() Opcode {
	if m.Ack {
		return OpLevelSet
	}
	return OpLevelSetUnack
}

func (m Level) Acknowledged() bool { return m.Ack }
func (m Level) StatusOp() Opcode   { return OpLevelStatus }
func (m Level) TID() uint8         { return m.Tid }

// LevelStatus is the firmware's response to an acknowledged Level set.
type LevelStatus struct {
	Value int16
	Tid   uint8
}

func (m LevelStatus) Op() Opcode         { return OpLevelStatus }
func (m LevelStatus) Acknowledged() bool { return false }
func (m LevelStatus) TID() uint8         { return m.Tid }

// SensorGet queries one sensor property, or all properties when PropertyID is nil.
type SensorGet struct {
	PropertyID *uint16
}

func (m SensorGet) Op() Opcode         { return OpSensorGet }
func (m SensorGet) Acknowledged() bool { return true }
func (m SensorGet) StatusOp() Opcode   { return OpSensorStatus }

// SensorStatus carries marshalled sensor data. The payload layout is property-dependent and left
// to the caller, as with Config.
type SensorStatus struct {
	Data []byte
}

func (m SensorStatus) Op() Opcode         { return OpSensorStatus }
func (m SensorStatus) Acknowledged() bool { return false }

// Config is an opaque Configuration model exchange. The codec validates the opcode and passes the
// parameter bytes through untouched; payload semantics stay with the caller.
type Config struct {
	Opcode     Opcode
	Parameters []byte
}

func (m Config) Op() Opcode         { return m.Opcode }
func (m Config) Acknowledged() bool { return configStatusFor(m.Opcode) != 0 }

func (m Config) StatusOp() Opcode { return configStatusFor(m.Opcode) }

func configStatusFor(op Opcode) Opcode {
	switch op {
	case OpConfigAppKeyAdd:
		return OpConfigAppKeyStatus
	case OpConfigCompositionDataGet:
		return OpConfigCompositionDataStatus
	case OpConfigModelAppBind:
		return OpConfigModelAppStatus
	}
	return 0
}

// Encode marshals m as opcode bytes followed by model parameters.
func Encode(m Message) ([]byte, error) {
	op := m.Op()
	out, err := op.MarshalBinary()
	if err != nil {
		return nil, err
	}
	switch msg := m.(type) {
	case OnOff:
		state := byte(0x00)
		if msg.On {
			state = 0x01
		}
		out = append(out, state, msg.Tid)
	case OnOffStatus:
		state := byte(0x00)
		if msg.On {
			state = 0x01
		}
		out = append(out, state, msg.Tid)
	case Level:
		out = binary.LittleEndian.AppendUint16(out, uint16(msg.Value))
		out = append(out, msg.Tid)
	case LevelStatus:
		out = binary.LittleEndian.AppendUint16(out, uint16(msg.Value))
		out = append(out, msg.Tid)
	case SensorGet:
		if msg.PropertyID != nil {
			out = binary.LittleEndian.AppendUint16(out, *msg.PropertyID)
		}
	case SensorStatus:
		out = append(out, msg.Data...)
	case Config:
		if !isConfigOpcode(msg.Opcode) {
			return nil, fmt.Errorf("%w: %#x is not a config opcode", ErrUnknownOpcode, uint32(msg.Opcode))
		}
		out = append(out, msg.Parameters...)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownOpcode, m)
	}
	return out, nil
}

// Decode parses an opcode+parameter byte sequence. Truncated parameters fail with
// ErrTruncatedMessage and unrecognized opcodes with ErrUnknownOpcode; well-formed input always
// decodes to the same Message.
func Decode(b []byte) (Message, error) {
	op, n, err := parseOpcode(b)
	if err != nil {
		return nil, err
	}
	params := b[n:]
	switch op {
	case OpOnOffSet, OpOnOffSetUnack:
		if len(params) < 2 {
			return nil, ErrTruncatedMessage
		}
		return OnOff{On: params[0] != 0, Ack: op == OpOnOffSet, Tid: params[1]}, nil
	case OpOnOffStatus:
		if len(params) < 2 {
			return nil, ErrTruncatedMessage
		}
		return OnOffStatus{On: params[0] != 0, Tid: params[1]}, nil
	case OpLevelSet, OpLevelSetUnack:
		if len(params) < 3 {
			return nil, ErrTruncatedMessage
		}
		return Level{
			Value: int16(binary.LittleEndian.Uint16(params)),
			Ack:   op == OpLevelSet,
			Tid:   params[2],
		}, nil
	case OpLevelStatus:
		if len(params) < 3 {
			return nil, ErrTruncatedMessage
		}
		return LevelStatus{Value: int16(binary.LittleEndian.Uint16(params)), Tid: params[2]}, nil
	case OpSensorGet:
		switch len(params) {
		case 0:
			return SensorGet{}, nil
		case 2:
			id := binary.LittleEndian.Uint16(params)
			return SensorGet{PropertyID: &id}, nil
		case 1:
			return nil, ErrTruncatedMessage
		default:
			return nil, fmt.Errorf("%w: sensor get with %d parameter bytes", ErrTruncatedMessage, len(params))
		}
	case OpSensorStatus:
		data := make([]byte, len(params))
		copy(data, params)
		return SensorStatus{Data: data}, nil
	}
	if isConfigOpcode(op) {
		params2 := make([]byte, len(params))
		copy(params2, params)
		return Config{Opcode: op, Parameters: params2}, nil
	}
	return nil, ErrUnknownOpcode
}
