package protocol_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dartworks/mesh-command/pkg/protocol"
)

var _ = Describe("Opcode", func() {
	It("marshals two-byte SIG opcodes big endian", func() {
		b, err := protocol.OpOnOffSet.MarshalBinary()
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(Equal([]byte{0x82, 0x02}))
	})

	It("marshals one-byte opcodes as a single byte", func() {
		b, err := protocol.OpSensorStatus.MarshalBinary()
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(Equal([]byte{0x52}))
	})

	It("reports the encoded length from the value range", func() {
		Expect(protocol.OpConfigAppKeyAdd.Len()).To(Equal(1))
		Expect(protocol.OpOnOffStatus.Len()).To(Equal(2))
		Expect(protocol.Opcode(0xC00059).Len()).To(Equal(3))
	})
})

var _ = Describe("Encode", func() {
	It("encodes acknowledged on/off with state and TID", func() {
		b, err := protocol.Encode(protocol.OnOff{On: true, Ack: true, Tid: 0x1A})
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(Equal([]byte{0x82, 0x02, 0x01, 0x1A}))
	})

	It("selects the unacknowledged opcode when no reply is wanted", func() {
		b, err := protocol.Encode(protocol.OnOff{On: false, Ack: false, Tid: 0x05})
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(Equal([]byte{0x82, 0x03, 0x00, 0x05}))
	})

	It("encodes level values little endian", func() {
		b, err := protocol.Encode(protocol.Level{Value: -1, Ack: true, Tid: 0x07})
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(Equal([]byte{0x82, 0x06, 0xFF, 0xFF, 0x07}))
	})

	It("encodes a sensor get without a property as opcode only", func() {
		b, err := protocol.Encode(protocol.SensorGet{})
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(Equal([]byte{0x82, 0x31}))
	})

	It("appends the property identifier when a sensor get names one", func() {
		id := uint16(0x004E)
		b, err := protocol.Encode(protocol.SensorGet{PropertyID: &id})
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(Equal([]byte{0x82, 0x31, 0x4E, 0x00}))
	})

	It("passes config parameters through untouched", func() {
		b, err := protocol.Encode(protocol.Config{
			Opcode:     protocol.OpConfigModelAppBind,
			Parameters: []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x10},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(Equal([]byte{0x80, 0x3D, 0x01, 0x00, 0x00, 0x00, 0x00, 0x10}))
	})

	It("rejects config messages with a non-config opcode", func() {
		_, err := protocol.Encode(protocol.Config{Opcode: protocol.OpOnOffSet})
		Expect(err).To(MatchError(protocol.ErrUnknownOpcode))
	})
})

var _ = Describe("Decode", func() {
	It("round-trips every status message the dispatcher matches on", func() {
		messages := []protocol.Message{
			protocol.OnOffStatus{On: true, Tid: 0x21},
			protocol.LevelStatus{Value: 0x7FFF, Tid: 0x22},
			protocol.SensorStatus{Data: []byte{0x4E, 0x00, 0x19}},
		}
		for _, msg := range messages {
			b, err := protocol.Encode(msg)
			Expect(err).NotTo(HaveOccurred())
			decoded, err := protocol.Decode(b)
			Expect(err).NotTo(HaveOccurred())
			Expect(decoded).To(Equal(msg))
		}
	})

	It("preserves the acknowledged flag through the opcode", func() {
		b, err := protocol.Encode(protocol.Level{Value: 100, Ack: false, Tid: 0x09})
		Expect(err).NotTo(HaveOccurred())
		decoded, err := protocol.Decode(b)
		Expect(err).NotTo(HaveOccurred())
		level, ok := decoded.(protocol.Level)
		Expect(ok).To(BeTrue())
		Expect(level.Acknowledged()).To(BeFalse())
		Expect(level.Value).To(Equal(int16(100)))
	})

	It("decodes config exchanges with opaque parameters", func() {
		decoded, err := protocol.Decode([]byte{0x80, 0x08, 0x00})
		Expect(err).NotTo(HaveOccurred())
		cfg, ok := decoded.(protocol.Config)
		Expect(ok).To(BeTrue())
		Expect(cfg.Opcode).To(Equal(protocol.OpConfigCompositionDataGet))
		Expect(cfg.Parameters).To(Equal([]byte{0x00}))
	})

	It("fails on truncated parameters", func() {
		_, err := protocol.Decode([]byte{0x82, 0x02, 0x01})
		Expect(err).To(MatchError(protocol.ErrTruncatedMessage))

		_, err = protocol.Decode([]byte{0x82, 0x06, 0xFF})
		Expect(err).To(MatchError(protocol.ErrTruncatedMessage))

		_, err = protocol.Decode([]byte{0x82, 0x31, 0x4E})
		Expect(err).To(MatchError(protocol.ErrTruncatedMessage))
	})

	It("fails on a truncated opcode", func() {
		_, err := protocol.Decode(nil)
		Expect(err).To(MatchError(protocol.ErrTruncatedMessage))

		_, err = protocol.Decode([]byte{0x82})
		Expect(err).To(MatchError(protocol.ErrTruncatedMessage))
	})

	It("fails on opcodes this client does not speak", func() {
		_, err := protocol.Decode([]byte{0x82, 0x99, 0x00})
		Expect(err).To(MatchError(protocol.ErrUnknownOpcode))
	})

	It("matches requests to their status opcodes", func() {
		Expect(protocol.OnOff{Ack: true}.StatusOp()).To(Equal(protocol.OpOnOffStatus))
		Expect(protocol.Level{Ack: true}.StatusOp()).To(Equal(protocol.OpLevelStatus))
		Expect(protocol.SensorGet{}.StatusOp()).To(Equal(protocol.OpSensorStatus))
		Expect(protocol.Config{Opcode: protocol.OpConfigAppKeyAdd}.StatusOp()).To(Equal(protocol.OpConfigAppKeyStatus))
	})
})
