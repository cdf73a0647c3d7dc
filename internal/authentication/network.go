package authentication

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/dartworks/mesh-command/pkg/protocol"
)

// KeySizeBytes is the length of network and application keys.
const KeySizeBytes = 16

var ErrReplayedEnvelope = errors.New("envelope sequence number not newer than last seen")

// NetworkKeyring seals and opens network envelopes under a shared network key. The envelope
// header is bound as associated data, so source, destination, and sequence cannot be altered
// without failing authentication. Safe for concurrent use; every proxy link's receive
// goroutine opens envelopes on the same keyring.
type NetworkKeyring struct {
	nid byte
	gcm cipher.AEAD

	lock    sync.Mutex
	lastSeq map[uint16]uint32
}

// NewNetworkKeyring derives the AEAD context and network identifier from a 16-byte network key.
func NewNetworkKeyring(networkKey []byte) (*NetworkKeyring, error) {
	if len(networkKey) != KeySizeBytes {
		return nil, fmt.Errorf("network key must be %d bytes", KeySizeBytes)
	}
	block, err := aes.NewCipher(networkKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, networkKey)
	mac.Write([]byte("network id"))
	return &NetworkKeyring{
		nid:     mac.Sum(nil)[0] & 0x7F,
		gcm:     gcm,
		lastSeq: make(map[uint16]uint32),
	}, nil
}

// NID returns the 7-bit network identifier relays use to select a keyring.
func (k *NetworkKeyring) NID() byte {
	return k.nid
}

// The sequence number and source address never repeat within a key's lifetime, which makes the
// deterministic nonce unique per sealed envelope.
func (k *NetworkKeyring) nonce(env *protocol.Envelope) []byte {
	n := make([]byte, k.gcm.NonceSize())
	n[0] = env.NID
	n[1] = byte(env.Seq >> 16)
	n[2] = byte(env.Seq >> 8)
	n[3] = byte(env.Seq)
	n[4] = byte(env.Src.Value() >> 8)
	n[5] = byte(env.Src.Value())
	n[6] = byte(env.Dst.Value() >> 8)
	n[7] = byte(env.Dst.Value())
	return n
}

// Seal encrypts plaintext into env.Payload and stamps env with the keyring's NID. The caller
// supplies a sequence number that must be fresh for the source address.
func (k *NetworkKeyring) Seal(env *protocol.Envelope, plaintext []byte) error {
	env.NID = k.nid
	env.Payload = k.gcm.Seal(nil, k.nonce(env), plaintext, env.MarshalHeader())
	return nil
}

// Open authenticates and decrypts env.Payload. Envelopes from another network, with a stale
// sequence number, or failing authentication are rejected.
func (k *NetworkKeyring) Open(env *protocol.Envelope) ([]byte, error) {
	if env.NID != k.nid {
		return nil, fmt.Errorf("envelope for unknown network %#02x", env.NID)
	}
	src := env.Src.Value()
	k.lock.Lock()
	defer k.lock.Unlock()
	if last, ok := k.lastSeq[src]; ok && env.Seq <= last {
		return nil, ErrReplayedEnvelope
	}
	plaintext, err := k.gcm.Open(nil, k.nonce(env), env.Payload, env.MarshalHeader())
	if err != nil {
		return nil, err
	}
	k.lastSeq[src] = env.Seq
	return plaintext, nil
}
