package authentication

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/dartworks/mesh-command/pkg/protocol"
)

func getNetworkKeyring(t *testing.T) *NetworkKeyring {
	t.Helper()
	networkKey := []byte("0123456789abcdef")
	keyring, err := NewNetworkKeyring(networkKey)
	if err != nil {
		t.Fatalf("Failed to create keyring: %s", err)
	}
	return keyring
}

func sealedEnvelope(t *testing.T, k *NetworkKeyring, seq uint32, plaintext []byte) *protocol.Envelope {
	t.Helper()
	env := &protocol.Envelope{
		Seq: seq,
		Src: protocol.UnicastAddress(0x0005),
		Dst: protocol.UnicastAddress(0x0001),
	}
	if err := k.Seal(env, plaintext); err != nil {
		t.Fatalf("Seal failed: %s", err)
	}
	return env
}

func TestSealOpenRoundTrip(t *testing.T) {
	keyring := getNetworkKeyring(t)
	plaintext := []byte{0x82, 0x04, 0x01, 0x1A}
	env := sealedEnvelope(t, keyring, 1, plaintext)

	if env.NID != keyring.NID() {
		t.Errorf("Sealed envelope has NID %#02x, keyring has %#02x", env.NID, keyring.NID())
	}
	if bytes.Contains(env.Payload, plaintext) {
		t.Error("Payload contains plaintext")
	}

	recovered, err := keyring.Open(env)
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Errorf("Opened %x, expected %x", recovered, plaintext)
	}
}

func TestOpenSurvivesWireRoundTrip(t *testing.T) {
	keyring := getNetworkKeyring(t)
	env := sealedEnvelope(t, keyring, 7, []byte("payload"))

	wire, err := env.MarshalBinary()
	if err != nil {
		t.Fatalf("Marshal failed: %s", err)
	}
	parsed, err := protocol.ParseEnvelope(wire)
	if err != nil {
		t.Fatalf("Parse failed: %s", err)
	}
	if _, err = keyring.Open(parsed); err != nil {
		t.Errorf("Open failed after parse: %s", err)
	}
}

func TestOpenRejectsReplay(t *testing.T) {
	keyring := getNetworkKeyring(t)
	first := sealedEnvelope(t, keyring, 5, []byte("first"))
	second := sealedEnvelope(t, keyring, 6, []byte("second"))

	if _, err := keyring.Open(second); err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	if _, err := keyring.Open(first); !errors.Is(err, ErrReplayedEnvelope) {
		t.Errorf("Stale sequence returned %v, expected ErrReplayedEnvelope", err)
	}
	if _, err := keyring.Open(second); !errors.Is(err, ErrReplayedEnvelope) {
		t.Errorf("Repeated sequence returned %v, expected ErrReplayedEnvelope", err)
	}
}

func TestOpenTracksSequencePerSource(t *testing.T) {
	keyring := getNetworkKeyring(t)
	env := sealedEnvelope(t, keyring, 10, []byte("from 0x0005"))
	if _, err := keyring.Open(env); err != nil {
		t.Fatalf("Open failed: %s", err)
	}

	other := &protocol.Envelope{
		Seq: 3,
		Src: protocol.UnicastAddress(0x0006),
		Dst: protocol.UnicastAddress(0x0001),
	}
	if err := keyring.Seal(other, []byte("from 0x0006")); err != nil {
		t.Fatalf("Seal failed: %s", err)
	}
	if _, err := keyring.Open(other); err != nil {
		t.Errorf("Lower sequence from a different source rejected: %s", err)
	}
}

func TestOpenRejectsForeignNetwork(t *testing.T) {
	keyring := getNetworkKeyring(t)
	env := sealedEnvelope(t, keyring, 1, []byte("payload"))
	env.NID ^= 0x01
	if _, err := keyring.Open(env); err == nil {
		t.Error("Accepted envelope with foreign NID")
	}
}

func TestOpenRejectsTamperedHeader(t *testing.T) {
	keyring := getNetworkKeyring(t)
	env := sealedEnvelope(t, keyring, 2, []byte("payload"))
	env.Dst = protocol.UnicastAddress(0x0002)
	if _, err := keyring.Open(env); err == nil {
		t.Error("Accepted envelope with rewritten destination")
	}
}

func TestOpenIsSafeForConcurrentUse(t *testing.T) {
	keyring := getNetworkKeyring(t)

	// One sealed envelope per source, opened repeatedly from many goroutines, the way one
	// dispatcher listen goroutine per proxy link hits a shared keyring.
	const sources = 32
	envelopes := make([]*protocol.Envelope, sources)
	for i := range envelopes {
		env := &protocol.Envelope{
			Seq: 1,
			Src: protocol.UnicastAddress(uint16(0x0010 + i)),
			Dst: protocol.UnicastAddress(0x0001),
		}
		if err := keyring.Seal(env, []byte("status")); err != nil {
			t.Fatalf("Seal failed: %s", err)
		}
		envelopes[i] = env
	}

	var wg sync.WaitGroup
	for g := 0; g < sources; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				env := envelopes[(g+i)%sources]
				if _, err := keyring.Open(env); err != nil && !errors.Is(err, ErrReplayedEnvelope) {
					t.Errorf("Open failed: %s", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
}

func TestNewNetworkKeyringRejectsShortKey(t *testing.T) {
	if _, err := NewNetworkKeyring([]byte("short")); err == nil {
		t.Error("Accepted short network key")
	}
}
