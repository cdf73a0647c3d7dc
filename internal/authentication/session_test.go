package authentication

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func getSessionPair(t *testing.T) (Session, Session) {
	t.Helper()
	localKey, err := NewECDHPrivateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate local key: %s", err)
	}
	remoteKey, err := NewECDHPrivateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate remote key: %s", err)
	}
	local, err := localKey.Exchange(remoteKey.PublicBytes())
	if err != nil {
		t.Fatalf("Local exchange failed: %s", err)
	}
	remote, err := remoteKey.Exchange(localKey.PublicBytes())
	if err != nil {
		t.Fatalf("Remote exchange failed: %s", err)
	}
	return local, remote
}

func TestExchangeDerivesSharedSession(t *testing.T) {
	local, remote := getSessionPair(t)
	plaintext := []byte("provisioning data payload")
	associatedData := []byte("provisioning data")

	nonce, ciphertext, tag, err := local.Encrypt(plaintext, associatedData)
	if err != nil {
		t.Fatalf("Encryption failed: %s", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Error("Ciphertext matches plaintext")
	}
	recovered, err := remote.Decrypt(nonce, ciphertext, associatedData, tag)
	if err != nil {
		t.Fatalf("Peer failed to decrypt: %s", err)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Errorf("Decrypted %x, expected %x", recovered, plaintext)
	}
}

func TestDecryptRejectsModifiedCiphertext(t *testing.T) {
	local, remote := getSessionPair(t)
	nonce, ciphertext, tag, err := local.Encrypt([]byte("payload"), nil)
	if err != nil {
		t.Fatalf("Encryption failed: %s", err)
	}
	ciphertext[0] ^= 1
	if _, err = remote.Decrypt(nonce, ciphertext, nil, tag); err == nil {
		t.Error("Peer accepted modified ciphertext")
	}
}

func TestDecryptRejectsModifiedAssociatedData(t *testing.T) {
	local, remote := getSessionPair(t)
	nonce, ciphertext, tag, err := local.Encrypt([]byte("payload"), []byte("header"))
	if err != nil {
		t.Fatalf("Encryption failed: %s", err)
	}
	if _, err = remote.Decrypt(nonce, ciphertext, []byte("Header"), tag); err == nil {
		t.Error("Peer accepted modified associated data")
	}
}

func TestConfirmationMatchesAcrossPeers(t *testing.T) {
	local, remote := getSessionPair(t)
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		t.Fatal(err)
	}
	authValue := make([]byte, 16)

	confirmation := local.Confirmation(random, authValue)
	if !bytes.Equal(confirmation, remote.Confirmation(random, authValue)) {
		t.Error("Peers disagree on confirmation value")
	}

	random[0] ^= 1
	if bytes.Equal(confirmation, local.Confirmation(random, authValue)) {
		t.Error("Confirmation does not depend on the random nonce")
	}
}

func TestLabeledSubkeysDiffer(t *testing.T) {
	local, _ := getSessionPair(t)
	deviceKey := local.NewHMAC("device key").Sum(nil)
	otherKey := local.NewHMAC("network key").Sum(nil)
	if bytes.Equal(deviceKey, otherKey) {
		t.Error("Different labels derived the same subkey")
	}
}

func TestExchangeRejectsInvalidPublicKey(t *testing.T) {
	key, err := NewECDHPrivateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %s", err)
	}
	bogus := make([]byte, 65)
	bogus[0] = 0x04
	if _, err = key.Exchange(bogus); err == nil {
		t.Error("Exchange accepted a point not on the curve")
	}
}

func TestUnmarshalECDHPrivateKeyRoundTrip(t *testing.T) {
	key, err := NewECDHPrivateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %s", err)
	}
	native := key.(*NativeECDHKey)
	scalar := make([]byte, 32)
	native.D.FillBytes(scalar)

	recovered := UnmarshalECDHPrivateKey(scalar)
	if recovered == nil {
		t.Fatal("Failed to unmarshal valid scalar")
	}
	if !bytes.Equal(recovered.PublicBytes(), key.PublicBytes()) {
		t.Error("Recovered key has a different public key")
	}

	if UnmarshalECDHPrivateKey(make([]byte, 32)) != nil {
		t.Error("Unmarshal accepted the zero scalar")
	}
}
