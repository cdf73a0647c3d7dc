package authentication

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"hash"
	"io"
	"math/big"
	"os"

	"golang.org/x/crypto/hkdf"
)

const sessionKeyInfo = "mesh provisioning session key"

// NativeSession implements the Session interface using native Go crypto.
type NativeSession struct {
	gcm         cipher.AEAD
	key         []byte
	localPublic []byte
}

func (s *NativeSession) LocalPublicBytes() []byte {
	buff := make([]byte, len(s.localPublic))
	copy(buff, s.localPublic)
	return buff
}

func (s *NativeSession) Encrypt(plaintext, associatedData []byte) (nonce, ciphertext, tag []byte, err error) {
	if s.gcm == nil {
		err = errors.New("AEAD context not initialized")
		return
	}
	nonce = make([]byte, s.gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return
	}
	length := len(plaintext)
	ciphertext = s.gcm.Seal(nil, nonce, plaintext, associatedData)
	tag = ciphertext[length:]
	ciphertext = ciphertext[:length]
	return
}

func (s *NativeSession) Decrypt(nonce, ciphertext, associatedData, tag []byte) (plaintext []byte, err error) {
	if s.gcm == nil {
		err = errors.New("AEAD context not initialized")
		return
	}
	ctAndTag := make([]byte, 0, len(ciphertext)+len(tag))
	ctAndTag = append(ctAndTag, ciphertext...)
	ctAndTag = append(ctAndTag, tag...)
	plaintext, err = s.gcm.Open(nil, nonce, ctAndTag, associatedData)
	return
}

func (s *NativeSession) NewHMAC(label string) hash.Hash {
	kdf := hmac.New(sha256.New, s.key)
	kdf.Write([]byte(label))
	return hmac.New(sha256.New, kdf.Sum(nil))
}

func (s *NativeSession) Confirmation(random, authValue []byte) []byte {
	mac := s.NewHMAC(labelConfirmation)
	mac.Write(random)
	mac.Write(authValue)
	return mac.Sum(nil)
}

type NativeECDHKey struct {
	*ecdsa.PrivateKey
}

func (n *NativeECDHKey) sharedSecret(publicBytes []byte) ([]byte, error) {
	x, y := elliptic.Unmarshal(elliptic.P256(), publicBytes)
	if x == nil {
		return nil, ErrInvalidPublicKey
	}

	sharedX, sharedY := elliptic.P256().ScalarMult(x, y, n.D.Bytes())

	if sharedX.Sign() == 0 && sharedY.Sign() == 0 {
		return nil, ErrInvalidPrivateKey
	}

	sharedSecret := make([]byte, (elliptic.P256().Params().BitSize+7)/8)
	sharedX.FillBytes(sharedSecret)
	return sharedSecret, nil
}

func (n *NativeECDHKey) Exchange(publicBytes []byte) (Session, error) {
	sharedSecret, err := n.sharedSecret(publicBytes)
	if err != nil {
		return nil, err
	}

	// Both sides compute the same salt regardless of which public key is theirs, so the derived
	// session key matches.
	salt := sha256.New()
	if lexicographicallyBefore(n.PublicBytes(), publicBytes) {
		salt.Write(n.PublicBytes())
		salt.Write(publicBytes)
	} else {
		salt.Write(publicBytes)
		salt.Write(n.PublicBytes())
	}

	var session NativeSession
	session.key = make([]byte, SessionKeySizeBytes)
	kdf := hkdf.New(sha256.New, sharedSecret, salt.Sum(nil), []byte(sessionKeyInfo))
	if _, err := io.ReadFull(kdf, session.key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(session.key)
	if err != nil {
		return nil, err
	}
	if session.gcm, err = cipher.NewGCM(block); err != nil {
		return nil, err
	}
	session.localPublic = n.PublicBytes()
	return &session, nil
}

func lexicographicallyBefore(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func (n *NativeECDHKey) PublicBytes() []byte {
	return elliptic.Marshal(elliptic.P256(), n.PublicKey.X, n.PublicKey.Y)
}

// NewECDHPrivateKey generates a fresh P-256 key pair using rng.
func NewECDHPrivateKey(rng io.Reader) (ECDHPrivateKey, error) {
	ecdsaKey, err := ecdsa.GenerateKey(elliptic.P256(), rng)
	if err != nil {
		return nil, err
	}
	return &NativeECDHKey{ecdsaKey}, nil
}

// UnmarshalECDHPrivateKey recovers a key pair from a raw 32-byte scalar, as stored in the system
// keyring. Returns nil if the scalar is out of range.
func UnmarshalECDHPrivateKey(scalar []byte) ECDHPrivateKey {
	d := new(big.Int).SetBytes(scalar)
	if d.Sign() == 0 || d.Cmp(elliptic.P256().Params().N) >= 0 {
		return nil
	}
	key := &ecdsa.PrivateKey{D: d}
	key.Curve = elliptic.P256()
	key.PublicKey.X, key.PublicKey.Y = elliptic.P256().ScalarBaseMult(d.Bytes())
	return &NativeECDHKey{key}
}

// LoadExternalECDHKey reads a PEM-encoded private key from disk.
func LoadExternalECDHKey(filename string) (ECDHPrivateKey, error) {
	pemBlock, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBlock)
	if block == nil {
		return nil, fmt.Errorf("%w: expected PEM encoding", ErrInvalidPrivateKey)
	}

	var ecdsaPrivateKey *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		ecdsaPrivateKey, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		var ok bool
		if ecdsaPrivateKey, ok = parsed.(*ecdsa.PrivateKey); !ok {
			return nil, fmt.Errorf("%w: only P-256 EC keys supported", ErrInvalidPrivateKey)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported PEM block type %q", ErrInvalidPrivateKey, block.Type)
	}
	if ecdsaPrivateKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: only P-256 EC keys supported", ErrInvalidPrivateKey)
	}
	return &NativeECDHKey{ecdsaPrivateKey}, nil
}
