package authentication

import "errors"

// SessionKeySizeBytes is the length of the symmetric key shared by the provisioner and a device
// after key agreement.
const SessionKeySizeBytes = 16

var (
	// ErrInvalidPublicKey is raised when a remote peer provides an invalid public key. Public
	// keys are NIST-P256 EC keys, encoded in uncompressed form.
	ErrInvalidPublicKey = errors.New("invalid public key")
	// ErrInvalidPrivateKey indicates the local peer tried to load an unsupported or malformed
	// private key.
	ErrInvalidPrivateKey = errors.New("invalid private key")
)

// ECDHPrivateKey represents the provisioner's long-lived key pair.
//
// The interface deliberately exposes only the exchange operation, not the scalar, so an
// implementation backed by an HSM never divulges the long-term secret to the host.
type ECDHPrivateKey interface {
	// Exchange runs ECDH against the peer's uncompressed public key and derives a Session.
	Exchange(remotePublicBytes []byte) (Session, error)
	// PublicBytes returns the local public key in uncompressed form.
	PublicBytes() []byte
}
