package authentication

import "hash"

const labelConfirmation = "provisioning confirmation"

// A Session allows encrypting, decrypting, and authenticating data using a key agreed over ECDH.
// One Session exists per provisioning handshake and is discarded with it.
type Session interface {
	// Encrypt plaintext and generate a tag that authenticates the ciphertext and associated
	// data. The tag and ciphertext are part of the same underlying buffer, but returned
	// separately for convenience.
	Encrypt(plaintext, associatedData []byte) (nonce, ciphertext, tag []byte, err error)
	// Decrypt authenticates a ciphertext and its associated data using the tag, then returns
	// the plaintext.
	Decrypt(nonce, ciphertext, associatedData, tag []byte) (plaintext []byte, err error)
	// LocalPublicBytes returns the encoded local public key.
	LocalPublicBytes() []byte
	// NewHMAC returns a hash.Hash context keyed by a label-specific subkey of the shared
	// secret, usable as a KDF.
	NewHMAC(label string) hash.Hash
	// Confirmation computes the handshake confirmation value over a random nonce and the
	// out-of-band authentication value.
	Confirmation(random, authValue []byte) []byte
}
