// Package crypto defines the cryptographic primitives used to identify the
// authorities and the senders, and to fingerprint the records.
package crypto

import "hash"

// HashFactory is an interface to produce a hash digest.
type HashFactory interface {
	New() hash.Hash
}

// Signer provides the primitives to sign messages with a private key.
type Signer interface {
	// GetPublicKey returns the marshaled public key of the signer.
	GetPublicKey() []byte

	// Sign returns the signature of the message.
	Sign(msg []byte) ([]byte, error)

	// MarshalBinary returns the private key so that the signer can be loaded
	// again.
	MarshalBinary() ([]byte, error)
}

// Verifier provides the primitive to verify a signature w.r.t. a message and
// a marshaled public key.
type Verifier interface {
	Verify(publicKey, msg, signature []byte) error
}
