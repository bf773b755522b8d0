package crypto

import (
	"crypto/sha256"
	"hash"

	"golang.org/x/crypto/sha3"
)

// HashAlgorithm is the identifier of a hash function.
type HashAlgorithm int

const (
	// Sha256 is the SHA-256 hash function.
	Sha256 HashAlgorithm = iota
	// Sha3_256 is the SHA3-256 hash function, used for the digests of the
	// records.
	Sha3_256
)

// shaFactory produces the hash of the algorithm.
//
// - implements crypto.HashFactory
type shaFactory struct {
	algorithm HashAlgorithm
}

// NewHashFactory returns the factory of the algorithm. It panics when a hash
// is created for an unknown algorithm.
func NewHashFactory(a HashAlgorithm) HashFactory {
	return shaFactory{algorithm: a}
}

// New implements crypto.HashFactory.
func (f shaFactory) New() hash.Hash {
	switch f.algorithm {
	case Sha256:
		return sha256.New()
	case Sha3_256:
		return sha3.New256()
	default:
		panic("unknown hash algorithm")
	}
}

// Sum returns the digest of the concatenation of the parts.
func Sum(f HashFactory, parts ...[]byte) []byte {
	h := f.New()

	for _, part := range parts {
		// A hash never returns an error on write.
		h.Write(part)
	}

	return h.Sum(nil)
}
