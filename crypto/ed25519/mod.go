// Package ed25519 implements the cryptographic primitives for the Edwards 25519
// elliptic curve.
//
// The signatures are created using the Schnorr algorithm.
//
// Related Papers:
//
// Efficient Identification and Signatures for Smart Cards (1989)
// https://link.springer.com/chapter/10.1007/0-387-34805-0_22
package ed25519

import (
	"go.dedis.ch/certexec/crypto"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/suites"
	"go.dedis.ch/kyber/v3/util/key"
	"golang.org/x/xerrors"
)

var suite = suites.MustFind("Ed25519")

// Signer is a schnorr signer over a kyber key pair.
//
// - implements crypto.Signer
type Signer struct {
	keyPair *key.Pair
	pubkey  []byte
}

// NewSigner returns a new random schnorr signer.
func NewSigner() Signer {
	return newSigner(key.NewKeyPair(suite))
}

// NewSignerFromBytes returns the signer of the marshaled private key.
func NewSignerFromBytes(data []byte) (Signer, error) {
	scalar := suite.Scalar()

	err := scalar.UnmarshalBinary(data)
	if err != nil {
		return Signer{}, xerrors.Errorf("couldn't unmarshal scalar: %v", err)
	}

	kp := &key.Pair{
		Private: scalar,
		Public:  suite.Point().Mul(scalar, nil),
	}

	return newSigner(kp), nil
}

func newSigner(kp *key.Pair) Signer {
	pubkey, err := kp.Public.MarshalBinary()
	if err != nil {
		// An Ed25519 point always marshals.
		panic(err)
	}

	return Signer{keyPair: kp, pubkey: pubkey}
}

// GetPublicKey implements crypto.Signer. It returns the marshaled point.
func (s Signer) GetPublicKey() []byte {
	return append([]byte{}, s.pubkey...)
}

// GetPrivateKey returns the signer's private key.
func (s Signer) GetPrivateKey() kyber.Scalar {
	return s.keyPair.Private
}

// Sign implements crypto.Signer. It signs the message in parameter.
func (s Signer) Sign(msg []byte) ([]byte, error) {
	sig, err := schnorr.Sign(suite, s.keyPair.Private, msg)
	if err != nil {
		return nil, xerrors.Errorf("couldn't make schnorr signature: %v", err)
	}

	return sig, nil
}

// MarshalBinary implements crypto.Signer. It returns the private scalar.
func (s Signer) MarshalBinary() ([]byte, error) {
	return s.keyPair.Private.MarshalBinary()
}

// Verifier verifies schnorr signatures.
//
// - implements crypto.Verifier
type Verifier struct{}

// NewVerifier returns a schnorr verifier.
func NewVerifier() crypto.Verifier {
	return Verifier{}
}

// Verify implements crypto.Verifier. It returns nil if the signature matches
// the message for the public key.
func (Verifier) Verify(publicKey, msg, signature []byte) error {
	point := suite.Point()

	err := point.UnmarshalBinary(publicKey)
	if err != nil {
		return xerrors.Errorf("couldn't unmarshal point: %v", err)
	}

	err = schnorr.Verify(suite, point, msg, signature)
	if err != nil {
		return xerrors.Errorf("schnorr verify failed: %v", err)
	}

	return nil
}
