// Package types defines the data model of the execution core: objects and
// their references, transactions, certificates, effects and the output of an
// execution.
//
// Every record that needs an identity is fingerprinted with a deterministic
// binary encoding hashed with SHA3-256.
package types

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"go.dedis.ch/certexec/crypto"
	"golang.org/x/xerrors"
)

var hashFactory = crypto.NewHashFactory(crypto.Sha3_256)

// DigestSize is the size in bytes of the digests and identifiers.
const DigestSize = 32

// Digest is the fingerprint of a transaction, an object or effects.
type Digest [DigestSize]byte

// String implements fmt.Stringer. It returns a short hexadecimal form of the
// digest.
func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:4])
}

// Hex returns the full hexadecimal form of the digest.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// IsZero returns true if the digest is not set.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	return decodeHex(d[:], text)
}

// DigestFromHex parses the full hexadecimal form of a digest.
func DigestFromHex(text string) (Digest, error) {
	var d Digest
	err := d.UnmarshalText([]byte(text))

	return d, err
}

// ObjectID is the identifier of an object, shared by all its versions.
type ObjectID [DigestSize]byte

// String implements fmt.Stringer.
func (id ObjectID) String() string {
	return fmt.Sprintf("%x", id[:4])
}

// Hex returns the full hexadecimal form of the identifier.
func (id ObjectID) Hex() string {
	return hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id ObjectID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ObjectID) UnmarshalText(text []byte) error {
	return decodeHex(id[:], text)
}

// ObjectIDFromHex parses the full hexadecimal form of an identifier.
func ObjectIDFromHex(text string) (ObjectID, error) {
	var id ObjectID
	err := id.UnmarshalText([]byte(text))

	return id, err
}

// DeriveObjectID returns the identifier of the index-th object created by the
// transaction.
func DeriveObjectID(tx Digest, index uint64) ObjectID {
	h := hashFactory.New()
	h.Write([]byte("object-id"))
	h.Write(tx[:])
	binary.Write(h, binary.BigEndian, index)

	var id ObjectID
	copy(id[:], h.Sum(nil))

	return id
}

// Address is the identifier of an account. It is derived from the public key
// of the owner.
type Address [DigestSize]byte

// String implements fmt.Stringer.
func (a Address) String() string {
	return fmt.Sprintf("%x", a[:4])
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(a[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	return decodeHex(a[:], text)
}

// AddressOf returns the address of the public key.
func AddressOf(publicKey []byte) Address {
	var addr Address
	copy(addr[:], crypto.Sum(hashFactory, publicKey))

	return addr
}

// SequenceNumber is the version of an object.
type SequenceNumber uint64

// EpochID is the number of an epoch.
type EpochID uint64

func decodeHex(dst []byte, text []byte) error {
	if hex.DecodedLen(len(text)) != len(dst) {
		return xerrors.Errorf("invalid length %d", len(text))
	}

	_, err := hex.Decode(dst, text)
	if err != nil {
		return xerrors.Errorf("malformed hex: %v", err)
	}

	return nil
}

// fingerprinter writes fields in a deterministic binary form and remembers
// the first error.
type fingerprinter struct {
	w   io.Writer
	err error
}

func (f *fingerprinter) bytes(data []byte) {
	f.uint64(uint64(len(data)))
	f.raw(data)
}

func (f *fingerprinter) raw(data []byte) {
	if f.err != nil {
		return
	}

	_, f.err = f.w.Write(data)
}

func (f *fingerprinter) uint64(v uint64) {
	var buffer [8]byte
	binary.BigEndian.PutUint64(buffer[:], v)
	f.raw(buffer[:])
}

func (f *fingerprinter) bool(v bool) {
	if v {
		f.raw([]byte{1})
	} else {
		f.raw([]byte{0})
	}
}

func (f *fingerprinter) string(s string) {
	f.bytes([]byte(s))
}

func (f *fingerprinter) done(name string) error {
	if f.err != nil {
		return xerrors.Errorf("couldn't write %s: %v", name, f.err)
	}

	return nil
}

type fingerprintable interface {
	Fingerprint(w io.Writer) error
}

func digestOf(v fingerprintable) Digest {
	h := hashFactory.New()

	err := v.Fingerprint(h)
	if err != nil {
		// Writing to a hash never fails.
		panic(err)
	}

	var d Digest
	copy(d[:], h.Sum(nil))

	return d
}
