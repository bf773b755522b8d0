package types

import (
	"fmt"
	"io"
)

var (
	// DigestDeleted is the object digest of a reference to a deleted object.
	DigestDeleted = fill(99)

	// DigestWrapped is the object digest of a reference to a wrapped object.
	DigestWrapped = fill(88)
)

func fill(b byte) Digest {
	var d Digest
	for i := range d {
		d[i] = b
	}

	return d
}

// ObjectRef names one immutable version of an object.
type ObjectRef struct {
	ID      ObjectID
	Version SequenceNumber
	Digest  Digest
}

// String implements fmt.Stringer.
func (r ObjectRef) String() string {
	return fmt.Sprintf("%v@%d", r.ID, r.Version)
}

// Key returns the availability key of this version of the object.
func (r ObjectRef) Key() InputKey {
	return VersionedKey(r.ID, r.Version)
}

// InputKey identifies an input that a transaction waits for. Packages are
// keyed by identifier alone and have Versioned unset.
type InputKey struct {
	ID        ObjectID
	Version   SequenceNumber
	Versioned bool
}

// VersionedKey returns the key of a specific version of an object.
func VersionedKey(id ObjectID, version SequenceNumber) InputKey {
	return InputKey{ID: id, Version: version, Versioned: true}
}

// PackageKey returns the key of a package.
func PackageKey(id ObjectID) InputKey {
	return InputKey{ID: id}
}

// String implements fmt.Stringer.
func (k InputKey) String() string {
	if !k.Versioned {
		return k.ID.String()
	}

	return fmt.Sprintf("%v@%d", k.ID, k.Version)
}

// OwnerKind is the kind of ownership of an object.
type OwnerKind uint8

const (
	// OwnerAddress is an object owned by a single address and governed by the
	// lock table.
	OwnerAddress OwnerKind = iota
	// OwnerShared is an object ordered by consensus.
	OwnerShared
	// OwnerImmutable is a frozen object that can be read by anyone.
	OwnerImmutable
)

// Owner describes who may use an object as an input.
type Owner struct {
	Kind                 OwnerKind
	Address              Address
	InitialSharedVersion SequenceNumber
}

// AddressOwner returns the ownership of an address.
func AddressOwner(addr Address) Owner {
	return Owner{Kind: OwnerAddress, Address: addr}
}

// SharedOwner returns a shared ownership starting at the version.
func SharedOwner(initial SequenceNumber) Owner {
	return Owner{Kind: OwnerShared, InitialSharedVersion: initial}
}

// ImmutableOwner returns the ownership of frozen objects.
func ImmutableOwner() Owner {
	return Owner{Kind: OwnerImmutable}
}

// Fingerprint writes a deterministic binary representation of the owner.
func (o Owner) Fingerprint(w io.Writer) error {
	fp := fingerprinter{w: w}
	fp.raw([]byte{byte(o.Kind)})
	fp.raw(o.Address[:])
	fp.uint64(uint64(o.InitialSharedVersion))

	return fp.done("owner")
}

// Object is one version of an object.
type Object struct {
	ID                  ObjectID
	Version             SequenceNumber
	Owner               Owner
	Package             bool
	Contents            []byte
	PreviousTransaction Digest
}

// Digest returns the content digest of this version.
func (o Object) Digest() Digest {
	return digestOf(o)
}

// Ref returns the reference to this version.
func (o Object) Ref() ObjectRef {
	return ObjectRef{ID: o.ID, Version: o.Version, Digest: o.Digest()}
}

// Key returns the availability key of the object.
func (o Object) Key() InputKey {
	if o.Package {
		return PackageKey(o.ID)
	}

	return VersionedKey(o.ID, o.Version)
}

// IsOwned returns true if the object is owned by an address.
func (o Object) IsOwned() bool {
	return o.Owner.Kind == OwnerAddress && !o.Package
}

// Fingerprint writes a deterministic binary representation of the object.
func (o Object) Fingerprint(w io.Writer) error {
	fp := fingerprinter{w: w}
	fp.raw(o.ID[:])
	fp.uint64(uint64(o.Version))

	if fp.err == nil {
		fp.err = o.Owner.Fingerprint(w)
	}

	fp.bool(o.Package)
	fp.bytes(o.Contents)
	fp.raw(o.PreviousTransaction[:])

	return fp.done("object")
}

// InputKind is the kind of an input of a transaction.
type InputKind uint8

const (
	// InputOwned is an owned object consumed at an exact version.
	InputOwned InputKind = iota
	// InputShared is a shared object whose version is assigned by consensus.
	InputShared
	// InputPackage is a package read at its only version.
	InputPackage
)

// InputObject is an input declared by a transaction.
type InputObject struct {
	Kind InputKind
	// Ref is the exact reference for an owned object. For a shared object, the
	// version is the initial shared version, and for a package only the
	// identifier is set.
	Ref     ObjectRef
	Mutable bool
}

// OwnedInput returns the input of an owned object.
func OwnedInput(ref ObjectRef) InputObject {
	return InputObject{Kind: InputOwned, Ref: ref, Mutable: true}
}

// SharedInput returns the input of a shared object.
func SharedInput(id ObjectID, initial SequenceNumber, mutable bool) InputObject {
	return InputObject{
		Kind:    InputShared,
		Ref:     ObjectRef{ID: id, Version: initial},
		Mutable: mutable,
	}
}

// PackageInput returns the input of a package.
func PackageInput(id ObjectID) InputObject {
	return InputObject{Kind: InputPackage, Ref: ObjectRef{ID: id}}
}

// Fingerprint writes a deterministic binary representation of the input.
func (in InputObject) Fingerprint(w io.Writer) error {
	fp := fingerprinter{w: w}
	fp.raw([]byte{byte(in.Kind)})
	fp.raw(in.Ref.ID[:])
	fp.uint64(uint64(in.Ref.Version))
	fp.raw(in.Ref.Digest[:])
	fp.bool(in.Mutable)

	return fp.done("input")
}
