package types

import (
	"io"

	"go.dedis.ch/certexec/crypto"
	"golang.org/x/xerrors"
)

// ExecutionStatus tells if the execution succeeded. A failed execution still
// produces effects that charge the gas.
type ExecutionStatus struct {
	Success bool
	Error   string
}

// OwnedRef is an object reference with the owner of that version.
type OwnedRef struct {
	Ref   ObjectRef
	Owner Owner
}

// Effects is the durable summary of what the execution of a transaction did.
type Effects struct {
	Status        ExecutionStatus
	Transaction   Digest
	Epoch         EpochID
	GasUsed       uint64
	SharedObjects []ObjectRef
	Created       []OwnedRef
	Mutated       []OwnedRef
	Unwrapped     []OwnedRef
	Deleted       []ObjectRef
	Wrapped       []ObjectRef
	GasObject     OwnedRef
	EventsDigest  Digest
	Dependencies  []Digest
}

// Digest returns the digest of the effects.
func (e Effects) Digest() Digest {
	return digestOf(e)
}

// MutatedAndCreated returns every reference written by the transaction.
func (e Effects) MutatedAndCreated() []OwnedRef {
	refs := make([]OwnedRef, 0, len(e.Created)+len(e.Mutated)+len(e.Unwrapped))
	refs = append(refs, e.Created...)
	refs = append(refs, e.Mutated...)

	return append(refs, e.Unwrapped...)
}

// Fingerprint writes a deterministic binary representation of the effects.
func (e Effects) Fingerprint(w io.Writer) error {
	fp := fingerprinter{w: w}
	fp.bool(e.Status.Success)
	fp.string(e.Status.Error)
	fp.raw(e.Transaction[:])
	fp.uint64(uint64(e.Epoch))
	fp.uint64(e.GasUsed)

	refs := func(list []ObjectRef) {
		fp.uint64(uint64(len(list)))
		for _, ref := range list {
			fp.raw(ref.ID[:])
			fp.uint64(uint64(ref.Version))
			fp.raw(ref.Digest[:])
		}
	}

	owned := func(list []OwnedRef) {
		fp.uint64(uint64(len(list)))
		for _, o := range list {
			refs([]ObjectRef{o.Ref})
			if fp.err == nil {
				fp.err = o.Owner.Fingerprint(w)
			}
		}
	}

	refs(e.SharedObjects)
	owned(e.Created)
	owned(e.Mutated)
	owned(e.Unwrapped)
	refs(e.Deleted)
	refs(e.Wrapped)
	owned([]OwnedRef{e.GasObject})
	fp.raw(e.EventsDigest[:])
	fp.uint64(uint64(len(e.Dependencies)))

	for _, dep := range e.Dependencies {
		fp.raw(dep[:])
	}

	return fp.done("effects")
}

// SignedEffects is the effects signed by an authority in an epoch. The same
// effects can be signed again in a later epoch without being recomputed.
type SignedEffects struct {
	Effects   Effects
	Epoch     EpochID
	Authority []byte
	Signature []byte
}

// NewSignedEffects signs the effects as an authority in the epoch.
func NewSignedEffects(effects Effects, epoch EpochID,
	signer crypto.Signer) (SignedEffects, error) {

	sig, err := signer.Sign(SigningPayload(IntentEffects, epoch, effects.Digest()))
	if err != nil {
		return SignedEffects{}, xerrors.Errorf("failed to sign effects: %v", err)
	}

	signed := SignedEffects{
		Effects:   effects,
		Epoch:     epoch,
		Authority: signer.GetPublicKey(),
		Signature: sig,
	}

	return signed, nil
}

// Verify verifies the authority signature.
func (s SignedEffects) Verify(verifier crypto.Verifier) error {
	payload := SigningPayload(IntentEffects, s.Epoch, s.Effects.Digest())

	return verifier.Verify(s.Authority, payload, s.Signature)
}

// Event is emitted by a contract during the execution.
type Event struct {
	Type    string
	Sender  Address
	Object  ObjectID
	Payload []byte
}

// EventsDigest returns the digest of a list of events.
func EventsDigest(events []Event) Digest {
	return digestOf(eventList(events))
}

type eventList []Event

func (l eventList) Fingerprint(w io.Writer) error {
	fp := fingerprinter{w: w}
	fp.uint64(uint64(len(l)))

	for _, evt := range l {
		fp.string(evt.Type)
		fp.raw(evt.Sender[:])
		fp.raw(evt.Object[:])
		fp.bytes(evt.Payload)
	}

	return fp.done("events")
}

// DeleteKind tells how an object left the store.
type DeleteKind uint8

const (
	// DeleteNormal is an object that was destroyed.
	DeleteNormal DeleteKind = iota
	// DeleteWrap is an object that was wrapped into another one.
	DeleteWrap
)

// DeletedObject is an object removed by the execution. The version is the
// version of the tombstone.
type DeletedObject struct {
	ID      ObjectID
	Version SequenceNumber
	Kind    DeleteKind
}

// Ref returns the tombstone reference of the deleted object.
func (d DeletedObject) Ref() ObjectRef {
	digest := DigestDeleted
	if d.Kind == DeleteWrap {
		digest = DigestWrapped
	}

	return ObjectRef{ID: d.ID, Version: d.Version, Digest: digest}
}

// ExecutionOutput is what the execution engine produces for a certificate.
// It is owned by the pipeline until it is committed to the object store.
type ExecutionOutput struct {
	// Inputs are the objects read by the execution.
	Inputs []Object
	// MutableInputs are the owned and shared inputs that the transaction
	// consumed, in their version before the execution.
	MutableInputs []ObjectRef
	Written       []Object
	Deleted       []DeletedObject
	Events        []Event
	Effects       Effects
}

// AvailableKeys returns the keys of the objects that become available once
// the output is committed.
func (o ExecutionOutput) AvailableKeys() []InputKey {
	keys := make([]InputKey, 0, len(o.Written))

	for _, obj := range o.Written {
		keys = append(keys, obj.Key())
	}

	return keys
}

// ProtocolConfig is the set of parameters of the execution for an epoch.
type ProtocolConfig struct {
	Version         uint64
	MaxGasBudget    uint64
	BaseGasCost     uint64
	ObjectWriteCost uint64
	ByteWriteCost   uint64
}

// DefaultProtocolConfig returns the parameters of the first protocol version.
func DefaultProtocolConfig() ProtocolConfig {
	return ProtocolConfig{
		Version:         1,
		MaxGasBudget:    50_000_000,
		BaseGasCost:     1_000,
		ObjectWriteCost: 100,
		ByteWriteCost:   1,
	}
}
