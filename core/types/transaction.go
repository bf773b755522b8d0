package types

import (
	"bytes"
	"io"

	"go.dedis.ch/certexec/crypto"
	"golang.org/x/xerrors"
)

// SystemContract is the name of the contract reserved to the transactions
// issued by the validators themselves, such as the end of epoch.
const SystemContract = "system"

// Intent is the domain separator of a signed message.
type Intent byte

const (
	// IntentTransaction is the intent of a signature over a transaction.
	IntentTransaction Intent = iota
	// IntentEffects is the intent of a signature over effects.
	IntentEffects
)

// SigningPayload returns the message signed by an authority for the digest in
// the given epoch.
func SigningPayload(intent Intent, epoch EpochID, digest Digest) []byte {
	buffer := new(bytes.Buffer)
	fp := fingerprinter{w: buffer}
	fp.raw([]byte{byte(intent)})
	fp.uint64(uint64(epoch))
	fp.raw(digest[:])

	return buffer.Bytes()
}

// Call is the contract invocation of a transaction.
type Call struct {
	Contract string
	Args     [][]byte
}

// TransactionData is the content of a transaction signed by the sender.
type TransactionData struct {
	Sender    Address
	Inputs    []InputObject
	Gas       ObjectRef
	GasBudget uint64
	Call      Call
}

// Digest returns the transaction digest.
func (d TransactionData) Digest() Digest {
	return digestOf(d)
}

// IsSystem returns true if the transaction is a validator transaction.
func (d TransactionData) IsSystem() bool {
	return d.Call.Contract == SystemContract
}

// OwnedRefs returns the references that must be locked before the transaction
// can be signed, which are the owned inputs and the gas object.
func (d TransactionData) OwnedRefs() []ObjectRef {
	refs := []ObjectRef{d.Gas}

	for _, in := range d.Inputs {
		if in.Kind == InputOwned {
			refs = append(refs, in.Ref)
		}
	}

	return refs
}

// SharedInputs returns the shared inputs of the transaction.
func (d TransactionData) SharedInputs() []InputObject {
	var shared []InputObject

	for _, in := range d.Inputs {
		if in.Kind == InputShared {
			shared = append(shared, in)
		}
	}

	return shared
}

// HasSharedInputs returns true if consensus must assign versions before the
// transaction can execute.
func (d TransactionData) HasSharedInputs() bool {
	return len(d.SharedInputs()) > 0
}

// Fingerprint writes a deterministic binary representation of the
// transaction data.
func (d TransactionData) Fingerprint(w io.Writer) error {
	fp := fingerprinter{w: w}
	fp.raw(d.Sender[:])
	fp.uint64(uint64(len(d.Inputs)))

	for _, in := range d.Inputs {
		if fp.err == nil {
			fp.err = in.Fingerprint(w)
		}
	}

	fp.raw(d.Gas.ID[:])
	fp.uint64(uint64(d.Gas.Version))
	fp.raw(d.Gas.Digest[:])
	fp.uint64(d.GasBudget)
	fp.string(d.Call.Contract)
	fp.uint64(uint64(len(d.Call.Args)))

	for _, arg := range d.Call.Args {
		fp.bytes(arg)
	}

	return fp.done("transaction data")
}

// Transaction is a transaction signed by its sender.
type Transaction struct {
	Data      TransactionData
	PublicKey []byte
	Signature []byte
}

// NewTransaction signs the data with the signer of the sender.
func NewTransaction(data TransactionData, signer crypto.Signer) (Transaction, error) {
	digest := data.Digest()

	sig, err := signer.Sign(digest[:])
	if err != nil {
		return Transaction{}, xerrors.Errorf("failed to sign: %v", err)
	}

	tx := Transaction{
		Data:      data,
		PublicKey: signer.GetPublicKey(),
		Signature: sig,
	}

	return tx, nil
}

// Digest returns the digest of the transaction data.
func (t Transaction) Digest() Digest {
	return t.Data.Digest()
}

// VerifySender verifies that the public key belongs to the sender and that
// the signature is valid.
func (t Transaction) VerifySender(verifier crypto.Verifier) error {
	if AddressOf(t.PublicKey) != t.Data.Sender {
		return xerrors.Errorf("public key does not match sender %v", t.Data.Sender)
	}

	digest := t.Digest()

	err := verifier.Verify(t.PublicKey, digest[:], t.Signature)
	if err != nil {
		return xerrors.Errorf("invalid sender signature: %v", err)
	}

	return nil
}

// SignedTransaction is a transaction signed by an authority after it locked
// the owned inputs.
type SignedTransaction struct {
	Transaction Transaction
	Epoch       EpochID
	Authority   []byte
	Signature   []byte
}

// NewSignedTransaction signs the transaction as an authority in the epoch.
func NewSignedTransaction(tx Transaction, epoch EpochID,
	signer crypto.Signer) (SignedTransaction, error) {

	sig, err := signer.Sign(SigningPayload(IntentTransaction, epoch, tx.Digest()))
	if err != nil {
		return SignedTransaction{}, xerrors.Errorf("failed to sign: %v", err)
	}

	signed := SignedTransaction{
		Transaction: tx,
		Epoch:       epoch,
		Authority:   signer.GetPublicKey(),
		Signature:   sig,
	}

	return signed, nil
}

// Digest returns the digest of the transaction.
func (t SignedTransaction) Digest() Digest {
	return t.Transaction.Digest()
}

// AuthoritySignature is the signature of one authority of the committee.
type AuthoritySignature struct {
	Authority []byte
	Signature []byte
}

// Certificate is a transaction with a quorum of authority signatures.
type Certificate struct {
	Transaction Transaction
	Epoch       EpochID
	Signatures  []AuthoritySignature
}

// NewCertificate aggregates the signed transactions of the authorities. They
// must all sign the same transaction in the same epoch.
func NewCertificate(signed ...SignedTransaction) (Certificate, error) {
	if len(signed) == 0 {
		return Certificate{}, xerrors.New("no signature")
	}

	cert := Certificate{
		Transaction: signed[0].Transaction,
		Epoch:       signed[0].Epoch,
	}

	digest := signed[0].Digest()

	for _, s := range signed {
		if s.Digest() != digest || s.Epoch != cert.Epoch {
			return Certificate{}, xerrors.Errorf("mismatching signed transaction %v", s.Digest())
		}

		cert.Signatures = append(cert.Signatures, AuthoritySignature{
			Authority: s.Authority,
			Signature: s.Signature,
		})
	}

	return cert, nil
}

// Digest returns the digest of the certified transaction.
func (c Certificate) Digest() Digest {
	return c.Transaction.Digest()
}

// Data returns the certified transaction data.
func (c Certificate) Data() TransactionData {
	return c.Transaction.Data
}

// Verify verifies the sender signature and that a quorum of distinct members
// of the committee signed the transaction in the epoch of the committee.
func (c Certificate) Verify(committee Committee, verifier crypto.Verifier) error {
	if c.Epoch != committee.Epoch {
		return xerrors.Errorf("certificate of epoch %d, committee of epoch %d",
			c.Epoch, committee.Epoch)
	}

	err := c.Transaction.VerifySender(verifier)
	if err != nil {
		return xerrors.Errorf("sender: %v", err)
	}

	payload := SigningPayload(IntentTransaction, c.Epoch, c.Digest())
	seen := make(map[string]struct{})

	for _, sig := range c.Signatures {
		if !committee.Contains(sig.Authority) {
			return xerrors.Errorf("authority %x is not a member", sig.Authority)
		}

		_, found := seen[string(sig.Authority)]
		if found {
			return xerrors.Errorf("duplicate signature from %x", sig.Authority)
		}

		seen[string(sig.Authority)] = struct{}{}

		err = verifier.Verify(sig.Authority, payload, sig.Signature)
		if err != nil {
			return xerrors.Errorf("authority %x: %v", sig.Authority, err)
		}
	}

	if len(seen) < committee.Quorum() {
		return xerrors.Errorf("not enough signatures: %d < %d", len(seen), committee.Quorum())
	}

	return nil
}

// Committee is the set of authorities of an epoch.
type Committee struct {
	Epoch   EpochID
	Members [][]byte
}

// Quorum returns the number of signatures required for a certificate, which
// is 2f+1 with n = 3f+1.
func (c Committee) Quorum() int {
	n := len(c.Members)
	f := (n - 1) / 3

	return n - f
}

// Contains returns true if the public key is a member of the committee.
func (c Committee) Contains(publicKey []byte) bool {
	for _, member := range c.Members {
		if bytes.Equal(member, publicKey) {
			return true
		}
	}

	return false
}
