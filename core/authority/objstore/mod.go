// Package objstore implements the durable state of the authority: the object
// versions, the effects and certificates of the executed transactions, and
// the records of the signing stage.
//
// The outputs of a transaction are committed by UpdateState in a single
// transaction of the database, which also sequences the owned-object locks.
package objstore

import (
	"encoding/binary"

	"github.com/rs/zerolog"
	"go.dedis.ch/certexec"
	"go.dedis.ch/certexec/core/authority/locks"
	"go.dedis.ch/certexec/core/store/kv"
	"go.dedis.ch/certexec/core/types"
	"go.dedis.ch/certexec/serde"
	"go.dedis.ch/certexec/serde/json"
	"golang.org/x/xerrors"
)

var (
	bucketObjects      = []byte("objects")
	bucketLatest       = []byte("latest")
	bucketParents      = []byte("parents")
	bucketEffects      = []byte("effects")
	bucketEpochEffects = []byte("epoch_effects")
	bucketCertificates = []byte("certificates")
	bucketTransactions = []byte("transactions")
	bucketShared       = []byte("shared_versions")
	bucketBySender     = []byte("index_sender")
	bucketByObject     = []byte("index_object")
)

// Store is the object store of the authority.
type Store struct {
	db      kv.DB
	context serde.Context
	locks   *locks.Table
	logger  zerolog.Logger
}

// Option is the type of option to create a store.
type Option func(*Store)

// WithContext sets the serialization context of the records.
func WithContext(ctx serde.Context) Option {
	return func(s *Store) {
		s.context = ctx
	}
}

// WithLogger sets the logger of the store.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore returns a store using the database. The lock table is stored in
// the same database so that a commit sequences the locks atomically.
func NewStore(db kv.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		context: json.NewContext(),
		logger:  certexec.Logger.With().Str("component", "objstore").Logger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.locks = locks.NewTable(db).WithContext(s.context)

	return s
}

// Locks returns the lock table of the owned objects.
func (s *Store) Locks() *locks.Table {
	return s.locks
}

// InsertGenesisObjects writes the objects and initializes the locks of the
// owned ones.
func (s *Store) InsertGenesisObjects(objects ...types.Object) error {
	err := s.db.Update(func(tx kv.WritableTx) error {
		owned := make([]types.ObjectRef, 0, len(objects))

		for _, obj := range objects {
			err := s.writeObject(tx, obj)
			if err != nil {
				return err
			}

			if obj.IsOwned() {
				owned = append(owned, obj.Ref())
			}
		}

		return s.locks.WithTx(tx).InitializeLocks(owned, false)
	})
	if err != nil {
		return xerrors.Errorf("failed to insert genesis: %v", err)
	}

	s.logger.Debug().Int("objects", len(objects)).Msg("genesis objects inserted")

	return nil
}

// GetObject returns the latest version of the object. A deleted or wrapped
// object is not found.
func (s *Store) GetObject(id types.ObjectID) (types.Object, error) {
	var obj types.Object

	err := s.db.View(func(tx kv.ReadableTx) error {
		ref, found, err := s.latestRef(tx, id)
		if err != nil {
			return err
		}

		if !found || ref.Digest == types.DigestDeleted || ref.Digest == types.DigestWrapped {
			return xerrors.Errorf("%v: %w", id, types.ErrObjectNotFound)
		}

		obj, found, err = s.readObject(tx, id, ref.Version)
		if err != nil {
			return err
		}

		if !found {
			return xerrors.Errorf("%v: %w", ref, types.ErrObjectNotFound)
		}

		return nil
	})
	if err != nil {
		return obj, xerrors.Errorf("failed to read object: %w", err)
	}

	return obj, nil
}

// GetObjectByKey returns the version of the object, or false if it does not
// exist.
func (s *Store) GetObjectByKey(id types.ObjectID, version types.SequenceNumber) (types.Object, bool, error) {
	var obj types.Object
	var found bool

	err := s.db.View(func(tx kv.ReadableTx) error {
		var err error
		obj, found, err = s.readObject(tx, id, version)

		return err
	})
	if err != nil {
		return obj, false, xerrors.Errorf("failed to read object: %v", err)
	}

	return obj, found, nil
}

// GetLatestRef returns the reference of the latest version of the object. The
// digest is DigestDeleted or DigestWrapped when the object does not exist
// anymore.
func (s *Store) GetLatestRef(id types.ObjectID) (types.ObjectRef, bool, error) {
	var ref types.ObjectRef
	var found bool

	err := s.db.View(func(tx kv.ReadableTx) error {
		var err error
		ref, found, err = s.latestRef(tx, id)

		return err
	})
	if err != nil {
		return ref, false, xerrors.Errorf("failed to read latest: %v", err)
	}

	return ref, found, nil
}

// MissingKeys returns the keys that are not available yet. A versioned key is
// available when the version was written, and a package key when the package
// exists.
func (s *Store) MissingKeys(keys []types.InputKey) ([]types.InputKey, error) {
	var missing []types.InputKey

	err := s.db.View(func(tx kv.ReadableTx) error {
		for _, key := range keys {
			var found bool
			var err error

			if key.Versioned {
				_, found, err = s.readObject(tx, key.ID, key.Version)
			} else {
				_, found, err = s.latestRef(tx, key.ID)
			}

			if err != nil {
				return err
			}

			if !found {
				missing = append(missing, key)
			}
		}

		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to read objects: %v", err)
	}

	return missing, nil
}

// GetParent returns the digest of the transaction that wrote or deleted the
// version.
func (s *Store) GetParent(ref types.ObjectRef) (types.Digest, bool, error) {
	var digest types.Digest
	var found bool

	err := s.db.View(func(tx kv.ReadableTx) error {
		bucket := tx.GetBucket(bucketParents)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(refKey(ref))
		if data == nil {
			return nil
		}

		found = true
		copy(digest[:], data)

		return nil
	})
	if err != nil {
		return digest, false, xerrors.Errorf("failed to read parent: %v", err)
	}

	return digest, found, nil
}

// EffectsExists returns true if the transaction has been committed.
func (s *Store) EffectsExists(digest types.Digest) (bool, error) {
	var found bool

	err := s.db.View(func(tx kv.ReadableTx) error {
		bucket := tx.GetBucket(bucketEffects)
		found = bucket != nil && bucket.Get(digest[:]) != nil

		return nil
	})
	if err != nil {
		return false, xerrors.Errorf("failed to read effects: %v", err)
	}

	return found, nil
}

// GetEffects returns the effects of a committed transaction.
func (s *Store) GetEffects(digest types.Digest) (types.SignedEffects, bool, error) {
	return getRecord[types.SignedEffects](s, bucketEffects, digest[:], "effects")
}

// GetSignedEffects returns the effects of the transaction signed for the
// epoch. The committed effects are looked up first, then the effects signed
// for the epoch and not committed yet.
func (s *Store) GetSignedEffects(digest types.Digest, epoch types.EpochID) (types.SignedEffects, bool, error) {
	effects, found, err := s.GetEffects(digest)
	if err != nil || found {
		return effects, found, err
	}

	return getRecord[types.SignedEffects](s, bucketEpochEffects, epochKey(epoch, digest), "effects")
}

// InsertEpochEffects stores the effects signed in the epoch.
func (s *Store) InsertEpochEffects(effects types.SignedEffects) error {
	return s.putRecord(bucketEpochEffects,
		epochKey(effects.Epoch, effects.Effects.Transaction), effects, "effects")
}

// GetCertificate returns the certificate of a committed transaction.
func (s *Store) GetCertificate(digest types.Digest) (types.Certificate, bool, error) {
	return getRecord[types.Certificate](s, bucketCertificates, digest[:], "certificate")
}

// PutSignedTransaction stores the transaction signed by the authority.
func (s *Store) PutSignedTransaction(signed types.SignedTransaction) error {
	digest := signed.Digest()

	return s.putRecord(bucketTransactions, digest[:], signed, "transaction")
}

// GetSignedTransaction returns the transaction signed by the authority, if it
// has not been committed yet.
func (s *Store) GetSignedTransaction(digest types.Digest) (types.SignedTransaction, bool, error) {
	return getRecord[types.SignedTransaction](s, bucketTransactions, digest[:], "transaction")
}

// AcquireTransactionLocks locks the owned references to the transaction and
// stores the signed transaction in the same database transaction. If the
// transaction was already signed in the epoch, the locks are confirmed and
// the existing signed transaction is returned.
func (s *Store) AcquireTransactionLocks(epoch types.EpochID, refs []types.ObjectRef,
	signed types.SignedTransaction) (types.SignedTransaction, error) {

	digest := signed.Digest()
	result := signed

	err := s.db.Update(func(tx kv.WritableTx) error {
		existing, found, err := get[types.SignedTransaction](s, tx, bucketTransactions,
			digest[:], "transaction")
		if err != nil {
			return err
		}

		err = s.locks.WithTx(tx).AcquireLocks(epoch, refs, digest)
		if err != nil {
			return err
		}

		if found && existing.Epoch == epoch {
			result = existing
			return nil
		}

		return s.set(tx, bucketTransactions, digest[:], signed, "transaction")
	})
	if err != nil {
		return result, xerrors.Errorf("failed to acquire locks: %w", err)
	}

	return result, nil
}

// AssignSharedVersions stores the versions of the shared objects assigned to
// the transaction by the sequencing layer.
func (s *Store) AssignSharedVersions(digest types.Digest, refs []types.ObjectRef) error {
	return s.putRecord(bucketShared, digest[:], refs, "shared versions")
}

// GetSharedVersions returns the versions of the shared objects assigned to
// the transaction.
func (s *Store) GetSharedVersions(digest types.Digest) ([]types.ObjectRef, bool, error) {
	return getRecord[[]types.ObjectRef](s, bucketShared, digest[:], "shared versions")
}

// UpdateState commits the outputs of the transaction. The objects, the
// effects and the certificate are written, and the locks of the consumed
// versions are replaced by the locks of the written versions, in a single
// transaction of the database. Committing the same transaction twice is a
// no-op.
func (s *Store) UpdateState(output types.ExecutionOutput, cert types.Certificate,
	effects types.SignedEffects) error {

	digest := cert.Digest()

	err := s.db.Update(func(tx kv.WritableTx) error {
		effectsBucket, err := tx.GetBucketOrCreate(bucketEffects)
		if err != nil {
			return xerrors.Errorf("bucket: %v", err)
		}

		if effectsBucket.Get(digest[:]) != nil {
			return nil
		}

		owned := make([]types.ObjectRef, 0, len(output.Written))

		for _, obj := range output.Written {
			err = s.writeObject(tx, obj)
			if err != nil {
				return err
			}

			err = s.writeParent(tx, obj.Ref(), digest)
			if err != nil {
				return err
			}

			if obj.IsOwned() {
				owned = append(owned, obj.Ref())
			}
		}

		for _, deleted := range output.Deleted {
			err = s.writeLatest(tx, deleted.Ref())
			if err != nil {
				return err
			}

			err = s.writeParent(tx, deleted.Ref(), digest)
			if err != nil {
				return err
			}
		}

		err = s.set(tx, bucketEffects, digest[:], effects, "effects")
		if err != nil {
			return err
		}

		err = s.set(tx, bucketCertificates, digest[:], cert, "certificate")
		if err != nil {
			return err
		}

		err = s.delete(tx, bucketTransactions, digest[:])
		if err != nil {
			return err
		}

		err = s.delete(tx, bucketShared, digest[:])
		if err != nil {
			return err
		}

		return s.locks.WithTx(tx).Sequence(output.MutableInputs, owned)
	})
	if err != nil {
		return xerrors.Errorf("failed to update state: %v", err)
	}

	return nil
}

// IndexTransaction indexes the committed transaction by sender and by the
// objects it changed.
func (s *Store) IndexTransaction(sender types.Address, effects types.Effects) error {
	digest := effects.Transaction

	err := s.db.Update(func(tx kv.WritableTx) error {
		bySender, err := tx.GetBucketOrCreate(bucketBySender)
		if err != nil {
			return xerrors.Errorf("bucket: %v", err)
		}

		err = bySender.Set(append(sender[:], digest[:]...), []byte{})
		if err != nil {
			return err
		}

		byObject, err := tx.GetBucketOrCreate(bucketByObject)
		if err != nil {
			return xerrors.Errorf("bucket: %v", err)
		}

		for _, ref := range effects.MutatedAndCreated() {
			err = byObject.Set(append(refKey(ref.Ref), digest[:]...), []byte{})
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return xerrors.Errorf("failed to index: %v", err)
	}

	return nil
}

// TransactionsBySender returns the digests of the indexed transactions of
// the sender.
func (s *Store) TransactionsBySender(sender types.Address) ([]types.Digest, error) {
	return s.scanDigests(bucketBySender, sender[:])
}

// TransactionsByObject returns the digests of the indexed transactions that
// wrote the object.
func (s *Store) TransactionsByObject(id types.ObjectID) ([]types.Digest, error) {
	return s.scanDigests(bucketByObject, id[:])
}

func (s *Store) scanDigests(name, prefix []byte) ([]types.Digest, error) {
	var digests []types.Digest

	err := s.db.View(func(tx kv.ReadableTx) error {
		bucket := tx.GetBucket(name)
		if bucket == nil {
			return nil
		}

		return bucket.Scan(prefix, func(key, value []byte) error {
			var digest types.Digest
			copy(digest[:], key[len(key)-types.DigestSize:])

			digests = append(digests, digest)

			return nil
		})
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to scan index: %v", err)
	}

	return digests, nil
}

func (s *Store) writeObject(tx kv.WritableTx, obj types.Object) error {
	err := s.set(tx, bucketObjects, refKey(obj.Ref()), obj, "object")
	if err != nil {
		return err
	}

	return s.writeLatest(tx, obj.Ref())
}

// writeLatest moves the latest reference of the object, unless a higher
// version is already known.
func (s *Store) writeLatest(tx kv.WritableTx, ref types.ObjectRef) error {
	current, found, err := s.latestRef(tx, ref.ID)
	if err != nil {
		return err
	}

	if found && current.Version > ref.Version {
		return nil
	}

	return s.set(tx, bucketLatest, ref.ID[:], ref, "latest")
}

func (s *Store) writeParent(tx kv.WritableTx, ref types.ObjectRef, digest types.Digest) error {
	bucket, err := tx.GetBucketOrCreate(bucketParents)
	if err != nil {
		return xerrors.Errorf("bucket: %v", err)
	}

	return bucket.Set(refKey(ref), digest[:])
}

func (s *Store) latestRef(tx kv.ReadableTx, id types.ObjectID) (types.ObjectRef, bool, error) {
	return get[types.ObjectRef](s, tx, bucketLatest, id[:], "latest")
}

func (s *Store) readObject(tx kv.ReadableTx, id types.ObjectID,
	version types.SequenceNumber) (types.Object, bool, error) {

	return get[types.Object](s, tx, bucketObjects, objectKey(id, version), "object")
}

func (s *Store) putRecord(name, key []byte, v interface{}, kind string) error {
	err := s.db.Update(func(tx kv.WritableTx) error {
		return s.set(tx, name, key, v, kind)
	})
	if err != nil {
		return xerrors.Errorf("failed to store %s: %v", kind, err)
	}

	return nil
}

func (s *Store) set(tx kv.WritableTx, name, key []byte, v interface{}, kind string) error {
	bucket, err := tx.GetBucketOrCreate(name)
	if err != nil {
		return xerrors.Errorf("bucket: %v", err)
	}

	data, err := serde.Encode(s.context, kind, v)
	if err != nil {
		return err
	}

	return bucket.Set(key, data)
}

func (s *Store) delete(tx kv.WritableTx, name, key []byte) error {
	bucket, err := tx.GetBucketOrCreate(name)
	if err != nil {
		return xerrors.Errorf("bucket: %v", err)
	}

	return bucket.Delete(key)
}

func getRecord[T any](s *Store, name, key []byte, kind string) (T, bool, error) {
	var v T
	var found bool

	err := s.db.View(func(tx kv.ReadableTx) error {
		var err error
		v, found, err = get[T](s, tx, name, key, kind)

		return err
	})
	if err != nil {
		return v, false, xerrors.Errorf("failed to read %s: %v", kind, err)
	}

	return v, found, nil
}

func get[T any](s *Store, tx kv.ReadableTx, name, key []byte, kind string) (T, bool, error) {
	var v T

	bucket := tx.GetBucket(name)
	if bucket == nil {
		return v, false, nil
	}

	data := bucket.Get(key)
	if data == nil {
		return v, false, nil
	}

	v, err := serde.Decode[T](s.context, kind, data)
	if err != nil {
		return v, false, err
	}

	return v, true, nil
}

func objectKey(id types.ObjectID, version types.SequenceNumber) []byte {
	key := make([]byte, types.DigestSize+8)
	copy(key, id[:])
	binary.BigEndian.PutUint64(key[types.DigestSize:], uint64(version))

	return key
}

func refKey(ref types.ObjectRef) []byte {
	return objectKey(ref.ID, ref.Version)
}

func epochKey(epoch types.EpochID, digest types.Digest) []byte {
	key := make([]byte, 8+types.DigestSize)
	binary.BigEndian.PutUint64(key, uint64(epoch))
	copy(key[8:], digest[:])

	return key
}
