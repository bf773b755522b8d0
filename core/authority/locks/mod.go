// Package locks implements the owned-object lock table. It guarantees that at
// most one transaction claims the right to consume a given version of an owned
// object in an epoch.
//
// A record exists for the live version of every owned object. It is
// initialized when the version is written, locked by the signing stage, and
// deleted when the version is consumed by a committed transaction. A batch of
// locks is acquired in a single writable transaction of the database, so that
// either every lock of the batch is taken or none of them.
package locks

import (
	"encoding/binary"

	"github.com/prometheus/client_golang/prometheus"
	"go.dedis.ch/certexec"
	"go.dedis.ch/certexec/core/store"
	"go.dedis.ch/certexec/core/store/kv"
	"go.dedis.ch/certexec/core/types"
	"go.dedis.ch/certexec/serde"
	"go.dedis.ch/certexec/serde/json"
	"golang.org/x/xerrors"
)

var promConflicts = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "certexec_locks_conflicts_total",
	Help: "number of lock acquisitions rejected because of a conflict",
})

func init() {
	certexec.PromCollectors = append(certexec.PromCollectors, promConflicts)
}

// State is the state of the lock of an object version.
type State byte

const (
	// Initialized means that no transaction has claimed the version.
	Initialized State = iota
	// LockedToTx means that a transaction claimed the version.
	LockedToTx
	// LockedAtDifferentVersion means that the requested version is not the
	// live version of the object.
	LockedAtDifferentVersion
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case LockedToTx:
		return "locked"
	case LockedAtDifferentVersion:
		return "different version"
	default:
		return "unknown"
	}
}

// LockStatus is the answer to a lock query.
type LockStatus struct {
	State  State
	Digest types.Digest
	Epoch  types.EpochID
	// Current is the live version of the object.
	Current types.ObjectRef
}

// Err returns the error a caller surfaces for the status, or nil when the
// requested version is the live one.
func (s LockStatus) Err(provided types.ObjectRef) error {
	if s.State != LockedAtDifferentVersion {
		return nil
	}

	return &types.VersionUnavailableError{Provided: provided, Current: s.Current}
}

// record is the persisted lock of a version.
type record struct {
	Ref    types.ObjectRef
	Locked bool
	Epoch  types.EpochID
	Digest types.Digest
}

// Table is the lock table persisted in a key/value database.
type Table struct {
	db      kv.DB
	bucket  []byte
	context serde.Context

	txn store.Transaction
}

// NewTable returns a lock table using the database.
func NewTable(db kv.DB) *Table {
	return &Table{
		db:      db,
		bucket:  []byte("locks"),
		context: json.NewContext(),
	}
}

// WithContext returns a table using the serialization context.
func (t *Table) WithContext(ctx serde.Context) *Table {
	clone := *t
	clone.context = ctx

	return &clone
}

// WithTx returns a table that performs its operations inside the
// transaction.
func (t *Table) WithTx(txn store.Transaction) *Table {
	clone := *t
	clone.txn = txn

	return &clone
}

// AcquireLocks locks every reference of the batch to the transaction. The
// batch is all-or-nothing: if one of the references cannot be locked, nothing
// is written and the error names the first offending reference.
//
// A version locked in a previous epoch is taken over; re-locking a version
// to the same transaction is a no-op.
func (t *Table) AcquireLocks(epoch types.EpochID, refs []types.ObjectRef, digest types.Digest) error {
	return t.doUpdate(func(tx kv.WritableTx) error {
		bucket, err := tx.GetBucketOrCreate(t.bucket)
		if err != nil {
			return xerrors.Errorf("bucket: %v", err)
		}

		updates := make([]record, 0, len(refs))

		for _, ref := range refs {
			rec, found, err := t.read(bucket, ref.ID, ref.Version)
			if err != nil {
				return err
			}

			if !found {
				latest, exists, err := t.latest(bucket, ref.ID)
				if err != nil {
					return err
				}

				if exists {
					return &types.VersionUnavailableError{Provided: ref, Current: latest.Ref}
				}

				// The first lock of an object that was never initialized.
				rec = record{Ref: ref}
			}

			if rec.Ref.Digest != ref.Digest {
				return &types.VersionUnavailableError{Provided: ref, Current: rec.Ref}
			}

			if rec.Locked {
				switch {
				case rec.Epoch > epoch:
					return &types.LockedAtFutureEpochError{
						Ref:         ref,
						LockedEpoch: rec.Epoch,
						Current:     epoch,
					}
				case rec.Epoch == epoch && rec.Digest != digest:
					promConflicts.Inc()
					return &types.LockConflictError{Ref: ref, Pending: rec.Digest}
				case rec.Epoch == epoch:
					continue
				}
			}

			rec.Locked = true
			rec.Epoch = epoch
			rec.Digest = digest

			updates = append(updates, rec)
		}

		for _, rec := range updates {
			err = t.write(bucket, rec)
			if err != nil {
				return err
			}
		}

		return nil
	})
}

// GetLock returns the lock of the reference. The state is
// LockedAtDifferentVersion when the reference is not the live version, and a
// lock taken in an earlier epoch is reported as initialized.
func (t *Table) GetLock(ref types.ObjectRef, epoch types.EpochID) (LockStatus, error) {
	var status LockStatus

	err := t.doView(func(tx kv.ReadableTx) error {
		bucket := tx.GetBucket(t.bucket)
		if bucket == nil {
			return xerrors.Errorf("%v: %w", ref.ID, types.ErrObjectNotFound)
		}

		latest, found, err := t.latest(bucket, ref.ID)
		if err != nil {
			return err
		}

		if !found {
			return xerrors.Errorf("%v: %w", ref.ID, types.ErrObjectNotFound)
		}

		status.Current = latest.Ref

		if latest.Ref != ref {
			status.State = LockedAtDifferentVersion
			return nil
		}

		if latest.Locked && latest.Epoch >= epoch {
			status.State = LockedToTx
			status.Digest = latest.Digest
			status.Epoch = latest.Epoch
		}

		return nil
	})
	if err != nil {
		return status, xerrors.Errorf("failed to read lock: %w", err)
	}

	return status, nil
}

// LatestRef returns the live version of the object, or false if the object
// has no lock record.
func (t *Table) LatestRef(id types.ObjectID) (types.ObjectRef, bool, error) {
	var rec record
	var found bool

	err := t.doView(func(tx kv.ReadableTx) error {
		bucket := tx.GetBucket(t.bucket)
		if bucket == nil {
			return nil
		}

		var err error
		rec, found, err = t.latest(bucket, id)

		return err
	})
	if err != nil {
		return types.ObjectRef{}, false, xerrors.Errorf("failed to read lock: %v", err)
	}

	return rec.Ref, found, nil
}

// InitializeLocks creates an initialized lock for every reference. An
// existing lock is an error unless force is set, except when it is already
// initialized for the same reference.
func (t *Table) InitializeLocks(refs []types.ObjectRef, force bool) error {
	return t.doUpdate(func(tx kv.WritableTx) error {
		bucket, err := tx.GetBucketOrCreate(t.bucket)
		if err != nil {
			return xerrors.Errorf("bucket: %v", err)
		}

		return t.initialize(bucket, refs, force)
	})
}

// Sequence deletes the locks of the consumed versions and initializes the
// locks of the written owned versions. It is called by the commit of a
// transaction, inside the same database transaction.
func (t *Table) Sequence(consumed []types.ObjectRef, written []types.ObjectRef) error {
	return t.doUpdate(func(tx kv.WritableTx) error {
		bucket, err := tx.GetBucketOrCreate(t.bucket)
		if err != nil {
			return xerrors.Errorf("bucket: %v", err)
		}

		for _, ref := range consumed {
			err = bucket.Delete(makeKey(ref.ID, ref.Version))
			if err != nil {
				return xerrors.Errorf("failed to delete lock: %v", err)
			}
		}

		return t.initialize(bucket, written, false)
	})
}

// ResetLocks releases the locks held by the transactions on the references.
// It is meant for tests and manual recovery only.
func (t *Table) ResetLocks(digests []types.Digest, refs []types.ObjectRef, epoch types.EpochID) error {
	holders := make(map[types.Digest]struct{})
	for _, d := range digests {
		holders[d] = struct{}{}
	}

	return t.doUpdate(func(tx kv.WritableTx) error {
		bucket, err := tx.GetBucketOrCreate(t.bucket)
		if err != nil {
			return xerrors.Errorf("bucket: %v", err)
		}

		for _, ref := range refs {
			rec, found, err := t.read(bucket, ref.ID, ref.Version)
			if err != nil {
				return err
			}

			if !found || !rec.Locked || rec.Epoch != epoch {
				continue
			}

			_, held := holders[rec.Digest]
			if len(holders) > 0 && !held {
				continue
			}

			err = t.write(bucket, record{Ref: rec.Ref})
			if err != nil {
				return err
			}
		}

		return nil
	})
}

func (t *Table) initialize(bucket kv.Bucket, refs []types.ObjectRef, force bool) error {
	for _, ref := range refs {
		rec, found, err := t.read(bucket, ref.ID, ref.Version)
		if err != nil {
			return err
		}

		if found && !force {
			if rec.Ref == ref && !rec.Locked {
				continue
			}

			return xerrors.Errorf("lock for %v already exists", ref)
		}

		err = t.write(bucket, record{Ref: ref})
		if err != nil {
			return err
		}
	}

	return nil
}

func (t *Table) read(bucket kv.Bucket, id types.ObjectID,
	version types.SequenceNumber) (record, bool, error) {

	data := bucket.Get(makeKey(id, version))
	if data == nil {
		return record{}, false, nil
	}

	rec, err := serde.Decode[record](t.context, "lock", data)
	if err != nil {
		return record{}, false, err
	}

	return rec, true, nil
}

// latest returns the record with the highest version of the object.
func (t *Table) latest(bucket kv.Bucket, id types.ObjectID) (record, bool, error) {
	var last []byte

	err := bucket.Scan(id[:], func(key, value []byte) error {
		last = append(last[:0], value...)
		return nil
	})
	if err != nil {
		return record{}, false, xerrors.Errorf("failed to scan: %v", err)
	}

	if last == nil {
		return record{}, false, nil
	}

	rec, err := serde.Decode[record](t.context, "lock", last)
	if err != nil {
		return record{}, false, err
	}

	return rec, true, nil
}

func (t *Table) write(bucket kv.Bucket, rec record) error {
	data, err := serde.Encode(t.context, "lock", rec)
	if err != nil {
		return err
	}

	err = bucket.Set(makeKey(rec.Ref.ID, rec.Ref.Version), data)
	if err != nil {
		return xerrors.Errorf("failed to write lock: %v", err)
	}

	return nil
}

func (t *Table) doUpdate(fn func(tx kv.WritableTx) error) error {
	if t.txn != nil {
		tx, ok := t.txn.(kv.WritableTx)
		if !ok {
			return xerrors.Errorf("transaction '%T' is not writable", t.txn)
		}

		return fn(tx)
	}

	return t.db.Update(fn)
}

func (t *Table) doView(fn func(tx kv.ReadableTx) error) error {
	if t.txn != nil {
		tx, ok := t.txn.(kv.ReadableTx)
		if !ok {
			return xerrors.Errorf("transaction '%T' is not readable", t.txn)
		}

		return fn(tx)
	}

	return t.db.View(fn)
}

func makeKey(id types.ObjectID, version types.SequenceNumber) []byte {
	key := make([]byte, types.DigestSize+8)
	copy(key, id[:])
	binary.BigEndian.PutUint64(key[types.DigestSize:], uint64(version))

	return key
}
