package kv

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/cockroachdb/pebble"
	"golang.org/x/xerrors"
)

const (
	pebbleBucketMarker byte = 0x00
	pebbleBucketData   byte = 0x01
)

// pebbleReader is the set of read primitives shared by a snapshot and an
// indexed batch.
type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// pebbleDB is an adapter of the KV store using pebble. Buckets are emulated by
// prefixing the keys with the bucket name. Updates are serialized so that a
// writable transaction observes a stable state, like bbolt does.
//
// - implements kv.DB
type pebbleDB struct {
	sync.Mutex

	pdb *pebble.DB
}

// NewPebble opens the pebble database in the directory. The directory is
// created if it does not exist.
func NewPebble(dir string) (DB, error) {
	pdb, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, xerrors.Errorf("failed to open db: %v", err)
	}

	return &pebbleDB{pdb: pdb}, nil
}

// View implements kv.DB. It executes the read-only transaction on a snapshot of
// the database.
func (db *pebbleDB) View(fn func(ReadableTx) error) error {
	snap := db.pdb.NewSnapshot()
	defer snap.Close()

	return fn(&pebbleTx{reader: snap})
}

// Update implements kv.DB. It executes the writable transaction in an indexed
// batch that is committed and synced when the function returns without error.
func (db *pebbleDB) Update(fn func(WritableTx) error) error {
	db.Lock()
	defer db.Unlock()

	batch := db.pdb.NewIndexedBatch()
	tx := &pebbleTx{reader: batch, batch: batch}

	err := fn(tx)
	if err != nil {
		batch.Close()
		return err
	}

	err = batch.Commit(pebble.Sync)
	if err != nil {
		batch.Close()
		return xerrors.Errorf("failed to commit: %v", err)
	}

	batch.Close()

	for _, cb := range tx.onCommit {
		cb()
	}

	return nil
}

// Close implements kv.DB. It closes the database.
func (db *pebbleDB) Close() error {
	return db.pdb.Close()
}

// pebbleTx is a transaction over a snapshot (read-only) or an indexed batch.
//
// - implements kv.ReadableTx
// - implements kv.WritableTx
type pebbleTx struct {
	reader   pebbleReader
	batch    *pebble.Batch
	onCommit []func()
}

// GetBucket implements kv.ReadableTx. It returns the bucket if it has been
// created before, otherwise nil.
func (tx *pebbleTx) GetBucket(name []byte) Bucket {
	value, closer, err := tx.reader.Get(bucketMarkerKey(name))
	if err != nil {
		return nil
	}

	closer.Close()

	if value == nil {
		return nil
	}

	return pebbleBucket{tx: tx, prefix: bucketDataPrefix(name)}
}

// GetBucketOrCreate implements kv.WritableTx. It writes the bucket marker if
// the bucket does not exist yet.
func (tx *pebbleTx) GetBucketOrCreate(name []byte) (Bucket, error) {
	if len(name) == 0 {
		return nil, xerrors.New("failed to create bucket: bucket name required")
	}

	bucket := tx.GetBucket(name)
	if bucket != nil {
		return bucket, nil
	}

	err := tx.batch.Set(bucketMarkerKey(name), []byte{1}, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to create bucket: %v", err)
	}

	return pebbleBucket{tx: tx, prefix: bucketDataPrefix(name)}, nil
}

// OnCommit implements store.Transaction. The callbacks are called in order
// after the batch is committed.
func (tx *pebbleTx) OnCommit(fn func()) {
	tx.onCommit = append(tx.onCommit, fn)
}

// pebbleBucket is a key prefix in the pebble keyspace.
//
// - implements kv.Bucket
type pebbleBucket struct {
	tx     *pebbleTx
	prefix []byte
}

// Get implements kv.Bucket. It returns a copy of the value, or nil if the key
// is not set.
func (b pebbleBucket) Get(key []byte) []byte {
	value, closer, err := b.tx.reader.Get(b.key(key))
	if err != nil {
		return nil
	}

	defer closer.Close()

	return append([]byte{}, value...)
}

// Set implements kv.Bucket. It returns an error if the transaction is
// read-only.
func (b pebbleBucket) Set(key, value []byte) error {
	if b.tx.batch == nil {
		return xerrors.New("tx not writable")
	}

	return b.tx.batch.Set(b.key(key), value, nil)
}

// Delete implements kv.Bucket. It returns an error if the transaction is
// read-only.
func (b pebbleBucket) Delete(key []byte) error {
	if b.tx.batch == nil {
		return xerrors.New("tx not writable")
	}

	return b.tx.batch.Delete(b.key(key), nil)
}

// ForEach implements kv.Bucket. It iterates over the whole bucket.
func (b pebbleBucket) ForEach(fn func(k, v []byte) error) error {
	return b.iterate(nil, fn)
}

// Scan implements kv.Bucket. It iterates over the keys matching the prefix.
func (b pebbleBucket) Scan(prefix []byte, fn func(k, v []byte) error) error {
	err := b.iterate(prefix, fn)
	if err != nil {
		return xerrors.Errorf("callback failed: %v", err)
	}

	return nil
}

func (b pebbleBucket) iterate(prefix []byte, fn func(k, v []byte) error) error {
	lower := b.key(prefix)

	iter, err := b.tx.reader.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upperBound(lower),
	})
	if err != nil {
		return xerrors.Errorf("failed to create iterator: %v", err)
	}

	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := bytes.TrimPrefix(iter.Key(), b.prefix)

		err := fn(append([]byte{}, key...), append([]byte{}, iter.Value()...))
		if err != nil {
			return err
		}
	}

	return iter.Error()
}

func (b pebbleBucket) key(key []byte) []byte {
	buffer := make([]byte, 0, len(b.prefix)+len(key))
	buffer = append(buffer, b.prefix...)

	return append(buffer, key...)
}

func bucketMarkerKey(name []byte) []byte {
	return append([]byte{pebbleBucketMarker}, name...)
}

// bucketDataPrefix returns the prefix of the keys of a bucket. The length of
// the name is part of the prefix so that a bucket is never a prefix of
// another one.
func bucketDataPrefix(name []byte) []byte {
	buffer := make([]byte, 3, 3+len(name))
	buffer[0] = pebbleBucketData
	binary.BigEndian.PutUint16(buffer[1:], uint16(len(name)))

	return append(buffer, name...)
}

// upperBound returns the smallest key that is greater than every key having
// the prefix, or nil when there is none.
func upperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)

	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}

	return nil
}
