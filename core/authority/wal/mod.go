// Package wal implements the write-ahead log of the certificate execution.
//
// An entry is created when a transaction guard is acquired for a certificate
// and it holds the execution output once it is known. The output is written
// durably before the object store is mutated, so that a crash between the
// two is resolved by replaying the stored output instead of executing the
// certificate again. The entry is removed when the outputs are committed.
//
// Entries left behind by a failed attempt are recoverable: the recovery
// scanner reads them one by one and drives them to completion, up to a
// bounded number of attempts.
package wal

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.dedis.ch/certexec"
	"go.dedis.ch/certexec/core/store/kv"
	"go.dedis.ch/certexec/core/types"
	"go.dedis.ch/certexec/serde"
	"go.dedis.ch/certexec/serde/json"
	"golang.org/x/xerrors"
)

// MaxTxRecoveryRetry is the number of attempts after which a recoverable
// transaction is abandoned.
const MaxTxRecoveryRetry = 3

var promEntries = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "certexec_wal_entries",
	Help: "number of entries in the write-ahead log",
})

func init() {
	certexec.PromCollectors = append(certexec.PromCollectors, promEntries)
}

// State is the state of an entry.
type State byte

const (
	// Pending entries are driven to completion by the recovery scanner.
	Pending State = iota
	// Abandoned entries exceeded the number of attempts and are ignored
	// until an operator re-arms them.
	Abandoned
)

func (s State) String() string {
	if s == Abandoned {
		return "abandoned"
	}

	return "pending"
}

// entry is the persisted record of a transaction.
type entry struct {
	Certificate types.Certificate
	Output      *types.ExecutionOutput
	Retries     uint32
	State       State
}

// Entry is the summary of an entry of the log.
type Entry struct {
	Digest   types.Digest
	Retries  uint32
	State    State
	Executed bool
}

// Log is a write-ahead log persisted in a key/value database.
type Log struct {
	sync.Mutex

	db      kv.DB
	bucket  []byte
	context serde.Context
	guards  *mutexTable
	logger  zerolog.Logger

	// queue is the list of recoverable digests, in the order they are
	// delivered to the recovery scanner.
	queue  []types.Digest
	queued map[types.Digest]struct{}
}

// Option is the type of option to create a log.
type Option func(*Log)

// WithContext sets the serialization context of the entries.
func WithContext(ctx serde.Context) Option {
	return func(l *Log) {
		l.context = ctx
	}
}

// WithShards sets the number of mutexes of the guard table.
func WithShards(n int) Option {
	return func(l *Log) {
		l.guards = newMutexTable(n)
	}
}

// WithLogger sets the logger of the log.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// Open returns the log persisted in the database. Every pending entry found
// in the database is recoverable, in the byte order of the digests.
func Open(db kv.DB, opts ...Option) (*Log, error) {
	l := &Log{
		db:      db,
		bucket:  []byte("wal"),
		context: json.NewContext(),
		guards:  newMutexTable(defaultShards),
		logger:  certexec.Logger.With().Str("component", "wal").Logger(),
		queued:  make(map[types.Digest]struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	entries, err := l.Entries()
	if err != nil {
		return nil, xerrors.Errorf("failed to read entries: %v", err)
	}

	for _, e := range entries {
		if e.State == Pending {
			l.enqueue(e.Digest)
		}
	}

	promEntries.Set(float64(len(entries)))

	if len(l.queue) > 0 {
		l.logger.Info().Int("recoverable", len(l.queue)).Msg("write-ahead log opened")
	}

	return l, nil
}

// AcquireTxGuard acquires the guard of the certificate. It blocks until any
// other holder of the guard of the same digest releases it.
//
// An entry is created for the certificate if none exists; otherwise the
// guard carries the accumulated number of attempts, and an error is returned
// once the maximum number of attempts is exceeded.
func (l *Log) AcquireTxGuard(ctx context.Context, cert types.Certificate) (*TxGuard, error) {
	digest := cert.Digest()

	unlock, err := l.guards.lock(ctx, digest[:])
	if err != nil {
		return nil, xerrors.Errorf("failed to acquire guard: %v", err)
	}

	var retries uint32

	err = l.db.Update(func(tx kv.WritableTx) error {
		bucket, err := tx.GetBucketOrCreate(l.bucket)
		if err != nil {
			return xerrors.Errorf("bucket: %v", err)
		}

		e, found, err := l.read(bucket, digest)
		if err != nil {
			return err
		}

		if !found {
			e = entry{Certificate: cert}
			tx.OnCommit(promEntries.Inc)
		} else {
			if e.State == Abandoned || e.Retries >= MaxTxRecoveryRetry {
				return xerrors.Errorf("%v: %w", digest, types.ErrTooManyRetries)
			}

			e.Retries++
		}

		retries = e.Retries

		return l.write(bucket, digest, e)
	})
	if err != nil {
		unlock()
		return nil, err
	}

	return l.newGuard(digest, cert, retries, unlock), nil
}

// ReadOneRecoverableTx returns the guard of the next recoverable transaction,
// or false if none is left. The number of attempts is incremented, and it is
// up to the caller to abandon the transaction when the maximum is reached.
func (l *Log) ReadOneRecoverableTx(ctx context.Context) (*TxGuard, bool, error) {
	for {
		digest, ok := l.dequeue()
		if !ok {
			return nil, false, nil
		}

		unlock, err := l.guards.lock(ctx, digest[:])
		if err != nil {
			l.enqueue(digest)
			return nil, false, xerrors.Errorf("failed to acquire guard: %v", err)
		}

		var e entry
		var found bool

		err = l.db.Update(func(tx kv.WritableTx) error {
			bucket, err := tx.GetBucketOrCreate(l.bucket)
			if err != nil {
				return xerrors.Errorf("bucket: %v", err)
			}

			e, found, err = l.read(bucket, digest)
			if err != nil || !found || e.State == Abandoned {
				return err
			}

			e.Retries++

			return l.write(bucket, digest, e)
		})
		if err != nil {
			unlock()
			l.enqueue(digest)
			return nil, false, err
		}

		if !found || e.State == Abandoned {
			// Committed or abandoned since it was queued.
			unlock()
			continue
		}

		return l.newGuard(digest, e.Certificate, e.Retries, unlock), true, nil
	}
}

// GetExecutionOutput returns the execution output stored for the digest, or
// nil if the transaction has not been executed.
func (l *Log) GetExecutionOutput(digest types.Digest) (*types.ExecutionOutput, error) {
	var output *types.ExecutionOutput

	err := l.db.View(func(tx kv.ReadableTx) error {
		bucket := tx.GetBucket(l.bucket)
		if bucket == nil {
			return nil
		}

		e, _, err := l.read(bucket, digest)
		output = e.Output

		return err
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to read entry: %v", err)
	}

	return output, nil
}

// WriteExecutionOutput stores the execution output of the transaction. The
// output is durable when the function returns.
func (l *Log) WriteExecutionOutput(digest types.Digest, output types.ExecutionOutput) error {
	return l.db.Update(func(tx kv.WritableTx) error {
		bucket, err := tx.GetBucketOrCreate(l.bucket)
		if err != nil {
			return xerrors.Errorf("bucket: %v", err)
		}

		e, found, err := l.read(bucket, digest)
		if err != nil {
			return err
		}

		if !found {
			return xerrors.Errorf("no entry for %v", digest)
		}

		e.Output = &output

		return l.write(bucket, digest, e)
	})
}

// Entries returns the summary of every entry in the byte order of the
// digests.
func (l *Log) Entries() ([]Entry, error) {
	var entries []Entry

	err := l.db.View(func(tx kv.ReadableTx) error {
		bucket := tx.GetBucket(l.bucket)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(key, value []byte) error {
			e, err := serde.Decode[entry](l.context, "entry", value)
			if err != nil {
				return err
			}

			var digest types.Digest
			copy(digest[:], key)

			entries = append(entries, Entry{
				Digest:   digest,
				Retries:  e.Retries,
				State:    e.State,
				Executed: e.Output != nil,
			})

			return nil
		})
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to read entries: %v", err)
	}

	return entries, nil
}

// Retry re-arms an abandoned entry so that the recovery scanner tries it
// again with a fresh number of attempts.
func (l *Log) Retry(ctx context.Context, digest types.Digest) error {
	unlock, err := l.guards.lock(ctx, digest[:])
	if err != nil {
		return xerrors.Errorf("failed to acquire guard: %v", err)
	}

	defer unlock()

	err = l.db.Update(func(tx kv.WritableTx) error {
		bucket, err := tx.GetBucketOrCreate(l.bucket)
		if err != nil {
			return xerrors.Errorf("bucket: %v", err)
		}

		e, found, err := l.read(bucket, digest)
		if err != nil {
			return err
		}

		if !found {
			return xerrors.Errorf("%v: %w", digest, types.ErrTransactionNotFound)
		}

		e.State = Pending
		e.Retries = 0

		return l.write(bucket, digest, e)
	})
	if err != nil {
		return err
	}

	l.enqueue(digest)

	l.logger.Info().Stringer("digest", digest).Msg("entry re-armed")

	return nil
}

func (l *Log) newGuard(digest types.Digest, cert types.Certificate,
	retries uint32, unlock func()) *TxGuard {

	return &TxGuard{
		log:     l,
		digest:  digest,
		cert:    cert,
		retries: retries,
		unlock:  unlock,
	}
}

func (l *Log) enqueue(digest types.Digest) {
	l.Lock()
	defer l.Unlock()

	_, found := l.queued[digest]
	if found {
		return
	}

	l.queued[digest] = struct{}{}
	l.queue = append(l.queue, digest)
}

func (l *Log) dequeue() (types.Digest, bool) {
	l.Lock()
	defer l.Unlock()

	if len(l.queue) == 0 {
		return types.Digest{}, false
	}

	digest := l.queue[0]
	l.queue = l.queue[1:]
	delete(l.queued, digest)

	return digest, true
}

func (l *Log) remove(digest types.Digest) error {
	return l.db.Update(func(tx kv.WritableTx) error {
		bucket, err := tx.GetBucketOrCreate(l.bucket)
		if err != nil {
			return xerrors.Errorf("bucket: %v", err)
		}

		if bucket.Get(digest[:]) == nil {
			return nil
		}

		tx.OnCommit(promEntries.Dec)

		return bucket.Delete(digest[:])
	})
}

func (l *Log) abandon(digest types.Digest) error {
	return l.db.Update(func(tx kv.WritableTx) error {
		bucket, err := tx.GetBucketOrCreate(l.bucket)
		if err != nil {
			return xerrors.Errorf("bucket: %v", err)
		}

		e, found, err := l.read(bucket, digest)
		if err != nil || !found {
			return err
		}

		e.State = Abandoned

		return l.write(bucket, digest, e)
	})
}

func (l *Log) read(bucket kv.Bucket, digest types.Digest) (entry, bool, error) {
	data := bucket.Get(digest[:])
	if data == nil {
		return entry{}, false, nil
	}

	e, err := serde.Decode[entry](l.context, "entry", data)
	if err != nil {
		return entry{}, false, err
	}

	return e, true, nil
}

func (l *Log) write(bucket kv.Bucket, digest types.Digest, e entry) error {
	data, err := serde.Encode(l.context, "entry", e)
	if err != nil {
		return err
	}

	err = bucket.Set(digest[:], data)
	if err != nil {
		return xerrors.Errorf("failed to write entry: %v", err)
	}

	return nil
}

// TxGuard is the exclusive right to drive the transaction of a digest. It
// must be ended by exactly one of CommitTx, Release or Abandon; later calls
// are no-ops.
type TxGuard struct {
	log     *Log
	digest  types.Digest
	cert    types.Certificate
	retries uint32
	unlock  func()
	once    sync.Once
}

// Digest returns the digest of the transaction.
func (g *TxGuard) Digest() types.Digest {
	return g.digest
}

// Certificate returns the certificate stored in the entry.
func (g *TxGuard) Certificate() types.Certificate {
	return g.cert
}

// Retries returns the number of previous attempts.
func (g *TxGuard) Retries() uint32 {
	return g.retries
}

// CommitTx removes the entry once the outputs are committed, or when the
// effects were already durable.
func (g *TxGuard) CommitTx() error {
	var err error

	g.end(func() {
		err = g.log.remove(g.digest)
		if err != nil {
			g.log.enqueue(g.digest)
		}
	})

	if err != nil {
		return xerrors.Errorf("failed to remove entry: %v", err)
	}

	return nil
}

// Release releases the guard without committing. The entry stays in the log
// and becomes recoverable.
func (g *TxGuard) Release() {
	g.end(func() {
		g.log.enqueue(g.digest)
	})
}

// Abandon releases the guard and marks the entry so that it is not recovered
// anymore.
func (g *TxGuard) Abandon() error {
	var err error

	g.end(func() {
		err = g.log.abandon(g.digest)
	})

	if err != nil {
		return xerrors.Errorf("failed to abandon entry: %v", err)
	}

	return nil
}

func (g *TxGuard) end(fn func()) {
	g.once.Do(func() {
		defer g.unlock()

		fn()
	})
}
