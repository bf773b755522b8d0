// Package authority implements the execution and commit core of a validator.
//
// The signing stage locks the owned inputs of a transaction so that a single
// transaction can consume a given version. The certificates are then executed
// exactly once by the pipeline: the execution output is written to the
// write-ahead log before it is committed to the object store, so that a crash
// in between is recovered without executing again. Executions are fenced by
// the epoch store so that a reconfiguration cannot happen while a certificate
// is committed under the previous epoch.
//
// Documentation Last Review: 15.10.2026
package authority

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"go.dedis.ch/certexec"
	"go.dedis.ch/certexec/core/authority/epoch"
	"go.dedis.ch/certexec/core/authority/eventstore"
	"go.dedis.ch/certexec/core/authority/objstore"
	"go.dedis.ch/certexec/core/authority/txmanager"
	"go.dedis.ch/certexec/core/authority/wal"
	"go.dedis.ch/certexec/core/execution"
	"go.dedis.ch/certexec/core/store/kv"
	"go.dedis.ch/certexec/core/types"
	"go.dedis.ch/certexec/crypto"
	"go.dedis.ch/certexec/internal/retry"
	"golang.org/x/xerrors"
)

// DefaultDriverConcurrency is the number of certificates the execution driver
// executes in parallel.
const DefaultDriverConcurrency = 16

// lockBackoff bounds the retries of a lock read that races with the write of
// the transaction holding it.
var lockBackoff = retry.Backoff{
	Initial:  2 * time.Millisecond,
	Factor:   10,
	Attempts: 3,
	Jitter:   true,
}

var (
	promCertificates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "certexec_certificates_total",
		Help: "number of certificates processed by the pipeline, by result",
	}, []string{"result"})

	promRecovery = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "certexec_recovery_total",
		Help: "number of write-ahead log entries processed by the recovery scanner",
	}, []string{"result"})

	promSigned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "certexec_transactions_signed_total",
		Help: "number of transactions signed",
	})

	promDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "certexec_execution_duration_seconds",
		Help:    "duration of the execution of a certificate",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)

func init() {
	certexec.PromCollectors = append(certexec.PromCollectors,
		promCertificates, promRecovery, promSigned, promDuration)
}

// State is the state of an authority.
type State struct {
	signer   crypto.Signer
	verifier crypto.Verifier

	epochs    *epoch.Store
	store     *objstore.Store
	wal       *wal.Log
	txManager *txmanager.Manager
	executor  execution.Service
	events    *eventstore.Store

	// results are the callers of ExecuteCertificate waiting for a certificate
	// executed by the driver.
	results *xsync.MapOf[types.Digest, *result]

	logger  zerolog.Logger
	backoff retry.Backoff

	concurrency int
	stopDriver  func()
}

type result struct {
	done chan struct{}
	err  error
}

type config struct {
	logger      zerolog.Logger
	events      *eventstore.Store
	backoff     retry.Backoff
	concurrency int
	txOpts      []txmanager.Option
	walOpts     []wal.Option
	storeOpts   []objstore.Option
}

// Option is the type of option to create a state.
type Option func(*config)

// WithLogger sets the logger of the state.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithEventStore sets the store the events of the executed transactions are
// appended to.
func WithEventStore(events *eventstore.Store) Option {
	return func(c *config) {
		c.events = events
	}
}

// WithLockBackoff sets the backoff of the lock reads.
func WithLockBackoff(b retry.Backoff) Option {
	return func(c *config) {
		c.backoff = b
	}
}

// WithDriverConcurrency sets the number of certificates executed in parallel
// by the execution driver.
func WithDriverConcurrency(n int) Option {
	return func(c *config) {
		c.concurrency = n
	}
}

// WithTxManagerOptions sets the options of the transaction manager.
func WithTxManagerOptions(opts ...txmanager.Option) Option {
	return func(c *config) {
		c.txOpts = opts
	}
}

// WithWALOptions sets the options of the write-ahead log.
func WithWALOptions(opts ...wal.Option) Option {
	return func(c *config) {
		c.walOpts = opts
	}
}

// WithStoreOptions sets the options of the object store.
func WithStoreOptions(opts ...objstore.Option) Option {
	return func(c *config) {
		c.storeOpts = opts
	}
}

// NewState creates the state of an authority on top of the database and
// starts the execution driver. The recovery scanner is not run: the caller is
// expected to call ProcessTxRecoveryLog before it accepts traffic.
func NewState(signer crypto.Signer, verifier crypto.Verifier, db kv.DB,
	epochs *epoch.Store, executor execution.Service, opts ...Option) (*State, error) {

	cfg := config{
		logger:      certexec.Logger.With().Str("component", "authority").Logger(),
		backoff:     lockBackoff,
		concurrency: DefaultDriverConcurrency,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	store := objstore.NewStore(db, cfg.storeOpts...)

	log, err := wal.Open(db, cfg.walOpts...)
	if err != nil {
		return nil, xerrors.Errorf("failed to open write-ahead log: %v", err)
	}

	s := &State{
		signer:      signer,
		verifier:    verifier,
		epochs:      epochs,
		store:       store,
		wal:         log,
		txManager:   txmanager.NewManager(store, epochs.Load().Epoch, cfg.txOpts...),
		executor:    executor,
		events:      cfg.events,
		results:     xsync.NewMapOf[types.Digest, *result](),
		logger:      cfg.logger,
		backoff:     cfg.backoff,
		concurrency: cfg.concurrency,
	}

	s.stopDriver = startDriver(s)

	return s, nil
}

// Store returns the object store.
func (s *State) Store() *objstore.Store {
	return s.store
}

// WAL returns the write-ahead log.
func (s *State) WAL() *wal.Log {
	return s.wal
}

// TxManager returns the transaction manager.
func (s *State) TxManager() *txmanager.Manager {
	return s.txManager
}

// Epochs returns the epoch store.
func (s *State) Epochs() *epoch.Store {
	return s.epochs
}

// Name returns the public key of the authority.
func (s *State) Name() []byte {
	return s.signer.GetPublicKey()
}

// InsertGenesisObjects writes the objects of the genesis.
func (s *State) InsertGenesisObjects(objects ...types.Object) error {
	return s.store.InsertGenesisObjects(objects...)
}

// GetObject returns the latest version of the object.
func (s *State) GetObject(id types.ObjectID) (types.Object, error) {
	return s.store.GetObject(id)
}

// HaltAtEpochEnd stops the execution of user transactions until the next
// epoch.
func (s *State) HaltAtEpochEnd() {
	s.epochs.Halt()
}

// Reconfigure moves the authority to the next epoch. It waits for the
// executions of the current epoch to drain, then drops the certificates
// pending in the transaction manager. Their waiters fail with a wrong epoch
// error.
func (s *State) Reconfigure(ctx context.Context, next epoch.Context) error {
	previous := s.epochs.Load().Epoch

	err := s.epochs.Reconfigure(next)
	if err != nil {
		return xerrors.Errorf("failed to reconfigure: %w", err)
	}

	for _, digest := range s.txManager.Reconfigure(next.Epoch) {
		s.notifyResult(digest, &types.WrongEpochError{
			Expected: next.Epoch,
			Actual:   previous,
		})
	}

	s.logger.Info().Uint64("epoch", uint64(next.Epoch)).Msg("authority reconfigured")

	return nil
}

// Close stops the execution driver.
func (s *State) Close() {
	s.stopDriver()
}

// GetSignedEffects returns the effects of an executed transaction signed for
// the current epoch. The effects of a previous epoch are signed again without
// execution.
func (s *State) GetSignedEffects(digest types.Digest) (types.SignedEffects, bool, error) {
	epochCtx := s.epochs.Load()

	return s.signedEffects(digest, epochCtx)
}

func (s *State) signedEffects(digest types.Digest, epochCtx *epoch.Context) (types.SignedEffects, bool, error) {
	signed, found, err := s.store.GetSignedEffects(digest, epochCtx.Epoch)
	if err != nil || !found {
		return signed, found, err
	}

	if signed.Epoch == epochCtx.Epoch {
		return signed, true, nil
	}

	signed, err = types.NewSignedEffects(signed.Effects, epochCtx.Epoch, s.signer)
	if err != nil {
		return signed, false, err
	}

	err = s.store.InsertEpochEffects(signed)
	if err != nil {
		return signed, false, err
	}

	return signed, true, nil
}

func (s *State) notifyResult(digest types.Digest, err error) {
	res, found := s.results.LoadAndDelete(digest)
	if !found {
		return
	}

	res.err = err
	close(res.done)
}
