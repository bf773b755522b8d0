// Package txmanager implements the transaction manager: it holds the
// certificates waiting for their input objects and releases them to the
// execution driver once every input is available.
//
// A certificate waits on input keys. A key is an object version, or the
// object identifier alone for packages. The manager learns that a key became
// available from the notifications of the committed transactions, and falls
// back to the object store when a certificate is enqueued.
package txmanager

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"go.dedis.ch/certexec"
	"go.dedis.ch/certexec/core"
	"go.dedis.ch/certexec/core/types"
	"golang.org/x/xerrors"
)

const (
	// MaxPendingExecution is the default number of certificates the manager
	// holds before it pushes back.
	MaxPendingExecution = 20_000

	// MaxPendingOnObject is the default number of certificates that can wait
	// on the same object.
	MaxPendingOnObject = 1_000

	availableCacheSize = 10_000
)

var (
	promPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "certexec_txmanager_pending",
		Help: "number of certificates waiting for their inputs",
	})

	promMissing = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "certexec_txmanager_missing_keys",
		Help: "number of input keys certificates are waiting for",
	})

	promReady = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "certexec_txmanager_ready_total",
		Help: "number of certificates released to the execution driver",
	})
)

func init() {
	certexec.PromCollectors = append(certexec.PromCollectors,
		promPending, promMissing, promReady)
}

// Store is the view of the object store the manager needs.
type Store interface {
	MissingKeys(keys []types.InputKey) ([]types.InputKey, error)
	GetSharedVersions(digest types.Digest) ([]types.ObjectRef, bool, error)
	EffectsExists(digest types.Digest) (bool, error)
}

// PendingCertificate is a certificate with the effects digest the network
// agreed on, if known.
type PendingCertificate struct {
	Certificate types.Certificate
	Expected    *types.Digest
}

type waiting struct {
	pending PendingCertificate
	missing map[types.InputKey]struct{}
	objects []types.ObjectID
}

// Manager is the transaction manager.
type Manager struct {
	sync.Mutex

	store  Store
	epoch  types.EpochID
	logger zerolog.Logger

	maxPending   int
	maxPerObject int

	available *lru.Cache
	waiters   map[types.InputKey]map[types.Digest]struct{}
	pending   map[types.Digest]*waiting
	perObject map[types.ObjectID]int

	ready  []PendingCertificate
	signal chan struct{}

	executing *xsync.MapOf[types.Digest, struct{}]
	watcher   *core.Watcher[[]types.InputKey]
}

// Option is the type of option to create a manager.
type Option func(*Manager)

// WithCapacity sets the thresholds of the capacity checks.
func WithCapacity(total, perObject int) Option {
	return func(m *Manager) {
		m.maxPending = total
		m.maxPerObject = perObject
	}
}

// WithLogger sets the logger of the manager.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager returns a manager for the epoch.
func NewManager(store Store, epoch types.EpochID, opts ...Option) *Manager {
	cache, err := lru.New(availableCacheSize)
	if err != nil {
		// Only happens with a non-positive size.
		panic(err)
	}

	m := &Manager{
		store:        store,
		epoch:        epoch,
		logger:       certexec.Logger.With().Str("component", "txmanager").Logger(),
		maxPending:   MaxPendingExecution,
		maxPerObject: MaxPendingOnObject,
		available:    cache,
		waiters:      make(map[types.InputKey]map[types.Digest]struct{}),
		pending:      make(map[types.Digest]*waiting),
		perObject:    make(map[types.ObjectID]int),
		signal:       make(chan struct{}, 1),
		executing:    xsync.NewMapOf[types.Digest, struct{}](),
		watcher:      core.NewWatcher[[]types.InputKey](),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Watch registers an observer notified with the keys of every commit, after
// the manager processed them. The returned function removes the observer.
func (m *Manager) Watch(obs core.Observer[[]types.InputKey]) func() {
	return m.watcher.Add(obs)
}

// Enqueue adds the certificates of the epoch. Certificates that are already
// known or already executed are ignored.
func (m *Manager) Enqueue(certs []types.Certificate, epoch types.EpochID) error {
	pendings := make([]PendingCertificate, len(certs))
	for i, cert := range certs {
		pendings[i] = PendingCertificate{Certificate: cert}
	}

	return m.EnqueueWithExpectedEffects(pendings, epoch)
}

// EnqueueWithExpectedEffects adds the certificates with the effects digests
// they are expected to produce.
func (m *Manager) EnqueueWithExpectedEffects(pendings []PendingCertificate, epoch types.EpochID) error {
	m.Lock()
	defer m.Unlock()

	if epoch != m.epoch {
		return xerrors.Errorf("failed to enqueue: %w",
			&types.WrongEpochError{Expected: m.epoch, Actual: epoch})
	}

	for _, pending := range pendings {
		err := m.enqueue(pending)
		if err != nil {
			return xerrors.Errorf("failed to enqueue %v: %v", pending.Certificate.Digest(), err)
		}
	}

	m.updateGauges()

	return nil
}

func (m *Manager) enqueue(pending PendingCertificate) error {
	digest := pending.Certificate.Digest()

	if m.pending[digest] != nil || m.isReady(digest) {
		return nil
	}

	_, executing := m.executing.Load(digest)
	if executing {
		return nil
	}

	executed, err := m.store.EffectsExists(digest)
	if err != nil {
		return err
	}

	if executed {
		return nil
	}

	keys, err := m.inputKeys(digest, pending.Certificate.Data())
	if err != nil {
		return err
	}

	unknown := make([]types.InputKey, 0, len(keys))
	for _, key := range keys {
		if !m.available.Contains(key) {
			unknown = append(unknown, key)
		}
	}

	missing, err := m.store.MissingKeys(unknown)
	if err != nil {
		return err
	}

	if len(missing) == 0 {
		m.pushReady(pending)
		return nil
	}

	w := &waiting{
		pending: pending,
		missing: make(map[types.InputKey]struct{}, len(missing)),
	}

	for _, key := range missing {
		w.missing[key] = struct{}{}

		set := m.waiters[key]
		if set == nil {
			set = make(map[types.Digest]struct{})
			m.waiters[key] = set
		}

		set[digest] = struct{}{}
	}

	for _, key := range keys {
		w.objects = append(w.objects, key.ID)
		m.perObject[key.ID]++
	}

	m.pending[digest] = w

	m.logger.Debug().
		Stringer("digest", digest).
		Int("missing", len(missing)).
		Msg("certificate waiting for inputs")

	return nil
}

// ObjectsAvailable marks the keys as available and releases the certificates
// that do not wait for anything else.
func (m *Manager) ObjectsAvailable(keys []types.InputKey) {
	m.Lock()

	for _, key := range keys {
		m.available.Add(key, struct{}{})

		for digest := range m.waiters[key] {
			w := m.pending[digest]
			if w == nil {
				continue
			}

			delete(w.missing, key)

			if len(w.missing) == 0 {
				m.release(digest, w)
				m.pushReady(w.pending)
			}
		}

		delete(m.waiters, key)
	}

	m.updateGauges()
	m.Unlock()

	m.watcher.Notify(keys)
}

// NotifyCommit tells the manager that the certificate is committed and its
// outputs are available.
func (m *Manager) NotifyCommit(digest types.Digest, keys []types.InputKey) {
	m.executing.Delete(digest)
	m.ObjectsAvailable(keys)
}

// Next blocks until a certificate is ready for execution. The certificate is
// considered executing until NotifyCommit or Abort is called.
func (m *Manager) Next(ctx context.Context) (PendingCertificate, error) {
	for {
		m.Lock()
		if len(m.ready) > 0 {
			next := m.ready[0]
			m.ready = m.ready[1:]

			m.executing.Store(next.Certificate.Digest(), struct{}{})
			m.updateGauges()

			if len(m.ready) > 0 {
				m.wake()
			}

			m.Unlock()

			return next, nil
		}
		m.Unlock()

		select {
		case <-m.signal:
		case <-ctx.Done():
			return PendingCertificate{}, ctx.Err()
		}
	}
}

// Abort removes the certificate from the executing set once the caller of
// Next is done with it, whatever the outcome. A failed certificate can then be
// enqueued again.
func (m *Manager) Abort(digest types.Digest) {
	m.executing.Delete(digest)
}

// CheckCapacity returns a capacity error if the manager cannot accept the
// transaction.
func (m *Manager) CheckCapacity(data types.TransactionData) error {
	m.Lock()
	defer m.Unlock()

	total := len(m.pending) + len(m.ready) + m.executing.Size()
	if total >= m.maxPending {
		return &types.PendingExecutionError{Queue: total, Threshold: m.maxPending}
	}

	ids := []types.ObjectID{data.Gas.ID}
	for _, input := range data.Inputs {
		ids = append(ids, input.Ref.ID)
	}

	for _, id := range ids {
		queue := m.perObject[id]
		if queue >= m.maxPerObject {
			return &types.PendingOnObjectError{Object: id, Queue: queue, Threshold: m.maxPerObject}
		}
	}

	return nil
}

// Reconfigure drops the certificates of the previous epoch and starts
// accepting the certificates of the next one. It returns the digests of the
// dropped certificates.
func (m *Manager) Reconfigure(epoch types.EpochID) []types.Digest {
	m.Lock()
	defer m.Unlock()

	dropped := make([]types.Digest, 0, len(m.pending)+len(m.ready))
	for digest := range m.pending {
		dropped = append(dropped, digest)
	}

	for _, pending := range m.ready {
		dropped = append(dropped, pending.Certificate.Digest())
	}

	m.epoch = epoch
	m.waiters = make(map[types.InputKey]map[types.Digest]struct{})
	m.pending = make(map[types.Digest]*waiting)
	m.perObject = make(map[types.ObjectID]int)
	m.ready = nil

	m.updateGauges()

	m.logger.Info().
		Uint64("epoch", uint64(epoch)).
		Int("dropped", len(dropped)).
		Msg("reconfigured")

	return dropped
}

// PendingLen returns the number of certificates held by the manager,
// executing ones included.
func (m *Manager) PendingLen() int {
	m.Lock()
	defer m.Unlock()

	return len(m.pending) + len(m.ready) + m.executing.Size()
}

func (m *Manager) inputKeys(digest types.Digest, data types.TransactionData) ([]types.InputKey, error) {
	var assigned map[types.ObjectID]types.SequenceNumber

	if data.HasSharedInputs() {
		refs, found, err := m.store.GetSharedVersions(digest)
		if err != nil {
			return nil, err
		}

		if !found {
			return nil, xerrors.New("shared object versions not assigned")
		}

		assigned = make(map[types.ObjectID]types.SequenceNumber, len(refs))
		for _, ref := range refs {
			assigned[ref.ID] = ref.Version
		}
	}

	keys := []types.InputKey{types.VersionedKey(data.Gas.ID, data.Gas.Version)}

	for _, input := range data.Inputs {
		switch input.Kind {
		case types.InputShared:
			version, found := assigned[input.Ref.ID]
			if !found {
				return nil, xerrors.Errorf("no version assigned to %v", input.Ref.ID)
			}

			keys = append(keys, types.VersionedKey(input.Ref.ID, version))
		case types.InputPackage:
			keys = append(keys, types.PackageKey(input.Ref.ID))
		default:
			keys = append(keys, input.Ref.Key())
		}
	}

	return keys, nil
}

func (m *Manager) release(digest types.Digest, w *waiting) {
	delete(m.pending, digest)

	for _, id := range w.objects {
		m.perObject[id]--
		if m.perObject[id] <= 0 {
			delete(m.perObject, id)
		}
	}
}

func (m *Manager) pushReady(pending PendingCertificate) {
	m.ready = append(m.ready, pending)
	promReady.Inc()

	m.wake()
}

func (m *Manager) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Manager) isReady(digest types.Digest) bool {
	for _, p := range m.ready {
		if p.Certificate.Digest() == digest {
			return true
		}
	}

	return false
}

func (m *Manager) updateGauges() {
	promPending.Set(float64(len(m.pending) + len(m.ready)))
	promMissing.Set(float64(len(m.waiters)))
}
