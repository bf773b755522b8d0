package txmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/certexec/core"
	"go.dedis.ch/certexec/core/types"
	"go.dedis.ch/certexec/internal/testing/fake"
	"golang.org/x/xerrors"
)

func TestManager_EnqueueReady(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(store, 1)

	cert := makeCert(1, makeRef(1, 1))
	store.add(types.VersionedKey(types.ObjectID{1}, 1), gasKey(1))

	require.NoError(t, mgr.Enqueue([]types.Certificate{cert}, 1))
	require.Equal(t, 1, mgr.PendingLen())

	next, err := mgr.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, cert.Digest(), next.Certificate.Digest())
	require.Nil(t, next.Expected)

	// Executing certificates are not enqueued twice.
	require.NoError(t, mgr.Enqueue([]types.Certificate{cert}, 1))
	require.Equal(t, 1, mgr.PendingLen())

	mgr.NotifyCommit(cert.Digest(), nil)
	require.Equal(t, 0, mgr.PendingLen())
}

func TestManager_WaitForInputs(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(store, 1)

	cert := makeCert(1, makeRef(1, 2))
	store.add(gasKey(1))

	expected := types.Digest{0xe}
	pending := PendingCertificate{Certificate: cert, Expected: &expected}

	require.NoError(t, mgr.EnqueueWithExpectedEffects([]PendingCertificate{pending}, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := mgr.Next(ctx)
	require.Equal(t, context.DeadlineExceeded, err)

	var notified [][]types.InputKey
	remove := mgr.Watch(core.ObserverFunc[[]types.InputKey](func(keys []types.InputKey) {
		notified = append(notified, keys)
	}))
	defer remove()

	keys := []types.InputKey{types.VersionedKey(types.ObjectID{1}, 2)}
	mgr.ObjectsAvailable(keys)

	require.Equal(t, [][]types.InputKey{keys}, notified)

	next, err := mgr.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, cert.Digest(), next.Certificate.Digest())
	require.Equal(t, &expected, next.Expected)
}

func TestManager_AvailableCache(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(store, 1)

	mgr.ObjectsAvailable([]types.InputKey{types.VersionedKey(types.ObjectID{1}, 1), gasKey(1)})

	require.NoError(t, mgr.Enqueue([]types.Certificate{makeCert(1, makeRef(1, 1))}, 1))

	// The store is not asked for the keys known to be available.
	require.Equal(t, [][]types.InputKey{{}}, store.queries)

	_, err := mgr.Next(context.Background())
	require.NoError(t, err)
}

func TestManager_SharedInputs(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(store, 1)

	cert := makeCert(1)
	cert.Transaction.Data.Inputs = []types.InputObject{
		types.SharedInput(types.ObjectID{5}, 1, true),
		types.PackageInput(types.ObjectID{6}),
	}

	err := mgr.Enqueue([]types.Certificate{cert}, 1)
	require.EqualError(t, err, "failed to enqueue "+cert.Digest().String()+
		": shared object versions not assigned")

	store.shared[cert.Digest()] = []types.ObjectRef{{ID: types.ObjectID{5}, Version: 7}}
	store.add(gasKey(1), types.PackageKey(types.ObjectID{6}))

	require.NoError(t, mgr.Enqueue([]types.Certificate{cert}, 1))

	mgr.ObjectsAvailable([]types.InputKey{types.VersionedKey(types.ObjectID{5}, 6)})
	require.Equal(t, 1, len(mgr.pending))

	mgr.ObjectsAvailable([]types.InputKey{types.VersionedKey(types.ObjectID{5}, 7)})
	require.Empty(t, mgr.pending)
	require.Len(t, mgr.ready, 1)
}

func TestManager_SkipExecuted(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(store, 1)

	cert := makeCert(1)
	store.executed[cert.Digest()] = true

	require.NoError(t, mgr.Enqueue([]types.Certificate{cert}, 1))
	require.Equal(t, 0, mgr.PendingLen())
}

func TestManager_WrongEpoch(t *testing.T) {
	mgr := NewManager(newFakeStore(), 1)

	err := mgr.Enqueue([]types.Certificate{makeCert(1)}, 2)
	require.EqualError(t, err, "failed to enqueue: wrong epoch: expected 1, actual 2")
	require.True(t, xerrors.Is(err, types.ErrWrongEpoch))
}

func TestManager_StoreFailure(t *testing.T) {
	store := newFakeStore()
	store.err = fake.GetError()

	mgr := NewManager(store, 1)

	err := mgr.Enqueue([]types.Certificate{makeCert(1)}, 1)
	require.EqualError(t, err, fake.Err("failed to enqueue "+makeCert(1).Digest().String()))
}

func TestManager_CheckCapacity(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(store, 1, WithCapacity(3, 2))

	shared := makeRef(9, 1)

	// Two certificates wait on the same object.
	for i := 0; i < 2; i++ {
		cert := makeCert(uint64(i+1), shared)
		store.add(gasKey(uint64(i + 1)))

		require.NoError(t, mgr.Enqueue([]types.Certificate{cert}, 1))
	}

	err := mgr.CheckCapacity(makeCert(10, shared).Data())
	require.True(t, xerrors.Is(err, types.ErrTooManyTransactionsPendingOnObject))

	var perObject *types.PendingOnObjectError
	require.True(t, xerrors.As(err, &perObject))
	require.Equal(t, 2, perObject.Queue)

	require.NoError(t, mgr.CheckCapacity(makeCert(10).Data()))

	store.add(gasKey(3))
	require.NoError(t, mgr.Enqueue([]types.Certificate{makeCert(3)}, 1))

	err = mgr.CheckCapacity(makeCert(10).Data())
	require.True(t, xerrors.Is(err, types.ErrTooManyTransactionsPendingExecution))
	require.True(t, types.IsRetryable(err))
}

func TestManager_Reconfigure(t *testing.T) {
	logger, buf := fake.NewLogger()

	store := newFakeStore()
	mgr := NewManager(store, 1, WithLogger(logger))

	require.NoError(t, mgr.Enqueue([]types.Certificate{makeCert(1, makeRef(1, 1))}, 1))
	require.Equal(t, 1, mgr.PendingLen())

	dropped := mgr.Reconfigure(2)
	require.Equal(t, []types.Digest{makeCert(1, makeRef(1, 1)).Digest()}, dropped)
	require.Equal(t, 0, mgr.PendingLen())
	require.Equal(t, 1, buf.Count("reconfigured"))

	require.NoError(t, mgr.Enqueue([]types.Certificate{makeCert(1, makeRef(1, 1))}, 2))
}

func TestManager_ConcurrentConsumers(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(store, 1)

	const n = 20

	certs := make([]types.Certificate, n)
	for i := range certs {
		certs[i] = makeCert(uint64(i + 1))
		store.add(gasKey(uint64(i + 1)))
	}

	require.NoError(t, mgr.Enqueue(certs, 1))

	seen := make(chan types.Digest, n)
	wg := sync.WaitGroup{}
	wg.Add(4)

	for i := 0; i < 4; i++ {
		go func() {
			defer wg.Done()

			for {
				ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
				next, err := mgr.Next(ctx)
				cancel()

				if err != nil {
					return
				}

				seen <- next.Certificate.Digest()
				mgr.Abort(next.Certificate.Digest())
			}
		}()
	}

	wg.Wait()
	close(seen)

	digests := map[types.Digest]struct{}{}
	for d := range seen {
		digests[d] = struct{}{}
	}

	require.Len(t, digests, n)
}

// -----------------------------------------------------------------------------
// Utility functions

func makeRef(id byte, version types.SequenceNumber) types.ObjectRef {
	return types.ObjectRef{ID: types.ObjectID{id}, Version: version}
}

func gasKey(nonce uint64) types.InputKey {
	return types.VersionedKey(types.ObjectID{0xff, byte(nonce)}, 1)
}

func makeCert(nonce uint64, owned ...types.ObjectRef) types.Certificate {
	inputs := make([]types.InputObject, len(owned))
	for i, ref := range owned {
		inputs[i] = types.OwnedInput(ref)
	}

	return types.Certificate{
		Transaction: types.Transaction{
			Data: types.TransactionData{
				Inputs:    inputs,
				Gas:       types.ObjectRef{ID: types.ObjectID{0xff, byte(nonce)}, Version: 1},
				GasBudget: nonce,
			},
		},
		Epoch: 1,
	}
}

type fakeStore struct {
	sync.Mutex
	available map[types.InputKey]struct{}
	shared    map[types.Digest][]types.ObjectRef
	executed  map[types.Digest]bool
	queries   [][]types.InputKey
	err       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		available: make(map[types.InputKey]struct{}),
		shared:    make(map[types.Digest][]types.ObjectRef),
		executed:  make(map[types.Digest]bool),
	}
}

func (s *fakeStore) add(keys ...types.InputKey) {
	s.Lock()
	defer s.Unlock()

	for _, key := range keys {
		s.available[key] = struct{}{}
	}
}

func (s *fakeStore) MissingKeys(keys []types.InputKey) ([]types.InputKey, error) {
	s.Lock()
	defer s.Unlock()

	s.queries = append(s.queries, keys)

	var missing []types.InputKey
	for _, key := range keys {
		_, found := s.available[key]
		if !found {
			missing = append(missing, key)
		}
	}

	return missing, nil
}

func (s *fakeStore) GetSharedVersions(digest types.Digest) ([]types.ObjectRef, bool, error) {
	refs, found := s.shared[digest]
	return refs, found, nil
}

func (s *fakeStore) EffectsExists(digest types.Digest) (bool, error) {
	return s.executed[digest], s.err
}
