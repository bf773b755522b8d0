package authority

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/certexec/core"
	"go.dedis.ch/certexec/core/authority/epoch"
	"go.dedis.ch/certexec/core/authority/wal"
	"go.dedis.ch/certexec/core/execution"
	"go.dedis.ch/certexec/core/execution/native"
	"go.dedis.ch/certexec/core/store/kv"
	"go.dedis.ch/certexec/core/types"
	"go.dedis.ch/certexec/crypto/ed25519"
	"go.dedis.ch/certexec/internal/retry"
	"go.dedis.ch/certexec/internal/testing/fake"
	"golang.org/x/xerrors"
)

var recipient = types.Address{0xbb}

func TestState_HandleTransaction(t *testing.T) {
	f := newFixture(t)
	state := f.newState(t, native.NewExecution())

	gas, obj := f.coin(1), f.coin(2)
	require.NoError(t, state.InsertGenesisObjects(gas, obj))

	tx := f.transfer(t, gas, obj)

	first, err := state.HandleTransaction(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, types.EpochID(1), first.Epoch)
	require.Equal(t, state.Name(), first.Authority)

	// Idempotent in the epoch.
	second, err := state.HandleTransaction(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, first.Signature, second.Signature)

	lock, err := state.GetTransactionLock(context.Background(), obj.Ref())
	require.NoError(t, err)
	require.NotNil(t, lock)
	require.Equal(t, tx.Digest(), lock.Digest())

	unlocked := f.coin(3)
	require.NoError(t, state.InsertGenesisObjects(unlocked))

	lock, err = state.GetTransactionLock(context.Background(), unlocked.Ref())
	require.NoError(t, err)
	require.Nil(t, lock)

	_, err = state.HandleTransaction(context.Background(), f.transfer(t, unlocked, types.Object{
		ID:      obj.ID,
		Version: 2,
		Owner:   obj.Owner,
	}))
	require.True(t, xerrors.Is(err, types.ErrObjectVersionUnavailable))

	missing := types.Object{ID: types.ObjectID{9}, Version: 1}
	_, err = state.HandleTransaction(context.Background(), f.transfer(t, unlocked, missing))
	require.True(t, xerrors.Is(err, types.ErrObjectNotFound))
}

func TestState_HandleTransaction_Invalid(t *testing.T) {
	f := newFixture(t)
	state := f.newState(t, native.NewExecution())

	gas := f.coin(1)
	foreign := types.Object{
		ID:       types.ObjectID{2},
		Version:  1,
		Owner:    types.AddressOwner(recipient),
		Contents: []byte{2},
	}
	require.NoError(t, state.InsertGenesisObjects(gas, foreign))

	_, err := state.HandleTransaction(context.Background(), f.transfer(t, gas, foreign))
	require.EqualError(t, err, "object 02000000@1 is not owned by the sender")

	tx := f.transfer(t, gas)
	tx.Signature = []byte{1}
	_, err = state.HandleTransaction(context.Background(), tx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid transaction: ")

	state.HaltAtEpochEnd()

	_, err = state.HandleTransaction(context.Background(), f.transfer(t, gas))
	require.True(t, xerrors.Is(err, types.ErrValidatorHaltedAtEpochEnd))
}

func TestState_ConflictingTransactions(t *testing.T) {
	f := newFixture(t)
	state := f.newState(t, native.NewExecution())

	gas1, gas2, obj := f.coin(1), f.coin(2), f.coin(3)
	require.NoError(t, state.InsertGenesisObjects(gas1, gas2, obj))

	txs := []types.Transaction{f.transfer(t, gas1, obj), f.transfer(t, gas2, obj)}
	signed := make([]types.SignedTransaction, len(txs))
	errs := make([]error, len(txs))

	wg := sync.WaitGroup{}
	wg.Add(len(txs))

	for i := range txs {
		go func(i int) {
			defer wg.Done()
			signed[i], errs[i] = state.HandleTransaction(context.Background(), txs[i])
		}(i)
	}

	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner)
			winner = i
		} else {
			require.True(t, xerrors.Is(err, types.ErrObjectLockConflict))
		}
	}

	require.NotEqual(t, -1, winner)
	loser := txs[1-winner]

	lock, err := state.GetTransactionLock(context.Background(), obj.Ref())
	require.NoError(t, err)
	require.Equal(t, txs[winner].Digest(), lock.Digest())

	cert := f.certify(t, txs[winner], 1)

	effects, err := state.ExecuteCertificate(context.Background(), cert)
	require.NoError(t, err)
	require.True(t, effects.Effects.Status.Success)

	latest, err := state.GetObject(obj.ID)
	require.NoError(t, err)
	require.Equal(t, types.SequenceNumber(2), latest.Version)
	require.Equal(t, types.AddressOwner(recipient), latest.Owner)

	// The consumed version can no longer be locked by the loser.
	_, err = state.GetTransactionLock(context.Background(), obj.Ref())
	require.True(t, xerrors.Is(err, types.ErrObjectVersionUnavailable))

	_, err = state.HandleTransaction(context.Background(), loser)
	require.True(t, xerrors.Is(err, types.ErrObjectVersionUnavailable))
}

func TestState_GetTransactionLock_NotVisible(t *testing.T) {
	f := newFixture(t)
	state := f.newState(t, native.NewExecution(), WithLockBackoff(retry.Backoff{
		Initial:  time.Millisecond,
		Factor:   2,
		Attempts: 3,
	}))

	obj := f.coin(1)
	require.NoError(t, state.InsertGenesisObjects(obj))

	// The lock is written without the signed transaction that holds it.
	require.NoError(t, state.Store().Locks().AcquireLocks(1, []types.ObjectRef{obj.Ref()},
		types.Digest{0xaa}))

	_, err := state.GetTransactionLock(context.Background(), obj.Ref())
	require.EqualError(t, err, fmt.Sprintf("failed to read lock of %v: after 3 attempts: %v",
		obj.Ref(), errLockNotVisible))
	require.True(t, xerrors.Is(err, errLockNotVisible))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = state.GetTransactionLock(ctx, obj.Ref())
	require.True(t, xerrors.Is(err, context.Canceled))
}

func TestState_ExecuteCertificate(t *testing.T) {
	f := newFixture(t)
	state := f.newState(t, native.NewExecution())

	gas, obj := f.coin(1), f.coin(2)
	require.NoError(t, state.InsertGenesisObjects(gas, obj))

	cert := f.certify(t, f.transfer(t, gas, obj), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	effects, err := state.ExecuteCertificate(ctx, cert)
	require.NoError(t, err)
	require.True(t, effects.Effects.Status.Success)
	require.Equal(t, cert.Digest(), effects.Effects.Transaction)
	require.NoError(t, effects.Verify(ed25519.NewVerifier()))

	again, err := state.ExecuteCertificate(ctx, cert)
	require.NoError(t, err)
	require.Equal(t, effects.Effects.Digest(), again.Effects.Digest())

	entries, err := state.WAL().Entries()
	require.NoError(t, err)
	require.Empty(t, entries)

	digests, err := state.Store().TransactionsBySender(f.owner)
	require.NoError(t, err)
	require.Equal(t, []types.Digest{cert.Digest()}, digests)

	// The next transaction consumes the new version of the gas object.
	next, err := state.GetObject(gas.ID)
	require.NoError(t, err)

	created := f.create(t, next)
	effects, err = state.ExecuteCertificate(ctx, f.certify(t, created, 1))
	require.NoError(t, err)
	require.Len(t, effects.Effects.Created, 1)
	require.Equal(t, []types.Digest{cert.Digest()}, effects.Effects.Dependencies)
}

func TestState_ExecuteCertificate_SharedInputs(t *testing.T) {
	f := newFixture(t)
	state := f.newState(t, native.NewExecution())

	gas1, gas2 := f.coin(1), f.coin(2)
	counter := types.Object{
		ID:      types.ObjectID{7},
		Version: 1,
		Owner:   types.SharedOwner(1),
	}
	require.NoError(t, state.InsertGenesisObjects(gas1, gas2, counter))

	first := f.certify(t, f.increment(t, gas1, counter.ID), 1)
	second := f.certify(t, f.increment(t, gas2, counter.ID), 1)

	_, err := state.ExecuteCertificate(context.Background(), first)
	require.Error(t, err)
	require.Contains(t, err.Error(), "shared object versions not assigned")

	require.NoError(t, state.Store().AssignSharedVersions(first.Digest(),
		[]types.ObjectRef{counter.Ref()}))
	require.NoError(t, state.Store().AssignSharedVersions(second.Digest(),
		[]types.ObjectRef{{ID: counter.ID, Version: 2}}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The second certificate waits for the version written by the first one.
	done := make(chan error, 1)
	go func() {
		_, err := state.ExecuteCertificate(ctx, second)
		done <- err
	}()

	_, err = state.ExecuteCertificate(ctx, first)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("timeout")
	}

	obj, err := state.GetObject(counter.ID)
	require.NoError(t, err)
	require.Equal(t, types.SequenceNumber(3), obj.Version)
	require.Equal(t, native.EncodeCoin(2), obj.Contents)
}

func TestState_ExecuteCertificate_Invalid(t *testing.T) {
	f := newFixture(t)
	state := f.newState(t, native.NewExecution())

	gas := f.coin(1)
	require.NoError(t, state.InsertGenesisObjects(gas))

	tx := f.transfer(t, gas)

	_, err := state.ExecuteCertificate(context.Background(), f.certify(t, tx, 2))
	require.True(t, xerrors.Is(err, types.ErrWrongEpoch))

	cert := f.certify(t, tx, 1)
	cert.Signatures = cert.Signatures[:1]

	_, err = state.ExecuteCertificate(context.Background(), cert)
	require.EqualError(t, err, "invalid certificate: not enough signatures: 1 < 3")
}

func TestState_ExactlyOnce(t *testing.T) {
	f := newFixture(t)
	executor := &countingExecution{Service: native.NewExecution()}
	state := f.newState(t, executor)

	gas, obj := f.coin(1), f.coin(2)
	require.NoError(t, state.InsertGenesisObjects(gas, obj))

	cert := f.certify(t, f.transfer(t, gas, obj), 1)

	const n = 10

	results := make([]types.SignedEffects, n)
	errs := make([]error, n)

	wg := sync.WaitGroup{}
	wg.Add(n)

	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()

			if i%2 == 0 {
				results[i], errs[i] = state.ExecuteCertificate(context.Background(), cert)
			} else {
				results[i], errs[i] = state.TryExecuteImmediately(context.Background(), cert, nil,
					state.Epochs().Load())
			}
		}(i)
	}

	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].Effects.Digest(), results[i].Effects.Digest())
	}

	require.Equal(t, int32(1), executor.count.Load())
}

func TestState_NotifyAfterCommit(t *testing.T) {
	f := newFixture(t)
	state := f.newState(t, native.NewExecution())

	gas, obj := f.coin(1), f.coin(2)
	require.NoError(t, state.InsertGenesisObjects(gas, obj))

	cert := f.certify(t, f.transfer(t, gas, obj), 1)

	durable := make(chan bool, 1)
	remove := state.TxManager().Watch(core.ObserverFunc[[]types.InputKey](func([]types.InputKey) {
		exists, err := state.Store().EffectsExists(cert.Digest())

		select {
		case durable <- exists && err == nil:
		default:
		}
	}))
	defer remove()

	_, err := state.TryExecuteImmediately(context.Background(), cert, nil, state.Epochs().Load())
	require.NoError(t, err)

	require.True(t, <-durable)
}

func TestState_ReplayFromLog(t *testing.T) {
	f := newFixture(t)
	executor := &countingExecution{Service: native.NewExecution()}
	state := f.newState(t, executor)

	gas, obj := f.coin(1), f.coin(2)
	require.NoError(t, state.InsertGenesisObjects(gas, obj))

	cert := f.certify(t, f.transfer(t, gas, obj), 1)
	epochCtx := state.Epochs().Load()

	// The process crashes after the output is logged and before it is
	// committed.
	guard, err := state.WAL().AcquireTxGuard(context.Background(), cert)
	require.NoError(t, err)

	output, err := state.prepareCertificate(context.Background(), cert, epochCtx)
	require.NoError(t, err)
	require.NoError(t, state.WAL().WriteExecutionOutput(cert.Digest(), output))
	require.Equal(t, int32(1), executor.count.Load())

	restarted := f.newState(t, executor)

	n, err := restarted.ProcessTxRecoveryLog(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int32(1), executor.count.Load())

	effects, found, err := restarted.GetSignedEffects(cert.Digest())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, output.Effects.Digest(), effects.Effects.Digest())

	entries, err := restarted.WAL().Entries()
	require.NoError(t, err)
	require.Empty(t, entries)

	// The guard of the crashed process is stale and does not touch the log.
	guard.Release()

	n, err = restarted.ProcessTxRecoveryLog(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestState_RetryLimit(t *testing.T) {
	f := newFixture(t)
	executor := &countingExecution{err: xerrors.New("oops")}

	logger, buf := fake.NewLogger()
	state := f.newState(t, executor, WithLogger(logger))

	gas, obj := f.coin(1), f.coin(2)
	require.NoError(t, state.InsertGenesisObjects(gas, obj))

	cert := f.certify(t, f.transfer(t, gas, obj), 1)

	_, err := state.TryExecuteImmediately(context.Background(), cert, nil, state.Epochs().Load())
	require.EqualError(t, err, "failed to execute: oops")

	n, err := state.ProcessTxRecoveryLog(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.Equal(t, int32(wal.MaxTxRecoveryRetry), executor.count.Load())
	require.Equal(t, 1, buf.Count("Abandoning in-progress TX after retries"))

	entries, err := state.WAL().Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, wal.Abandoned, entries[0].State)

	_, err = state.TryExecuteImmediately(context.Background(), cert, nil, state.Epochs().Load())
	require.True(t, xerrors.Is(err, types.ErrTooManyRetries))

	// Once re-armed, the certificate is recovered with the fixed engine.
	executor.fix(native.NewExecution())
	require.NoError(t, state.WAL().Retry(context.Background(), cert.Digest()))

	n, err = state.ProcessTxRecoveryLog(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	exists, err := state.Store().EffectsExists(cert.Digest())
	require.NoError(t, err)
	require.True(t, exists)
}

func TestState_EpochFencing(t *testing.T) {
	f := newFixture(t)

	reconfigured := make(chan error, 1)

	executor := &countingExecution{Service: native.NewExecution()}
	executor.before = func() {
		go func() {
			reconfigured <- f.epochs.Reconfigure(f.nextEpoch())
		}()

		for f.epochs.Load().Epoch == 1 {
			time.Sleep(time.Millisecond)
		}
	}

	state := f.newState(t, executor)

	gas, obj := f.coin(1), f.coin(2)
	require.NoError(t, state.InsertGenesisObjects(gas, obj))

	cert := f.certify(t, f.transfer(t, gas, obj), 1)

	_, err := state.TryExecuteImmediately(context.Background(), cert, nil, state.Epochs().Load())
	require.True(t, xerrors.Is(err, types.ErrWrongEpoch))

	require.NoError(t, <-reconfigured)

	exists, err := state.Store().EffectsExists(cert.Digest())
	require.NoError(t, err)
	require.False(t, exists)

	output, err := state.WAL().GetExecutionOutput(cert.Digest())
	require.NoError(t, err)
	require.Nil(t, output)

	// The guard of the previous epoch is refused.
	_, err = state.TryExecuteImmediately(context.Background(), cert, nil, &epoch.Context{Epoch: 1})
	require.True(t, xerrors.Is(err, types.ErrWrongEpoch))
}

func TestState_EffectsMismatch(t *testing.T) {
	f := newFixture(t)
	state := f.newState(t, native.NewExecution())

	gas, obj := f.coin(1), f.coin(2)
	require.NoError(t, state.InsertGenesisObjects(gas, obj))

	cert := f.certify(t, f.transfer(t, gas, obj), 1)
	expected := types.Digest{1}

	require.PanicsWithError(t, (&types.FatalError{
		Transaction: cert.Digest(),
		Reason:      "computed effects do not match the certified effects",
	}).Error(), func() {
		state.TryExecuteImmediately(context.Background(), cert, &expected, state.Epochs().Load())
	})

	exists, err := state.Store().EffectsExists(cert.Digest())
	require.NoError(t, err)
	require.False(t, exists)
}

func TestState_Reconfigure(t *testing.T) {
	f := newFixture(t)
	state := f.newState(t, native.NewExecution())

	gas, obj := f.coin(1), f.coin(2)
	require.NoError(t, state.InsertGenesisObjects(gas, obj))

	cert := f.certify(t, f.transfer(t, gas, obj), 1)

	effects, err := state.ExecuteCertificate(context.Background(), cert)
	require.NoError(t, err)
	require.Equal(t, types.EpochID(1), effects.Epoch)

	next := f.nextEpoch()

	state.HaltAtEpochEnd()
	require.NoError(t, state.Reconfigure(context.Background(), next))
	require.False(t, state.Epochs().IsHalted())

	resigned, found, err := state.GetSignedEffects(cert.Digest())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.EpochID(2), resigned.Epoch)
	require.Equal(t, effects.Effects.Digest(), resigned.Effects.Digest())
	require.NoError(t, resigned.Verify(ed25519.NewVerifier()))

	err = state.Reconfigure(context.Background(), next)
	require.Error(t, err)
	require.True(t, xerrors.Is(err, types.ErrWrongEpoch))
}

func TestState_DriverReleasesCommittedDuplicate(t *testing.T) {
	f := newFixture(t)
	state := f.newState(t, native.NewExecution(), WithDriverConcurrency(1))

	gas1, obj, gas2 := f.coin(1), f.coin(2), f.coin(3)
	require.NoError(t, state.InsertGenesisObjects(gas1, obj, gas2))

	first := f.certify(t, f.transfer(t, gas1, obj), 1)
	second := f.certify(t, f.create(t, gas2), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The only slot of the driver waits for the guard of the first
	// certificate, so the second one stays ready in the manager.
	guard, err := state.WAL().AcquireTxGuard(ctx, first)
	require.NoError(t, err)

	require.NoError(t, state.TxManager().Enqueue([]types.Certificate{first}, 1))
	require.NoError(t, state.TxManager().Enqueue([]types.Certificate{second}, 1))

	_, err = state.TryExecuteImmediately(ctx, second, nil, state.Epochs().Load())
	require.NoError(t, err)

	guard.Release()

	require.Eventually(t, func() bool {
		return state.TxManager().PendingLen() == 0
	}, 5*time.Second, 5*time.Millisecond)

	exists, err := state.Store().EffectsExists(first.Digest())
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, state.TxManager().CheckCapacity(second.Data()))
}

func TestState_Reconfigure_FailsWaiters(t *testing.T) {
	f := newFixture(t)
	state := f.newState(t, native.NewExecution())

	gas := f.coin(1)
	require.NoError(t, state.InsertGenesisObjects(gas))

	// The input version does not exist yet, so the certificate waits in the
	// manager.
	future := types.Object{ID: types.ObjectID{2}, Version: 5, Owner: types.AddressOwner(f.owner)}
	cert := f.certify(t, f.transfer(t, gas, future), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := state.ExecuteCertificate(ctx, cert)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return state.TxManager().PendingLen() == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, state.Reconfigure(ctx, f.nextEpoch()))

	select {
	case err := <-done:
		require.True(t, xerrors.Is(err, types.ErrWrongEpoch))

		var wrong *types.WrongEpochError
		require.True(t, xerrors.As(err, &wrong))
		require.Equal(t, types.EpochID(2), wrong.Expected)
		require.Equal(t, types.EpochID(1), wrong.Actual)
	case <-ctx.Done():
		t.Fatal("waiter not notified")
	}

	require.Equal(t, 0, state.TxManager().PendingLen())
}

func TestState_DriverStops(t *testing.T) {
	f := newFixture(t)
	state := f.newState(t, native.NewExecution())

	gas, obj := f.coin(1), f.coin(2)
	require.NoError(t, state.InsertGenesisObjects(gas, obj))

	state.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := state.ExecuteCertificate(ctx, f.certify(t, f.transfer(t, gas, obj), 1))
	require.Equal(t, context.DeadlineExceeded, err)
}

// -----------------------------------------------------------------------------
// Utility functions

type fixture struct {
	db        kv.DB
	signers   []ed25519.Signer
	committee types.Committee
	sender    ed25519.Signer
	owner     types.Address
	epochs    *epoch.Store
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		sender:    ed25519.NewSigner(),
		committee: types.Committee{Epoch: 1},
	}

	f.owner = types.AddressOf(f.sender.GetPublicKey())

	for i := 0; i < 4; i++ {
		signer := ed25519.NewSigner()
		f.signers = append(f.signers, signer)
		f.committee.Members = append(f.committee.Members, signer.GetPublicKey())
	}

	db, err := kv.NewBolt(filepath.Join(t.TempDir(), "authority.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	f.db = db
	f.epochs = epoch.NewStore(epoch.Context{
		Epoch:     1,
		Committee: f.committee,
		Protocol:  types.DefaultProtocolConfig(),
	})

	return f
}

func (f *fixture) newState(t *testing.T, executor execution.Service, opts ...Option) *State {
	logger, _ := fake.NewLogger()

	opts = append([]Option{WithLogger(logger)}, opts...)

	state, err := NewState(f.signers[0], ed25519.NewVerifier(), f.db, f.epochs, executor, opts...)
	require.NoError(t, err)

	t.Cleanup(state.Close)

	return state
}

func (f *fixture) nextEpoch() epoch.Context {
	current := f.epochs.Load()

	committee := f.committee
	committee.Epoch = current.Epoch + 1

	return epoch.Context{
		Epoch:     current.Epoch + 1,
		Committee: committee,
		Protocol:  current.Protocol,
	}
}

func (f *fixture) coin(id byte) types.Object {
	return types.Object{
		ID:       types.ObjectID{id},
		Version:  1,
		Owner:    types.AddressOwner(f.owner),
		Contents: native.EncodeCoin(1_000_000),
	}
}

func (f *fixture) transfer(t *testing.T, gas types.Object, objs ...types.Object) types.Transaction {
	data := types.TransactionData{
		Sender:    f.owner,
		Gas:       gas.Ref(),
		GasBudget: 10_000,
		Call: types.Call{
			Contract: native.TransferContract,
			Args:     [][]byte{recipient[:]},
		},
	}

	for _, obj := range objs {
		data.Inputs = append(data.Inputs, types.OwnedInput(obj.Ref()))
	}

	tx, err := types.NewTransaction(data, f.sender)
	require.NoError(t, err)

	return tx
}

func (f *fixture) create(t *testing.T, gas types.Object) types.Transaction {
	data := types.TransactionData{
		Sender:    f.owner,
		Gas:       gas.Ref(),
		GasBudget: 10_000,
		Call: types.Call{
			Contract: native.CreateContract,
			Args:     [][]byte{[]byte("hello")},
		},
	}

	tx, err := types.NewTransaction(data, f.sender)
	require.NoError(t, err)

	return tx
}

func (f *fixture) increment(t *testing.T, gas types.Object, counter types.ObjectID) types.Transaction {
	data := types.TransactionData{
		Sender:    f.owner,
		Inputs:    []types.InputObject{types.SharedInput(counter, 1, true)},
		Gas:       gas.Ref(),
		GasBudget: 10_000,
		Call:      types.Call{Contract: native.IncrementContract},
	}

	tx, err := types.NewTransaction(data, f.sender)
	require.NoError(t, err)

	return tx
}

func (f *fixture) certify(t *testing.T, tx types.Transaction, epoch types.EpochID) types.Certificate {
	var signed []types.SignedTransaction

	for _, signer := range f.signers[:3] {
		st, err := types.NewSignedTransaction(tx, epoch, signer)
		require.NoError(t, err)

		signed = append(signed, st)
	}

	cert, err := types.NewCertificate(signed...)
	require.NoError(t, err)

	return cert
}

// countingExecution counts the executions and fails with err until an engine
// is set.
type countingExecution struct {
	sync.Mutex
	execution.Service

	count  atomic.Int32
	err    error
	before func()
	once   sync.Once
}

func (e *countingExecution) fix(srvc execution.Service) {
	e.Lock()
	e.Service = srvc
	e.err = nil
	e.Unlock()
}

func (e *countingExecution) Execute(in execution.Input) (types.ExecutionOutput, error) {
	e.count.Add(1)

	if e.before != nil {
		e.once.Do(e.before)
	}

	e.Lock()
	srvc, err := e.Service, e.err
	e.Unlock()

	if err != nil {
		return types.ExecutionOutput{}, err
	}

	return srvc.Execute(in)
}
