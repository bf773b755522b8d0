package epoch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/certexec/core/types"
	"go.dedis.ch/certexec/internal/testing/fake"
	"golang.org/x/xerrors"
)

func TestStore_ExecutionLock(t *testing.T) {
	store := NewStore(Context{Epoch: 1})

	guard := store.ExecutionLock()
	require.Equal(t, types.EpochID(1), guard.Epoch())
	require.False(t, guard.Stale())

	// Readers do not exclude each other.
	other := store.ExecutionLock()
	require.Equal(t, types.EpochID(1), other.Epoch())

	guard.Release()
	guard.Release()
	other.Release()
}

func TestStore_ReconfigureWaitsForGuards(t *testing.T) {
	logger, buf := fake.NewLogger()
	store := NewStore(Context{Epoch: 1}).WithLogger(logger)

	guard := store.ExecutionLock()

	done := make(chan error, 1)
	go func() {
		done <- store.Reconfigure(Context{Epoch: 2})
	}()

	// The next context is announced before the guards are drained.
	require.Eventually(t, guard.Stale, time.Second, time.Millisecond)
	require.Equal(t, types.EpochID(2), store.Load().Epoch)

	select {
	case <-done:
		t.Fatal("reconfiguration completed while a guard is held")
	case <-time.After(50 * time.Millisecond):
	}

	guard.Release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconfiguration did not complete")
	}

	next := store.ExecutionLock()
	defer next.Release()

	require.Equal(t, types.EpochID(2), next.Epoch())
	require.Equal(t, 1, buf.Count("reconfigured"))
}

func TestStore_ReconfigureInvalidEpoch(t *testing.T) {
	store := NewStore(Context{Epoch: 1})

	err := store.Reconfigure(Context{Epoch: 3})
	require.EqualError(t, err, "invalid next epoch 3: wrong epoch: expected 2, actual 3")
	require.True(t, xerrors.Is(err, types.ErrWrongEpoch))
	require.Equal(t, types.EpochID(1), store.Load().Epoch)
}

func TestStore_Halt(t *testing.T) {
	store := NewStore(Context{Epoch: 1})
	require.False(t, store.IsHalted())

	store.Halt()
	require.True(t, store.IsHalted())

	require.NoError(t, store.Reconfigure(Context{Epoch: 2}))
	require.False(t, store.IsHalted())
}
