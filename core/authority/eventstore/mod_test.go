package eventstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/certexec/core/types"
)

func TestStore_AppendAndQuery(t *testing.T) {
	store := makeStore(t)
	ctx := context.Background()

	events := []types.Event{
		{Type: "transfer", Sender: types.Address{1}, Object: types.ObjectID{2}, Payload: []byte("a")},
		{Type: "create", Sender: types.Address{1}, Object: types.ObjectID{3}},
	}

	require.NoError(t, store.Append(ctx, types.Digest{1}, 1, events))
	require.NoError(t, store.Append(ctx, types.Digest{2}, 1, events[:1]))

	// Appending twice keeps a single copy.
	require.NoError(t, store.Append(ctx, types.Digest{1}, 1, events))
	require.NoError(t, store.Append(ctx, types.Digest{3}, 1, nil))

	records, err := store.ByTransaction(ctx, types.Digest{1})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, events[0], records[0].Event)
	require.Equal(t, 1, records[1].Sequence)
	require.Equal(t, types.Digest{1}, records[1].Transaction)
	require.Equal(t, types.EpochID(1), records[1].Epoch)
	require.NotEmpty(t, records[0].ID)

	records, err = store.ByType(ctx, "transfer", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	records, err = store.ByType(ctx, "transfer", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, types.Digest{1}, records[0].Transaction)

	records, err = store.ByTransaction(ctx, types.Digest{3})
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	store, err := Open(path)
	require.NoError(t, err)

	err = store.Append(context.Background(), types.Digest{1}, 2, []types.Event{{Type: "a"}})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	records, err := store.ByTransaction(context.Background(), types.Digest{1})
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestStore_Closed(t *testing.T) {
	store := makeStore(t)
	require.NoError(t, store.Close())

	err := store.Append(context.Background(), types.Digest{1}, 1, []types.Event{{}})
	require.Error(t, err)

	_, err = store.ByTransaction(context.Background(), types.Digest{1})
	require.Error(t, err)
}

func makeStore(t *testing.T) *Store {
	store, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })

	return store
}
