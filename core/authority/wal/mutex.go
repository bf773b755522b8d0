package wal

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"
)

// defaultShards is the number of mutexes of a table. Two digests hashed to the
// same shard contend with each other, which is harmless but costs latency.
const defaultShards = 1024

// mutexTable is a fixed set of mutexes indexed by the hash of a key. Each
// mutex is a semaphore of weight one so that an acquisition can be abandoned
// when the context is done.
type mutexTable struct {
	shards []*semaphore.Weighted
}

func newMutexTable(size int) *mutexTable {
	if size <= 0 {
		size = defaultShards
	}

	shards := make([]*semaphore.Weighted, size)
	for i := range shards {
		shards[i] = semaphore.NewWeighted(1)
	}

	return &mutexTable{shards: shards}
}

// lock blocks until the mutex of the key is acquired and returns the function
// that releases it.
func (t *mutexTable) lock(ctx context.Context, key []byte) (func(), error) {
	shard := t.shards[xxhash.Sum64(key)%uint64(len(t.shards))]

	err := shard.Acquire(ctx, 1)
	if err != nil {
		return nil, err
	}

	return func() { shard.Release(1) }, nil
}
