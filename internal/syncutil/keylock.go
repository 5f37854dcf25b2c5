// Package syncutil provides per-key write serialization.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyLock is a fixed pool of channel-backed mutexes addressed by key.
// Memory stays bounded no matter how many keys are seen; two keys that
// hash to the same shard simply wait on each other.
type KeyLock struct {
	shards [shardCount]chan struct{}
}

// NewKeyLock returns a KeyLock with every shard unlocked.
func NewKeyLock() *KeyLock {
	k := &KeyLock{}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
		k.shards[i] <- struct{}{}
	}
	return k
}

// Lock acquires the lock for key or gives up when ctx is done.
// On success the returned func releases the lock and must be called exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	shard := k.shards[index(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
