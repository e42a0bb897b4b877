package event

import (
	"sync"
	"sync/atomic"
)

// DefaultShards is the default subscriber-list shard count when the
// caller does not override it via config (`broadcast-threads`).
const DefaultShards = 8

// SubscriberList is a contention-aware sharded free-list of subscribers,
// indexed by a 32-bit slot number that stays stable for the subscriber's
// lifetime (spec.md §4.2). Each client holding a subscription is stored
// at one slot; removal frees the slot for reuse.
//
// The global slot id encodes (local index, shard) so Get/Remove can
// locate the owning shard's mutex without a second lookup:
// idx = local*numShards + shard.
type SubscriberList struct {
	numShards uint32
	shards    []*subscriberShard
	next      uint32 // round-robin shard picker for new adds
	nextMu    sync.Mutex

	maxSize int32 // 0 = unbounded; otherwise the `max-clients` bound
	size    int32 // atomic live-entry count
}

type subscriberShard struct {
	mu    sync.Mutex
	slots []any
	free  []uint32
}

// NewSubscriberList creates a list sharded for `shards`-way parallel
// broadcast fan-out, pre-sizing each shard to `minSize` (the
// `sub-min-size` config option) to avoid early reallocation.
func NewSubscriberList(shards, minSize, maxClients int) *SubscriberList {
	if shards < 1 {
		shards = DefaultShards
	}
	l := &SubscriberList{numShards: uint32(shards), shards: make([]*subscriberShard, shards), maxSize: int32(maxClients)}
	for i := range l.shards {
		l.shards[i] = &subscriberShard{slots: make([]any, 0, minSize)}
	}
	return l
}

// TryAdd inserts v and returns its stable slot index, failing once the
// list has reached its `max-clients` bound (spec.md §4.3
// client_sub_accept: "subscribers.try_add(S, C). If add fails ...").
func (l *SubscriberList) TryAdd(v any) (uint32, bool) {
	if l.maxSize > 0 {
		for {
			cur := atomic.LoadInt32(&l.size)
			if cur >= l.maxSize {
				return 0, false
			}
			if atomic.CompareAndSwapInt32(&l.size, cur, cur+1) {
				break
			}
		}
	} else {
		atomic.AddInt32(&l.size, 1)
	}

	l.nextMu.Lock()
	shardID := l.next % l.numShards
	l.next++
	l.nextMu.Unlock()

	sh := l.shards[shardID]
	sh.mu.Lock()
	var local uint32
	if n := len(sh.free); n > 0 {
		local = sh.free[n-1]
		sh.free = sh.free[:n-1]
		sh.slots[local] = v
	} else {
		local = uint32(len(sh.slots))
		sh.slots = append(sh.slots, v)
	}
	sh.mu.Unlock()
	return local*l.numShards + shardID, true
}

// Remove frees idx, making it eligible for reuse.
func (l *SubscriberList) Remove(idx uint32) {
	shardID := idx % l.numShards
	local := idx / l.numShards
	sh := l.shards[shardID]
	sh.mu.Lock()
	if int(local) >= len(sh.slots) || sh.slots[local] == nil {
		sh.mu.Unlock()
		return
	}
	sh.slots[local] = nil
	sh.free = append(sh.free, local)
	sh.mu.Unlock()
	atomic.AddInt32(&l.size, -1)
}

// Get returns the value at idx, or nil if the slot is empty.
func (l *SubscriberList) Get(idx uint32) any {
	shardID := idx % l.numShards
	local := idx / l.numShards
	sh := l.shards[shardID]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if int(local) >= len(sh.slots) {
		return nil
	}
	return sh.slots[local]
}

// NumShards reports the shard count, used by the broadcast pipeline to
// size its fan-out worker pool (spec.md §4.7).
func (l *SubscriberList) NumShards() int { return int(l.numShards) }

// Snapshot returns a copy of the occupied slots in shard i, taken under
// that shard's lock so broadcast observes a consistent set as of the
// moment it was dequeued (spec.md §8 "subscribers iterated ... snapshot").
func (l *SubscriberList) Snapshot(i int) []any {
	sh := l.shards[i]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := make([]any, 0, len(sh.slots))
	for _, v := range sh.slots {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}
