package surrogate

import "sync"

type shard struct {
	mu    sync.RWMutex
	byID  map[SessionID]*Surrogate
}

// Table is the 64-way sharded session table (spec.md §3, §4.6:
// "pick bucket = sid mod 64; read-locked lookup; if miss and
// connect=true, write-lock, re-check, create").
type Table struct {
	shards [NumShards]*shard
}

// NewTable builds an empty surrogate table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i] = &shard{byID: make(map[SessionID]*Surrogate)}
	}
	return t
}

// Get looks up sid's surrogate, creating one via newFn if missing and
// create is true.
func (t *Table) Get(sid SessionID, create bool, newFn func() *Surrogate) (*Surrogate, bool) {
	sh := t.shards[sid.Shard(NumShards)]

	sh.mu.RLock()
	if s, ok := sh.byID[sid]; ok {
		sh.mu.RUnlock()
		return s, true
	}
	sh.mu.RUnlock()

	if !create {
		return nil, false
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok := sh.byID[sid]; ok {
		return s, true
	}
	s := newFn()
	sh.byID[sid] = s
	return s, true
}

// Remove deletes sid's surrogate from the table (spec.md §4.6 "on close
// they are removed from the table").
func (t *Table) Remove(sid SessionID) {
	sh := t.shards[sid.Shard(NumShards)]
	sh.mu.Lock()
	delete(sh.byID, sid)
	sh.mu.Unlock()
}

// Range walks every surrogate across all shards; used by the heartbeat
// sweep (spec.md §4.8).
func (t *Table) Range(f func(*Surrogate)) {
	for _, sh := range t.shards {
		sh.mu.RLock()
		snapshot := make([]*Surrogate, 0, len(sh.byID))
		for _, s := range sh.byID {
			snapshot = append(snapshot, s)
		}
		sh.mu.RUnlock()
		for _, s := range snapshot {
			f(s)
		}
	}
}
