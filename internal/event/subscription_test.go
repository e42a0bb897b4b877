package event

import "testing"

func newSub(ev *Event) *Subscription {
	return ev.Get("", true, func() *SubscriberList { return NewSubscriberList(DefaultShards, 2, 0) })
}

func TestSubGetCreatesOnce(t *testing.T) {
	tr := NewTrie()
	ev, _, _ := tr.Insert("/x", nil, nil, nil, false)

	s1 := newSub(ev)
	s2 := ev.Get("", true, func() *SubscriberList { return NewSubscriberList(DefaultShards, 2, 0) })
	if s1 != s2 {
		t.Fatalf("second Get must return the same Subscription")
	}
	if s1.Refs() != 2 {
		t.Fatalf("expected refs=2 after two Gets, got %d", s1.Refs())
	}
	if ev.Len() != 1 {
		t.Fatalf("expected exactly one distinct ev_extra, got %d", ev.Len())
	}
}

func TestSubUnrefRemovesAtZero(t *testing.T) {
	tr := NewTrie()
	ev, _, _ := tr.Insert("/x", nil, nil, nil, false)

	s := newSub(ev)
	s.Unref()
	if ev.Len() != 0 {
		t.Fatalf("expected subscription removed once refs hit zero")
	}

	s2 := ev.Get("", false, nil)
	if s2 != nil {
		t.Fatalf("Get with or_create=false must not resurrect a removed subscription")
	}
}

func TestSubUnrefPreservesRacedReplacement(t *testing.T) {
	tr := NewTrie()
	ev, _, _ := tr.Insert("/x", nil, nil, nil, false)

	s := newSub(ev)
	// Simulate a racing unref after a replacement has already been
	// installed under the same key: s's refs have dropped to zero, so the
	// next Get installs a fresh Subscription, and the stale
	// removeIfCurrent for s must not delete that newer entry.
	s.refs = 0
	replacement := newSub(ev)
	ev.removeIfCurrent("", s)
	if got := ev.Get("", false, nil); got != replacement {
		t.Fatalf("stale unref must not remove a replacement subscription")
	}
}

func TestSubscriberListTryAddRemoveGet(t *testing.T) {
	l := NewSubscriberList(4, 2, 0)

	idx1, ok := l.TryAdd("a")
	if !ok {
		t.Fatalf("expected TryAdd to succeed")
	}
	idx2, ok := l.TryAdd("b")
	if !ok {
		t.Fatalf("expected TryAdd to succeed")
	}

	if l.Get(idx1) != "a" || l.Get(idx2) != "b" {
		t.Fatalf("Get mismatch")
	}

	l.Remove(idx1)
	if l.Get(idx1) != nil {
		t.Fatalf("expected nil after Remove")
	}

	idx3, ok := l.TryAdd("c")
	if !ok {
		t.Fatalf("expected TryAdd to reuse the freed slot")
	}
	if l.Get(idx3) != "c" {
		t.Fatalf("Get mismatch after slot reuse")
	}
}

func TestSubscriberListMaxSizeEnforced(t *testing.T) {
	l := NewSubscriberList(2, 1, 2)

	if _, ok := l.TryAdd("a"); !ok {
		t.Fatalf("first add should succeed")
	}
	if _, ok := l.TryAdd("b"); !ok {
		t.Fatalf("second add should succeed")
	}
	if _, ok := l.TryAdd("c"); ok {
		t.Fatalf("third add must fail once max_clients is reached")
	}
}

func TestSubscriberListSnapshotExcludesRemoved(t *testing.T) {
	l := NewSubscriberList(1, 2, 0)
	idxA, _ := l.TryAdd("a")
	l.TryAdd("b")
	l.Remove(idxA)

	snap := l.Snapshot(0)
	if len(snap) != 1 || snap[0] != "b" {
		t.Fatalf("expected snapshot to contain only live entries, got %v", snap)
	}
}
