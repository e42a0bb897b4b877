package client

import (
	"testing"

	"github.com/adred-codev/qiobroker/internal/event"
)

func newTestSub(t *testing.T) *event.Subscription {
	t.Helper()
	trie := event.NewTrie()
	ev, _, ok := trie.Insert("/room", nil, nil, nil, false)
	if !ok {
		t.Fatalf("insert failed")
	}
	sub := ev.Get("", true, func() *event.SubscriberList {
		return event.NewSubscriberList(event.DefaultShards, 4, 0)
	})
	if sub == nil {
		t.Fatalf("expected subscription")
	}
	return sub
}

func TestFairnessPolicyFairnessZeroAlwaysAdmits(t *testing.T) {
	p := FairnessPolicy{MaxSubsTotal: 10, Fairness: 0, MaxClients: 5}
	if !p.Admit(9, 100) {
		t.Fatalf("fairness=0 must always admit under the total cap")
	}
	if p.Admit(10, 0) {
		t.Fatalf("total >= max must deny regardless of fairness")
	}
}

func TestFairnessPolicyUnderPressureAdmitsFreely(t *testing.T) {
	p := FairnessPolicy{MaxSubsTotal: 100, Fairness: 50, MaxClients: 10}
	// pressure = (100-50)/100*100 = 50; below it, always admit.
	if !p.Admit(10, 1000) {
		t.Fatalf("below pressure threshold must admit regardless of per-client count")
	}
}

func TestFairnessPolicyOverPressureCapsPerClient(t *testing.T) {
	p := FairnessPolicy{MaxSubsTotal: 100, Fairness: 50, MaxClients: 10}
	// maxPer = max(1,10)*((20/(0.05*50))-3) = 10*(8-3) = 50
	if !p.Admit(60, 49) {
		t.Fatalf("client under its per-client cap should be admitted")
	}
	if p.Admit(60, 50) {
		t.Fatalf("client at its per-client cap must be denied")
	}
}

func TestClientAddAcceptRemove(t *testing.T) {
	var total uint64
	c := New(1, &total)
	sub := newTestSub(t)
	policy := FairnessPolicy{MaxSubsTotal: 1000, Fairness: 0, MaxClients: 10}

	if r := c.Add(sub, policy); r != ResultCreated {
		t.Fatalf("expected ResultCreated, got %v", r)
	}
	if r := c.Add(sub, policy); r != ResultPending {
		t.Fatalf("expected ResultPending on re-add while pending, got %v", r)
	}
	if c.Active(sub) {
		t.Fatalf("must not be active before Accept")
	}

	if r := c.Accept(sub, c); r != SubActive {
		t.Fatalf("expected SubActive, got %v", r)
	}
	if !c.Active(sub) {
		t.Fatalf("must be active after Accept")
	}
	if r := c.Add(sub, policy); r != ResultActive {
		t.Fatalf("expected ResultActive on re-add once active, got %v", r)
	}

	if ok := c.Remove(sub); !ok {
		t.Fatalf("expected immediate removal of an active sub")
	}
	if c.Active(sub) {
		t.Fatalf("must not be active after Remove")
	}
}

func TestClientRemoveWhilePendingTombstones(t *testing.T) {
	var total uint64
	c := New(1, &total)
	sub := newTestSub(t)
	policy := FairnessPolicy{MaxSubsTotal: 1000, Fairness: 0, MaxClients: 10}

	c.Add(sub, policy)
	if ok := c.Remove(sub); ok {
		t.Fatalf("removing a pending sub must defer, not complete")
	}
	if r := c.Accept(sub, c); r != SubTombstoned {
		t.Fatalf("expected SubTombstoned after accept on a tombstoned pending sub, got %v", r)
	}
}

func TestClientCallbackLifecycle(t *testing.T) {
	var total uint64
	c := New(1, &total)

	var fired bool
	id := c.NewCallback(func(cc *Client, data any, clientCB uint64, json []byte) event.Status {
		fired = true
		return event.StatusOK
	}, nil, nil, 1000)
	if id == 0 {
		t.Fatalf("expected a non-zero callback id")
	}

	status, found := c.FireCallback(id, 0, nil)
	if !found {
		t.Fatalf("expected callback to be found")
	}
	if status != event.StatusOK {
		t.Fatalf("unexpected status %v", status)
	}
	if !fired {
		t.Fatalf("callback function did not run")
	}

	if _, found := c.FireCallback(id, 0, nil); found {
		t.Fatalf("callback must not be refireable once consumed")
	}
}

func TestClientCallbackNilFnRunsFreeImmediately(t *testing.T) {
	var total uint64
	c := New(1, &total)

	var freed bool
	id := c.NewCallback(nil, "data", func(any) { freed = true }, 1000)
	if id != 0 {
		t.Fatalf("nil fn must return NO_CALLBACK (0), got %d", id)
	}
	if !freed {
		t.Fatalf("free function must run immediately for a nil callback fn")
	}
}

func TestClientCallbackEvictionOnFullTable(t *testing.T) {
	var total uint64
	c := New(1, &total)

	evicted := make(map[int]bool)
	ids := make([]uint32, 0, numCBSlots)
	for i := 0; i < numCBSlots; i++ {
		idx := i
		id := c.NewCallback(func(cc *Client, data any, clientCB uint64, json []byte) event.Status {
			return event.StatusOK
		}, nil, func(any) { evicted[idx] = true }, 1000)
		ids = append(ids, id)
	}

	// fifth allocation must evict one of the four, freeing its data.
	c.NewCallback(func(cc *Client, data any, clientCB uint64, json []byte) event.Status {
		return event.StatusOK
	}, nil, func(any) {}, 1001)

	total2 := 0
	for _, v := range evicted {
		if v {
			total2++
		}
	}
	if total2 != 1 {
		t.Fatalf("expected exactly one eviction, got %d", total2)
	}
}

func TestClientCallbackPruneByAge(t *testing.T) {
	var total uint64
	c := New(1, &total)

	id := c.NewCallback(func(cc *Client, data any, clientCB uint64, json []byte) event.Status {
		return event.StatusOK
	}, nil, nil, 1000)

	c.PruneCallbacksOlderThan(5000, 1000)
	if _, found := c.FireCallback(id, 0, nil); found {
		t.Fatalf("callback older than max age must have been pruned")
	}
}
