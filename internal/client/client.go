// Package client implements per-client subscription bookkeeping (spec.md
// §4.3, L3) and the bounded callback-slot table (§4.4, L4).
package client

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/qiobroker/internal/event"
)

// AddResult is the outcome of Add.
type AddResult int

const (
	ResultCreated AddResult = iota
	ResultPending
	ResultActive
	ResultDenied // fairness policy refused admission
)

// SubResult is the outcome of Accept.
type SubResult int

const (
	SubActive SubResult = iota
	SubTombstoned
	SubDenied
)

type clientSub struct {
	sub       *event.Subscription
	slot      uint32
	pending   bool
	tombstone bool
}

// FairnessPolicy parameterizes admission of new subscriptions (spec.md
// §4.3). Total is the live count across all clients (`subs.total`);
// MaxClients is the configured client cap.
type FairnessPolicy struct {
	MaxSubsTotal uint64
	Fairness     float64 // percent, 0-100
	MaxClients   uint64
}

// Admit reports whether a new subscription for one more client-held slot
// may be created, given the current global total and this client's own
// count. The arithmetic is performed in floating point then truncated,
// and fairness==0 is checked before any division (spec.md §9 open
// question, resolved per the upstream C source's branch order).
func (p FairnessPolicy) Admit(total uint64, clientUsed int) bool {
	if total >= p.MaxSubsTotal {
		return false
	}
	if p.Fairness == 0 {
		return true
	}

	pressure := ((100 - p.Fairness) / 100.0) * float64(p.MaxSubsTotal)
	if float64(total) < pressure {
		return true
	}

	maxClients := p.MaxClients
	if maxClients == 0 {
		maxClients = 1
	}
	perClient := float64(p.MaxSubsTotal) / float64(maxClients)
	if perClient < 1 {
		perClient = 1
	}
	maxPer := perClient * ((20.0 / (0.05 * p.Fairness)) - 3)
	return int(maxPer) > clientUsed
}

const numCBSlots = 4

type callbackSlot struct {
	id        uint16
	fn        CallbackFunc
	data      any
	free      func(any)
	filled    bool
	createdAt int64 // unix nano
}

// CallbackFunc is invoked when a server-issued callback fires (spec.md
// §4.4 client_cb_fire).
type CallbackFunc func(c *Client, data any, clientCB uint64, json []byte) event.Status

// Client holds one connected client's subscription and callback state
// (spec.md §3 "Client (C)"). The zero value is not usable; use New.
type Client struct {
	id int64

	mu       sync.Mutex
	subs     map[*event.Subscription]*clientSub
	subTotal *uint64 // shared, process-wide subs.total counter

	cbs     [numCBSlots]callbackSlot
	cbCtr   uint16
	cbMu    sync.Mutex

	lastSend int64 // unix nano, atomic
	lastRecv int64 // unix nano, atomic
}

// New creates a Client. subTotal must point at the process-wide live
// subscription counter shared across all clients for the fairness gate.
func New(id int64, subTotal *uint64) *Client {
	return &Client{id: id, subTotal: subTotal}
}

func (c *Client) ID() int64 { return c.id }

func (c *Client) LastSend() int64    { return atomic.LoadInt64(&c.lastSend) }
func (c *Client) LastRecv() int64    { return atomic.LoadInt64(&c.lastRecv) }
func (c *Client) TouchSend(now int64) { atomic.StoreInt64(&c.lastSend, now) }
func (c *Client) TouchRecv(now int64) { atomic.StoreInt64(&c.lastRecv, now) }

// Add registers a new pending client-sub for sub, subject to the
// fairness policy (spec.md §4.3 client_sub_add). The caller must already
// hold a ref on sub (event.Event.Get increments it); on ResultDenied the
// caller is responsible for calling sub.Unref().
func (c *Client) Add(sub *event.Subscription, policy FairnessPolicy) AddResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subs != nil {
		if existing, ok := c.subs[sub]; ok {
			if existing.pending {
				return ResultPending
			}
			return ResultActive
		}
	}

	total := atomic.LoadUint64(c.subTotal)
	if !policy.Admit(total, len(c.subs)) {
		return ResultDenied
	}

	if c.subs == nil {
		c.subs = make(map[*event.Subscription]*clientSub)
	}
	c.subs[sub] = &clientSub{sub: sub, pending: true}
	atomic.AddUint64(c.subTotal, 1)
	return ResultCreated
}

// Accept completes a pending subscription once the on-subscribe hook has
// run, placing subscriber into the subscription's subscriber list
// (spec.md §4.3 client_sub_accept). subscriber is the connection object
// the broadcast pipeline will write frames to (it implements
// broadcast.Subscriber); the bookkeeping Client itself is never the
// subscriber list entry.
func (c *Client) Accept(sub *event.Subscription, subscriber any) SubResult {
	slot, ok := sub.Subscribers().TryAdd(subscriber)
	if !ok {
		c.cleanupDenied(sub)
		return SubDenied
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.subs[sub]
	if !ok {
		sub.Subscribers().Remove(slot)
		return SubDenied
	}
	cs.slot = slot
	cs.pending = false
	if cs.tombstone {
		c.removeLocked(sub, cs)
		return SubTombstoned
	}
	return SubActive
}

func (c *Client) cleanupDenied(sub *event.Subscription) {
	c.mu.Lock()
	if _, ok := c.subs[sub]; ok {
		atomic.AddUint64(c.subTotal, ^uint64(0))
	}
	delete(c.subs, sub)
	if len(c.subs) == 0 {
		c.subs = nil
	}
	c.mu.Unlock()
	sub.Unref()
}

// Reject unconditionally tears down a pending entry (spec.md §4.3
// client_sub_reject), e.g. when the on-subscribe hook itself errors.
func (c *Client) Reject(sub *event.Subscription) {
	c.mu.Lock()
	if _, ok := c.subs[sub]; ok {
		atomic.AddUint64(c.subTotal, ^uint64(0))
	}
	delete(c.subs, sub)
	if len(c.subs) == 0 {
		c.subs = nil
	}
	c.mu.Unlock()
	sub.Unref()
}

// Remove tears down an active (or still-pending) client-sub (spec.md
// §4.3 client_sub_remove). Returns false if removal was deferred because
// the entry is still pending (tombstoned instead; Accept completes the
// teardown later); true if the entry was removed now or was not present.
func (c *Client) Remove(sub *event.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, ok := c.subs[sub]
	if !ok {
		return true
	}
	if cs.pending {
		cs.tombstone = true
		return false
	}
	c.removeLocked(sub, cs)
	return true
}

// removeLocked assumes c.mu is held.
func (c *Client) removeLocked(sub *event.Subscription, cs *clientSub) {
	delete(c.subs, sub)
	if len(c.subs) == 0 {
		c.subs = nil
	}
	sub.Subscribers().Remove(cs.slot)
	atomic.AddUint64(c.subTotal, ^uint64(0)) // -1
	sub.Unref()
}

// Active reports whether sub is live and neither pending nor tombstoned
// (spec.md §4.3 client_sub_active).
func (c *Client) Active(sub *event.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.subs[sub]
	return ok && !cs.pending && !cs.tombstone
}

// RemoveAll tears down every client-sub, used on disconnect.
func (c *Client) RemoveAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for sub, cs := range subs {
		if !cs.pending {
			sub.Subscribers().Remove(cs.slot)
		}
		atomic.AddUint64(c.subTotal, ^uint64(0))
		sub.Unref()
	}
}

// NewCallback allocates a callback slot (spec.md §4.4 client_cb_new). If
// fn is nil, freeFn(data) runs immediately and 0 (no callback) is
// returned.
func (c *Client) NewCallback(fn CallbackFunc, data any, freeFn func(any), now int64) uint32 {
	if fn == nil {
		if freeFn != nil {
			freeFn(data)
		}
		return 0
	}

	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	slot := -1
	for i := range c.cbs {
		if !c.cbs[i].filled {
			slot = i
			break
		}
	}
	if slot == -1 {
		slot = rand.Intn(numCBSlots)
		c.freeSlotLocked(slot)
	}

	c.cbCtr++
	if c.cbCtr == 0 {
		c.cbCtr = 1
	}

	c.cbs[slot] = callbackSlot{id: c.cbCtr, fn: fn, data: data, free: freeFn, filled: true, createdAt: now}
	return uint32(slot)<<16 | uint32(c.cbCtr)
}

func (c *Client) freeSlotLocked(i int) {
	s := c.cbs[i]
	if s.filled && s.free != nil {
		s.free(s.data)
	}
	c.cbs[i] = callbackSlot{}
}

// FireCallback runs the callback identified by serverCB (spec.md §4.4
// client_cb_fire), returning (status, found). If not found, the caller
// must report CODE_NOT_FOUND to clientCB itself.
func (c *Client) FireCallback(serverCB uint32, clientCB uint64, json []byte) (event.Status, bool) {
	slot := serverCB >> 16
	id := uint16(serverCB & 0xffff)

	if int(slot) >= numCBSlots {
		return event.StatusErr, false
	}

	c.cbMu.Lock()
	s := c.cbs[slot]
	var found bool
	if s.filled && s.id == id {
		c.cbs[slot] = callbackSlot{}
		found = true
	}
	c.cbMu.Unlock()

	if !found {
		return event.StatusErr, false
	}

	status := s.fn(c, s.data, clientCB, json)
	if s.free != nil {
		s.free(s.data)
	}
	return status, true
}

// PruneCallbacksOlderThan drops any filled slot whose age exceeds maxAge,
// running its free function (spec.md §4.8 age pruning, driven by
// internal/heartbeat's timer sweep).
func (c *Client) PruneCallbacksOlderThan(now, maxAge int64) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	for i := range c.cbs {
		if c.cbs[i].filled && now-c.cbs[i].createdAt > maxAge {
			c.freeSlotLocked(i)
		}
	}
}

func (c *Client) RemoveAllCallbacks() {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	for i := range c.cbs {
		c.freeSlotLocked(i)
	}
}
