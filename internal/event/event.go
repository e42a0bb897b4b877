// Package event implements the event trie (spec.md §4.1, L1) and the
// per-event subscription table (§4.2, L2). Both live in one package
// because an Event owns its subs map directly — splitting them would
// only add an import-cycle-avoidance interface with no real boundary.
package event

import "sync"

// Client is the minimal surface the event/subscription layer needs from
// a connected client. Kept abstract here so this package never imports
// package client (which imports this one for *Subscription).
type Client interface {
	ID() int64
}

// Status is the outcome a handler hook reports back to the router.
type Status int

const (
	StatusOK Status = iota
	StatusErr
	StatusHandled // handler already replied; router must not ack again
)

// HandlerFunc answers an inbound event routed to this Event (§4.9 route).
type HandlerFunc func(c Client, extra string, clientCB uint64, json []byte) Status

// SubscribeInfo is passed to an Event's on-subscribe hook. The
// subscription's pending clientSub entry is already registered by the
// time the hook runs, so a concurrent second `on` for the same (client,
// extra) sees it as pending rather than re-entering the hook.
type SubscribeInfo struct {
	Client   Client
	Event    *Event
	Extra    string
	ClientCB uint64

	// Complete finishes a subscription whose hook returned StatusHandled
	// (spec.md §3, §8 Scenario 3: the hook may need to check an external
	// authority before admitting the subscriber). It must be called
	// exactly once, from any goroutine, with ok reporting whether the
	// subscribe is admitted. When the hook returns StatusOK/StatusErr
	// directly, the router completes the subscription itself, and a
	// Complete call from such a hook completes it a second time.
	Complete func(ok bool)
}

// SubscribeFunc runs before a subscribe is admitted (§4.9 `on`). Most
// hooks decide synchronously and return StatusOK or StatusErr. A hook
// that must consult something asynchronous instead returns
// StatusHandled and calls info.Complete later, once it knows the
// outcome.
type SubscribeFunc func(info *SubscribeInfo) Status

// UnsubscribeFunc runs after a subscription is actually removed (§4.9 `off`).
type UnsubscribeFunc func(c Client, extra string)

// Event is a node in the trie carrying an installed handler set
// (spec.md §3). Events are created only through Trie.Insert and live
// until process shutdown; they are never freed.
type Event struct {
	Path            string
	OnRequest       HandlerFunc
	OnSubscribe     SubscribeFunc
	OnUnsubscribe   UnsubscribeFunc
	HandlesChildren bool

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// Get resolves the Subscription for ev+extra, creating one with refs=1
// if orCreate is set and none exists (or the existing one's refs raced
// to zero). Mirrors spec.md §4.2 sub_get.
func (ev *Event) Get(extra string, orCreate bool, newSubscriberList func() *SubscriberList) *Subscription {
	ev.mu.RLock()
	if s, ok := ev.subs[extra]; ok && s.tryRef() {
		ev.mu.RUnlock()
		return s
	}
	ev.mu.RUnlock()

	if !orCreate {
		return nil
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if s, ok := ev.subs[extra]; ok && s.tryRef() {
		return s
	}
	s := &Subscription{
		event:       ev,
		extra:       extra,
		refs:        1,
		subscribers: newSubscriberList(),
	}
	if ev.subs == nil {
		ev.subs = make(map[string]*Subscription)
	}
	ev.subs[extra] = s
	return s
}

// removeIfCurrent deletes the subs[extra] entry only if it still points
// at s, preserving a concurrently-installed replacement (§4.2 sub_unref
// race-safety: "only remove the map entry if it still points at S").
func (ev *Event) removeIfCurrent(extra string, s *Subscription) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if cur, ok := ev.subs[extra]; ok && cur == s {
		delete(ev.subs, extra)
	}
}

// Len reports the number of distinct ev_extra subscriptions currently
// live on this event; used by tests asserting sub_get/sub_unref
// round-trips leave |E.subs| unchanged.
func (ev *Event) Len() int {
	ev.mu.RLock()
	defer ev.mu.RUnlock()
	return len(ev.subs)
}
