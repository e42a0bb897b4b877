package event

import "sync/atomic"

// Subscription identifies one concrete broadcast target: an event plus an
// optional suffix (spec.md §3 "Subscription (S)"). Lifecycle is
// reference-counted; it is removed from its event's subs map only when
// refs drops to zero and no race has installed a replacement.
type Subscription struct {
	event       *Event
	extra       string
	refs        int32
	subscribers *SubscriberList
}

func (s *Subscription) Event() *Event   { return s.event }
func (s *Subscription) Extra() string   { return s.extra }
func (s *Subscription) Refs() int32     { return atomic.LoadInt32(&s.refs) }
func (s *Subscription) Subscribers() *SubscriberList { return s.subscribers }

// tryRef increments refs only if it was non-zero, per §4.2 sub_get's
// "atomically incremented from non-zero" read path.
func (s *Subscription) tryRef() bool {
	for {
		cur := atomic.LoadInt32(&s.refs)
		if cur == 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&s.refs, cur, cur+1) {
			return true
		}
	}
}

// Ref unconditionally increments refs (§4.2 sub_ref). Used by every
// concurrent holder: pending broadcasts and every subscribed client.
func (s *Subscription) Ref() {
	atomic.AddInt32(&s.refs, 1)
}

// Unref decrements refs; at zero it removes the map entry from its
// parent event unless a race has already replaced it with a newer
// Subscription for the same key (§4.2 sub_unref).
func (s *Subscription) Unref() {
	if atomic.AddInt32(&s.refs, -1) == 0 {
		s.event.removeIfCurrent(s.extra, s)
	}
}
