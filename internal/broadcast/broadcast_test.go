package broadcast

import (
	"sync"
	"testing"

	"github.com/adred-codev/qiobroker/internal/event"
)

type fakeSub struct {
	kind Kind
	mu   sync.Mutex
	got  []byte
	line string
}

func (f *fakeSub) Kind() Kind { return f.kind }
func (f *fakeSub) WriteRawFrame(frame []byte) error {
	f.mu.Lock()
	f.got = frame
	f.mu.Unlock()
	return nil
}
func (f *fakeSub) WriteWSFrame(frame []byte) error {
	f.mu.Lock()
	f.got = frame
	f.mu.Unlock()
	return nil
}
func (f *fakeSub) WriteHTTPLine(line string) error {
	f.mu.Lock()
	f.line = line
	f.mu.Unlock()
	return nil
}

func newSub(t *testing.T) *event.Subscription {
	t.Helper()
	tr := event.NewTrie()
	ev, _, _ := tr.Insert("/room", nil, nil, nil, false)
	return ev.Get("", true, func() *event.SubscriberList {
		return event.NewSubscriberList(4, 2, 0)
	})
}

func TestPipelineDeliversToEachKind(t *testing.T) {
	sub := newSub(t)
	raw := &fakeSub{kind: KindRaw}
	wsSub := &fakeSub{kind: KindWS}
	http := &fakeSub{kind: KindHTTP}

	sub.Subscribers().TryAdd(raw)
	sub.Subscribers().TryAdd(wsSub)
	sub.Subscribers().TryAdd(http)

	var errs []error
	p := New(4, func(s Subscriber, err error) { errs = append(errs, err) })

	sub.Ref()
	p.Enqueue(sub, "/room", "", []byte(`{"a":1}`))
	p.Tick()

	if len(errs) != 0 {
		t.Fatalf("unexpected delivery errors: %v", errs)
	}
	if len(raw.got) == 0 {
		t.Fatalf("expected raw subscriber to receive a frame")
	}
	if len(wsSub.got) == 0 {
		t.Fatalf("expected ws subscriber to receive a frame")
	}
	if http.line == "" {
		t.Fatalf("expected http subscriber to receive a line")
	}
}

func TestPipelineUnrefsAfterDelivery(t *testing.T) {
	sub := newSub(t)
	p := New(2, nil)

	sub.Ref()
	before := sub.Refs()
	p.Enqueue(sub, "/room", "", []byte("null"))
	p.Tick()

	if sub.Refs() != before-1 {
		t.Fatalf("expected Tick to release the enqueue-time ref: before=%d after=%d", before, sub.Refs())
	}
}
