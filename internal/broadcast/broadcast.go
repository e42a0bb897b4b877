// Package broadcast implements the async broadcast pipeline (spec.md
// §4.7, L7): a mutex-guarded multi-producer queue (not lock-free)
// drained on a timer tick, with per-protocol frames materialized once
// per entry and fanned out across a subscriber list's shards in parallel.
package broadcast

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/gobwas/ws"

	"github.com/adred-codev/qiobroker/internal/event"
)

// Kind identifies which wire dialect a Subscriber speaks, so Pipeline
// can hand it the one pre-materialized frame it needs.
type Kind int

const (
	KindRaw Kind = iota
	KindWS
	KindHTTP
)

// Subscriber is anything storable in an event.SubscriberList that can
// receive a broadcast frame (spec.md §4.7 step 2). Only the method
// matching Kind() is ever called.
type Subscriber interface {
	Kind() Kind
	WriteRawFrame(frame []byte) error
	WriteWSFrame(frame []byte) error
	WriteHTTPLine(line string) error
}

type entry struct {
	sub  *event.Subscription
	path string
	extra string
	json []byte
}

// Pipeline is the single-process broadcast queue plus its tick-driven
// drain (spec.md §4.7). Shards is the fan-out parallelism
// (`broadcast-threads`).
type Pipeline struct {
	shards int

	mu    sync.Mutex
	queue []entry

	onDeliverError func(Subscriber, error)
}

// New creates a Pipeline with shards-way fan-out parallelism.
func New(shards int, onDeliverError func(Subscriber, error)) *Pipeline {
	if shards < 1 {
		shards = event.DefaultShards
	}
	return &Pipeline{shards: shards, onDeliverError: onDeliverError}
}

// Enqueue pushes one broadcast entry; it takes ownership of a ref on
// sub that Tick releases once delivery completes (spec.md §4.7
// "pushes a tuple {sub_ref, json_copy}"). Callers must Ref() before
// calling Enqueue if they still hold their own reference afterward.
func (p *Pipeline) Enqueue(sub *event.Subscription, path, extra string, json []byte) {
	p.mu.Lock()
	p.queue = append(p.queue, entry{sub: sub, path: path, extra: extra, json: json})
	p.mu.Unlock()
}

// Tick drains the queue, materializing frames once per entry and
// fanning each out across the subscription's subscriber-list shards in
// parallel (spec.md §4.7 broadcast_tick).
func (p *Pipeline) Tick() {
	p.mu.Lock()
	drained := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, e := range drained {
		p.deliver(e)
		e.sub.Unref()
	}
}

func (p *Pipeline) deliver(e entry) {
	subscribers := e.sub.Subscribers()

	rawFrame := rawFrame(e.path, e.extra, e.json)
	wsFrame := wsFrame(e.path, e.extra, e.json)
	httpLine := httpLine(e.path, e.extra, e.json)

	shards := subscribers.NumShards()
	sem := make(chan struct{}, p.shards) // at most p.shards shards walked at once
	var wg sync.WaitGroup
	wg.Add(shards)
	for i := 0; i < shards; i++ {
		i := i
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			for _, v := range subscribers.Snapshot(i) {
				sub, ok := v.(Subscriber)
				if !ok || sub == nil {
					continue
				}
				var err error
				switch sub.Kind() {
				case KindRaw:
					err = sub.WriteRawFrame(rawFrame)
				case KindWS:
					err = sub.WriteWSFrame(wsFrame)
				case KindHTTP:
					err = sub.WriteHTTPLine(httpLine)
				}
				if err != nil && p.onDeliverError != nil {
					p.onDeliverError(sub, err)
				}
			}
		}()
	}
	wg.Wait()
}

func eventText(path, extra string, json []byte) string {
	var b strings.Builder
	b.Grow(len(path) + len(extra) + len(json) + 8)
	b.WriteString(path)
	b.WriteString(extra)
	b.WriteString(":0=")
	b.Write(json)
	return b.String()
}

func rawFrame(path, extra string, json []byte) []byte {
	body := eventText(path, extra, json)
	out := make([]byte, 8+len(body))
	binary.BigEndian.PutUint64(out, uint64(len(body)))
	copy(out[8:], body)
	return out
}

func wsFrame(path, extra string, json []byte) []byte {
	body := []byte(eventText(path, extra, json))
	frame := ws.NewTextFrame(body)
	out, err := ws.CompileFrame(frame)
	if err != nil {
		return nil
	}
	return out
}

func httpLine(path, extra string, json []byte) string {
	return eventText(path, extra, json)
}
