// Package router ties the event trie, subscription table, client state,
// and broadcast pipeline together into the on/off/route/send/cb
// semantics spec.md §4.9 (L9) describes, plus the built-in `/qio/*`
// endpoints (grounded on the upstream evs_qio.c handler set).
package router

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adred-codev/qiobroker/internal/broadcast"
	"github.com/adred-codev/qiobroker/internal/client"
	"github.com/adred-codev/qiobroker/internal/event"
	"github.com/adred-codev/qiobroker/internal/qioerr"
)

func nowNano() int64 { return time.Now().UnixNano() }

// Peer is the operations a connected client exposes to the router: its
// subscription/callback state, and a way to write an event frame back
// (spec.md §4.9 describes these as one `struct client`; this package
// keeps wire I/O and bookkeeping in separate types and reunifies them
// here).
type Peer interface {
	State() *client.Client
	Send(path, extra string, serverCB uint64, json []byte) error
}

// Router is the process-wide event registry and dispatch core (L1+L9).
type Router struct {
	trie     *event.Trie
	pipeline *broadcast.Pipeline
	fairness client.FairnessPolicy
	subTotal *uint64
	hostname []byte // JSON-encoded public address, or nil if unset
}

// New constructs a Router. subTotal must be the same shared counter
// pointer passed to every client.New so the fairness policy sees the
// live process-wide total.
func New(pipeline *broadcast.Pipeline, fairness client.FairnessPolicy, subTotal *uint64, publicAddress string) *Router {
	r := &Router{trie: event.NewTrie(), pipeline: pipeline, fairness: fairness, subTotal: subTotal}
	if publicAddress != "" {
		b, _ := json.Marshal(publicAddress)
		r.hostname = b
	}
	r.registerBuiltins()
	return r
}

// On registers an event at path (spec.md §4.1 insert), returning the
// existing Event if one is already registered there.
func (r *Router) On(path string, onReq event.HandlerFunc, onSub event.SubscribeFunc, onUnsub event.UnsubscribeFunc, handlesChildren bool) (*event.Event, bool) {
	ev, existed, ok := r.trie.Insert(path, onReq, onSub, onUnsub, handlesChildren)
	return ev, existed && ok
}

// Route dispatches one inbound decoded event (spec.md §4.9 route).
func (r *Router) Route(p Peer, path string, clientCB uint64, json []byte) {
	ev, extra, ok := r.trie.Query(path)
	if !ok {
		r.CB(p, clientCB, qioerr.KindNotFound.CallbackCode(), "", nil)
		return
	}

	if ev.OnRequest == nil {
		r.CB(p, clientCB, 200, "", nil)
		return
	}

	status := ev.OnRequest(peerClient{p}, extra, clientCB, json)
	switch status {
	case event.StatusOK:
		r.CB(p, clientCB, 200, "", nil)
	case event.StatusErr:
		r.CB(p, clientCB, qioerr.KindInternal.CallbackCode(), "handler error", nil)
	case event.StatusHandled:
		// handler already replied.
	}
}

// Subscribe implements `on` (spec.md §4.9): subscribe a peer to path.
func (r *Router) Subscribe(p Peer, path string, clientCB uint64) {
	ev, extra, ok := r.trie.Query(path)
	if !ok {
		r.CB(p, clientCB, qioerr.KindNotFound.CallbackCode(), "", nil)
		return
	}

	sub := ev.Get(extra, true, func() *event.SubscriberList {
		return event.NewSubscriberList(event.DefaultShards, 1, 0)
	})

	cs := p.State()
	if cs.Active(sub) {
		r.CB(p, clientCB, 200, "", nil)
		sub.Unref()
		return
	}

	// Register the pending clientSub entry before the on-subscribe hook
	// runs (not after it returns): an async hook may take arbitrarily
	// long to call Complete, and a second `on` racing in during that
	// window must see ResultPending rather than re-entering the hook
	// (spec.md §3, §8 Scenario 3).
	switch cs.Add(sub, r.fairness) {
	case client.ResultDenied:
		sub.Unref()
		r.CB(p, clientCB, qioerr.KindEnhanceCalm.CallbackCode(), "", nil)
		return
	case client.ResultActive:
		sub.Unref()
		r.CB(p, clientCB, 200, "", nil)
		return
	case client.ResultPending:
		r.CB(p, clientCB, qioerr.KindPending.CallbackCode(), "", nil)
		return
	}

	if ev.OnSubscribe == nil {
		r.finishSubscribe(p, sub, clientCB, true)
		return
	}

	status := ev.OnSubscribe(&event.SubscribeInfo{
		Client:   peerClient{p},
		Event:    ev,
		Extra:    extra,
		ClientCB: clientCB,
		Complete: func(ok bool) { r.finishSubscribe(p, sub, clientCB, ok) },
	})
	if status == event.StatusHandled {
		// The hook owns completion now; it calls Complete when it knows
		// the outcome, possibly from another goroutine much later.
		return
	}
	r.finishSubscribe(p, sub, clientCB, status == event.StatusOK)
}

// finishSubscribe admits or rejects a pending subscription once its
// outcome is known, whether that happened inline (OnSubscribe returned
// StatusOK/StatusErr directly) or asynchronously (OnSubscribe returned
// StatusHandled and later called SubscribeInfo.Complete).
func (r *Router) finishSubscribe(p Peer, sub *event.Subscription, clientCB uint64, ok bool) {
	cs := p.State()
	if !ok {
		cs.Reject(sub)
		r.CB(p, clientCB, qioerr.KindUnauthorized.CallbackCode(), "", nil)
		return
	}

	switch cs.Accept(sub, p) {
	case client.SubActive:
		r.CB(p, clientCB, 200, "", nil)
	case client.SubTombstoned:
		r.CB(p, clientCB, qioerr.KindNotFound.CallbackCode(), "", nil)
	case client.SubDenied:
		r.CB(p, clientCB, qioerr.KindEnhanceCalm.CallbackCode(), "", nil)
	}
}

// Unsubscribe implements `off` (spec.md §4.9).
func (r *Router) Unsubscribe(p Peer, path string) {
	ev, extra, ok := r.trie.Query(path)
	if !ok {
		return
	}
	sub := ev.Get(extra, false, nil)
	if sub == nil {
		return
	}

	if removed := p.State().Remove(sub); removed && ev.OnUnsubscribe != nil {
		ev.OnUnsubscribe(peerClient{p}, extra)
	}
	sub.Unref()
}

// SendTo implements `send` (spec.md §4.9): write one event to a single
// peer, optionally awaiting a reply via a server callback.
func (r *Router) SendTo(p Peer, evPath, extra string, json []byte, fn client.CallbackFunc, data any, freeFn func(any)) error {
	serverCB := p.State().NewCallback(fn, data, freeFn, nowNano())
	return p.Send(evPath, extra, uint64(serverCB), json)
}

// Broadcast implements spec.md §4.7's entrypoint: resolve (E, extra)
// from path and enqueue the payload for the next tick.
func (r *Router) Broadcast(path string, json []byte) bool {
	ev, extra, ok := r.trie.Query(path)
	if !ok {
		return false
	}
	sub := ev.Get(extra, false, nil)
	if sub == nil {
		return false
	}
	r.pipeline.Enqueue(sub, ev.Path, extra, json)
	return true
}

// CB implements spec.md §4.9 `cb`: format and deliver a callback
// response to clientCB, or discard it if clientCB==0.
func (r *Router) CB(p Peer, clientCB uint64, code int, errMsg string, data []byte) {
	if clientCB == 0 {
		return
	}

	payload := cbPayload(code, errMsg, data)
	path := fmt.Sprintf("/qio/callback/%d", clientCB)
	_ = p.Send(path, "", 0, payload)
}

func cbPayload(code int, errMsg string, data []byte) []byte {
	if data == nil {
		data = []byte("null")
	}
	if errMsg == "" {
		return []byte(fmt.Sprintf(`{"code":%d,"data":%s}`, code, data))
	}
	msg, _ := json.Marshal(errMsg)
	return []byte(fmt.Sprintf(`{"code":%d,"data":%s,"err_msg":%s}`, code, data, msg))
}

// peerClient adapts a Peer to the event.Client interface handlers see.
type peerClient struct{ p Peer }

func (pc peerClient) ID() int64 { return pc.p.State().ID() }

// registerBuiltins installs the `/qio/*` routes every client gets for
// free (grounded on the upstream evs_qio.c handler set): ping, hostname,
// on/off (the subscribe/unsubscribe entrypoints), and the callback
// dispatch route clients reply to server callbacks through.
func (r *Router) registerBuiltins() {
	r.trie.Insert("/qio/ping", func(c event.Client, extra string, clientCB uint64, payload []byte) event.Status {
		return event.StatusOK
	}, nil, nil, false)

	r.trie.Insert("/qio/hostname", r.hostnameBuiltin, nil, nil, false)
	r.trie.Insert("/qio/on", r.onBuiltin, nil, nil, false)
	r.trie.Insert("/qio/off", r.offBuiltin, nil, nil, false)
	r.trie.Insert("/qio/callback", r.callbackBuiltin, nil, nil, true)
}

func (r *Router) hostnameBuiltin(c event.Client, extra string, clientCB uint64, payload []byte) event.Status {
	p := c.(peerClient).p
	data := r.hostname
	if data == nil {
		data = []byte("null")
	}
	r.CB(p, clientCB, 200, "", data)
	return event.StatusHandled
}

// onBuiltin implements `/qio/on`: payload is a JSON string naming the
// event path to subscribe to (spec.md §4.9 `on`).
func (r *Router) onBuiltin(c event.Client, extra string, clientCB uint64, payload []byte) event.Status {
	p := c.(peerClient).p
	var path string
	if err := json.Unmarshal(payload, &path); err != nil {
		r.CB(p, clientCB, qioerr.KindBadInput.CallbackCode(), "", nil)
		return event.StatusHandled
	}
	r.Subscribe(p, path, clientCB)
	return event.StatusHandled
}

// offBuiltin implements `/qio/off`: payload is a JSON string naming the
// event path to unsubscribe from (spec.md §4.9 `off`).
func (r *Router) offBuiltin(c event.Client, extra string, clientCB uint64, payload []byte) event.Status {
	p := c.(peerClient).p
	var path string
	if err := json.Unmarshal(payload, &path); err != nil {
		r.CB(p, clientCB, qioerr.KindBadInput.CallbackCode(), "", nil)
		return event.StatusHandled
	}
	r.Unsubscribe(p, path)
	r.CB(p, clientCB, 200, "", nil)
	return event.StatusHandled
}

// callbackBuiltin implements `/qio/callback/<id>`: extra carries the
// leading-slash id suffix since the route is registered handles_children
// (spec.md §4.4 client_cb_fire).
func (r *Router) callbackBuiltin(c event.Client, extra string, clientCB uint64, payload []byte) event.Status {
	p := c.(peerClient).p
	id, err := strconv.ParseUint(strings.TrimPrefix(extra, "/"), 10, 32)
	if err != nil {
		r.CB(p, clientCB, qioerr.KindBadInput.CallbackCode(), "", nil)
		return event.StatusHandled
	}
	if _, found := p.State().FireCallback(uint32(id), clientCB, payload); !found {
		r.CB(p, clientCB, qioerr.KindNotFound.CallbackCode(), "", nil)
	}
	return event.StatusHandled
}
