// Package bridge is the cross-context transport: a bidirectional, scoped,
// typed message channel connecting dApp page, wallet iframe, and
// confirmation popup. The in-process implementation dispatches from a
// single goroutine, mirroring the cooperative event loop each browser
// context runs on: messages on one bus are delivered in publish order.
package bridge

import (
	"sync"

	"github.com/happychain/wallet-core/internal/provider"
)

// Topic scopes a message stream on the bus.
type Topic string

const (
	// Inbound requests that bypass the confirmation surface.
	TopicRequestPermissionless Topic = "request:permissionless"
	// Inbound requests targeting the injected external wallet.
	TopicRequestInjected Topic = "request:injected"
	// Verdicts from the confirmation popup.
	TopicRequestApprove Topic = "request:approve"
	TopicRequestReject  Topic = "request:reject"
	// Correlated responses back to the originating context.
	TopicRequestResponse Topic = "request:response"
	// Identity visibility changes pushed to the dApp context.
	TopicUserChanged Topic = "user:changed"
	// EIP-1193 provider events (accountsChanged, chainChanged, ...).
	TopicProviderEvent Topic = "provider:event"
)

// Handler consumes messages on a topic. Handlers run on the bus dispatch
// goroutine and must not block on bus round trips.
type Handler func(env provider.Envelope)

// Bus is the transport abstraction the router and gateway talk through.
type Bus interface {
	Publish(topic Topic, env provider.Envelope)
	Subscribe(topic Topic, h Handler) (unsubscribe func())
	Close()
}

type delivery struct {
	topic Topic
	env   provider.Envelope
}

// InProc is a single-process Bus. The pending queue is unbounded so
// Publish never blocks: handlers frequently publish follow-ups (a verdict
// handler responding, an event fan-out) from the dispatch goroutine itself,
// and a bounded queue would deadlock the loop against its own send.
type InProc struct {
	mu     sync.Mutex
	cond   *sync.Cond
	subs   map[Topic]map[int]Handler
	nextID int
	queue  []delivery
	closed bool
	done   chan struct{}
}

// NewInProc starts the dispatch loop.
func NewInProc() *InProc {
	b := &InProc{
		subs: make(map[Topic]map[int]Handler),
		done: make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.loop()
	return b
}

func (b *InProc) loop() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		d := b.queue[0]
		b.queue = b.queue[1:]
		handlers := make([]Handler, 0, len(b.subs[d.topic]))
		for _, h := range b.subs[d.topic] {
			handlers = append(handlers, h)
		}
		b.mu.Unlock()

		for _, h := range handlers {
			h(d.env)
		}
	}
}

// Publish enqueues env for delivery to the topic's subscribers. Never
// blocks; publishing on a closed bus is a no-op.
func (b *InProc) Publish(topic Topic, env provider.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, delivery{topic: topic, env: env})
	b.cond.Signal()
}

// Subscribe registers a handler and returns its unsubscribe function.
func (b *InProc) Subscribe(topic Topic, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	b.subs[topic][id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs[topic], id)
		b.mu.Unlock()
	}
}

// Close stops dispatch after draining queued messages.
func (b *InProc) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.cond.Signal()
	b.mu.Unlock()
	<-b.done
}
