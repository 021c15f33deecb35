// Package hub implements the observed-event hub (spec §2 "Observed-event
// hub", §3 "Observed event"): a server-side publish/subscribe keyed by
// scope, with a single process-wide monotonically increasing cursor.
// Subscribers specify a scope filter and receive only events published
// after they subscribe: the hub keeps no backlog, so events with earlier
// cursors are never replayed to a new or reconnecting subscriber.
//
// The cursor is purely in-memory and resets on every daemon restart
// (spec §3); internal/statestore.RecordObservedEvent is the durable
// audit copy a caller may write alongside a Publish, not a resume
// source for this hub.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/dcosson-labs/harness/internal/scope"
)

// Event is one observed event delivered to subscribers.
type Event struct {
	Cursor  int64       `json:"cursor"`
	Scope   scope.Scope `json:"scope"`
	Type    string      `json:"type"`
	Payload any         `json:"payload,omitempty"`
}

// Hub fans out Events to scope-filtered subscribers.
type Hub struct {
	cursor int64 // atomic

	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	filter scope.Scope
	ch     chan Event
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

// Publish assigns the next cursor value to ev and delivers it to every
// subscriber whose filter matches ev.Scope. A subscriber whose buffer is
// full is dropped for this event rather than blocking the publisher
// (spec §9, consistent with the broker's writer-backpressure rule).
func (h *Hub) Publish(sc scope.Scope, typ string, payload any) Event {
	cursor := atomic.AddInt64(&h.cursor, 1)
	ev := Event{Cursor: cursor, Scope: sc, Type: typ, Payload: payload}

	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		if s.filter.Matches(sc) {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- ev:
		default:
		}
	}
	return ev
}

// Cursor returns the hub's current cursor value.
func (h *Hub) Cursor() int64 {
	return atomic.LoadInt64(&h.cursor)
}

// Subscribe registers a subscriber filtered by filter. The hub keeps no
// backlog: the subscriber receives only events published after this
// call, and no earlier cursor range is replayed to it (replay exists
// only in the broker, for PTY bytes).
func (h *Hub) Subscribe(filter scope.Scope, bufSize int) (id int, ch <-chan Event) {
	if bufSize <= 0 {
		bufSize = 256
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &subscriber{filter: filter, ch: make(chan Event, bufSize)}
	id = h.next
	h.next++
	h.subs[id] = s
	return id, s.ch
}

// Unsubscribe removes a subscriber. The channel is never closed: Publish
// snapshots h.subs and sends outside the lock, so a send already in
// flight when Unsubscribe runs could otherwise race a close() and
// panic. Callers always tear their reader goroutine down via their own
// stop channel (selected alongside ch), not by observing ch close, so
// the now-unreferenced channel is simply left for the GC.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}
