// Package broker implements the Session Broker: a per-session fan-out
// layer over a ptyhost.Host that maintains a monotonic byte cursor, a
// bounded tail backlog, and multi-subscriber delivery with late-attach
// replay (spec §2, "Session Broker"; §4.3 "Session broker — tail backlog
// policy").
//
// The shape echoes h2's eventstore.Tail (a seek-to-end-then-stream reader
// feeding per-subscriber channels), adapted from an on-disk JSONL tail to
// an in-memory byte-budgeted ring so PTY output never touches the disk on
// the hot path.
package broker

import (
	"sync"
)

// Chunk is one contiguously-cursored slice of PTY output retained in the
// tail backlog.
type Chunk struct {
	Cursor int64 // cursor after this chunk was appended
	Data   []byte
}

// Broker fans PTY output out to subscribers and retains a bounded tail
// for late attaches.
type Broker struct {
	budget int64 // tail retention budget, in bytes

	mu     sync.Mutex
	cursor int64
	tail   []Chunk
	tailSz int64

	subs map[int]*subscriber
	next int
}

type subscriber struct {
	ch chan Chunk
}

// New creates a Broker with the given tail retention budget in bytes.
// A budget of 0 retains nothing; late attaches then always start empty.
func New(budget int64) *Broker {
	if budget < 0 {
		budget = 0
	}
	return &Broker{
		budget: budget,
		subs:   make(map[int]*subscriber),
	}
}

// Cursor returns the broker's current byte cursor.
func (b *Broker) Cursor() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

// Append records a chunk of PTY output, advancing the cursor by the full
// logical write size even when the retained bytes are truncated (spec
// §4.3: "cursor after the full logical write"), then fans it out to every
// live subscriber.
func (b *Broker) Append(data []byte) Chunk {
	b.mu.Lock()

	b.cursor += int64(len(data))
	stored := data
	if b.budget > 0 && int64(len(data)) > b.budget {
		stored = append([]byte(nil), data[int64(len(data))-b.budget:]...)
	} else if b.budget > 0 {
		stored = append([]byte(nil), data...)
	} else {
		stored = nil
	}

	chunk := Chunk{Cursor: b.cursor, Data: stored}
	if b.budget > 0 && len(stored) > 0 {
		b.tail = append(b.tail, chunk)
		b.tailSz += int64(len(stored))
		b.evictLocked()
	}

	fanout := Chunk{Cursor: b.cursor, Data: data}
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- fanout:
		default:
			// A slow subscriber is dropped from delivery for this chunk
			// rather than stalling the PTY read pump (spec §9, "writer
			// backpressure drops slow subscribers").
		}
	}
	return chunk
}

// evictLocked drops the oldest retained chunks while the tail exceeds
// budget. Must be called with b.mu held.
func (b *Broker) evictLocked() {
	for b.tailSz > b.budget && len(b.tail) > 0 {
		oldest := b.tail[0]
		b.tail = b.tail[1:]
		b.tailSz -= int64(len(oldest.Data))
	}
}

// Replay returns the tail slice resident at or after sinceCursor. If
// sinceCursor predates the oldest retained chunk, the oldest retained
// cursor window is returned instead — callers must treat this as lossy
// history (spec §4.3, "pty.attach").
func (b *Broker) Replay(sinceCursor int64) []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Chunk, 0, len(b.tail))
	for _, c := range b.tail {
		if c.Cursor > sinceCursor {
			out = append(out, c)
		}
	}
	return out
}

// Subscribe registers a new subscriber and returns its id, a channel of
// subsequently appended chunks, and a replay slice since sinceCursor.
// Attach and replay happen atomically under the broker lock so no chunk
// appended concurrently is both replayed and delivered twice, nor missed.
func (b *Broker) Subscribe(sinceCursor int64, bufSize int) (id int, ch <-chan Chunk, replay []Chunk) {
	if bufSize <= 0 {
		bufSize = 256
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	replay = make([]Chunk, 0, len(b.tail))
	for _, c := range b.tail {
		if c.Cursor > sinceCursor {
			replay = append(replay, c)
		}
	}

	s := &subscriber{ch: make(chan Chunk, bufSize)}
	id = b.next
	b.next++
	b.subs[id] = s
	return id, s.ch, replay
}

// Unsubscribe removes a subscriber (pty.detach). The channel is never
// closed: Append snapshots b.subs and sends outside the lock, so a send
// already in flight when Unsubscribe runs could otherwise race a
// close() and panic. Subscribers always have their own stop signal
// (the reader selects on it alongside the channel) and tear down via
// that instead of a closed channel; the now-unreferenced channel and
// any values still in its buffer are left for the GC.
func (b *Broker) Unsubscribe(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// CloseAll unsubscribes every subscriber, used when the session exits.
// Channels are left unclosed for the same reason as Unsubscribe.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()
}
