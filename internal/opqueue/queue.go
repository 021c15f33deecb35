// Package opqueue implements the client-side control-plane operation
// queue (spec §2, §4.4): two FIFOs — interactive and background —
// serializing mutations against the gateway so rapid keyboard shortcuts
// never race and produce divergent client vs. server state.
//
// The enqueue/drain-loop/notify-channel shape is adapted from h2's
// internal/message.RunDelivery, which drains a single priority queue of
// PTY-bound messages off a Notify() channel plus a periodic ticker.
// Harness generalizes that one-queue, fire-and-forget delivery loop into
// two FIFOs with keyed supersession and per-op abort signals, since the
// op queue here drives arbitrary client operations (stream commands),
// not just PTY message delivery.
package opqueue

import (
	"sync"
	"time"
)

// Priority selects which FIFO an op is enqueued on. Interactive always
// drains before background (spec §4.4).
type Priority string

const (
	PriorityInteractive Priority = "interactive"
	PriorityBackground   Priority = "background"
)

// Supersede controls what happens to earlier ops sharing an op's Key.
type Supersede string

const (
	// SupersedePending removes other queued (not yet running) ops with
	// the same key.
	SupersedePending Supersede = "pending"
	// SupersedePendingAndRunning additionally fires the abort signal of
	// the currently executing op with the same key.
	SupersedePendingAndRunning Supersede = "pending-and-running"
)

// Task is the unit of work a queued op performs. It must return promptly
// once aborted is closed.
type Task func(aborted <-chan struct{})

// Op is one queued operation.
type Op struct {
	ID          string
	Label       string
	Priority    Priority
	EnqueuedAt  time.Time
	Task        Task
	Key         string
	Supersede   Supersede

	abort    chan struct{}
	waitTime time.Duration
}

// Metrics is the queue-depth snapshot emitted on every transition (spec
// §4.4: "{interactiveQueued, backgroundQueued, running} are emitted on
// every transition via a callback").
type Metrics struct {
	InteractiveQueued int
	BackgroundQueued  int
	Running           bool
}

// Queue runs ops one at a time off two FIFOs, interactive before
// background, with keyed supersession and abort-signal cancellation.
type Queue struct {
	onMetrics func(Metrics)
	onError   func(op *Op, err any)
	onFatal   func(err any)

	mu          sync.Mutex
	interactive []*Op
	background  []*Op
	running     *Op
	notify      chan struct{}
	stop        chan struct{}
	stopped     bool

	wg sync.WaitGroup
}

// Opts configures a Queue's observability callbacks, each optional.
type Opts struct {
	OnMetrics func(Metrics)
	OnError   func(op *Op, err any)
	OnFatal   func(err any)
}

// New constructs a Queue and starts its drain loop. Call Stop to drain
// and shut it down.
func New(opts Opts) *Queue {
	q := &Queue{
		onMetrics: opts.OnMetrics,
		onError:   opts.OnError,
		onFatal:   opts.OnFatal,
		notify:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue adds op to its priority FIFO, applying keyed supersession
// before insertion.
func (q *Queue) Enqueue(op *Op) {
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}
	op.abort = make(chan struct{})

	q.mu.Lock()
	if op.Key != "" {
		q.supersedeLocked(op.Key, op.Supersede)
	}
	switch op.Priority {
	case PriorityBackground:
		q.background = append(q.background, op)
	default:
		q.interactive = append(q.interactive, op)
	}
	q.mu.Unlock()

	q.emitMetrics()
	q.wake()
}

// supersedeLocked removes queued ops sharing key and, if requested,
// fires the abort signal of the currently running op with that key.
// Callers must hold q.mu.
func (q *Queue) supersedeLocked(key string, mode Supersede) {
	q.interactive = dropKey(q.interactive, key)
	q.background = dropKey(q.background, key)
	if mode == SupersedePendingAndRunning && q.running != nil && q.running.Key == key {
		closeOnce(q.running.abort)
	}
}

func dropKey(ops []*Op, key string) []*Op {
	out := ops[:0]
	for _, op := range ops {
		if op.Key != key {
			out = append(out, op)
		}
	}
	return out
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	defer func() {
		if r := recover(); r != nil && q.onFatal != nil {
			q.onFatal(r)
		}
	}()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			q.drainRemaining()
			q.emitMetrics()
			return
		case <-q.notify:
		case <-ticker.C:
		}
		q.runAvailable()
	}
}

func (q *Queue) runAvailable() {
	for {
		select {
		case <-q.stop:
			return
		default:
		}
		op := q.dequeue()
		if op == nil {
			return
		}
		q.execute(op)
	}
}

func (q *Queue) dequeue() *Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.interactive) > 0 {
		op := q.interactive[0]
		q.interactive = q.interactive[1:]
		q.running = op
		return op
	}
	if len(q.background) > 0 {
		op := q.background[0]
		q.background = q.background[1:]
		q.running = op
		return op
	}
	return nil
}

func (q *Queue) execute(op *Op) {
	op.waitTime = time.Since(op.EnqueuedAt)
	q.emitMetrics()
	defer func() {
		if r := recover(); r != nil {
			if q.onError != nil {
				q.onError(op, r)
			}
		}
		q.mu.Lock()
		q.running = nil
		q.mu.Unlock()
		q.emitMetrics()
	}()
	op.Task(op.abort)
}

// WaitTime reports how long the op sat queued before it started
// executing. Zero until the op has been dequeued.
func (o *Op) WaitTime() time.Duration { return o.waitTime }

func (q *Queue) emitMetrics() {
	if q.onMetrics == nil {
		return
	}
	q.mu.Lock()
	m := Metrics{InteractiveQueued: len(q.interactive), BackgroundQueued: len(q.background), Running: q.running != nil}
	q.mu.Unlock()
	q.onMetrics(m)
}

// WaitForDrain blocks until both FIFOs are empty and no op is running.
func (q *Queue) WaitForDrain() {
	for {
		q.mu.Lock()
		empty := len(q.interactive) == 0 && len(q.background) == 0 && q.running == nil
		q.mu.Unlock()
		if empty {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Stop fires the abort signal for the currently running op (if any) and
// every still-queued one, then shuts the drain loop down. Safe to call
// once; blocks until the running op actually returns.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	if q.running != nil {
		closeOnce(q.running.abort)
	}
	close(q.stop)
	q.mu.Unlock()
	q.wg.Wait()
}

// drainRemaining fires the abort signal for every op still queued when
// the drain loop observes Stop, so Task implementations honoring
// aborted return promptly and contribute nothing to UI state (spec
// §4.4 "queue is drained at shutdown").
func (q *Queue) drainRemaining() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.interactive {
		closeOnce(op.abort)
	}
	for _, op := range q.background {
		closeOnce(op.abort)
	}
	q.interactive = nil
	q.background = nil
}
