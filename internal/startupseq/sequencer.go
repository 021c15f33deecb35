// Package startupseq tracks the client-side startup state machine for
// the currently active conversation (spec §2, §4.5): first-output,
// first-visible-paint, settle-gate, settled. Deferred client work
// (resuming persisted conversations, starting process-usage sampling)
// waits on Settled() or a hard cap, whichever comes first.
//
// The quiet-window-after-a-gate timer shape is grounded on h2's
// EscTimer/TickStatus idiom in internal/session/client (a
// time.Timer/time.Ticker reset on each new event, read from a select
// loop) — generalized from UI-local debounce timers to a multi-stage
// gate sequence with an overall fallback deadline.
package startupseq

import (
	"sync"
	"time"
)

// Stage is one point in the startup sequence, strictly increasing.
type Stage int

const (
	StageNone Stage = iota
	StageFirstOutput
	StageFirstVisiblePaint
	StageSettleGate
	StageSettled
)

// SettleGate decides whether the settle-gate stage has been reached for
// the latest render, e.g. "header visible" for codex or a glyph-count
// threshold for other agents.
type SettleGate func(glyphCount int, headerVisible bool) bool

const (
	defaultQuietWindow  = 1500 * time.Millisecond
	defaultHardCap      = 5 * time.Second
)

// Sequencer tracks one conversation's startup progression.
type Sequencer struct {
	gate       SettleGate
	quietMs    time.Duration
	hardCap    time.Duration

	mu       sync.Mutex
	stage    Stage
	timer    *time.Timer
	settled  chan struct{}
	once     sync.Once
}

// New constructs a Sequencer. gate decides the settle-gate transition;
// a nil gate always evaluates false (the sequence only reaches settled
// via the hard cap). quiet and hardCap default to 1500ms / 5s when zero.
func New(gate SettleGate, quiet, hardCap time.Duration) *Sequencer {
	if quiet <= 0 {
		quiet = defaultQuietWindow
	}
	if hardCap <= 0 {
		hardCap = defaultHardCap
	}
	s := &Sequencer{gate: gate, quietMs: quiet, hardCap: hardCap, settled: make(chan struct{})}
	time.AfterFunc(hardCap, func() { s.markSettled() })
	return s
}

// ObserveOutput records the first PTY output chunk.
func (s *Sequencer) ObserveOutput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage < StageFirstOutput {
		s.stage = StageFirstOutput
	}
}

// ObserveRender records a render pass after first-output, along with
// the glyph count and header-visibility signal the settle gate needs.
// It advances first-visible-paint and, once the gate is met,
// settle-gate — starting the quiet-window timer on that transition.
func (s *Sequencer) ObserveRender(glyphCount int, headerVisible bool) {
	s.mu.Lock()
	if s.stage < StageFirstOutput {
		s.mu.Unlock()
		return
	}
	if s.stage < StageFirstVisiblePaint && glyphCount > 0 {
		s.stage = StageFirstVisiblePaint
	}
	reachedGate := s.stage < StageSettleGate && s.gate != nil && s.gate(glyphCount, headerVisible)
	if reachedGate {
		s.stage = StageSettleGate
	}
	if s.stage == StageSettleGate {
		s.resetQuietTimerLocked()
	}
	s.mu.Unlock()
}

// resetQuietTimerLocked (re)starts the settled timer; callers must hold
// s.mu. New output after the settle gate pushes settled back out by
// quietMs, since the gate hasn't gone quiet yet.
func (s *Sequencer) resetQuietTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.quietMs, s.markSettled)
}

func (s *Sequencer) markSettled() {
	s.mu.Lock()
	s.stage = StageSettled
	s.mu.Unlock()
	s.once.Do(func() { close(s.settled) })
}

// Stage returns the current stage.
func (s *Sequencer) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Settled is closed once the sequencer reaches StageSettled, whether via
// the quiet window or the hard cap.
func (s *Sequencer) Settled() <-chan struct{} {
	return s.settled
}
