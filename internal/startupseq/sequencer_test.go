package startupseq

import (
	"testing"
	"time"
)

func TestSequencerReachesSettleGateThenSettles(t *testing.T) {
	gate := func(glyphCount int, headerVisible bool) bool { return glyphCount >= 10 }
	s := New(gate, 30*time.Millisecond, time.Second)

	if s.Stage() != StageNone {
		t.Fatalf("expected StageNone initially, got %v", s.Stage())
	}

	s.ObserveOutput()
	if s.Stage() != StageFirstOutput {
		t.Fatalf("expected StageFirstOutput, got %v", s.Stage())
	}

	s.ObserveRender(5, false)
	if s.Stage() != StageFirstVisiblePaint {
		t.Fatalf("expected StageFirstVisiblePaint, got %v", s.Stage())
	}

	s.ObserveRender(12, false)
	if s.Stage() != StageSettleGate {
		t.Fatalf("expected StageSettleGate, got %v", s.Stage())
	}

	select {
	case <-s.Settled():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected settle within the quiet window")
	}
	if s.Stage() != StageSettled {
		t.Fatalf("expected StageSettled, got %v", s.Stage())
	}
}

func TestSequencerHardCapSettlesEvenWithoutGate(t *testing.T) {
	s := New(nil, time.Hour, 40*time.Millisecond)

	select {
	case <-s.Settled():
	case <-time.After(300 * time.Millisecond):
		t.Fatal("expected the hard cap to force settle")
	}
}

func TestNewOutputAfterGatePushesSettleBack(t *testing.T) {
	gate := func(glyphCount int, headerVisible bool) bool { return glyphCount >= 1 }
	s := New(gate, 60*time.Millisecond, time.Second)
	s.ObserveOutput()
	s.ObserveRender(1, false)

	time.Sleep(30 * time.Millisecond)
	s.ObserveRender(2, false) // resets the quiet timer

	select {
	case <-s.Settled():
		t.Fatal("settled too early; the second render should have reset the quiet window")
	case <-time.After(40 * time.Millisecond):
	}

	select {
	case <-s.Settled():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected settle after the quiet window elapsed undisturbed")
	}
}
