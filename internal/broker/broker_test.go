package broker

import (
	"bytes"
	"testing"
)

func TestLossyReplayTruncatesToTailBudget(t *testing.T) {
	b := New(4)
	b.Append([]byte("12345\n"))
	b.Append([]byte("abcdef\n"))

	replay := b.Replay(0)
	if len(replay) == 0 {
		t.Fatal("expected at least one chunk")
	}
	var all []byte
	for _, c := range replay {
		all = append(all, c.Data...)
	}
	if bytes.Contains(all, []byte("12345")) {
		t.Fatalf("did not expect evicted bytes in replay, got %q", all)
	}
	// "abcdef\n" is 7 bytes against a 4-byte budget, so only its last 4
	// bytes are retained.
	if !bytes.HasSuffix(all, []byte("def\n")) {
		t.Fatalf("expected replay to end with def\\n, got %q", all)
	}
}

func TestZeroBudgetDeliversNoReplay(t *testing.T) {
	b := New(0)
	b.Append([]byte("hello"))
	if replay := b.Replay(0); len(replay) != 0 {
		t.Fatalf("expected no replay with zero budget, got %+v", replay)
	}
}

func TestBudgetCoveringAllBytesDeliversFullReplay(t *testing.T) {
	b := New(1024)
	b.Append([]byte("hello "))
	b.Append([]byte("world"))

	replay := b.Replay(0)
	var all []byte
	for _, c := range replay {
		all = append(all, c.Data...)
	}
	if string(all) != "hello world" {
		t.Fatalf("expected full replay, got %q", all)
	}
}

func TestOversizeChunkTruncatedButCursorReflectsFullWrite(t *testing.T) {
	b := New(3)
	chunk := b.Append([]byte("abcdefgh"))
	if chunk.Cursor != 8 {
		t.Fatalf("expected cursor to reflect full 8-byte write, got %d", chunk.Cursor)
	}
	if string(chunk.Data) != "fgh" {
		t.Fatalf("expected truncated tail 'fgh', got %q", chunk.Data)
	}
}

func TestCursorStrictlyIncreasingAcrossAppends(t *testing.T) {
	b := New(64)
	c1 := b.Append([]byte("abc"))
	c2 := b.Append([]byte("de"))
	if c1.Cursor != 3 || c2.Cursor != 5 {
		t.Fatalf("unexpected cursors: %d, %d", c1.Cursor, c2.Cursor)
	}
}

func TestSubscribeReplaysThenDeliversNewChunks(t *testing.T) {
	b := New(64)
	b.Append([]byte("old"))

	id, ch, replay := b.Subscribe(0, 8)
	if len(replay) != 1 || string(replay[0].Data) != "old" {
		t.Fatalf("expected replay of prior chunk, got %+v", replay)
	}

	b.Append([]byte("new"))
	select {
	case c := <-ch:
		if string(c.Data) != "new" {
			t.Fatalf("expected new chunk delivery, got %q", c.Data)
		}
	default:
		t.Fatal("expected a chunk to be delivered to subscriber")
	}

	// Unsubscribe never closes the channel (a concurrent Append may
	// still be sending to it), so the contract under test is that no
	// further chunk reaches it, not that it becomes closed.
	b.Unsubscribe(id)
	b.Append([]byte("after-unsubscribe"))
	select {
	case c := <-ch:
		t.Fatalf("expected no delivery after unsubscribe, got %+v", c)
	default:
	}
}

func TestSlowSubscriberDroppedNotBlocked(t *testing.T) {
	b := New(0)
	_, ch, _ := b.Subscribe(0, 1)

	for i := 0; i < 10; i++ {
		b.Append([]byte("x"))
	}
	if len(ch) == 0 {
		t.Fatal("expected at least one buffered chunk")
	}
}
