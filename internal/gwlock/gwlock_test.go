package gwlock

import (
	"path/filepath"
	"testing"
	"time"
)

func TestWithLockReentrantSameProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.lock")
	depth := 0
	err := WithLock(path, time.Second, 10*time.Millisecond, func() error {
		depth++
		return WithLock(path, time.Second, 10*time.Millisecond, func() error {
			depth++
			return nil
		})
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if depth != 2 {
		t.Fatalf("expected both nested calls to run fn, got depth=%d", depth)
	}
}

func TestWithLockSequentialAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.lock")
	for i := 0; i < 3; i++ {
		ran := false
		if err := WithLock(path, time.Second, 10*time.Millisecond, func() error {
			ran = true
			return nil
		}); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if !ran {
			t.Fatalf("iteration %d: fn did not run", i)
		}
	}
}

func TestAcquireTimesOutWhenHeldByAnotherHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.lock")
	first := New(path)
	first.owner = Owner{PID: 999999, StartedAt: "different"}
	if err := first.Acquire(time.Second, 10*time.Millisecond); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	second := New(path)
	second.owner = Owner{PID: 888888, StartedAt: "also-different"}
	err := second.Acquire(80*time.Millisecond, 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected second Acquire to time out while first holds the lock")
	}
}
