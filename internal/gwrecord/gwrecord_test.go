package gwrecord

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.json")
	r := New(1234, "127.0.0.1", 9000, "", "/tmp/db.sqlite", "/workspace")

	if err := Write(path, r); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got == nil || got.PID != 1234 || got.Port != 9000 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestReadMissingFileReturnsNil(t *testing.T) {
	got, err := Read(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil record, got %+v", got)
	}
}

func TestWriteNoPartialFileVisible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.json")
	r := New(1, "127.0.0.1", 1, "", "", "")
	if err := Write(path, r); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "gateway.json" {
			t.Fatalf("leftover temp file: %s", e.Name())
		}
	}
}

func TestValidateRejectsNonLoopbackWithoutToken(t *testing.T) {
	r := New(1, "0.0.0.0", 9000, "", "", "")
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for non-loopback host without auth token")
	}
	r.AuthToken = "secret"
	if err := r.Validate(); err != nil {
		t.Fatalf("expected no error with auth token, got %v", err)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	for _, p := range []int{0, -1, 65536, 70000} {
		r := New(1, "127.0.0.1", p, "", "", "")
		if err := r.Validate(); err == nil {
			t.Fatalf("expected error for port %d", p)
		}
	}
}

func TestPIDAliveForCurrentProcess(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Fatal("expected current process to be alive")
	}
}
