package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewPrefixesComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "gateway")
	l.Printf("listening on %s", "127.0.0.1:9000")
	if !strings.Contains(buf.String(), "gateway: listening on 127.0.0.1:9000") {
		t.Fatalf("expected component-prefixed line, got %q", buf.String())
	}
}

func TestSubNestsPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "gateway")
	sub := l.Sub("session")
	sub.Printf("claimed")
	if !strings.Contains(buf.String(), "gateway: session: claimed") {
		t.Fatalf("expected nested prefix, got %q", buf.String())
	}
}
