package streamclient_test

import (
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/dcosson-labs/harness/internal/hub"
	"github.com/dcosson-labs/harness/internal/protocol"
	"github.com/dcosson-labs/harness/internal/scope"
	"github.com/dcosson-labs/harness/internal/streamclient"
	"github.com/dcosson-labs/harness/internal/streamserver"
)

func startTestServer(t *testing.T, cfg streamserver.Config) string {
	t.Helper()
	h := hub.New()
	reg := streamserver.NewRegistry(h, nil, nil)
	srv := streamserver.New(cfg, reg, h, nil, nil)
	ln, err := srv.Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return ln.Addr().String()
}

func TestDialAuthRejectsWrongToken(t *testing.T) {
	addr := startTestServer(t, streamserver.Config{AuthToken: "secret"})
	host, port := splitHostPort(t, addr)

	_, err := streamclient.Dial(host, port, streamclient.DialOpts{AuthToken: "wrong", RetryWindow: 200 * time.Millisecond})
	if err == nil {
		t.Fatal("expected auth rejection error")
	}
}

func TestCallSessionListEmpty(t *testing.T) {
	addr := startTestServer(t, streamserver.Config{Scope: scope.Scope{TenantID: "t", UserID: "u", WorkspaceID: "w"}})
	host, port := splitHostPort(t, addr)

	c, err := streamclient.Dial(host, port, streamclient.DialOpts{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	result, err := c.Call(protocol.CmdSessionList, nil, time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var parsed struct {
		Sessions []any `json:"sessions"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(parsed.Sessions) != 0 {
		t.Fatalf("expected no sessions, got %v", parsed.Sessions)
	}
}

func TestCallUnknownCommandFails(t *testing.T) {
	addr := startTestServer(t, streamserver.Config{})
	host, port := splitHostPort(t, addr)

	c, err := streamclient.Dial(host, port, streamclient.DialOpts{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Call("not-a-real-command", nil, time.Second); err == nil {
		t.Fatal("expected an error for an unknown command type")
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %q: %v", portStr, err)
	}
	return host, port
}
