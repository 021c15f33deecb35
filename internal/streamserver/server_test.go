package streamserver

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/dcosson-labs/harness/internal/hub"
	"github.com/dcosson-labs/harness/internal/protocol"
	"github.com/dcosson-labs/harness/internal/scope"
)

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr net.Addr) *testClient {
	t.Helper()
	c, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return &testClient{t: t, conn: c, r: bufio.NewReader(c)}
}

func (tc *testClient) sendEnv(env protocol.ClientEnvelope) {
	tc.t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		tc.t.Fatalf("marshal envelope: %v", err)
	}
	data = append(data, '\n')
	if _, err := tc.conn.Write(data); err != nil {
		tc.t.Fatalf("write envelope: %v", err)
	}
}

func (tc *testClient) recv() protocol.ServerEnvelope {
	tc.t.Helper()
	tc.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := tc.r.ReadBytes('\n')
	if err != nil {
		tc.t.Fatalf("read envelope: %v", err)
	}
	var env protocol.ServerEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		tc.t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func (tc *testClient) recvKind(kind string) protocol.ServerEnvelope {
	tc.t.Helper()
	for i := 0; i < 20; i++ {
		env := tc.recv()
		if env.Kind == kind {
			return env
		}
	}
	tc.t.Fatalf("never saw envelope kind %q", kind)
	return protocol.ServerEnvelope{}
}

func newTestServer(t *testing.T, cfg Config) (*Server, net.Addr) {
	t.Helper()
	h := hub.New()
	reg := NewRegistry(h, nil, nil)
	srv := New(cfg, reg, h, nil, nil)
	ln, err := srv.Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, ln.Addr()
}

func TestAuthRequiredBeforeCommands(t *testing.T) {
	_, addr := newTestServer(t, Config{AuthToken: "secret"})
	tc := dial(t, addr)

	tc.sendEnv(protocol.ClientEnvelope{Kind: protocol.ClientKindAuth, Token: "wrong"})
	env := tc.recv()
	if env.Kind != protocol.ServerKindAuthError {
		t.Fatalf("expected auth.error, got %+v", env)
	}
}

func TestSessionListEmptyThenStartAttachRespond(t *testing.T) {
	_, addr := newTestServer(t, Config{Scope: scope.Scope{TenantID: "t", UserID: "u", WorkspaceID: "w"}})
	tc := dial(t, addr)

	tc.sendEnv(protocol.ClientEnvelope{Kind: protocol.ClientKindCommand, CommandID: "c1",
		Command: mustJSON(t, map[string]any{"type": protocol.CmdSessionList})})
	tc.recvKind(protocol.ServerKindCommandAccepted)
	completed := tc.recvKind(protocol.ServerKindCommandCompleted)
	var listResult struct {
		Sessions []any `json:"sessions"`
	}
	json.Unmarshal(completed.Result, &listResult)
	if len(listResult.Sessions) != 0 {
		t.Fatalf("expected no sessions, got %v", listResult.Sessions)
	}

	tc.sendEnv(protocol.ClientEnvelope{Kind: protocol.ClientKindCommand, CommandID: "c2",
		Command: mustJSON(t, map[string]any{
			"type": protocol.CmdPTYStart, "agentType": "claude", "command": "/bin/sh",
			"args": []string{"-c", "cat"}, "rows": 24, "cols": 80,
		})})
	tc.recvKind(protocol.ServerKindCommandAccepted)
	startResult := tc.recvKind(protocol.ServerKindCommandCompleted)
	var started struct {
		SessionID string `json:"sessionId"`
	}
	json.Unmarshal(startResult.Result, &started)
	if started.SessionID == "" {
		t.Fatalf("expected a sessionId, got %+v", startResult)
	}

	tc.sendEnv(protocol.ClientEnvelope{Kind: protocol.ClientKindCommand, CommandID: "c3",
		Command: mustJSON(t, map[string]any{"type": protocol.CmdPTYAttach, "sessionId": started.SessionID})})
	tc.recvKind(protocol.ServerKindCommandAccepted)
	tc.recvKind(protocol.ServerKindCommandCompleted)

	tc.sendEnv(protocol.ClientEnvelope{Kind: protocol.ClientKindCommand, CommandID: "c4",
		Command: mustJSON(t, map[string]any{
			"type": protocol.CmdSessionClaim, "sessionId": started.SessionID,
			"controllerId": "ctrl-a", "controllerType": "human", "takeover": false,
		})})
	tc.recvKind(protocol.ServerKindCommandAccepted)
	claimResult := tc.recvKind(protocol.ServerKindCommandCompleted)
	var claimed struct {
		Action string `json:"action"`
	}
	json.Unmarshal(claimResult.Result, &claimed)
	if claimed.Action != "claimed" {
		t.Fatalf("expected claimed, got %+v", claimed)
	}

	tc.sendEnv(protocol.ClientEnvelope{Kind: protocol.ClientKindPTYInput, SessionID: started.SessionID,
		DataBase64: base64.StdEncoding.EncodeToString([]byte("hello\n"))})

	// The pty's line discipline echoes the input and maps "\n" to "\r\n".
	out := tc.recvKind(protocol.ServerKindPTYOutput)
	data, _ := base64.StdEncoding.DecodeString(out.ChunkBase64)
	if string(data) != "hello\r\n" {
		t.Fatalf("expected echoed hello, got %q", data)
	}
}

func TestSessionClaimTakeoverSequence(t *testing.T) {
	_, addr := newTestServer(t, Config{Scope: scope.Scope{TenantID: "t", UserID: "u", WorkspaceID: "w"}})
	tc := dial(t, addr)

	tc.sendEnv(protocol.ClientEnvelope{Kind: protocol.ClientKindCommand, CommandID: "start",
		Command: mustJSON(t, map[string]any{
			"type": protocol.CmdPTYStart, "agentType": "claude", "command": "/bin/sh",
			"args": []string{"-c", "cat"}, "rows": 24, "cols": 80,
		})})
	tc.recvKind(protocol.ServerKindCommandAccepted)
	startResult := tc.recvKind(protocol.ServerKindCommandCompleted)
	var started struct {
		SessionID string `json:"sessionId"`
	}
	json.Unmarshal(startResult.Result, &started)

	claim := func(id, controllerID string, takeover bool) string {
		tc.sendEnv(protocol.ClientEnvelope{Kind: protocol.ClientKindCommand, CommandID: id,
			Command: mustJSON(t, map[string]any{
				"type": protocol.CmdSessionClaim, "sessionId": started.SessionID,
				"controllerId": controllerID, "controllerType": "human", "takeover": takeover,
			})})
		tc.recvKind(protocol.ServerKindCommandAccepted)
		result := tc.recvKind(protocol.ServerKindCommandCompleted)
		var r struct {
			Action string `json:"action"`
		}
		json.Unmarshal(result.Result, &r)
		return r.Action
	}

	if a := claim("c1", "A", false); a != "claimed" {
		t.Fatalf("expected claimed, got %s", a)
	}
	if a := claim("c2", "B", false); a != "takeover-declined" {
		t.Fatalf("expected takeover-declined, got %s", a)
	}
	if a := claim("c3", "B", true); a != "claimed" {
		t.Fatalf("expected claimed on takeover, got %s", a)
	}
}

// TestKeyEventsSubscribeIsDistinctFromPTYEventsSubscribe guards against
// key-events.subscribe being routed through the same bookkeeping as
// pty.subscribe-events: a connection that only subscribes to key events
// must still receive the raw-input relay, and one that never subscribes
// to either must receive neither.
func TestKeyEventsSubscribeIsDistinctFromPTYEventsSubscribe(t *testing.T) {
	_, addr := newTestServer(t, Config{Scope: scope.Scope{TenantID: "t", UserID: "u", WorkspaceID: "w"}})
	tc := dial(t, addr)

	tc.sendEnv(protocol.ClientEnvelope{Kind: protocol.ClientKindCommand, CommandID: "start",
		Command: mustJSON(t, map[string]any{
			"type": protocol.CmdPTYStart, "agentType": "claude", "command": "/bin/sh",
			"args": []string{"-c", "cat"}, "rows": 24, "cols": 80,
		})})
	tc.recvKind(protocol.ServerKindCommandAccepted)
	startResult := tc.recvKind(protocol.ServerKindCommandCompleted)
	var started struct {
		SessionID string `json:"sessionId"`
	}
	json.Unmarshal(startResult.Result, &started)

	tc.sendEnv(protocol.ClientEnvelope{Kind: protocol.ClientKindCommand, CommandID: "claim",
		Command: mustJSON(t, map[string]any{
			"type": protocol.CmdSessionClaim, "sessionId": started.SessionID,
			"controllerId": "ctrl-a", "controllerType": "human", "takeover": false,
		})})
	tc.recvKind(protocol.ServerKindCommandAccepted)
	tc.recvKind(protocol.ServerKindCommandCompleted)

	tc.sendEnv(protocol.ClientEnvelope{Kind: protocol.ClientKindCommand, CommandID: "key-sub",
		Command: mustJSON(t, map[string]any{"type": protocol.CmdKeyEventsSubscribe, "sessionId": started.SessionID})})
	tc.recvKind(protocol.ServerKindCommandAccepted)
	tc.recvKind(protocol.ServerKindCommandCompleted)

	tc.sendEnv(protocol.ClientEnvelope{Kind: protocol.ClientKindPTYInput, SessionID: started.SessionID,
		DataBase64: base64.StdEncoding.EncodeToString([]byte("hi"))})

	// PTY echo arrives as pty.output; the key-event relay arrives as a
	// separate pty.event envelope carrying the raw input, not the
	// notify-mapper's "notify" shape pty.subscribe-events would produce.
	var keyEvent *protocol.ServerEnvelope
	for i := 0; i < 20 && keyEvent == nil; i++ {
		env := tc.recv()
		if env.Kind == protocol.ServerKindPTYEvent {
			e := env
			keyEvent = &e
		}
	}
	if keyEvent == nil {
		t.Fatal("expected a pty.event carrying the key relay, got none")
	}
	var decoded struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}
	if err := json.Unmarshal(keyEvent.Event, &decoded); err != nil {
		t.Fatalf("unmarshal key event: %v", err)
	}
	if decoded.Type != "key" || decoded.Data != "hi" {
		t.Fatalf("unexpected key event payload: %+v", decoded)
	}
}

// TestDisconnectTearsDownPTYSubscriptionBeforeBrokerAppend guards
// against cleanup nilling c.ptySubs before tearing down the
// subscriptions it held, which left the broker subscription and its
// fan-out goroutine alive after disconnect; the next broker.Append
// would then try to send on the closed c.out channel and panic.
func TestDisconnectTearsDownPTYSubscriptionBeforeBrokerAppend(t *testing.T) {
	srv, addr := newTestServer(t, Config{Scope: scope.Scope{TenantID: "t", UserID: "u", WorkspaceID: "w"}})
	tc := dial(t, addr)

	tc.sendEnv(protocol.ClientEnvelope{Kind: protocol.ClientKindCommand, CommandID: "start",
		Command: mustJSON(t, map[string]any{
			"type": protocol.CmdPTYStart, "agentType": "claude", "command": "/bin/sh",
			"args": []string{"-c", "cat"}, "rows": 24, "cols": 80,
		})})
	tc.recvKind(protocol.ServerKindCommandAccepted)
	startResult := tc.recvKind(protocol.ServerKindCommandCompleted)
	var started struct {
		SessionID string `json:"sessionId"`
	}
	json.Unmarshal(startResult.Result, &started)

	tc.sendEnv(protocol.ClientEnvelope{Kind: protocol.ClientKindCommand, CommandID: "attach",
		Command: mustJSON(t, map[string]any{"type": protocol.CmdPTYAttach, "sessionId": started.SessionID})})
	tc.recvKind(protocol.ServerKindCommandAccepted)
	tc.recvKind(protocol.ServerKindCommandCompleted)

	tc.conn.Close()
	// Give the server's accept-loop goroutine time to notice the close
	// and run cleanup before the broker gets more data to fan out.
	time.Sleep(200 * time.Millisecond)

	actor := srv.registry.Get(started.SessionID)
	if actor == nil {
		t.Fatalf("session %s vanished", started.SessionID)
	}
	actor.Broker().Append([]byte("more output after disconnect\n"))

	// Give any orphaned fan-out goroutine a chance to panic before the
	// test exits; the absence of a panic is the assertion.
	time.Sleep(200 * time.Millisecond)
}

func TestSessionNotifyRoutesHookEventToSession(t *testing.T) {
	_, addr := newTestServer(t, Config{Scope: scope.Scope{TenantID: "t", UserID: "u", WorkspaceID: "w"}})
	tc := dial(t, addr)

	tc.sendEnv(protocol.ClientEnvelope{Kind: protocol.ClientKindCommand, CommandID: "start",
		Command: mustJSON(t, map[string]any{
			"type": protocol.CmdPTYStart, "agentType": "claude", "command": "/bin/sh",
			"args": []string{"-c", "cat"}, "rows": 24, "cols": 80,
		})})
	tc.recvKind(protocol.ServerKindCommandAccepted)
	startResult := tc.recvKind(protocol.ServerKindCommandCompleted)
	var started struct {
		SessionID string `json:"sessionId"`
	}
	json.Unmarshal(startResult.Result, &started)

	tc.sendEnv(protocol.ClientEnvelope{Kind: protocol.ClientKindCommand, CommandID: "notify",
		Command: mustJSON(t, map[string]any{
			"type": protocol.CmdSessionNotify, "sessionId": started.SessionID,
			"hookEventName": "Stop",
		})})
	tc.recvKind(protocol.ServerKindCommandAccepted)
	notifyResult := tc.recvKind(protocol.ServerKindCommandCompleted)
	var ack struct {
		OK bool `json:"ok"`
	}
	json.Unmarshal(notifyResult.Result, &ack)
	if !ack.OK {
		t.Fatalf("expected ok=true, got %+v", notifyResult)
	}

	tc.sendEnv(protocol.ClientEnvelope{Kind: protocol.ClientKindCommand, CommandID: "notify-missing",
		Command: mustJSON(t, map[string]any{
			"type": protocol.CmdSessionNotify, "sessionId": "does-not-exist",
			"hookEventName": "Stop",
		})})
	tc.recvKind(protocol.ServerKindCommandAccepted)
	failed := tc.recvKind(protocol.ServerKindCommandFailed)
	if failed.Error == "" {
		t.Fatalf("expected an error notifying an unknown session, got %+v", failed)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
