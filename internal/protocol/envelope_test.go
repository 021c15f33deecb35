package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseClientAuth(t *testing.T) {
	env, err := ParseClient([]byte(`{"kind":"auth","token":"secret"}`))
	if err != nil {
		t.Fatalf("ParseClient: %v", err)
	}
	if env == nil || env.Kind != ClientKindAuth || env.Token != "secret" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestParseClientRejectsMalformedJSON(t *testing.T) {
	env, err := ParseClient([]byte(`not json`))
	if err != nil {
		t.Fatalf("expected nil error for malformed line, got %v", err)
	}
	if env != nil {
		t.Fatalf("expected nil envelope for malformed line, got %+v", env)
	}
}

func TestParseClientRejectsUnknownKind(t *testing.T) {
	env, _ := ParseClient([]byte(`{"kind":"something.else"}`))
	if env != nil {
		t.Fatalf("expected nil for unknown kind, got %+v", env)
	}
}

func TestParseClientPTYResizeRejectsBadDimensions(t *testing.T) {
	cases := []string{
		`{"kind":"pty.resize","sessionId":"s1","cols":0,"rows":10}`,
		`{"kind":"pty.resize","sessionId":"s1","cols":10,"rows":-1}`,
		`{"kind":"pty.resize","cols":10,"rows":10}`,
	}
	for _, c := range cases {
		env, _ := ParseClient([]byte(c))
		if env != nil {
			t.Fatalf("expected nil for %q, got %+v", c, env)
		}
	}
}

func TestParseClientPTYSignalRejectsUnknownSignal(t *testing.T) {
	env, _ := ParseClient([]byte(`{"kind":"pty.signal","sessionId":"s1","signal":"bogus"}`))
	if env != nil {
		t.Fatalf("expected nil for unknown signal, got %+v", env)
	}
	env, _ = ParseClient([]byte(`{"kind":"pty.signal","sessionId":"s1","signal":"interrupt"}`))
	if env == nil {
		t.Fatal("expected valid envelope for interrupt signal")
	}
}

func TestParseClientCommandRequiresIDAndBody(t *testing.T) {
	env, _ := ParseClient([]byte(`{"kind":"command","commandId":"c1"}`))
	if env != nil {
		t.Fatal("expected nil without a command body")
	}
	env, _ = ParseClient([]byte(`{"kind":"command","commandId":"c1","command":{"type":"session.list"}}`))
	if env == nil {
		t.Fatal("expected valid envelope")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := ServerEnvelope{Kind: ServerKindPTYOutput, SessionID: "s1", Cursor: 42, ChunkBase64: "aGk="}
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.HasSuffix(data, []byte("\n")) {
		t.Fatal("expected newline terminator")
	}
	decoder := NewLineDecoder(bytes.NewReader(data))
	line, ok, err := decoder.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	got, err := ParseServer(line)
	if err != nil {
		t.Fatalf("ParseServer: %v", err)
	}
	if got == nil || got.SessionID != "s1" || got.Cursor != 42 {
		t.Fatalf("unexpected round-trip result: %+v", got)
	}
}

func TestLineDecoderNoPartialLines(t *testing.T) {
	input := `{"kind":"auth.ok"}` + "\n" + `{"kind":"auth.error","error":"x"}` + "\n"
	decoder := NewLineDecoder(strings.NewReader(input))

	var lines [][]byte
	for {
		line, ok, err := decoder.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
}

func TestParseCommandUnknownTypeStillParses(t *testing.T) {
	c := ParseCommand([]byte(`{"type":"bogus.command"}`))
	if c == nil {
		t.Fatal("expected non-nil Command so the dispatcher can fail it cleanly")
	}
	if IsKnownCommandType(c.Type) {
		t.Fatal("expected bogus.command to be unknown")
	}
}

func TestCommandDecodeTypedPayload(t *testing.T) {
	c := ParseCommand([]byte(`{"type":"session.claim","sessionId":"s1","controllerId":"A","takeover":true}`))
	if c == nil {
		t.Fatal("expected parsed command")
	}
	var claim SessionClaimPayload
	if err := c.Decode(&claim); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if claim.SessionID != "s1" || claim.ControllerID != "A" || !claim.Takeover {
		t.Fatalf("unexpected decode: %+v", claim)
	}
}
