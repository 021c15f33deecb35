// Package streamclient dials the Stream Server, demuxes its line-JSON
// envelopes, and offers request/response with timeouts alongside a
// subscription-style listener for unsolicited envelopes (spec §2 "Stream
// Client", §4.4).
//
// The bounded-retry dial loop is grounded on the readiness probe
// `gateway start` performs against a freshly spawned daemon (spec §4.1:
// "block up to a retry window ... sending session.list"); the
// request/response correlation and demux-goroutine shape follows h2's
// session/message package (SendRequest/ReadResponse over a single
// connection), generalized from h2's one-shot unix-socket request to a
// long-lived TCP connection carrying many concurrent in-flight commands.
package streamclient

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dcosson-labs/harness/internal/protocol"
)

func b64(data []byte) string { return base64.StdEncoding.EncodeToString(data) }

// ErrClosed is returned by Call/Do once the client's connection has gone
// away, whether by explicit Close or a read-loop failure.
var ErrClosed = errors.New("streamclient: connection closed")

// DialOpts configures Dial's bounded-retry connect loop.
type DialOpts struct {
	AuthToken string

	// RetryWindow bounds the total time Dial spends retrying; RetryDelay
	// is the interval between attempts. Zero values fall back to the
	// spec's defaults (6s / 40ms, spec §4.1).
	RetryWindow time.Duration
	RetryDelay  time.Duration
}

const (
	defaultRetryWindow = 6 * time.Second
	defaultRetryDelay  = 40 * time.Millisecond
	defaultCallTimeout = 5 * time.Second
)

// pending tracks one in-flight command awaiting its terminal envelope.
type pending struct {
	ch chan protocol.ServerEnvelope
}

// Client is a demuxed connection to a Stream Server: one reader goroutine
// dispatches inbound envelopes either to a waiting Call or to the
// listener registered with Listen.
type Client struct {
	conn net.Conn
	dec  *protocol.LineDecoder

	mu       sync.Mutex
	pending  map[string]*pending
	closed   bool
	closeErr error

	listenMu sync.Mutex
	listener func(protocol.ServerEnvelope)

	done chan struct{}
}

// Dial connects to host:port, retrying within opts.RetryWindow, and
// completes the auth handshake if opts.AuthToken is set.
func Dial(host string, port int, opts DialOpts) (*Client, error) {
	window := opts.RetryWindow
	if window <= 0 {
		window = defaultRetryWindow
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	deadline := time.Now().Add(window)
	var lastErr error
	for {
		conn, err := net.DialTimeout("tcp", addr, delay)
		if err == nil {
			dec := protocol.NewLineDecoder(conn)
			if opts.AuthToken != "" {
				if err := authHandshake(conn, dec, opts.AuthToken); err != nil {
					conn.Close()
					return nil, err
				}
			}
			return newClient(conn, dec), nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("streamclient: dial %s: %w (after %s)", addr, lastErr, window)
		}
		time.Sleep(delay)
	}
}

func newClient(conn net.Conn, dec *protocol.LineDecoder) *Client {
	c := &Client{
		conn:    conn,
		dec:     dec,
		pending: make(map[string]*pending),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// authHandshake runs the auth exchange synchronously, before the demux
// read loop starts, so there is exactly one reader of dec at a time.
func authHandshake(conn net.Conn, dec *protocol.LineDecoder, token string) error {
	data, err := protocol.Encode(protocol.ClientEnvelope{Kind: protocol.ClientKindAuth, Token: token})
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("streamclient: send auth: %w", err)
	}

	type result struct {
		env protocol.ServerEnvelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		line, ok, err := dec.Next()
		if err != nil || !ok {
			ch <- result{err: fmt.Errorf("streamclient: connection closed during auth")}
			return
		}
		env, err := protocol.ParseServer(line)
		if err != nil || env == nil {
			ch <- result{err: fmt.Errorf("streamclient: malformed auth response")}
			return
		}
		ch <- result{env: *env}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if r.env.Kind == protocol.ServerKindAuthError {
			return fmt.Errorf("streamclient: auth rejected: %s", r.env.Error)
		}
		return nil
	case <-time.After(defaultCallTimeout):
		return fmt.Errorf("streamclient: auth timed out")
	}
}

// Listen registers fn to receive every envelope that isn't a terminal
// response to a pending Call (pty.output, pty.event, pty.exit,
// stream.event). Only one listener may be registered at a time.
func (c *Client) Listen(fn func(protocol.ServerEnvelope)) {
	c.listenMu.Lock()
	c.listener = fn
	c.listenMu.Unlock()
}

func (c *Client) readLoop() {
	defer c.teardown(nil)
	for {
		line, ok, err := c.dec.Next()
		if err != nil {
			c.teardown(err)
			return
		}
		if !ok {
			return
		}
		env, err := protocol.ParseServer(line)
		if err != nil || env == nil {
			continue // malformed line: dropped, not fatal (spec §4.2)
		}
		c.dispatch(*env)
	}
}

func (c *Client) dispatch(env protocol.ServerEnvelope) {
	switch env.Kind {
	case protocol.ServerKindCommandCompleted, protocol.ServerKindCommandFailed:
		c.mu.Lock()
		p, ok := c.pending[env.CommandID]
		if ok {
			delete(c.pending, env.CommandID)
		}
		c.mu.Unlock()
		if ok {
			p.ch <- env
		}
		return
	case protocol.ServerKindCommandAccepted:
		// Acceptance frees the caller's op-queue slot in the full client,
		// but Call blocks for the terminal envelope; nothing to do here.
		return
	}
	c.listenMu.Lock()
	fn := c.listener
	c.listenMu.Unlock()
	if fn != nil {
		fn(env)
	}
}

func (c *Client) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range pending {
		close(p.ch)
	}
	close(c.done)
}

func (c *Client) writeEnvelope(env protocol.ClientEnvelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(data)
	return err
}

// Call sends a command and blocks for its terminal envelope
// (command.completed or command.failed), or until timeout elapses. A
// zero timeout uses defaultCallTimeout.
func (c *Client) Call(cmdType string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	body, err := marshalCommand(cmdType, payload)
	if err != nil {
		return nil, err
	}
	commandID := uuid.NewString()

	ch := make(chan protocol.ServerEnvelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[commandID] = &pending{ch: ch}
	c.mu.Unlock()

	if err := c.writeEnvelope(protocol.ClientEnvelope{Kind: protocol.ClientKindCommand, CommandID: commandID, Command: body}); err != nil {
		c.mu.Lock()
		delete(c.pending, commandID)
		c.mu.Unlock()
		return nil, fmt.Errorf("streamclient: write command: %w", err)
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if env.Kind == protocol.ServerKindCommandFailed {
			msg := env.Error
			if msg == "" {
				msg = "command failed"
			}
			return nil, errors.New(msg)
		}
		return env.Result, nil
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.pending, commandID)
		c.mu.Unlock()
		return nil, fmt.Errorf("streamclient: %s timed out after %s", cmdType, timeout)
	case <-c.done:
		return nil, ErrClosed
	}
}

func marshalCommand(cmdType string, payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.Marshal(map[string]any{"type": cmdType})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("streamclient: marshal %s payload: %w", cmdType, err)
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, fmt.Errorf("streamclient: %s payload must be an object: %w", cmdType, err)
	}
	typeTag, _ := json.Marshal(cmdType)
	merged["type"] = typeTag
	return json.Marshal(merged)
}

// PTYInput sends a raw pty.input envelope (no command correlation).
func (c *Client) PTYInput(sessionID string, data []byte) error {
	return c.writeEnvelope(protocol.ClientEnvelope{
		Kind: protocol.ClientKindPTYInput, SessionID: sessionID,
		DataBase64: b64(data),
	})
}

// PTYResize sends a raw pty.resize envelope.
func (c *Client) PTYResize(sessionID string, rows, cols int) error {
	return c.writeEnvelope(protocol.ClientEnvelope{
		Kind: protocol.ClientKindPTYResize, SessionID: sessionID, Rows: rows, Cols: cols,
	})
}

// PTYSignal sends a raw pty.signal envelope.
func (c *Client) PTYSignal(sessionID, signal string) error {
	return c.writeEnvelope(protocol.ClientEnvelope{
		Kind: protocol.ClientKindPTYSignal, SessionID: sessionID, Signal: signal,
	})
}

// Close shuts down the underlying connection. Safe to call more than once.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Done returns a channel closed once the client's read loop has exited,
// whether from an explicit Close or a connection error. Err returns the
// reason, if any.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that caused the client to close, or nil if it
// closed cleanly.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}
