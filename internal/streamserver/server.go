package streamserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/dcosson-labs/harness/internal/broker"
	"github.com/dcosson-labs/harness/internal/eventstore"
	"github.com/dcosson-labs/harness/internal/hub"
	"github.com/dcosson-labs/harness/internal/protocol"
	"github.com/dcosson-labs/harness/internal/scope"
	"github.com/dcosson-labs/harness/internal/statestore"
)

// writerQueueSize bounds each connection's outbound envelope queue
// (spec §5 "the writer uses a bounded queue per connection and drops
// the slowest client if it exceeds a soft limit").
const writerQueueSize = 256

// authDeadline is how long an unauthenticated connection may sit idle
// before the server closes it (spec §4.2 "a short deadline after which
// no auth -> connection closed").
const authDeadline = 5 * time.Second

// Config configures a Server.
type Config struct {
	AuthToken string // empty means no auth required
	// CloseLiveSessionsOnClientStop closes every session this connection
	// was the controller of, on disconnect (spec §4.2, "embedded mode").
	CloseLiveSessionsOnClientStop bool
	// Scope is the (tenantId, userId, workspaceId) tuple this gateway
	// process serves. The wire protocol carries no per-command scope
	// (one daemon process serves exactly one workspace), so every
	// registry call is scoped here rather than per-connection.
	Scope scope.Scope
}

// Server is the Stream Server: a TCP listener speaking the line-JSON
// protocol, dispatching commands onto a Registry and fanning out PTY
// output/events and observed events to subscribed connections.
type Server struct {
	cfg      Config
	registry *Registry
	hub      *hub.Hub
	events   *eventstore.Store
	state    *statestore.Store

	ln net.Listener

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// New constructs a Server. Call Serve to start accepting connections.
func New(cfg Config, registry *Registry, h *hub.Hub, ev *eventstore.Store, st *statestore.Store) *Server {
	return &Server{cfg: cfg, registry: registry, hub: h, events: ev, state: st, conns: make(map[*conn]struct{})}
}

// Serve binds ln and runs the accept loop until ln is closed.
func (s *Server) Serve(ln net.Listener) {
	s.ln = ln
	s.acceptLoop()
}

// Listen is a convenience wrapper that binds host:port then calls Serve.
func (s *Server) Listen(host string, port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("streamserver: listen: %w", err)
	}
	go s.Serve(ln)
	return ln, nil
}

// Addr returns the bound listener's address, or nil before Listen/Serve.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		conn := s.newConn(c)
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go conn.run()
	}
}

// Close closes the listener and every live connection. Unlike closeOut,
// this closes sockets directly: a full server shutdown has no single
// client message left to flush.
func (s *Server) Close() error {
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.netConn.Close()
	}
	return err
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// ptySub tracks one session's output subscription for this connection.
type ptySub struct {
	sessionID string
	subID     int
	stopOnce  sync.Once
	stop      chan struct{}
}

// eventSub tracks one pty.subscribe-events registration.
type eventSub struct {
	sessionID string
}

// keyEventSub tracks one key-events.subscribe registration. It is
// distinct from eventSub: spec §2/§3 treats "session-key-event" as its
// own observed-event type, separate from the pty.event/pty.exit stream
// pty.subscribe-events gates, even though both ride the same lazily
// created per-connection hub subscription.
type keyEventSub struct {
	sessionID string
}

// conn is one accepted TCP connection running the auth-gated,
// command-dispatching protocol loop (spec §5: "each connection has a
// reader ..., a writer ..., and a command goroutine").
type conn struct {
	s       *Server
	netConn net.Conn
	dec     *protocol.LineDecoder

	authed bool

	out          chan []byte
	outDone      chan struct{}
	closeOutOnce sync.Once

	mu           sync.Mutex
	ptySubs      map[string]*ptySub // sessionId -> subscription
	eventSubs    map[string]*eventSub
	keyEventSubs map[string]*keyEventSub
	streamSub    *int // stream.subscribe subscriber id, if any
	streamStop   chan struct{}

	controlledSessions map[string]string // sessionId -> controllerId this connection claimed it with

	eventsHubSub  *int
	eventsHubStop chan struct{}
}

func (s *Server) newConn(nc net.Conn) *conn {
	return &conn{
		s: s, netConn: nc, dec: protocol.NewLineDecoder(nc),
		out: make(chan []byte, writerQueueSize), outDone: make(chan struct{}),
		ptySubs: make(map[string]*ptySub), eventSubs: make(map[string]*eventSub),
		keyEventSubs:       make(map[string]*keyEventSub),
		controlledSessions: make(map[string]string),
	}
}

func (c *conn) run() {
	defer c.cleanup()
	go c.writeLoop()

	if c.s.cfg.AuthToken == "" {
		c.authed = true
	} else {
		c.netConn.SetReadDeadline(time.Now().Add(authDeadline))
	}

	for {
		line, ok, err := c.dec.Next()
		if err != nil || !ok {
			return
		}
		if !c.authed {
			c.netConn.SetReadDeadline(time.Time{})
		}
		c.handleLine(line)
	}
}

func (c *conn) handleLine(line []byte) {
	env, err := protocol.ParseClient(line)
	if err != nil || env == nil {
		log.Printf("streamserver: dropping malformed line from %s", c.netConn.RemoteAddr())
		return // malformed line: logged and dropped, not fatal
	}

	if !c.authed {
		if env.Kind != protocol.ClientKindAuth {
			return // non-auth envelopes are silently dropped pre-auth
		}
		c.handleAuth(env.Token)
		return
	}

	switch env.Kind {
	case protocol.ClientKindAuth:
		c.send(protocol.ServerEnvelope{Kind: protocol.ServerKindAuthOK})
	case protocol.ClientKindCommand:
		c.handleCommand(env.CommandID, env.Command)
	case protocol.ClientKindPTYInput:
		c.handlePTYInput(env.SessionID, env.DataBase64)
	case protocol.ClientKindPTYResize:
		c.handlePTYResize(env.SessionID, env.Rows, env.Cols)
	case protocol.ClientKindPTYSignal:
		c.handlePTYSignal(env.SessionID, env.Signal)
	}
}

func (c *conn) handleAuth(token string) {
	if token != c.s.cfg.AuthToken {
		c.send(protocol.ServerEnvelope{Kind: protocol.ServerKindAuthError, Error: "invalid auth token"})
		// Let the writer flush auth.error before the socket goes away;
		// closing c.out (not netConn) lets writeLoop drain then close.
		c.closeOut()
		return
	}
	c.authed = true
	c.send(protocol.ServerEnvelope{Kind: protocol.ServerKindAuthOK})
}

// closeOut signals the writer to drain any queued envelopes and then
// close the underlying connection. Safe to call more than once.
func (c *conn) closeOut() {
	c.closeOutOnce.Do(func() { close(c.out) })
}

// send marshals env and enqueues it on the writer, dropping the
// connection (not blocking) if its queue is already full (spec §5).
func (c *conn) send(env protocol.ServerEnvelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		return
	}
	select {
	case c.out <- data:
	default:
		log.Printf("streamserver: dropping slow connection %s (writer queue full)", c.netConn.RemoteAddr())
		c.closeOut()
	}
}

func (c *conn) writeLoop() {
	defer close(c.outDone)
	defer c.netConn.Close()
	for data := range c.out {
		if _, err := c.netConn.Write(data); err != nil {
			return
		}
	}
}

func (c *conn) handlePTYInput(sessionID, dataB64 string) {
	actor := c.s.registry.Get(sessionID)
	if actor == nil {
		return
	}
	controllerID, ok := c.controllerFor(sessionID)
	if !ok {
		return
	}
	data, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return
	}
	actor.Respond(controllerID, data)
}

func (c *conn) handlePTYResize(sessionID string, rows, cols int) {
	actor := c.s.registry.Get(sessionID)
	if actor == nil {
		return
	}
	controllerID, ok := c.controllerFor(sessionID)
	if !ok {
		return
	}
	actor.Resize(controllerID, rows, cols)
}

func (c *conn) handlePTYSignal(sessionID, signal string) {
	actor := c.s.registry.Get(sessionID)
	if actor == nil {
		return
	}
	controllerID, ok := c.controllerFor(sessionID)
	if !ok || !actor.IsController(controllerID) {
		return
	}
	actor.Host().Signal(signal) // kind already restricted to interrupt/eof/terminate by ParseClient
}

// controllerFor returns the controllerId this connection most recently
// used to claim sessionID, tracked since raw pty.input/resize/signal
// envelopes don't carry a controllerId of their own.
func (c *conn) controllerFor(sessionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.controlledSessions[sessionID]
	return id, ok
}

func (c *conn) rememberController(sessionID, controllerID string) {
	c.mu.Lock()
	c.controlledSessions[sessionID] = controllerID
	c.mu.Unlock()
}

func (c *conn) forgetController(sessionID string) {
	c.mu.Lock()
	delete(c.controlledSessions, sessionID)
	c.mu.Unlock()
}

// attachPTY subscribes this connection to sessionID's broker output,
// replaying from sinceCursor and then streaming new chunks
// (pty.attach).
func (c *conn) attachPTY(sessionID string, sinceCursor int64, br *broker.Broker) {
	c.mu.Lock()
	if _, exists := c.ptySubs[sessionID]; exists {
		c.mu.Unlock()
		return
	}
	id, ch, replay := br.Subscribe(sinceCursor, 64)
	sub := &ptySub{sessionID: sessionID, subID: id, stop: make(chan struct{})}
	c.ptySubs[sessionID] = sub
	c.mu.Unlock()

	for _, chunk := range replay {
		c.send(protocol.ServerEnvelope{
			Kind: protocol.ServerKindPTYOutput, SessionID: sessionID,
			Cursor: chunk.Cursor, ChunkBase64: base64.StdEncoding.EncodeToString(chunk.Data),
		})
	}

	go func() {
		for {
			select {
			case chunk, ok := <-ch:
				if !ok {
					return
				}
				c.send(protocol.ServerEnvelope{
					Kind: protocol.ServerKindPTYOutput, SessionID: sessionID,
					Cursor: chunk.Cursor, ChunkBase64: base64.StdEncoding.EncodeToString(chunk.Data),
				})
			case <-sub.stop:
				return
			}
		}
	}()
}

func (c *conn) detachPTY(sessionID string, br *broker.Broker) {
	c.mu.Lock()
	sub, ok := c.ptySubs[sessionID]
	if ok {
		delete(c.ptySubs, sessionID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	stopPTYSub(sub, br)
}

// stopPTYSub tears down a single subscription's fan-out goroutine and
// broker registration. Callers that already hold sub (e.g. cleanup,
// which has already removed it from c.ptySubs) must call this directly
// instead of detachPTY, which re-looks the subscription up by sessionID
// and would find nothing once the map entry is gone.
func stopPTYSub(sub *ptySub, br *broker.Broker) {
	sub.stopOnce.Do(func() { close(sub.stop) })
	br.Unsubscribe(sub.subID)
}

// subscribeEvents gates pty.event/pty.exit delivery for a session,
// independent of pty.attach (spec §4.3 "Event subscriptions"). Events
// themselves travel over the same observed-event hub as stream.subscribe
// (both are in-process, scope-filtered fan-out); this connection lazily
// attaches one hub subscription on first use and filters by sessionId.
func (c *conn) subscribeEvents(sessionID string) {
	c.ensureEventsHubSub()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventSubs[sessionID] = &eventSub{sessionID: sessionID}
}

func (c *conn) unsubscribeEvents(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.eventSubs, sessionID)
}

func (c *conn) subscribedToEvents(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.eventSubs[sessionID]
	return ok
}

// subscribeKeyEvents registers this connection for a session's
// "session-key-event" observed events (key-events.subscribe). It shares
// ensureEventsHubSub's lazily-created hub subscription with
// subscribeEvents, but tracks membership in its own map so the two
// subscription kinds stay independently gated.
func (c *conn) subscribeKeyEvents(sessionID string) {
	c.ensureEventsHubSub()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyEventSubs[sessionID] = &keyEventSub{sessionID: sessionID}
}

func (c *conn) unsubscribeKeyEvents(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keyEventSubs, sessionID)
}

func (c *conn) subscribedToKeyEvents(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.keyEventSubs[sessionID]
	return ok
}

func (c *conn) ensureEventsHubSub() {
	c.mu.Lock()
	if c.eventsHubSub != nil {
		c.mu.Unlock()
		return
	}
	id, ch := c.s.hub.Subscribe(c.s.cfg.Scope, 256)
	c.eventsHubSub = &id
	stop := make(chan struct{})
	c.eventsHubStop = stop
	c.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				c.relayPTYEvent(ev)
			case <-stop:
				return
			}
		}
	}()
}

// relayPTYEvent turns a hub event into a pty.event/pty.exit envelope for
// connections subscribed to that session via pty.subscribe-events.
// "session-status" events (controller changes, status transitions) are
// delivered only via stream.subscribe, not here — they describe the
// conversation's persisted state, not a discrete session-runtime event.
func (c *conn) relayPTYEvent(ev hub.Event) {
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return
	}
	sessionID, _ := payload["sessionId"].(string)
	if sessionID == "" {
		return
	}

	if ev.Type == "session-key-event" {
		if c.subscribedToKeyEvents(sessionID) {
			c.relayKeyEvent(sessionID, payload)
		}
		return
	}

	if !c.subscribedToEvents(sessionID) {
		return
	}
	switch ev.Type {
	case "session-exit":
		exitMap, _ := payload["exit"].(map[string]any)
		code, _ := exitMap["code"].(int)
		signal, _ := exitMap["signal"].(string)
		c.send(protocol.ServerEnvelope{Kind: protocol.ServerKindPTYExit, SessionID: sessionID, Exit: &protocol.ExitInfo{Code: code, Signal: signal}})
	case "session-event":
		data, _ := json.Marshal(map[string]any{
			"type": "notify", "eventName": payload["eventName"], "summary": payload["summary"],
		})
		c.send(protocol.ServerEnvelope{Kind: protocol.ServerKindPTYEvent, SessionID: sessionID, Event: data})
	}
}

// relayKeyEvent turns a "session-key-event" hub event into a pty.event
// envelope carrying the raw input bytes a controller sent this session,
// for a connection subscribed via key-events.subscribe rather than
// pty.subscribe-events — a distinct subscription so a client can observe
// keystrokes without also receiving notify/exit relay, and vice versa.
func (c *conn) relayKeyEvent(sessionID string, payload map[string]any) {
	data, _ := json.Marshal(map[string]any{
		"type": "key", "data": payload["data"],
	})
	c.send(protocol.ServerEnvelope{Kind: protocol.ServerKindPTYEvent, SessionID: sessionID, Event: data})
}

func (c *conn) closeEventsHubSub() {
	c.mu.Lock()
	id := c.eventsHubSub
	stop := c.eventsHubStop
	c.eventsHubSub, c.eventsHubStop = nil, nil
	c.mu.Unlock()
	if id == nil {
		return
	}
	close(stop)
	c.s.hub.Unsubscribe(*id)
}

// subscribeStream subscribes this connection to the observed-event hub
// (stream.subscribe), filtered to sc. Only events published after the
// subscription reach the client, minus any whose cursor is at or below
// afterCursor; events published before it are not replayed.
func (c *conn) subscribeStream(sc scope.Scope, afterCursor *int64) {
	c.mu.Lock()
	if c.streamSub != nil {
		c.mu.Unlock()
		return
	}
	id, ch := c.s.hub.Subscribe(sc, 256)
	c.streamSub = &id
	c.streamStop = make(chan struct{})
	stop := c.streamStop
	c.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if afterCursor != nil && ev.Cursor <= *afterCursor {
					continue
				}
				data, _ := json.Marshal(ev)
				c.send(protocol.ServerEnvelope{Kind: protocol.ServerKindStreamEvent, StreamEvent: data})
			case <-stop:
				return
			}
		}
	}()
}

func (c *conn) unsubscribeStream() {
	c.mu.Lock()
	id := c.streamSub
	stop := c.streamStop
	c.streamSub, c.streamStop = nil, nil
	c.mu.Unlock()
	if id == nil {
		return
	}
	close(stop)
	c.s.hub.Unsubscribe(*id)
}

// cleanup runs once per connection on disconnect: release every
// subscription, and close controlled live sessions if the server was
// configured with CloseLiveSessionsOnClientStop (spec §4.2).
func (c *conn) cleanup() {
	c.s.removeConn(c)
	c.closeOut()
	<-c.outDone

	c.mu.Lock()
	ptySubs := make([]*ptySub, 0, len(c.ptySubs))
	for _, sub := range c.ptySubs {
		ptySubs = append(ptySubs, sub)
	}
	c.ptySubs = nil
	controlled := c.controlledSessions
	c.controlledSessions = nil
	c.mu.Unlock()

	for _, sub := range ptySubs {
		if actor := c.s.registry.Get(sub.sessionID); actor != nil {
			stopPTYSub(sub, actor.Broker())
		}
	}
	c.unsubscribeStream()
	c.closeEventsHubSub()

	if c.s.cfg.CloseLiveSessionsOnClientStop {
		for sessionID, controllerID := range controlled {
			if actor := c.s.registry.Get(sessionID); actor != nil && actor.IsController(controllerID) {
				c.s.registry.Remove(sessionID)
			}
		}
	}
}

// Shutdown stops the server, draining no connections forcefully beyond
// a context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() { s.Close(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
