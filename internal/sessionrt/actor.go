package sessionrt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dcosson-labs/harness/internal/activitylog"
	"github.com/dcosson-labs/harness/internal/broker"
	"github.com/dcosson-labs/harness/internal/eventstore"
	"github.com/dcosson-labs/harness/internal/hub"
	"github.com/dcosson-labs/harness/internal/ptyhost"
	"github.com/dcosson-labs/harness/internal/scope"
)

// Controller is the conversation's current owner (spec §3 "Controller").
type Controller struct {
	ControllerID    string    `json:"controllerId"`
	ControllerType  string    `json:"controllerType"`
	ControllerLabel string    `json:"controllerLabel,omitempty"`
	ClaimedAt       time.Time `json:"claimedAt"`
}

// Snapshot is a point-in-time read of the actor's state, safe to copy and
// hand to callers outside the actor's single-goroutine discipline (spec
// §5: "Each session runtime runs on its own logical actor ... that owns
// all mutable session fields; all mutations are funneled through it").
type Snapshot struct {
	SessionID       string        `json:"sessionId"`
	Scope           scope.Scope   `json:"scope"`
	AgentType       string        `json:"agentType"`
	Status          Status        `json:"status"`
	SubState        string        `json:"subState,omitempty"`
	AttentionReason string        `json:"attentionReason,omitempty"`
	Live            bool          `json:"live"`
	ProcessID       int           `json:"processId,omitempty"`
	Cursor          int64         `json:"cursor"`
	LastEventAt     time.Time     `json:"lastEventAt,omitempty"`
	LastExit        *ptyhost.Exit `json:"lastExit,omitempty"`
	Controller      *Controller   `json:"controller,omitempty"`
}

// ClaimAction is the result of a session.claim attempt (spec §4.2
// "Controller enforcement").
type ClaimAction string

const (
	ClaimClaimed         ClaimAction = "claimed"
	ClaimAlreadyOwned    ClaimAction = "already-owned"
	ClaimTakeoverDeclined ClaimAction = "takeover-declined"
)

var ErrNotController = errors.New("sessionrt: connection is not the current controller")

// Actor is the Session Runtime for one conversation: it owns a PTY via
// the broker, applies the AgentNotifyMapper to sideband hook events, and
// serializes every mutation through a single command channel so no two
// goroutines touch its fields concurrently (spec §4.3, §5).
type Actor struct {
	id        string
	sc        scope.Scope
	agentType string

	host   *ptyhost.Host
	broker *broker.Broker
	hub    *hub.Hub
	events *eventstore.Store
	alog   *activitylog.Logger

	cmds chan func()
	done chan struct{}

	mu              sync.Mutex
	status          Status
	subState        string
	attentionReason string
	live            bool
	lastEventAt     time.Time
	lastExit        *ptyhost.Exit
	controller      *Controller
}

// New wires an Actor around an already-started PTY host and broker and
// begins consuming its output, notify, and exit channels. alog must not
// be nil; pass activitylog.Nop() when diagnostic logging isn't
// configured for this session.
func New(sessionID string, sc scope.Scope, agentType string, host *ptyhost.Host, br *broker.Broker, h *hub.Hub, ev *eventstore.Store, alog *activitylog.Logger) *Actor {
	a := &Actor{
		id:        sessionID,
		sc:        sc,
		agentType: agentType,
		host:      host,
		broker:    br,
		hub:       h,
		events:    ev,
		alog:      alog,
		cmds:      make(chan func(), 64),
		done:      make(chan struct{}),
		status:    StatusRunning,
		live:      true,
	}
	go a.run()
	return a
}

// run is the actor's single logical thread: every mutation to a's
// fields happens here, whether triggered by PTY output, a notify event,
// process exit, or an inbound command closure from Do.
func (a *Actor) run() {
	defer close(a.done)
	for {
		select {
		case chunk, ok := <-a.host.Output:
			if !ok {
				continue
			}
			a.onOutput(chunk)
		case notify, ok := <-a.host.Notify:
			if !ok {
				continue
			}
			a.onNotify(notify)
		case exit, ok := <-a.host.Exited:
			if !ok {
				a.onExit(ptyhost.Exit{At: time.Now()})
				return
			}
			a.onExit(exit)
			return
		case fn := <-a.cmds:
			fn()
		}
	}
}

// Do funnels an arbitrary operation through the actor's single thread
// and blocks for its result. Commands (claim, respond, interrupt) all
// go through this so they interleave safely with PTY/notify/exit
// handling (spec §5 "all mutations are funneled through it").
func (a *Actor) Do(fn func()) {
	done := make(chan struct{})
	select {
	case a.cmds <- func() { fn(); close(done) }:
		<-done
	case <-a.done:
	}
}

func (a *Actor) onOutput(chunk ptyhost.Chunk) {
	a.broker.Append(chunk.Data)
	a.mu.Lock()
	a.lastEventAt = chunk.At
	if a.status == StatusCompleted {
		// spec §4.3: completed -> running on any PTY output.
		a.status = StatusRunning
	}
	a.mu.Unlock()
}

func (a *Actor) onNotify(n ptyhost.NotifyEvent) {
	result := MapNotify(a.agentType, n.HookEventName, n.Payload)

	a.alog.HookEvent(n.HookEventName, result.Summary)

	a.mu.Lock()
	a.lastEventAt = n.At
	if result.StatusHint != "" {
		switch {
		case result.StatusHint == StatusNeedsInput && a.status == StatusRunning:
			from := a.status
			a.status = StatusNeedsInput
			a.alog.StatusChange(string(from), string(a.status))
			if result.Summary != "" {
				a.attentionReason = result.Summary
			} else if a.attentionReason == "" {
				a.attentionReason = "input required"
			}
		case result.StatusHint == StatusCompleted:
			from := a.status
			a.status = StatusCompleted
			a.alog.StatusChange(string(from), string(a.status))
			a.attentionReason = ""
		}
	}
	a.mu.Unlock()

	if a.events != nil {
		a.events.Append(eventstore.Record{
			ID: uuid.NewString(), Scope: a.sc, SessionID: a.id, AgentType: a.agentType,
			EventName: result.EventName, StatusHint: string(result.StatusHint), Summary: result.Summary,
			RawPayload: json.RawMessage(n.Payload), CreatedAt: n.At,
		})
	}
	if a.hub != nil {
		a.hub.Publish(a.sc, "session-event", map[string]any{
			"sessionId": a.id, "eventName": result.EventName, "summary": result.Summary,
		})
	}
}

// onExit applies spec §4.3's "Session-exit coalescing": exactly one
// exited transition regardless of how many terminal signals the PTY
// host reports.
func (a *Actor) onExit(exit ptyhost.Exit) {
	a.mu.Lock()
	if a.status == StatusExited {
		a.mu.Unlock()
		return
	}
	from := a.status
	a.status = StatusExited
	a.live = false
	a.lastExit = &exit
	a.mu.Unlock()

	a.alog.StatusChange(string(from), string(StatusExited))
	a.broker.CloseAll()
	if a.hub != nil {
		a.hub.Publish(a.sc, "session-status", map[string]any{"sessionId": a.id, "status": string(StatusExited)})
		a.hub.Publish(a.sc, "session-exit", map[string]any{
			"sessionId": a.id,
			"exit":      map[string]any{"code": exit.Code, "signal": exit.Signal},
		})
	}
}

// ID returns the session id this actor manages.
func (a *Actor) ID() string { return a.id }

// Broker returns the actor's underlying byte-cursor broker, for the
// Stream Server to wire up pty.attach/pty.detach subscriptions.
func (a *Actor) Broker() *broker.Broker { return a.broker }

// Host returns the actor's underlying PTY host, for pty.input/resize
// paths that bypass the controller-gated Respond/Resize helpers (e.g.
// the Stream Server forwarding raw pty.input/pty.resize envelopes,
// which still consult IsController first).
func (a *Actor) Host() *ptyhost.Host { return a.host }

// IsController exposes the actor's controller check so the Stream
// Server can decide whether to forward a raw pty.input/resize/signal
// envelope before it ever reaches Respond/Resize/Interrupt.
func (a *Actor) IsController(controllerID string) bool { return a.isController(controllerID) }

// Snapshot returns a copy of the actor's current state.
func (a *Actor) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ctrl *Controller
	if a.controller != nil {
		c := *a.controller
		ctrl = &c
	}
	return Snapshot{
		SessionID: a.id, Scope: a.sc, AgentType: a.agentType,
		Status: a.status, SubState: a.subState, AttentionReason: a.attentionReason,
		Live: a.live, Cursor: a.broker.Cursor(), LastEventAt: a.lastEventAt,
		LastExit: a.lastExit, Controller: ctrl,
	}
}

// Claim implements spec §4.3 "Controller claim": a compare-and-swap on
// the controller slot.
func (a *Actor) Claim(controllerID, controllerType, controllerLabel string, takeover bool) ClaimAction {
	var action ClaimAction
	a.Do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		switch {
		case a.controller == nil:
			a.controller = &Controller{ControllerID: controllerID, ControllerType: controllerType, ControllerLabel: controllerLabel, ClaimedAt: time.Now()}
			action = ClaimClaimed
		case a.controller.ControllerID == controllerID:
			action = ClaimAlreadyOwned
		case !takeover:
			action = ClaimTakeoverDeclined
		default:
			a.controller = &Controller{ControllerID: controllerID, ControllerType: controllerType, ControllerLabel: controllerLabel, ClaimedAt: time.Now()}
			action = ClaimClaimed
		}
	})
	if action == ClaimClaimed {
		a.alog.ControllerChange(controllerID, controllerType)
		if a.hub != nil {
			a.hub.Publish(a.sc, "session-status", map[string]any{"sessionId": a.id, "controller": controllerID})
		}
	}
	return action
}

// Release clears the controller slot if controllerID currently owns it.
func (a *Actor) Release(controllerID string) error {
	var err error
	a.Do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.controller == nil || a.controller.ControllerID != controllerID {
			err = fmt.Errorf("sessionrt: %s does not hold the controller claim", controllerID)
			return
		}
		a.controller = nil
	})
	return err
}

// isController reports whether controllerID currently holds the claim;
// used to silently ignore pty.input/resize/signal from a non-controller
// connection (spec §4.2 "Controller enforcement").
func (a *Actor) isController(controllerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controller != nil && a.controller.ControllerID == controllerID
}

// Respond forwards input from the current controller (session.respond /
// pty.input). It is a no-op, not an error, if controllerID does not
// currently hold the claim, matching "silently ignored" in spec §4.2.
// Every accepted write also publishes a "session-key-event" (spec §2/§3),
// a distinct observed event from "session-event"/"session-exit" — it
// reports what was typed, not something the session runtime derived.
func (a *Actor) Respond(controllerID string, data []byte) error {
	if !a.isController(controllerID) {
		return nil
	}
	_, err := a.host.WriteTimeout(data, 2*time.Second)
	if err != nil {
		return fmt.Errorf("sessionrt: write input: %w", err)
	}
	if a.hub != nil {
		a.hub.Publish(a.sc, "session-key-event", map[string]any{"sessionId": a.id, "data": string(data)})
	}
	a.Do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.status == StatusNeedsInput {
			// spec §4.3: needs-input -> running on any input from the
			// current controller.
			a.status = StatusRunning
			a.attentionReason = ""
		}
	})
	return nil
}

// Interrupt sends an interrupt signal on behalf of the current
// controller.
func (a *Actor) Interrupt(controllerID string) error {
	if !a.isController(controllerID) {
		return nil
	}
	return a.host.Signal("interrupt")
}

// Notify delivers an out-of-band hook event from a `harness handle-hook`
// relay process into the session's host, regardless of controller —
// a hook fires from inside the agent's own process tree, not from a
// stream client, so there is no controller to check.
func (a *Actor) Notify(hookEventName string, payload []byte) {
	a.host.DeliverNotify(hookEventName, payload)
}

// Resize applies a pty.resize for the current controller.
func (a *Actor) Resize(controllerID string, rows, cols int) error {
	if !a.isController(controllerID) {
		return nil
	}
	return a.host.Resize(rows, cols)
}

// Close terminates the child process and tears down the broker. Used by
// pty.close / session.remove.
func (a *Actor) Close() {
	a.host.Signal("terminate")
	a.host.Close()
	<-a.done
	a.alog.Close()
}
