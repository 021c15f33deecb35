// Package sessionrt is the Session Runtime (spec §2, §4.3): the
// per-conversation actor that owns a PTY via the broker, derives status
// from hook/telemetry signals, and serializes at-most-one controller.
package sessionrt

import (
	"encoding/json"
	"strings"
)

// NotifyResult is the {eventName, statusHint, summary} triple spec §8's
// REDESIGN FLAGS calls for: "Consolidate into a small AgentNotifyMapper
// dispatch table keyed by agentType, each entry returning a
// {eventName, statusHint, summary} triple; unmapped payloads yield an
// explicit "<agent>.notify.unmapped" record with the keys joined for
// diagnosis." StatusHint is the empty string when the hook updates
// lastEventAt/telemetry without a status transition (spec §4.3: "A
// notify event without a status hint never changes state").
type NotifyResult struct {
	EventName  string
	StatusHint Status
	Summary    string
}

type mapperFunc func(normalized string, payload json.RawMessage) NotifyResult

// notifyMappers is the AgentNotifyMapper dispatch table, keyed by
// agentType, exactly as spec §4.3 "Hook → status mapping" and §8's
// REDESIGN FLAGS describe. An agentType with no entry here — not a hook
// event name within a known agent's table, which always has a catch-all
// — is the only case that yields the explicit unmapped record.
var notifyMappers = map[string]mapperFunc{
	"codex":  mapCodexNotify,
	"claude": mapClaudeNotify,
	"cursor": mapCursorNotify,
}

// normalize lowercases a hook event name and strips non-alphanumeric
// characters, matching spec §4.3: "The runtime normalizes hook event
// names (lowercase, strip non-alphanumerics) and maps them per agent."
func normalize(eventName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(eventName) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MapNotify dispatches a raw hook event name and payload through the
// mapper for agentType. An unrecognized agentType yields
// "<agent>.notify.unmapped"; a recognized agent always maps to a
// result, since every per-agent table below ends in an explicit
// catch-all per spec.
func MapNotify(agentType, hookEventName string, payload json.RawMessage) NotifyResult {
	fn, ok := notifyMappers[agentType]
	if !ok {
		return NotifyResult{
			EventName: agentType + ".notify.unmapped",
			Summary:   "unmapped hook event: " + hookEventName,
		}
	}
	return fn(normalize(hookEventName), payload)
}

// mapCodexNotify implements: "agent-turn-complete → completed; any
// other notify → no hint."
func mapCodexNotify(n string, payload json.RawMessage) NotifyResult {
	if n == normalize("agent-turn-complete") {
		return NotifyResult{EventName: "codex.notify." + n, StatusHint: StatusCompleted}
	}
	return NotifyResult{EventName: "codex.notify." + n}
}

var claudeApprovedTokens = map[string]bool{
	"permissionapproved": true, "permissiongranted": true,
	"approvalapproved": true, "approvalgranted": true,
}

var claudeNeedsInputTokens = map[string]bool{
	"permissionrequest": true, "approvalrequest": true,
	"approvalrequired": true, "inputrequired": true,
}

// mapClaudeNotify implements spec §4.3's Claude table: userpromptsubmit
// and pretooluse run the turn; stop/subagentstop/sessionend complete
// it; a Notification hook's notification_type payload field selects
// running/needs-input/no-hint from the token sets above.
func mapClaudeNotify(n string, payload json.RawMessage) NotifyResult {
	switch n {
	case "userpromptsubmit", "pretooluse":
		return NotifyResult{EventName: "claude.notify." + n, StatusHint: StatusRunning}
	case "stop", "subagentstop", "sessionend":
		return NotifyResult{EventName: "claude.notify." + n, StatusHint: StatusCompleted}
	case "notification":
		token := normalize(extractString(payload, "notification_type"))
		res := NotifyResult{EventName: "claude.notify.notification"}
		switch {
		case claudeApprovedTokens[token]:
			res.StatusHint = StatusRunning
		case claudeNeedsInputTokens[token]:
			res.StatusHint = StatusNeedsInput
		}
		return res
	default:
		return NotifyResult{EventName: "claude.notify." + n}
	}
}

// mapCursorNotify implements spec §4.3's Cursor table: beforesubmitprompt
// and any before* event naming shell/mcp/tool run the turn; stop,
// sessionend, anything containing "abort", or a final_status payload
// field in {aborted,cancelled,completed} complete it; an after* event
// naming "tool" carries no status hint but a fixed summary.
func mapCursorNotify(n string, payload json.RawMessage) NotifyResult {
	finalStatus := normalize(extractString(payload, "final_status"))
	switch {
	case n == "beforesubmitprompt":
		return NotifyResult{EventName: "cursor.notify." + n, StatusHint: StatusRunning}
	case strings.HasPrefix(n, "before") && containsAny(n, "shell", "mcp", "tool"):
		return NotifyResult{EventName: "cursor.notify." + n, StatusHint: StatusRunning}
	case n == "stop" || n == "sessionend" || strings.Contains(n, "abort") ||
		finalStatus == "aborted" || finalStatus == "cancelled" || finalStatus == "completed":
		return NotifyResult{EventName: "cursor.notify." + n, StatusHint: StatusCompleted}
	case strings.HasPrefix(n, "after") && strings.Contains(n, "tool"):
		return NotifyResult{EventName: "cursor.notify." + n, Summary: "tool finished (hook)"}
	default:
		return NotifyResult{EventName: "cursor.notify." + n}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func extractString(payload json.RawMessage, key string) string {
	if len(payload) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
