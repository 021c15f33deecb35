package protocol

import "encoding/json"

// Command types accepted inside a "command" client envelope (spec §4.2).
const (
	CmdSessionList     = "session.list"
	CmdSessionStatus   = "session.status"
	CmdSessionSnapshot = "session.snapshot"
	CmdSessionRespond  = "session.respond"
	CmdSessionInterrupt = "session.interrupt"
	CmdSessionRemove   = "session.remove"
	CmdSessionClaim    = "session.claim"
	CmdSessionRelease  = "session.release"
	CmdSessionNotify   = "session.notify"

	CmdPTYStart             = "pty.start"
	CmdPTYAttach             = "pty.attach"
	CmdPTYDetach             = "pty.detach"
	CmdPTYSubscribeEvents    = "pty.subscribe-events"
	CmdPTYUnsubscribeEvents  = "pty.unsubscribe-events"
	CmdPTYClose              = "pty.close"

	CmdAttentionList = "attention.list"

	CmdDirectoryUpsert  = "directory.upsert"
	CmdDirectoryList    = "directory.list"
	CmdDirectoryArchive = "directory.archive"

	CmdRepositoryUpsert  = "repository.upsert"
	CmdRepositoryList    = "repository.list"
	CmdRepositoryUpdate  = "repository.update"
	CmdRepositoryArchive = "repository.archive"

	CmdTaskCreate   = "task.create"
	CmdTaskUpdate   = "task.update"
	CmdTaskDelete   = "task.delete"
	CmdTaskList     = "task.list"
	CmdTaskReorder  = "task.reorder"
	CmdTaskReady    = "task.ready"
	CmdTaskDraft    = "task.draft"
	CmdTaskComplete = "task.complete"
	CmdTaskClaim    = "task.claim"
	CmdTaskPull     = "task.pull"

	CmdConversationCreate      = "conversation.create"
	CmdConversationUpdateTitle = "conversation.update-title"
	CmdConversationList        = "conversation.list"
	CmdConversationArchive     = "conversation.archive"

	CmdStreamSubscribe   = "stream.subscribe"
	CmdStreamUnsubscribe = "stream.unsubscribe"

	CmdKeyEventsSubscribe   = "key-events.subscribe"
	CmdKeyEventsUnsubscribe = "key-events.unsubscribe"
)

// Command is the generic envelope for a command's type tag plus its
// type-specific payload, decoded in two steps so that an unknown type
// can still be rejected cleanly with "command.failed" instead of a panic.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"-"`
	raw     json.RawMessage
}

// UnmarshalJSON captures the whole object as raw payload alongside the
// type tag, since individual command fields sit at the top level rather
// than under a nested "payload" key.
func (c *Command) UnmarshalJSON(data []byte) error {
	var typed struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &typed); err != nil {
		return err
	}
	c.Type = typed.Type
	c.raw = append(json.RawMessage(nil), data...)
	c.Payload = c.raw
	return nil
}

// knownCommandTypes enumerates every valid command.type for fast
// unknown-type rejection before a type-specific decode is attempted.
var knownCommandTypes = map[string]bool{
	CmdSessionList: true, CmdSessionStatus: true, CmdSessionSnapshot: true,
	CmdSessionRespond: true, CmdSessionInterrupt: true, CmdSessionRemove: true,
	CmdSessionClaim: true, CmdSessionRelease: true, CmdSessionNotify: true,
	CmdPTYStart: true, CmdPTYAttach: true, CmdPTYDetach: true,
	CmdPTYSubscribeEvents: true, CmdPTYUnsubscribeEvents: true, CmdPTYClose: true,
	CmdAttentionList: true,
	CmdDirectoryUpsert: true, CmdDirectoryList: true, CmdDirectoryArchive: true,
	CmdRepositoryUpsert: true, CmdRepositoryList: true, CmdRepositoryUpdate: true, CmdRepositoryArchive: true,
	CmdTaskCreate: true, CmdTaskUpdate: true, CmdTaskDelete: true, CmdTaskList: true,
	CmdTaskReorder: true, CmdTaskReady: true, CmdTaskDraft: true, CmdTaskComplete: true,
	CmdTaskClaim: true, CmdTaskPull: true,
	CmdConversationCreate: true, CmdConversationUpdateTitle: true, CmdConversationList: true, CmdConversationArchive: true,
	CmdStreamSubscribe: true, CmdStreamUnsubscribe: true,
	CmdKeyEventsSubscribe: true, CmdKeyEventsUnsubscribe: true,
}

// IsKnownCommandType reports whether typ is a recognized command.type.
func IsKnownCommandType(typ string) bool {
	return knownCommandTypes[typ]
}

// ParseCommand decodes the "command" field of a client envelope into a
// Command with its type tag resolved. It returns nil for malformed JSON;
// an unknown-but-well-formed type is returned so the dispatcher can reply
// with command.failed rather than silently dropping it.
func ParseCommand(raw json.RawMessage) *Command {
	var c Command
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil
	}
	if c.Type == "" {
		return nil
	}
	return &c
}

// --- Typed payloads, decoded on demand by the command that needs them ---

type PTYStartPayload struct {
	DirectoryID string            `json:"directoryId"`
	AgentType   string            `json:"agentType"`
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Rows        int               `json:"rows"`
	Cols        int               `json:"cols"`
	ThreadID    string            `json:"threadId,omitempty"`
}

type PTYAttachPayload struct {
	SessionID    string `json:"sessionId"`
	SinceCursor  *int64 `json:"sinceCursor,omitempty"`
}

type PTYDetachPayload struct {
	SessionID string `json:"sessionId"`
}

type PTYSubscribeEventsPayload struct {
	SessionID string `json:"sessionId"`
}

type PTYClosePayload struct {
	SessionID string `json:"sessionId"`
}

type SessionRespondPayload struct {
	SessionID  string `json:"sessionId"`
	DataBase64 string `json:"dataBase64"`
}

type SessionInterruptPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionRemovePayload struct {
	SessionID string `json:"sessionId"`
}

type SessionStatusPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionSnapshotPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionClaimPayload struct {
	SessionID       string `json:"sessionId"`
	ControllerID    string `json:"controllerId"`
	ControllerType  string `json:"controllerType"`
	ControllerLabel string `json:"controllerLabel,omitempty"`
	Takeover        bool   `json:"takeover"`
}

type SessionReleasePayload struct {
	SessionID    string `json:"sessionId"`
	ControllerID string `json:"controllerId"`
}

// SessionNotifyPayload carries a hook relay event (`harness handle-hook`)
// into a running session, outside the normal controller/input path.
type SessionNotifyPayload struct {
	SessionID     string          `json:"sessionId"`
	HookEventName string          `json:"hookEventName"`
	Data          json.RawMessage `json:"data,omitempty"`
}

type StreamSubscribePayload struct {
	AfterCursor *int64 `json:"afterCursor,omitempty"`
}

type KeyEventsSubscribePayload struct {
	SessionID string `json:"sessionId"`
}

type DirectoryUpsertPayload struct {
	ID   string `json:"id,omitempty"`
	Path string `json:"path"`
}

type DirectoryArchivePayload struct {
	ID string `json:"id"`
}

type DirectoryListPayload struct {
	IncludeArchived bool `json:"includeArchived,omitempty"`
}

type RepositoryUpsertPayload struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name"`
	RemoteURL     string `json:"remoteUrl,omitempty"`
	DefaultBranch string `json:"defaultBranch,omitempty"`
}

type RepositoryArchivePayload struct {
	ID string `json:"id"`
}

type RepositoryListPayload struct {
	IncludeArchived bool `json:"includeArchived,omitempty"`
}

type TaskCreatePayload struct {
	RepositoryID string `json:"repositoryId,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`
	Title        string `json:"title"`
	Body         string `json:"body,omitempty"`
}

type TaskUpdatePayload struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type TaskDeletePayload struct {
	ID string `json:"id"`
}

type TaskListPayload struct {
	RepositoryID string `json:"repositoryId,omitempty"`
}

type TaskReorderPayload struct {
	IDs []string `json:"ids"`
}

type TaskLifecyclePayload struct {
	ID string `json:"id"`
}

type TaskClaimPayload struct {
	ID           string `json:"id"`
	ControllerID string `json:"controllerId"`
	ProjectID    string `json:"projectId,omitempty"`
	Takeover     bool   `json:"takeover,omitempty"`
}

type TaskPullPayload struct {
	RepositoryID string `json:"repositoryId,omitempty"`
}

type ConversationCreatePayload struct {
	DirectoryID string `json:"directoryId"`
	AgentType   string `json:"agentType"`
	Title       string `json:"title,omitempty"`
}

type ConversationUpdateTitlePayload struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type ConversationListPayload struct {
	IncludeArchived bool `json:"includeArchived,omitempty"`
}

type ConversationArchivePayload struct {
	ID string `json:"id"`
}

// Decode unmarshals the command's raw payload into dst. The caller passes
// a pointer to one of the typed payload structs above.
func (c *Command) Decode(dst any) error {
	return json.Unmarshal(c.raw, dst)
}
