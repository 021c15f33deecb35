package streamserver

import (
	"encoding/base64"
	"encoding/json"

	"github.com/dcosson-labs/harness/internal/protocol"
	"github.com/dcosson-labs/harness/internal/sessionrt"
	"github.com/dcosson-labs/harness/internal/statestore"
)

// handleCommand decodes one command envelope, sends command.accepted
// immediately (spec §4.2: "Every command emits command.accepted before
// any side-effect attempt"), then dispatches and replies with exactly
// one terminal envelope.
func (c *conn) handleCommand(commandID string, raw json.RawMessage) {
	cmd := protocol.ParseCommand(raw)
	if cmd == nil {
		return
	}
	if !protocol.IsKnownCommandType(cmd.Type) {
		c.send(protocol.ServerEnvelope{Kind: protocol.ServerKindCommandFailed, CommandID: commandID, Error: "unknown command type: " + cmd.Type})
		return
	}

	c.send(protocol.ServerEnvelope{Kind: protocol.ServerKindCommandAccepted, CommandID: commandID})

	result, err := c.dispatch(cmd)
	if err != nil {
		c.send(protocol.ServerEnvelope{Kind: protocol.ServerKindCommandFailed, CommandID: commandID, Error: err.Error()})
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		c.send(protocol.ServerEnvelope{Kind: protocol.ServerKindCommandFailed, CommandID: commandID, Error: "marshal result: " + err.Error()})
		return
	}
	c.send(protocol.ServerEnvelope{Kind: protocol.ServerKindCommandCompleted, CommandID: commandID, Result: data})
}

// dispatch runs the command's side effects on the registry and returns
// its JSON-marshalable result. Long-running operations (pty.start) are
// fine to run inline here: they execute on this connection's own
// command goroutine, never the session actor's (spec §5).
func (c *conn) dispatch(cmd *protocol.Command) (any, error) {
	reg := c.s.registry
	sc := c.s.cfg.Scope

	switch cmd.Type {
	case protocol.CmdSessionList:
		return map[string]any{"sessions": reg.List()}, nil

	case protocol.CmdAttentionList:
		return map[string]any{"sessions": reg.AttentionList()}, nil

	case protocol.CmdSessionStatus:
		var p protocol.SessionStatusPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		return reg.Status(p.SessionID)

	case protocol.CmdSessionSnapshot:
		var p protocol.SessionSnapshotPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		return reg.Snapshot(p.SessionID)

	case protocol.CmdSessionRespond:
		var p protocol.SessionRespondPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		actor := reg.Get(p.SessionID)
		if actor == nil {
			return nil, notFound(p.SessionID)
		}
		controllerID, _ := c.controllerFor(p.SessionID)
		data, err := base64.StdEncoding.DecodeString(p.DataBase64)
		if err != nil {
			return nil, err
		}
		if err := actor.Respond(controllerID, data); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case protocol.CmdSessionInterrupt:
		var p protocol.SessionInterruptPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		actor := reg.Get(p.SessionID)
		if actor == nil {
			return nil, notFound(p.SessionID)
		}
		controllerID, _ := c.controllerFor(p.SessionID)
		if err := actor.Interrupt(controllerID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case protocol.CmdSessionRemove:
		var p protocol.SessionRemovePayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		if err := reg.Remove(p.SessionID); err != nil {
			return nil, err
		}
		c.forgetController(p.SessionID)
		return map[string]any{"ok": true}, nil

	case protocol.CmdSessionClaim:
		var p protocol.SessionClaimPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		actor := reg.Get(p.SessionID)
		if actor == nil {
			return nil, notFound(p.SessionID)
		}
		action := actor.Claim(p.ControllerID, p.ControllerType, p.ControllerLabel, p.Takeover)
		if action == sessionrt.ClaimClaimed {
			c.rememberController(p.SessionID, p.ControllerID)
		}
		return map[string]any{"action": string(action)}, nil

	case protocol.CmdSessionRelease:
		var p protocol.SessionReleasePayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		actor := reg.Get(p.SessionID)
		if actor == nil {
			return nil, notFound(p.SessionID)
		}
		if err := actor.Release(p.ControllerID); err != nil {
			return nil, err
		}
		c.forgetController(p.SessionID)
		return map[string]any{"ok": true}, nil

	case protocol.CmdSessionNotify:
		var p protocol.SessionNotifyPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		actor := reg.Get(p.SessionID)
		if actor == nil {
			return nil, notFound(p.SessionID)
		}
		actor.Notify(p.HookEventName, p.Data)
		return map[string]any{"ok": true}, nil

	case protocol.CmdPTYStart:
		var p protocol.PTYStartPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		sessionID, err := reg.StartSession(sc, p)
		if err != nil {
			return nil, err
		}
		return map[string]any{"sessionId": sessionID}, nil

	case protocol.CmdPTYAttach:
		var p protocol.PTYAttachPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		actor := reg.Get(p.SessionID)
		if actor == nil {
			return nil, notFound(p.SessionID)
		}
		var since int64
		if p.SinceCursor != nil {
			since = *p.SinceCursor
		}
		c.attachPTY(p.SessionID, since, actor.Broker())
		return map[string]any{"cursor": actor.Broker().Cursor()}, nil

	case protocol.CmdPTYDetach:
		var p protocol.PTYDetachPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		if actor := reg.Get(p.SessionID); actor != nil {
			c.detachPTY(p.SessionID, actor.Broker())
		}
		return map[string]any{"ok": true}, nil

	case protocol.CmdPTYSubscribeEvents:
		var p protocol.PTYSubscribeEventsPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		c.subscribeEvents(p.SessionID)
		return map[string]any{"ok": true}, nil

	case protocol.CmdPTYUnsubscribeEvents:
		var p protocol.PTYSubscribeEventsPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		c.unsubscribeEvents(p.SessionID)
		return map[string]any{"ok": true}, nil

	case protocol.CmdPTYClose:
		var p protocol.PTYClosePayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		if err := reg.Remove(p.SessionID); err != nil {
			return nil, err
		}
		c.forgetController(p.SessionID)
		return map[string]any{"ok": true}, nil

	case protocol.CmdDirectoryUpsert:
		var p protocol.DirectoryUpsertPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		d := statestore.Directory{ID: p.ID, Scope: sc, Path: p.Path}
		if err := reg.UpsertDirectory(d); err != nil {
			return nil, err
		}
		return map[string]any{"id": d.ID}, nil

	case protocol.CmdDirectoryList:
		var p protocol.DirectoryListPayload
		cmd.Decode(&p)
		dirs, err := reg.ListDirectories(sc, p.IncludeArchived)
		if err != nil {
			return nil, err
		}
		return map[string]any{"directories": dirs}, nil

	case protocol.CmdDirectoryArchive:
		var p protocol.DirectoryArchivePayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, reg.ArchiveDirectory(p.ID)

	case protocol.CmdRepositoryUpsert:
		var p protocol.RepositoryUpsertPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		r := statestore.Repository{ID: p.ID, Scope: sc, Name: p.Name, RemoteURL: p.RemoteURL, DefaultBranch: p.DefaultBranch}
		if err := reg.UpsertRepository(r); err != nil {
			return nil, err
		}
		return map[string]any{"id": r.ID}, nil

	case protocol.CmdRepositoryUpdate:
		var p protocol.RepositoryUpsertPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		r := statestore.Repository{ID: p.ID, Scope: sc, Name: p.Name, RemoteURL: p.RemoteURL, DefaultBranch: p.DefaultBranch}
		return map[string]any{"ok": true}, reg.UpdateRepository(r)

	case protocol.CmdRepositoryList:
		var p protocol.RepositoryListPayload
		cmd.Decode(&p)
		repos, err := reg.ListRepositories(sc, p.IncludeArchived)
		if err != nil {
			return nil, err
		}
		return map[string]any{"repositories": repos}, nil

	case protocol.CmdRepositoryArchive:
		var p protocol.RepositoryArchivePayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, reg.ArchiveRepository(p.ID)

	case protocol.CmdTaskCreate:
		var p protocol.TaskCreatePayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		t, err := reg.CreateTask(statestore.Task{Scope: sc, RepositoryID: p.RepositoryID, ProjectID: p.ProjectID, Title: p.Title, Body: p.Body})
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": t}, nil

	case protocol.CmdTaskUpdate:
		var p protocol.TaskUpdatePayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		t, err := reg.UpdateTaskFields(p.ID, p.Title, p.Body)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": t}, nil

	case protocol.CmdTaskDelete:
		var p protocol.TaskDeletePayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, reg.DeleteTask(p.ID)

	case protocol.CmdTaskList:
		var p protocol.TaskListPayload
		cmd.Decode(&p)
		tasks, err := reg.ListTasks(sc, p.RepositoryID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"tasks": tasks}, nil

	case protocol.CmdTaskReorder:
		var p protocol.TaskReorderPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, reg.ReorderTasks(p.IDs)

	case protocol.CmdTaskReady:
		var p protocol.TaskLifecyclePayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		t, err := reg.TaskReady(p.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": t}, nil

	case protocol.CmdTaskDraft:
		var p protocol.TaskLifecyclePayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		t, err := reg.TaskDraft(p.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": t}, nil

	case protocol.CmdTaskComplete:
		var p protocol.TaskLifecyclePayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		t, err := reg.TaskComplete(p.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": t}, nil

	case protocol.CmdTaskClaim:
		var p protocol.TaskClaimPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		t, err := reg.TaskClaim(p.ID, p.ControllerID, p.ProjectID, p.Takeover)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": t}, nil

	case protocol.CmdTaskPull:
		var p protocol.TaskPullPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		t, err := reg.TaskPull(sc, p.RepositoryID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": t}, nil

	case protocol.CmdConversationCreate:
		var p protocol.ConversationCreatePayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		convo, err := reg.CreateConversation(statestore.Conversation{
			DirectoryID: p.DirectoryID, Scope: sc, Title: p.Title, AgentType: p.AgentType,
			Status: statestore.StatusRunning, Live: true,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"conversation": convo}, nil

	case protocol.CmdConversationUpdateTitle:
		var p protocol.ConversationUpdateTitlePayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, reg.UpdateConversationTitle(p.ID, p.Title)

	case protocol.CmdConversationList:
		var p protocol.ConversationListPayload
		cmd.Decode(&p)
		convos, err := reg.ListConversations(sc, p.IncludeArchived)
		if err != nil {
			return nil, err
		}
		return map[string]any{"conversations": convos}, nil

	case protocol.CmdConversationArchive:
		var p protocol.ConversationArchivePayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, reg.ArchiveConversation(p.ID)

	case protocol.CmdStreamSubscribe:
		var p protocol.StreamSubscribePayload
		cmd.Decode(&p)
		c.subscribeStream(sc, p.AfterCursor)
		return map[string]any{"cursor": c.s.hub.Cursor()}, nil

	case protocol.CmdStreamUnsubscribe:
		c.unsubscribeStream()
		return map[string]any{"ok": true}, nil

	case protocol.CmdKeyEventsSubscribe:
		var p protocol.KeyEventsSubscribePayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		c.subscribeKeyEvents(p.SessionID)
		return map[string]any{"ok": true}, nil

	case protocol.CmdKeyEventsUnsubscribe:
		var p protocol.KeyEventsSubscribePayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		c.unsubscribeKeyEvents(p.SessionID)
		return map[string]any{"ok": true}, nil

	default:
		// Unreachable: handleCommand already rejects anything outside
		// protocol.IsKnownCommandType before calling dispatch.
		return nil, &dispatchError{msg: "unhandled command type: " + cmd.Type}
	}
}
