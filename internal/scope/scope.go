// Package scope defines the (tenantId, userId, workspaceId[, worktreeId])
// tuple carried on every durable record (spec §1 Non-goals: "No general
// multi-tenancy beyond a (tenantId, userId, workspaceId, worktreeId)
// scope tuple carried on every record").
package scope

// Scope identifies the owning tenant/user/workspace/worktree of a record.
// WorktreeID is optional; it is empty for records not tied to a specific
// git worktree.
type Scope struct {
	TenantID    string `json:"tenantId"`
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
	WorktreeID  string `json:"worktreeId,omitempty"`
}

// Matches reports whether r is within scope s. An empty field on s is a
// wildcard for that component; a non-empty WorktreeID on s requires an
// exact match.
func (s Scope) Matches(r Scope) bool {
	if s.TenantID != "" && s.TenantID != r.TenantID {
		return false
	}
	if s.UserID != "" && s.UserID != r.UserID {
		return false
	}
	if s.WorkspaceID != "" && s.WorkspaceID != r.WorkspaceID {
		return false
	}
	if s.WorktreeID != "" && s.WorktreeID != r.WorktreeID {
		return false
	}
	return true
}
