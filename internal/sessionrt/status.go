package sessionrt

// Status is a conversation's top-level lifecycle state (spec §1).
type Status string

const (
	StatusRunning    Status = "running"
	StatusNeedsInput Status = "needs-input"
	StatusCompleted  Status = "completed"
	StatusExited     Status = "exited"
)
