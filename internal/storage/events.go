package storage

import "time"

// EventWriter is the interface for writing approval audit events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *ApprovalEvent)
	Close()
}

// ApprovalEvent records the terminal state of one approval decision —
// interactive or short-circuited by a session rule.
type ApprovalEvent struct {
	RequestID string // empty for rule short-circuits (no request object exists)
	ToolID    string
	ToolName  string
	SessionID string
	ChatID    string
	Outcome   string // "approved", "declined", "timed_out", "cancelled", "rule_approved", "rule_declined", "auto_approved"
	IsWrite   bool
	Timestamp time.Time
	LatencyMs float32
}
