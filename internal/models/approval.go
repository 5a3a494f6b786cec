package models

import "time"

// ApprovalStatus represents the state of a human decision request.
// Pending is initial; every other status is terminal.
type ApprovalStatus string

const (
	ApprovalStatusPending   ApprovalStatus = "pending"
	ApprovalStatusApproved  ApprovalStatus = "approved"
	ApprovalStatusRejected  ApprovalStatus = "rejected"
	ApprovalStatusExpired   ApprovalStatus = "expired"
	ApprovalStatusCancelled ApprovalStatus = "cancelled"
)

// Resolved reports whether the approval has left pending.
func (s ApprovalStatus) Resolved() bool {
	return s != ApprovalStatusPending && s != ""
}

// Approval is a request for a human decision tied to a session and
// optionally one step. An approval is resolved at most once.
type Approval struct {
	ID            string
	SessionID     string
	StepID        string // optional; empty for session-level approvals
	Status        ApprovalStatus
	ActionType    string
	ActionSummary string
	RequestedBy   string
	Approver      string // designated approver identity
	ResolvedBy    string
	Notes         string
	Channel       string // free-text channel context
	RequestedAt   time.Time
	ResolvedAt    *time.Time
}
