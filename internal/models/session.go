package models

import "time"

// SessionStatus represents the lifecycle state of a plan session.
type SessionStatus string

const (
	SessionStatusDraft               SessionStatus = "draft"
	SessionStatusReady               SessionStatus = "ready"
	SessionStatusExecuting           SessionStatus = "executing"
	SessionStatusWaitingApproval     SessionStatus = "waiting_approval"
	SessionStatusPaused              SessionStatus = "paused"
	SessionStatusMonitoring          SessionStatus = "monitoring"
	SessionStatusMonitoringCompleted SessionStatus = "monitoring_completed"
	SessionStatusCompleted           SessionStatus = "completed"
	SessionStatusFailed              SessionStatus = "failed"
	SessionStatusCancelled           SessionStatus = "cancelled"
)

// sessionTransitions is the only source of truth for legal status changes.
// Terminal statuses have no outgoing edges.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusDraft:               {SessionStatusReady, SessionStatusCancelled},
	SessionStatusReady:               {SessionStatusExecuting, SessionStatusCancelled},
	SessionStatusExecuting:           {SessionStatusWaitingApproval, SessionStatusPaused, SessionStatusCompleted, SessionStatusFailed},
	SessionStatusWaitingApproval:     {SessionStatusExecuting, SessionStatusCancelled},
	SessionStatusPaused:              {SessionStatusExecuting, SessionStatusCancelled},
	SessionStatusMonitoring:          {SessionStatusMonitoringCompleted, SessionStatusCompleted, SessionStatusCancelled},
	SessionStatusMonitoringCompleted: {SessionStatusCompleted},
	SessionStatusCompleted:           nil,
	SessionStatusFailed:              nil,
	SessionStatusCancelled:           nil,
}

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	_, ok := sessionTransitions[s]
	return ok
}

// Terminal reports whether s has no outgoing transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether s -> next is a legal edge.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	for _, t := range sessionTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Session is one planning/execution unit: a user goal plus its ordered
// steps, approvals, and optional monitor.
type Session struct {
	ID               string
	Owner            string
	Origin           string // caller-supplied addressing context, opaque here
	Title            string
	Description      string
	Status           SessionStatus
	ApprovalPolicy   string // free-form default approval requirement label
	AllowedResources string // constraint passed through to step generation, not enforced
	PlanLog          string // free-text running log of the plan
	Summary          string // one-line current status
	LastError        string
	Archived         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	LastErrorAt      *time.Time
}
