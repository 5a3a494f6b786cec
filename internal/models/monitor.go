package models

import "time"

// MonitorStatus represents the state of a recurring check.
type MonitorStatus string

const (
	MonitorStatusPending   MonitorStatus = "pending"
	MonitorStatusActive    MonitorStatus = "active"
	MonitorStatusWaiting   MonitorStatus = "waiting"
	MonitorStatusCompleted MonitorStatus = "completed"
	MonitorStatusFailed    MonitorStatus = "failed"
	MonitorStatusCancelled MonitorStatus = "cancelled"
)

// Monitor is a recurring schedule-driven check attached to exactly one
// session. The sweeper only advances its schedule; condition evaluation
// happens elsewhere.
type Monitor struct {
	ID              string
	SessionID       string
	Type            string
	Target          string
	Condition       string // opaque payload, interpreted by the evaluator
	IntervalMinutes int
	Status          MonitorStatus
	LastResult      string
	FailureCount    int // consecutive failed checks
	NextCheckAt     time.Time
	LastCheckAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
