package store

import (
	"context"
	"time"

	"github.com/autorun-cli/autorun/internal/models"
)

// Store defines the persistence interface for autorun.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	ListSessionsByOwner(ctx context.Context, owner string, includeArchived bool, limit int) ([]*models.Session, error)

	// Steps
	CreateStep(ctx context.Context, step *models.Step) error
	GetStep(ctx context.Context, id string) (*models.Step, error)
	UpdateStep(ctx context.Context, step *models.Step) error
	ListSteps(ctx context.Context, sessionID string) ([]*models.Step, error)
	MaxStepSeq(ctx context.Context, sessionID string) (int, error)

	// Approvals
	CreateApproval(ctx context.Context, a *models.Approval) error
	GetApproval(ctx context.Context, id string) (*models.Approval, error)
	UpdateApproval(ctx context.Context, a *models.Approval) error
	ListApprovals(ctx context.Context, sessionID string) ([]*models.Approval, error)
	ListPendingApprovalsByApprover(ctx context.Context, approver string) ([]*models.Approval, error)

	// Monitors
	CreateMonitor(ctx context.Context, m *models.Monitor) error
	GetMonitor(ctx context.Context, id string) (*models.Monitor, error)
	GetMonitorBySession(ctx context.Context, sessionID string) (*models.Monitor, error)
	UpdateMonitor(ctx context.Context, m *models.Monitor) error
	ListDueMonitors(ctx context.Context, before time.Time, limit int) ([]*models.Monitor, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
