// Package sweeper runs the background loop that keeps recurring
// monitors on schedule. It only advances schedules and activates
// pending monitors; evaluating a monitor's condition is left to the
// surface that reads last_result.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/autorun-cli/autorun/internal/models"
	"github.com/autorun-cli/autorun/internal/store"
)

const (
	// DefaultInterval is the tick cadence of the sweep loop.
	DefaultInterval = 30 * time.Second

	// defaultBatchSize caps how many due monitors one tick touches.
	defaultBatchSize = 50
)

// Sweeper periodically claims due monitors and advances their
// schedules. Errors are logged and swallowed so one bad monitor never
// stalls the loop.
type Sweeper struct {
	store     store.Store
	log       *slog.Logger
	interval  time.Duration
	batchSize int

	// Notify, if set, is called after each tick with the number of
	// monitors touched. Used for metrics.
	Notify func(touched int)
}

// New creates a sweeper with the default tick interval and batch size.
func New(st store.Store, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		store:     st,
		log:       log,
		interval:  DefaultInterval,
		batchSize: defaultBatchSize,
	}
}

// Run ticks until ctx is cancelled. It always returns nil after a
// clean shutdown; per-tick errors never escape the loop.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("monitor sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("monitor sweeper stopped")
			return nil
		case <-ticker.C:
			touched, err := s.SweepOnce(ctx, time.Now().UTC())
			if err != nil {
				s.log.Error("sweep tick failed", "error", err)
			}
			if s.Notify != nil {
				s.Notify(touched)
			}
		}
	}
}

// SweepOnce processes one batch of monitors due at or before now and
// returns how many it touched.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListDueMonitors(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due monitors: %w", err)
	}

	touched := 0
	for _, m := range due {
		if err := s.advance(ctx, m, now); err != nil {
			s.log.Error("advance monitor failed",
				"monitor_id", m.ID, "session_id", m.SessionID, "error", err)
			continue
		}
		touched++
	}
	return touched, nil
}

// advance stamps the check time and pushes the schedule forward by one
// interval. If the monitor fell far behind, the next check lands one
// interval from now instead of still in the past.
func (s *Sweeper) advance(ctx context.Context, m *models.Monitor, now time.Time) error {
	interval := time.Duration(m.IntervalMinutes) * time.Minute
	checked := now
	m.LastCheckAt = &checked

	next := m.NextCheckAt.Add(interval)
	if !next.After(now) {
		next = now.Add(interval)
	}
	m.NextCheckAt = next

	if m.Status == models.MonitorStatusPending {
		m.Status = models.MonitorStatusActive
	}
	return s.store.UpdateMonitor(ctx, m)
}
