package reaction

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mergeline/internal/events"
	"mergeline/internal/lifecycle"
	"mergeline/internal/repo"
)

const sweepConcurrency = 8

// SweepReport lists what one sweep did.
type SweepReport struct {
	Checked   int      `json:"checked"`
	Escalated []string `json:"escalated"`
}

// Sweep escalates every active session idle past its threshold. Each
// escalation is independent; the first error is returned after all ran.
func (r *Engine) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport
	active, err := r.Sessions.List(ctx, repo.SessionFilters{ActiveOnly: true})
	if err != nil {
		return report, err
	}
	table := r.Rules()
	escalated := make([]string, len(active))

	var g errgroup.Group
	g.SetLimit(sweepConcurrency)
	for i, s := range active {
		if s.State == lifecycle.StateEscalated {
			continue
		}
		report.Checked++
		threshold := table.StuckThreshold(s.State)
		idle := now.Sub(s.LastActivityAt)
		if threshold <= 0 || idle < threshold {
			continue
		}
		g.Go(func() error {
			_, err := r.Sessions.Transition(ctx, s.ID, lifecycle.StateEscalated, nil, events.Payload{
				"reason":    ReasonStuck,
				"idle":      idle.Round(time.Second).String(),
				"threshold": threshold.String(),
				"state":     string(s.State),
			})
			if err = ignoreSettled(err); err != nil {
				r.Logger.Error("stuck escalation failed",
					zap.String("session_id", s.ID), zap.String("correlation_id", s.CorrelationID), zap.Error(err))
				return err
			}
			escalated[i] = s.ID
			return nil
		})
	}
	err = g.Wait()
	for _, id := range escalated {
		if id != "" {
			report.Escalated = append(report.Escalated, id)
		}
	}
	if len(report.Escalated) > 0 {
		r.Logger.Info("stuck sweep", zap.Int("checked", report.Checked), zap.Int("escalated", len(report.Escalated)))
	}
	return report, err
}

// Run sweeps every interval until ctx is done.
func (r *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx, r.now()); err != nil && ctx.Err() == nil {
				r.Logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}
