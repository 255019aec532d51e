// Package reconcile brings a run's status in line with its stage attempts.
// The executor, dispatcher and approval gate all call it after changing
// attempts, so a crash between a stage commit and the run update is repaired
// on the next pass.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/execution/state"
	"github.com/animus-labs/cineforge/internal/platform/events"
	"github.com/animus-labs/cineforge/internal/platform/logging"
	"github.com/animus-labs/cineforge/internal/platform/metrics"
	"github.com/animus-labs/cineforge/internal/repo"
)

const maxConflictRetries = 3

type Reconciler struct {
	store     repo.Store
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func New(store repo.Store, publisher events.Publisher, m *metrics.Metrics, logger *zap.Logger) *Reconciler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Reconciler{
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}
}

// Reconcile skips exhausted optional stages and moves the run to the status
// its attempts imply. Terminal runs are left alone. Lost run-level races are
// retried with a fresh read.
func (r *Reconciler) Reconcile(ctx context.Context, runID string) (domain.PipelineRun, error) {
	for i := 0; ; i++ {
		run, err := r.store.GetRun(ctx, runID)
		if err != nil {
			return domain.PipelineRun{}, err
		}
		if !run.Status.Live() {
			return run, nil
		}
		attempts, err := r.store.ListByRun(ctx, runID)
		if err != nil {
			return domain.PipelineRun{}, err
		}
		if skipped, err := r.skipExhausted(ctx, run, attempts); err != nil {
			return domain.PipelineRun{}, err
		} else if skipped {
			if attempts, err = r.store.ListByRun(ctx, runID); err != nil {
				return domain.PipelineRun{}, err
			}
		}

		next, reason := state.DeriveRunStatus(run, attempts)
		if next == run.Status || !domain.CanTransitionRun(run.Status, next) {
			return run, nil
		}
		updated, err := r.store.TransitionRun(ctx, repo.RunTransition{
			RunID:  runID,
			From:   []domain.RunStatus{run.Status},
			To:     next,
			Reason: reason,
			At:     r.now().UTC(),
		})
		if errors.Is(err, repo.ErrConflict) && i < maxConflictRetries {
			continue
		}
		if err != nil {
			return domain.PipelineRun{}, fmt.Errorf("reconcile run %s: %w", runID, err)
		}
		r.Announce(updated)
		return updated, nil
	}
}

// Announce publishes a run status change and counts finished runs.
func (r *Reconciler) Announce(run domain.PipelineRun) {
	r.logger.Info("run status changed",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.String("reason", run.StatusReason),
	)
	if run.Status.Terminal() && r.metrics != nil {
		r.metrics.RunsFinishedTotal.WithLabelValues(string(run.Status)).Inc()
	}
	r.publisher.RunChanged(events.RunEvent{
		RunID:      run.ID,
		ProjectID:  run.ProjectID,
		Status:     string(run.Status),
		Reason:     run.StatusReason,
		OccurredAt: run.UpdatedAt,
	})
}

func (r *Reconciler) skipExhausted(ctx context.Context, run domain.PipelineRun, attempts []domain.StageExecution) (bool, error) {
	skipped := false
	for _, exec := range state.PendingSkips(run, attempts) {
		updated, err := r.store.TransitionStage(ctx, repo.StageTransition{
			RunID:          run.ID,
			StageName:      exec.StageName,
			Attempt:        exec.Attempt,
			From:           domain.StageFailed,
			To:             domain.StageSkipped,
			At:             r.now().UTC(),
			RequireRunLive: true,
		})
		if errors.Is(err, repo.ErrConflict) {
			continue
		}
		if err != nil {
			return skipped, err
		}
		skipped = true
		if r.metrics != nil {
			r.metrics.StageAttemptsTotal.WithLabelValues(string(exec.StageName), "skipped").Inc()
		}
		r.logger.Warn("optional stage skipped after exhausting retries",
			zap.String("run_id", run.ID),
			zap.String("stage", string(exec.StageName)),
			zap.Int("attempt", exec.Attempt),
		)
		r.publisher.StageChanged(StageEvent(run, updated))
	}
	return skipped, nil
}

// CancelOutstanding cancels the Pending and AwaitingApproval attempts of a
// run that is no longer live. Running attempts are left to their workers,
// whose commits the run status already refuses.
func (r *Reconciler) CancelOutstanding(ctx context.Context, run domain.PipelineRun, reason string) error {
	attempts, err := r.store.ListByRun(ctx, run.ID)
	if err != nil {
		return err
	}
	for _, exec := range attempts {
		if exec.Status != domain.StagePending && exec.Status != domain.StageAwaitingApproval {
			continue
		}
		cancelled, err := r.store.TransitionStage(ctx, repo.StageTransition{
			RunID:      run.ID,
			StageName:  exec.StageName,
			Attempt:    exec.Attempt,
			From:       exec.Status,
			To:         domain.StageCancelled,
			At:         r.now().UTC(),
			ErrorClass: domain.ErrorClassCancelled,
			LastError:  reason,
		})
		if errors.Is(err, repo.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		r.publisher.StageChanged(StageEvent(run, cancelled))
	}
	return nil
}

// StageEvent builds the lifecycle event for an attempt of run.
func StageEvent(run domain.PipelineRun, exec domain.StageExecution) events.StageEvent {
	at := exec.CreatedAt
	switch {
	case exec.FinishedAt != nil:
		at = *exec.FinishedAt
	case exec.StartedAt != nil:
		at = *exec.StartedAt
	}
	return events.StageEvent{
		RunID:      exec.RunID,
		ProjectID:  run.ProjectID,
		Stage:      string(exec.StageName),
		Attempt:    exec.Attempt,
		Status:     string(exec.Status),
		ErrorClass: string(exec.ErrorClass),
		Error:      exec.LastError,
		Artifacts:  exec.OutputArtifactRefs,
		OccurredAt: at,
	}
}
