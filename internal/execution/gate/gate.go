// Package gate applies human decisions to stages awaiting approval.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/execution/reconcile"
	"github.com/animus-labs/cineforge/internal/execution/state"
	"github.com/animus-labs/cineforge/internal/platform/auditlog"
	"github.com/animus-labs/cineforge/internal/platform/events"
	"github.com/animus-labs/cineforge/internal/platform/logging"
	"github.com/animus-labs/cineforge/internal/platform/metrics"
	"github.com/animus-labs/cineforge/internal/repo"
	"github.com/animus-labs/cineforge/internal/stages"
)

var ErrNotAwaitingApproval = errors.New("stage is not awaiting approval")

const (
	RejectCancels = "cancelled"
	RejectFails   = "failed"
)

type Config struct {
	// RejectOutcome is the run status a rejection leads to.
	RejectOutcome string `koanf:"reject_outcome"`
}

func DefaultConfig() Config {
	return Config{RejectOutcome: RejectCancels}
}

func (c Config) Validate() error {
	switch c.RejectOutcome {
	case RejectCancels, RejectFails:
		return nil
	default:
		return fmt.Errorf("gate reject_outcome must be %q or %q", RejectCancels, RejectFails)
	}
}

// Request is one decision on the awaiting attempt of a stage.
type Request struct {
	RunID       string
	Stage       domain.StageName
	Decision    domain.Decision
	EditedInput json.RawMessage
	Note        string
	Actor       string
	RequestID   string
}

type Gate struct {
	cfg        Config
	store      repo.Store
	reconciler *reconcile.Reconciler
	audit      auditlog.Recorder
	publisher  events.Publisher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

func New(cfg Config, store repo.Store, reconciler *reconcile.Reconciler, audit auditlog.Recorder, publisher events.Publisher, m *metrics.Metrics, logger *zap.Logger) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("gate requires a store")
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if audit == nil {
		audit = auditlog.Nop{}
	}
	logger = logging.OrNop(logger)
	if reconciler == nil {
		reconciler = reconcile.New(store, publisher, m, logger)
	}
	return &Gate{
		cfg:        cfg,
		store:      store,
		reconciler: reconciler,
		audit:      audit,
		publisher:  publisher,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Decide applies req to the stage's latest attempt, which must be awaiting
// approval. Decisions never consume retry budget.
func (g *Gate) Decide(ctx context.Context, req Request) (domain.ApprovalDecision, error) {
	if strings.TrimSpace(req.Actor) == "" {
		return domain.ApprovalDecision{}, errors.New("actor is required")
	}
	if !req.Stage.Valid() {
		return domain.ApprovalDecision{}, fmt.Errorf("unknown stage %q", req.Stage)
	}
	if req.Decision == domain.DecisionRequestChanges && len(req.EditedInput) > 0 {
		if err := stages.ValidateInput(req.Stage, req.EditedInput); err != nil {
			return domain.ApprovalDecision{}, err
		}
	}

	run, err := g.store.GetRun(ctx, req.RunID)
	if err != nil {
		return domain.ApprovalDecision{}, err
	}
	attempts, err := g.store.ListByRun(ctx, req.RunID)
	if err != nil {
		return domain.ApprovalDecision{}, err
	}
	awaiting, ok := state.LatestAttempts(attempts)[req.Stage]
	if !ok || awaiting.Status != domain.StageAwaitingApproval || !run.Status.Live() {
		return domain.ApprovalDecision{}, fmt.Errorf("%s of run %s: %w", req.Stage, req.RunID, ErrNotAwaitingApproval)
	}

	now := g.now().UTC()
	decision := domain.ApprovalDecision{
		ID:               uuid.NewString(),
		RunID:            run.ID,
		StageName:        req.Stage,
		StageExecutionID: awaiting.ID,
		Attempt:          awaiting.Attempt,
		Decision:         req.Decision,
		EditedInput:      req.EditedInput,
		Note:             strings.TrimSpace(req.Note),
		DecidedBy:        strings.TrimSpace(req.Actor),
		DecidedAt:        now,
	}
	switch req.Decision {
	case domain.DecisionApprove:
		err = g.approve(ctx, run, awaiting, decision)
	case domain.DecisionRequestChanges:
		err = g.requestChanges(ctx, run, awaiting, decision)
	case domain.DecisionReject:
		err = g.reject(ctx, run, awaiting, decision)
	default:
		return domain.ApprovalDecision{}, fmt.Errorf("unknown decision %q", req.Decision)
	}
	if errors.Is(err, repo.ErrConflict) {
		return domain.ApprovalDecision{}, fmt.Errorf("%s of run %s: %w", req.Stage, req.RunID, ErrNotAwaitingApproval)
	}
	if err != nil {
		return domain.ApprovalDecision{}, err
	}

	if g.metrics != nil {
		g.metrics.ApprovalsTotal.WithLabelValues(string(req.Decision)).Inc()
	}
	if err := g.audit.Record(ctx, auditlog.Event{
		OccurredAt:   now,
		Actor:        decision.DecidedBy,
		Action:       auditlog.ActionStageDecided,
		ResourceType: "stage_execution",
		ResourceID:   awaiting.ID,
		RequestID:    req.RequestID,
		Payload: map[string]any{
			"run_id":   run.ID,
			"stage":    string(req.Stage),
			"attempt":  awaiting.Attempt,
			"decision": string(req.Decision),
			"note":     decision.Note,
			"edited":   len(req.EditedInput) > 0,
		},
	}); err != nil {
		g.logger.Error("audit event not recorded", zap.String("run_id", run.ID), zap.Error(err))
	}
	g.logger.Info("stage decided",
		zap.String("run_id", run.ID),
		zap.String("stage", string(req.Stage)),
		zap.Int("attempt", awaiting.Attempt),
		zap.String("decision", string(req.Decision)),
		zap.String("actor", decision.DecidedBy),
	)
	return decision, nil
}

func (g *Gate) approve(ctx context.Context, run domain.PipelineRun, awaiting domain.StageExecution, decision domain.ApprovalDecision) error {
	approved, err := g.store.TransitionStage(ctx, repo.StageTransition{
		RunID:          run.ID,
		StageName:      awaiting.StageName,
		Attempt:        awaiting.Attempt,
		From:           domain.StageAwaitingApproval,
		To:             domain.StageSucceeded,
		At:             decision.DecidedAt,
		RequireRunLive: true,
		Decision:       &decision,
	})
	if err != nil {
		return err
	}
	g.publisher.StageChanged(reconcile.StageEvent(run, approved))
	g.settle(ctx, run.ID)
	return nil
}

// requestChanges supersedes the awaiting attempt with a new Pending one that
// carries the edited input, if any.
func (g *Gate) requestChanges(ctx context.Context, run domain.PipelineRun, awaiting domain.StageExecution, decision domain.ApprovalDecision) error {
	reason := "changes requested"
	if decision.Note != "" {
		reason += ": " + decision.Note
	}
	superseded, err := g.store.TransitionStage(ctx, repo.StageTransition{
		RunID:     run.ID,
		StageName: awaiting.StageName,
		Attempt:   awaiting.Attempt,
		From:      domain.StageAwaitingApproval,
		To:        domain.StageCancelled,
		At:        decision.DecidedAt,
		LastError: reason,
		FollowUp: &domain.StageExecution{
			ID:            uuid.NewString(),
			RunID:         run.ID,
			StageName:     awaiting.StageName,
			Attempt:       awaiting.Attempt + 1,
			Status:        domain.StagePending,
			Origin:        domain.OriginChangesRequested,
			InputOverride: decision.EditedInput,
			CreatedAt:     decision.DecidedAt,
		},
		RequireRunLive: true,
		Decision:       &decision,
	})
	if err != nil {
		return err
	}
	g.publisher.StageChanged(reconcile.StageEvent(run, superseded))
	g.settle(ctx, run.ID)
	return nil
}

// reject closes the awaiting attempt and ends the run in one transition, so
// it cannot race an approval of the same attempt. Anything still pending is
// cancelled afterwards. Artifacts are retained.
func (g *Gate) reject(ctx context.Context, run domain.PipelineRun, awaiting domain.StageExecution, decision domain.ApprovalDecision) error {
	to := domain.RunCancelled
	if g.cfg.RejectOutcome == RejectFails {
		to = domain.RunFailed
	}
	reason := fmt.Sprintf("%s rejected by %s", awaiting.StageName, decision.DecidedBy)
	if decision.Note != "" {
		reason += ": " + decision.Note
	}
	rejected, err := g.store.TransitionStage(ctx, repo.StageTransition{
		RunID:        run.ID,
		StageName:    awaiting.StageName,
		Attempt:      awaiting.Attempt,
		From:         domain.StageAwaitingApproval,
		To:           domain.StageCancelled,
		At:           decision.DecidedAt,
		ErrorClass:   domain.ErrorClassCancelled,
		LastError:    reason,
		Decision:     &decision,
		EndRun:       to,
		EndRunReason: reason,
	})
	if err != nil {
		return err
	}
	g.publisher.StageChanged(reconcile.StageEvent(run, rejected))
	ended, err := g.store.GetRun(ctx, run.ID)
	if err != nil {
		g.logger.Warn("rejected run not reloaded", zap.String("run_id", run.ID), zap.Error(err))
		return nil
	}
	g.reconciler.Announce(ended)
	if err := g.reconciler.CancelOutstanding(ctx, ended, reason); err != nil {
		g.logger.Warn("outstanding attempts not cancelled", zap.String("run_id", run.ID), zap.Error(err))
	}
	return nil
}

// settle reconciles the run after a decision took effect. A failure here is
// repaired by the dispatcher's next tick, so it does not fail the decision.
func (g *Gate) settle(ctx context.Context, runID string) {
	if _, err := g.reconciler.Reconcile(ctx, runID); err != nil {
		g.logger.Warn("run reconcile deferred", zap.String("run_id", runID), zap.Error(err))
	}
}
