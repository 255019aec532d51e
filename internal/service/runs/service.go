package runs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/animus-labs/cineforge/internal/artifacts"
	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/execution/gate"
	"github.com/animus-labs/cineforge/internal/execution/reconcile"
	"github.com/animus-labs/cineforge/internal/execution/state"
	"github.com/animus-labs/cineforge/internal/platform/auditlog"
	"github.com/animus-labs/cineforge/internal/platform/events"
	"github.com/animus-labs/cineforge/internal/platform/logging"
	"github.com/animus-labs/cineforge/internal/repo"
	"github.com/animus-labs/cineforge/internal/stages"
)

var (
	// ErrRunFinished is returned for operations that need a live run.
	ErrRunFinished = errors.New("run is finished")
	// ErrNotRetryable is returned by RetryStage when the stage did not fail
	// or the run is not Failed.
	ErrNotRetryable = errors.New("stage is not retryable")
)

const maxCancelAttempts = 3

type Deps struct {
	Store      repo.Store
	Artifacts  *artifacts.Store
	Gate       *gate.Gate
	Reconciler *reconcile.Reconciler
	Audit      auditlog.Recorder
	Publisher  events.Publisher
	Logger     *zap.Logger
}

type Service struct {
	pipeline   domain.PipelineDefinition
	store      repo.Store
	artifacts  *artifacts.Store
	gate       *gate.Gate
	reconciler *reconcile.Reconciler
	audit      auditlog.Recorder
	publisher  events.Publisher
	logger     *zap.Logger
	now        func() time.Time
}

// Caller identifies who asked for an operation.
type Caller struct {
	Actor     string
	RequestID string
}

func (c Caller) validate() error {
	if strings.TrimSpace(c.Actor) == "" {
		return errors.New("actor is required")
	}
	return nil
}

type SubmitRequest struct {
	ProjectID string
	// FromStage and ToStage bound the stage window; empty means the first
	// and last pipeline stage.
	FromStage domain.StageName
	ToStage   domain.StageName
	Input     domain.RunInput
}

// RunView is the externally visible state of a run.
type RunView struct {
	Run       domain.PipelineRun
	Stages    []state.StageView
	Decisions []domain.ApprovalDecision
}

func New(pipeline domain.PipelineDefinition, deps Deps) (*Service, error) {
	if err := pipeline.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Artifacts == nil || deps.Gate == nil {
		return nil, errors.New("runs service requires store, artifacts and gate")
	}
	s := &Service{
		pipeline:   pipeline,
		store:      deps.Store,
		artifacts:  deps.Artifacts,
		gate:       deps.Gate,
		reconciler: deps.Reconciler,
		audit:      deps.Audit,
		publisher:  deps.Publisher,
		logger:     logging.OrNop(deps.Logger),
		now:        time.Now,
	}
	if s.audit == nil {
		s.audit = auditlog.Nop{}
	}
	if s.publisher == nil {
		s.publisher = events.Nop{}
	}
	if s.reconciler == nil {
		s.reconciler = reconcile.New(s.store, s.publisher, nil, s.logger)
	}
	return s, nil
}

func (s *Service) Pipeline() domain.PipelineDefinition {
	return s.pipeline
}

func (s *Service) CreateProject(ctx context.Context, caller Caller, title string) (domain.Project, error) {
	if err := caller.validate(); err != nil {
		return domain.Project{}, err
	}
	project := domain.Project{
		ID:        uuid.NewString(),
		Title:     strings.TrimSpace(title),
		CreatedAt: s.now().UTC(),
	}
	if err := project.Validate(); err != nil {
		return domain.Project{}, &stages.ValidationError{Issues: []string{err.Error()}}
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return domain.Project{}, err
	}
	s.record(ctx, caller, auditlog.ActionProjectCreated, "project", project.ID, map[string]any{
		"title": project.Title,
	})
	return project, nil
}

func (s *Service) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return s.store.GetProject(ctx, id)
}

func (s *Service) ListProjects(ctx context.Context, filter repo.ProjectFilter) ([]domain.Project, error) {
	return s.store.ListProjects(ctx, filter)
}

// SubmitRun creates an Active run over the requested stage window. The
// dispatcher picks it up on its next tick.
func (s *Service) SubmitRun(ctx context.Context, caller Caller, req SubmitRequest) (string, error) {
	if err := caller.validate(); err != nil {
		return "", err
	}
	project, err := s.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return "", err
	}
	window, err := s.pipeline.Window(req.FromStage, req.ToStage)
	if err != nil {
		return "", err
	}
	if err := s.checkSeed(ctx, project.ID, window[0].Name, req.Input); err != nil {
		return "", err
	}

	now := s.now().UTC()
	run := domain.PipelineRun{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Stages:    window,
		Status:    domain.RunActive,
		Input:     req.Input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", err
	}
	s.publisher.RunChanged(events.RunEvent{
		RunID:      run.ID,
		ProjectID:  run.ProjectID,
		Status:     string(run.Status),
		OccurredAt: now,
	})
	s.record(ctx, caller, auditlog.ActionRunSubmitted, "run", run.ID, map[string]any{
		"project_id": run.ProjectID,
		"stages":     run.OrderedStageNames(),
	})
	s.logger.Info("run submitted",
		zap.String("run_id", run.ID),
		zap.String("project_id", run.ProjectID),
		zap.Stringers("stages", run.OrderedStageNames()),
	)
	return run.ID, nil
}

// checkSeed verifies that the first stage of the window has an input source:
// the story text for Deconstruct, otherwise a committed output of the
// predecessor in an earlier run of the project.
func (s *Service) checkSeed(ctx context.Context, projectID string, first domain.StageName, input domain.RunInput) error {
	pred, ok := stages.Predecessor(first)
	if !ok {
		if strings.TrimSpace(input.StoryText) == "" {
			return &stages.ValidationError{Stage: string(first), Issues: []string{"story_text is required"}}
		}
		return nil
	}
	_, err := s.store.LatestSucceeded(ctx, projectID, pred)
	if errors.Is(err, repo.ErrNotFound) {
		return &stages.ValidationError{
			Stage:  string(first),
			Issues: []string{fmt.Sprintf("project has no committed %s output to start from", pred)},
		}
	}
	return err
}

func (s *Service) GetRunStatus(ctx context.Context, runID string) (RunView, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return RunView{}, err
	}
	attempts, err := s.store.ListByRun(ctx, runID)
	if err != nil {
		return RunView{}, err
	}
	decisions, err := s.store.ListDecisions(ctx, runID)
	if err != nil {
		return RunView{}, err
	}
	return RunView{
		Run:       run,
		Stages:    state.StageViews(run, attempts),
		Decisions: decisions,
	}, nil
}

func (s *Service) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error) {
	return s.store.ListRuns(ctx, filter)
}

// ApproveStage applies a human decision to a stage awaiting approval.
func (s *Service) ApproveStage(ctx context.Context, caller Caller, req gate.Request) (domain.ApprovalDecision, error) {
	if err := caller.validate(); err != nil {
		return domain.ApprovalDecision{}, err
	}
	req.Actor = caller.Actor
	req.RequestID = caller.RequestID
	return s.gate.Decide(ctx, req)
}

// CancelRun stops a live run. Running attempts finish but their output is
// discarded by the commit, and nothing further is dispatched.
func (s *Service) CancelRun(ctx context.Context, caller Caller, runID, reason string) (domain.PipelineRun, error) {
	if err := caller.validate(); err != nil {
		return domain.PipelineRun{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by " + strings.TrimSpace(caller.Actor)
	}

	var cancelled domain.PipelineRun
	for i := 0; ; i++ {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return domain.PipelineRun{}, err
		}
		if !run.Status.Live() {
			return run, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrRunFinished)
		}
		cancelled, err = s.store.TransitionRun(ctx, repo.RunTransition{
			RunID:  runID,
			From:   []domain.RunStatus{run.Status},
			To:     domain.RunCancelled,
			Reason: reason,
			At:     s.now().UTC(),
		})
		if errors.Is(err, repo.ErrConflict) && i < maxCancelAttempts {
			continue
		}
		if err != nil {
			return domain.PipelineRun{}, err
		}
		break
	}

	s.reconciler.Announce(cancelled)
	if err := s.reconciler.CancelOutstanding(ctx, cancelled, reason); err != nil {
		s.logger.Warn("cancel outstanding attempts", zap.String("run_id", runID), zap.Error(err))
	}
	s.record(ctx, caller, auditlog.ActionRunCancelled, "run", runID, map[string]any{
		"reason": reason,
	})
	return cancelled, nil
}

// RetryStage appends a manual attempt to a failed stage of a Failed run and
// reactivates the run. The new attempt starts a fresh retry budget.
func (s *Service) RetryStage(ctx context.Context, caller Caller, runID string, stage domain.StageName) (domain.StageExecution, error) {
	if err := caller.validate(); err != nil {
		return domain.StageExecution{}, err
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return domain.StageExecution{}, err
	}
	if _, ok := run.StageConfig(stage); !ok {
		return domain.StageExecution{}, fmt.Errorf("%w: %s is not part of run %s", repo.ErrInvalidStageList, stage, runID)
	}
	if run.Status != domain.RunFailed {
		return domain.StageExecution{}, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrNotRetryable)
	}
	attempts, err := s.store.ListByRun(ctx, runID)
	if err != nil {
		return domain.StageExecution{}, err
	}
	latest, ok := state.LatestAttempts(attempts)[stage]
	if !ok || latest.Status != domain.StageFailed {
		return domain.StageExecution{}, fmt.Errorf("%s of run %s: %w", stage, runID, ErrNotRetryable)
	}

	// The attempt is written before the run is reactivated so the run is
	// never live with a failed latest attempt.
	now := s.now().UTC()
	exec, created, err := s.store.EnsureAttempt(ctx, domain.StageExecution{
		ID:        uuid.NewString(),
		RunID:     runID,
		StageName: stage,
		Attempt:   latest.Attempt + 1,
		Status:    domain.StagePending,
		Origin:    domain.OriginManualRetry,
		CreatedAt: now,
	})
	if err != nil {
		return domain.StageExecution{}, err
	}
	if !created && exec.Origin != domain.OriginManualRetry {
		return domain.StageExecution{}, fmt.Errorf("%s attempt %d of run %s: %w", stage, exec.Attempt, runID, repo.ErrConflict)
	}
	reactivated, err := s.store.TransitionRun(ctx, repo.RunTransition{
		RunID:  runID,
		From:   []domain.RunStatus{domain.RunFailed},
		To:     domain.RunActive,
		Reason: fmt.Sprintf("%s retried by %s", stage, strings.TrimSpace(caller.Actor)),
		At:     now,
	})
	if err != nil {
		return domain.StageExecution{}, err
	}

	s.reconciler.Announce(reactivated)
	s.publisher.StageChanged(reconcile.StageEvent(reactivated, exec))
	s.record(ctx, caller, auditlog.ActionStageRetried, "stage_execution", exec.ID, map[string]any{
		"run_id":  runID,
		"stage":   string(stage),
		"attempt": exec.Attempt,
	})
	return exec, nil
}

// GetArtifact returns an artifact's payload after verifying its checksum.
func (s *Service) GetArtifact(ctx context.Context, id string) ([]byte, domain.Artifact, error) {
	return s.artifacts.Get(ctx, id)
}

// ArtifactURL returns a presigned download URL valid for ttl.
func (s *Service) ArtifactURL(ctx context.Context, id string, ttl time.Duration) (string, domain.Artifact, error) {
	return s.artifacts.DownloadURL(ctx, id, ttl)
}

func (s *Service) ListArtifacts(ctx context.Context, runID string, stage domain.StageName) ([]domain.Artifact, error) {
	return s.artifacts.List(ctx, runID, stage)
}

func (s *Service) record(ctx context.Context, caller Caller, action, resourceType, resourceID string, payload map[string]any) {
	err := s.audit.Record(ctx, auditlog.Event{
		OccurredAt:   s.now().UTC(),
		Actor:        strings.TrimSpace(caller.Actor),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    caller.RequestID,
		Payload:      payload,
	})
	if err != nil {
		s.logger.Error("audit event not recorded",
			zap.String("action", action),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
	}
}
