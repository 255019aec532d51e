package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/cineforge/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set finds a status other than
	// the expected one.
	ErrConflict           = errors.New("conflict")
	ErrInvalidStageList   = domain.ErrInvalidStageList
	ErrStorageUnavailable = errors.New("storage unavailable")
)

type ProjectFilter struct {
	Title string
	Limit int
}

type RunFilter struct {
	ProjectID string
	Statuses  []domain.RunStatus
	// After restricts the list to runs ordered strictly after the cursor.
	After *RunCursor
	Limit int
}

// RunCursor is a position in the (created_at, run_id) ordering of runs.
type RunCursor struct {
	CreatedAt time.Time
	RunID     string
}

// CursorOf returns the cursor positioned at run.
func CursorOf(run domain.PipelineRun) *RunCursor {
	return &RunCursor{CreatedAt: run.CreatedAt, RunID: run.ID}
}

type ArtifactFilter struct {
	ProjectID string
	RunID     string
	StageName domain.StageName
	Attempt   int
	Limit     int
}

// RunTransition moves a run to To if its current status is one of From.
type RunTransition struct {
	RunID  string
	From   []domain.RunStatus
	To     domain.RunStatus
	Reason string
	At     time.Time
}

// StageTransition moves one attempt from From to To atomically.
//
// Artifacts are indexed and recorded as the attempt's output refs in the same
// transaction. FollowUp, when set, is inserted as the next attempt of the same
// stage in that transaction too. With RequireRunLive the transition also
// fails with ErrConflict when the run is no longer Active or AwaitingApproval.
type StageTransition struct {
	RunID          string
	StageName      domain.StageName
	Attempt        int
	From           domain.StageStatus
	To             domain.StageStatus
	At             time.Time
	ErrorClass     domain.ErrorClass
	LastError      string
	Artifacts      []domain.Artifact
	FollowUp       *domain.StageExecution
	RequireRunLive bool
	// Decision is recorded together with the transition.
	Decision *domain.ApprovalDecision
	// EndRun moves the live run to this terminal status together with the
	// transition. It implies RequireRunLive.
	EndRun       domain.RunStatus
	EndRunReason string
}

// ProjectRepository manages projects.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project domain.Project) error
	GetProject(ctx context.Context, id string) (domain.Project, error)
	ListProjects(ctx context.Context, filter ProjectFilter) ([]domain.Project, error)
}

// RunRepository manages pipeline runs. Run status only changes through
// TransitionRun.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.PipelineRun) error
	GetRun(ctx context.Context, id string) (domain.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.PipelineRun, error)
	TransitionRun(ctx context.Context, t RunTransition) (domain.PipelineRun, error)
}

// StageExecutionRepository manages stage attempts.
type StageExecutionRepository interface {
	// EnsureAttempt inserts exec if no attempt with the same (run, stage,
	// attempt) exists. It returns the stored row and whether it was created.
	EnsureAttempt(ctx context.Context, exec domain.StageExecution) (domain.StageExecution, bool, error)
	TransitionStage(ctx context.Context, t StageTransition) (domain.StageExecution, error)
	GetAttempt(ctx context.Context, runID string, stage domain.StageName, attempt int) (domain.StageExecution, error)
	ListByRun(ctx context.Context, runID string) ([]domain.StageExecution, error)
	// ListRunningStartedBefore returns Running attempts started before t,
	// whatever the status of their run.
	ListRunningStartedBefore(ctx context.Context, t time.Time, limit int) ([]domain.StageExecution, error)
	// LatestSucceeded returns the most recently finished Succeeded attempt of
	// stage across all runs of the project.
	LatestSucceeded(ctx context.Context, projectID string, stage domain.StageName) (domain.StageExecution, error)
}

// ArtifactRepository manages the artifact index.
type ArtifactRepository interface {
	CreateArtifact(ctx context.Context, artifact domain.Artifact) error
	GetArtifact(ctx context.Context, id string) (domain.Artifact, error)
	ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]domain.Artifact, error)
}

// ApprovalRepository records approval decisions.
type ApprovalRepository interface {
	RecordDecision(ctx context.Context, decision domain.ApprovalDecision) error
	ListDecisions(ctx context.Context, runID string) ([]domain.ApprovalDecision, error)
}

// Store is the complete run state store.
type Store interface {
	ProjectRepository
	RunRepository
	StageExecutionRepository
	ArtifactRepository
	ApprovalRepository
}
