// Package repotest provides an in-process repo.Store with the same
// compare-and-set semantics as the Postgres store, for use in tests.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/repo"
)

type attemptKey struct {
	runID   string
	stage   domain.StageName
	attempt int
}

type Store struct {
	mu        sync.Mutex
	projects  map[string]domain.Project
	runs      map[string]domain.PipelineRun
	attempts  map[attemptKey]domain.StageExecution
	artifacts map[string]domain.Artifact
	decisions []domain.ApprovalDecision

	// FailNext, when set, is returned by the next store call and then cleared.
	FailNext error
}

var _ repo.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		projects:  map[string]domain.Project{},
		runs:      map[string]domain.PipelineRun{},
		attempts:  map[attemptKey]domain.StageExecution{},
		artifacts: map[string]domain.Artifact{},
	}
}

func (s *Store) takeFailure() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

func (s *Store) CreateProject(_ context.Context, project domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	if err := project.Validate(); err != nil {
		return err
	}
	if _, ok := s.projects[project.ID]; ok {
		return fmt.Errorf("project %s: %w", project.ID, repo.ErrConflict)
	}
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}
	s.projects[project.ID] = project
	return nil
}

func (s *Store) GetProject(_ context.Context, id string) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return domain.Project{}, err
	}
	project, ok := s.projects[id]
	if !ok {
		return domain.Project{}, repo.ErrNotFound
	}
	return project, nil
}

func (s *Store) ListProjects(_ context.Context, filter repo.ProjectFilter) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]domain.Project, 0, len(s.projects))
	for _, project := range s.projects {
		if filter.Title != "" && !strings.Contains(strings.ToLower(project.Title), strings.ToLower(filter.Title)) {
			continue
		}
		out = append(out, project)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return limit(out, filter.Limit), nil
}

func (s *Store) CreateRun(_ context.Context, run domain.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	if len(run.Stages) == 0 {
		return repo.ErrInvalidStageList
	}
	if err := run.Validate(); err != nil {
		return err
	}
	if _, ok := s.projects[run.ProjectID]; !ok {
		return fmt.Errorf("project %s: %w", run.ProjectID, repo.ErrNotFound)
	}
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s: %w", run.ID, repo.ErrConflict)
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt
	run.Stages = append([]domain.StageConfig(nil), run.Stages...)
	s.runs[run.ID] = run
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (domain.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return domain.PipelineRun{}, err
	}
	run, ok := s.runs[id]
	if !ok {
		return domain.PipelineRun{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *Store) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]domain.PipelineRun, 0)
	for _, run := range s.runs {
		if filter.ProjectID != "" && run.ProjectID != filter.ProjectID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsRunStatus(filter.Statuses, run.Status) {
			continue
		}
		if filter.After != nil && !afterCursor(run, *filter.After) {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return limit(out, filter.Limit), nil
}

func (s *Store) TransitionRun(_ context.Context, t repo.RunTransition) (domain.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return domain.PipelineRun{}, err
	}
	run, ok := s.runs[t.RunID]
	if !ok {
		return domain.PipelineRun{}, repo.ErrNotFound
	}
	if !containsRunStatus(t.From, run.Status) {
		return domain.PipelineRun{}, fmt.Errorf("run %s is %s: %w", run.ID, run.Status, repo.ErrConflict)
	}
	run.Status = t.To
	run.StatusReason = t.Reason
	run.UpdatedAt = at(t.At)
	s.runs[run.ID] = run
	return run, nil
}

func (s *Store) EnsureAttempt(_ context.Context, exec domain.StageExecution) (domain.StageExecution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return domain.StageExecution{}, false, err
	}
	if _, ok := s.runs[exec.RunID]; !ok {
		return domain.StageExecution{}, false, fmt.Errorf("run %s: %w", exec.RunID, repo.ErrNotFound)
	}
	if exec.Attempt < 1 {
		return domain.StageExecution{}, false, fmt.Errorf("attempt must be >= 1")
	}
	key := attemptKey{exec.RunID, exec.StageName, exec.Attempt}
	if existing, ok := s.attempts[key]; ok {
		return existing, false, nil
	}
	s.insertLocked(exec)
	return s.attempts[key], true, nil
}

func (s *Store) insertLocked(exec domain.StageExecution) {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.Status == "" {
		exec.Status = domain.StagePending
	}
	if exec.Origin == "" {
		exec.Origin = domain.OriginInitial
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	s.attempts[attemptKey{exec.RunID, exec.StageName, exec.Attempt}] = exec
}

func (s *Store) TransitionStage(_ context.Context, t repo.StageTransition) (domain.StageExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return domain.StageExecution{}, err
	}
	key := attemptKey{t.RunID, t.StageName, t.Attempt}
	exec, ok := s.attempts[key]
	if !ok {
		return domain.StageExecution{}, repo.ErrNotFound
	}
	if exec.Status != t.From {
		return domain.StageExecution{}, fmt.Errorf("%s attempt %d is %s: %w", t.StageName, t.Attempt, exec.Status, repo.ErrConflict)
	}
	if (t.RequireRunLive || t.EndRun != "") && !s.runs[t.RunID].Status.Live() {
		return domain.StageExecution{}, fmt.Errorf("run %s is %s: %w", t.RunID, s.runs[t.RunID].Status, repo.ErrConflict)
	}
	if t.FollowUp != nil {
		next := attemptKey{t.FollowUp.RunID, t.FollowUp.StageName, t.FollowUp.Attempt}
		if _, exists := s.attempts[next]; exists {
			return domain.StageExecution{}, fmt.Errorf("%s attempt %d exists: %w", next.stage, next.attempt, repo.ErrConflict)
		}
	}

	now := at(t.At)
	exec.Status = t.To
	switch t.To {
	case domain.StageRunning:
		exec.StartedAt = &now
	case domain.StageSucceeded, domain.StageFailed, domain.StageCancelled, domain.StageSkipped, domain.StageAwaitingApproval:
		if exec.FinishedAt == nil {
			exec.FinishedAt = &now
		}
	}
	if t.ErrorClass != "" {
		exec.ErrorClass = t.ErrorClass
	}
	if t.LastError != "" {
		exec.LastError = t.LastError
	}
	for _, artifact := range t.Artifacts {
		s.artifacts[artifact.ID] = artifact
		exec.OutputArtifactRefs = append(exec.OutputArtifactRefs, artifact.ID)
	}
	s.attempts[key] = exec
	if t.FollowUp != nil {
		s.insertLocked(*t.FollowUp)
	}
	if t.Decision != nil {
		decision := *t.Decision
		if decision.ID == "" {
			decision.ID = uuid.NewString()
		}
		s.decisions = append(s.decisions, decision)
	}
	if t.EndRun != "" {
		run := s.runs[t.RunID]
		run.Status = t.EndRun
		run.StatusReason = t.EndRunReason
		run.UpdatedAt = now
		s.runs[t.RunID] = run
	}
	return exec, nil
}

func (s *Store) GetAttempt(_ context.Context, runID string, stage domain.StageName, attempt int) (domain.StageExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return domain.StageExecution{}, err
	}
	exec, ok := s.attempts[attemptKey{runID, stage, attempt}]
	if !ok {
		return domain.StageExecution{}, repo.ErrNotFound
	}
	return exec, nil
}

func (s *Store) ListByRun(_ context.Context, runID string) ([]domain.StageExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]domain.StageExecution, 0)
	for key, exec := range s.attempts {
		if key.runID == runID {
			out = append(out, exec)
		}
	}
	sortAttempts(out)
	return out, nil
}

func (s *Store) ListRunningStartedBefore(_ context.Context, t time.Time, n int) ([]domain.StageExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]domain.StageExecution, 0)
	for _, exec := range s.attempts {
		if exec.Status != domain.StageRunning || exec.StartedAt == nil || !exec.StartedAt.Before(t) {
			continue
		}
		out = append(out, exec)
	}
	sortAttempts(out)
	return limit(out, n), nil
}

func (s *Store) LatestSucceeded(_ context.Context, projectID string, stage domain.StageName) (domain.StageExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return domain.StageExecution{}, err
	}
	var best domain.StageExecution
	found := false
	for _, exec := range s.attempts {
		if exec.StageName != stage || exec.Status != domain.StageSucceeded {
			continue
		}
		if s.runs[exec.RunID].ProjectID != projectID {
			continue
		}
		if !found || finished(exec).After(finished(best)) {
			best = exec
			found = true
		}
	}
	if !found {
		return domain.StageExecution{}, repo.ErrNotFound
	}
	return best, nil
}

func (s *Store) CreateArtifact(_ context.Context, artifact domain.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	if err := artifact.Validate(); err != nil {
		return err
	}
	if existing, ok := s.artifacts[artifact.ID]; ok {
		if err := domain.EnsureArtifactImmutable(existing, artifact); err != nil {
			return fmt.Errorf("%v: %w", err, repo.ErrConflict)
		}
		return nil
	}
	s.artifacts[artifact.ID] = artifact
	return nil
}

func (s *Store) GetArtifact(_ context.Context, id string) (domain.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return domain.Artifact{}, err
	}
	artifact, ok := s.artifacts[id]
	if !ok {
		return domain.Artifact{}, repo.ErrNotFound
	}
	return artifact, nil
}

func (s *Store) ListArtifacts(_ context.Context, filter repo.ArtifactFilter) ([]domain.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]domain.Artifact, 0)
	for _, artifact := range s.artifacts {
		if filter.ProjectID != "" && artifact.ProjectID != filter.ProjectID {
			continue
		}
		if filter.RunID != "" && artifact.RunID != filter.RunID {
			continue
		}
		if filter.StageName != "" && artifact.StageName != filter.StageName {
			continue
		}
		if filter.Attempt > 0 && artifact.Attempt != filter.Attempt {
			continue
		}
		out = append(out, artifact)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Attempt != out[j].Attempt {
			return out[i].Attempt < out[j].Attempt
		}
		return out[i].Name < out[j].Name
	})
	return limit(out, filter.Limit), nil
}

func (s *Store) RecordDecision(_ context.Context, decision domain.ApprovalDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	if decision.ID == "" {
		decision.ID = uuid.NewString()
	}
	s.decisions = append(s.decisions, decision)
	return nil
}

func (s *Store) ListDecisions(_ context.Context, runID string) ([]domain.ApprovalDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]domain.ApprovalDecision, 0)
	for _, d := range s.decisions {
		if d.RunID == runID {
			out = append(out, d)
		}
	}
	return out, nil
}

// RunningCount returns the number of Running attempts for (runID, stage).
func (s *Store) RunningCount(runID string, stage domain.StageName) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, exec := range s.attempts {
		if key.runID == runID && key.stage == stage && exec.Status == domain.StageRunning {
			n++
		}
	}
	return n
}

func sortAttempts(out []domain.StageExecution) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].StageName != out[j].StageName {
			return out[i].StageName < out[j].StageName
		}
		return out[i].Attempt < out[j].Attempt
	})
}

func containsRunStatus(list []domain.RunStatus, status domain.RunStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

func finished(exec domain.StageExecution) time.Time {
	if exec.FinishedAt != nil {
		return *exec.FinishedAt
	}
	return exec.CreatedAt
}

func afterCursor(run domain.PipelineRun, c repo.RunCursor) bool {
	if run.CreatedAt.Equal(c.CreatedAt) {
		return run.ID > c.RunID
	}
	return run.CreatedAt.After(c.CreatedAt)
}

func at(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
