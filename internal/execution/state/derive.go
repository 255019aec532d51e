// Package state derives eligibility and run status from stage attempts.
// Everything here is pure; callers persist the results.
package state

import (
	"fmt"
	"time"

	"github.com/animus-labs/cineforge/internal/domain"
)

// Eligible is a stage the dispatcher may claim, with the attempt to claim.
type Eligible struct {
	Stage   domain.StageConfig
	Attempt int
	// Existing is false when the attempt row still has to be created.
	Existing bool
}

// LatestAttempts returns the highest-numbered attempt of every stage.
func LatestAttempts(attempts []domain.StageExecution) map[domain.StageName]domain.StageExecution {
	out := make(map[domain.StageName]domain.StageExecution)
	for _, exec := range attempts {
		if current, ok := out[exec.StageName]; !ok || exec.Attempt > current.Attempt {
			out[exec.StageName] = exec
		}
	}
	return out
}

// ChainLength counts the attempts of stage since the last attempt that was not
// an automatic retry. It is the retry budget already spent.
func ChainLength(attempts []domain.StageExecution, stage domain.StageName) int {
	latest, start := 0, 0
	for _, exec := range attempts {
		if exec.StageName != stage {
			continue
		}
		if exec.Attempt > latest {
			latest = exec.Attempt
		}
		if exec.Origin != domain.OriginRetry && exec.Attempt > start {
			start = exec.Attempt
		}
	}
	if latest == 0 {
		return 0
	}
	if start == 0 {
		start = 1
	}
	return latest - start + 1
}

// EligibleStages returns the stages of run that can be claimed at now: every
// in-run dependency has a satisfied latest attempt and the stage's own latest
// attempt is absent or a Pending attempt whose delay has elapsed.
// Dependencies outside the run's window were satisfied by earlier runs.
func EligibleStages(run domain.PipelineRun, attempts []domain.StageExecution, now time.Time) []Eligible {
	if !run.Status.Live() {
		return nil
	}
	latest := LatestAttempts(attempts)
	var out []Eligible
	for _, stage := range run.Stages {
		if !dependenciesSatisfied(run, stage, latest) {
			continue
		}
		exec, ok := latest[stage.Name]
		switch {
		case !ok:
			out = append(out, Eligible{Stage: stage, Attempt: 1})
		case exec.ReadyAt(now):
			out = append(out, Eligible{Stage: stage, Attempt: exec.Attempt, Existing: true})
		}
	}
	return out
}

func dependenciesSatisfied(run domain.PipelineRun, stage domain.StageConfig, latest map[domain.StageName]domain.StageExecution) bool {
	for _, dep := range stage.DependsOn {
		if _, inRun := run.StageConfig(dep); !inRun {
			continue
		}
		exec, ok := latest[dep]
		if !ok || !exec.Status.Satisfied() {
			return false
		}
	}
	return true
}

// PendingSkips returns optional stages whose latest attempt failed for a
// reason other than storage. They are skipped rather than failing the run.
func PendingSkips(run domain.PipelineRun, attempts []domain.StageExecution) []domain.StageExecution {
	latest := LatestAttempts(attempts)
	var out []domain.StageExecution
	for _, stage := range run.Stages {
		exec, ok := latest[stage.Name]
		if ok && stage.Optional && exec.Status == domain.StageFailed && exec.ErrorClass != domain.ErrorClassStorage {
			out = append(out, exec)
		}
	}
	return out
}

// DeriveRunStatus computes the status a live run should have given its
// attempts, with a reason for failures.
//
// A failed or cancelled latest attempt fails the run, except an optional
// stage's failure, which is about to become Skipped. Any stage awaiting
// approval holds the run in AwaitingApproval. The run is Completed once every
// stage is Succeeded or Skipped.
func DeriveRunStatus(run domain.PipelineRun, attempts []domain.StageExecution) (domain.RunStatus, string) {
	latest := LatestAttempts(attempts)
	awaiting := false
	complete := true
	for _, stage := range run.Stages {
		exec, ok := latest[stage.Name]
		if !ok {
			complete = false
			continue
		}
		switch exec.Status {
		case domain.StageFailed:
			if stage.Optional && exec.ErrorClass != domain.ErrorClassStorage {
				complete = false
				continue
			}
			return domain.RunFailed, failureReason(exec)
		case domain.StageCancelled:
			return domain.RunFailed, fmt.Sprintf("stage %s attempt %d was cancelled", exec.StageName, exec.Attempt)
		case domain.StageAwaitingApproval:
			awaiting = true
			complete = false
		case domain.StageSucceeded, domain.StageSkipped:
		default:
			complete = false
		}
	}
	switch {
	case awaiting:
		return domain.RunAwaitingApproval, ""
	case complete:
		return domain.RunCompleted, ""
	default:
		return domain.RunActive, ""
	}
}

func failureReason(exec domain.StageExecution) string {
	reason := fmt.Sprintf("stage %s failed after attempt %d", exec.StageName, exec.Attempt)
	if exec.ErrorClass != "" {
		reason += " (" + string(exec.ErrorClass) + ")"
	}
	if exec.LastError != "" {
		reason += ": " + exec.LastError
	}
	return reason
}
