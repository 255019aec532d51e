package state

import (
	"sort"

	"github.com/animus-labs/cineforge/internal/domain"
)

// StageView is the status of one stage of a run with its attempt history.
type StageView struct {
	Name     domain.StageName
	Status   domain.StageStatus
	Gated    bool
	Optional bool
	// Attempts are ordered by attempt number.
	Attempts []domain.StageExecution
	// Artifacts are the output refs of the latest attempt.
	Artifacts []string
	LastError string
}

// StageViews returns one view per stage of run, in pipeline order. A stage
// without attempts is reported as Pending.
func StageViews(run domain.PipelineRun, attempts []domain.StageExecution) []StageView {
	byStage := make(map[domain.StageName][]domain.StageExecution, len(run.Stages))
	for _, exec := range attempts {
		byStage[exec.StageName] = append(byStage[exec.StageName], exec)
	}
	out := make([]StageView, 0, len(run.Stages))
	for _, cfg := range run.Stages {
		history := byStage[cfg.Name]
		sort.Slice(history, func(i, j int) bool { return history[i].Attempt < history[j].Attempt })
		view := StageView{
			Name:     cfg.Name,
			Status:   domain.StagePending,
			Gated:    cfg.Gated,
			Optional: cfg.Optional,
			Attempts: history,
		}
		if n := len(history); n > 0 {
			latest := history[n-1]
			view.Status = latest.Status
			view.Artifacts = latest.OutputArtifactRefs
			for i := n - 1; i >= 0; i-- {
				if history[i].LastError != "" {
					view.LastError = history[i].LastError
					break
				}
			}
		}
		out = append(out, view)
	}
	return out
}
