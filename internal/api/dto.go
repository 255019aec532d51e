package api

import (
	"encoding/json"
	"time"

	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/execution/state"
	"github.com/animus-labs/cineforge/internal/service/runs"
)

type createProjectRequest struct {
	Title string `json:"title"`
}

type submitRunRequest struct {
	FromStage string          `json:"from_stage"`
	ToStage   string          `json:"to_stage"`
	Input     domain.RunInput `json:"input"`
}

type decisionRequest struct {
	Decision    string          `json:"decision"`
	EditedInput json.RawMessage `json:"edited_input,omitempty"`
	Note        string          `json:"note,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type projectResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type runResponse struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	Status       string    `json:"status"`
	StatusReason string    `json:"status_reason,omitempty"`
	Stages       []string  `json:"stages"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type attemptResponse struct {
	ID         string     `json:"id"`
	Attempt    int        `json:"attempt"`
	Status     string     `json:"status"`
	Origin     string     `json:"origin"`
	NotBefore  *time.Time `json:"not_before,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ErrorClass string     `json:"error_class,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Artifacts  []string   `json:"artifacts,omitempty"`
}

type stageResponse struct {
	Name      string            `json:"name"`
	Status    string            `json:"status"`
	Gated     bool              `json:"gated,omitempty"`
	Optional  bool              `json:"optional,omitempty"`
	LastError string            `json:"last_error,omitempty"`
	Artifacts []string          `json:"artifacts,omitempty"`
	Attempts  []attemptResponse `json:"attempts"`
}

type decisionResponse struct {
	ID        string    `json:"id"`
	Stage     string    `json:"stage"`
	Attempt   int       `json:"attempt"`
	Decision  string    `json:"decision"`
	Note      string    `json:"note,omitempty"`
	Edited    bool      `json:"edited,omitempty"`
	DecidedBy string    `json:"decided_by"`
	DecidedAt time.Time `json:"decided_at"`
}

type runViewResponse struct {
	runResponse
	StageStatus []stageResponse    `json:"stage_status"`
	Decisions   []decisionResponse `json:"decisions"`
}

type artifactResponse struct {
	ID          string          `json:"id"`
	Stage       string          `json:"stage"`
	Attempt     int             `json:"attempt"`
	Kind        string          `json:"kind"`
	Name        string          `json:"name"`
	ContentType string          `json:"content_type"`
	SHA256      string          `json:"sha256"`
	SizeBytes   int64           `json:"size_bytes"`
	Metadata    domain.Metadata `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func toProject(p domain.Project) projectResponse {
	return projectResponse{ID: p.ID, Title: p.Title, CreatedAt: p.CreatedAt}
}

func toRun(r domain.PipelineRun) runResponse {
	names := make([]string, 0, len(r.Stages))
	for _, name := range r.OrderedStageNames() {
		names = append(names, string(name))
	}
	return runResponse{
		ID:           r.ID,
		ProjectID:    r.ProjectID,
		Status:       string(r.Status),
		StatusReason: r.StatusReason,
		Stages:       names,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func toAttempt(e domain.StageExecution) attemptResponse {
	return attemptResponse{
		ID:         e.ID,
		Attempt:    e.Attempt,
		Status:     string(e.Status),
		Origin:     string(e.Origin),
		NotBefore:  e.NotBefore,
		StartedAt:  e.StartedAt,
		FinishedAt: e.FinishedAt,
		ErrorClass: string(e.ErrorClass),
		LastError:  e.LastError,
		Artifacts:  e.OutputArtifactRefs,
	}
}

func toStage(v state.StageView) stageResponse {
	attempts := make([]attemptResponse, 0, len(v.Attempts))
	for _, a := range v.Attempts {
		attempts = append(attempts, toAttempt(a))
	}
	return stageResponse{
		Name:      string(v.Name),
		Status:    string(v.Status),
		Gated:     v.Gated,
		Optional:  v.Optional,
		LastError: v.LastError,
		Artifacts: v.Artifacts,
		Attempts:  attempts,
	}
}

func toDecision(d domain.ApprovalDecision) decisionResponse {
	return decisionResponse{
		ID:        d.ID,
		Stage:     string(d.StageName),
		Attempt:   d.Attempt,
		Decision:  string(d.Decision),
		Note:      d.Note,
		Edited:    len(d.EditedInput) > 0,
		DecidedBy: d.DecidedBy,
		DecidedAt: d.DecidedAt,
	}
}

func toRunView(v runs.RunView) runViewResponse {
	out := runViewResponse{
		runResponse: toRun(v.Run),
		StageStatus: make([]stageResponse, 0, len(v.Stages)),
		Decisions:   make([]decisionResponse, 0, len(v.Decisions)),
	}
	for _, s := range v.Stages {
		out.StageStatus = append(out.StageStatus, toStage(s))
	}
	for _, d := range v.Decisions {
		out.Decisions = append(out.Decisions, toDecision(d))
	}
	return out
}

func toArtifact(a domain.Artifact) artifactResponse {
	return artifactResponse{
		ID:          a.ID,
		Stage:       string(a.StageName),
		Attempt:     a.Attempt,
		Kind:        string(a.Kind),
		Name:        a.Name,
		ContentType: a.ContentType,
		SHA256:      a.SHA256,
		SizeBytes:   a.SizeBytes,
		Metadata:    a.Metadata,
		CreatedAt:   a.CreatedAt,
	}
}
