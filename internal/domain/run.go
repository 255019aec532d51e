package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Project groups the runs produced for one story.
type Project struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

func (p Project) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(p.Title) == "" {
		return errors.New("project title is required")
	}
	return nil
}

// RunInput seeds the first stage of a run.
type RunInput struct {
	StoryText string `json:"story_text,omitempty"`
	Style     string `json:"style,omitempty"`
}

// PipelineRun is one execution of a contiguous window of the pipeline.
// Stages is a snapshot of the stage configuration taken at submit time.
type PipelineRun struct {
	ID           string
	ProjectID    string
	Stages       []StageConfig
	Status       RunStatus
	StatusReason string
	Input        RunInput
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r PipelineRun) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if len(r.Stages) == 0 {
		return errors.New("run requires at least one stage")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		return errors.New("status is required")
	}
	return nil
}

// OrderedStageNames returns the run's stages in execution order.
func (r PipelineRun) OrderedStageNames() []StageName {
	out := make([]StageName, 0, len(r.Stages))
	for _, stage := range r.Stages {
		out = append(out, stage.Name)
	}
	return out
}

// StageConfig returns the snapshot for name.
func (r PipelineRun) StageConfig(name StageName) (StageConfig, bool) {
	for _, stage := range r.Stages {
		if stage.Name == name {
			return stage, true
		}
	}
	return StageConfig{}, false
}

// AttemptOrigin records why an attempt was created.
type AttemptOrigin string

const (
	OriginInitial          AttemptOrigin = "initial"
	OriginRetry            AttemptOrigin = "retry"
	OriginChangesRequested AttemptOrigin = "changes_requested"
	OriginManualRetry      AttemptOrigin = "manual_retry"
)

// ErrorClass classifies a failed attempt.
type ErrorClass string

const (
	ErrorClassTransient  ErrorClass = "transient"
	ErrorClassValidation ErrorClass = "validation"
	ErrorClassPartial    ErrorClass = "partial"
	ErrorClassStorage    ErrorClass = "storage_unavailable"
	ErrorClassCancelled  ErrorClass = "cancelled"
)

// StageExecution is one attempt of one stage within a run.
type StageExecution struct {
	ID                 string
	RunID              string
	StageName          StageName
	Attempt            int
	Status             StageStatus
	Origin             AttemptOrigin
	NotBefore          *time.Time
	StartedAt          *time.Time
	FinishedAt         *time.Time
	ErrorClass         ErrorClass
	LastError          string
	OutputArtifactRefs []string
	InputOverride      json.RawMessage
	CreatedAt          time.Time
}

// ReadyAt reports whether a pending attempt may be claimed at now.
func (e StageExecution) ReadyAt(now time.Time) bool {
	if e.Status != StagePending {
		return false
	}
	return e.NotBefore == nil || !e.NotBefore.After(now)
}
