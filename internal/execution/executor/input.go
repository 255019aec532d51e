package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/animus-labs/cineforge/internal/artifacts"
	"github.com/animus-labs/cineforge/internal/capability"
	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/execution/state"
	"github.com/animus-labs/cineforge/internal/repo"
	"github.com/animus-labs/cineforge/internal/stages"
)

func newID() string { return uuid.NewString() }

// assembleInput builds the stage input and returns the upstream manifests it
// was built from. An input override from a RequestChanges decision wins.
func (e *Executor) assembleInput(ctx context.Context, job Job) (json.RawMessage, []domain.Artifact, error) {
	if len(job.Attempt.InputOverride) > 0 {
		if err := stages.ValidateInput(job.Stage.Name, job.Attempt.InputOverride); err != nil {
			return nil, nil, err
		}
		return job.Attempt.InputOverride, nil, nil
	}

	pred, ok := stages.Predecessor(job.Stage.Name)
	if !ok {
		input, err := stages.BuildInput(job.Stage.Name, job.Run.Input, nil)
		return input, nil, err
	}

	source, err := e.upstreamAttempt(ctx, job.Run, job.Stage.Name, pred)
	if err != nil {
		return nil, nil, err
	}
	manifest, body, err := e.readManifest(ctx, source)
	if err != nil {
		return nil, nil, err
	}
	input, err := stages.BuildInput(job.Stage.Name, job.Run.Input, stages.Upstream{pred: body})
	if err != nil {
		return nil, nil, err
	}
	return input, []domain.Artifact{manifest}, nil
}

// upstreamAttempt finds the committed attempt whose output feeds stage. A
// predecessor inside the run must have succeeded in this run. A predecessor
// outside the run's window, or one that was skipped, resolves to the
// project's most recent successful attempt of that stage.
func (e *Executor) upstreamAttempt(ctx context.Context, run domain.PipelineRun, stage, pred domain.StageName) (domain.StageExecution, error) {
	if _, inRun := run.StageConfig(pred); inRun {
		attempts, err := e.store.ListByRun(ctx, run.ID)
		if err != nil {
			return domain.StageExecution{}, err
		}
		latest, ok := state.LatestAttempts(attempts)[pred]
		if ok && latest.Status == domain.StageSucceeded {
			return latest, nil
		}
		if !ok || latest.Status != domain.StageSkipped {
			return domain.StageExecution{}, missingUpstream(stage, pred, "has not been approved in this run")
		}
	}
	exec, err := e.store.LatestSucceeded(ctx, run.ProjectID, pred)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StageExecution{}, missingUpstream(stage, pred, "has no successful output in this project")
	}
	return exec, err
}

func missingUpstream(stage, pred domain.StageName, why string) error {
	return &stages.ValidationError{Stage: string(stage), Issues: []string{fmt.Sprintf("upstream %s %s", pred, why)}}
}

func (e *Executor) readManifest(ctx context.Context, exec domain.StageExecution) (domain.Artifact, json.RawMessage, error) {
	for _, ref := range exec.OutputArtifactRefs {
		artifact, err := e.store.GetArtifact(ctx, ref)
		if err != nil {
			return domain.Artifact{}, nil, err
		}
		if !artifact.IsManifest() {
			continue
		}
		body, err := e.artifacts.Read(ctx, artifact)
		if err != nil {
			return domain.Artifact{}, nil, err
		}
		return artifact, body, nil
	}
	return domain.Artifact{}, nil, missingUpstream(exec.StageName, exec.StageName,
		fmt.Sprintf("attempt %d has no manifest", exec.Attempt))
}

func checkOutput(stage domain.StageName, input json.RawMessage, out capability.Output) ([]string, error) {
	verr := &stages.ValidationError{Stage: string(stage)}
	seen := make(map[string]bool, len(out.Media))
	for i, m := range out.Media {
		switch {
		case m.Name == "":
			verr.Add(fmt.Sprintf("media[%d].name is required", i))
		case m.Name == domain.ManifestName:
			verr.Add(fmt.Sprintf("media[%d].name %q is reserved", i, m.Name))
		case seen[m.Name]:
			verr.Add(fmt.Sprintf("media[%d].name %q is duplicated", i, m.Name))
		}
		seen[m.Name] = true
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return stages.CheckOutput(stage, input, out.Payload, out.MediaNames())
}

// writeArtifacts stores every media product and the manifest. On failure the
// blobs written so far are removed.
func (e *Executor) writeArtifacts(ctx context.Context, job Job, out capability.Output, missing []string) ([]domain.Artifact, error) {
	base := artifacts.PutRequest{
		ProjectID:        job.Run.ProjectID,
		RunID:            job.Run.ID,
		StageName:        job.Stage.Name,
		Attempt:          job.Attempt.Attempt,
		StageExecutionID: job.Attempt.ID,
	}
	written := make([]domain.Artifact, 0, len(out.Media)+1)
	put := func(req artifacts.PutRequest) error {
		artifact, err := e.artifacts.Put(ctx, req)
		if err != nil {
			return err
		}
		written = append(written, artifact)
		return nil
	}

	for _, m := range out.Media {
		req := base
		req.Kind = m.Kind
		req.Name = m.Name
		req.ContentType = m.ContentType
		req.Body = m.Data
		if err := put(req); err != nil {
			e.discard(ctx, written, e.logger)
			return nil, err
		}
	}

	manifest := base
	manifest.Kind = domain.ArtifactJSON
	manifest.Name = domain.ManifestName
	manifest.ContentType = "application/json"
	manifest.Body = out.Payload
	if len(missing) > 0 {
		manifest.Metadata = domain.Metadata{"partial": true, "missing": missing}
	}
	if err := put(manifest); err != nil {
		e.discard(ctx, written, e.logger)
		return nil, err
	}
	return written, nil
}

func classify(err error) domain.ErrorClass {
	var verr *stages.ValidationError
	switch {
	case errors.Is(err, repo.ErrStorageUnavailable):
		return domain.ErrorClassStorage
	case errors.As(err, &verr),
		errors.Is(err, capability.ErrValidation),
		errors.Is(err, capability.ErrNotRegistered):
		return domain.ErrorClassValidation
	default:
		return domain.ErrorClassTransient
	}
}

func chainLength(attempts []domain.StageExecution, stage domain.StageName) int {
	n := state.ChainLength(attempts, stage)
	if n < 1 {
		n = 1
	}
	return n
}
