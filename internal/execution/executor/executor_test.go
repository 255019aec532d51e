package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/cineforge/internal/artifacts"
	"github.com/animus-labs/cineforge/internal/capability"
	"github.com/animus-labs/cineforge/internal/capability/dryrun"
	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/execution/retry"
	"github.com/animus-labs/cineforge/internal/platform/events"
	"github.com/animus-labs/cineforge/internal/platform/lineageevent"
	"github.com/animus-labs/cineforge/internal/platform/metrics"
	"github.com/animus-labs/cineforge/internal/repo"
	"github.com/animus-labs/cineforge/internal/repo/repotest"
	"github.com/animus-labs/cineforge/internal/stages"
	store "github.com/animus-labs/cineforge/internal/storage/objectstore"
)

const story = "The keeper Mara lights the lamp.\n\nA boat brings Tomas home."

type harness struct {
	store   *repotest.Store
	objects *store.MemoryStore
	caps    *capability.Registry
	events  *events.Recorder
	metrics *metrics.Metrics
	lineage *lineageevent.MemoryRecorder
	exec    *Executor
	now     time.Time
}

func newHarness(t *testing.T, configure func([]domain.StageConfig)) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		store:   repotest.New(),
		objects: store.NewMemoryStore(),
		caps:    capability.NewRegistry(),
		events:  &events.Recorder{},
		metrics: metrics.New(prometheus.NewRegistry()),
		lineage: &lineageevent.MemoryRecorder{},
		now:     time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	h.caps.RegisterAll(dryrun.New(dryrun.Config{}))

	arts, err := artifacts.NewStore(h.objects, h.store, "cineforge")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Policy.Rand = func() float64 { return 0.5 }
	h.exec, err = New(cfg, Deps{
		Store:        h.store,
		Artifacts:    arts,
		Capabilities: h.caps,
		Publisher:    h.events,
		Metrics:      h.metrics,
		Lineage:      h.lineage,
	})
	require.NoError(t, err)
	h.exec.now = func() time.Time { return h.now }

	stageCfg := domain.DefaultPipeline().Stages
	if configure != nil {
		configure(stageCfg)
	}
	require.NoError(t, h.store.CreateProject(ctx, domain.Project{ID: "proj-1", Title: "Lighthouse"}))
	require.NoError(t, h.store.CreateRun(ctx, domain.PipelineRun{
		ID:        "run-1",
		ProjectID: "proj-1",
		Stages:    stageCfg,
		Status:    domain.RunActive,
		Input:     domain.RunInput{StoryText: story},
	}))
	return h
}

func (h *harness) claim(t *testing.T, stage domain.StageName, attempt int, override json.RawMessage) Job {
	t.Helper()
	ctx := context.Background()
	_, _, err := h.store.EnsureAttempt(ctx, domain.StageExecution{
		RunID: "run-1", StageName: stage, Attempt: attempt, Status: domain.StagePending, InputOverride: override,
	})
	require.NoError(t, err)
	exec, err := h.store.TransitionStage(ctx, repo.StageTransition{
		RunID: "run-1", StageName: stage, Attempt: attempt,
		From: domain.StagePending, To: domain.StageRunning, At: h.now, RequireRunLive: true,
	})
	require.NoError(t, err)
	run, err := h.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	cfg, ok := run.StageConfig(stage)
	require.True(t, ok)
	return Job{Run: run, Stage: cfg, Attempt: exec}
}

func (h *harness) execute(t *testing.T, stage domain.StageName, attempt int) domain.StageExecution {
	t.Helper()
	require.NoError(t, h.exec.Execute(context.Background(), h.claim(t, stage, attempt, nil)))
	return h.attempt(t, stage, attempt)
}

func (h *harness) attempt(t *testing.T, stage domain.StageName, attempt int) domain.StageExecution {
	t.Helper()
	exec, err := h.store.GetAttempt(context.Background(), "run-1", stage, attempt)
	require.NoError(t, err)
	return exec
}

func (h *harness) runStatus(t *testing.T) domain.PipelineRun {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	return run
}

func (h *harness) fail(err error) {
	h.caps.RegisterAll(capability.Func(func(context.Context, capability.Input) (capability.Output, error) {
		return capability.Output{}, err
	}))
}

func TestExecuteCommitsArtifacts(t *testing.T) {
	h := newHarness(t, nil)

	exec := h.execute(t, domain.StageDeconstruct, 1)
	assert.Equal(t, domain.StageSucceeded, exec.Status)
	require.Len(t, exec.OutputArtifactRefs, 1)

	manifest, err := h.store.GetArtifact(context.Background(), exec.OutputArtifactRefs[0])
	require.NoError(t, err)
	assert.True(t, manifest.IsManifest())
	assert.Equal(t, "runs/run-1/deconstruct/1/"+manifest.ID, manifest.ObjectKey)
	assert.Equal(t, 1, h.objects.Len())

	assert.Equal(t, domain.RunActive, h.runStatus(t).Status)
	require.Len(t, h.events.StageEvents(), 1)
	assert.Equal(t, "Succeeded", h.events.StageEvents()[0].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StageAttemptsTotal.WithLabelValues("Deconstruct", "succeeded")))
}

func TestGatedStageAwaitsApproval(t *testing.T) {
	h := newHarness(t, nil)
	h.execute(t, domain.StageDeconstruct, 1)

	exec := h.execute(t, domain.StageScreenplay, 1)
	assert.Equal(t, domain.StageAwaitingApproval, exec.Status)
	assert.NotEmpty(t, exec.OutputArtifactRefs)
	assert.Equal(t, domain.RunAwaitingApproval, h.runStatus(t).Status)
}

func TestCommitRecordsLineage(t *testing.T) {
	h := newHarness(t, nil)
	deconstruct := h.execute(t, domain.StageDeconstruct, 1)
	screenplay := h.execute(t, domain.StageScreenplay, 1)

	var derived []lineageevent.Edge
	for _, edge := range h.lineage.Edges() {
		if edge.Predicate == lineageevent.PredicateDerivedFrom {
			derived = append(derived, edge)
		}
	}
	require.Len(t, derived, 1)
	assert.Equal(t, screenplay.OutputArtifactRefs[0], derived[0].SubjectID)
	assert.Equal(t, deconstruct.OutputArtifactRefs[0], derived[0].ObjectID)
}

func TestFullPipelineCompletesRun(t *testing.T) {
	h := newHarness(t, func(s []domain.StageConfig) { s[1].Gated = false })
	for _, stage := range domain.KnownStages() {
		exec := h.execute(t, stage, 1)
		require.Equal(t, domain.StageSucceeded, exec.Status, stage)
	}
	assert.Equal(t, domain.RunCompleted, h.runStatus(t).Status)

	film, err := h.store.ListArtifacts(context.Background(), repo.ArtifactFilter{RunID: "run-1", StageName: domain.StageAssembly})
	require.NoError(t, err)
	// manifest, film, one soundtrack per scene and the voiceover
	assert.Len(t, film, 5)
	audio := 0
	for _, artifact := range film {
		if artifact.Kind == domain.ArtifactAudio {
			audio++
		}
	}
	assert.Equal(t, 3, audio)
}

func TestTransientFailureSchedulesDelayedRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.fail(capability.Transient(errors.New("backend returned 503")))

	exec := h.execute(t, domain.StageDeconstruct, 1)
	assert.Equal(t, domain.StageFailed, exec.Status)
	assert.Equal(t, domain.ErrorClassTransient, exec.ErrorClass)
	assert.Equal(t, "backend returned 503", exec.LastError)

	next := h.attempt(t, domain.StageDeconstruct, 2)
	assert.Equal(t, domain.StagePending, next.Status)
	assert.Equal(t, domain.OriginRetry, next.Origin)
	require.NotNil(t, next.NotBefore)
	assert.Equal(t, h.now.Add(2*time.Second), *next.NotBefore)
	assert.Equal(t, domain.RunActive, h.runStatus(t).Status)
}

func TestRetriesExhaustedFailRun(t *testing.T) {
	h := newHarness(t, nil)
	h.fail(capability.Transient(errors.New("rate limited")))

	h.execute(t, domain.StageDeconstruct, 1)
	require.NoError(t, h.exec.Execute(context.Background(), h.claim(t, domain.StageDeconstruct, 2, nil)))
	require.NoError(t, h.exec.Execute(context.Background(), h.claim(t, domain.StageDeconstruct, 3, nil)))

	_, err := h.store.GetAttempt(context.Background(), "run-1", domain.StageDeconstruct, 4)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	attempts, err := h.store.ListByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for _, exec := range attempts {
		assert.Equal(t, domain.StageDeconstruct, exec.StageName)
		assert.Equal(t, domain.StageFailed, exec.Status, "attempt %d", exec.Attempt)
	}
	assert.Equal(t, domain.ErrorClassTransient, h.attempt(t, domain.StageDeconstruct, 3).ErrorClass)
	run := h.runStatus(t)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.StatusReason, "rate limited")
}

func TestValidationFailureIsPermanent(t *testing.T) {
	h := newHarness(t, nil)
	h.caps.RegisterAll(capability.Func(func(_ context.Context, in capability.Input) (capability.Output, error) {
		payload, err := stages.Encode(in.Stage, stages.DeconstructOutput{Title: "No scenes"})
		return capability.Output{Payload: payload}, err
	}))

	exec := h.execute(t, domain.StageDeconstruct, 1)
	assert.Equal(t, domain.StageFailed, exec.Status)
	assert.Equal(t, domain.ErrorClassValidation, exec.ErrorClass)
	assert.Contains(t, exec.LastError, "scenes must not be empty")

	_, err := h.store.GetAttempt(context.Background(), "run-1", domain.StageDeconstruct, 2)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.Equal(t, domain.RunFailed, h.runStatus(t).Status)
	assert.Equal(t, 0, h.objects.Len())
}

func TestOptionalStageIsSkippedWhenExhausted(t *testing.T) {
	h := newHarness(t, func(s []domain.StageConfig) { s[0].Optional = true; s[0].MaxAttempts = 1 })
	h.fail(capability.Transient(errors.New("timeout")))

	h.execute(t, domain.StageDeconstruct, 1)
	assert.Equal(t, domain.StageSkipped, h.attempt(t, domain.StageDeconstruct, 1).Status)
	assert.Equal(t, domain.RunActive, h.runStatus(t).Status)
}

func TestTimeoutDiscardsLateResult(t *testing.T) {
	h := newHarness(t, func(s []domain.StageConfig) { s[0].Timeout = 20 * time.Millisecond })
	release := make(chan struct{})
	finished := make(chan struct{})
	backend := dryrun.New(dryrun.Config{})
	h.caps.RegisterAll(capability.Func(func(ctx context.Context, in capability.Input) (capability.Output, error) {
		if in.Attempt > 1 {
			return backend.Execute(ctx, in)
		}
		defer close(finished)
		<-release
		return backend.Execute(context.Background(), in)
	}))

	first := h.execute(t, domain.StageDeconstruct, 1)
	assert.Equal(t, domain.StageFailed, first.Status)
	assert.Equal(t, domain.ErrorClassTransient, first.ErrorClass)
	assert.Contains(t, first.LastError, "timed out")

	second := h.execute(t, domain.StageDeconstruct, 2)
	require.Equal(t, domain.StageSucceeded, second.Status)

	close(release)
	<-finished

	h.assertSingleCommit(t, domain.StageDeconstruct, second)
	assert.Empty(t, h.attempt(t, domain.StageDeconstruct, 1).OutputArtifactRefs)
}

func TestReclaimedAttemptCannotCommit(t *testing.T) {
	h := newHarness(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	backend := dryrun.New(dryrun.Config{})
	h.caps.RegisterAll(capability.Func(func(ctx context.Context, in capability.Input) (capability.Output, error) {
		if in.Attempt == 1 {
			close(started)
			<-release
		}
		return backend.Execute(ctx, in)
	}))

	job := h.claim(t, domain.StageDeconstruct, 1, nil)
	done := make(chan error, 1)
	go func() { done <- h.exec.Execute(context.Background(), job) }()
	<-started

	require.NoError(t, h.exec.Abandon(context.Background(), job, errors.New("lease expired")))
	second := h.execute(t, domain.StageDeconstruct, 2)
	require.Equal(t, domain.StageSucceeded, second.Status)

	close(release)
	require.NoError(t, <-done)

	first := h.attempt(t, domain.StageDeconstruct, 1)
	assert.Equal(t, domain.StageFailed, first.Status)
	assert.Equal(t, "lease expired", first.LastError)
	assert.Empty(t, first.OutputArtifactRefs)
	h.assertSingleCommit(t, domain.StageDeconstruct, second)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StageAttemptsTotal.WithLabelValues("Deconstruct", "discarded")))
}

// assertSingleCommit checks that stage has exactly one committed artifact set
// and that it belongs to winner.
func (h *harness) assertSingleCommit(t *testing.T, stage domain.StageName, winner domain.StageExecution) {
	t.Helper()
	indexed, err := h.store.ListArtifacts(context.Background(), repo.ArtifactFilter{RunID: "run-1", StageName: stage})
	require.NoError(t, err)
	require.Len(t, indexed, len(winner.OutputArtifactRefs))
	for _, artifact := range indexed {
		assert.Equal(t, winner.Attempt, artifact.Attempt)
		assert.Contains(t, winner.OutputArtifactRefs, artifact.ID)
	}
	assert.Equal(t, len(winner.OutputArtifactRefs), h.objects.Len())
}

func TestCancelledRunDiscardsOutput(t *testing.T) {
	h := newHarness(t, nil)
	backend := dryrun.New(dryrun.Config{})
	h.caps.RegisterAll(capability.Func(func(ctx context.Context, in capability.Input) (capability.Output, error) {
		_, err := h.store.TransitionRun(ctx, repo.RunTransition{
			RunID: "run-1", From: []domain.RunStatus{domain.RunActive}, To: domain.RunCancelled,
		})
		if err != nil {
			return capability.Output{}, err
		}
		return backend.Execute(ctx, in)
	}))

	exec := h.execute(t, domain.StageDeconstruct, 1)
	assert.Equal(t, domain.StageCancelled, exec.Status)
	assert.Empty(t, exec.OutputArtifactRefs)
	assert.Equal(t, 0, h.objects.Len())

	indexed, err := h.store.ListArtifacts(context.Background(), repo.ArtifactFilter{RunID: "run-1"})
	require.NoError(t, err)
	assert.Empty(t, indexed)
}

func TestStorageFailureFailsRun(t *testing.T) {
	h := newHarness(t, nil)
	h.objects.FailPuts = errors.New("connection refused")

	exec := h.execute(t, domain.StageDeconstruct, 1)
	assert.Equal(t, domain.StageFailed, exec.Status)
	assert.Equal(t, domain.ErrorClassStorage, exec.ErrorClass)
	_, err := h.store.GetAttempt(context.Background(), "run-1", domain.StageDeconstruct, 2)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.Equal(t, domain.RunFailed, h.runStatus(t).Status)
}

func videoInput(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := stages.Encode(domain.StageVideo, stages.VideoInput{
		Shots: []stages.Shot{
			{Scene: 1, Shot: 1, Description: "wide"},
			{Scene: 1, Shot: 2, Description: "close"},
		},
		Frames: []stages.Frame{
			{Scene: 1, Shot: 1, Media: "frame-1.png"},
			{Scene: 1, Shot: 2, Media: "frame-2.png"},
		},
	})
	require.NoError(t, err)
	return raw
}

func oneClip(_ context.Context, in capability.Input) (capability.Output, error) {
	payload, err := stages.Encode(in.Stage, stages.VideoOutput{Clips: []stages.Clip{
		{Scene: 1, Shot: 1, Media: "clip-1.mp4", DurationSeconds: 4},
	}})
	return capability.Output{
		Payload: payload,
		Media:   []capability.Media{{Name: "clip-1.mp4", Kind: domain.ArtifactVideo, ContentType: "video/mp4", Data: []byte("x")}},
	}, err
}

func TestPartialOutputAccepted(t *testing.T) {
	h := newHarness(t, func(s []domain.StageConfig) { s[3].AcceptPartial = true })
	h.caps.Register(domain.StageVideo, capability.Func(oneClip))

	require.NoError(t, h.exec.Execute(context.Background(), h.claim(t, domain.StageVideo, 1, videoInput(t))))
	exec := h.attempt(t, domain.StageVideo, 1)
	assert.Equal(t, domain.StageSucceeded, exec.Status)
	assert.Equal(t, domain.ErrorClassPartial, exec.ErrorClass)
	assert.Contains(t, exec.LastError, "clip for S01/SH02")
	assert.Len(t, exec.OutputArtifactRefs, 2)
}

func TestPartialOutputRejectedIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.caps.Register(domain.StageVideo, capability.Func(oneClip))

	require.NoError(t, h.exec.Execute(context.Background(), h.claim(t, domain.StageVideo, 1, videoInput(t))))
	exec := h.attempt(t, domain.StageVideo, 1)
	assert.Equal(t, domain.StageFailed, exec.Status)
	assert.Equal(t, domain.ErrorClassPartial, exec.ErrorClass)
	assert.Equal(t, 0, h.objects.Len())

	next := h.attempt(t, domain.StageVideo, 2)
	assert.Equal(t, domain.StagePending, next.Status)
	assert.JSONEq(t, string(videoInput(t)), string(next.InputOverride))
}

func TestMissingUpstreamIsValidationFailure(t *testing.T) {
	h := newHarness(t, nil)

	exec := h.execute(t, domain.StageAssets, 1)
	assert.Equal(t, domain.StageFailed, exec.Status)
	assert.Equal(t, domain.ErrorClassValidation, exec.ErrorClass)
	assert.Contains(t, exec.LastError, "upstream Screenplay")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, domain.ErrorClassStorage, classify(repo.ErrStorageUnavailable))
	assert.Equal(t, domain.ErrorClassValidation, classify(&stages.ValidationError{Stage: "Video"}))
	assert.Equal(t, domain.ErrorClassValidation, classify(capability.Validation(errors.New("bad"))))
	assert.Equal(t, domain.ErrorClassTransient, classify(capability.Transient(errors.New("slow"))))
	assert.Equal(t, domain.ErrorClassTransient, classify(context.DeadlineExceeded))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Policy = retry.Policy{}
	arts, err := artifacts.NewStore(store.NewMemoryStore(), repotest.New(), "b")
	require.NoError(t, err)
	_, err = New(cfg, Deps{Store: repotest.New(), Artifacts: arts, Capabilities: capability.NewRegistry()})
	assert.Error(t, err)
}

func TestAbandonSchedulesRetry(t *testing.T) {
	h := newHarness(t, nil)
	job := h.claim(t, domain.StageDeconstruct, 1, nil)

	require.NoError(t, h.exec.Abandon(context.Background(), job, errors.New("lease expired")))
	exec := h.attempt(t, domain.StageDeconstruct, 1)
	assert.Equal(t, domain.StageFailed, exec.Status)
	assert.Equal(t, "lease expired", exec.LastError)
	assert.Equal(t, domain.StagePending, h.attempt(t, domain.StageDeconstruct, 2).Status)
}
