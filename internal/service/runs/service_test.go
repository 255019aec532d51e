package runs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/cineforge/internal/artifacts"
	"github.com/animus-labs/cineforge/internal/capability"
	"github.com/animus-labs/cineforge/internal/capability/dryrun"
	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/execution/executor"
	"github.com/animus-labs/cineforge/internal/execution/gate"
	"github.com/animus-labs/cineforge/internal/execution/reconcile"
	"github.com/animus-labs/cineforge/internal/execution/retry"
	"github.com/animus-labs/cineforge/internal/execution/state"
	"github.com/animus-labs/cineforge/internal/platform/auditlog"
	"github.com/animus-labs/cineforge/internal/platform/events"
	"github.com/animus-labs/cineforge/internal/platform/metrics"
	"github.com/animus-labs/cineforge/internal/repo"
	"github.com/animus-labs/cineforge/internal/repo/repotest"
	"github.com/animus-labs/cineforge/internal/stages"
	store "github.com/animus-labs/cineforge/internal/storage/objectstore"
)

const story = `The keeper Mara climbs the lighthouse as the storm rolls in.

Below, Tomas rows toward the rocks, his lantern guttering.

At dawn Mara and Tomas watch the wreck sink beneath the grey water.`

var dana = Caller{Actor: "dana", RequestID: "req-1"}

// flaky fails the first n calls with a transient error, then delegates.
type flaky struct {
	mu    sync.Mutex
	left  int
	calls int
	next  capability.Capability
}

func (f *flaky) Execute(ctx context.Context, in capability.Input) (capability.Output, error) {
	f.mu.Lock()
	f.calls++
	fail := f.left > 0
	if fail {
		f.left--
	}
	f.mu.Unlock()
	if fail {
		return capability.Output{}, capability.Transient(errors.New("backend returned 503"))
	}
	return f.next.Execute(ctx, in)
}

type harness struct {
	svc    *Service
	store  *repotest.Store
	caps   *capability.Registry
	exec   *executor.Executor
	audit  *auditlog.MemoryRecorder
	events *events.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  repotest.New(),
		caps:   capability.NewRegistry(),
		audit:  &auditlog.MemoryRecorder{},
		events: &events.Recorder{},
	}
	h.caps.RegisterAll(dryrun.New(dryrun.Config{}))
	m := metrics.New(prometheus.NewRegistry())
	rec := reconcile.New(h.store, h.events, m, nil)

	arts, err := artifacts.NewStore(store.NewMemoryStore(), h.store, "cineforge")
	require.NoError(t, err)

	cfg := executor.DefaultConfig()
	cfg.Policy = retry.Policy{MaxAttempts: 3, Multiplier: 1}
	h.exec, err = executor.New(cfg, executor.Deps{
		Store:        h.store,
		Artifacts:    arts,
		Capabilities: h.caps,
		Reconciler:   rec,
		Publisher:    h.events,
		Metrics:      m,
	})
	require.NoError(t, err)

	g, err := gate.New(gate.DefaultConfig(), h.store, rec, h.audit, h.events, m, nil)
	require.NoError(t, err)
	h.svc, err = New(domain.DefaultPipeline(), Deps{
		Store:      h.store,
		Artifacts:  arts,
		Gate:       g,
		Reconciler: rec,
		Audit:      h.audit,
		Publisher:  h.events,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) project(t *testing.T) domain.Project {
	t.Helper()
	project, err := h.svc.CreateProject(context.Background(), dana, "Lighthouse")
	require.NoError(t, err)
	return project
}

func (h *harness) submit(t *testing.T, req SubmitRequest) string {
	t.Helper()
	runID, err := h.svc.SubmitRun(context.Background(), dana, req)
	require.NoError(t, err)
	return runID
}

// claim moves one eligible stage to Running the way the dispatcher does.
func (h *harness) claim(t *testing.T, runID string, eligible state.Eligible) executor.Job {
	t.Helper()
	ctx := context.Background()
	if !eligible.Existing {
		_, _, err := h.store.EnsureAttempt(ctx, domain.StageExecution{
			RunID: runID, StageName: eligible.Stage.Name, Attempt: eligible.Attempt, Status: domain.StagePending,
		})
		require.NoError(t, err)
	}
	exec, err := h.store.TransitionStage(ctx, repo.StageTransition{
		RunID: runID, StageName: eligible.Stage.Name, Attempt: eligible.Attempt,
		From: domain.StagePending, To: domain.StageRunning, At: time.Now().UTC(), RequireRunLive: true,
	})
	require.NoError(t, err)
	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	return executor.Job{Run: run, Stage: eligible.Stage, Attempt: exec}
}

func (h *harness) eligible(t *testing.T, runID string) []state.Eligible {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	attempts, err := h.store.ListByRun(context.Background(), runID)
	require.NoError(t, err)
	return state.EligibleStages(run, attempts, time.Now().UTC())
}

// drive claims and executes eligible stages until none are left.
func (h *harness) drive(t *testing.T, runID string) {
	t.Helper()
	for i := 0; i < 50; i++ {
		eligible := h.eligible(t, runID)
		if len(eligible) == 0 {
			return
		}
		for _, e := range eligible {
			require.NoError(t, h.exec.Execute(context.Background(), h.claim(t, runID, e)))
		}
	}
	t.Fatalf("run %s did not settle", runID)
}

func (h *harness) view(t *testing.T, runID string) RunView {
	t.Helper()
	view, err := h.svc.GetRunStatus(context.Background(), runID)
	require.NoError(t, err)
	return view
}

func stageView(t *testing.T, view RunView, name domain.StageName) state.StageView {
	t.Helper()
	for _, sv := range view.Stages {
		if sv.Name == name {
			return sv
		}
	}
	t.Fatalf("stage %s not in view", name)
	return state.StageView{}
}

func (h *harness) decide(t *testing.T, runID string, decision domain.Decision) {
	t.Helper()
	_, err := h.svc.ApproveStage(context.Background(), dana, gate.Request{RunID: runID, Stage: domain.StageScreenplay, Decision: decision})
	require.NoError(t, err)
}

func TestTransientFailuresThenGatedApproval(t *testing.T) {
	h := newHarness(t)
	deconstruct := &flaky{left: 2, next: dryrun.New(dryrun.Config{})}
	h.caps.Register(domain.StageDeconstruct, deconstruct)
	project := h.project(t)
	runID := h.submit(t, SubmitRequest{ProjectID: project.ID, Input: domain.RunInput{StoryText: story}})

	h.drive(t, runID)

	view := h.view(t, runID)
	assert.Equal(t, domain.RunAwaitingApproval, view.Run.Status)
	d := stageView(t, view, domain.StageDeconstruct)
	assert.Equal(t, domain.StageSucceeded, d.Status)
	require.Len(t, d.Attempts, 3)
	assert.Equal(t, domain.StageFailed, d.Attempts[0].Status)
	assert.Contains(t, d.Attempts[0].LastError, "backend returned 503")
	assert.Equal(t, domain.OriginRetry, d.Attempts[2].Origin)
	assert.Equal(t, 3, deconstruct.calls)
	assert.Equal(t, domain.StageAwaitingApproval, stageView(t, view, domain.StageScreenplay).Status)
	assert.Equal(t, domain.StagePending, stageView(t, view, domain.StageAssets).Status)

	h.decide(t, runID, domain.DecisionApprove)
	h.drive(t, runID)

	view = h.view(t, runID)
	assert.Equal(t, domain.RunCompleted, view.Run.Status)
	require.Len(t, view.Decisions, 1)
	assembly := stageView(t, view, domain.StageAssembly)
	assert.Equal(t, domain.StageSucceeded, assembly.Status)
	assert.NotEmpty(t, assembly.Artifacts)
}

func TestRejectCancelsRunAndKeepsArtifacts(t *testing.T) {
	h := newHarness(t)
	project := h.project(t)
	runID := h.submit(t, SubmitRequest{ProjectID: project.ID, Input: domain.RunInput{StoryText: story}})
	h.drive(t, runID)

	h.decide(t, runID, domain.DecisionReject)
	h.drive(t, runID)

	view := h.view(t, runID)
	assert.Equal(t, domain.RunCancelled, view.Run.Status)
	for _, name := range []domain.StageName{domain.StageAssets, domain.StageVideo, domain.StageAssembly} {
		assert.Empty(t, stageView(t, view, name).Attempts, name)
	}
	for _, name := range []domain.StageName{domain.StageDeconstruct, domain.StageScreenplay} {
		refs := stageView(t, view, name).Artifacts
		require.NotEmpty(t, refs, name)
		_, artifact, err := h.svc.GetArtifact(context.Background(), refs[0])
		require.NoError(t, err)
		assert.Equal(t, name, artifact.StageName)
	}
}

func TestCancelWhileRunningDiscardsOutput(t *testing.T) {
	h := newHarness(t)
	project := h.project(t)
	runID := h.submit(t, SubmitRequest{ProjectID: project.ID, Input: domain.RunInput{StoryText: story}})
	h.drive(t, runID)
	h.decide(t, runID, domain.DecisionApprove)

	eligible := h.eligible(t, runID)
	require.Len(t, eligible, 1)
	require.Equal(t, domain.StageAssets, eligible[0].Stage.Name)
	job := h.claim(t, runID, eligible[0])

	run, err := h.svc.CancelRun(context.Background(), dana, runID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, run.Status)
	assert.Equal(t, "cancelled by dana", run.StatusReason)

	require.NoError(t, h.exec.Execute(context.Background(), job))
	h.drive(t, runID)

	view := h.view(t, runID)
	assets := stageView(t, view, domain.StageAssets)
	assert.Equal(t, domain.StageCancelled, assets.Status)
	assert.Empty(t, assets.Artifacts)
	assert.Empty(t, stageView(t, view, domain.StageVideo).Attempts)

	_, err = h.svc.CancelRun(context.Background(), dana, runID, "")
	assert.ErrorIs(t, err, ErrRunFinished)
}

func TestRequestChangesDoesNotSpendRetryBudget(t *testing.T) {
	h := newHarness(t)
	project := h.project(t)
	runID := h.submit(t, SubmitRequest{ProjectID: project.ID, Input: domain.RunInput{StoryText: story}})
	h.drive(t, runID)

	edited, err := stages.Encode(domain.StageScreenplay, stages.ScreenplayInput{
		Narrative: stages.DeconstructOutput{
			Title:      "The Keeper",
			Characters: []stages.Character{{Name: "Mara"}},
			Scenes:     []stages.Scene{{Number: 1, Setting: "Lighthouse, night"}},
		},
		Style: "noir",
	})
	require.NoError(t, err)
	_, err = h.svc.ApproveStage(context.Background(), dana, gate.Request{
		RunID: runID, Stage: domain.StageScreenplay, Decision: domain.DecisionRequestChanges, EditedInput: edited,
	})
	require.NoError(t, err)

	view := h.view(t, runID)
	screenplay := stageView(t, view, domain.StageScreenplay)
	require.Len(t, screenplay.Attempts, 2)
	assert.Equal(t, domain.StageCancelled, screenplay.Attempts[0].Status)
	assert.Equal(t, domain.StagePending, screenplay.Attempts[1].Status)
	assert.Equal(t, domain.OriginChangesRequested, screenplay.Attempts[1].Origin)

	attempts, err := h.store.ListByRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.ChainLength(attempts, domain.StageScreenplay))

	h.drive(t, runID)
	view = h.view(t, runID)
	assert.Equal(t, domain.RunAwaitingApproval, view.Run.Status)
	assert.Equal(t, domain.StageAwaitingApproval, stageView(t, view, domain.StageScreenplay).Status)
}

func TestPartialRunStartsFromEarlierOutput(t *testing.T) {
	h := newHarness(t)
	project := h.project(t)
	first := h.submit(t, SubmitRequest{ProjectID: project.ID, ToStage: domain.StageScreenplay, Input: domain.RunInput{StoryText: story}})
	h.drive(t, first)
	h.decide(t, first, domain.DecisionApprove)
	assert.Equal(t, domain.RunCompleted, h.view(t, first).Run.Status)

	second := h.submit(t, SubmitRequest{ProjectID: project.ID, FromStage: domain.StageAssets})
	h.drive(t, second)

	view := h.view(t, second)
	assert.Equal(t, domain.RunCompleted, view.Run.Status)
	require.Len(t, view.Stages, 3)
	assert.Equal(t, domain.StageAssets, view.Stages[0].Name)
}

func TestSubmitRunValidation(t *testing.T) {
	h := newHarness(t)
	project := h.project(t)
	ctx := context.Background()

	_, err := h.svc.SubmitRun(ctx, dana, SubmitRequest{ProjectID: project.ID})
	var verr *stages.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = h.svc.SubmitRun(ctx, dana, SubmitRequest{ProjectID: project.ID, FromStage: domain.StageVideo})
	assert.ErrorAs(t, err, &verr)

	_, err = h.svc.SubmitRun(ctx, dana, SubmitRequest{ProjectID: project.ID, FromStage: domain.StageVideo, ToStage: domain.StageAssets})
	assert.ErrorIs(t, err, repo.ErrInvalidStageList)

	_, err = h.svc.SubmitRun(ctx, dana, SubmitRequest{ProjectID: "missing", Input: domain.RunInput{StoryText: story}})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = h.svc.SubmitRun(ctx, Caller{}, SubmitRequest{ProjectID: project.ID, Input: domain.RunInput{StoryText: story}})
	assert.Error(t, err)
}

func TestRetryStageReactivatesFailedRun(t *testing.T) {
	h := newHarness(t)
	h.caps.Register(domain.StageDeconstruct, &flaky{left: 3, next: dryrun.New(dryrun.Config{})})
	project := h.project(t)
	runID := h.submit(t, SubmitRequest{ProjectID: project.ID, Input: domain.RunInput{StoryText: story}})
	h.drive(t, runID)

	view := h.view(t, runID)
	require.Equal(t, domain.RunFailed, view.Run.Status)
	require.Len(t, stageView(t, view, domain.StageDeconstruct).Attempts, 3)

	exec, err := h.svc.RetryStage(context.Background(), dana, runID, domain.StageDeconstruct)
	require.NoError(t, err)
	assert.Equal(t, 4, exec.Attempt)
	assert.Equal(t, domain.OriginManualRetry, exec.Origin)

	h.drive(t, runID)
	view = h.view(t, runID)
	assert.Equal(t, domain.RunAwaitingApproval, view.Run.Status)
	assert.Equal(t, domain.StageSucceeded, stageView(t, view, domain.StageDeconstruct).Status)

	_, err = h.svc.RetryStage(context.Background(), dana, runID, domain.StageDeconstruct)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestOperationsAreAudited(t *testing.T) {
	h := newHarness(t)
	project := h.project(t)
	runID := h.submit(t, SubmitRequest{ProjectID: project.ID, Input: domain.RunInput{StoryText: story}})
	_, err := h.svc.CancelRun(context.Background(), dana, runID, "wrong story")
	require.NoError(t, err)

	var actions []string
	for _, e := range h.audit.Events() {
		actions = append(actions, e.Action)
		assert.Equal(t, "dana", e.Actor)
	}
	assert.Equal(t, []string{auditlog.ActionProjectCreated, auditlog.ActionRunSubmitted, auditlog.ActionRunCancelled}, actions)
}
