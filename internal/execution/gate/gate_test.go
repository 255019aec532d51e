package gate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/platform/auditlog"
	"github.com/animus-labs/cineforge/internal/platform/events"
	"github.com/animus-labs/cineforge/internal/platform/metrics"
	"github.com/animus-labs/cineforge/internal/repo"
	"github.com/animus-labs/cineforge/internal/repo/repotest"
	"github.com/animus-labs/cineforge/internal/stages"
)

var fixedNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	gate    *Gate
	store   *repotest.Store
	audit   *auditlog.MemoryRecorder
	events  *events.Recorder
	metrics *metrics.Metrics
}

// newHarness seeds a run whose Screenplay attempt 1 awaits approval.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()
	store := repotest.New()
	require.NoError(t, store.CreateProject(ctx, domain.Project{ID: "proj-1", Title: "Lighthouse"}))
	require.NoError(t, store.CreateRun(ctx, domain.PipelineRun{
		ID: "run-1", ProjectID: "proj-1", Stages: domain.DefaultPipeline().Stages, Status: domain.RunAwaitingApproval,
	}))
	for _, exec := range []domain.StageExecution{
		{RunID: "run-1", StageName: domain.StageDeconstruct, Attempt: 1, Status: domain.StageSucceeded},
		{RunID: "run-1", StageName: domain.StageScreenplay, Attempt: 1, Status: domain.StageAwaitingApproval},
	} {
		_, _, err := store.EnsureAttempt(ctx, exec)
		require.NoError(t, err)
	}

	h := &harness{
		store:   store,
		audit:   &auditlog.MemoryRecorder{},
		events:  &events.Recorder{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	g, err := New(cfg, store, nil, h.audit, h.events, h.metrics, nil)
	require.NoError(t, err)
	g.now = func() time.Time { return fixedNow }
	h.gate = g
	return h
}

func TestApproveMakesRunActive(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	decision, err := h.gate.Decide(ctx, Request{RunID: "run-1", Stage: domain.StageScreenplay, Decision: domain.DecisionApprove, Actor: "dana"})
	require.NoError(t, err)
	assert.Equal(t, 1, decision.Attempt)
	assert.Equal(t, "dana", decision.DecidedBy)

	exec, err := h.store.GetAttempt(ctx, "run-1", domain.StageScreenplay, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StageSucceeded, exec.Status)

	run, err := h.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunActive, run.Status)

	decisions, err := h.store.ListDecisions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, domain.DecisionApprove, decisions[0].Decision)

	audited := h.audit.Events()
	require.Len(t, audited, 1)
	assert.Equal(t, auditlog.ActionStageDecided, audited[0].Action)
	assert.Equal(t, exec.ID, audited[0].ResourceID)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ApprovalsTotal.WithLabelValues("Approve")))
}

func TestSecondDecisionIsRejected(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	req := Request{RunID: "run-1", Stage: domain.StageScreenplay, Decision: domain.DecisionApprove, Actor: "dana"}

	_, err := h.gate.Decide(ctx, req)
	require.NoError(t, err)
	_, err = h.gate.Decide(ctx, req)
	assert.True(t, errors.Is(err, ErrNotAwaitingApproval))

	decisions, err := h.store.ListDecisions(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, decisions, 1)
}

func TestDecideOnStageNotAwaiting(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, err := h.gate.Decide(context.Background(), Request{RunID: "run-1", Stage: domain.StageDeconstruct, Decision: domain.DecisionApprove, Actor: "dana"})
	assert.True(t, errors.Is(err, ErrNotAwaitingApproval))

	_, err = h.gate.Decide(context.Background(), Request{RunID: "run-1", Stage: domain.StageAssets, Decision: domain.DecisionApprove, Actor: "dana"})
	assert.True(t, errors.Is(err, ErrNotAwaitingApproval))
}

func TestRequestChangesCreatesNextAttempt(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	edited, err := stages.Encode(domain.StageScreenplay, stages.ScreenplayInput{
		Narrative: stages.DeconstructOutput{
			Title:      "The Keeper",
			Logline:    "A keeper waits for a ship.",
			Characters: []stages.Character{{Name: "Mara"}},
			Scenes:     []stages.Scene{{Number: 1, Setting: "Lighthouse, night"}},
		},
	})
	require.NoError(t, err)

	_, err = h.gate.Decide(ctx, Request{
		RunID: "run-1", Stage: domain.StageScreenplay, Decision: domain.DecisionRequestChanges,
		EditedInput: edited, Note: "tighten act two", Actor: "dana",
	})
	require.NoError(t, err)

	old, err := h.store.GetAttempt(ctx, "run-1", domain.StageScreenplay, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCancelled, old.Status)
	assert.Equal(t, "changes requested: tighten act two", old.LastError)

	next, err := h.store.GetAttempt(ctx, "run-1", domain.StageScreenplay, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.StagePending, next.Status)
	assert.Equal(t, domain.OriginChangesRequested, next.Origin)
	assert.JSONEq(t, string(edited), string(next.InputOverride))

	run, err := h.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunActive, run.Status)
}

func TestRequestChangesRejectsInvalidEdit(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, err := h.gate.Decide(context.Background(), Request{
		RunID: "run-1", Stage: domain.StageScreenplay, Decision: domain.DecisionRequestChanges,
		EditedInput: json.RawMessage(`{"stage":"Screenplay","data":{"narrative":{}}}`), Actor: "dana",
	})
	var verr *stages.ValidationError
	require.ErrorAs(t, err, &verr)

	exec, err := h.store.GetAttempt(context.Background(), "run-1", domain.StageScreenplay, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StageAwaitingApproval, exec.Status)
}

func TestRejectCancelsRun(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	_, err := h.gate.Decide(ctx, Request{RunID: "run-1", Stage: domain.StageScreenplay, Decision: domain.DecisionReject, Note: "off tone", Actor: "dana"})
	require.NoError(t, err)

	run, err := h.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, run.Status)
	assert.Equal(t, "Screenplay rejected by dana: off tone", run.StatusReason)

	exec, err := h.store.GetAttempt(ctx, "run-1", domain.StageScreenplay, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCancelled, exec.Status)

	kept, err := h.store.GetAttempt(ctx, "run-1", domain.StageDeconstruct, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StageSucceeded, kept.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsFinishedTotal.WithLabelValues("Cancelled")))
}

func TestRejectCanFailRun(t *testing.T) {
	h := newHarness(t, Config{RejectOutcome: RejectFails})
	_, err := h.gate.Decide(context.Background(), Request{RunID: "run-1", Stage: domain.StageScreenplay, Decision: domain.DecisionReject, Actor: "dana"})
	require.NoError(t, err)

	run, err := h.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
}

func TestConcurrentApproveAndRejectOneWins(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, DefaultConfig())
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j, decision := range []domain.Decision{domain.DecisionApprove, domain.DecisionReject} {
			wg.Add(1)
			go func(j int, decision domain.Decision) {
				defer wg.Done()
				_, errs[j] = h.gate.Decide(ctx, Request{RunID: "run-1", Stage: domain.StageScreenplay, Decision: decision, Actor: "dana"})
			}(j, decision)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, ErrNotAwaitingApproval)
		}
		require.Equal(t, 1, wins)

		decisions, err := h.store.ListDecisions(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, decisions, 1)
		run, err := h.store.GetRun(ctx, "run-1")
		require.NoError(t, err)
		exec, err := h.store.GetAttempt(ctx, "run-1", domain.StageScreenplay, 1)
		require.NoError(t, err)
		if decisions[0].Decision == domain.DecisionApprove {
			assert.Equal(t, domain.RunActive, run.Status)
			assert.Equal(t, domain.StageSucceeded, exec.Status)
		} else {
			assert.Equal(t, domain.RunCancelled, run.Status)
			assert.Equal(t, domain.StageCancelled, exec.Status)
		}
	}
}

func TestRejectAfterApproveIsRefused(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	_, err := h.gate.Decide(ctx, Request{RunID: "run-1", Stage: domain.StageScreenplay, Decision: domain.DecisionApprove, Actor: "dana"})
	require.NoError(t, err)

	err = h.gate.reject(ctx, domain.PipelineRun{ID: "run-1"}, domain.StageExecution{StageName: domain.StageScreenplay, Attempt: 1},
		domain.ApprovalDecision{RunID: "run-1", DecidedBy: "lee", DecidedAt: fixedNow})
	assert.ErrorIs(t, err, repo.ErrConflict)

	run, err := h.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunActive, run.Status)
}

// decisionsDown fails every standalone decision write.
type decisionsDown struct {
	*repotest.Store
}

func (decisionsDown) RecordDecision(context.Context, domain.ApprovalDecision) error {
	return errors.New("approval table unavailable")
}

func TestDecisionIsWrittenWithTransition(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	g, err := New(DefaultConfig(), decisionsDown{h.store}, nil, h.audit, h.events, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	decision, err := g.Decide(ctx, Request{RunID: "run-1", Stage: domain.StageScreenplay, Decision: domain.DecisionApprove, Actor: "dana"})
	require.NoError(t, err)

	decisions, err := h.store.ListDecisions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, decision.ID, decisions[0].ID)
	assert.Equal(t, "dana", decisions[0].DecidedBy)
}

func TestDecideRequiresActor(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, err := h.gate.Decide(context.Background(), Request{RunID: "run-1", Stage: domain.StageScreenplay, Decision: domain.DecisionApprove})
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.Error(t, Config{RejectOutcome: "archived"}.Validate())
}
