package dispatcher

import (
	"context"
	"sync"
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
	"github.com/animus-labs/cineforge/internal/execution/executor"
	"github.com/animus-labs/cineforge/internal/platform/metrics"
	"github.com/animus-labs/cineforge/internal/repo"
	"github.com/animus-labs/cineforge/internal/repo/repotest"
	store "github.com/animus-labs/cineforge/internal/storage/objectstore"
)

type fakeRunner struct {
	mu        sync.Mutex
	executed  []executor.Job
	abandoned []executor.Job
	block     chan struct{}
}

func (f *fakeRunner) Execute(_ context.Context, job executor.Job) error {
	f.mu.Lock()
	f.executed = append(f.executed, job)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return nil
}

func (f *fakeRunner) Abandon(_ context.Context, job executor.Job, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, job)
	return nil
}

func (f *fakeRunner) Timeout(domain.StageConfig) time.Duration { return time.Second }

func (f *fakeRunner) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed), len(f.abandoned)
}

func seedRun(t *testing.T, s *repotest.Store, status domain.RunStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, domain.Project{ID: "proj-1", Title: "Lighthouse"}))
	require.NoError(t, s.CreateRun(ctx, domain.PipelineRun{
		ID:        "run-1",
		ProjectID: "proj-1",
		Stages:    domain.DefaultPipeline().Stages,
		Status:    status,
		Input:     domain.RunInput{StoryText: "The keeper Mara lights the lamp."},
	}))
}

func newDispatcher(t *testing.T, s repo.Store, runner Runner, m *metrics.Metrics) *Dispatcher {
	t.Helper()
	d, err := New(DefaultConfig(), s, runner, nil, m, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Drain(ctx)
	})
	return d
}

func TestConcurrentDispatchersClaimOnce(t *testing.T) {
	s := repotest.New()
	seedRun(t, s, domain.RunActive)
	runner := &fakeRunner{block: make(chan struct{})}
	m := metrics.New(prometheus.NewRegistry())

	dispatchers := []*Dispatcher{
		newDispatcher(t, s, runner, m),
		newDispatcher(t, s, runner, m),
		newDispatcher(t, s, runner, m),
	}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for _, d := range dispatchers {
			wg.Add(1)
			go func(d *Dispatcher) {
				defer wg.Done()
				_ = d.Tick(context.Background())
			}(d)
		}
	}
	wg.Wait()

	assert.Equal(t, 1, s.RunningCount("run-1", domain.StageDeconstruct))
	require.Eventually(t, func() bool {
		executed, _ := runner.counts()
		return executed == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchClaims.WithLabelValues("won")))
	close(runner.block)
}

func TestTerminalRunIsNotDispatched(t *testing.T) {
	s := repotest.New()
	seedRun(t, s, domain.RunCancelled)
	runner := &fakeRunner{}

	require.NoError(t, newDispatcher(t, s, runner, nil).Tick(context.Background()))
	executed, _ := runner.counts()
	assert.Equal(t, 0, executed)
	attempts, err := s.ListByRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestDelayedRetryWaitsForNotBefore(t *testing.T) {
	s := repotest.New()
	seedRun(t, s, domain.RunActive)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	notBefore := now.Add(4 * time.Second)
	_, _, err := s.EnsureAttempt(ctx, domain.StageExecution{RunID: "run-1", StageName: domain.StageDeconstruct, Attempt: 1, Status: domain.StageFailed})
	require.NoError(t, err)
	_, _, err = s.EnsureAttempt(ctx, domain.StageExecution{
		RunID: "run-1", StageName: domain.StageDeconstruct, Attempt: 2,
		Status: domain.StagePending, Origin: domain.OriginRetry, NotBefore: &notBefore,
	})
	require.NoError(t, err)

	runner := &fakeRunner{}
	d := newDispatcher(t, s, runner, nil)
	d.now = func() time.Time { return now }
	require.NoError(t, d.Tick(ctx))
	assert.Equal(t, 0, s.RunningCount("run-1", domain.StageDeconstruct))

	d.now = func() time.Time { return notBefore }
	require.NoError(t, d.Tick(ctx))
	assert.Equal(t, 1, s.RunningCount("run-1", domain.StageDeconstruct))
}

func TestReclaimStaleAttempt(t *testing.T) {
	s := repotest.New()
	seedRun(t, s, domain.RunActive)
	ctx := context.Background()
	started := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	_, _, err := s.EnsureAttempt(ctx, domain.StageExecution{RunID: "run-1", StageName: domain.StageDeconstruct, Attempt: 1})
	require.NoError(t, err)
	_, err = s.TransitionStage(ctx, repo.StageTransition{
		RunID: "run-1", StageName: domain.StageDeconstruct, Attempt: 1,
		From: domain.StagePending, To: domain.StageRunning, At: started,
	})
	require.NoError(t, err)

	runner := &fakeRunner{}
	d := newDispatcher(t, s, runner, nil)

	d.now = func() time.Time { return started.Add(30 * time.Second) }
	require.NoError(t, d.Tick(ctx))
	_, abandoned := runner.counts()
	assert.Equal(t, 0, abandoned)

	d.now = func() time.Time { return started.Add(2 * time.Minute) }
	require.NoError(t, d.Tick(ctx))
	_, abandoned = runner.counts()
	assert.Equal(t, 1, abandoned)
}

func TestDrainStopsClaiming(t *testing.T) {
	s := repotest.New()
	seedRun(t, s, domain.RunActive)
	d := newDispatcher(t, s, &fakeRunner{}, nil)

	require.NoError(t, d.Drain(context.Background()))
	assert.ErrorIs(t, d.Tick(context.Background()), ErrDraining)
}

func TestDispatchDrivesRunToApproval(t *testing.T) {
	s := repotest.New()
	seedRun(t, s, domain.RunActive)
	caps := capability.NewRegistry()
	caps.RegisterAll(dryrun.New(dryrun.Config{}))
	arts, err := artifacts.NewStore(store.NewMemoryStore(), s, "cineforge")
	require.NoError(t, err)
	exec, err := executor.New(executor.DefaultConfig(), executor.Deps{Store: s, Artifacts: arts, Capabilities: caps})
	require.NoError(t, err)
	d := newDispatcher(t, s, exec, nil)

	require.Eventually(t, func() bool {
		_ = d.Tick(context.Background())
		run, err := s.GetRun(context.Background(), "run-1")
		return err == nil && run.Status == domain.RunAwaitingApproval
	}, 5*time.Second, 20*time.Millisecond)

	screenplay, err := s.GetAttempt(context.Background(), "run-1", domain.StageScreenplay, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StageAwaitingApproval, screenplay.Status)
	_, err = s.GetAttempt(context.Background(), "run-1", domain.StageAssets, 1)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestParkedRunsDoNotStarveNewerRuns(t *testing.T) {
	s := repotest.New()
	ctx := context.Background()
	created := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateProject(ctx, domain.Project{ID: "proj-1", Title: "Lighthouse"}))
	for _, run := range []domain.PipelineRun{
		{ID: "run-parked", Status: domain.RunAwaitingApproval, CreatedAt: created},
		{ID: "run-new", Status: domain.RunActive, CreatedAt: created.Add(time.Minute)},
	} {
		run.ProjectID = "proj-1"
		run.Stages = domain.DefaultPipeline().Stages
		run.Input = domain.RunInput{StoryText: "The keeper Mara lights the lamp."}
		require.NoError(t, s.CreateRun(ctx, run))
	}
	_, _, err := s.EnsureAttempt(ctx, domain.StageExecution{RunID: "run-parked", StageName: domain.StageDeconstruct, Attempt: 1, Status: domain.StageSucceeded})
	require.NoError(t, err)
	_, _, err = s.EnsureAttempt(ctx, domain.StageExecution{RunID: "run-parked", StageName: domain.StageScreenplay, Attempt: 1, Status: domain.StageAwaitingApproval})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.BatchSize = 1
	runner := &fakeRunner{}
	d, err := New(cfg, s, runner, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Drain(context.Background()) })

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Tick(ctx))
	}

	assert.Equal(t, 1, s.RunningCount("run-new", domain.StageDeconstruct))
	require.Eventually(t, func() bool {
		executed, _ := runner.counts()
		return executed == 1
	}, time.Second, 10*time.Millisecond)
	parked, err := s.GetRun(ctx, "run-parked")
	require.NoError(t, err)
	assert.Equal(t, domain.RunAwaitingApproval, parked.Status)
}

func TestReclaimStaleAttemptOfCancelledRun(t *testing.T) {
	s := repotest.New()
	seedRun(t, s, domain.RunActive)
	ctx := context.Background()
	started := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	_, _, err := s.EnsureAttempt(ctx, domain.StageExecution{RunID: "run-1", StageName: domain.StageDeconstruct, Attempt: 1})
	require.NoError(t, err)
	_, err = s.TransitionStage(ctx, repo.StageTransition{
		RunID: "run-1", StageName: domain.StageDeconstruct, Attempt: 1,
		From: domain.StagePending, To: domain.StageRunning, At: started,
	})
	require.NoError(t, err)
	_, err = s.TransitionRun(ctx, repo.RunTransition{
		RunID: "run-1", From: []domain.RunStatus{domain.RunActive}, To: domain.RunCancelled, Reason: "operator",
	})
	require.NoError(t, err)

	caps := capability.NewRegistry()
	caps.RegisterAll(dryrun.New(dryrun.Config{}))
	arts, err := artifacts.NewStore(store.NewMemoryStore(), s, "cineforge")
	require.NoError(t, err)
	exec, err := executor.New(executor.DefaultConfig(), executor.Deps{Store: s, Artifacts: arts, Capabilities: caps})
	require.NoError(t, err)
	d := newDispatcher(t, s, exec, nil)
	d.now = func() time.Time { return started.Add(time.Hour) }

	require.NoError(t, d.Tick(ctx))

	attempt, err := s.GetAttempt(ctx, "run-1", domain.StageDeconstruct, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCancelled, attempt.Status)
	assert.Equal(t, domain.ErrorClassCancelled, attempt.ErrorClass)
	_, err = s.GetAttempt(ctx, "run-1", domain.StageDeconstruct, 2)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.Workers = 0
	assert.Error(t, cfg.Validate())
}
