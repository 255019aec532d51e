// Package dispatcher finds eligible stages of live runs, claims them with a
// compare-and-set and hands the winners to a worker pool. Any number of
// dispatchers may share one store; at most one claim per attempt succeeds.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/execution/executor"
	"github.com/animus-labs/cineforge/internal/execution/reconcile"
	"github.com/animus-labs/cineforge/internal/execution/state"
	"github.com/animus-labs/cineforge/internal/platform/logging"
	"github.com/animus-labs/cineforge/internal/platform/metrics"
	"github.com/animus-labs/cineforge/internal/platform/telemetry"
	"github.com/animus-labs/cineforge/internal/repo"
)

var ErrDraining = errors.New("dispatcher is draining")

type Config struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	Workers      int           `koanf:"workers"`
	BatchSize    int           `koanf:"batch_size"`
	// LeaseGrace is added to a stage's timeout before a Running attempt
	// is considered abandoned.
	LeaseGrace time.Duration `koanf:"lease_grace"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		Workers:      8,
		BatchSize:    100,
		LeaseGrace:   time.Minute,
	}
}

func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("dispatcher poll_interval must be > 0")
	}
	if c.Workers < 1 {
		return errors.New("dispatcher workers must be >= 1")
	}
	if c.BatchSize < 1 {
		return errors.New("dispatcher batch_size must be >= 1")
	}
	if c.LeaseGrace < 0 {
		return errors.New("dispatcher lease_grace must be >= 0")
	}
	return nil
}

// Runner executes claimed attempts.
type Runner interface {
	Execute(ctx context.Context, job executor.Job) error
	Abandon(ctx context.Context, job executor.Job, cause error) error
	Timeout(stage domain.StageConfig) time.Duration
}

type Dispatcher struct {
	cfg        Config
	store      repo.Store
	runner     Runner
	reconciler *reconcile.Reconciler
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *zap.Logger
	now        func() time.Time

	pool      *ants.Pool
	jobCtx    context.Context
	cancelJob context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	draining bool
	// cursor is where the next tick resumes listing live runs, so runs
	// parked on approval cannot hold every batch.
	cursor *repo.RunCursor
}

func New(cfg Config, store repo.Store, runner Runner, reconciler *reconcile.Reconciler, m *metrics.Metrics, logger *zap.Logger) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || runner == nil {
		return nil, errors.New("dispatcher requires store and runner")
	}
	logger = logging.OrNop(logger)
	if reconciler == nil {
		reconciler = reconcile.New(store, nil, m, logger)
	}
	pool, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(p any) {
		logger.Error("panic in stage worker", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		store:      store,
		runner:     runner,
		reconciler: reconciler,
		metrics:    m,
		tracer:     telemetry.Tracer(),
		logger:     logger,
		now:        time.Now,
		pool:       pool,
		jobCtx:     jobCtx,
		cancelJob:  cancel,
		inflight:   map[string]struct{}{},
	}, nil
}

// Run polls until ctx is done. In-flight executions keep running; call Drain
// to wait for them.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("dispatch tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs one pass: reclaim abandoned attempts, reconcile live runs
// and claim their eligible stages.
func (d *Dispatcher) Tick(ctx context.Context) error {
	if d.isDraining() {
		return ErrDraining
	}
	if err := d.reclaimStale(ctx); err != nil {
		d.logger.Warn("stale reclaim failed", zap.Error(err))
	}
	runs, err := d.nextBatch(ctx)
	if err != nil {
		return err
	}
	var errs []error
	visited := 0
	for _, run := range runs {
		if d.pool.Free() == 0 {
			break
		}
		if err := d.dispatchRun(ctx, run.ID); err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", run.ID, err))
		}
		visited++
	}
	switch {
	case visited == len(runs) && len(runs) < d.cfg.BatchSize:
		// End of the live runs; the next tick starts from the oldest.
		d.setCursor(nil)
	case visited > 0:
		d.setCursor(repo.CursorOf(runs[visited-1]))
	}
	return errors.Join(errs...)
}

// nextBatch lists live runs after the cursor, wrapping to the oldest run when
// the cursor is past the end.
func (d *Dispatcher) nextBatch(ctx context.Context) ([]domain.PipelineRun, error) {
	filter := repo.RunFilter{
		Statuses: []domain.RunStatus{domain.RunActive, domain.RunAwaitingApproval},
		After:    d.cursorAt(),
		Limit:    d.cfg.BatchSize,
	}
	runs, err := d.store.ListRuns(ctx, filter)
	if err != nil || len(runs) > 0 || filter.After == nil {
		return runs, err
	}
	filter.After = nil
	return d.store.ListRuns(ctx, filter)
}

func (d *Dispatcher) cursorAt() *repo.RunCursor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor
}

func (d *Dispatcher) setCursor(c *repo.RunCursor) {
	d.mu.Lock()
	d.cursor = c
	d.mu.Unlock()
}

func (d *Dispatcher) dispatchRun(ctx context.Context, runID string) error {
	run, err := d.reconciler.Reconcile(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.Live() {
		return nil
	}
	attempts, err := d.store.ListByRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, eligible := range state.EligibleStages(run, attempts, d.now()) {
		if d.pool.Free() == 0 {
			return nil
		}
		if err := d.claim(ctx, run, eligible); err != nil {
			return err
		}
	}
	return nil
}

// claim moves the eligible attempt to Running. Losing the race is not an
// error: another dispatcher owns the attempt.
func (d *Dispatcher) claim(ctx context.Context, run domain.PipelineRun, eligible state.Eligible) error {
	ctx, span := d.tracer.Start(ctx, "dispatcher.claim", trace.WithAttributes(
		attribute.String("run_id", run.ID),
		attribute.String("stage", string(eligible.Stage.Name)),
		attribute.Int("attempt", eligible.Attempt),
	))
	defer span.End()

	now := d.now().UTC()
	if !eligible.Existing {
		_, _, err := d.store.EnsureAttempt(ctx, domain.StageExecution{
			ID:        uuid.NewString(),
			RunID:     run.ID,
			StageName: eligible.Stage.Name,
			Attempt:   eligible.Attempt,
			Status:    domain.StagePending,
			Origin:    domain.OriginInitial,
			CreatedAt: now,
		})
		if err != nil {
			d.countClaim("error")
			return err
		}
	}
	claimed, err := d.store.TransitionStage(ctx, repo.StageTransition{
		RunID:          run.ID,
		StageName:      eligible.Stage.Name,
		Attempt:        eligible.Attempt,
		From:           domain.StagePending,
		To:             domain.StageRunning,
		At:             now,
		RequireRunLive: true,
	})
	if errors.Is(err, repo.ErrConflict) {
		d.countClaim("lost")
		span.SetAttributes(attribute.Bool("won", false))
		return nil
	}
	if err != nil {
		d.countClaim("error")
		return err
	}
	d.countClaim("won")
	span.SetAttributes(attribute.Bool("won", true))
	d.logger.Debug("stage claimed",
		zap.String("run_id", run.ID),
		zap.String("stage", string(eligible.Stage.Name)),
		zap.Int("attempt", eligible.Attempt),
	)
	return d.submit(executor.Job{Run: run, Stage: eligible.Stage, Attempt: claimed})
}

func (d *Dispatcher) submit(job executor.Job) error {
	key := attemptKey(job.Attempt)
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return ErrDraining
	}
	d.inflight[key] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	err := d.pool.Submit(func() {
		defer d.done(key)
		_ = d.runner.Execute(d.jobCtx, job)
	})
	if err != nil {
		// The attempt stays Running and is reclaimed once its lease expires.
		d.done(key)
		return fmt.Errorf("submit %s: %w", key, err)
	}
	return nil
}

func (d *Dispatcher) done(key string) {
	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()
	d.wg.Done()
}

// reclaimStale fails Running attempts of live runs whose worker has
// evidently died: the capability deadline plus the lease grace has passed and
// no worker in this process holds the attempt.
func (d *Dispatcher) reclaimStale(ctx context.Context) error {
	now := d.now()
	candidates, err := d.store.ListRunningStartedBefore(ctx, now.Add(-d.cfg.LeaseGrace), d.cfg.BatchSize)
	if err != nil {
		return err
	}
	runs := map[string]domain.PipelineRun{}
	for _, exec := range candidates {
		if d.holds(exec) || exec.StartedAt == nil {
			continue
		}
		run, ok := runs[exec.RunID]
		if !ok {
			if run, err = d.store.GetRun(ctx, exec.RunID); err != nil {
				return err
			}
			runs[exec.RunID] = run
		}
		stage, ok := run.StageConfig(exec.StageName)
		if !ok {
			continue
		}
		lease := d.runner.Timeout(stage) + d.cfg.LeaseGrace
		if exec.StartedAt.Add(lease).After(now) {
			continue
		}
		d.logger.Warn("reclaiming abandoned attempt",
			zap.String("run_id", exec.RunID),
			zap.String("stage", string(exec.StageName)),
			zap.Int("attempt", exec.Attempt),
			zap.Time("started_at", *exec.StartedAt),
		)
		cause := fmt.Errorf("lease expired after %s without a result", lease)
		if err := d.runner.Abandon(ctx, executor.Job{Run: run, Stage: stage, Attempt: exec}, cause); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) holds(exec domain.StageExecution) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[attemptKey(exec)]
	return ok
}

func (d *Dispatcher) isDraining() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draining
}

// Drain stops claiming and waits for in-flight executions. When ctx expires
// first, the remaining executions are cancelled; their attempts stay Running
// and are reclaimed later.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	defer d.pool.Release()
	select {
	case <-done:
		d.cancelJob()
		return nil
	case <-ctx.Done():
		d.cancelJob()
		return ctx.Err()
	}
}

func (d *Dispatcher) countClaim(result string) {
	if d.metrics != nil {
		d.metrics.DispatchClaims.WithLabelValues(result).Inc()
	}
}

func attemptKey(exec domain.StageExecution) string {
	return fmt.Sprintf("%s/%s/%d", exec.RunID, exec.StageName, exec.Attempt)
}
