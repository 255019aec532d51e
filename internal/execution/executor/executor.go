// Package executor runs one claimed stage attempt: it assembles the input,
// calls the stage capability under a deadline, validates and stores the
// output, and commits the attempt's outcome with a compare-and-set.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/animus-labs/cineforge/internal/artifacts"
	"github.com/animus-labs/cineforge/internal/capability"
	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/execution/reconcile"
	"github.com/animus-labs/cineforge/internal/execution/retry"
	"github.com/animus-labs/cineforge/internal/platform/events"
	"github.com/animus-labs/cineforge/internal/platform/lineageevent"
	"github.com/animus-labs/cineforge/internal/platform/logging"
	"github.com/animus-labs/cineforge/internal/platform/metrics"
	"github.com/animus-labs/cineforge/internal/platform/telemetry"
	"github.com/animus-labs/cineforge/internal/repo"
)

const lineageActor = "orchestrator"

type Config struct {
	// DefaultTimeout bounds a capability call when the stage declares none.
	DefaultTimeout time.Duration
	Policy         retry.Policy
}

func DefaultConfig() Config {
	return Config{DefaultTimeout: 10 * time.Minute, Policy: retry.DefaultPolicy()}
}

// Deps are the collaborators of an Executor. Store, Artifacts and
// Capabilities are required.
type Deps struct {
	Store        repo.Store
	Artifacts    *artifacts.Store
	Capabilities *capability.Registry
	Reconciler   *reconcile.Reconciler
	Publisher    events.Publisher
	Metrics      *metrics.Metrics
	Lineage      lineageevent.Recorder
	Tracer       trace.Tracer
	Logger       *zap.Logger
}

// Job is a claimed attempt. Attempt must be in Running.
type Job struct {
	Run     domain.PipelineRun
	Stage   domain.StageConfig
	Attempt domain.StageExecution
}

type Executor struct {
	cfg        Config
	store      repo.Store
	artifacts  *artifacts.Store
	caps       *capability.Registry
	reconciler *reconcile.Reconciler
	publisher  events.Publisher
	metrics    *metrics.Metrics
	lineage    lineageevent.Recorder
	tracer     trace.Tracer
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

func New(cfg Config, deps Deps) (*Executor, error) {
	if deps.Store == nil || deps.Artifacts == nil || deps.Capabilities == nil {
		return nil, errors.New("executor requires store, artifacts and capabilities")
	}
	if cfg.DefaultTimeout <= 0 {
		return nil, errors.New("executor default timeout must be > 0")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		cfg:        cfg,
		store:      deps.Store,
		artifacts:  deps.Artifacts,
		caps:       deps.Capabilities,
		reconciler: deps.Reconciler,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		lineage:    deps.Lineage,
		tracer:     deps.Tracer,
		logger:     logging.OrNop(deps.Logger),
		now:        time.Now,
		newID:      newID,
	}
	if e.publisher == nil {
		e.publisher = events.Nop{}
	}
	if e.lineage == nil {
		e.lineage = lineageevent.Nop{}
	}
	if e.tracer == nil {
		e.tracer = telemetry.Tracer()
	}
	if e.reconciler == nil {
		e.reconciler = reconcile.New(e.store, e.publisher, e.metrics, e.logger)
	}
	return e, nil
}

// Execute runs the job to a committed outcome. It returns an error only when
// the outcome itself could not be recorded; the attempt is then left Running
// and recovered by the dispatcher's stale reclaim.
func (e *Executor) Execute(ctx context.Context, job Job) error {
	ctx, span := e.tracer.Start(ctx, "stage.execute", trace.WithAttributes(
		attribute.String("run_id", job.Run.ID),
		attribute.String("stage", string(job.Stage.Name)),
		attribute.Int("attempt", job.Attempt.Attempt),
	))
	defer span.End()

	logger := e.logger.With(
		zap.String("run_id", job.Run.ID),
		zap.String("stage", string(job.Stage.Name)),
		zap.Int("attempt", job.Attempt.Attempt),
	)
	if e.metrics != nil {
		e.metrics.InFlight.Inc()
		defer e.metrics.InFlight.Dec()
	}

	err := e.execute(ctx, job, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("stage outcome not recorded", zap.Error(err))
	}
	return err
}

func (e *Executor) execute(ctx context.Context, job Job, logger *zap.Logger) error {
	input, upstream, err := e.assembleInput(ctx, job)
	if err != nil {
		return e.fail(ctx, job, classify(err), err, logger)
	}

	c, err := e.caps.Lookup(job.Stage.Name)
	if err != nil {
		return e.fail(ctx, job, domain.ErrorClassValidation, err, logger)
	}

	started := e.now()
	out, err := e.invoke(ctx, c, capability.Input{
		ProjectID: job.Run.ProjectID,
		RunID:     job.Run.ID,
		Stage:     job.Stage.Name,
		Attempt:   job.Attempt.Attempt,
		Payload:   input,
	}, e.timeout(job.Stage))
	if e.metrics != nil {
		e.metrics.StageDuration.WithLabelValues(string(job.Stage.Name)).Observe(e.now().Sub(started).Seconds())
	}
	if ctx.Err() != nil {
		// Shutting down; the attempt stays Running until reclaimed.
		return ctx.Err()
	}
	if err != nil {
		return e.fail(ctx, job, classify(err), err, logger)
	}

	missing, err := checkOutput(job.Stage.Name, input, out)
	if err != nil {
		return e.fail(ctx, job, domain.ErrorClassValidation, err, logger)
	}
	if len(missing) > 0 && !job.Stage.AcceptPartial {
		return e.fail(ctx, job, domain.ErrorClassPartial,
			fmt.Errorf("output is missing %s", strings.Join(missing, ", ")), logger)
	}

	written, err := e.writeArtifacts(ctx, job, out, missing)
	if err != nil {
		return e.fail(ctx, job, domain.ErrorClassStorage, err, logger)
	}
	return e.commit(ctx, job, written, upstream, missing, logger)
}

func (e *Executor) timeout(stage domain.StageConfig) time.Duration {
	if stage.Timeout > 0 {
		return stage.Timeout
	}
	return e.cfg.DefaultTimeout
}

// invoke calls the capability in its own goroutine. A result arriving after
// the deadline is dropped; the attempt has already been failed by then.
func (e *Executor) invoke(ctx context.Context, c capability.Capability, in capability.Input, timeout time.Duration) (capability.Output, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out capability.Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := c.Execute(callCtx, in)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-callCtx.Done():
		return capability.Output{}, capability.Transient(
			fmt.Errorf("%s attempt %d timed out after %s: %w", in.Stage, in.Attempt, timeout, callCtx.Err()))
	}
}

func (e *Executor) commit(ctx context.Context, job Job, written []domain.Artifact, upstream []domain.Artifact, missing []string, logger *zap.Logger) error {
	to := domain.StageSucceeded
	if job.Stage.Gated {
		to = domain.StageAwaitingApproval
	}
	t := repo.StageTransition{
		RunID:          job.Run.ID,
		StageName:      job.Stage.Name,
		Attempt:        job.Attempt.Attempt,
		From:           domain.StageRunning,
		To:             to,
		At:             e.now().UTC(),
		Artifacts:      written,
		RequireRunLive: true,
	}
	if len(missing) > 0 {
		t.ErrorClass = domain.ErrorClassPartial
		t.LastError = "accepted partial output; missing " + strings.Join(missing, ", ")
	}

	committed, err := e.store.TransitionStage(ctx, t)
	if err != nil {
		e.discard(ctx, written, logger)
		if errors.Is(err, repo.ErrConflict) {
			return e.lostCommit(ctx, job, logger)
		}
		if errors.Is(err, repo.ErrStorageUnavailable) {
			return e.fail(ctx, job, domain.ErrorClassStorage, err, logger)
		}
		return err
	}

	logger.Info("stage committed", zap.String("status", string(to)), zap.Int("artifacts", len(written)))
	e.count(job.Stage.Name, outcome(to))
	e.publisher.StageChanged(reconcile.StageEvent(job.Run, committed))
	e.recordLineage(ctx, committed, written, upstream, logger)
	return e.reconcile(ctx, job.Run.ID, logger)
}

// lostCommit handles a commit refused by the compare-and-set: the run was
// cancelled or the attempt was reclaimed. Nothing is committed.
func (e *Executor) lostCommit(ctx context.Context, job Job, logger *zap.Logger) error {
	e.count(job.Stage.Name, "discarded")
	run, err := e.store.GetRun(ctx, job.Run.ID)
	if err != nil {
		return err
	}
	if run.Status.Live() {
		logger.Info("attempt no longer running; result discarded")
		return nil
	}
	cancelled, err := e.store.TransitionStage(ctx, repo.StageTransition{
		RunID:      job.Run.ID,
		StageName:  job.Stage.Name,
		Attempt:    job.Attempt.Attempt,
		From:       domain.StageRunning,
		To:         domain.StageCancelled,
		At:         e.now().UTC(),
		ErrorClass: domain.ErrorClassCancelled,
		LastError:  fmt.Sprintf("run %s", strings.ToLower(string(run.Status))),
	})
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("run no longer live; attempt cancelled", zap.String("run_status", string(run.Status)))
	e.publisher.StageChanged(reconcile.StageEvent(run, cancelled))
	return nil
}

// fail records a failed attempt and, when the policy allows, the delayed
// retry that follows it, in one transition.
func (e *Executor) fail(ctx context.Context, job Job, class domain.ErrorClass, cause error, logger *zap.Logger) error {
	attempts, err := e.store.ListByRun(ctx, job.Run.ID)
	if err != nil {
		return err
	}
	chain := chainLength(attempts, job.Stage.Name)
	decision := e.cfg.Policy.ForStage(job.Stage).Decide(class, chain)

	now := e.now().UTC()
	t := repo.StageTransition{
		RunID:          job.Run.ID,
		StageName:      job.Stage.Name,
		Attempt:        job.Attempt.Attempt,
		From:           domain.StageRunning,
		To:             domain.StageFailed,
		At:             now,
		ErrorClass:     class,
		LastError:      cause.Error(),
		RequireRunLive: true,
	}
	if decision.Retry {
		notBefore := now.Add(decision.Delay)
		t.FollowUp = &domain.StageExecution{
			ID:            e.newID(),
			RunID:         job.Run.ID,
			StageName:     job.Stage.Name,
			Attempt:       job.Attempt.Attempt + 1,
			Status:        domain.StagePending,
			Origin:        domain.OriginRetry,
			NotBefore:     &notBefore,
			InputOverride: job.Attempt.InputOverride,
			CreatedAt:     now,
		}
	}

	failed, err := e.store.TransitionStage(ctx, t)
	if errors.Is(err, repo.ErrConflict) {
		return e.lostCommit(ctx, job, logger)
	}
	if err != nil {
		return err
	}

	fields := []zap.Field{zap.String("error_class", string(class)), zap.Error(cause)}
	if decision.Retry {
		e.count(job.Stage.Name, "retry_scheduled")
		logger.Warn("stage attempt failed; retry scheduled", append(fields, zap.Duration("delay", decision.Delay))...)
	} else {
		e.count(job.Stage.Name, "failed")
		logger.Error("stage attempt failed; no retry", fields...)
	}
	e.publisher.StageChanged(reconcile.StageEvent(job.Run, failed))
	return e.reconcile(ctx, job.Run.ID, logger)
}

func (e *Executor) reconcile(ctx context.Context, runID string, logger *zap.Logger) error {
	if _, err := e.reconciler.Reconcile(ctx, runID); err != nil {
		// The dispatcher reconciles live runs every tick.
		logger.Warn("run reconcile deferred", zap.Error(err))
	}
	return nil
}

func (e *Executor) discard(ctx context.Context, written []domain.Artifact, logger *zap.Logger) {
	if len(written) == 0 {
		return
	}
	if err := e.artifacts.Discard(context.WithoutCancel(ctx), written); err != nil {
		logger.Warn("uncommitted artifacts not removed", zap.Error(err))
	}
}

func (e *Executor) recordLineage(ctx context.Context, exec domain.StageExecution, written, upstream []domain.Artifact, logger *zap.Logger) {
	if err := e.lineage.Record(ctx, lineageevent.ForCommit(lineageActor, exec, written, upstream)...); err != nil {
		logger.Warn("lineage not recorded", zap.Error(err))
	}
}

func (e *Executor) count(stage domain.StageName, outcome string) {
	if e.metrics != nil {
		e.metrics.StageAttemptsTotal.WithLabelValues(string(stage), outcome).Inc()
	}
}

func outcome(status domain.StageStatus) string {
	if status == domain.StageAwaitingApproval {
		return "awaiting_approval"
	}
	return "succeeded"
}

// Abandon fails a Running attempt whose worker is gone, as a transient
// failure subject to the retry policy.
func (e *Executor) Abandon(ctx context.Context, job Job, cause error) error {
	logger := e.logger.With(
		zap.String("run_id", job.Run.ID),
		zap.String("stage", string(job.Stage.Name)),
		zap.Int("attempt", job.Attempt.Attempt),
	)
	return e.fail(ctx, job, domain.ErrorClassTransient, cause, logger)
}

// Timeout is the capability deadline applied to stage.
func (e *Executor) Timeout(stage domain.StageConfig) time.Duration {
	return e.timeout(stage)
}
