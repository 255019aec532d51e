package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/repo"
)

type StageExecutionStore struct {
	db TxDB
}

const (
	stageExecutionColumns = `stage_execution_id, run_id, stage_name, attempt, status, origin, not_before, started_at, finished_at,
		error_class, last_error, output_artifact_refs, input_override, created_at`

	insertStageExecutionQuery = `INSERT INTO stage_executions (` + stageExecutionColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (run_id, stage_name, attempt) DO NOTHING
	RETURNING ` + stageExecutionColumns

	insertFollowUpQuery = `INSERT INTO stage_executions (` + stageExecutionColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	selectStageExecutionQuery = `SELECT ` + stageExecutionColumns + `
	 FROM stage_executions
	 WHERE run_id = $1 AND stage_name = $2 AND attempt = $3`

	listStageExecutionsByRunQuery = `SELECT ` + stageExecutionColumns + `
	 FROM stage_executions
	 WHERE run_id = $1
	 ORDER BY stage_name ASC, attempt ASC`

	listRunningStartedBeforeQuery = `SELECT se.stage_execution_id, se.run_id, se.stage_name, se.attempt, se.status, se.origin, se.not_before,
		se.started_at, se.finished_at, se.error_class, se.last_error, se.output_artifact_refs, se.input_override, se.created_at
	 FROM stage_executions se
	 WHERE se.status = 'Running' AND se.started_at < $1
	 ORDER BY se.started_at ASC
	 LIMIT $2`

	latestSucceededQuery = `SELECT se.stage_execution_id, se.run_id, se.stage_name, se.attempt, se.status, se.origin, se.not_before,
		se.started_at, se.finished_at, se.error_class, se.last_error, se.output_artifact_refs, se.input_override, se.created_at
	 FROM stage_executions se
	 JOIN pipeline_runs r ON r.run_id = se.run_id
	 WHERE r.project_id = $1 AND se.stage_name = $2 AND se.status = 'Succeeded'
	 ORDER BY se.finished_at DESC NULLS LAST, se.created_at DESC
	 LIMIT 1`

	lockRunStatusQuery = `SELECT status FROM pipeline_runs WHERE run_id = $1 FOR SHARE`

	lockRunForEndQuery = `SELECT status FROM pipeline_runs WHERE run_id = $1 FOR UPDATE`

	// Compare-and-set: the row only changes while it is still in the expected status.
	transitionStageQuery = `UPDATE stage_executions SET
		status = $5,
		started_at = CASE WHEN $5 = 'Running' THEN $6::timestamptz ELSE started_at END,
		finished_at = CASE WHEN $5 IN ('Succeeded','Failed','AwaitingApproval','Skipped','Cancelled') THEN COALESCE(finished_at, $6::timestamptz) ELSE finished_at END,
		error_class = COALESCE($7, error_class),
		last_error = COALESCE($8, last_error),
		output_artifact_refs = output_artifact_refs || $9::jsonb
	 WHERE run_id = $1 AND stage_name = $2 AND attempt = $3 AND status = $4
	 RETURNING ` + stageExecutionColumns

	insertCommittedArtifactQuery = `INSERT INTO artifacts (` + artifactColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (artifact_id) DO NOTHING`
)

func NewStageExecutionStore(db TxDB) *StageExecutionStore {
	if db == nil {
		return nil
	}
	return &StageExecutionStore{db: db}
}

func (s *StageExecutionStore) EnsureAttempt(ctx context.Context, exec domain.StageExecution) (domain.StageExecution, bool, error) {
	if s == nil || s.db == nil {
		return domain.StageExecution{}, false, fmt.Errorf("stage execution store not initialized")
	}
	args, err := stageExecutionInsertArgs(exec)
	if err != nil {
		return domain.StageExecution{}, false, err
	}
	inserted, err := scanStageExecution(s.db.QueryRowContext(ctx, insertStageExecutionQuery, args...))
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.StageExecution{}, false, fmt.Errorf("insert stage execution: %w", err)
		}
		existing, err := s.GetAttempt(ctx, exec.RunID, exec.StageName, exec.Attempt)
		if err != nil {
			return domain.StageExecution{}, false, err
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *StageExecutionStore) TransitionStage(ctx context.Context, t repo.StageTransition) (out domain.StageExecution, err error) {
	if s == nil || s.db == nil {
		return domain.StageExecution{}, fmt.Errorf("stage execution store not initialized")
	}
	if !domain.CanTransitionStage(t.From, t.To) {
		return domain.StageExecution{}, fmt.Errorf("transition %s -> %s is not allowed: %w", t.From, t.To, repo.ErrConflict)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageExecution{}, fmt.Errorf("begin: %w", classify(err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if t.RequireRunLive || t.EndRun != "" {
		lock := lockRunStatusQuery
		if t.EndRun != "" {
			lock = lockRunForEndQuery
		}
		var status string
		if err := tx.QueryRowContext(ctx, lock, t.RunID).Scan(&status); err != nil {
			return domain.StageExecution{}, handleNotFound(err)
		}
		if !domain.NormalizeRunStatus(status).Live() {
			return domain.StageExecution{}, fmt.Errorf("run %s is %s: %w", t.RunID, status, repo.ErrConflict)
		}
	}

	refs := make([]string, 0, len(t.Artifacts))
	for _, artifact := range t.Artifacts {
		refs = append(refs, artifact.ID)
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return domain.StageExecution{}, fmt.Errorf("encode artifact refs: %w", err)
	}

	updated, err := scanStageExecution(tx.QueryRowContext(
		ctx,
		transitionStageQuery,
		t.RunID,
		string(t.StageName),
		t.Attempt,
		string(t.From),
		string(t.To),
		normalizeTime(t.At),
		nullIfEmpty(string(t.ErrorClass)),
		nullIfEmpty(t.LastError),
		refsJSON,
	))
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.StageExecution{}, fmt.Errorf("transition stage: %w", err)
		}
		current, getErr := scanStageExecution(tx.QueryRowContext(ctx, selectStageExecutionQuery, t.RunID, string(t.StageName), t.Attempt))
		if getErr != nil {
			return domain.StageExecution{}, getErr
		}
		err = fmt.Errorf("%s attempt %d is %s: %w", t.StageName, t.Attempt, current.Status, repo.ErrConflict)
		return domain.StageExecution{}, err
	}

	for _, artifact := range t.Artifacts {
		args, err := artifactInsertArgs(artifact)
		if err != nil {
			return domain.StageExecution{}, err
		}
		if _, err := tx.ExecContext(ctx, insertCommittedArtifactQuery, args...); err != nil {
			return domain.StageExecution{}, fmt.Errorf("index artifact: %w", classify(err))
		}
	}

	if t.FollowUp != nil {
		args, err := stageExecutionInsertArgs(*t.FollowUp)
		if err != nil {
			return domain.StageExecution{}, err
		}
		if _, err := tx.ExecContext(ctx, insertFollowUpQuery, args...); err != nil {
			return domain.StageExecution{}, fmt.Errorf("insert follow-up attempt: %w", classify(err))
		}
	}

	if t.Decision != nil {
		args, err := approvalInsertArgs(*t.Decision)
		if err != nil {
			return domain.StageExecution{}, err
		}
		if _, err := tx.ExecContext(ctx, insertApprovalQuery, args...); err != nil {
			return domain.StageExecution{}, fmt.Errorf("insert approval decision: %w", classify(err))
		}
	}

	if t.EndRun != "" {
		query, args := buildRunTransitionQuery(repo.RunTransition{
			RunID:  t.RunID,
			From:   []domain.RunStatus{domain.RunActive, domain.RunAwaitingApproval},
			To:     t.EndRun,
			Reason: t.EndRunReason,
			At:     t.At,
		})
		if _, err := scanRun(tx.QueryRowContext(ctx, query, args...)); err != nil {
			return domain.StageExecution{}, fmt.Errorf("end run: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.StageExecution{}, fmt.Errorf("commit: %w", classify(err))
	}
	return updated, nil
}

func (s *StageExecutionStore) GetAttempt(ctx context.Context, runID string, stage domain.StageName, attempt int) (domain.StageExecution, error) {
	if s == nil || s.db == nil {
		return domain.StageExecution{}, fmt.Errorf("stage execution store not initialized")
	}
	return scanStageExecution(s.db.QueryRowContext(ctx, selectStageExecutionQuery, strings.TrimSpace(runID), string(stage), attempt))
}

func (s *StageExecutionStore) ListByRun(ctx context.Context, runID string) ([]domain.StageExecution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("stage execution store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	return s.list(ctx, listStageExecutionsByRunQuery, runID)
}

func (s *StageExecutionStore) ListRunningStartedBefore(ctx context.Context, t time.Time, limit int) ([]domain.StageExecution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("stage execution store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, listRunningStartedBeforeQuery, t.UTC(), limit)
}

func (s *StageExecutionStore) LatestSucceeded(ctx context.Context, projectID string, stage domain.StageName) (domain.StageExecution, error) {
	if s == nil || s.db == nil {
		return domain.StageExecution{}, fmt.Errorf("stage execution store not initialized")
	}
	return scanStageExecution(s.db.QueryRowContext(ctx, latestSucceededQuery, strings.TrimSpace(projectID), string(stage)))
}

func (s *StageExecutionStore) list(ctx context.Context, query string, args ...any) ([]domain.StageExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stage executions: %w", classify(err))
	}
	defer rows.Close()

	records := make([]domain.StageExecution, 0)
	for rows.Next() {
		record, err := scanStageExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stage executions: %w", classify(err))
	}
	return records, nil
}

func stageExecutionInsertArgs(exec domain.StageExecution) ([]any, error) {
	runID := strings.TrimSpace(exec.RunID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if !exec.StageName.Valid() {
		return nil, fmt.Errorf("invalid stage %q", exec.StageName)
	}
	if exec.Attempt < 1 {
		return nil, fmt.Errorf("attempt must be >= 1")
	}
	id := strings.TrimSpace(exec.ID)
	if id == "" {
		id = uuid.NewString()
	}
	status := exec.Status
	if status == "" {
		status = domain.StagePending
	}
	origin := exec.Origin
	if origin == "" {
		origin = domain.OriginInitial
	}
	refs := exec.OutputArtifactRefs
	if refs == nil {
		refs = []string{}
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return nil, fmt.Errorf("encode artifact refs: %w", err)
	}
	return []any{
		id,
		runID,
		string(exec.StageName),
		exec.Attempt,
		string(status),
		string(origin),
		nullTime(exec.NotBefore),
		nullTime(exec.StartedAt),
		nullTime(exec.FinishedAt),
		nullIfEmpty(string(exec.ErrorClass)),
		nullIfEmpty(exec.LastError),
		refsJSON,
		nullJSON(exec.InputOverride),
		normalizeTime(exec.CreatedAt),
	}, nil
}

func scanStageExecution(scanner rowScanner) (domain.StageExecution, error) {
	var record domain.StageExecution
	var stage, status, origin string
	var notBefore, startedAt, finishedAt sql.NullTime
	var errorClass, lastError sql.NullString
	var refsJSON, inputOverride []byte
	if err := scanner.Scan(
		&record.ID,
		&record.RunID,
		&stage,
		&record.Attempt,
		&status,
		&origin,
		&notBefore,
		&startedAt,
		&finishedAt,
		&errorClass,
		&lastError,
		&refsJSON,
		&inputOverride,
		&record.CreatedAt,
	); err != nil {
		return domain.StageExecution{}, handleNotFound(err)
	}
	record.StageName = domain.StageName(stage)
	record.Status = domain.NormalizeStageStatus(status)
	record.Origin = domain.AttemptOrigin(origin)
	record.NotBefore = timePtr(notBefore)
	record.StartedAt = timePtr(startedAt)
	record.FinishedAt = timePtr(finishedAt)
	record.ErrorClass = domain.ErrorClass(errorClass.String)
	record.LastError = lastError.String
	record.CreatedAt = record.CreatedAt.UTC()
	if len(refsJSON) > 0 {
		if err := json.Unmarshal(refsJSON, &record.OutputArtifactRefs); err != nil {
			return domain.StageExecution{}, fmt.Errorf("decode artifact refs: %w", err)
		}
	}
	if len(inputOverride) > 0 {
		record.InputOverride = json.RawMessage(inputOverride)
	}
	return record, nil
}
